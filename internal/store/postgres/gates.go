package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/whiteclaws/clawpoints/internal/model"
	"github.com/whiteclaws/clawpoints/internal/store"
)

const submissionColumns = `id, actor_id, target, title, normalized_title, description,
	severity, has_poc, encrypted, created_at`

// queryInsertSubmission backs the gate's duplicate check with the
// (actor_id, normalized_title) unique index.
func queryInsertSubmission(ctx context.Context, db executor, s *model.Submission) error {
	var id string
	err := db.QueryRowContext(ctx, `
		INSERT INTO submissions (`+submissionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (actor_id, normalized_title) DO NOTHING
		RETURNING id`,
		s.ID,
		s.ActorID,
		s.Target,
		s.Title,
		s.NormalizedTitle,
		nullString(s.Description),
		nullString(string(s.Severity)),
		s.HasPoC,
		s.Encrypted,
		s.CreatedAt,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrDuplicate
	}
	return err
}

func queryCountSubmissionsSince(ctx context.Context, db executor, actorID string, since time.Time) (int, error) {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM submissions WHERE actor_id = $1 AND created_at >= $2`, actorID, since).Scan(&n)
	return n, err
}

func queryHasSubmissionTitle(ctx context.Context, db executor, actorID, normalizedTitle string) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM submissions WHERE actor_id = $1 AND normalized_title = $2)`,
		actorID, normalizedTitle).Scan(&exists)
	return exists, err
}

func queryLastSubmissionAt(ctx context.Context, db executor, actorID, target string) (time.Time, error) {
	var last sql.NullTime
	err := db.QueryRowContext(ctx,
		`SELECT MAX(created_at) FROM submissions WHERE actor_id = $1 AND target = $2`, actorID, target).Scan(&last)
	if err != nil {
		return time.Time{}, err
	}
	if !last.Valid {
		return time.Time{}, store.ErrNotFound
	}
	return last.Time, nil
}

func queryListSubmissions(ctx context.Context, db executor, actorIDs []string, since time.Time) ([]*model.Submission, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+submissionColumns+` FROM submissions
		WHERE actor_id = ANY($1) AND created_at >= $2
		ORDER BY created_at, id`,
		pq.Array(actorIDs), since)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()
	return scanAll(rows, scanSubmission)
}

func queryInsertSpamFlag(ctx context.Context, db executor, f *model.SpamFlag) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO spam_flags (id, actor_id, flag_type, severity, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		f.ID, f.ActorID, string(f.Type), string(f.Severity), nullString(f.Reason), f.CreatedAt)
	return err
}

func queryCountSpamFlags(ctx context.Context, db executor, actorID string, severity model.SpamSeverity) (int, error) {
	var n int
	var err error
	if severity == "" {
		err = db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM spam_flags WHERE actor_id = $1`, actorID).Scan(&n)
	} else {
		err = db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM spam_flags WHERE actor_id = $1 AND severity = $2`, actorID, string(severity)).Scan(&n)
	}
	return n, err
}
