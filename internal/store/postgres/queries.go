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

const participantColumns = `actor_id, wallet, ip_address, device_fingerprint, funding_source, registered_at`

// eventColumns is the column list used for SELECT statements on the events table.
const eventColumns = `id, actor_id, kind, points, season, week, metadata, dedupe_key, created_at`

// executor is the interface satisfied by both *sql.DB and *sql.Tx.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Participants

func queryUpsertParticipant(ctx context.Context, db executor, p *model.Participant) error {
	registered := p.RegisteredAt
	if registered.IsZero() {
		registered = time.Now().UTC()
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO participants (`+participantColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (actor_id) DO UPDATE SET
			wallet = COALESCE(EXCLUDED.wallet, participants.wallet),
			ip_address = COALESCE(EXCLUDED.ip_address, participants.ip_address),
			device_fingerprint = COALESCE(EXCLUDED.device_fingerprint, participants.device_fingerprint),
			funding_source = COALESCE(EXCLUDED.funding_source, participants.funding_source)`,
		p.ActorID,
		nullString(p.Wallet),
		nullString(p.IPAddress),
		nullString(p.DeviceFingerprint),
		nullString(p.FundingSource),
		registered,
	)
	return err
}

func queryGetParticipant(ctx context.Context, db executor, actorID string) (*model.Participant, error) {
	row := db.QueryRowContext(ctx, `SELECT `+participantColumns+` FROM participants WHERE actor_id = $1`, actorID)
	return scanParticipant(row)
}

func queryListParticipants(ctx context.Context, db executor) ([]*model.Participant, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+participantColumns+` FROM participants ORDER BY actor_id`)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()
	return scanAll(rows, scanParticipant)
}

func queryLockParticipant(ctx context.Context, db executor, actorID string) error {
	if _, err := db.ExecContext(ctx,
		`INSERT INTO participants (actor_id, registered_at) VALUES ($1, now()) ON CONFLICT (actor_id) DO NOTHING`,
		actorID); err != nil {
		return fmt.Errorf("ensure participant: %w", err)
	}
	var id string
	if err := db.QueryRowContext(ctx,
		`SELECT actor_id FROM participants WHERE actor_id = $1 FOR UPDATE`, actorID).Scan(&id); err != nil {
		return fmt.Errorf("lock participant: %w", err)
	}
	return nil
}

func queryCountRegistrationsByIP(ctx context.Context, db executor, ip string, since time.Time) (int, error) {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM participants WHERE ip_address = $1 AND registered_at >= $2`, ip, since).Scan(&n)
	return n, err
}

// Ledger

// queryAppendEvent inserts the event and then grows the weekly positive
// total. Callers must run it inside a transaction or savepoint: a refused
// cap leaves the event row behind until rollback.
func queryAppendEvent(ctx context.Context, db executor, ev *model.ParticipationEvent, opts store.AppendOptions) error {
	metadata, err := jsonbMetadata(ev.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	var id string
	err = db.QueryRowContext(ctx, `
		INSERT INTO events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (actor_id, dedupe_key) WHERE dedupe_key IS NOT NULL DO NOTHING
		RETURNING id`,
		ev.ID,
		ev.ActorID,
		ev.Kind.String(),
		ev.Points,
		ev.Season,
		ev.Week,
		metadata,
		nullString(ev.DedupeKey),
		ev.CreatedAt,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if ev.Points <= 0 {
		return nil
	}
	return queryAddWeeklyTotal(ctx, db, ev, opts.WeeklyCap)
}

func queryAddWeeklyTotal(ctx context.Context, db executor, ev *model.ParticipationEvent, weeklyCap int) error {
	if weeklyCap > 0 && ev.Points > weeklyCap {
		return store.ErrCapReached
	}
	q := `
		INSERT INTO weekly_totals (actor_id, season, week, positive_points)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (actor_id, season, week) DO UPDATE
		SET positive_points = weekly_totals.positive_points + EXCLUDED.positive_points`
	args := []any{ev.ActorID, ev.Season, ev.Week, ev.Points}
	if weeklyCap > 0 {
		q += ` WHERE weekly_totals.positive_points + EXCLUDED.positive_points <= $5`
		args = append(args, weeklyCap)
	}
	q += ` RETURNING positive_points`

	var total int
	err := db.QueryRowContext(ctx, q, args...).Scan(&total)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrCapReached
	}
	if err != nil {
		return fmt.Errorf("weekly total: %w", err)
	}
	return nil
}

func queryListEvents(ctx context.Context, db executor, actorID string, season int) ([]*model.ParticipationEvent, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE actor_id = $1 AND season = $2 ORDER BY created_at, id`,
		actorID, season)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	return scanAll(rows, scanEvent)
}

// internalKindNames lists the engine-generated kinds excluded from activity.
func internalKindNames() []string {
	var names []string
	for _, k := range model.AllKinds() {
		if k.Spec().Internal {
			names = append(names, k.String())
		}
	}
	return names
}

func queryListActiveWeeks(ctx context.Context, db executor, actorID string) ([]model.SeasonWeek, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT DISTINCT season, week FROM events
		WHERE actor_id = $1 AND points > 0 AND kind <> ALL($2)
		ORDER BY season DESC, week DESC`,
		actorID, pq.Array(internalKindNames()))
	if err != nil {
		return nil, fmt.Errorf("list active weeks: %w", err)
	}
	defer rows.Close()
	return scanAll(rows, func(row scannable) (model.SeasonWeek, error) {
		var sw model.SeasonWeek
		err := row.Scan(&sw.Season, &sw.Week)
		return sw, err
	})
}

func queryListSeasonActors(ctx context.Context, db executor, season int) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT actor_id FROM events WHERE season = $1
		UNION
		SELECT actor_id FROM contribution_scores WHERE season = $1
		ORDER BY 1`, season)
	if err != nil {
		return nil, fmt.Errorf("list season actors: %w", err)
	}
	defer rows.Close()
	return scanAll(rows, func(row scannable) (string, error) {
		var id string
		err := row.Scan(&id)
		return id, err
	})
}

func queryCountEventsByKind(ctx context.Context, db executor, actorIDs []string, kinds []model.EventKind) (map[model.EventKind]int, error) {
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = k.String()
	}
	rows, err := db.QueryContext(ctx, `
		SELECT kind, COUNT(*) FROM events
		WHERE actor_id = ANY($1) AND kind = ANY($2)
		GROUP BY kind`,
		pq.Array(actorIDs), pq.Array(names))
	if err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.EventKind]int, len(kinds))
	for rows.Next() {
		var (
			name string
			n    int
		)
		if err := rows.Scan(&name, &n); err != nil {
			return nil, fmt.Errorf("scan event count: %w", err)
		}
		k, err := model.ParseEventKind(name)
		if err != nil {
			return nil, err
		}
		counts[k] = n
	}
	return counts, rows.Err()
}

func queryWeeklyPositiveTotal(ctx context.Context, db executor, actorID string, sw model.SeasonWeek) (int, error) {
	var total int
	err := db.QueryRowContext(ctx,
		`SELECT positive_points FROM weekly_totals WHERE actor_id = $1 AND season = $2 AND week = $3`,
		actorID, sw.Season, sw.Week).Scan(&total)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return total, err
}
