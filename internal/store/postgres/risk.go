package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/whiteclaws/clawpoints/internal/model"
)

const riskFlagColumns = `actor_id, risk_score, signal_flags, cluster_id, action, reviewed,
	review_decision, reviewed_at, created_at, updated_at`

const seasonColumns = `number, status, starts_at, ends_at, updated_at`

func queryGetRiskFlag(ctx context.Context, db executor, actorID string) (*model.RiskFlag, error) {
	row := db.QueryRowContext(ctx, `SELECT `+riskFlagColumns+` FROM risk_flags WHERE actor_id = $1`, actorID)
	return scanRiskFlag(row)
}

func queryUpsertRiskFlag(ctx context.Context, db executor, f *model.RiskFlag) error {
	signals := f.Signals
	if signals == nil {
		signals = []string{}
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO risk_flags (`+riskFlagColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (actor_id) DO UPDATE SET
			risk_score = EXCLUDED.risk_score,
			signal_flags = EXCLUDED.signal_flags,
			cluster_id = EXCLUDED.cluster_id,
			action = EXCLUDED.action,
			reviewed = EXCLUDED.reviewed,
			review_decision = EXCLUDED.review_decision,
			reviewed_at = EXCLUDED.reviewed_at,
			updated_at = EXCLUDED.updated_at`,
		f.ActorID,
		f.RiskScore,
		pq.Array(signals),
		nullString(f.ClusterID),
		string(f.Action),
		f.Reviewed,
		nullString(string(f.ReviewDecision)),
		nullTimePtr(f.ReviewedAt),
		f.CreatedAt,
		f.UpdatedAt,
	)
	return err
}

func queryListRiskFlags(ctx context.Context, db executor, filter model.RiskFlagFilter) ([]*model.RiskFlag, error) {
	var (
		whereClauses []string
		args         []any
	)
	nextArg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(filter.ActorIDs) > 0 {
		whereClauses = append(whereClauses, "actor_id = ANY("+nextArg(pq.Array(filter.ActorIDs))+")")
	}
	if filter.Unreviewed {
		whereClauses = append(whereClauses, "NOT reviewed")
	}
	if filter.MinRisk > 0 {
		whereClauses = append(whereClauses, "risk_score >= "+nextArg(filter.MinRisk))
	}

	q := `SELECT ` + riskFlagColumns + ` FROM risk_flags`
	if len(whereClauses) > 0 {
		q += " WHERE " + strings.Join(whereClauses, " AND ")
	}
	q += " ORDER BY risk_score DESC, actor_id"
	if filter.Limit > 0 {
		q += " LIMIT " + nextArg(filter.Limit)
	}

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list risk flags: %w", err)
	}
	defer rows.Close()
	return scanAll(rows, scanRiskFlag)
}

func queryGetSeason(ctx context.Context, db executor, number int) (*model.Season, error) {
	row := db.QueryRowContext(ctx, `SELECT `+seasonColumns+` FROM seasons WHERE number = $1`, number)
	return scanSeason(row)
}

func queryUpsertSeason(ctx context.Context, db executor, s *model.Season) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO seasons (`+seasonColumns+`)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (number) DO UPDATE SET
			status = EXCLUDED.status,
			starts_at = EXCLUDED.starts_at,
			ends_at = EXCLUDED.ends_at,
			updated_at = EXCLUDED.updated_at`,
		s.Number, string(s.Status), s.StartsAt, s.EndsAt, s.UpdatedAt)
	return err
}

// queryAcquireLease takes the lease when it is free or expired. A live
// lease is never re-granted, not even to its own holder.
func queryAcquireLease(ctx context.Context, db executor, name, holder string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	var got string
	err := db.QueryRowContext(ctx, `
		INSERT INTO job_leases (name, holder, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET holder = EXCLUDED.holder, expires_at = EXCLUDED.expires_at
		WHERE job_leases.expires_at < $4
		RETURNING holder`,
		name, holder, now.Add(ttl), now).Scan(&got)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func queryReleaseLease(ctx context.Context, db executor, name, holder string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM job_leases WHERE name = $1 AND holder = $2`, name, holder)
	return err
}
