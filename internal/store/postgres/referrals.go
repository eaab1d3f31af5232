package postgres

import (
	"cmp"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/lib/pq"

	"github.com/whiteclaws/clawpoints/internal/model"
	"github.com/whiteclaws/clawpoints/internal/store"
)

const linkColumns = `actor_id, code, total_referred, qualified_referred, created_at`

const edgeColumns = `descendant_id, ancestor_id, level, upline_path, qualified,
	qualifying_action, qualified_at, created_at`

const bonusColumns = `id, earner_id, contributor_id, trigger_event_id, trigger_kind, level,
	base_points, bonus_percentage, bonus_points, event_id, season, created_at`

// queryCreateReferralLink reports ErrDuplicate for either a taken code or an
// actor that already has one, without aborting the surrounding transaction.
func queryCreateReferralLink(ctx context.Context, db executor, l *model.ReferralLink) error {
	var id string
	err := db.QueryRowContext(ctx, `
		INSERT INTO referral_links (`+linkColumns+`)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT DO NOTHING
		RETURNING actor_id`,
		l.ActorID, l.Code, l.TotalReferred, l.QualifiedReferred, l.CreatedAt,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrDuplicate
	}
	return err
}

func queryGetReferralLink(ctx context.Context, db executor, actorID string) (*model.ReferralLink, error) {
	row := db.QueryRowContext(ctx, `SELECT `+linkColumns+` FROM referral_links WHERE actor_id = $1`, actorID)
	return scanLink(row)
}

func queryGetReferralLinkByCode(ctx context.Context, db executor, code string) (*model.ReferralLink, error) {
	row := db.QueryRowContext(ctx, `SELECT `+linkColumns+` FROM referral_links WHERE code = $1`, code)
	return scanLink(row)
}

func queryIncrementReferralCounts(ctx context.Context, db executor, actorID string, total, qualified int) error {
	res, err := db.ExecContext(ctx, `
		UPDATE referral_links SET
			total_referred = total_referred + $2,
			qualified_referred = qualified_referred + $3
		WHERE actor_id = $1`,
		actorID, total, qualified)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func queryListReferrers(ctx context.Context, db executor, minReferred int) ([]*model.ReferralLink, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+linkColumns+` FROM referral_links
		WHERE total_referred >= $1
		ORDER BY total_referred DESC, actor_id`, minReferred)
	if err != nil {
		return nil, fmt.Errorf("list referrers: %w", err)
	}
	defer rows.Close()
	return scanAll(rows, scanLink)
}

func queryInsertReferralEdges(ctx context.Context, db executor, edges []*model.ReferralEdge) error {
	for _, e := range edges {
		_, err := db.ExecContext(ctx, `
			INSERT INTO referral_edges (`+edgeColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			e.DescendantID,
			e.AncestorID,
			e.Level,
			pq.Array(e.UplinePath),
			e.Qualified,
			nullString(e.QualifyingAction),
			nullTimePtr(e.QualifiedAt),
			e.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert edge %s->%s: %w", e.DescendantID, e.AncestorID, err)
		}
	}
	return nil
}

func queryGetUpline(ctx context.Context, db executor, descendantID string) ([]*model.ReferralEdge, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+edgeColumns+` FROM referral_edges WHERE descendant_id = $1 ORDER BY level`, descendantID)
	if err != nil {
		return nil, fmt.Errorf("get upline: %w", err)
	}
	defer rows.Close()
	return scanAll(rows, scanEdge)
}

func queryQualifyEdges(ctx context.Context, db executor, descendantID, action string, at time.Time) ([]*model.ReferralEdge, error) {
	rows, err := db.QueryContext(ctx, `
		UPDATE referral_edges SET qualified = true, qualifying_action = $2, qualified_at = $3
		WHERE descendant_id = $1 AND NOT qualified
		RETURNING `+edgeColumns,
		descendantID, action, at)
	if err != nil {
		return nil, fmt.Errorf("qualify edges: %w", err)
	}
	defer rows.Close()
	edges, err := scanAll(rows, scanEdge)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(edges, func(a, b *model.ReferralEdge) int { return cmp.Compare(a.Level, b.Level) })
	return edges, nil
}

func queryListDownline(ctx context.Context, db executor, ancestorID string) ([]*model.ReferralEdge, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+edgeColumns+` FROM referral_edges
		WHERE ancestor_id = $1
		ORDER BY level, created_at, descendant_id`, ancestorID)
	if err != nil {
		return nil, fmt.Errorf("list downline: %w", err)
	}
	defer rows.Close()
	return scanAll(rows, scanEdge)
}

func queryInsertReferralBonus(ctx context.Context, db executor, b *model.ReferralBonus) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO referral_bonuses (`+bonusColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		b.ID,
		b.EarnerID,
		b.ContributorID,
		b.TriggerEventID,
		b.TriggerKind.String(),
		b.Level,
		b.BasePoints,
		b.Percentage,
		b.BonusPoints,
		b.EventID,
		b.Season,
		b.CreatedAt,
	)
	return err
}

func querySumReferralBonuses(ctx context.Context, db executor, earnerID string) (int, error) {
	var sum int
	err := db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(bonus_points), 0) FROM referral_bonuses WHERE earner_id = $1`, earnerID).Scan(&sum)
	return sum, err
}
