package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/whiteclaws/clawpoints/internal/model"
)

// scoreColumns is the column list used for SELECT statements on contribution_scores.
const scoreColumns = `actor_id, season, security_points, growth_points, engagement_points,
	social_points, penalty_points, base_score, total_score, rank, streak_weeks,
	last_active_at, sybil_multiplier, decay_rate, decay_cycle, decayed_at`

// leaderboardOrder is the deterministic ranking order for one season.
const leaderboardOrder = `total_score DESC, last_active_at ASC NULLS LAST, actor_id ASC`

func queryGetScore(ctx context.Context, db executor, actorID string, season int) (*model.ContributionScore, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+scoreColumns+` FROM contribution_scores WHERE actor_id = $1 AND season = $2`, actorID, season)
	return scanScore(row)
}

// queryUpsertScore writes the aggregator's fields. rank and sybil_multiplier
// belong to the rank publisher and the fraud analyzers and are only set on
// the initial insert.
func queryUpsertScore(ctx context.Context, db executor, s *model.ContributionScore) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO contribution_scores (
			actor_id, season, security_points, growth_points, engagement_points,
			social_points, penalty_points, base_score, total_score, streak_weeks,
			last_active_at, sybil_multiplier, decay_rate, decay_cycle, decayed_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15
		)
		ON CONFLICT (actor_id, season) DO UPDATE SET
			security_points = EXCLUDED.security_points,
			growth_points = EXCLUDED.growth_points,
			engagement_points = EXCLUDED.engagement_points,
			social_points = EXCLUDED.social_points,
			penalty_points = EXCLUDED.penalty_points,
			base_score = EXCLUDED.base_score,
			total_score = EXCLUDED.total_score,
			streak_weeks = EXCLUDED.streak_weeks,
			last_active_at = EXCLUDED.last_active_at,
			decay_rate = EXCLUDED.decay_rate,
			decay_cycle = EXCLUDED.decay_cycle,
			decayed_at = EXCLUDED.decayed_at`,
		s.ActorID,
		s.Season,
		s.SecurityPoints,
		s.GrowthPoints,
		s.EngagementPoints,
		s.SocialPoints,
		s.PenaltyPoints,
		s.BaseScore,
		s.TotalScore,
		s.StreakWeeks,
		nullTimePtr(s.LastActiveAt),
		s.SybilMultiplier,
		s.DecayRate,
		nullString(s.DecayCycle),
		nullTimePtr(s.DecayedAt),
	)
	return err
}

func querySetSybilMultiplier(ctx context.Context, db executor, actorID string, season int, multiplier float64) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO contribution_scores (actor_id, season, sybil_multiplier)
		VALUES ($1, $2, $3)
		ON CONFLICT (actor_id, season) DO UPDATE SET sybil_multiplier = EXCLUDED.sybil_multiplier`,
		actorID, season, multiplier)
	return err
}

// queryApplyDecay derives total_score from base_score so repeated
// applications never compound. The decay_cycle guard makes a second run in
// the same cycle a no-op.
func queryApplyDecay(ctx context.Context, db executor, actorID string, season int, rate float64, cycle string, at time.Time) (bool, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE contribution_scores SET
			decay_rate = $3,
			total_score = GREATEST(0, ROUND((base_score * (1 - $3))::numeric, 2))::double precision,
			decay_cycle = $4,
			decayed_at = $5
		WHERE actor_id = $1 AND season = $2 AND decay_cycle IS DISTINCT FROM $4`,
		actorID, season, rate, cycle, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

func queryListScores(ctx context.Context, db executor, filter model.ScoreFilter) ([]*model.ContributionScore, int, error) {
	q := `SELECT COUNT(*) OVER() AS total_count, ` + scoreColumns +
		` FROM contribution_scores WHERE season = $1 ORDER BY ` + leaderboardOrder
	args := []any{filter.Season}
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		q += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list scores: %w", err)
	}
	defer rows.Close()

	var (
		scores []*model.ContributionScore
		total  int
	)
	for rows.Next() {
		s, t, err := scanScoreWithTotal(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan scores: %w", err)
		}
		total = t
		scores = append(scores, s)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return scores, total, nil
}

// querySetRanks clears the season's ranks and writes the new assignment in
// a single statement.
func querySetRanks(ctx context.Context, db executor, season int, ranks []model.RankAssignment) error {
	if _, err := db.ExecContext(ctx,
		`UPDATE contribution_scores SET rank = NULL WHERE season = $1 AND rank IS NOT NULL`, season); err != nil {
		return fmt.Errorf("clear ranks: %w", err)
	}
	if len(ranks) == 0 {
		return nil
	}
	ids := make([]string, len(ranks))
	positions := make([]int64, len(ranks))
	for i, r := range ranks {
		ids[i] = r.ActorID
		positions[i] = int64(r.Rank)
	}
	_, err := db.ExecContext(ctx, `
		UPDATE contribution_scores AS s SET rank = r.rank
		FROM unnest($2::text[], $3::int[]) AS r(actor_id, rank)
		WHERE s.season = $1 AND s.actor_id = r.actor_id`,
		season, pq.Array(ids), pq.Array(positions))
	if err != nil {
		return fmt.Errorf("assign ranks: %w", err)
	}
	return nil
}
