package scoring

import (
	"context"
	"time"

	"github.com/whiteclaws/clawpoints/internal/batch"
	"github.com/whiteclaws/clawpoints/internal/model"
	"github.com/whiteclaws/clawpoints/internal/store"
)

// InactiveWeeks returns the whole weeks elapsed since lastActive.
func InactiveWeeks(lastActive, now time.Time) int {
	if now.Before(lastActive) {
		return 0
	}
	return int(now.Sub(lastActive) / week)
}

// DecayScore applies the inactivity bracket for sc at now. Only one
// application lands per cycle, and the total is always derived from the
// base score, so repeated runs never compound.
func (a *Aggregator) DecayScore(ctx context.Context, tx store.Store, sc *model.ContributionScore, now time.Time) (bool, error) {
	if sc.TotalScore <= 0 || sc.LastActiveAt == nil {
		return false, nil
	}
	rate := a.policy.DecayRate(InactiveWeeks(*sc.LastActiveAt, now))
	if rate == 0 && sc.DecayRate == 0 {
		return false, nil
	}
	cycle := a.policy.SeasonWeekAt(now).String()
	changed, err := tx.ApplyDecay(ctx, sc.ActorID, sc.Season, rate, cycle, now)
	if err != nil {
		return false, store.Classify("apply decay", err)
	}
	return changed, nil
}

// ApplySeasonDecay runs DecayScore over every scored actor of season.
func (a *Aggregator) ApplySeasonDecay(ctx context.Context, season int) (batch.Result, error) {
	scores, _, err := a.store.ListScores(ctx, model.ScoreFilter{Season: season})
	if err != nil {
		return batch.Result{}, store.Classify("list scores", err)
	}
	now := a.ledger.Now().UTC()
	return batch.Run(ctx, a.pool, a.logger, "decay", scores,
		func(sc *model.ContributionScore) string { return sc.ActorID },
		func(ctx context.Context, sc *model.ContributionScore) error {
			changed, err := a.DecayScore(ctx, a.store, sc, now)
			if changed {
				a.logger.Debug("score decayed", "actor", sc.ActorID, "season", season)
			}
			return err
		})
}

// RecalculateSeason recomputes every actor with events or a score in season.
func (a *Aggregator) RecalculateSeason(ctx context.Context, season int) (batch.Result, error) {
	actors, err := a.store.ListSeasonActors(ctx, season)
	if err != nil {
		return batch.Result{}, store.Classify("list season actors", err)
	}
	return batch.Run(ctx, a.pool, a.logger, "recalculate", actors,
		func(id string) string { return id },
		func(ctx context.Context, id string) error {
			_, err := a.RecomputeActor(ctx, id, season)
			return err
		})
}
