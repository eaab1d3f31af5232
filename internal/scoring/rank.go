package scoring

import (
	"context"

	"github.com/whiteclaws/clawpoints/internal/model"
	"github.com/whiteclaws/clawpoints/internal/store"
)

// AssignRanks numbers scores 1..N in the order given. Callers pass the
// leaderboard order, which is total for every season.
func AssignRanks(scores []*model.ContributionScore) []model.RankAssignment {
	ranks := make([]model.RankAssignment, len(scores))
	for i, sc := range scores {
		ranks[i] = model.RankAssignment{ActorID: sc.ActorID, Rank: i + 1}
	}
	return ranks
}

// UpdateRanks publishes a gapless ranking for season in one transaction.
func (a *Aggregator) UpdateRanks(ctx context.Context, season int) (int, error) {
	var n int
	err := a.store.RunInTransaction(ctx, func(tx store.Store) error {
		scores, _, err := tx.ListScores(ctx, model.ScoreFilter{Season: season})
		if err != nil {
			return store.Classify("list scores", err)
		}
		ranks := AssignRanks(scores)
		if err := tx.SetRanks(ctx, season, ranks); err != nil {
			return store.Classify("set ranks", err)
		}
		n = len(ranks)
		return nil
	})
	if err != nil {
		return 0, err
	}
	a.logger.Info("ranks published", "season", season, "ranked", n)
	return n, nil
}
