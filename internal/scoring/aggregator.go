package scoring

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/alitto/pond/v2"

	"github.com/whiteclaws/clawpoints/internal/config"
	"github.com/whiteclaws/clawpoints/internal/model"
	"github.com/whiteclaws/clawpoints/internal/store"
)

const week = 7 * 24 * time.Hour

// Aggregator derives ContributionScore rows from the ledger and runs the
// season-wide maintenance passes (recalculation, decay, ranks).
type Aggregator struct {
	store  store.Store
	policy *config.Policy
	ledger *Ledger
	pool   pond.Pool
	logger *slog.Logger
}

// NewAggregator wires an aggregator. The pool runs the batch passes and is
// owned by the caller.
func NewAggregator(s store.Store, ledger *Ledger, pool pond.Pool, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		store:  s,
		policy: ledger.Policy(),
		ledger: ledger,
		pool:   pool,
		logger: logger,
	}
}

// Recompute rebuilds the (actorID, season) score from the ledger inside tx
// and upserts it. The result depends only on stored state and the current
// week, so repeating it without new events changes nothing.
func (a *Aggregator) Recompute(ctx context.Context, tx store.Store, actorID string, season int) (*model.ContributionScore, error) {
	events, err := tx.ListEvents(ctx, actorID, season)
	if err != nil {
		return nil, store.Classify("list events", err)
	}

	prev, err := tx.GetScore(ctx, actorID, season)
	switch {
	case errors.Is(err, store.ErrNotFound):
		prev = &model.ContributionScore{SybilMultiplier: 1}
	case err != nil:
		return nil, store.Classify("get score", err)
	}

	sc := fold(a.policy, events)
	sc.ActorID = actorID
	sc.Season = season
	sc.SybilMultiplier = prev.SybilMultiplier
	sc.BaseScore = weightedBase(a.policy, sc)

	// A decay applied before the newest activity no longer holds.
	sc.DecayCycle = prev.DecayCycle
	sc.DecayedAt = prev.DecayedAt
	if prev.DecayedAt != nil && (sc.LastActiveAt == nil || !sc.LastActiveAt.After(*prev.DecayedAt)) {
		sc.DecayRate = prev.DecayRate
	}
	sc.TotalScore = decayed(sc.BaseScore, sc.DecayRate)

	weeks, err := tx.ListActiveWeeks(ctx, actorID)
	if err != nil {
		return nil, store.Classify("list active weeks", err)
	}
	sc.StreakWeeks = Streak(weeks, a.ledger.CurrentWeek(), a.policy.WeeksPerSeason)

	if err := tx.UpsertScore(ctx, sc); err != nil {
		return nil, store.Classify("upsert score", err)
	}
	sc.Rank = prev.Rank
	return sc, nil
}

// fold buckets events into tier subtotals. A negative tier subtotal counts
// as zero; penalties accumulate as a positive magnitude.
func fold(p *config.Policy, events []*model.ParticipationEvent) *model.ContributionScore {
	subtotal := make(map[model.Tier]int, len(model.ScoredTiers))
	var penalty int
	var lastActive *time.Time
	for _, ev := range events {
		spec := p.KindSpec(ev.Kind)
		if spec.IsPenalty() {
			penalty += abs(ev.Points)
			continue
		}
		subtotal[spec.Tier] += ev.Points
		if ev.Points > 0 && !spec.Internal && (lastActive == nil || ev.CreatedAt.After(*lastActive)) {
			at := ev.CreatedAt
			lastActive = &at
		}
	}
	return &model.ContributionScore{
		SecurityPoints:   max(0, subtotal[model.TierSecurity]),
		GrowthPoints:     max(0, subtotal[model.TierGrowth]),
		EngagementPoints: max(0, subtotal[model.TierEngagement]),
		SocialPoints:     max(0, subtotal[model.TierSocial]),
		PenaltyPoints:    penalty,
		LastActiveAt:     lastActive,
	}
}

func weightedBase(p *config.Policy, sc *model.ContributionScore) float64 {
	var weighted float64
	for _, t := range model.ScoredTiers {
		weighted += p.TierWeight(t) * float64(sc.TierPoints(t))
	}
	return round2(max(0, weighted-float64(sc.PenaltyPoints)) * sc.SybilMultiplier)
}

func decayed(base, rate float64) float64 {
	return max(0, round2(base*(1-rate)))
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}

// RecomputeActor runs Recompute in its own transaction.
func (a *Aggregator) RecomputeActor(ctx context.Context, actorID string, season int) (*model.ContributionScore, error) {
	var sc *model.ContributionScore
	err := a.store.RunInTransaction(ctx, func(tx store.Store) error {
		var err error
		sc, err = a.Recompute(ctx, tx, actorID, season)
		return err
	})
	return sc, err
}
