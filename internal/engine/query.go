package engine

import (
	"context"
	"errors"

	"github.com/whiteclaws/clawpoints/internal/model"
	"github.com/whiteclaws/clawpoints/internal/store"
)

// Leaderboard page bounds.
const (
	DefaultLeaderboardLimit = 50
	MaxLeaderboardLimit     = 500
)

// Leaderboard is one page of a season ranking.
type Leaderboard struct {
	Season int                        `json:"season"`
	Total  int                        `json:"total"`
	Limit  int                        `json:"limit"`
	Offset int                        `json:"offset"`
	Scores []*model.ContributionScore `json:"scores"`
}

func (e *Engine) seasonOrCurrent(season int) (int, error) {
	if season == 0 {
		return e.CurrentSeason(), nil
	}
	if err := model.ValidateSeason(season); err != nil {
		return 0, err
	}
	return season, nil
}

// Score returns actorID's score for season (0 means the current season).
func (e *Engine) Score(ctx context.Context, actorID string, season int) (*model.ContributionScore, error) {
	if err := model.ValidateActorID("actor_id", actorID); err != nil {
		return nil, err
	}
	season, err := e.seasonOrCurrent(season)
	if err != nil {
		return nil, err
	}
	sc, err := e.store.GetScore(ctx, actorID, season)
	if errors.Is(err, store.ErrNotFound) {
		return nil, model.NotFound(model.ReasonUnknownActor, "no score for actor in season")
	}
	if err != nil {
		return nil, store.Classify("get score", err)
	}
	return sc, nil
}

// Leaderboard returns scores in rank order.
func (e *Engine) Leaderboard(ctx context.Context, season, limit, offset int) (*Leaderboard, error) {
	season, err := e.seasonOrCurrent(season)
	if err != nil {
		return nil, err
	}
	switch {
	case limit <= 0:
		limit = DefaultLeaderboardLimit
	case limit > MaxLeaderboardLimit:
		limit = MaxLeaderboardLimit
	}
	if offset < 0 {
		return nil, model.Invalid("offset", "must not be negative")
	}

	scores, total, err := e.store.ListScores(ctx, model.ScoreFilter{Season: season, Limit: limit, Offset: offset})
	if err != nil {
		return nil, store.Classify("list scores", err)
	}
	if scores == nil {
		scores = []*model.ContributionScore{}
	}
	return &Leaderboard{Season: season, Total: total, Limit: limit, Offset: offset, Scores: scores}, nil
}

// Downline summarizes actorID's referral network.
func (e *Engine) Downline(ctx context.Context, actorID string) (*model.DownlineStats, error) {
	if err := model.ValidateActorID("actor_id", actorID); err != nil {
		return nil, err
	}
	return e.graph.DownlineStats(ctx, e.store, actorID)
}

// Trust returns actorID's derived trust level.
func (e *Engine) Trust(ctx context.Context, actorID string) (*model.TrustProfile, error) {
	if err := model.ValidateActorID("actor_id", actorID); err != nil {
		return nil, err
	}
	return e.gate.Trust(ctx, e.store, actorID)
}

// RiskFlags lists analyzer flags for review.
func (e *Engine) RiskFlags(ctx context.Context, filter model.RiskFlagFilter) ([]*model.RiskFlag, error) {
	flags, err := e.fraud.Flags(ctx, filter)
	if err != nil {
		return nil, err
	}
	if flags == nil {
		flags = []*model.RiskFlag{}
	}
	return flags, nil
}

// Season returns the lifecycle of season. A season with no stored row is
// active within its policy bounds.
func (e *Engine) Season(ctx context.Context, season int) (*model.Season, error) {
	season, err := e.seasonOrCurrent(season)
	if err != nil {
		return nil, err
	}
	s, err := e.store.GetSeason(ctx, season)
	if errors.Is(err, store.ErrNotFound) {
		start, end := e.policy.SeasonBounds(season)
		return &model.Season{Number: season, Status: model.SeasonActive, StartsAt: start, EndsAt: end}, nil
	}
	if err != nil {
		return nil, store.Classify("get season", err)
	}
	return s, nil
}
