package scoring

import (
	"context"
	"strconv"

	"github.com/whiteclaws/clawpoints/internal/model"
	"github.com/whiteclaws/clawpoints/internal/store"
)

// Streak counts consecutive active weeks ending at current. Weeks are
// compared on the absolute calendar, so a streak carries across a season
// boundary.
func Streak(active []model.SeasonWeek, current model.SeasonWeek, weeksPerSeason int) int {
	seen := make(map[int]bool, len(active))
	for _, sw := range active {
		seen[sw.Index(weeksPerSeason)] = true
	}
	streak := 0
	for idx := current.Index(weeksPerSeason); idx >= 0 && seen[idx]; idx-- {
		streak++
	}
	return streak
}

// CheckAndAwardStreak grants the highest streak milestone the actor has
// reached, once per season. It returns the awarded event, or nil when no
// milestone is due or it was already granted.
func (a *Aggregator) CheckAndAwardStreak(ctx context.Context, tx store.Store, actorID string) (*model.ParticipationEvent, error) {
	weeks, err := tx.ListActiveWeeks(ctx, actorID)
	if err != nil {
		return nil, store.Classify("list active weeks", err)
	}
	current := a.ledger.CurrentWeek()
	streak := Streak(weeks, current, a.policy.WeeksPerSeason)

	m, ok := a.policy.HighestMilestone(streak)
	if !ok {
		return nil, nil
	}
	ev, err := a.ledger.Award(ctx, tx, actorID, model.KindStreakBonus, m.Points,
		model.StreakDedupeKey(current.Season, m.Weeks),
		map[string]string{
			"streak_weeks": strconv.Itoa(streak),
			"milestone":    strconv.Itoa(m.Weeks),
		})
	if model.CodeOf(err) == model.ReasonCooldown {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	a.logger.Info("streak milestone awarded", "actor", actorID, "weeks", m.Weeks, "points", m.Points)
	return ev, nil
}
