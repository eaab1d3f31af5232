package model

import (
	"fmt"
	"time"
)

// ParticipationEvent is an immutable ledger fact. Corrections are made by
// appending a compensating event, never by editing an existing one.
type ParticipationEvent struct {
	ID        string            `json:"id"`
	ActorID   string            `json:"actor_id"`
	Kind      EventKind         `json:"event_kind"`
	Points    int               `json:"points"`
	Season    int               `json:"season"`
	Week      int               `json:"week"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`

	// DedupeKey is unique per actor when set; it carries cooldown and
	// milestone guards into the store.
	DedupeKey string `json:"-"`
}

// SeasonWeek identifies one scoring week.
type SeasonWeek struct {
	Season int `json:"season"`
	Week   int `json:"week"`
}

func (sw SeasonWeek) String() string {
	return fmt.Sprintf("S%d-W%d", sw.Season, sw.Week)
}

// Index returns the absolute week number, counting from 0 at season 1 week 1.
func (sw SeasonWeek) Index(weeksPerSeason int) int {
	return (sw.Season-1)*weeksPerSeason + (sw.Week - 1)
}

// SeasonWeekFromIndex is the inverse of SeasonWeek.Index.
func SeasonWeekFromIndex(idx, weeksPerSeason int) SeasonWeek {
	return SeasonWeek{Season: idx/weeksPerSeason + 1, Week: idx%weeksPerSeason + 1}
}

// DedupeKeyFor returns the per-actor uniqueness key for a cooldown class,
// or "" when the class imposes no cooldown.
func DedupeKeyFor(kind EventKind, c Cooldown, sw SeasonWeek) string {
	switch c {
	case CooldownSeason:
		return fmt.Sprintf("%s:%d", kind, sw.Season)
	case CooldownWeek:
		return fmt.Sprintf("%s:%d:%d", kind, sw.Season, sw.Week)
	}
	return ""
}

// StreakDedupeKey is the milestone guard for a streak bonus.
func StreakDedupeKey(season, weeks int) string {
	return fmt.Sprintf("%s:%d:%d", KindStreakBonus, season, weeks)
}
