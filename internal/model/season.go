package model

import "time"

// SeasonStatus is the lifecycle stage of a scoring season.
type SeasonStatus string

const (
	SeasonPending   SeasonStatus = "pending"
	SeasonActive    SeasonStatus = "active"
	SeasonFrozen    SeasonStatus = "frozen"
	SeasonClaiming  SeasonStatus = "claiming"
	SeasonCompleted SeasonStatus = "completed"
)

// IsValid reports whether s is a known lifecycle stage.
func (s SeasonStatus) IsValid() bool {
	switch s {
	case SeasonPending, SeasonActive, SeasonFrozen, SeasonClaiming, SeasonCompleted:
		return true
	}
	return false
}

// AcceptsEvents reports whether new ledger events may be admitted.
func (s SeasonStatus) AcceptsEvents() bool { return s == SeasonActive }

// Season is an optional stored override of a season's lifecycle. A season
// with no stored row is active.
type Season struct {
	Number    int          `json:"season"`
	Status    SeasonStatus `json:"status"`
	StartsAt  time.Time    `json:"starts_at"`
	EndsAt    time.Time    `json:"ends_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Lease is a time-boxed exclusive claim on a named job.
type Lease struct {
	Name      string    `json:"name"`
	Holder    string    `json:"holder"`
	ExpiresAt time.Time `json:"expires_at"`
}
