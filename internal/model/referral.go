package model

import (
	"slices"
	"time"
)

// MaxReferralDepth is the deepest ancestor level tracked for a descendant.
const MaxReferralDepth = 5

// ReferralLink holds an actor's shareable code and direct referral counters.
type ReferralLink struct {
	ActorID           string    `json:"actor_id"`
	Code              string    `json:"code"`
	TotalReferred     int       `json:"total_referred"`
	QualifiedReferred int       `json:"qualified_referred"`
	CreatedAt         time.Time `json:"created_at"`
}

// ReferralEdge links a descendant to one ancestor at a given level.
type ReferralEdge struct {
	DescendantID     string     `json:"descendant_id"`
	AncestorID       string     `json:"ancestor_id"`
	Level            int        `json:"level"`
	UplinePath       []string   `json:"upline_path"`
	Qualified        bool       `json:"qualified"`
	QualifyingAction string     `json:"qualifying_action,omitempty"`
	QualifiedAt      *time.Time `json:"qualified_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// BuildUplineEdges produces the ancestor edges for descendant when attached
// directly under referrer, whose own upline (level order) is given.
// The referrer's upline is truncated so the result never exceeds
// MaxReferralDepth levels.
func BuildUplineEdges(descendant, referrer string, referrerUpline []string, now time.Time) []*ReferralEdge {
	chain := make([]string, 0, MaxReferralDepth)
	chain = append(chain, referrer)
	for _, a := range referrerUpline {
		if len(chain) == MaxReferralDepth {
			break
		}
		chain = append(chain, a)
	}

	edges := make([]*ReferralEdge, len(chain))
	for i, ancestor := range chain {
		edges[i] = &ReferralEdge{
			DescendantID: descendant,
			AncestorID:   ancestor,
			Level:        i + 1,
			UplinePath:   slices.Clone(chain[:i+1]),
			CreatedAt:    now,
		}
	}
	return edges
}

// ValidateUpline checks the structural invariants on one descendant's edges:
// contiguous levels from 1, prefix-extending paths, and no self-reference.
func ValidateUpline(descendant string, edges []*ReferralEdge) error {
	for i, e := range edges {
		if e.DescendantID != descendant {
			return Integrity("upline_foreign_edge", "edge belongs to "+e.DescendantID)
		}
		if e.Level != i+1 {
			return Integrity("upline_gap", "referral levels are not contiguous")
		}
		if len(e.UplinePath) != e.Level || e.UplinePath[e.Level-1] != e.AncestorID {
			return Integrity("upline_path_mismatch", "upline path does not end at ancestor")
		}
		if i > 0 && !slices.Equal(e.UplinePath[:i], edges[i-1].UplinePath) {
			return Integrity("upline_path_mismatch", "upline path is not a prefix extension")
		}
		if slices.Contains(e.UplinePath, descendant) {
			return Integrity("upline_cycle", "actor appears in its own upline")
		}
	}
	return nil
}

// ReferralBonus records one cascade step.
type ReferralBonus struct {
	ID             string    `json:"id"`
	EarnerID       string    `json:"earner_id"`
	ContributorID  string    `json:"contributor_id"`
	TriggerEventID string    `json:"trigger_event_id"`
	TriggerKind    EventKind `json:"trigger_kind"`
	Level          int       `json:"level"`
	BasePoints     int       `json:"base_points"`
	Percentage     float64   `json:"bonus_percentage"`
	BonusPoints    int       `json:"bonus_points"`
	EventID        string    `json:"event_id"`
	Season         int       `json:"season"`
	CreatedAt      time.Time `json:"created_at"`
}

// DownlineStats summarizes an actor's descendants.
type DownlineStats struct {
	ActorID        string        `json:"actor_id"`
	Direct         int           `json:"direct"`
	Total          int           `json:"total"`
	Qualified      int           `json:"qualified"`
	QualifiedRatio float64       `json:"qualified_ratio"`
	ByLevel        map[int]int   `json:"by_level"`
	QualifiedBy    map[int]int   `json:"qualified_by_level"`
	BonusEarned    int           `json:"bonus_earned"`
	Link           *ReferralLink `json:"link,omitempty"`
}
