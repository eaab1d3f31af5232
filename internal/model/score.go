package model

import "time"

// ContributionScore is the per-(actor, season) aggregate.
type ContributionScore struct {
	ActorID string `json:"actor_id"`
	Season  int    `json:"season"`

	SecurityPoints   int `json:"security_points"`
	GrowthPoints     int `json:"growth_points"`
	EngagementPoints int `json:"engagement_points"`
	SocialPoints     int `json:"social_points"`
	PenaltyPoints    int `json:"penalty_points"`

	// BaseScore is the weighted total after penalties and the sybil
	// multiplier, before decay.
	BaseScore  float64 `json:"base_score"`
	TotalScore float64 `json:"total_score"`

	Rank            *int       `json:"rank,omitempty"`
	StreakWeeks     int        `json:"streak_weeks"`
	LastActiveAt    *time.Time `json:"last_active_at,omitempty"`
	SybilMultiplier float64    `json:"sybil_multiplier"`

	DecayRate  float64    `json:"decay_rate"`
	DecayCycle string     `json:"decay_cycle,omitempty"`
	DecayedAt  *time.Time `json:"decayed_at,omitempty"`
}

// TierPoints returns the subtotal for tier t.
func (s *ContributionScore) TierPoints(t Tier) int {
	switch t {
	case TierSecurity:
		return s.SecurityPoints
	case TierGrowth:
		return s.GrowthPoints
	case TierEngagement:
		return s.EngagementPoints
	case TierSocial:
		return s.SocialPoints
	case TierPenalty:
		return s.PenaltyPoints
	}
	return 0
}

// RankAssignment is one row written by the rank publisher.
type RankAssignment struct {
	ActorID string `json:"actor_id"`
	Rank    int    `json:"rank"`
}

// ScoreFilter selects leaderboard rows.
type ScoreFilter struct {
	Season int
	Limit  int
	Offset int
}
