package events

import (
	"context"

	"github.com/whiteclaws/clawpoints/internal/model"
)

// Notification topics
const (
	TopicEventAppended     = "wcp.event.appended"
	TopicEventRejected     = "wcp.event.rejected"
	TopicBonusAwarded      = "wcp.bonus.awarded"
	TopicStreakAwarded     = "wcp.streak.awarded"
	TopicScoreUpdated      = "wcp.score.updated"
	TopicReferralAttached  = "wcp.referral.attached"
	TopicReferralQualified = "wcp.referral.qualified"
	TopicSubmissionGated   = "wcp.submission.gated"
	TopicRiskFlagged       = "wcp.risk.flagged"
	TopicSeasonUpdated     = "wcp.season.updated"
	TopicJobCompleted      = "wcp.job.completed"
)

// Ingest subjects. Producers publish emit and submit requests here; a
// request-reply publish receives the result.
const (
	IngestWildcard   = "wcp.ingest.>"
	IngestEvent      = "wcp.ingest.event"
	IngestSubmission = "wcp.ingest.submission"
)

// Event types

type EventAppended struct {
	Event *model.ParticipationEvent `json:"event"`
}

type EventRejected struct {
	ActorID string `json:"actor_id"`
	Kind    string `json:"event_kind"`
	Reason  string `json:"reason"`
}

type BonusAwarded struct {
	Bonus *model.ReferralBonus `json:"bonus"`
}

type StreakAwarded struct {
	Event *model.ParticipationEvent `json:"event"`
}

type ScoreUpdated struct {
	Score *model.ContributionScore `json:"score"`
}

type ReferralAttached struct {
	ActorID    string `json:"actor_id"`
	ReferrerID string `json:"referrer_id"`
	Levels     int    `json:"levels"`
}

type ReferralQualified struct {
	ActorID string                `json:"actor_id"`
	Action  string                `json:"action"`
	Edges   []*model.ReferralEdge `json:"edges"`
}

// SubmissionGated is internal: Reason carries the gate's real reason code.
type SubmissionGated struct {
	ActorID  string `json:"actor_id"`
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

type RiskFlagged struct {
	Flag *model.RiskFlag `json:"flag"`
}

type SeasonUpdated struct {
	Season *model.Season `json:"season"`
}

type JobCompleted struct {
	Job       string  `json:"job"`
	Season    int     `json:"season,omitempty"`
	Processed int     `json:"processed"`
	Failed    int     `json:"failed"`
	Seconds   float64 `json:"seconds"`
}

// Publisher is the interface for emitting events.
type Publisher interface {
	Publish(ctx context.Context, topic string, event any) error
	Close() error
}
