package model

import (
	"fmt"
	"time"
)

// RiskAction is the enforcement outcome of an aggregate risk score.
type RiskAction string

const (
	ActionAllow    RiskAction = "allow"
	ActionWarn     RiskAction = "warn"
	ActionSuppress RiskAction = "suppress"
	ActionBan      RiskAction = "ban"
)

// ParseRiskAction validates a reviewer or wire value. "clear" is accepted as
// an alias for allow.
func ParseRiskAction(s string) (RiskAction, error) {
	switch RiskAction(s) {
	case ActionAllow, ActionWarn, ActionSuppress, ActionBan:
		return RiskAction(s), nil
	}
	if s == "clear" {
		return ActionAllow, nil
	}
	return "", fmt.Errorf("unknown risk decision %q", s)
}

// RiskFlag is the per-actor fraud state shared by all analyzers.
type RiskFlag struct {
	ActorID        string     `json:"actor_id"`
	RiskScore      float64    `json:"risk_score"`
	Signals        []string   `json:"signal_flags"`
	ClusterID      string     `json:"cluster_id,omitempty"`
	Action         RiskAction `json:"action"`
	Reviewed       bool       `json:"reviewed"`
	ReviewDecision RiskAction `json:"review_decision,omitempty"`
	ReviewedAt     *time.Time `json:"reviewed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// RiskFlagFilter selects flags for review queues.
type RiskFlagFilter struct {
	ActorIDs   []string
	Unreviewed bool
	MinRisk    float64
	Limit      int
}

// Participant carries the registration signals used by wallet clustering.
type Participant struct {
	ActorID           string    `json:"actor_id"`
	Wallet            string    `json:"wallet,omitempty"`
	IPAddress         string    `json:"ip_address,omitempty"`
	DeviceFingerprint string    `json:"device_fingerprint,omitempty"`
	FundingSource     string    `json:"funding_source,omitempty"`
	RegisteredAt      time.Time `json:"registered_at"`
}

// PairRisk is the wallet-clustering assessment of two actors.
type PairRisk struct {
	Score   float64  `json:"score"`
	Signals []string `json:"signals,omitempty"`
}
