package model

import "fmt"

// Tier is one of the four weighted score buckets, or the penalty bucket.
type Tier string

const (
	TierSecurity   Tier = "security"
	TierGrowth     Tier = "growth"
	TierEngagement Tier = "engagement"
	TierSocial     Tier = "social"
	TierPenalty    Tier = "penalty"
)

// ScoredTiers lists the weighted tiers in display order.
var ScoredTiers = []Tier{TierSecurity, TierGrowth, TierEngagement, TierSocial}

// Cooldown is the re-admission class of an event kind.
type Cooldown string

const (
	CooldownNone   Cooldown = "none"
	CooldownSeason Cooldown = "once-per-season"
	CooldownWeek   Cooldown = "once-per-week"
)

// IsValid reports whether c is a known cooldown class.
func (c Cooldown) IsValid() bool {
	switch c {
	case CooldownNone, CooldownSeason, CooldownWeek:
		return true
	}
	return false
}

// EventKind is the closed set of participation event categories.
type EventKind uint8

const (
	KindFindingSubmitted EventKind = iota
	KindFindingAccepted
	KindFindingPaid
	KindCriticalFinding
	KindEncryptedReport
	KindPoCProvided

	KindProtocolRegistered
	KindBountyCreated
	KindBountyFunded
	KindScopePublished
	KindReferralBonus

	KindAgentRegistered
	KindWeeklyActive
	KindWeeklySubmission
	KindHeartbeatActive
	KindStreakBonus

	KindXClaimed
	KindXShareFinding
	KindSBTMinted

	KindFindingRejected
	KindFindingDuplicate
	KindSpamSubmission
	KindRateLimitPenalty
	KindLowQualityReport
	KindSybilDetected
	KindFarmingPattern

	kindCount
)

// KindSpec is the fixed data carried by every event kind.
type KindSpec struct {
	Name     string
	Tier     Tier
	Points   int
	Cooldown Cooldown

	// SharesWithUpline marks kinds whose base points cascade to qualified ancestors.
	SharesWithUpline bool
	// Qualifies marks kinds that qualify the actor's referral edges.
	Qualifies bool
	// Internal kinds are generated by the engine and carry variable points.
	Internal bool
}

// IsPenalty reports whether the kind subtracts points.
func (s KindSpec) IsPenalty() bool { return s.Tier == TierPenalty }

var kindSpecs = [kindCount]KindSpec{
	KindFindingSubmitted: {Name: "finding_submitted", Tier: TierSecurity, Points: 5, Cooldown: CooldownNone},
	KindFindingAccepted:  {Name: "finding_accepted", Tier: TierSecurity, Points: 500, Cooldown: CooldownNone, SharesWithUpline: true, Qualifies: true},
	KindFindingPaid:      {Name: "finding_paid", Tier: TierSecurity, Points: 1000, Cooldown: CooldownNone, SharesWithUpline: true},
	KindCriticalFinding:  {Name: "critical_finding", Tier: TierSecurity, Points: 750, Cooldown: CooldownNone, SharesWithUpline: true},
	KindEncryptedReport:  {Name: "encrypted_report", Tier: TierSecurity, Points: 10, Cooldown: CooldownNone},
	KindPoCProvided:      {Name: "poc_provided", Tier: TierSecurity, Points: 25, Cooldown: CooldownNone},

	KindProtocolRegistered: {Name: "protocol_registered", Tier: TierGrowth, Points: 100, Cooldown: CooldownSeason, SharesWithUpline: true, Qualifies: true},
	KindBountyCreated:      {Name: "bounty_created", Tier: TierGrowth, Points: 200, Cooldown: CooldownSeason, SharesWithUpline: true},
	KindBountyFunded:       {Name: "bounty_funded", Tier: TierGrowth, Points: 500, Cooldown: CooldownNone, SharesWithUpline: true, Qualifies: true},
	KindScopePublished:     {Name: "scope_published", Tier: TierGrowth, Points: 50, Cooldown: CooldownNone},
	KindReferralBonus:      {Name: "referral_bonus", Tier: TierGrowth, Cooldown: CooldownNone, Internal: true},

	KindAgentRegistered:  {Name: "agent_registered", Tier: TierEngagement, Points: 5, Cooldown: CooldownSeason},
	KindWeeklyActive:     {Name: "weekly_active", Tier: TierEngagement, Points: 2, Cooldown: CooldownWeek},
	KindWeeklySubmission: {Name: "weekly_submission", Tier: TierEngagement, Points: 10, Cooldown: CooldownWeek},
	KindHeartbeatActive:  {Name: "heartbeat_active", Tier: TierEngagement, Points: 5, Cooldown: CooldownWeek},
	KindStreakBonus:      {Name: "streak_bonus", Tier: TierEngagement, Cooldown: CooldownNone, Internal: true},

	KindXClaimed:      {Name: "x_claimed", Tier: TierSocial, Points: 5, Cooldown: CooldownSeason},
	KindXShareFinding: {Name: "x_share_finding", Tier: TierSocial, Points: 2, Cooldown: CooldownNone},
	KindSBTMinted:     {Name: "sbt_minted", Tier: TierSocial, Points: 100, Cooldown: CooldownSeason},

	KindFindingRejected:  {Name: "finding_rejected", Tier: TierPenalty, Points: -25, Cooldown: CooldownNone},
	KindFindingDuplicate: {Name: "finding_duplicate", Tier: TierPenalty, Points: -15, Cooldown: CooldownNone},
	KindSpamSubmission:   {Name: "spam_submission", Tier: TierPenalty, Points: -100, Cooldown: CooldownNone},
	KindRateLimitPenalty: {Name: "rate_limit_penalty", Tier: TierPenalty, Points: -50, Cooldown: CooldownNone},
	KindLowQualityReport: {Name: "low_quality_report", Tier: TierPenalty, Points: -30, Cooldown: CooldownNone},
	KindSybilDetected:    {Name: "sybil_detected", Tier: TierPenalty, Points: -500, Cooldown: CooldownNone},
	KindFarmingPattern:   {Name: "farming_pattern", Tier: TierPenalty, Points: -200, Cooldown: CooldownNone},
}

var kindsByName = func() map[string]EventKind {
	m := make(map[string]EventKind, kindCount)
	for i := range kindCount {
		m[kindSpecs[i].Name] = i
	}
	return m
}()

// AllKinds returns every event kind in declaration order.
func AllKinds() []EventKind {
	out := make([]EventKind, 0, kindCount)
	for i := range kindCount {
		out = append(out, i)
	}
	return out
}

// IsValid reports whether k is a declared kind.
func (k EventKind) IsValid() bool { return k < kindCount }

// Spec returns the built-in data for k. It panics on an undeclared kind;
// callers holding unchecked input must go through ParseEventKind.
func (k EventKind) Spec() KindSpec {
	if !k.IsValid() {
		panic(fmt.Sprintf("model: undeclared event kind %d", k))
	}
	return kindSpecs[k]
}

func (k EventKind) String() string {
	if !k.IsValid() {
		return fmt.Sprintf("EventKind(%d)", k)
	}
	return kindSpecs[k].Name
}

// ParseEventKind resolves a wire name to its kind.
func ParseEventKind(name string) (EventKind, error) {
	k, ok := kindsByName[name]
	if !ok {
		return 0, fmt.Errorf("unknown event kind %q", name)
	}
	return k, nil
}

func (k EventKind) MarshalText() ([]byte, error) {
	if !k.IsValid() {
		return nil, fmt.Errorf("undeclared event kind %d", k)
	}
	return []byte(kindSpecs[k].Name), nil
}

func (k *EventKind) UnmarshalText(text []byte) error {
	parsed, err := ParseEventKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
