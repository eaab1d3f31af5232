package model

import (
	"strings"
	"time"
	"unicode"
)

// Submission is a candidate finding admitted by the quality gate.
type Submission struct {
	ID              string    `json:"id"`
	ActorID         string    `json:"actor_id"`
	Target          string    `json:"target"`
	Title           string    `json:"title"`
	NormalizedTitle string    `json:"normalized_title"`
	Description     string    `json:"description,omitempty"`
	Severity        Severity  `json:"severity,omitempty"`
	HasPoC          bool      `json:"has_poc"`
	Encrypted       bool      `json:"encrypted"`
	CreatedAt       time.Time `json:"created_at"`
}

// Severity is the researcher-reported finding severity.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "informational"
)

// IsValid reports whether s is empty or a known severity.
func (s Severity) IsValid() bool {
	switch s {
	case "", SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo:
		return true
	}
	return false
}

// RequiresPoC reports whether a submission at this severity needs a proof of concept.
func (s Severity) RequiresPoC() bool {
	return s == SeverityCritical || s == SeverityHigh
}

// NormalizeTitle lower-cases, drops punctuation and collapses whitespace so
// that cosmetic edits do not evade duplicate detection.
func NormalizeTitle(title string) string {
	var b strings.Builder
	b.Grow(len(title))
	space := false
	for _, r := range strings.ToLower(title) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		case unicode.IsSpace(r):
			space = true
		}
	}
	return b.String()
}

// SpamSeverity grades a spam flag by how many the actor already holds.
type SpamSeverity string

const (
	SpamWarning SpamSeverity = "warning"
	SpamStrike  SpamSeverity = "strike"
	SpamBan     SpamSeverity = "ban"
)

// SpamFlagType names the behavior a spam flag records.
type SpamFlagType string

const (
	FlagRejectedFinding  SpamFlagType = "rejected_finding"
	FlagDuplicateFinding SpamFlagType = "duplicate_finding"
	FlagLowQuality       SpamFlagType = "low_quality"
	FlagRateLimitHit     SpamFlagType = "rate_limit_hit"
	FlagCopyPaste        SpamFlagType = "copy_paste_detected"
	FlagSybilCluster     SpamFlagType = "sybil_cluster"
	FlagFarmingPattern   SpamFlagType = "farming_pattern"
)

// PenaltyKind returns the penalty event appended alongside a flag of type t.
func (t SpamFlagType) PenaltyKind() (EventKind, bool) {
	switch t {
	case FlagRejectedFinding:
		return KindFindingRejected, true
	case FlagDuplicateFinding:
		return KindFindingDuplicate, true
	case FlagLowQuality:
		return KindLowQualityReport, true
	case FlagRateLimitHit:
		return KindRateLimitPenalty, true
	case FlagCopyPaste:
		return KindSpamSubmission, true
	case FlagSybilCluster:
		return KindSybilDetected, true
	case FlagFarmingPattern:
		return KindFarmingPattern, true
	}
	return 0, false
}

// SpamFlag is one recorded abuse strike against an actor.
type SpamFlag struct {
	ID        string       `json:"id"`
	ActorID   string       `json:"actor_id"`
	Type      SpamFlagType `json:"flag_type"`
	Severity  SpamSeverity `json:"severity"`
	Reason    string       `json:"reason,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// TrustLevel routes verification strictness; it never bypasses hard checks.
type TrustLevel string

const (
	TrustNew        TrustLevel = "new"
	TrustDeveloping TrustLevel = "developing"
	TrustTrusted    TrustLevel = "trusted"
	TrustExpert     TrustLevel = "expert"
)

// Verification returns the verification route for a trust level.
func (t TrustLevel) Verification() string {
	switch t {
	case TrustExpert:
		return "fast-track"
	case TrustTrusted:
		return "standard"
	}
	return "full"
}

// TrustProfile is the derived trust state for an actor.
type TrustProfile struct {
	ActorID        string     `json:"actor_id"`
	Level          TrustLevel `json:"level"`
	Submitted      int        `json:"submitted"`
	Accepted       int        `json:"accepted"`
	AcceptanceRate float64    `json:"acceptance_rate"`
	Verification   string     `json:"verification"`
}
