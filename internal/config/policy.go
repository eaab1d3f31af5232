package config

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/whiteclaws/clawpoints/internal/model"
)

// Duration decodes TOML strings such as "24h".
type Duration struct{ time.Duration }

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// DecayBracket applies Rate once an actor has been inactive InactiveWeeks.
type DecayBracket struct {
	InactiveWeeks int     `toml:"inactive_weeks"`
	Rate          float64 `toml:"rate"`
}

// StreakMilestone awards Points when a streak reaches Weeks.
type StreakMilestone struct {
	Weeks  int `toml:"weeks"`
	Points int `toml:"points"`
}

// GatePolicy tunes the quality gate.
type GatePolicy struct {
	RateLimit             int      `toml:"rate_limit"`
	RateWindow            Duration `toml:"rate_window"`
	BanThreshold          int      `toml:"ban_threshold"`
	MinTitle              int      `toml:"min_title"`
	MaxTitle              int      `toml:"max_title"`
	MinDescription        int      `toml:"min_description"`
	SpamPatterns          []string `toml:"spam_patterns"`
	GenericPhrases        []string `toml:"generic_phrases"`
	GenericMinMatches     int      `toml:"generic_min_matches"`
	GenericMaxDescription int      `toml:"generic_max_description"`
	TargetCooldown        Duration `toml:"target_cooldown"`
	RequirePoC            bool     `toml:"require_poc"`
	SpamStrikeAt          int      `toml:"spam_strike_at"`
	SpamBanAt             int      `toml:"spam_ban_at"`
}

// RiskPolicy tunes the fraud analyzers.
type RiskPolicy struct {
	Warn               float64            `toml:"warn"`
	Suppress           float64            `toml:"suppress"`
	Ban                float64            `toml:"ban"`
	SuppressMultiplier float64            `toml:"suppress_multiplier"`
	ClusterBlock       float64            `toml:"cluster_block"`
	ScanMinReferrals   int                `toml:"scan_min_referrals"`
	ClusterMinSize     int                `toml:"cluster_min_size"`
	IPClusterMin       int                `toml:"ip_cluster_min"`
	IPClusterWindow    Duration           `toml:"ip_cluster_window"`
	TimingWindow       Duration           `toml:"timing_window"`
	SubmissionWindow   Duration           `toml:"submission_window"`
	Signals            map[string]float64 `toml:"signals"`
}

// Policy is the externally tunable scoring and integrity configuration.
// It is immutable once loaded.
type Policy struct {
	SeasonStart    time.Time `toml:"season_start"`
	WeeksPerSeason int       `toml:"weeks_per_season"`
	WeeklyCap      int       `toml:"weekly_cap"`

	TierWeights map[string]float64 `toml:"tier_weights"`
	Points      map[string]int     `toml:"points"`
	Cooldowns   map[string]string  `toml:"cooldowns"`

	Decay            []DecayBracket    `toml:"decay"`
	StreakMilestones []StreakMilestone `toml:"streak_milestones"`

	Referral struct {
		Percentages []float64 `toml:"percentages"`
	} `toml:"referral"`

	Gate GatePolicy `toml:"gate"`
	Risk RiskPolicy `toml:"risk"`

	specs   []model.KindSpec
	weights map[model.Tier]float64
}

// Signal names shared by the analyzers.
const (
	SignalSameFundingSource       = "same_funding_source"
	SignalSameIPCluster           = "same_ip_cluster"
	SignalSameDevice              = "same_device"
	SignalSuspiciousTiming        = "suspicious_timing"
	SignalKnownCluster            = "known_cluster"
	SignalLargeUnqualifiedNetwork = "large_unqualified_network"
	SignalLowQualificationRate    = "low_qualification_rate"
	SignalDownlineSameCluster     = "downline_same_cluster"
	SignalMassRegistration        = "mass_registration"
	SignalLowQualityNetwork       = "low_quality_network"
	SignalCopyPasteSubmissions    = "copy_paste_submissions"
)

// DefaultPolicy returns the production defaults.
func DefaultPolicy() *Policy {
	p := &Policy{
		SeasonStart:    time.Date(2026, time.January, 5, 0, 0, 0, 0, time.UTC),
		WeeksPerSeason: 12,
		WeeklyCap:      5000,
		TierWeights: map[string]float64{
			"security":   0.60,
			"growth":     0.20,
			"engagement": 0.15,
			"social":     0.05,
		},
		Decay: []DecayBracket{
			{InactiveWeeks: 3, Rate: 0.05},
			{InactiveWeeks: 5, Rate: 0.10},
			{InactiveWeeks: 9, Rate: 0.15},
		},
		StreakMilestones: []StreakMilestone{
			{Weeks: 4, Points: 50},
			{Weeks: 8, Points: 150},
			{Weeks: 16, Points: 500},
		},
		Gate: GatePolicy{
			RateLimit:      5,
			RateWindow:     Duration{time.Hour},
			BanThreshold:   1,
			MinTitle:       10,
			MaxTitle:       200,
			MinDescription: 50,
			SpamPatterns:   []string{"test test test", "asdf", "lorem ipsum", "click here", "buy now"},
			GenericPhrases: []string{
				"found a bug", "there is a vulnerability", "please check",
				"security issue", "critical bug", "needs fixing",
			},
			GenericMinMatches:     2,
			GenericMaxDescription: 200,
			TargetCooldown:        Duration{24 * time.Hour},
			RequirePoC:            true,
			SpamStrikeAt:          2,
			SpamBanAt:             5,
		},
		Risk: RiskPolicy{
			Warn:               0.4,
			Suppress:           0.6,
			Ban:                0.8,
			SuppressMultiplier: 0.1,
			ClusterBlock:       0.6,
			ScanMinReferrals:   20,
			ClusterMinSize:     3,
			IPClusterMin:       5,
			IPClusterWindow:    Duration{24 * time.Hour},
			TimingWindow:       Duration{5 * time.Minute},
			SubmissionWindow:   Duration{time.Hour},
			Signals: map[string]float64{
				SignalSameFundingSource:       0.4,
				SignalSameIPCluster:           0.3,
				SignalSameDevice:              0.35,
				SignalSuspiciousTiming:        0.2,
				SignalKnownCluster:            0.5,
				SignalLargeUnqualifiedNetwork: 0.5,
				SignalLowQualificationRate:    0.3,
				SignalDownlineSameCluster:     0.4,
				SignalMassRegistration:        0.35,
				SignalLowQualityNetwork:       0.3,
				SignalCopyPasteSubmissions:    0.4,
			},
		},
	}
	p.Referral.Percentages = []float64{0.10, 0.05, 0.025, 0.01, 0.005}
	if err := p.compile(); err != nil {
		panic(fmt.Sprintf("config: default policy is invalid: %v", err))
	}
	return p
}

// LoadPolicy returns the default policy overlaid with the TOML file at path.
// An empty path returns the defaults.
func LoadPolicy(path string) (*Policy, error) {
	p := DefaultPolicy()
	if path == "" {
		return p, nil
	}
	md, err := toml.DecodeFile(path, p)
	if err != nil {
		return nil, fmt.Errorf("decode policy %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("policy %s: unknown keys %v", path, undecoded)
	}
	if err := p.compile(); err != nil {
		return nil, fmt.Errorf("policy %s: %w", path, err)
	}
	return p, nil
}

// ParsePolicy decodes a TOML document over the defaults.
func ParsePolicy(doc string) (*Policy, error) {
	p := DefaultPolicy()
	md, err := toml.Decode(doc, p)
	if err != nil {
		return nil, fmt.Errorf("decode policy: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("policy: unknown keys %v", undecoded)
	}
	if err := p.compile(); err != nil {
		return nil, err
	}
	return p, nil
}

// compile validates the policy and resolves the per-kind table.
func (p *Policy) compile() error {
	var errs []error

	if p.WeeksPerSeason < 1 {
		errs = append(errs, fmt.Errorf("weeks_per_season must be positive"))
	}
	if p.WeeklyCap < 1 {
		errs = append(errs, fmt.Errorf("weekly_cap must be positive"))
	}

	p.weights = make(map[model.Tier]float64, len(model.ScoredTiers))
	var sum float64
	for name, w := range p.TierWeights {
		t := model.Tier(name)
		if !slices.Contains(model.ScoredTiers, t) {
			errs = append(errs, fmt.Errorf("tier_weights: unknown tier %q", name))
			continue
		}
		if w < 0 {
			errs = append(errs, fmt.Errorf("tier_weights.%s must not be negative", name))
		}
		p.weights[t] = w
		sum += w
	}
	if math.Abs(sum-1) > 1e-9 {
		errs = append(errs, fmt.Errorf("tier_weights must sum to 1, got %g", sum))
	}
	if p.weights[model.TierSecurity] < p.weights[model.TierGrowth] ||
		p.weights[model.TierGrowth] < p.weights[model.TierEngagement] ||
		p.weights[model.TierEngagement] < p.weights[model.TierSocial] {
		errs = append(errs, fmt.Errorf("tier_weights must order security >= growth >= engagement >= social"))
	}

	kinds := model.AllKinds()
	p.specs = make([]model.KindSpec, len(kinds))
	for i, k := range kinds {
		p.specs[i] = k.Spec()
	}
	for name, pts := range p.Points {
		k, err := model.ParseEventKind(name)
		if err != nil {
			errs = append(errs, fmt.Errorf("points: %w", err))
			continue
		}
		spec := &p.specs[k]
		switch {
		case spec.Internal:
			errs = append(errs, fmt.Errorf("points.%s: kind has variable points", name))
		case spec.IsPenalty() && pts >= 0:
			errs = append(errs, fmt.Errorf("points.%s: penalty must be negative", name))
		case !spec.IsPenalty() && pts <= 0:
			errs = append(errs, fmt.Errorf("points.%s: reward must be positive", name))
		default:
			spec.Points = pts
		}
	}
	for name, c := range p.Cooldowns {
		k, err := model.ParseEventKind(name)
		if err != nil {
			errs = append(errs, fmt.Errorf("cooldowns: %w", err))
			continue
		}
		cd := model.Cooldown(c)
		if !cd.IsValid() {
			errs = append(errs, fmt.Errorf("cooldowns.%s: invalid class %q", name, c))
			continue
		}
		p.specs[k].Cooldown = cd
	}

	sort.Slice(p.Decay, func(i, j int) bool { return p.Decay[i].InactiveWeeks < p.Decay[j].InactiveWeeks })
	for i, b := range p.Decay {
		if b.InactiveWeeks < 1 || b.Rate <= 0 || b.Rate >= 1 {
			errs = append(errs, fmt.Errorf("decay[%d]: need inactive_weeks >= 1 and 0 < rate < 1", i))
		}
		if i > 0 && b.Rate <= p.Decay[i-1].Rate {
			errs = append(errs, fmt.Errorf("decay rates must increase with inactivity"))
		}
	}

	sort.Slice(p.StreakMilestones, func(i, j int) bool { return p.StreakMilestones[i].Weeks < p.StreakMilestones[j].Weeks })
	for i, m := range p.StreakMilestones {
		if m.Weeks < 1 || m.Points < 1 {
			errs = append(errs, fmt.Errorf("streak_milestones[%d]: weeks and points must be positive", i))
		}
		if i > 0 && m.Weeks == p.StreakMilestones[i-1].Weeks {
			errs = append(errs, fmt.Errorf("streak_milestones: duplicate weeks %d", m.Weeks))
		}
	}

	pcts := p.Referral.Percentages
	if len(pcts) == 0 || len(pcts) > model.MaxReferralDepth {
		errs = append(errs, fmt.Errorf("referral.percentages must have 1..%d levels", model.MaxReferralDepth))
	}
	var pctSum float64
	for i, v := range pcts {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("referral.percentages[%d] must be positive", i))
		}
		if i > 0 && v >= pcts[i-1] {
			errs = append(errs, fmt.Errorf("referral.percentages must strictly decrease"))
		}
		pctSum += v
	}
	if pctSum > 1 {
		errs = append(errs, fmt.Errorf("referral.percentages must sum to at most 1"))
	}

	g := p.Gate
	if g.RateLimit < 1 || g.RateWindow.Duration <= 0 {
		errs = append(errs, fmt.Errorf("gate: rate_limit and rate_window must be positive"))
	}
	if g.MinTitle < 0 || g.MaxTitle < g.MinTitle {
		errs = append(errs, fmt.Errorf("gate: need 0 <= min_title <= max_title"))
	}
	if g.BanThreshold < 1 || g.SpamStrikeAt < 1 || g.SpamBanAt < g.SpamStrikeAt {
		errs = append(errs, fmt.Errorf("gate: need ban_threshold >= 1 and 1 <= spam_strike_at <= spam_ban_at"))
	}

	r := p.Risk
	if !(0 < r.Warn && r.Warn < r.Suppress && r.Suppress < r.Ban && r.Ban <= 1) {
		errs = append(errs, fmt.Errorf("risk: need 0 < warn < suppress < ban <= 1"))
	}
	if r.SuppressMultiplier < 0 || r.SuppressMultiplier >= 1 {
		errs = append(errs, fmt.Errorf("risk.suppress_multiplier must be in [0,1)"))
	}
	if r.ClusterBlock <= 0 || r.ClusterBlock > 1 {
		errs = append(errs, fmt.Errorf("risk.cluster_block must be in (0,1]"))
	}
	for name, w := range r.Signals {
		if w < 0 || w > 1 {
			errs = append(errs, fmt.Errorf("risk.signals.%s must be in [0,1]", name))
		}
	}

	return errors.Join(errs...)
}

// KindSpec returns the effective spec of k after policy overrides.
func (p *Policy) KindSpec(k model.EventKind) model.KindSpec {
	return p.specs[k]
}

// TierWeight returns the weight of tier t.
func (p *Policy) TierWeight(t model.Tier) float64 {
	return p.weights[t]
}

// SeasonWeekAt maps a wall-clock time onto the season calendar. Times before
// the first season start count as season 1, week 1.
func (p *Policy) SeasonWeekAt(t time.Time) model.SeasonWeek {
	elapsed := t.Sub(p.SeasonStart)
	if elapsed < 0 {
		return model.SeasonWeek{Season: 1, Week: 1}
	}
	idx := int(elapsed / (7 * 24 * time.Hour))
	return model.SeasonWeekFromIndex(idx, p.WeeksPerSeason)
}

// SeasonBounds returns the start and end of a season.
func (p *Policy) SeasonBounds(season int) (time.Time, time.Time) {
	week := 7 * 24 * time.Hour
	start := p.SeasonStart.Add(time.Duration((season-1)*p.WeeksPerSeason) * week)
	return start, start.Add(time.Duration(p.WeeksPerSeason) * week)
}

// DecayRate returns the rate for the given full weeks of inactivity, or 0
// within the grace period.
func (p *Policy) DecayRate(inactiveWeeks int) float64 {
	var rate float64
	for _, b := range p.Decay {
		if inactiveWeeks >= b.InactiveWeeks {
			rate = b.Rate
		}
	}
	return rate
}

// HighestMilestone returns the largest milestone not above streak.
func (p *Policy) HighestMilestone(streak int) (StreakMilestone, bool) {
	var best StreakMilestone
	found := false
	for _, m := range p.StreakMilestones {
		if streak >= m.Weeks {
			best, found = m, true
		}
	}
	return best, found
}

// ReferralPercentage returns the bonus share for an ancestor level, or 0
// beyond the table.
func (p *Policy) ReferralPercentage(level int) float64 {
	if level < 1 || level > len(p.Referral.Percentages) {
		return 0
	}
	return p.Referral.Percentages[level-1]
}

// SignalWeight returns the risk added by a named signal.
func (p *Policy) SignalWeight(name string) float64 {
	return p.Risk.Signals[name]
}

// ActionFor maps an aggregate risk score to an enforcement action.
func (p *Policy) ActionFor(risk float64) model.RiskAction {
	switch {
	case risk >= p.Risk.Ban:
		return model.ActionBan
	case risk >= p.Risk.Suppress:
		return model.ActionSuppress
	case risk >= p.Risk.Warn:
		return model.ActionWarn
	}
	return model.ActionAllow
}

// MultiplierFor returns the sybil multiplier an action imposes.
func (p *Policy) MultiplierFor(a model.RiskAction) float64 {
	switch a {
	case model.ActionBan:
		return 0
	case model.ActionSuppress:
		return p.Risk.SuppressMultiplier
	}
	return 1
}
