package memory

import (
	"cmp"
	"context"
	"maps"
	"math"
	"slices"
	"time"

	"github.com/whiteclaws/clawpoints/internal/model"
	"github.com/whiteclaws/clawpoints/internal/store"
)

type dedupeKey struct{ actor, key string }

type weekKey struct {
	actor        string
	season, week int
}

type scoreKey struct {
	actor  string
	season int
}

type titleKey struct{ actor, title string }

// state is one consistent snapshot of every table. Values are stored by
// value and slices inside them are replaced, never mutated, so a shallow
// map clone is a safe snapshot.
type state struct {
	participants map[string]model.Participant
	events       []model.ParticipationEvent
	dedupe       map[dedupeKey]struct{}
	weekly       map[weekKey]int
	scores       map[scoreKey]model.ContributionScore
	links        map[string]model.ReferralLink
	codes        map[string]string
	edges        map[string][]model.ReferralEdge
	bonuses      []model.ReferralBonus
	submissions  []model.Submission
	titles       map[titleKey]struct{}
	spamFlags    []model.SpamFlag
	risk         map[string]model.RiskFlag
	seasons      map[int]model.Season
	leases       map[string]model.Lease
}

func newState() *state {
	return &state{
		participants: make(map[string]model.Participant),
		dedupe:       make(map[dedupeKey]struct{}),
		weekly:       make(map[weekKey]int),
		scores:       make(map[scoreKey]model.ContributionScore),
		links:        make(map[string]model.ReferralLink),
		codes:        make(map[string]string),
		edges:        make(map[string][]model.ReferralEdge),
		titles:       make(map[titleKey]struct{}),
		risk:         make(map[string]model.RiskFlag),
		seasons:      make(map[int]model.Season),
		leases:       make(map[string]model.Lease),
	}
}

func (s *state) clone() *state {
	return &state{
		participants: maps.Clone(s.participants),
		events:       slices.Clip(s.events),
		dedupe:       maps.Clone(s.dedupe),
		weekly:       maps.Clone(s.weekly),
		scores:       maps.Clone(s.scores),
		links:        maps.Clone(s.links),
		codes:        maps.Clone(s.codes),
		edges:        maps.Clone(s.edges),
		bonuses:      slices.Clip(s.bonuses),
		submissions:  slices.Clip(s.submissions),
		titles:       maps.Clone(s.titles),
		spamFlags:    slices.Clip(s.spamFlags),
		risk:         maps.Clone(s.risk),
		seasons:      maps.Clone(s.seasons),
		leases:       maps.Clone(s.leases),
	}
}

func ptr[T any](v T) *T { return &v }

// Participants

func (s *state) UpsertParticipant(_ context.Context, p *model.Participant) error {
	next := *p
	if cur, ok := s.participants[p.ActorID]; ok {
		next.RegisteredAt = cur.RegisteredAt
		next.Wallet = cmp.Or(p.Wallet, cur.Wallet)
		next.IPAddress = cmp.Or(p.IPAddress, cur.IPAddress)
		next.DeviceFingerprint = cmp.Or(p.DeviceFingerprint, cur.DeviceFingerprint)
		next.FundingSource = cmp.Or(p.FundingSource, cur.FundingSource)
	} else if next.RegisteredAt.IsZero() {
		next.RegisteredAt = time.Now().UTC()
	}
	s.participants[p.ActorID] = next
	return nil
}

func (s *state) GetParticipant(_ context.Context, actorID string) (*model.Participant, error) {
	p, ok := s.participants[actorID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (s *state) ListParticipants(_ context.Context) ([]*model.Participant, error) {
	out := make([]*model.Participant, 0, len(s.participants))
	for _, id := range slices.Sorted(maps.Keys(s.participants)) {
		out = append(out, ptr(s.participants[id]))
	}
	return out, nil
}

// LockParticipant only materializes the row; transactions are already
// serialized by the store mutex.
func (s *state) LockParticipant(_ context.Context, actorID string) error {
	if _, ok := s.participants[actorID]; !ok {
		s.participants[actorID] = model.Participant{ActorID: actorID, RegisteredAt: time.Now().UTC()}
	}
	return nil
}

func (s *state) CountRegistrationsByIP(_ context.Context, ip string, since time.Time) (int, error) {
	n := 0
	for _, p := range s.participants {
		if p.IPAddress == ip && !p.RegisteredAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// Ledger

func (s *state) AppendEvent(_ context.Context, ev *model.ParticipationEvent, opts store.AppendOptions) error {
	dk := dedupeKey{ev.ActorID, ev.DedupeKey}
	if ev.DedupeKey != "" {
		if _, taken := s.dedupe[dk]; taken {
			return store.ErrDuplicate
		}
	}
	wk := weekKey{ev.ActorID, ev.Season, ev.Week}
	if ev.Points > 0 && opts.WeeklyCap > 0 && s.weekly[wk]+ev.Points > opts.WeeklyCap {
		return store.ErrCapReached
	}

	stored := *ev
	stored.Metadata = maps.Clone(ev.Metadata)
	s.events = append(s.events, stored)
	if ev.DedupeKey != "" {
		s.dedupe[dk] = struct{}{}
	}
	if ev.Points > 0 {
		s.weekly[wk] += ev.Points
	}
	return nil
}

func (s *state) ListEvents(_ context.Context, actorID string, season int) ([]*model.ParticipationEvent, error) {
	var out []*model.ParticipationEvent
	for _, e := range s.events {
		if e.ActorID == actorID && e.Season == season {
			out = append(out, ptr(e))
		}
	}
	slices.SortStableFunc(out, func(a, b *model.ParticipationEvent) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

func (s *state) ListActiveWeeks(_ context.Context, actorID string) ([]model.SeasonWeek, error) {
	seen := make(map[model.SeasonWeek]struct{})
	for _, e := range s.events {
		if e.ActorID == actorID && e.Points > 0 && !e.Kind.Spec().Internal {
			seen[model.SeasonWeek{Season: e.Season, Week: e.Week}] = struct{}{}
		}
	}
	weeks := slices.Collect(maps.Keys(seen))
	slices.SortFunc(weeks, func(a, b model.SeasonWeek) int {
		return cmp.Or(cmp.Compare(b.Season, a.Season), cmp.Compare(b.Week, a.Week))
	})
	return weeks, nil
}

func (s *state) ListSeasonActors(_ context.Context, season int) ([]string, error) {
	seen := make(map[string]struct{})
	for _, e := range s.events {
		if e.Season == season {
			seen[e.ActorID] = struct{}{}
		}
	}
	for k := range s.scores {
		if k.season == season {
			seen[k.actor] = struct{}{}
		}
	}
	return slices.Sorted(maps.Keys(seen)), nil
}

func (s *state) CountEventsByKind(_ context.Context, actorIDs []string, kinds []model.EventKind) (map[model.EventKind]int, error) {
	counts := make(map[model.EventKind]int, len(kinds))
	for _, e := range s.events {
		if slices.Contains(actorIDs, e.ActorID) && slices.Contains(kinds, e.Kind) {
			counts[e.Kind]++
		}
	}
	return counts, nil
}

func (s *state) WeeklyPositiveTotal(_ context.Context, actorID string, sw model.SeasonWeek) (int, error) {
	return s.weekly[weekKey{actorID, sw.Season, sw.Week}], nil
}

// Scores

func (s *state) GetScore(_ context.Context, actorID string, season int) (*model.ContributionScore, error) {
	sc, ok := s.scores[scoreKey{actorID, season}]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &sc, nil
}

func (s *state) UpsertScore(_ context.Context, sc *model.ContributionScore) error {
	k := scoreKey{sc.ActorID, sc.Season}
	next := *sc
	next.Rank = nil
	if cur, ok := s.scores[k]; ok {
		next.Rank = cur.Rank
		next.SybilMultiplier = cur.SybilMultiplier
	}
	s.scores[k] = next
	return nil
}

func (s *state) SetSybilMultiplier(_ context.Context, actorID string, season int, multiplier float64) error {
	k := scoreKey{actorID, season}
	sc, ok := s.scores[k]
	if !ok {
		sc = model.ContributionScore{ActorID: actorID, Season: season}
	}
	sc.SybilMultiplier = multiplier
	s.scores[k] = sc
	return nil
}

func (s *state) ApplyDecay(_ context.Context, actorID string, season int, rate float64, cycle string, at time.Time) (bool, error) {
	k := scoreKey{actorID, season}
	sc, ok := s.scores[k]
	if !ok || sc.DecayCycle == cycle {
		return false, nil
	}
	sc.DecayRate = rate
	sc.TotalScore = max(0, math.Round(sc.BaseScore*(1-rate)*100)/100)
	sc.DecayCycle = cycle
	sc.DecayedAt = &at
	s.scores[k] = sc
	return true, nil
}

// leaderboardCompare orders by total desc, last activity asc with nulls
// last, then actor id.
func leaderboardCompare(a, b *model.ContributionScore) int {
	if c := cmp.Compare(b.TotalScore, a.TotalScore); c != 0 {
		return c
	}
	switch {
	case a.LastActiveAt == nil && b.LastActiveAt != nil:
		return 1
	case a.LastActiveAt != nil && b.LastActiveAt == nil:
		return -1
	case a.LastActiveAt != nil && b.LastActiveAt != nil:
		if c := a.LastActiveAt.Compare(*b.LastActiveAt); c != 0 {
			return c
		}
	}
	return cmp.Compare(a.ActorID, b.ActorID)
}

func (s *state) ListScores(_ context.Context, filter model.ScoreFilter) ([]*model.ContributionScore, int, error) {
	var all []*model.ContributionScore
	for k, sc := range s.scores {
		if k.season == filter.Season {
			all = append(all, ptr(sc))
		}
	}
	slices.SortFunc(all, leaderboardCompare)
	total := len(all)
	start := min(filter.Offset, total)
	end := total
	if filter.Limit > 0 {
		end = min(start+filter.Limit, total)
	}
	return all[start:end], total, nil
}

func (s *state) SetRanks(_ context.Context, season int, ranks []model.RankAssignment) error {
	for k, sc := range s.scores {
		if k.season == season && sc.Rank != nil {
			sc.Rank = nil
			s.scores[k] = sc
		}
	}
	for _, r := range ranks {
		k := scoreKey{r.ActorID, season}
		if sc, ok := s.scores[k]; ok {
			sc.Rank = ptr(r.Rank)
			s.scores[k] = sc
		}
	}
	return nil
}

// Referral graph

func (s *state) CreateReferralLink(_ context.Context, link *model.ReferralLink) error {
	if _, ok := s.links[link.ActorID]; ok {
		return store.ErrDuplicate
	}
	if _, ok := s.codes[link.Code]; ok {
		return store.ErrDuplicate
	}
	s.links[link.ActorID] = *link
	s.codes[link.Code] = link.ActorID
	return nil
}

func (s *state) GetReferralLink(_ context.Context, actorID string) (*model.ReferralLink, error) {
	l, ok := s.links[actorID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &l, nil
}

func (s *state) GetReferralLinkByCode(ctx context.Context, code string) (*model.ReferralLink, error) {
	id, ok := s.codes[code]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s.GetReferralLink(ctx, id)
}

func (s *state) IncrementReferralCounts(_ context.Context, actorID string, total, qualified int) error {
	l, ok := s.links[actorID]
	if !ok {
		return store.ErrNotFound
	}
	if l.QualifiedReferred+qualified > l.TotalReferred+total {
		return store.ErrCheck
	}
	l.TotalReferred += total
	l.QualifiedReferred += qualified
	s.links[actorID] = l
	return nil
}

func (s *state) ListReferrers(_ context.Context, minReferred int) ([]*model.ReferralLink, error) {
	var out []*model.ReferralLink
	for _, l := range s.links {
		if l.TotalReferred >= minReferred {
			out = append(out, ptr(l))
		}
	}
	slices.SortFunc(out, func(a, b *model.ReferralLink) int {
		return cmp.Or(cmp.Compare(b.TotalReferred, a.TotalReferred), cmp.Compare(a.ActorID, b.ActorID))
	})
	return out, nil
}

// InsertReferralEdges enforces the same constraints as the SQL schema.
func (s *state) InsertReferralEdges(_ context.Context, edges []*model.ReferralEdge) error {
	staged := make(map[string][]model.ReferralEdge)
	for _, e := range edges {
		if e.Level < 1 || e.Level > model.MaxReferralDepth || e.DescendantID == e.AncestorID ||
			len(e.UplinePath) != e.Level || e.UplinePath[e.Level-1] != e.AncestorID ||
			slices.Contains(e.UplinePath, e.DescendantID) {
			return store.ErrCheck
		}
		cur, ok := staged[e.DescendantID]
		if !ok {
			cur = slices.Clone(s.edges[e.DescendantID])
		}
		for _, x := range cur {
			if x.Level == e.Level || x.AncestorID == e.AncestorID {
				return store.ErrDuplicate
			}
		}
		stored := *e
		stored.UplinePath = slices.Clone(e.UplinePath)
		staged[e.DescendantID] = append(cur, stored)
	}
	for id, list := range staged {
		slices.SortFunc(list, func(a, b model.ReferralEdge) int { return cmp.Compare(a.Level, b.Level) })
		s.edges[id] = list
	}
	return nil
}

func (s *state) GetUpline(_ context.Context, descendantID string) ([]*model.ReferralEdge, error) {
	list := s.edges[descendantID]
	out := make([]*model.ReferralEdge, len(list))
	for i, e := range list {
		out[i] = ptr(e)
	}
	return out, nil
}

func (s *state) QualifyEdges(_ context.Context, descendantID, action string, at time.Time) ([]*model.ReferralEdge, error) {
	list := slices.Clone(s.edges[descendantID])
	var changed []*model.ReferralEdge
	for i := range list {
		if list[i].Qualified {
			continue
		}
		list[i].Qualified = true
		list[i].QualifyingAction = action
		list[i].QualifiedAt = ptr(at)
		changed = append(changed, ptr(list[i]))
	}
	if len(changed) > 0 {
		s.edges[descendantID] = list
	}
	return changed, nil
}

func (s *state) ListDownline(_ context.Context, ancestorID string) ([]*model.ReferralEdge, error) {
	var out []*model.ReferralEdge
	for _, list := range s.edges {
		for _, e := range list {
			if e.AncestorID == ancestorID {
				out = append(out, ptr(e))
			}
		}
	}
	slices.SortFunc(out, func(a, b *model.ReferralEdge) int {
		return cmp.Or(
			cmp.Compare(a.Level, b.Level),
			a.CreatedAt.Compare(b.CreatedAt),
			cmp.Compare(a.DescendantID, b.DescendantID),
		)
	})
	return out, nil
}

func (s *state) InsertReferralBonus(_ context.Context, b *model.ReferralBonus) error {
	for _, x := range s.bonuses {
		if x.ID == b.ID || (x.TriggerEventID == b.TriggerEventID && x.EarnerID == b.EarnerID) {
			return store.ErrDuplicate
		}
	}
	s.bonuses = append(s.bonuses, *b)
	return nil
}

func (s *state) SumReferralBonuses(_ context.Context, earnerID string) (int, error) {
	sum := 0
	for _, b := range s.bonuses {
		if b.EarnerID == earnerID {
			sum += b.BonusPoints
		}
	}
	return sum, nil
}

// Quality gate

func (s *state) InsertSubmission(_ context.Context, sub *model.Submission) error {
	k := titleKey{sub.ActorID, sub.NormalizedTitle}
	if _, ok := s.titles[k]; ok {
		return store.ErrDuplicate
	}
	s.titles[k] = struct{}{}
	s.submissions = append(s.submissions, *sub)
	return nil
}

func (s *state) CountSubmissionsSince(_ context.Context, actorID string, since time.Time) (int, error) {
	n := 0
	for _, sub := range s.submissions {
		if sub.ActorID == actorID && !sub.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *state) HasSubmissionTitle(_ context.Context, actorID, normalizedTitle string) (bool, error) {
	_, ok := s.titles[titleKey{actorID, normalizedTitle}]
	return ok, nil
}

func (s *state) LastSubmissionAt(_ context.Context, actorID, target string) (time.Time, error) {
	var last time.Time
	for _, sub := range s.submissions {
		if sub.ActorID == actorID && sub.Target == target && sub.CreatedAt.After(last) {
			last = sub.CreatedAt
		}
	}
	if last.IsZero() {
		return time.Time{}, store.ErrNotFound
	}
	return last, nil
}

func (s *state) ListSubmissions(_ context.Context, actorIDs []string, since time.Time) ([]*model.Submission, error) {
	var out []*model.Submission
	for _, sub := range s.submissions {
		if slices.Contains(actorIDs, sub.ActorID) && !sub.CreatedAt.Before(since) {
			out = append(out, ptr(sub))
		}
	}
	slices.SortStableFunc(out, func(a, b *model.Submission) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

func (s *state) InsertSpamFlag(_ context.Context, f *model.SpamFlag) error {
	s.spamFlags = append(s.spamFlags, *f)
	return nil
}

func (s *state) CountSpamFlags(_ context.Context, actorID string, severity model.SpamSeverity) (int, error) {
	n := 0
	for _, f := range s.spamFlags {
		if f.ActorID == actorID && (severity == "" || f.Severity == severity) {
			n++
		}
	}
	return n, nil
}

// Risk flags

func (s *state) GetRiskFlag(_ context.Context, actorID string) (*model.RiskFlag, error) {
	f, ok := s.risk[actorID]
	if !ok {
		return nil, store.ErrNotFound
	}
	f.Signals = slices.Clone(f.Signals)
	return &f, nil
}

func (s *state) UpsertRiskFlag(_ context.Context, f *model.RiskFlag) error {
	if f.RiskScore < 0 || f.RiskScore > 1 {
		return store.ErrCheck
	}
	next := *f
	next.Signals = slices.Clone(f.Signals)
	if cur, ok := s.risk[f.ActorID]; ok {
		next.CreatedAt = cur.CreatedAt
	}
	s.risk[f.ActorID] = next
	return nil
}

func (s *state) ListRiskFlags(_ context.Context, filter model.RiskFlagFilter) ([]*model.RiskFlag, error) {
	var out []*model.RiskFlag
	for _, f := range s.risk {
		if len(filter.ActorIDs) > 0 && !slices.Contains(filter.ActorIDs, f.ActorID) {
			continue
		}
		if filter.Unreviewed && f.Reviewed {
			continue
		}
		if filter.MinRisk > 0 && f.RiskScore < filter.MinRisk {
			continue
		}
		f.Signals = slices.Clone(f.Signals)
		out = append(out, ptr(f))
	}
	slices.SortFunc(out, func(a, b *model.RiskFlag) int {
		return cmp.Or(cmp.Compare(b.RiskScore, a.RiskScore), cmp.Compare(a.ActorID, b.ActorID))
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Seasons and leases

func (s *state) GetSeason(_ context.Context, number int) (*model.Season, error) {
	season, ok := s.seasons[number]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &season, nil
}

func (s *state) UpsertSeason(_ context.Context, season *model.Season) error {
	s.seasons[season.Number] = *season
	return nil
}

func (s *state) AcquireLease(_ context.Context, name, holder string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	if cur, ok := s.leases[name]; ok && !cur.ExpiresAt.Before(now) {
		return false, nil
	}
	s.leases[name] = model.Lease{Name: name, Holder: holder, ExpiresAt: now.Add(ttl)}
	return true, nil
}

func (s *state) ReleaseLease(_ context.Context, name, holder string) error {
	if cur, ok := s.leases[name]; ok && cur.Holder == holder {
		delete(s.leases, name)
	}
	return nil
}
