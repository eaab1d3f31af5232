// Package memory implements store.Store in process memory. Transactions are
// serialized by a single mutex and commit by swapping in a cloned snapshot,
// so a failed transaction leaves no trace.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/whiteclaws/clawpoints/internal/model"
	"github.com/whiteclaws/clawpoints/internal/store"
)

// Store is an in-memory store.Store for tests and single-node development.
// Calling a Store method from inside one of its own transactions deadlocks;
// use the tx argument instead.
type Store struct {
	mu sync.Mutex
	st *state
}

// Compile-time check that Store implements store.Store.
var _ store.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{st: newState()}
}

// RunInTransaction runs fn against a private snapshot and publishes it only
// when fn succeeds.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx store.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	snap := s.st.clone()
	if err := fn(&txStore{state: snap}); err != nil {
		return err
	}
	s.st = snap
	return nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

// txStore is the view handed to a transaction body.
type txStore struct {
	*state
}

var _ store.Store = (*txStore)(nil)

// RunInTransaction on a txStore reuses the existing transaction (no nesting).
func (t *txStore) RunInTransaction(ctx context.Context, fn func(tx store.Store) error) error {
	return fn(t)
}

// Close is a no-op for a transaction store.
func (t *txStore) Close() error { return nil }

func (s *Store) UpsertParticipant(ctx context.Context, p *model.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.UpsertParticipant(ctx, p)
}

func (s *Store) GetParticipant(ctx context.Context, actorID string) (*model.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.GetParticipant(ctx, actorID)
}

func (s *Store) ListParticipants(ctx context.Context) ([]*model.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.ListParticipants(ctx)
}

func (s *Store) LockParticipant(ctx context.Context, actorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.LockParticipant(ctx, actorID)
}

func (s *Store) CountRegistrationsByIP(ctx context.Context, ip string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.CountRegistrationsByIP(ctx, ip, since)
}

func (s *Store) AppendEvent(ctx context.Context, ev *model.ParticipationEvent, opts store.AppendOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.AppendEvent(ctx, ev, opts)
}

func (s *Store) ListEvents(ctx context.Context, actorID string, season int) ([]*model.ParticipationEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.ListEvents(ctx, actorID, season)
}

func (s *Store) ListActiveWeeks(ctx context.Context, actorID string) ([]model.SeasonWeek, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.ListActiveWeeks(ctx, actorID)
}

func (s *Store) ListSeasonActors(ctx context.Context, season int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.ListSeasonActors(ctx, season)
}

func (s *Store) CountEventsByKind(ctx context.Context, actorIDs []string, kinds []model.EventKind) (map[model.EventKind]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.CountEventsByKind(ctx, actorIDs, kinds)
}

func (s *Store) WeeklyPositiveTotal(ctx context.Context, actorID string, sw model.SeasonWeek) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.WeeklyPositiveTotal(ctx, actorID, sw)
}

func (s *Store) GetScore(ctx context.Context, actorID string, season int) (*model.ContributionScore, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.GetScore(ctx, actorID, season)
}

func (s *Store) UpsertScore(ctx context.Context, sc *model.ContributionScore) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.UpsertScore(ctx, sc)
}

func (s *Store) SetSybilMultiplier(ctx context.Context, actorID string, season int, multiplier float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.SetSybilMultiplier(ctx, actorID, season, multiplier)
}

func (s *Store) ApplyDecay(ctx context.Context, actorID string, season int, rate float64, cycle string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.ApplyDecay(ctx, actorID, season, rate, cycle, at)
}

func (s *Store) ListScores(ctx context.Context, filter model.ScoreFilter) ([]*model.ContributionScore, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.ListScores(ctx, filter)
}

func (s *Store) SetRanks(ctx context.Context, season int, ranks []model.RankAssignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.SetRanks(ctx, season, ranks)
}

func (s *Store) CreateReferralLink(ctx context.Context, link *model.ReferralLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.CreateReferralLink(ctx, link)
}

func (s *Store) GetReferralLink(ctx context.Context, actorID string) (*model.ReferralLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.GetReferralLink(ctx, actorID)
}

func (s *Store) GetReferralLinkByCode(ctx context.Context, code string) (*model.ReferralLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.GetReferralLinkByCode(ctx, code)
}

func (s *Store) IncrementReferralCounts(ctx context.Context, actorID string, total, qualified int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.IncrementReferralCounts(ctx, actorID, total, qualified)
}

func (s *Store) ListReferrers(ctx context.Context, minReferred int) ([]*model.ReferralLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.ListReferrers(ctx, minReferred)
}

func (s *Store) InsertReferralEdges(ctx context.Context, edges []*model.ReferralEdge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.InsertReferralEdges(ctx, edges)
}

func (s *Store) GetUpline(ctx context.Context, descendantID string) ([]*model.ReferralEdge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.GetUpline(ctx, descendantID)
}

func (s *Store) QualifyEdges(ctx context.Context, descendantID, action string, at time.Time) ([]*model.ReferralEdge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.QualifyEdges(ctx, descendantID, action, at)
}

func (s *Store) ListDownline(ctx context.Context, ancestorID string) ([]*model.ReferralEdge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.ListDownline(ctx, ancestorID)
}

func (s *Store) InsertReferralBonus(ctx context.Context, b *model.ReferralBonus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.InsertReferralBonus(ctx, b)
}

func (s *Store) SumReferralBonuses(ctx context.Context, earnerID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.SumReferralBonuses(ctx, earnerID)
}

func (s *Store) InsertSubmission(ctx context.Context, sub *model.Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.InsertSubmission(ctx, sub)
}

func (s *Store) CountSubmissionsSince(ctx context.Context, actorID string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.CountSubmissionsSince(ctx, actorID, since)
}

func (s *Store) HasSubmissionTitle(ctx context.Context, actorID, normalizedTitle string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.HasSubmissionTitle(ctx, actorID, normalizedTitle)
}

func (s *Store) LastSubmissionAt(ctx context.Context, actorID, target string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.LastSubmissionAt(ctx, actorID, target)
}

func (s *Store) ListSubmissions(ctx context.Context, actorIDs []string, since time.Time) ([]*model.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.ListSubmissions(ctx, actorIDs, since)
}

func (s *Store) InsertSpamFlag(ctx context.Context, f *model.SpamFlag) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.InsertSpamFlag(ctx, f)
}

func (s *Store) CountSpamFlags(ctx context.Context, actorID string, severity model.SpamSeverity) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.CountSpamFlags(ctx, actorID, severity)
}

func (s *Store) GetRiskFlag(ctx context.Context, actorID string) (*model.RiskFlag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.GetRiskFlag(ctx, actorID)
}

func (s *Store) UpsertRiskFlag(ctx context.Context, f *model.RiskFlag) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.UpsertRiskFlag(ctx, f)
}

func (s *Store) ListRiskFlags(ctx context.Context, filter model.RiskFlagFilter) ([]*model.RiskFlag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.ListRiskFlags(ctx, filter)
}

func (s *Store) GetSeason(ctx context.Context, number int) (*model.Season, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.GetSeason(ctx, number)
}

func (s *Store) UpsertSeason(ctx context.Context, season *model.Season) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.UpsertSeason(ctx, season)
}

func (s *Store) AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.AcquireLease(ctx, name, holder, ttl)
}

func (s *Store) ReleaseLease(ctx context.Context, name, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.ReleaseLease(ctx, name, holder)
}
