package store

import (
	"context"
	"errors"
	"time"

	"github.com/whiteclaws/clawpoints/internal/model"
)

// Sentinel errors shared by every backend.
var (
	ErrNotFound   = errors.New("store: not found")
	ErrDuplicate  = errors.New("store: duplicate key")
	ErrCapReached = errors.New("store: weekly cap reached")
	ErrConflict   = errors.New("store: concurrent update")
	ErrCheck      = errors.New("store: check constraint violated")
)

// AppendOptions guards an event append.
type AppendOptions struct {
	// WeeklyCap, when positive, admits a positive event only while the
	// actor's weekly positive total plus the event stays within the cap.
	// The event's points are added to the weekly total regardless.
	WeeklyCap int
}

// Store defines the persistence interface for the scoring engine.
type Store interface {
	// Participants
	UpsertParticipant(ctx context.Context, p *model.Participant) error
	GetParticipant(ctx context.Context, actorID string) (*model.Participant, error)
	ListParticipants(ctx context.Context) ([]*model.Participant, error)
	// LockParticipant creates the participant row if needed and holds a row
	// lock on it until the enclosing transaction ends.
	LockParticipant(ctx context.Context, actorID string) error
	CountRegistrationsByIP(ctx context.Context, ip string, since time.Time) (int, error)

	// Ledger. AppendEvent is atomic: the weekly total and the event row are
	// written together or not at all. It returns ErrDuplicate when the
	// event's dedupe key already exists and ErrCapReached when the cap
	// guard refuses the event.
	AppendEvent(ctx context.Context, ev *model.ParticipationEvent, opts AppendOptions) error
	ListEvents(ctx context.Context, actorID string, season int) ([]*model.ParticipationEvent, error)
	ListActiveWeeks(ctx context.Context, actorID string) ([]model.SeasonWeek, error) // newest first
	ListSeasonActors(ctx context.Context, season int) ([]string, error)
	CountEventsByKind(ctx context.Context, actorIDs []string, kinds []model.EventKind) (map[model.EventKind]int, error)
	WeeklyPositiveTotal(ctx context.Context, actorID string, sw model.SeasonWeek) (int, error)

	// Scores. UpsertScore never overwrites rank or sybil_multiplier on an
	// existing row.
	GetScore(ctx context.Context, actorID string, season int) (*model.ContributionScore, error)
	UpsertScore(ctx context.Context, s *model.ContributionScore) error
	SetSybilMultiplier(ctx context.Context, actorID string, season int, multiplier float64) error
	// ApplyDecay sets the decay rate and derives total_score from base_score,
	// unless the row was already decayed in cycle. It reports whether the
	// row changed.
	ApplyDecay(ctx context.Context, actorID string, season int, rate float64, cycle string, at time.Time) (bool, error)
	ListScores(ctx context.Context, filter model.ScoreFilter) ([]*model.ContributionScore, int, error)
	SetRanks(ctx context.Context, season int, ranks []model.RankAssignment) error

	// Referral graph
	CreateReferralLink(ctx context.Context, link *model.ReferralLink) error
	GetReferralLink(ctx context.Context, actorID string) (*model.ReferralLink, error)
	GetReferralLinkByCode(ctx context.Context, code string) (*model.ReferralLink, error)
	IncrementReferralCounts(ctx context.Context, actorID string, total, qualified int) error
	ListReferrers(ctx context.Context, minReferred int) ([]*model.ReferralLink, error)
	InsertReferralEdges(ctx context.Context, edges []*model.ReferralEdge) error
	// GetUpline returns the descendant's edges ordered by level.
	GetUpline(ctx context.Context, descendantID string) ([]*model.ReferralEdge, error)
	// QualifyEdges marks every unqualified upline edge of descendantID and
	// returns only the edges it changed.
	QualifyEdges(ctx context.Context, descendantID, action string, at time.Time) ([]*model.ReferralEdge, error)
	ListDownline(ctx context.Context, ancestorID string) ([]*model.ReferralEdge, error)
	InsertReferralBonus(ctx context.Context, b *model.ReferralBonus) error
	SumReferralBonuses(ctx context.Context, earnerID string) (int, error)

	// Quality gate
	InsertSubmission(ctx context.Context, s *model.Submission) error
	CountSubmissionsSince(ctx context.Context, actorID string, since time.Time) (int, error)
	HasSubmissionTitle(ctx context.Context, actorID, normalizedTitle string) (bool, error)
	LastSubmissionAt(ctx context.Context, actorID, target string) (time.Time, error)
	ListSubmissions(ctx context.Context, actorIDs []string, since time.Time) ([]*model.Submission, error)
	InsertSpamFlag(ctx context.Context, f *model.SpamFlag) error
	CountSpamFlags(ctx context.Context, actorID string, severity model.SpamSeverity) (int, error) // "" counts every severity

	// Risk flags
	GetRiskFlag(ctx context.Context, actorID string) (*model.RiskFlag, error)
	UpsertRiskFlag(ctx context.Context, f *model.RiskFlag) error
	ListRiskFlags(ctx context.Context, filter model.RiskFlagFilter) ([]*model.RiskFlag, error)

	// Seasons and job leases
	GetSeason(ctx context.Context, number int) (*model.Season, error)
	UpsertSeason(ctx context.Context, s *model.Season) error
	AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, name, holder string) error

	// Transactions
	RunInTransaction(ctx context.Context, fn func(tx Store) error) error

	Close() error
}

// Classify maps a raw store error onto the engine's error taxonomy.
// Expected conditions (not found, duplicate, cap) are left for the caller
// to interpret and are returned unchanged.
func Classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrDuplicate), errors.Is(err, ErrCapReached):
		return err
	case errors.Is(err, ErrConflict):
		return model.Conflict(op, err)
	case errors.Is(err, ErrCheck):
		return &model.Error{Category: model.CategoryIntegrity, Code: "constraint_violation", Message: op, Err: err}
	}
	var me *model.Error
	var ve *model.ValidationError
	if errors.As(err, &me) || errors.As(err, &ve) {
		return err
	}
	return model.StoreFailure(op, err)
}
