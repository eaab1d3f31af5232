// Package scoring appends ledger events and folds them into per-season
// contribution scores, streaks, decay, and ranks.
package scoring

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/whiteclaws/clawpoints/internal/config"
	"github.com/whiteclaws/clawpoints/internal/model"
	"github.com/whiteclaws/clawpoints/internal/store"
)

// Ledger admits events into the append-only event store. It holds no state
// of its own; every call works inside the store (or transaction) it is given.
type Ledger struct {
	policy *config.Policy

	// Now defaults to time.Now.
	Now func() time.Time
}

// NewLedger returns a ledger governed by policy.
func NewLedger(policy *config.Policy) *Ledger {
	return &Ledger{policy: policy, Now: time.Now}
}

// Policy returns the governing policy.
func (l *Ledger) Policy() *config.Policy { return l.policy }

// CurrentWeek returns the scoring week at the ledger's clock.
func (l *Ledger) CurrentWeek() model.SeasonWeek {
	return l.policy.SeasonWeekAt(l.Now())
}

// Append admits a fixed-point event of kind for actorID. Cooldown, weekly
// cap and season state are enforced here; a refusal is a PolicyReject with
// the matching reason code.
func (l *Ledger) Append(ctx context.Context, tx store.Store, actorID string, kind model.EventKind, metadata map[string]string) (*model.ParticipationEvent, error) {
	spec := l.policy.KindSpec(kind)
	if spec.Internal {
		return nil, model.Invalid("event_kind", fmt.Sprintf("%q is generated by the engine", kind))
	}

	now := l.Now().UTC()
	sw := l.policy.SeasonWeekAt(now)
	if err := l.checkSeason(ctx, tx, sw.Season); err != nil {
		return nil, err
	}

	ev := l.newEvent(actorID, kind, spec.Points, sw, now, metadata)
	ev.DedupeKey = model.DedupeKeyFor(kind, spec.Cooldown, sw)

	var opts store.AppendOptions
	if !spec.IsPenalty() {
		opts.WeeklyCap = l.policy.WeeklyCap
	}
	return ev, l.write(ctx, tx, ev, opts)
}

// Award appends an engine-generated event with variable points. The dedupe
// key, when set, makes the award at-most-once per actor. Awards bypass the
// weekly cap but still count toward the weekly total.
func (l *Ledger) Award(ctx context.Context, tx store.Store, actorID string, kind model.EventKind, points int, dedupeKey string, metadata map[string]string) (*model.ParticipationEvent, error) {
	if !l.policy.KindSpec(kind).Internal {
		return nil, fmt.Errorf("award %s: kind has fixed points", kind)
	}
	if points <= 0 {
		return nil, fmt.Errorf("award %s: points must be positive, got %d", kind, points)
	}
	now := l.Now().UTC()
	ev := l.newEvent(actorID, kind, points, l.policy.SeasonWeekAt(now), now, metadata)
	ev.DedupeKey = dedupeKey
	return ev, l.write(ctx, tx, ev, store.AppendOptions{})
}

func (l *Ledger) newEvent(actorID string, kind model.EventKind, points int, sw model.SeasonWeek, at time.Time, metadata map[string]string) *model.ParticipationEvent {
	return &model.ParticipationEvent{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Kind:      kind,
		Points:    points,
		Season:    sw.Season,
		Week:      sw.Week,
		Metadata:  maps.Clone(metadata),
		CreatedAt: at,
	}
}

func (l *Ledger) write(ctx context.Context, tx store.Store, ev *model.ParticipationEvent, opts store.AppendOptions) error {
	err := tx.AppendEvent(ctx, ev, opts)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrDuplicate):
		return model.Reject(model.ReasonCooldown, fmt.Sprintf("%s already recorded for this period", ev.Kind))
	case errors.Is(err, store.ErrCapReached):
		return model.Reject(model.ReasonWeeklyCap, fmt.Sprintf("weekly cap of %d points reached", opts.WeeklyCap))
	}
	return store.Classify("append event", err)
}

// checkSeason refuses events for a season whose stored status is not
// active. A season with no stored row is active.
func (l *Ledger) checkSeason(ctx context.Context, tx store.Store, season int) error {
	s, err := tx.GetSeason(ctx, season)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return store.Classify("get season", err)
	}
	if !s.Status.AcceptsEvents() {
		return model.Reject(model.ReasonSeasonClosed, fmt.Sprintf("season %d is %s", season, s.Status))
	}
	return nil
}
