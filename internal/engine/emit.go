package engine

import (
	"context"
	"errors"
	"slices"
	"strconv"

	"github.com/whiteclaws/clawpoints/internal/events"
	"github.com/whiteclaws/clawpoints/internal/metrics"
	"github.com/whiteclaws/clawpoints/internal/model"
	"github.com/whiteclaws/clawpoints/internal/store"
)

// EmitResult is the outcome of one emit. A policy rejection is reported
// with Accepted false and a reason code, not as an error.
type EmitResult struct {
	Accepted bool                      `json:"accepted"`
	Points   int                       `json:"points"`
	Reason   string                    `json:"reason,omitempty"`
	Message  string                    `json:"message,omitempty"`
	Event    *model.ParticipationEvent `json:"event,omitempty"`
	Bonuses  []*model.ReferralBonus    `json:"bonuses,omitempty"`
	Streak   *model.ParticipationEvent `json:"streak,omitempty"`
	Score    *model.ContributionScore  `json:"score,omitempty"`

	qualified []*model.ReferralEdge
}

// Emit admits one participation event and runs its consequences in the
// same transaction: referral qualification, the bonus cascade, the streak
// milestone check and recomputation of every affected score.
func (e *Engine) Emit(ctx context.Context, actorID, kindName string, metadata map[string]string) (*EmitResult, error) {
	kind, err := model.ValidateEmit(actorID, kindName, metadata)
	if err != nil {
		return nil, err
	}

	var res *EmitResult
	err = e.inTx(ctx, "emit", func(tx store.Store) error {
		ev, err := e.ledger.Append(ctx, tx, actorID, kind, metadata)
		if err != nil {
			return err
		}
		res = &EmitResult{Accepted: true, Points: ev.Points, Event: ev}
		return e.settle(ctx, tx, res, []*model.ParticipationEvent{ev})
	})
	if model.IsRejection(err) {
		return e.rejected(ctx, actorID, kindName, err), nil
	}
	if err != nil {
		return nil, err
	}
	e.announce(ctx, res)
	return res, nil
}

// settle runs the post-append steps for evs, which all belong to one actor.
func (e *Engine) settle(ctx context.Context, tx store.Store, res *EmitResult, evs []*model.ParticipationEvent) error {
	actorID := evs[0].ActorID
	affected := []string{}

	for _, ev := range evs {
		spec := e.policy.KindSpec(ev.Kind)
		// Qualification comes first so a qualifying event that also shares
		// with the upline pays the ancestors it just qualified.
		if spec.Qualifies {
			edges, err := e.graph.Qualify(ctx, tx, actorID, ev.Kind.String())
			if err != nil {
				return err
			}
			res.qualified = append(res.qualified, edges...)
		}
		bonuses, err := e.graph.Cascade(ctx, tx, ev)
		if err != nil {
			return err
		}
		for _, b := range bonuses {
			res.Bonuses = append(res.Bonuses, b)
			if !slices.Contains(affected, b.EarnerID) {
				affected = append(affected, b.EarnerID)
			}
		}
	}

	if evs[0].Points > 0 {
		streak, err := e.agg.CheckAndAwardStreak(ctx, tx, actorID)
		if err != nil {
			return err
		}
		res.Streak = streak
	}

	season := evs[0].Season
	sc, err := e.agg.Recompute(ctx, tx, actorID, season)
	if err != nil {
		return err
	}
	res.Score = sc

	// Earners are recomputed in a fixed order so concurrent emits lock
	// score rows consistently.
	slices.Sort(affected)
	for _, earner := range affected {
		if earner == actorID {
			continue
		}
		if _, err := e.agg.Recompute(ctx, tx, earner, season); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) rejected(ctx context.Context, actorID, kindName string, err error) *EmitResult {
	reason := model.CodeOf(err)
	metrics.EventsRejected.WithLabelValues(reason).Inc()
	e.logger.Info("event rejected", "actor", actorID, "kind", kindName, "reason", reason)
	e.publish(ctx, events.TopicEventRejected, events.EventRejected{ActorID: actorID, Kind: kindName, Reason: reason})

	msg := ""
	var me *model.Error
	if errors.As(err, &me) {
		msg = me.Message
	}
	return &EmitResult{Accepted: false, Reason: reason, Message: msg}
}

// announce publishes what a committed emit produced.
func (e *Engine) announce(ctx context.Context, res *EmitResult) {
	if res.Event != nil {
		metrics.EventsAdmitted.WithLabelValues(res.Event.Kind.String()).Inc()
		e.publish(ctx, events.TopicEventAppended, events.EventAppended{Event: res.Event})
	}
	if len(res.qualified) > 0 {
		e.publish(ctx, events.TopicReferralQualified, events.ReferralQualified{
			ActorID: res.qualified[0].DescendantID,
			Action:  res.qualified[0].QualifyingAction,
			Edges:   res.qualified,
		})
	}
	for _, b := range res.Bonuses {
		metrics.EventsAdmitted.WithLabelValues(model.KindReferralBonus.String()).Inc()
		metrics.BonusPoints.WithLabelValues(strconv.Itoa(b.Level)).Add(float64(b.BonusPoints))
		e.publish(ctx, events.TopicBonusAwarded, events.BonusAwarded{Bonus: b})
	}
	if res.Streak != nil {
		metrics.EventsAdmitted.WithLabelValues(model.KindStreakBonus.String()).Inc()
		e.publish(ctx, events.TopicStreakAwarded, events.StreakAwarded{Event: res.Streak})
	}
	if res.Score != nil {
		e.publish(ctx, events.TopicScoreUpdated, events.ScoreUpdated{Score: res.Score})
	}
}
