package engine

import (
	"context"

	"github.com/whiteclaws/clawpoints/internal/events"
	"github.com/whiteclaws/clawpoints/internal/metrics"
	"github.com/whiteclaws/clawpoints/internal/model"
	"github.com/whiteclaws/clawpoints/internal/store"
)

// SubmitRequest is a candidate finding.
type SubmitRequest struct {
	ActorID     string         `json:"actor_id"`
	Target      string         `json:"target"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Severity    model.Severity `json:"severity,omitempty"`
	HasPoC      bool           `json:"has_poc"`
	Encrypted   bool           `json:"encrypted"`
}

// SubmitResult extends EmitResult with the gate's view of the actor.
type SubmitResult struct {
	EmitResult
	SubmissionID string                      `json:"submission_id,omitempty"`
	Trust        *model.TrustProfile         `json:"trust,omitempty"`
	Extras       []*model.ParticipationEvent `json:"extras,omitempty"`

	penalty *model.ParticipationEvent
}

// Submit runs the quality gate and, on acceptance, emits finding_submitted
// plus poc_provided and encrypted_report where they apply. A gate
// rejection commits its spam flag and penalty and is reported with
// Accepted false.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	candidate := &model.Submission{
		ActorID:     req.ActorID,
		Target:      req.Target,
		Title:       req.Title,
		Description: req.Description,
		Severity:    req.Severity,
		HasPoC:      req.HasPoC,
		Encrypted:   req.Encrypted,
	}

	var res *SubmitResult
	err := e.inTx(ctx, "submit", func(tx store.Store) error {
		d, err := e.gate.Admit(ctx, tx, candidate)
		if err != nil {
			return err
		}
		res = &SubmitResult{Trust: &d.Trust}
		if !d.Accepted {
			res.Reason, res.Message = d.Reason, d.Message
			if d.Penalty != nil {
				res.penalty = d.Penalty
				res.Score, err = e.agg.Recompute(ctx, tx, req.ActorID, d.Penalty.Season)
				return err
			}
			return nil
		}

		res.SubmissionID = d.Submission.ID
		meta := map[string]string{"submission_id": d.Submission.ID, "target": d.Submission.Target}
		ev, err := e.ledger.Append(ctx, tx, req.ActorID, model.KindFindingSubmitted, meta)
		if err != nil {
			// Refusing the base event refuses the submission too.
			return err
		}
		evs := []*model.ParticipationEvent{ev}

		var extras []model.EventKind
		if req.HasPoC {
			extras = append(extras, model.KindPoCProvided)
		}
		if req.Encrypted {
			extras = append(extras, model.KindEncryptedReport)
		}
		for _, kind := range extras {
			x, err := e.ledger.Append(ctx, tx, req.ActorID, kind, meta)
			if model.IsRejection(err) {
				e.logger.Info("submission extra refused", "actor", req.ActorID, "kind", kind, "reason", model.CodeOf(err))
				continue
			}
			if err != nil {
				return err
			}
			evs = append(evs, x)
			res.Extras = append(res.Extras, x)
		}

		res.Accepted = true
		res.Event = ev
		for _, x := range evs {
			res.Points += x.Points
		}
		return e.settle(ctx, tx, &res.EmitResult, evs)
	})
	if model.IsRejection(err) {
		return &SubmitResult{EmitResult: *e.rejected(ctx, req.ActorID, model.KindFindingSubmitted.String(), err)}, nil
	}
	if err != nil {
		return nil, err
	}

	reason := res.Reason
	if res.Accepted {
		reason = "accepted"
	}
	metrics.GateDecisions.WithLabelValues(reason).Inc()
	e.publish(ctx, events.TopicSubmissionGated, events.SubmissionGated{ActorID: req.ActorID, Accepted: res.Accepted, Reason: res.Reason})
	if res.penalty != nil {
		metrics.EventsAdmitted.WithLabelValues(res.penalty.Kind.String()).Inc()
		e.publish(ctx, events.TopicEventAppended, events.EventAppended{Event: res.penalty})
	}
	for _, x := range res.Extras {
		metrics.EventsAdmitted.WithLabelValues(x.Kind.String()).Inc()
		e.publish(ctx, events.TopicEventAppended, events.EventAppended{Event: x})
	}
	e.announce(ctx, &res.EmitResult)
	return res, nil
}
