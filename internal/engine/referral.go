package engine

import (
	"context"
	"strings"

	"github.com/whiteclaws/clawpoints/internal/events"
	"github.com/whiteclaws/clawpoints/internal/metrics"
	"github.com/whiteclaws/clawpoints/internal/model"
	"github.com/whiteclaws/clawpoints/internal/referral"
	"github.com/whiteclaws/clawpoints/internal/store"
)

// Attach places actorID under the owner of code.
func (e *Engine) Attach(ctx context.Context, actorID, code string) (*referral.AttachResult, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	var res *referral.AttachResult
	err := e.inTx(ctx, "attach referral", func(tx store.Store) error {
		var err error
		res, err = e.graph.Attach(ctx, tx, actorID, code)
		return err
	})
	if err != nil {
		outcome := model.CodeOf(err)
		if outcome == "" {
			outcome = "error"
		}
		metrics.ReferralAttaches.WithLabelValues(outcome).Inc()
		return nil, err
	}

	outcome := "attached"
	if res.Monitored {
		outcome = "monitored"
	}
	metrics.ReferralAttaches.WithLabelValues(outcome).Inc()
	e.publish(ctx, events.TopicReferralAttached, events.ReferralAttached{
		ActorID:    res.ActorID,
		ReferrerID: res.ReferrerID,
		Levels:     len(res.Edges),
	})
	return res, nil
}

// Qualify qualifies actorID's referral edges explicitly. Admitting a
// qualifying event kind does the same automatically.
func (e *Engine) Qualify(ctx context.Context, actorID, action string) ([]*model.ReferralEdge, error) {
	if err := model.ValidateActorID("actor_id", actorID); err != nil {
		return nil, err
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return nil, model.Invalid("action", "is required")
	}

	var edges []*model.ReferralEdge
	err := e.inTx(ctx, "qualify referral", func(tx store.Store) error {
		var err error
		edges, err = e.graph.Qualify(ctx, tx, actorID, action)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(edges) > 0 {
		e.publish(ctx, events.TopicReferralQualified, events.ReferralQualified{ActorID: actorID, Action: action, Edges: edges})
	}
	return edges, nil
}

// ReferralCode returns actorID's shareable code, creating it on first use.
func (e *Engine) ReferralCode(ctx context.Context, actorID string) (*model.ReferralLink, error) {
	var link *model.ReferralLink
	err := e.inTx(ctx, "referral code", func(tx store.Store) error {
		var err error
		link, err = e.graph.GetOrCreateCode(ctx, tx, actorID)
		return err
	})
	return link, err
}

// RegisterParticipant records the registration signals the cluster
// analyzer compares. Empty signals keep their stored values and the first
// registration time is kept.
func (e *Engine) RegisterParticipant(ctx context.Context, p *model.Participant) (*model.Participant, error) {
	if err := model.ValidateParticipant(p); err != nil {
		return nil, err
	}
	out := *p
	out.IPAddress = strings.TrimSpace(out.IPAddress)
	if out.RegisteredAt.IsZero() {
		out.RegisteredAt = e.now()
	}
	if err := e.store.UpsertParticipant(ctx, &out); err != nil {
		return nil, store.Classify("upsert participant", err)
	}
	stored, err := e.store.GetParticipant(ctx, out.ActorID)
	if err != nil {
		return nil, store.Classify("get participant", err)
	}
	return stored, nil
}
