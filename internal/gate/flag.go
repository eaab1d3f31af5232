package gate

import (
	"context"

	"github.com/google/uuid"

	"github.com/whiteclaws/clawpoints/internal/model"
	"github.com/whiteclaws/clawpoints/internal/store"
)

// Severity grades a new flag from the number the actor already holds.
func (g *Gate) Severity(prior int) model.SpamSeverity {
	switch {
	case prior >= g.policy.Gate.SpamBanAt:
		return model.SpamBan
	case prior >= g.policy.Gate.SpamStrikeAt:
		return model.SpamStrike
	}
	return model.SpamWarning
}

// Flag records a spam flag against actorID and appends the matching penalty
// event. A penalty the ledger refuses (for example in a closed season) is
// logged and skipped; the flag still stands.
func (g *Gate) Flag(ctx context.Context, tx store.Store, actorID string, kind model.SpamFlagType, reason string) (*model.SpamFlag, *model.ParticipationEvent, error) {
	prior, err := tx.CountSpamFlags(ctx, actorID, "")
	if err != nil {
		return nil, nil, store.Classify("count spam flags", err)
	}
	flag := &model.SpamFlag{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Type:      kind,
		Severity:  g.Severity(prior),
		Reason:    reason,
		CreatedAt: g.ledger.Now().UTC(),
	}
	if err := tx.InsertSpamFlag(ctx, flag); err != nil {
		return nil, nil, store.Classify("insert spam flag", err)
	}
	g.logger.Warn("spam flag raised", "actor", actorID, "type", kind, "severity", flag.Severity)

	penaltyKind, ok := kind.PenaltyKind()
	if !ok {
		return flag, nil, nil
	}
	penalty, err := g.ledger.Append(ctx, tx, actorID, penaltyKind, map[string]string{
		"flag_type": string(kind),
		"severity":  string(flag.Severity),
	})
	if model.IsRejection(err) {
		g.logger.Info("penalty not recorded", "actor", actorID, "kind", penaltyKind, "err", err)
		return flag, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return flag, penalty, nil
}
