package gate

import (
	"context"

	"github.com/whiteclaws/clawpoints/internal/model"
	"github.com/whiteclaws/clawpoints/internal/store"
)

// Trust derives the actor's trust level from submitted and accepted
// finding counts across every season.
func (g *Gate) Trust(ctx context.Context, st store.Store, actorID string) (*model.TrustProfile, error) {
	counts, err := st.CountEventsByKind(ctx, []string{actorID},
		[]model.EventKind{model.KindFindingSubmitted, model.KindFindingAccepted})
	if err != nil {
		return nil, store.Classify("count findings", err)
	}
	return TrustFor(actorID, counts[model.KindFindingSubmitted], counts[model.KindFindingAccepted]), nil
}

// TrustFor applies the trust table to raw counts.
func TrustFor(actorID string, submitted, accepted int) *model.TrustProfile {
	var rate float64
	if submitted > 0 {
		rate = float64(accepted) / float64(submitted)
	}
	level := model.TrustNew
	switch {
	case accepted >= 10 && rate >= 0.7:
		level = model.TrustExpert
	case accepted >= 3 && rate >= 0.5:
		level = model.TrustTrusted
	case submitted >= 3:
		level = model.TrustDeveloping
	}
	return &model.TrustProfile{
		ActorID:        actorID,
		Level:          level,
		Submitted:      submitted,
		Accepted:       accepted,
		AcceptanceRate: rate,
		Verification:   level.Verification(),
	}
}
