package referral

import (
	"context"
	"errors"
	"math"
	"strconv"

	"github.com/google/uuid"

	"github.com/whiteclaws/clawpoints/internal/model"
	"github.com/whiteclaws/clawpoints/internal/store"
)

// floorEpsilon absorbs binary rounding in base*pct before flooring.
const floorEpsilon = 1e-9

// BonusPoints returns floor(base * pct).
func BonusPoints(base int, pct float64) int {
	return int(math.Floor(float64(base)*pct + floorEpsilon))
}

// BonusDedupeKey makes a bonus at-most-once per (earner, trigger event).
func BonusDedupeKey(triggerEventID string) string {
	return model.KindReferralBonus.String() + ":" + triggerEventID
}

// Cascade pays qualified ancestors a share of trigger's base points inside
// tx. Bonuses are ledger events of a non-sharing kind, so they never
// cascade further. Banned earners and zero-point levels are skipped.
func (g *Graph) Cascade(ctx context.Context, tx store.Store, trigger *model.ParticipationEvent) ([]*model.ReferralBonus, error) {
	spec := g.policy.KindSpec(trigger.Kind)
	if !spec.SharesWithUpline || trigger.Points <= 0 {
		return nil, nil
	}

	upline, err := tx.GetUpline(ctx, trigger.ActorID)
	if err != nil {
		return nil, store.Classify("get upline", err)
	}

	var bonuses []*model.ReferralBonus
	for _, e := range upline {
		if !e.Qualified {
			continue
		}
		pct := g.policy.ReferralPercentage(e.Level)
		points := BonusPoints(trigger.Points, pct)
		if points <= 0 {
			continue
		}
		banned, err := g.isBanned(ctx, tx, e.AncestorID)
		if err != nil {
			return nil, err
		}
		if banned {
			g.logger.Debug("bonus skipped for banned earner", "earner", e.AncestorID, "trigger", trigger.ID)
			continue
		}

		ev, err := g.ledger.Award(ctx, tx, e.AncestorID, model.KindReferralBonus, points,
			BonusDedupeKey(trigger.ID),
			map[string]string{
				"contributor":   trigger.ActorID,
				"trigger_event": trigger.ID,
				"trigger_kind":  trigger.Kind.String(),
				"level":         strconv.Itoa(e.Level),
			})
		if model.CodeOf(err) == model.ReasonCooldown {
			return nil, model.Integrity("duplicate_bonus", "bonus already paid for trigger event "+trigger.ID)
		}
		if err != nil {
			return nil, err
		}

		b := &model.ReferralBonus{
			ID:             uuid.NewString(),
			EarnerID:       e.AncestorID,
			ContributorID:  trigger.ActorID,
			TriggerEventID: trigger.ID,
			TriggerKind:    trigger.Kind,
			Level:          e.Level,
			BasePoints:     trigger.Points,
			Percentage:     pct,
			BonusPoints:    points,
			EventID:        ev.ID,
			Season:         ev.Season,
			CreatedAt:      ev.CreatedAt,
		}
		err = tx.InsertReferralBonus(ctx, b)
		if errors.Is(err, store.ErrDuplicate) {
			return nil, model.Integrity("duplicate_bonus", "bonus already paid for trigger event "+trigger.ID)
		}
		if err != nil {
			return nil, store.Classify("insert referral bonus", err)
		}
		bonuses = append(bonuses, b)
	}
	return bonuses, nil
}

func (g *Graph) isBanned(ctx context.Context, tx store.Store, actorID string) (bool, error) {
	flag, err := tx.GetRiskFlag(ctx, actorID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, store.Classify("get risk flag", err)
	}
	return flag.Action == model.ActionBan, nil
}
