// Package fraud scores referral networks and registration clusters for
// sybil and pyramid behavior, and enforces the resulting actions through
// the sybil multiplier.
package fraud

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"slices"

	"github.com/alitto/pond/v2"

	"github.com/whiteclaws/clawpoints/internal/config"
	"github.com/whiteclaws/clawpoints/internal/metrics"
	"github.com/whiteclaws/clawpoints/internal/model"
	"github.com/whiteclaws/clawpoints/internal/scoring"
	"github.com/whiteclaws/clawpoints/internal/store"
)

// clusterSignals are written by the cluster scan; pyramidSignals by the
// pyramid scan. Each scan replaces only its own signals on a flag.
var (
	clusterSignals = []string{
		config.SignalSameFundingSource,
		config.SignalSameIPCluster,
		config.SignalSameDevice,
	}
	pyramidSignals = []string{
		config.SignalLargeUnqualifiedNetwork,
		config.SignalLowQualificationRate,
		config.SignalDownlineSameCluster,
		config.SignalMassRegistration,
		config.SignalLowQualityNetwork,
		config.SignalCopyPasteSubmissions,
	}
)

// Analyzer runs the wallet-clustering and pyramid analyzers.
type Analyzer struct {
	store  store.Store
	policy *config.Policy
	ledger *scoring.Ledger
	agg    *scoring.Aggregator
	pool   pond.Pool
	logger *slog.Logger
}

// NewAnalyzer wires an analyzer. The pool runs the batch scans.
func NewAnalyzer(s store.Store, ledger *scoring.Ledger, agg *scoring.Aggregator, pool pond.Pool, logger *slog.Logger) *Analyzer {
	return &Analyzer{
		store:  s,
		policy: ledger.Policy(),
		ledger: ledger,
		agg:    agg,
		pool:   pool,
		logger: logger,
	}
}

// RiskOf sums signal weights, capped at 1 and rounded to four places.
func (a *Analyzer) RiskOf(signals []string) float64 {
	var risk float64
	for _, s := range signals {
		risk += a.policy.SignalWeight(s)
	}
	return min(1, math.Round(risk*1e4)/1e4)
}

// update replaces the signals owned by one analyzer on actorID's flag,
// re-derives risk and action, and enforces the multiplier. clusterID, when
// non-nil, replaces the stored cluster id.
func (a *Analyzer) update(ctx context.Context, tx store.Store, actorID string, owned, fired []string, clusterID *string) (*model.RiskFlag, error) {
	now := a.ledger.Now().UTC()
	flag, err := tx.GetRiskFlag(ctx, actorID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if len(fired) == 0 && (clusterID == nil || *clusterID == "") {
			return nil, nil
		}
		flag = &model.RiskFlag{ActorID: actorID, Action: model.ActionAllow, CreatedAt: now}
	case err != nil:
		return nil, store.Classify("get risk flag", err)
	}

	signals := slices.DeleteFunc(slices.Clone(flag.Signals), func(s string) bool {
		return slices.Contains(owned, s)
	})
	for _, s := range fired {
		if !slices.Contains(signals, s) {
			signals = append(signals, s)
		}
	}
	slices.Sort(signals)

	next := *flag
	next.Signals = signals
	if clusterID != nil {
		next.ClusterID = *clusterID
	}
	next.RiskScore = a.RiskOf(signals)
	// An analyzer run overrides any manual decision. ReviewDecision and
	// ReviewedAt stay as the last review on record.
	next.Action = a.policy.ActionFor(next.RiskScore)
	next.Reviewed = false
	next.UpdatedAt = now

	if err := tx.UpsertRiskFlag(ctx, &next); err != nil {
		return nil, store.Classify("upsert risk flag", err)
	}
	if err := a.enforce(ctx, tx, actorID, next.Action); err != nil {
		return nil, err
	}
	if next.Action != flag.Action {
		metrics.RiskActions.WithLabelValues(string(next.Action)).Inc()
		a.logger.Warn("risk action changed", "actor", actorID, "from", flag.Action, "to", next.Action, "risk", next.RiskScore)
	}
	return &next, nil
}

// enforce writes the action's multiplier to the current season and
// recomputes the actor so the multiplier lands as the final step.
func (a *Analyzer) enforce(ctx context.Context, tx store.Store, actorID string, action model.RiskAction) error {
	season := a.ledger.CurrentWeek().Season
	if err := tx.SetSybilMultiplier(ctx, actorID, season, a.policy.MultiplierFor(action)); err != nil {
		return store.Classify("set sybil multiplier", err)
	}
	_, err := a.agg.Recompute(ctx, tx, actorID, season)
	return err
}

// Review records a manual decision on actorID's flag. It holds until the
// next analyzer run over the actor re-derives the action.
func (a *Analyzer) Review(ctx context.Context, actorID, decision string) (*model.RiskFlag, error) {
	action, err := model.ParseRiskAction(decision)
	if err != nil {
		return nil, model.Invalid("decision", err.Error())
	}
	if err := model.ValidateActorID("actor_id", actorID); err != nil {
		return nil, err
	}

	var out *model.RiskFlag
	err = a.store.RunInTransaction(ctx, func(tx store.Store) error {
		now := a.ledger.Now().UTC()
		flag, err := tx.GetRiskFlag(ctx, actorID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			flag = &model.RiskFlag{ActorID: actorID, CreatedAt: now}
		case err != nil:
			return store.Classify("get risk flag", err)
		}
		flag.Action = action
		flag.Reviewed = true
		flag.ReviewDecision = action
		flag.ReviewedAt = &now
		flag.UpdatedAt = now
		if err := tx.UpsertRiskFlag(ctx, flag); err != nil {
			return store.Classify("upsert risk flag", err)
		}
		if err := a.enforce(ctx, tx, actorID, action); err != nil {
			return err
		}
		out = flag
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.RiskActions.WithLabelValues(string(action)).Inc()
	a.logger.Info("risk flag reviewed", "actor", actorID, "decision", action)
	return out, nil
}

// Flags lists stored flags for the review queue.
func (a *Analyzer) Flags(ctx context.Context, filter model.RiskFlagFilter) ([]*model.RiskFlag, error) {
	flags, err := a.store.ListRiskFlags(ctx, filter)
	if err != nil {
		return nil, store.Classify("list risk flags", err)
	}
	return flags, nil
}
