package fraud

import (
	"context"
	"errors"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/whiteclaws/clawpoints/internal/batch"
	"github.com/whiteclaws/clawpoints/internal/config"
	"github.com/whiteclaws/clawpoints/internal/model"
	"github.com/whiteclaws/clawpoints/internal/store"
)

// clusterNamespace seeds deterministic cluster ids, so rescans of the same
// grouping produce the same id.
var clusterNamespace = uuid.MustParse("6f1c2d3e-8a4b-4c5d-9e6f-7a8b9c0d1e2f")

// PairRisk scores how likely a and b are the same operator. It satisfies
// the referral screener.
func (a *Analyzer) PairRisk(ctx context.Context, tx store.Store, actorA, actorB string) (model.PairRisk, error) {
	pa, err := participant(ctx, tx, actorA)
	if err != nil {
		return model.PairRisk{}, err
	}
	pb, err := participant(ctx, tx, actorB)
	if err != nil {
		return model.PairRisk{}, err
	}
	rp := a.policy.Risk
	var signals []string

	if pa.FundingSource != "" && pa.FundingSource == pb.FundingSource {
		signals = append(signals, config.SignalSameFundingSource)
	}
	if pa.IPAddress != "" && pa.IPAddress == pb.IPAddress {
		n, err := tx.CountRegistrationsByIP(ctx, pa.IPAddress, a.ledger.Now().UTC().Add(-rp.IPClusterWindow.Duration))
		if err != nil {
			return model.PairRisk{}, store.Classify("count registrations by ip", err)
		}
		if n >= rp.IPClusterMin {
			signals = append(signals, config.SignalSameIPCluster)
		}
	}
	if pa.DeviceFingerprint != "" && pa.DeviceFingerprint == pb.DeviceFingerprint {
		signals = append(signals, config.SignalSameDevice)
	}

	timing, err := a.suspiciousTiming(ctx, tx, pa, pb)
	if err != nil {
		return model.PairRisk{}, err
	}
	if timing {
		signals = append(signals, config.SignalSuspiciousTiming)
	}

	ca, err := clusterOf(ctx, tx, actorA)
	if err != nil {
		return model.PairRisk{}, err
	}
	cb, err := clusterOf(ctx, tx, actorB)
	if err != nil {
		return model.PairRisk{}, err
	}
	if ca != "" && ca == cb {
		signals = append(signals, config.SignalKnownCluster)
	}

	return model.PairRisk{Score: a.RiskOf(signals), Signals: signals}, nil
}

// suspiciousTiming fires when the two registered close together and then
// submitted to the same target close together.
func (a *Analyzer) suspiciousTiming(ctx context.Context, tx store.Store, pa, pb *model.Participant) (bool, error) {
	rp := a.policy.Risk
	if pa.RegisteredAt.IsZero() || pb.RegisteredAt.IsZero() || absDuration(pa.RegisteredAt.Sub(pb.RegisteredAt)) > rp.TimingWindow.Duration {
		return false, nil
	}
	since := pa.RegisteredAt
	if pb.RegisteredAt.Before(since) {
		since = pb.RegisteredAt
	}
	subs, err := tx.ListSubmissions(ctx, []string{pa.ActorID, pb.ActorID}, since)
	if err != nil {
		return false, store.Classify("list submissions", err)
	}
	for i, x := range subs {
		for _, y := range subs[i+1:] {
			if x.ActorID != y.ActorID && x.Target == y.Target &&
				absDuration(x.CreatedAt.Sub(y.CreatedAt)) <= rp.SubmissionWindow.Duration {
				return true, nil
			}
		}
	}
	return false, nil
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func participant(ctx context.Context, tx store.Store, actorID string) (*model.Participant, error) {
	p, err := tx.GetParticipant(ctx, actorID)
	if errors.Is(err, store.ErrNotFound) {
		return &model.Participant{ActorID: actorID}, nil
	}
	if err != nil {
		return nil, store.Classify("get participant", err)
	}
	return p, nil
}

func clusterOf(ctx context.Context, tx store.Store, actorID string) (string, error) {
	f, err := tx.GetRiskFlag(ctx, actorID)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", store.Classify("get risk flag", err)
	}
	return f.ClusterID, nil
}

// clusterMembership is one actor's outcome from a cluster scan.
type clusterMembership struct {
	actorID   string
	clusterID string
	signals   []string
}

// Clusters groups participants that share a funding source or device
// (at least ClusterMinSize members), or an IP with at least IPClusterMin
// registrations inside one IPClusterWindow. An actor in several groups
// takes the id of the first by that precedence.
func (a *Analyzer) Clusters(participants []*model.Participant) map[string]*clusterMembership {
	rp := a.policy.Risk
	out := make(map[string]*clusterMembership)
	join := func(kind, key, signal string, members []*model.Participant) {
		id := uuid.NewSHA1(clusterNamespace, []byte(kind+":"+key)).String()
		for _, p := range members {
			m, ok := out[p.ActorID]
			if !ok {
				m = &clusterMembership{actorID: p.ActorID, clusterID: id}
				out[p.ActorID] = m
			}
			if !slices.Contains(m.signals, signal) {
				m.signals = append(m.signals, signal)
			}
		}
	}

	byFunding := groupBy(participants, func(p *model.Participant) string { return p.FundingSource })
	for _, key := range sortedKeys(byFunding) {
		if members := byFunding[key]; len(members) >= rp.ClusterMinSize {
			join("funding", key, config.SignalSameFundingSource, members)
		}
	}
	byDevice := groupBy(participants, func(p *model.Participant) string { return p.DeviceFingerprint })
	for _, key := range sortedKeys(byDevice) {
		if members := byDevice[key]; len(members) >= rp.ClusterMinSize {
			join("device", key, config.SignalSameDevice, members)
		}
	}
	byIP := groupBy(participants, func(p *model.Participant) string { return p.IPAddress })
	for _, key := range sortedKeys(byIP) {
		if members := burst(byIP[key], rp.IPClusterMin, rp.IPClusterWindow.Duration); len(members) > 0 {
			join("ip", key, config.SignalSameIPCluster, members)
		}
	}
	return out
}

func groupBy(ps []*model.Participant, key func(*model.Participant) string) map[string][]*model.Participant {
	out := make(map[string][]*model.Participant)
	for _, p := range ps {
		if k := key(p); k != "" {
			out[k] = append(out[k], p)
		}
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}

// burst returns the members that fall inside any window holding at least
// minCount registrations.
func burst(members []*model.Participant, minCount int, window time.Duration) []*model.Participant {
	if len(members) < minCount {
		return nil
	}
	sorted := slices.Clone(members)
	slices.SortFunc(sorted, func(x, y *model.Participant) int { return x.RegisteredAt.Compare(y.RegisteredAt) })

	in := make([]bool, len(sorted))
	lo := 0
	for hi := range sorted {
		for sorted[hi].RegisteredAt.Sub(sorted[lo].RegisteredAt) > window {
			lo++
		}
		if hi-lo+1 >= minCount {
			for i := lo; i <= hi; i++ {
				in[i] = true
			}
		}
	}
	var out []*model.Participant
	for i, p := range sorted {
		if in[i] {
			out = append(out, p)
		}
	}
	return out
}

// RunClusterScan assigns cluster ids, rewrites the cluster-owned signals on
// every affected flag and enforces the resulting actions. Actors that left
// every cluster have those signals cleared.
func (a *Analyzer) RunClusterScan(ctx context.Context) (batch.Result, error) {
	participants, err := a.store.ListParticipants(ctx)
	if err != nil {
		return batch.Result{}, store.Classify("list participants", err)
	}
	members := a.Clusters(participants)

	flagged, err := a.store.ListRiskFlags(ctx, model.RiskFlagFilter{})
	if err != nil {
		return batch.Result{}, store.Classify("list risk flags", err)
	}
	for _, f := range flagged {
		if _, ok := members[f.ActorID]; ok {
			continue
		}
		if f.ClusterID != "" || slices.ContainsFunc(f.Signals, func(s string) bool { return slices.Contains(clusterSignals, s) }) {
			members[f.ActorID] = &clusterMembership{actorID: f.ActorID}
		}
	}

	work := make([]*clusterMembership, 0, len(members))
	for _, id := range sortedKeys(members) {
		work = append(work, members[id])
	}
	return batch.Run(ctx, a.pool, a.logger, "cluster-scan", work,
		func(m *clusterMembership) string { return m.actorID },
		func(ctx context.Context, m *clusterMembership) error {
			return a.store.RunInTransaction(ctx, func(tx store.Store) error {
				_, err := a.update(ctx, tx, m.actorID, clusterSignals, m.signals, &m.clusterID)
				return err
			})
		})
}
