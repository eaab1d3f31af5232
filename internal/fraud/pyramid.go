package fraud

import (
	"context"
	"time"

	"github.com/whiteclaws/clawpoints/internal/batch"
	"github.com/whiteclaws/clawpoints/internal/config"
	"github.com/whiteclaws/clawpoints/internal/model"
	"github.com/whiteclaws/clawpoints/internal/store"
)

// Pyramid detector thresholds.
const (
	largeNetwork         = 100
	largeNetworkRatio    = 0.05
	midNetwork           = 50
	midNetworkRatio      = 0.10
	sameClusterMinDirect = 5
	sameClusterShare     = 0.5
	massRegistrationHour = 20
	lowQualityMinSubmits = 10
	lowQualityAccepted   = 0.05
	copyPasteMinSubmits  = 5
	copyPasteShare       = 0.7
)

// PyramidReport is the detector's view of one referrer.
type PyramidReport struct {
	ActorID   string          `json:"actor_id"`
	Signals   []string        `json:"signals"`
	Risk      float64         `json:"risk"`
	Flag      *model.RiskFlag `json:"flag,omitempty"`
	Downline  int             `json:"downline"`
	Qualified int             `json:"qualified"`
}

// DetectPyramid evaluates the pyramid signals for referrerID inside tx
// without writing anything.
func (a *Analyzer) DetectPyramid(ctx context.Context, tx store.Store, referrerID string) (*PyramidReport, error) {
	edges, err := tx.ListDownline(ctx, referrerID)
	if err != nil {
		return nil, store.Classify("list downline", err)
	}
	r := &PyramidReport{ActorID: referrerID, Downline: len(edges)}

	var direct []*model.ReferralEdge
	downline := make([]string, 0, len(edges))
	for _, e := range edges {
		if e.Qualified {
			r.Qualified++
		}
		if e.Level == 1 {
			direct = append(direct, e)
		}
		downline = append(downline, e.DescendantID)
	}
	var ratio float64
	if r.Downline > 0 {
		ratio = float64(r.Qualified) / float64(r.Downline)
	}

	if r.Downline > largeNetwork && ratio < largeNetworkRatio {
		r.Signals = append(r.Signals, config.SignalLargeUnqualifiedNetwork)
	}
	if r.Downline > midNetwork && ratio < midNetworkRatio {
		r.Signals = append(r.Signals, config.SignalLowQualificationRate)
	}

	same, err := a.directShareCluster(ctx, tx, direct)
	if err != nil {
		return nil, err
	}
	if same {
		r.Signals = append(r.Signals, config.SignalDownlineSameCluster)
	}
	if massRegistration(direct) {
		r.Signals = append(r.Signals, config.SignalMassRegistration)
	}

	if len(downline) > 0 {
		counts, err := tx.CountEventsByKind(ctx, downline, []model.EventKind{model.KindFindingSubmitted, model.KindFindingAccepted})
		if err != nil {
			return nil, store.Classify("count downline findings", err)
		}
		submitted, accepted := counts[model.KindFindingSubmitted], counts[model.KindFindingAccepted]
		if submitted >= lowQualityMinSubmits && float64(accepted)/float64(submitted) < lowQualityAccepted {
			r.Signals = append(r.Signals, config.SignalLowQualityNetwork)
		}

		subs, err := tx.ListSubmissions(ctx, downline, time.Time{})
		if err != nil {
			return nil, store.Classify("list downline submissions", err)
		}
		if copyPaste(subs) {
			r.Signals = append(r.Signals, config.SignalCopyPasteSubmissions)
		}
	}

	r.Risk = a.RiskOf(r.Signals)
	return r, nil
}

// directShareCluster reports whether more than half of a direct downline of
// at least five share one cluster id, IP, or device.
func (a *Analyzer) directShareCluster(ctx context.Context, tx store.Store, direct []*model.ReferralEdge) (bool, error) {
	if len(direct) < sameClusterMinDirect {
		return false, nil
	}
	counts := make(map[string]int)
	for _, e := range direct {
		p, err := participant(ctx, tx, e.DescendantID)
		if err != nil {
			return false, err
		}
		cluster, err := clusterOf(ctx, tx, e.DescendantID)
		if err != nil {
			return false, err
		}
		if cluster != "" {
			counts["cluster:"+cluster]++
		}
		if p.IPAddress != "" {
			counts["ip:"+p.IPAddress]++
		}
		if p.DeviceFingerprint != "" {
			counts["device:"+p.DeviceFingerprint]++
		}
	}
	for _, n := range counts {
		if float64(n)/float64(len(direct)) > sameClusterShare {
			return true, nil
		}
	}
	return false, nil
}

// massRegistration reports more than massRegistrationHour direct referrals
// inside one clock hour.
func massRegistration(direct []*model.ReferralEdge) bool {
	perHour := make(map[time.Time]int)
	for _, e := range direct {
		h := e.CreatedAt.UTC().Truncate(time.Hour)
		perHour[h]++
		if perHour[h] > massRegistrationHour {
			return true
		}
	}
	return false
}

// copyPaste reports at least copyPasteMinSubmits submissions of which more
// than copyPasteShare carry one normalized title.
func copyPaste(subs []*model.Submission) bool {
	if len(subs) < copyPasteMinSubmits {
		return false
	}
	counts := make(map[string]int)
	for _, s := range subs {
		counts[s.NormalizedTitle]++
	}
	for _, n := range counts {
		if float64(n)/float64(len(subs)) > copyPasteShare {
			return true
		}
	}
	return false
}

// RunPyramidScan evaluates every referrer with at least ScanMinReferrals
// direct referrals and enforces the resulting actions.
func (a *Analyzer) RunPyramidScan(ctx context.Context) (batch.Result, error) {
	referrers, err := a.store.ListReferrers(ctx, a.policy.Risk.ScanMinReferrals)
	if err != nil {
		return batch.Result{}, store.Classify("list referrers", err)
	}
	return batch.Run(ctx, a.pool, a.logger, "pyramid-scan", referrers,
		func(l *model.ReferralLink) string { return l.ActorID },
		func(ctx context.Context, l *model.ReferralLink) error {
			_, err := a.ScanReferrer(ctx, l.ActorID)
			return err
		})
}

// ScanReferrer runs the detector for one referrer and applies its result.
func (a *Analyzer) ScanReferrer(ctx context.Context, referrerID string) (*PyramidReport, error) {
	var report *PyramidReport
	err := a.store.RunInTransaction(ctx, func(tx store.Store) error {
		r, err := a.DetectPyramid(ctx, tx, referrerID)
		if err != nil {
			return err
		}
		r.Flag, err = a.update(ctx, tx, referrerID, pyramidSignals, r.Signals, nil)
		if err != nil {
			return err
		}
		if r.Flag != nil {
			r.Risk = r.Flag.RiskScore
		}
		report = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(report.Signals) > 0 {
		a.logger.Info("pyramid signals", "actor", referrerID, "signals", report.Signals, "risk", report.Risk)
	}
	return report, nil
}
