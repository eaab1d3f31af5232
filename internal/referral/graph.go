// Package referral maintains the five-level referral graph and pays the
// bonus cascade to qualified ancestors.
package referral

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/whiteclaws/clawpoints/internal/config"
	"github.com/whiteclaws/clawpoints/internal/idgen"
	"github.com/whiteclaws/clawpoints/internal/model"
	"github.com/whiteclaws/clawpoints/internal/scoring"
	"github.com/whiteclaws/clawpoints/internal/store"
)

// maxChainWalk bounds the circular-referral walk over direct referrers.
const maxChainWalk = 1024

// codeAttempts is how many fresh codes are tried before giving up.
const codeAttempts = 5

// Screener scores how likely two actors are the same operator.
type Screener interface {
	PairRisk(ctx context.Context, tx store.Store, a, b string) (model.PairRisk, error)
}

// AttachResult describes a successful attach.
type AttachResult struct {
	ActorID    string                `json:"actor_id"`
	ReferrerID string                `json:"referrer_id"`
	Edges      []*model.ReferralEdge `json:"edges"`
	PairRisk   model.PairRisk        `json:"-"`
	Monitored  bool                  `json:"-"`
}

// Graph attaches actors under referrers and qualifies their edges.
type Graph struct {
	policy *config.Policy
	ledger *scoring.Ledger
	screen Screener
	logger *slog.Logger
}

// NewGraph wires a graph. screen may be nil, which disables pair screening.
func NewGraph(ledger *scoring.Ledger, screen Screener, logger *slog.Logger) *Graph {
	return &Graph{policy: ledger.Policy(), ledger: ledger, screen: screen, logger: logger}
}

// Attach places actorID directly under the owner of code. It must run inside
// a transaction; every participant on the referrer's chain is row-locked
// before the circular check, and nothing is written until all checks pass.
func (g *Graph) Attach(ctx context.Context, tx store.Store, actorID, code string) (*AttachResult, error) {
	if err := model.ValidateActorID("actor_id", actorID); err != nil {
		return nil, err
	}
	link, err := tx.GetReferralLinkByCode(ctx, code)
	if errors.Is(err, store.ErrNotFound) {
		return nil, model.NotFound(model.ReasonInvalidCode, "referral code not recognized")
	}
	if err != nil {
		return nil, store.Classify("get referral code", err)
	}
	referrer := link.ActorID
	if referrer == actorID {
		return nil, model.Reject(model.ReasonSelfReferral, "cannot use your own referral code")
	}

	if err := tx.LockParticipant(ctx, actorID); err != nil {
		return nil, store.Classify("lock participant", err)
	}
	if err := g.checkChain(ctx, tx, actorID, referrer); err != nil {
		return nil, err
	}

	existing, err := tx.GetUpline(ctx, actorID)
	if err != nil {
		return nil, store.Classify("get upline", err)
	}
	if len(existing) > 0 {
		return nil, model.Reject(model.ReasonAlreadyReferred, "actor already has a referrer")
	}

	res := &AttachResult{ActorID: actorID, ReferrerID: referrer}
	if err := g.screenPair(ctx, tx, actorID, referrer, res); err != nil {
		return nil, err
	}

	upline, err := tx.GetUpline(ctx, referrer)
	if err != nil {
		return nil, store.Classify("get referrer upline", err)
	}
	ancestors := make([]string, len(upline))
	for i, e := range upline {
		ancestors[i] = e.AncestorID
	}
	edges := model.BuildUplineEdges(actorID, referrer, ancestors, g.ledger.Now().UTC())
	if err := model.ValidateUpline(actorID, edges); err != nil {
		return nil, err
	}

	err = tx.InsertReferralEdges(ctx, edges)
	if errors.Is(err, store.ErrDuplicate) {
		return nil, model.Reject(model.ReasonAlreadyReferred, "actor already has a referrer")
	}
	if err != nil {
		return nil, store.Classify("insert referral edges", err)
	}
	if err := tx.IncrementReferralCounts(ctx, referrer, 1, 0); err != nil {
		return nil, store.Classify("increment referral counts", err)
	}

	res.Edges = edges
	g.logger.Info("referral attached", "actor", actorID, "referrer", referrer, "levels", len(edges), "monitored", res.Monitored)
	return res, nil
}

// checkChain walks the direct-referrer chain upward from referrer, locking
// each participant, and refuses the attach if actorID is found on it.
func (g *Graph) checkChain(ctx context.Context, tx store.Store, actorID, referrer string) error {
	cur := referrer
	for range maxChainWalk {
		if cur == actorID {
			return model.Reject(model.ReasonCircularReferral, "referral would create a cycle")
		}
		if err := tx.LockParticipant(ctx, cur); err != nil {
			return store.Classify("lock participant", err)
		}
		up, err := tx.GetUpline(ctx, cur)
		if err != nil {
			return store.Classify("get upline", err)
		}
		if len(up) == 0 {
			return nil
		}
		cur = up[0].AncestorID
	}
	return model.Integrity("referral_chain_too_long", fmt.Sprintf("referral chain above %s exceeds %d links", referrer, maxChainWalk))
}

// screenPair refuses banned referrers and pairs that look like one
// operator. The rejection never says which.
func (g *Graph) screenPair(ctx context.Context, tx store.Store, actorID, referrer string, res *AttachResult) error {
	banned, err := g.isBanned(ctx, tx, referrer)
	if err != nil {
		return err
	}
	if banned {
		g.logger.Warn("referral blocked", "actor", actorID, "referrer", referrer, "reason", "referrer banned")
		return model.Reject(model.ReasonReferralBlocked, "referral not accepted")
	}

	if g.screen == nil {
		return nil
	}
	risk, err := g.screen.PairRisk(ctx, tx, actorID, referrer)
	if err != nil {
		return err
	}
	res.PairRisk = risk
	if risk.Score >= g.policy.Risk.ClusterBlock {
		g.logger.Warn("referral blocked", "actor", actorID, "referrer", referrer, "score", risk.Score, "signals", risk.Signals)
		return model.Reject(model.ReasonReferralBlocked, "referral not accepted")
	}
	res.Monitored = risk.Score > 0
	return nil
}

// Qualify marks every unqualified upline edge of actorID. The direct
// referrer's qualified count moves only when the level-1 edge flips, so it
// increments at most once per actor.
func (g *Graph) Qualify(ctx context.Context, tx store.Store, actorID, action string) ([]*model.ReferralEdge, error) {
	changed, err := tx.QualifyEdges(ctx, actorID, action, g.ledger.Now().UTC())
	if err != nil {
		return nil, store.Classify("qualify edges", err)
	}
	for _, e := range changed {
		if e.Level != 1 {
			continue
		}
		if err := tx.IncrementReferralCounts(ctx, e.AncestorID, 0, 1); err != nil {
			return nil, store.Classify("increment qualified count", err)
		}
	}
	if len(changed) > 0 {
		g.logger.Info("referral qualified", "actor", actorID, "action", action, "edges", len(changed))
	}
	return changed, nil
}

// GetOrCreateCode returns actorID's referral link, creating one with a
// fresh code on first use.
func (g *Graph) GetOrCreateCode(ctx context.Context, tx store.Store, actorID string) (*model.ReferralLink, error) {
	if err := model.ValidateActorID("actor_id", actorID); err != nil {
		return nil, err
	}
	for range codeAttempts {
		link, err := tx.GetReferralLink(ctx, actorID)
		if err == nil {
			return link, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, store.Classify("get referral link", err)
		}

		code, err := idgen.ReferralCode()
		if err != nil {
			return nil, err
		}
		link = &model.ReferralLink{ActorID: actorID, Code: code, CreatedAt: g.ledger.Now().UTC()}
		err = tx.CreateReferralLink(ctx, link)
		if err == nil {
			return link, nil
		}
		if !errors.Is(err, store.ErrDuplicate) {
			return nil, store.Classify("create referral link", err)
		}
		// Either the code collided or another request created this
		// actor's link first; the next pass sorts out which.
	}
	return nil, model.Conflict("referral_code", fmt.Errorf("no unique code after %d attempts", codeAttempts))
}

// DownlineStats summarizes actorID's descendants across every level.
func (g *Graph) DownlineStats(ctx context.Context, st store.Store, actorID string) (*model.DownlineStats, error) {
	edges, err := st.ListDownline(ctx, actorID)
	if err != nil {
		return nil, store.Classify("list downline", err)
	}
	stats := &model.DownlineStats{
		ActorID:     actorID,
		ByLevel:     make(map[int]int, model.MaxReferralDepth),
		QualifiedBy: make(map[int]int, model.MaxReferralDepth),
	}
	for _, e := range edges {
		stats.Total++
		stats.ByLevel[e.Level]++
		if e.Level == 1 {
			stats.Direct++
		}
		if e.Qualified {
			stats.Qualified++
			stats.QualifiedBy[e.Level]++
		}
	}
	if stats.Total > 0 {
		stats.QualifiedRatio = float64(stats.Qualified) / float64(stats.Total)
	}

	stats.BonusEarned, err = st.SumReferralBonuses(ctx, actorID)
	if err != nil {
		return nil, store.Classify("sum referral bonuses", err)
	}
	link, err := st.GetReferralLink(ctx, actorID)
	switch {
	case err == nil:
		stats.Link = link
	case !errors.Is(err, store.ErrNotFound):
		return nil, store.Classify("get referral link", err)
	}
	return stats, nil
}
