// Package gate screens candidate findings before they reach the ledger.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/whiteclaws/clawpoints/internal/config"
	"github.com/whiteclaws/clawpoints/internal/model"
	"github.com/whiteclaws/clawpoints/internal/scoring"
	"github.com/whiteclaws/clawpoints/internal/store"
)

// Decision is the outcome of Admit. A rejected decision is not an error:
// flags and penalties raised along the way are still committed.
type Decision struct {
	Accepted   bool                      `json:"accepted"`
	Reason     string                    `json:"reason,omitempty"`
	Message    string                    `json:"message,omitempty"`
	Trust      model.TrustProfile        `json:"trust"`
	Submission *model.Submission         `json:"submission,omitempty"`
	Flag       *model.SpamFlag           `json:"-"`
	Penalty    *model.ParticipationEvent `json:"-"`
}

// Err returns the rejection as a PolicyReject, or nil when accepted.
func (d *Decision) Err() error {
	if d.Accepted {
		return nil
	}
	return model.Reject(d.Reason, d.Message)
}

// Gate runs the ordered admission checks.
type Gate struct {
	policy *config.Policy
	ledger *scoring.Ledger
	logger *slog.Logger

	spam    []string
	generic []string
}

// New returns a gate governed by the ledger's policy.
func New(ledger *scoring.Ledger, logger *slog.Logger) *Gate {
	p := ledger.Policy()
	return &Gate{
		policy:  p,
		ledger:  ledger,
		logger:  logger,
		spam:    lowerAll(p.Gate.SpamPatterns),
		generic: lowerAll(p.Gate.GenericPhrases),
	}
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}

// Admit runs the checks for c inside tx, holding the actor's participant
// row lock so concurrent submissions by one actor serialize. The first
// failing check decides. On acceptance the submission row is written.
func (g *Gate) Admit(ctx context.Context, tx store.Store, c *model.Submission) (*Decision, error) {
	if err := model.ValidateSubmission(c); err != nil {
		return nil, err
	}
	if err := tx.LockParticipant(ctx, c.ActorID); err != nil {
		return nil, store.Classify("lock participant", err)
	}

	trust, err := g.Trust(ctx, tx, c.ActorID)
	if err != nil {
		return nil, err
	}
	d := &Decision{Trust: *trust}
	now := g.ledger.Now().UTC()
	gp := g.policy.Gate

	bans, err := tx.CountSpamFlags(ctx, c.ActorID, model.SpamBan)
	if err != nil {
		return nil, store.Classify("count spam flags", err)
	}
	if bans >= gp.BanThreshold {
		return g.reject(d, c, model.ReasonAccountSuspended), nil
	}

	recent, err := tx.CountSubmissionsSince(ctx, c.ActorID, now.Add(-gp.RateWindow.Duration))
	if err != nil {
		return nil, store.Classify("count submissions", err)
	}
	if recent >= gp.RateLimit {
		if err := g.flagInto(ctx, tx, d, c.ActorID, model.FlagRateLimitHit,
			fmt.Sprintf("%d submissions within %s", recent, gp.RateWindow.Duration)); err != nil {
			return nil, err
		}
		return g.reject(d, c, model.ReasonRateLimit), nil
	}

	if reason := g.contentProblem(c); reason != "" {
		return g.reject(d, c, reason), nil
	}

	normalized := model.NormalizeTitle(c.Title)
	dup, err := tx.HasSubmissionTitle(ctx, c.ActorID, normalized)
	if err != nil {
		return nil, store.Classify("check duplicate title", err)
	}
	if dup {
		return g.rejectDuplicate(ctx, tx, d, c)
	}

	last, err := tx.LastSubmissionAt(ctx, c.ActorID, c.Target)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return nil, store.Classify("last submission", err)
	case now.Sub(last) < gp.TargetCooldown.Duration:
		return g.reject(d, c, model.ReasonTargetCooldown), nil
	}

	sub := *c
	sub.ID = uuid.NewString()
	sub.NormalizedTitle = normalized
	sub.CreatedAt = now
	err = tx.InsertSubmission(ctx, &sub)
	if errors.Is(err, store.ErrDuplicate) {
		return g.rejectDuplicate(ctx, tx, d, c)
	}
	if err != nil {
		return nil, store.Classify("insert submission", err)
	}

	d.Accepted = true
	d.Submission = &sub
	return d, nil
}

func (g *Gate) rejectDuplicate(ctx context.Context, tx store.Store, d *Decision, c *model.Submission) (*Decision, error) {
	if err := g.flagInto(ctx, tx, d, c.ActorID, model.FlagDuplicateFinding, "duplicate title"); err != nil {
		return nil, err
	}
	return g.reject(d, c, model.ReasonDuplicate), nil
}

func (g *Gate) reject(d *Decision, c *model.Submission, reason string) *Decision {
	d.Accepted = false
	d.Reason = reason
	d.Message = model.MessageNotAccepted
	g.logger.Info("submission rejected", "actor", c.ActorID, "target", c.Target, "reason", reason)
	return d
}

func (g *Gate) flagInto(ctx context.Context, tx store.Store, d *Decision, actorID string, kind model.SpamFlagType, reason string) error {
	flag, penalty, err := g.Flag(ctx, tx, actorID, kind, reason)
	if err != nil {
		return err
	}
	d.Flag, d.Penalty = flag, penalty
	return nil
}

// contentProblem returns the rejection reason for a malformed or spammy
// candidate, or "".
func (g *Gate) contentProblem(c *model.Submission) string {
	gp := g.policy.Gate
	titleLen := utf8.RuneCountInString(strings.TrimSpace(c.Title))
	descLen := utf8.RuneCountInString(strings.TrimSpace(c.Description))
	if titleLen < gp.MinTitle || titleLen > gp.MaxTitle || descLen < gp.MinDescription {
		return model.ReasonContentQuality
	}

	text := strings.ToLower(c.Title + "\n" + c.Description)
	for _, p := range g.spam {
		if strings.Contains(text, p) {
			return model.ReasonContentQuality
		}
	}

	if descLen < gp.GenericMaxDescription {
		desc := strings.ToLower(c.Description)
		matches := 0
		for _, p := range g.generic {
			if strings.Contains(desc, p) {
				matches++
			}
		}
		if matches >= gp.GenericMinMatches {
			return model.ReasonContentQuality
		}
	}

	if gp.RequirePoC && c.Severity.RequiresPoC() && !c.HasPoC {
		return model.ReasonPoCRequired
	}
	return ""
}
