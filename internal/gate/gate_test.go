package gate

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/whiteclaws/clawpoints/internal/config"
	"github.com/whiteclaws/clawpoints/internal/model"
	"github.com/whiteclaws/clawpoints/internal/scoring"
	"github.com/whiteclaws/clawpoints/internal/store"
	"github.com/whiteclaws/clawpoints/internal/store/memory"
)

const goodDescription = "Withdraw updates the balance after the external call, so a malicious receiver can re-enter and drain the vault."

type fixture struct {
	store  *memory.Store
	ledger *scoring.Ledger
	gate   *Gate

	mu  sync.Mutex
	now time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	policy := config.DefaultPolicy()
	f := &fixture{store: memory.New(), now: policy.SeasonStart.Add(time.Hour)}
	f.ledger = scoring.NewLedger(policy)
	f.ledger.Now = func() time.Time {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.now
	}
	f.gate = New(f.ledger, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return f
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func candidate(actor, target, title string) *model.Submission {
	return &model.Submission{
		ActorID:     actor,
		Target:      target,
		Title:       title,
		Description: goodDescription,
		Severity:    model.SeverityMedium,
	}
}

func (f *fixture) admit(t *testing.T, c *model.Submission) *Decision {
	t.Helper()
	var d *Decision
	err := f.store.RunInTransaction(context.Background(), func(tx store.Store) error {
		var err error
		d, err = f.gate.Admit(context.Background(), tx, c)
		return err
	})
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	return d
}

func TestAdmit_Accepts(t *testing.T) {
	f := newFixture(t)
	d := f.admit(t, candidate("alice", "vault", "Reentrancy in Vault.withdraw"))
	if !d.Accepted {
		t.Fatalf("decision = %+v, want accepted", d)
	}
	if d.Submission == nil || d.Submission.NormalizedTitle != "reentrancy in vaultwithdraw" {
		t.Errorf("submission = %+v", d.Submission)
	}
	if d.Trust.Level != model.TrustNew || d.Trust.Verification != "full" {
		t.Errorf("trust = %+v, want new/full", d.Trust)
	}
	if d.Err() != nil {
		t.Errorf("Err() = %v, want nil", d.Err())
	}
}

func TestAdmit_RateLimit(t *testing.T) {
	f := newFixture(t)
	for i := range 5 {
		d := f.admit(t, candidate("eve", fmt.Sprintf("target-%d", i), fmt.Sprintf("Overflow in module number %d", i)))
		if !d.Accepted {
			t.Fatalf("submission %d rejected: %s", i+1, d.Reason)
		}
		f.advance(5 * time.Minute)
	}

	d := f.admit(t, candidate("eve", "target-6", "Overflow in module number 6"))
	if d.Accepted || d.Reason != model.ReasonRateLimit {
		t.Fatalf("sixth submission: %+v, want rate_limit", d)
	}
	if d.Message != model.MessageNotAccepted {
		t.Errorf("message = %q, want the generic message", d.Message)
	}
	if d.Flag == nil || d.Flag.Type != model.FlagRateLimitHit {
		t.Fatalf("flag = %+v, want rate_limit_hit", d.Flag)
	}
	if d.Penalty == nil || d.Penalty.Kind != model.KindRateLimitPenalty || d.Penalty.Points != -50 {
		t.Errorf("penalty = %+v, want rate_limit_penalty -50", d.Penalty)
	}

	ctx := context.Background()
	if n, _ := f.store.CountSpamFlags(ctx, "eve", ""); n != 1 {
		t.Errorf("spam flags = %d, want 1", n)
	}

	// The window slides; an hour after the first, admission resumes.
	f.advance(40 * time.Minute)
	if d := f.admit(t, candidate("eve", "target-7", "Overflow in module number 7")); !d.Accepted {
		t.Errorf("after window: %+v, want accepted", d)
	}
}

func TestAdmit_Ban(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.store.InsertSpamFlag(ctx, &model.SpamFlag{ID: "f1", ActorID: "mallory", Type: model.FlagSybilCluster, Severity: model.SpamBan}); err != nil {
		t.Fatalf("InsertSpamFlag: %v", err)
	}
	d := f.admit(t, candidate("mallory", "vault", "Reentrancy in Vault.withdraw"))
	if d.Accepted || d.Reason != model.ReasonAccountSuspended {
		t.Fatalf("decision = %+v, want account_suspended", d)
	}
	if model.CodeOf(d.Err()) != model.ReasonAccountSuspended || !model.IsRejection(d.Err()) {
		t.Errorf("Err() = %v", d.Err())
	}
}

func TestAdmit_Content(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*model.Submission)
		reason string
	}{
		{"ShortTitle", func(s *model.Submission) { s.Title = "Bug" }, model.ReasonContentQuality},
		{"LongTitle", func(s *model.Submission) { s.Title = strings.Repeat("x", 201) }, model.ReasonContentQuality},
		{"ShortDescription", func(s *model.Submission) { s.Description = "too short" }, model.ReasonContentQuality},
		{"SpamPattern", func(s *model.Submission) { s.Description = goodDescription + " Click HERE for more." }, model.ReasonContentQuality},
		{"Generic", func(s *model.Submission) {
			s.Description = "I found a bug, there is a vulnerability in your contract, please check it soon."
		}, model.ReasonContentQuality},
		{"CriticalWithoutPoC", func(s *model.Submission) { s.Severity = model.SeverityCritical }, model.ReasonPoCRequired},
		{"CriticalWithPoC", func(s *model.Submission) { s.Severity = model.SeverityCritical; s.HasPoC = true }, ""},
		{"LongGenericIsFine", func(s *model.Submission) {
			s.Description = goodDescription + " This is a security issue and it needs fixing. " + goodDescription
		}, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			c := candidate("alice", "vault", "Reentrancy in Vault.withdraw")
			tc.mutate(c)
			d := f.admit(t, c)
			if tc.reason == "" {
				if !d.Accepted {
					t.Fatalf("rejected with %q, want accepted", d.Reason)
				}
				return
			}
			if d.Accepted || d.Reason != tc.reason {
				t.Fatalf("decision = accepted %v reason %q, want %q", d.Accepted, d.Reason, tc.reason)
			}
			if d.Flag != nil {
				t.Errorf("content rejection raised flag %+v", d.Flag)
			}
		})
	}
}

func TestAdmit_Duplicate(t *testing.T) {
	f := newFixture(t)
	if d := f.admit(t, candidate("alice", "vault", "Reentrancy in Vault.withdraw")); !d.Accepted {
		t.Fatalf("first: %+v", d)
	}
	f.advance(time.Hour)
	d := f.admit(t, candidate("alice", "router", "  reentrancy in VAULT.withdraw!! "))
	if d.Accepted || d.Reason != model.ReasonDuplicate {
		t.Fatalf("decision = %+v, want duplicate", d)
	}
	if d.Flag == nil || d.Flag.Type != model.FlagDuplicateFinding || d.Flag.Severity != model.SpamWarning {
		t.Errorf("flag = %+v, want duplicate_finding warning", d.Flag)
	}
	if d.Penalty == nil || d.Penalty.Kind != model.KindFindingDuplicate {
		t.Errorf("penalty = %+v, want finding_duplicate", d.Penalty)
	}

	// Another actor may use the same title.
	if d := f.admit(t, candidate("bob", "vault", "Reentrancy in Vault.withdraw")); !d.Accepted {
		t.Errorf("bob: %+v, want accepted", d)
	}
}

func TestAdmit_TargetCooldown(t *testing.T) {
	f := newFixture(t)
	f.admit(t, candidate("alice", "vault", "Reentrancy in Vault.withdraw"))
	f.advance(23 * time.Hour)
	if d := f.admit(t, candidate("alice", "vault", "Unchecked return in Vault.deposit")); d.Reason != model.ReasonTargetCooldown {
		t.Fatalf("decision = %+v, want target_cooldown", d)
	}
	f.advance(2 * time.Hour)
	if d := f.admit(t, candidate("alice", "vault", "Unchecked return in Vault.deposit")); !d.Accepted {
		t.Fatalf("after cooldown: %+v, want accepted", d)
	}
}

func TestAdmit_Validation(t *testing.T) {
	f := newFixture(t)
	err := f.store.RunInTransaction(context.Background(), func(tx store.Store) error {
		_, err := f.gate.Admit(context.Background(), tx, &model.Submission{ActorID: "alice", Severity: "bogus"})
		return err
	})
	if model.CategoryOf(err) != model.CategoryValidation {
		t.Fatalf("err = %v, want validation error", err)
	}
}

func TestFlag_SeverityEscalates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	want := []model.SpamSeverity{
		model.SpamWarning, model.SpamWarning,
		model.SpamStrike, model.SpamStrike, model.SpamStrike,
		model.SpamBan,
	}
	for i, sev := range want {
		flag, _, err := f.gate.Flag(ctx, f.store, "mallory", model.FlagLowQuality, "")
		if err != nil {
			t.Fatalf("Flag %d: %v", i, err)
		}
		if flag.Severity != sev {
			t.Errorf("flag %d severity = %s, want %s", i, flag.Severity, sev)
		}
	}
}

func TestTrustFor(t *testing.T) {
	tests := []struct {
		submitted, accepted int
		want                model.TrustLevel
	}{
		{0, 0, model.TrustNew},
		{2, 0, model.TrustNew},
		{3, 0, model.TrustDeveloping},
		{6, 3, model.TrustTrusted},
		{7, 3, model.TrustDeveloping},
		{14, 10, model.TrustExpert},
		{15, 10, model.TrustTrusted},
	}
	for _, tc := range tests {
		got := TrustFor("a", tc.submitted, tc.accepted)
		if got.Level != tc.want {
			t.Errorf("TrustFor(%d, %d) = %s, want %s", tc.submitted, tc.accepted, got.Level, tc.want)
		}
	}
}
