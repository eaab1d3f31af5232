package scoring

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alitto/pond/v2"

	"github.com/whiteclaws/clawpoints/internal/config"
	"github.com/whiteclaws/clawpoints/internal/model"
	"github.com/whiteclaws/clawpoints/internal/store"
	"github.com/whiteclaws/clawpoints/internal/store/memory"
)

// clock is a settable test clock.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	store  *memory.Store
	clock  *clock
	ledger *Ledger
	agg    *Aggregator
}

func newFixture(t *testing.T, policy *config.Policy) *fixture {
	t.Helper()
	if policy == nil {
		policy = config.DefaultPolicy()
	}
	pool := pond.NewPool(4)
	t.Cleanup(pool.StopAndWait)

	st := memory.New()
	clk := &clock{t: policy.SeasonStart.Add(time.Hour)}
	ledger := NewLedger(policy)
	ledger.Now = clk.Now
	agg := NewAggregator(st, ledger, pool, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return &fixture{store: st, clock: clk, ledger: ledger, agg: agg}
}

func (f *fixture) append(t *testing.T, actor string, kind model.EventKind) error {
	t.Helper()
	return f.store.RunInTransaction(context.Background(), func(tx store.Store) error {
		_, err := f.ledger.Append(context.Background(), tx, actor, kind, nil)
		return err
	})
}

func (f *fixture) mustAppend(t *testing.T, actor string, kind model.EventKind) {
	t.Helper()
	if err := f.append(t, actor, kind); err != nil {
		t.Fatalf("append %s for %s: %v", kind, actor, err)
	}
}

func TestLedgerAppend_Cooldown(t *testing.T) {
	f := newFixture(t, nil)
	f.mustAppend(t, "alice", model.KindWeeklyActive)

	err := f.append(t, "alice", model.KindWeeklyActive)
	if code := model.CodeOf(err); code != model.ReasonCooldown {
		t.Fatalf("second weekly_active: code = %q (err %v), want cooldown", code, err)
	}

	// A new week reopens a once-per-week kind but not a once-per-season one.
	f.mustAppend(t, "alice", model.KindAgentRegistered)
	f.clock.Advance(week)
	f.mustAppend(t, "alice", model.KindWeeklyActive)
	if err := f.append(t, "alice", model.KindAgentRegistered); model.CodeOf(err) != model.ReasonCooldown {
		t.Fatalf("agent_registered again in season: err = %v, want cooldown", err)
	}

	// Cooldowns are per actor.
	f.mustAppend(t, "bob", model.KindAgentRegistered)
}

func TestLedgerAppend_WeeklyCap(t *testing.T) {
	policy, err := config.ParsePolicy("weekly_cap = 1005\n")
	if err != nil {
		t.Fatalf("ParsePolicy: %v", err)
	}
	f := newFixture(t, policy)

	f.mustAppend(t, "alice", model.KindFindingPaid)      // 1000
	f.mustAppend(t, "alice", model.KindFindingSubmitted) // 1005, at the cap

	err = f.append(t, "alice", model.KindEncryptedReport)
	if model.CodeOf(err) != model.ReasonWeeklyCap {
		t.Fatalf("over cap: err = %v, want weekly_cap", err)
	}
	if !model.IsRejection(err) {
		t.Errorf("weekly cap should be a policy rejection, got category %v", model.CategoryOf(err))
	}

	// Penalties always land.
	f.mustAppend(t, "alice", model.KindFindingRejected)

	total, err := f.store.WeeklyPositiveTotal(context.Background(), "alice", f.ledger.CurrentWeek())
	if err != nil {
		t.Fatalf("WeeklyPositiveTotal: %v", err)
	}
	if total != 1005 {
		t.Errorf("weekly total = %d, want 1005", total)
	}

	f.clock.Advance(week)
	f.mustAppend(t, "alice", model.KindEncryptedReport)
}

func TestLedgerAppend_SeasonClosed(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	if err := f.store.UpsertSeason(ctx, &model.Season{Number: 1, Status: model.SeasonFrozen}); err != nil {
		t.Fatalf("UpsertSeason: %v", err)
	}
	err := f.append(t, "alice", model.KindFindingAccepted)
	if model.CodeOf(err) != model.ReasonSeasonClosed {
		t.Fatalf("err = %v, want season_closed", err)
	}
}

func TestLedgerAppend_RejectsInternalKinds(t *testing.T) {
	f := newFixture(t, nil)
	err := f.append(t, "alice", model.KindReferralBonus)
	if model.CategoryOf(err) != model.CategoryValidation {
		t.Fatalf("err = %v, want validation error", err)
	}
}

func TestLedgerAward(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	award := func() error {
		return f.store.RunInTransaction(ctx, func(tx store.Store) error {
			_, err := f.ledger.Award(ctx, tx, "alice", model.KindStreakBonus, 50, "once", nil)
			return err
		})
	}
	if err := award(); err != nil {
		t.Fatalf("first award: %v", err)
	}
	if err := award(); model.CodeOf(err) != model.ReasonCooldown {
		t.Fatalf("repeat award: err = %v, want cooldown", err)
	}
	if _, err := f.ledger.Award(ctx, f.store, "alice", model.KindFindingAccepted, 10, "", nil); err == nil {
		t.Fatal("award of a fixed-point kind should fail")
	}
}

func TestRecompute(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.mustAppend(t, "alice", model.KindFindingAccepted) // security 500
	f.mustAppend(t, "alice", model.KindBountyFunded)    // growth 500
	f.mustAppend(t, "alice", model.KindFindingRejected) // penalty 25

	first, err := f.agg.RecomputeActor(ctx, "alice", 1)
	if err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	if first.SecurityPoints != 500 || first.GrowthPoints != 500 || first.PenaltyPoints != 25 {
		t.Errorf("subtotals = %d/%d/%d, want 500/500/25", first.SecurityPoints, first.GrowthPoints, first.PenaltyPoints)
	}
	// 0.6*500 + 0.2*500 - 25
	if first.BaseScore != 375 || first.TotalScore != 375 {
		t.Errorf("base/total = %v/%v, want 375/375", first.BaseScore, first.TotalScore)
	}
	if first.LastActiveAt == nil || first.StreakWeeks != 1 {
		t.Errorf("last active %v, streak %d; want set and 1", first.LastActiveAt, first.StreakWeeks)
	}

	second, err := f.agg.RecomputeActor(ctx, "alice", 1)
	if err != nil {
		t.Fatalf("second Recompute: %v", err)
	}
	stored, err := f.store.GetScore(ctx, "alice", 1)
	if err != nil {
		t.Fatalf("GetScore: %v", err)
	}
	for _, got := range []*model.ContributionScore{second, stored} {
		if got.BaseScore != first.BaseScore || got.TotalScore != first.TotalScore ||
			got.SecurityPoints != first.SecurityPoints || got.StreakWeeks != first.StreakWeeks ||
			!got.LastActiveAt.Equal(*first.LastActiveAt) {
			t.Errorf("recompute not idempotent: %+v vs %+v", got, first)
		}
	}
}

func TestRecompute_NeverNegative(t *testing.T) {
	f := newFixture(t, nil)
	f.mustAppend(t, "mallory", model.KindFindingSubmitted)
	f.mustAppend(t, "mallory", model.KindSpamSubmission)
	f.mustAppend(t, "mallory", model.KindSybilDetected)

	sc, err := f.agg.RecomputeActor(context.Background(), "mallory", 1)
	if err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	if sc.BaseScore != 0 || sc.TotalScore != 0 {
		t.Errorf("base/total = %v/%v, want 0/0", sc.BaseScore, sc.TotalScore)
	}
	if sc.PenaltyPoints != 600 || sc.SecurityPoints != 5 {
		t.Errorf("penalty %d security %d, want 600 and 5", sc.PenaltyPoints, sc.SecurityPoints)
	}
}

func TestRecompute_AppliesSybilMultiplier(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.mustAppend(t, "sybil", model.KindFindingAccepted)
	if err := f.store.SetSybilMultiplier(ctx, "sybil", 1, 0.1); err != nil {
		t.Fatalf("SetSybilMultiplier: %v", err)
	}
	sc, err := f.agg.RecomputeActor(ctx, "sybil", 1)
	if err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	if sc.BaseScore != 30 || sc.SybilMultiplier != 0.1 {
		t.Errorf("base %v multiplier %v, want 30 and 0.1", sc.BaseScore, sc.SybilMultiplier)
	}
}

func TestStreak(t *testing.T) {
	sw := func(s, w int) model.SeasonWeek { return model.SeasonWeek{Season: s, Week: w} }
	tests := []struct {
		name    string
		active  []model.SeasonWeek
		current model.SeasonWeek
		want    int
	}{
		{"None", nil, sw(1, 3), 0},
		{"CurrentOnly", []model.SeasonWeek{sw(1, 3)}, sw(1, 3), 1},
		{"CurrentInactive", []model.SeasonWeek{sw(1, 2), sw(1, 1)}, sw(1, 3), 0},
		{"Gap", []model.SeasonWeek{sw(1, 5), sw(1, 4), sw(1, 2)}, sw(1, 5), 2},
		{"AcrossSeasons", []model.SeasonWeek{sw(2, 1), sw(1, 12), sw(1, 11)}, sw(2, 1), 3},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Streak(tc.active, tc.current, 12); got != tc.want {
				t.Errorf("Streak = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestCheckAndAwardStreak_AtMostOnce(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	for i := range 4 {
		if i > 0 {
			f.clock.Advance(week)
		}
		f.mustAppend(t, "alice", model.KindWeeklyActive)
	}

	var awarded atomic.Int32
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := f.store.RunInTransaction(ctx, func(tx store.Store) error {
				ev, err := f.agg.CheckAndAwardStreak(ctx, tx, "alice")
				if ev != nil {
					awarded.Add(1)
				}
				return err
			})
			if err != nil {
				t.Errorf("CheckAndAwardStreak: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := awarded.Load(); n != 1 {
		t.Fatalf("awarded %d times, want 1", n)
	}
	counts, err := f.store.CountEventsByKind(ctx, []string{"alice"}, []model.EventKind{model.KindStreakBonus})
	if err != nil {
		t.Fatalf("CountEventsByKind: %v", err)
	}
	if counts[model.KindStreakBonus] != 1 {
		t.Errorf("streak_bonus events = %d, want 1", counts[model.KindStreakBonus])
	}

	sc, err := f.agg.RecomputeActor(ctx, "alice", 1)
	if err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	// 4 weekly_active (2 each) plus the 50-point award.
	if sc.EngagementPoints != 58 || sc.StreakWeeks != 4 {
		t.Errorf("engagement %d streak %d, want 58 and 4", sc.EngagementPoints, sc.StreakWeeks)
	}
}

func TestCheckAndAwardStreak_BelowMilestone(t *testing.T) {
	f := newFixture(t, nil)
	f.mustAppend(t, "alice", model.KindWeeklyActive)
	ev, err := f.agg.CheckAndAwardStreak(context.Background(), f.store, "alice")
	if err != nil || ev != nil {
		t.Fatalf("CheckAndAwardStreak = %v, %v; want nil, nil", ev, err)
	}
}

// securityOnly weights the security tier fully so base equals raw points.
func securityOnly(t *testing.T) *config.Policy {
	t.Helper()
	p, err := config.ParsePolicy(`
[tier_weights]
security = 1.0
growth = 0.0
engagement = 0.0
social = 0.0
`)
	if err != nil {
		t.Fatalf("ParsePolicy: %v", err)
	}
	return p
}

func TestDecay_TenWeeksInactive(t *testing.T) {
	f := newFixture(t, securityOnly(t))
	ctx := context.Background()

	f.mustAppend(t, "alice", model.KindFindingPaid)
	if _, err := f.agg.RecomputeActor(ctx, "alice", 1); err != nil {
		t.Fatalf("Recompute: %v", err)
	}

	f.clock.Advance(10 * week)
	res, err := f.agg.ApplySeasonDecay(ctx, 1)
	if err != nil {
		t.Fatalf("ApplySeasonDecay: %v", err)
	}
	if res.Failed != 0 {
		t.Fatalf("decay failures: %+v", res)
	}
	assertTotal(t, f, "alice", 850)

	// Same cycle: no-op.
	if _, err := f.agg.ApplySeasonDecay(ctx, 1); err != nil {
		t.Fatalf("ApplySeasonDecay again: %v", err)
	}
	assertTotal(t, f, "alice", 850)

	// Next cycle, same bracket: derived from base, never 722.5.
	f.clock.Advance(week)
	if _, err := f.agg.ApplySeasonDecay(ctx, 1); err != nil {
		t.Fatalf("ApplySeasonDecay next cycle: %v", err)
	}
	assertTotal(t, f, "alice", 850)

	// Recompute keeps a decay that postdates the last activity.
	if _, err := f.agg.RecomputeActor(ctx, "alice", 1); err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	assertTotal(t, f, "alice", 850)

	// New activity lifts the decay.
	f.clock.Advance(time.Hour)
	f.mustAppend(t, "alice", model.KindFindingSubmitted)
	if _, err := f.agg.RecomputeActor(ctx, "alice", 1); err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	assertTotal(t, f, "alice", 1005)
}

func TestDecay_GracePeriod(t *testing.T) {
	f := newFixture(t, securityOnly(t))
	ctx := context.Background()
	f.mustAppend(t, "alice", model.KindFindingPaid)
	if _, err := f.agg.RecomputeActor(ctx, "alice", 1); err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	f.clock.Advance(2 * week)
	if _, err := f.agg.ApplySeasonDecay(ctx, 1); err != nil {
		t.Fatalf("ApplySeasonDecay: %v", err)
	}
	assertTotal(t, f, "alice", 1000)
}

func assertTotal(t *testing.T, f *fixture, actor string, want float64) {
	t.Helper()
	sc, err := f.store.GetScore(context.Background(), actor, 1)
	if err != nil {
		t.Fatalf("GetScore(%s): %v", actor, err)
	}
	if sc.TotalScore != want {
		t.Errorf("%s total = %v, want %v", actor, sc.TotalScore, want)
	}
}

func TestInactiveWeeks(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		now  time.Time
		want int
	}{
		{base, 0},
		{base.Add(6 * 24 * time.Hour), 0},
		{base.Add(week), 1},
		{base.Add(10*week + time.Hour), 10},
		{base.Add(-time.Hour), 0},
	}
	for _, tc := range tests {
		if got := InactiveWeeks(base, tc.now); got != tc.want {
			t.Errorf("InactiveWeeks(%v) = %d, want %d", tc.now.Sub(base), got, tc.want)
		}
	}
}

func TestUpdateRanks(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.mustAppend(t, "carol", model.KindFindingSubmitted)
	f.mustAppend(t, "alice", model.KindFindingAccepted)
	f.mustAppend(t, "bob", model.KindFindingAccepted)
	f.mustAppend(t, "bob", model.KindFindingSubmitted)

	res, err := f.agg.RecalculateSeason(ctx, 1)
	if err != nil {
		t.Fatalf("RecalculateSeason: %v", err)
	}
	if res.Processed != 3 {
		t.Fatalf("processed %d, want 3", res.Processed)
	}

	n, err := f.agg.UpdateRanks(ctx, 1)
	if err != nil {
		t.Fatalf("UpdateRanks: %v", err)
	}
	if n != 3 {
		t.Fatalf("ranked %d, want 3", n)
	}
	want := map[string]int{"bob": 1, "alice": 2, "carol": 3}
	for actor, rank := range want {
		sc, err := f.store.GetScore(ctx, actor, 1)
		if err != nil {
			t.Fatalf("GetScore(%s): %v", actor, err)
		}
		if sc.Rank == nil || *sc.Rank != rank {
			t.Errorf("%s rank = %v, want %d", actor, sc.Rank, rank)
		}
	}

	// Recompute leaves the published rank alone.
	sc, err := f.agg.RecomputeActor(ctx, "carol", 1)
	if err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	if sc.Rank == nil || *sc.Rank != 3 {
		t.Errorf("carol rank after recompute = %v, want 3", sc.Rank)
	}
}

func TestAssignRanks_Gapless(t *testing.T) {
	scores := []*model.ContributionScore{{ActorID: "a", TotalScore: 10}, {ActorID: "b", TotalScore: 10}, {ActorID: "c"}}
	ranks := AssignRanks(scores)
	for i, r := range ranks {
		if r.Rank != i+1 {
			t.Errorf("ranks[%d] = %d, want %d", i, r.Rank, i+1)
		}
	}
}
