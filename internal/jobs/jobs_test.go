package jobs

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alitto/pond/v2"

	"github.com/whiteclaws/clawpoints/internal/config"
	"github.com/whiteclaws/clawpoints/internal/engine"
	"github.com/whiteclaws/clawpoints/internal/model"
	"github.com/whiteclaws/clawpoints/internal/store/memory"
)

// syncBuffer is a goroutine-safe log sink.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestAdd(t *testing.T) {
	s := New(slog.New(slog.NewTextHandler(io.Discard, nil)), time.Minute)

	if err := s.Add("disabled", "", func(context.Context) error { return nil }); err != nil {
		t.Errorf("empty spec: %v", err)
	}
	if err := s.Add("bad", "every now and then", func(context.Context) error { return nil }); err == nil {
		t.Error("expected an error for an invalid spec")
	}
	if err := s.Add("ranks", "0 */5 * * * *", func(context.Context) error { return nil }); err != nil {
		t.Errorf("valid spec: %v", err)
	}
	if got := s.Jobs(); !slices.Equal(got, []string{"ranks"}) {
		t.Errorf("Jobs() = %v, want [ranks]", got)
	}
}

func TestRun_LogsOutcome(t *testing.T) {
	var logs syncBuffer
	s := New(slog.New(slog.NewTextHandler(&logs, nil)), time.Minute)

	s.run("ok", func(context.Context) error { return nil })
	s.run("held", func(context.Context) error {
		return &model.Error{Category: model.CategoryConflict, Code: model.ReasonJobRunning}
	})
	s.run("broken", func(context.Context) error { return errors.New("boom") })

	out := logs.String()
	for _, want := range []string{
		"job finished", "job=ok",
		"job skipped, already running elsewhere", "job=held",
		"level=ERROR", "job=broken", "err=boom",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("log missing %q:\n%s", want, out)
		}
	}
}

func TestRun_AppliesTimeout(t *testing.T) {
	s := New(slog.New(slog.NewTextHandler(io.Discard, nil)), 10*time.Millisecond)
	var sawDeadline atomic.Bool
	s.run("slow", func(ctx context.Context) error {
		<-ctx.Done()
		sawDeadline.Store(errors.Is(ctx.Err(), context.DeadlineExceeded))
		return ctx.Err()
	})
	if !sawDeadline.Load() {
		t.Error("job context did not expire")
	}
}

func TestStartStop(t *testing.T) {
	s := New(slog.New(slog.NewTextHandler(io.Discard, nil)), time.Minute)
	ran := make(chan struct{}, 1)
	if err := s.Add("tick", "* * * * * *", func(context.Context) error {
		select {
		case ran <- struct{}{}:
		default:
		}
		return nil
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	s.Start()
	select {
	case <-ran:
	case <-time.After(3 * time.Second):
		t.Fatal("job never ran")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
}

func TestRegister(t *testing.T) {
	pool := pond.NewPool(2)
	t.Cleanup(pool.StopAndWait)
	e := engine.New(engine.Options{
		Store:  memory.New(),
		Policy: config.DefaultPolicy(),
		Pool:   pool,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	cfg := &config.Config{
		CronRecalculate: "0 */15 * * * *",
		CronDecay:       "0 0 3 * * *",
		CronRanks:       "0 */5 * * * *",
		CronClusterScan: "0 45 * * * *",
		CronSnapshot:    "0 0 * * * *",
	}

	s := New(slog.New(slog.NewTextHandler(io.Discard, nil)), time.Minute)
	if err := Register(s, e, cfg); err != nil {
		t.Fatalf("Register: %v", err)
	}
	// The pyramid scan has no spec and snapshots have no destination.
	want := []string{engine.JobRecalculate, engine.JobDecay, engine.JobRanks, engine.JobClusterScan}
	if got := s.Jobs(); !slices.Equal(got, want) {
		t.Errorf("Jobs() = %v, want %v", got, want)
	}
}
