// Package jobs schedules the periodic batch jobs on cron specs.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/whiteclaws/clawpoints/internal/model"
)

// Scheduler runs named jobs on six-field (seconds first) cron specs. Each
// run is bounded by a timeout and a run still in progress suppresses the
// next tick.
type Scheduler struct {
	cron    *cron.Cron
	timeout time.Duration
	logger  *slog.Logger
	names   []string

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a stopped scheduler.
func New(logger *slog.Logger, timeout time.Duration) *Scheduler {
	cl := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelWarn))
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:    cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		timeout: timeout,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Add schedules fn under name. An empty spec leaves the job disabled.
func (s *Scheduler) Add(name, spec string, fn func(context.Context) error) error {
	if spec == "" {
		s.logger.Info("job disabled", "job", name)
		return nil
	}
	if _, err := s.cron.AddFunc(spec, func() { s.run(name, fn) }); err != nil {
		return fmt.Errorf("schedule %s %q: %w", name, spec, err)
	}
	s.names = append(s.names, name)
	return nil
}

// Jobs returns the names of the scheduled jobs.
func (s *Scheduler) Jobs() []string { return s.names }

func (s *Scheduler) run(name string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	switch {
	case err == nil:
		s.logger.Info("job finished", "job", name, "elapsed", time.Since(start))
	case model.CodeOf(err) == model.ReasonJobRunning:
		s.logger.Info("job skipped, already running elsewhere", "job", name)
	default:
		s.logger.Error("job failed", "job", name, "elapsed", time.Since(start), "err", err)
	}
}

// Start begins firing scheduled jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("job scheduler started", "jobs", s.names)
}

// Stop stops scheduling, cancels running jobs and waits for them to
// return or for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) {
	stopped := s.cron.Stop()
	s.cancel()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
		s.logger.Warn("job scheduler stop timed out")
	}
}
