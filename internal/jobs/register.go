package jobs

import (
	"context"

	"github.com/whiteclaws/clawpoints/internal/config"
	"github.com/whiteclaws/clawpoints/internal/engine"
)

type entry struct {
	name, spec string
	fn         func(context.Context) error
}

// Register schedules the standard engine jobs from cfg's cron specs.
// Season-scoped jobs run against the season current at each tick.
func Register(s *Scheduler, e *engine.Engine, cfg *config.Config) error {
	seasonal := func(fn func(context.Context, int) (*engine.JobReport, error)) func(context.Context) error {
		return func(ctx context.Context) error {
			_, err := fn(ctx, e.CurrentSeason())
			return err
		}
	}
	global := func(fn func(context.Context) (*engine.JobReport, error)) func(context.Context) error {
		return func(ctx context.Context) error {
			_, err := fn(ctx)
			return err
		}
	}

	entries := []entry{
		{engine.JobRecalculate, cfg.CronRecalculate, seasonal(e.RecalculateSeason)},
		{engine.JobDecay, cfg.CronDecay, seasonal(e.ApplyDecay)},
		{engine.JobRanks, cfg.CronRanks, seasonal(e.UpdateRanks)},
		{engine.JobPyramidScan, cfg.CronPyramidScan, global(e.RunPyramidScan)},
		{engine.JobClusterScan, cfg.CronClusterScan, global(e.RunClusterScan)},
	}
	if e.SnapshotsEnabled() {
		entries = append(entries, entry{engine.JobSnapshot, cfg.CronSnapshot, func(ctx context.Context) error {
			_, err := e.Snapshot(ctx, e.CurrentSeason())
			return err
		}})
	}

	for _, j := range entries {
		if err := s.Add(j.name, j.spec, j.fn); err != nil {
			return err
		}
	}
	return nil
}
