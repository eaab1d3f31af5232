package engine

import (
	"context"
	"errors"
	"time"

	"github.com/whiteclaws/clawpoints/internal/batch"
	"github.com/whiteclaws/clawpoints/internal/events"
	"github.com/whiteclaws/clawpoints/internal/lease"
	"github.com/whiteclaws/clawpoints/internal/metrics"
	"github.com/whiteclaws/clawpoints/internal/model"
	"github.com/whiteclaws/clawpoints/internal/snapshot"
	"github.com/whiteclaws/clawpoints/internal/store"
)

// Job kinds, also used as lease names.
const (
	JobRecalculate = "recalculate"
	JobDecay       = "decay"
	JobRanks       = "ranks"
	JobPyramidScan = "pyramid-scan"
	JobClusterScan = "cluster-scan"
	JobSnapshot    = "snapshot"
)

// JobReport is the outcome of one admin batch job.
type JobReport struct {
	Job    string `json:"job"`
	Season int    `json:"season,omitempty"`
	batch.Result
}

// runJob holds the (job, season) lease for fn and records the outcome.
func (e *Engine) runJob(ctx context.Context, job string, season int, fn func(context.Context) (batch.Result, error)) (*JobReport, error) {
	report := &JobReport{Job: job, Season: season}
	start := time.Now()
	err := lease.Run(ctx, e.locker, e.logger, lease.Name(job, season), e.leaseTTL, func(ctx context.Context) error {
		res, err := fn(ctx)
		report.Result = res
		return err
	})
	if err != nil {
		return nil, err
	}
	if report.Elapsed == 0 {
		report.Elapsed = time.Since(start)
	}

	metrics.JobDuration.WithLabelValues(job).Observe(report.Elapsed.Seconds())
	metrics.JobItemsFailed.WithLabelValues(job).Add(float64(report.Failed))
	e.publish(ctx, events.TopicJobCompleted, events.JobCompleted{
		Job:       job,
		Season:    season,
		Processed: report.Processed,
		Failed:    report.Failed,
		Seconds:   report.Elapsed.Seconds(),
	})
	return report, nil
}

// RecalculateSeason recomputes every actor with events in season.
func (e *Engine) RecalculateSeason(ctx context.Context, season int) (*JobReport, error) {
	season, err := e.seasonOrCurrent(season)
	if err != nil {
		return nil, err
	}
	return e.runJob(ctx, JobRecalculate, season, func(ctx context.Context) (batch.Result, error) {
		return e.agg.RecalculateSeason(ctx, season)
	})
}

// ApplyDecay runs the inactivity decay cycle for season.
func (e *Engine) ApplyDecay(ctx context.Context, season int) (*JobReport, error) {
	season, err := e.seasonOrCurrent(season)
	if err != nil {
		return nil, err
	}
	return e.runJob(ctx, JobDecay, season, func(ctx context.Context) (batch.Result, error) {
		return e.agg.ApplySeasonDecay(ctx, season)
	})
}

// UpdateRanks publishes the season ranking.
func (e *Engine) UpdateRanks(ctx context.Context, season int) (*JobReport, error) {
	season, err := e.seasonOrCurrent(season)
	if err != nil {
		return nil, err
	}
	return e.runJob(ctx, JobRanks, season, func(ctx context.Context) (batch.Result, error) {
		start := time.Now()
		n, err := e.agg.UpdateRanks(ctx, season)
		return batch.Result{Processed: n, Elapsed: time.Since(start)}, err
	})
}

// RunPyramidScan scores every referrer with a large enough downline.
func (e *Engine) RunPyramidScan(ctx context.Context) (*JobReport, error) {
	return e.runJob(ctx, JobPyramidScan, 0, e.fraud.RunPyramidScan)
}

// RunClusterScan regroups participants into registration clusters.
func (e *Engine) RunClusterScan(ctx context.Context) (*JobReport, error) {
	return e.runJob(ctx, JobClusterScan, 0, e.fraud.RunClusterScan)
}

// ReviewRiskFlag records a reviewer decision. The latest review wins.
func (e *Engine) ReviewRiskFlag(ctx context.Context, actorID, decision string) (*model.RiskFlag, error) {
	flag, err := e.fraud.Review(ctx, actorID, decision)
	if err != nil {
		return nil, err
	}
	e.publish(ctx, events.TopicRiskFlagged, events.RiskFlagged{Flag: flag})
	return flag, nil
}

// SetSeasonStatus moves season through its lifecycle. Only an active
// season admits new events.
func (e *Engine) SetSeasonStatus(ctx context.Context, season int, status model.SeasonStatus) (*model.Season, error) {
	season, err := e.seasonOrCurrent(season)
	if err != nil {
		return nil, err
	}
	if !status.IsValid() {
		return nil, model.Invalid("status", "unknown season status "+string(status))
	}
	start, end := e.policy.SeasonBounds(season)
	s := &model.Season{Number: season, Status: status, StartsAt: start, EndsAt: end, UpdatedAt: e.now()}
	if err := e.store.UpsertSeason(ctx, s); err != nil {
		return nil, store.Classify("upsert season", err)
	}
	e.logger.Info("season status changed", "season", season, "status", status)
	e.publish(ctx, events.TopicSeasonUpdated, events.SeasonUpdated{Season: s})
	return s, nil
}

// Snapshot exports the season leaderboard to the configured destinations.
func (e *Engine) Snapshot(ctx context.Context, season int) (*snapshot.Result, error) {
	season, err := e.seasonOrCurrent(season)
	if err != nil {
		return nil, err
	}
	if !e.snapshots.Enabled() {
		return nil, model.Reject("snapshot_disabled", "no snapshot destination configured")
	}
	var out *snapshot.Result
	_, err = e.runJob(ctx, JobSnapshot, season, func(ctx context.Context) (batch.Result, error) {
		start := time.Now()
		res, err := e.snapshots.Export(ctx, season, e.now())
		out = res
		if res == nil {
			return batch.Result{Elapsed: time.Since(start)}, err
		}
		return batch.Result{Processed: res.Scores, Elapsed: time.Since(start)}, err
	})
	var me *model.Error
	if err != nil && !errors.As(err, &me) {
		return nil, model.StoreFailure("export snapshot", err)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SnapshotsEnabled reports whether a snapshot destination is configured.
func (e *Engine) SnapshotsEnabled() bool { return e.snapshots.Enabled() }
