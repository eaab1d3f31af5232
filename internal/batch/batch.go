// Package batch runs per-actor maintenance work on a shared worker pool.
package batch

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
)

// Result tallies one batch run.
type Result struct {
	Processed int           `json:"processed"`
	Failed    int           `json:"failed"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Run calls fn once per item on pool. A failing item is logged and counted;
// the rest of the batch continues. Run returns early only when ctx is done.
func Run[T any](ctx context.Context, pool pond.Pool, logger *slog.Logger, job string, items []T, key func(T) string, fn func(context.Context, T) error) (Result, error) {
	start := time.Now()
	var processed, failed atomic.Int64

	group := pool.NewGroupContext(ctx)
	groupCtx := group.Context()
	for _, item := range items {
		group.Submit(func() {
			if groupCtx.Err() != nil {
				return
			}
			if err := fn(groupCtx, item); err != nil {
				failed.Add(1)
				logger.Warn("batch item failed", "job", job, "item", key(item), "err", err)
				return
			}
			processed.Add(1)
		})
	}

	err := group.Wait()
	res := Result{
		Processed: int(processed.Load()),
		Failed:    int(failed.Load()),
		Elapsed:   time.Since(start),
	}
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		return res, err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, ctxErr
	}
	logger.Info("batch complete", "job", job, "processed", res.Processed, "failed", res.Failed, "elapsed", res.Elapsed)
	return res, nil
}
