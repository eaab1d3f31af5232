// Package lease grants exclusive, time-boxed claims on named batch jobs so
// that one job kind never runs twice at once across processes.
package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/whiteclaws/clawpoints/internal/model"
	"github.com/whiteclaws/clawpoints/internal/store"
)

// ErrHeld is returned when another holder owns the lease.
var ErrHeld = errors.New("lease: held by another holder")

// Locker acquires named leases.
type Locker interface {
	// Acquire takes name for ttl. It is not reentrant: a second Acquire of
	// a held name fails with ErrHeld even from the same locker. The
	// returned release func gives it back early; an unreleased lease
	// simply expires.
	Acquire(ctx context.Context, name string, ttl time.Duration) (release func(context.Context) error, err error)
}

// Name is the lease key for a job, optionally scoped to a season.
func Name(job string, season int) string {
	if season <= 0 {
		return job
	}
	return fmt.Sprintf("%s:%d", job, season)
}

// NewHolder returns a process-unique holder identity.
func NewHolder() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s/%d/%s", host, os.Getpid(), uuid.NewString()[:8])
}

// token names one acquisition by holder, so a release only ever frees the
// claim it was returned for.
func token(holder string) string {
	return holder + "#" + uuid.NewString()[:8]
}

// Run holds name for the duration of fn. A held lease is reported as a
// ConflictError with the job_running code. A failed release is logged; the
// lease then stays blocked until its ttl passes.
func Run(ctx context.Context, l Locker, logger *slog.Logger, name string, ttl time.Duration, fn func(context.Context) error) error {
	release, err := l.Acquire(ctx, name, ttl)
	if errors.Is(err, ErrHeld) {
		return &model.Error{Category: model.CategoryConflict, Code: model.ReasonJobRunning, Message: name + " is already running", Err: err}
	}
	if err != nil {
		return model.StoreFailure("acquire lease", err)
	}
	defer func() {
		// Release with a fresh context so a canceled job still frees its lease.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := release(rctx); err != nil {
			logger.Warn("lease release failed", "lease", name, "ttl", ttl, "err", err)
		}
	}()
	return fn(ctx)
}

// StoreLocker keeps leases in the engine's store.
type StoreLocker struct {
	store  store.Store
	holder string
}

// NewStoreLocker returns a locker backed by the store's job_leases table.
func NewStoreLocker(s store.Store, holder string) *StoreLocker {
	return &StoreLocker{store: s, holder: holder}
}

// Acquire implements Locker.
func (l *StoreLocker) Acquire(ctx context.Context, name string, ttl time.Duration) (func(context.Context) error, error) {
	tok := token(l.holder)
	ok, err := l.store.AcquireLease(ctx, name, tok, ttl)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrHeld
	}
	return func(ctx context.Context) error {
		return l.store.ReleaseLease(ctx, name, tok)
	}, nil
}
