// Package engine is the facade over the ledger, gate, referral graph and
// analyzers. It owns transactions, retries a conflicted admission once and
// publishes notifications after commit.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/alitto/pond/v2"

	"github.com/whiteclaws/clawpoints/internal/config"
	"github.com/whiteclaws/clawpoints/internal/events"
	"github.com/whiteclaws/clawpoints/internal/fraud"
	"github.com/whiteclaws/clawpoints/internal/gate"
	"github.com/whiteclaws/clawpoints/internal/lease"
	"github.com/whiteclaws/clawpoints/internal/metrics"
	"github.com/whiteclaws/clawpoints/internal/model"
	"github.com/whiteclaws/clawpoints/internal/referral"
	"github.com/whiteclaws/clawpoints/internal/scoring"
	"github.com/whiteclaws/clawpoints/internal/snapshot"
	"github.com/whiteclaws/clawpoints/internal/store"
)

// DefaultLeaseTTL bounds how long a crashed job can hold its lease.
const DefaultLeaseTTL = 15 * time.Minute

// Options wires an Engine. Store, Policy and Pool are required.
type Options struct {
	Store     store.Store
	Policy    *config.Policy
	Pool      pond.Pool
	Locker    lease.Locker       // default: leases in Store
	Publisher events.Publisher   // default: no notifications
	Snapshots *snapshot.Exporter // default: snapshots disabled
	Logger    *slog.Logger
	Now       func() time.Time
	LeaseTTL  time.Duration
}

// Engine implements every ingestion, query and admin operation.
type Engine struct {
	store     store.Store
	policy    *config.Policy
	ledger    *scoring.Ledger
	agg       *scoring.Aggregator
	graph     *referral.Graph
	gate      *gate.Gate
	fraud     *fraud.Analyzer
	locker    lease.Locker
	publisher events.Publisher
	snapshots *snapshot.Exporter
	logger    *slog.Logger
	leaseTTL  time.Duration
}

// New builds an engine from opts.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ledger := scoring.NewLedger(opts.Policy)
	if opts.Now != nil {
		ledger.Now = opts.Now
	}
	agg := scoring.NewAggregator(opts.Store, ledger, opts.Pool, logger.With("component", "scoring"))
	analyzer := fraud.NewAnalyzer(opts.Store, ledger, agg, opts.Pool, logger.With("component", "fraud"))

	e := &Engine{
		store:     opts.Store,
		policy:    opts.Policy,
		ledger:    ledger,
		agg:       agg,
		graph:     referral.NewGraph(ledger, analyzer, logger.With("component", "referral")),
		gate:      gate.New(ledger, logger.With("component", "gate")),
		fraud:     analyzer,
		locker:    opts.Locker,
		publisher: opts.Publisher,
		snapshots: opts.Snapshots,
		logger:    logger,
		leaseTTL:  opts.LeaseTTL,
	}
	if e.locker == nil {
		e.locker = lease.NewStoreLocker(opts.Store, lease.NewHolder())
	}
	if e.publisher == nil {
		e.publisher = &events.NoopPublisher{}
	}
	if e.snapshots == nil {
		e.snapshots = snapshot.NewExporter(opts.Store, nil, logger)
	}
	if e.leaseTTL <= 0 {
		e.leaseTTL = DefaultLeaseTTL
	}
	return e
}

// Policy returns the scoring policy in force.
func (e *Engine) Policy() *config.Policy { return e.policy }

// CurrentSeason returns the season containing the engine clock.
func (e *Engine) CurrentSeason() int { return e.ledger.CurrentWeek().Season }

func (e *Engine) now() time.Time { return e.ledger.Now().UTC() }

// inTx runs fn in a transaction and repeats it once after a ConflictError.
func (e *Engine) inTx(ctx context.Context, op string, fn func(tx store.Store) error) error {
	err := classifyTx(op, e.store.RunInTransaction(ctx, fn))
	if model.CategoryOf(err) != model.CategoryConflict {
		return err
	}
	metrics.ConflictRetries.Inc()
	e.logger.Warn("retrying after conflict", "op", op, "err", err)
	return classifyTx(op, e.store.RunInTransaction(ctx, fn))
}

// classifyTx maps errors escaping a transaction onto the taxonomy. A
// unique violation nobody handled is a lost race, so it counts as a conflict.
func classifyTx(op string, err error) error {
	if errors.Is(err, store.ErrDuplicate) {
		return model.Conflict(op, err)
	}
	return store.Classify(op, err)
}

// publish is fire-and-forget: failures are logged, never returned.
func (e *Engine) publish(ctx context.Context, topic string, event any) {
	if err := e.publisher.Publish(ctx, topic, event); err != nil {
		e.logger.Warn("publish failed", "topic", topic, "err", err)
	}
}
