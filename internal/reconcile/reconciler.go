// Package reconcile retries unresolved counterparty names in the background,
// working through the pending backlog in small batches so interactive runs
// and registry rate limits are never starved.
package reconcile

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/opencivic/spendmatch/internal/matcher"
	"github.com/opencivic/spendmatch/internal/model"
	"github.com/opencivic/spendmatch/internal/registry"
)

// Lister is the slice of the store the reconciler reads batches from.
type Lister interface {
	PendingCounterparties(ctx context.Context, kind model.CounterpartyKind, limit int) ([]model.RawCounterparty, error)
}

// Resolver matches one counterparty record.
type Resolver interface {
	Resolve(ctx context.Context, rec *model.RawCounterparty, hint model.EntityType, dryRun bool) (*matcher.Outcome, error)
}

// Config tunes the reconciler loop.
type Config struct {
	Interval  time.Duration `mapstructure:"interval"`
	BatchSize int           `mapstructure:"batch_size"`
}

// Reconciler periodically drives pending counterparties through the match
// engine. Start is idempotent; passes never overlap.
type Reconciler struct {
	store    Lister
	resolver Resolver
	cfg      Config

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// New creates a stopped Reconciler.
func New(store Lister, resolver Resolver, cfg Config) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	return &Reconciler{store: store, resolver: resolver, cfg: cfg}
}

// Start launches the background loop. Calling Start on a running reconciler
// is a no-op.
func (r *Reconciler) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.running = true

	go r.loop(loopCtx)
}

// Stop halts the loop and waits for an in-flight pass to finish. Safe to
// call on a stopped reconciler.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel, done := r.cancel, r.done
	r.running = false
	r.mu.Unlock()

	cancel()
	<-done
}

// Running reports whether the loop is active.
func (r *Reconciler) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Reconciler) loop(ctx context.Context) {
	defer close(r.done)

	log := zap.L().With(zap.String("component", "reconciler"))
	log.Info("reconciler started",
		zap.Duration("interval", r.cfg.Interval),
		zap.Int("batch_size", r.cfg.BatchSize),
	)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("reconciler stopped")
			return
		case <-ticker.C:
			// The single loop goroutine is what makes passes non-reentrant:
			// a long pass simply delays the next tick.
			r.pass(ctx, log)
		}
	}
}

// pass resolves one batch. Individual failures are logged and swallowed so
// one bad name or a flaky registry cannot wedge the loop.
func (r *Reconciler) pass(ctx context.Context, log *zap.Logger) {
	batch, err := r.store.PendingCounterparties(ctx, "", r.cfg.BatchSize)
	if err != nil {
		log.Error("load pending batch failed", zap.Error(err))
		return
	}
	if len(batch) == 0 {
		return
	}

	var matched, unavailable int
	for i := range batch {
		if ctx.Err() != nil {
			return
		}
		rec := &batch[i]
		out, err := r.resolver.Resolve(ctx, rec, "", false)
		if err != nil {
			if registry.IsUnavailable(err) {
				unavailable++
				continue
			}
			log.Warn("resolve failed",
				zap.String("counterparty_id", rec.ID),
				zap.String("name", rec.Name),
				zap.Error(err),
			)
			continue
		}
		if out.Status == model.MatchStatusMatched {
			matched++
		}
	}

	log.Info("reconcile pass complete",
		zap.Int("batch", len(batch)),
		zap.Int("matched", matched),
		zap.Int("registry_unavailable", unavailable),
	)
}
