// Package retention removes terminal task records once they are older than
// the retention window.
package retention

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nlstn/go-channelsync/internal/observability"
	"github.com/nlstn/go-channelsync/internal/taskstore"
)

const (
	// DefaultWindow is how long terminal tasks are kept.
	DefaultWindow = 7 * 24 * time.Hour
	// DefaultInterval is how often the pruner runs.
	DefaultInterval = time.Hour

	defaultBatch = 500
)

// Pruner periodically deletes old terminal tasks.
type Pruner struct {
	store    *taskstore.Store
	window   time.Duration
	interval time.Duration
	batch    int
	logger   *slog.Logger
	obs      *observability.Config

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// Option configures a Pruner.
type Option func(*Pruner)

// WithWindow sets the retention window.
func WithWindow(d time.Duration) Option {
	return func(p *Pruner) {
		if d > 0 {
			p.window = d
		}
	}
}

// WithInterval sets the pause between runs.
func WithInterval(d time.Duration) Option {
	return func(p *Pruner) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithBatchSize sets how many rows one delete statement removes.
func WithBatchSize(n int) Option {
	return func(p *Pruner) {
		if n > 0 {
			p.batch = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pruner) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithObservability enables the prune span and counter.
func WithObservability(cfg *observability.Config) Option {
	return func(p *Pruner) {
		p.obs = cfg
	}
}

// New returns a Pruner. It does nothing until Start or RunOnce is called.
func New(store *taskstore.Store, opts ...Option) (*Pruner, error) {
	if store == nil {
		return nil, errors.New("retention: store is required")
	}
	p := &Pruner{
		store:    store,
		window:   DefaultWindow,
		interval: DefaultInterval,
		batch:    defaultBatch,
		logger:   slog.Default(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

// RunOnce deletes terminal tasks created before now minus the window.
func (p *Pruner) RunOnce(ctx context.Context) (int64, error) {
	ctx, span := p.obs.Tracer().StartPrune(ctx)
	defer span.End()

	cutoff := p.store.Now().Add(-p.window)
	n, err := p.store.Prune(ctx, cutoff, p.batch)
	if n > 0 {
		p.obs.Metrics().RecordPruned(ctx, n)
		p.logger.Info("retention: pruned terminal tasks", "count", n, "cutoff", cutoff)
	}
	if err != nil {
		p.obs.Tracer().RecordError(span, err)
	}
	return n, err
}

// Start runs the pruner in the background until ctx ends or Close is called.
// Only the first call starts it.
func (p *Pruner) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			if _, err := p.RunOnce(ctx); err != nil && ctx.Err() == nil {
				p.logger.Warn("retention: prune failed", "error", err)
			}
			select {
			case <-ticker.C:
			case <-p.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Close stops a started pruner and waits for a running prune to end.
func (p *Pruner) Close() {
	p.stopOnce.Do(func() {
		close(p.stop)
	})
	if p.started.Load() {
		<-p.done
	}
}
