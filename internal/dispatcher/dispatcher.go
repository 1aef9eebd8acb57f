// Package dispatcher claims due tasks and runs their handlers.
//
// Any number of dispatchers may share one task table. Correctness relies only
// on the store's conditional claim: a task is executed by whichever
// dispatcher claims it first, the rest skip it.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nlstn/go-channelsync/internal/broker"
	"github.com/nlstn/go-channelsync/internal/catalog"
	"github.com/nlstn/go-channelsync/internal/observability"
	"github.com/nlstn/go-channelsync/internal/operation"
	"github.com/nlstn/go-channelsync/internal/ratelimit"
	"github.com/nlstn/go-channelsync/internal/taskstore"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// Config controls batching and concurrency.
type Config struct {
	// Concurrency bounds the handlers running at once.
	Concurrency int `yaml:"concurrency"`
	// BatchSize is the most tasks one cycle claims.
	BatchSize int `yaml:"batch_size"`
	// PollInterval is the pause between cycles that found less than a batch.
	PollInterval time.Duration `yaml:"poll_interval"`
	// LeaseDuration is how long a claim is valid. A handler still running
	// when it ends may be run a second time elsewhere.
	LeaseDuration time.Duration `yaml:"lease_duration"`
}

// DefaultConfig returns the configuration used for zero fields.
func DefaultConfig() Config {
	return Config{
		Concurrency:   8,
		BatchSize:     50,
		PollInterval:  time.Second,
		LeaseDuration: 5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = def.LeaseDuration
	}
	return c
}

// ChannelResolver maps channel ids to the names handlers are registered under.
type ChannelResolver interface {
	ChannelName(ctx context.Context, channelID int64) (string, error)
}

// CompletionListener is told about every task that reached a terminal state.
// Across all dispatchers it is called once per task.
type CompletionListener func(ctx context.Context, task *taskstore.TaskRecord)

// Dispatcher runs due tasks.
type Dispatcher struct {
	id       string
	cfg      Config
	store    *taskstore.Store
	registry *operation.Registry
	channels ChannelResolver
	limiter  operation.Limiter
	wake     broker.Publisher
	listener CompletionListener
	logger   *slog.Logger
	obs      *observability.Config

	mu    sync.RWMutex
	names map[int64]string
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLimiter hands handlers a quota limiter.
func WithLimiter(l operation.Limiter) Option {
	return func(d *Dispatcher) {
		d.limiter = l
	}
}

// WithPublisher publishes wake-ups for spawned children and woken parents.
func WithPublisher(p broker.Publisher) Option {
	return func(d *Dispatcher) {
		if p != nil {
			d.wake = p
		}
	}
}

// WithCompletionListener sets the terminal-state callback.
func WithCompletionListener(fn CompletionListener) Option {
	return func(d *Dispatcher) {
		d.listener = fn
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithObservability enables tracing and metrics.
func WithObservability(cfg *observability.Config) Option {
	return func(d *Dispatcher) {
		d.obs = cfg
	}
}

// WithInstanceID overrides the generated dispatcher id.
func WithInstanceID(id string) Option {
	return func(d *Dispatcher) {
		if id != "" {
			d.id = id
		}
	}
}

// New returns a dispatcher. Zero fields of cfg take their defaults.
func New(store *taskstore.Store, registry *operation.Registry, channels ChannelResolver, cfg Config, opts ...Option) (*Dispatcher, error) {
	if store == nil || registry == nil || channels == nil {
		return nil, errors.New("dispatcher: store, registry and channel resolver are required")
	}
	d := &Dispatcher{
		id:       uuid.NewString(),
		cfg:      cfg.withDefaults(),
		store:    store,
		registry: registry,
		channels: channels,
		wake:     broker.Discard{},
		logger:   slog.Default(),
		names:    make(map[int64]string),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	if d.obs == nil {
		d.obs = observability.NewConfig()
		if err := d.obs.Initialize(); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// ID identifies this dispatcher in logs and traces.
func (d *Dispatcher) ID() string {
	return d.id
}

// Run polls for due tasks until ctx ends. With a subscriber it also runs
// tasks named by wake-ups as they arrive. Handlers that are running when ctx
// ends are allowed to finish.
func (d *Dispatcher) Run(ctx context.Context, sub broker.Subscriber) error {
	d.logger.Info("dispatcher: starting", "dispatcher_id", d.id,
		"concurrency", d.cfg.Concurrency, "batch_size", d.cfg.BatchSize)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.poll(ctx)
	})
	if sub != nil {
		g.Go(func() error {
			return d.consume(ctx, sub)
		})
	}
	err := g.Wait()
	d.logger.Info("dispatcher: stopped", "dispatcher_id", d.id)
	return err
}

func (d *Dispatcher) poll(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		n, err := d.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			d.logger.Warn("dispatcher: cycle failed", "dispatcher_id", d.id, "error", err)
			d.obs.Metrics().RecordError(ctx, "dispatcher", "cycle")
		}
		if n >= d.cfg.BatchSize && err == nil {
			// Backlog: go again without waiting.
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) consume(ctx context.Context, sub broker.Subscriber) error {
	for {
		del, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, broker.ErrClosed) {
				return nil
			}
			d.logger.Warn("dispatcher: receiving wake-up failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(d.cfg.PollInterval):
			}
			continue
		}
		if _, err := d.Execute(ctx, del.TaskID); err != nil {
			d.logger.Warn("dispatcher: woken task failed to run", observability.LogFieldTaskID, del.TaskID, "error", err)
		}
		if del.Commit != nil {
			if err := del.Commit(ctx); err != nil && ctx.Err() == nil {
				d.logger.Warn("dispatcher: committing wake-up failed", observability.LogFieldTaskID, del.TaskID, "error", err)
			}
		}
	}
}

// RunOnce performs one cycle: expired leases and due suspensions are
// released, then up to a batch of due tasks is claimed and run. It returns
// the number of tasks this dispatcher ran.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	ctx, span := d.obs.Tracer().StartCycle(ctx, d.id)
	defer span.End()

	reclaimed, err := d.store.ReclaimExpired(ctx, d.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("dispatcher: reclaim expired leases: %w", err)
	}
	if len(reclaimed) > 0 {
		d.logger.Info("dispatcher: reclaimed tasks with expired leases", "count", len(reclaimed))
	}
	resumed, err := d.store.ResumeDue(ctx, d.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("dispatcher: resume suspended tasks: %w", err)
	}
	ids, err := d.store.DueTasks(ctx, d.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("dispatcher: select due tasks: %w", err)
	}

	var ran atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(d.cfg.Concurrency)
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			ok, err := d.Execute(ctx, id)
			if err != nil {
				d.logger.Warn("dispatcher: task failed to run", observability.LogFieldTaskID, id, "error", err)
			}
			if ok {
				ran.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	n := int(ran.Load())
	span.SetAttributes(
		attribute.Int(observability.AttrBatchSize, len(ids)),
		attribute.Int(observability.AttrReclaimed, len(reclaimed)),
		attribute.Int(observability.AttrReleased, len(resumed)),
	)
	d.obs.Metrics().RecordCycle(ctx, n)
	d.logger.Debug("dispatcher: cycle done", "dispatcher_id", d.id,
		"reclaimed", len(reclaimed), "resumed", len(resumed), "due", len(ids), "ran", n)
	return n, nil
}

// Execute claims task id and runs it. It reports false without error when
// the task is gone or another dispatcher holds it.
func (d *Dispatcher) Execute(ctx context.Context, id int64) (bool, error) {
	rec, err := d.store.Claim(ctx, id, d.cfg.LeaseDuration)
	switch {
	case errors.Is(err, taskstore.ErrClaimConflict):
		d.obs.Metrics().RecordClaimConflict(ctx)
		return false, nil
	case errors.Is(err, taskstore.ErrTaskNotFound):
		return false, nil
	case err != nil:
		return false, err
	}
	return true, d.run(context.WithoutCancel(ctx), rec)
}

func (d *Dispatcher) channelName(ctx context.Context, channelID int64) (string, error) {
	d.mu.RLock()
	name, ok := d.names[channelID]
	d.mu.RUnlock()
	if ok {
		return name, nil
	}
	name, err := d.channels.ChannelName(ctx, channelID)
	if err != nil {
		return "", err
	}
	d.mu.Lock()
	d.names[channelID] = name
	d.mu.Unlock()
	return name, nil
}

func (d *Dispatcher) run(ctx context.Context, rec *taskstore.TaskRecord) error {
	start := time.Now()
	channelName, err := d.channelName(ctx, rec.ChannelID)
	if err != nil {
		out := operation.Retryable(err)
		if errors.Is(err, catalog.ErrNotFound) {
			out = operation.Permanent(err)
		}
		return d.finish(ctx, rec, "", out, start)
	}

	ctx, span := d.obs.Tracer().StartTask(ctx, observability.TaskInfo{
		ID:        rec.ID,
		CompanyID: rec.CompanyID,
		Channel:   channelName,
		Operation: rec.Operation,
		Retry:     rec.Retry,
		Resumed:   len(rec.SuspensionPoint) > 0,
	})
	defer span.End()

	var out operation.Outcome
	handler, err := d.registry.Resolve(channelName, rec.Operation)
	if err != nil {
		out = operation.Permanent(err)
	} else {
		req, err := d.request(ctx, rec, channelName)
		if err != nil {
			out = operation.Retryable(err)
		} else {
			out = operation.Invoke(ctx, handler, req)
		}
	}
	d.obs.Tracer().SetOutcome(span, out.Kind.String(), out.Err)
	return d.finish(ctx, rec, channelName, out, start)
}

func (d *Dispatcher) request(ctx context.Context, rec *taskstore.TaskRecord, channelName string) (*operation.Request, error) {
	counts, err := d.store.ChildSummary(ctx, rec.ID)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: summarise children: %w", err)
	}
	id := rec.ID
	return &operation.Request{
		TaskID:    rec.ID,
		CompanyID: rec.CompanyID,
		ChannelID: rec.ChannelID,
		Channel:   channelName,
		Operation: rec.Operation,
		Payload:   []byte(rec.OperationData),
		Token:     rec.SuspensionPoint,
		Modified:  rec.Modified,
		Retry:     rec.Retry,
		Children: operation.ChildCounts{
			Succeeded: counts.Succeeded,
			Failed:    counts.Failed,
			Pending:   counts.Unfinished(),
		},
		Spawner: &spawner{d: d, parent: rec},
		Limiter: d.limiter,
		Alive: func(ctx context.Context) (bool, error) {
			return d.store.Exists(ctx, id)
		},
		DropFinishedChildren: func(ctx context.Context) error {
			_, err := d.store.DropCompletedChildren(ctx, id)
			return err
		},
	}, nil
}

// finish applies the outcome. A terminal outcome of a task whose children
// are still running parks it until they finish.
func (d *Dispatcher) finish(ctx context.Context, rec *taskstore.TaskRecord, channelName string, out operation.Outcome, start time.Time) error {
	logger := observability.LoggerWithTrace(ctx, d.logger).With(
		observability.LogFieldTaskID, rec.ID,
		observability.LogFieldOperation, rec.Operation,
		observability.LogFieldChannel, channelName,
	)
	defer func() {
		d.obs.Metrics().RecordTask(ctx, channelName, rec.Operation, out.Kind.String(), time.Since(start))
	}()

	lease := rec.Lease()
	var (
		tr  taskstore.Transition
		err error
	)
	switch out.Kind {
	case operation.KindSucceeded:
		tr, err = d.store.Complete(ctx, lease, out.Data)
	case operation.KindRetryable:
		tr, err = d.store.Fail(ctx, lease, out.Err, true)
	case operation.KindPermanent:
		tr, err = d.store.Fail(ctx, lease, out.Err, false)
	case operation.KindSuspended:
		var deferred *ratelimit.DeferredError
		if errors.As(out.Err, &deferred) {
			d.obs.Metrics().RecordQuotaDeferral(ctx, channelName)
		}
		tr, err = d.store.Suspend(ctx, lease, out.Token, out.ResumeAt)
	}

	if errors.Is(err, taskstore.ErrChildrenPending) {
		token := rec.SuspensionPoint
		if len(token) == 0 {
			token = operation.StartToken
		}
		logger.Info("dispatcher: task finished with unfinished children, waiting for them", "outcome", out.Kind.String())
		tr, err = d.store.Suspend(ctx, lease, token, time.Time{})
	}

	switch {
	case errors.Is(err, taskstore.ErrTaskNotFound):
		logger.Info("dispatcher: task was deleted while running")
		return nil
	case errors.Is(err, taskstore.ErrLeaseLost):
		logger.Warn("dispatcher: lease lost, outcome discarded", "outcome", out.String())
		return nil
	case err != nil:
		return fmt.Errorf("dispatcher: apply outcome of task %d: %w", rec.ID, err)
	}

	logger.Debug("dispatcher: task transitioned", observability.LogFieldState, string(tr.State),
		"outcome", out.String(), observability.LogFieldDuration, time.Since(start).Milliseconds())
	if out.Kind == operation.KindPermanent || (out.Kind == operation.KindRetryable && tr.State == taskstore.StateFailed) {
		logger.Warn("dispatcher: task failed", observability.LogFieldError, out.Err)
	}

	if tr.WokenParent != 0 {
		d.publish(ctx, tr.WokenParent)
	}
	if out.Kind == operation.KindSuspended && tr.State == taskstore.StatePending {
		d.publish(ctx, rec.ID)
	}
	if tr.State.IsTerminal() {
		d.notify(ctx, rec.ID)
	}
	return nil
}

func (d *Dispatcher) publish(ctx context.Context, id int64) {
	if err := d.wake.Publish(ctx, broker.WakeUp{TaskID: id}); err != nil {
		d.logger.Warn("dispatcher: publishing wake-up failed", observability.LogFieldTaskID, id, "error", err)
	}
}

func (d *Dispatcher) notify(ctx context.Context, id int64) {
	if d.listener == nil {
		return
	}
	ok, err := d.store.AcknowledgeCompletion(ctx, id)
	if err != nil {
		d.logger.Warn("dispatcher: acknowledging completion failed", observability.LogFieldTaskID, id, "error", err)
		return
	}
	if !ok {
		return
	}
	rec, err := d.store.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, taskstore.ErrTaskNotFound) {
			d.logger.Warn("dispatcher: loading completed task failed", observability.LogFieldTaskID, id, "error", err)
		}
		return
	}
	d.listener(ctx, rec)
}

// spawner enqueues children of one running task.
type spawner struct {
	d      *Dispatcher
	parent *taskstore.TaskRecord
}

func (s *spawner) Spawn(ctx context.Context, child operation.Child) (int64, error) {
	parentID := s.parent.ID
	res, err := s.d.store.Enqueue(ctx, taskstore.EnqueueParams{
		CompanyID:     s.parent.CompanyID,
		ChannelID:     s.parent.ChannelID,
		Operation:     child.Operation,
		OperationData: child.Payload,
		ParentID:      &parentID,
		Deduplicate:   child.Deduplicate,
	})
	if err != nil {
		return 0, err
	}
	if !res.Deduplicated {
		s.d.publish(ctx, res.Task.ID)
	}
	return res.Task.ID, nil
}
