// Package channelsync runs sales channel synchronisation as durable tasks.
//
// A Service owns the task store, the per-account quota limiter, the handler
// registry, the wake-up broker and the dispatcher that ties them together.
// Producers call Enqueue; workers call Run; operators use the HTTP status API
// served by the Service itself.
package channelsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/nlstn/go-channelsync/internal/broker"
	"github.com/nlstn/go-channelsync/internal/catalog"
	"github.com/nlstn/go-channelsync/internal/channel"
	"github.com/nlstn/go-channelsync/internal/channel/etsy"
	"github.com/nlstn/go-channelsync/internal/channel/shopify"
	"github.com/nlstn/go-channelsync/internal/database"
	"github.com/nlstn/go-channelsync/internal/dispatcher"
	"github.com/nlstn/go-channelsync/internal/observability"
	"github.com/nlstn/go-channelsync/internal/operation"
	"github.com/nlstn/go-channelsync/internal/ratelimit"
	"github.com/nlstn/go-channelsync/internal/retention"
	"github.com/nlstn/go-channelsync/internal/retry"
	"github.com/nlstn/go-channelsync/internal/statusapi"
	"github.com/nlstn/go-channelsync/internal/syncops"
	"github.com/nlstn/go-channelsync/internal/taskstore"
	"github.com/nlstn/go-channelsync/internal/version"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// memoryBrokerSize bounds the in-process wake-up buffer.
const memoryBrokerSize = 1024

// Service is one engine instance.
type Service struct {
	cfg     Config
	db      *gorm.DB
	ownsDB  bool
	obs     *observability.Config
	now     func() time.Time
	version string

	store     *taskstore.Store
	limiter   *ratelimit.Limiter
	catalog   *catalog.Store
	registry  *operation.Registry
	publisher broker.Publisher
	// subscriber is nil when wake-ups are disabled.
	subscriber broker.Subscriber

	mu         sync.RWMutex
	logger     *slog.Logger
	dispatcher *dispatcher.Dispatcher
	handler    http.Handler
	closed     bool
}

// Option configures NewService.
type Option func(*options)

type options struct {
	db               *gorm.DB
	logger           *slog.Logger
	obs              []observability.Option
	clients          []channel.Client
	noDefaultClients bool
	publisher        broker.Publisher
	subscriber       broker.Subscriber
	now              func() time.Time
}

// WithDB uses an existing connection instead of opening cfg.Database.
// Close leaves it open.
func WithDB(db *gorm.DB) Option {
	return func(o *options) {
		o.db = db
	}
}

// WithLogger sets the logger for every component.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithTracerProvider enables tracing of tasks, cycles and requests.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		o.obs = append(o.obs, observability.WithTracerProvider(tp))
	}
}

// WithMeterProvider enables metrics.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		o.obs = append(o.obs, observability.WithMeterProvider(mp))
	}
}

// WithDetailedDBTracing adds a span per database statement.
func WithDetailedDBTracing() Option {
	return func(o *options) {
		o.obs = append(o.obs, observability.WithDetailedDBTracing())
	}
}

// WithChannelClient registers the sync operations for an extra channel.
func WithChannelClient(client ChannelClient) Option {
	return func(o *options) {
		if client != nil {
			o.clients = append(o.clients, client)
		}
	}
}

// WithoutDefaultChannels skips the built-in Etsy and Shopify clients.
func WithoutDefaultChannels() Option {
	return func(o *options) {
		o.noDefaultClients = true
	}
}

// WithoutWakeUps makes dispatchers rely on polling alone, whatever
// cfg.Broker says.
func WithoutWakeUps() Option {
	return func(o *options) {
		o.publisher = broker.Discard{}
		o.subscriber = nil
	}
}

// WithClock replaces time.Now for the store, the limiter and the handlers.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// NewService validates cfg and builds the engine. Task and quota tables are
// migrated; catalog tables are not, see Migrate.
func NewService(cfg Config, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	now := o.now
	if now == nil {
		now = time.Now
	}

	s := &Service{cfg: cfg, db: o.db, logger: logger, now: now, version: version.Get().Version}
	if s.db == nil {
		db, err := database.Open(cfg.Database.Driver, cfg.Database.DSN, database.Options{})
		if err != nil {
			return nil, err
		}
		s.db, s.ownsDB = db, true
	}

	if err := s.init(o); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Service) init(o options) error {
	obsOpts := append([]observability.Option{
		observability.WithServiceName("channelsync"),
		observability.WithServiceVersion(s.version),
	}, o.obs...)
	if s.cfg.HTTP.ServerTiming {
		obsOpts = append(obsOpts, observability.WithServerTiming())
	}
	s.obs = observability.NewConfig(obsOpts...)
	if err := s.obs.Initialize(); err != nil {
		return fmt.Errorf("channelsync: observability: %w", err)
	}
	if s.obs.IsEnabled() {
		if err := observability.RegisterGORMCallbacks(s.db, s.obs); err != nil {
			return fmt.Errorf("channelsync: register gorm callbacks: %w", err)
		}
	}
	if s.obs.ServerTimingEnabled() {
		if err := observability.RegisterServerTimingCallbacks(s.db); err != nil {
			return fmt.Errorf("channelsync: register timing callbacks: %w", err)
		}
	}

	policy := retry.Policy{
		MaxRetries: s.cfg.Retry.MaxRetries,
		BaseDelay:  s.cfg.Retry.BaseDelay,
		Factor:     s.cfg.Retry.Factor,
		MaxDelay:   s.cfg.Retry.MaxDelay,
	}
	store, err := taskstore.New(s.db,
		taskstore.WithRetryPolicy(policy),
		taskstore.WithClock(s.now),
		taskstore.WithLogger(s.logger),
	)
	if err != nil {
		return err
	}
	s.store = store

	limiterOpts := []ratelimit.Option{
		ratelimit.WithDefaultReserve(s.cfg.RateLimit.ReservePercent),
		ratelimit.WithClock(s.now),
		ratelimit.WithLogger(s.logger),
	}
	if s.cfg.RateLimit.DiscoveryWait > 0 {
		limiterOpts = append(limiterOpts, ratelimit.WithDiscoveryWait(s.cfg.RateLimit.DiscoveryWait))
	}
	limiter, err := ratelimit.New(s.db, limiterOpts...)
	if err != nil {
		return err
	}
	s.limiter = limiter

	s.catalog = catalog.NewStore(s.db)
	s.registry = operation.NewRegistry()

	clients := o.clients
	if !o.noDefaultClients {
		transport := []channel.TransportOption{channel.WithLogger(s.logger), channel.WithClock(s.now)}
		clients = append([]channel.Client{
			etsy.New(s.cfg.Channels.EtsyBaseURL, s.cfg.Channels.EtsyAPIKey, transport...),
			shopify.New(s.cfg.Channels.ShopifyBaseURL, transport...),
		}, clients...)
	}
	for _, client := range clients {
		if err := syncops.Register(s.registry, s.catalog, client,
			syncops.WithLogger(s.logger), syncops.WithClock(s.now)); err != nil {
			return fmt.Errorf("channelsync: register %s operations: %w", client.Name(), err)
		}
	}

	if o.publisher != nil {
		s.publisher, s.subscriber = o.publisher, o.subscriber
	} else if err := s.openBroker(); err != nil {
		return err
	}

	s.handler, err = s.newHandler()
	return err
}

func (s *Service) openBroker() error {
	switch s.cfg.Broker.Kind {
	case "none":
		s.publisher = broker.Discard{}
	case "memory":
		m := broker.NewMemory(memoryBrokerSize)
		s.publisher, s.subscriber = m, m
	case "kafka":
		kc := broker.KafkaConfig{Brokers: s.cfg.Broker.Brokers, Topic: s.cfg.Broker.Topic, GroupID: s.cfg.Broker.GroupID}
		pub, err := broker.NewKafkaPublisher(kc)
		if err != nil {
			return err
		}
		sub, err := broker.NewKafkaSubscriber(kc, s.logger)
		if err != nil {
			_ = pub.Close()
			return err
		}
		s.publisher, s.subscriber = pub, sub
	default:
		return fmt.Errorf("channelsync: unknown broker kind %q", s.cfg.Broker.Kind)
	}
	return nil
}

// SetLogger replaces the logger of the dispatcher and the status API.
// If not called, the logger given to NewService or slog.Default() is used.
func (s *Service) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
	s.dispatcher = nil
	if h, err := s.newHandlerLocked(); err == nil {
		s.handler = h
	}
}

func (s *Service) log() *slog.Logger {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.logger
}

// RegisterHandler binds h to (channel, operation). Channel names are
// case-insensitive and must match the catalog's channel names.
func (s *Service) RegisterHandler(channelName, operationName string, h Handler) error {
	return s.registry.Register(channelName, operationName, h)
}

// Operations lists the operations registered for a channel.
func (s *Service) Operations(channelName string) []string {
	return s.registry.Operations(channelName)
}

// Migrate creates the catalog tables for setups that do not own them
// elsewhere.
func (s *Service) Migrate() error {
	return s.catalog.Migrate()
}

// Run dispatches tasks until ctx ends, pruning old terminal tasks in the
// background unless retention is disabled.
func (s *Service) Run(ctx context.Context) error {
	d, err := s.getDispatcher()
	if err != nil {
		return err
	}
	if !s.cfg.Retention.Disabled {
		pruner, err := s.newPruner()
		if err != nil {
			return err
		}
		pruner.Start(ctx)
		defer pruner.Close()
	}
	return d.Run(ctx, s.subscriber)
}

// RunOnce runs a single dispatch cycle and returns how many tasks it
// executed.
func (s *Service) RunOnce(ctx context.Context) (int, error) {
	d, err := s.getDispatcher()
	if err != nil {
		return 0, err
	}
	return d.RunOnce(ctx)
}

func (s *Service) getDispatcher() (*dispatcher.Dispatcher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.dispatcher != nil {
		return s.dispatcher, nil
	}
	d, err := dispatcher.New(s.store, s.registry, s.catalog,
		dispatcher.Config{
			Concurrency:   s.cfg.Dispatcher.Concurrency,
			BatchSize:     s.cfg.Dispatcher.BatchSize,
			PollInterval:  s.cfg.Dispatcher.PollInterval,
			LeaseDuration: s.cfg.Dispatcher.LeaseDuration,
		},
		dispatcher.WithLimiter(s.limiter),
		dispatcher.WithPublisher(s.publisher),
		dispatcher.WithLogger(s.logger),
		dispatcher.WithObservability(s.obs),
	)
	if err != nil {
		return nil, err
	}
	s.dispatcher = d
	return d, nil
}

func (s *Service) newPruner() (*retention.Pruner, error) {
	opts := []retention.Option{
		retention.WithLogger(s.log()),
		retention.WithObservability(s.obs),
	}
	if s.cfg.Retention.Window > 0 {
		opts = append(opts, retention.WithWindow(s.cfg.Retention.Window))
	}
	if s.cfg.Retention.Interval > 0 {
		opts = append(opts, retention.WithInterval(s.cfg.Retention.Interval))
	}
	return retention.New(s.store, opts...)
}

func (s *Service) newHandler() (http.Handler, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.newHandlerLocked()
}

func (s *Service) newHandlerLocked() (http.Handler, error) {
	api, err := statusapi.New(s.store,
		statusapi.WithEnqueuer(s.enqueuer(s.logger)),
		statusapi.WithQuotas(s.limiter),
		statusapi.WithLogger(s.logger),
		statusapi.WithObservability(s.obs),
		statusapi.WithAllowedOrigins(s.cfg.HTTP.AllowOrigins...),
		statusapi.WithHealthCheck(s.ping),
		statusapi.WithVersion(s.version),
	)
	if err != nil {
		return nil, err
	}
	return api.Handler(), nil
}

func (s *Service) ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the broker and, unless it came from WithDB, the database.
// It is safe to call multiple times.
func (s *Service) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	var errs []error
	if s.publisher != nil {
		errs = append(errs, s.publisher.Close())
	}
	if s.subscriber != nil && any(s.subscriber) != any(s.publisher) {
		errs = append(errs, s.subscriber.Close())
	}
	if s.ownsDB && s.db != nil {
		errs = append(errs, database.Close(s.db))
	}
	return errors.Join(errs...)
}
