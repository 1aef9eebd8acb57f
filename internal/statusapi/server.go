// Package statusapi serves the HTTP surface of the engine: task submission,
// per-company progress, task inspection and deletion, quota state.
package statusapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nlstn/go-channelsync/internal/observability"
	"github.com/nlstn/go-channelsync/internal/ratelimit"
	"github.com/nlstn/go-channelsync/internal/taskstore"
)

// Enqueuer accepts tasks submitted over HTTP.
type Enqueuer interface {
	Enqueue(ctx context.Context, p taskstore.EnqueueParams) (*taskstore.EnqueueResult, error)
}

// Waker resumes parked tasks. An Enqueuer that also implements Waker
// handles POST /tasks/{id}/wake too.
type Waker interface {
	Wake(ctx context.Context, id int64) (bool, error)
}

// Quotas is the part of the limiter the API reports on.
type Quotas interface {
	Exhausted(ctx context.Context) ([]ratelimit.ExhaustedAccount, error)
	SetReserve(ctx context.Context, key ratelimit.AccountKey, percent int, until time.Time) error
}

// Server holds the API dependencies.
type Server struct {
	store    *taskstore.Store
	enqueuer Enqueuer
	waker    Waker
	quotas   Quotas
	logger   *slog.Logger
	obs      *observability.Config
	origins  []string
	ping     func(ctx context.Context) error
	version  string
}

// Option configures a Server.
type Option func(*Server)

// WithEnqueuer routes POST /tasks through e instead of the bare store.
func WithEnqueuer(e Enqueuer) Option {
	return func(s *Server) {
		if e != nil {
			s.enqueuer = e
		}
		if w, ok := e.(Waker); ok {
			s.waker = w
		}
	}
}

// WithQuotas enables the quota endpoints.
func WithQuotas(q Quotas) Option {
	return func(s *Server) {
		s.quotas = q
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithObservability enables request tracing, metrics and Server-Timing.
func WithObservability(cfg *observability.Config) Option {
	return func(s *Server) {
		s.obs = cfg
	}
}

// WithAllowedOrigins enables CORS for the given origins.
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) {
		s.origins = origins
	}
}

// WithHealthCheck sets the check behind GET /healthz.
func WithHealthCheck(ping func(ctx context.Context) error) Option {
	return func(s *Server) {
		s.ping = ping
	}
}

// WithVersion reports v in the Channelsync-Version header and on /healthz.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// New returns a Server reading from store.
func New(store *taskstore.Store, opts ...Option) (*Server, error) {
	if store == nil {
		return nil, errors.New("statusapi: store is required")
	}
	s := &Server{
		store:    store,
		enqueuer: store,
		waker:    store,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.obs == nil {
		s.obs = observability.NewConfig()
		if err := s.obs.Initialize(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(observability.HTTPMiddleware(s.obs))
	r.Use(observability.ServerTimingMiddleware(s.obs))
	r.Use(s.measure)
	if s.version != "" {
		r.Use(middleware.SetHeader("Channelsync-Version", s.version))
	}
	if len(s.origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.origins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "If-None-Match", "Prefer"},
			ExposedHeaders: []string{"ETag", "Location", "Preference-Applied", "Channelsync-Version"},
		}))
	}

	r.Get("/healthz", s.health)
	r.Post("/tasks", s.createTask)
	r.Route("/tasks/{taskID}", func(r chi.Router) {
		r.Get("/", s.getTask)
		r.Get("/tree", s.getTree)
		r.Post("/wake", s.wakeTask)
		r.Delete("/", s.deleteTask)
	})
	r.Get("/companies/{companyID}/status", s.companyStatus)
	r.Get("/stats", s.stats)
	r.Get("/quotas/exhausted", s.exhaustedQuotas)
	r.Put("/quotas/reserve", s.setReserve)
	return r
}

// measure records request duration by route pattern.
func (s *Server) measure(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		s.obs.Metrics().RecordRequest(r.Context(), route, ww.Status(), time.Since(start))
		s.obs.Tracer().SetHTTPStatus(r.Context(), ww.Status())
	})
}
