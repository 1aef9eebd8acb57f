package observability

import (
	"net/http"

	servertiming "github.com/mitchellh/go-server-timing"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// HTTPMiddleware instruments requests with otelhttp. It passes requests
// through unchanged when tracing is not configured.
func HTTPMiddleware(cfg *Config) func(http.Handler) http.Handler {
	if cfg == nil || cfg.TracerProvider == nil {
		return func(next http.Handler) http.Handler {
			return next
		}
	}
	return func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "channelsync.http",
			otelhttp.WithTracerProvider(cfg.TracerProvider),
			otelhttp.WithMeterProvider(cfg.MeterProvider),
		)
	}
}

// ServerTimingMiddleware adds the Server-Timing header with a "db" metric
// fed by RegisterServerTimingCallbacks. It is a passthrough when server
// timing is disabled.
func ServerTimingMiddleware(cfg *Config) func(http.Handler) http.Handler {
	if !cfg.ServerTimingEnabled() {
		return func(next http.Handler) http.Handler {
			return next
		}
	}
	return func(next http.Handler) http.Handler {
		inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := WithDBTimeAccumulator(r.Context())
			rec := &dbTimingWriter{ResponseWriter: w, r: r, acc: DBTimeAccumulatorFromContext(ctx)}
			next.ServeHTTP(rec, r.WithContext(ctx))
			rec.flushMetric()
		})
		return servertiming.Middleware(inner, nil)
	}
}

// dbTimingWriter records the db metric right before headers are written.
type dbTimingWriter struct {
	http.ResponseWriter
	r       *http.Request
	acc     *DBTimeAccumulator
	flushed bool
}

func (w *dbTimingWriter) flushMetric() {
	if w.flushed {
		return
	}
	w.flushed = true
	if timing := servertiming.FromContext(w.r.Context()); timing != nil {
		m := timing.NewMetric("db").WithDesc("database")
		m.Duration = w.acc.Duration()
	}
}

func (w *dbTimingWriter) WriteHeader(code int) {
	w.flushMetric()
	w.ResponseWriter.WriteHeader(code)
}

func (w *dbTimingWriter) Write(b []byte) (int, error) {
	w.flushMetric()
	return w.ResponseWriter.Write(b)
}
