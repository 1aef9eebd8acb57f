package observability

import (
	"context"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Tracer wraps an OpenTelemetry tracer with task-engine span helpers.
type Tracer struct {
	tracer      trace.Tracer
	serviceName string
}

// NewTracer creates a Tracer using the given TracerProvider. serviceVersion
// may be empty.
func NewTracer(tp trace.TracerProvider, serviceName, serviceVersion string) *Tracer {
	var opts []trace.TracerOption
	if serviceVersion != "" {
		opts = append(opts, trace.WithInstrumentationVersion(serviceVersion))
	}
	return &Tracer{
		tracer:      tp.Tracer(TracerName, opts...),
		serviceName: serviceName,
	}
}

// StartSpan starts a span with the given name and attributes.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// TaskInfo identifies a task execution for tracing.
type TaskInfo struct {
	ID        int64
	CompanyID int64
	Channel   string
	Operation string
	Retry     int
	Resumed   bool
}

// StartTask starts the span around one handler invocation.
func (t *Tracer) StartTask(ctx context.Context, info TaskInfo) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "channelsync.task", trace.WithAttributes(
		TaskIDAttr(info.ID),
		attribute.Int64(AttrCompanyID, info.CompanyID),
		ChannelAttr(info.Channel),
		OperationAttr(info.Operation),
		attribute.Int(AttrRetry, info.Retry),
		attribute.Bool(AttrResumed, info.Resumed),
	), trace.WithSpanKind(trace.SpanKindConsumer))
}

// StartCycle starts the span around one dispatch cycle.
func (t *Tracer) StartCycle(ctx context.Context, workerID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "channelsync.dispatch", trace.WithAttributes(
		attribute.String(AttrWorkerID, workerID),
	))
}

// StartPrune starts the span around one retention run.
func (t *Tracer) StartPrune(ctx context.Context) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "channelsync.prune")
}

// SetOutcome records the outcome of a task span. Failed outcomes mark the
// span as an error.
func (t *Tracer) SetOutcome(span trace.Span, outcome string, err error) {
	span.SetAttributes(OutcomeAttr(outcome))
	if err != nil {
		t.RecordError(span, err)
	}
}

// StartDBQuery starts a span for a database statement.
func (t *Tracer) StartDBQuery(ctx context.Context, operation string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "db.query", trace.WithAttributes(
		attribute.String("db.operation", operation),
	))
}

// SetHTTPStatus sets the HTTP status code on the current span.
func (t *Tracer) SetHTTPStatus(ctx context.Context, statusCode int) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.Int("http.status_code", statusCode))
	if statusCode >= 500 {
		span.SetStatus(codes.Error, http.StatusText(statusCode))
	}
}

// RecordError records an error on the span.
func (t *Tracer) RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// LoggerWithTrace returns a logger enriched with trace context.
func LoggerWithTrace(ctx context.Context, logger *slog.Logger) *slog.Logger {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return logger
	}
	return logger.With(
		slog.String(LogFieldTraceID, span.SpanContext().TraceID().String()),
		slog.String(LogFieldSpanID, span.SpanContext().SpanID().String()),
	)
}
