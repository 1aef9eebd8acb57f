package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the engine's metric instruments.
type Metrics struct {
	taskDuration    metric.Float64Histogram
	taskCount       metric.Int64Counter
	claimConflicts  metric.Int64Counter
	cycleSize       metric.Int64Histogram
	quotaDeferrals  metric.Int64Counter
	prunedCount     metric.Int64Counter
	dbQueryDuration metric.Float64Histogram
	requestDuration metric.Float64Histogram
	errorCount      metric.Int64Counter
}

// NewMetrics creates the instruments on mp's meter. An instrument that cannot
// be created with its description falls back to a bare one.
func NewMetrics(mp metric.MeterProvider) *Metrics {
	meter := mp.Meter(MeterName)
	m := &Metrics{}
	var err error

	m.taskDuration, err = meter.Float64Histogram(
		"channelsync.task.duration",
		metric.WithDescription("Duration of handler invocations in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		m.taskDuration, _ = meter.Float64Histogram("channelsync.task.duration")
	}

	m.taskCount, err = meter.Int64Counter(
		"channelsync.task.count",
		metric.WithDescription("Handler invocations by outcome"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		m.taskCount, _ = meter.Int64Counter("channelsync.task.count")
	}

	m.claimConflicts, err = meter.Int64Counter(
		"channelsync.claim.conflicts",
		metric.WithDescription("Claims lost to another dispatcher"),
		metric.WithUnit("{claim}"),
	)
	if err != nil {
		m.claimConflicts, _ = meter.Int64Counter("channelsync.claim.conflicts")
	}

	m.cycleSize, err = meter.Int64Histogram(
		"channelsync.dispatch.claimed",
		metric.WithDescription("Tasks claimed per dispatch cycle"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		m.cycleSize, _ = meter.Int64Histogram("channelsync.dispatch.claimed")
	}

	m.quotaDeferrals, err = meter.Int64Counter(
		"channelsync.quota.deferrals",
		metric.WithDescription("Tasks suspended because an account ran out of quota"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		m.quotaDeferrals, _ = meter.Int64Counter("channelsync.quota.deferrals")
	}

	m.prunedCount, err = meter.Int64Counter(
		"channelsync.retention.pruned",
		metric.WithDescription("Terminal task records removed by retention"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		m.prunedCount, _ = meter.Int64Counter("channelsync.retention.pruned")
	}

	m.dbQueryDuration, err = meter.Float64Histogram(
		"channelsync.db.query.duration",
		metric.WithDescription("Duration of database statements in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		m.dbQueryDuration, _ = meter.Float64Histogram("channelsync.db.query.duration")
	}

	m.requestDuration, err = meter.Float64Histogram(
		"channelsync.http.duration",
		metric.WithDescription("Duration of status API requests in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		m.requestDuration, _ = meter.Float64Histogram("channelsync.http.duration")
	}

	m.errorCount, err = meter.Int64Counter(
		"channelsync.error.count",
		metric.WithDescription("Internal errors by component"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		m.errorCount, _ = meter.Int64Counter("channelsync.error.count")
	}

	return m
}

// RecordTask records one handler invocation.
func (m *Metrics) RecordTask(ctx context.Context, channel, operation, outcome string, duration time.Duration) {
	attrs := metric.WithAttributes(
		ChannelAttr(channel),
		OperationAttr(operation),
		OutcomeAttr(outcome),
	)
	m.taskDuration.Record(ctx, float64(duration.Milliseconds()), attrs)
	m.taskCount.Add(ctx, 1, attrs)
}

// RecordClaimConflict records a claim lost to another dispatcher.
func (m *Metrics) RecordClaimConflict(ctx context.Context) {
	m.claimConflicts.Add(ctx, 1)
}

// RecordCycle records how many tasks a dispatch cycle claimed.
func (m *Metrics) RecordCycle(ctx context.Context, claimed int) {
	m.cycleSize.Record(ctx, int64(claimed))
}

// RecordQuotaDeferral records a task parked for quota.
func (m *Metrics) RecordQuotaDeferral(ctx context.Context, channel string) {
	m.quotaDeferrals.Add(ctx, 1, metric.WithAttributes(ChannelAttr(channel)))
}

// RecordPruned records removed records.
func (m *Metrics) RecordPruned(ctx context.Context, n int64) {
	m.prunedCount.Add(ctx, n)
}

// RecordDBQuery records one database statement.
func (m *Metrics) RecordDBQuery(ctx context.Context, operation string, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.String("db.operation", operation))
	m.dbQueryDuration.Record(ctx, float64(duration.Milliseconds()), attrs)
}

// RecordRequest records one status API request.
func (m *Metrics) RecordRequest(ctx context.Context, route string, statusCode int, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String(AttrRoute, route),
		attribute.Int("http.status_code", statusCode),
	)
	m.requestDuration.Record(ctx, float64(duration.Milliseconds()), attrs)
}

// RecordError records an internal error.
func (m *Metrics) RecordError(ctx context.Context, component, errorType string) {
	m.errorCount.Add(ctx, 1, metric.WithAttributes(
		attribute.String("component", component),
		attribute.String("error.type", errorType),
	))
}
