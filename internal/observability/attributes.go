// Package observability provides OpenTelemetry instrumentation for the task
// engine: spans around task execution and dispatch cycles, task and quota
// metrics, database query tracing through gorm callbacks, and Server-Timing
// for the status API.
//
// Everything is opt-in. Without providers the no-op implementations are used.
package observability

import "go.opentelemetry.io/otel/attribute"

const (
	// TracerName is the instrumentation name for tracing.
	TracerName = "github.com/nlstn/go-channelsync"
	// MeterName is the instrumentation name for metrics.
	MeterName = "github.com/nlstn/go-channelsync"
)

// Attribute keys.
const (
	AttrTaskID    = "task.id"
	AttrCompanyID = "task.company_id"
	AttrChannel   = "task.channel"
	AttrOperation = "task.operation"
	AttrRetry     = "task.retry"
	AttrOutcome   = "task.outcome"
	AttrState     = "task.state"
	AttrResumed   = "task.resumed"

	AttrWorkerID  = "dispatcher.worker_id"
	AttrBatchSize = "dispatcher.batch_size"
	AttrReclaimed = "dispatcher.reclaimed"
	AttrReleased  = "dispatcher.released"

	AttrAccount = "quota.account"
	AttrRoute   = "http.route"
)

// Log field keys.
const (
	LogFieldTaskID    = "task_id"
	LogFieldOperation = "operation"
	LogFieldChannel   = "channel"
	LogFieldState     = "state"
	LogFieldTraceID   = "trace_id"
	LogFieldSpanID    = "span_id"
	LogFieldDuration  = "duration_ms"
	LogFieldError     = "error"
)

// TaskIDAttr creates an attribute for the task id.
func TaskIDAttr(id int64) attribute.KeyValue {
	return attribute.Int64(AttrTaskID, id)
}

// ChannelAttr creates an attribute for the channel name.
func ChannelAttr(name string) attribute.KeyValue {
	return attribute.String(AttrChannel, name)
}

// OperationAttr creates an attribute for the operation name.
func OperationAttr(op string) attribute.KeyValue {
	return attribute.String(AttrOperation, op)
}

// OutcomeAttr creates an attribute for a handler outcome or final state.
func OutcomeAttr(outcome string) attribute.KeyValue {
	return attribute.String(AttrOutcome, outcome)
}

// AccountAttr creates an attribute for a rate-limited account.
func AccountAttr(key string) attribute.KeyValue {
	return attribute.String(AttrAccount, key)
}
