package observability

import (
	"context"
	"sync/atomic"
	"time"
)

// DBTimeAccumulator sums the time spent in database statements during one
// request. It is safe for concurrent use.
type DBTimeAccumulator struct {
	nanos atomic.Int64
}

// Add adds d to the total.
func (a *DBTimeAccumulator) Add(d time.Duration) {
	if a != nil {
		a.nanos.Add(int64(d))
	}
}

// Duration returns the total so far.
func (a *DBTimeAccumulator) Duration() time.Duration {
	if a == nil {
		return 0
	}
	return time.Duration(a.nanos.Load())
}

type dbTimeKey struct{}

// WithDBTimeAccumulator returns a context carrying a fresh accumulator.
func WithDBTimeAccumulator(ctx context.Context) context.Context {
	return context.WithValue(ctx, dbTimeKey{}, &DBTimeAccumulator{})
}

// DBTimeAccumulatorFromContext returns the context's accumulator, or nil.
func DBTimeAccumulatorFromContext(ctx context.Context) *DBTimeAccumulator {
	acc, _ := ctx.Value(dbTimeKey{}).(*DBTimeAccumulator)
	return acc
}

// AddDBTime adds d to the context's accumulator, if there is one.
func AddDBTime(ctx context.Context, d time.Duration) {
	DBTimeAccumulatorFromContext(ctx).Add(d)
}
