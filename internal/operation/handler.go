// Package operation defines the contract between the dispatcher and the code
// that performs channel work: the request a handler receives, the outcome it
// returns, and the registry that maps (channel, operation) pairs to handlers.
package operation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/nlstn/go-channelsync/internal/ratelimit"
)

// ErrTaskGone is returned by Request.CheckAlive once the task was deleted.
var ErrTaskGone = errors.New("operation: task was deleted")

// ChildCounts summarises the direct children of a task.
type ChildCounts struct {
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	Pending   int64 `json:"pending"`
}

// Total returns the number of children.
func (c ChildCounts) Total() int64 {
	return c.Succeeded + c.Failed + c.Pending
}

// Child describes a task to enqueue under the current one. Company and
// channel are inherited.
type Child struct {
	Operation string
	Payload   json.RawMessage
	// Deduplicate reuses an identical unfinished sibling.
	Deduplicate bool
}

// Spawner enqueues children of the running task.
type Spawner interface {
	Spawn(ctx context.Context, child Child) (int64, error)
}

// Limiter is the part of the quota counter handlers use.
type Limiter interface {
	Acquire(ctx context.Context, key ratelimit.AccountKey) (*ratelimit.Permit, error)
	Observe(ctx context.Context, key ratelimit.AccountKey, obs ratelimit.Observation) error
	Settle(ctx context.Context, p *ratelimit.Permit) error
	Release(ctx context.Context, p *ratelimit.Permit) error
}

// Request is everything a handler gets for one invocation.
type Request struct {
	TaskID    int64
	CompanyID int64
	ChannelID int64
	// Channel is the lower-case channel name, e.g. "etsy".
	Channel   string
	Operation string
	Payload   json.RawMessage
	// Token is the continuation the handler returned when it last suspended,
	// nil on a first run.
	Token []byte
	// Modified reports that the task was enqueued again since it was last
	// claimed.
	Modified bool
	Retry    int
	Children ChildCounts

	Spawner Spawner
	Limiter Limiter
	// Alive reports whether the task still exists.
	Alive func(ctx context.Context) (bool, error)
	// DropFinishedChildren removes children that already reached a terminal
	// state, for handlers that restart a fan-out.
	DropFinishedChildren func(ctx context.Context) error
}

// Resumed reports whether this invocation continues a suspended run.
func (r *Request) Resumed() bool {
	return len(r.Token) > 0
}

// Spawn enqueues a child task.
func (r *Request) Spawn(ctx context.Context, child Child) (int64, error) {
	if r.Spawner == nil {
		return 0, errors.New("operation: request cannot spawn children")
	}
	return r.Spawner.Spawn(ctx, child)
}

// CheckAlive returns ErrTaskGone if the task was deleted. Handlers call it
// before externally visible effects.
func (r *Request) CheckAlive(ctx context.Context) error {
	if r.Alive == nil {
		return nil
	}
	ok, err := r.Alive(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: task %d", ErrTaskGone, r.TaskID)
	}
	return nil
}

// Handler performs one operation.
type Handler interface {
	Handle(ctx context.Context, req *Request) Outcome
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *Request) Outcome

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, req *Request) Outcome {
	return f(ctx, req)
}

// Invoke runs h and guarantees a well-formed outcome: panics become
// permanent failures.
func Invoke(ctx context.Context, h Handler, req *Request) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = Permanent(&PanicError{Value: r, Stack: debug.Stack()})
		}
	}()
	if h == nil {
		return Permanent(errors.New("operation: nil handler"))
	}
	return h.Handle(ctx, req).normalize()
}

// PanicError wraps a value recovered from a handler.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("operation: handler panicked: %v", e.Value)
}
