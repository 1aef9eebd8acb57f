package operation

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrDuplicateHandler is returned when a (channel, operation) pair is
// registered twice.
var ErrDuplicateHandler = errors.New("operation: handler already registered")

// UnknownOperationError reports a (channel, operation) pair with no handler.
// Tasks that hit it fail without retrying.
type UnknownOperationError struct {
	Channel   string
	Operation string
}

func (e *UnknownOperationError) Error() string {
	return fmt.Sprintf("operation: no handler for operation %q on channel %q", e.Operation, e.Channel)
}

type registryKey struct {
	channel   string
	operation string
}

// Registry maps (channel, operation) pairs to handlers. It is safe for
// concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[registryKey]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[registryKey]Handler)}
}

func newKey(channel, operation string) registryKey {
	return registryKey{channel: strings.ToLower(strings.TrimSpace(channel)), operation: operation}
}

// Register binds h to the pair. Channel names are case-insensitive.
func (r *Registry) Register(channel, operation string, h Handler) error {
	if h == nil {
		return errors.New("operation: handler is nil")
	}
	key := newKey(channel, operation)
	if key.channel == "" || key.operation == "" {
		return errors.New("operation: channel and operation are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[key]; ok {
		return fmt.Errorf("%w: %s/%s", ErrDuplicateHandler, key.channel, key.operation)
	}
	r.handlers[key] = h
	return nil
}

// Resolve returns the handler for the pair or an *UnknownOperationError.
func (r *Registry) Resolve(channel, operation string) (Handler, error) {
	key := newKey(channel, operation)
	r.mu.RLock()
	h, ok := r.handlers[key]
	r.mu.RUnlock()
	if !ok {
		return nil, &UnknownOperationError{Channel: key.channel, Operation: operation}
	}
	return h, nil
}

// Operations lists the operations registered for a channel, sorted.
func (r *Registry) Operations(channel string) []string {
	ch := newKey(channel, "").channel
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ops []string
	for k := range r.handlers {
		if k.channel == ch {
			ops = append(ops, k.operation)
		}
	}
	sort.Strings(ops)
	return ops
}
