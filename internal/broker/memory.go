package broker

import (
	"context"
	"sync"
)

// Memory is an in-process broker for single-process deployments and tests.
// Publish never blocks; a full buffer drops the wake-up with ErrQueueFull and
// polling picks the task up instead.
type Memory struct {
	queue chan WakeUp
	done  chan struct{}
	once  sync.Once
}

// NewMemory returns a broker buffering up to size wake-ups.
func NewMemory(size int) *Memory {
	if size <= 0 {
		size = 1
	}
	return &Memory{
		queue: make(chan WakeUp, size),
		done:  make(chan struct{}),
	}
}

func (m *Memory) Publish(ctx context.Context, w WakeUp) error {
	if _, err := w.Encode(); err != nil {
		return err
	}
	select {
	case <-m.done:
		return ErrClosed
	default:
	}
	select {
	case m.queue <- w:
		return nil
	default:
		return ErrQueueFull
	}
}

func (m *Memory) Next(ctx context.Context) (Delivery, error) {
	select {
	case w := <-m.queue:
		return Delivery{WakeUp: w, Commit: noCommit}, nil
	case <-m.done:
		return Delivery{}, ErrClosed
	case <-ctx.Done():
		return Delivery{}, ctx.Err()
	}
}

// Len returns the number of buffered wake-ups.
func (m *Memory) Len() int {
	return len(m.queue)
}

func (m *Memory) Close() error {
	m.once.Do(func() { close(m.done) })
	return nil
}

func noCommit(context.Context) error { return nil }
