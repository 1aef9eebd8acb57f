// Package broker carries wake-up messages that tell dispatchers a task may be
// ready. A wake-up is only a hint: the task store decides whether the task
// can actually be claimed, so duplicates and reordering are harmless.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("broker: closed")
	// ErrQueueFull is returned by the in-memory broker when its buffer is full.
	ErrQueueFull = errors.New("broker: queue is full")
	// ErrInvalidMessage marks a message that is not a wake-up.
	ErrInvalidMessage = errors.New("broker: invalid message")
)

// WakeUp names a task to look at.
type WakeUp struct {
	TaskID int64 `json:"taskId"`
}

// Encode returns the wire form of w.
func (w WakeUp) Encode() ([]byte, error) {
	if w.TaskID <= 0 {
		return nil, fmt.Errorf("%w: task id must be positive", ErrInvalidMessage)
	}
	return json.Marshal(w)
}

// DecodeWakeUp parses the wire form.
func DecodeWakeUp(raw []byte) (WakeUp, error) {
	var w WakeUp
	if err := json.Unmarshal(raw, &w); err != nil {
		return WakeUp{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if w.TaskID <= 0 {
		return WakeUp{}, fmt.Errorf("%w: missing taskId", ErrInvalidMessage)
	}
	return w, nil
}

// Delivery is a received wake-up. Commit acknowledges it once the task was
// handled; an uncommitted delivery may be redelivered.
type Delivery struct {
	WakeUp
	Commit func(ctx context.Context) error
}

// Publisher sends wake-ups.
type Publisher interface {
	Publish(ctx context.Context, w WakeUp) error
	Close() error
}

// Subscriber receives wake-ups.
type Subscriber interface {
	// Next blocks until a wake-up arrives, ctx ends or the subscriber closes.
	Next(ctx context.Context) (Delivery, error)
	Close() error
}

// Discard is a Publisher that drops everything; dispatchers then rely on
// polling alone.
type Discard struct{}

func (Discard) Publish(context.Context, WakeUp) error { return nil }
func (Discard) Close() error { return nil }

// SplitCSV splits a comma separated broker list, dropping blanks.
func SplitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
