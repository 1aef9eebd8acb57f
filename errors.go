package channelsync

import (
	"errors"

	"github.com/nlstn/go-channelsync/internal/channel"
	"github.com/nlstn/go-channelsync/internal/operation"
	"github.com/nlstn/go-channelsync/internal/payload"
	"github.com/nlstn/go-channelsync/internal/ratelimit"
	"github.com/nlstn/go-channelsync/internal/taskstore"
)

// Sentinel errors. Match them with errors.Is.
var (
	// ErrValidation indicates bad enqueue input. Never retried.
	ErrValidation = taskstore.ErrValidation

	// ErrTaskNotFound indicates the task does not exist, or was deleted.
	ErrTaskNotFound = taskstore.ErrTaskNotFound

	// ErrInvalidPayload indicates an operation payload that does not decode
	// or validate.
	ErrInvalidPayload = payload.ErrInvalid

	// ErrDuplicateHandler is returned by RegisterHandler for a pair that
	// already has a handler.
	ErrDuplicateHandler = operation.ErrDuplicateHandler

	// ErrTaskGone is what Request.CheckAlive returns once the running task
	// was deleted.
	ErrTaskGone = operation.ErrTaskGone

	// ErrUnsupported is returned by channels that cannot perform an
	// operation.
	ErrUnsupported = channel.ErrUnsupported

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("channelsync: service closed")
)

// Typed errors. Match them with errors.As.
type (
	// UnknownOperationError reports a (channel, operation) pair without a
	// handler.
	UnknownOperationError = operation.UnknownOperationError

	// DeferredError reports an account whose quota is spent, with the time
	// calls may resume.
	DeferredError = ratelimit.DeferredError

	// APIError is a non-2xx answer from a channel API.
	APIError = channel.APIError
)
