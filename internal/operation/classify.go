package operation

import (
	"errors"

	"github.com/nlstn/go-channelsync/internal/ratelimit"
)

// ErrInvalidPayload marks payloads a handler cannot act on.
var ErrInvalidPayload = errors.New("operation: invalid payload")

// retryClassifier is implemented by errors that know whether a retry helps,
// such as channel API errors.
type retryClassifier interface {
	Retryable() bool
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }
func (e *permanentError) Retryable() bool {
	return false
}

// MarkPermanent makes Classify treat err as permanent.
func MarkPermanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Classify turns a handler error into an outcome. A quota deferral
// suspends the task with token until quota returns. Invalid payloads, deleted
// tasks and errors that classify themselves as final are permanent. Anything
// else, timeouts and cancellations included, is retried within the budget.
func Classify(err error, token []byte) Outcome {
	if err == nil {
		return Succeeded(nil)
	}

	var deferred *ratelimit.DeferredError
	if errors.As(err, &deferred) {
		if len(token) == 0 {
			token = StartToken
		}
		out := Suspended(token, deferred.ResumeAt)
		out.Err = err
		return out
	}

	var unknown *UnknownOperationError
	if errors.Is(err, ErrInvalidPayload) || errors.Is(err, ErrTaskGone) || errors.As(err, &unknown) {
		return Permanent(err)
	}

	var rc retryClassifier
	if errors.As(err, &rc) {
		if rc.Retryable() {
			return Retryable(err)
		}
		return Permanent(err)
	}
	return Retryable(err)
}
