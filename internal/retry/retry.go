// Package retry holds the retry budget and backoff schedule applied to
// retryable task failures.
package retry

import (
	"errors"
	"math"
	"time"
)

const (
	// DefaultMaxRetries is the number of retryable failures tolerated before a task fails.
	DefaultMaxRetries = 5
	// DefaultBaseDelay is the delay applied after the first retryable failure.
	DefaultBaseDelay = 2 * time.Second
	// DefaultFactor multiplies the delay after every further failure.
	DefaultFactor = 2.0
	// DefaultMaxDelay caps the computed delay.
	DefaultMaxDelay = 5 * time.Minute
)

// Policy describes how often and how late a retryable failure is retried.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	Factor     float64
	MaxDelay   time.Duration
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
		Factor:     DefaultFactor,
		MaxDelay:   DefaultMaxDelay,
	}
}

// Validate reports configuration mistakes.
func (p Policy) Validate() error {
	if p.MaxRetries < 0 {
		return errors.New("retry: max retries must not be negative")
	}
	if p.BaseDelay < 0 || p.MaxDelay < 0 {
		return errors.New("retry: delays must not be negative")
	}
	if p.Factor < 1 {
		return errors.New("retry: factor must be at least 1")
	}
	return nil
}

// Exhausted reports whether a task that has already been retried retries
// times may not be retried again.
func (p Policy) Exhausted(retries int) bool {
	return retries >= p.MaxRetries
}

// Delay returns the backoff before the given attempt. Attempt 1 is the first
// retry. The result never exceeds MaxDelay when MaxDelay is set.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 || p.BaseDelay <= 0 {
		return 0
	}
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}
	seconds := p.BaseDelay.Seconds() * math.Pow(factor, float64(attempt-1))
	if p.MaxDelay > 0 && seconds > p.MaxDelay.Seconds() {
		return p.MaxDelay
	}
	if seconds > math.MaxInt64/float64(time.Second) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(seconds * float64(time.Second))
}
