package operation

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind enumerates the outcomes a handler can report.
type Kind int

const (
	// KindSucceeded ends the task successfully.
	KindSucceeded Kind = iota + 1
	// KindRetryable asks for another attempt after backoff.
	KindRetryable
	// KindPermanent ends the task as failed without retrying.
	KindPermanent
	// KindSuspended parks the task with a continuation token.
	KindSuspended
)

func (k Kind) String() string {
	switch k {
	case KindSucceeded:
		return "succeeded"
	case KindRetryable:
		return "retryable"
	case KindPermanent:
		return "permanent"
	case KindSuspended:
		return "suspended"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// StartToken is the continuation token for "run again from the beginning".
var StartToken = []byte(`{}`)

// Outcome is what a handler invocation produced. Build it with Succeeded,
// Retryable, Permanent or Suspended.
type Outcome struct {
	Kind Kind
	// Data is the success payload.
	Data json.RawMessage
	// Err is the failure cause of retryable and permanent outcomes. A
	// suspended outcome built by Classify keeps the quota deferral here.
	Err error
	// Token is the continuation of a suspended outcome.
	Token []byte
	// ResumeAt is the earliest time a suspended task runs again. Zero means
	// it waits for its children.
	ResumeAt time.Time
}

// Succeeded reports success with an optional JSON payload.
func Succeeded(data json.RawMessage) Outcome {
	return Outcome{Kind: KindSucceeded, Data: data}
}

// SucceededWith reports success with v marshalled as the payload.
func SucceededWith(v any) Outcome {
	data, err := json.Marshal(v)
	if err != nil {
		return Permanent(fmt.Errorf("operation: encode result: %w", err))
	}
	return Succeeded(data)
}

// Retryable reports a transient failure.
func Retryable(err error) Outcome {
	return Outcome{Kind: KindRetryable, Err: err}
}

// Permanent reports a failure that another attempt would not fix.
func Permanent(err error) Outcome {
	return Outcome{Kind: KindPermanent, Err: err}
}

// Suspended parks the task until resumeAt, or until its children finish
// when resumeAt is zero. The token is handed back on the next invocation.
func Suspended(token []byte, resumeAt time.Time) Outcome {
	return Outcome{Kind: KindSuspended, Token: token, ResumeAt: resumeAt}
}

// WaitForChildren is Suspended with no resume time.
func WaitForChildren(token []byte) Outcome {
	return Suspended(token, time.Time{})
}

func (o Outcome) String() string {
	switch o.Kind {
	case KindRetryable, KindPermanent:
		return fmt.Sprintf("%s: %v", o.Kind, o.Err)
	case KindSuspended:
		if o.ResumeAt.IsZero() {
			return "suspended until children finish"
		}
		return "suspended until " + o.ResumeAt.UTC().Format(time.RFC3339)
	default:
		return o.Kind.String()
	}
}

// normalize turns malformed outcomes into well-formed ones.
func (o Outcome) normalize() Outcome {
	switch o.Kind {
	case KindSucceeded:
		if len(o.Data) > 0 && !json.Valid(o.Data) {
			return Permanent(errors.New("operation: handler returned invalid JSON result"))
		}
		return o
	case KindRetryable, KindPermanent:
		if o.Err == nil {
			o.Err = fmt.Errorf("operation: handler reported %s failure without a cause", o.Kind)
		}
		return o
	case KindSuspended:
		if len(o.Token) == 0 {
			o.Token = StartToken
		}
		return o
	default:
		return Permanent(errors.New("operation: handler returned no outcome"))
	}
}
