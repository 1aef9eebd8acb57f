package taskstore

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// State represents the lifecycle state of a task.
type State string

const (
	// StatePending marks a task waiting to be claimed.
	StatePending State = "pending"
	// StateClaimed marks a task held by exactly one dispatcher.
	StateClaimed State = "claimed"
	// StateSuspended marks a task parked until its resume time or an external wake.
	StateSuspended State = "suspended"
	// StateSucceeded marks a task whose handler finished successfully.
	StateSucceeded State = "succeeded"
	// StateFailed marks a task that failed permanently or ran out of retries.
	StateFailed State = "failed"
)

// terminalStates is used in SQL filters.
var terminalStates = []State{StateSucceeded, StateFailed}

// unfinishedStates is used in SQL filters.
var unfinishedStates = []State{StatePending, StateClaimed, StateSuspended}

// IsTerminal reports whether the state is final.
func (s State) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateClaimed, StateSuspended, StateSucceeded, StateFailed:
		return true
	default:
		return false
	}
}

// TaskRecord is the durable row describing one unit of work.
//
// StateExpiresAt is overloaded by state: the lease expiry while claimed, the
// not-before time of a scheduled retry while pending, and the resume time
// while suspended.
type TaskRecord struct {
	ID              int64          `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	CompanyID       int64          `gorm:"column:company_id;not null;index:idx_task_queue_tenant" json:"companyId"`
	ChannelID       int64          `gorm:"column:channel_id;not null;index:idx_task_queue_tenant" json:"channelId"`
	Operation       string         `gorm:"column:operation;not null;size:64" json:"operation"`
	OperationData   datatypes.JSON `gorm:"column:operation_data" json:"operationData,omitempty"`
	CreatedAt       time.Time      `gorm:"column:created_at;not null;index" json:"createdAt"`
	State           State          `gorm:"column:state;not null;size:16;index" json:"state"`
	StateExpiresAt  *time.Time     `gorm:"column:state_expires_at;index" json:"stateExpiresAt,omitempty"`
	Retry           int            `gorm:"column:retry;not null;default:0" json:"retry"`
	ParentID        *int64         `gorm:"column:parent_id;index" json:"parentId,omitempty"`
	SuspensionPoint []byte         `gorm:"column:suspension_point" json:"suspensionPoint,omitempty"`
	Result          datatypes.JSON `gorm:"column:result" json:"result,omitempty"`
	Modified        bool           `gorm:"column:modified;not null;default:false" json:"modified"`

	Parent *TaskRecord `gorm:"foreignKey:ParentID;references:ID;constraint:OnDelete:CASCADE" json:"-"`
}

// TableName keeps the historical table name.
func (TaskRecord) TableName() string {
	return "task_queue"
}

// Lease identifies one claim of a task. The expiry doubles as a fencing
// token: every transition out of claimed must present the lease it was
// claimed with.
type Lease struct {
	TaskID    int64
	ExpiresAt time.Time
}

// Lease returns the lease of a claimed record.
func (r *TaskRecord) Lease() Lease {
	l := Lease{TaskID: r.ID}
	if r.StateExpiresAt != nil {
		l.ExpiresAt = *r.StateExpiresAt
	}
	return l
}

// DecodeResult parses the stored result. It returns nil for non-terminal tasks.
func (r *TaskRecord) DecodeResult() (*Result, error) {
	if len(r.Result) == 0 {
		return nil, nil
	}
	var res Result
	if err := json.Unmarshal(r.Result, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Result is the terminal outcome payload.
type Result struct {
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
	Kind  string          `json:"kind,omitempty"`
}

// Failure kinds written into Result.Kind.
const (
	KindPermanent        = "permanent"
	KindRetriesExhausted = "retries_exhausted"
)

// Counts aggregates tasks by state.
type Counts struct {
	Pending   int64 `json:"pending"`
	Claimed   int64 `json:"claimed"`
	Suspended int64 `json:"suspended"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
}

// Add increments the counter for state by n.
func (c *Counts) Add(state State, n int64) {
	switch state {
	case StatePending:
		c.Pending += n
	case StateClaimed:
		c.Claimed += n
	case StateSuspended:
		c.Suspended += n
	case StateSucceeded:
		c.Succeeded += n
	case StateFailed:
		c.Failed += n
	}
}

// Unfinished returns the number of non-terminal tasks.
func (c Counts) Unfinished() int64 {
	return c.Pending + c.Claimed + c.Suspended
}

// Total returns the number of tasks counted.
func (c Counts) Total() int64 {
	return c.Unfinished() + c.Succeeded + c.Failed
}

// Transition describes the effect of a state change.
type Transition struct {
	State State
	Retry int
	// NotBefore is set when the task was rescheduled or suspended until a time.
	NotBefore *time.Time
	// WokenParent is the id of a suspended parent that became pending because
	// its last unfinished child reached a terminal state.
	WokenParent int64
}
