// Package taskstore persists channel synchronisation tasks and implements
// their state machine.
//
// Every transition that several dispatchers may race on is a single
// conditional UPDATE; callers learn whether they won from RowsAffected.
package taskstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/nlstn/go-channelsync/internal/retry"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	// ErrValidation indicates bad enqueue input.
	ErrValidation = errors.New("taskstore: validation error")
	// ErrTaskNotFound indicates the task no longer exists, usually because it
	// or an ancestor was deleted.
	ErrTaskNotFound = errors.New("taskstore: task not found")
	// ErrClaimConflict indicates the task was not claimable.
	ErrClaimConflict = errors.New("taskstore: claim conflict")
	// ErrLeaseLost indicates the caller's lease no longer matches the row.
	ErrLeaseLost = errors.New("taskstore: lease lost")
	// ErrChildrenPending indicates a parent tried to finish while children are unfinished.
	ErrChildrenPending = errors.New("taskstore: children still unfinished")
)

// timePrecision is the coarsest precision among the supported databases;
// leases are compared for equality so every stored time is truncated to it.
const timePrecision = time.Millisecond

// Store is the gorm-backed task record store.
type Store struct {
	db     *gorm.DB
	policy retry.Policy
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithRetryPolicy sets the retry budget and backoff.
func WithRetryPolicy(p retry.Policy) Option {
	return func(s *Store) {
		s.policy = p
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New migrates the task table and returns a Store.
func New(db *gorm.DB, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, errors.New("taskstore: database handle is required")
	}

	s := &Store{
		db:     db,
		policy: retry.DefaultPolicy(),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if err := s.policy.Validate(); err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&TaskRecord{}); err != nil {
		return nil, fmt.Errorf("taskstore: migrate: %w", err)
	}
	return s, nil
}

// Policy returns the retry policy in effect.
func (s *Store) Policy() retry.Policy {
	return s.policy
}

// Now returns the store clock, truncated to the stored precision.
func (s *Store) Now() time.Time {
	return s.now().UTC().Truncate(timePrecision)
}

// EnqueueParams describes a new task.
type EnqueueParams struct {
	CompanyID     int64
	ChannelID     int64
	Operation     string
	OperationData []byte
	ParentID      *int64
	// Deduplicate reuses an unfinished task with identical coordinates and
	// payload instead of inserting a new one.
	Deduplicate bool
}

// EnqueueResult is the stored task plus whether an existing one was reused.
type EnqueueResult struct {
	Task         *TaskRecord
	Deduplicated bool
	// Woken is set when the duplicate was a suspended task waiting for an
	// external event and the enqueue made it pending again.
	Woken bool
}

// Enqueue inserts a pending task.
func (s *Store) Enqueue(ctx context.Context, p EnqueueParams) (*EnqueueResult, error) {
	if p.CompanyID <= 0 {
		return nil, fmt.Errorf("%w: company id is required", ErrValidation)
	}
	if p.ChannelID <= 0 {
		return nil, fmt.Errorf("%w: channel id is required", ErrValidation)
	}
	if p.Operation == "" {
		return nil, fmt.Errorf("%w: operation is required", ErrValidation)
	}
	if len(p.OperationData) > 0 && !json.Valid(p.OperationData) {
		return nil, fmt.Errorf("%w: operation data must be JSON", ErrValidation)
	}

	var out *EnqueueResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if p.ParentID != nil {
			var parent TaskRecord
			err := tx.Select("id", "state").First(&parent, "id = ?", *p.ParentID).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: parent task %d does not exist", ErrValidation, *p.ParentID)
			}
			if err != nil {
				return err
			}
			if parent.State.IsTerminal() {
				return fmt.Errorf("%w: parent task %d is already %s", ErrValidation, *p.ParentID, parent.State)
			}
		}

		if p.Deduplicate {
			existing, err := s.findDuplicate(tx, p)
			if err != nil {
				return err
			}
			if existing != nil {
				if err := tx.Model(&TaskRecord{}).Where("id = ?", existing.ID).Update("modified", true).Error; err != nil {
					return err
				}
				existing.Modified = true
				out = &EnqueueResult{Task: existing, Deduplicated: true}
				woken, err := wakeIdle(tx, existing)
				if err != nil {
					return err
				}
				out.Woken = woken
				return nil
			}
		}

		rec := &TaskRecord{
			CompanyID:     p.CompanyID,
			ChannelID:     p.ChannelID,
			Operation:     p.Operation,
			OperationData: datatypes.JSON(p.OperationData),
			CreatedAt:     s.Now(),
			State:         StatePending,
			ParentID:      p.ParentID,
			Modified:      true,
		}
		if err := tx.Create(rec).Error; err != nil {
			return err
		}
		out = &EnqueueResult{Task: rec}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// wakeIdle makes pending a suspended task that has no resume time and no
// unfinished children, i.e. one that only an outside event can continue.
func wakeIdle(tx *gorm.DB, rec *TaskRecord) (bool, error) {
	if rec.State != StateSuspended || rec.StateExpiresAt != nil {
		return false, nil
	}
	unfinished, err := countChildren(tx, rec.ID, unfinishedStates)
	if err != nil || unfinished > 0 {
		return false, err
	}
	res := tx.Model(&TaskRecord{}).
		Where("id = ? AND state = ? AND state_expires_at IS NULL", rec.ID, StateSuspended).
		Updates(map[string]interface{}{
			"state":            StatePending,
			"state_expires_at": nil,
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected != 1 {
		return false, nil
	}
	rec.State = StatePending
	return true, nil
}

func (s *Store) findDuplicate(tx *gorm.DB, p EnqueueParams) (*TaskRecord, error) {
	q := tx.Where("company_id = ? AND channel_id = ? AND operation = ? AND state IN ?",
		p.CompanyID, p.ChannelID, p.Operation, unfinishedStates)
	if p.ParentID != nil {
		q = q.Where("parent_id = ?", *p.ParentID)
	} else {
		q = q.Where("parent_id IS NULL")
	}

	var candidates []TaskRecord
	if err := q.Order("id").Find(&candidates).Error; err != nil {
		return nil, err
	}
	want := payloadDigest(p.OperationData)
	for i := range candidates {
		if payloadDigest(candidates[i].OperationData) == want {
			return &candidates[i], nil
		}
	}
	return nil, nil
}

// payloadDigest hashes the compacted JSON so formatting differences between
// producers (and JSON column round trips) do not defeat de-duplication.
func payloadDigest(raw []byte) uint64 {
	if len(raw) == 0 {
		return 0
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return xxhash.Sum64(raw)
	}
	return xxhash.Sum64(buf.Bytes())
}

// Get loads a task by id.
func (s *Store) Get(ctx context.Context, id int64) (*TaskRecord, error) {
	var rec TaskRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Exists reports whether the task row is still present.
func (s *Store) Exists(ctx context.Context, id int64) (bool, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&TaskRecord{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}

// DueTasks returns ids of pending tasks whose not-before time has arrived,
// oldest first.
func (s *Store) DueTasks(ctx context.Context, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = 100
	}
	now := s.Now()
	var ids []int64
	err := s.db.WithContext(ctx).Model(&TaskRecord{}).
		Where("state = ? AND (state_expires_at IS NULL OR state_expires_at <= ?)", StatePending, now).
		Order("created_at, id").
		Limit(limit).
		Pluck("id", &ids).Error
	return ids, err
}

// AcknowledgeCompletion clears the modified flag of a terminal task and
// reports whether this call was the one that cleared it. Exactly one caller
// observes true per terminal transition.
func (s *Store) AcknowledgeCompletion(ctx context.Context, id int64) (bool, error) {
	res := s.db.WithContext(ctx).Model(&TaskRecord{}).
		Where("id = ? AND modified = ? AND state IN ?", id, true, terminalStates).
		Update("modified", false)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ClearModified unconditionally clears the modified flag.
func (s *Store) ClearModified(ctx context.Context, id int64) error {
	res := s.db.WithContext(ctx).Model(&TaskRecord{}).Where("id = ?", id).Update("modified", false)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrTaskNotFound
	}
	return nil
}
