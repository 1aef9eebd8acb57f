package taskstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Claim atomically moves a due pending task, or a claimed task whose lease
// has expired, to claimed with a fresh lease. Exactly one concurrent caller
// wins; the others get ErrClaimConflict.
//
// Claiming consumes the modified flag. The returned record carries the value
// it had before the claim, so a resumed handler can tell that the task was
// enqueued again while it was parked.
//
// The continuation token stays on the row while the task is claimed so that a
// task reclaimed after a crashed dispatcher resumes from the same point. It is
// cleared by the terminal transition.
func (s *Store) Claim(ctx context.Context, id int64, lease time.Duration) (*TaskRecord, error) {
	if lease <= 0 {
		return nil, fmt.Errorf("taskstore: lease must be positive, got %s", lease)
	}
	now := s.Now()
	expires := now.Add(lease).Truncate(timePrecision)

	var rec TaskRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.First(&rec, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrTaskNotFound
		}
		if err != nil {
			return err
		}

		res := tx.Model(&TaskRecord{}).
			Where("id = ? AND modified = ?", id, rec.Modified).
			Where("((state = ? AND (state_expires_at IS NULL OR state_expires_at <= ?)) OR (state = ? AND state_expires_at < ?))",
				StatePending, now, StateClaimed, now).
			Updates(map[string]interface{}{
				"state":            StateClaimed,
				"state_expires_at": expires,
				"modified":         false,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return ErrClaimConflict
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	rec.State = StateClaimed
	rec.StateExpiresAt = &expires
	return &rec, nil
}

// Complete moves a claimed task to succeeded and stores data as its result.
func (s *Store) Complete(ctx context.Context, lease Lease, data json.RawMessage) (Transition, error) {
	payload, err := json.Marshal(Result{Data: data})
	if err != nil {
		return Transition{}, err
	}
	return s.finish(ctx, lease, StateSucceeded, payload)
}

// Fail records a handler failure. A retryable failure with budget left bumps
// the retry counter and reschedules the task after the backoff delay;
// anything else makes the task failed.
func (s *Store) Fail(ctx context.Context, lease Lease, cause error, retryable bool) (Transition, error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}

	var tr Transition
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec, err := s.leased(tx, lease)
		if err != nil {
			return err
		}

		if retryable && !s.policy.Exhausted(rec.Retry) {
			next := rec.Retry + 1
			notBefore := s.Now().Add(s.policy.Delay(next)).Truncate(timePrecision)
			res := tx.Model(&TaskRecord{}).
				Where("id = ? AND state = ? AND state_expires_at = ?", lease.TaskID, StateClaimed, lease.ExpiresAt).
				Updates(map[string]interface{}{
					"state":            StatePending,
					"state_expires_at": notBefore,
					"retry":            gorm.Expr("retry + 1"),
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected != 1 {
				return ErrLeaseLost
			}
			tr = Transition{State: StatePending, Retry: next, NotBefore: &notBefore}
			return nil
		}

		kind := KindPermanent
		if retryable {
			kind = KindRetriesExhausted
		}
		payload, err := json.Marshal(Result{Error: msg, Kind: kind})
		if err != nil {
			return err
		}
		tr, err = s.finishTx(tx, rec, lease, StateFailed, payload)
		return err
	})
	return tr, err
}

func (s *Store) finish(ctx context.Context, lease Lease, state State, result []byte) (Transition, error) {
	var tr Transition
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec, err := s.leased(tx, lease)
		if err != nil {
			return err
		}
		tr, err = s.finishTx(tx, rec, lease, state, result)
		return err
	})
	return tr, err
}

// finishTx performs a terminal transition inside tx. Only the lease holder
// can add children to a claimed task, so checking the children before the
// update cannot race with a new child being enqueued.
func (s *Store) finishTx(tx *gorm.DB, rec *TaskRecord, lease Lease, state State, result []byte) (Transition, error) {
	unfinished, err := countChildren(tx, rec.ID, unfinishedStates)
	if err != nil {
		return Transition{}, err
	}
	if unfinished > 0 {
		return Transition{}, fmt.Errorf("%w: task %d has %d", ErrChildrenPending, rec.ID, unfinished)
	}

	res := tx.Model(&TaskRecord{}).
		Where("id = ? AND state = ? AND state_expires_at = ?", lease.TaskID, StateClaimed, lease.ExpiresAt).
		Updates(map[string]interface{}{
			"state":            state,
			"state_expires_at": nil,
			"suspension_point": nil,
			"result":           datatypes.JSON(result),
			"modified":         true,
		})
	if res.Error != nil {
		return Transition{}, res.Error
	}
	if res.RowsAffected != 1 {
		return Transition{}, ErrLeaseLost
	}

	tr := Transition{State: state, Retry: rec.Retry}
	if rec.ParentID != nil {
		woke, err := wakeParent(tx, *rec.ParentID)
		if err != nil {
			return Transition{}, err
		}
		if woke {
			tr.WokenParent = *rec.ParentID
		}
	}
	return tr, nil
}

// Suspend parks a claimed task with the handler's continuation token. A zero
// resumeNotBefore means the task waits for an external wake; if it waits on
// children that have all finished already, it is made pending immediately.
func (s *Store) Suspend(ctx context.Context, lease Lease, token []byte, resumeNotBefore time.Time) (Transition, error) {
	if len(token) == 0 {
		return Transition{}, fmt.Errorf("%w: suspension requires a continuation token", ErrValidation)
	}

	var notBefore *time.Time
	if !resumeNotBefore.IsZero() {
		t := resumeNotBefore.UTC().Truncate(timePrecision)
		notBefore = &t
	}

	var tr Transition
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec, err := s.leased(tx, lease)
		if err != nil {
			return err
		}

		res := tx.Model(&TaskRecord{}).
			Where("id = ? AND state = ? AND state_expires_at = ?", lease.TaskID, StateClaimed, lease.ExpiresAt).
			Updates(map[string]interface{}{
				"state":            StateSuspended,
				"state_expires_at": notBefore,
				"suspension_point": token,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return ErrLeaseLost
		}
		tr = Transition{State: StateSuspended, Retry: rec.Retry, NotBefore: notBefore}

		if notBefore == nil {
			woke, err := wakeParent(tx, rec.ID)
			if err != nil {
				return err
			}
			if woke {
				tr.State = StatePending
			}
		}
		return nil
	})
	return tr, err
}

// ResumeDue makes pending every suspended task whose resume time has
// arrived, and every parent still waiting on children that have all
// finished. The continuation token stays on the row so the next claim hands
// it back to the handler. The returned ids may include tasks another
// dispatcher resumed concurrently.
func (s *Store) ResumeDue(ctx context.Context, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = 500
	}
	ids, err := s.release(ctx, StateSuspended, "state_expires_at IS NOT NULL AND state_expires_at <= ?", limit)
	if err != nil {
		return nil, err
	}
	parents, err := s.resumeWaitingParents(ctx, limit)
	if err != nil {
		return ids, err
	}
	return append(ids, parents...), nil
}

// resumeWaitingParents wakes parents whose last children finished in
// concurrent transactions that each still saw a sibling running.
func (s *Store) resumeWaitingParents(ctx context.Context, limit int) ([]int64, error) {
	db := s.db.WithContext(ctx)
	var ids []int64
	if err := db.Model(&TaskRecord{}).
		Where("state = ? AND state_expires_at IS NULL", StateSuspended).
		Where("EXISTS (SELECT 1 FROM task_queue AS c WHERE c.parent_id = task_queue.id)").
		Where("NOT EXISTS (SELECT 1 FROM task_queue AS c WHERE c.parent_id = task_queue.id AND c.state IN ?)", unfinishedStates).
		Order("id").
		Limit(limit).
		Pluck("id", &ids).Error; err != nil {
		return nil, err
	}

	var woken []int64
	for _, id := range ids {
		err := db.Transaction(func(tx *gorm.DB) error {
			ok, err := wakeParent(tx, id)
			if ok {
				woken = append(woken, id)
			}
			return err
		})
		if err != nil {
			return woken, err
		}
	}
	if len(woken) > 0 {
		s.logger.Info("taskstore: resumed parents with finished children", "count", len(woken))
	}
	return woken, nil
}

// Wake makes a suspended task pending now, whatever it waits for. It reports
// false when the task exists but is not suspended.
func (s *Store) Wake(ctx context.Context, id int64) (bool, error) {
	res := s.db.WithContext(ctx).Model(&TaskRecord{}).
		Where("id = ? AND state = ?", id, StateSuspended).
		Updates(map[string]interface{}{
			"state":            StatePending,
			"state_expires_at": nil,
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 1 {
		s.logger.Debug("taskstore: woke task", "task_id", id)
		return true, nil
	}
	ok, err := s.Exists(ctx, id)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, ErrTaskNotFound
	}
	return false, nil
}

// ReclaimExpired returns claimed tasks whose lease has passed to pending.
func (s *Store) ReclaimExpired(ctx context.Context, limit int) ([]int64, error) {
	return s.release(ctx, StateClaimed, "state_expires_at IS NOT NULL AND state_expires_at < ?", limit)
}

func (s *Store) release(ctx context.Context, from State, cond string, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = 500
	}
	now := s.Now()
	db := s.db.WithContext(ctx)

	var ids []int64
	if err := db.Model(&TaskRecord{}).
		Where("state = ?", from).
		Where(cond, now).
		Order("id").
		Limit(limit).
		Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	res := db.Model(&TaskRecord{}).
		Where("id IN ? AND state = ?", ids, from).
		Where(cond, now).
		Updates(map[string]interface{}{
			"state":            StatePending,
			"state_expires_at": nil,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected > 0 {
		s.logger.Debug("taskstore: released tasks", "from", from, "count", res.RowsAffected)
	}
	return ids, nil
}

// leased loads the task and verifies the caller still holds lease.
func (s *Store) leased(tx *gorm.DB, lease Lease) (*TaskRecord, error) {
	var rec TaskRecord
	err := tx.First(&rec, "id = ?", lease.TaskID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	if rec.State != StateClaimed || rec.StateExpiresAt == nil || !rec.StateExpiresAt.Equal(lease.ExpiresAt) {
		return nil, ErrLeaseLost
	}
	return &rec, nil
}

// wakeParent moves a suspended parent to pending once none of its children is
// unfinished. The parent row is locked first so that sibling completions
// committing concurrently serialise on it.
func wakeParent(tx *gorm.DB, parentID int64) (bool, error) {
	var parent TaskRecord
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Select("id", "state").
		Take(&parent, "id = ?", parentID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if parent.State != StateSuspended {
		return false, nil
	}

	unfinished, err := countChildren(tx, parentID, unfinishedStates)
	if err != nil {
		return false, err
	}
	if unfinished > 0 {
		return false, nil
	}
	total, err := countChildren(tx, parentID, nil)
	if err != nil || total == 0 {
		return false, err
	}
	res := tx.Model(&TaskRecord{}).
		Where("id = ? AND state = ?", parentID, StateSuspended).
		Updates(map[string]interface{}{
			"state":            StatePending,
			"state_expires_at": nil,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func countChildren(tx *gorm.DB, parentID int64, states []State) (int64, error) {
	q := tx.Model(&TaskRecord{}).Where("parent_id = ?", parentID)
	if len(states) > 0 {
		q = q.Where("state IN ?", states)
	}
	var n int64
	err := q.Count(&n).Error
	return n, err
}
