package taskstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/nlstn/go-channelsync/internal/tasktree"
	"gorm.io/gorm"
)

// deleteChunk bounds the IN list of a single DELETE statement.
const deleteChunk = 500

// DeleteSubtree removes the task and every descendant, whatever their state,
// in one transaction and returns the number of records removed.
func (s *Store) DeleteSubtree(ctx context.Context, id int64) (int64, error) {
	var removed int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		tree, err := loadSubtree(tx, id)
		if err != nil {
			return err
		}
		ids := tree.Subtree(id)
		if err := deleteIDs(tx, ids); err != nil {
			return err
		}
		removed = int64(len(ids))
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.logger.Debug("taskstore: deleted subtree", "task_id", id, "removed", removed)
	return removed, nil
}

// loadSubtree walks parent_id edges breadth-first from root into an arena.
func loadSubtree(tx *gorm.DB, root int64) (*tasktree.Tree, error) {
	var n int64
	if err := tx.Model(&TaskRecord{}).Where("id = ?", root).Count(&n).Error; err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrTaskNotFound
	}

	tree := tasktree.New()
	if err := tree.Add(root, 0); err != nil {
		return nil, err
	}

	type edge struct {
		ID       int64
		ParentID int64
	}
	frontier := []int64{root}
	for len(frontier) > 0 {
		var edges []edge
		if err := tx.Model(&TaskRecord{}).
			Select("id, parent_id").
			Where("parent_id IN ?", frontier).
			Order("id").
			Scan(&edges).Error; err != nil {
			return nil, err
		}
		frontier = frontier[:0]
		for _, e := range edges {
			if tree.Contains(e.ID) {
				continue
			}
			if err := tree.Add(e.ID, e.ParentID); err != nil {
				return nil, fmt.Errorf("taskstore: task %d: %w", e.ID, err)
			}
			frontier = append(frontier, e.ID)
		}
	}
	return tree, nil
}

// deleteIDs removes rows in descendant-first order. With ON DELETE CASCADE
// some rows may already be gone when their chunk runs, so success is checked
// by counting survivors rather than summing RowsAffected.
func deleteIDs(tx *gorm.DB, ids []int64) error {
	for start := 0; start < len(ids); start += deleteChunk {
		end := start + deleteChunk
		if end > len(ids) {
			end = len(ids)
		}
		if err := tx.Where("id IN ?", ids[start:end]).Delete(&TaskRecord{}).Error; err != nil {
			return err
		}
	}
	var left int64
	for start := 0; start < len(ids); start += deleteChunk {
		end := start + deleteChunk
		if end > len(ids) {
			end = len(ids)
		}
		var n int64
		if err := tx.Model(&TaskRecord{}).Where("id IN ?", ids[start:end]).Count(&n).Error; err != nil {
			return err
		}
		left += n
	}
	if left != 0 {
		return fmt.Errorf("taskstore: %d records survived subtree delete", left)
	}
	return nil
}

// Children returns the direct children of a task, oldest first.
func (s *Store) Children(ctx context.Context, parentID int64) ([]TaskRecord, error) {
	var out []TaskRecord
	err := s.db.WithContext(ctx).Where("parent_id = ?", parentID).Order("id").Find(&out).Error
	return out, err
}

// ChildrenPage returns up to limit direct children with an id above afterID,
// oldest first. A limit of zero or less means no limit.
func (s *Store) ChildrenPage(ctx context.Context, parentID, afterID int64, limit int) ([]TaskRecord, error) {
	q := s.db.WithContext(ctx).Where("parent_id = ? AND id > ?", parentID, afterID).Order("id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []TaskRecord
	err := q.Find(&out).Error
	return out, err
}

// ChildSummary counts the direct children of a task by state.
func (s *Store) ChildSummary(ctx context.Context, parentID int64) (Counts, error) {
	return s.countBy(s.db.WithContext(ctx).Model(&TaskRecord{}).Where("parent_id = ?", parentID))
}

// HasUnfinishedChildren reports whether any direct child is not terminal.
func (s *Store) HasUnfinishedChildren(ctx context.Context, parentID int64) (bool, error) {
	n, err := countChildren(s.db.WithContext(ctx), parentID, unfinishedStates)
	return n > 0, err
}

// DropCompletedChildren deletes the terminal direct children of a task along
// with their subtrees, and returns how many records were removed.
func (s *Store) DropCompletedChildren(ctx context.Context, parentID int64) (int64, error) {
	var removed int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var childIDs []int64
		if err := tx.Model(&TaskRecord{}).
			Where("parent_id = ? AND state IN ?", parentID, terminalStates).
			Order("id").
			Pluck("id", &childIDs).Error; err != nil {
			return err
		}
		for _, child := range childIDs {
			tree, err := loadSubtree(tx, child)
			if errors.Is(err, ErrTaskNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			ids := tree.Subtree(child)
			if err := deleteIDs(tx, ids); err != nil {
				return err
			}
			removed += int64(len(ids))
		}
		return nil
	})
	return removed, err
}
