package taskstore

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// Filter narrows status queries to a tenant and optionally a channel.
type Filter struct {
	CompanyID int64
	ChannelID int64
}

// CountByState aggregates tasks matching f by state.
func (s *Store) CountByState(ctx context.Context, f Filter) (Counts, error) {
	q := s.db.WithContext(ctx).Model(&TaskRecord{})
	if f.CompanyID > 0 {
		q = q.Where("company_id = ?", f.CompanyID)
	}
	if f.ChannelID > 0 {
		q = q.Where("channel_id = ?", f.ChannelID)
	}
	return s.countBy(q)
}

// TreeCounts aggregates a task and all its descendants by state, which is how
// the status of one shop sync is reported.
func (s *Store) TreeCounts(ctx context.Context, root int64) (Counts, error) {
	var counts Counts
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		tree, err := loadSubtree(tx, root)
		if err != nil {
			return err
		}
		ids := tree.Subtree(root)
		for start := 0; start < len(ids); start += deleteChunk {
			end := start + deleteChunk
			if end > len(ids) {
				end = len(ids)
			}
			part, err := s.countBy(tx.Model(&TaskRecord{}).Where("id IN ?", ids[start:end]))
			if err != nil {
				return err
			}
			counts.Pending += part.Pending
			counts.Claimed += part.Claimed
			counts.Suspended += part.Suspended
			counts.Succeeded += part.Succeeded
			counts.Failed += part.Failed
		}
		return nil
	})
	return counts, err
}

func (s *Store) countBy(q *gorm.DB) (Counts, error) {
	type row struct {
		State State
		N     int64
	}
	var rows []row
	if err := q.Select("state, COUNT(*) AS n").Group("state").Scan(&rows).Error; err != nil {
		return Counts{}, err
	}
	var c Counts
	for _, r := range rows {
		c.Add(r.State, r.N)
	}
	return c, nil
}

// Prune deletes terminal tasks created before cutoff. Deletion runs
// leaf-first: a task is only removed once it has no children left, so a
// parent with younger descendants survives until they age out too. Children
// of a parent that has not finished are kept, since the parent still reads
// their outcome.
func (s *Store) Prune(ctx context.Context, cutoff time.Time, batch int) (int64, error) {
	if batch <= 0 {
		batch = deleteChunk
	}
	cutoff = cutoff.UTC()
	db := s.db.WithContext(ctx)

	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		var ids []int64
		if err := db.Model(&TaskRecord{}).
			Where("state IN ? AND created_at < ?", terminalStates, cutoff).
			Where("NOT EXISTS (SELECT 1 FROM task_queue AS c WHERE c.parent_id = task_queue.id)").
			Where("(parent_id IS NULL OR EXISTS (SELECT 1 FROM task_queue AS p WHERE p.id = task_queue.parent_id AND p.state IN ?))", terminalStates).
			Order("id").
			Limit(batch).
			Pluck("id", &ids).Error; err != nil {
			return total, err
		}
		if len(ids) == 0 {
			return total, nil
		}
		res := db.Where("id IN ? AND state IN ?", ids, terminalStates).Delete(&TaskRecord{})
		if res.Error != nil {
			return total, res.Error
		}
		total += res.RowsAffected
		if res.RowsAffected == 0 {
			return total, nil
		}
	}
}
