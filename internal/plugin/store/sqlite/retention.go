package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/task-service/internal/model"
	registrystore "github.com/chirino/task-service/internal/registry/store"
	"gorm.io/gorm"
)

// --- Retention ---

// CountExpired returns how many soft-deleted rows in the workspace are past
// the cutoff and eligible for permanent purge.
func (s *Store) CountExpired(ctx context.Context, workspace string, cutoff time.Time) (int64, error) {
	db, err := s.workspaceDB(ctx, workspace)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, m := range []interface{}{&model.TaskEntityLink{}, &model.Task{}, &model.Entity{}} {
		var count int64
		err := db.WithContext(ctx).Model(m).
			Where("deleted_at IS NOT NULL AND deleted_at < ?", cutoff).
			Count(&count).Error
		if err != nil {
			return 0, fmt.Errorf("failed to count expired rows: %w", err)
		}
		total += count
	}
	return total, nil
}

// PurgeExpired permanently erases up to limit soft-deleted rows per table
// whose deleted_at is older than the cutoff. Rows are purged one at a time,
// links before the rows they reference, so an individual failure is skipped
// and reported without aborting the sweep, and an interrupted sweep resumes
// at row granularity.
func (s *Store) PurgeExpired(ctx context.Context, workspace string, cutoff time.Time, limit int) (*registrystore.PurgeResult, error) {
	db, err := s.workspaceDB(ctx, workspace)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = s.cfg.SweepBatchSize
	}
	result := &registrystore.PurgeResult{}

	// Expired links have no dependents; purge them directly.
	linkIDs, err := expiredIDs(db.WithContext(ctx), "task_entity_links", cutoff, limit)
	if err != nil {
		return nil, err
	}
	for _, id := range linkIDs {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		err := db.WithContext(ctx).Where("id = ?", id).Delete(&model.TaskEntityLink{}).Error
		if err != nil {
			log.Error("retention: failed to purge link", "workspace", workspace, "linkId", id, "err", err)
			result.Skipped++
			continue
		}
		result.Links++
	}

	taskIDs, err := expiredIDs(db.WithContext(ctx), "tasks", cutoff, limit)
	if err != nil {
		return nil, err
	}
	for _, id := range taskIDs {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		var links, deps int64
		err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			// Remove referencing rows before the task itself.
			res := tx.Where("task_id = ?", id).Delete(&model.TaskEntityLink{})
			if res.Error != nil {
				return res.Error
			}
			links = res.RowsAffected
			res = tx.Where("task_id = ? OR depends_on_id = ?", id, id).Delete(&model.TaskDependency{})
			if res.Error != nil {
				return res.Error
			}
			deps = res.RowsAffected
			return tx.Where("id = ?", id).Delete(&model.Task{}).Error
		})
		if err != nil {
			log.Error("retention: failed to purge task", "workspace", workspace, "taskId", id, "err", err)
			result.Skipped++
			continue
		}
		result.Links += links
		result.Dependencies += deps
		result.Tasks++
	}

	entityIDs, err := expiredIDs(db.WithContext(ctx), "entities", cutoff, limit)
	if err != nil {
		return nil, err
	}
	for _, id := range entityIDs {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		var links int64
		err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			res := tx.Where("entity_id = ?", id).Delete(&model.TaskEntityLink{})
			if res.Error != nil {
				return res.Error
			}
			links = res.RowsAffected
			return tx.Where("id = ?", id).Delete(&model.Entity{}).Error
		})
		if err != nil {
			log.Error("retention: failed to purge entity", "workspace", workspace, "entityId", id, "err", err)
			result.Skipped++
			continue
		}
		result.Links += links
		result.Entities++
	}

	return result, nil
}

func expiredIDs(tx *gorm.DB, table string, cutoff time.Time, limit int) ([]int64, error) {
	var ids []int64
	err := tx.Table(table).
		Where("deleted_at IS NOT NULL AND deleted_at < ?", cutoff).
		Order("deleted_at ASC, id ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find expired rows in %s: %w", table, err)
	}
	return ids, nil
}
