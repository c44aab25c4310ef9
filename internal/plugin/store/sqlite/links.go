package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/chirino/task-service/internal/governor"
	"github.com/chirino/task-service/internal/model"
	registrystore "github.com/chirino/task-service/internal/registry/store"
	"gorm.io/gorm"
)

// --- Links ---

func (s *Store) LinkTaskEntity(ctx context.Context, workspace string, taskID, entityID int64, createdBy *string) (*model.TaskEntityLink, error) {
	db, err := s.workspaceDB(ctx, workspace)
	if err != nil {
		return nil, err
	}

	var created model.TaskEntityLink
	err = s.withRetry(ctx, func() error {
		return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			// Links reference only non-deleted rows at creation time.
			if _, err := getLiveTask(tx, taskID); err != nil {
				return err
			}
			if _, err := getLiveEntity(tx, entityID); err != nil {
				return err
			}

			var existing model.TaskEntityLink
			result := tx.Where("task_id = ? AND entity_id = ? AND deleted_at IS NULL", taskID, entityID).
				Limit(1).Find(&existing)
			if result.Error != nil {
				return fmt.Errorf("failed to check existing link: %w", result.Error)
			}
			if result.RowsAffected > 0 {
				return &registrystore.DuplicateLinkError{
					TaskID:    taskID,
					EntityID:  entityID,
					LinkID:    existing.ID,
					CreatedAt: existing.CreatedAt,
					CreatedBy: existing.CreatedBy,
				}
			}

			link := model.TaskEntityLink{
				TaskID:    taskID,
				EntityID:  entityID,
				CreatedAt: time.Now().UTC(),
				CreatedBy: createdBy,
			}
			if err := tx.Create(&link).Error; err != nil {
				return fmt.Errorf("failed to create link: %w", err)
			}
			created = link
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return &created, nil
}

func (s *Store) UnlinkTaskEntity(ctx context.Context, workspace string, taskID, entityID int64) error {
	db, err := s.workspaceDB(ctx, workspace)
	if err != nil {
		return err
	}
	return s.withRetry(ctx, func() error {
		result := db.WithContext(ctx).Model(&model.TaskEntityLink{}).
			Where("task_id = ? AND entity_id = ? AND deleted_at IS NULL", taskID, entityID).
			Update("deleted_at", time.Now().UTC())
		if result.Error != nil {
			return fmt.Errorf("failed to remove link: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return &registrystore.NotFoundError{
				Resource: "link",
				ID:       fmt.Sprintf("task=%d entity=%d", taskID, entityID),
			}
		}
		return nil
	})
}

func (s *Store) GetTaskEntities(ctx context.Context, workspace string, taskID int64, q registrystore.TaskEntitiesQuery) (*registrystore.Page[registrystore.LinkedEntity], error) {
	db, err := s.workspaceDB(ctx, workspace)
	if err != nil {
		return nil, err
	}
	if err := governor.ValidatePage(q.Page, s.cfg.MaxPageLimit); err != nil {
		return nil, err
	}
	if !q.View.Valid() {
		return nil, &registrystore.ValidationError{Field: "view", Message: fmt.Sprintf("unknown view %q", q.View)}
	}
	if _, err := getLiveTask(db.WithContext(ctx), taskID); err != nil {
		return nil, err
	}

	build := func() *gorm.DB {
		query := db.WithContext(ctx).
			Table("task_entity_links l").
			Joins("JOIN entities e ON e.id = l.entity_id AND e.deleted_at IS NULL").
			Where("l.task_id = ? AND l.deleted_at IS NULL", taskID)
		if q.EntityType != nil {
			query = query.Where("e.entity_type = ?", *q.EntityType)
		}
		return applyTagFilter(query, "e.tags", q.Tags)
	}

	var total int64
	if err := build().Count(&total).Error; err != nil {
		return nil, fmt.Errorf("failed to count linked entities: %w", err)
	}

	type row struct {
		model.Entity  `gorm:"embedded"`
		LinkCreatedAt time.Time `gorm:"column:link_created_at"`
		LinkCreatedBy *string   `gorm:"column:link_created_by"`
	}
	var rows []row
	err = build().
		Select("e.*, l.created_at AS link_created_at, l.created_by AS link_created_by").
		Order("e.id ASC").
		Limit(q.Page.Limit).
		Offset(q.Page.Offset).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list linked entities: %w", err)
	}

	items := make([]registrystore.LinkedEntity, len(rows))
	for i, r := range rows {
		items[i] = registrystore.LinkedEntity{
			EntityView:    registrystore.NewEntityView(r.Entity, q.View),
			LinkCreatedAt: r.LinkCreatedAt,
			LinkCreatedBy: r.LinkCreatedBy,
		}
	}
	result := governor.NewPage(items, total, q.Page)
	if err := s.budget().Enforce(result); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) GetEntityTasks(ctx context.Context, workspace string, entityID int64, q registrystore.EntityTasksQuery) (*registrystore.Page[registrystore.LinkedTask], error) {
	db, err := s.workspaceDB(ctx, workspace)
	if err != nil {
		return nil, err
	}
	if err := governor.ValidatePage(q.Page, s.cfg.MaxPageLimit); err != nil {
		return nil, err
	}
	if !q.View.Valid() {
		return nil, &registrystore.ValidationError{Field: "view", Message: fmt.Sprintf("unknown view %q", q.View)}
	}
	if _, err := getLiveEntity(db.WithContext(ctx), entityID); err != nil {
		return nil, err
	}

	build := func() *gorm.DB {
		query := db.WithContext(ctx).
			Table("task_entity_links l").
			Joins("JOIN tasks t ON t.id = l.task_id AND t.deleted_at IS NULL").
			Where("l.entity_id = ? AND l.deleted_at IS NULL", entityID)
		if q.Status != nil {
			query = query.Where("t.status = ?", *q.Status)
		}
		if q.Priority != nil {
			query = query.Where("t.priority = ?", *q.Priority)
		}
		return applyTagFilter(query, "t.tags", q.Tags)
	}

	var total int64
	if err := build().Count(&total).Error; err != nil {
		return nil, fmt.Errorf("failed to count linked tasks: %w", err)
	}

	type row struct {
		model.Task    `gorm:"embedded"`
		LinkCreatedAt time.Time `gorm:"column:link_created_at"`
		LinkCreatedBy *string   `gorm:"column:link_created_by"`
	}
	var rows []row
	err = build().
		Select("t.*, l.created_at AS link_created_at, l.created_by AS link_created_by").
		Order("t.id ASC").
		Limit(q.Page.Limit).
		Offset(q.Page.Offset).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list linked tasks: %w", err)
	}

	if q.View.Normalize() == registrystore.ViewDetails && len(rows) > 0 {
		ids := make([]int64, len(rows))
		for i, r := range rows {
			ids[i] = r.Task.ID
		}
		depsByTask, err := loadDependsOn(db.WithContext(ctx), ids)
		if err != nil {
			return nil, err
		}
		for i := range rows {
			rows[i].Task.DependsOn = depsByTask[rows[i].Task.ID]
		}
	}

	items := make([]registrystore.LinkedTask, len(rows))
	for i, r := range rows {
		items[i] = registrystore.LinkedTask{
			TaskView:      registrystore.NewTaskView(r.Task, q.View),
			LinkCreatedAt: r.LinkCreatedAt,
			LinkCreatedBy: r.LinkCreatedBy,
		}
	}
	result := governor.NewPage(items, total, q.Page)
	if err := s.budget().Enforce(result); err != nil {
		return nil, err
	}
	return result, nil
}
