package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chirino/task-service/internal/governor"
	"github.com/chirino/task-service/internal/model"
	registrystore "github.com/chirino/task-service/internal/registry/store"
	"gorm.io/gorm"
)

// --- Entities ---

func (s *Store) CreateEntity(ctx context.Context, workspace string, req registrystore.CreateEntityRequest) (*model.Entity, error) {
	db, err := s.workspaceDB(ctx, workspace)
	if err != nil {
		return nil, err
	}

	if !req.EntityType.Valid() {
		return nil, &registrystore.ValidationError{Field: "entityType", Message: fmt.Sprintf("unknown entity type %q", req.EntityType)}
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, &registrystore.ValidationError{Field: "name", Message: "must not be empty"}
	}
	if err := s.validateDescription(req.Description); err != nil {
		return nil, err
	}
	identifier := normalizeIdentifier(req.Identifier)

	var created model.Entity
	err = s.withRetry(ctx, func() error {
		return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := checkDuplicateIdentifier(tx, req.EntityType, identifier, 0); err != nil {
				return err
			}
			now := time.Now().UTC()
			entity := model.Entity{
				EntityType:  req.EntityType,
				Name:        name,
				Identifier:  identifier,
				Description: req.Description,
				Metadata:    req.Metadata,
				Tags:        model.NormalizeTags(req.Tags),
				CreatedAt:   now,
				UpdatedAt:   now,
				CreatedBy:   req.CreatedBy,
			}
			if err := tx.Create(&entity).Error; err != nil {
				return fmt.Errorf("failed to create entity: %w", err)
			}
			created = entity
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return &created, nil
}

func (s *Store) GetEntity(ctx context.Context, workspace string, id int64) (*model.Entity, error) {
	db, err := s.workspaceDB(ctx, workspace)
	if err != nil {
		return nil, err
	}
	return getLiveEntity(db.WithContext(ctx), id)
}

func (s *Store) UpdateEntity(ctx context.Context, workspace string, id int64, update registrystore.EntityUpdate) (*model.Entity, error) {
	db, err := s.workspaceDB(ctx, workspace)
	if err != nil {
		return nil, err
	}

	var updated model.Entity
	err = s.withRetry(ctx, func() error {
		return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			entity, err := getLiveEntity(tx, id)
			if err != nil {
				return err
			}

			if update.EntityType.Set {
				if !update.EntityType.Value.Valid() {
					return &registrystore.ValidationError{Field: "entityType", Message: fmt.Sprintf("unknown entity type %q", update.EntityType.Value)}
				}
				entity.EntityType = update.EntityType.Value
			}
			if update.Name.Set {
				name := strings.TrimSpace(update.Name.Value)
				if name == "" {
					return &registrystore.ValidationError{Field: "name", Message: "must not be empty"}
				}
				entity.Name = name
			}
			if update.Identifier.Set {
				entity.Identifier = normalizeIdentifier(update.Identifier.Value)
			}
			if update.Description.Set {
				if err := s.validateDescription(update.Description.Value); err != nil {
					return err
				}
				entity.Description = update.Description.Value
			}
			if update.Metadata.Set {
				entity.Metadata = update.Metadata.Value
			}
			if update.Tags.Set {
				entity.Tags = model.NormalizeTags(update.Tags.Value)
			}

			if update.EntityType.Set || update.Identifier.Set {
				if err := checkDuplicateIdentifier(tx, entity.EntityType, entity.Identifier, entity.ID); err != nil {
					return err
				}
			}

			entity.UpdatedAt = time.Now().UTC()
			if update.UpdatedBy != nil {
				entity.UpdatedBy = update.UpdatedBy
			}
			if err := tx.Save(entity).Error; err != nil {
				return fmt.Errorf("failed to update entity: %w", err)
			}
			updated = *entity
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func (s *Store) ListEntities(ctx context.Context, workspace string, q registrystore.EntityQuery) (*registrystore.Page[registrystore.EntityView], error) {
	db, err := s.workspaceDB(ctx, workspace)
	if err != nil {
		return nil, err
	}
	build := func() *gorm.DB {
		query := db.WithContext(ctx).Model(&model.Entity{}).Where("deleted_at IS NULL")
		if q.EntityType != nil {
			query = query.Where("entity_type = ?", *q.EntityType)
		}
		return applyTagFilter(query, "tags", q.Tags)
	}
	return s.finishEntityPage(build, q.Page, q.View)
}

func (s *Store) SearchEntities(ctx context.Context, workspace string, text string, entityType *model.EntityType, page registrystore.PageRequest, view registrystore.ViewMode) (*registrystore.Page[registrystore.EntityView], error) {
	db, err := s.workspaceDB(ctx, workspace)
	if err != nil {
		return nil, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, &registrystore.ValidationError{Field: "query", Message: "must not be empty"}
	}
	pattern := likePattern(text)
	build := func() *gorm.DB {
		// Rows with a null identifier are matched on name only.
		query := db.WithContext(ctx).Model(&model.Entity{}).
			Where("deleted_at IS NULL").
			Where(`(LOWER(name) LIKE ? ESCAPE '\' OR (identifier IS NOT NULL AND LOWER(identifier) LIKE ? ESCAPE '\'))`, pattern, pattern)
		if entityType != nil {
			query = query.Where("entity_type = ?", *entityType)
		}
		return query
	}
	return s.finishEntityPage(build, page, view)
}

func (s *Store) DeleteEntity(ctx context.Context, workspace string, id int64) error {
	db, err := s.workspaceDB(ctx, workspace)
	if err != nil {
		return err
	}
	return s.withRetry(ctx, func() error {
		return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if _, err := getLiveEntity(tx, id); err != nil {
				return err
			}
			now := time.Now().UTC()
			// Entity deletion always cascades to links, links first.
			err := tx.Model(&model.TaskEntityLink{}).
				Where("entity_id = ? AND deleted_at IS NULL", id).
				Update("deleted_at", now).Error
			if err != nil {
				return fmt.Errorf("failed to cascade delete links: %w", err)
			}
			err = tx.Model(&model.Entity{}).
				Where("id = ? AND deleted_at IS NULL", id).
				Updates(map[string]interface{}{"deleted_at": now, "updated_at": now}).Error
			if err != nil {
				return fmt.Errorf("failed to delete entity: %w", err)
			}
			return nil
		})
	})
}

// --- helpers ---

func getLiveEntity(tx *gorm.DB, id int64) (*model.Entity, error) {
	var entity model.Entity
	result := tx.Where("id = ? AND deleted_at IS NULL", id).Limit(1).Find(&entity)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to load entity: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, notFound("entity", id)
	}
	return &entity, nil
}

// normalizeIdentifier treats blank identifiers as absent.
func normalizeIdentifier(identifier *string) *string {
	if identifier == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*identifier)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

// checkDuplicateIdentifier enforces uniqueness in application logic: among
// non-deleted entities, (entity_type, identifier) must be unique when the
// identifier is non-null. Null identifiers are unconstrained. excludeID
// skips the entity's own row on update.
func checkDuplicateIdentifier(tx *gorm.DB, entityType model.EntityType, identifier *string, excludeID int64) error {
	if identifier == nil {
		return nil
	}
	var existing model.Entity
	query := tx.Where("entity_type = ? AND identifier = ? AND deleted_at IS NULL", entityType, *identifier)
	if excludeID != 0 {
		query = query.Where("id <> ?", excludeID)
	}
	result := query.Limit(1).Find(&existing)
	if result.Error != nil {
		return fmt.Errorf("failed to check identifier uniqueness: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		return &registrystore.DuplicateEntityError{
			EntityType:    string(entityType),
			Identifier:    *identifier,
			ConflictingID: existing.ID,
		}
	}
	return nil
}

func (s *Store) finishEntityPage(build func() *gorm.DB, page registrystore.PageRequest, view registrystore.ViewMode) (*registrystore.Page[registrystore.EntityView], error) {
	if err := governor.ValidatePage(page, s.cfg.MaxPageLimit); err != nil {
		return nil, err
	}
	if !view.Valid() {
		return nil, &registrystore.ValidationError{Field: "view", Message: fmt.Sprintf("unknown view %q", view)}
	}

	var total int64
	if err := build().Count(&total).Error; err != nil {
		return nil, fmt.Errorf("failed to count entities: %w", err)
	}
	var entities []model.Entity
	err := build().Order("id ASC").Limit(page.Limit).Offset(page.Offset).Find(&entities).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}

	views := make([]registrystore.EntityView, len(entities))
	for i, e := range entities {
		views[i] = registrystore.NewEntityView(e, view)
	}
	result := governor.NewPage(views, total, page)
	if err := s.budget().Enforce(result); err != nil {
		return nil, err
	}
	return result, nil
}
