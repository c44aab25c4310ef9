package sqlite

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/chirino/task-service/internal/governor"
	"github.com/chirino/task-service/internal/model"
	registrystore "github.com/chirino/task-service/internal/registry/store"
	"gorm.io/gorm"
)

// --- Tasks ---

func (s *Store) CreateTask(ctx context.Context, workspace string, req registrystore.CreateTaskRequest) (*model.Task, error) {
	db, err := s.workspaceDB(ctx, workspace)
	if err != nil {
		return nil, err
	}

	title := strings.TrimSpace(req.Title)
	if title == "" {
		return nil, &registrystore.ValidationError{Field: "title", Message: "must not be empty"}
	}
	status := req.Status
	if status == "" {
		status = model.TaskStatusTodo
	}
	if !status.Valid() {
		return nil, &registrystore.ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", req.Status)}
	}
	priority := req.Priority
	if priority == "" {
		priority = model.PriorityMedium
	}
	if !priority.Valid() {
		return nil, &registrystore.ValidationError{Field: "priority", Message: fmt.Sprintf("unknown priority %q", req.Priority)}
	}
	if err := s.validateDescription(req.Description); err != nil {
		return nil, err
	}
	blockerReason, err := resolveBlockerReason(status, req.BlockerReason)
	if err != nil {
		return nil, err
	}
	deps := normalizeIDs(req.DependsOn)

	var created model.Task
	err = s.withRetry(ctx, func() error {
		return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if req.ParentTaskID != nil {
				if _, err := getLiveTask(tx, *req.ParentTaskID); err != nil {
					return err
				}
			}
			for _, dep := range deps {
				if _, err := getLiveTask(tx, dep); err != nil {
					return err
				}
			}

			now := time.Now().UTC()
			task := model.Task{
				Title:         title,
				Description:   req.Description,
				Status:        status,
				Priority:      priority,
				ParentTaskID:  req.ParentTaskID,
				BlockerReason: blockerReason,
				Tags:          model.NormalizeTags(req.Tags),
				CreatedAt:     now,
				UpdatedAt:     now,
				CreatedBy:     req.CreatedBy,
			}
			if status == model.TaskStatusDone {
				if err := requireDependenciesDone(tx, deps); err != nil {
					return err
				}
				task.CompletedAt = &now
			}
			if err := tx.Create(&task).Error; err != nil {
				return fmt.Errorf("failed to create task: %w", err)
			}
			for _, dep := range deps {
				row := model.TaskDependency{TaskID: task.ID, DependsOnID: dep}
				if err := tx.Create(&row).Error; err != nil {
					return fmt.Errorf("failed to create dependency edge: %w", err)
				}
			}
			if err := checkTaskGraph(tx, task.ID, task.ParentTaskID, deps); err != nil {
				return err
			}
			task.DependsOn = deps
			created = task
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return &created, nil
}

func (s *Store) GetTask(ctx context.Context, workspace string, id int64) (*model.Task, error) {
	db, err := s.workspaceDB(ctx, workspace)
	if err != nil {
		return nil, err
	}
	task, err := getLiveTask(db.WithContext(ctx), id)
	if err != nil {
		return nil, err
	}
	deps, err := loadDependsOn(db.WithContext(ctx), []int64{id})
	if err != nil {
		return nil, err
	}
	task.DependsOn = deps[id]
	if task.DependsOn == nil {
		task.DependsOn = []int64{}
	}
	return task, nil
}

func (s *Store) UpdateTask(ctx context.Context, workspace string, id int64, update registrystore.TaskUpdate) (*model.Task, error) {
	db, err := s.workspaceDB(ctx, workspace)
	if err != nil {
		return nil, err
	}

	var updated model.Task
	err = s.withRetry(ctx, func() error {
		return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			task, err := getLiveTask(tx, id)
			if err != nil {
				return err
			}
			depsByTask, err := loadDependsOn(tx, []int64{id})
			if err != nil {
				return err
			}
			deps := depsByTask[id]
			graphChanged := false

			if update.Title.Set {
				title := strings.TrimSpace(update.Title.Value)
				if title == "" {
					return &registrystore.ValidationError{Field: "title", Message: "must not be empty"}
				}
				task.Title = title
			}
			if update.Description.Set {
				if err := s.validateDescription(update.Description.Value); err != nil {
					return err
				}
				task.Description = update.Description.Value
			}
			if update.Priority.Set {
				if !update.Priority.Value.Valid() {
					return &registrystore.ValidationError{Field: "priority", Message: fmt.Sprintf("unknown priority %q", update.Priority.Value)}
				}
				task.Priority = update.Priority.Value
			}
			if update.Tags.Set {
				task.Tags = model.NormalizeTags(update.Tags.Value)
			}
			if update.ParentTaskID.Set {
				if update.ParentTaskID.Value != nil {
					if _, err := getLiveTask(tx, *update.ParentTaskID.Value); err != nil {
						return err
					}
				}
				task.ParentTaskID = update.ParentTaskID.Value
				graphChanged = true
			}
			if update.DependsOn.Set {
				deps = normalizeIDs(update.DependsOn.Value)
				for _, dep := range deps {
					if _, err := getLiveTask(tx, dep); err != nil {
						return err
					}
				}
				graphChanged = true
			}

			now := time.Now().UTC()
			if update.Status.Set {
				status := update.Status.Value
				if !status.Valid() {
					return &registrystore.ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", status)}
				}
				switch {
				case status == model.TaskStatusBlocked:
					reason := task.BlockerReason
					if update.BlockerReason.Set {
						reason = update.BlockerReason.Value
					}
					if reason == nil || strings.TrimSpace(*reason) == "" {
						return &registrystore.ValidationError{Field: "blockerReason", Message: "required when status is blocked"}
					}
					task.BlockerReason = reason
				case status == model.TaskStatusDone:
					if err := requireDependenciesDone(tx, deps); err != nil {
						return err
					}
					task.CompletedAt = &now
					task.BlockerReason = nil
				default:
					task.BlockerReason = nil
				}
				if status != model.TaskStatusDone {
					task.CompletedAt = nil
				}
				task.Status = status
			} else if update.BlockerReason.Set {
				// Reason changes without a status change: the invariant
				// (blocked iff reason present) must keep holding.
				if task.Status == model.TaskStatusBlocked {
					reason := update.BlockerReason.Value
					if reason == nil || strings.TrimSpace(*reason) == "" {
						return &registrystore.ValidationError{Field: "blockerReason", Message: "must remain non-empty while status is blocked"}
					}
					task.BlockerReason = reason
				}
				// Ignored for non-blocked tasks.
			}

			if graphChanged {
				if err := checkTaskGraph(tx, task.ID, task.ParentTaskID, deps); err != nil {
					return err
				}
			}

			task.UpdatedAt = now
			if update.UpdatedBy != nil {
				task.UpdatedBy = update.UpdatedBy
			}
			if err := tx.Save(task).Error; err != nil {
				return fmt.Errorf("failed to update task: %w", err)
			}
			if update.DependsOn.Set {
				if err := tx.Where("task_id = ?", id).Delete(&model.TaskDependency{}).Error; err != nil {
					return fmt.Errorf("failed to replace dependency edges: %w", err)
				}
				for _, dep := range deps {
					row := model.TaskDependency{TaskID: id, DependsOnID: dep}
					if err := tx.Create(&row).Error; err != nil {
						return fmt.Errorf("failed to create dependency edge: %w", err)
					}
				}
			}
			task.DependsOn = deps
			if task.DependsOn == nil {
				task.DependsOn = []int64{}
			}
			updated = *task
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func (s *Store) ListTasks(ctx context.Context, workspace string, q registrystore.TaskQuery) (*registrystore.Page[registrystore.TaskView], error) {
	db, err := s.workspaceDB(ctx, workspace)
	if err != nil {
		return nil, err
	}
	build := func() *gorm.DB {
		query := db.WithContext(ctx).Model(&model.Task{}).Where("deleted_at IS NULL")
		if q.Status != nil {
			query = query.Where("status = ?", *q.Status)
		}
		if q.Priority != nil {
			query = query.Where("priority = ?", *q.Priority)
		}
		if q.ParentTaskID.Set {
			if q.ParentTaskID.Value == nil {
				query = query.Where("parent_task_id IS NULL")
			} else {
				query = query.Where("parent_task_id = ?", *q.ParentTaskID.Value)
			}
		}
		return applyTagFilter(query, "tags", q.Tags)
	}
	return s.finishTaskPage(ctx, db, build, q.Page, q.View)
}

func (s *Store) SearchTasks(ctx context.Context, workspace string, text string, page registrystore.PageRequest, view registrystore.ViewMode) (*registrystore.Page[registrystore.TaskView], error) {
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
		return db.WithContext(ctx).Model(&model.Task{}).
			Where("deleted_at IS NULL").
			Where(`(LOWER(title) LIKE ? ESCAPE '\' OR LOWER(COALESCE(description, '')) LIKE ? ESCAPE '\')`, pattern, pattern)
	}
	return s.finishTaskPage(ctx, db, build, page, view)
}

func (s *Store) GetBlockedTasks(ctx context.Context, workspace string, page registrystore.PageRequest, view registrystore.ViewMode) (*registrystore.Page[registrystore.TaskView], error) {
	db, err := s.workspaceDB(ctx, workspace)
	if err != nil {
		return nil, err
	}
	build := func() *gorm.DB {
		return db.WithContext(ctx).Model(&model.Task{}).
			Where("deleted_at IS NULL AND status = ?", model.TaskStatusBlocked)
	}
	return s.finishTaskPage(ctx, db, build, page, view)
}

func (s *Store) GetNextTasks(ctx context.Context, workspace string, page registrystore.PageRequest, view registrystore.ViewMode) (*registrystore.Page[registrystore.TaskView], error) {
	db, err := s.workspaceDB(ctx, workspace)
	if err != nil {
		return nil, err
	}
	// Actionable: todo tasks whose every live dependency is done.
	// Soft-deleted dependencies are vacuously satisfied.
	build := func() *gorm.DB {
		return db.WithContext(ctx).Model(&model.Task{}).
			Where("deleted_at IS NULL AND status = ?", model.TaskStatusTodo).
			Where(`NOT EXISTS (
				SELECT 1 FROM task_dependencies d
				JOIN tasks dt ON dt.id = d.depends_on_id AND dt.deleted_at IS NULL
				WHERE d.task_id = tasks.id AND dt.status <> ?)`, model.TaskStatusDone)
	}
	return s.finishTaskPage(ctx, db, build, page, view)
}

func (s *Store) DeleteTask(ctx context.Context, workspace string, id int64, cascade bool) ([]int64, error) {
	db, err := s.workspaceDB(ctx, workspace)
	if err != nil {
		return nil, err
	}

	var deleted []int64
	err = s.withRetry(ctx, func() error {
		return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if _, err := getLiveTask(tx, id); err != nil {
				return err
			}
			ids := []int64{id}
			if cascade {
				descendants, err := collectDescendants(tx, id)
				if err != nil {
					return err
				}
				ids = append(ids, descendants...)
			}

			now := time.Now().UTC()
			if cascade {
				// Links first so a crash mid-operation cannot leave an
				// active link to a deleted task.
				err := tx.Model(&model.TaskEntityLink{}).
					Where("task_id IN ? AND deleted_at IS NULL", ids).
					Update("deleted_at", now).Error
				if err != nil {
					return fmt.Errorf("failed to cascade delete links: %w", err)
				}
			}
			err := tx.Model(&model.Task{}).
				Where("id IN ? AND deleted_at IS NULL", ids).
				Updates(map[string]interface{}{"deleted_at": now, "updated_at": now}).Error
			if err != nil {
				return fmt.Errorf("failed to delete task: %w", err)
			}
			deleted = ids
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

func (s *Store) GetTaskTree(ctx context.Context, workspace string, rootID int64, view registrystore.ViewMode) (*registrystore.TaskTreeNode, error) {
	db, err := s.workspaceDB(ctx, workspace)
	if err != nil {
		return nil, err
	}
	if !view.Valid() {
		return nil, &registrystore.ValidationError{Field: "view", Message: fmt.Sprintf("unknown view %q", view)}
	}

	root, err := getLiveTask(db.WithContext(ctx), rootID)
	if err != nil {
		return nil, err
	}

	var all []model.Task
	err = db.WithContext(ctx).
		Where("deleted_at IS NULL").
		Order("id ASC").
		Find(&all).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load tasks for tree: %w", err)
	}

	if view.Normalize() == registrystore.ViewDetails {
		ids := make([]int64, len(all))
		for i, t := range all {
			ids[i] = t.ID
		}
		depsByTask, err := loadDependsOn(db.WithContext(ctx), ids)
		if err != nil {
			return nil, err
		}
		for i := range all {
			all[i].DependsOn = depsByTask[all[i].ID]
		}
	}

	children := make(map[int64][]model.Task)
	for _, t := range all {
		if t.ParentTaskID != nil {
			children[*t.ParentTaskID] = append(children[*t.ParentTaskID], t)
		}
	}

	var buildNode func(t model.Task) *registrystore.TaskTreeNode
	buildNode = func(t model.Task) *registrystore.TaskTreeNode {
		node := &registrystore.TaskTreeNode{
			TaskView: registrystore.NewTaskView(t, view),
			Children: []*registrystore.TaskTreeNode{},
		}
		for _, child := range children[t.ID] {
			node.Children = append(node.Children, buildNode(child))
		}
		return node
	}

	if view.Normalize() == registrystore.ViewDetails {
		depsByTask, err := loadDependsOn(db.WithContext(ctx), []int64{rootID})
		if err != nil {
			return nil, err
		}
		root.DependsOn = depsByTask[rootID]
	}
	tree := buildNode(*root)
	if err := s.budget().Enforce(tree); err != nil {
		return nil, err
	}
	return tree, nil
}

// --- helpers ---

func (s *Store) validateDescription(description *string) error {
	if description != nil && len(*description) > s.cfg.DescriptionMaxLen {
		return &registrystore.ValidationError{
			Field:   "description",
			Message: fmt.Sprintf("must not exceed %d characters", s.cfg.DescriptionMaxLen),
		}
	}
	return nil
}

// resolveBlockerReason enforces the blocked/reason pairing at create time:
// blocked requires a non-empty reason; any other status ignores a supplied
// reason.
func resolveBlockerReason(status model.TaskStatus, reason *string) (*string, error) {
	if status == model.TaskStatusBlocked {
		if reason == nil || strings.TrimSpace(*reason) == "" {
			return nil, &registrystore.ValidationError{Field: "blockerReason", Message: "required when status is blocked"}
		}
		return reason, nil
	}
	return nil, nil
}

func getLiveTask(tx *gorm.DB, id int64) (*model.Task, error) {
	var task model.Task
	result := tx.Where("id = ? AND deleted_at IS NULL", id).Limit(1).Find(&task)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to load task: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, notFound("task", id)
	}
	return &task, nil
}

func loadDependsOn(tx *gorm.DB, taskIDs []int64) (map[int64][]int64, error) {
	if len(taskIDs) == 0 {
		return map[int64][]int64{}, nil
	}
	var rows []model.TaskDependency
	err := tx.Where("task_id IN ?", taskIDs).
		Order("task_id ASC, depends_on_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load dependencies: %w", err)
	}
	out := make(map[int64][]int64, len(taskIDs))
	for _, row := range rows {
		out[row.TaskID] = append(out[row.TaskID], row.DependsOnID)
	}
	return out, nil
}

// requireDependenciesDone rejects completion while any live dependency is
// still incomplete.
func requireDependenciesDone(tx *gorm.DB, deps []int64) error {
	if len(deps) == 0 {
		return nil
	}
	var incomplete []int64
	err := tx.Model(&model.Task{}).
		Where("id IN ? AND deleted_at IS NULL AND status <> ?", deps, model.TaskStatusDone).
		Order("id ASC").
		Pluck("id", &incomplete).Error
	if err != nil {
		return fmt.Errorf("failed to check dependencies: %w", err)
	}
	if len(incomplete) > 0 {
		return &registrystore.ValidationError{
			Field:   "status",
			Message: fmt.Sprintf("cannot complete task: dependencies not done: %v", incomplete),
		}
	}
	return nil
}

// collectDescendants walks parent_task_id edges breadth-first over live
// tasks, returning every transitive descendant of rootID.
func collectDescendants(tx *gorm.DB, rootID int64) ([]int64, error) {
	var out []int64
	frontier := []int64{rootID}
	seen := map[int64]bool{rootID: true}
	for len(frontier) > 0 {
		var next []int64
		err := tx.Model(&model.Task{}).
			Where("parent_task_id IN ? AND deleted_at IS NULL", frontier).
			Order("id ASC").
			Pluck("id", &next).Error
		if err != nil {
			return nil, fmt.Errorf("failed to collect descendants: %w", err)
		}
		frontier = frontier[:0]
		for _, id := range next {
			if seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, id)
			frontier = append(frontier, id)
		}
	}
	return out, nil
}

func normalizeIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// finishTaskPage validates pagination and view, counts the filtered set,
// fetches one window ordered by id and applies projection plus the response
// budget.
func (s *Store) finishTaskPage(ctx context.Context, db *gorm.DB, build func() *gorm.DB, page registrystore.PageRequest, view registrystore.ViewMode) (*registrystore.Page[registrystore.TaskView], error) {
	if err := governor.ValidatePage(page, s.cfg.MaxPageLimit); err != nil {
		return nil, err
	}
	if !view.Valid() {
		return nil, &registrystore.ValidationError{Field: "view", Message: fmt.Sprintf("unknown view %q", view)}
	}

	var total int64
	if err := build().Count(&total).Error; err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	var tasks []model.Task
	err := build().Order("id ASC").Limit(page.Limit).Offset(page.Offset).Find(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}

	if view.Normalize() == registrystore.ViewDetails && len(tasks) > 0 {
		ids := make([]int64, len(tasks))
		for i, t := range tasks {
			ids[i] = t.ID
		}
		depsByTask, err := loadDependsOn(db.WithContext(ctx), ids)
		if err != nil {
			return nil, err
		}
		for i := range tasks {
			tasks[i].DependsOn = depsByTask[tasks[i].ID]
		}
	}

	views := make([]registrystore.TaskView, len(tasks))
	for i, t := range tasks {
		views[i] = registrystore.NewTaskView(t, view)
	}
	result := governor.NewPage(views, total, page)
	if err := s.budget().Enforce(result); err != nil {
		return nil, err
	}
	return result, nil
}
