package store

import (
	"time"

	"github.com/chirino/task-service/internal/model"
)

// TaskView is the projected task representation returned by multi-row
// queries. Summary mode populates only the fixed summary subset; details
// mode fills the rest.
type TaskView struct {
	ID           int64              `json:"id"`
	Title        string             `json:"title"`
	Status       model.TaskStatus   `json:"status"`
	Priority     model.TaskPriority `json:"priority"`
	ParentTaskID *int64             `json:"parentTaskId,omitempty"`
	Tags         []string           `json:"tags"`
	CreatedAt    time.Time          `json:"createdAt"`
	UpdatedAt    time.Time          `json:"updatedAt"`

	// Details mode only.
	Description   *string    `json:"description,omitempty"`
	DependsOn     []int64    `json:"dependsOn,omitempty"`
	BlockerReason *string    `json:"blockerReason,omitempty"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	CreatedBy     *string    `json:"createdBy,omitempty"`
	UpdatedBy     *string    `json:"updatedBy,omitempty"`
}

// NewTaskView projects a task into the given view mode.
func NewTaskView(t model.Task, mode ViewMode) TaskView {
	v := TaskView{
		ID:           t.ID,
		Title:        t.Title,
		Status:       t.Status,
		Priority:     t.Priority,
		ParentTaskID: t.ParentTaskID,
		Tags:         t.Tags,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
	}
	if mode.Normalize() == ViewDetails {
		v.Description = t.Description
		v.DependsOn = t.DependsOn
		v.BlockerReason = t.BlockerReason
		v.CompletedAt = t.CompletedAt
		v.CreatedBy = t.CreatedBy
		v.UpdatedBy = t.UpdatedBy
	}
	return v
}

// EntityView is the projected entity representation.
type EntityView struct {
	ID         int64            `json:"id"`
	EntityType model.EntityType `json:"entityType"`
	Name       string           `json:"name"`
	Identifier *string          `json:"identifier,omitempty"`
	Tags       []string         `json:"tags"`
	UpdatedAt  time.Time        `json:"updatedAt"`

	// Details mode only.
	Description *string                `json:"description,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt   *time.Time             `json:"createdAt,omitempty"`
	CreatedBy   *string                `json:"createdBy,omitempty"`
	UpdatedBy   *string                `json:"updatedBy,omitempty"`
}

// NewEntityView projects an entity into the given view mode.
func NewEntityView(e model.Entity, mode ViewMode) EntityView {
	v := EntityView{
		ID:         e.ID,
		EntityType: e.EntityType,
		Name:       e.Name,
		Identifier: e.Identifier,
		Tags:       e.Tags,
		UpdatedAt:  e.UpdatedAt,
	}
	if mode.Normalize() == ViewDetails {
		v.Description = e.Description
		v.Metadata = e.Metadata
		createdAt := e.CreatedAt
		v.CreatedAt = &createdAt
		v.CreatedBy = e.CreatedBy
		v.UpdatedBy = e.UpdatedBy
	}
	return v
}

// TaskTreeNode is one node of a task subtree, children nested recursively.
type TaskTreeNode struct {
	TaskView
	Children []*TaskTreeNode `json:"children"`
}

// LinkedEntity is an entity joined through a task link, with link metadata.
type LinkedEntity struct {
	EntityView
	LinkCreatedAt time.Time `json:"linkCreatedAt"`
	LinkCreatedBy *string   `json:"linkCreatedBy,omitempty"`
}

// LinkedTask is a task joined through an entity link, with link metadata.
type LinkedTask struct {
	TaskView
	LinkCreatedAt time.Time `json:"linkCreatedAt"`
	LinkCreatedBy *string   `json:"linkCreatedBy,omitempty"`
}
