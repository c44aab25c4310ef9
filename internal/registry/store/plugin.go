package store

import (
	"context"
	"fmt"
	"time"

	"github.com/chirino/task-service/internal/model"
)

// Optional is a presence-aware field for partial updates: an unset Optional
// leaves the field untouched, while Some(zero value) explicitly clears it.
// Plain pointers cannot make that distinction.
type Optional[T any] struct {
	Value T
	Set   bool
}

// Some returns an Optional carrying the given value.
func Some[T any](v T) Optional[T] {
	return Optional[T]{Value: v, Set: true}
}

// ViewMode selects the projection applied to multi-row results.
type ViewMode string

const (
	ViewSummary ViewMode = "summary"
	ViewDetails ViewMode = "details"
)

// Normalize maps the empty mode to summary, the token-efficient default.
func (m ViewMode) Normalize() ViewMode {
	if m == "" {
		return ViewSummary
	}
	return m
}

// Valid reports whether the mode is summary, details or empty.
func (m ViewMode) Valid() bool {
	return m == "" || m == ViewSummary || m == ViewDetails
}

// PageRequest is offset-based pagination input. Limit must be in [1,1000]
// and Offset non-negative; stores reject anything else with a PaginationError.
type PageRequest struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// Page is one bounded window of a filtered result set. TotalCount reflects
// the unpaginated filtered size.
type Page[T any] struct {
	TotalCount    int64 `json:"totalCount"`
	ReturnedCount int   `json:"returnedCount"`
	Limit         int   `json:"limit"`
	Offset        int   `json:"offset"`
	Items         []T   `json:"items"`
}

// CreateTaskRequest is the input for creating a task.
type CreateTaskRequest struct {
	Title         string
	Description   *string
	Status        model.TaskStatus   // empty means todo
	Priority      model.TaskPriority // empty means medium
	ParentTaskID  *int64
	DependsOn     []int64
	Tags          []string
	BlockerReason *string
	CreatedBy     *string
}

// TaskUpdate is a partial update; only fields with Set=true are applied.
type TaskUpdate struct {
	Title         Optional[string]
	Description   Optional[*string]
	Status        Optional[model.TaskStatus]
	Priority      Optional[model.TaskPriority]
	ParentTaskID  Optional[*int64]
	DependsOn     Optional[[]int64]
	Tags          Optional[[]string]
	BlockerReason Optional[*string]
	UpdatedBy     *string
}

// TaskQuery filters a task listing.
type TaskQuery struct {
	Status   *model.TaskStatus
	Priority *model.TaskPriority
	// ParentTaskID filters by parent; Some(nil) selects root tasks only.
	ParentTaskID Optional[*int64]
	// Tags requires every listed tag to be present on the task.
	Tags []string
	Page PageRequest
	View ViewMode
}

// CreateEntityRequest is the input for creating an entity.
type CreateEntityRequest struct {
	EntityType  model.EntityType
	Name        string
	Identifier  *string
	Description *string
	Metadata    map[string]interface{}
	Tags        []string
	CreatedBy   *string
}

// EntityUpdate is a partial update; only fields with Set=true are applied.
type EntityUpdate struct {
	EntityType  Optional[model.EntityType]
	Name        Optional[string]
	Identifier  Optional[*string]
	Description Optional[*string]
	Metadata    Optional[map[string]interface{}]
	Tags        Optional[[]string]
	UpdatedBy   *string
}

// EntityQuery filters an entity listing.
type EntityQuery struct {
	EntityType *model.EntityType
	Tags       []string
	Page       PageRequest
	View       ViewMode
}

// TaskEntitiesQuery filters the entities linked to a task.
type TaskEntitiesQuery struct {
	EntityType *model.EntityType
	Tags       []string
	Page       PageRequest
	View       ViewMode
}

// EntityTasksQuery filters the tasks linked to an entity.
type EntityTasksQuery struct {
	Status   *model.TaskStatus
	Priority *model.TaskPriority
	Tags     []string
	Page     PageRequest
	View     ViewMode
}

// PurgeResult reports what one purge pass permanently removed.
type PurgeResult struct {
	Links        int64 `json:"links"`
	Dependencies int64 `json:"dependencies"`
	Tasks        int64 `json:"tasks"`
	Entities     int64 `json:"entities"`
	// Skipped counts rows whose deletion failed; they are retried on the
	// next sweep.
	Skipped int64 `json:"skipped"`
}

// Purged returns the total number of rows removed.
func (r *PurgeResult) Purged() int64 {
	return r.Links + r.Dependencies + r.Tasks + r.Entities
}

// WorkspaceStore is the primary data access interface. Every operation takes
// a resolved, opaque workspace identity; the store never infers one.
type WorkspaceStore interface {
	// Workspaces
	EnsureWorkspace(ctx context.Context, identity string) (*model.Workspace, error)
	ListWorkspaces(ctx context.Context) ([]model.Workspace, error)
	Close() error

	// Tasks
	CreateTask(ctx context.Context, workspace string, req CreateTaskRequest) (*model.Task, error)
	GetTask(ctx context.Context, workspace string, id int64) (*model.Task, error)
	UpdateTask(ctx context.Context, workspace string, id int64, update TaskUpdate) (*model.Task, error)
	ListTasks(ctx context.Context, workspace string, q TaskQuery) (*Page[TaskView], error)
	SearchTasks(ctx context.Context, workspace string, text string, page PageRequest, view ViewMode) (*Page[TaskView], error)
	// DeleteTask soft-deletes the task and, when cascade is true, its
	// transitive descendants. It returns the ids that were soft-deleted.
	DeleteTask(ctx context.Context, workspace string, id int64, cascade bool) ([]int64, error)
	GetTaskTree(ctx context.Context, workspace string, rootID int64, view ViewMode) (*TaskTreeNode, error)
	GetBlockedTasks(ctx context.Context, workspace string, page PageRequest, view ViewMode) (*Page[TaskView], error)
	GetNextTasks(ctx context.Context, workspace string, page PageRequest, view ViewMode) (*Page[TaskView], error)

	// Entities
	CreateEntity(ctx context.Context, workspace string, req CreateEntityRequest) (*model.Entity, error)
	GetEntity(ctx context.Context, workspace string, id int64) (*model.Entity, error)
	UpdateEntity(ctx context.Context, workspace string, id int64, update EntityUpdate) (*model.Entity, error)
	ListEntities(ctx context.Context, workspace string, q EntityQuery) (*Page[EntityView], error)
	SearchEntities(ctx context.Context, workspace string, text string, entityType *model.EntityType, page PageRequest, view ViewMode) (*Page[EntityView], error)
	// DeleteEntity soft-deletes the entity and every link referencing it.
	DeleteEntity(ctx context.Context, workspace string, id int64) error

	// Links
	LinkTaskEntity(ctx context.Context, workspace string, taskID, entityID int64, createdBy *string) (*model.TaskEntityLink, error)
	UnlinkTaskEntity(ctx context.Context, workspace string, taskID, entityID int64) error
	GetTaskEntities(ctx context.Context, workspace string, taskID int64, q TaskEntitiesQuery) (*Page[LinkedEntity], error)
	GetEntityTasks(ctx context.Context, workspace string, entityID int64, q EntityTasksQuery) (*Page[LinkedTask], error)

	// Retention
	CountExpired(ctx context.Context, workspace string, cutoff time.Time) (int64, error)
	PurgeExpired(ctx context.Context, workspace string, cutoff time.Time, limit int) (*PurgeResult, error)
}

// Loader creates a WorkspaceStore from config carried on the context.
type Loader func(ctx context.Context) (WorkspaceStore, error)

// Plugin represents a store plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a store plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown store %q; valid: %v", name, Names())
}
