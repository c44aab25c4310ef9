package model

import (
	"sort"
	"strings"
	"time"
)

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusTodo       TaskStatus = "todo"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusBlocked    TaskStatus = "blocked"
	TaskStatusDone       TaskStatus = "done"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// Valid reports whether the status is one of the known states.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusTodo, TaskStatusInProgress, TaskStatusBlocked, TaskStatusDone, TaskStatusCancelled:
		return true
	}
	return false
}

// TaskPriority represents the priority of a task.
type TaskPriority string

const (
	PriorityLow    TaskPriority = "low"
	PriorityMedium TaskPriority = "medium"
	PriorityHigh   TaskPriority = "high"
)

// Valid reports whether the priority is one of the known levels.
func (p TaskPriority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// EntityType represents the kind of linked resource.
type EntityType string

const (
	EntityTypeFile  EntityType = "file"
	EntityTypeOther EntityType = "other"
)

// Valid reports whether the entity type is known.
func (t EntityType) Valid() bool {
	return t == EntityTypeFile || t == EntityTypeOther
}

// Workspace is a registry row mapping an opaque workspace identity to its
// display metadata and database file.
type Workspace struct {
	ID        int64      `json:"id"        gorm:"primaryKey;autoIncrement"`
	Identity  string     `json:"identity"  gorm:"not null;uniqueIndex"`
	Name      string     `json:"name"`
	DBFile    string     `json:"dbFile"    gorm:"column:db_file;not null"`
	CreatedAt time.Time  `json:"createdAt" gorm:"not null"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`
}

func (Workspace) TableName() string { return "workspaces" }

// Task is a unit of trackable work.
type Task struct {
	ID            int64        `json:"id"                      gorm:"primaryKey;autoIncrement"`
	Title         string       `json:"title"                   gorm:"not null"`
	Description   *string      `json:"description,omitempty"`
	Status        TaskStatus   `json:"status"                  gorm:"not null;default:'todo'"`
	Priority      TaskPriority `json:"priority"                gorm:"not null;default:'medium'"`
	ParentTaskID  *int64       `json:"parentTaskId,omitempty"  gorm:"index"`
	BlockerReason *string      `json:"blockerReason,omitempty"`
	Tags          []string     `json:"tags"                    gorm:"serializer:json"`
	CreatedAt     time.Time    `json:"createdAt"               gorm:"not null"`
	UpdatedAt     time.Time    `json:"updatedAt"               gorm:"not null"`
	CompletedAt   *time.Time   `json:"completedAt,omitempty"`
	DeletedAt     *time.Time   `json:"deletedAt,omitempty"     gorm:"index"`
	CreatedBy     *string      `json:"createdBy,omitempty"`
	UpdatedBy     *string      `json:"updatedBy,omitempty"`

	// DependsOn is loaded from the task_dependencies table; it is not a
	// column on the tasks table itself.
	DependsOn []int64 `json:"dependsOn" gorm:"-"`
}

func (Task) TableName() string { return "tasks" }

// TaskDependency is one depends_on edge between two tasks.
type TaskDependency struct {
	TaskID      int64 `json:"taskId"      gorm:"primaryKey;autoIncrement:false"`
	DependsOnID int64 `json:"dependsOnId" gorm:"primaryKey;autoIncrement:false"`
}

func (TaskDependency) TableName() string { return "task_dependencies" }

// Entity is a typed, taggable resource linkable to tasks.
type Entity struct {
	ID          int64                  `json:"id"                    gorm:"primaryKey;autoIncrement"`
	EntityType  EntityType             `json:"entityType"            gorm:"not null;index"`
	Name        string                 `json:"name"                  gorm:"not null"`
	Identifier  *string                `json:"identifier,omitempty"  gorm:"index"`
	Description *string                `json:"description,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"    gorm:"serializer:json"`
	Tags        []string               `json:"tags"                  gorm:"serializer:json"`
	CreatedAt   time.Time              `json:"createdAt"             gorm:"not null"`
	UpdatedAt   time.Time              `json:"updatedAt"             gorm:"not null"`
	DeletedAt   *time.Time             `json:"deletedAt,omitempty"   gorm:"index"`
	CreatedBy   *string                `json:"createdBy,omitempty"`
	UpdatedBy   *string                `json:"updatedBy,omitempty"`
}

func (Entity) TableName() string { return "entities" }

// TaskEntityLink is a many-to-many association between a task and an entity.
// It has a surrogate key so a new link can be created after an earlier link
// for the same pair was soft-deleted.
type TaskEntityLink struct {
	ID        int64      `json:"id"                  gorm:"primaryKey;autoIncrement"`
	TaskID    int64      `json:"taskId"              gorm:"not null;index"`
	EntityID  int64      `json:"entityId"            gorm:"not null;index"`
	CreatedAt time.Time  `json:"createdAt"           gorm:"not null"`
	CreatedBy *string    `json:"createdBy,omitempty"`
	DeletedAt *time.Time `json:"deletedAt,omitempty" gorm:"index"`
}

func (TaskEntityLink) TableName() string { return "task_entity_links" }

// NormalizeTags lowercases, trims, de-duplicates and sorts a tag set.
// The result is never nil so JSON serialization yields [] rather than null.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}
