package sqlite_test

import (
	"testing"
	"time"

	"github.com/chirino/task-service/internal/model"
	registrystore "github.com/chirino/task-service/internal/registry/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLinkTaskEntity(t *testing.T) {
	store, ctx := setupTestStore(t)
	ws := newWorkspace()

	task, err := store.CreateTask(ctx, ws, registrystore.CreateTaskRequest{Title: "task"})
	require.NoError(t, err)
	entity, err := store.CreateEntity(ctx, ws, registrystore.CreateEntityRequest{
		EntityType: model.EntityTypeFile,
		Name:       "a.go",
	})
	require.NoError(t, err)

	link, err := store.LinkTaskEntity(ctx, ws, task.ID, entity.ID, ptr("alice"))
	require.NoError(t, err)
	assert.Equal(t, task.ID, link.TaskID)
	assert.Equal(t, entity.ID, link.EntityID)
	assert.Equal(t, "alice", *link.CreatedBy)

	// Both endpoints must be live.
	_, err = store.LinkTaskEntity(ctx, ws, 9999, entity.ID, nil)
	var nerr *registrystore.NotFoundError
	require.ErrorAs(t, err, &nerr)
	_, err = store.LinkTaskEntity(ctx, ws, task.ID, 9999, nil)
	require.ErrorAs(t, err, &nerr)
}

func TestDuplicateLinkCarriesExistingMetadata(t *testing.T) {
	store, ctx := setupTestStore(t)
	ws := newWorkspace()

	task, err := store.CreateTask(ctx, ws, registrystore.CreateTaskRequest{Title: "task"})
	require.NoError(t, err)
	entity, err := store.CreateEntity(ctx, ws, registrystore.CreateEntityRequest{
		EntityType: model.EntityTypeFile,
		Name:       "a.go",
	})
	require.NoError(t, err)

	link, err := store.LinkTaskEntity(ctx, ws, task.ID, entity.ID, ptr("alice"))
	require.NoError(t, err)

	_, err = store.LinkTaskEntity(ctx, ws, task.ID, entity.ID, ptr("bob"))
	var derr *registrystore.DuplicateLinkError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, link.ID, derr.LinkID)
	assert.Equal(t, "alice", *derr.CreatedBy)
	assert.WithinDuration(t, link.CreatedAt, derr.CreatedAt, time.Second)
}

func TestUnlinkAndRelink(t *testing.T) {
	store, ctx := setupTestStore(t)
	ws := newWorkspace()

	task, err := store.CreateTask(ctx, ws, registrystore.CreateTaskRequest{Title: "task"})
	require.NoError(t, err)
	entity, err := store.CreateEntity(ctx, ws, registrystore.CreateEntityRequest{
		EntityType: model.EntityTypeFile,
		Name:       "a.go",
	})
	require.NoError(t, err)

	first, err := store.LinkTaskEntity(ctx, ws, task.ID, entity.ID, nil)
	require.NoError(t, err)
	require.NoError(t, store.UnlinkTaskEntity(ctx, ws, task.ID, entity.ID))

	// A second unlink finds nothing active.
	err = store.UnlinkTaskEntity(ctx, ws, task.ID, entity.ID)
	var nerr *registrystore.NotFoundError
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, "link", nerr.Resource)

	// Relinking creates a fresh row rather than reviving the old one.
	second, err := store.LinkTaskEntity(ctx, ws, task.ID, entity.ID, nil)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestGetTaskEntities(t *testing.T) {
	store, ctx := setupTestStore(t)
	ws := newWorkspace()

	task, err := store.CreateTask(ctx, ws, registrystore.CreateTaskRequest{Title: "task"})
	require.NoError(t, err)
	file, err := store.CreateEntity(ctx, ws, registrystore.CreateEntityRequest{
		EntityType: model.EntityTypeFile,
		Name:       "a.go",
		Tags:       []string{"core"},
	})
	require.NoError(t, err)
	concept, err := store.CreateEntity(ctx, ws, registrystore.CreateEntityRequest{
		EntityType: model.EntityTypeOther,
		Name:       "rollout plan",
	})
	require.NoError(t, err)
	_, err = store.LinkTaskEntity(ctx, ws, task.ID, file.ID, ptr("alice"))
	require.NoError(t, err)
	_, err = store.LinkTaskEntity(ctx, ws, task.ID, concept.ID, nil)
	require.NoError(t, err)

	all, err := store.GetTaskEntities(ctx, ws, task.ID, registrystore.TaskEntitiesQuery{Page: page(50, 0)})
	require.NoError(t, err)
	assert.Equal(t, int64(2), all.TotalCount)

	filesOnly, err := store.GetTaskEntities(ctx, ws, task.ID, registrystore.TaskEntitiesQuery{
		EntityType: ptr(model.EntityTypeFile),
		Page:       page(50, 0),
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), filesOnly.TotalCount)
	assert.Equal(t, file.ID, filesOnly.Items[0].ID)
	assert.Equal(t, "alice", *filesOnly.Items[0].LinkCreatedBy)
	assert.False(t, filesOnly.Items[0].LinkCreatedAt.IsZero())

	// Deleted entities drop out of the listing.
	require.NoError(t, store.DeleteEntity(ctx, ws, concept.ID))
	all, err = store.GetTaskEntities(ctx, ws, task.ID, registrystore.TaskEntitiesQuery{Page: page(50, 0)})
	require.NoError(t, err)
	assert.Equal(t, int64(1), all.TotalCount)

	_, err = store.GetTaskEntities(ctx, ws, 9999, registrystore.TaskEntitiesQuery{Page: page(50, 0)})
	var nerr *registrystore.NotFoundError
	require.ErrorAs(t, err, &nerr)
}

func TestGetEntityTasks(t *testing.T) {
	store, ctx := setupTestStore(t)
	ws := newWorkspace()

	entity, err := store.CreateEntity(ctx, ws, registrystore.CreateEntityRequest{
		EntityType: model.EntityTypeFile,
		Name:       "a.go",
	})
	require.NoError(t, err)
	todo, err := store.CreateTask(ctx, ws, registrystore.CreateTaskRequest{
		Title:    "todo work",
		Priority: model.PriorityHigh,
	})
	require.NoError(t, err)
	doneTask, err := store.CreateTask(ctx, ws, registrystore.CreateTaskRequest{
		Title:  "done work",
		Status: model.TaskStatusDone,
	})
	require.NoError(t, err)
	_, err = store.LinkTaskEntity(ctx, ws, todo.ID, entity.ID, nil)
	require.NoError(t, err)
	_, err = store.LinkTaskEntity(ctx, ws, doneTask.ID, entity.ID, nil)
	require.NoError(t, err)

	all, err := store.GetEntityTasks(ctx, ws, entity.ID, registrystore.EntityTasksQuery{Page: page(50, 0)})
	require.NoError(t, err)
	assert.Equal(t, int64(2), all.TotalCount)

	todos, err := store.GetEntityTasks(ctx, ws, entity.ID, registrystore.EntityTasksQuery{
		Status: ptr(model.TaskStatusTodo),
		Page:   page(50, 0),
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), todos.TotalCount)
	assert.Equal(t, todo.ID, todos.Items[0].ID)

	highPriority, err := store.GetEntityTasks(ctx, ws, entity.ID, registrystore.EntityTasksQuery{
		Priority: ptr(model.PriorityHigh),
		Page:     page(50, 0),
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), highPriority.TotalCount)

	// Deleted tasks drop out of the listing.
	_, err = store.DeleteTask(ctx, ws, doneTask.ID, false)
	require.NoError(t, err)
	all, err = store.GetEntityTasks(ctx, ws, entity.ID, registrystore.EntityTasksQuery{Page: page(50, 0)})
	require.NoError(t, err)
	assert.Equal(t, int64(1), all.TotalCount)
}
