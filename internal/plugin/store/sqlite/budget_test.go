package sqlite_test

import (
	"context"
	"strings"
	"testing"

	"github.com/chirino/task-service/internal/config"
	"github.com/chirino/task-service/internal/plugin/store/sqlite"
	registrystore "github.com/chirino/task-service/internal/registry/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupBudgetStore(t *testing.T, hardTokens, warnTokens int) (registrystore.WorkspaceStore, context.Context) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.ResponseBudgetTokens = hardTokens
	cfg.ResponseWarnTokens = warnTokens
	ctx := config.WithContext(context.Background(), &cfg)

	_ = sqlite.ForceImport
	loader, err := registrystore.Select("sqlite")
	require.NoError(t, err)
	store, err := loader(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return store, ctx
}

func TestListTasksWithheldPastTokenBudget(t *testing.T) {
	store, ctx := setupBudgetStore(t, 100, 80)
	ws := newWorkspace()

	long := strings.Repeat("filler text for the serialized payload ", 30)
	for i := 0; i < 10; i++ {
		_, err := store.CreateTask(ctx, ws, registrystore.CreateTaskRequest{
			Title:       "bulky",
			Description: &long,
		})
		require.NoError(t, err)
	}

	_, err := store.ListTasks(ctx, ws, registrystore.TaskQuery{
		Page: page(50, 0),
		View: registrystore.ViewDetails,
	})
	var terr *registrystore.ResponseTooLargeError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, 100, terr.BudgetTokens)
	assert.Greater(t, terr.EstimatedTokens, 100)
	assert.Contains(t, terr.Suggestion, "summary")

	// Narrowing the request brings it back under the cap.
	result, err := store.ListTasks(ctx, ws, registrystore.TaskQuery{Page: page(1, 0)})
	require.NoError(t, err)
	assert.Equal(t, 1, result.ReturnedCount)
	assert.Equal(t, int64(10), result.TotalCount)
}

func TestGetTaskTreeWithheldPastTokenBudget(t *testing.T) {
	store, ctx := setupBudgetStore(t, 100, 80)
	ws := newWorkspace()

	root, err := store.CreateTask(ctx, ws, registrystore.CreateTaskRequest{Title: "root"})
	require.NoError(t, err)
	long := strings.Repeat("deep subtree content ", 30)
	for i := 0; i < 10; i++ {
		_, err := store.CreateTask(ctx, ws, registrystore.CreateTaskRequest{
			Title:        "child",
			Description:  &long,
			ParentTaskID: &root.ID,
		})
		require.NoError(t, err)
	}

	_, err = store.GetTaskTree(ctx, ws, root.ID, registrystore.ViewDetails)
	var terr *registrystore.ResponseTooLargeError
	require.ErrorAs(t, err, &terr)
	assert.Contains(t, terr.Suggestion, "summary")
}

func TestWarnWatermarkStillReturnsPayload(t *testing.T) {
	// Watermark of a single token: every response logs a warning but is
	// still delivered as long as it stays under the hard cap.
	store, ctx := setupBudgetStore(t, 15000, 1)
	ws := newWorkspace()

	for i := 0; i < 5; i++ {
		_, err := store.CreateTask(ctx, ws, registrystore.CreateTaskRequest{Title: "small"})
		require.NoError(t, err)
	}

	result, err := store.ListTasks(ctx, ws, registrystore.TaskQuery{Page: page(50, 0)})
	require.NoError(t, err)
	assert.Equal(t, 5, result.ReturnedCount)
}
