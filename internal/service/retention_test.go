package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/chirino/task-service/internal/config"
	"github.com/chirino/task-service/internal/model"
	"github.com/chirino/task-service/internal/plugin/store/sqlite"
	registrystore "github.com/chirino/task-service/internal/registry/store"
	"github.com/chirino/task-service/internal/service"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupSweepTest(t *testing.T) (registrystore.WorkspaceStore, *config.Config, context.Context) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.SweepBatchSize = 10
	cfg.SweepBatchDelay = 0
	ctx := config.WithContext(context.Background(), &cfg)

	_ = sqlite.ForceImport
	loader, err := registrystore.Select("sqlite")
	require.NoError(t, err)
	store, err := loader(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return store, &cfg, ctx
}

func TestRunOncePurgesExpiredAcrossWorkspaces(t *testing.T) {
	store, cfg, ctx := setupSweepTest(t)

	wsA := uuid.NewString()
	wsB := uuid.NewString()

	for _, ws := range []string{wsA, wsB} {
		task, err := store.CreateTask(ctx, ws, registrystore.CreateTaskRequest{Title: "doomed"})
		require.NoError(t, err)
		entity, err := store.CreateEntity(ctx, ws, registrystore.CreateEntityRequest{
			EntityType: model.EntityTypeFile,
			Name:       "doomed.go",
		})
		require.NoError(t, err)
		_, err = store.LinkTaskEntity(ctx, ws, task.ID, entity.ID, nil)
		require.NoError(t, err)

		_, err = store.DeleteTask(ctx, ws, task.ID, true)
		require.NoError(t, err)
		require.NoError(t, store.DeleteEntity(ctx, ws, entity.ID))
	}

	sweeper := service.NewRetentionService(store, cfg)

	// Pretend the retention window has fully elapsed.
	sweeper.RunOnce(ctx, time.Now().Add(31*24*time.Hour))

	for _, ws := range []string{wsA, wsB} {
		count, err := store.CountExpired(ctx, ws, time.Now().Add(32*24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(0), count, "workspace %s should be fully purged", ws)
	}
}

func TestRunOnceLeavesLiveAndRecentRows(t *testing.T) {
	store, cfg, ctx := setupSweepTest(t)
	ws := uuid.NewString()

	live, err := store.CreateTask(ctx, ws, registrystore.CreateTaskRequest{Title: "live"})
	require.NoError(t, err)
	recent, err := store.CreateTask(ctx, ws, registrystore.CreateTaskRequest{Title: "recent"})
	require.NoError(t, err)
	_, err = store.DeleteTask(ctx, ws, recent.ID, false)
	require.NoError(t, err)

	sweeper := service.NewRetentionService(store, cfg)
	sweeper.RunOnce(ctx, time.Now())

	_, err = store.GetTask(ctx, ws, live.ID)
	require.NoError(t, err)

	// The recent soft delete survived the sweep and stays recoverable in the
	// database until its window elapses.
	count, err := store.CountExpired(ctx, ws, time.Now().Add(31*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}
