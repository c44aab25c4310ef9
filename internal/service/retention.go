package service

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/task-service/internal/config"
	registrystore "github.com/chirino/task-service/internal/registry/store"
	"github.com/google/uuid"
)

// RetentionService permanently purges soft-deleted rows once they are older
// than the retention window. It is the only background job in the core and
// is interruptible between rows.
type RetentionService struct {
	store     registrystore.WorkspaceStore
	retention time.Duration
	interval  time.Duration
	batchSize int
	delay     time.Duration
}

// NewRetentionService creates a retention sweeper over the given store.
func NewRetentionService(store registrystore.WorkspaceStore, cfg *config.Config) *RetentionService {
	return &RetentionService{
		store:     store,
		retention: cfg.Retention,
		interval:  cfg.SweepInterval,
		batchSize: cfg.SweepBatchSize,
		delay:     cfg.SweepBatchDelay,
	}
}

// Start begins the periodic sweep loop. Returns when ctx is cancelled.
func (r *RetentionService) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunOnce(ctx, time.Now())
		}
	}
}

// RunOnce sweeps every registered workspace, purging rows whose deleted_at
// is older than now minus the retention window. Individual row failures are
// logged and skipped; cancellation stops the sweep between batches.
func (r *RetentionService) RunOnce(ctx context.Context, now time.Time) {
	runID := uuid.NewString()
	cutoff := now.Add(-r.retention)

	workspaces, err := r.store.ListWorkspaces(ctx)
	if err != nil {
		log.Error("retention: failed to list workspaces", "runId", runID, "err", err)
		return
	}

	var purged, skipped int64
	for _, ws := range workspaces {
		total, err := r.store.CountExpired(ctx, ws.Identity, cutoff)
		if err != nil {
			log.Error("retention: count failed", "runId", runID, "workspace", ws.Identity, "err", err)
			continue
		}
		if total == 0 {
			continue
		}
		log.Info("retention: sweeping workspace", "runId", runID, "workspace", ws.Identity, "expired", total, "cutoff", cutoff)

		for {
			result, err := r.store.PurgeExpired(ctx, ws.Identity, cutoff, r.batchSize)
			if err != nil {
				if ctx.Err() != nil {
					log.Info("retention: sweep interrupted", "runId", runID, "purged", purged)
					return
				}
				log.Error("retention: purge failed", "runId", runID, "workspace", ws.Identity, "err", err)
				break
			}
			purged += result.Purged()
			skipped += result.Skipped
			if result.Purged() == 0 {
				break
			}
			if r.delay > 0 {
				select {
				case <-ctx.Done():
					log.Info("retention: sweep interrupted", "runId", runID, "purged", purged)
					return
				case <-time.After(r.delay):
				}
			}
		}
	}
	if purged > 0 || skipped > 0 {
		log.Info("retention: sweep completed", "runId", runID, "purged", purged, "skipped", skipped)
	}
}
