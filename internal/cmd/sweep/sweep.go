package sweep

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/task-service/internal/config"
	registrystore "github.com/chirino/task-service/internal/registry/store"
	"github.com/chirino/task-service/internal/service"
	"github.com/urfave/cli/v3"

	// Import the store plugin to trigger init() registration.
	_ "github.com/chirino/task-service/internal/plugin/store/sqlite"
)

// Command returns the sweep sub-command. The sweep is the retention batch
// job: it purges soft-deleted rows past the retention window across every
// registered workspace.
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	var once bool

	return &cli.Command{
		Name:  "sweep",
		Usage: "Purge soft-deleted rows past the retention window",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "data-dir",
				Sources:     cli.EnvVars("TASK_SERVICE_DATA_DIR"),
				Destination: &cfg.DataDir,
				Usage:       "Directory holding the registry and workspace databases",
			},
			&cli.DurationFlag{
				Name:        "retention",
				Sources:     cli.EnvVars("TASK_SERVICE_RETENTION"),
				Destination: &cfg.Retention,
				Value:       cfg.Retention,
				Usage:       "How long soft-deleted rows are kept before purge",
			},
			&cli.DurationFlag{
				Name:        "interval",
				Sources:     cli.EnvVars("TASK_SERVICE_SWEEP_INTERVAL"),
				Destination: &cfg.SweepInterval,
				Value:       cfg.SweepInterval,
				Usage:       "Time between sweeps when running continuously",
			},
			&cli.IntFlag{
				Name:        "batch-size",
				Sources:     cli.EnvVars("TASK_SERVICE_SWEEP_BATCH_SIZE"),
				Destination: &cfg.SweepBatchSize,
				Value:       cfg.SweepBatchSize,
				Usage:       "Maximum rows purged per table per batch",
			},
			&cli.BoolFlag{
				Name:        "once",
				Destination: &once,
				Usage:       "Run a single sweep and exit",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			ctx = config.WithContext(ctx, &cfg)

			loader, err := registrystore.Select("sqlite")
			if err != nil {
				return err
			}
			st, err := loader(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			sweeper := service.NewRetentionService(st, &cfg)
			if once {
				sweeper.RunOnce(ctx, time.Now())
				return nil
			}
			log.Info("Starting retention sweep loop", "interval", cfg.SweepInterval, "retention", cfg.Retention)
			sweeper.Start(ctx)
			return nil
		},
	}
}
