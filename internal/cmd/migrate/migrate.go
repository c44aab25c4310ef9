package migrate

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/chirino/task-service/internal/config"
	registrystore "github.com/chirino/task-service/internal/registry/store"
	"github.com/urfave/cli/v3"

	// Import the store plugin to trigger init() registration.
	_ "github.com/chirino/task-service/internal/plugin/store/sqlite"
)

// Command returns the migrate sub-command. Opening a workspace applies any
// pending schema upgrades, so migrating is just re-opening every workspace
// the registry knows about.
func Command() *cli.Command {
	cfg := config.DefaultConfig()

	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply schema upgrades to every registered workspace",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "data-dir",
				Sources:     cli.EnvVars("TASK_SERVICE_DATA_DIR"),
				Destination: &cfg.DataDir,
				Usage:       "Directory holding the registry and workspace databases",
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

			workspaces, err := st.ListWorkspaces(ctx)
			if err != nil {
				return err
			}
			for _, ws := range workspaces {
				if _, err := st.EnsureWorkspace(ctx, ws.Identity); err != nil {
					return err
				}
				log.Info("Migrated workspace", "workspace", ws.Identity)
			}
			log.Info("Migration completed", "workspaces", len(workspaces))
			return nil
		},
	}
}
