package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lengolf/inbox/internal/config"
	"github.com/lengolf/inbox/internal/db"
	"github.com/lengolf/inbox/internal/logger"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back database migrations",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath(cmd))
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger.Init(cfg.Log.Level, cfg.Log.Format)
			return db.Migrate(logger.L, cfg.Postgres)
		},
	})

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if steps <= 0 {
				return fmt.Errorf("--steps must be positive")
			}
			cfg, err := config.Load(configPath(cmd))
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger.Init(cfg.Log.Level, cfg.Log.Format)
			return db.Rollback(logger.L, cfg.Postgres, steps)
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")
	cmd.AddCommand(down)
	return cmd
}
