package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gorm.io/gorm/logger"

	"github.com/caseflow/caseflow/internal/config"
	"github.com/caseflow/caseflow/internal/database"
)

func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Create the database schema and the pipeline folders",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}

			db, err := database.Connect(cfg.DatabaseURL, logger.Info)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer database.Close(db)

			if err := database.AutoMigrate(db); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Database schema is up to date")

			for _, dir := range []string{cfg.UploadDir, cfg.SuccessDir, cfg.FailureDir, filepath.Dir(cfg.NextRunFile)} {
				if err := os.MkdirAll(dir, 0755); err != nil {
					return fmt.Errorf("failed to create %s: %w", dir, err)
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Pipeline folders created")
			return nil
		},
	}
}
