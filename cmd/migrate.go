package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jonesrussell/north-cloud/index-scheduler/internal/bootstrap"
	"github.com/jonesrussell/north-cloud/index-scheduler/internal/database"
	"github.com/jonesrussell/north-cloud/index-scheduler/internal/logger"
)

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the Postgres schema",
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig(cmd, "migrate")
			if err != nil {
				return err
			}
			db, err := bootstrap.SetupDatabase(cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			return database.RunMigrations(db.DB, log)
		},
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig(cmd, "migrate")
			if err != nil {
				return err
			}
			db, err := bootstrap.SetupDatabase(cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			return database.MigrateDown(db.DB, steps, log)
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")

	version := &cobra.Command{
		Use:   "version",
		Short: "Print the applied schema version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig(cmd, "migrate")
			if err != nil {
				return err
			}
			db, err := bootstrap.SetupDatabase(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			v, dirty, err := database.MigrationVersion(db.DB)
			if err != nil {
				return err
			}
			log.Debug("Read schema version", logger.Int64("version", int64(v)), logger.Bool("dirty", dirty))
			fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty: %t)\n", v, dirty)
			return nil
		},
	}

	cmd.AddCommand(up, down, version)
	return cmd
}
