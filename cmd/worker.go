package cmd

import (
	"github.com/spf13/cobra"

	"github.com/jonesrussell/north-cloud/index-scheduler/internal/bootstrap"
	"github.com/jonesrussell/north-cloud/index-scheduler/internal/config"
	"github.com/jonesrussell/north-cloud/index-scheduler/internal/logger"
)

func newWorkerCommand() *cobra.Command {
	var (
		pool        string
		concurrency int
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume the distributed job queue and run indexing attempts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig(cmd, "worker")
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			if pool != "" {
				cfg.Worker.Pool = pool
			}
			if concurrency > 0 {
				cfg.Worker.Concurrency = concurrency
			}
			if validateErr := cfg.Validate(); validateErr != nil {
				return validateErr
			}

			log.Info("Starting indexing worker", logger.String("version", Version))
			return bootstrap.RunWorker(cmd.Context(), cfg, log)
		},
	}

	cmd.Flags().StringVar(&pool, "pool", "", "queue to consume: "+config.PoolPrimary+" or "+config.PoolSecondary)
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "jobs run in parallel by this worker")
	return cmd
}
