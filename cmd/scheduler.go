package cmd

import (
	"github.com/spf13/cobra"

	"github.com/jonesrussell/north-cloud/index-scheduler/internal/bootstrap"
	"github.com/jonesrussell/north-cloud/index-scheduler/internal/logger"
)

func newSchedulerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "scheduler",
		Short: "Run the indexing update loop",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig(cmd, "scheduler")
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			log.Info("Starting index scheduler",
				logger.String("version", Version),
				logger.String("job_client", cfg.Scheduler.JobClient),
				logger.Int("port", cfg.Service.Port),
			)
			return bootstrap.RunScheduler(cmd.Context(), cfg, log)
		},
	}
}
