package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/jonesrussell/north-cloud/index-scheduler/internal/bootstrap"
	"github.com/jonesrussell/north-cloud/index-scheduler/internal/database"
	"github.com/jonesrussell/north-cloud/index-scheduler/internal/domain"
	"github.com/jonesrussell/north-cloud/index-scheduler/internal/operator"
)

const (
	defaultListLimit = 50
	maxErrorWidth    = 60
)

func newAttemptsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attempts",
		Short: "Inspect and manage index attempts",
	}
	cmd.AddCommand(
		newRunOnceCommand(),
		newCancelCommand(),
		newListCommand(),
		newCancelMigrationCommand(),
	)
	return cmd
}

// withService loads config, opens the database and runs fn with an operator service.
func withService(cmd *cobra.Command, fn func(svc *operator.Service) error) error {
	cfg, log, err := loadConfig(cmd, "attempts")
	if err != nil {
		return err
	}
	db, err := bootstrap.SetupDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	svc := operator.NewService(
		database.NewIndexAttemptRepository(db),
		database.NewConnectorRepository(db),
		database.NewSearchSettingsRepository(db),
		log,
	)
	return fn(svc)
}

func newRunOnceCommand() *cobra.Command {
	var (
		ccPairID      int64
		fromBeginning bool
	)

	cmd := &cobra.Command{
		Use:   "run-once",
		Short: "Queue an index attempt for a cc pair now",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withService(cmd, func(svc *operator.Service) error {
				ids, err := svc.RunOnce(cmd.Context(), ccPairID, fromBeginning)
				if err != nil {
					return err
				}
				if len(ids) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "An index attempt is already pending for every generation")
					return nil
				}
				for _, id := range ids {
					fmt.Fprintf(cmd.OutOrStdout(), "Queued index attempt %d\n", id)
				}
				return nil
			})
		},
	}

	cmd.Flags().Int64Var(&ccPairID, "cc-pair", 0, "connector credential pair id")
	cmd.Flags().BoolVar(&fromBeginning, "from-beginning", false, "re-index from the connector's indexing start")
	_ = cmd.MarkFlagRequired("cc-pair")
	return cmd
}

func newCancelCommand() *cobra.Command {
	var attemptID int64

	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel a queued or running index attempt",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withService(cmd, func(svc *operator.Service) error {
				if err := svc.Cancel(cmd.Context(), attemptID); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cancelled index attempt %d\n", attemptID)
				return nil
			})
		},
	}

	cmd.Flags().Int64Var(&attemptID, "attempt", 0, "index attempt id")
	_ = cmd.MarkFlagRequired("attempt")
	return cmd
}

func newListCommand() *cobra.Command {
	var (
		status string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent index attempts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withService(cmd, func(svc *operator.Service) error {
				attempts, err := svc.List(cmd.Context(), domain.IndexingStatus(status), limit)
				if err != nil {
					return err
				}
				renderAttempts(cmd.OutOrStdout(), attempts)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status (not_started, in_progress, success, failed)")
	cmd.Flags().IntVar(&limit, "limit", defaultListLimit, "maximum number of attempts")
	return cmd
}

func newCancelMigrationCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel-migration",
		Short: "Abandon the FUTURE search settings and expire its attempts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withService(cmd, func(svc *operator.Service) error {
				cancelled, err := svc.CancelMigration(cmd.Context())
				if err != nil {
					return err
				}
				if !cancelled {
					fmt.Fprintln(cmd.OutOrStdout(), "No migration in progress")
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Migration cancelled")
				return nil
			})
		},
	}
}

func renderAttempts(w io.Writer, attempts []*domain.IndexAttempt) {
	if len(attempts) == 0 {
		fmt.Fprintln(w, "No index attempts found")
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"ID", "CC Pair", "Settings", "Status", "New", "Total", "Updated", "Error"})

	for _, a := range attempts {
		t.AppendRow(table.Row{
			a.ID,
			a.CCPairID,
			a.SearchSettingsID,
			a.Status,
			a.NewDocsIndexed,
			a.TotalDocsIndexed,
			a.TimeUpdated.UTC().Format(time.RFC3339),
			truncate(a.FailureReason(), maxErrorWidth),
		})
	}
	t.Render()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
