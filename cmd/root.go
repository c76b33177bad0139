// Package cmd implements the index-scheduler command line.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jonesrussell/north-cloud/index-scheduler/internal/bootstrap"
	"github.com/jonesrussell/north-cloud/index-scheduler/internal/config"
	"github.com/jonesrussell/north-cloud/index-scheduler/internal/logger"
)

const defaultConfigPath = "config.yml"

// Version is set at build time with -ldflags "-X ...cmd.Version=...".
var Version = "dev"

var rootCmd = newRootCommand()

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "index-scheduler",
		Short:         "Schedules and runs connector indexing attempts",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	root.PersistentFlags().String("config", "", "config file (default is $CONFIG_PATH or ./config.yml)")
	root.PersistentFlags().Bool("debug", false, "enable debug logging")

	root.AddCommand(
		newSchedulerCommand(),
		newWorkerCommand(),
		newMigrateCommand(),
		newAttemptsCommand(),
		newVersionCommand(),
	)
	return root
}

// Execute runs the root command. SIGINT and SIGTERM cancel the command context.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return rootCmd.ExecuteContext(ctx)
}

// settings binds the persistent flags and their environment fallbacks.
func settings(cmd *cobra.Command) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	if err := v.BindEnv("config", "CONFIG_PATH"); err != nil {
		return nil, err
	}
	if err := v.BindEnv("debug", "APP_DEBUG"); err != nil {
		return nil, err
	}
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}
	v.SetDefault("config", defaultConfigPath)
	return v, nil
}

// loadConfig resolves the config path, loads it and builds the logger.
func loadConfig(cmd *cobra.Command, process string) (*config.Config, logger.Logger, error) {
	v, err := settings(cmd)
	if err != nil {
		return nil, nil, err
	}

	cfg, err := bootstrap.LoadConfig(v.GetString("config"))
	if err != nil {
		return nil, nil, err
	}
	if v.GetBool("debug") {
		cfg.Service.Debug = true
	}

	log, err := bootstrap.CreateLogger(cfg, process)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "index-scheduler %s\n", Version)
		},
	}
}
