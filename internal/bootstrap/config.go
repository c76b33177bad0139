// Package bootstrap wires configuration, stores and clients into the
// scheduler and worker processes.
package bootstrap

import (
	"fmt"

	"github.com/jonesrussell/north-cloud/index-scheduler/internal/config"
	"github.com/jonesrussell/north-cloud/index-scheduler/internal/logger"
)

// LoadConfig loads and validates the configuration at path.
func LoadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if validationErr := cfg.Validate(); validationErr != nil {
		return nil, fmt.Errorf("validate config: %w", validationErr)
	}
	return cfg, nil
}

// CreateLogger creates the process logger tagged with the process role.
func CreateLogger(cfg *config.Config, process string) (logger.Logger, error) {
	logCfg := cfg.Logging
	if cfg.Service.Debug {
		logCfg.Level = "debug"
		logCfg.Development = true
	}
	log, err := logger.New(logCfg)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	return log.With(
		logger.String("service", cfg.Service.Name),
		logger.String("process", process),
	), nil
}
