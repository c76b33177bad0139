// Package profiling starts optional pprof and Pyroscope profiling for the
// scheduler and worker processes.
package profiling

import (
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // bound to localhost only
	"os"
	"runtime"
	"time"

	"github.com/grafana/pyroscope-go"

	"github.com/jonesrussell/north-cloud/index-scheduler/internal/logger"
)

const (
	defaultPprofPort     = "6060"
	defaultPyroscopeURL  = "http://pyroscope:4040"
	pprofReadHeaderLimit = 5 * time.Second
)

// Profiler stops whatever Start enabled.
type Profiler struct {
	pyroscope *pyroscope.Profiler
}

// Start enables pprof when ENABLE_PROFILING=true and Pyroscope when
// ENABLE_CONTINUOUS_PROFILING=true. Both are off by default.
func Start(process string, log logger.Logger) (*Profiler, error) {
	if os.Getenv("ENABLE_PROFILING") == "true" {
		startPprof(log)
	}

	if os.Getenv("ENABLE_CONTINUOUS_PROFILING") != "true" {
		return &Profiler{}, nil
	}

	serverURL := envOr("PYROSCOPE_SERVER_URL", defaultPyroscopeURL)
	p, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: "north-cloud.index-scheduler." + process,
		ServerAddress:   serverURL,
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseSpace,
			pyroscope.ProfileGoroutines,
		},
		Tags: map[string]string{
			"environment": envOr("PYROSCOPE_ENVIRONMENT", "development"),
			"version":     envOr("APP_VERSION", "unknown"),
			"hostname":    hostname(),
			"go_version":  runtime.Version(),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("start pyroscope: %w", err)
	}

	log.Info("Pyroscope profiling started",
		logger.String("process", process),
		logger.String("server", serverURL),
	)
	return &Profiler{pyroscope: p}, nil
}

// Stop flushes and stops continuous profiling.
func (p *Profiler) Stop() error {
	if p == nil || p.pyroscope == nil {
		return nil
	}
	return p.pyroscope.Stop()
}

func startPprof(log logger.Logger) {
	addr := "localhost:" + envOr("PPROF_PORT", defaultPprofPort)
	srv := &http.Server{Addr: addr, ReadHeaderTimeout: pprofReadHeaderLimit}

	go func() {
		log.Info("Starting pprof server", logger.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("pprof server stopped", logger.Error(err))
		}
	}()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
