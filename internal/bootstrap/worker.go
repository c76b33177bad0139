package bootstrap

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/jonesrussell/north-cloud/index-scheduler/internal/config"
	"github.com/jonesrussell/north-cloud/index-scheduler/internal/docindex"
	"github.com/jonesrussell/north-cloud/index-scheduler/internal/jobclient"
	"github.com/jonesrussell/north-cloud/index-scheduler/internal/logger"
	"github.com/jonesrussell/north-cloud/index-scheduler/internal/profiling"
	"github.com/jonesrussell/north-cloud/index-scheduler/internal/server"
)

// RunWorker consumes one pool's queue and runs the indexing entrypoint for
// every job until ctx is done.
func RunWorker(ctx context.Context, cfg *config.Config, log logger.Logger) error {
	log = log.With(logger.String("pool", cfg.Worker.Pool))

	profiler, err := profiling.Start("worker", log)
	if err != nil {
		log.Warn("Profiling disabled", logger.Error(err))
	} else {
		defer func() { _ = profiler.Stop() }()
	}

	db, err := SetupDatabase(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			log.Error("Failed to close database connection", logger.Error(closeErr))
		}
	}()

	rdb, err := SetupRedis(cfg.Redis)
	if err != nil {
		return fmt.Errorf("setup redis: %w", err)
	}
	defer func() { _ = rdb.Close() }()

	esClient, err := SetupElasticsearch(cfg)
	if err != nil {
		return err
	}

	runner := NewRunner(cfg, db, esClient, log)
	worker := jobclient.NewWorker(rdb, jobclient.WorkerConfig{
		Prefix:      cfg.Redis.Prefix,
		Pool:        cfg.Worker.Pool,
		Concurrency: cfg.Worker.Concurrency,
		LeaseTTL:    cfg.Worker.LeaseTTL,
	}, runner.Run, log)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	registerWorkerMetrics(reg, worker)

	checker := healthChecks(db, rdb)
	checker.Register("elasticsearch", docindex.NewWriter(esClient, log).Ping)
	srv := server.New(serverConfig(cfg), checker, reg, log)

	log.Info("Indexing worker starting",
		logger.Int("concurrency", cfg.Worker.Concurrency),
		logger.Duration("lease_ttl", cfg.Worker.LeaseTTL),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })
	return g.Wait()
}

func registerWorkerMetrics(reg prometheus.Registerer, worker *jobclient.Worker) {
	const namespace, subsystem = "index_scheduler", "worker"

	gauge := func(name, help string, value func(jobclient.WorkerStats) int64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(value(worker.Stats())) })
	}
	counter := func(name, help string, value func(jobclient.WorkerStats) int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(value(worker.Stats())) })
	}

	reg.MustRegister(
		gauge("active_jobs", "Jobs currently running on this worker.",
			func(s jobclient.WorkerStats) int64 { return s.Active }),
		counter("jobs_completed_total", "Jobs that finished successfully.",
			func(s jobclient.WorkerStats) int64 { return s.Completed }),
		counter("jobs_failed_total", "Jobs that returned an error.",
			func(s jobclient.WorkerStats) int64 { return s.Failed }),
		counter("jobs_cancelled_total", "Jobs stopped by a cancel request.",
			func(s jobclient.WorkerStats) int64 { return s.Cancelled }),
	)
}
