package bootstrap

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/jonesrussell/north-cloud/index-scheduler/internal/config"
	"github.com/jonesrussell/north-cloud/index-scheduler/internal/coordination"
	"github.com/jonesrussell/north-cloud/index-scheduler/internal/database"
	"github.com/jonesrussell/north-cloud/index-scheduler/internal/jobclient"
	"github.com/jonesrussell/north-cloud/index-scheduler/internal/logger"
	"github.com/jonesrussell/north-cloud/index-scheduler/internal/profiling"
	"github.com/jonesrussell/north-cloud/index-scheduler/internal/scheduler"
	"github.com/jonesrussell/north-cloud/index-scheduler/internal/server"
)

// RunScheduler runs the update loop and the health server until ctx is done.
func RunScheduler(ctx context.Context, cfg *config.Config, log logger.Logger) error {
	// Phase 0: profiling
	profiler, err := profiling.Start("scheduler", log)
	if err != nil {
		log.Warn("Profiling disabled", logger.Error(err))
	} else {
		defer func() { _ = profiler.Stop() }()
	}

	// Phase 1: stores
	db, err := SetupDatabase(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			log.Error("Failed to close database connection", logger.Error(closeErr))
		}
	}()
	log.Info("Database connection established")

	var rdb *redis.Client
	if cfg.Scheduler.JobClient == config.JobClientRedis || cfg.Scheduler.LeaderElection {
		rdb, err = SetupRedis(cfg.Redis)
		if err != nil {
			return fmt.Errorf("setup redis: %w", err)
		}
		defer func() { _ = rdb.Close() }()
		log.Info("Redis connection established", logger.String("address", cfg.Redis.Address))
	}

	// Phase 2: job clients
	primary, secondary, err := newJobClients(cfg, db, rdb, log)
	if err != nil {
		return err
	}
	defer primary.Close()
	defer secondary.Close()

	// Phase 3: loop
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := scheduler.NewMetrics(reg)

	attempts := database.NewIndexAttemptRepository(db)
	settings := database.NewSearchSettingsRepository(db)
	dispatcher := scheduler.NewDispatcher(
		attempts,
		database.NewConnectorRepository(db),
		settings,
		log,
		scheduler.WithEnterprise(cfg.Indexing.EnterpriseEdition),
		scheduler.WithDisableIndexUpdateOnSwap(cfg.Scheduler.DisableIndexUpdateOnSwap),
		scheduler.WithDispatcherMetrics(metrics),
	)

	opts := []scheduler.SchedulerOption{
		scheduler.WithTickInterval(cfg.Scheduler.TickInterval),
		scheduler.WithCleanupTimeoutHours(cfg.Scheduler.CleanupTimeoutHours),
		scheduler.WithWarmer(NewEmbeddingClient(cfg.Indexing, log)),
		scheduler.WithMetrics(metrics),
	}
	if cfg.Scheduler.LeaderElection {
		leader, leaderErr := startLeaderElection(ctx, cfg, rdb, log)
		if leaderErr != nil {
			return leaderErr
		}
		defer func() {
			if stopErr := leader.Stop(context.WithoutCancel(ctx)); stopErr != nil {
				log.Warn("Failed to resign scheduler leadership", logger.Error(stopErr))
			}
		}()
		opts = append(opts, scheduler.WithLeaderGate(leader))
	}

	loop := scheduler.New(dispatcher, settings, primary, secondary, log, opts...)
	srv := server.New(serverConfig(cfg), healthChecks(db, rdb), reg, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return loop.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })
	return g.Wait()
}

// newJobClients builds the primary and secondary pools on the configured backend.
func newJobClients(
	cfg *config.Config,
	db *sqlx.DB,
	rdb *redis.Client,
	log logger.Logger,
) (primary, secondary jobclient.Client, err error) {
	sched := cfg.Scheduler

	if sched.JobClient == config.JobClientRedis {
		primary = jobclient.NewRedisClient(rdb, jobclient.RedisConfig{
			Prefix: cfg.Redis.Prefix, Pool: config.PoolPrimary, Size: sched.NumIndexingWorkers,
		}, log.With(logger.String("pool", config.PoolPrimary)))
		secondary = jobclient.NewRedisClient(rdb, jobclient.RedisConfig{
			Prefix: cfg.Redis.Prefix, Pool: config.PoolSecondary, Size: sched.NumSecondaryWorkers,
		}, log.With(logger.String("pool", config.PoolSecondary)))
		return primary, secondary, nil
	}

	esClient, err := SetupElasticsearch(cfg)
	if err != nil {
		return nil, nil, err
	}
	runner := NewRunner(cfg, db, esClient, log)
	primary = jobclient.NewLocalClient(sched.NumIndexingWorkers, runner.Run,
		log.With(logger.String("pool", config.PoolPrimary)))
	secondary = jobclient.NewLocalClient(sched.NumSecondaryWorkers, runner.Run,
		log.With(logger.String("pool", config.PoolSecondary)))
	return primary, secondary, nil
}

func startLeaderElection(
	ctx context.Context,
	cfg *config.Config,
	rdb *redis.Client,
	log logger.Logger,
) (*coordination.LeaderElection, error) {
	leader, err := coordination.NewLeaderElection(rdb, coordination.LeaderConfig{
		Key:       cfg.Scheduler.LeaderKey,
		OnElected: func() { log.Info("Elected scheduler leader") },
		OnLost:    func() { log.Warn("Lost scheduler leadership") },
	}, log)
	if err != nil {
		return nil, fmt.Errorf("leader election: %w", err)
	}
	leader.Start(ctx)
	log.Info("Leader election started",
		logger.String("candidate_id", leader.ID()),
		logger.Bool("leading", leader.IsLeader()),
	)
	return leader, nil
}
