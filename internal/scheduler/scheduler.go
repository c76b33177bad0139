package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/jonesrussell/north-cloud/index-scheduler/internal/jobclient"
	"github.com/jonesrussell/north-cloud/index-scheduler/internal/logger"
)

const (
	defaultTickInterval        = 10 * time.Second
	defaultCleanupTimeoutHours = 3
)

// Scheduler drives the dispatch loop on a fixed period. It owns the jobs
// table for its whole lifetime.
type Scheduler struct {
	dispatcher *Dispatcher
	settings   SettingsResolver
	primary    jobclient.Client
	secondary  jobclient.Client
	log        logger.Logger

	tickInterval        time.Duration
	cleanupTimeoutHours int
	warmer              Warmer
	leader              LeaderGate
	metrics             *Metrics

	jobs Jobs
}

// New creates a scheduler. primary and secondary are independent pools.
func New(
	dispatcher *Dispatcher,
	settings SettingsResolver,
	primary, secondary jobclient.Client,
	log logger.Logger,
	opts ...SchedulerOption,
) *Scheduler {
	s := &Scheduler{
		dispatcher:          dispatcher,
		settings:            settings,
		primary:             primary,
		secondary:           secondary,
		log:                 log,
		tickInterval:        defaultTickInterval,
		cleanupTimeoutHours: defaultCleanupTimeoutHours,
		jobs:                Jobs{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run checks for an index swap, warms up the embedding model and then ticks
// until ctx is cancelled. A tick in progress when ctx ends is finished first.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("Index scheduler starting",
		logger.Duration("tick_interval", s.tickInterval),
		logger.Int("primary_workers", s.primary.Size()),
		logger.Int("secondary_workers", s.secondary.Size()),
		logger.Int("cleanup_timeout_hours", s.cleanupTimeoutHours),
	)

	if err := s.checkIndexSwap(ctx); err != nil {
		s.log.Error("Initial index swap check failed", logger.Error(err))
	}
	s.warmUp(ctx)

	for {
		start := time.Now()
		s.Tick(context.WithoutCancel(ctx))

		sleep := max(0, s.tickInterval-time.Since(start))
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.log.Info("Index scheduler stopping", logger.Int("tracked_jobs", len(s.jobs)))
			return nil
		case <-timer.C:
		}
	}
}

// Tick runs one iteration. Errors and panics are logged and never escape.
func (s *Scheduler) Tick(ctx context.Context) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.recordTickError(fmt.Errorf("panic in scheduler tick: %v", r))
		}
		if s.metrics != nil {
			s.metrics.TickDuration.Observe(time.Since(start).Seconds())
		}
	}()

	if s.leader != nil {
		leading := s.leader.IsLeader()
		if s.metrics != nil {
			s.metrics.IsLeader.Set(boolGauge(leading))
		}
		if !leading {
			s.log.Debug("Not the scheduler leader, skipping tick")
			return
		}
	}

	if err := s.tick(ctx); err != nil {
		s.recordTickError(err)
	}
}

func (s *Scheduler) tick(ctx context.Context) error {
	if err := s.checkIndexSwap(ctx); err != nil {
		return err
	}

	s.jobs = s.dispatcher.CleanupIndexingJobs(ctx, s.jobs, s.cleanupTimeoutHours)

	if err := s.dispatcher.CreateIndexingJobs(ctx, s.jobs); err != nil {
		return fmt.Errorf("create indexing jobs: %w", err)
	}

	s.jobs = s.dispatcher.KickoffIndexingJobs(ctx, s.jobs, s.primary, s.secondary)
	return nil
}

// Jobs returns the number of tracked jobs.
func (s *Scheduler) Jobs() int {
	return len(s.jobs)
}

func (s *Scheduler) checkIndexSwap(ctx context.Context) error {
	result, err := s.settings.CheckIndexSwap(ctx)
	if err != nil {
		return fmt.Errorf("check index swap: %w", err)
	}

	if result.UniqueIndexed > result.CCPairCount {
		s.log.Error("More unique indexings than cc pairs, should not occur",
			logger.Int("unique_indexed", result.UniqueIndexed),
			logger.Int("cc_pair_count", result.CCPairCount),
		)
	}

	if result.Swapped {
		s.log.Info("Swapped search settings generation",
			logger.Int64("old_search_settings_id", result.OldID),
			logger.Int64("new_search_settings_id", result.NewID),
		)
		if s.metrics != nil {
			s.metrics.IndexSwaps.Inc()
		}
	}
	return nil
}

func (s *Scheduler) warmUp(ctx context.Context) {
	if s.warmer == nil {
		return
	}

	current, err := s.settings.GetCurrent(ctx)
	if err != nil {
		s.log.Error("Failed to load current search settings for warm up", logger.Error(err))
		return
	}
	if !current.IsSelfHosted() {
		return
	}

	if warmErr := s.warmer.WarmUp(ctx, current); warmErr != nil {
		s.log.Warn("Embedding model warm up failed",
			logger.String("model", current.ModelName),
			logger.Error(warmErr),
		)
		return
	}
	s.log.Info("Embedding model warmed up", logger.String("model", current.ModelName))
}

func (s *Scheduler) recordTickError(err error) {
	s.log.Error("Failed to run update loop tick", logger.Error(err))
	if s.metrics != nil {
		s.metrics.TickErrors.Inc()
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
