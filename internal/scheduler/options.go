package scheduler

import (
	"time"
)

// DispatcherOption is a functional option for configuring the Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithEnterprise passes the enterprise edition flag to every submitted job.
func WithEnterprise(enabled bool) DispatcherOption {
	return func(d *Dispatcher) {
		d.enterprise = enabled
	}
}

// WithDisableIndexUpdateOnSwap stops PRESENT indexing while a FUTURE
// generation is being built.
func WithDisableIndexUpdateOnSwap(disabled bool) DispatcherOption {
	return func(d *Dispatcher) {
		d.disableIndexUpdateOnSwap = disabled
	}
}

// WithDispatcherMetrics records dispatch metrics.
func WithDispatcherMetrics(m *Metrics) DispatcherOption {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// SchedulerOption is a functional option for configuring the Scheduler.
type SchedulerOption func(*Scheduler)

// WithTickInterval sets the fixed tick period.
// Default: 10 seconds
func WithTickInterval(interval time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		s.tickInterval = interval
	}
}

// WithCleanupTimeoutHours sets how long a tracked run may go without an
// update before it is considered frozen.
// Default: 3 hours
func WithCleanupTimeoutHours(hours int) SchedulerOption {
	return func(s *Scheduler) {
		s.cleanupTimeoutHours = hours
	}
}

// WithWarmer warms up a self-hosted embedding model before the first tick.
func WithWarmer(w Warmer) SchedulerOption {
	return func(s *Scheduler) {
		s.warmer = w
	}
}

// WithLeaderGate runs ticks only while gate reports leadership.
func WithLeaderGate(gate LeaderGate) SchedulerOption {
	return func(s *Scheduler) {
		s.leader = gate
	}
}

// WithMetrics records loop metrics.
func WithMetrics(m *Metrics) SchedulerOption {
	return func(s *Scheduler) {
		s.metrics = m
	}
}
