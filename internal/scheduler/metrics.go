package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// MetricsNamespace is the namespace for all scheduler metrics.
	MetricsNamespace = "index_scheduler"

	// MetricsSubsystem is the subsystem for dispatch loop metrics.
	MetricsSubsystem = "dispatch"
)

// Metrics holds the Prometheus metrics of the dispatch loop.
type Metrics struct {
	AttemptsCreated *prometheus.CounterVec
	JobsDispatched  *prometheus.CounterVec
	PoolFull        *prometheus.CounterVec
	ForceFailures   *prometheus.CounterVec
	JobsReleased    *prometheus.CounterVec
	TrackedJobs     prometheus.Gauge

	TickDuration prometheus.Histogram
	TickErrors   prometheus.Counter
	IndexSwaps   prometheus.Counter
	IsLeader     prometheus.Gauge
}

// NewMetrics creates and registers the scheduler metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)
	m := &Metrics{}

	m.initDispatchMetrics(factory)
	m.initLoopMetrics(factory)

	return m
}

func (m *Metrics) initDispatchMetrics(factory promauto.Factory) {
	m.AttemptsCreated = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Subsystem: MetricsSubsystem,
			Name:      "attempts_created_total",
			Help:      "Index attempts created by the scheduler",
		},
		[]string{"generation"},
	)

	m.JobsDispatched = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Subsystem: MetricsSubsystem,
			Name:      "jobs_dispatched_total",
			Help:      "Index attempts submitted to a job client",
		},
		[]string{"pool"},
	)

	m.PoolFull = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Subsystem: MetricsSubsystem,
			Name:      "pool_full_total",
			Help:      "Dispatch passes that stopped submitting because a pool was saturated",
		},
		[]string{"pool"},
	)

	m.ForceFailures = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Subsystem: MetricsSubsystem,
			Name:      "force_failures_total",
			Help:      "Index attempts force-failed by the scheduler",
		},
		[]string{"reason"},
	)

	m.JobsReleased = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Subsystem: MetricsSubsystem,
			Name:      "jobs_released_total",
			Help:      "Jobs released from tracking, by final job status",
		},
		[]string{"status"},
	)

	m.TrackedJobs = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: MetricsNamespace,
			Subsystem: MetricsSubsystem,
			Name:      "tracked_jobs",
			Help:      "Jobs currently tracked by the dispatch loop",
		},
	)
}

func (m *Metrics) initLoopMetrics(factory promauto.Factory) {
	m.TickDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: MetricsNamespace,
			Subsystem: "loop",
			Name:      "tick_duration_seconds",
			Help:      "Duration of one scheduler tick",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
	)

	m.TickErrors = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Subsystem: "loop",
			Name:      "tick_errors_total",
			Help:      "Scheduler ticks that ended with an error",
		},
	)

	m.IndexSwaps = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Subsystem: "loop",
			Name:      "index_swaps_total",
			Help:      "Search settings generations promoted to PRESENT",
		},
	)

	m.IsLeader = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: MetricsNamespace,
			Subsystem: "loop",
			Name:      "is_leader",
			Help:      "1 when this scheduler instance runs ticks",
		},
	)
}
