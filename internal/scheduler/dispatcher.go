package scheduler

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/jonesrussell/north-cloud/index-scheduler/internal/database"
	"github.com/jonesrussell/north-cloud/index-scheduler/internal/domain"
	"github.com/jonesrussell/north-cloud/index-scheduler/internal/jobclient"
	"github.com/jonesrussell/north-cloud/index-scheduler/internal/logger"
)

// Force-fail reasons recorded in index_attempt.error_msg.
const (
	ReasonConnectorDeleted  = "Connector is null"
	ReasonCredentialDeleted = "Credential is null"
	ReasonStoppedMidRun     = "Stopped mid run, likely due to the background process being killed"
	frozenReasonFormat      = "Indexing run frozen - no updates in the last %d hours. " +
		"The run will be re-attempted at next scheduled indexing time."
)

// FrozenReason is the failure reason for a run without updates in timeoutHours.
func FrozenReason(timeoutHours int) string {
	return fmt.Sprintf(frozenReasonFormat, timeoutHours)
}

// Jobs maps a tracked attempt id to its job handle. It is owned by the loop.
type Jobs map[int64]jobclient.Handle

type pairKey struct {
	ccPairID         int64
	searchSettingsID int64
}

// Dispatcher implements the create, kickoff and cleanup steps of a tick.
type Dispatcher struct {
	attempts AttemptStore
	registry Registry
	settings SettingsResolver
	log      logger.Logger
	metrics  *Metrics

	enterprise               bool
	disableIndexUpdateOnSwap bool
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(
	attempts AttemptStore,
	registry Registry,
	settings SettingsResolver,
	log logger.Logger,
	opts ...DispatcherOption,
) *Dispatcher {
	d := &Dispatcher{
		attempts: attempts,
		registry: registry,
		settings: settings,
		log:      log,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// CreateIndexingJobs creates a NOT_STARTED attempt for every cc pair and live
// generation that has nothing tracked in jobs and is due per ShouldCreateNewIndexing.
func (d *Dispatcher) CreateIndexingJobs(ctx context.Context, jobs Jobs) error {
	ongoing := make(map[pairKey]struct{}, len(jobs))
	for attemptID := range jobs {
		attempt, err := d.attempts.GetByID(ctx, attemptID)
		if err != nil {
			if errors.Is(err, database.ErrIndexAttemptNotFound) {
				d.log.Error("Unable to find index attempt when creating indexing jobs", logger.AttemptID(attemptID))
				continue
			}
			return fmt.Errorf("resolve tracked attempt %d: %w", attemptID, err)
		}
		ongoing[pairKey{attempt.CCPairID, attempt.SearchSettingsID}] = struct{}{}
	}

	current, err := d.settings.GetCurrent(ctx)
	if err != nil {
		return fmt.Errorf("get current search settings: %w", err)
	}
	secondary, err := d.settings.GetSecondary(ctx)
	if err != nil {
		return fmt.Errorf("get secondary search settings: %w", err)
	}

	generations := []*domain.SearchSettings{current}
	if secondary != nil {
		generations = append(generations, secondary)
	}

	pairs, err := d.registry.ListCCPairs(ctx)
	if err != nil {
		return fmt.Errorf("list cc pairs: %w", err)
	}

	now, err := d.attempts.Now(ctx)
	if err != nil {
		return fmt.Errorf("read database time: %w", err)
	}

	for _, pair := range pairs {
		for _, settings := range generations {
			if _, busy := ongoing[pairKey{pair.ID, settings.ID}]; busy {
				continue
			}
			d.createIfDue(ctx, pair, settings, secondary != nil, now)
		}
	}
	return nil
}

func (d *Dispatcher) createIfDue(
	ctx context.Context,
	pair *domain.ConnectorCredentialPair,
	settings *domain.SearchSettings,
	secondaryBuilding bool,
	now time.Time,
) {
	last, err := d.attempts.GetLastForCCPair(ctx, pair.ID, settings.ID)
	if err != nil {
		d.log.Error("Failed to read last index attempt",
			logger.CCPairID(pair.ID),
			logger.SearchSettingsID(settings.ID),
			logger.Error(err),
		)
		return
	}

	due := ShouldCreateNewIndexing(IndexingDecision{
		CCPair:                   pair,
		LastAttempt:              last,
		SearchSettings:           settings,
		SecondaryIndexBuilding:   secondaryBuilding,
		DisableIndexUpdateOnSwap: d.disableIndexUpdateOnSwap,
		Now:                      now,
	})
	if !due {
		return
	}

	attemptID, err := d.attempts.Create(ctx, pair.ID, settings.ID, false)
	if err != nil {
		d.log.Error("Failed to create index attempt",
			logger.CCPairID(pair.ID),
			logger.SearchSettingsID(settings.ID),
			logger.Error(err),
		)
		return
	}

	d.log.Info("Created index attempt",
		logger.AttemptID(attemptID),
		logger.CCPairID(pair.ID),
		logger.SearchSettingsID(settings.ID),
	)
	if d.metrics != nil {
		d.metrics.AttemptsCreated.WithLabelValues(generationLabel(settings)).Inc()
	}
}

// KickoffIndexingJobs submits untracked NOT_STARTED attempts oldest first.
// FUTURE attempts go to secondary, everything else to primary. A client that
// returns no handle is treated as full for the rest of the pass. The returned
// map holds jobs plus every newly submitted attempt.
func (d *Dispatcher) KickoffIndexingJobs(
	ctx context.Context, jobs Jobs, primary, secondary jobclient.Client,
) Jobs {
	out := maps.Clone(jobs)
	if out == nil {
		out = Jobs{}
	}

	notStarted, err := d.attempts.GetNotStarted(ctx)
	if err != nil {
		d.log.Error("Failed to list queued index attempts", logger.Error(err))
		return out
	}

	pending := make([]*domain.IndexAttempt, 0, len(notStarted))
	for _, attempt := range notStarted {
		if _, tracked := jobs[attempt.ID]; !tracked {
			pending = append(pending, attempt)
		}
	}
	if len(pending) == 0 {
		return out
	}

	var primaryFull, secondaryFull bool
	started := 0

	for _, attempt := range pending {
		if primaryFull && secondaryFull {
			break
		}

		if attempt.CCPair == nil || attempt.CCPair.Connector == nil {
			d.forceFail(ctx, attempt.ID, ReasonConnectorDeleted)
			continue
		}
		if attempt.CCPair.Credential == nil {
			d.forceFail(ctx, attempt.ID, ReasonCredentialDeleted)
			continue
		}

		useSecondary := attempt.SearchSettings != nil && attempt.SearchSettings.Status == domain.ModelFuture
		client, pool := primary, poolPrimary
		if useSecondary {
			client, pool = secondary, poolSecondary
		}
		if (useSecondary && secondaryFull) || (!useSecondary && primaryFull) {
			continue
		}

		handle, submitErr := client.Submit(ctx, jobclient.Request{
			AttemptID:    attempt.ID,
			CCPairID:     attempt.CCPairID,
			IsEnterprise: d.enterprise,
		})
		if submitErr != nil {
			d.log.Error("Failed to submit index attempt",
				logger.AttemptID(attempt.ID),
				logger.String("pool", pool),
				logger.Error(submitErr),
			)
		}
		if handle == nil {
			if useSecondary {
				secondaryFull = true
			} else {
				primaryFull = true
			}
			if d.metrics != nil {
				d.metrics.PoolFull.WithLabelValues(pool).Inc()
			}
			continue
		}

		if started == 0 {
			d.log.Info("Indexing dispatch starts", logger.Int("pending", len(pending)))
		}
		started++
		out[attempt.ID] = handle

		d.log.Debug("Kicked off index attempt",
			logger.AttemptID(attempt.ID),
			logger.CCPairID(attempt.CCPairID),
			logger.SearchSettingsID(attempt.SearchSettingsID),
			logger.String("pool", pool),
		)
		if d.metrics != nil {
			d.metrics.JobsDispatched.WithLabelValues(pool).Inc()
		}
	}

	if started > 0 {
		d.log.Info("Indexing dispatch results",
			logger.Int("initial_pending", len(pending)),
			logger.Int("started", started),
			logger.Int("remaining", len(pending)-started),
		)
	}
	if d.metrics != nil {
		d.metrics.TrackedJobs.Set(float64(len(out)))
	}
	return out
}

// CleanupIndexingJobs releases jobs that are done or whose attempt finished,
// force-failing attempts left IN_PROGRESS by a dead job. It then sweeps every
// connector's IN_PROGRESS attempts: tracked ones without an update for
// timeoutHours are cancelled and failed, untracked ones are failed.
func (d *Dispatcher) CleanupIndexingJobs(ctx context.Context, jobs Jobs, timeoutHours int) Jobs {
	out := maps.Clone(jobs)
	if out == nil {
		out = Jobs{}
	}

	for attemptID, handle := range jobs {
		d.reap(ctx, out, attemptID, handle)
	}

	d.sweepInProgress(ctx, out, timeoutHours)

	if d.metrics != nil {
		d.metrics.TrackedJobs.Set(float64(len(out)))
	}
	return out
}

func (d *Dispatcher) reap(ctx context.Context, out Jobs, attemptID int64, handle jobclient.Handle) {
	attempt, err := d.attempts.GetByID(ctx, attemptID)
	missing := errors.Is(err, database.ErrIndexAttemptNotFound)
	if err != nil && !missing {
		d.log.Error("Failed to load tracked index attempt",
			logger.AttemptID(attemptID),
			logger.Error(err),
		)
		return
	}

	finished := !missing && attempt.Status.IsTerminal()
	if !handle.Done(ctx) {
		if !finished {
			return
		}
		// Marked FAILED outside the loop while still running: a user cancellation.
		if attempt.Status == domain.StatusFailed && handle.Cancel(ctx) {
			d.log.Info("Cancelled indexing job for failed attempt", logger.AttemptID(attemptID))
		}
	}

	status := handle.Status(ctx)
	if status == jobclient.StatusError {
		d.log.Error("Indexing job exited with error",
			logger.AttemptID(attemptID),
			logger.Error(handle.Err(ctx)),
		)
	}

	handle.Release(ctx)
	delete(out, attemptID)
	if d.metrics != nil {
		d.metrics.JobsReleased.WithLabelValues(string(status)).Inc()
	}

	if missing {
		d.log.Error("Unable to find index attempt for tracked job", logger.AttemptID(attemptID))
		return
	}

	if attempt.Status == domain.StatusInProgress || status == jobclient.StatusError {
		d.forceFail(ctx, attemptID, ReasonStoppedMidRun)
	}
}

func (d *Dispatcher) sweepInProgress(ctx context.Context, out Jobs, timeoutHours int) {
	connectors, err := d.registry.ListConnectors(ctx)
	if err != nil {
		d.log.Error("Failed to list connectors for stalled run check", logger.Error(err))
		return
	}

	now, err := d.attempts.Now(ctx)
	if err != nil {
		d.log.Error("Failed to read database time", logger.Error(err))
		return
	}
	timeout := time.Duration(timeoutHours) * time.Hour

	for _, connector := range connectors {
		inProgress, listErr := d.attempts.GetInProgress(ctx, connector.ID)
		if listErr != nil {
			d.log.Error("Failed to list running index attempts",
				logger.Int64("connector_id", connector.ID),
				logger.Error(listErr),
			)
			continue
		}

		for _, attempt := range inProgress {
			handle, tracked := out[attempt.ID]
			if !tracked {
				d.forceFail(ctx, attempt.ID, ReasonStoppedMidRun)
				continue
			}

			if now.Sub(attempt.TimeUpdated) > timeout {
				handle.Cancel(ctx)
				d.log.Warn("Indexing run frozen, cancelling",
					logger.AttemptID(attempt.ID),
					logger.Time("time_updated", attempt.TimeUpdated),
				)
				d.forceFail(ctx, attempt.ID, FrozenReason(timeoutHours))
			}
		}
	}
}

func (d *Dispatcher) forceFail(ctx context.Context, attemptID int64, reason string) {
	if err := d.attempts.MarkFailed(ctx, attemptID, reason); err != nil {
		d.log.Error("Failed to mark index attempt failed",
			logger.AttemptID(attemptID),
			logger.String("reason", reason),
			logger.Error(err),
		)
		return
	}

	d.log.Warn("Marked index attempt failed",
		logger.AttemptID(attemptID),
		logger.String("reason", reason),
	)
	if d.metrics != nil {
		d.metrics.ForceFailures.WithLabelValues(reasonLabel(reason)).Inc()
	}
}

const (
	poolPrimary   = "primary"
	poolSecondary = "secondary"
)

func generationLabel(settings *domain.SearchSettings) string {
	if settings.Status == domain.ModelFuture {
		return poolSecondary
	}
	return poolPrimary
}

func reasonLabel(reason string) string {
	switch reason {
	case ReasonConnectorDeleted:
		return "connector_deleted"
	case ReasonCredentialDeleted:
		return "credential_deleted"
	case ReasonStoppedMidRun:
		return "stopped_mid_run"
	default:
		return "frozen"
	}
}
