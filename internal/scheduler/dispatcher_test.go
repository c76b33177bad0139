package scheduler_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/jonesrussell/north-cloud/index-scheduler/internal/domain"
	"github.com/jonesrussell/north-cloud/index-scheduler/internal/jobclient"
	"github.com/jonesrussell/north-cloud/index-scheduler/internal/jobclient/mocks"
	"github.com/jonesrussell/north-cloud/index-scheduler/internal/logger"
	"github.com/jonesrussell/north-cloud/index-scheduler/internal/scheduler"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newDispatcher(store *fakeStore, opts ...scheduler.DispatcherOption) *scheduler.Dispatcher {
	return scheduler.NewDispatcher(store, store, store, logger.NewNop(), opts...)
}

func futureSettings() *domain.SearchSettings {
	return &domain.SearchSettings{ID: 2, ModelName: "intfloat/e5-base-v2", Status: domain.ModelFuture}
}

// metricValue sums the counter or gauge samples of name whose labels include value.
func metricValue(t *testing.T, reg *prometheus.Registry, name, labelValue string) float64 {
	t.Helper()

	families, err := reg.Gather()
	require.NoError(t, err)

	var total float64
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, m := range family.GetMetric() {
			matched := labelValue == ""
			for _, label := range m.GetLabel() {
				if label.GetValue() == labelValue {
					matched = true
				}
			}
			if !matched {
				continue
			}
			total += m.GetCounter().GetValue() + m.GetGauge().GetValue()
		}
	}
	return total
}

func TestCreateIndexingJobs_Idempotent(t *testing.T) {
	t.Parallel()

	store := newFakeStore(testNow)
	store.addPair(1, 1, domain.SourceWeb, refresh(3600))
	d := newDispatcher(store)

	require.NoError(t, d.CreateIndexingJobs(context.Background(), scheduler.Jobs{}))
	require.NoError(t, d.CreateIndexingJobs(context.Background(), scheduler.Jobs{}))

	assert.Equal(t, 1, store.created)
	assert.Equal(t, 1, store.countStatus(domain.StatusNotStarted))
}

func TestCreateIndexingJobs_SkipsTrackedPairs(t *testing.T) {
	t.Parallel()

	store := newFakeStore(testNow)
	store.addPair(1, 1, domain.SourceWeb, refresh(3600))
	tracked := store.addAttempt(1, 1, domain.StatusSuccess, testNow.Add(-2*time.Hour))
	d := newDispatcher(store)

	ctrl := gomock.NewController(t)
	jobs := scheduler.Jobs{tracked: mocks.NewMockHandle(ctrl)}

	require.NoError(t, d.CreateIndexingJobs(context.Background(), jobs))
	assert.Equal(t, 0, store.created)

	require.NoError(t, d.CreateIndexingJobs(context.Background(), scheduler.Jobs{}))
	assert.Equal(t, 1, store.created)
}

func TestCreateIndexingJobs_MissingTrackedAttempt(t *testing.T) {
	t.Parallel()

	store := newFakeStore(testNow)
	store.addPair(1, 1, domain.SourceWeb, refresh(60))
	log := &recordingLogger{}
	d := scheduler.NewDispatcher(store, store, store, log)

	ctrl := gomock.NewController(t)
	jobs := scheduler.Jobs{999: mocks.NewMockHandle(ctrl)}

	require.NoError(t, d.CreateIndexingJobs(context.Background(), jobs))
	assert.Equal(t, []string{"Unable to find index attempt when creating indexing jobs"}, log.errorMessages())
	assert.Equal(t, 1, store.created)
}

func TestCreateIndexingJobs_RefreshBoundary(t *testing.T) {
	t.Parallel()

	store := newFakeStore(testNow)
	store.addPair(1, 1, domain.SourceWeb, refresh(3600))
	store.addAttempt(1, 1, domain.StatusSuccess, testNow.Add(-time.Hour+time.Second))
	d := newDispatcher(store)

	require.NoError(t, d.CreateIndexingJobs(context.Background(), scheduler.Jobs{}))
	assert.Equal(t, 0, store.created)

	store.advance(time.Second)
	require.NoError(t, d.CreateIndexingJobs(context.Background(), scheduler.Jobs{}))
	assert.Equal(t, 1, store.created)
}

func TestCreateIndexingJobs_ManualOnlyConnector(t *testing.T) {
	t.Parallel()

	store := newFakeStore(testNow)
	store.addPair(1, 1, domain.SourceWeb, nil)
	store.addAttempt(1, 1, domain.StatusSuccess, testNow.Add(-90*24*time.Hour))
	d := newDispatcher(store)

	require.NoError(t, d.CreateIndexingJobs(context.Background(), scheduler.Jobs{}))
	assert.Equal(t, 0, store.created)
}

func TestCreateIndexingJobs_SeedsFutureOnce(t *testing.T) {
	t.Parallel()

	store := newFakeStore(testNow)
	store.secondary = futureSettings()
	store.addPair(1, 1, domain.SourceWeb, refresh(86400))
	store.addPair(2, 0, domain.SourceIngestionAPI, nil)
	store.addAttempt(1, 1, domain.StatusSuccess, testNow.Add(-time.Minute))

	reg := prometheus.NewRegistry()
	d := newDispatcher(store, scheduler.WithDispatcherMetrics(scheduler.NewMetrics(reg)))

	for range 3 {
		require.NoError(t, d.CreateIndexingJobs(context.Background(), scheduler.Jobs{}))
	}

	require.Equal(t, 1, store.created)
	last, err := store.GetLastForCCPair(context.Background(), 1, 2)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, domain.StatusNotStarted, last.Status)

	none, err := store.GetLastForCCPair(context.Background(), 2, 2)
	require.NoError(t, err)
	assert.Nil(t, none)

	assert.InDelta(t, 1, metricValue(t, reg, "index_scheduler_dispatch_attempts_created_total", "secondary"), 0)
}

func TestCreateIndexingJobs_PausesPresentDuringSwap(t *testing.T) {
	t.Parallel()

	store := newFakeStore(testNow)
	store.secondary = futureSettings()
	store.addPair(1, 1, domain.SourceWeb, refresh(60))
	store.addAttempt(1, 1, domain.StatusSuccess, testNow.Add(-time.Hour))
	d := newDispatcher(store, scheduler.WithDisableIndexUpdateOnSwap(true))

	require.NoError(t, d.CreateIndexingJobs(context.Background(), scheduler.Jobs{}))

	present, err := store.GetLastForCCPair(context.Background(), 1, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, present.Status)
	assert.Equal(t, 1, store.created)
}

func TestKickoffIndexingJobs_OldestFirstUntilFull(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newFakeStore(testNow)
	for id := int64(1); id <= 3; id++ {
		store.addPair(id, id, domain.SourceWeb, refresh(3600))
	}
	a1, _ := store.Create(ctx, 1, 1, false)
	a2, _ := store.Create(ctx, 2, 1, false)
	_, _ = store.Create(ctx, 3, 1, false)

	ctrl := gomock.NewController(t)
	primary := mocks.NewMockClient(ctrl)
	secondary := mocks.NewMockClient(ctrl)
	handle := mocks.NewMockHandle(ctrl)

	gomock.InOrder(
		primary.EXPECT().Submit(gomock.Any(), jobclient.Request{AttemptID: a1, CCPairID: 1}).Return(handle, nil),
		primary.EXPECT().Submit(gomock.Any(), jobclient.Request{AttemptID: a2, CCPairID: 2}).Return(nil, nil),
	)

	reg := prometheus.NewRegistry()
	d := newDispatcher(store, scheduler.WithDispatcherMetrics(scheduler.NewMetrics(reg)))
	jobs := d.KickoffIndexingJobs(ctx, scheduler.Jobs{}, primary, secondary)

	require.Len(t, jobs, 1)
	assert.Same(t, handle, jobs[a1])
	assert.InDelta(t, 1, metricValue(t, reg, "index_scheduler_dispatch_pool_full_total", "primary"), 0)
	assert.InDelta(t, 1, metricValue(t, reg, "index_scheduler_dispatch_tracked_jobs", ""), 0)
}

func TestKickoffIndexingJobs_RoutesFutureToSecondary(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newFakeStore(testNow)
	store.secondary = futureSettings()
	store.addPair(1, 1, domain.SourceWeb, refresh(3600))
	future, _ := store.Create(ctx, 1, 2, false)
	present, _ := store.Create(ctx, 1, 1, false)

	ctrl := gomock.NewController(t)
	primary := mocks.NewMockClient(ctrl)
	secondary := mocks.NewMockClient(ctrl)
	futureHandle := mocks.NewMockHandle(ctrl)
	presentHandle := mocks.NewMockHandle(ctrl)

	secondary.EXPECT().
		Submit(gomock.Any(), jobclient.Request{AttemptID: future, CCPairID: 1, IsEnterprise: true}).
		Return(futureHandle, nil)
	primary.EXPECT().
		Submit(gomock.Any(), jobclient.Request{AttemptID: present, CCPairID: 1, IsEnterprise: true}).
		Return(presentHandle, nil)

	d := newDispatcher(store, scheduler.WithEnterprise(true))
	jobs := d.KickoffIndexingJobs(ctx, nil, primary, secondary)

	require.Len(t, jobs, 2)
	assert.Same(t, futureHandle, jobs[future])
	assert.Same(t, presentHandle, jobs[present])
}

func TestKickoffIndexingJobs_FullPrimaryStillFillsSecondary(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newFakeStore(testNow)
	store.secondary = futureSettings()
	store.addPair(1, 1, domain.SourceWeb, refresh(3600))
	store.addPair(2, 2, domain.SourceWeb, refresh(3600))
	blocked, _ := store.Create(ctx, 1, 1, false)
	_, _ = store.Create(ctx, 2, 1, false)
	future, _ := store.Create(ctx, 2, 2, false)

	ctrl := gomock.NewController(t)
	primary := mocks.NewMockClient(ctrl)
	secondary := mocks.NewMockClient(ctrl)
	handle := mocks.NewMockHandle(ctrl)

	primary.EXPECT().
		Submit(gomock.Any(), jobclient.Request{AttemptID: blocked, CCPairID: 1}).
		Return(nil, errors.New("redis: connection refused"))
	secondary.EXPECT().
		Submit(gomock.Any(), jobclient.Request{AttemptID: future, CCPairID: 2}).
		Return(handle, nil)

	jobs := newDispatcher(store).KickoffIndexingJobs(ctx, scheduler.Jobs{}, primary, secondary)

	require.Len(t, jobs, 1)
	assert.Same(t, handle, jobs[future])
}

func TestKickoffIndexingJobs_SkipsTrackedAttempts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newFakeStore(testNow)
	store.addPair(1, 1, domain.SourceWeb, refresh(3600))
	store.addPair(2, 2, domain.SourceWeb, refresh(3600))
	tracked, _ := store.Create(ctx, 1, 1, false)
	queued, _ := store.Create(ctx, 2, 1, false)

	ctrl := gomock.NewController(t)
	primary := mocks.NewMockClient(ctrl)
	secondary := mocks.NewMockClient(ctrl)
	trackedHandle := mocks.NewMockHandle(ctrl)
	queuedHandle := mocks.NewMockHandle(ctrl)

	primary.EXPECT().
		Submit(gomock.Any(), jobclient.Request{AttemptID: queued, CCPairID: 2}).
		Return(queuedHandle, nil)

	in := scheduler.Jobs{tracked: trackedHandle}
	jobs := newDispatcher(store).KickoffIndexingJobs(ctx, in, primary, secondary)

	assert.Len(t, jobs, 2)
	assert.Len(t, in, 1)
}

func TestKickoffIndexingJobs_FailsOrphanedAttempts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newFakeStore(testNow)
	noConnector := store.addPair(1, 1, domain.SourceWeb, refresh(3600))
	noConnector.Connector = nil
	noCredential := store.addPair(2, 2, domain.SourceWeb, refresh(3600))
	noCredential.Credential = nil
	a1, _ := store.Create(ctx, 1, 1, false)
	a2, _ := store.Create(ctx, 2, 1, false)

	ctrl := gomock.NewController(t)
	primary := mocks.NewMockClient(ctrl)
	secondary := mocks.NewMockClient(ctrl)

	jobs := newDispatcher(store).KickoffIndexingJobs(ctx, scheduler.Jobs{}, primary, secondary)

	assert.Empty(t, jobs)
	assert.Equal(t, scheduler.ReasonConnectorDeleted, store.failures[a1])
	assert.Equal(t, scheduler.ReasonCredentialDeleted, store.failures[a2])
	assert.Equal(t, domain.StatusFailed, store.attempt(a1).Status)
}

func TestCleanupIndexingJobs_ErroredJobIsFailed(t *testing.T) {
	t.Parallel()

	store := newFakeStore(testNow)
	store.addPair(1, 1, domain.SourceWeb, refresh(3600))
	id := store.addAttempt(1, 1, domain.StatusInProgress, testNow)

	ctrl := gomock.NewController(t)
	handle := mocks.NewMockHandle(ctrl)
	handle.EXPECT().Done(gomock.Any()).Return(true)
	handle.EXPECT().Status(gomock.Any()).Return(jobclient.StatusError)
	handle.EXPECT().Err(gomock.Any()).Return(errors.New("embedding failed"))
	handle.EXPECT().Release(gomock.Any())

	reg := prometheus.NewRegistry()
	d := newDispatcher(store, scheduler.WithDispatcherMetrics(scheduler.NewMetrics(reg)))
	jobs := d.CleanupIndexingJobs(context.Background(), scheduler.Jobs{id: handle}, 3)

	assert.Empty(t, jobs)
	assert.Equal(t, scheduler.ReasonStoppedMidRun, store.failures[id])
	assert.InDelta(t, 1, metricValue(t, reg, "index_scheduler_dispatch_force_failures_total", "stopped_mid_run"), 0)
	assert.InDelta(t, 1, metricValue(t, reg, "index_scheduler_dispatch_jobs_released_total", "error"), 0)
}

func TestCleanupIndexingJobs_ReleasesFinishedJob(t *testing.T) {
	t.Parallel()

	store := newFakeStore(testNow)
	store.addPair(1, 1, domain.SourceWeb, refresh(3600))
	id := store.addAttempt(1, 1, domain.StatusSuccess, testNow)

	ctrl := gomock.NewController(t)
	handle := mocks.NewMockHandle(ctrl)
	handle.EXPECT().Done(gomock.Any()).Return(true)
	handle.EXPECT().Status(gomock.Any()).Return(jobclient.StatusFinished)
	handle.EXPECT().Release(gomock.Any())

	jobs := newDispatcher(store).CleanupIndexingJobs(context.Background(), scheduler.Jobs{id: handle}, 3)

	assert.Empty(t, jobs)
	assert.Empty(t, store.failures)
	assert.Equal(t, domain.StatusSuccess, store.attempt(id).Status)
}

func TestCleanupIndexingJobs_FinishedJobLeftInProgress(t *testing.T) {
	t.Parallel()

	store := newFakeStore(testNow)
	store.addPair(1, 1, domain.SourceWeb, refresh(3600))
	id := store.addAttempt(1, 1, domain.StatusInProgress, testNow)

	ctrl := gomock.NewController(t)
	handle := mocks.NewMockHandle(ctrl)
	handle.EXPECT().Done(gomock.Any()).Return(true)
	handle.EXPECT().Status(gomock.Any()).Return(jobclient.StatusFinished)
	handle.EXPECT().Release(gomock.Any())

	jobs := newDispatcher(store).CleanupIndexingJobs(context.Background(), scheduler.Jobs{id: handle}, 3)

	assert.Empty(t, jobs)
	assert.Equal(t, scheduler.ReasonStoppedMidRun, store.failures[id])
}

func TestCleanupIndexingJobs_KeepsRunningJob(t *testing.T) {
	t.Parallel()

	store := newFakeStore(testNow)
	store.addPair(1, 1, domain.SourceWeb, refresh(3600))
	id := store.addAttempt(1, 1, domain.StatusInProgress, testNow.Add(-2*time.Hour))

	ctrl := gomock.NewController(t)
	handle := mocks.NewMockHandle(ctrl)
	handle.EXPECT().Done(gomock.Any()).Return(false)

	jobs := newDispatcher(store).CleanupIndexingJobs(context.Background(), scheduler.Jobs{id: handle}, 3)

	assert.Len(t, jobs, 1)
	assert.Empty(t, store.failures)
}

func TestCleanupIndexingJobs_FrozenJob(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newFakeStore(testNow)
	store.addPair(1, 1, domain.SourceWeb, refresh(3600))
	id := store.addAttempt(1, 1, domain.StatusInProgress, testNow.Add(-4*time.Hour))

	ctrl := gomock.NewController(t)
	handle := mocks.NewMockHandle(ctrl)
	gomock.InOrder(
		handle.EXPECT().Done(gomock.Any()).Return(false),
		handle.EXPECT().Cancel(gomock.Any()).Return(true),
		handle.EXPECT().Done(gomock.Any()).Return(true),
		handle.EXPECT().Status(gomock.Any()).Return(jobclient.StatusCancelled),
		handle.EXPECT().Release(gomock.Any()),
	)

	d := newDispatcher(store)

	jobs := d.CleanupIndexingJobs(ctx, scheduler.Jobs{id: handle}, 3)
	require.Len(t, jobs, 1)
	assert.Equal(t, scheduler.FrozenReason(3), store.failures[id])
	assert.Equal(t, domain.StatusFailed, store.attempt(id).Status)

	jobs = d.CleanupIndexingJobs(ctx, jobs, 3)
	assert.Empty(t, jobs)
	assert.Len(t, store.failures, 1)
}

func TestCleanupIndexingJobs_FrozenBoundaryIsStrict(t *testing.T) {
	t.Parallel()

	store := newFakeStore(testNow)
	store.addPair(1, 1, domain.SourceWeb, refresh(3600))
	id := store.addAttempt(1, 1, domain.StatusInProgress, testNow.Add(-3*time.Hour))

	ctrl := gomock.NewController(t)
	handle := mocks.NewMockHandle(ctrl)
	handle.EXPECT().Done(gomock.Any()).Return(false)

	jobs := newDispatcher(store).CleanupIndexingJobs(context.Background(), scheduler.Jobs{id: handle}, 3)

	assert.Len(t, jobs, 1)
	assert.Empty(t, store.failures)
}

func TestCleanupIndexingJobs_UntrackedRunIsFailed(t *testing.T) {
	t.Parallel()

	store := newFakeStore(testNow)
	store.addPair(1, 1, domain.SourceWeb, refresh(3600))
	store.addPair(2, 2, domain.SourceWeb, refresh(3600))
	orphan := store.addAttempt(1, 1, domain.StatusInProgress, testNow)
	untouched := store.addAttempt(2, 1, domain.StatusNotStarted, testNow)

	jobs := newDispatcher(store).CleanupIndexingJobs(context.Background(), nil, 3)

	assert.Empty(t, jobs)
	assert.Equal(t, scheduler.ReasonStoppedMidRun, store.failures[orphan])
	assert.Equal(t, domain.StatusNotStarted, store.attempt(untouched).Status)
}

func TestCleanupIndexingJobs_CancelsUserFailedAttempt(t *testing.T) {
	t.Parallel()

	store := newFakeStore(testNow)
	store.addPair(1, 1, domain.SourceWeb, refresh(3600))
	id := store.addAttempt(1, 1, domain.StatusInProgress, testNow)
	store.setStatus(id, domain.StatusFailed)

	ctrl := gomock.NewController(t)
	handle := mocks.NewMockHandle(ctrl)
	gomock.InOrder(
		handle.EXPECT().Done(gomock.Any()).Return(false),
		handle.EXPECT().Cancel(gomock.Any()).Return(true),
		handle.EXPECT().Status(gomock.Any()).Return(jobclient.StatusCancelled),
		handle.EXPECT().Release(gomock.Any()),
	)

	jobs := newDispatcher(store).CleanupIndexingJobs(context.Background(), scheduler.Jobs{id: handle}, 3)

	assert.Empty(t, jobs)
	assert.Empty(t, store.failures)
}

func TestCleanupIndexingJobs_MissingAttempt(t *testing.T) {
	t.Parallel()

	store := newFakeStore(testNow)

	ctrl := gomock.NewController(t)
	done := mocks.NewMockHandle(ctrl)
	done.EXPECT().Done(gomock.Any()).Return(true)
	done.EXPECT().Status(gomock.Any()).Return(jobclient.StatusFinished)
	done.EXPECT().Release(gomock.Any())

	running := mocks.NewMockHandle(ctrl)
	running.EXPECT().Done(gomock.Any()).Return(false)

	jobs := newDispatcher(store).CleanupIndexingJobs(context.Background(), scheduler.Jobs{41: done, 42: running}, 3)

	require.Len(t, jobs, 1)
	assert.Contains(t, jobs, int64(42))
	assert.Empty(t, store.failures)
}
