package jobclient

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/jonesrussell/north-cloud/index-scheduler/internal/logger"
)

// LocalClient runs jobs as goroutines in the scheduler process. A slot is
// held from Submit until the job's function returns.
type LocalClient struct {
	run  RunFunc
	size int
	sem  *semaphore.Weighted
	log  logger.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	closed  atomic.Bool
	wg      sync.WaitGroup
}

// NewLocalClient creates a pool of size concurrent jobs.
func NewLocalClient(size int, run RunFunc, log logger.Logger) *LocalClient {
	if size < 1 {
		size = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &LocalClient{
		run:     run,
		size:    size,
		sem:     semaphore.NewWeighted(int64(size)),
		log:     log,
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// Size returns the pool capacity.
func (c *LocalClient) Size() int {
	return c.size
}

// Submit starts req in a new goroutine, or returns nil when every slot is taken.
func (c *LocalClient) Submit(_ context.Context, req Request) (Handle, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	if !c.sem.TryAcquire(1) {
		return nil, nil
	}

	jobCtx, cancel := context.WithCancel(c.baseCtx)
	h := &localHandle{
		id:     uuid.NewString(),
		cancel: cancel,
		done:   make(chan struct{}),
		status: StatusPending,
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		status, err := c.execute(jobCtx, h, req)
		cancel()
		c.sem.Release(1)
		h.setStatus(status, err)
		close(h.done)
	}()

	return h, nil
}

func (c *LocalClient) execute(ctx context.Context, h *localHandle, req Request) (Status, error) {
	h.setStatus(StatusRunning, nil)

	err := c.safeRun(ctx, req)

	switch {
	case h.cancelled.Load():
		return StatusCancelled, ErrJobCancelled
	case err != nil:
		c.log.Debug("Local indexing job failed",
			logger.AttemptID(req.AttemptID),
			logger.Error(err),
		)
		return StatusError, err
	default:
		return StatusFinished, nil
	}
}

func (c *LocalClient) safeRun(ctx context.Context, req Request) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("indexing job panicked: %v", r)
		}
	}()
	return c.run(ctx, req)
}

// Close cancels running jobs and waits for them to return.
func (c *LocalClient) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.cancel()
	c.wg.Wait()
}

type localHandle struct {
	id        string
	cancel    context.CancelFunc
	cancelled atomic.Bool
	done      chan struct{}

	mu     sync.RWMutex
	status Status
	err    error
}

func (h *localHandle) setStatus(s Status, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = s
	h.err = err
}

func (h *localHandle) ID() string { return h.id }

func (h *localHandle) Status(context.Context) Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

func (h *localHandle) Done(ctx context.Context) bool {
	return h.Status(ctx).IsDone()
}

func (h *localHandle) Err(context.Context) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.err
}

func (h *localHandle) Cancel(ctx context.Context) bool {
	if h.Done(ctx) {
		return false
	}
	h.cancelled.Store(true)
	h.cancel()
	return true
}

// Release is a no-op: the slot is returned when the goroutine exits.
func (h *localHandle) Release(context.Context) {}
