package jobclient

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/semaphore"

	"github.com/jonesrussell/north-cloud/index-scheduler/internal/logger"
)

const (
	defaultLeaseTTL     = 30 * time.Second
	defaultBlockTimeout = 5 * time.Second
	leaseRenewalDivisor = 3
	workerStopTimeout   = 5 * time.Second
)

// WorkerConfig configures a Worker.
type WorkerConfig struct {
	Prefix      string
	Pool        string
	Concurrency int
	LeaseTTL    time.Duration
	// BlockTimeout is how long one read waits for a job. Negative values poll.
	BlockTimeout time.Duration
	ConsumerID   string
}

// WorkerStats is a snapshot of worker counters.
type WorkerStats struct {
	Active    int64
	Completed int64
	Failed    int64
	Cancelled int64
}

// Worker consumes one pool's stream and runs each job with a lease that the
// scheduler uses to detect crashed workers.
type Worker struct {
	rdb        *redis.Client
	keys       keys
	consumerID string
	leaseTTL   time.Duration
	block      time.Duration
	sem        *semaphore.Weighted
	run        RunFunc
	log        logger.Logger

	wg        sync.WaitGroup
	active    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	cancelled atomic.Int64
}

// NewWorker creates a worker for cfg.Pool.
func NewWorker(rdb *redis.Client, cfg WorkerConfig, run RunFunc, log logger.Logger) *Worker {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = defaultLeaseTTL
	}
	if cfg.BlockTimeout == 0 {
		cfg.BlockTimeout = defaultBlockTimeout
	}
	if cfg.ConsumerID == "" {
		host, _ := os.Hostname()
		cfg.ConsumerID = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}

	return &Worker{
		rdb:        rdb,
		keys:       keys{prefix: cfg.Prefix, pool: cfg.Pool},
		consumerID: cfg.ConsumerID,
		leaseTTL:   cfg.LeaseTTL,
		block:      cfg.BlockTimeout,
		sem:        semaphore.NewWeighted(int64(cfg.Concurrency)),
		run:        run,
		log:        log.With(logger.String("consumer_id", cfg.ConsumerID), logger.String("pool", cfg.Pool)),
	}
}

// Initialize creates the consumer group if it doesn't exist.
func (w *Worker) Initialize(ctx context.Context) error {
	err := w.rdb.XGroupCreateMkStream(ctx, w.keys.stream(), consumerGroup, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

// Run consumes jobs until ctx is cancelled, then waits for running jobs.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.Initialize(ctx); err != nil {
		return err
	}

	w.log.Info("Indexing worker started")
	defer w.wg.Wait()

	for {
		if err := w.sem.Acquire(ctx, 1); err != nil {
			w.log.Info("Indexing worker stopping")
			return nil
		}

		msg, err := w.read(ctx)
		if err != nil || msg == nil {
			w.sem.Release(1)
			if ctx.Err() != nil {
				w.log.Info("Indexing worker stopping")
				return nil
			}
			if err != nil {
				w.log.Error("Failed to read indexing job", logger.Error(err))
				time.Sleep(time.Second)
			}
			continue
		}

		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			defer w.sem.Release(1)
			w.handle(ctx, *msg)
		}()
	}
}

// Stats returns worker counters.
func (w *Worker) Stats() WorkerStats {
	return WorkerStats{
		Active:    w.active.Load(),
		Completed: w.completed.Load(),
		Failed:    w.failed.Load(),
		Cancelled: w.cancelled.Load(),
	}
}

func (w *Worker) read(ctx context.Context) (*redis.XMessage, error) {
	streams, err := w.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    consumerGroup,
		Consumer: w.consumerID,
		Streams:  []string{w.keys.stream(), ">"},
		Count:    1,
		Block:    w.block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read from stream: %w", err)
	}

	for _, s := range streams {
		if len(s.Messages) > 0 {
			return &s.Messages[0], nil
		}
	}
	return nil, nil
}

func (w *Worker) handle(ctx context.Context, msg redis.XMessage) {
	defer w.ack(msg.ID)

	jobID, req, err := parseJobMessage(msg)
	if err != nil {
		w.log.Error("Dropping malformed indexing job message",
			logger.String("message_id", msg.ID),
			logger.Error(err),
		)
		return
	}

	log := w.log.With(logger.String("job_id", jobID), logger.AttemptID(req.AttemptID))

	started, err := w.start(ctx, jobID)
	if err != nil {
		log.Error("Failed to start indexing job", logger.Error(err))
		return
	}
	if !started {
		log.Info("Skipping indexing job cancelled before start")
		w.cancelled.Add(1)
		return
	}

	w.active.Add(1)
	defer w.active.Add(-1)

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var cancelledByUser atomic.Bool
	leaseDone := make(chan struct{})
	go func() {
		defer close(leaseDone)
		w.keepLease(jobCtx, jobID, func() {
			cancelledByUser.Store(true)
			cancel()
		})
	}()

	runErr := w.run(jobCtx, req)
	cancel()
	<-leaseDone

	// Results are written even when the worker is shutting down.
	finishCtx, finishCancel := context.WithTimeout(context.WithoutCancel(ctx), workerStopTimeout)
	defer finishCancel()

	switch {
	case cancelledByUser.Load():
		w.cancelled.Add(1)
		w.finish(finishCtx, jobID, StatusCancelled, nil)
		log.Info("Indexing job cancelled")
	case runErr != nil:
		w.failed.Add(1)
		w.finish(finishCtx, jobID, StatusError, runErr)
		log.Warn("Indexing job failed", logger.Error(runErr))
	default:
		w.completed.Add(1)
		w.finish(finishCtx, jobID, StatusFinished, nil)
		log.Debug("Indexing job finished")
	}
}

// startScript marks a pending job running and takes its lease. It returns 0
// for jobs that were cancelled or released before a worker picked them up.
var startScript = redis.NewScript(`
	local status = redis.call("hget", KEYS[1], "status")
	if status ~= "pending" then
		return 0
	end
	redis.call("hset", KEYS[1], "status", "running", "worker", ARGV[1], "started_at", ARGV[2])
	redis.call("set", KEYS[2], ARGV[1], "PX", ARGV[3])
	return 1
`)

func (w *Worker) start(ctx context.Context, jobID string) (bool, error) {
	n, err := startScript.Run(ctx, w.rdb,
		[]string{w.keys.job(jobID), w.keys.lease(jobID)},
		w.consumerID, time.Now().UTC().Format(time.RFC3339), w.leaseTTL.Milliseconds(),
	).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// keepLease renews the job lease until ctx ends and calls onCancel once the
// job's cancel flag appears or its state is gone.
func (w *Worker) keepLease(ctx context.Context, jobID string, onCancel func()) {
	ticker := time.NewTicker(w.leaseTTL / leaseRenewalDivisor)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.rdb.PExpire(ctx, w.keys.lease(jobID), w.leaseTTL).Err(); err != nil && ctx.Err() == nil {
				w.log.Warn("Failed to renew indexing job lease",
					logger.String("job_id", jobID),
					logger.Error(err),
				)
			}
			if w.stopRequested(ctx, jobID) {
				onCancel()
				return
			}
		}
	}
}

// stopRequested reports whether the job was cancelled or its state removed.
// Read errors keep the job running.
func (w *Worker) stopRequested(ctx context.Context, jobID string) bool {
	pipe := w.rdb.Pipeline()
	flag := pipe.Exists(ctx, w.keys.cancelled(jobID))
	state := pipe.Exists(ctx, w.keys.job(jobID))
	if _, err := pipe.Exec(ctx); err != nil {
		if ctx.Err() == nil {
			w.log.Warn("Failed to check indexing job cancel flag",
				logger.String("job_id", jobID),
				logger.Error(err),
			)
		}
		return false
	}
	return flag.Val() > 0 || state.Val() == 0
}

// finishScript records a result. A job the scheduler released while it was
// running has nobody left to read the result, so its state is deleted.
var finishScript = redis.NewScript(`
	if redis.call("hget", KEYS[1], "released") == "1" then
		redis.call("del", KEYS[1], KEYS[3])
	elseif redis.call("exists", KEYS[1]) == 1 then
		redis.call("hset", KEYS[1], "status", ARGV[1], "error", ARGV[2])
	end
	redis.call("del", KEYS[2])
	return 1
`)

func (w *Worker) finish(ctx context.Context, jobID string, status Status, runErr error) {
	msg := ""
	if runErr != nil {
		msg = runErr.Error()
	}

	jobKeys := []string{w.keys.job(jobID), w.keys.lease(jobID), w.keys.cancelled(jobID)}
	if err := finishScript.Run(ctx, w.rdb, jobKeys, string(status), msg).Err(); err != nil {
		w.log.Error("Failed to record indexing job result",
			logger.String("job_id", jobID),
			logger.Error(err),
		)
	}
}

func (w *Worker) ack(messageID string) {
	ctx, cancel := context.WithTimeout(context.Background(), workerStopTimeout)
	defer cancel()
	if err := w.rdb.XAck(ctx, w.keys.stream(), consumerGroup, messageID).Err(); err != nil {
		w.log.Warn("Failed to acknowledge indexing job",
			logger.String("message_id", messageID),
			logger.Error(err),
		)
	}
}

func parseJobMessage(msg redis.XMessage) (string, Request, error) {
	jobID, ok := msg.Values[fieldJobID].(string)
	if !ok || jobID == "" {
		return "", Request{}, errors.New("missing job id")
	}

	attemptID, err := parseInt(msg.Values[fieldAttemptID])
	if err != nil {
		return "", Request{}, fmt.Errorf("invalid attempt id: %w", err)
	}
	ccPairID, err := parseInt(msg.Values[fieldCCPairID])
	if err != nil {
		return "", Request{}, fmt.Errorf("invalid cc pair id: %w", err)
	}
	enterprise, _ := msg.Values[fieldEnterprise].(string)

	return jobID, Request{
		AttemptID:    attemptID,
		CCPairID:     ccPairID,
		IsEnterprise: enterprise == "true",
	}, nil
}

func parseInt(v any) (int64, error) {
	s, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("unexpected type %T", v)
	}
	return strconv.ParseInt(s, 10, 64)
}
