package jobclient

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/jonesrussell/north-cloud/index-scheduler/internal/logger"
)

const (
	// Stream message and job hash fields.
	fieldJobID      = "job_id"
	fieldAttemptID  = "attempt_id"
	fieldCCPairID   = "cc_pair_id"
	fieldEnterprise = "enterprise"
	fieldStatus     = "status"
	fieldError      = "error"
	fieldSubmitted  = "submitted_at"

	// defaultJobStateTTL bounds how long state of an unreleased job survives.
	defaultJobStateTTL = 7 * 24 * time.Hour

	consumerGroup = "index-workers"
)

// keys builds the Redis key layout shared by RedisClient and Worker.
type keys struct {
	prefix string
	pool   string
}

func (k keys) stream() string { return fmt.Sprintf("%s:jobs:%s", k.prefix, k.pool) }

func (k keys) job(id string) string { return fmt.Sprintf("%s:job:%s", k.prefix, id) }

func (k keys) lease(id string) string { return fmt.Sprintf("%s:job:%s:lease", k.prefix, id) }

func (k keys) cancelled(id string) string { return fmt.Sprintf("%s:job:%s:cancel", k.prefix, id) }

// RedisConfig configures a RedisClient.
type RedisConfig struct {
	Prefix string
	// Pool separates primary and secondary queues so they never share workers.
	Pool string
	Size int
}

// RedisClient enqueues jobs on a Redis stream consumed by Worker processes.
// A job occupies a slot from Submit until its handle is released.
type RedisClient struct {
	rdb  *redis.Client
	keys keys
	size int
	log  logger.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
	closed   bool
}

// NewRedisClient creates a distributed job client.
func NewRedisClient(rdb *redis.Client, cfg RedisConfig, log logger.Logger) *RedisClient {
	if cfg.Size < 1 {
		cfg.Size = 1
	}
	return &RedisClient{
		rdb:      rdb,
		keys:     keys{prefix: cfg.Prefix, pool: cfg.Pool},
		size:     cfg.Size,
		log:      log,
		inflight: make(map[string]struct{}),
	}
}

// Size returns the pool capacity.
func (c *RedisClient) Size() int {
	return c.size
}

// Submit records the job state and appends it to the pool's stream.
func (c *RedisClient) Submit(ctx context.Context, req Request) (Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClientClosed
	}
	if len(c.inflight) >= c.size {
		return nil, nil
	}

	id := uuid.NewString()
	jobKey := c.keys.job(id)

	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey,
		fieldAttemptID, req.AttemptID,
		fieldCCPairID, req.CCPairID,
		fieldEnterprise, strconv.FormatBool(req.IsEnterprise),
		fieldStatus, string(StatusPending),
		fieldSubmitted, time.Now().UTC().Format(time.RFC3339),
	)
	pipe.Expire(ctx, jobKey, defaultJobStateTTL)
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: c.keys.stream(),
		Values: map[string]any{
			fieldJobID:      id,
			fieldAttemptID:  req.AttemptID,
			fieldCCPairID:   req.CCPairID,
			fieldEnterprise: strconv.FormatBool(req.IsEnterprise),
		},
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to enqueue indexing job: %w", err)
	}

	c.inflight[id] = struct{}{}
	return &redisHandle{client: c, id: id, last: StatusPending}, nil
}

// Close stops accepting jobs. Queued and running jobs are left to the workers.
func (c *RedisClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *RedisClient) release(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inflight, id)
}

type redisHandle struct {
	client *RedisClient
	id     string

	mu   sync.Mutex
	last Status
	err  error
}

func (h *redisHandle) ID() string { return h.id }

// Status reads the job hash. A running job whose lease key has expired is
// reported as an error: its worker died without recording a result.
func (h *redisHandle) Status(ctx context.Context) Status {
	status, err := h.fetch(ctx)
	h.mu.Lock()
	defer h.mu.Unlock()
	if err != nil {
		h.client.log.Warn("Failed to read indexing job status",
			logger.String("job_id", h.id),
			logger.Error(err),
		)
		return h.last
	}
	h.last = status
	return status
}

func (h *redisHandle) fetch(ctx context.Context) (Status, error) {
	rdb := h.client.rdb
	vals, err := rdb.HMGet(ctx, h.client.keys.job(h.id), fieldStatus, fieldError).Result()
	if err != nil {
		return "", fmt.Errorf("failed to read job state: %w", err)
	}

	raw, ok := vals[0].(string)
	if !ok {
		h.setErr(ErrJobNotFound)
		return StatusError, nil
	}

	status := Status(raw)
	switch status {
	case StatusRunning:
		n, existsErr := rdb.Exists(ctx, h.client.keys.lease(h.id)).Result()
		if existsErr != nil {
			return "", fmt.Errorf("failed to read job lease: %w", existsErr)
		}
		if n == 0 {
			h.setErr(ErrWorkerLost)
			return StatusError, nil
		}
	case StatusError:
		if msg, hasMsg := vals[1].(string); hasMsg && msg != "" {
			h.setErr(errors.New(msg))
		}
	case StatusCancelled:
		h.setErr(ErrJobCancelled)
	case StatusPending, StatusFinished:
	}
	return status, nil
}

func (h *redisHandle) setErr(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.err = err
}

func (h *redisHandle) Done(ctx context.Context) bool {
	return h.Status(ctx).IsDone()
}

func (h *redisHandle) Err(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// cancelScript flips a pending job straight to cancelled so no worker starts
// it; running jobs get a cancel flag their worker polls.
var cancelScript = redis.NewScript(`
	local status = redis.call("hget", KEYS[1], "status")
	if not status or status == "finished" or status == "error" or status == "cancelled" then
		return 0
	end
	if status == "pending" then
		redis.call("hset", KEYS[1], "status", "cancelled")
	end
	redis.call("set", KEYS[2], "1", "PX", ARGV[1])
	return 1
`)

func (h *redisHandle) Cancel(ctx context.Context) bool {
	k := h.client.keys
	n, err := cancelScript.Run(ctx, h.client.rdb, []string{k.job(h.id), k.cancelled(h.id)}, defaultJobStateTTL.Milliseconds()).Int()
	if err != nil {
		h.client.log.Warn("Failed to cancel indexing job",
			logger.String("job_id", h.id),
			logger.Error(err),
		)
		return false
	}
	return n == 1
}

// releaseScript drops the state of a job no worker is running. A running job
// with a live lease is flagged instead: its worker sees the cancel flag, stops
// and deletes the state itself when it records the result.
var releaseScript = redis.NewScript(`
	local status = redis.call("hget", KEYS[1], "status")
	if status == "running" and redis.call("exists", KEYS[2]) == 1 then
		redis.call("hset", KEYS[1], "released", "1")
		redis.call("set", KEYS[3], "1", "PX", ARGV[1])
		return 0
	end
	redis.call("del", KEYS[1], KEYS[2], KEYS[3])
	return 1
`)

// Release frees the job's slot. State of a job still running on a worker is
// left for that worker to clean up once it has stopped.
func (h *redisHandle) Release(ctx context.Context) {
	k := h.client.keys
	jobKeys := []string{k.job(h.id), k.lease(h.id), k.cancelled(h.id)}
	n, err := releaseScript.Run(ctx, h.client.rdb, jobKeys, defaultJobStateTTL.Milliseconds()).Int()
	switch {
	case err != nil:
		h.client.log.Warn("Failed to release indexing job state",
			logger.String("job_id", h.id),
			logger.Error(err),
		)
	case n == 0:
		h.client.log.Info("Released indexing job is still running, worker asked to stop",
			logger.String("job_id", h.id),
		)
	}
	h.client.release(h.id)
}
