// Package coordination keeps a single scheduler active when several replicas
// share one Redis.
package coordination

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/jonesrussell/north-cloud/index-scheduler/internal/logger"
)

const (
	DefaultLeaderTTL             = 30 * time.Second
	DefaultLeaderRenewalInterval = 10 * time.Second
	DefaultElectionRetryInterval = 5 * time.Second
	renewalDivisor               = 3
)

var (
	// ErrNotLeader is returned when a leader-only operation is attempted by a follower.
	ErrNotLeader = errors.New("not the leader")

	errKeyRequired = errors.New("leader key is required")
)

var renewScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

var resignScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// LeaderConfig holds configuration for leader election.
type LeaderConfig struct {
	Key              string
	TTL              time.Duration
	RenewalInterval  time.Duration
	ElectionInterval time.Duration
	OnElected        func()
	OnLost           func()
}

// LeaderElection is a Redis lease held by at most one scheduler. The holder
// renews it; a crashed holder loses it after TTL.
type LeaderElection struct {
	client           *redis.Client
	key              string
	id               string
	ttl              time.Duration
	renewalInterval  time.Duration
	electionInterval time.Duration
	log              logger.Logger

	isLeader atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup

	onElected func()
	onLost    func()
}

// NewLeaderElection creates a leader election for cfg.Key.
func NewLeaderElection(client *redis.Client, cfg LeaderConfig, log logger.Logger) (*LeaderElection, error) {
	if cfg.Key == "" {
		return nil, errKeyRequired
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultLeaderTTL
	}
	if cfg.RenewalInterval <= 0 {
		cfg.RenewalInterval = DefaultLeaderRenewalInterval
	}
	if cfg.ElectionInterval <= 0 {
		cfg.ElectionInterval = DefaultElectionRetryInterval
	}
	if cfg.RenewalInterval >= cfg.TTL {
		cfg.RenewalInterval = cfg.TTL / renewalDivisor
	}

	return &LeaderElection{
		client:           client,
		key:              cfg.Key,
		id:               uuid.NewString(),
		ttl:              cfg.TTL,
		renewalInterval:  cfg.RenewalInterval,
		electionInterval: cfg.ElectionInterval,
		log:              log,
		stopCh:           make(chan struct{}),
		onElected:        cfg.OnElected,
		onLost:           cfg.OnLost,
	}, nil
}

// Start campaigns immediately and then keeps campaigning or renewing in the background.
func (l *LeaderElection) Start(ctx context.Context) {
	l.TryAcquire(ctx)

	l.wg.Add(1)
	go l.run(ctx)
}

// Stop ends the campaign and resigns if this instance leads.
func (l *LeaderElection) Stop(ctx context.Context) error {
	l.stopOnce.Do(func() { close(l.stopCh) })
	l.wg.Wait()

	return l.Resign(ctx)
}

// IsLeader reports whether this instance currently holds the lease.
func (l *LeaderElection) IsLeader() bool {
	return l.isLeader.Load()
}

// ID returns this instance's candidate id.
func (l *LeaderElection) ID() string {
	return l.id
}

// LeaderID returns the current holder's id, or "" when the lease is free.
func (l *LeaderElection) LeaderID(ctx context.Context) (string, error) {
	val, err := l.client.Get(ctx, l.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get leader: %w", err)
	}
	return val, nil
}

// RunIfLeader runs fn only while this instance leads.
func (l *LeaderElection) RunIfLeader(ctx context.Context, fn func(ctx context.Context) error) error {
	if !l.isLeader.Load() {
		return ErrNotLeader
	}
	return fn(ctx)
}

func (l *LeaderElection) run(ctx context.Context) {
	defer l.wg.Done()

	electionTicker := time.NewTicker(l.electionInterval)
	defer electionTicker.Stop()

	renewalTicker := time.NewTicker(l.renewalInterval)
	defer renewalTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case <-electionTicker.C:
			if !l.isLeader.Load() {
				l.TryAcquire(ctx)
			}
		case <-renewalTicker.C:
			if l.isLeader.Load() {
				l.Renew(ctx)
			}
		}
	}
}

// TryAcquire makes one attempt to take the lease and reports whether this
// instance leads afterwards.
func (l *LeaderElection) TryAcquire(ctx context.Context) bool {
	if l.isLeader.Load() {
		return true
	}

	acquired, err := l.client.SetNX(ctx, l.key, l.id, l.ttl).Result()
	if err != nil {
		l.log.Error("Failed to acquire scheduler leadership", logger.Error(err))
		return false
	}
	if !acquired {
		return false
	}

	l.log.Info("Acquired scheduler leadership", logger.String("leader_id", l.id))
	l.isLeader.Store(true)
	if l.onElected != nil {
		l.onElected()
	}
	return true
}

// Renew extends the lease. Leadership is dropped if the key is held by
// someone else or cannot be renewed.
func (l *LeaderElection) Renew(ctx context.Context) bool {
	result, err := renewScript.Run(ctx, l.client, []string{l.key}, l.id, l.ttl.Milliseconds()).Int()
	if err != nil {
		l.log.Error("Failed to renew scheduler leadership", logger.Error(err))
		l.lost()
		return false
	}
	if result == 0 {
		l.log.Warn("Lost scheduler leadership, key held by another instance")
		l.lost()
		return false
	}
	return true
}

// Resign releases the lease if held.
func (l *LeaderElection) Resign(ctx context.Context) error {
	if !l.isLeader.Load() {
		return nil
	}
	if _, err := resignScript.Run(ctx, l.client, []string{l.key}, l.id).Int(); err != nil {
		return fmt.Errorf("failed to resign leadership: %w", err)
	}
	l.lost()
	l.log.Info("Resigned scheduler leadership", logger.String("leader_id", l.id))
	return nil
}

func (l *LeaderElection) lost() {
	if l.isLeader.CompareAndSwap(true, false) {
		l.log.Info("Scheduler leadership released", logger.String("leader_id", l.id))
		if l.onLost != nil {
			l.onLost()
		}
	}
}
