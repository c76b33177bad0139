package coordination_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/index-scheduler/internal/coordination"
	"github.com/jonesrussell/north-cloud/index-scheduler/internal/logger"
)

const leaderKey = "index-scheduler:leader"

func newElection(t *testing.T, rdb *redis.Client) *coordination.LeaderElection {
	t.Helper()

	le, err := coordination.NewLeaderElection(rdb, coordination.LeaderConfig{
		Key: leaderKey,
		TTL: 10 * time.Second,
	}, logger.NewNop())
	require.NoError(t, err)
	return le
}

func TestLeaderElection_SingleLeader(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	ctx := context.Background()

	first := newElection(t, rdb)
	second := newElection(t, rdb)

	assert.True(t, first.TryAcquire(ctx))
	assert.False(t, second.TryAcquire(ctx))
	assert.True(t, first.IsLeader())
	assert.False(t, second.IsLeader())

	leaderID, err := second.LeaderID(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID(), leaderID)

	ran := false
	err = second.RunIfLeader(ctx, func(context.Context) error {
		ran = true
		return nil
	})
	require.ErrorIs(t, err, coordination.ErrNotLeader)
	assert.False(t, ran)

	require.NoError(t, first.RunIfLeader(ctx, func(context.Context) error {
		ran = true
		return nil
	}))
	assert.True(t, ran)
}

func TestLeaderElection_ResignHandsOver(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	ctx := context.Background()

	first := newElection(t, rdb)
	second := newElection(t, rdb)

	require.True(t, first.TryAcquire(ctx))
	require.NoError(t, first.Resign(ctx))
	assert.False(t, first.IsLeader())
	assert.False(t, mr.Exists(leaderKey))

	assert.True(t, second.TryAcquire(ctx))
}

func TestLeaderElection_ExpiredLeaseIsLost(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	ctx := context.Background()

	lost := make(chan struct{}, 1)
	first, err := coordination.NewLeaderElection(rdb, coordination.LeaderConfig{
		Key:    leaderKey,
		TTL:    10 * time.Second,
		OnLost: func() { lost <- struct{}{} },
	}, logger.NewNop())
	require.NoError(t, err)
	second := newElection(t, rdb)

	require.True(t, first.TryAcquire(ctx))
	assert.True(t, first.Renew(ctx))

	mr.FastForward(11 * time.Second)
	require.True(t, second.TryAcquire(ctx))

	assert.False(t, first.Renew(ctx))
	assert.False(t, first.IsLeader())
	select {
	case <-lost:
	default:
		t.Fatal("expected OnLost callback")
	}
}

func TestNewLeaderElection_RequiresKey(t *testing.T) {
	t.Parallel()

	_, err := coordination.NewLeaderElection(nil, coordination.LeaderConfig{}, logger.NewNop())
	require.Error(t, err)
	assert.False(t, errors.Is(err, coordination.ErrNotLeader))
}
