package jobclient_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/index-scheduler/internal/jobclient"
	"github.com/jonesrussell/north-cloud/index-scheduler/internal/logger"
)

const waitTimeout = 2 * time.Second

func waitFor(t *testing.T, h jobclient.Handle) {
	t.Helper()

	w, ok := h.(jobclient.Waiter)
	require.True(t, ok, "local handle should implement Waiter")

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, w.Wait(ctx))
}

func TestLocalClient_RunsJob(t *testing.T) {
	t.Parallel()

	var got jobclient.Request
	client := jobclient.NewLocalClient(2, func(_ context.Context, req jobclient.Request) error {
		got = req
		return nil
	}, logger.NewNop())
	defer client.Close()

	ctx := context.Background()
	h, err := client.Submit(ctx, jobclient.Request{AttemptID: 7, CCPairID: 3, IsEnterprise: true})
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.NotEmpty(t, h.ID())

	waitFor(t, h)

	assert.Equal(t, jobclient.StatusFinished, h.Status(ctx))
	assert.True(t, h.Done(ctx))
	require.NoError(t, h.Err(ctx))
	assert.Equal(t, jobclient.Request{AttemptID: 7, CCPairID: 3, IsEnterprise: true}, got)
}

func TestLocalClient_ReturnsNilWhenFull(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	client := jobclient.NewLocalClient(1, func(context.Context, jobclient.Request) error {
		<-release
		return nil
	}, logger.NewNop())
	defer client.Close()

	ctx := context.Background()
	first, err := client.Submit(ctx, jobclient.Request{AttemptID: 1})
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := client.Submit(ctx, jobclient.Request{AttemptID: 2})
	require.NoError(t, err)
	assert.Nil(t, second)

	close(release)
	waitFor(t, first)

	third, err := client.Submit(ctx, jobclient.Request{AttemptID: 3})
	require.NoError(t, err)
	require.NotNil(t, third)
	waitFor(t, third)
}

func TestLocalClient_ErrorAndPanic(t *testing.T) {
	t.Parallel()

	runErr := errors.New("connector unreachable")
	client := jobclient.NewLocalClient(2, func(_ context.Context, req jobclient.Request) error {
		if req.AttemptID == 1 {
			return runErr
		}
		panic("bad batch")
	}, logger.NewNop())
	defer client.Close()

	ctx := context.Background()
	failed, err := client.Submit(ctx, jobclient.Request{AttemptID: 1})
	require.NoError(t, err)
	panicked, err := client.Submit(ctx, jobclient.Request{AttemptID: 2})
	require.NoError(t, err)

	waitFor(t, failed)
	waitFor(t, panicked)

	assert.Equal(t, jobclient.StatusError, failed.Status(ctx))
	require.ErrorIs(t, failed.Err(ctx), runErr)
	assert.Equal(t, jobclient.StatusError, panicked.Status(ctx))
	require.ErrorContains(t, panicked.Err(ctx), "bad batch")
}

func TestLocalClient_Cancel(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	client := jobclient.NewLocalClient(1, func(ctx context.Context, _ jobclient.Request) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, logger.NewNop())
	defer client.Close()

	ctx := context.Background()
	h, err := client.Submit(ctx, jobclient.Request{AttemptID: 1})
	require.NoError(t, err)

	<-started
	assert.True(t, h.Cancel(ctx))
	waitFor(t, h)

	assert.Equal(t, jobclient.StatusCancelled, h.Status(ctx))
	require.ErrorIs(t, h.Err(ctx), jobclient.ErrJobCancelled)
	assert.False(t, h.Cancel(ctx), "cancelling a finished job reports false")
}

func TestLocalClient_Close(t *testing.T) {
	t.Parallel()

	client := jobclient.NewLocalClient(1, func(ctx context.Context, _ jobclient.Request) error {
		<-ctx.Done()
		return ctx.Err()
	}, logger.NewNop())

	ctx := context.Background()
	h, err := client.Submit(ctx, jobclient.Request{AttemptID: 1})
	require.NoError(t, err)

	client.Close()

	assert.True(t, h.Done(ctx))
	_, err = client.Submit(ctx, jobclient.Request{AttemptID: 2})
	require.ErrorIs(t, err, jobclient.ErrClientClosed)
	assert.Equal(t, 1, client.Size())
}
