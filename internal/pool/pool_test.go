package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPool_RunsTasks(t *testing.T) {
	p := New("test", Config{Workers: 2, QueueSize: 16}, zap.NewNop())

	var n atomic.Int32
	for range 10 {
		require.NoError(t, p.Submit(func(context.Context) error {
			n.Add(1)
			return nil
		}))
	}
	require.NoError(t, p.Close(context.Background()))

	assert.Equal(t, int32(10), n.Load())
	st := p.Stats()
	assert.Equal(t, int64(10), st.Submitted)
	assert.Equal(t, int64(10), st.Completed)
	assert.Zero(t, st.Queued)
}

func TestPool_FullQueueRejects(t *testing.T) {
	p := New("test", Config{Workers: 1, QueueSize: 1}, zap.NewNop())
	release := make(chan struct{})
	started := make(chan struct{})

	require.NoError(t, p.Submit(func(context.Context) error {
		close(started)
		<-release
		return nil
	}))
	<-started
	require.NoError(t, p.Submit(func(context.Context) error { return nil }))
	assert.ErrorIs(t, p.Submit(func(context.Context) error { return nil }), ErrPoolFull)
	assert.Equal(t, int64(1), p.Stats().Rejected)

	close(release)
	require.NoError(t, p.Close(context.Background()))
}

func TestPool_FailuresAndPanics(t *testing.T) {
	p := New("test", Config{Workers: 1}, nil)
	require.NoError(t, p.Submit(func(context.Context) error { return errors.New("boom") }))
	require.NoError(t, p.Submit(func(context.Context) error { panic("oops") }))
	require.NoError(t, p.Submit(func(context.Context) error { return nil }))
	require.NoError(t, p.Close(context.Background()))

	st := p.Stats()
	assert.Equal(t, int64(2), st.Failed)
	assert.Equal(t, int64(1), st.Completed)
}

func TestPool_TaskTimeout(t *testing.T) {
	p := New("test", Config{Workers: 1, TaskTimeout: 20 * time.Millisecond}, zap.NewNop())
	var got atomic.Value
	require.NoError(t, p.Submit(func(ctx context.Context) error {
		<-ctx.Done()
		got.Store(ctx.Err())
		return ctx.Err()
	}))
	require.NoError(t, p.Close(context.Background()))
	assert.ErrorIs(t, got.Load().(error), context.DeadlineExceeded)
}

func TestPool_SubmitAfterClose(t *testing.T) {
	p := New("test", DefaultConfig(), zap.NewNop())
	require.NoError(t, p.Close(context.Background()))
	require.NoError(t, p.Close(context.Background()))
	assert.ErrorIs(t, p.Submit(func(context.Context) error { return nil }), ErrPoolClosed)
}

func TestPool_CloseTimeout(t *testing.T) {
	p := New("test", Config{Workers: 1}, zap.NewNop())
	release := make(chan struct{})
	defer close(release)
	require.NoError(t, p.Submit(func(context.Context) error {
		<-release
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Close(ctx), context.DeadlineExceeded)
}
