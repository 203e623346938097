package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recorder struct {
	success atomic.Int32
	failure atomic.Int32
	lastErr atomic.Value
}

func (r *recorder) OnSuccess() { r.success.Add(1) }

func (r *recorder) OnFailure(err error) {
	r.failure.Add(1)
	r.lastErr.Store(err)
}

func TestSubmitCallbacks(t *testing.T) {
	e := NewFixedEngine("test", 2, nil)
	defer e.Shutdown()

	cb := &recorder{}
	f := e.Submit(RunnableFunc(func(ctx context.Context) error { return nil }), cb)
	require.NoError(t, f.Wait(t.Context()))

	boom := errors.New("boom")
	f = e.Submit(RunnableFunc(func(ctx context.Context) error { return boom }), cb)
	assert.ErrorIs(t, f.Wait(t.Context()), boom)

	f = e.Submit(RunnableFunc(func(ctx context.Context) error { panic("oops") }), cb)
	assert.ErrorContains(t, f.Wait(t.Context()), "runnable panicked: oops")

	assert.Equal(t, int32(1), cb.success.Load())
	assert.Equal(t, int32(2), cb.failure.Load())
}

func TestFixedEngineBoundsConcurrency(t *testing.T) {
	e := NewFixedEngine("fixed", 2, nil)
	defer e.Shutdown()

	var running, peak atomic.Int32
	release := make(chan struct{})
	futures := make([]*Future, 0, 5)
	for range 5 {
		futures = append(futures, e.Submit(RunnableFunc(func(ctx context.Context) error {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-release
			running.Add(-1)
			return nil
		}), nil))
	}
	assert.Eventually(t, func() bool { return e.Active() == 2 }, time.Second, time.Millisecond)
	close(release)
	for _, f := range futures {
		require.NoError(t, f.Wait(t.Context()))
	}
	assert.Equal(t, int32(2), peak.Load())
}

func TestCachedEngineRunsEverything(t *testing.T) {
	e := NewCachedEngine("cached", nil)
	defer e.Shutdown()

	release := make(chan struct{})
	var futures []*Future
	for range 10 {
		futures = append(futures, e.Submit(RunnableFunc(func(ctx context.Context) error {
			<-release
			return nil
		}), nil))
	}
	assert.Eventually(t, func() bool { return e.Active() == 10 }, time.Second, time.Millisecond)
	close(release)
	for _, f := range futures {
		require.NoError(t, f.Wait(t.Context()))
	}
}

func TestShutdownCancelsRunnables(t *testing.T) {
	e := NewFixedEngine("shutdown", 1, nil)
	cb := &recorder{}
	started := make(chan struct{})
	running := e.Submit(RunnableFunc(func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}), cb)
	<-started
	// Waiting on the semaphore.
	queued := e.Submit(RunnableFunc(func(ctx context.Context) error { return nil }), cb)

	e.Shutdown()
	assert.ErrorIs(t, running.Wait(t.Context()), context.Canceled)
	assert.ErrorIs(t, queued.Wait(t.Context()), ErrEngineShutdown)

	after := e.Submit(RunnableFunc(func(ctx context.Context) error { return nil }), cb)
	assert.ErrorIs(t, after.Wait(t.Context()), ErrEngineShutdown)
	assert.Equal(t, int32(3), cb.failure.Load())
	assert.Equal(t, int32(0), cb.success.Load())

	e.Shutdown()
}

func TestFutureWaitHonorsContext(t *testing.T) {
	e := NewCachedEngine("wait", nil)
	defer e.Shutdown()
	release := make(chan struct{})
	f := e.Submit(RunnableFunc(func(ctx context.Context) error {
		<-release
		return nil
	}), nil)
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, f.Wait(ctx), context.DeadlineExceeded)
	close(release)
	<-f.Done()
}
