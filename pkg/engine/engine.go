// Package engine runs pipeline work on bounded or unbounded pools of
// goroutines and reports completion through callbacks.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

var ErrEngineShutdown = errors.New("execute engine is shut down")

// Runnable is a unit of work. Run must return promptly once ctx is done.
type Runnable interface {
	Run(ctx context.Context) error
}

// RunnableFunc adapts a function to a Runnable.
type RunnableFunc func(ctx context.Context) error

func (f RunnableFunc) Run(ctx context.Context) error { return f(ctx) }

// Callback is notified exactly once when a submitted Runnable ends.
type Callback interface {
	OnSuccess()
	OnFailure(err error)
}

// CallbackFuncs adapts a pair of functions to a Callback. Either may be nil.
type CallbackFuncs struct {
	Success func()
	Failure func(err error)
}

func (c CallbackFuncs) OnSuccess() {
	if c.Success != nil {
		c.Success()
	}
}

func (c CallbackFuncs) OnFailure(err error) {
	if c.Failure != nil {
		c.Failure(err)
	}
}

// Future completes when its Runnable has ended and the callback has run.
type Future struct {
	done chan struct{}
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) complete(err error) {
	f.err = err
	close(f.done)
}

// Done is closed when the Runnable has ended.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the Runnable has ended or ctx is done.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Engine executes Runnables. A fixed engine runs at most n at a time,
// a cached engine runs everything it is given immediately.
type Engine struct {
	name   string
	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
	active atomic.Int64
	logger *slog.Logger
}

// NewFixedEngine returns an engine running at most n Runnables concurrently.
func NewFixedEngine(name string, n int, logger *slog.Logger) *Engine {
	if n < 1 {
		n = 1
	}
	e := newEngine(name, logger)
	e.sem = semaphore.NewWeighted(int64(n))
	return e
}

// NewCachedEngine returns an engine with no concurrency limit, suited to
// long lived work like incremental tasks.
func NewCachedEngine(name string, logger *slog.Logger) *Engine {
	return newEngine(name, logger)
}

func newEngine(name string, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		name:   name,
		ctx:    ctx,
		cancel: cancel,
		logger: logger.With("engine", name),
	}
}

// Submit schedules r and returns without waiting for it to start.
// cb may be nil.
func (e *Engine) Submit(r Runnable, cb Callback) *Future {
	if cb == nil {
		cb = CallbackFuncs{}
	}
	f := newFuture()
	if e.closed.Load() {
		cb.OnFailure(ErrEngineShutdown)
		f.complete(ErrEngineShutdown)
		return f
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		err := e.execute(r)
		if err != nil {
			cb.OnFailure(err)
		} else {
			cb.OnSuccess()
		}
		f.complete(err)
	}()
	return f
}

func (e *Engine) execute(r Runnable) (err error) {
	if e.sem != nil {
		if err := e.sem.Acquire(e.ctx, 1); err != nil {
			return ErrEngineShutdown
		}
		defer e.sem.Release(1)
	}
	if e.ctx.Err() != nil {
		return ErrEngineShutdown
	}
	e.active.Add(1)
	defer e.active.Add(-1)
	defer func() {
		if p := recover(); p != nil {
			e.logger.Error("runnable panicked", "panic", p)
			err = fmt.Errorf("runnable panicked: %v", p)
		}
	}()
	return r.Run(e.ctx)
}

// Active returns the number of Runnables currently running.
func (e *Engine) Active() int {
	return int(e.active.Load())
}

// Shutdown cancels every running Runnable and waits for them to end.
// Runnables submitted afterwards fail with ErrEngineShutdown.
func (e *Engine) Shutdown() {
	if e.closed.Swap(true) {
		e.wg.Wait()
		return
	}
	e.cancel()
	e.wg.Wait()
	e.logger.Debug("execute engine shut down")
}
