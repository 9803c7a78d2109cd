// Package executor runs tasks one at a time on a single background worker.
//
// The worker exists because the engine behind Execute is a singleton: two
// steps must never run at once. Schedule never blocks; the queue is
// unbounded.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ErrNotIdle is returned by Start on an executor that was already started.
var ErrNotIdle = errors.New("executor is not idle")

type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Config wires the callbacks. Exactly one of OnComplete or OnError is called
// per executed task, on the worker goroutine, in task order.
type Config[T, R any] struct {
	Execute    func(ctx context.Context, task T) (R, error)
	OnComplete func(ctx context.Context, task T, result R)
	OnError    func(ctx context.Context, task T, err error)
	Logger     *slog.Logger
}

type Executor[T, R any] struct {
	cfg    Config[T, R]
	logger *slog.Logger

	mu      sync.Mutex
	state   State
	queue   []T
	stop    bool // sentinel: set by Stop, seen by the worker after its current task
	dropped int
	wake    chan struct{}
	stopped chan struct{}

	current atomic.Pointer[T]
}

func New[T, R any](cfg Config[T, R]) *Executor[T, R] {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor[T, R]{
		cfg:     cfg,
		logger:  logger.With("component", "executor"),
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
}

// Start launches the worker. ctx supplies values for task contexts; its
// cancellation does not reach running tasks, use Stop for shutdown.
func (e *Executor[T, R]) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateIdle {
		return fmt.Errorf("%w: %s", ErrNotIdle, e.state)
	}
	e.state = StateRunning
	go e.loop(context.WithoutCancel(ctx))
	e.logger.Info("executor started")
	return nil
}

// Schedule enqueues task. It never blocks. Tasks scheduled once Stop has
// been called are dropped.
func (e *Executor[T, R]) Schedule(task T) {
	e.mu.Lock()
	if e.state == StateStopping || e.state == StateStopped {
		e.mu.Unlock()
		e.logger.Warn("task dropped, executor is shutting down")
		return
	}
	e.queue = append(e.queue, task)
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Stop lets the in-flight task finish, then stops the worker and waits for
// it to exit. Tasks still queued are abandoned; the call that initiated the
// shutdown returns how many, later calls return 0.
func (e *Executor[T, R]) Stop() int {
	e.mu.Lock()
	switch e.state {
	case StateIdle:
		dropped := len(e.queue)
		e.queue = nil
		e.state = StateStopped
		close(e.stopped)
		e.mu.Unlock()
		return dropped
	case StateStopping, StateStopped:
		e.mu.Unlock()
		<-e.stopped
		return 0
	}
	e.state = StateStopping
	e.stop = true
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
	<-e.stopped

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped
}

// Task returns the task being executed, if any.
func (e *Executor[T, R]) Task() (T, bool) {
	if p := e.current.Load(); p != nil {
		return *p, true
	}
	var zero T
	return zero, false
}

func (e *Executor[T, R]) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Pending is the number of queued tasks, excluding the running one.
func (e *Executor[T, R]) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// next blocks until a task is queued or Stop was called.
func (e *Executor[T, R]) next() (T, bool) {
	for {
		e.mu.Lock()
		if e.stop {
			abandoned := len(e.queue)
			e.queue = nil
			e.dropped = abandoned
			e.mu.Unlock()
			if abandoned > 0 {
				e.logger.Warn("executor stopped with queued tasks", "abandoned", abandoned)
			}
			var zero T
			return zero, false
		}
		if len(e.queue) > 0 {
			task := e.queue[0]
			var zero T
			e.queue[0] = zero
			e.queue = e.queue[1:]
			e.mu.Unlock()
			return task, true
		}
		e.mu.Unlock()
		<-e.wake
	}
}

func (e *Executor[T, R]) loop(ctx context.Context) {
	defer func() {
		e.mu.Lock()
		e.state = StateStopped
		close(e.stopped)
		e.mu.Unlock()
		e.logger.Info("executor stopped")
	}()

	for {
		task, ok := e.next()
		if !ok {
			return
		}
		e.current.Store(&task)
		e.run(ctx, task)
		e.current.Store(nil)
	}
}

func (e *Executor[T, R]) run(ctx context.Context, task T) {
	result, err := e.execute(ctx, task)

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("task callback panicked", "panic", r)
		}
	}()
	if err != nil {
		if e.cfg.OnError != nil {
			e.cfg.OnError(ctx, task, err)
		} else {
			e.logger.Error("task failed", "error", err)
		}
		return
	}
	if e.cfg.OnComplete != nil {
		e.cfg.OnComplete(ctx, task, result)
	}
}

func (e *Executor[T, R]) execute(ctx context.Context, task T) (result R, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return e.cfg.Execute(ctx, task)
}
