package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type recorder struct {
	mu        sync.Mutex
	completed []int
	failed    []int
	errs      []error
}

func (r *recorder) complete(_ context.Context, task int, _ int) {
	r.mu.Lock()
	r.completed = append(r.completed, task)
	r.mu.Unlock()
}

func (r *recorder) fail(_ context.Context, task int, err error) {
	r.mu.Lock()
	r.failed = append(r.failed, task)
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

func (r *recorder) snapshot() ([]int, []int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.completed...), append([]int(nil), r.failed...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestExecutor_RunsInOrderOneAtATime(t *testing.T) {
	rec := &recorder{}
	var inFlight, maxInFlight atomic.Int32
	e := New(Config[int, int]{
		Execute: func(_ context.Context, task int) (int, error) {
			n := inFlight.Add(1)
			for {
				m := maxInFlight.Load()
				if n <= m || maxInFlight.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			inFlight.Add(-1)
			return task * 2, nil
		},
		OnComplete: rec.complete,
		OnError:    rec.fail,
	})
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	for i := 0; i < 10; i++ {
		e.Schedule(i)
	}

	waitFor(t, func() bool {
		done, _ := rec.snapshot()
		return len(done) == 10
	})
	e.Stop()

	done, failed := rec.snapshot()
	for i, task := range done {
		if task != i {
			t.Fatalf("completion order %v is not FIFO", done)
		}
	}
	if len(failed) != 0 {
		t.Fatalf("unexpected failures: %v", failed)
	}
	if maxInFlight.Load() != 1 {
		t.Fatalf("max concurrent tasks = %d, want 1", maxInFlight.Load())
	}
}

func TestExecutor_StopWaitsForInFlightTask(t *testing.T) {
	rec := &recorder{}
	started := make(chan struct{})
	release := make(chan struct{})
	e := New(Config[int, int]{
		Execute: func(_ context.Context, task int) (int, error) {
			close(started)
			<-release
			return task, nil
		},
		OnComplete: rec.complete,
		OnError:    rec.fail,
	})
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	e.Schedule(7)
	<-started

	if task, ok := e.Task(); !ok || task != 7 {
		t.Fatalf("Task() = %d, %v; want 7, true", task, ok)
	}

	stopped := make(chan struct{})
	go func() {
		e.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a task was running")
	case <-time.After(30 * time.Millisecond):
	}
	if e.State() != StateStopping {
		t.Fatalf("state = %s, want stopping", e.State())
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}

	done, _ := rec.snapshot()
	if len(done) != 1 || done[0] != 7 {
		t.Fatalf("completed = %v, want [7] before Stop returned", done)
	}
	if e.State() != StateStopped {
		t.Fatalf("state = %s, want stopped", e.State())
	}
	if _, ok := e.Task(); ok {
		t.Fatal("Task() reports a task after stop")
	}
}

func TestExecutor_StopAbandonsQueuedTasks(t *testing.T) {
	rec := &recorder{}
	started := make(chan struct{})
	release := make(chan struct{})
	e := New(Config[int, int]{
		Execute: func(_ context.Context, task int) (int, error) {
			if task == 0 {
				close(started)
				<-release
			}
			return task, nil
		},
		OnComplete: rec.complete,
		OnError:    rec.fail,
	})
	_ = e.Start(context.Background())
	e.Schedule(0)
	<-started
	e.Schedule(1)
	e.Schedule(2)
	if e.Pending() != 2 {
		t.Fatalf("Pending() = %d, want 2", e.Pending())
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	if dropped := e.Stop(); dropped != 2 {
		t.Fatalf("Stop() dropped %d, want 2", dropped)
	}
	if again := e.Stop(); again != 0 {
		t.Fatalf("second Stop() dropped %d, want 0", again)
	}

	done, _ := rec.snapshot()
	if len(done) != 1 || done[0] != 0 {
		t.Fatalf("completed = %v, want only the in-flight task", done)
	}

	e.Schedule(3)
	if e.Pending() != 0 {
		t.Fatal("task scheduled after stop was queued")
	}
}

func TestExecutor_ErrorsAndPanicsGoToOnError(t *testing.T) {
	rec := &recorder{}
	boom := errors.New("boom")
	e := New(Config[int, int]{
		Execute: func(_ context.Context, task int) (int, error) {
			switch task {
			case 1:
				return 0, boom
			case 2:
				panic("kaboom")
			}
			return task, nil
		},
		OnComplete: rec.complete,
		OnError:    rec.fail,
	})
	_ = e.Start(context.Background())
	e.Schedule(1)
	e.Schedule(2)
	e.Schedule(3)

	waitFor(t, func() bool {
		done, failed := rec.snapshot()
		return len(done)+len(failed) == 3
	})
	e.Stop()

	done, failed := rec.snapshot()
	if len(failed) != 2 || failed[0] != 1 || failed[1] != 2 {
		t.Fatalf("failed = %v, want [1 2]", failed)
	}
	if !errors.Is(rec.errs[0], boom) {
		t.Fatalf("first error = %v, want boom", rec.errs[0])
	}
	if rec.errs[1] == nil {
		t.Fatal("panic was not reported as an error")
	}
	if len(done) != 1 || done[0] != 3 {
		t.Fatalf("completed = %v, want [3]: the loop must survive failures", done)
	}
}

func TestExecutor_Lifecycle(t *testing.T) {
	e := New(Config[int, int]{
		Execute: func(_ context.Context, task int) (int, error) { return task, nil },
	})
	if e.State() != StateIdle {
		t.Fatalf("state = %s, want idle", e.State())
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := e.Start(context.Background()); !errors.Is(err, ErrNotIdle) {
		t.Fatalf("second start: expected ErrNotIdle, got %v", err)
	}
	e.Stop()
	e.Stop()
	if err := e.Start(context.Background()); !errors.Is(err, ErrNotIdle) {
		t.Fatalf("start after stop: expected ErrNotIdle, got %v", err)
	}

	never := New(Config[int, int]{
		Execute: func(_ context.Context, task int) (int, error) { return task, nil },
	})
	never.Schedule(1)
	if dropped := never.Stop(); dropped != 1 {
		t.Fatalf("Stop() before Start dropped %d, want 1", dropped)
	}
	if never.State() != StateStopped {
		t.Fatalf("state = %s, want stopped", never.State())
	}
}

func TestExecutor_TaskContextOutlivesStartContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	e := New(Config[int, int]{
		Execute: func(taskCtx context.Context, task int) (int, error) {
			errCh <- taskCtx.Err()
			return task, nil
		},
	})
	_ = e.Start(ctx)
	cancel()
	e.Schedule(1)

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("task context canceled with start context: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("task did not run")
	}
	e.Stop()
}

func TestExecutor_CallbackPanicKeepsWorkerAlive(t *testing.T) {
	var completed atomic.Int32
	e := New(Config[int, int]{
		Execute: func(_ context.Context, task int) (int, error) { return task, nil },
		OnComplete: func(_ context.Context, task int, _ int) {
			if task == 1 {
				panic("callback")
			}
			completed.Add(1)
		},
		OnError: func(context.Context, int, error) {
			t.Error("OnError called for a callback panic")
		},
	})
	_ = e.Start(context.Background())
	e.Schedule(1)
	e.Schedule(2)

	waitFor(t, func() bool { return completed.Load() == 1 })
	if e.State() != StateRunning {
		t.Fatalf("state = %s, want running", e.State())
	}
	e.Stop()
}
