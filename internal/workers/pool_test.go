package workers_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/decision-engine/internal/workers"
)

func TestRunExecutesAllTasks(t *testing.T) {
	pool := workers.NewPool(workers.Config{Concurrency: 3}, zap.NewNop())

	var ran atomic.Int64
	tasks := make([]workers.Task, 20)
	for i := range tasks {
		tasks[i] = func(context.Context) error {
			ran.Add(1)
			return nil
		}
	}

	pool.Run(context.Background(), tasks)

	if ran.Load() != 20 {
		t.Fatalf("ran %d tasks, want 20", ran.Load())
	}
	if stats := pool.Stats(); stats.Completed != 20 || stats.Failed != 0 {
		t.Errorf("stats %+v, want 20 completed", stats)
	}
}

func TestRunBoundsConcurrency(t *testing.T) {
	const bound = 2
	pool := workers.NewPool(workers.Config{Concurrency: bound}, zap.NewNop())

	var mu sync.Mutex
	inFlight, peak := 0, 0

	tasks := make([]workers.Task, 10)
	for i := range tasks {
		tasks[i] = func(context.Context) error {
			mu.Lock()
			inFlight++
			if inFlight > peak {
				peak = inFlight
			}
			mu.Unlock()

			time.Sleep(5 * time.Millisecond)

			mu.Lock()
			inFlight--
			mu.Unlock()
			return nil
		}
	}

	pool.Run(context.Background(), tasks)

	if peak > bound {
		t.Fatalf("peak concurrency %d exceeds bound %d", peak, bound)
	}
}

func TestRunAbandonsTasksAfterCancel(t *testing.T) {
	pool := workers.NewPool(workers.Config{Concurrency: 1}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	var started atomic.Int64

	tasks := make([]workers.Task, 5)
	tasks[0] = func(context.Context) error {
		started.Add(1)
		cancel() // everything queued behind this is abandoned
		return nil
	}
	for i := 1; i < len(tasks); i++ {
		tasks[i] = func(context.Context) error {
			started.Add(1)
			return nil
		}
	}

	pool.Run(ctx, tasks)

	if started.Load() != 1 {
		t.Fatalf("started %d tasks after cancel, want 1", started.Load())
	}
	if stats := pool.Stats(); stats.Abandoned != 4 {
		t.Errorf("abandoned %d tasks, want 4", stats.Abandoned)
	}
}

func TestRunCountsFailures(t *testing.T) {
	pool := workers.NewPool(workers.Config{Concurrency: 2}, zap.NewNop())

	tasks := []workers.Task{
		func(context.Context) error { return nil },
		func(context.Context) error { return errors.New("pair failed") },
		func(context.Context) error { return nil },
	}
	pool.Run(context.Background(), tasks)

	stats := pool.Stats()
	if stats.Completed != 2 || stats.Failed != 1 {
		t.Fatalf("stats %+v, want 2 completed 1 failed", stats)
	}
}

func TestRunRecoversPanics(t *testing.T) {
	pool := workers.NewPool(workers.Config{Concurrency: 2}, zap.NewNop())

	tasks := []workers.Task{
		func(context.Context) error { panic("boom") },
		func(context.Context) error { return nil },
	}
	pool.Run(context.Background(), tasks)

	stats := pool.Stats()
	if stats.Panics != 1 {
		t.Fatalf("recovered %d panics, want 1", stats.Panics)
	}
	if stats.Completed != 1 {
		t.Errorf("completed %d tasks, want 1", stats.Completed)
	}
}
