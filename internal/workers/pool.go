// Package workers runs per-pair pipeline tasks on a bounded pool. Tasks
// are independent per symbol; the bound keeps one cycle from saturating
// the process when the universe grows.
package workers

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Task is one unit of pipeline work, cancellable through its context.
type Task func(ctx context.Context) error

// Config bounds the pool.
type Config struct {
	// Concurrency is the maximum number of tasks in flight.
	Concurrency int `json:"concurrency" mapstructure:"concurrency" validate:"gt=0"`
}

// DefaultConfig returns the standard pipeline bound.
func DefaultConfig() Config {
	return Config{Concurrency: 4}
}

// Stats counts task outcomes across a pool's lifetime.
type Stats struct {
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Abandoned int64 `json:"abandoned"`
	Panics    int64 `json:"panics"`
}

// Pool executes task batches with bounded concurrency. A pool carries no
// queue between batches; each Run admits its own tasks.
type Pool struct {
	logger *zap.Logger
	size   int

	completed atomic.Int64
	failed    atomic.Int64
	abandoned atomic.Int64
	panics    atomic.Int64
}

// NewPool creates a pool.
func NewPool(cfg Config, logger *zap.Logger) *Pool {
	size := cfg.Concurrency
	if size <= 0 {
		size = 1
	}
	return &Pool{
		logger: logger.Named("workers"),
		size:   size,
	}
}

// Run executes the tasks with at most Concurrency in flight and waits for
// every started task to finish. Tasks not yet started when the context
// expires are abandoned, never started late; started tasks are expected to
// honor the context themselves. Task errors are counted, not collected:
// per-pair failures are the caller's per-pair concern.
func (p *Pool) Run(ctx context.Context, tasks []Task) {
	sem := make(chan struct{}, p.size)
	var wg sync.WaitGroup

	for _, task := range tasks {
		select {
		case <-ctx.Done():
			p.abandoned.Add(1)
			continue
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(task Task) {
			defer wg.Done()
			defer func() { <-sem }()
			p.execute(ctx, task)
		}(task)
	}

	wg.Wait()
}

func (p *Pool) execute(ctx context.Context, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.failed.Add(1)
			p.logger.Error("Pipeline task panicked", zap.Any("panic", r))
		}
	}()

	if err := task(ctx); err != nil {
		p.failed.Add(1)
		return
	}
	p.completed.Add(1)
}

// Stats returns a snapshot of the outcome counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Abandoned: p.abandoned.Load(),
		Panics:    p.panics.Load(),
	}
}
