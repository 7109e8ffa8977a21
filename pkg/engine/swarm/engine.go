// Package swarm is the bounded worker pool that drives discovery fan-out.
// Concurrency adapts between a floor and the configured ceiling: transient
// upstream failures (rate limits, timeouts) halve the worker count, healthy
// completions grow it back.
package swarm

import (
	"context"
	"sync"
	"time"

	"github.com/stratoform/cartograph/pkg/model"
)

// Task is one unit of work dispatched to the pool.
type Task func(ctx context.Context) error

// Engine manages the worker pool and its adaptive concurrency.
type Engine struct {
	aimd  *AIMD
	tasks chan Task
	wg    sync.WaitGroup
	quit  chan struct{}

	mu     sync.Mutex
	active int
	stats  Stats

	startOnce sync.Once
	stopOnce  sync.Once
}

// Stats holds runtime counters for the pool.
type Stats struct {
	ActiveWorkers  int
	Concurrency    int
	TasksCompleted int64
	TasksThrottled int64
}

// NewEngine builds a pool with the given concurrency ceiling. The pool
// starts at the ceiling and backs off under throttle feedback.
func NewEngine(maxWorkers int) *Engine {
	if maxWorkers <= 0 {
		maxWorkers = 4
	}
	return &Engine{
		aimd:  NewAIMD(maxWorkers, 1, maxWorkers),
		tasks: make(chan Task, 256),
		quit:  make(chan struct{}),
	}
}

// SetMaxWorkers adjusts the ceiling before or between runs.
func (e *Engine) SetMaxWorkers(n int) {
	e.aimd.SetMax(n)
}

// Start launches the supervisor loop. Safe to call once per engine.
func (e *Engine) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		go e.loop(ctx)
	})
}

// Submit queues a task. Blocks when the buffer is full, which is the
// backpressure the callers rely on.
func (e *Engine) Submit(t Task) {
	e.tasks <- t
}

// Stop seals the pool and waits for running workers to finish their
// current task. Queued-but-unstarted tasks are dropped.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.quit)
	})
	e.wg.Wait()
}

// GetStats returns a copy of the current counters.
func (e *Engine) GetStats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stats
	s.ActiveWorkers = e.active
	s.Concurrency = e.aimd.GetConcurrency()
	return s
}

func (e *Engine) loop(ctx context.Context) {
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.quit:
			return
		case <-ticker.C:
			// Grow the worker set toward the AIMD target. Shrinking happens
			// in the workers themselves when they finish a task.
			target := e.aimd.GetConcurrency()
			current := e.activeCount()
			for i := current; i < target; i++ {
				e.wg.Add(1)
				go e.worker(ctx)
			}
		}
	}
}

func (e *Engine) activeCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

func (e *Engine) worker(ctx context.Context) {
	e.mu.Lock()
	e.active++
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.active--
		e.mu.Unlock()
		e.wg.Done()
	}()

	for {
		if e.activeCount() > e.aimd.GetConcurrency() {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-e.quit:
			return
		case task := <-e.tasks:
			start := time.Now()
			err := task(ctx)
			latency := time.Since(start)

			throttled := model.IsKind(err, model.KindTransient)
			e.aimd.Feedback(latency, throttled)

			e.mu.Lock()
			e.stats.TasksCompleted++
			if throttled {
				e.stats.TasksThrottled++
			}
			e.mu.Unlock()
		}
	}
}
