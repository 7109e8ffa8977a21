package swarm

import (
	"sync"
	"time"
)

// AIMD implements additive-increase / multiplicative-decrease throttling
// for the worker pool. Throttle feedback halves concurrency, healthy
// latency grows it back one step at a time.
type AIMD struct {
	mu          sync.Mutex
	concurrency int
	minWorkers  int
	maxWorkers  int
	lastChange  time.Time
}

func NewAIMD(start, min, max int) *AIMD {
	if start < min {
		start = min
	}
	if start > max {
		start = max
	}
	return &AIMD{
		concurrency: start,
		minWorkers:  min,
		maxWorkers:  max,
		lastChange:  time.Now(),
	}
}

func (a *AIMD) GetConcurrency() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.concurrency
}

// SetMax lowers or raises the ceiling at runtime; the current level is
// clamped into the new range.
func (a *AIMD) SetMax(max int) {
	if max <= 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.maxWorkers = max
	if a.concurrency > max {
		a.concurrency = max
	}
}

// Feedback adjusts concurrency from one task observation.
func (a *AIMD) Feedback(lat time.Duration, throttled bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	// dampen oscillation
	if now.Sub(a.lastChange) < 100*time.Millisecond {
		return
	}

	if throttled {
		a.concurrency = a.concurrency / 2
		if a.concurrency < a.minWorkers {
			a.concurrency = a.minWorkers
		}
		a.lastChange = now
		return
	}

	// scale up while latency stays healthy
	if lat < 250*time.Millisecond && a.concurrency < a.maxWorkers {
		a.concurrency++
		a.lastChange = now
	}
}
