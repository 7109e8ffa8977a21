package policy

import (
	"context"
	"sync"
)

// Mock is a scriptable evaluator for tests and dry runs. Stubs are matched
// in registration order; unmatched inputs pass with no violations.
type Mock struct {
	mu      sync.Mutex
	stubs   []stub
	inputs  []map[string]any
	healthy bool
}

type stub struct {
	match  func(input map[string]any) bool
	result Result
}

// NewMock builds a healthy mock evaluator.
func NewMock() *Mock {
	return &Mock{healthy: true}
}

// Stub registers a canned result for inputs the predicate accepts.
func (m *Mock) Stub(match func(input map[string]any) bool, result Result) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stubs = append(m.stubs, stub{match: match, result: result})
	return m
}

// SetHealthy flips what HealthCheck reports.
func (m *Mock) SetHealthy(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthy = ok
}

// Evaluate records the input and returns the first matching stub.
func (m *Mock) Evaluate(_ context.Context, input map[string]any) Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inputs = append(m.inputs, input)
	for _, s := range m.stubs {
		if s.match(input) {
			return s.result
		}
	}
	return Result{OK: true}
}

// Inputs returns every document Evaluate has seen, oldest first.
func (m *Mock) Inputs() []map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]map[string]any, len(m.inputs))
	copy(out, m.inputs)
	return out
}

// HealthCheck reports the scripted health state.
func (m *Mock) HealthCheck(context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthy
}
