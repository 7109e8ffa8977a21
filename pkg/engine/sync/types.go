package sync

import (
	"time"

	"github.com/stratoform/cartograph/pkg/engine/source"
)

// Options configure one reconciliation cycle.
type Options struct {
	// Providers enables a subset of registered sources; empty means all.
	Providers []string
	// AccountFilter and RegionFilter narrow the cycle. They intersect with
	// each source's scope for both discovery acceptance and ownership.
	AccountFilter []string
	RegionFilter  []string
	// DisappearanceGracePeriod is how long a node may go unseen before the
	// cycle marks it terminated. Zero means immediately.
	DisappearanceGracePeriod time.Duration
	// MaxConcurrentSources bounds the discovery fan-out.
	MaxConcurrentSources int
	// PerSourceTimeout cancels a source that runs too long; its partial
	// batch is discarded.
	PerSourceTimeout time.Duration
}

// SourceResult is the per-source outcome of a cycle.
type SourceResult struct {
	SourceID    string         `json:"sourceId"`
	Provider    string         `json:"provider"`
	Discovered  int            `json:"discovered"`
	Created     int            `json:"created"`
	Updated     int            `json:"updated"`
	Disappeared int            `json:"disappeared"`
	EdgeCreated int            `json:"edgeCreated"`
	EdgeRemoved int            `json:"edgeRemoved"`
	Errors      []source.Error `json:"errors,omitempty"`
	DurationMs  int64          `json:"durationMs"`
}

// Result is the outcome of one cycle. Cancelled reports that the caller's
// context ended before every plan was handed to the writer; counts cover
// what was actually applied.
type Result struct {
	CycleID    string         `json:"cycleId"`
	StartedAt  time.Time      `json:"startedAt"`
	FinishedAt time.Time      `json:"finishedAt"`
	Sources    []SourceResult `json:"sources"`
	Cancelled  bool           `json:"cancelled"`
}

// Totals aggregates the per-source counts.
func (r *Result) Totals() SourceResult {
	var t SourceResult
	for _, s := range r.Sources {
		t.Discovered += s.Discovered
		t.Created += s.Created
		t.Updated += s.Updated
		t.Disappeared += s.Disappeared
		t.EdgeCreated += s.EdgeCreated
		t.EdgeRemoved += s.EdgeRemoved
		t.Errors = append(t.Errors, s.Errors...)
	}
	return t
}
