// Package sync reconciles discovery output into the graph store. A cycle
// fans discovery out across sources through the adaptive worker pool, then
// funnels every resulting write plan through a single writer goroutine so
// concurrent cycles and snapshot captures never interleave mutations.
package sync

import (
	"context"
	"log/slog"
	"sort"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/stratoform/cartograph/pkg/engine/source"
	"github.com/stratoform/cartograph/pkg/engine/swarm"
	"github.com/stratoform/cartograph/pkg/metrics"
	"github.com/stratoform/cartograph/pkg/model"
	"github.com/stratoform/cartograph/pkg/store"
)

// Engine runs reconciliation cycles against a store.
type Engine struct {
	store    store.Store
	registry *source.Registry
	pool     *swarm.Engine
	ownPool  bool
	metrics  *metrics.Set
	tracer   trace.Tracer
	now      func() time.Time

	jobs       chan *writerJob
	writerDone chan struct{}
	closeOnce  gosync.Once
}

// Option customizes an Engine.
type Option func(*Engine)

// WithPool shares an existing worker pool instead of owning one.
func WithPool(p *swarm.Engine) Option {
	return func(e *Engine) { e.pool = p }
}

// WithMetrics attaches a collector set.
func WithMetrics(m *metrics.Set) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides the time source. Tests use this to make grace-period
// arithmetic deterministic.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New builds a sync engine and starts its writer goroutine. Callers must
// Close it to drain pending mutations.
func New(st store.Store, reg *source.Registry, opts ...Option) *Engine {
	e := &Engine{
		store:    st,
		registry: reg,
		tracer:   otel.Tracer("cartograph/sync"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.pool == nil {
		e.pool = swarm.NewEngine(4)
		e.pool.Start(context.Background())
		e.ownPool = true
	}
	e.startWriter()
	return e
}

// Close drains the writer queue and releases the pool if owned.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.closeWriter()
		if e.ownPool {
			e.pool.Stop()
		}
	})
}

// discovery pairs a source with its fan-out outcome.
type discovery struct {
	src     source.Source
	batch   *source.Batch
	err     error
	started time.Time
}

// Sync runs one reconciliation cycle. Cancellation stops the hand-off of
// further plans but never aborts a plan the writer already owns; the result
// then carries partial counts and Cancelled=true.
func (e *Engine) Sync(ctx context.Context, opts Options) (*Result, error) {
	res := &Result{
		CycleID:   uuid.NewString(),
		StartedAt: e.now().UTC(),
	}
	ctx, span := e.tracer.Start(ctx, "sync.Cycle", trace.WithAttributes(
		attribute.String("cycle.id", res.CycleID),
	))
	defer span.End()

	sources := e.registry.Enabled(opts.Providers)
	span.SetAttributes(attribute.Int("sync.sources", len(sources)))
	if len(sources) == 0 {
		res.FinishedAt = e.now().UTC()
		return res, nil
	}

	if opts.MaxConcurrentSources > 0 {
		e.pool.SetMaxWorkers(opts.MaxConcurrentSources)
	}

	discoveries := e.fanOut(ctx, sources, opts.PerSourceTimeout)

	// Deterministic application order: source timestamp, then source id.
	sort.SliceStable(discoveries, func(i, j int) bool {
		a, b := discoveries[i], discoveries[j]
		if a.batch == nil || b.batch == nil {
			return b.batch == nil && a.batch != nil
		}
		if !a.batch.DiscoveredAt.Equal(b.batch.DiscoveredAt) {
			return a.batch.DiscoveredAt.Before(b.batch.DiscoveredAt)
		}
		return a.batch.SourceID < b.batch.SourceID
	})

	for _, d := range discoveries {
		sr := SourceResult{SourceID: d.src.Name(), Provider: d.src.Provider()}
		if d.err != nil {
			sr.Errors = append(sr.Errors, source.Error{
				Message: d.err.Error(),
				Code:    model.CodeOf(d.err),
			})
			sr.DurationMs = time.Since(d.started).Milliseconds()
			res.Sources = append(res.Sources, sr)
			e.countSourceError(d.src.Name())
			continue
		}
		if ctx.Err() != nil {
			res.Cancelled = true
			break
		}
		err := e.submit(ctx, "plan:"+d.batch.SourceID, func(wctx context.Context) error {
			return e.applyPlan(wctx, d.batch, opts, res.CycleID, &sr)
		})
		sr.DurationMs = time.Since(d.started).Milliseconds()
		res.Sources = append(res.Sources, sr)
		if err != nil {
			if model.IsKind(err, model.KindCancelled) {
				res.Cancelled = true
				break
			}
			res.FinishedAt = e.now().UTC()
			e.observeCycle(res, "error")
			span.SetStatus(codes.Error, err.Error())
			return res, model.WrapError(model.KindPermanent, "cycle-aborted", err, "cycle aborted applying plan for %s", d.batch.SourceID)
		}
	}

	res.FinishedAt = e.now().UTC()
	outcome := "ok"
	if res.Cancelled {
		outcome = "cancelled"
	}
	e.observeCycle(res, outcome)

	t := res.Totals()
	span.SetAttributes(
		attribute.Int("sync.created", t.Created),
		attribute.Int("sync.updated", t.Updated),
		attribute.Int("sync.disappeared", t.Disappeared),
	)
	slog.Info("Sync cycle complete",
		"cycle", res.CycleID,
		"sources", len(res.Sources),
		"created", t.Created,
		"updated", t.Updated,
		"disappeared", t.Disappeared,
		"edges_created", t.EdgeCreated,
		"edges_removed", t.EdgeRemoved,
		"errors", len(t.Errors),
		"cancelled", res.Cancelled,
	)
	return res, nil
}

// fanOut runs discovery for every source through the pool and waits for all
// of them. Each task honors the cycle context, so cancellation aborts
// in-flight source calls.
func (e *Engine) fanOut(ctx context.Context, sources []source.Source, timeout time.Duration) []discovery {
	results := make([]discovery, len(sources))
	done := make(chan struct{}, len(sources))
	for i, src := range sources {
		i, src := i, src
		e.pool.Submit(func(context.Context) error {
			defer func() { done <- struct{}{} }()
			d := discovery{src: src, started: e.now()}
			d.batch, d.err = source.Discover(ctx, src, timeout)
			results[i] = d
			return d.err
		})
	}
	for range sources {
		<-done
	}
	return results
}

func (e *Engine) countSourceError(sourceID string) {
	if e.metrics != nil {
		e.metrics.SourceErrors.WithLabelValues(sourceID).Inc()
	}
}

func (e *Engine) observeCycle(res *Result, outcome string) {
	if e.metrics == nil {
		return
	}
	e.metrics.SyncCycles.WithLabelValues(outcome).Inc()
	e.metrics.SyncDuration.Observe(res.FinishedAt.Sub(res.StartedAt).Seconds())
	t := res.Totals()
	e.metrics.NodesCreated.Add(float64(t.Created))
	e.metrics.NodesUpdated.Add(float64(t.Updated))
	e.metrics.NodesDisappeared.Add(float64(t.Disappeared))
	e.metrics.EdgesCreated.Add(float64(t.EdgeCreated))
	e.metrics.EdgesRemoved.Add(float64(t.EdgeRemoved))
}
