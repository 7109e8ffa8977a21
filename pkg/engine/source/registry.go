package source

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/stratoform/cartograph/pkg/model"
)

// Registry manages the set of registered discovery sources.
type Registry struct {
	sources []Source
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sources: []Source{}}
}

// Register adds a source. Registration order is preserved.
func (r *Registry) Register(s Source) {
	r.sources = append(r.sources, s)
}

// All returns every registered source.
func (r *Registry) All() []Source {
	return append([]Source(nil), r.sources...)
}

// Enabled returns the sources whose provider is in the given set; an empty
// set enables everything.
func (r *Registry) Enabled(providers []string) []Source {
	if len(providers) == 0 {
		return r.All()
	}
	var out []Source
	for _, s := range r.sources {
		if member(providers, s.Provider()) {
			out = append(out, s)
		}
	}
	return out
}

// Discover runs one source with a span and an optional timeout. A timeout
// cancels the call and discards the partial batch; the caller gets a
// classified error instead.
func Discover(ctx context.Context, s Source, timeout time.Duration) (*Batch, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	tr := otel.Tracer("cartograph/source")
	ctx, span := tr.Start(ctx, "source.Discover", trace.WithAttributes(
		attribute.String("source.name", s.Name()),
		attribute.String("source.provider", s.Provider()),
	))
	defer span.End()

	slog.Debug("Starting discovery", "source", s.Name())
	batch, err := s.Discover(ctx)

	if ctx.Err() == context.DeadlineExceeded {
		err = model.WrapError(model.KindTransient, "timeout", ctx.Err(), "source %s exceeded its deadline", s.Name())
		batch = nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("Discovery failed", "source", s.Name(), "error", err)
		return nil, err
	}

	if batch.SourceID == "" {
		batch.SourceID = s.Name()
	}
	if batch.Provider == "" {
		batch.Provider = s.Provider()
	}
	if batch.DiscoveredAt.IsZero() {
		batch.DiscoveredAt = time.Now().UTC()
	}
	span.SetAttributes(
		attribute.Int("source.nodes", len(batch.Nodes)),
		attribute.Int("source.edges", len(batch.Edges)),
		attribute.Int("source.errors", len(batch.Errors)),
	)
	slog.Debug("Discovery completed", "source", s.Name(), "nodes", len(batch.Nodes), "edges", len(batch.Edges))
	return batch, nil
}
