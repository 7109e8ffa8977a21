// Package temporal keeps the append-only history of the graph: snapshots,
// point-in-time reads, node history, diffs, and retention. Snapshots
// reference content-addressed revisions, so a node that did not change
// between two snapshots is stored once and referenced twice.
package temporal

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/stratoform/cartograph/pkg/metrics"
	"github.com/stratoform/cartograph/pkg/model"
	"github.com/stratoform/cartograph/pkg/storage"
	"github.com/stratoform/cartograph/pkg/store"
	"github.com/stratoform/cartograph/pkg/sys/backoff"
	"github.com/stratoform/cartograph/pkg/sys/intern"
)

// Serializer runs a function with the same exclusivity as a graph write.
// The sync engine's writer satisfies this; snapshot capture and pruning go
// through it so they never observe a half-applied plan.
type Serializer interface {
	Exclusive(ctx context.Context, fn func(ctx context.Context) error) error
}

// Store is the temporal layer over a graph store.
type Store struct {
	graph   store.Store
	archive storage.BlobStore
	serial  Serializer
	metrics *metrics.Set
	now     func() time.Time
	tracer  trace.Tracer

	mu        sync.RWMutex
	order     []*model.Snapshot // oldest first, strictly increasing CreatedAt
	byID      map[string]*model.Snapshot
	nodeSets  map[string]revisionSet
	edgeSets  map[string]revisionSet
	nodeRevs  map[string]*model.Node
	edgeRevs  map[string]*model.Edge
	nodeRefs  map[string]int
	edgeRefs  map[string]int
	lastStamp time.Time

	// opMu provides create/prune mutual exclusion when no serializer is
	// attached (tests, read-only tooling).
	opMu sync.Mutex
}

// Option customizes a Store.
type Option func(*Store)

// WithArchive persists every snapshot to a blob backend and enables
// rehydration across restarts.
func WithArchive(b storage.BlobStore) Option {
	return func(s *Store) { s.archive = b }
}

// WithSerializer routes capture and prune through the graph writer.
func WithSerializer(ser Serializer) Option {
	return func(s *Store) { s.serial = ser }
}

// WithMetrics attaches a collector set.
func WithMetrics(m *metrics.Set) Option {
	return func(s *Store) { s.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New builds an empty temporal store over graph.
func New(graph store.Store, opts ...Option) *Store {
	s := &Store{
		graph:    graph,
		now:      time.Now,
		tracer:   otel.Tracer("cartograph/temporal"),
		byID:     make(map[string]*model.Snapshot),
		nodeSets: make(map[string]revisionSet),
		edgeSets: make(map[string]revisionSet),
		nodeRevs: make(map[string]*model.Node),
		edgeRevs: make(map[string]*model.Edge),
		nodeRefs: make(map[string]int),
		edgeRefs: make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// exclusive runs fn serialized against graph writes when a serializer is
// attached, and against other temporal mutations always.
func (s *Store) exclusive(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.serial != nil {
		return s.serial.Exclusive(ctx, fn)
	}
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return fn(ctx)
}

// CreateSnapshot captures the current graph into a new immutable revision.
// With an archive attached the blob write happens before registration, so a
// snapshot either exists durably or not at all.
func (s *Store) CreateSnapshot(ctx context.Context, trigger model.Trigger, label, providerScope string) (*model.Snapshot, error) {
	if !model.ValidTrigger(trigger) {
		return nil, model.NewError(model.KindInvalidInput, "bad-trigger", "unknown snapshot trigger %q", trigger)
	}
	ctx, span := s.tracer.Start(ctx, "temporal.CreateSnapshot", trace.WithAttributes(
		attribute.String("snapshot.trigger", string(trigger)),
	))
	defer span.End()

	var snap *model.Snapshot
	err := s.exclusive(ctx, func(ctx context.Context) error {
		nodes, err := s.graph.QueryNodes(ctx, store.NodeFilter{Provider: providerScope, OrderBy: "id"})
		if err != nil {
			return err
		}
		captured := make(map[string]bool, len(nodes))
		for _, n := range nodes {
			captured[n.ID] = true
		}
		allEdges, err := s.graph.QueryEdges(ctx, store.EdgeFilter{})
		if err != nil {
			return err
		}
		var edges []*model.Edge
		for _, e := range allEdges {
			if captured[e.SourceID] && captured[e.TargetID] {
				edges = append(edges, e)
			}
		}
		sort.Slice(edges, func(i, j int) bool { return edges[i].ID < edges[j].ID })

		s.mu.RLock()
		stamp := strictlyAfter(s.now().UTC(), s.lastStamp)
		s.mu.RUnlock()

		snap = &model.Snapshot{
			ID:            uuid.NewString(),
			Trigger:       trigger,
			Label:         label,
			CreatedAt:     stamp,
			ProviderScope: providerScope,
		}
		snapshotAggregates(snap, nodes, edges)

		if s.archive != nil {
			doc, merr := json.Marshal(archiveDoc{Snapshot: snap, Nodes: nodes, Edges: edges})
			if merr != nil {
				return model.WrapError(model.KindPermanent, "archive-encode", merr, "failed to encode snapshot %s", snap.ID)
			}
			if perr := backoff.Do(ctx, func() error {
				return s.archive.Put(ctx, archiveKey(snap.ID), doc)
			}); perr != nil {
				return perr
			}
		}

		s.register(snap, nodes, edges)
		return nil
	})
	if err != nil {
		return nil, err
	}

	span.SetAttributes(
		attribute.String("snapshot.id", snap.ID),
		attribute.Int("snapshot.nodes", snap.NodeCount),
		attribute.Int("snapshot.edges", snap.EdgeCount),
	)
	slog.Info("Snapshot created",
		"snapshot", snap.ID,
		"trigger", trigger,
		"nodes", snap.NodeCount,
		"edges", snap.EdgeCount,
		"cost_monthly", snap.TotalCostMonthly,
	)
	if s.metrics != nil {
		s.metrics.SnapshotsCreated.Inc()
		s.metrics.SnapshotNodes.Set(float64(snap.NodeCount))
		s.metrics.SnapshotEdges.Set(float64(snap.EdgeCount))
	}
	out := *snap
	return &out, nil
}

// register indexes a captured snapshot. Nodes and edges must already be
// clones owned by the temporal store.
func (s *Store) register(snap *model.Snapshot, nodes []*model.Node, edges []*model.Edge) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nset := make(revisionSet, len(nodes))
	for _, n := range nodes {
		h := hashNodeRevision(n)
		if _, ok := s.nodeRevs[h]; !ok {
			// Masters only leave through Clone, so revisions with equal
			// tag sets share one canonical map.
			n.Tags = intern.Tags(n.Tags)
			s.nodeRevs[h] = n
		}
		s.nodeRefs[h]++
		nset[n.ID] = h
	}
	eset := make(revisionSet, len(edges))
	for _, e := range edges {
		h := hashEdgeRevision(e)
		if _, ok := s.edgeRevs[h]; !ok {
			s.edgeRevs[h] = e
		}
		s.edgeRefs[h]++
		eset[e.ID] = h
	}

	// Keep the series sorted by CreatedAt. Appends are the common case;
	// rehydration may interleave older snapshots.
	n := len(s.order)
	if n > 0 && snap.CreatedAt.Before(s.order[n-1].CreatedAt) {
		i := sort.Search(n, func(i int) bool { return s.order[i].CreatedAt.After(snap.CreatedAt) })
		s.order = append(s.order, nil)
		copy(s.order[i+1:], s.order[i:])
		s.order[i] = snap
	} else {
		s.order = append(s.order, snap)
	}
	s.byID[snap.ID] = snap
	s.nodeSets[snap.ID] = nset
	s.edgeSets[snap.ID] = eset
	if snap.CreatedAt.After(s.lastStamp) {
		s.lastStamp = snap.CreatedAt
	}
}

// SnapshotFilter narrows ListSnapshots. Zero values mean "any".
type SnapshotFilter struct {
	Trigger  model.Trigger
	Provider string
	Before   time.Time
	After    time.Time
	Limit    int
}

// GetSnapshot returns one snapshot record by id.
func (s *Store) GetSnapshot(ctx context.Context, id string) (*model.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.byID[id]
	if !ok {
		return nil, model.NewError(model.KindNotFound, "snapshot-not-found", "snapshot %s", id)
	}
	out := *snap
	return &out, nil
}

// ListSnapshots returns matching snapshots newest first.
func (s *Store) ListSnapshots(ctx context.Context, f SnapshotFilter) ([]*model.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Snapshot
	for i := len(s.order) - 1; i >= 0; i-- {
		snap := s.order[i]
		if f.Trigger != "" && snap.Trigger != f.Trigger {
			continue
		}
		if f.Provider != "" && snap.ProviderScope != f.Provider {
			continue
		}
		if !f.Before.IsZero() && !snap.CreatedAt.Before(f.Before) {
			continue
		}
		if !f.After.IsZero() && !snap.CreatedAt.After(f.After) {
			continue
		}
		c := *snap
		out = append(out, &c)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

// GetSnapshotAt returns the most recent snapshot at or before ts, or nil
// when the series starts later.
func (s *Store) GetSnapshotAt(ctx context.Context, ts time.Time) (*model.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.order) - 1; i >= 0; i-- {
		if !s.order[i].CreatedAt.After(ts) {
			c := *s.order[i]
			return &c, nil
		}
	}
	return nil, nil
}

// GetNodesAtSnapshot returns the node revisions a snapshot references,
// filtered like a live query. Unordered requests come back sorted by id so
// repeated reads are byte-identical.
func (s *Store) GetNodesAtSnapshot(ctx context.Context, id string, f store.NodeFilter) ([]*model.Node, error) {
	s.mu.RLock()
	nset, ok := s.nodeSets[id]
	if !ok {
		s.mu.RUnlock()
		return nil, model.NewError(model.KindNotFound, "snapshot-not-found", "snapshot %s", id)
	}
	nodes := make([]*model.Node, 0, len(nset))
	for _, h := range nset {
		nodes = append(nodes, s.nodeRevs[h].Clone())
	}
	s.mu.RUnlock()

	if f.OrderBy == "" {
		f.OrderBy = "id"
	}
	return store.FilterNodes(nodes, f)
}

// GetEdgesAtSnapshot returns the edge revisions a snapshot references,
// sorted by id.
func (s *Store) GetEdgesAtSnapshot(ctx context.Context, id string) ([]*model.Edge, error) {
	s.mu.RLock()
	eset, ok := s.edgeSets[id]
	if !ok {
		s.mu.RUnlock()
		return nil, model.NewError(model.KindNotFound, "snapshot-not-found", "snapshot %s", id)
	}
	edges := make([]*model.Edge, 0, len(eset))
	for _, h := range eset {
		edges = append(edges, s.edgeRevs[h].Clone())
	}
	s.mu.RUnlock()

	sort.Slice(edges, func(i, j int) bool { return edges[i].ID < edges[j].ID })
	return edges, nil
}

// HistoryEntry is one snapshot's view of a node.
type HistoryEntry struct {
	SnapshotID        string      `json:"snapshotId"`
	SnapshotTimestamp time.Time   `json:"snapshotTimestamp"`
	Node              *model.Node `json:"node"`
}

// GetNodeHistory returns the node's state in every snapshot that contains
// it, newest first. Limit caps the result when positive.
func (s *Store) GetNodeHistory(ctx context.Context, nodeID string, limit int) ([]HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []HistoryEntry
	for i := len(s.order) - 1; i >= 0; i-- {
		snap := s.order[i]
		h, ok := s.nodeSets[snap.ID][nodeID]
		if !ok {
			continue
		}
		out = append(out, HistoryEntry{
			SnapshotID:        snap.ID,
			SnapshotTimestamp: snap.CreatedAt,
			Node:              s.nodeRevs[h].Clone(),
		})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// EdgeHistoryEntry is one snapshot's view of an edge.
type EdgeHistoryEntry struct {
	SnapshotID        string      `json:"snapshotId"`
	SnapshotTimestamp time.Time   `json:"snapshotTimestamp"`
	Edge              *model.Edge `json:"edge"`
}

// GetEdgeHistory returns the edge's state in every snapshot that contains
// it, newest first. Limit caps the result when positive.
func (s *Store) GetEdgeHistory(ctx context.Context, edgeID string, limit int) ([]EdgeHistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []EdgeHistoryEntry
	for i := len(s.order) - 1; i >= 0; i-- {
		snap := s.order[i]
		h, ok := s.edgeSets[snap.ID][edgeID]
		if !ok {
			continue
		}
		out = append(out, EdgeHistoryEntry{
			SnapshotID:        snap.ID,
			SnapshotTimestamp: snap.CreatedAt,
			Edge:              s.edgeRevs[h].Clone(),
		})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// PruneOptions bound the snapshot series. Zero values disable a bound.
type PruneOptions struct {
	// MaxSnapshots keeps at most this many snapshots, dropping oldest.
	MaxSnapshots int
	// MaxAge drops snapshots older than now minus this duration.
	MaxAge time.Duration
	// Protect lists snapshot ids retention must never drop.
	Protect []string
}

// Prune applies retention, oldest first, and returns how many snapshots
// were dropped. Revisions are garbage-collected when their last referencing
// snapshot goes.
func (s *Store) Prune(ctx context.Context, opts PruneOptions) (int, error) {
	pruned := 0
	err := s.exclusive(ctx, func(ctx context.Context) error {
		protected := make(map[string]bool, len(opts.Protect))
		for _, id := range opts.Protect {
			protected[id] = true
		}
		var cut time.Time
		if opts.MaxAge > 0 {
			cut = s.now().UTC().Add(-opts.MaxAge)
		}

		s.mu.RLock()
		order := append([]*model.Snapshot(nil), s.order...)
		s.mu.RUnlock()

		remaining := len(order)
		for _, snap := range order {
			if protected[snap.ID] {
				continue
			}
			tooOld := opts.MaxAge > 0 && snap.CreatedAt.Before(cut)
			overCount := opts.MaxSnapshots > 0 && remaining > opts.MaxSnapshots
			if !tooOld && !overCount {
				break
			}
			if s.archive != nil {
				if derr := backoff.Do(ctx, func() error {
					return s.archive.Delete(ctx, archiveKey(snap.ID))
				}); derr != nil {
					return derr
				}
			}
			s.drop(snap.ID)
			remaining--
			pruned++
		}
		return nil
	})
	if pruned > 0 {
		slog.Info("Snapshots pruned", "count", pruned)
	}
	return pruned, err
}

func (s *Store) drop(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.nodeSets[id] {
		s.nodeRefs[h]--
		if s.nodeRefs[h] <= 0 {
			delete(s.nodeRefs, h)
			delete(s.nodeRevs, h)
		}
	}
	for _, h := range s.edgeSets[id] {
		s.edgeRefs[h]--
		if s.edgeRefs[h] <= 0 {
			delete(s.edgeRefs, h)
			delete(s.edgeRevs, h)
		}
	}
	delete(s.nodeSets, id)
	delete(s.edgeSets, id)
	delete(s.byID, id)
	for i, snap := range s.order {
		if snap.ID == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Rehydrate loads archived snapshots back into the index. Snapshots
// already indexed are skipped, so repeated calls are safe. Corrupt blobs
// are skipped with a warning; a missing archive is a no-op.
func (s *Store) Rehydrate(ctx context.Context) error {
	if s.archive == nil {
		return nil
	}
	keys, err := s.archive.List(ctx, "snapshots/")
	if err != nil {
		return err
	}
	var docs []archiveDoc
	for _, key := range keys {
		var data []byte
		if gerr := backoff.Do(ctx, func() error {
			var e error
			data, e = s.archive.Get(ctx, key)
			return e
		}); gerr != nil {
			return gerr
		}
		var doc archiveDoc
		if uerr := json.Unmarshal(data, &doc); uerr != nil || doc.Snapshot == nil {
			slog.Warn("Skipping corrupt snapshot archive", "key", key, "error", uerr)
			continue
		}
		s.mu.RLock()
		_, known := s.byID[doc.Snapshot.ID]
		s.mu.RUnlock()
		if known {
			continue
		}
		docs = append(docs, doc)
	}
	sort.Slice(docs, func(i, j int) bool {
		return docs[i].Snapshot.CreatedAt.Before(docs[j].Snapshot.CreatedAt)
	})
	for _, doc := range docs {
		s.register(doc.Snapshot, doc.Nodes, doc.Edges)
	}
	if len(docs) > 0 {
		slog.Info("Snapshot archive rehydrated", "snapshots", len(docs))
	}
	return nil
}
