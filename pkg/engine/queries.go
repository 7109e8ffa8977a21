package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"time"

	"github.com/samber/lo"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/stratoform/cartograph/pkg/engine/anomaly"
	"github.com/stratoform/cartograph/pkg/engine/drift"
	"github.com/stratoform/cartograph/pkg/engine/policy"
	gsync "github.com/stratoform/cartograph/pkg/engine/sync"
	"github.com/stratoform/cartograph/pkg/engine/temporal"
	"github.com/stratoform/cartograph/pkg/model"
	"github.com/stratoform/cartograph/pkg/store"
)

// DefaultSyncOptions derives cycle options from the configuration.
func (e *Engine) DefaultSyncOptions() gsync.Options {
	return gsync.Options{
		Providers:                e.cfg.Sync.Providers,
		DisappearanceGracePeriod: e.cfg.Sync.GracePeriod,
		MaxConcurrentSources:     e.cfg.Sync.MaxConcurrentSources,
		PerSourceTimeout:         e.cfg.Sync.PerSourceTimeout,
	}
}

// Sync runs one reconciliation cycle against the registered sources.
func (e *Engine) Sync(ctx context.Context, opts gsync.Options) (res *gsync.Result, err error) {
	defer e.recoverPanic(ctx, &err)
	return e.Syncer.Sync(ctx, opts)
}

// SyncAndSnapshot runs a cycle, promotes the result to a snapshot and
// applies the configured retention.
func (e *Engine) SyncAndSnapshot(ctx context.Context, opts gsync.Options) (res *gsync.Result, snap *model.Snapshot, err error) {
	defer e.recoverPanic(ctx, &err)
	return e.Temporal.SyncWithSnapshot(ctx, e.Syncer, opts, e.retention())
}

func (e *Engine) retention() *temporal.PruneOptions {
	r := e.cfg.Retention
	if r.MaxSnapshots <= 0 && r.MaxAge <= 0 {
		return nil
	}
	return &temporal.PruneOptions{MaxSnapshots: r.MaxSnapshots, MaxAge: r.MaxAge}
}

// CreateSnapshot captures the current graph.
func (e *Engine) CreateSnapshot(ctx context.Context, trigger model.Trigger, label, providerScope string) (*model.Snapshot, error) {
	return e.Temporal.CreateSnapshot(ctx, trigger, label, providerScope)
}

// GetSnapshot returns one snapshot record.
func (e *Engine) GetSnapshot(ctx context.Context, id string) (*model.Snapshot, error) {
	return e.Temporal.GetSnapshot(ctx, id)
}

// ListSnapshots returns matching snapshots newest first.
func (e *Engine) ListSnapshots(ctx context.Context, f temporal.SnapshotFilter) ([]*model.Snapshot, error) {
	return e.Temporal.ListSnapshots(ctx, f)
}

// GetSnapshotAt returns the snapshot covering the given instant, or nil.
func (e *Engine) GetSnapshotAt(ctx context.Context, ts time.Time) (*model.Snapshot, error) {
	return e.Temporal.GetSnapshotAt(ctx, ts)
}

// DiffSnapshots compares two snapshots by id.
func (e *Engine) DiffSnapshots(ctx context.Context, aID, bID string) (*temporal.Diff, error) {
	return e.Temporal.DiffSnapshots(ctx, aID, bID)
}

// GetNodeHistory returns a node's state across snapshots, newest first.
func (e *Engine) GetNodeHistory(ctx context.Context, nodeID string, limit int) ([]temporal.HistoryEntry, error) {
	return e.Temporal.GetNodeHistory(ctx, nodeID, limit)
}

// GetEdgeHistory returns an edge's state across snapshots, newest first.
func (e *Engine) GetEdgeHistory(ctx context.Context, edgeID string, limit int) ([]temporal.EdgeHistoryEntry, error) {
	return e.Temporal.GetEdgeHistory(ctx, edgeID, limit)
}

// PruneSnapshots applies the configured retention immediately.
func (e *Engine) PruneSnapshots(ctx context.Context) (int, error) {
	ret := e.retention()
	if ret == nil {
		return 0, nil
	}
	return e.Temporal.Prune(ctx, *ret)
}

// Topology is a filtered slice of the live graph: the matching nodes plus
// every edge with both endpoints in the match.
type Topology struct {
	Nodes       []*model.Node `json:"nodes"`
	Edges       []*model.Edge `json:"edges"`
	GeneratedAt time.Time     `json:"generatedAt"`
}

// GetTopology queries the live graph.
func (e *Engine) GetTopology(ctx context.Context, f store.NodeFilter) (*Topology, error) {
	ctx, span := e.Tracer.Start(ctx, "engine.GetTopology")
	defer span.End()

	if f.OrderBy == "" {
		f.OrderBy = "id"
	}
	nodes, err := e.Graph.QueryNodes(ctx, f)
	if err != nil {
		return nil, err
	}
	edges, err := e.Graph.QueryEdges(ctx, store.EdgeFilter{})
	if err != nil {
		return nil, err
	}

	byID := lo.KeyBy(nodes, func(n *model.Node) string { return n.ID })
	kept := lo.Filter(edges, func(ed *model.Edge, _ int) bool {
		_, hasSrc := byID[ed.SourceID]
		_, hasDst := byID[ed.TargetID]
		return hasSrc && hasDst
	})
	sort.Slice(kept, func(i, j int) bool { return kept[i].ID < kept[j].ID })

	span.SetAttributes(
		attribute.Int("topology.nodes", len(nodes)),
		attribute.Int("topology.edges", len(kept)),
	)
	return &Topology{Nodes: nodes, Edges: kept, GeneratedAt: e.now().UTC()}, nil
}

// GetNode returns one live node.
func (e *Engine) GetNode(ctx context.Context, id string) (*model.Node, error) {
	return e.Graph.GetNode(ctx, id)
}

// GetNeighbors runs a bounded traversal from a node.
func (e *Engine) GetNeighbors(ctx context.Context, nodeID string, depth int, dir store.Direction) (*store.Neighborhood, error) {
	return e.Graph.GetNeighbors(ctx, nodeID, depth, dir)
}

// QueryChanges reads the change feed.
func (e *Engine) QueryChanges(ctx context.Context, f store.ChangeFilter) ([]model.Change, error) {
	return e.Graph.QueryChanges(ctx, f)
}

// DetectDrift re-discovers live state and compares it to the graph.
func (e *Engine) DetectDrift(ctx context.Context, providerScope string) (*drift.Report, error) {
	return e.Drift.Detect(ctx, providerScope)
}

// DetectAnomalies analyzes the snapshot series. Zero config fields fall
// back to the configured thresholds.
func (e *Engine) DetectAnomalies(ctx context.Context, cfg anomaly.Config) (*anomaly.Report, error) {
	if cfg.ZScoreThreshold <= 0 {
		cfg.ZScoreThreshold = e.cfg.Anomaly.ZScoreThreshold
	}
	if cfg.MinSnapshots <= 0 {
		cfg.MinSnapshots = e.cfg.Anomaly.MinSnapshots
	}
	if cfg.RollingWindow <= 0 {
		cfg.RollingWindow = e.cfg.Anomaly.RollingWindow
	}
	if cfg.Detect == (anomaly.Detect{}) {
		cfg.Detect = anomaly.DefaultConfig().Detect
	}
	return e.Anomaly.Detect(ctx, cfg)
}

// Evaluation is a dry-run verdict: the risk assessment and policy result a
// request would receive if submitted now. Nothing is persisted.
type Evaluation struct {
	Request *model.ChangeRequest  `json:"request"`
	Risk    *model.RiskAssessment `json:"risk"`
	Policy  policy.Result         `json:"policy"`
	Allowed bool                  `json:"allowed"`
}

// EvaluateChange scores and policy-checks a request without submitting it.
func (e *Engine) EvaluateChange(ctx context.Context, req *model.ChangeRequest) (*Evaluation, error) {
	ctx, span := e.Tracer.Start(ctx, "engine.EvaluateChange", trace.WithAttributes(
		attribute.String("request.action", req.Action),
		attribute.String("request.environment", string(req.Environment)),
	))
	defer span.End()

	c := req.Clone()
	at := c.CreatedAt
	if at.IsZero() {
		at = e.now().UTC()
	}
	c.Risk = e.Risk.Assess(c, at)
	res := e.Policy.Evaluate(ctx, c.Document())

	span.SetAttributes(
		attribute.Float64("risk.score", c.Risk.Score),
		attribute.Int("policy.violations", len(res.Violations)),
	)
	return &Evaluation{
		Request: c,
		Risk:    c.Risk,
		Policy:  res,
		Allowed: !res.Denied(),
	}, nil
}

// SubmitChange runs the governance gate end to end.
func (e *Engine) SubmitChange(ctx context.Context, req *model.ChangeRequest) (*model.ChangeRequest, error) {
	return e.Governor.Submit(ctx, req)
}

// SubmitApproval records one approver's decision.
func (e *Engine) SubmitApproval(ctx context.Context, requestID, approver string, approve bool, comment string) (*model.ChangeRequest, error) {
	return e.Governor.SubmitApproval(ctx, requestID, approver, approve, comment)
}

// ExecuteChange runs an approved request through the applier.
func (e *Engine) ExecuteChange(ctx context.Context, requestID string) (*model.ChangeRequest, error) {
	return e.Governor.Execute(ctx, requestID)
}

// CancelChange withdraws a pending request.
func (e *Engine) CancelChange(ctx context.Context, requestID, actor, reason string) (*model.ChangeRequest, error) {
	return e.Governor.Cancel(ctx, requestID, actor, reason)
}

// GetChangeRequest returns one request with its full audit trail.
func (e *Engine) GetChangeRequest(ctx context.Context, requestID string) (*model.ChangeRequest, error) {
	return e.Governor.Get(ctx, requestID)
}

// ListChangeRequests returns matching requests oldest first.
func (e *Engine) ListChangeRequests(ctx context.Context, f store.RequestFilter) ([]*model.ChangeRequest, error) {
	return e.Governor.List(ctx, f)
}

// SweepExpiredApprovals times out overdue approval steps.
func (e *Engine) SweepExpiredApprovals(ctx context.Context) ([]string, error) {
	return e.Governor.SweepExpired(ctx)
}

// Hydrate restores snapshot history from the archive and, when the live
// graph is empty, seeds it from the newest snapshot so analysis works
// across process restarts. Without an archive it is a no-op.
func (e *Engine) Hydrate(ctx context.Context) error {
	if e.archive == nil {
		return nil
	}
	if err := e.Temporal.Rehydrate(ctx); err != nil {
		return err
	}

	live, err := e.Graph.QueryNodes(ctx, store.NodeFilter{})
	if err != nil {
		return err
	}
	if len(live) > 0 {
		return nil
	}
	latest, err := e.Temporal.ListSnapshots(ctx, temporal.SnapshotFilter{Limit: 1})
	if err != nil || len(latest) == 0 {
		return err
	}
	snap := latest[0]
	nodes, err := e.Temporal.GetNodesAtSnapshot(ctx, snap.ID, store.NodeFilter{})
	if err != nil {
		return err
	}
	edges, err := e.Temporal.GetEdgesAtSnapshot(ctx, snap.ID)
	if err != nil {
		return err
	}

	err = e.Syncer.Exclusive(ctx, func(ctx context.Context) error {
		if _, uerr := e.Graph.UpsertNodes(ctx, nodes, snap.CreatedAt); uerr != nil {
			return uerr
		}
		_, uerr := e.Graph.UpsertEdges(ctx, edges, snap.CreatedAt)
		return uerr
	})
	if err != nil {
		return err
	}
	e.Logger.Info("Graph seeded from snapshot",
		"snapshot", snap.ID,
		"nodes", len(nodes),
		"edges", len(edges),
	)
	return nil
}

// recoverPanic converts a panic escaping a public operation into a
// Permanent error and records it on a crash span.
func (e *Engine) recoverPanic(ctx context.Context, errp *error) {
	r := recover()
	if r == nil {
		return
	}
	stack := debug.Stack()

	_, span := e.Tracer.Start(ctx, "engine.Panic")
	span.RecordError(fmt.Errorf("%v", r), trace.WithStackTrace(true))
	span.SetStatus(codes.Error, "panic in engine operation")
	span.SetAttributes(attribute.String("crash.stack", string(stack)))
	span.End()

	e.Logger.Error("Engine operation panicked", "error", r, "stack", string(stack))
	*errp = model.NewError(model.KindPermanent, "engine-panic", "engine operation panicked: %v", r)
}
