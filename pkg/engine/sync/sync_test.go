package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stratoform/cartograph/pkg/engine/source"
	"github.com/stratoform/cartograph/pkg/model"
	"github.com/stratoform/cartograph/pkg/store"
)

// scriptedSource returns whatever batch its script produces for the current
// call. Tests mutate the script between cycles to simulate drift.
type scriptedSource struct {
	name     string
	provider string
	scope    source.Scope
	script   func() *source.Batch
	err      error
}

func (s *scriptedSource) Name() string        { return s.name }
func (s *scriptedSource) Provider() string    { return s.provider }
func (s *scriptedSource) Scope() source.Scope { return s.scope }

func (s *scriptedSource) Discover(ctx context.Context) (*source.Batch, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.script(), nil
}

func (s *scriptedSource) HealthCheck(ctx context.Context) error { return nil }

func testNode(account, region, rtype, nativeID, name string) *model.Node {
	return &model.Node{
		Provider:     "aws",
		Account:      account,
		Region:       region,
		ResourceType: rtype,
		NativeID:     nativeID,
		Name:         name,
		Status:       model.StatusRunning,
	}
}

func testEdge(src, dst *model.Node, t model.RelationType) *model.Edge {
	return &model.Edge{
		SourceID:      src.Identity(),
		TargetID:      dst.Identity(),
		Type:          t,
		Confidence:    1.0,
		DiscoveredVia: model.ProvenanceAPIField,
	}
}

func newTestEngine(t *testing.T, st store.Store, srcs ...source.Source) *Engine {
	t.Helper()
	reg := source.NewRegistry()
	for _, s := range srcs {
		reg.Register(s)
	}
	e := New(st, reg)
	t.Cleanup(e.Close)
	return e
}

func changesOfType(t *testing.T, st store.Store, ct model.ChangeType) []model.Change {
	t.Helper()
	out, err := st.QueryChanges(context.Background(), store.ChangeFilter{Types: []model.ChangeType{ct}})
	if err != nil {
		t.Fatalf("QueryChanges failed: %v", err)
	}
	return out
}

func TestSync_FirstCycleCreatesEverything(t *testing.T) {
	vpc := testNode("111", "us-east-1", "vpc", "vpc-1", "main")
	subnet := testNode("111", "us-east-1", "subnet", "subnet-1", "private-a")
	instance := testNode("111", "us-east-1", "instance", "i-1", "web-1")
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	src := &scriptedSource{
		name:     "aws-primary",
		provider: "aws",
		script: func() *source.Batch {
			return &source.Batch{
				DiscoveredAt: at,
				Nodes:        []*model.Node{vpc, subnet, instance},
				Edges: []*model.Edge{
					testEdge(subnet, vpc, model.RelationContains),
					testEdge(instance, subnet, model.RelationDependsOn),
				},
			}
		},
	}
	st := store.NewMemory()
	e := newTestEngine(t, st, src)

	res, err := e.Sync(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	totals := res.Totals()
	if totals.Created != 3 || totals.EdgeCreated != 2 {
		t.Errorf("Expected 3 created and 2 edges, got %d and %d", totals.Created, totals.EdgeCreated)
	}
	all, err := st.QueryChanges(context.Background(), store.ChangeFilter{})
	if err != nil {
		t.Fatalf("QueryChanges failed: %v", err)
	}
	if len(all) != 5 {
		t.Errorf("Expected 5 change records, got %d", len(all))
	}

	// A second identical cycle must be a no-op: same content, no version
	// bumps, no change records.
	src.script = func() *source.Batch {
		return &source.Batch{
			DiscoveredAt: at.Add(time.Minute),
			Nodes:        []*model.Node{vpc, subnet, instance},
			Edges: []*model.Edge{
				testEdge(subnet, vpc, model.RelationContains),
				testEdge(instance, subnet, model.RelationDependsOn),
			},
		}
	}
	res, err = e.Sync(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Second sync failed: %v", err)
	}
	totals = res.Totals()
	if totals.Created != 0 || totals.Updated != 0 || totals.Disappeared != 0 {
		t.Errorf("Expected idempotent cycle, got created=%d updated=%d disappeared=%d",
			totals.Created, totals.Updated, totals.Disappeared)
	}
	all, _ = st.QueryChanges(context.Background(), store.ChangeFilter{})
	if len(all) != 5 {
		t.Errorf("Expected change log untouched at 5 records, got %d", len(all))
	}

	n, err := st.GetNode(context.Background(), instance.Identity())
	if err != nil {
		t.Fatalf("GetNode failed: %v", err)
	}
	if n.Version != 1 {
		t.Errorf("Expected version 1 after re-confirmation, got %d", n.Version)
	}
	if !n.LastSeenAt.Equal(at.Add(time.Minute)) {
		t.Errorf("Expected lastSeenAt advanced to %v, got %v", at.Add(time.Minute), n.LastSeenAt)
	}
}

func TestSync_FieldDriftEmitsOneChangePerField(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	base := testNode("111", "us-east-1", "instance", "i-1", "web-1")
	base.Metadata = map[string]any{"instanceType": "t3.micro"}

	current := base
	src := &scriptedSource{
		name:     "aws-primary",
		provider: "aws",
		script: func() *source.Batch {
			return &source.Batch{DiscoveredAt: at, Nodes: []*model.Node{current}}
		},
	}
	st := store.NewMemory()
	e := newTestEngine(t, st, src)

	if _, err := e.Sync(context.Background(), Options{}); err != nil {
		t.Fatalf("Initial sync failed: %v", err)
	}

	changed := base.Clone()
	changed.Metadata["instanceType"] = "t3.large"
	current = changed
	at = at.Add(time.Hour)

	res, err := e.Sync(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Drift sync failed: %v", err)
	}
	if res.Totals().Updated != 1 {
		t.Errorf("Expected 1 updated node, got %d", res.Totals().Updated)
	}

	drifts := changesOfType(t, st, model.ChangeNodeDrifted)
	if len(drifts) != 1 {
		t.Fatalf("Expected 1 node-drifted record, got %d", len(drifts))
	}
	d := drifts[0]
	if d.Field != "metadata.instanceType" || d.Previous != "t3.micro" || d.New != "t3.large" {
		t.Errorf("Unexpected drift record: field=%q previous=%v new=%v", d.Field, d.Previous, d.New)
	}

	n, _ := st.GetNode(context.Background(), base.Identity())
	if n.Version != 2 {
		t.Errorf("Expected version 2 after one field change, got %d", n.Version)
	}
}

func TestSync_DisappearanceAndReappearance(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	node := testNode("111", "us-east-1", "instance", "i-1", "web-1")

	var batch *source.Batch
	src := &scriptedSource{
		name:     "aws-primary",
		provider: "aws",
		script:   func() *source.Batch { return batch },
	}
	st := store.NewMemory()
	e := newTestEngine(t, st, src)

	batch = &source.Batch{DiscoveredAt: at, Nodes: []*model.Node{node}}
	if _, err := e.Sync(context.Background(), Options{}); err != nil {
		t.Fatalf("Initial sync failed: %v", err)
	}
	firstDiscovered, _ := st.GetNode(context.Background(), node.Identity())

	// The node vanishes from discovery. Grace period zero means the very
	// next cycle terminates it.
	batch = &source.Batch{DiscoveredAt: at.Add(time.Hour)}
	res, err := e.Sync(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Disappearance sync failed: %v", err)
	}
	if res.Totals().Disappeared != 1 {
		t.Errorf("Expected 1 disappeared node, got %d", res.Totals().Disappeared)
	}
	n, _ := st.GetNode(context.Background(), node.Identity())
	if n.Status != model.StatusTerminated {
		t.Errorf("Expected terminated status, got %q", n.Status)
	}
	gone := changesOfType(t, st, model.ChangeNodeDisappeared)
	if len(gone) != 1 || gone[0].Field != "status" || gone[0].New != "terminated" {
		t.Errorf("Unexpected node-disappeared records: %+v", gone)
	}

	// It comes back: reappearance, not creation, and a fresh lifecycle
	// (discoveredAt resets).
	batch = &source.Batch{DiscoveredAt: at.Add(2 * time.Hour), Nodes: []*model.Node{node}}
	res, err = e.Sync(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Reappearance sync failed: %v", err)
	}
	if res.Totals().Created != 0 || res.Totals().Updated != 1 {
		t.Errorf("Expected reappearance as update, got created=%d updated=%d",
			res.Totals().Created, res.Totals().Updated)
	}
	back := changesOfType(t, st, model.ChangeNodeReappeared)
	if len(back) != 1 {
		t.Fatalf("Expected 1 node-reappeared record, got %d", len(back))
	}
	n, _ = st.GetNode(context.Background(), node.Identity())
	if n.Status != model.StatusRunning {
		t.Errorf("Expected running after reappearance, got %q", n.Status)
	}
	if !n.DiscoveredAt.After(firstDiscovered.DiscoveredAt) {
		t.Errorf("Expected discoveredAt reset on reappearance, got %v (was %v)",
			n.DiscoveredAt, firstDiscovered.DiscoveredAt)
	}
}

func TestSync_GracePeriodDefersDisappearance(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	node := testNode("111", "us-east-1", "instance", "i-1", "web-1")

	var batch *source.Batch
	src := &scriptedSource{
		name:     "aws-primary",
		provider: "aws",
		script:   func() *source.Batch { return batch },
	}
	st := store.NewMemory()
	e := newTestEngine(t, st, src)
	opts := Options{DisappearanceGracePeriod: 30 * time.Minute}

	batch = &source.Batch{DiscoveredAt: at, Nodes: []*model.Node{node}}
	if _, err := e.Sync(context.Background(), opts); err != nil {
		t.Fatalf("Initial sync failed: %v", err)
	}

	// Ten minutes later the node is missing, but still inside the grace
	// period: no termination.
	batch = &source.Batch{DiscoveredAt: at.Add(10 * time.Minute)}
	res, _ := e.Sync(context.Background(), opts)
	if res.Totals().Disappeared != 0 {
		t.Errorf("Expected grace period to hold, got %d disappeared", res.Totals().Disappeared)
	}

	// Past the grace period it goes.
	batch = &source.Batch{DiscoveredAt: at.Add(45 * time.Minute)}
	res, _ = e.Sync(context.Background(), opts)
	if res.Totals().Disappeared != 1 {
		t.Errorf("Expected disappearance after grace period, got %d", res.Totals().Disappeared)
	}
}

func TestSync_OwnershipScopesDisappearance(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	east := testNode("111", "us-east-1", "instance", "i-east", "east")
	west := testNode("111", "us-west-2", "instance", "i-west", "west")

	eastBatch := &source.Batch{DiscoveredAt: at, Nodes: []*model.Node{east}}
	westBatch := &source.Batch{DiscoveredAt: at, Nodes: []*model.Node{west}}

	eastSrc := &scriptedSource{
		name:     "aws-east",
		provider: "aws",
		scope:    source.Scope{Regions: []string{"us-east-1"}},
		script:   func() *source.Batch { return eastBatch },
	}
	westSrc := &scriptedSource{
		name:     "aws-west",
		provider: "aws",
		scope:    source.Scope{Regions: []string{"us-west-2"}},
		script:   func() *source.Batch { return westBatch },
	}
	st := store.NewMemory()
	e := newTestEngine(t, st, eastSrc, westSrc)

	if _, err := e.Sync(context.Background(), Options{}); err != nil {
		t.Fatalf("Initial sync failed: %v", err)
	}

	// The east source reports nothing; the west node is outside its scope
	// and must survive.
	eastBatch = &source.Batch{DiscoveredAt: at.Add(time.Hour)}
	westBatch = &source.Batch{DiscoveredAt: at.Add(time.Hour), Nodes: []*model.Node{west}}
	res, err := e.Sync(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Second sync failed: %v", err)
	}
	if res.Totals().Disappeared != 1 {
		t.Errorf("Expected exactly the east node to disappear, got %d", res.Totals().Disappeared)
	}
	w, _ := st.GetNode(context.Background(), west.Identity())
	if w.Status == model.StatusTerminated {
		t.Error("Expected out-of-scope node untouched by the east source's plan")
	}
	eastNode, _ := st.GetNode(context.Background(), east.Identity())
	if eastNode.Status != model.StatusTerminated {
		t.Errorf("Expected east node terminated, got %q", eastNode.Status)
	}
}

func TestSync_SourceFailureIsolated(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	ok := testNode("111", "us-east-1", "instance", "i-1", "web-1")

	good := &scriptedSource{
		name:     "aws-good",
		provider: "aws",
		script: func() *source.Batch {
			return &source.Batch{DiscoveredAt: at, Nodes: []*model.Node{ok}}
		},
	}
	bad := &scriptedSource{
		name:     "gcp-bad",
		provider: "gcp",
		err:      model.NewError(model.KindTransient, "rate-limited", "quota exceeded"),
	}
	st := store.NewMemory()
	e := newTestEngine(t, st, good, bad)

	res, err := e.Sync(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if res.Totals().Created != 1 {
		t.Errorf("Expected healthy source applied, got %d created", res.Totals().Created)
	}
	var failed *SourceResult
	for i := range res.Sources {
		if res.Sources[i].SourceID == "gcp-bad" {
			failed = &res.Sources[i]
		}
	}
	if failed == nil || len(failed.Errors) == 0 {
		t.Fatalf("Expected the failed source to carry its error, got %+v", res.Sources)
	}
	if failed.Errors[0].Code != "rate-limited" {
		t.Errorf("Expected rate-limited error code, got %q", failed.Errors[0].Code)
	}
}

func TestSync_CancelledBeforeHandoffSkipsPlans(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	node := testNode("111", "us-east-1", "instance", "i-1", "web-1")

	ctx, cancel := context.WithCancel(context.Background())
	src := &scriptedSource{
		name:     "aws-primary",
		provider: "aws",
		script: func() *source.Batch {
			// Cancel during discovery: the batch is still returned, but the
			// cycle must not hand its plan to the writer afterwards.
			cancel()
			return &source.Batch{DiscoveredAt: at, Nodes: []*model.Node{node}}
		},
	}
	st := store.NewMemory()
	e := newTestEngine(t, st, src)

	res, err := e.Sync(ctx, Options{})
	if err != nil {
		t.Fatalf("Sync returned error on cancellation: %v", err)
	}
	if !res.Cancelled {
		t.Error("Expected result flagged cancelled")
	}
	if res.Totals().Created != 0 {
		t.Errorf("Expected no plan applied after cancellation, got %d created", res.Totals().Created)
	}
	if _, err := st.GetNode(context.Background(), node.Identity()); !model.IsNotFound(err) {
		t.Errorf("Expected node absent from store, got err=%v", err)
	}
}

func TestSync_DeterministicOrderAcrossSources(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	first := testNode("111", "us-east-1", "vpc", "vpc-1", "first")
	second := testNode("111", "us-east-1", "vpc", "vpc-2", "second")

	early := &scriptedSource{
		name:     "z-early",
		provider: "aws",
		script: func() *source.Batch {
			return &source.Batch{DiscoveredAt: base, Nodes: []*model.Node{first}}
		},
	}
	late := &scriptedSource{
		name:     "a-late",
		provider: "aws",
		script: func() *source.Batch {
			return &source.Batch{DiscoveredAt: base.Add(time.Minute), Nodes: []*model.Node{second}}
		},
	}
	st := store.NewMemory()
	e := newTestEngine(t, st, late, early)

	if _, err := e.Sync(context.Background(), Options{}); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	all, _ := st.QueryChanges(context.Background(), store.ChangeFilter{})
	if len(all) != 2 {
		t.Fatalf("Expected 2 change records, got %d", len(all))
	}
	// Earlier source timestamp applies first regardless of registration or
	// completion order, and detection timestamps are strictly increasing.
	if all[0].TargetID != first.Identity() || all[1].TargetID != second.Identity() {
		t.Errorf("Expected timestamp-ordered application, got %q then %q", all[0].TargetID, all[1].TargetID)
	}
	if !all[0].DetectedAt.Before(all[1].DetectedAt) {
		t.Errorf("Expected strictly increasing detection timestamps, got %v then %v",
			all[0].DetectedAt, all[1].DetectedAt)
	}
}

func TestSync_EdgeRemovedWhenBothEndpointsOwned(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	a := testNode("111", "us-east-1", "instance", "i-a", "a")
	b := testNode("111", "us-east-1", "instance", "i-b", "b")

	var batch *source.Batch
	src := &scriptedSource{
		name:     "aws-primary",
		provider: "aws",
		script:   func() *source.Batch { return batch },
	}
	st := store.NewMemory()
	e := newTestEngine(t, st, src)

	batch = &source.Batch{
		DiscoveredAt: at,
		Nodes:        []*model.Node{a, b},
		Edges:        []*model.Edge{testEdge(a, b, model.RelationRoutesTo)},
	}
	if _, err := e.Sync(context.Background(), Options{}); err != nil {
		t.Fatalf("Initial sync failed: %v", err)
	}

	// Both nodes still present, edge gone from discovery: the edge is
	// removed and its removal recorded.
	batch = &source.Batch{DiscoveredAt: at.Add(time.Hour), Nodes: []*model.Node{a, b}}
	res, err := e.Sync(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Second sync failed: %v", err)
	}
	if res.Totals().EdgeRemoved != 1 {
		t.Errorf("Expected 1 edge removed, got %d", res.Totals().EdgeRemoved)
	}
	edges, _ := st.QueryEdges(context.Background(), store.EdgeFilter{})
	if len(edges) != 0 {
		t.Errorf("Expected no edges left, got %d", len(edges))
	}
	removed := changesOfType(t, st, model.ChangeEdgeRemoved)
	if len(removed) != 1 {
		t.Errorf("Expected 1 edge-removed record, got %d", len(removed))
	}
}

func TestExclusive_SerializesWithPlans(t *testing.T) {
	st := store.NewMemory()
	e := newTestEngine(t, st)

	ran := false
	err := e.Exclusive(context.Background(), func(ctx context.Context) error {
		ran = true
		return nil
	})
	if err != nil {
		t.Fatalf("Exclusive failed: %v", err)
	}
	if !ran {
		t.Error("Expected exclusive function to run")
	}

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	err = e.Exclusive(cancelled, func(ctx context.Context) error { return nil })
	if err == nil {
		// A cancelled context may still win the race to submit; both
		// outcomes are acceptable, but an error must classify as cancelled.
		return
	}
	if !model.IsKind(err, model.KindCancelled) {
		t.Errorf("Expected cancelled classification, got %v", err)
	}
}
