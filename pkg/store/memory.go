package store

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/stratoform/cartograph/pkg/model"
)

const neighborCacheSize = 512

// Memory is the in-memory Store. One RWMutex serializes mutation; reads
// copy on the way out so callers never alias writer-owned state. Traversals
// are memoized in an LRU that is purged wholesale on any mutation.
type Memory struct {
	mu sync.RWMutex

	nodes map[string]*model.Node
	edges map[string]*model.Edge
	out   map[string][]string
	in    map[string][]string

	changes      []model.Change
	lastChangeAt time.Time

	requests map[string]*model.ChangeRequest

	neighbors *lru.Cache[string, *Neighborhood]
}

// NewMemory builds an empty store.
func NewMemory() *Memory {
	cache, _ := lru.New[string, *Neighborhood](neighborCacheSize)
	return &Memory{
		nodes:     make(map[string]*model.Node),
		edges:     make(map[string]*model.Edge),
		out:       make(map[string][]string),
		in:        make(map[string][]string),
		requests:  make(map[string]*model.ChangeRequest),
		neighbors: cache,
	}
}

func cancelErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return model.WrapError(model.KindCancelled, "ctx-done", err, "operation cancelled")
	}
	return nil
}

// UpsertNodes applies insert-or-merge per node. A failed node rejects alone;
// the batch continues.
func (m *Memory) UpsertNodes(ctx context.Context, nodes []*model.Node, observedAt time.Time) ([]NodeUpsert, error) {
	if err := cancelErr(ctx); err != nil {
		return nil, err
	}
	if observedAt.IsZero() {
		observedAt = time.Now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	results := make([]NodeUpsert, 0, len(nodes))
	mutated := false
	for _, n := range nodes {
		res := m.upsertNodeLocked(n, observedAt)
		if res.Outcome == OutcomeCreated || res.Outcome == OutcomeUpdated {
			mutated = true
		}
		results = append(results, res)
	}
	if mutated {
		m.neighbors.Purge()
	}
	return results, nil
}

func (m *Memory) upsertNodeLocked(n *model.Node, observedAt time.Time) NodeUpsert {
	if err := n.Validate(); err != nil {
		return NodeUpsert{ID: n.ID, Err: err}
	}
	incoming := n.Clone()
	if incoming.NativeID != "" {
		incoming.ID = incoming.Identity()
	}
	if incoming.ID == "" {
		return NodeUpsert{Err: model.NewError(model.KindInvalidInput, "node-id", "node has neither identity tuple nor id")}
	}

	existing, ok := m.nodes[incoming.ID]
	if !ok {
		if incoming.Status == "" {
			incoming.Status = model.StatusUnknown
		}
		incoming.DiscoveredAt = observedAt
		incoming.UpdatedAt = observedAt
		incoming.LastSeenAt = observedAt
		incoming.Version = 1
		m.nodes[incoming.ID] = incoming
		return NodeUpsert{ID: incoming.ID, Outcome: OutcomeCreated}
	}

	if incoming.Status == "" {
		incoming.Status = existing.Status
	}
	merged := model.MergeNode(existing, incoming)
	changed := model.DiffNodes(existing, merged)

	// Re-confirmation updates lastSeenAt whether or not anything changed.
	if observedAt.After(existing.LastSeenAt) {
		merged.LastSeenAt = observedAt
	} else {
		merged.LastSeenAt = existing.LastSeenAt
	}

	if len(changed) == 0 {
		m.nodes[merged.ID] = merged
		return NodeUpsert{ID: merged.ID, Outcome: OutcomeUnchanged}
	}

	merged.Version = existing.Version + 1
	if observedAt.After(existing.UpdatedAt) {
		merged.UpdatedAt = observedAt
	}
	if merged.LastSeenAt.Before(merged.UpdatedAt) {
		merged.LastSeenAt = merged.UpdatedAt
	}
	// A terminated resource observed alive again starts a fresh lifecycle.
	if existing.Status == model.StatusTerminated && merged.Status != model.StatusTerminated {
		merged.DiscoveredAt = observedAt
	}
	m.nodes[merged.ID] = merged
	return NodeUpsert{ID: merged.ID, Outcome: OutcomeUpdated, Changed: changed}
}

// UpsertEdges applies insert-or-merge per edge. Edges whose endpoints are
// not present are rejected with a missing-endpoint error; the rest proceed.
func (m *Memory) UpsertEdges(ctx context.Context, edges []*model.Edge, observedAt time.Time) ([]EdgeUpsert, error) {
	if err := cancelErr(ctx); err != nil {
		return nil, err
	}
	if observedAt.IsZero() {
		observedAt = time.Now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	results := make([]EdgeUpsert, 0, len(edges))
	mutated := false
	for _, e := range edges {
		res := m.upsertEdgeLocked(e, observedAt)
		if res.Outcome == OutcomeCreated || res.Outcome == OutcomeUpdated {
			mutated = true
		}
		results = append(results, res)
	}
	if mutated {
		m.neighbors.Purge()
	}
	return results, nil
}

func (m *Memory) upsertEdgeLocked(e *model.Edge, observedAt time.Time) EdgeUpsert {
	if err := e.Validate(); err != nil {
		return EdgeUpsert{ID: e.ID, Err: err}
	}
	if _, ok := m.nodes[e.SourceID]; !ok {
		return EdgeUpsert{ID: e.Identity(), Err: model.NewError(model.KindInvalidInput, "missing-endpoint", "source node %s not in store", e.SourceID)}
	}
	if _, ok := m.nodes[e.TargetID]; !ok {
		return EdgeUpsert{ID: e.Identity(), Err: model.NewError(model.KindInvalidInput, "missing-endpoint", "target node %s not in store", e.TargetID)}
	}

	incoming := e.Clone()
	incoming.ID = incoming.Identity()

	existing, ok := m.edges[incoming.ID]
	if !ok {
		incoming.DiscoveredAt = observedAt
		incoming.UpdatedAt = observedAt
		incoming.LastSeenAt = observedAt
		incoming.Version = 1
		m.edges[incoming.ID] = incoming
		m.out[incoming.SourceID] = append(m.out[incoming.SourceID], incoming.ID)
		m.in[incoming.TargetID] = append(m.in[incoming.TargetID], incoming.ID)
		return EdgeUpsert{ID: incoming.ID, Outcome: OutcomeCreated}
	}

	merged := model.MergeEdge(existing, incoming)
	changed := model.DiffEdges(existing, merged)
	if observedAt.After(existing.LastSeenAt) {
		merged.LastSeenAt = observedAt
	} else {
		merged.LastSeenAt = existing.LastSeenAt
	}
	if len(changed) == 0 {
		m.edges[merged.ID] = merged
		return EdgeUpsert{ID: merged.ID, Outcome: OutcomeUnchanged}
	}
	merged.Version = existing.Version + 1
	if observedAt.After(existing.UpdatedAt) {
		merged.UpdatedAt = observedAt
	}
	if merged.LastSeenAt.Before(merged.UpdatedAt) {
		merged.LastSeenAt = merged.UpdatedAt
	}
	m.edges[merged.ID] = merged
	return EdgeUpsert{ID: merged.ID, Outcome: OutcomeUpdated, Changed: changed}
}

// DeleteEdges removes edges by id and returns how many existed.
func (m *Memory) DeleteEdges(ctx context.Context, ids []string) (int, error) {
	if err := cancelErr(ctx); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for _, id := range ids {
		e, ok := m.edges[id]
		if !ok {
			continue
		}
		delete(m.edges, id)
		m.out[e.SourceID] = removeID(m.out[e.SourceID], id)
		m.in[e.TargetID] = removeID(m.in[e.TargetID], id)
		removed++
	}
	if removed > 0 {
		m.neighbors.Purge()
	}
	return removed, nil
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

// GetNode returns a copy of one node.
func (m *Memory) GetNode(ctx context.Context, id string) (*model.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[id]
	if !ok {
		return nil, model.NewError(model.KindNotFound, "node-not-found", "node %s", id)
	}
	return n.Clone(), nil
}

// QueryNodes filters the node set. Results are unordered unless OrderBy is
// set.
func (m *Memory) QueryNodes(ctx context.Context, f NodeFilter) ([]*model.Node, error) {
	var nameRe *regexp.Regexp
	if f.NameRegex != "" {
		re, err := regexp.Compile(f.NameRegex)
		if err != nil {
			return nil, model.WrapError(model.KindInvalidInput, "bad-name-regex", err, "invalid name regex %q", f.NameRegex)
		}
		nameRe = re
	}
	idSet := toSet(f.IDs)

	m.mu.RLock()
	var matched []*model.Node
	for _, n := range m.nodes {
		if matchNode(n, f, nameRe, idSet) {
			matched = append(matched, n.Clone())
		}
	}
	m.mu.RUnlock()

	if err := orderNodes(matched, f.OrderBy); err != nil {
		return nil, err
	}
	return matched, nil
}

func toSet(ids []string) map[string]struct{} {
	if len(ids) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func matchNode(n *model.Node, f NodeFilter, nameRe *regexp.Regexp, idSet map[string]struct{}) bool {
	if f.Provider != "" && n.Provider != f.Provider {
		return false
	}
	if len(f.Accounts) > 0 && !contains(f.Accounts, n.Account) {
		return false
	}
	if len(f.Regions) > 0 && !contains(f.Regions, n.Region) {
		return false
	}
	if f.ResourceType != "" && n.ResourceType != f.ResourceType {
		return false
	}
	if f.Status != "" && n.Status != f.Status {
		return false
	}
	for k, v := range f.TagEquals {
		if n.Tags[k] != v {
			return false
		}
	}
	for k, v := range f.MetadataEquals {
		if !reflect.DeepEqual(n.Metadata[k], v) {
			return false
		}
	}
	if idSet != nil {
		if _, ok := idSet[n.ID]; !ok {
			return false
		}
	}
	if nameRe != nil && !nameRe.MatchString(n.Name) {
		return false
	}
	return true
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func orderNodes(nodes []*model.Node, orderBy string) error {
	switch orderBy {
	case "":
	case "id":
		sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	case "name":
		sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })
	case "costMonthly":
		sort.Slice(nodes, func(i, j int) bool {
			return costOf(nodes[i]) < costOf(nodes[j])
		})
	case "updatedAt":
		sort.Slice(nodes, func(i, j int) bool { return nodes[i].UpdatedAt.Before(nodes[j].UpdatedAt) })
	default:
		return model.NewError(model.KindInvalidInput, "bad-order", "unknown orderBy %q", orderBy)
	}
	return nil
}

func costOf(n *model.Node) float64 {
	if n.CostMonthly == nil {
		return 0
	}
	return *n.CostMonthly
}

// GetEdge returns a copy of one edge.
func (m *Memory) GetEdge(ctx context.Context, id string) (*model.Edge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.edges[id]
	if !ok {
		return nil, model.NewError(model.KindNotFound, "edge-not-found", "edge %s", id)
	}
	return e.Clone(), nil
}

// QueryEdges filters the edge set.
func (m *Memory) QueryEdges(ctx context.Context, f EdgeFilter) ([]*model.Edge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*model.Edge
	for _, e := range m.edges {
		if f.SourceID != "" && e.SourceID != f.SourceID {
			continue
		}
		if f.TargetID != "" && e.TargetID != f.TargetID {
			continue
		}
		if f.Type != "" && e.Type != f.Type {
			continue
		}
		if f.DiscoveredVia != "" && e.DiscoveredVia != f.DiscoveredVia {
			continue
		}
		if e.Confidence < f.MinConfidence {
			continue
		}
		matched = append(matched, e.Clone())
	}
	return matched, nil
}

// GetEdgesForNode returns edges touching the node in the given direction.
func (m *Memory) GetEdgesForNode(ctx context.Context, nodeID string, dir Direction) ([]*model.Edge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.nodes[nodeID]; !ok {
		return nil, model.NewError(model.KindNotFound, "node-not-found", "node %s", nodeID)
	}
	return m.edgesForLocked(nodeID, dir), nil
}

func (m *Memory) edgesForLocked(nodeID string, dir Direction) []*model.Edge {
	seen := make(map[string]struct{})
	var out []*model.Edge
	collect := func(ids []string) {
		for _, id := range ids {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			if e, ok := m.edges[id]; ok {
				out = append(out, e.Clone())
			}
		}
	}
	switch dir {
	case DirectionOut:
		collect(m.out[nodeID])
	case DirectionIn:
		collect(m.in[nodeID])
	default:
		collect(m.out[nodeID])
		collect(m.in[nodeID])
	}
	return out
}

// GetNeighbors runs a bounded BFS from nodeID. Depth counts hops; depth 0
// returns just the seed. Traversals are cached until the next mutation.
func (m *Memory) GetNeighbors(ctx context.Context, nodeID string, depth int, dir Direction) (*Neighborhood, error) {
	if err := cancelErr(ctx); err != nil {
		return nil, err
	}
	if depth < 0 {
		return nil, model.NewError(model.KindInvalidInput, "bad-depth", "depth must be >= 0")
	}
	key := fmt.Sprintf("%s|%d|%s", nodeID, depth, dir)
	if cached, ok := m.neighbors.Get(key); ok {
		return cloneNeighborhood(cached), nil
	}

	m.mu.RLock()
	seed, ok := m.nodes[nodeID]
	if !ok {
		m.mu.RUnlock()
		return nil, model.NewError(model.KindNotFound, "node-not-found", "node %s", nodeID)
	}

	visited := map[string]struct{}{nodeID: {}}
	edgeSeen := make(map[string]struct{})
	result := &Neighborhood{Nodes: []*model.Node{seed.Clone()}}

	frontier := []string{nodeID}
	for hop := 0; hop < depth && len(frontier) > 0; hop++ {
		var next []string
		for _, id := range frontier {
			for _, e := range m.traversableLocked(id, dir) {
				if _, dup := edgeSeen[e.ID]; !dup {
					edgeSeen[e.ID] = struct{}{}
					result.Edges = append(result.Edges, e.Clone())
				}
				other := e.TargetID
				if other == id {
					other = e.SourceID
				}
				if _, dup := visited[other]; dup {
					continue
				}
				visited[other] = struct{}{}
				if n, present := m.nodes[other]; present {
					result.Nodes = append(result.Nodes, n.Clone())
				}
				next = append(next, other)
			}
		}
		frontier = next
	}
	m.mu.RUnlock()

	m.neighbors.Add(key, cloneNeighborhood(result))
	return result, nil
}

func (m *Memory) traversableLocked(nodeID string, dir Direction) []*model.Edge {
	var ids []string
	switch dir {
	case DirectionOut:
		ids = m.out[nodeID]
	case DirectionIn:
		ids = m.in[nodeID]
	default:
		ids = append(append([]string(nil), m.out[nodeID]...), m.in[nodeID]...)
	}
	edges := make([]*model.Edge, 0, len(ids))
	for _, id := range ids {
		if e, ok := m.edges[id]; ok {
			edges = append(edges, e)
		}
	}
	return edges
}

func cloneNeighborhood(n *Neighborhood) *Neighborhood {
	out := &Neighborhood{
		Nodes: make([]*model.Node, len(n.Nodes)),
		Edges: make([]*model.Edge, len(n.Edges)),
	}
	for i, node := range n.Nodes {
		out.Nodes[i] = node.Clone()
	}
	for i, e := range n.Edges {
		out.Edges[i] = e.Clone()
	}
	return out
}

// AppendChanges appends records with strictly monotonic detection
// timestamps. Records are never mutated afterwards.
func (m *Memory) AppendChanges(ctx context.Context, records []model.Change) error {
	if err := cancelErr(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	for _, r := range records {
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		ts := r.DetectedAt
		if ts.IsZero() {
			ts = now
		}
		if !ts.After(m.lastChangeAt) {
			ts = m.lastChangeAt.Add(time.Nanosecond)
		}
		r.DetectedAt = ts
		m.lastChangeAt = ts
		m.changes = append(m.changes, r)
	}
	return nil
}

// QueryChanges returns matching records in detection order.
func (m *Memory) QueryChanges(ctx context.Context, f ChangeFilter) ([]model.Change, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []model.Change
	for _, r := range m.changes {
		if f.TargetID != "" && r.TargetID != f.TargetID {
			continue
		}
		if len(f.Types) > 0 && !containsType(f.Types, r.Type) {
			continue
		}
		if !f.Since.IsZero() && r.DetectedAt.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && r.DetectedAt.After(f.Until) {
			continue
		}
		matched = append(matched, r)
		if f.Limit > 0 && len(matched) >= f.Limit {
			break
		}
	}
	return matched, nil
}

func containsType(types []model.ChangeType, t model.ChangeType) bool {
	for _, v := range types {
		if v == t {
			return true
		}
	}
	return false
}

// PutRequest stores a copy of the request keyed by id.
func (m *Memory) PutRequest(ctx context.Context, r *model.ChangeRequest) error {
	if err := cancelErr(ctx); err != nil {
		return err
	}
	if r.ID == "" {
		return model.NewError(model.KindInvalidInput, "request-id", "change request requires an id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[r.ID] = r.Clone()
	return nil
}

// GetRequest returns a copy of one request.
func (m *Memory) GetRequest(ctx context.Context, id string) (*model.ChangeRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, model.NewError(model.KindNotFound, "request-not-found", "change request %s", id)
	}
	return r.Clone(), nil
}

// ListRequests returns matching requests ordered by creation time.
func (m *Memory) ListRequests(ctx context.Context, f RequestFilter) ([]*model.ChangeRequest, error) {
	m.mu.RLock()
	var matched []*model.ChangeRequest
	for _, r := range m.requests {
		if f.State != "" && r.State != f.State {
			continue
		}
		if f.Environment != "" && r.Environment != f.Environment {
			continue
		}
		if f.Initiator != "" && r.Initiator != f.Initiator {
			continue
		}
		matched = append(matched, r.Clone())
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, nil
}
