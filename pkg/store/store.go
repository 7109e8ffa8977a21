package store

import (
	"context"
	"time"

	"github.com/stratoform/cartograph/pkg/model"
)

// Outcome is the per-id result of an upsert.
type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeUpdated   Outcome = "updated"
	OutcomeUnchanged Outcome = "unchanged"
)

// NodeUpsert reports what one node upsert did. Changed carries the
// observable-field diffs that justified a version bump, so callers can emit
// change records without re-diffing.
type NodeUpsert struct {
	ID      string
	Outcome Outcome
	Changed []model.FieldChange
	Err     error
}

// EdgeUpsert is the edge counterpart. Err carries the per-edge
// missing-endpoint rejection; the rest of the batch proceeds.
type EdgeUpsert struct {
	ID      string
	Outcome Outcome
	Changed []model.FieldChange
	Err     error
}

// Direction selects edge orientation relative to a node.
type Direction string

const (
	DirectionIn   Direction = "in"
	DirectionOut  Direction = "out"
	DirectionBoth Direction = "both"
)

// NodeFilter narrows a node query. Zero values mean "any". Accounts and
// Regions are OR-sets so one query can cover a source's whole scope.
type NodeFilter struct {
	Provider       string
	Accounts       []string
	Regions        []string
	ResourceType   string
	Status         model.Status
	TagEquals      map[string]string
	MetadataEquals map[string]any
	IDs            []string
	NameRegex      string

	// OrderBy is one of "", "id", "name", "costMonthly", "updatedAt".
	// Results are unordered unless requested.
	OrderBy string
}

// EdgeFilter narrows an edge query.
type EdgeFilter struct {
	SourceID      string
	TargetID      string
	Type          model.RelationType
	DiscoveredVia model.Provenance
	MinConfidence float64
}

// ChangeFilter narrows a change-record query.
type ChangeFilter struct {
	TargetID string
	Types    []model.ChangeType
	Since    time.Time
	Until    time.Time
	Limit    int
}

// RequestFilter narrows a governance-request query.
type RequestFilter struct {
	State       model.GovernanceState
	Environment model.Environment
	Initiator   string
	Limit       int
}

// Neighborhood is the result of a bounded BFS: every node and edge
// traversed, deduplicated by id.
type Neighborhood struct {
	Nodes []*model.Node
	Edges []*model.Edge
}

// NodeStore is the node capability of the store contract.
type NodeStore interface {
	// UpsertNodes applies insert-or-merge per id, atomic at per-node
	// granularity. Missing ids are derived from the identity tuple. The
	// observedAt time drives lastSeenAt and, on mutation, updatedAt.
	UpsertNodes(ctx context.Context, nodes []*model.Node, observedAt time.Time) ([]NodeUpsert, error)
	GetNode(ctx context.Context, id string) (*model.Node, error)
	QueryNodes(ctx context.Context, f NodeFilter) ([]*model.Node, error)
}

// EdgeStore is the edge capability. Edges whose endpoints are absent at
// insertion are rejected per-edge; DeleteEdges exists because removal is an
// observable lifecycle event, recorded by the caller as edge-removed.
type EdgeStore interface {
	UpsertEdges(ctx context.Context, edges []*model.Edge, observedAt time.Time) ([]EdgeUpsert, error)
	GetEdge(ctx context.Context, id string) (*model.Edge, error)
	QueryEdges(ctx context.Context, f EdgeFilter) ([]*model.Edge, error)
	GetEdgesForNode(ctx context.Context, nodeID string, dir Direction) ([]*model.Edge, error)
	GetNeighbors(ctx context.Context, nodeID string, depth int, dir Direction) (*Neighborhood, error)
	DeleteEdges(ctx context.Context, ids []string) (int, error)
}

// ChangeLog is the append-only change capability. Detection timestamps are
// made strictly monotonic at append time.
type ChangeLog interface {
	AppendChanges(ctx context.Context, records []model.Change) error
	QueryChanges(ctx context.Context, f ChangeFilter) ([]model.Change, error)
}

// GovernanceStore persists change requests and their approval state.
type GovernanceStore interface {
	PutRequest(ctx context.Context, r *model.ChangeRequest) error
	GetRequest(ctx context.Context, id string) (*model.ChangeRequest, error)
	ListRequests(ctx context.Context, f RequestFilter) ([]*model.ChangeRequest, error)
}

// Store is the full capability set behind which persistence stays opaque.
// The in-memory implementation serves tests and single-process deployments;
// reads are repeatable and never block the single logical writer.
type Store interface {
	NodeStore
	EdgeStore
	ChangeLog
	GovernanceStore
}
