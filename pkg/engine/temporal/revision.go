package temporal

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/stratoform/cartograph/pkg/model"
)

// nodeRevisionKey is the canonical content of a node revision. Hashing its
// JSON encoding gives the content address; json.Marshal sorts map keys, so
// equal states always hash equal.
type nodeRevisionKey struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Status      model.Status      `json:"status"`
	Tags        map[string]string `json:"tags,omitempty"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
	CostMonthly *float64          `json:"costMonthly,omitempty"`
	Owner       *string           `json:"owner,omitempty"`
	Version     int64             `json:"version"`
}

type edgeRevisionKey struct {
	ID            string             `json:"id"`
	SourceID      string             `json:"sourceId"`
	TargetID      string             `json:"targetId"`
	Type          model.RelationType `json:"type"`
	Confidence    float64            `json:"confidence"`
	DiscoveredVia model.Provenance   `json:"discoveredVia"`
	Metadata      map[string]any     `json:"metadata,omitempty"`
	Version       int64              `json:"version"`
}

func hashNodeRevision(n *model.Node) string {
	key := nodeRevisionKey{
		ID:          n.ID,
		Name:        n.Name,
		Status:      n.Status,
		Tags:        n.Tags,
		Metadata:    n.Metadata,
		CostMonthly: n.CostMonthly,
		Owner:       n.Owner,
		Version:     n.Version,
	}
	return hashJSON(key)
}

func hashEdgeRevision(e *model.Edge) string {
	key := edgeRevisionKey{
		ID:            e.ID,
		SourceID:      e.SourceID,
		TargetID:      e.TargetID,
		Type:          e.Type,
		Confidence:    e.Confidence,
		DiscoveredVia: e.DiscoveredVia,
		Metadata:      e.Metadata,
		Version:       e.Version,
	}
	return hashJSON(key)
}

func hashJSON(v any) string {
	data, _ := json.Marshal(v)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16]
}

// revisionSet is one snapshot's view: id -> content address.
type revisionSet map[string]string

// archiveDoc is the durable form of one snapshot: metadata plus the full
// node and edge states it references. Self-contained so rehydration needs
// nothing but the blob.
type archiveDoc struct {
	Snapshot *model.Snapshot `json:"snapshot"`
	Nodes    []*model.Node   `json:"nodes"`
	Edges    []*model.Edge   `json:"edges"`
}

func archiveKey(id string) string {
	return "snapshots/" + id + ".json"
}

// snapshotAggregates fills the derived counters on a snapshot record.
func snapshotAggregates(s *model.Snapshot, nodes []*model.Node, edges []*model.Edge) {
	s.NodeCount = len(nodes)
	s.EdgeCount = len(edges)
	var total float64
	for _, n := range nodes {
		if n.CostMonthly != nil {
			total += *n.CostMonthly
		}
	}
	s.TotalCostMonthly = total
}

// strictlyAfter returns t bumped past last when the clock stands still or
// runs backwards, keeping snapshot timestamps strictly increasing.
func strictlyAfter(t, last time.Time) time.Time {
	if t.After(last) {
		return t
	}
	return last.Add(time.Nanosecond)
}
