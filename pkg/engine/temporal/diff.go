package temporal

import (
	"context"
	"sort"

	"github.com/stratoform/cartograph/pkg/model"
)

// NodeDelta is one node whose observable fields differ between two
// snapshots.
type NodeDelta struct {
	NodeID        string      `json:"nodeId"`
	ChangedFields []string    `json:"changedFields"`
	Before        *model.Node `json:"before"`
	After         *model.Node `json:"after"`
}

// Diff is the structural difference between two snapshots, a -> b. All
// slices are sorted by id so the output is stable.
type Diff struct {
	AddedNodes   []*model.Node `json:"addedNodes"`
	RemovedNodes []*model.Node `json:"removedNodes"`
	ChangedNodes []NodeDelta   `json:"changedNodes"`
	AddedEdges   []*model.Edge `json:"addedEdges"`
	RemovedEdges []*model.Edge `json:"removedEdges"`
	CostDelta    float64       `json:"costDelta"`
}

// DiffSnapshots compares two snapshots by their revision references. A node
// present in both with the same content address is untouched without
// loading it; everything else is materialized into the diff.
func (s *Store) DiffSnapshots(ctx context.Context, aID, bID string) (*Diff, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	aSnap, ok := s.byID[aID]
	if !ok {
		return nil, model.NewError(model.KindNotFound, "snapshot-not-found", "snapshot %s", aID)
	}
	bSnap, ok := s.byID[bID]
	if !ok {
		return nil, model.NewError(model.KindNotFound, "snapshot-not-found", "snapshot %s", bID)
	}
	aNodes, bNodes := s.nodeSets[aID], s.nodeSets[bID]
	aEdges, bEdges := s.edgeSets[aID], s.edgeSets[bID]

	d := &Diff{}
	for id, bh := range bNodes {
		ah, inA := aNodes[id]
		if !inA {
			d.AddedNodes = append(d.AddedNodes, s.nodeRevs[bh].Clone())
			continue
		}
		if ah == bh {
			continue
		}
		before, after := s.nodeRevs[ah], s.nodeRevs[bh]
		fields := make([]string, 0, 4)
		for _, fc := range model.DiffNodes(before, after) {
			fields = append(fields, fc.Field)
		}
		d.ChangedNodes = append(d.ChangedNodes, NodeDelta{
			NodeID:        id,
			ChangedFields: fields,
			Before:        before.Clone(),
			After:         after.Clone(),
		})
	}
	for id, ah := range aNodes {
		if _, inB := bNodes[id]; !inB {
			d.RemovedNodes = append(d.RemovedNodes, s.nodeRevs[ah].Clone())
		}
	}
	for id, bh := range bEdges {
		if _, inA := aEdges[id]; !inA {
			d.AddedEdges = append(d.AddedEdges, s.edgeRevs[bh].Clone())
		}
	}
	for id, ah := range aEdges {
		if _, inB := bEdges[id]; !inB {
			d.RemovedEdges = append(d.RemovedEdges, s.edgeRevs[ah].Clone())
		}
	}

	sort.Slice(d.AddedNodes, func(i, j int) bool { return d.AddedNodes[i].ID < d.AddedNodes[j].ID })
	sort.Slice(d.RemovedNodes, func(i, j int) bool { return d.RemovedNodes[i].ID < d.RemovedNodes[j].ID })
	sort.Slice(d.ChangedNodes, func(i, j int) bool { return d.ChangedNodes[i].NodeID < d.ChangedNodes[j].NodeID })
	sort.Slice(d.AddedEdges, func(i, j int) bool { return d.AddedEdges[i].ID < d.AddedEdges[j].ID })
	sort.Slice(d.RemovedEdges, func(i, j int) bool { return d.RemovedEdges[i].ID < d.RemovedEdges[j].ID })

	d.CostDelta = bSnap.TotalCostMonthly - aSnap.TotalCostMonthly
	return d, nil
}
