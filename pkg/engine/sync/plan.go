package sync

import (
	"context"
	"log/slog"
	"time"

	"github.com/stratoform/cartograph/pkg/engine/source"
	"github.com/stratoform/cartograph/pkg/model"
	"github.com/stratoform/cartograph/pkg/store"
	"github.com/stratoform/cartograph/pkg/sys/backoff"
)

// applyPlan reconciles one batch against the store. It runs inside the
// writer goroutine, so reads and writes here see a graph no other mutation
// touches. Per-record failures are recorded and skipped; a whole-call
// failure aborts the cycle after the retry policy is exhausted.
func (e *Engine) applyPlan(ctx context.Context, batch *source.Batch, opts Options, cycleID string, sr *SourceResult) error {
	observedAt := batch.DiscoveredAt.UTC()
	scope := effectiveScope(batch.Scope, opts)
	sr.Errors = append(sr.Errors, batch.Errors...)

	candidates := e.screenNodes(batch, opts, sr)
	sr.Discovered = len(candidates)

	discovered := make(map[string]bool, len(candidates))
	for _, n := range candidates {
		discovered[n.Identity()] = true
	}

	// Ownership: only stored nodes matching the source's provider and its
	// effective scope may be marked disappeared by this plan.
	var owned []*model.Node
	err := e.writeRetry(ctx, func() error {
		var qerr error
		owned, qerr = e.store.QueryNodes(ctx, store.NodeFilter{
			Provider: batch.Provider,
			Accounts: scope.Accounts,
			Regions:  scope.Regions,
		})
		return qerr
	})
	if err != nil {
		return err
	}

	var changes []model.Change
	if err := e.upsertNodes(ctx, candidates, observedAt, cycleID, batch.SourceID, sr, &changes); err != nil {
		return err
	}
	if err := e.markDisappeared(ctx, owned, discovered, observedAt, opts.DisappearanceGracePeriod, cycleID, batch.SourceID, sr, &changes); err != nil {
		return err
	}
	if err := e.reconcileEdges(ctx, batch, owned, discovered, observedAt, opts.DisappearanceGracePeriod, cycleID, sr, &changes); err != nil {
		return err
	}

	if len(changes) > 0 {
		if err := e.writeRetry(ctx, func() error {
			return e.store.AppendChanges(ctx, changes)
		}); err != nil {
			return err
		}
	}
	return nil
}

// screenNodes filters a batch down to the candidates this cycle accepts:
// cycle account/region narrowing applied, provider coherent with the source,
// duplicates collapsed with the last observation winning.
func (e *Engine) screenNodes(batch *source.Batch, opts Options, sr *SourceResult) []*model.Node {
	byID := make(map[string]int)
	out := make([]*model.Node, 0, len(batch.Nodes))
	for _, n := range batch.Nodes {
		if n == nil {
			continue
		}
		if n.Provider == "" {
			n = n.Clone()
			n.Provider = batch.Provider
		}
		if n.Provider != batch.Provider {
			sr.Errors = append(sr.Errors, source.Error{
				ResourceType: n.ResourceType,
				Message:      "node provider " + n.Provider + " does not match source provider " + batch.Provider,
				Code:         "provider-mismatch",
			})
			continue
		}
		if len(opts.AccountFilter) > 0 && !member(opts.AccountFilter, n.Account) {
			continue
		}
		if len(opts.RegionFilter) > 0 && !member(opts.RegionFilter, n.Region) {
			continue
		}
		id := n.Identity()
		if prev, ok := byID[id]; ok {
			out[prev] = n
			continue
		}
		byID[id] = len(out)
		out = append(out, n)
	}
	return out
}

func (e *Engine) upsertNodes(ctx context.Context, candidates []*model.Node, observedAt time.Time, cycleID, sourceID string, sr *SourceResult, changes *[]model.Change) error {
	if len(candidates) == 0 {
		return nil
	}
	var ups []store.NodeUpsert
	err := e.writeRetry(ctx, func() error {
		var uerr error
		ups, uerr = e.store.UpsertNodes(ctx, candidates, observedAt)
		return uerr
	})
	if err != nil {
		return err
	}
	for i, u := range ups {
		if u.Err != nil {
			sr.Errors = append(sr.Errors, source.Error{
				ResourceType: candidates[i].ResourceType,
				Message:      u.Err.Error(),
				Code:         model.CodeOf(u.Err),
			})
			continue
		}
		switch u.Outcome {
		case store.OutcomeCreated:
			sr.Created++
			*changes = append(*changes, e.stamp(model.NewChange(u.ID, model.ChangeNodeCreated), observedAt, cycleID, sourceID))
		case store.OutcomeUpdated:
			sr.Updated++
			for _, fc := range u.Changed {
				c := model.NewChange(u.ID, model.ChangeNodeDrifted)
				if prev, ok := fc.Previous.(string); ok && fc.Field == "status" && prev == string(model.StatusTerminated) {
					c.Type = model.ChangeNodeReappeared
				}
				c.Field = fc.Field
				c.Previous = fc.Previous
				c.New = fc.New
				*changes = append(*changes, e.stamp(c, observedAt, cycleID, sourceID))
			}
		}
	}
	return nil
}

// markDisappeared terminates owned nodes that went unseen for longer than
// the grace period. The cutoff is measured from the batch's observation
// time, not wall clock, so replayed batches reconcile deterministically.
func (e *Engine) markDisappeared(ctx context.Context, owned []*model.Node, discovered map[string]bool, observedAt time.Time, grace time.Duration, cycleID, sourceID string, sr *SourceResult, changes *[]model.Change) error {
	cutoff := observedAt.Add(-grace)
	var gone []*model.Node
	var prevStatus []model.Status
	for _, n := range owned {
		if discovered[n.ID] || n.Status == model.StatusTerminated {
			continue
		}
		if !n.LastSeenAt.Before(cutoff) {
			continue
		}
		t := n.Clone()
		t.Status = model.StatusTerminated
		gone = append(gone, t)
		prevStatus = append(prevStatus, n.Status)
	}
	if len(gone) == 0 {
		return nil
	}
	var ups []store.NodeUpsert
	err := e.writeRetry(ctx, func() error {
		var uerr error
		ups, uerr = e.store.UpsertNodes(ctx, gone, observedAt)
		return uerr
	})
	if err != nil {
		return err
	}
	for i, u := range ups {
		if u.Err != nil {
			sr.Errors = append(sr.Errors, source.Error{
				ResourceType: gone[i].ResourceType,
				Message:      u.Err.Error(),
				Code:         model.CodeOf(u.Err),
			})
			continue
		}
		if u.Outcome != store.OutcomeUpdated {
			continue
		}
		sr.Disappeared++
		c := model.NewChange(u.ID, model.ChangeNodeDisappeared)
		c.Field = "status"
		c.Previous = string(prevStatus[i])
		c.New = string(model.StatusTerminated)
		*changes = append(*changes, e.stamp(c, observedAt, cycleID, sourceID))
		slog.Debug("Node disappeared", "node", u.ID, "source", sourceID, "last_seen", gone[i].LastSeenAt)
	}
	return nil
}

// reconcileEdges upserts discovered relationships, then removes stored ones
// whose endpoints are both owned by this plan but which no longer appear and
// are past the grace period.
func (e *Engine) reconcileEdges(ctx context.Context, batch *source.Batch, owned []*model.Node, discoveredNodes map[string]bool, observedAt time.Time, grace time.Duration, cycleID string, sr *SourceResult, changes *[]model.Change) error {
	seen := make(map[string]bool)
	edges := make([]*model.Edge, 0, len(batch.Edges))
	for _, edge := range batch.Edges {
		if edge == nil {
			continue
		}
		id := edge.Identity()
		if seen[id] {
			continue
		}
		seen[id] = true
		edges = append(edges, edge)
	}

	if len(edges) > 0 {
		var ups []store.EdgeUpsert
		err := e.writeRetry(ctx, func() error {
			var uerr error
			ups, uerr = e.store.UpsertEdges(ctx, edges, observedAt)
			return uerr
		})
		if err != nil {
			return err
		}
		for _, u := range ups {
			if u.Err != nil {
				sr.Errors = append(sr.Errors, source.Error{
					Message: u.Err.Error(),
					Code:    model.CodeOf(u.Err),
				})
				continue
			}
			if u.Outcome == store.OutcomeCreated {
				sr.EdgeCreated++
				*changes = append(*changes, e.stamp(model.NewChange(u.ID, model.ChangeEdgeCreated), observedAt, cycleID, batch.SourceID))
			}
		}
	}

	ownedIDs := make(map[string]bool, len(owned)+len(discoveredNodes))
	for _, n := range owned {
		ownedIDs[n.ID] = true
	}
	for id := range discoveredNodes {
		ownedIDs[id] = true
	}

	var stored []*model.Edge
	err := e.writeRetry(ctx, func() error {
		var qerr error
		stored, qerr = e.store.QueryEdges(ctx, store.EdgeFilter{})
		return qerr
	})
	if err != nil {
		return err
	}

	cutoff := observedAt.Add(-grace)
	var removeIDs []string
	var removed []*model.Edge
	for _, edge := range stored {
		if seen[edge.ID] {
			continue
		}
		if !ownedIDs[edge.SourceID] || !ownedIDs[edge.TargetID] {
			continue
		}
		if !edge.LastSeenAt.Before(cutoff) {
			continue
		}
		removeIDs = append(removeIDs, edge.ID)
		removed = append(removed, edge)
	}
	if len(removeIDs) == 0 {
		return nil
	}
	err = e.writeRetry(ctx, func() error {
		_, derr := e.store.DeleteEdges(ctx, removeIDs)
		return derr
	})
	if err != nil {
		return err
	}
	for _, edge := range removed {
		sr.EdgeRemoved++
		c := model.NewChange(edge.ID, model.ChangeEdgeRemoved)
		c.Previous = string(edge.Type)
		*changes = append(*changes, e.stamp(c, observedAt, cycleID, batch.SourceID))
	}
	return nil
}

// stamp fills the provenance fields every sync-emitted change shares.
func (e *Engine) stamp(c model.Change, observedAt time.Time, cycleID, sourceID string) model.Change {
	c.DetectedAt = observedAt
	c.Source = sourceID
	c.CorrelationID = cycleID
	c.Initiator = model.InitiatorSystem
	return c
}

// writeRetry is the writer's fault policy: transient errors follow the
// shared backoff schedule, conflicts get one immediate retry, everything
// else surfaces.
func (e *Engine) writeRetry(ctx context.Context, fn func() error) error {
	return backoff.DoOnce(ctx, func() error {
		return backoff.Do(ctx, fn)
	})
}

func effectiveScope(s source.Scope, opts Options) source.Scope {
	return source.Scope{
		Accounts: intersect(s.Accounts, opts.AccountFilter),
		Regions:  intersect(s.Regions, opts.RegionFilter),
	}
}

// intersect treats an empty side as a wildcard. When both sides are set the
// result is their overlap; an empty overlap still returns a single
// impossible sentinel so the narrowing is not silently widened.
func intersect(a, b []string) []string {
	if len(a) == 0 {
		return b
	}
	if len(b) == 0 {
		return a
	}
	var out []string
	for _, v := range a {
		if member(b, v) {
			out = append(out, v)
		}
	}
	if out == nil {
		out = []string{"\x00none"}
	}
	return out
}

func member(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
