package temporal

import (
	"context"

	gsync "github.com/stratoform/cartograph/pkg/engine/sync"
	"github.com/stratoform/cartograph/pkg/model"
)

// SyncWithSnapshot runs one reconciliation cycle, captures a snapshot
// labelled for it, then applies retention. A cancelled cycle skips the
// snapshot: the partial graph is preserved but not promoted to history.
func (s *Store) SyncWithSnapshot(ctx context.Context, eng *gsync.Engine, opts gsync.Options, retention *PruneOptions) (*gsync.Result, *model.Snapshot, error) {
	res, err := eng.Sync(ctx, opts)
	if err != nil {
		return res, nil, err
	}
	if res.Cancelled {
		return res, nil, nil
	}

	scope := ""
	if len(opts.Providers) == 1 {
		scope = opts.Providers[0]
	}
	snap, err := s.CreateSnapshot(ctx, model.TriggerSync, "cycle-"+res.CycleID, scope)
	if err != nil {
		return res, nil, err
	}
	if retention != nil {
		if _, err := s.Prune(ctx, *retention); err != nil {
			return res, snap, err
		}
	}
	return res, snap, nil
}
