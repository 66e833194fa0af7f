package placement

import (
	"context"
	"sort"

	"github.com/letuhao/imagevault/pkg/model"
)

// Redistributor clears current bindings and reassigns every collection to
// an active cache root round-robin in deterministic id order (spec §4.4
// Redistribute). It is driven by a job (pkg/jobs), one collection per
// processed item, so progress is observable and the operation is
// resumable like any other job.
type Redistributor struct {
	bindings model.BindingRepository
	roots    model.CacheRootRepository
	colls    model.CollectionRepository
}

// NewRedistributor builds a Redistributor over the given repositories.
func NewRedistributor(bindings model.BindingRepository, roots model.CacheRootRepository, colls model.CollectionRepository) *Redistributor {
	return &Redistributor{bindings: bindings, roots: roots, colls: colls}
}

// Plan computes the target root assignment for every non-deleted
// collection without mutating anything, so a job can compute totalItems up
// front and then apply assignments one at a time as resumable work items.
func (rd *Redistributor) Plan(ctx context.Context) (map[model.ID]model.ID, error) {
	activeRoots, err := rd.roots.ListActiveCacheRoots(ctx)
	if err != nil {
		return nil, model.Wrap(model.KindInfrastructureUnavailable, err, "placement: list active roots")
	}
	if len(activeRoots) == 0 {
		return nil, model.New(model.KindNoActiveCacheRoot, "placement: no active cache root")
	}
	sort.Slice(activeRoots, func(i, j int) bool {
		if activeRoots[i].Priority != activeRoots[j].Priority {
			return activeRoots[i].Priority > activeRoots[j].Priority
		}
		return activeRoots[i].ID.String() < activeRoots[j].ID.String()
	})

	colls, err := rd.colls.ListActiveCollections(ctx)
	if err != nil {
		return nil, model.Wrap(model.KindInfrastructureUnavailable, err, "placement: list collections")
	}
	sort.Slice(colls, func(i, j int) bool { return colls[i].ID.String() < colls[j].ID.String() })

	plan := make(map[model.ID]model.ID, len(colls))
	for i, c := range colls {
		plan[c.ID] = activeRoots[i%len(activeRoots)].ID
	}
	return plan, nil
}

// Apply rebinds a single collection to rootID, clearing any prior binding
// first (spec §3 CollectionCacheBinding: "rebinding requires migration or
// purge" — redistribute is the one caller allowed to rebind directly,
// since it is itself the migration).
func (rd *Redistributor) Apply(ctx context.Context, collectionID, rootID model.ID) error {
	if err := rd.bindings.ClearBinding(ctx, collectionID); err != nil {
		return model.Wrap(model.KindInfrastructureUnavailable, err, "placement: clear binding")
	}
	b := &model.CollectionCacheBinding{
		ID:           model.NewID(),
		CollectionID: collectionID,
		CacheRootID:  rootID,
	}
	if err := rd.bindings.CreateBinding(ctx, b); err != nil {
		return model.Wrap(model.KindInfrastructureUnavailable, err, "placement: create binding")
	}
	return nil
}
