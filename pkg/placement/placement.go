// Package placement implements the Cache Placement Engine (spec §4.4):
// choosing a CacheRoot for an unbound collection, tracking per-root
// size/count counters through an atomic reserve/commit/abort protocol, and
// redistributing collections across roots.
//
// The deterministic-selection-over-a-fixed-backend-set shape is modeled on
// perkeep's blobserver/shard (spraying writes across backends by a
// deterministic function) and blobserver/replica (iterating candidates in
// a fixed order, tracking success); here the function is fill ratio rather
// than a hash, since placement must balance load rather than just
// partition a keyspace.
package placement

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/letuhao/imagevault/pkg/metrics"
	"github.com/letuhao/imagevault/pkg/model"
)

// Token is the handle returned by Reserve; Commit/Abort consume it exactly
// once (spec §4.4: "reserve(root, sizeBytes) -> token, commit(token,
// actualBytes), abort(token)").
type Token struct {
	id        string
	RootID    model.ID
	Reserved  int64
	consumed  bool
}

// Engine selects cache roots and owns the in-memory counters that mirror
// the repository's persisted CacheRoot.CurrentSizeBytes/FileCount. Counters
// are mutated only through Reserve/Commit/Abort (spec §5 shared resource
// policy), guarded by a single mutex — enforcement decisions need a lock
// around reserve, and the expected concurrency here (cache-root count) is
// small enough that a single mutex is not a bottleneck.
type Engine struct {
	repo model.CacheRootRepository

	mu    sync.Mutex
	roots map[model.ID]*model.CacheRoot
	// reserved tracks bytes optimistically reserved but not yet committed,
	// so concurrent selections don't all pile onto the same under-filled
	// root before any of them has actually committed bytes.
	reserved map[model.ID]int64
}

// New returns an Engine backed by repo. Callers must call Refresh once
// before the first Select/Reserve to populate the in-memory view.
func New(repo model.CacheRootRepository) *Engine {
	return &Engine{
		repo:     repo,
		roots:    make(map[model.ID]*model.CacheRoot),
		reserved: make(map[model.ID]int64),
	}
}

// Refresh reloads all cache roots from the repository into the in-memory
// view. Call it at startup and after any out-of-band root configuration
// change.
func (e *Engine) Refresh(ctx context.Context) error {
	roots, err := e.repo.ListAllCacheRoots(ctx)
	if err != nil {
		return model.Wrap(model.KindInfrastructureUnavailable, err, "placement: refresh")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.roots = make(map[model.ID]*model.CacheRoot, len(roots))
	for _, r := range roots {
		cp := *r
		e.roots[r.ID] = &cp
		e.recordFillRatio(&cp)
	}
	return nil
}

// recordFillRatio publishes a root's current fill ratio to the
// cache_root_fill_ratio gauge (spec §4.12). Caller must hold e.mu.
func (e *Engine) recordFillRatio(r *model.CacheRoot) {
	metrics.CacheRootFillRatio.WithLabelValues(r.ID.String()).Set(e.fillRatio(r))
}

// effectiveLoad is a root's current size plus any bytes reserved but not
// yet committed, used so Select doesn't pick the same low-fill root for
// every concurrent caller before the first commit lands.
func (e *Engine) effectiveLoad(r *model.CacheRoot) int64 {
	return r.CurrentSizeBytes + e.reserved[r.ID]
}

func (e *Engine) fillRatio(r *model.CacheRoot) float64 {
	max := r.MaxSizeBytes
	if max <= 0 {
		max = model.DefaultMaxSizeBytes
	}
	return float64(e.effectiveLoad(r)) / float64(max)
}

// Select runs the selection algorithm from spec §4.4: filter to active
// roots, short-circuit for a single candidate, otherwise pick the lowest
// fill ratio, breaking ties by (priority desc, id asc).
func (e *Engine) Select(ctx context.Context) (*model.CacheRoot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var active []*model.CacheRoot
	for _, r := range e.roots {
		if r.IsActive {
			active = append(active, r)
		}
	}
	if len(active) == 0 {
		return nil, model.New(model.KindNoActiveCacheRoot, "placement: no active cache root")
	}
	if len(active) == 1 {
		return active[0], nil
	}
	sort.Slice(active, func(i, j int) bool {
		ri, rj := e.fillRatio(active[i]), e.fillRatio(active[j])
		if ri != rj {
			return ri < rj
		}
		if active[i].Priority != active[j].Priority {
			return active[i].Priority > active[j].Priority
		}
		return active[i].ID.String() < active[j].ID.String()
	})
	return active[0], nil
}

// Reserve optimistically reserves sizeBytes against rootID, returning a
// Token that must be resolved with Commit or Abort. Reservation is denied
// (model.KindCacheCapacityExceeded) if the root has a configured cap that
// the reservation would exceed (spec §4.4/§7).
func (e *Engine) Reserve(ctx context.Context, rootID model.ID, sizeBytes int64) (Token, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.roots[rootID]
	if !ok {
		return Token{}, model.New(model.KindNotFound, "placement: unknown cache root")
	}
	if r.MaxSizeBytes > 0 && e.effectiveLoad(r)+sizeBytes > r.MaxSizeBytes {
		return Token{}, model.New(model.KindCacheCapacityExceeded, "placement: reservation would exceed cache root capacity")
	}
	e.reserved[rootID] += sizeBytes
	return Token{id: uuid.NewString(), RootID: rootID, Reserved: sizeBytes}, nil
}

// Commit finalizes a reservation with the actual number of bytes written
// (spec §9: "the spec mandates actual on-disk bytes at commit time").
// actualBytes may differ from the reservation's estimate; the counters are
// adjusted by actualBytes, not by the original reservation.
func (e *Engine) Commit(ctx context.Context, tok Token, actualBytes int64) error {
	e.mu.Lock()
	root, ok := e.roots[tok.RootID]
	if ok {
		e.reserved[tok.RootID] -= tok.Reserved
		root.CurrentSizeBytes += actualBytes
		root.FileCount++
		e.recordFillRatio(root)
	}
	e.mu.Unlock()
	if !ok {
		return model.New(model.KindNotFound, "placement: unknown cache root")
	}
	if err := e.repo.AdjustCounters(ctx, tok.RootID, actualBytes, 1); err != nil {
		return model.Wrap(model.KindInfrastructureUnavailable, err, "placement: commit counters")
	}
	return nil
}

// Abort releases a reservation without touching committed counters, used
// on write failure or job cancellation (spec §5 Cancellation: "Release
// reservations on the Placement Engine").
func (e *Engine) Abort(tok Token) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reserved[tok.RootID] -= tok.Reserved
}

// ReleaseOnDelete decrements counters for a deleted artifact of sizeBytes
// (spec §4.5 Delete: "Unlink file, decrement counters").
func (e *Engine) ReleaseOnDelete(ctx context.Context, rootID model.ID, sizeBytes int64) error {
	e.mu.Lock()
	root, ok := e.roots[rootID]
	if ok {
		root.CurrentSizeBytes -= sizeBytes
		if root.CurrentSizeBytes < 0 {
			root.CurrentSizeBytes = 0
		}
		root.FileCount--
		if root.FileCount < 0 {
			root.FileCount = 0
		}
		e.recordFillRatio(root)
	}
	e.mu.Unlock()
	if !ok {
		return model.New(model.KindNotFound, "placement: unknown cache root")
	}
	if err := e.repo.AdjustCounters(ctx, rootID, -sizeBytes, -1); err != nil {
		return model.Wrap(model.KindInfrastructureUnavailable, err, "placement: release counters")
	}
	return nil
}

// Root returns the in-memory view of a cache root, for callers (such as
// artifactstore) that need its Path.
func (e *Engine) Root(rootID model.ID) (*model.CacheRoot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.roots[rootID]
	return r, ok
}
