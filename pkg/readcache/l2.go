package readcache

import (
	"context"
	"net/http"

	"github.com/golang/groupcache"

	"github.com/letuhao/imagevault/pkg/kv"
)

// L2 is the optional shared cache tier (spec §4.6 step 2). Deployments
// without a second tier simply construct a ReadCache with a nil L2.
type L2 interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// kvL2 adapts a pkg/kv.Store (in-memory or embedded leveldb) into an L2
// tier. It is the right choice for a single-process deployment that still
// wants a bigger, slower-than-L1 second chance before touching disk
// artifact files, or for giving every process on one host a shared cache
// over a leveldb file on a fast local volume.
type kvL2 struct {
	store kv.Store
}

// NewKVL2 wraps a kv.Store as an L2 tier.
func NewKVL2(store kv.Store) L2 {
	return &kvL2{store: store}
}

func (k *kvL2) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := k.store.Get(key)
	if err == kv.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return []byte(v), true, nil
}

func (k *kvL2) Set(ctx context.Context, key string, value []byte) error {
	return k.store.Set(key, string(value))
}

func (k *kvL2) Delete(ctx context.Context, key string) error {
	return k.store.Delete(key)
}

// groupcacheL2 adapts a github.com/golang/groupcache Group into an L2 tier
// that is shared across a fleet of processes rather than just one host
// (spec §6 cache.l2.groupcache.selfAddr/peers): each node runs an HTTP peer
// pool, and a Get for a key owned by a peer is satisfied over HTTP instead
// of by hitting that node's local Artifact Store.
type groupcacheL2 struct {
	group *groupcache.Group
}

// NewGroupcacheL2 builds an L2 tier backed by a groupcache Group named
// "imagevault-artifacts" with the given byte capacity, peered with the
// other nodes in peers over HTTP (spec §6 cache.l2.groupcache.selfAddr/
// peers). load is invoked by groupcache only for keys this node (or its
// peer) owns and does not yet have cached; it should read through to L3
// (the Artifact Store).
//
// If selfAddr is non-empty, the returned http.Handler is groupcache's own
// peer-to-peer transport (golang/groupcache's HTTPPool) and must be
// mounted by the caller on a listener reachable at selfAddr, or peers will
// never be able to fetch keys this node owns. A single-node deployment
// passes an empty selfAddr and a nil peers slice; every key then resolves
// locally through load and the returned handler is nil.
func NewGroupcacheL2(cacheBytes int64, selfAddr string, peers []string, load func(ctx context.Context, key string) ([]byte, error)) (L2, http.Handler) {
	var pool http.Handler
	if selfAddr != "" {
		httpPool := groupcache.NewHTTPPool(selfAddr)
		httpPool.Set(peers...)
		pool = httpPool
	}

	group := groupcache.NewGroup("imagevault-artifacts", cacheBytes, groupcache.GetterFunc(
		func(ctx context.Context, key string, dest groupcache.Sink) error {
			b, err := load(ctx, key)
			if err != nil {
				return err
			}
			return dest.SetBytes(b)
		},
	))
	return &groupcacheL2{group: group}, pool
}

func (g *groupcacheL2) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var b []byte
	if err := g.group.Get(ctx, key, groupcache.AllocatingByteSliceSink(&b)); err != nil {
		return nil, false, err
	}
	return b, true, nil
}

// Set is a no-op for groupcache: the group's getter already reads through
// to L3 on a miss, and groupcache intentionally has no direct write path
// (it is a read-through cache keyed by value immutability, which artifact
// fingerprints satisfy).
func (g *groupcacheL2) Set(ctx context.Context, key string, value []byte) error {
	return nil
}

// Delete is unsupported: golang/groupcache provides no invalidation
// primitive (a value is assumed immutable for as long as any peer may have
// cached it). A regenerate-thumbnails job relies on the L1 invalidation
// and the fingerprint changing whenever quality/dimensions change; a
// groupcache deployment additionally needs its process-level TTL/restart
// to clear genuinely stale entries.
func (g *groupcacheL2) Delete(ctx context.Context, key string) error {
	return nil
}
