package readcache

import (
	"context"

	"go4.org/syncutil/singleflight"

	"github.com/letuhao/imagevault/pkg/metrics"
	"github.com/letuhao/imagevault/pkg/model"
)

// Loader fetches (or produces) the bytes for key from L3 — the Artifact
// Store, possibly generating the variant on the fly if it is not yet
// materialized (spec §4.6 step 3, bounded on-the-fly resizing). It is
// supplied by the caller (pkg/processor / pkg/httpapi) so this package
// stays ignorant of how a cache root or variant is resolved.
type Loader func(ctx context.Context, key string) ([]byte, error)

// DefaultL1MaxBytes is used when ReadCache is constructed with a
// non-positive l1MaxBytes, matching the spec's "a sane default when
// unconfigured" stance for in-process caches.
const DefaultL1MaxBytes = 256 << 20

// ReadCache implements the three-tier lookup with single-flight
// coordination on miss, grounded on perkeep's cacher.CachingFetcher
// (pkg/cacher/cacher.go): check the cache, and on miss let exactly one
// caller do the expensive fetch while others wait on the same call.
type ReadCache struct {
	l1   *l1Cache
	l2   L2 // nil disables the L2 tier
	load Loader

	sf singleflight.Group
}

// New builds a ReadCache. l2 may be nil.
func New(l1MaxBytes int64, l2 L2, load Loader) *ReadCache {
	if l1MaxBytes <= 0 {
		l1MaxBytes = DefaultL1MaxBytes
	}
	return &ReadCache{
		l1:   newL1Cache(l1MaxBytes),
		l2:   l2,
		load: load,
	}
}

// Get returns the bytes for key, consulting L1, then L2, then falling
// through to the Loader (L3) with single-flight coordination so N
// concurrent requests for the same missing key trigger exactly one load.
func (c *ReadCache) Get(ctx context.Context, key string) ([]byte, error) {
	if b, ok := c.l1.Get(key); ok {
		metrics.CacheHits.WithLabelValues("l1").Inc()
		return b, nil
	}

	if c.l2 != nil {
		b, ok, err := c.l2.Get(ctx, key)
		if err != nil {
			return nil, model.Wrap(model.KindInfrastructureUnavailable, err, "readcache: l2 get")
		}
		if ok {
			c.l1.Add(key, b)
			metrics.CacheHits.WithLabelValues("l2").Inc()
			return b, nil
		}
	}

	metrics.CacheMisses.WithLabelValues().Inc()
	v, err := c.sf.Do(key, func() (interface{}, error) {
		b, err := c.load(ctx, key)
		if err != nil {
			return nil, err
		}
		c.l1.Add(key, b)
		if c.l2 != nil {
			if err := c.l2.Set(ctx, key, b); err != nil {
				return nil, model.Wrap(model.KindInfrastructureUnavailable, err, "readcache: l2 set")
			}
		}
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	metrics.CacheHits.WithLabelValues("l3").Inc()
	return v.([]byte), nil
}

// Invalidate removes key from every tier it might be sitting in (spec §4.6
// invalidation: used by regenerate-thumbnails and any artifact delete so
// stale bytes never outlive the file they were copied from). Idempotent.
func (c *ReadCache) Invalidate(ctx context.Context, key string) {
	c.l1.Remove(key)
	if c.l2 != nil {
		// Best-effort: a shared tier may be unreachable briefly without
		// blocking invalidation of the tiers this node does control.
		_ = c.l2.Delete(ctx, key)
	}
}
