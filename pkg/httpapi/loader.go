package httpapi

import (
	"context"

	"github.com/letuhao/imagevault/pkg/model"
	"github.com/letuhao/imagevault/pkg/processor"
	"github.com/letuhao/imagevault/pkg/readcache"
)

// produceParams carries exactly what processor.Produce needs to regenerate
// a variant on an L3 miss. readcache.Loader only receives the fingerprint
// string (a one-way SHA-256 digest per artifactstore.Fingerprint, spec
// §4.5), so there is no way to recover this tuple from the key alone; it
// rides along on the request's context instead, attached by
// WithProduceParams immediately before the ReadCache.Get call that will
// invoke the Loader built by NewLoader.
type produceParams struct {
	img     *model.Image
	coll    *model.Collection
	kind    model.VariantKind
	width   int
	height  int
	quality int
	format  string
}

type produceParamsKey struct{}

// WithProduceParams attaches the resolved request parameters a cache miss
// would need to produce the variant, for the single call to cache.Get that
// follows.
func WithProduceParams(ctx context.Context, img *model.Image, coll *model.Collection, kind model.VariantKind, width, height, quality int, format string) context.Context {
	return context.WithValue(ctx, produceParamsKey{}, produceParams{
		img: img, coll: coll, kind: kind, width: width, height: height, quality: quality, format: format,
	})
}

// NewLoader builds the readcache.Loader backing the three-tier cache's L3
// tier: every miss, after single-flight coordination, calls through to the
// Processor so it stays the sole writer to the Artifact Store even for
// synchronous on-demand HTTP requests (spec §4.6 step 3).
func NewLoader(proc *processor.Processor) readcache.Loader {
	return func(ctx context.Context, key string) ([]byte, error) {
		p, ok := ctx.Value(produceParamsKey{}).(produceParams)
		if !ok {
			return nil, model.New(model.KindInfrastructureUnavailable, "httpapi: loader invoked without produce params in context")
		}
		data, _, err := proc.Produce(ctx, p.img, p.coll, p.kind, p.width, p.height, p.quality, p.format)
		return data, err
	}
}
