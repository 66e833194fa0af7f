// Package processor implements the Image Processor (spec §4.8): the only
// writer to the Artifact Store. It runs the per-image pipeline — probe,
// persist the Image record, conditionally produce thumbnail/cache variants
// — and is the Handler jobs.Scheduler invokes for
// ScanCollection/GenerateThumbnails/GenerateCache/RegenerateThumbnails
// jobs. The pipeline shape (decode → resize → encode → write, one image at
// a time, batched for progress reporting) is modeled on perkeep's
// pkg/server/image.go ServeHTTP/scaledCached path, generalized from a
// single synchronous request into a resumable batch job.
package processor

import (
	"context"
	"io"
	"path"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/letuhao/imagevault/pkg/archivefs"
	"github.com/letuhao/imagevault/pkg/artifactstore"
	"github.com/letuhao/imagevault/pkg/imagecodec"
	"github.com/letuhao/imagevault/pkg/jobs"
	"github.com/letuhao/imagevault/pkg/model"
	"github.com/letuhao/imagevault/pkg/placement"
	"github.com/letuhao/imagevault/pkg/readcache"
)

// DefaultBatchSize is the spec §4.8 "default 10" batching tunable.
const DefaultBatchSize = 10

// StoreResolver maps a CacheRoot id to the artifactstore.Store that writes
// under it. Processor does not construct Stores itself since that needs
// each root's longpath.Adapter and placement.Engine wiring, which the
// caller (cmd/imagevaultd) already owns.
type StoreResolver func(rootID model.ID) (*artifactstore.Store, bool)

// Processor runs the per-image pipeline for a Collection against whichever
// CacheRoot the Placement Engine/binding assigns it.
type Processor struct {
	repo      model.Repository
	placement *placement.Engine
	stores    StoreResolver
	cache     *readcache.ReadCache // optional; invalidated on regenerate
	batchSize int
}

// New builds a Processor. cache may be nil if no read-cache invalidation
// hook is wired yet; see WithCache.
func New(repo model.Repository, eng *placement.Engine, stores StoreResolver, cache *readcache.ReadCache) *Processor {
	return &Processor{repo: repo, placement: eng, stores: stores, cache: cache, batchSize: DefaultBatchSize}
}

// WithBatchSize overrides the default batching tunable (spec §4.8: "batch
// size is a tunable, not a contract").
func (p *Processor) WithBatchSize(n int) *Processor {
	if n > 0 {
		p.batchSize = n
	}
	return p
}

// WithCache wires (or rewires) the read cache this Processor invalidates
// after a forced variant regeneration. It is settable after construction
// because the cache's own Loader needs a *Processor to call back into on
// an L3 miss (pkg/httpapi.NewLoader) — the two are mutually referential at
// startup, so cmd/imagevaultd builds a cache-less Processor first, builds
// the Loader and ReadCache around it, then wires the cache back in.
func (p *Processor) WithCache(c *readcache.ReadCache) *Processor {
	p.cache = c
	return p
}

// ScanCollectionHandler is the jobs.Handler for JobScanCollection,
// JobGenerateThumbnails, and JobGenerateCache: it enumerates every image in
// the collection and runs the pipeline step(s) the job type implies.
// thumbs/cache select which variants this run is responsible for, so the
// three job types share one enumeration and one resumption mechanism
// while still recording distinct job rows for observability (spec §3).
func (p *Processor) ScanCollectionHandler(thumbs, cache bool) jobs.Handler {
	return p.scanHandler(thumbs, cache, false)
}

// RegenerateThumbnailsHandler is the jobs.Handler for JobRegenerateThumbnails:
// the same enumeration as ScanCollectionHandler, but it deletes any existing
// thumbnail artifact before re-deriving it instead of skipping images whose
// fingerprint already has a valid artifact on disk (spec §4.10
// "regenerate-thumbnails... forces re-derivation even when a fingerprint
// already resolves to a valid artifact").
func (p *Processor) RegenerateThumbnailsHandler() jobs.Handler {
	return p.scanHandler(true, false, true)
}

func (p *Processor) scanHandler(thumbs, cache, force bool) jobs.Handler {
	return func(ctx context.Context, job *model.JobRecord, rc *jobs.RunControl) error {
		coll, err := p.repo.GetCollection(ctx, job.Parameters.CollectionID)
		if err != nil {
			return err
		}

		reader, err := archivefs.Open(coll.Type, coll.Path)
		if err != nil {
			return err
		}
		entries, err := reader.List()
		if err != nil {
			return err
		}
		if err := rc.SetTotalItems(len(entries)); err != nil {
			return err
		}

		store, err := p.storeForCollection(ctx, coll.ID)
		if err != nil {
			return err
		}

		processed := 0
		for _, entry := range entries {
			if err := ctx.Err(); err != nil {
				return err
			}
			if rc.ShouldPause() {
				return jobs.ErrPaused
			}

			img, err := p.upsertImageRecord(ctx, coll, entry)
			if err != nil {
				log.WithError(err).WithField("path", entry.RelativePath).Warn("processor: image record failed")
				if reportErr := rc.ReportItemFailed(img.ID); reportErr != nil {
					return reportErr
				}
				continue
			}
			if job.AlreadyHandled(img.ID) {
				if err := rc.ReportItemSkipped(); err != nil {
					return err
				}
				continue
			}

			if err := p.processImage(ctx, reader, entry, coll, img, store, thumbs, cache, force); err != nil {
				if model.Is(err, model.KindInfrastructureUnavailable) {
					return err // fails the whole job per spec §4.8
				}
				log.WithError(err).WithField("image_id", img.ID.String()).Warn("processor: variant generation failed")
				if reportErr := rc.ReportItemFailed(img.ID); reportErr != nil {
					return reportErr
				}
				continue
			}

			if err := rc.ReportItemDone(img.ID); err != nil {
				return err
			}

			processed++
			if p.batchSize > 0 && processed%p.batchSize == 0 {
				// A checkpoint boundary: nothing additional to flush since
				// ReportItemDone already persisted progress per item, but this
				// is where a future batched-write optimization would commit.
			}
		}
		return nil
	}
}

// Produce generates (or reuses an already-valid) derived variant on
// demand for an arbitrary (width, height, quality, format) — the HTTP read
// path's L3-miss producer (spec §4.6: "call the Processor synchronously
// ... the first caller produces"). The Processor stays the only writer to
// the Artifact Store even for one-off synchronous requests that don't
// match the collection's configured thumbnail/cache box.
func (p *Processor) Produce(ctx context.Context, img *model.Image, coll *model.Collection, kind model.VariantKind, width, height, quality int, format string) ([]byte, string, error) {
	store, err := p.storeForCollection(ctx, coll.ID)
	if err != nil {
		return nil, "", err
	}

	fp := artifactstore.Fingerprint(artifactstore.VariantParams{
		ImageID: img.ID, Kind: kind, Width: width, Height: height, Quality: quality, Format: format,
	})
	ext := artifactstore.Extension(format)

	if _, ok, err := store.Stat(ctx, fp, ext); err != nil {
		return nil, "", model.Wrap(model.KindInfrastructureUnavailable, err, "processor: stat existing variant")
	} else if ok {
		rc, err := store.Open(ctx, fp, ext)
		if err != nil {
			return nil, "", err
		}
		defer rc.Close()
		data, err := io.ReadAll(rc)
		if err != nil {
			return nil, "", model.Wrap(model.KindInfrastructureUnavailable, err, "processor: read existing variant")
		}
		return data, ext, nil
	}

	reader, err := archivefs.Open(coll.Type, coll.Path)
	if err != nil {
		return nil, "", err
	}
	entry := archivefs.Entry{RelativePath: img.RelativePath}
	src, err := reader.Open(entry)
	if err != nil {
		return nil, "", err
	}
	defer src.Close()

	decoded, _, err := imagecodec.Decode(src)
	if err != nil {
		return nil, "", err
	}
	resized := imagecodec.Resize(decoded, imagecodec.Box{Width: width, Height: height})

	encoded, err := imagecodec.Encode(resized, format, quality)
	if err != nil {
		return nil, "", err
	}
	if _, err := store.Write(ctx, fp, ext, encoded, nil); err != nil {
		return nil, "", err
	}
	return encoded, ext, nil
}

func (p *Processor) storeForCollection(ctx context.Context, collectionID model.ID) (*artifactstore.Store, error) {
	binding, err := p.repo.GetBinding(ctx, collectionID)
	if err != nil {
		return nil, err
	}
	store, ok := p.stores(binding.CacheRootID)
	if !ok {
		return nil, model.New(model.KindNoActiveCacheRoot, "processor: no store wired for bound cache root")
	}
	return store, nil
}

func (p *Processor) upsertImageRecord(ctx context.Context, coll *model.Collection, entry archivefs.Entry) (*model.Image, error) {
	existing, err := p.repo.GetImageByPath(ctx, coll.ID, entry.RelativePath)
	if err == nil && existing != nil {
		existing.FileSizeBytes = entry.SizeBytes
		if err := p.repo.UpsertImage(ctx, existing); err != nil {
			return existing, model.Wrap(model.KindInfrastructureUnavailable, err, "processor: upsert image")
		}
		return existing, nil
	}

	img := &model.Image{
		ID:            model.NewID(),
		CollectionID:  coll.ID,
		Filename:      path.Base(entry.RelativePath),
		RelativePath:  entry.RelativePath,
		FileSizeBytes: entry.SizeBytes,
		CreatedAt:     time.Now(),
	}
	if err := p.repo.UpsertImage(ctx, img); err != nil {
		return img, model.Wrap(model.KindInfrastructureUnavailable, err, "processor: create image")
	}
	return img, nil
}

// processImage runs step 1 (probe) and steps 3-4 (variant generation) of
// spec §4.8 for one image, skipping any variant that already has a valid
// artifact.
func (p *Processor) processImage(ctx context.Context, reader archivefs.Reader, entry archivefs.Entry, coll *model.Collection, img *model.Image, store *artifactstore.Store, wantThumb, wantCache, force bool) error {
	src, err := reader.Open(entry)
	if err != nil {
		return err
	}
	defer src.Close()

	probe, err := imagecodec.Probe(src)
	if err != nil {
		return err
	}
	img.Width = probe.Width
	img.Height = probe.Height
	img.Format = probe.Format
	if err := p.repo.UpsertImage(ctx, img); err != nil {
		return model.Wrap(model.KindInfrastructureUnavailable, err, "processor: persist probe result")
	}

	if wantThumb {
		box := imagecodec.Box{Width: coll.Settings.ThumbnailWidth, Height: coll.Settings.ThumbnailHeight}
		if err := p.ensureVariant(ctx, reader, entry, img, coll, model.VariantThumbnail, box, store, force); err != nil {
			return err
		}
	}
	if wantCache {
		box := imagecodec.Box{Width: coll.Settings.CacheWidth, Height: coll.Settings.CacheHeight}
		if err := p.ensureVariant(ctx, reader, entry, img, coll, model.VariantCache, box, store, force); err != nil {
			return err
		}
	}
	return nil
}

// ensureVariant produces and stores one derived variant if a valid
// artifact does not already exist under its fingerprint (spec §4.8 steps
// 3-4: "if ... no valid ... artifact exists"). When force is true (the
// regenerate-thumbnails admin operation) the existing artifact is deleted
// first so the normal stat-then-skip path can't short-circuit it.
func (p *Processor) ensureVariant(ctx context.Context, reader archivefs.Reader, entry archivefs.Entry, img *model.Image, coll *model.Collection, kind model.VariantKind, box imagecodec.Box, store *artifactstore.Store, force bool) error {
	fp := artifactstore.Fingerprint(artifactstore.VariantParams{
		ImageID: img.ID,
		Kind:    kind,
		Width:   box.Width,
		Height:  box.Height,
		Quality: coll.Settings.Quality,
		Format:  coll.Settings.CacheFormat,
	})
	ext := artifactstore.Extension(coll.Settings.CacheFormat)

	if force {
		existing, ok, err := store.Stat(ctx, fp, ext)
		if err != nil {
			return model.Wrap(model.KindInfrastructureUnavailable, err, "processor: stat stale variant")
		}
		if ok {
			if err := store.Delete(ctx, fp, ext, existing.SizeBytes); err != nil {
				return model.Wrap(model.KindInfrastructureUnavailable, err, "processor: delete stale variant")
			}
		}
		if p.cache != nil {
			p.cache.Invalidate(ctx, fp)
		}
	} else if _, ok, err := store.Stat(ctx, fp, ext); err != nil {
		return model.Wrap(model.KindInfrastructureUnavailable, err, "processor: stat existing variant")
	} else if ok {
		return nil
	}

	src, err := reader.Open(entry)
	if err != nil {
		return err
	}
	defer src.Close()

	decoded, _, err := imagecodec.Decode(src)
	if err != nil {
		return err
	}
	resized := imagecodec.Resize(decoded, box)

	encoded, err := imagecodec.Encode(resized, coll.Settings.CacheFormat, coll.Settings.Quality)
	if err != nil {
		return err
	}

	if _, err := store.Write(ctx, fp, ext, encoded, nil); err != nil {
		return err
	}
	if p.cache != nil {
		p.cache.Invalidate(ctx, fp)
	}
	return nil
}
