// Package admin implements the Admin Operations (spec §4.10): bulk-add a
// tree of candidate collections, regenerate thumbnails, redistribute the
// cache across roots, and pick a random collection. Every operation that
// does real work is modeled as a job so it is observable, resumable, and
// cancellable the same way a scan is — grounded on perkeep's
// pkg/importer/importer.go, which enqueues one unit of work per discovered
// item and tracks the whole thing as a single run.
package admin

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	log "github.com/sirupsen/logrus"

	"github.com/letuhao/imagevault/pkg/jobs"
	"github.com/letuhao/imagevault/pkg/model"
	"github.com/letuhao/imagevault/pkg/placement"
	"github.com/letuhao/imagevault/pkg/readcache"
)

// archiveExt maps a recognized archive file extension to the
// model.CollectionType it should be onboarded as (spec §4.2's container
// set, minus the two formats neither archivefs nor any pack library
// decodes — SevenZip/Rar stay enumerable as a bulk-add candidate but fail
// with model.KindUnsupportedFormat the first time a scan tries to open
// them, same as a manually created collection would).
var archiveExt = map[string]model.CollectionType{
	".zip":     model.CollectionZip,
	".tar":     model.CollectionTar,
	".tar.gz":  model.CollectionTarGz,
	".tgz":     model.CollectionTarGz,
	".tar.bz2": model.CollectionTarBz2,
	".7z":      model.CollectionSevenZip,
	".rar":     model.CollectionRar,
}

// Service implements the admin operations over the shared repository,
// scheduler and placement components cmd/imagevaultd already constructed.
type Service struct {
	repo          model.Repository
	scheduler     *jobs.Scheduler
	placement     *placement.Engine
	redistributor *placement.Redistributor
	cache         *readcache.ReadCache
}

// New builds a Service.
func New(repo model.Repository, sched *jobs.Scheduler, eng *placement.Engine, redist *placement.Redistributor, cache *readcache.ReadCache) *Service {
	return &Service{repo: repo, scheduler: sched, placement: eng, redistributor: redist, cache: cache}
}

// candidate is one entry bulk-add discovered under the parent path.
type candidate struct {
	path string
	typ  model.CollectionType
}

func classify(path string, isDir bool) (model.CollectionType, bool) {
	if isDir {
		return model.CollectionFolder, true
	}
	lower := strings.ToLower(path)
	for ext, typ := range archiveExt {
		if strings.HasSuffix(lower, ext) {
			return typ, true
		}
	}
	return "", false
}

// namePattern turns namePrefix into a doublestar glob pattern (spec §4.10
// bulk-add name filtering), grounded on mutagen's ignore-pattern matching
// (pkg/synchronization/core/ignore.go's doublestar.Match(pattern, path)):
// a prefix with no glob metacharacters is treated as a plain prefix match
// by appending "*", so existing "keep-"-style filters keep working, while
// a caller that passes an explicit glob ("album-*.zip", "20??-*") gets
// real glob matching.
func namePattern(namePrefix string) string {
	if namePrefix == "" || strings.ContainsAny(namePrefix, "*?[") {
		return namePrefix
	}
	return namePrefix + "*"
}

func discoverCandidates(parentPath, namePrefix string, includeSubfolders bool) ([]candidate, error) {
	pattern := namePattern(namePrefix)

	var out []candidate
	var collectErr error
	collect := func(path string, isDir bool) {
		if collectErr != nil {
			return
		}
		if pattern != "" {
			matched, err := doublestar.Match(pattern, filepath.Base(path))
			if err != nil {
				collectErr = model.Wrap(model.KindValidation, err, "admin: invalid namePrefix glob pattern")
				return
			}
			if !matched {
				return
			}
		}
		if typ, ok := classify(path, isDir); ok {
			out = append(out, candidate{path: path, typ: typ})
		}
	}

	entries, err := os.ReadDir(parentPath)
	if err != nil {
		return nil, model.Wrap(model.KindInfrastructureUnavailable, err, "admin: read parent path")
	}
	for _, e := range entries {
		full := filepath.Join(parentPath, e.Name())
		collect(full, e.IsDir())
	}
	if collectErr != nil {
		return nil, collectErr
	}

	if includeSubfolders {
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			root := filepath.Join(parentPath, e.Name())
			_ = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
				if err != nil || path == root {
					return nil
				}
				if d.IsDir() {
					collect(path, true)
				}
				return nil
			})
		}
		if collectErr != nil {
			return nil, collectErr
		}
	}
	return out, nil
}

// BulkAdd enumerates candidate collections under parentPath and enqueues
// one ScanCollection job per discovered child, tracked under a single
// parent BulkAdd job (spec §4.10 bulk-add).
func (s *Service) BulkAdd(ctx context.Context, parentPath, namePrefix string, includeSubfolders, autoAdd bool) (*model.JobRecord, error) {
	candidates, err := discoverCandidates(parentPath, namePrefix, includeSubfolders)
	if err != nil {
		return nil, err
	}

	childIDs := make([]model.ID, 0, len(candidates))
	for _, c := range candidates {
		if _, err := s.repo.GetCollectionByPath(ctx, c.path); err == nil {
			continue // already onboarded; bulk-add is idempotent per path
		}

		coll := &model.Collection{
			ID:        model.NewID(),
			Name:      filepath.Base(c.path),
			Path:      c.path,
			Type:      c.typ,
			CreatedAt: time.Now(),
			UpdatedAt: time.Now(),
			Settings:  model.DefaultCollectionSettings(),
		}
		coll.Settings.AutoScan = autoAdd
		if err := s.repo.CreateCollection(ctx, coll); err != nil {
			log.WithError(err).WithField("path", c.path).Warn("admin: bulk-add failed to create collection")
			continue
		}

		root, err := s.placement.Select(ctx)
		if err != nil {
			log.WithError(err).WithField("path", c.path).Warn("admin: bulk-add failed to place collection")
			continue
		}
		if err := s.repo.CreateBinding(ctx, &model.CollectionCacheBinding{ID: model.NewID(), CollectionID: coll.ID, CacheRootID: root.ID, CreatedAt: time.Now()}); err != nil {
			log.WithError(err).WithField("path", c.path).Warn("admin: bulk-add failed to bind collection")
			continue
		}

		child := &model.JobRecord{ID: model.NewID(), Type: model.JobScanCollection, Parameters: model.JobParameters{CollectionID: coll.ID}}
		if err := s.scheduler.Enqueue(ctx, child); err != nil {
			log.WithError(err).WithField("path", c.path).Warn("admin: bulk-add failed to enqueue scan")
			continue
		}
		childIDs = append(childIDs, child.ID)
	}

	parent := &model.JobRecord{
		ID:   model.NewID(),
		Type: model.JobBulkAdd,
		Parameters: model.JobParameters{
			ParentPath:        parentPath,
			NamePrefix:        namePrefix,
			IncludeSubfolders: includeSubfolders,
			AutoAdd:           autoAdd,
			ChildJobIDs:       childIDs,
		},
	}
	if err := s.scheduler.Enqueue(ctx, parent); err != nil {
		return nil, err
	}
	return parent, nil
}

// BulkAddHandler watches the child ScanCollection jobs a BulkAdd run
// spawned and aggregates their terminal states into its own progress,
// since the enumeration work itself already happened synchronously in
// BulkAdd before this job was even enqueued.
func (s *Service) BulkAddHandler() jobs.Handler {
	return func(ctx context.Context, job *model.JobRecord, rc *jobs.RunControl) error {
		children := job.Parameters.ChildJobIDs
		if err := rc.SetTotalItems(len(children)); err != nil {
			return err
		}

		remaining := make(map[model.ID]bool, len(children))
		for _, id := range children {
			remaining[id] = true
		}

		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for len(remaining) > 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			if rc.ShouldPause() {
				return jobs.ErrPaused
			}
			for id := range remaining {
				child, err := s.repo.GetJob(ctx, id)
				if err != nil {
					continue
				}
				switch child.State {
				case model.JobCompleted:
					delete(remaining, id)
					if err := rc.ReportItemDone(id); err != nil {
						return err
					}
				case model.JobFailed, model.JobCancelled:
					delete(remaining, id)
					if err := rc.ReportItemFailed(id); err != nil {
						return err
					}
				}
			}
			if len(remaining) == 0 {
				break
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
		return nil
	}
}

// ScanCollection enqueues a ScanCollection job for an existing collection
// (the manual trigger behind a CollectionSettings.AutoScan == false
// collection, or a re-scan after source files changed on disk).
func (s *Service) ScanCollection(ctx context.Context, collectionID model.ID) (*model.JobRecord, error) {
	coll, err := s.repo.GetCollection(ctx, collectionID)
	if err != nil {
		return nil, err
	}
	job := &model.JobRecord{
		ID:         model.NewID(),
		Type:       model.JobScanCollection,
		Parameters: model.JobParameters{CollectionID: coll.ID},
	}
	if err := s.scheduler.Enqueue(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// RegenerateThumbnails enqueues a RegenerateThumbnails job that forces
// re-derivation on disk (spec §4.10 regenerate-thumbnails). It does not
// touch the read cache itself; the job's handler invalidates each thumbnail
// fingerprint as it regenerates it.
func (s *Service) RegenerateThumbnails(ctx context.Context, collectionID model.ID) (*model.JobRecord, error) {
	coll, err := s.repo.GetCollection(ctx, collectionID)
	if err != nil {
		return nil, err
	}
	job := &model.JobRecord{
		ID:         model.NewID(),
		Type:       model.JobRegenerateThumbnails,
		Parameters: model.JobParameters{CollectionID: coll.ID},
	}
	if err := s.scheduler.Enqueue(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// RedistributeCache enqueues a Redistribute job that rebinds every
// collection across the currently active cache roots round-robin (spec
// §4.10 redistribute-cache, spec §4.4 Redistributor.Plan/Apply).
func (s *Service) RedistributeCache(ctx context.Context) (*model.JobRecord, error) {
	job := &model.JobRecord{ID: model.NewID(), Type: model.JobRedistribute}
	if err := s.scheduler.Enqueue(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// RedistributeHandler is the jobs.Handler for JobRedistribute: plan once up
// front so TotalItems is known, then apply one collection's reassignment
// per resumable step.
func (s *Service) RedistributeHandler() jobs.Handler {
	return func(ctx context.Context, job *model.JobRecord, rc *jobs.RunControl) error {
		plan, err := s.redistributor.Plan(ctx)
		if err != nil {
			return err
		}
		if err := rc.SetTotalItems(len(plan)); err != nil {
			return err
		}
		for collID, rootID := range plan {
			if err := ctx.Err(); err != nil {
				return err
			}
			if rc.ShouldPause() {
				return jobs.ErrPaused
			}
			if job.AlreadyHandled(collID) {
				if err := rc.ReportItemSkipped(); err != nil {
					return err
				}
				continue
			}
			if err := s.redistributor.Apply(ctx, collID, rootID); err != nil {
				if reportErr := rc.ReportItemFailed(collID); reportErr != nil {
					return reportErr
				}
				continue
			}
			if err := rc.ReportItemDone(collID); err != nil {
				return err
			}
		}
		return nil
	}
}

// RandomCollection returns a uniformly chosen, non-deleted collection
// (spec §4.10 random collection: "count then offset"), or
// model.KindNotFound if there are none.
func (s *Service) RandomCollection(ctx context.Context) (*model.Collection, error) {
	count, err := s.repo.CountActiveCollections(ctx)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, model.New(model.KindNotFound, "admin: no active collections")
	}
	offset := rand.Int63n(count)
	return s.repo.GetCollectionAtOffset(ctx, offset)
}
