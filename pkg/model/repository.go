package model

import "context"

// Repository is the boundary to the external metadata store (spec §6):
// collections, images, cache roots, bindings and job records. The store
// itself (document database, relational store, whatever a deployment
// already runs) is an external collaborator per spec §1; the core only
// ever talks to it through this interface so it stays swappable.
//
// Implementations must uphold the uniqueness invariants spec §3/§6 name:
// unique Collection.Path among non-deleted collections, unique
// (CollectionID, RelativePath) among images, unique CacheRoot.Path, and
// exactly one non-deleted binding per collection.
type Repository interface {
	CollectionRepository
	ImageRepository
	CacheRootRepository
	BindingRepository
	JobRepository
}

// CollectionRepository persists Collection aggregates.
type CollectionRepository interface {
	CreateCollection(ctx context.Context, c *Collection) error
	UpdateCollection(ctx context.Context, c *Collection) error
	GetCollection(ctx context.Context, id ID) (*Collection, error)
	GetCollectionByPath(ctx context.Context, path string) (*Collection, error)
	SoftDeleteCollection(ctx context.Context, id ID) error
	ListActiveCollections(ctx context.Context) ([]*Collection, error)
	CountActiveCollections(ctx context.Context) (int64, error)
	// GetCollectionAtOffset returns the collection at the given zero-based
	// offset among non-deleted, active collections in a stable order. It
	// backs the Admin Operations "random collection" read (spec §4.10).
	GetCollectionAtOffset(ctx context.Context, offset int64) (*Collection, error)
}

// ImageRepository persists Image entities.
type ImageRepository interface {
	UpsertImage(ctx context.Context, img *Image) error
	GetImage(ctx context.Context, id ID) (*Image, error)
	GetImageByPath(ctx context.Context, collectionID ID, relativePath string) (*Image, error)
	ListImages(ctx context.Context, collectionID ID) ([]*Image, error)
	DeleteImagesByCollection(ctx context.Context, collectionID ID) error
}

// CacheRootRepository persists CacheRoot entities and their counters.
type CacheRootRepository interface {
	CreateCacheRoot(ctx context.Context, r *CacheRoot) error
	GetCacheRoot(ctx context.Context, id ID) (*CacheRoot, error)
	ListActiveCacheRoots(ctx context.Context) ([]*CacheRoot, error)
	ListAllCacheRoots(ctx context.Context) ([]*CacheRoot, error)
	// AdjustCounters applies a (possibly negative) delta to a root's
	// currentSizeBytes/fileCount atomically. Used by the reserve/commit/abort
	// protocol in pkg/placement.
	AdjustCounters(ctx context.Context, rootID ID, sizeDelta int64, fileDelta int64) error
	SetCacheRootCounters(ctx context.Context, rootID ID, sizeBytes int64, fileCount int64) error
}

// BindingRepository persists CollectionCacheBinding entities.
type BindingRepository interface {
	GetBinding(ctx context.Context, collectionID ID) (*CollectionCacheBinding, error)
	CreateBinding(ctx context.Context, b *CollectionCacheBinding) error
	ClearBinding(ctx context.Context, collectionID ID) error
	ListBindingsForRoot(ctx context.Context, rootID ID) ([]*CollectionCacheBinding, error)
	ListAllBindings(ctx context.Context) ([]*CollectionCacheBinding, error)
}

// JobRepository persists JobRecord entities.
type JobRepository interface {
	CreateJob(ctx context.Context, j *JobRecord) error
	GetJob(ctx context.Context, id ID) (*JobRecord, error)
	// UpdateJobCAS performs a compare-and-set on State, using expectedState
	// as the expected-current-value (spec §5, "Job state: updates are
	// compare-and-set"). Returns a KindConflict error if the current state
	// does not match expectedState.
	UpdateJobCAS(ctx context.Context, j *JobRecord, expectedState JobState) error
	// UpdateJobProgress persists progress fields without touching State;
	// callers must still serialize calls per job (spec §5 ordering
	// guarantee: "progress updates are ... serialized per job").
	UpdateJobProgress(ctx context.Context, j *JobRecord) error
	ListJobsByStateAndType(ctx context.Context, state JobState, jobType JobType) ([]*JobRecord, error)
	ListResumableJobs(ctx context.Context) ([]*JobRecord, error)
}
