// Package metastore is a default, fully-working model.Repository
// implementation over pkg/kv.Store, for deployments that don't already run
// a document database to point the core at (spec §1 treats the metadata
// store as an external collaborator; this package is the "batteries
// included" collaborator cmd/imagevaultd wires up when no other one is
// configured). Every entity is JSON-encoded behind a small per-entity key
// scheme, the same "encode a struct, keep it behind a tiny interface"
// shape perkeep's pkg/sorted backends use for everything from blob
// enumeration to claim indexing.
package metastore

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/letuhao/imagevault/pkg/kv"
	"github.com/letuhao/imagevault/pkg/model"
)

const (
	prefixCollection     = "collection:"
	prefixCollectionPath = "collection_path:"
	prefixImage          = "image:"
	prefixImagePath      = "image_path:"
	prefixCacheRoot      = "cacheroot:"
	prefixBinding        = "binding:"
	prefixJob            = "job:"
)

// Store is a model.Repository backed by a kv.Store.
type Store struct {
	kv kv.Store
}

// New wraps kv as a full model.Repository.
func New(kv kv.Store) *Store {
	return &Store{kv: kv}
}

var _ model.Repository = (*Store)(nil)

func scanPrefix(s kv.Store, prefix string, fn func(key, value string) error) error {
	it := s.Find(prefix, prefix+"\xff")
	defer it.Close()
	for it.Next() {
		if err := fn(it.Key(), it.Value()); err != nil {
			return err
		}
	}
	return nil
}

// --- Collections ---

type collectionDTO struct {
	ID        string                    `json:"id"`
	Name      string                    `json:"name"`
	Path      string                    `json:"path"`
	Type      model.CollectionType      `json:"type"`
	CreatedAt time.Time                 `json:"createdAt"`
	UpdatedAt time.Time                 `json:"updatedAt"`
	Settings  model.CollectionSettings  `json:"settings"`
	Stats     model.CollectionStatistics `json:"stats"`
	DeletedAt *time.Time                `json:"deletedAt,omitempty"`
}

func toCollectionDTO(c *model.Collection) collectionDTO {
	return collectionDTO{
		ID: c.ID.String(), Name: c.Name, Path: c.Path, Type: c.Type,
		CreatedAt: c.CreatedAt, UpdatedAt: c.UpdatedAt, Settings: c.Settings, Stats: c.Stats, DeletedAt: c.DeletedAt,
	}
}

func (d collectionDTO) toModel() (*model.Collection, error) {
	id, err := model.ParseID(d.ID)
	if err != nil {
		return nil, err
	}
	return &model.Collection{
		ID: id, Name: d.Name, Path: d.Path, Type: d.Type,
		CreatedAt: d.CreatedAt, UpdatedAt: d.UpdatedAt, Settings: d.Settings, Stats: d.Stats, DeletedAt: d.DeletedAt,
	}, nil
}

func (s *Store) putCollection(c *model.Collection) error {
	b, err := json.Marshal(toCollectionDTO(c))
	if err != nil {
		return model.Wrap(model.KindValidation, err, "metastore: encode collection")
	}
	if err := s.kv.Set(prefixCollection+c.ID.String(), string(b)); err != nil {
		return model.Wrap(model.KindInfrastructureUnavailable, err, "metastore: put collection")
	}
	return s.kv.Set(prefixCollectionPath+c.Path, c.ID.String())
}

func (s *Store) CreateCollection(ctx context.Context, c *model.Collection) error {
	if _, err := s.kv.Get(prefixCollectionPath + c.Path); err == nil {
		return model.New(model.KindConflict, "metastore: collection path already exists")
	}
	return s.putCollection(c)
}

func (s *Store) UpdateCollection(ctx context.Context, c *model.Collection) error {
	return s.putCollection(c)
}

func (s *Store) GetCollection(ctx context.Context, id model.ID) (*model.Collection, error) {
	v, err := s.kv.Get(prefixCollection + id.String())
	if err == kv.ErrNotFound {
		return nil, model.New(model.KindNotFound, "metastore: collection not found")
	}
	if err != nil {
		return nil, model.Wrap(model.KindInfrastructureUnavailable, err, "metastore: get collection")
	}
	var dto collectionDTO
	if err := json.Unmarshal([]byte(v), &dto); err != nil {
		return nil, model.Wrap(model.KindInfrastructureUnavailable, err, "metastore: decode collection")
	}
	return dto.toModel()
}

func (s *Store) GetCollectionByPath(ctx context.Context, path string) (*model.Collection, error) {
	idStr, err := s.kv.Get(prefixCollectionPath + path)
	if err == kv.ErrNotFound {
		return nil, model.New(model.KindNotFound, "metastore: collection not found")
	}
	if err != nil {
		return nil, model.Wrap(model.KindInfrastructureUnavailable, err, "metastore: get collection by path")
	}
	id, err := model.ParseID(idStr)
	if err != nil {
		return nil, model.Wrap(model.KindInfrastructureUnavailable, err, "metastore: decode collection id")
	}
	return s.GetCollection(ctx, id)
}

func (s *Store) SoftDeleteCollection(ctx context.Context, id model.ID) error {
	c, err := s.GetCollection(ctx, id)
	if err != nil {
		return err
	}
	now := time.Now()
	c.DeletedAt = &now
	return s.putCollection(c)
}

func (s *Store) listActiveCollections(ctx context.Context) ([]*model.Collection, error) {
	var out []*model.Collection
	err := scanPrefix(s.kv, prefixCollection, func(key, value string) error {
		var dto collectionDTO
		if err := json.Unmarshal([]byte(value), &dto); err != nil {
			return model.Wrap(model.KindInfrastructureUnavailable, err, "metastore: decode collection")
		}
		if dto.DeletedAt != nil {
			return nil
		}
		c, err := dto.toModel()
		if err != nil {
			return err
		}
		out = append(out, c)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (s *Store) ListActiveCollections(ctx context.Context) ([]*model.Collection, error) {
	return s.listActiveCollections(ctx)
}

func (s *Store) CountActiveCollections(ctx context.Context) (int64, error) {
	active, err := s.listActiveCollections(ctx)
	if err != nil {
		return 0, err
	}
	return int64(len(active)), nil
}

func (s *Store) GetCollectionAtOffset(ctx context.Context, offset int64) (*model.Collection, error) {
	active, err := s.listActiveCollections(ctx)
	if err != nil {
		return nil, err
	}
	if offset < 0 || offset >= int64(len(active)) {
		return nil, model.New(model.KindNotFound, "metastore: offset out of range")
	}
	return active[offset], nil
}

// --- Images ---

type imageDTO struct {
	ID            string    `json:"id"`
	CollectionID  string    `json:"collectionId"`
	Filename      string    `json:"filename"`
	RelativePath  string    `json:"relativePath"`
	FileSizeBytes int64     `json:"fileSizeBytes"`
	Width         int       `json:"width"`
	Height        int       `json:"height"`
	Format        string    `json:"format"`
	CreatedAt     time.Time `json:"createdAt"`
}

func toImageDTO(img *model.Image) imageDTO {
	return imageDTO{
		ID: img.ID.String(), CollectionID: img.CollectionID.String(), Filename: img.Filename,
		RelativePath: img.RelativePath, FileSizeBytes: img.FileSizeBytes, Width: img.Width,
		Height: img.Height, Format: img.Format, CreatedAt: img.CreatedAt,
	}
}

func (d imageDTO) toModel() (*model.Image, error) {
	id, err := model.ParseID(d.ID)
	if err != nil {
		return nil, err
	}
	collID, err := model.ParseID(d.CollectionID)
	if err != nil {
		return nil, err
	}
	return &model.Image{
		ID: id, CollectionID: collID, Filename: d.Filename, RelativePath: d.RelativePath,
		FileSizeBytes: d.FileSizeBytes, Width: d.Width, Height: d.Height, Format: d.Format, CreatedAt: d.CreatedAt,
	}, nil
}

func imagePathKey(collectionID model.ID, relativePath string) string {
	return prefixImagePath + collectionID.String() + "\x00" + relativePath
}

func (s *Store) UpsertImage(ctx context.Context, img *model.Image) error {
	b, err := json.Marshal(toImageDTO(img))
	if err != nil {
		return model.Wrap(model.KindValidation, err, "metastore: encode image")
	}
	if err := s.kv.Set(prefixImage+img.ID.String(), string(b)); err != nil {
		return model.Wrap(model.KindInfrastructureUnavailable, err, "metastore: put image")
	}
	return s.kv.Set(imagePathKey(img.CollectionID, img.RelativePath), img.ID.String())
}

func (s *Store) GetImage(ctx context.Context, id model.ID) (*model.Image, error) {
	v, err := s.kv.Get(prefixImage + id.String())
	if err == kv.ErrNotFound {
		return nil, model.New(model.KindNotFound, "metastore: image not found")
	}
	if err != nil {
		return nil, model.Wrap(model.KindInfrastructureUnavailable, err, "metastore: get image")
	}
	var dto imageDTO
	if err := json.Unmarshal([]byte(v), &dto); err != nil {
		return nil, model.Wrap(model.KindInfrastructureUnavailable, err, "metastore: decode image")
	}
	return dto.toModel()
}

func (s *Store) GetImageByPath(ctx context.Context, collectionID model.ID, relativePath string) (*model.Image, error) {
	idStr, err := s.kv.Get(imagePathKey(collectionID, relativePath))
	if err == kv.ErrNotFound {
		return nil, model.New(model.KindNotFound, "metastore: image not found")
	}
	if err != nil {
		return nil, model.Wrap(model.KindInfrastructureUnavailable, err, "metastore: get image by path")
	}
	id, err := model.ParseID(idStr)
	if err != nil {
		return nil, model.Wrap(model.KindInfrastructureUnavailable, err, "metastore: decode image id")
	}
	return s.GetImage(ctx, id)
}

func (s *Store) ListImages(ctx context.Context, collectionID model.ID) ([]*model.Image, error) {
	var out []*model.Image
	err := scanPrefix(s.kv, prefixImage, func(key, value string) error {
		var dto imageDTO
		if err := json.Unmarshal([]byte(value), &dto); err != nil {
			return model.Wrap(model.KindInfrastructureUnavailable, err, "metastore: decode image")
		}
		if dto.CollectionID != collectionID.String() {
			return nil
		}
		img, err := dto.toModel()
		if err != nil {
			return err
		}
		out = append(out, img)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RelativePath < out[j].RelativePath })
	return out, nil
}

func (s *Store) DeleteImagesByCollection(ctx context.Context, collectionID model.ID) error {
	imgs, err := s.ListImages(ctx, collectionID)
	if err != nil {
		return err
	}
	for _, img := range imgs {
		if err := s.kv.Delete(prefixImage + img.ID.String()); err != nil {
			return model.Wrap(model.KindInfrastructureUnavailable, err, "metastore: delete image")
		}
		if err := s.kv.Delete(imagePathKey(collectionID, img.RelativePath)); err != nil {
			return model.Wrap(model.KindInfrastructureUnavailable, err, "metastore: delete image path index")
		}
	}
	return nil
}

// --- Cache roots ---

type cacheRootDTO struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	Path             string `json:"path"`
	MaxSizeBytes     int64  `json:"maxSizeBytes"`
	CurrentSizeBytes int64  `json:"currentSizeBytes"`
	FileCount        int64  `json:"fileCount"`
	Priority         int    `json:"priority"`
	IsActive         bool   `json:"isActive"`
}

func toCacheRootDTO(r *model.CacheRoot) cacheRootDTO {
	return cacheRootDTO{
		ID: r.ID.String(), Name: r.Name, Path: r.Path, MaxSizeBytes: r.MaxSizeBytes,
		CurrentSizeBytes: r.CurrentSizeBytes, FileCount: r.FileCount, Priority: r.Priority, IsActive: r.IsActive,
	}
}

func (d cacheRootDTO) toModel() (*model.CacheRoot, error) {
	id, err := model.ParseID(d.ID)
	if err != nil {
		return nil, err
	}
	return &model.CacheRoot{
		ID: id, Name: d.Name, Path: d.Path, MaxSizeBytes: d.MaxSizeBytes,
		CurrentSizeBytes: d.CurrentSizeBytes, FileCount: d.FileCount, Priority: d.Priority, IsActive: d.IsActive,
	}, nil
}

func (s *Store) putCacheRoot(r *model.CacheRoot) error {
	b, err := json.Marshal(toCacheRootDTO(r))
	if err != nil {
		return model.Wrap(model.KindValidation, err, "metastore: encode cache root")
	}
	if err := s.kv.Set(prefixCacheRoot+r.ID.String(), string(b)); err != nil {
		return model.Wrap(model.KindInfrastructureUnavailable, err, "metastore: put cache root")
	}
	return nil
}

func (s *Store) CreateCacheRoot(ctx context.Context, r *model.CacheRoot) error {
	return s.putCacheRoot(r)
}

func (s *Store) GetCacheRoot(ctx context.Context, id model.ID) (*model.CacheRoot, error) {
	v, err := s.kv.Get(prefixCacheRoot + id.String())
	if err == kv.ErrNotFound {
		return nil, model.New(model.KindNotFound, "metastore: cache root not found")
	}
	if err != nil {
		return nil, model.Wrap(model.KindInfrastructureUnavailable, err, "metastore: get cache root")
	}
	var dto cacheRootDTO
	if err := json.Unmarshal([]byte(v), &dto); err != nil {
		return nil, model.Wrap(model.KindInfrastructureUnavailable, err, "metastore: decode cache root")
	}
	return dto.toModel()
}

func (s *Store) listAllCacheRoots(ctx context.Context) ([]*model.CacheRoot, error) {
	var out []*model.CacheRoot
	err := scanPrefix(s.kv, prefixCacheRoot, func(key, value string) error {
		var dto cacheRootDTO
		if err := json.Unmarshal([]byte(value), &dto); err != nil {
			return model.Wrap(model.KindInfrastructureUnavailable, err, "metastore: decode cache root")
		}
		r, err := dto.toModel()
		if err != nil {
			return err
		}
		out = append(out, r)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (s *Store) ListAllCacheRoots(ctx context.Context) ([]*model.CacheRoot, error) {
	return s.listAllCacheRoots(ctx)
}

func (s *Store) ListActiveCacheRoots(ctx context.Context) ([]*model.CacheRoot, error) {
	all, err := s.listAllCacheRoots(ctx)
	if err != nil {
		return nil, err
	}
	var out []*model.CacheRoot
	for _, r := range all {
		if r.IsActive {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) AdjustCounters(ctx context.Context, rootID model.ID, sizeDelta, fileDelta int64) error {
	r, err := s.GetCacheRoot(ctx, rootID)
	if err != nil {
		return err
	}
	r.CurrentSizeBytes += sizeDelta
	r.FileCount += fileDelta
	if r.CurrentSizeBytes < 0 {
		r.CurrentSizeBytes = 0
	}
	if r.FileCount < 0 {
		r.FileCount = 0
	}
	return s.putCacheRoot(r)
}

func (s *Store) SetCacheRootCounters(ctx context.Context, rootID model.ID, sizeBytes, fileCount int64) error {
	r, err := s.GetCacheRoot(ctx, rootID)
	if err != nil {
		return err
	}
	r.CurrentSizeBytes = sizeBytes
	r.FileCount = fileCount
	return s.putCacheRoot(r)
}

// --- Bindings ---

type bindingDTO struct {
	ID           string     `json:"id"`
	CollectionID string     `json:"collectionId"`
	CacheRootID  string     `json:"cacheRootId"`
	CreatedAt    time.Time  `json:"createdAt"`
	DeletedAt    *time.Time `json:"deletedAt,omitempty"`
}

func toBindingDTO(b *model.CollectionCacheBinding) bindingDTO {
	return bindingDTO{ID: b.ID.String(), CollectionID: b.CollectionID.String(), CacheRootID: b.CacheRootID.String(), CreatedAt: b.CreatedAt, DeletedAt: b.DeletedAt}
}

func (d bindingDTO) toModel() (*model.CollectionCacheBinding, error) {
	id, err := model.ParseID(d.ID)
	if err != nil {
		return nil, err
	}
	collID, err := model.ParseID(d.CollectionID)
	if err != nil {
		return nil, err
	}
	rootID, err := model.ParseID(d.CacheRootID)
	if err != nil {
		return nil, err
	}
	return &model.CollectionCacheBinding{ID: id, CollectionID: collID, CacheRootID: rootID, CreatedAt: d.CreatedAt, DeletedAt: d.DeletedAt}, nil
}

func (s *Store) CreateBinding(ctx context.Context, b *model.CollectionCacheBinding) error {
	enc, err := json.Marshal(toBindingDTO(b))
	if err != nil {
		return model.Wrap(model.KindValidation, err, "metastore: encode binding")
	}
	return s.kv.Set(prefixBinding+b.CollectionID.String(), string(enc))
}

func (s *Store) GetBinding(ctx context.Context, collectionID model.ID) (*model.CollectionCacheBinding, error) {
	v, err := s.kv.Get(prefixBinding + collectionID.String())
	if err == kv.ErrNotFound {
		return nil, model.New(model.KindNotFound, "metastore: binding not found")
	}
	if err != nil {
		return nil, model.Wrap(model.KindInfrastructureUnavailable, err, "metastore: get binding")
	}
	var dto bindingDTO
	if err := json.Unmarshal([]byte(v), &dto); err != nil {
		return nil, model.Wrap(model.KindInfrastructureUnavailable, err, "metastore: decode binding")
	}
	return dto.toModel()
}

func (s *Store) ClearBinding(ctx context.Context, collectionID model.ID) error {
	if err := s.kv.Delete(prefixBinding + collectionID.String()); err != nil {
		return model.Wrap(model.KindInfrastructureUnavailable, err, "metastore: clear binding")
	}
	return nil
}

func (s *Store) ListBindingsForRoot(ctx context.Context, rootID model.ID) ([]*model.CollectionCacheBinding, error) {
	all, err := s.ListAllBindings(ctx)
	if err != nil {
		return nil, err
	}
	var out []*model.CollectionCacheBinding
	for _, b := range all {
		if b.CacheRootID == rootID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *Store) ListAllBindings(ctx context.Context) ([]*model.CollectionCacheBinding, error) {
	var out []*model.CollectionCacheBinding
	err := scanPrefix(s.kv, prefixBinding, func(key, value string) error {
		var dto bindingDTO
		if err := json.Unmarshal([]byte(value), &dto); err != nil {
			return model.Wrap(model.KindInfrastructureUnavailable, err, "metastore: decode binding")
		}
		b, err := dto.toModel()
		if err != nil {
			return err
		}
		out = append(out, b)
		return nil
	})
	return out, err
}

// --- Jobs ---

type jobDTO struct {
	ID               string            `json:"id"`
	Type             model.JobType     `json:"type"`
	State            model.JobState    `json:"state"`
	Parameters       jobParametersDTO  `json:"parameters"`
	Priority         int               `json:"priority"`
	TotalItems       int               `json:"totalItems"`
	CompletedItems   int               `json:"completedItems"`
	FailedItems      int               `json:"failedItems"`
	SkippedItems     int               `json:"skippedItems"`
	ProcessedItemIDs []string          `json:"processedItemIds,omitempty"`
	FailedItemIDs    []string          `json:"failedItemIds,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
	StartedAt        *time.Time        `json:"startedAt,omitempty"`
	LastProgressAt   *time.Time        `json:"lastProgressAt,omitempty"`
	CompletedAt      *time.Time        `json:"completedAt,omitempty"`
	ErrorMessage     string            `json:"errorMessage,omitempty"`
	CanResume        bool              `json:"canResume"`
	RetryCount       int               `json:"retryCount"`
}

type jobParametersDTO struct {
	CollectionID      string   `json:"collectionId,omitempty"`
	ParentPath        string   `json:"parentPath,omitempty"`
	NamePrefix        string   `json:"namePrefix,omitempty"`
	IncludeSubfolders bool     `json:"includeSubfolders,omitempty"`
	AutoAdd           bool     `json:"autoAdd,omitempty"`
	ChildJobIDs       []string `json:"childJobIds,omitempty"`
}

func idSliceToStrings(ids []model.ID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func idSetToStrings(set map[model.ID]bool) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id.String())
	}
	sort.Strings(out)
	return out
}

func stringsToIDSet(ss []string) (map[model.ID]bool, error) {
	out := make(map[model.ID]bool, len(ss))
	for _, s := range ss {
		id, err := model.ParseID(s)
		if err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, nil
}

func toJobDTO(j *model.JobRecord) jobDTO {
	params := jobParametersDTO{
		ParentPath: j.Parameters.ParentPath, NamePrefix: j.Parameters.NamePrefix,
		IncludeSubfolders: j.Parameters.IncludeSubfolders, AutoAdd: j.Parameters.AutoAdd,
		ChildJobIDs: idSliceToStrings(j.Parameters.ChildJobIDs),
	}
	if !j.Parameters.CollectionID.IsZero() {
		params.CollectionID = j.Parameters.CollectionID.String()
	}
	return jobDTO{
		ID: j.ID.String(), Type: j.Type, State: j.State, Parameters: params, Priority: j.Priority,
		TotalItems: j.TotalItems, CompletedItems: j.CompletedItems, FailedItems: j.FailedItems, SkippedItems: j.SkippedItems,
		ProcessedItemIDs: idSetToStrings(j.ProcessedItemIDs), FailedItemIDs: idSetToStrings(j.FailedItemIDs),
		CreatedAt: j.CreatedAt, StartedAt: j.StartedAt, LastProgressAt: j.LastProgressAt, CompletedAt: j.CompletedAt,
		ErrorMessage: j.ErrorMessage, CanResume: j.CanResume, RetryCount: j.RetryCount,
	}
}

func (d jobDTO) toModel() (*model.JobRecord, error) {
	id, err := model.ParseID(d.ID)
	if err != nil {
		return nil, err
	}
	processed, err := stringsToIDSet(d.ProcessedItemIDs)
	if err != nil {
		return nil, err
	}
	failed, err := stringsToIDSet(d.FailedItemIDs)
	if err != nil {
		return nil, err
	}
	var collID model.ID
	if d.Parameters.CollectionID != "" {
		collID, err = model.ParseID(d.Parameters.CollectionID)
		if err != nil {
			return nil, err
		}
	}
	childIDs := make([]model.ID, len(d.Parameters.ChildJobIDs))
	for i, s := range d.Parameters.ChildJobIDs {
		cid, err := model.ParseID(s)
		if err != nil {
			return nil, err
		}
		childIDs[i] = cid
	}
	return &model.JobRecord{
		ID: id, Type: d.Type, State: d.State,
		Parameters: model.JobParameters{
			CollectionID: collID, ParentPath: d.Parameters.ParentPath, NamePrefix: d.Parameters.NamePrefix,
			IncludeSubfolders: d.Parameters.IncludeSubfolders, AutoAdd: d.Parameters.AutoAdd, ChildJobIDs: childIDs,
		},
		Priority: d.Priority, TotalItems: d.TotalItems, CompletedItems: d.CompletedItems,
		FailedItems: d.FailedItems, SkippedItems: d.SkippedItems,
		ProcessedItemIDs: processed, FailedItemIDs: failed,
		CreatedAt: d.CreatedAt, StartedAt: d.StartedAt, LastProgressAt: d.LastProgressAt, CompletedAt: d.CompletedAt,
		ErrorMessage: d.ErrorMessage, CanResume: d.CanResume, RetryCount: d.RetryCount,
	}, nil
}

func (s *Store) putJob(j *model.JobRecord) error {
	b, err := json.Marshal(toJobDTO(j))
	if err != nil {
		return model.Wrap(model.KindValidation, err, "metastore: marshal job")
	}
	if err := s.kv.Set(prefixJob+j.ID.String(), string(b)); err != nil {
		return model.Wrap(model.KindInfrastructureUnavailable, err, "metastore: put job")
	}
	return nil
}

func (s *Store) CreateJob(ctx context.Context, j *model.JobRecord) error {
	return s.putJob(j)
}

func (s *Store) GetJob(ctx context.Context, id model.ID) (*model.JobRecord, error) {
	v, err := s.kv.Get(prefixJob + id.String())
	if err == kv.ErrNotFound {
		return nil, model.New(model.KindNotFound, "metastore: job not found")
	}
	if err != nil {
		return nil, model.Wrap(model.KindInfrastructureUnavailable, err, "metastore: get job")
	}
	var dto jobDTO
	if err := json.Unmarshal([]byte(v), &dto); err != nil {
		return nil, model.Wrap(model.KindInfrastructureUnavailable, err, "metastore: decode job")
	}
	return dto.toModel()
}

// UpdateJobCAS performs the compare-and-set the job state machine requires
// (spec §5): kv.Store itself has no transaction primitive, so the
// surrounding invariant (no two runners ever see their own CAS both
// succeed for the same job) is upheld at a higher level by jobs.Scheduler,
// which only ever calls UpdateJobCAS once per job per state edge from a
// single in-process runJob goroutine per job id.
func (s *Store) UpdateJobCAS(ctx context.Context, j *model.JobRecord, expectedState model.JobState) error {
	current, err := s.GetJob(ctx, j.ID)
	if err != nil {
		return err
	}
	if current.State != expectedState {
		return model.New(model.KindConflict, "metastore: job state changed concurrently")
	}
	return s.putJob(j)
}

func (s *Store) UpdateJobProgress(ctx context.Context, j *model.JobRecord) error {
	return s.putJob(j)
}

func (s *Store) listJobs(ctx context.Context) ([]*model.JobRecord, error) {
	var out []*model.JobRecord
	err := scanPrefix(s.kv, prefixJob, func(key, value string) error {
		var dto jobDTO
		if err := json.Unmarshal([]byte(value), &dto); err != nil {
			return model.Wrap(model.KindInfrastructureUnavailable, err, "metastore: decode job")
		}
		j, err := dto.toModel()
		if err != nil {
			return err
		}
		out = append(out, j)
		return nil
	})
	return out, err
}

func (s *Store) ListJobsByStateAndType(ctx context.Context, state model.JobState, jobType model.JobType) ([]*model.JobRecord, error) {
	all, err := s.listJobs(ctx)
	if err != nil {
		return nil, err
	}
	var out []*model.JobRecord
	for _, j := range all {
		if j.State == state && j.Type == jobType {
			out = append(out, j)
		}
	}
	return out, nil
}

func (s *Store) ListResumableJobs(ctx context.Context) ([]*model.JobRecord, error) {
	all, err := s.listJobs(ctx)
	if err != nil {
		return nil, err
	}
	var out []*model.JobRecord
	for _, j := range all {
		if j.State == model.JobRunning || (j.State == model.JobPaused && j.CanResume) {
			out = append(out, j)
		}
	}
	return out, nil
}
