package processor

import (
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/letuhao/imagevault/pkg/artifactstore"
	"github.com/letuhao/imagevault/pkg/jobs"
	"github.com/letuhao/imagevault/pkg/longpath"
	"github.com/letuhao/imagevault/pkg/model"
	"github.com/letuhao/imagevault/pkg/placement"
)

type fakeRepo struct {
	mu       sync.Mutex
	colls    map[model.ID]*model.Collection
	images   map[model.ID]*model.Image
	byPath   map[string]model.ID // collectionID.String()+"/"+relPath -> imageID
	bindings map[model.ID]*model.CollectionCacheBinding
	roots    map[model.ID]*model.CacheRoot
	jobs     map[model.ID]*model.JobRecord
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		colls:    make(map[model.ID]*model.Collection),
		images:   make(map[model.ID]*model.Image),
		byPath:   make(map[string]model.ID),
		bindings: make(map[model.ID]*model.CollectionCacheBinding),
		roots:    make(map[model.ID]*model.CacheRoot),
		jobs:     make(map[model.ID]*model.JobRecord),
	}
}

func (r *fakeRepo) CreateCollection(ctx context.Context, c *model.Collection) error {
	r.colls[c.ID] = c
	return nil
}
func (r *fakeRepo) UpdateCollection(ctx context.Context, c *model.Collection) error {
	r.colls[c.ID] = c
	return nil
}
func (r *fakeRepo) GetCollection(ctx context.Context, id model.ID) (*model.Collection, error) {
	c, ok := r.colls[id]
	if !ok {
		return nil, model.New(model.KindNotFound, "no collection")
	}
	return c, nil
}
func (r *fakeRepo) GetCollectionByPath(ctx context.Context, path string) (*model.Collection, error) {
	return nil, model.New(model.KindNotFound, "unused")
}
func (r *fakeRepo) SoftDeleteCollection(ctx context.Context, id model.ID) error { return nil }
func (r *fakeRepo) ListActiveCollections(ctx context.Context) ([]*model.Collection, error) {
	return nil, nil
}
func (r *fakeRepo) CountActiveCollections(ctx context.Context) (int64, error) { return 0, nil }
func (r *fakeRepo) GetCollectionAtOffset(ctx context.Context, offset int64) (*model.Collection, error) {
	return nil, model.New(model.KindNotFound, "unused")
}

func (r *fakeRepo) UpsertImage(ctx context.Context, img *model.Image) error {
	r.images[img.ID] = img
	r.byPath[img.CollectionID.String()+"/"+img.RelativePath] = img.ID
	return nil
}
func (r *fakeRepo) GetImage(ctx context.Context, id model.ID) (*model.Image, error) {
	img, ok := r.images[id]
	if !ok {
		return nil, model.New(model.KindNotFound, "no image")
	}
	return img, nil
}
func (r *fakeRepo) GetImageByPath(ctx context.Context, collectionID model.ID, relativePath string) (*model.Image, error) {
	id, ok := r.byPath[collectionID.String()+"/"+relativePath]
	if !ok {
		return nil, model.New(model.KindNotFound, "no image at path")
	}
	return r.images[id], nil
}
func (r *fakeRepo) ListImages(ctx context.Context, collectionID model.ID) ([]*model.Image, error) {
	return nil, nil
}
func (r *fakeRepo) DeleteImagesByCollection(ctx context.Context, collectionID model.ID) error {
	return nil
}

func (r *fakeRepo) CreateCacheRoot(ctx context.Context, root *model.CacheRoot) error {
	r.roots[root.ID] = root
	return nil
}
func (r *fakeRepo) GetCacheRoot(ctx context.Context, id model.ID) (*model.CacheRoot, error) {
	root, ok := r.roots[id]
	if !ok {
		return nil, model.New(model.KindNotFound, "no root")
	}
	return root, nil
}
func (r *fakeRepo) ListActiveCacheRoots(ctx context.Context) ([]*model.CacheRoot, error) {
	var out []*model.CacheRoot
	for _, root := range r.roots {
		out = append(out, root)
	}
	return out, nil
}
func (r *fakeRepo) ListAllCacheRoots(ctx context.Context) ([]*model.CacheRoot, error) {
	return r.ListActiveCacheRoots(ctx)
}
func (r *fakeRepo) AdjustCounters(ctx context.Context, rootID model.ID, sizeDelta, fileDelta int64) error {
	root := r.roots[rootID]
	root.CurrentSizeBytes += sizeDelta
	root.FileCount += fileDelta
	return nil
}
func (r *fakeRepo) SetCacheRootCounters(ctx context.Context, rootID model.ID, sizeBytes, fileCount int64) error {
	root := r.roots[rootID]
	root.CurrentSizeBytes = sizeBytes
	root.FileCount = fileCount
	return nil
}

func (r *fakeRepo) GetBinding(ctx context.Context, collectionID model.ID) (*model.CollectionCacheBinding, error) {
	b, ok := r.bindings[collectionID]
	if !ok {
		return nil, model.New(model.KindNotFound, "no binding")
	}
	return b, nil
}
func (r *fakeRepo) CreateBinding(ctx context.Context, b *model.CollectionCacheBinding) error {
	r.bindings[b.CollectionID] = b
	return nil
}
func (r *fakeRepo) ClearBinding(ctx context.Context, collectionID model.ID) error {
	delete(r.bindings, collectionID)
	return nil
}
func (r *fakeRepo) ListBindingsForRoot(ctx context.Context, rootID model.ID) ([]*model.CollectionCacheBinding, error) {
	return nil, nil
}
func (r *fakeRepo) ListAllBindings(ctx context.Context) ([]*model.CollectionCacheBinding, error) {
	return nil, nil
}

func (r *fakeRepo) CreateJob(ctx context.Context, j *model.JobRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *j
	r.jobs[j.ID] = &cp
	return nil
}
func (r *fakeRepo) GetJob(ctx context.Context, id model.ID) (*model.JobRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, model.New(model.KindNotFound, "no job")
	}
	cp := *j
	return &cp, nil
}
func (r *fakeRepo) UpdateJobCAS(ctx context.Context, j *model.JobRecord, expectedState model.JobState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.jobs[j.ID]
	if !ok {
		return model.New(model.KindNotFound, "no job")
	}
	if cur.State != expectedState {
		return model.New(model.KindConflict, "cas mismatch")
	}
	cp := *j
	r.jobs[j.ID] = &cp
	return nil
}
func (r *fakeRepo) UpdateJobProgress(ctx context.Context, j *model.JobRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[j.ID]; !ok {
		return model.New(model.KindNotFound, "no job")
	}
	cp := *j
	r.jobs[j.ID] = &cp
	return nil
}
func (r *fakeRepo) ListJobsByStateAndType(ctx context.Context, state model.JobState, jobType model.JobType) ([]*model.JobRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.JobRecord
	for _, j := range r.jobs {
		if j.State == state && j.Type == jobType {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}
func (r *fakeRepo) ListResumableJobs(ctx context.Context) ([]*model.JobRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.JobRecord
	for _, j := range r.jobs {
		if j.State == model.JobRunning || (j.State == model.JobPaused && j.CanResume) {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}

func writeTestJPEG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), 100, 255})
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, jpeg.Encode(f, img, nil))
}

func setupFolderCollection(t *testing.T) (*model.Collection, *fakeRepo, *artifactstore.Store) {
	t.Helper()
	srcDir := t.TempDir()
	writeTestJPEG(t, filepath.Join(srcDir, "a.jpg"), 800, 600)

	repo := newFakeRepo()
	coll := &model.Collection{
		ID:       model.NewID(),
		Path:     srcDir,
		Type:     model.CollectionFolder,
		Settings: model.DefaultCollectionSettings(),
	}
	require.NoError(t, repo.CreateCollection(context.Background(), coll))

	cacheDir := t.TempDir()
	root := &model.CacheRoot{ID: model.NewID(), Path: cacheDir, MaxSizeBytes: 1 << 30, IsActive: true}
	require.NoError(t, repo.CreateCacheRoot(context.Background(), root))
	require.NoError(t, repo.CreateBinding(context.Background(), &model.CollectionCacheBinding{
		ID: model.NewID(), CollectionID: coll.ID, CacheRootID: root.ID,
	}))

	eng := placement.New(repo)
	require.NoError(t, eng.Refresh(context.Background()))
	store := artifactstore.New(root.ID, cacheDir, longpath.New(250), eng)
	return coll, repo, store
}

func waitForJobState(t *testing.T, repo *fakeRepo, id model.ID, want model.JobState) *model.JobRecord {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		j, err := repo.GetJob(context.Background(), id)
		require.NoError(t, err)
		if j.State == want {
			return j
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach state %s", id.String(), want)
	return nil
}

func runHandlerToCompletion(t *testing.T, repo *fakeRepo, handler jobs.Handler, jobType model.JobType, collectionID model.ID) *model.JobRecord {
	t.Helper()
	cfg := jobs.DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	sched := jobs.New(repo, cfg)
	sched.RegisterHandler(jobType, handler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	job := &model.JobRecord{ID: model.NewID(), Type: jobType, Parameters: model.JobParameters{CollectionID: collectionID}}
	require.NoError(t, sched.Enqueue(context.Background(), job))

	return waitForJobState(t, repo, job.ID, model.JobCompleted)
}

func TestProcessorGeneratesThumbnailAndCacheVariants(t *testing.T) {
	coll, repo, store := setupFolderCollection(t)
	resolver := func(rootID model.ID) (*artifactstore.Store, bool) { return store, true }
	proc := New(repo, nil, resolver, nil)

	done := runHandlerToCompletion(t, repo, proc.ScanCollectionHandler(true, true), model.JobScanCollection, coll.ID)
	assert.Equal(t, 1, done.TotalItems)
	assert.Equal(t, 1, done.CompletedItems)

	img, err := repo.GetImageByPath(context.Background(), coll.ID, "a.jpg")
	require.NoError(t, err)
	assert.Equal(t, 800, img.Width)
	assert.Equal(t, 600, img.Height)

	fp := artifactstore.Fingerprint(artifactstore.VariantParams{
		ImageID: img.ID, Kind: model.VariantThumbnail,
		Width: coll.Settings.ThumbnailWidth, Height: coll.Settings.ThumbnailHeight,
		Quality: coll.Settings.Quality, Format: coll.Settings.CacheFormat,
	})
	_, ok, err := store.Stat(context.Background(), fp, artifactstore.Extension(coll.Settings.CacheFormat))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestProcessorSkipsVariantGenerationWhenArtifactAlreadyValid(t *testing.T) {
	coll, repo, store := setupFolderCollection(t)
	resolver := func(rootID model.ID) (*artifactstore.Store, bool) { return store, true }
	proc := New(repo, nil, resolver, nil)
	handler := proc.ScanCollectionHandler(true, false)

	runHandlerToCompletion(t, repo, handler, model.JobScanCollection, coll.ID)

	// A second run against the same collection must find the artifact
	// already valid via Stat and skip re-encoding rather than erroring.
	second := runHandlerToCompletion(t, repo, handler, model.JobScanCollection, coll.ID)
	assert.Equal(t, 1, second.CompletedItems)
}
