package metastore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/letuhao/imagevault/pkg/kv"
	"github.com/letuhao/imagevault/pkg/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	backend, err := kv.Open("memory", "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })
	return New(backend)
}

func TestCollectionCreateGetAndDuplicatePath(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	c := &model.Collection{
		ID: model.NewID(), Name: "vacation", Path: "/photos/vacation", Type: model.CollectionFolder,
		CreatedAt: time.Now(), UpdatedAt: time.Now(), Settings: model.DefaultCollectionSettings(),
	}
	require.NoError(t, s.CreateCollection(ctx, c))

	got, err := s.GetCollection(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.Path, got.Path)

	byPath, err := s.GetCollectionByPath(ctx, c.Path)
	require.NoError(t, err)
	assert.Equal(t, c.ID, byPath.ID)

	dup := &model.Collection{ID: model.NewID(), Path: c.Path, Type: model.CollectionFolder}
	err = s.CreateCollection(ctx, dup)
	require.Error(t, err)
	assert.True(t, model.Is(err, model.KindConflict))
}

func TestSoftDeleteExcludesFromActiveListAndCount(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a := &model.Collection{ID: model.NewID(), Path: "/a", Type: model.CollectionFolder}
	b := &model.Collection{ID: model.NewID(), Path: "/b", Type: model.CollectionFolder}
	require.NoError(t, s.CreateCollection(ctx, a))
	require.NoError(t, s.CreateCollection(ctx, b))

	require.NoError(t, s.SoftDeleteCollection(ctx, a.ID))

	active, err := s.ListActiveCollections(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, b.ID, active[0].ID)

	count, err := s.CountActiveCollections(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestImageUpsertAndLookupByPath(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	collID := model.NewID()
	img := &model.Image{ID: model.NewID(), CollectionID: collID, Filename: "a.jpg", RelativePath: "a.jpg", FileSizeBytes: 100}
	require.NoError(t, s.UpsertImage(ctx, img))

	got, err := s.GetImageByPath(ctx, collID, "a.jpg")
	require.NoError(t, err)
	assert.Equal(t, img.ID, got.ID)

	img.FileSizeBytes = 200
	require.NoError(t, s.UpsertImage(ctx, img))
	got, err = s.GetImage(ctx, img.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(200), got.FileSizeBytes)

	list, err := s.ListImages(ctx, collID)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, s.DeleteImagesByCollection(ctx, collID))
	list, err = s.ListImages(ctx, collID)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestCacheRootCountersRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	root := &model.CacheRoot{ID: model.NewID(), Name: "primary", Path: "/data/cache", IsActive: true, MaxSizeBytes: 1000}
	require.NoError(t, s.CreateCacheRoot(ctx, root))

	require.NoError(t, s.AdjustCounters(ctx, root.ID, 50, 1))
	got, err := s.GetCacheRoot(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(50), got.CurrentSizeBytes)
	assert.Equal(t, int64(1), got.FileCount)

	require.NoError(t, s.AdjustCounters(ctx, root.ID, -1000, -1000))
	got, err = s.GetCacheRoot(ctx, root.ID)
	require.NoError(t, err)
	assert.Zero(t, got.CurrentSizeBytes)
	assert.Zero(t, got.FileCount)
}

func TestBindingCreateClearAndListForRoot(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	collID, rootID := model.NewID(), model.NewID()
	b := &model.CollectionCacheBinding{ID: model.NewID(), CollectionID: collID, CacheRootID: rootID, CreatedAt: time.Now()}
	require.NoError(t, s.CreateBinding(ctx, b))

	got, err := s.GetBinding(ctx, collID)
	require.NoError(t, err)
	assert.Equal(t, rootID, got.CacheRootID)

	forRoot, err := s.ListBindingsForRoot(ctx, rootID)
	require.NoError(t, err)
	require.Len(t, forRoot, 1)

	require.NoError(t, s.ClearBinding(ctx, collID))
	_, err = s.GetBinding(ctx, collID)
	require.Error(t, err)
	assert.True(t, model.Is(err, model.KindNotFound))
}

func TestJobCASRejectsStaleExpectedState(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	j := &model.JobRecord{ID: model.NewID(), Type: model.JobScanCollection, State: model.JobPending, CreatedAt: time.Now()}
	require.NoError(t, s.CreateJob(ctx, j))

	j.State = model.JobRunning
	require.NoError(t, s.UpdateJobCAS(ctx, j, model.JobPending))

	stale := &model.JobRecord{ID: j.ID, State: model.JobCompleted}
	err := s.UpdateJobCAS(ctx, stale, model.JobPending)
	require.Error(t, err)
	assert.True(t, model.Is(err, model.KindConflict))
}

func TestJobResumableAndByStateAndTypeFilters(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	running := &model.JobRecord{ID: model.NewID(), Type: model.JobGenerateCache, State: model.JobRunning}
	pausedResumable := &model.JobRecord{ID: model.NewID(), Type: model.JobScanCollection, State: model.JobPaused, CanResume: true}
	pausedStuck := &model.JobRecord{ID: model.NewID(), Type: model.JobScanCollection, State: model.JobPaused, CanResume: false}
	done := &model.JobRecord{ID: model.NewID(), Type: model.JobScanCollection, State: model.JobCompleted}

	for _, j := range []*model.JobRecord{running, pausedResumable, pausedStuck, done} {
		require.NoError(t, s.CreateJob(ctx, j))
	}

	resumable, err := s.ListResumableJobs(ctx)
	require.NoError(t, err)
	ids := map[model.ID]bool{}
	for _, j := range resumable {
		ids[j.ID] = true
	}
	assert.True(t, ids[running.ID])
	assert.True(t, ids[pausedResumable.ID])
	assert.False(t, ids[pausedStuck.ID])
	assert.False(t, ids[done.ID])

	byType, err := s.ListJobsByStateAndType(ctx, model.JobPaused, model.JobScanCollection)
	require.NoError(t, err)
	require.Len(t, byType, 2)
}

func TestJobChildJobIDsRoundTripThroughJSONEncoding(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	childA, childB := model.NewID(), model.NewID()
	parent := &model.JobRecord{
		ID:   model.NewID(),
		Type: model.JobBulkAdd,
		Parameters: model.JobParameters{
			ParentPath:  "/library",
			ChildJobIDs: []model.ID{childA, childB},
		},
	}
	require.NoError(t, s.CreateJob(ctx, parent))

	got, err := s.GetJob(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, []model.ID{childA, childB}, got.Parameters.ChildJobIDs)
}
