package placement

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/letuhao/imagevault/pkg/model"
)

type fakeRootRepo struct {
	roots map[model.ID]*model.CacheRoot
}

func newFakeRootRepo(roots ...*model.CacheRoot) *fakeRootRepo {
	m := make(map[model.ID]*model.CacheRoot)
	for _, r := range roots {
		cp := *r
		m[r.ID] = &cp
	}
	return &fakeRootRepo{roots: m}
}

func (f *fakeRootRepo) CreateCacheRoot(ctx context.Context, r *model.CacheRoot) error {
	f.roots[r.ID] = r
	return nil
}
func (f *fakeRootRepo) GetCacheRoot(ctx context.Context, id model.ID) (*model.CacheRoot, error) {
	r, ok := f.roots[id]
	if !ok {
		return nil, model.New(model.KindNotFound, "not found")
	}
	return r, nil
}
func (f *fakeRootRepo) ListActiveCacheRoots(ctx context.Context) ([]*model.CacheRoot, error) {
	var out []*model.CacheRoot
	for _, r := range f.roots {
		if r.IsActive {
			out = append(out, r)
		}
	}
	return out, nil
}
func (f *fakeRootRepo) ListAllCacheRoots(ctx context.Context) ([]*model.CacheRoot, error) {
	var out []*model.CacheRoot
	for _, r := range f.roots {
		out = append(out, r)
	}
	return out, nil
}
func (f *fakeRootRepo) AdjustCounters(ctx context.Context, rootID model.ID, sizeDelta int64, fileDelta int64) error {
	r, ok := f.roots[rootID]
	if !ok {
		return model.New(model.KindNotFound, "not found")
	}
	r.CurrentSizeBytes += sizeDelta
	r.FileCount += fileDelta
	return nil
}
func (f *fakeRootRepo) SetCacheRootCounters(ctx context.Context, rootID model.ID, sizeBytes int64, fileCount int64) error {
	r, ok := f.roots[rootID]
	if !ok {
		return model.New(model.KindNotFound, "not found")
	}
	r.CurrentSizeBytes = sizeBytes
	r.FileCount = fileCount
	return nil
}

func TestSelectPicksLowestFillRatio(t *testing.T) {
	rootA := &model.CacheRoot{ID: model.NewID(), MaxSizeBytes: 100, CurrentSizeBytes: 80, IsActive: true}
	rootB := &model.CacheRoot{ID: model.NewID(), MaxSizeBytes: 100, CurrentSizeBytes: 10, IsActive: true}
	repo := newFakeRootRepo(rootA, rootB)
	e := New(repo)
	require.NoError(t, e.Refresh(context.Background()))

	got, err := e.Select(context.Background())
	require.NoError(t, err)
	assert.Equal(t, rootB.ID, got.ID)
}

func TestSelectFailsWithNoActiveRoots(t *testing.T) {
	repo := newFakeRootRepo(&model.CacheRoot{ID: model.NewID(), IsActive: false})
	e := New(repo)
	require.NoError(t, e.Refresh(context.Background()))

	_, err := e.Select(context.Background())
	require.Error(t, err)
	assert.True(t, model.Is(err, model.KindNoActiveCacheRoot))
}

func TestReserveDeniedOverCapacity(t *testing.T) {
	root := &model.CacheRoot{ID: model.NewID(), MaxSizeBytes: 100, CurrentSizeBytes: 90, IsActive: true}
	repo := newFakeRootRepo(root)
	e := New(repo)
	require.NoError(t, e.Refresh(context.Background()))

	_, err := e.Reserve(context.Background(), root.ID, 20)
	require.Error(t, err)
	assert.True(t, model.Is(err, model.KindCacheCapacityExceeded))
}

func TestReserveCommitUpdatesCounters(t *testing.T) {
	root := &model.CacheRoot{ID: model.NewID(), MaxSizeBytes: 1000, CurrentSizeBytes: 0, IsActive: true}
	repo := newFakeRootRepo(root)
	e := New(repo)
	require.NoError(t, e.Refresh(context.Background()))

	tok, err := e.Reserve(context.Background(), root.ID, 50)
	require.NoError(t, err)
	require.NoError(t, e.Commit(context.Background(), tok, 42))

	r, _ := e.Root(root.ID)
	assert.Equal(t, int64(42), r.CurrentSizeBytes)
	assert.Equal(t, int64(1), r.FileCount)
	assert.Equal(t, int64(42), repo.roots[root.ID].CurrentSizeBytes)
}

func TestAbortReleasesReservationWithoutCommitting(t *testing.T) {
	root := &model.CacheRoot{ID: model.NewID(), MaxSizeBytes: 100, CurrentSizeBytes: 0, IsActive: true}
	repo := newFakeRootRepo(root)
	e := New(repo)
	require.NoError(t, e.Refresh(context.Background()))

	tok, err := e.Reserve(context.Background(), root.ID, 90)
	require.NoError(t, err)
	e.Abort(tok)

	// A second reservation for 90 should now succeed since the first was
	// aborted rather than committed.
	_, err = e.Reserve(context.Background(), root.ID, 90)
	require.NoError(t, err)
}
