package jobs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/letuhao/imagevault/pkg/model"
)

type fakeJobRepo struct {
	mu   sync.Mutex
	jobs map[model.ID]*model.JobRecord
}

func newFakeJobRepo() *fakeJobRepo {
	return &fakeJobRepo{jobs: make(map[model.ID]*model.JobRecord)}
}

func (r *fakeJobRepo) CreateJob(ctx context.Context, j *model.JobRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *j
	r.jobs[j.ID] = &cp
	return nil
}

func (r *fakeJobRepo) GetJob(ctx context.Context, id model.ID) (*model.JobRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, model.New(model.KindNotFound, "no such job")
	}
	cp := *j
	return &cp, nil
}

func (r *fakeJobRepo) UpdateJobCAS(ctx context.Context, j *model.JobRecord, expectedState model.JobState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.jobs[j.ID]
	if !ok {
		return model.New(model.KindNotFound, "no such job")
	}
	if cur.State != expectedState {
		return model.New(model.KindConflict, "cas mismatch")
	}
	cp := *j
	r.jobs[j.ID] = &cp
	return nil
}

func (r *fakeJobRepo) UpdateJobProgress(ctx context.Context, j *model.JobRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[j.ID]; !ok {
		return model.New(model.KindNotFound, "no such job")
	}
	cp := *j
	r.jobs[j.ID] = &cp
	return nil
}

func (r *fakeJobRepo) ListJobsByStateAndType(ctx context.Context, state model.JobState, jobType model.JobType) ([]*model.JobRecord, error) {
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

func (r *fakeJobRepo) ListResumableJobs(ctx context.Context) ([]*model.JobRecord, error) {
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

func (r *fakeJobRepo) get(id model.ID) *model.JobRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *r.jobs[id]
	return &cp
}

func waitForState(t *testing.T, repo *fakeJobRepo, id model.ID, want model.JobState) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if repo.get(id).State == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach state %s, last seen %s", id.String(), want, repo.get(id).State)
}

func testScheduler(repo *fakeJobRepo) *Scheduler {
	cfg := DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	cfg.Watchdog = 200 * time.Millisecond
	cfg.RetryBaseDelay = 20 * time.Millisecond
	return New(repo, cfg)
}

func TestJobRunsToCompletion(t *testing.T) {
	repo := newFakeJobRepo()
	s := testScheduler(repo)
	s.RegisterHandler(model.JobScanCollection, func(ctx context.Context, job *model.JobRecord, rc *RunControl) error {
		require.NoError(t, rc.SetTotalItems(1))
		require.NoError(t, rc.ReportItemDone(model.NewID()))
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	job := &model.JobRecord{ID: model.NewID(), Type: model.JobScanCollection}
	require.NoError(t, s.Enqueue(context.Background(), job))

	waitForState(t, repo, job.ID, model.JobCompleted)
	got := repo.get(job.ID)
	assert.Equal(t, 1, got.CompletedItems)
	assert.Equal(t, 1, got.TotalItems)
}

func TestJobHandlerErrorMovesToFailed(t *testing.T) {
	repo := newFakeJobRepo()
	s := testScheduler(repo)
	s.RegisterHandler(model.JobGenerateCache, func(ctx context.Context, job *model.JobRecord, rc *RunControl) error {
		return model.New(model.KindValidation, "boom")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	job := &model.JobRecord{ID: model.NewID(), Type: model.JobGenerateCache}
	require.NoError(t, s.Enqueue(context.Background(), job))

	waitForState(t, repo, job.ID, model.JobFailed)
	assert.Equal(t, "boom", repo.get(job.ID).ErrorMessage)
}

func TestCancelMovesRunningJobToCancelled(t *testing.T) {
	repo := newFakeJobRepo()
	s := testScheduler(repo)
	started := make(chan struct{})
	s.RegisterHandler(model.JobGenerateThumbnails, func(ctx context.Context, job *model.JobRecord, rc *RunControl) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	job := &model.JobRecord{ID: model.NewID(), Type: model.JobGenerateThumbnails}
	require.NoError(t, s.Enqueue(context.Background(), job))

	<-started
	require.NoError(t, s.Cancel(context.Background(), job.ID))
	waitForState(t, repo, job.ID, model.JobCancelled)
}

func TestPauseThenResume(t *testing.T) {
	repo := newFakeJobRepo()
	s := testScheduler(repo)
	checkpoint := make(chan struct{})
	proceed := make(chan struct{})
	s.RegisterHandler(model.JobBulkAdd, func(ctx context.Context, job *model.JobRecord, rc *RunControl) error {
		close(checkpoint)
		<-proceed
		if rc.ShouldPause() {
			return ErrPaused
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	job := &model.JobRecord{ID: model.NewID(), Type: model.JobBulkAdd}
	require.NoError(t, s.Enqueue(context.Background(), job))

	<-checkpoint
	s.Pause(context.Background(), job.ID)
	close(proceed)

	waitForState(t, repo, job.ID, model.JobPaused)
	require.NoError(t, s.Resume(context.Background(), job.ID))
	waitForState(t, repo, job.ID, model.JobPending)
}

func TestWatchdogReclaimsStaleRunningJob(t *testing.T) {
	repo := newFakeJobRepo()
	now := time.Now()
	stale := &model.JobRecord{
		ID:             model.NewID(),
		Type:           model.JobRedistribute,
		State:          model.JobRunning,
		StartedAt:      &now,
		LastProgressAt: &now,
	}
	require.NoError(t, repo.CreateJob(context.Background(), stale))
	// Force it into the past so the watchdog treats it as stalled.
	repo.mu.Lock()
	past := now.Add(-time.Hour)
	repo.jobs[stale.ID].LastProgressAt = &past
	repo.jobs[stale.ID].StartedAt = &past
	repo.mu.Unlock()

	s := testScheduler(repo)
	s.RegisterHandler(model.JobRedistribute, func(ctx context.Context, job *model.JobRecord, rc *RunControl) error {
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	waitForState(t, repo, stale.ID, model.JobCompleted)
}
