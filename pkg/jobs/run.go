package jobs

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/letuhao/imagevault/pkg/metrics"
	"github.com/letuhao/imagevault/pkg/model"
)

// RunControl is handed to a Handler so it can report progress and check
// for cooperative cancellation/pause requests between items (spec §4.7,
// §5 "Processor explicitly yields between items").
type RunControl struct {
	ctx  context.Context
	job  *model.JobRecord
	repo model.JobRepository

	mu    chan struct{} // 1-buffered mutex serializing progress writes per job
	paused func() bool
}

func newRunControl(ctx context.Context, job *model.JobRecord, repo model.JobRepository, paused func() bool) *RunControl {
	mu := make(chan struct{}, 1)
	mu <- struct{}{}
	return &RunControl{ctx: ctx, job: job, repo: repo, mu: mu, paused: paused}
}

// Context returns the job's run context; it is canceled on Cancel or
// watchdog reclamation and expires at the configured job timeout.
func (rc *RunControl) Context() context.Context { return rc.ctx }

// ShouldPause reports whether a Pause was requested for this job. A
// Handler should finish or abort its current item, then return ErrPaused.
func (rc *RunControl) ShouldPause() bool {
	return rc.paused()
}

// ReportItemDone records that itemID completed successfully, updates the
// monotonic counters, and persists progress (spec §5 "completedItems is
// monotonic"; progress updates serialized per job via the internal mutex).
func (rc *RunControl) ReportItemDone(itemID model.ID) error {
	<-rc.mu
	defer func() { rc.mu <- struct{}{} }()

	rc.job.CompletedItems++
	if rc.job.ProcessedItemIDs == nil {
		rc.job.ProcessedItemIDs = make(map[model.ID]bool)
	}
	rc.job.ProcessedItemIDs[itemID] = true
	return rc.persistProgress()
}

// ReportItemFailed records that itemID failed permanently (retry budget
// exhausted) and persists progress.
func (rc *RunControl) ReportItemFailed(itemID model.ID) error {
	<-rc.mu
	defer func() { rc.mu <- struct{}{} }()

	rc.job.FailedItems++
	if rc.job.FailedItemIDs == nil {
		rc.job.FailedItemIDs = make(map[model.ID]bool)
	}
	rc.job.FailedItemIDs[itemID] = true
	return rc.persistProgress()
}

// ReportItemSkipped records an item skipped because it was already handled
// by a previous, resumed run.
func (rc *RunControl) ReportItemSkipped() error {
	<-rc.mu
	defer func() { rc.mu <- struct{}{} }()

	rc.job.SkippedItems++
	return rc.persistProgress()
}

// SetTotalItems records the total item count once it is known (usually
// after enumeration completes), so ProgressPercent becomes meaningful.
func (rc *RunControl) SetTotalItems(n int) error {
	<-rc.mu
	defer func() { rc.mu <- struct{}{} }()

	rc.job.TotalItems = n
	return rc.persistProgress()
}

// note: must hold rc.mu
func (rc *RunControl) persistProgress() error {
	now := time.Now()
	rc.job.LastProgressAt = &now
	return rc.repo.UpdateJobProgress(rc.ctx, rc.job)
}

// runJob drives one job from Pending through Running to a terminal (or
// Paused/retry-pending) state, invoking the registered Handler.
func (s *Scheduler) runJob(ctx context.Context, job *model.JobRecord) {
	runCtx, cancel := context.WithCancel(ctx)
	if s.cfg.JobTimeout > 0 {
		var tcancel context.CancelFunc
		runCtx, tcancel = context.WithTimeout(runCtx, s.cfg.JobTimeout)
		defer tcancel()
	}
	s.registerCancel(job.ID, cancel)
	defer s.unregisterCancel(job.ID)
	defer cancel()

	now := time.Now()
	job.State = model.JobRunning
	job.StartedAt = &now
	job.LastProgressAt = &now
	if err := s.repo.UpdateJobCAS(ctx, job, model.JobPending); err != nil {
		log.WithError(err).WithField("job_id", job.ID.String()).Warn("jobs: CAS Pending->Running failed, skipping")
		return
	}
	metrics.JobsByState.WithLabelValues(string(job.Type), string(model.JobRunning)).Inc()

	s.mu.Lock()
	handler, ok := s.handlers[job.Type]
	s.mu.Unlock()
	if !ok {
		s.finish(ctx, job, model.JobFailed, "no handler registered for job type")
		return
	}

	rc := newRunControl(runCtx, job, s.repo, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.pauseReq[job.ID]
	})

	err := handler(runCtx, job, rc)

	switch {
	case err == ErrPaused:
		s.finishPaused(ctx, job)
	case runCtx.Err() == context.Canceled:
		s.finish(ctx, job, model.JobCancelled, "")
	case runCtx.Err() == context.DeadlineExceeded:
		s.finish(ctx, job, model.JobFailed, "timeout")
	case err != nil && model.Is(err, model.KindInfrastructureUnavailable) && job.RetryCount < s.cfg.MaxRetries:
		s.scheduleRetry(job)
	case err != nil:
		s.finish(ctx, job, model.JobFailed, err.Error())
	default:
		s.finish(ctx, job, model.JobCompleted, "")
	}
}

func (s *Scheduler) finish(ctx context.Context, job *model.JobRecord, final model.JobState, errMsg string) {
	now := time.Now()
	job.CompletedAt = &now
	job.ErrorMessage = errMsg
	job.CanResume = final == model.JobFailed
	job.State = final
	if err := s.repo.UpdateJobCAS(ctx, job, model.JobRunning); err != nil {
		log.WithError(err).WithField("job_id", job.ID.String()).WithField("target_state", string(final)).
			Warn("jobs: final CAS failed")
		return
	}
	metrics.JobsByState.WithLabelValues(string(job.Type), string(final)).Inc()
}

func (s *Scheduler) finishPaused(ctx context.Context, job *model.JobRecord) {
	job.State = model.JobPaused
	job.CanResume = true
	if err := s.repo.UpdateJobCAS(ctx, job, model.JobRunning); err != nil {
		log.WithError(err).WithField("job_id", job.ID.String()).Warn("jobs: CAS Running->Paused failed")
	} else {
		metrics.JobsByState.WithLabelValues(string(job.Type), string(model.JobPaused)).Inc()
	}
	s.mu.Lock()
	delete(s.pauseReq, job.ID)
	s.mu.Unlock()
}

// scheduleRetry moves a job back to Pending after an exponential backoff
// delay (spec §4.7 Retry / §7 InfrastructureUnavailable).
func (s *Scheduler) scheduleRetry(job *model.JobRecord) {
	job.RetryCount++
	delay := s.cfg.RetryBaseDelay
	if delay <= 0 {
		delay = 10 * time.Second
	}
	for i := 0; i < job.RetryCount-1; i++ {
		delay *= 2
	}
	time.AfterFunc(delay, func() {
		job.State = model.JobPending
		if err := s.repo.UpdateJobCAS(context.Background(), job, model.JobRunning); err != nil {
			log.WithError(err).WithField("job_id", job.ID.String()).Warn("jobs: retry requeue CAS failed")
			return
		}
		metrics.JobsByState.WithLabelValues(string(job.Type), string(model.JobPending)).Inc()
	})
}

func (s *Scheduler) registerCancel(id model.ID, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels[id] = cancel
}

func (s *Scheduler) unregisterCancel(id model.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cancels, id)
}

func (s *Scheduler) cancelRun(id model.ID) {
	s.mu.Lock()
	cancel, ok := s.cancels[id]
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

// Cancel requests cooperative cancellation of a running job (spec §5
// Cancellation). If the job is not currently running, it is canceled
// directly via CAS from Pending.
func (s *Scheduler) Cancel(ctx context.Context, id model.ID) error {
	s.cancelRun(id)

	job, err := s.repo.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.State == model.JobPending {
		job.State = model.JobCancelled
		return s.repo.UpdateJobCAS(ctx, job, model.JobPending)
	}
	// Running: the cancel signal above will unblock the Handler's ctx.Done()
	// check, and runJob's switch will land it on Cancelled.
	return nil
}

// Pause requests that a Running job stop at its next checkpoint and
// transition to Paused rather than Completed/Failed.
func (s *Scheduler) Pause(ctx context.Context, id model.ID) {
	s.mu.Lock()
	s.pauseReq[id] = true
	s.mu.Unlock()
}

// Resume moves a Paused job back to Pending so the dispatch loop picks it
// up again; the Handler's own processedItemIds/failedItemIds filters skip
// already-handled items.
func (s *Scheduler) Resume(ctx context.Context, id model.ID) error {
	job, err := s.repo.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.State != model.JobPaused {
		return model.New(model.KindConflict, "jobs: Resume called on a non-Paused job")
	}
	job.State = model.JobPending
	return s.repo.UpdateJobCAS(ctx, job, model.JobPaused)
}
