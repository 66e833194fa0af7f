// Package jobs implements the Job Registry + Scheduler (spec §4.7): a
// durable state machine over model.JobRecord, a worker pool enforcing
// per-job-type concurrency caps, cooperative cancellation, pause/resume,
// retry with exponential backoff, and watchdog-based reclamation of
// stale Running jobs. Dispatch follows perkeep's pkg/importer.Run pattern
// of a background goroutine driven by a ticker that spawns one goroutine
// per unit of work, generalized to per-job-type concurrency bounds
// enforced with golang.org/x/sync/semaphore rather than a single run loop.
package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/letuhao/imagevault/pkg/model"
)

// ErrPaused is returned by a Handler to request a transition to Paused
// rather than Completed/Failed. The handler must have already left any
// in-flight item in a consistent state before returning it.
var ErrPaused = errors.New("jobs: paused")

// Handler executes one job run. It must check ctx for cancellation between
// items (spec §4.7 "Cancellation is cooperative") and report progress via
// rc as it goes so a crash mid-run loses at most the last unreported item.
type Handler func(ctx context.Context, job *model.JobRecord, rc *RunControl) error

// Config tunes the Scheduler (spec §6 worker.* keys).
type Config struct {
	// ConcurrencyPerType caps simultaneous Running jobs of each type.
	// A type absent from this map defaults to 1.
	ConcurrencyPerType map[model.JobType]int

	// PollInterval controls how often the dispatch loop checks for newly
	// eligible Pending jobs.
	PollInterval time.Duration

	// Watchdog is the staleness threshold past which a Running job with
	// no LastProgressAt update is reclaimed back to Pending.
	Watchdog time.Duration

	// JobTimeout is the wall-clock budget for a single job run before it
	// is failed with errorMessage "timeout". Zero disables the timeout.
	JobTimeout time.Duration

	// MaxRetries bounds whole-job retries after InfrastructureUnavailable
	// handler errors (spec §7).
	MaxRetries int

	// RetryBaseDelay is the first backoff delay; subsequent retries double
	// it, per spec §4.7 "exponential backoff".
	RetryBaseDelay time.Duration
}

// DefaultConfig returns the spec's suggested defaults (§4.7, §6).
func DefaultConfig() Config {
	return Config{
		ConcurrencyPerType: map[model.JobType]int{
			model.JobScanCollection:       1,
			model.JobGenerateThumbnails:   4,
			model.JobGenerateCache:        4,
			model.JobRegenerateThumbnails: 4,
			model.JobBulkAdd:              1,
			model.JobRedistribute:         1,
		},
		PollInterval:   500 * time.Millisecond,
		Watchdog:       5 * time.Minute,
		JobTimeout:     2 * time.Hour,
		MaxRetries:     3,
		RetryBaseDelay: 10 * time.Second,
	}
}

// Scheduler dequeues jobs from model.JobRepository, enforces concurrency
// caps per job type, and drives each job's life-cycle transitions.
type Scheduler struct {
	repo model.JobRepository
	cfg  Config

	mu       sync.Mutex
	handlers map[model.JobType]Handler
	sem      map[model.JobType]*semaphore.Weighted
	cancels  map[model.ID]context.CancelFunc
	pauseReq map[model.ID]bool

	wg sync.WaitGroup
}

// New builds a Scheduler. Call RegisterHandler for every model.JobType the
// deployment supports before calling Run.
func New(repo model.JobRepository, cfg Config) *Scheduler {
	s := &Scheduler{
		repo:     repo,
		cfg:      cfg,
		handlers: make(map[model.JobType]Handler),
		sem:      make(map[model.JobType]*semaphore.Weighted),
		cancels:  make(map[model.ID]context.CancelFunc),
		pauseReq: make(map[model.ID]bool),
	}
	return s
}

// RegisterHandler wires a Handler for jobType. Must be called before Run.
func (s *Scheduler) RegisterHandler(jobType model.JobType, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[jobType] = h
	n := s.cfg.ConcurrencyPerType[jobType]
	if n <= 0 {
		n = 1
	}
	s.sem[jobType] = semaphore.NewWeighted(int64(n))
}

// Enqueue creates a new Pending job via the repository.
func (s *Scheduler) Enqueue(ctx context.Context, j *model.JobRecord) error {
	if j.ID.IsZero() {
		j.ID = model.NewID()
	}
	j.State = model.JobPending
	j.CreatedAt = time.Now()
	return s.repo.CreateJob(ctx, j)
}

// Run reclaims resumable jobs and then dispatches Pending jobs until ctx is
// canceled, returning once every in-flight run has stopped.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.reclaimResumable(ctx); err != nil {
		log.WithError(err).Warn("jobs: reclaiming resumable jobs on startup failed")
	}

	watchdogTicker := time.NewTicker(s.watchdogInterval())
	defer watchdogTicker.Stop()
	dispatchTicker := time.NewTicker(s.pollInterval())
	defer dispatchTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return nil
		case <-watchdogTicker.C:
			s.reclaimStale(ctx)
		case <-dispatchTicker.C:
			s.dispatch(ctx)
		}
	}
}

func (s *Scheduler) pollInterval() time.Duration {
	if s.cfg.PollInterval <= 0 {
		return 500 * time.Millisecond
	}
	return s.cfg.PollInterval
}

func (s *Scheduler) watchdogInterval() time.Duration {
	if s.cfg.Watchdog <= 0 {
		return 5 * time.Minute
	}
	return s.cfg.Watchdog
}

// reclaimResumable implements spec §4.7 Resumption: on worker startup,
// jobs Running or Paused-with-canResume are moved back to Pending so the
// normal dispatch loop picks them up and the Handler's
// processedItemIds/failedItemIds filters skip already-handled items.
func (s *Scheduler) reclaimResumable(ctx context.Context) error {
	resumable, err := s.repo.ListResumableJobs(ctx)
	if err != nil {
		return err
	}
	for _, j := range resumable {
		prev := j.State
		if prev != model.JobRunning && !(prev == model.JobPaused && j.CanResume) {
			continue
		}
		j.State = model.JobPending
		j.CanResume = true
		if err := s.repo.UpdateJobCAS(ctx, j, prev); err != nil {
			log.WithError(err).WithField("job_id", j.ID.String()).Warn("jobs: failed to reclaim job on startup")
		}
	}
	return nil
}

// reclaimStale implements the watchdog: a Running job whose LastProgressAt
// is older than cfg.Watchdog is assumed to belong to a dead worker and is
// moved back to Pending (spec §4.7).
func (s *Scheduler) reclaimStale(ctx context.Context) {
	cutoff := time.Now().Add(-s.watchdogInterval())
	s.mu.Lock()
	types := make([]model.JobType, 0, len(s.handlers))
	for t := range s.handlers {
		types = append(types, t)
	}
	s.mu.Unlock()

	for _, t := range types {
		running, err := s.repo.ListJobsByStateAndType(ctx, model.JobRunning, t)
		if err != nil {
			log.WithError(err).Warn("jobs: watchdog list failed")
			continue
		}
		for _, j := range running {
			if j.LastProgressAt != nil && j.LastProgressAt.After(cutoff) {
				continue
			}
			if j.StartedAt != nil && j.StartedAt.After(cutoff) {
				continue
			}
			s.cancelRun(j.ID)
			j.State = model.JobPending
			j.CanResume = true
			if err := s.repo.UpdateJobCAS(ctx, j, model.JobRunning); err != nil {
				log.WithError(err).WithField("job_id", j.ID.String()).Warn("jobs: watchdog reclaim CAS failed")
			}
		}
	}
}

// dispatch launches as many Pending jobs as available concurrency allows,
// per registered job type, in priority-desc then CreatedAt-asc order.
func (s *Scheduler) dispatch(ctx context.Context) {
	s.mu.Lock()
	types := make([]model.JobType, 0, len(s.handlers))
	for t := range s.handlers {
		types = append(types, t)
	}
	s.mu.Unlock()

typeLoop:
	for _, t := range types {
		sem := s.sem[t]
		for {
			if !sem.TryAcquire(1) {
				continue typeLoop
			}
			job := s.nextPending(ctx, t)
			if job == nil {
				sem.Release(1)
				continue typeLoop
			}
			s.wg.Add(1)
			go func(j *model.JobRecord) {
				defer s.wg.Done()
				defer sem.Release(1)
				s.runJob(ctx, j)
			}(job)
		}
	}
}

func (s *Scheduler) nextPending(ctx context.Context, t model.JobType) *model.JobRecord {
	pending, err := s.repo.ListJobsByStateAndType(ctx, model.JobPending, t)
	if err != nil || len(pending) == 0 {
		return nil
	}
	best := pending[0]
	for _, j := range pending[1:] {
		if betterCandidate(j, best) {
			best = j
		}
	}
	return best
}

func betterCandidate(a, b *model.JobRecord) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.CreatedAt.Before(b.CreatedAt)
}
