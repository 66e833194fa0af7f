package model

import "time"

// JobType enumerates the long-running operation kinds the Job Registry
// tracks (spec §3, JobRecord).
type JobType string

const (
	JobScanCollection        JobType = "ScanCollection"
	JobGenerateThumbnails    JobType = "GenerateThumbnails"
	JobGenerateCache         JobType = "GenerateCache"
	JobRegenerateThumbnails  JobType = "RegenerateThumbnails"
	JobBulkAdd               JobType = "BulkAdd"
	JobRedistribute          JobType = "Redistribute"
)

// JobState is the job life-cycle state machine (spec §4.7).
type JobState string

const (
	JobPending   JobState = "Pending"
	JobRunning   JobState = "Running"
	JobPaused    JobState = "Paused"
	JobCompleted JobState = "Completed"
	JobFailed    JobState = "Failed"
	JobCancelled JobState = "Cancelled"
)

// IsTerminal reports whether s is one of the states spec §3 calls terminal.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// allowedTransitions encodes the edges drawn in spec §4.7's state diagram.
// CanTransition reports false for any transition not present here.
var allowedTransitions = map[JobState]map[JobState]bool{
	JobPending: {JobRunning: true, JobCancelled: true},
	JobRunning: {
		JobCompleted: true,
		JobFailed:    true,
		JobCancelled: true,
		JobPaused:    true,
	},
	JobPaused: {
		JobRunning:   true,
		JobCancelled: true,
	},
}

// CanTransition reports whether moving from s to next is a legal edge.
func CanTransition(s, next JobState) bool {
	if s == next {
		return false
	}
	edges, ok := allowedTransitions[s]
	if !ok {
		return false
	}
	return edges[next]
}

// JobParameters is a tagged-variant parameter record (spec §9: "Define a
// tagged variant per job type with a known-shape parameter record"). Only
// the fields relevant to Type are populated; the zero value of the others
// is ignored. Encoded to/from JSON by the job store so old jobs remain
// resumable across deployments (spec §9).
type JobParameters struct {
	// ScanCollection / GenerateThumbnails / GenerateCache / RegenerateThumbnails
	CollectionID ID `json:"collectionId,omitempty"`

	// BulkAdd
	ParentPath        string `json:"parentPath,omitempty"`
	NamePrefix        string `json:"namePrefix,omitempty"`
	IncludeSubfolders bool   `json:"includeSubfolders,omitempty"`
	AutoAdd           bool   `json:"autoAdd,omitempty"`

	// Redistribute carries no parameters; it operates over all collections
	// and all active cache roots at run time.

	// ChildJobIDs links a BulkAdd parent run to the per-child ScanCollection
	// jobs it spawned, so completion can be aggregated (spec §4.10).
	ChildJobIDs []ID `json:"childJobIds,omitempty"`
}

// JobRecord is the durable state of a long-running operation (spec §3,
// JobRecord).
type JobRecord struct {
	ID        ID
	Type      JobType
	State     JobState
	Parameters JobParameters

	// Priority orders dequeuing within a job type: higher runs first,
	// ties broken by CreatedAt ascending (spec §4.7 "priority then FIFO
	// order").
	Priority int

	TotalItems     int
	CompletedItems int
	FailedItems    int
	SkippedItems   int

	ProcessedItemIDs map[ID]bool
	FailedItemIDs    map[ID]bool

	CreatedAt      time.Time
	StartedAt      *time.Time
	LastProgressAt *time.Time
	CompletedAt    *time.Time

	ErrorMessage string
	CanResume    bool

	// RetryCount tracks per-job retries of the whole run after
	// InfrastructureUnavailable errors (spec §7).
	RetryCount int
}

// ProgressPercent computes spec §4.7's completion percentage; returns 0 when
// TotalItems is not yet known.
func (j *JobRecord) ProgressPercent() float64 {
	if j.TotalItems <= 0 {
		return 0
	}
	done := j.CompletedItems + j.SkippedItems + j.FailedItems
	return float64(done) / float64(j.TotalItems) * 100
}

// AlreadyHandled reports whether itemID has already been processed or
// permanently failed, so a resumed run can skip it (spec §4.7 Resumption).
func (j *JobRecord) AlreadyHandled(itemID ID) bool {
	if j.ProcessedItemIDs != nil && j.ProcessedItemIDs[itemID] {
		return true
	}
	if j.FailedItemIDs != nil && j.FailedItemIDs[itemID] {
		return true
	}
	return false
}

// IsDone reports the invariant spec §8 checks for completed jobs:
// completedItems + failedItems + skippedItems == totalItems.
func (j *JobRecord) IsDone() bool {
	return j.CompletedItems+j.FailedItems+j.SkippedItems == j.TotalItems
}
