package workqueue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-sync/pkg/models"
)

// Store persists sync jobs. Implementations must make Enqueue and Claim
// atomic with respect to concurrent callers: at most one live (queued or
// active) job per idempotency key, and a job is handed to one claimer at a time.
type Store interface {
	// Enqueue inserts job unless a live job with the same idempotency key
	// exists, in which case that job is returned and created is false.
	Enqueue(ctx context.Context, job *models.SyncJob) (stored *models.SyncJob, created bool, err error)

	// Claim takes the oldest runnable job: queued with run_at <= now, or active
	// with an expired lease and attempts left. The job becomes active with
	// lease_expires_at = now + lease and attempt_count incremented. Active jobs
	// whose lease expired after their final attempt are marked failed.
	// Returns nil, nil when nothing is runnable.
	Claim(ctx context.Context, now time.Time, lease time.Duration) (*models.SyncJob, error)

	// Complete, Retry and Fail acknowledge the claim identified by attempt.
	// They only change a job that is still active on that attempt; otherwise
	// they return ErrLeaseLost (or apperrors.ErrNotFound if the job is gone).

	// Complete marks an active job completed.
	Complete(ctx context.Context, id uuid.UUID, attempt int, finishedAt time.Time) error

	// Retry returns an active job to queued, runnable at runAt.
	Retry(ctx context.Context, id uuid.UUID, attempt int, runAt time.Time, lastError string) error

	// Fail marks an active job failed for good.
	Fail(ctx context.Context, id uuid.UUID, attempt int, finishedAt time.Time, lastError string) error

	// CancelForDataSource deletes every job of the data source and returns them.
	CancelForDataSource(ctx context.Context, dataSourceID uuid.UUID) ([]*models.SyncJob, error)

	// Get returns a job by id or apperrors.ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (*models.SyncJob, error)

	// Stats counts jobs by state.
	Stats(ctx context.Context) (Stats, error)

	// Purge deletes terminal jobs outside the retention policy and returns
	// how many were removed.
	Purge(ctx context.Context, policy RetentionPolicy, now time.Time) (int, error)

	// Durable reports whether jobs survive a process restart.
	Durable() bool
}

// Stats holds job counts by state.
type Stats struct {
	Queued    int `json:"queued"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Add increments the counter for state by n.
func (s *Stats) Add(state models.JobState, n int) {
	switch state {
	case models.JobStateQueued:
		s.Queued += n
	case models.JobStateActive:
		s.Active += n
	case models.JobStateCompleted:
		s.Completed += n
	case models.JobStateFailed:
		s.Failed += n
	}
}

// Total returns the number of jobs across all states.
func (s Stats) Total() int {
	return s.Queued + s.Active + s.Completed + s.Failed
}

// RetentionPolicy bounds how long and how many terminal jobs are kept.
// A terminal job is purged when it is older than the max age for its state,
// or when it falls outside the newest max count jobs of that state.
// Zero values disable the respective bound.
type RetentionPolicy struct {
	CompletedMaxAge   time.Duration
	CompletedMaxCount int
	FailedMaxAge      time.Duration
	FailedMaxCount    int
}

// DefaultRetentionPolicy keeps completed jobs for an hour (at most 100)
// and failed jobs for a week (at most 1000).
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{
		CompletedMaxAge:   time.Hour,
		CompletedMaxCount: 100,
		FailedMaxAge:      7 * 24 * time.Hour,
		FailedMaxCount:    1000,
	}
}

// Bounds returns the age and count limits for a terminal state.
func (p RetentionPolicy) Bounds(state models.JobState) (maxAge time.Duration, maxCount int) {
	switch state {
	case models.JobStateCompleted:
		return p.CompletedMaxAge, p.CompletedMaxCount
	case models.JobStateFailed:
		return p.FailedMaxAge, p.FailedMaxCount
	}
	return 0, 0
}

// ErrLeaseLost is returned when a worker acknowledges a job it no longer
// holds: the lease expired and the job was reclaimed or finished elsewhere.
var ErrLeaseLost = errors.New("sync job lease lost")

// LeaseExpiredError is recorded on jobs whose worker vanished after the final attempt.
const LeaseExpiredError = "lease expired after final attempt"
