package workqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-sync/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-sync/pkg/logging"
	"github.com/ekaya-inc/ekaya-sync/pkg/metrics"
	"github.com/ekaya-inc/ekaya-sync/pkg/models"
)

// DefaultLease is how long a claimed job is held before another worker may
// take it over: the default job timeout plus a minute of grace.
const DefaultLease = 11 * time.Minute

// Queue hands out sync jobs to workers. It enforces one live job per data
// source, bounded retries with exponential backoff, and leases that let a
// job be reclaimed when its worker dies.
type Queue struct {
	store  Store
	policy RetryPolicy
	lease  time.Duration
	now    func() time.Time

	logger *zap.Logger
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithRetryPolicy sets the retry policy.
func WithRetryPolicy(policy RetryPolicy) QueueOption {
	return func(q *Queue) {
		q.policy = policy
	}
}

// WithLease sets how long a claimed job stays leased to its worker.
func WithLease(lease time.Duration) QueueOption {
	return func(q *Queue) {
		if lease > 0 {
			q.lease = lease
		}
	}
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) QueueOption {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// New creates a queue backed by store.
func New(store Store, logger *zap.Logger, opts ...QueueOption) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &Queue{
		store:  store,
		policy: DefaultRetryPolicy(),
		lease:  DefaultLease,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.Named("workqueue"),
	}

	for _, opt := range opts {
		opt(q)
	}

	if !store.Durable() {
		q.logger.Warn("job queue is not durable; queued syncs are lost on restart")
	}

	return q
}

// Durable reports whether the backing store survives restarts.
func (q *Queue) Durable() bool {
	return q.store.Durable()
}

// Enqueue creates a sync job for the data source, or returns the handle of
// the job already queued or running for it.
func (q *Queue) Enqueue(ctx context.Context, dataSourceID, tenantID uuid.UUID, trigger models.TriggerType, payload models.JobPayload) (*models.JobHandle, error) {
	if !trigger.IsValid() {
		return nil, fmt.Errorf("unknown trigger type %q: %w", trigger, apperrors.ErrInvalidConfig)
	}

	now := q.now()
	job := &models.SyncJob{
		ID:             uuid.New(),
		IdempotencyKey: models.IdempotencyKeyFor(dataSourceID),
		TenantID:       tenantID,
		DataSourceID:   dataSourceID,
		TriggerType:    trigger,
		Payload:        payload,
		State:          models.JobStateQueued,
		MaxAttempts:    q.policy.MaxAttempts(trigger),
		RunAt:          now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	stored, created, err := q.store.Enqueue(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue sync job: %w", err)
	}

	if !created {
		metrics.EnqueueDedupHits.Inc()
		q.logger.Debug("sync already queued or running, returning existing job",
			zap.String("datasource_id", dataSourceID.String()),
			zap.String("job_id", stored.ID.String()),
			zap.String("state", string(stored.State)))
		return stored.Handle(), nil
	}

	metrics.JobsEnqueued.WithLabelValues(string(trigger)).Inc()
	q.logger.Info("sync job enqueued",
		zap.String("job_id", stored.ID.String()),
		zap.String("datasource_id", dataSourceID.String()),
		zap.String("trigger", string(trigger)),
		zap.Int("max_attempts", stored.MaxAttempts))

	return stored.Handle(), nil
}

// Claim leases the next runnable job. Returns nil, nil when none is runnable.
func (q *Queue) Claim(ctx context.Context) (*models.SyncJob, error) {
	job, err := q.store.Claim(ctx, q.now(), q.lease)
	if err != nil {
		return nil, fmt.Errorf("failed to claim sync job: %w", err)
	}
	if job != nil {
		q.logger.Debug("sync job claimed",
			zap.String("job_id", job.ID.String()),
			zap.String("datasource_id", job.DataSourceID.String()),
			zap.Int("attempt", job.AttemptCount),
			zap.Int("max_attempts", job.MaxAttempts))
	}
	return job, nil
}

// Complete marks the job completed. It fails with ErrLeaseLost if the job
// was reclaimed after this worker's lease expired.
func (q *Queue) Complete(ctx context.Context, job *models.SyncJob) error {
	if err := q.store.Complete(ctx, job.ID, job.AttemptCount, q.now()); err != nil {
		return fmt.Errorf("failed to complete sync job: %w", err)
	}
	metrics.JobsProcessed.WithLabelValues("completed").Inc()
	q.logger.Info("sync job completed",
		zap.String("job_id", job.ID.String()),
		zap.String("datasource_id", job.DataSourceID.String()),
		zap.Int("attempts", job.AttemptCount))
	return nil
}

// Fail records a failed attempt. If attempts remain the job is requeued after
// a backoff and retryScheduled is true; otherwise the job is failed for good.
func (q *Queue) Fail(ctx context.Context, job *models.SyncJob, cause error) (retryScheduled bool, err error) {
	message := "unknown error"
	if cause != nil {
		message = logging.SanitizeError(cause)
	}
	now := q.now()

	if job.AttemptCount >= job.MaxAttempts {
		if err := q.store.Fail(ctx, job.ID, job.AttemptCount, now, message); err != nil {
			return false, fmt.Errorf("failed to mark sync job failed: %w", err)
		}
		metrics.JobsProcessed.WithLabelValues("failed").Inc()
		q.logger.Error("sync job failed after max attempts",
			zap.String("job_id", job.ID.String()),
			zap.String("datasource_id", job.DataSourceID.String()),
			zap.Int("attempts", job.AttemptCount),
			zap.String("error", message))
		return false, nil
	}

	backoff := q.policy.Backoff(job.AttemptCount)
	if err := q.store.Retry(ctx, job.ID, job.AttemptCount, now.Add(backoff), message); err != nil {
		return false, fmt.Errorf("failed to schedule sync job retry: %w", err)
	}
	metrics.JobsProcessed.WithLabelValues("retry").Inc()
	q.logger.Warn("sync job attempt failed, retry scheduled",
		zap.String("job_id", job.ID.String()),
		zap.String("datasource_id", job.DataSourceID.String()),
		zap.Int("attempt", job.AttemptCount),
		zap.Int("max_attempts", job.MaxAttempts),
		zap.Duration("backoff", backoff),
		zap.String("error", message))
	return true, nil
}

// CancelForDataSource removes all jobs of a data source and returns them.
func (q *Queue) CancelForDataSource(ctx context.Context, dataSourceID uuid.UUID) ([]*models.SyncJob, error) {
	jobs, err := q.store.CancelForDataSource(ctx, dataSourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel sync jobs: %w", err)
	}
	if len(jobs) > 0 {
		q.logger.Info("sync jobs cancelled",
			zap.String("datasource_id", dataSourceID.String()),
			zap.Int("count", len(jobs)))
	}
	return jobs, nil
}

// Get returns a job for inspection.
func (q *Queue) Get(ctx context.Context, id uuid.UUID) (*models.SyncJob, error) {
	return q.store.Get(ctx, id)
}

// Stats returns job counts by state.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	return q.store.Stats(ctx)
}

// Purge deletes terminal jobs outside the retention policy.
func (q *Queue) Purge(ctx context.Context, policy RetentionPolicy) (int, error) {
	n, err := q.store.Purge(ctx, policy, q.now())
	if err != nil {
		return 0, fmt.Errorf("failed to purge sync jobs: %w", err)
	}
	if n > 0 {
		metrics.JobsPurged.Add(float64(n))
		q.logger.Info("purged finished sync jobs", zap.Int("count", n))
	}
	return n, nil
}
