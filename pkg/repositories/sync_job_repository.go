package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-sync/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-sync/pkg/database"
	"github.com/ekaya-inc/ekaya-sync/pkg/models"
	"github.com/ekaya-inc/ekaya-sync/pkg/services/workqueue"
)

// syncJobRepository is the durable job store. sync_jobs is a system table
// (workers claim across tenants), so it uses the pool directly instead of a
// tenant scope.
type syncJobRepository struct {
	db *database.DB
}

// NewSyncJobRepository creates a PostgreSQL-backed workqueue.Store.
func NewSyncJobRepository(db *database.DB) workqueue.Store {
	return &syncJobRepository{db: db}
}

const syncJobColumns = `
	id, idempotency_key, tenant_id, data_source_id, trigger_type, payload, state,
	attempt_count, max_attempts, run_at, lease_expires_at, last_error,
	created_at, updated_at, finished_at`

func (r *syncJobRepository) Durable() bool { return true }

func (r *syncJobRepository) Enqueue(ctx context.Context, job *models.SyncJob) (*models.SyncJob, bool, error) {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode job payload: %w", err)
	}
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}

	insert := `
		INSERT INTO sync_jobs (id, idempotency_key, tenant_id, data_source_id, trigger_type, payload,
			state, attempt_count, max_attempts, run_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'queued', 0, $7, $8, $9, $9)
		ON CONFLICT (idempotency_key) WHERE state IN ('queued', 'active') DO NOTHING
		RETURNING ` + syncJobColumns

	existing := `SELECT ` + syncJobColumns + `
		FROM sync_jobs WHERE idempotency_key = $1 AND state IN ('queued', 'active')`

	// The live job that blocked our insert can finish before we read it;
	// in that case the insert is retried.
	for i := 0; i < 3; i++ {
		stored, err := scanSyncJob(r.db.Pool.QueryRow(ctx, insert,
			job.ID,
			job.IdempotencyKey,
			job.TenantID,
			job.DataSourceID,
			string(job.TriggerType),
			payload,
			job.MaxAttempts,
			job.RunAt,
			job.CreatedAt,
		))
		if err == nil {
			return stored, true, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, false, fmt.Errorf("failed to insert sync job: %w", err)
		}

		stored, err = scanSyncJob(r.db.Pool.QueryRow(ctx, existing, job.IdempotencyKey))
		if err == nil {
			return stored, false, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, false, fmt.Errorf("failed to read live sync job: %w", err)
		}
	}

	return nil, false, fmt.Errorf("sync job for %s: %w", job.IdempotencyKey, apperrors.ErrConflict)
}

func (r *syncJobRepository) Claim(ctx context.Context, now time.Time, lease time.Duration) (*models.SyncJob, error) {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback on defer is best-effort

	_, err = tx.Exec(ctx, `
		UPDATE sync_jobs
		SET state = 'failed', finished_at = $1, updated_at = $1, lease_expires_at = NULL, last_error = $2
		WHERE state = 'active' AND lease_expires_at <= $1 AND attempt_count >= max_attempts`,
		now, workqueue.LeaseExpiredError)
	if err != nil {
		return nil, fmt.Errorf("failed to expire abandoned jobs: %w", err)
	}

	query := `
		UPDATE sync_jobs
		SET state = 'active', attempt_count = attempt_count + 1, lease_expires_at = $2, updated_at = $1
		WHERE id = (
			SELECT id FROM sync_jobs
			WHERE (state = 'queued' AND run_at <= $1)
			   OR (state = 'active' AND lease_expires_at <= $1 AND attempt_count < max_attempts)
			ORDER BY run_at, created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + syncJobColumns

	job, err := scanSyncJob(tx.QueryRow(ctx, query, now, now.Add(lease)))
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to claim sync job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	return job, nil
}

func (r *syncJobRepository) Complete(ctx context.Context, id uuid.UUID, attempt int, finishedAt time.Time) error {
	return r.ack(ctx, id, attempt, `
		UPDATE sync_jobs
		SET state = 'completed', finished_at = $3, updated_at = $3, lease_expires_at = NULL
		WHERE id = $1 AND state = 'active' AND attempt_count = $2`, finishedAt)
}

func (r *syncJobRepository) Retry(ctx context.Context, id uuid.UUID, attempt int, runAt time.Time, lastError string) error {
	return r.ack(ctx, id, attempt, `
		UPDATE sync_jobs
		SET state = 'queued', run_at = $3, last_error = $4, lease_expires_at = NULL, updated_at = now()
		WHERE id = $1 AND state = 'active' AND attempt_count = $2`, runAt, lastError)
}

func (r *syncJobRepository) Fail(ctx context.Context, id uuid.UUID, attempt int, finishedAt time.Time, lastError string) error {
	return r.ack(ctx, id, attempt, `
		UPDATE sync_jobs
		SET state = 'failed', finished_at = $3, updated_at = $3, last_error = $4, lease_expires_at = NULL
		WHERE id = $1 AND state = 'active' AND attempt_count = $2`, finishedAt, lastError)
}

// ack runs an update guarded by the claimed attempt. When nothing matched it
// tells a deleted job apart from one whose lease was lost.
func (r *syncJobRepository) ack(ctx context.Context, id uuid.UUID, attempt int, query string, args ...any) error {
	result, err := r.db.Pool.Exec(ctx, query, append([]any{id, attempt}, args...)...)
	if err != nil {
		return fmt.Errorf("failed to update sync job: %w", err)
	}
	if result.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := r.db.Pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM sync_jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check sync job: %w", err)
	}
	if !exists {
		return fmt.Errorf("sync job %s: %w", id, apperrors.ErrNotFound)
	}
	return fmt.Errorf("sync job %s attempt %d: %w", id, attempt, workqueue.ErrLeaseLost)
}

func (r *syncJobRepository) CancelForDataSource(ctx context.Context, dataSourceID uuid.UUID) ([]*models.SyncJob, error) {
	rows, err := r.db.Pool.Query(ctx,
		`DELETE FROM sync_jobs WHERE data_source_id = $1 RETURNING `+syncJobColumns, dataSourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to delete sync jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.SyncJob
	for rows.Next() {
		job, err := scanSyncJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync jobs: %w", err)
	}
	return jobs, nil
}

func (r *syncJobRepository) Get(ctx context.Context, id uuid.UUID) (*models.SyncJob, error) {
	job, err := scanSyncJob(r.db.Pool.QueryRow(ctx, `SELECT `+syncJobColumns+` FROM sync_jobs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("sync job %s: %w", id, apperrors.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get sync job: %w", err)
	}
	return job, nil
}

func (r *syncJobRepository) Stats(ctx context.Context) (workqueue.Stats, error) {
	var stats workqueue.Stats

	rows, err := r.db.Pool.Query(ctx, `SELECT state, count(*) FROM sync_jobs GROUP BY state`)
	if err != nil {
		return stats, fmt.Errorf("failed to count sync jobs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return stats, fmt.Errorf("failed to scan job count: %w", err)
		}
		stats.Add(models.JobState(state), n)
	}
	return stats, rows.Err()
}

func (r *syncJobRepository) Purge(ctx context.Context, policy workqueue.RetentionPolicy, now time.Time) (int, error) {
	query := `
		DELETE FROM sync_jobs
		WHERE id IN (
			SELECT id FROM (
				SELECT id, finished_at,
					row_number() OVER (ORDER BY finished_at DESC) AS rn
				FROM sync_jobs
				WHERE state = $1
			) ranked
			WHERE ($2 AND ranked.finished_at < $3)
			   OR ($4 > 0 AND ranked.rn > $4)
		)`

	total := 0
	for _, state := range []models.JobState{models.JobStateCompleted, models.JobStateFailed} {
		maxAge, maxCount := policy.Bounds(state)

		result, err := r.db.Pool.Exec(ctx, query, string(state), maxAge > 0, now.Add(-maxAge), maxCount)
		if err != nil {
			return total, fmt.Errorf("failed to purge %s jobs: %w", state, err)
		}
		total += int(result.RowsAffected())
	}
	return total, nil
}

func scanSyncJob(row pgx.Row) (*models.SyncJob, error) {
	var (
		job       models.SyncJob
		trigger   string
		state     string
		payload   []byte
		lastError *string
	)

	err := row.Scan(
		&job.ID,
		&job.IdempotencyKey,
		&job.TenantID,
		&job.DataSourceID,
		&trigger,
		&payload,
		&state,
		&job.AttemptCount,
		&job.MaxAttempts,
		&job.RunAt,
		&job.LeaseExpiresAt,
		&lastError,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.FinishedAt,
	)
	if err != nil {
		return nil, err
	}

	job.TriggerType = models.TriggerType(trigger)
	job.State = models.JobState(state)
	if lastError != nil {
		job.LastError = *lastError
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &job.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode job payload: %w", err)
		}
	}

	return &job, nil
}

var _ workqueue.Store = (*syncJobRepository)(nil)
