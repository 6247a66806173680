package workqueue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-sync/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-sync/pkg/models"
)

// MemoryStore keeps jobs in process memory. Jobs are lost on restart, so it
// is meant for tests and local development only.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*models.SyncJob
	live map[string]uuid.UUID // idempotency key -> live job id
}

// NewMemoryStore creates an empty in-memory job store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[uuid.UUID]*models.SyncJob),
		live: make(map[string]uuid.UUID),
	}
}

func (s *MemoryStore) Durable() bool { return false }

func (s *MemoryStore) Enqueue(_ context.Context, job *models.SyncJob) (*models.SyncJob, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.live[job.IdempotencyKey]; ok {
		return cloneJob(s.jobs[id]), false, nil
	}

	stored := cloneJob(job)
	if stored.ID == uuid.Nil {
		stored.ID = uuid.New()
	}
	now := time.Now().UTC()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	if stored.RunAt.IsZero() {
		stored.RunAt = now
	}
	stored.State = models.JobStateQueued

	s.jobs[stored.ID] = stored
	s.live[stored.IdempotencyKey] = stored.ID
	return cloneJob(stored), true, nil
}

func (s *MemoryStore) Claim(_ context.Context, now time.Time, lease time.Duration) (*models.SyncJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*models.SyncJob
	for _, job := range s.jobs {
		switch job.State {
		case models.JobStateQueued:
			if !job.RunAt.After(now) {
				candidates = append(candidates, job)
			}
		case models.JobStateActive:
			if job.LeaseExpiresAt == nil || job.LeaseExpiresAt.After(now) {
				continue
			}
			if job.AttemptCount >= job.MaxAttempts {
				s.finishLocked(job, models.JobStateFailed, now, LeaseExpiredError)
				continue
			}
			candidates = append(candidates, job)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].RunAt.Equal(candidates[j].RunAt) {
			return candidates[i].RunAt.Before(candidates[j].RunAt)
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	job := candidates[0]
	expires := now.Add(lease)
	job.State = models.JobStateActive
	job.AttemptCount++
	job.LeaseExpiresAt = &expires
	job.UpdatedAt = now
	return cloneJob(job), nil
}

func (s *MemoryStore) Complete(_ context.Context, id uuid.UUID, attempt int, finishedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.heldLocked(id, attempt)
	if err != nil {
		return err
	}
	s.finishLocked(job, models.JobStateCompleted, finishedAt, "")
	return nil
}

func (s *MemoryStore) Retry(_ context.Context, id uuid.UUID, attempt int, runAt time.Time, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.heldLocked(id, attempt)
	if err != nil {
		return err
	}
	job.State = models.JobStateQueued
	job.RunAt = runAt
	job.LeaseExpiresAt = nil
	job.LastError = lastError
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) Fail(_ context.Context, id uuid.UUID, attempt int, finishedAt time.Time, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.heldLocked(id, attempt)
	if err != nil {
		return err
	}
	s.finishLocked(job, models.JobStateFailed, finishedAt, lastError)
	return nil
}

// heldLocked returns the job if it is still active on attempt.
// Must be called with lock held.
func (s *MemoryStore) heldLocked(id uuid.UUID, attempt int) (*models.SyncJob, error) {
	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("sync job %s: %w", id, apperrors.ErrNotFound)
	}
	if job.State != models.JobStateActive || job.AttemptCount != attempt {
		return nil, fmt.Errorf("sync job %s attempt %d (now %s, attempt %d): %w",
			id, attempt, job.State, job.AttemptCount, ErrLeaseLost)
	}
	return job, nil
}

// finishLocked moves job to a terminal state and releases its idempotency key.
// Must be called with lock held.
func (s *MemoryStore) finishLocked(job *models.SyncJob, state models.JobState, at time.Time, lastError string) {
	job.State = state
	job.FinishedAt = &at
	job.UpdatedAt = at
	job.LeaseExpiresAt = nil
	if lastError != "" {
		job.LastError = lastError
	}
	if s.live[job.IdempotencyKey] == job.ID {
		delete(s.live, job.IdempotencyKey)
	}
}

func (s *MemoryStore) CancelForDataSource(_ context.Context, dataSourceID uuid.UUID) ([]*models.SyncJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []*models.SyncJob
	for id, job := range s.jobs {
		if job.DataSourceID != dataSourceID {
			continue
		}
		if s.live[job.IdempotencyKey] == id {
			delete(s.live, job.IdempotencyKey)
		}
		delete(s.jobs, id)
		removed = append(removed, job)
	}
	return removed, nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*models.SyncJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("sync job %s: %w", id, apperrors.ErrNotFound)
	}
	return cloneJob(job), nil
}

func (s *MemoryStore) Stats(_ context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats Stats
	for _, job := range s.jobs {
		stats.Add(job.State, 1)
	}
	return stats, nil
}

func (s *MemoryStore) Purge(_ context.Context, policy RetentionPolicy, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for _, state := range []models.JobState{models.JobStateCompleted, models.JobStateFailed} {
		maxAge, maxCount := policy.Bounds(state)

		var terminal []*models.SyncJob
		for _, job := range s.jobs {
			if job.State == state {
				terminal = append(terminal, job)
			}
		}
		// Newest first so the count bound keeps the most recent jobs.
		sort.Slice(terminal, func(i, j int) bool {
			return finishedAt(terminal[i]).After(finishedAt(terminal[j]))
		})

		for i, job := range terminal {
			tooOld := maxAge > 0 && now.Sub(finishedAt(job)) > maxAge
			tooMany := maxCount > 0 && i >= maxCount
			if tooOld || tooMany {
				delete(s.jobs, job.ID)
				purged++
			}
		}
	}
	return purged, nil
}

func finishedAt(job *models.SyncJob) time.Time {
	if job.FinishedAt != nil {
		return *job.FinishedAt
	}
	return job.UpdatedAt
}

func cloneJob(job *models.SyncJob) *models.SyncJob {
	if job == nil {
		return nil
	}
	c := *job
	if job.Payload.Params != nil {
		c.Payload.Params = make(map[string]string, len(job.Payload.Params))
		for k, v := range job.Payload.Params {
			c.Payload.Params[k] = v
		}
	}
	if job.LeaseExpiresAt != nil {
		t := *job.LeaseExpiresAt
		c.LeaseExpiresAt = &t
	}
	if job.FinishedAt != nil {
		t := *job.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

var _ Store = (*MemoryStore)(nil)
