package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-sync/pkg/models"
)

// chanJobSource hands out jobs from a channel and records acks.
type chanJobSource struct {
	jobs chan *models.SyncJob

	mu        sync.Mutex
	completed []uuid.UUID
	failed    map[uuid.UUID]error
	claimErrs int
}

func newChanJobSource(n int) *chanJobSource {
	return &chanJobSource{jobs: make(chan *models.SyncJob, n), failed: map[uuid.UUID]error{}}
}

func (s *chanJobSource) Claim(ctx context.Context) (*models.SyncJob, error) {
	select {
	case job := <-s.jobs:
		return job, nil
	default:
		return nil, nil
	}
}

func (s *chanJobSource) Complete(_ context.Context, job *models.SyncJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, job.ID)
	return nil
}

func (s *chanJobSource) Fail(_ context.Context, job *models.SyncJob, cause error) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[job.ID] = cause
	return false, nil
}

func (s *chanJobSource) acked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.completed) + len(s.failed)
}

type processorFunc func(ctx context.Context, job *models.SyncJob) error

func (f processorFunc) Process(ctx context.Context, job *models.SyncJob) error { return f(ctx, job) }

func newJob() *models.SyncJob {
	return &models.SyncJob{ID: uuid.New(), DataSourceID: uuid.New(), TenantID: uuid.New(), TriggerType: models.TriggerManual}
}

func TestWorkerPool_ProcessesJobsConcurrently(t *testing.T) {
	jobs := newChanJobSource(10)
	for i := 0; i < 6; i++ {
		jobs.jobs <- newJob()
	}

	var running, peak atomic.Int32
	release := make(chan struct{})
	processor := processorFunc(func(ctx context.Context, job *models.SyncJob) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		return nil
	})

	pool := NewWorkerPool(jobs, processor, WorkerPoolConfig{Concurrency: 3, PollInterval: 5 * time.Millisecond}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Serve(ctx) }()

	require.Eventually(t, func() bool { return running.Load() == 3 }, time.Second, 5*time.Millisecond)
	close(release)
	require.Eventually(t, func() bool { return jobs.acked() == 6 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	assert.Equal(t, int32(3), peak.Load(), "concurrency must be bounded by the pool size")
	assert.Len(t, jobs.completed, 6)
}

func TestWorkerPool_FinishesRunningJobOnShutdown(t *testing.T) {
	jobs := newChanJobSource(1)
	jobs.jobs <- newJob()

	started := make(chan struct{})
	var sawCancel atomic.Bool
	processor := processorFunc(func(ctx context.Context, job *models.SyncJob) error {
		close(started)
		time.Sleep(50 * time.Millisecond)
		sawCancel.Store(ctx.Err() != nil)
		return nil
	})

	pool := NewWorkerPool(jobs, processor, WorkerPoolConfig{Concurrency: 1, PollInterval: 5 * time.Millisecond}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Serve(ctx) }()

	<-started
	cancel()
	<-done

	assert.False(t, sawCancel.Load(), "shutdown must not cancel a running job")
	assert.Len(t, jobs.completed, 1)
}

func TestWorkerPool_RunJobRecoversPanic(t *testing.T) {
	jobs := newChanJobSource(0)
	processor := processorFunc(func(context.Context, *models.SyncJob) error {
		panic("boom")
	})
	pool := NewWorkerPool(jobs, processor, WorkerPoolConfig{}, zap.NewNop())

	job := newJob()
	assert.NotPanics(t, func() { pool.RunJob(context.Background(), job) })

	require.Contains(t, jobs.failed, job.ID)
	assert.Contains(t, jobs.failed[job.ID].Error(), "sync panicked: boom")
}

func TestWorkerPool_RunJobReportsFailure(t *testing.T) {
	jobs := newChanJobSource(0)
	cause := errors.New("source unavailable")
	pool := NewWorkerPool(jobs, processorFunc(func(context.Context, *models.SyncJob) error { return cause }), WorkerPoolConfig{}, zap.NewNop())

	job := newJob()
	pool.RunJob(context.Background(), job)

	assert.ErrorIs(t, jobs.failed[job.ID], cause)
	assert.Empty(t, jobs.completed)
}

func TestWorkerPool_Defaults(t *testing.T) {
	pool := NewWorkerPool(newChanJobSource(0), processorFunc(nil), WorkerPoolConfig{}, nil)
	assert.Equal(t, DefaultConcurrency, pool.cfg.Concurrency)
	assert.Equal(t, DefaultJobTimeout, pool.cfg.JobTimeout)
	assert.Equal(t, DefaultPollInterval, pool.cfg.PollInterval)
	assert.Equal(t, "sync-worker-pool", pool.String())
}
