package services

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-sync/pkg/metrics"
	"github.com/ekaya-inc/ekaya-sync/pkg/models"
)

// Pool defaults.
const (
	DefaultConcurrency  = 5
	DefaultJobTimeout   = 10 * time.Minute
	DefaultPollInterval = time.Second
)

// JobSource is the part of the job queue the pool consumes.
type JobSource interface {
	Claim(ctx context.Context) (*models.SyncJob, error)
	Complete(ctx context.Context, job *models.SyncJob) error
	Fail(ctx context.Context, job *models.SyncJob, cause error) (bool, error)
}

// JobProcessor runs one job.
type JobProcessor interface {
	Process(ctx context.Context, job *models.SyncJob) error
}

// WorkerPoolConfig sizes the pool.
type WorkerPoolConfig struct {
	Concurrency  int
	JobTimeout   time.Duration
	PollInterval time.Duration
	// UploadDir holds upload files. A job that fails for good has its
	// upload removed from here, since no later attempt will read it.
	UploadDir string
}

// WorkerPool runs a fixed number of workers, each claiming and processing
// jobs independently. It implements suture.Service.
type WorkerPool struct {
	jobs      JobSource
	processor JobProcessor
	cfg       WorkerPoolConfig
	logger    *zap.Logger
}

// NewWorkerPool creates a pool. Zero config values use the defaults.
func NewWorkerPool(jobs JobSource, processor JobProcessor, cfg WorkerPoolConfig, logger *zap.Logger) *WorkerPool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultJobTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkerPool{
		jobs:      jobs,
		processor: processor,
		cfg:       cfg,
		logger:    logger.Named("workers"),
	}
}

// Serve runs the workers until ctx is cancelled. Workers stop claiming at
// once; jobs already running are finished before Serve returns.
func (p *WorkerPool) Serve(ctx context.Context) error {
	p.logger.Info("worker pool started",
		zap.Int("concurrency", p.cfg.Concurrency),
		zap.Duration("job_timeout", p.cfg.JobTimeout))

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.work(ctx, id)
		}(i)
	}
	wg.Wait()

	p.logger.Info("worker pool stopped")
	return ctx.Err()
}

func (p *WorkerPool) String() string { return "sync-worker-pool" }

func (p *WorkerPool) work(ctx context.Context, id int) {
	logger := p.logger.With(zap.Int("worker", id))
	for {
		if ctx.Err() != nil {
			return
		}

		job, err := p.jobs.Claim(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logger.Error("failed to claim job", zap.Error(err))
			}
			if !sleep(ctx, p.cfg.PollInterval) {
				return
			}
			continue
		}
		if job == nil {
			if !sleep(ctx, p.cfg.PollInterval) {
				return
			}
			continue
		}

		p.RunJob(ctx, job)
	}
}

// RunJob processes one claimed job and reports the outcome to the queue.
// A claimed job runs to completion even if ctx is cancelled; only the job
// timeout cuts it short.
func (p *WorkerPool) RunJob(ctx context.Context, job *models.SyncJob) {
	metrics.WorkersBusy.Inc()
	defer metrics.WorkersBusy.Dec()

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.JobTimeout)
	err := p.safeProcess(runCtx, job)
	cancel()

	ackCtx, ackCancel := context.WithTimeout(context.WithoutCancel(ctx), statusUpdateTimeout)
	defer ackCancel()

	if err == nil {
		if cerr := p.jobs.Complete(ackCtx, job); cerr != nil {
			p.logger.Error("failed to complete job", zap.String("job_id", job.ID.String()), zap.Error(cerr))
		}
		return
	}

	retryScheduled, ferr := p.jobs.Fail(ackCtx, job, err)
	if ferr != nil {
		p.logger.Error("failed to record job failure", zap.String("job_id", job.ID.String()), zap.Error(ferr))
		return
	}
	if !retryScheduled {
		removeUpload(p.cfg.UploadDir, job.Payload.FilePath, p.logger)
	}
}

// safeProcess converts a panic in the processor into an error.
func (p *WorkerPool) safeProcess(ctx context.Context, job *models.SyncJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic while processing job",
				zap.String("job_id", job.ID.String()),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("sync panicked: %v", r)
		}
	}()
	return p.processor.Process(ctx, job)
}

// sleep waits for d or until ctx is done. It reports whether ctx is still live.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
