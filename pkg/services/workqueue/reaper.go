package workqueue

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Reaper periodically purges finished jobs according to a retention policy.
// It implements suture.Service.
type Reaper struct {
	queue    *Queue
	policy   RetentionPolicy
	interval time.Duration
	logger   *zap.Logger
}

// NewReaper creates a reaper that purges every interval (default 5m).
func NewReaper(queue *Queue, policy RetentionPolicy, interval time.Duration, logger *zap.Logger) *Reaper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reaper{
		queue:    queue,
		policy:   policy,
		interval: interval,
		logger:   logger.Named("reaper"),
	}
}

// Serve runs until ctx is cancelled. Purge errors are logged, not returned,
// so a flaky database does not restart the service.
func (r *Reaper) Serve(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		r.RunOnce(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single purge.
func (r *Reaper) RunOnce(ctx context.Context) int {
	n, err := r.queue.Purge(ctx, r.policy)
	if err != nil && ctx.Err() == nil {
		r.logger.Error("purge failed", zap.Error(err))
	}
	return n
}

func (r *Reaper) String() string { return "job-reaper" }
