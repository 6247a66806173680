package services

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-sync/pkg/database"
	"github.com/ekaya-inc/ekaya-sync/pkg/metrics"
	"github.com/ekaya-inc/ekaya-sync/pkg/models"
	"github.com/ekaya-inc/ekaya-sync/pkg/repositories"
)

// DefaultSchedulerInterval is how often schedules are evaluated.
const DefaultSchedulerInterval = time.Minute

// Enqueuer is the part of the job queue triggers need.
type Enqueuer interface {
	Enqueue(ctx context.Context, dataSourceID, tenantID uuid.UUID, trigger models.TriggerType, payload models.JobPayload) (*models.JobHandle, error)
}

// Scheduler enqueues SCHEDULED syncs for data sources whose cron schedule
// fired since the previous tick. Missed ticks while the process was down
// are not caught up. It implements suture.Service.
type Scheduler struct {
	scopes   database.TenantScopeProvider
	sources  repositories.DataSourceRepository
	queue    Enqueuer
	interval time.Duration
	now      func() time.Time
	logger   *zap.Logger

	mu       sync.Mutex
	lastTick time.Time
}

// NewScheduler creates a scheduler ticking every interval.
func NewScheduler(scopes database.TenantScopeProvider, sources repositories.DataSourceRepository, queue Enqueuer, interval time.Duration, logger *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultSchedulerInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		scopes:   scopes,
		sources:  sources,
		queue:    queue,
		interval: interval,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger.Named("scheduler"),
	}
}

// ParseSchedule parses a standard five-field cron expression or descriptor
// such as "@hourly".
func ParseSchedule(spec string) (cron.Schedule, error) {
	return cron.ParseStandard(spec)
}

// Serve ticks until ctx is cancelled.
func (s *Scheduler) Serve(ctx context.Context) error {
	s.mu.Lock()
	if s.lastTick.IsZero() {
		s.lastTick = s.now()
	}
	s.mu.Unlock()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

func (s *Scheduler) String() string { return "sync-scheduler" }

// Tick enqueues every schedule that fired in (lastTick, now] and returns
// how many jobs were requested.
func (s *Scheduler) Tick(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	since := s.lastTick
	if since.IsZero() {
		since = now.Add(-s.interval)
	}

	var scheduled []*models.DataSource
	err := withSystem(ctx, s.scopes, func(ctx context.Context) error {
		var err error
		scheduled, err = s.sources.ListScheduled(ctx)
		return err
	})
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("failed to list scheduled data sources", zap.Error(err))
		}
		// Keep lastTick so the window is retried on the next tick.
		return 0
	}

	triggered := 0
	for _, ds := range scheduled {
		sched, err := ParseSchedule(ds.Schedule)
		if err != nil {
			s.logger.Warn("skipping data source with invalid schedule",
				zap.String("datasource_id", ds.ID.String()),
				zap.String("schedule", ds.Schedule),
				zap.Error(err))
			continue
		}
		if sched.Next(since).After(now) {
			continue
		}

		handle, err := s.queue.Enqueue(ctx, ds.ID, ds.TenantID, models.TriggerScheduled, models.JobPayload{})
		if err != nil {
			s.logger.Error("failed to enqueue scheduled sync",
				zap.String("datasource_id", ds.ID.String()),
				zap.Error(err))
			continue
		}
		triggered++
		metrics.ScheduledTriggers.Inc()
		s.logger.Debug("scheduled sync requested",
			zap.String("datasource_id", ds.ID.String()),
			zap.String("job_id", handle.ID.String()))
	}

	s.lastTick = now
	return triggered
}
