package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-sync/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-sync/pkg/logging"
	"github.com/ekaya-inc/ekaya-sync/pkg/models"
	"github.com/ekaya-inc/ekaya-sync/pkg/repositories"
)

// StatusTracker owns a data source's sync status, last-sync fields and
// activity log. It is the only writer of those fields. Callers must pass a
// context carrying the tenant scope.
type StatusTracker interface {
	// BeginSync moves the data source to SYNCING.
	BeginSync(ctx context.Context, tenantID, dataSourceID uuid.UUID, trigger models.TriggerType) error

	// CompleteSync moves SYNCING to ACTIVE and clears the last error.
	CompleteSync(ctx context.Context, tenantID, dataSourceID uuid.UUID, summary SyncSummary) error

	// FailSync moves SYNCING to ERROR and records message.
	FailSync(ctx context.Context, tenantID, dataSourceID uuid.UUID, message string) error

	// GetStatus returns the status read model.
	GetStatus(ctx context.Context, tenantID, dataSourceID uuid.UUID) (*models.StatusPayload, error)
}

// SyncSummary describes a successful sync for the activity log.
type SyncSummary struct {
	RecordsProcessed int
	RecordsInserted  int
	RowsRejected     int
	Notes            []string
}

func (s SyncSummary) String() string {
	msg := fmt.Sprintf("Sync completed: %d records processed, %d new", s.RecordsProcessed, s.RecordsInserted)
	if s.RowsRejected > 0 {
		msg += fmt.Sprintf(", %d rows rejected", s.RowsRejected)
	}
	return msg
}

type statusTracker struct {
	repo   repositories.DataSourceRepository
	locks  *keyedMutex
	now    func() time.Time
	logger *zap.Logger
}

// NewStatusTracker creates a tracker writing through repo.
func NewStatusTracker(repo repositories.DataSourceRepository, logger *zap.Logger) StatusTracker {
	return newStatusTracker(repo, logger, func() time.Time { return time.Now().UTC() })
}

func newStatusTracker(repo repositories.DataSourceRepository, logger *zap.Logger, now func() time.Time) *statusTracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &statusTracker{
		repo:   repo,
		locks:  newKeyedMutex(),
		now:    now,
		logger: logger.Named("status"),
	}
}

func (t *statusTracker) BeginSync(ctx context.Context, tenantID, dataSourceID uuid.UUID, trigger models.TriggerType) error {
	return t.update(ctx, tenantID, dataSourceID, models.SyncStatusSyncing, func(s *models.SyncState, now time.Time) {
		msg := fmt.Sprintf("Sync started (%s)", strings.ToLower(string(trigger)))
		if s.Status == models.SyncStatusSyncing {
			msg = fmt.Sprintf("Sync restarted after an interrupted attempt (%s)", strings.ToLower(string(trigger)))
		}
		s.Status = models.SyncStatusSyncing
		s.ActivityLog.Append(models.ActivityLogEntry{Timestamp: now, Level: models.ActivityLevelInfo, Message: msg})
	})
}

func (t *statusTracker) CompleteSync(ctx context.Context, tenantID, dataSourceID uuid.UUID, summary SyncSummary) error {
	return t.update(ctx, tenantID, dataSourceID, models.SyncStatusActive, func(s *models.SyncState, now time.Time) {
		for _, note := range summary.Notes {
			s.ActivityLog.Append(models.ActivityLogEntry{
				Timestamp: now,
				Level:     models.ActivityLevelInfo,
				Message:   logging.SanitizeMessage(note),
			})
		}
		s.Status = models.SyncStatusActive
		s.LastSyncAt = &now
		s.LastSyncOutcome = models.SyncOutcomeSuccess
		s.LastErrorMessage = nil
		s.ActivityLog.Append(models.ActivityLogEntry{Timestamp: now, Level: models.ActivityLevelSuccess, Message: summary.String()})
	})
}

func (t *statusTracker) FailSync(ctx context.Context, tenantID, dataSourceID uuid.UUID, message string) error {
	message = logging.SanitizeMessage(strings.TrimSpace(message))
	if message == "" {
		message = "unknown error"
	}
	return t.update(ctx, tenantID, dataSourceID, models.SyncStatusError, func(s *models.SyncState, now time.Time) {
		s.Status = models.SyncStatusError
		s.LastSyncAt = &now
		s.LastSyncOutcome = models.SyncOutcomeError
		s.LastErrorMessage = &message
		s.ActivityLog.Append(models.ActivityLogEntry{Timestamp: now, Level: models.ActivityLevelError, Message: "Sync failed: " + message})
	})
}

func (t *statusTracker) GetStatus(ctx context.Context, tenantID, dataSourceID uuid.UUID) (*models.StatusPayload, error) {
	ds, err := t.repo.GetByID(ctx, tenantID, dataSourceID)
	if err != nil {
		return nil, err
	}
	return models.StatusPayloadFor(ds), nil
}

// update serializes writers per data source within this process and applies
// mutate under the repository's row lock.
func (t *statusTracker) update(ctx context.Context, tenantID, dataSourceID uuid.UUID, next models.SyncStatus, mutate func(*models.SyncState, time.Time)) error {
	unlock := t.locks.Lock(dataSourceID)
	defer unlock()

	var from models.SyncStatus
	_, err := t.repo.UpdateSyncState(ctx, tenantID, dataSourceID, func(s *models.SyncState) error {
		from = s.Status
		if !s.Status.CanTransitionTo(next) {
			return fmt.Errorf("%w: %s -> %s", apperrors.ErrInvalidTransition, s.Status, next)
		}
		if s.ActivityLog == nil {
			s.ActivityLog = models.NewActivityLog(models.DefaultActivityLogCap)
		}
		mutate(s, t.now())
		return nil
	})
	if err != nil {
		return err
	}

	t.logger.Debug("sync status changed",
		zap.String("datasource_id", dataSourceID.String()),
		zap.String("from", string(from)),
		zap.String("to", string(next)))
	return nil
}

// keyedMutex hands out one mutex per key and forgets it once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[uuid.UUID]*refMutex)}
}

// Lock blocks until key is free and returns the matching unlock.
func (k *keyedMutex) Lock(key uuid.UUID) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
