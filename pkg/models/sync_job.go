package models

import (
	"time"

	"github.com/google/uuid"
)

// TriggerType records what caused a sync job to be enqueued.
type TriggerType string

const (
	TriggerManual    TriggerType = "MANUAL"
	TriggerScheduled TriggerType = "SCHEDULED"
	TriggerCSVUpload TriggerType = "CSV_UPLOAD"
)

// IsValid reports whether t is a known trigger type.
func (t TriggerType) IsValid() bool {
	switch t {
	case TriggerManual, TriggerScheduled, TriggerCSVUpload:
		return true
	}
	return false
}

// JobState is the lifecycle state of a sync job.
type JobState string

const (
	JobStateQueued    JobState = "queued"
	JobStateActive    JobState = "active"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
)

// IsLive reports whether the job still holds its data source's idempotency key.
func (s JobState) IsLive() bool {
	return s == JobStateQueued || s == JobStateActive
}

// IsTerminal reports whether the job has finished for good.
func (s JobState) IsTerminal() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

// JobPayload carries adapter-specific input for a sync.
type JobPayload struct {
	FilePath string            `json:"file_path,omitempty"`
	Params   map[string]string `json:"params,omitempty"`
}

// SyncJob is a queued unit of sync work for one data source.
type SyncJob struct {
	ID             uuid.UUID   `json:"id"`
	IdempotencyKey string      `json:"idempotency_key"`
	TenantID       uuid.UUID   `json:"tenant_id"`
	DataSourceID   uuid.UUID   `json:"data_source_id"`
	TriggerType    TriggerType `json:"trigger_type"`
	Payload        JobPayload  `json:"payload"`
	State          JobState    `json:"state"`
	AttemptCount   int         `json:"attempt_count"`
	MaxAttempts    int         `json:"max_attempts"`
	RunAt          time.Time   `json:"run_at"`
	LeaseExpiresAt *time.Time  `json:"lease_expires_at,omitempty"`
	LastError      string      `json:"last_error,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
	FinishedAt     *time.Time  `json:"finished_at,omitempty"`
}

// IdempotencyKeyFor returns the key that allows at most one live job per data source.
func IdempotencyKeyFor(dataSourceID uuid.UUID) string {
	return "datasource:" + dataSourceID.String()
}

// Handle returns the caller-facing view of the job.
func (j *SyncJob) Handle() *JobHandle {
	return &JobHandle{ID: j.ID, DataSourceID: j.DataSourceID, State: j.State}
}

// JobHandle is returned to callers that enqueue work.
type JobHandle struct {
	ID           uuid.UUID `json:"id"`
	DataSourceID uuid.UUID `json:"data_source_id"`
	State        JobState  `json:"state"`
}
