package models

import (
	"time"

	"github.com/google/uuid"
)

// DataSourceType identifies which adapter syncs a data source.
type DataSourceType string

const (
	DataSourceTypeGoogleAds   DataSourceType = "GOOGLE_ADS"
	DataSourceTypeFacebookAds DataSourceType = "FACEBOOK_ADS"
	DataSourceTypeLinkedInAds DataSourceType = "LINKEDIN_ADS"
	DataSourceTypeTikTokAds   DataSourceType = "TIKTOK_ADS"
	DataSourceTypeCustomAPI   DataSourceType = "CUSTOM_API"
	DataSourceTypeCSV         DataSourceType = "CSV"
	DataSourceTypeSQL         DataSourceType = "SQL"
)

// SourceFamily groups data source types that share an adapter implementation.
type SourceFamily string

const (
	SourceFamilyAPI SourceFamily = "api"
	SourceFamilyCSV SourceFamily = "csv"
	SourceFamilySQL SourceFamily = "sql"
)

// AllDataSourceTypes lists every known type in a stable order.
func AllDataSourceTypes() []DataSourceType {
	return []DataSourceType{
		DataSourceTypeGoogleAds,
		DataSourceTypeFacebookAds,
		DataSourceTypeLinkedInAds,
		DataSourceTypeTikTokAds,
		DataSourceTypeCustomAPI,
		DataSourceTypeCSV,
		DataSourceTypeSQL,
	}
}

// Family returns the adapter family for the type, or "" if the type is unknown.
func (t DataSourceType) Family() SourceFamily {
	switch t {
	case DataSourceTypeGoogleAds, DataSourceTypeFacebookAds, DataSourceTypeLinkedInAds,
		DataSourceTypeTikTokAds, DataSourceTypeCustomAPI:
		return SourceFamilyAPI
	case DataSourceTypeCSV:
		return SourceFamilyCSV
	case DataSourceTypeSQL:
		return SourceFamilySQL
	default:
		return ""
	}
}

// IsValid reports whether t is a known data source type.
func (t DataSourceType) IsValid() bool {
	return t.Family() != ""
}

// DataSource is a tenant-owned external connection definition.
// Credentials holds the vault envelope; plaintext credentials are never stored here.
type DataSource struct {
	ID                uuid.UUID      `json:"id"`
	TenantID          uuid.UUID      `json:"tenant_id"`
	Name              string         `json:"name"`
	Type              DataSourceType `json:"type"`
	ConnectionDetails map[string]any `json:"connection_details"`
	Config            map[string]any `json:"config"`
	Credentials       string         `json:"-"`
	Schedule          string         `json:"schedule,omitempty"`
	Tags              []string       `json:"tags"`
	SyncState
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasCredentials reports whether an encrypted credential envelope is stored.
func (d *DataSource) HasCredentials() bool {
	return d.Credentials != ""
}

// SyncOutcome records how the last finished sync ended.
type SyncOutcome string

const (
	SyncOutcomeNone    SyncOutcome = ""
	SyncOutcomeSuccess SyncOutcome = "success"
	SyncOutcomeError   SyncOutcome = "error"
)

// SyncState is the portion of a DataSource owned by the status tracker.
type SyncState struct {
	Status           SyncStatus   `json:"status"`
	LastSyncAt       *time.Time   `json:"last_sync_at,omitempty"`
	LastSyncOutcome  SyncOutcome  `json:"last_sync_outcome,omitempty"`
	LastErrorMessage *string      `json:"last_error_message"`
	ActivityLog      *ActivityLog `json:"activity_log"`
}

// StatusPayload is the read model returned to the trigger layer.
type StatusPayload struct {
	DataSourceID     uuid.UUID          `json:"data_source_id"`
	Status           SyncStatus         `json:"status"`
	LastSyncAt       *time.Time         `json:"last_sync"`
	LastSyncOutcome  SyncOutcome        `json:"last_sync_outcome"`
	LastErrorMessage *string            `json:"last_error_message"`
	RecentLogEntries []ActivityLogEntry `json:"recent_log_entries"`
}

// StatusPayloadFor builds the status read model for a data source.
// Log entries are returned newest first.
func StatusPayloadFor(ds *DataSource) *StatusPayload {
	p := &StatusPayload{
		DataSourceID:     ds.ID,
		Status:           ds.Status,
		LastSyncAt:       ds.LastSyncAt,
		LastSyncOutcome:  ds.LastSyncOutcome,
		LastErrorMessage: ds.LastErrorMessage,
		RecentLogEntries: []ActivityLogEntry{},
	}
	if ds.ActivityLog != nil {
		p.RecentLogEntries = ds.ActivityLog.Recent(ds.ActivityLog.Cap())
	}
	return p
}
