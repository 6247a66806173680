package models

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MetricRecord is one normalized row produced by a sync.
type MetricRecord struct {
	TenantID     uuid.UUID          `json:"tenant_id"`
	DataSourceID uuid.UUID          `json:"data_source_id"`
	CampaignID   string             `json:"campaign_id"`
	Date         time.Time          `json:"date"`
	Source       DataSourceType     `json:"source"`
	Metrics      map[string]float64 `json:"metrics"`
}

// MetricKey returns the sorted, comma-joined measurement names.
// Together with tenant, campaign, date and source it identifies a record.
func (r *MetricRecord) MetricKey() string {
	names := make([]string, 0, len(r.Metrics))
	for name := range r.Metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}

// Day returns the record date truncated to a UTC calendar day.
func (r *MetricRecord) Day() time.Time {
	return TruncateDay(r.Date)
}

// IdentityKey returns a string that is equal for duplicate records.
func (r *MetricRecord) IdentityKey() string {
	return strings.Join([]string{
		r.TenantID.String(),
		r.CampaignID,
		r.Day().Format(time.DateOnly),
		string(r.Source),
		r.MetricKey(),
	}, "|")
}

// TruncateDay converts t to UTC midnight of the same calendar day.
func TruncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
