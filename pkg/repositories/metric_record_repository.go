package repositories

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-sync/pkg/database"
	"github.com/ekaya-inc/ekaya-sync/pkg/models"
)

// MetricRecordRepository stores normalized metric records.
type MetricRecordRepository interface {
	// InsertBatch inserts records in one round trip. Records whose identity
	// (tenant, campaign, date, source, metric key) already exists are skipped.
	// Returns the number actually inserted.
	InsertBatch(ctx context.Context, records []models.MetricRecord) (int, error)

	// CountByDataSource returns how many stored records came from a data source.
	CountByDataSource(ctx context.Context, tenantID, dataSourceID uuid.UUID) (int, error)
}

type metricRecordRepository struct{}

// NewMetricRecordRepository creates a metric record repository.
func NewMetricRecordRepository() MetricRecordRepository {
	return &metricRecordRepository{}
}

func (r *metricRecordRepository) InsertBatch(ctx context.Context, records []models.MetricRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return 0, fmt.Errorf("no tenant scope in context")
	}

	query := `
		INSERT INTO metric_records (tenant_id, data_source_id, campaign_id, date, source, metric_key, metrics)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT ON CONSTRAINT metric_records_identity DO NOTHING`

	batch := &pgx.Batch{}
	for i := range records {
		rec := &records[i]
		if len(rec.Metrics) == 0 {
			return 0, fmt.Errorf("record for campaign %q on %s has no metrics", rec.CampaignID, rec.Day().Format("2006-01-02"))
		}
		metrics, err := json.Marshal(rec.Metrics)
		if err != nil {
			return 0, fmt.Errorf("failed to encode metrics: %w", err)
		}
		var dataSourceID *uuid.UUID
		if rec.DataSourceID != uuid.Nil {
			dataSourceID = &rec.DataSourceID
		}
		batch.Queue(query,
			rec.TenantID,
			dataSourceID,
			rec.CampaignID,
			rec.Day(),
			string(rec.Source),
			rec.MetricKey(),
			metrics,
		)
	}

	results := scope.Conn.SendBatch(ctx, batch)
	defer results.Close()

	inserted := 0
	for range records {
		tag, err := results.Exec()
		if err != nil {
			return inserted, fmt.Errorf("failed to insert metric record: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}

	return inserted, nil
}

func (r *metricRecordRepository) CountByDataSource(ctx context.Context, tenantID, dataSourceID uuid.UUID) (int, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return 0, fmt.Errorf("no tenant scope in context")
	}

	var n int
	err := scope.Conn.QueryRow(ctx,
		`SELECT count(*) FROM metric_records WHERE tenant_id = $1 AND data_source_id = $2`,
		tenantID, dataSourceID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count metric records: %w", err)
	}
	return n, nil
}

var _ MetricRecordRepository = (*metricRecordRepository)(nil)
