package csvupload

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-sync/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-sync/pkg/models"
)

func writeUpload(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "upload.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func csvDataSource(config map[string]any) *models.DataSource {
	if config == nil {
		config = map[string]any{}
	}
	if _, ok := config["campaign_mapping"]; !ok {
		config["campaign_mapping"] = map[string]any{"ext-1": "c1", "ext-2": "c2", "ext-3": "c3"}
	}
	return &models.DataSource{ID: uuid.New(), TenantID: uuid.New(), Name: "csv", Type: models.DataSourceTypeCSV, Config: config}
}

func TestAdapter_ValidFileProducesRecordsAndRemovesFile(t *testing.T) {
	path := writeUpload(t, "date,campaign_id,clicks,spend\n"+
		"2026-01-01,ext-1,10,1.5\n"+
		"2026-01-01,ext-2,20,2.5\n"+
		"2026-01-02,ext-3,30,3.5\n")

	result, err := NewAdapter(zap.NewNop()).Sync(context.Background(), csvDataSource(nil), nil, models.JobPayload{FilePath: path})
	require.NoError(t, err)

	assert.Len(t, result.Records, 3)
	assert.Equal(t, 3, result.RowsRead)
	assert.Equal(t, 0, result.RowsRejected)
	assert.Empty(t, result.Notes)
	assert.Equal(t, "c2", result.Records[1].CampaignID)
	assert.Equal(t, 20.0, result.Records[1].Metrics["clicks"])

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "upload should be removed")
}

func TestAdapter_RejectsRowsWithinErrorRate(t *testing.T) {
	content := "date,campaign_id,clicks\n"
	for i := 0; i < 9; i++ {
		content += "2026-01-01,ext-1,1\n"
	}
	content += "not-a-date,ext-1,1\n"
	path := writeUpload(t, content)

	result, err := NewAdapter(nil).Sync(context.Background(), csvDataSource(nil), nil, models.JobPayload{FilePath: path})
	require.NoError(t, err)

	assert.Equal(t, 10, result.RowsRead)
	assert.Equal(t, 1, result.RowsRejected)
	assert.Len(t, result.Records, 9)
	require.Len(t, result.Notes, 1)
	assert.Contains(t, result.Notes[0], "1 of 10")
}

func TestAdapter_TooManyInvalidRowsFailsAndRemovesFile(t *testing.T) {
	path := writeUpload(t, "date,campaign_id,clicks\n2026-01-01,ext-1,1\n2026-01-01,,1\n2026-01-01,ext-1,abc\n")

	_, err := NewAdapter(nil).Sync(context.Background(), csvDataSource(map[string]any{"max_error_rate": 0.5}), nil, models.JobPayload{FilePath: path})
	require.ErrorIs(t, err, apperrors.ErrTooManyInvalidRows)

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "upload should be removed on failure too")
}

func TestAdapter_UnmappedCampaignFailsSync(t *testing.T) {
	path := writeUpload(t, "date,campaign_id,clicks\n2026-01-01,ext-404,1\n")

	_, err := NewAdapter(nil).Sync(context.Background(), csvDataSource(nil), nil, models.JobPayload{FilePath: path})
	require.ErrorIs(t, err, apperrors.ErrCampaignMappingMissing)
	assert.Contains(t, err.Error(), "ext-404")
}

func TestAdapter_ColumnMappingAndBOM(t *testing.T) {
	path := writeUpload(t, "﻿Day,Campaign,Clicks,Comment\n2026-03-01,ext-1,7,hello\n")

	ds := csvDataSource(map[string]any{
		"column_mapping": map[string]any{
			"date":     "Day",
			"campaign": "Campaign",
			"metrics":  map[string]any{"clicks": "Clicks"},
		},
	})
	result, err := NewAdapter(nil).Sync(context.Background(), ds, nil, models.JobPayload{FilePath: path})
	require.NoError(t, err)
	require.Len(t, result.Records, 1)
	assert.Equal(t, map[string]float64{"clicks": 7}, result.Records[0].Metrics)
}

func TestAdapter_MissingFile(t *testing.T) {
	_, err := NewAdapter(nil).Sync(context.Background(), csvDataSource(nil), nil,
		models.JobPayload{FilePath: filepath.Join(t.TempDir(), "gone.csv")})
	assert.Error(t, err)
}

func TestAdapter_NoFilePath(t *testing.T) {
	_, err := NewAdapter(nil).Sync(context.Background(), csvDataSource(nil), nil, models.JobPayload{})
	assert.ErrorIs(t, err, apperrors.ErrInvalidConfig)
}

func TestAdapter_EmptyFile(t *testing.T) {
	path := writeUpload(t, "")
	_, err := NewAdapter(nil).Sync(context.Background(), csvDataSource(nil), nil, models.JobPayload{FilePath: path})
	assert.ErrorIs(t, err, apperrors.ErrInvalidConfig)
}
