// Package csvupload syncs metrics from CSV files uploaded by users.
package csvupload

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-sync/pkg/adapters/source"
	"github.com/ekaya-inc/ekaya-sync/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-sync/pkg/crypto"
	"github.com/ekaya-inc/ekaya-sync/pkg/models"
)

// Adapter reads payload.FilePath, normalizes its rows and removes the file
// afterwards, whatever the outcome.
type Adapter struct {
	logger *zap.Logger
}

// NewAdapter creates a CSV upload adapter.
func NewAdapter(logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{logger: logger.Named("csv")}
}

func (a *Adapter) Sync(ctx context.Context, ds *models.DataSource, _ crypto.Credentials, payload models.JobPayload) (*source.Result, error) {
	if payload.FilePath == "" {
		return nil, fmt.Errorf("%w: CSV sync needs an uploaded file", apperrors.ErrInvalidConfig)
	}

	f, err := os.Open(payload.FilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open upload: %w", err)
	}
	defer a.remove(f, payload.FilePath)

	normalizer, err := source.NewNormalizer(ds)
	if err != nil {
		return nil, err
	}

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: CSV file is empty", apperrors.ErrInvalidConfig)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "﻿")
	}

	result := &source.Result{}
	line := 1
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		fields, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++

		var parseErr *csv.ParseError
		if errors.As(err, &parseErr) {
			result.RowsRead++
			result.RowsRejected++
			a.logger.Debug("rejected malformed CSV line", zap.Int("line", line), zap.Error(err))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read CSV: %w", err)
		}
		if isEmptyLine(fields) {
			continue
		}
		result.RowsRead++

		row := make(map[string]any, len(header))
		for i, col := range header {
			if i < len(fields) {
				row[col] = fields[i]
			}
		}

		rec, err := normalizer.Normalize(row)
		if errors.Is(err, source.ErrInvalidRow) {
			result.RowsRejected++
			a.logger.Debug("rejected CSV row", zap.Int("line", line), zap.Error(err))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		result.Records = append(result.Records, *rec)
	}

	maxRate := source.ConfigFloat(ds.Config, "max_error_rate", source.DefaultMaxErrorRate)
	if err := source.CheckErrorRate(result.RowsRead, result.RowsRejected, maxRate); err != nil {
		return nil, err
	}
	if result.RowsRejected > 0 {
		result.Notef("%d of %d CSV rows rejected", result.RowsRejected, result.RowsRead)
	}

	return result, nil
}

// remove closes and deletes the upload.
func (a *Adapter) remove(f *os.File, path string) {
	_ = f.Close()
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		a.logger.Warn("failed to remove processed upload", zap.String("path", path), zap.Error(err))
	}
}

func isEmptyLine(fields []string) bool {
	for _, f := range fields {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

var _ source.Adapter = (*Adapter)(nil)
