package services

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-sync/pkg/adapters/source"
	"github.com/ekaya-inc/ekaya-sync/pkg/crypto"
	"github.com/ekaya-inc/ekaya-sync/pkg/database"
	"github.com/ekaya-inc/ekaya-sync/pkg/logging"
	"github.com/ekaya-inc/ekaya-sync/pkg/metrics"
	"github.com/ekaya-inc/ekaya-sync/pkg/models"
	"github.com/ekaya-inc/ekaya-sync/pkg/repositories"
)

// DefaultBatchSize is the number of metric records inserted per batch.
const DefaultBatchSize = 500

// statusUpdateTimeout bounds status writes made after the job context ended.
const statusUpdateTimeout = 30 * time.Second

// ErrCredentialFailure is recorded when a data source's credentials cannot
// be decrypted. The vault's internal cause is only logged.
var ErrCredentialFailure = fmt.Errorf("credential failure: %w", crypto.ErrDecryptionFailed)

// CredentialDecrypter opens credential envelopes.
type CredentialDecrypter interface {
	DecryptCredentials(envelope string) (crypto.Credentials, error)
}

// SyncProcessor runs one claimed job: fetch, normalize, load, report.
type SyncProcessor struct {
	scopes    database.TenantScopeProvider
	sources   repositories.DataSourceRepository
	records   repositories.MetricRecordRepository
	tracker   StatusTracker
	vault     CredentialDecrypter
	adapters  *source.Registry
	batchSize int
	logger    *zap.Logger
}

// NewSyncProcessor wires a processor. batchSize <= 0 uses DefaultBatchSize.
func NewSyncProcessor(
	scopes database.TenantScopeProvider,
	sources repositories.DataSourceRepository,
	records repositories.MetricRecordRepository,
	tracker StatusTracker,
	vault CredentialDecrypter,
	adapters *source.Registry,
	batchSize int,
	logger *zap.Logger,
) *SyncProcessor {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SyncProcessor{
		scopes:    scopes,
		sources:   sources,
		records:   records,
		tracker:   tracker,
		vault:     vault,
		adapters:  adapters,
		batchSize: batchSize,
		logger:    logger.Named("processor"),
	}
}

// Process runs the job. The data source is SYNCING before any external I/O.
// Any failure after that is recorded with FailSync before being returned, so
// the queue can decide whether to retry.
func (p *SyncProcessor) Process(ctx context.Context, job *models.SyncJob) error {
	start := time.Now()
	logger := p.logger.With(
		zap.String("job_id", job.ID.String()),
		zap.String("datasource_id", job.DataSourceID.String()),
		zap.String("tenant_id", job.TenantID.String()),
		zap.Int("attempt", job.AttemptCount))

	if err := withTenant(ctx, p.scopes, job.TenantID, func(ctx context.Context) error {
		return p.tracker.BeginSync(ctx, job.TenantID, job.DataSourceID, job.TriggerType)
	}); err != nil {
		return fmt.Errorf("failed to begin sync: %w", err)
	}

	sourceType, summary, err := p.safeRun(ctx, job, logger)
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	if sourceType != "" {
		metrics.SyncDuration.WithLabelValues(string(sourceType), outcome).Observe(time.Since(start).Seconds())
	}

	// The job context may already be done (timeout); status must still be written.
	statusCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusUpdateTimeout)
	defer cancel()

	if err != nil {
		message := logging.SanitizeError(err)
		logger.Warn("sync failed", zap.String("error", message))
		if ferr := withTenant(statusCtx, p.scopes, job.TenantID, func(ctx context.Context) error {
			return p.tracker.FailSync(ctx, job.TenantID, job.DataSourceID, message)
		}); ferr != nil {
			logger.Error("failed to record sync failure", zap.Error(ferr))
			return errors.Join(err, ferr)
		}
		return err
	}

	if err := withTenant(statusCtx, p.scopes, job.TenantID, func(ctx context.Context) error {
		return p.tracker.CompleteSync(ctx, job.TenantID, job.DataSourceID, summary)
	}); err != nil {
		return fmt.Errorf("failed to record sync completion: %w", err)
	}

	logger.Info("sync completed",
		zap.String("source_type", string(sourceType)),
		zap.Int("records", summary.RecordsProcessed),
		zap.Int("inserted", summary.RecordsInserted),
		zap.Int("rejected", summary.RowsRejected),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

// safeRun turns a panic in an adapter into an ordinary failure so the status
// still leaves SYNCING.
func (p *SyncProcessor) safeRun(ctx context.Context, job *models.SyncJob, logger *zap.Logger) (sourceType models.DataSourceType, summary SyncSummary, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic during sync", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("sync panicked: %v", r)
		}
	}()
	return p.run(ctx, job, logger)
}

func (p *SyncProcessor) run(ctx context.Context, job *models.SyncJob, logger *zap.Logger) (models.DataSourceType, SyncSummary, error) {
	var ds *models.DataSource
	if err := withTenant(ctx, p.scopes, job.TenantID, func(ctx context.Context) error {
		var err error
		ds, err = p.sources.GetByID(ctx, job.TenantID, job.DataSourceID)
		return err
	}); err != nil {
		return "", SyncSummary{}, err
	}

	adapter, err := p.adapters.Get(ds.Type)
	if err != nil {
		return ds.Type, SyncSummary{}, err
	}

	var creds crypto.Credentials
	if ds.HasCredentials() {
		creds, err = p.vault.DecryptCredentials(ds.Credentials)
		if err != nil {
			var decErr *crypto.DecryptionError
			if errors.As(err, &decErr) {
				logger.Warn("credential decryption failed", zap.NamedError("cause", decErr.Cause))
			}
			return ds.Type, SyncSummary{}, ErrCredentialFailure
		}
	}

	result, err := adapter.Sync(ctx, ds, creds, job.Payload)
	if err != nil {
		return ds.Type, SyncSummary{}, err
	}

	inserted, err := p.load(ctx, job, result.Records)
	if err != nil {
		return ds.Type, SyncSummary{}, err
	}

	metrics.RecordsLoaded.WithLabelValues(string(ds.Type)).Add(float64(inserted))
	if result.RowsRejected > 0 {
		metrics.RecordsRejected.WithLabelValues(string(ds.Type)).Add(float64(result.RowsRejected))
	}

	return ds.Type, SyncSummary{
		RecordsProcessed: len(result.Records),
		RecordsInserted:  inserted,
		RowsRejected:     result.RowsRejected,
		Notes:            result.Notes,
	}, nil
}

// load inserts records in batches, each on a short-lived tenant connection.
func (p *SyncProcessor) load(ctx context.Context, job *models.SyncJob, records []models.MetricRecord) (int, error) {
	inserted := 0
	for start := 0; start < len(records); start += p.batchSize {
		end := min(start+p.batchSize, len(records))
		batch := records[start:end]
		for i := range batch {
			// Adapters build records from the data source; the job decides the tenant.
			batch[i].TenantID = job.TenantID
			batch[i].DataSourceID = job.DataSourceID
		}

		err := withTenant(ctx, p.scopes, job.TenantID, func(ctx context.Context) error {
			n, err := p.records.InsertBatch(ctx, batch)
			inserted += n
			return err
		})
		if err != nil {
			return inserted, fmt.Errorf("failed to load metric records: %w", err)
		}
	}
	return inserted, nil
}
