package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ekaya-inc/ekaya-sync/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-sync/pkg/database"
	"github.com/ekaya-inc/ekaya-sync/pkg/models"
)

// DataSourceRepository defines data access for data sources.
// Credentials are stored as the vault envelope; encryption is the service layer's job.
type DataSourceRepository interface {
	// Create inserts a new data source. Returns apperrors.ErrConflict if the name is taken for the tenant.
	Create(ctx context.Context, ds *models.DataSource) error

	// GetByID retrieves a data source scoped by tenant. Returns apperrors.ErrNotFound when absent.
	GetByID(ctx context.Context, tenantID, id uuid.UUID) (*models.DataSource, error)

	// GetByName retrieves a data source by tenant and name.
	GetByName(ctx context.Context, tenantID uuid.UUID, name string) (*models.DataSource, error)

	// List retrieves all data sources for a tenant, newest first.
	List(ctx context.Context, tenantID uuid.UUID) ([]*models.DataSource, error)

	// Update writes the definition fields (never the sync-state fields).
	Update(ctx context.Context, ds *models.DataSource) error

	// Delete removes a data source. Its sync jobs are removed by cascade.
	Delete(ctx context.Context, tenantID, id uuid.UUID) error

	// UpdateSyncState locks the row, applies fn to its sync state and writes
	// the result back in one transaction. If fn returns an error nothing is written.
	UpdateSyncState(ctx context.Context, tenantID, id uuid.UUID, fn func(*models.SyncState) error) (*models.SyncState, error)

	// ListScheduled returns data sources with a schedule across all tenants.
	// Requires a system scope (no tenant set).
	ListScheduled(ctx context.Context) ([]*models.DataSource, error)
}

type dataSourceRepository struct {
	activityLogCap int
}

// NewDataSourceRepository creates a data source repository. activityLogCap
// bounds the activity log restored from storage.
func NewDataSourceRepository(activityLogCap int) DataSourceRepository {
	if activityLogCap <= 0 {
		activityLogCap = models.DefaultActivityLogCap
	}
	return &dataSourceRepository{activityLogCap: activityLogCap}
}

const dataSourceColumns = `
	id, tenant_id, name, type, connection_details, config, credentials, schedule, tags,
	status, last_sync_at, last_sync_outcome, last_error_message, activity_log,
	created_at, updated_at`

func (r *dataSourceRepository) Create(ctx context.Context, ds *models.DataSource) error {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return fmt.Errorf("no tenant scope in context")
	}

	now := time.Now().UTC()
	ds.CreatedAt = now
	ds.UpdatedAt = now
	if ds.Status == "" {
		ds.Status = models.SyncStatusIdle
	}
	if ds.ActivityLog == nil {
		ds.ActivityLog = models.NewActivityLog(r.activityLogCap)
	}
	if ds.Tags == nil {
		ds.Tags = []string{}
	}

	details, cfg, logJSON, err := marshalDataSourceJSON(ds)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO data_sources (tenant_id, name, type, connection_details, config, credentials,
			schedule, tags, status, activity_log, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id`

	err = scope.Conn.QueryRow(ctx, query,
		ds.TenantID,
		ds.Name,
		string(ds.Type),
		details,
		cfg,
		nullableString(ds.Credentials),
		nullableString(ds.Schedule),
		ds.Tags,
		string(ds.Status),
		logJSON,
		ds.CreatedAt,
		ds.UpdatedAt,
	).Scan(&ds.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.ErrConflict
		}
		return fmt.Errorf("failed to create data source: %w", err)
	}

	return nil
}

func (r *dataSourceRepository) GetByID(ctx context.Context, tenantID, id uuid.UUID) (*models.DataSource, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}

	query := `SELECT ` + dataSourceColumns + ` FROM data_sources WHERE tenant_id = $1 AND id = $2`

	ds, err := r.scan(scope.Conn.QueryRow(ctx, query, tenantID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("data source %s: %w", id, apperrors.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get data source: %w", err)
	}
	return ds, nil
}

func (r *dataSourceRepository) GetByName(ctx context.Context, tenantID uuid.UUID, name string) (*models.DataSource, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}

	query := `SELECT ` + dataSourceColumns + ` FROM data_sources WHERE tenant_id = $1 AND name = $2`

	ds, err := r.scan(scope.Conn.QueryRow(ctx, query, tenantID, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("data source %q: %w", name, apperrors.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get data source: %w", err)
	}
	return ds, nil
}

func (r *dataSourceRepository) List(ctx context.Context, tenantID uuid.UUID) ([]*models.DataSource, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}

	query := `SELECT ` + dataSourceColumns + ` FROM data_sources WHERE tenant_id = $1 ORDER BY created_at DESC`

	rows, err := scope.Conn.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list data sources: %w", err)
	}
	return r.collect(rows)
}

func (r *dataSourceRepository) ListScheduled(ctx context.Context) ([]*models.DataSource, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}

	query := `SELECT ` + dataSourceColumns + ` FROM data_sources WHERE schedule IS NOT NULL AND schedule <> '' ORDER BY id`

	rows, err := scope.Conn.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list scheduled data sources: %w", err)
	}
	return r.collect(rows)
}

func (r *dataSourceRepository) Update(ctx context.Context, ds *models.DataSource) error {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return fmt.Errorf("no tenant scope in context")
	}

	details, cfg, _, err := marshalDataSourceJSON(ds)
	if err != nil {
		return err
	}
	ds.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE data_sources
		SET name = $3, type = $4, connection_details = $5, config = $6, credentials = $7,
			schedule = $8, tags = $9, updated_at = $10
		WHERE tenant_id = $1 AND id = $2`

	result, err := scope.Conn.Exec(ctx, query,
		ds.TenantID, ds.ID,
		ds.Name,
		string(ds.Type),
		details,
		cfg,
		nullableString(ds.Credentials),
		nullableString(ds.Schedule),
		ds.Tags,
		ds.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.ErrConflict
		}
		return fmt.Errorf("failed to update data source: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("data source %s: %w", ds.ID, apperrors.ErrNotFound)
	}

	return nil
}

func (r *dataSourceRepository) Delete(ctx context.Context, tenantID, id uuid.UUID) error {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return fmt.Errorf("no tenant scope in context")
	}

	result, err := scope.Conn.Exec(ctx, `DELETE FROM data_sources WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		return fmt.Errorf("failed to delete data source: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("data source %s: %w", id, apperrors.ErrNotFound)
	}

	return nil
}

func (r *dataSourceRepository) UpdateSyncState(ctx context.Context, tenantID, id uuid.UUID, fn func(*models.SyncState) error) (*models.SyncState, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}

	tx, err := scope.Conn.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback on defer is best-effort

	query := `SELECT ` + dataSourceColumns + ` FROM data_sources WHERE tenant_id = $1 AND id = $2 FOR UPDATE`

	ds, err := r.scan(tx.QueryRow(ctx, query, tenantID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("data source %s: %w", id, apperrors.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to lock data source: %w", err)
	}

	state := ds.SyncState
	if err := fn(&state); err != nil {
		return nil, err
	}

	logJSON, err := json.Marshal(state.ActivityLog)
	if err != nil {
		return nil, fmt.Errorf("failed to encode activity log: %w", err)
	}

	var outcome *string
	if state.LastSyncOutcome != models.SyncOutcomeNone {
		s := string(state.LastSyncOutcome)
		outcome = &s
	}

	_, err = tx.Exec(ctx, `
		UPDATE data_sources
		SET status = $3, last_sync_at = $4, last_sync_outcome = $5, last_error_message = $6,
			activity_log = $7, updated_at = now()
		WHERE tenant_id = $1 AND id = $2`,
		tenantID, id,
		string(state.Status),
		state.LastSyncAt,
		outcome,
		state.LastErrorMessage,
		logJSON,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to write sync state: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit sync state: %w", err)
	}

	return &state, nil
}

func (r *dataSourceRepository) collect(rows pgx.Rows) ([]*models.DataSource, error) {
	defer rows.Close()

	var sources []*models.DataSource
	for rows.Next() {
		ds, err := r.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan data source: %w", err)
		}
		sources = append(sources, ds)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating data sources: %w", err)
	}
	return sources, nil
}

func (r *dataSourceRepository) scan(row pgx.Row) (*models.DataSource, error) {
	var (
		ds          models.DataSource
		dsType      string
		status      string
		credentials *string
		schedule    *string
		outcome     *string
		logJSON     []byte
	)

	err := row.Scan(
		&ds.ID,
		&ds.TenantID,
		&ds.Name,
		&dsType,
		&ds.ConnectionDetails,
		&ds.Config,
		&credentials,
		&schedule,
		&ds.Tags,
		&status,
		&ds.LastSyncAt,
		&outcome,
		&ds.LastErrorMessage,
		&logJSON,
		&ds.CreatedAt,
		&ds.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	ds.Type = models.DataSourceType(dsType)
	ds.Status = models.SyncStatus(status)
	if credentials != nil {
		ds.Credentials = *credentials
	}
	if schedule != nil {
		ds.Schedule = *schedule
	}
	if outcome != nil {
		ds.LastSyncOutcome = models.SyncOutcome(*outcome)
	}

	ds.ActivityLog = models.NewActivityLog(r.activityLogCap)
	if len(logJSON) > 0 {
		if err := json.Unmarshal(logJSON, ds.ActivityLog); err != nil {
			return nil, fmt.Errorf("failed to decode activity log: %w", err)
		}
	}

	return &ds, nil
}

func marshalDataSourceJSON(ds *models.DataSource) (details, cfg, activityLog []byte, err error) {
	if ds.ConnectionDetails == nil {
		ds.ConnectionDetails = map[string]any{}
	}
	if ds.Config == nil {
		ds.Config = map[string]any{}
	}
	if details, err = json.Marshal(ds.ConnectionDetails); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to encode connection details: %w", err)
	}
	if cfg, err = json.Marshal(ds.Config); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to encode config: %w", err)
	}
	if ds.ActivityLog != nil {
		if activityLog, err = json.Marshal(ds.ActivityLog); err != nil {
			return nil, nil, nil, fmt.Errorf("failed to encode activity log: %w", err)
		}
	}
	return details, cfg, activityLog, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// isUniqueViolation reports a PostgreSQL unique constraint violation (23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

var _ DataSourceRepository = (*dataSourceRepository)(nil)
