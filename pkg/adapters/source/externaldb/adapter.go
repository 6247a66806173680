// Package externaldb syncs metrics by running a configured read-only query
// against an external PostgreSQL or SQL Server database.
package externaldb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-sync/pkg/adapters/source"
	"github.com/ekaya-inc/ekaya-sync/pkg/adapters/source/externaldb/mssql"
	"github.com/ekaya-inc/ekaya-sync/pkg/adapters/source/externaldb/postgres"
	"github.com/ekaya-inc/ekaya-sync/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-sync/pkg/crypto"
	"github.com/ekaya-inc/ekaya-sync/pkg/logging"
	"github.com/ekaya-inc/ekaya-sync/pkg/models"
	sqlutil "github.com/ekaya-inc/ekaya-sync/pkg/sql"
)

// Supported values of connection_details.driver.
const (
	DriverPostgres = "postgres"
	DriverMSSQL    = "mssql"
)

// Querier streams query rows. Close must always be called.
type Querier interface {
	Query(ctx context.Context, sql string, args []any, fn func(row map[string]any) error) error
	Close() error
}

// Driver opens queriers for one database engine.
type Driver struct {
	Placeholder sqlutil.PlaceholderStyle
	Connect     func(ctx context.Context, details map[string]any, creds crypto.Credentials, timeout time.Duration) (Querier, error)
}

// Adapter runs source queries. It opens one connection per sync and closes
// it before returning.
type Adapter struct {
	drivers        map[string]Driver
	connectTimeout time.Duration
	logger         *zap.Logger
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithDriver registers or replaces the driver for name.
func WithDriver(name string, d Driver) Option {
	return func(a *Adapter) {
		a.drivers[name] = d
	}
}

// NewAdapter creates an adapter with the postgres and mssql drivers.
func NewAdapter(connectTimeout time.Duration, logger *zap.Logger, opts ...Option) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Adapter{
		drivers: map[string]Driver{
			DriverPostgres: {Placeholder: sqlutil.PlaceholderDollar, Connect: connectPostgres},
			DriverMSSQL:    {Placeholder: sqlutil.PlaceholderAtP, Connect: connectMSSQL},
		},
		connectTimeout: connectTimeout,
		logger:         logger.Named("externaldb"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func connectPostgres(ctx context.Context, details map[string]any, creds crypto.Credentials, timeout time.Duration) (Querier, error) {
	cfg, err := postgres.FromMap(details, creds)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrInvalidConfig, err)
	}
	cfg.ConnectTimeout = timeout
	return postgres.Connect(ctx, cfg)
}

func connectMSSQL(ctx context.Context, details map[string]any, creds crypto.Credentials, timeout time.Duration) (Querier, error) {
	cfg, err := mssql.FromMap(details, creds)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrInvalidConfig, err)
	}
	cfg.ConnectTimeout = timeout
	return mssql.Connect(ctx, cfg)
}

func (a *Adapter) Sync(ctx context.Context, ds *models.DataSource, creds crypto.Credentials, payload models.JobPayload) (*source.Result, error) {
	driverName := source.ConfigString(ds.ConnectionDetails, "driver", DriverPostgres)
	driver, ok := a.drivers[driverName]
	if !ok {
		return nil, fmt.Errorf("%w: unknown SQL driver %q", apperrors.ErrInvalidConfig, driverName)
	}

	rawQuery := source.ConfigString(ds.Config, "query", "")
	if rawQuery == "" {
		return nil, fmt.Errorf("%w: config.query is required", apperrors.ErrInvalidConfig)
	}
	prepared, err := sqlutil.PrepareQuery(rawQuery, driver.Placeholder,
		source.ConfigStringMap(ds.Config, "query_params"), payload.Params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrInvalidConfig, err)
	}

	normalizer, err := source.NewNormalizer(ds)
	if err != nil {
		return nil, err
	}

	querier, err := driver.Connect(ctx, ds.ConnectionDetails, creds, a.connectTimeout)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := querier.Close(); cerr != nil {
			a.logger.Warn("failed to close source connection",
				zap.String("datasource_id", ds.ID.String()),
				zap.String("error", logging.SanitizeError(cerr)))
		}
	}()

	a.logger.Debug("running source query",
		zap.String("datasource_id", ds.ID.String()),
		zap.String("driver", driverName),
		zap.String("query", logging.SanitizeQuery(prepared.SQL)))

	result := &source.Result{}
	err = querier.Query(ctx, prepared.SQL, prepared.Args, func(row map[string]any) error {
		result.RowsRead++
		rec, err := normalizer.Normalize(row)
		if errors.Is(err, source.ErrInvalidRow) {
			result.RowsRejected++
			return nil
		}
		if err != nil {
			return err
		}
		result.Records = append(result.Records, *rec)
		return nil
	})
	if err != nil {
		return nil, err
	}

	maxRate := source.ConfigFloat(ds.Config, "max_error_rate", source.DefaultMaxErrorRate)
	if err := source.CheckErrorRate(result.RowsRead, result.RowsRejected, maxRate); err != nil {
		return nil, err
	}
	if result.RowsRejected > 0 {
		result.Notef("%d of %d query rows rejected", result.RowsRejected, result.RowsRead)
	}
	return result, nil
}

var _ source.Adapter = (*Adapter)(nil)
