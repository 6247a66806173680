// Package mssql reads metric rows from external SQL Server databases.
package mssql

import (
	"context"
	"database/sql"
	"fmt"

	mssqldb "github.com/microsoft/go-mssqldb"
)

// Querier owns a single-connection *sql.DB for the lifetime of one sync.
type Querier struct {
	db *sql.DB
}

// Connect opens and pings the server.
func Connect(ctx context.Context, cfg *Config) (*Querier, error) {
	db, err := sql.Open("sqlserver", cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("open SQL auth connection: %w", err)
	}
	db.SetMaxOpenConns(1)

	pingCtx := ctx
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect to sql server: %w", err)
	}

	return &Querier{db: db}, nil
}

// Query runs a query and calls fn for each row, keyed by column name.
func (q *Querier) Query(ctx context.Context, query string, args []any, fn func(row map[string]any) error) error {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	columnTypes, err := rows.ColumnTypes()
	if err != nil {
		return fmt.Errorf("failed to get columns: %w", err)
	}
	columns := make([]string, len(columnTypes))
	dbTypes := make([]string, len(columnTypes))
	for i, ct := range columnTypes {
		columns[i] = ct.Name()
		dbTypes[i] = ct.DatabaseTypeName()
	}

	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return fmt.Errorf("failed to scan row: %w", err)
		}

		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = convertValue(values[i], dbTypes[i])
		}
		if err := fn(row); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating rows: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (q *Querier) Close() error {
	return q.db.Close()
}

// convertValue turns driver values into something the normalizer can read.
// DECIMAL and MONEY arrive as []byte text. UNIQUEIDENTIFIER arrives as 16
// bytes in SQL Server's mixed-endian order and is rendered the way SQL Server
// prints it, e.g. 6F9619FF-8B86-D011-B42D-00C04FC964FF.
func convertValue(v any, dbType string) any {
	b, ok := v.([]byte)
	if !ok {
		return v
	}
	if dbType == "UNIQUEIDENTIFIER" && len(b) == 16 {
		var id mssqldb.UniqueIdentifier
		if err := id.Scan(b); err == nil {
			return id.String()
		}
	}
	return string(b)
}
