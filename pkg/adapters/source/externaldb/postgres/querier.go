// Package postgres reads metric rows from external PostgreSQL databases.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

// closeTimeout bounds the graceful terminate message sent on Close.
const closeTimeout = 5 * time.Second

// Querier is a single connection owned by one sync. It is not pooled.
type Querier struct {
	conn *pgx.Conn
}

// Connect opens a connection, bounded by cfg.ConnectTimeout.
func Connect(ctx context.Context, cfg *Config) (*Querier, error) {
	connCfg, err := pgx.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("invalid postgres connection settings: %w", err)
	}
	if cfg.ConnectTimeout > 0 {
		connCfg.ConnectTimeout = cfg.ConnectTimeout
	}

	conn, err := pgx.ConnectConfig(ctx, connCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	return &Querier{conn: conn}, nil
}

// Query runs a read-only query and calls fn for each row, keyed by column name.
func (q *Querier) Query(ctx context.Context, sql string, args []any, fn func(row map[string]any) error) error {
	tx, err := q.conn.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return fmt.Errorf("failed to begin read-only transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	rows, err := tx.Query(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return fmt.Errorf("failed to read row values: %w", err)
		}

		row := make(map[string]any, len(fields))
		for i, f := range fields {
			row[f.Name] = convertValue(values[i])
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

// Close terminates the connection.
func (q *Querier) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	return q.conn.Close(ctx)
}

// convertValue turns pgx wire types the normalizer does not know into
// plain Go values.
func convertValue(v any) any {
	switch val := v.(type) {
	case pgtype.Numeric:
		if !val.Valid {
			return nil
		}
		f, err := val.Float64Value()
		if err != nil || !f.Valid {
			return nil
		}
		return f.Float64
	case [16]byte:
		return uuid.UUID(val).String()
	case []byte:
		return string(val)
	default:
		return v
	}
}
