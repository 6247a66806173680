// Package source defines the adapters that pull metrics out of external
// data sources and the shared normalization they use.
package source

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ekaya-inc/ekaya-sync/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-sync/pkg/crypto"
	"github.com/ekaya-inc/ekaya-sync/pkg/models"
)

// Adapter fetches and normalizes records for one family of data sources.
// Implementations must release every resource they open (connections,
// files) before returning, on success and on error.
type Adapter interface {
	Sync(ctx context.Context, ds *models.DataSource, creds crypto.Credentials, payload models.JobPayload) (*Result, error)
}

// AdapterFunc adapts a plain function to Adapter.
type AdapterFunc func(ctx context.Context, ds *models.DataSource, creds crypto.Credentials, payload models.JobPayload) (*Result, error)

func (f AdapterFunc) Sync(ctx context.Context, ds *models.DataSource, creds crypto.Credentials, payload models.JobPayload) (*Result, error) {
	return f(ctx, ds, creds, payload)
}

// Result is the normalized output of one sync.
type Result struct {
	Records      []models.MetricRecord
	RowsRead     int
	RowsRejected int
	Notes        []string
}

// Notef appends a human-readable note that ends up in the activity log.
func (r *Result) Notef(format string, args ...any) {
	r.Notes = append(r.Notes, fmt.Sprintf(format, args...))
}

// Registry maps data source types to adapters. Each process builds its own.
type Registry struct {
	mu       sync.RWMutex
	adapters map[models.DataSourceType]Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[models.DataSourceType]Adapter)}
}

// Register binds an adapter to one or more data source types.
func (r *Registry) Register(adapter Adapter, types ...models.DataSourceType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range types {
		r.adapters[t] = adapter
	}
}

// Get returns the adapter for t or apperrors.ErrUnsupportedType.
func (r *Registry) Get(t models.DataSourceType) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	adapter, ok := r.adapters[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q", apperrors.ErrUnsupportedType, t)
	}
	return adapter, nil
}

// Types returns the registered data source types, sorted.
func (r *Registry) Types() []models.DataSourceType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]models.DataSourceType, 0, len(r.adapters))
	for t := range r.adapters {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
