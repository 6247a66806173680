package services

import (
	"context"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-sync/pkg/database"
)

// withTenant runs fn with a tenant-scoped connection in its context. The
// connection is released as soon as fn returns, so callers should keep
// external I/O outside fn.
func withTenant(ctx context.Context, scopes database.TenantScopeProvider, tenantID uuid.UUID, fn func(ctx context.Context) error) error {
	tenantCtx, cleanup, err := scopes.WithTenantScope(ctx, tenantID)
	if err != nil {
		return err
	}
	defer cleanup()
	return fn(tenantCtx)
}

// withSystem is withTenant for cross-tenant reads.
func withSystem(ctx context.Context, scopes database.TenantScopeProvider, fn func(ctx context.Context) error) error {
	systemCtx, cleanup, err := scopes.WithSystemScope(ctx)
	if err != nil {
		return err
	}
	defer cleanup()
	return fn(systemCtx)
}
