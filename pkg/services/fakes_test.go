package services

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-sync/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-sync/pkg/models"
)

// Test encryption key (32 bytes, base64 encoded).
const testEncryptionKey = "dGVzdC1rZXktZm9yLXVuaXQtdGVzdHMtMzItYnl0ZXM="

// fakeScopes hands out contexts without touching a database.
type fakeScopes struct {
	mu          sync.Mutex
	tenantCalls int
	systemCalls int
	open        int
	err         error
}

func (f *fakeScopes) WithTenantScope(ctx context.Context, tenantID uuid.UUID) (context.Context, func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, nil, f.err
	}
	f.tenantCalls++
	f.open++
	return ctx, f.release, nil
}

func (f *fakeScopes) WithSystemScope(ctx context.Context) (context.Context, func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, nil, f.err
	}
	f.systemCalls++
	f.open++
	return ctx, f.release, nil
}

func (f *fakeScopes) release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open--
}

func (f *fakeScopes) openScopes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

// fakeDataSourceRepository keeps data sources in memory, keyed by id.
type fakeDataSourceRepository struct {
	mu      sync.Mutex
	sources map[uuid.UUID]*models.DataSource

	createErr error
	listErr   error
	updates   int
}

func newFakeDataSourceRepository(sources ...*models.DataSource) *fakeDataSourceRepository {
	r := &fakeDataSourceRepository{sources: map[uuid.UUID]*models.DataSource{}}
	for _, ds := range sources {
		r.sources[ds.ID] = ds
	}
	return r
}

func (r *fakeDataSourceRepository) Create(_ context.Context, ds *models.DataSource) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	for _, existing := range r.sources {
		if existing.TenantID == ds.TenantID && existing.Name == ds.Name {
			return apperrors.ErrConflict
		}
	}
	ds.ID = uuid.New()
	ds.Status = models.SyncStatusIdle
	ds.CreatedAt = time.Now()
	ds.UpdatedAt = ds.CreatedAt
	stored := *ds
	r.sources[ds.ID] = &stored
	return nil
}

func (r *fakeDataSourceRepository) GetByID(_ context.Context, tenantID, id uuid.UUID) (*models.DataSource, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ds, ok := r.sources[id]
	if !ok || ds.TenantID != tenantID {
		return nil, apperrors.ErrNotFound
	}
	c := *ds
	return &c, nil
}

func (r *fakeDataSourceRepository) GetByName(_ context.Context, tenantID uuid.UUID, name string) (*models.DataSource, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ds := range r.sources {
		if ds.TenantID == tenantID && ds.Name == name {
			c := *ds
			return &c, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (r *fakeDataSourceRepository) List(_ context.Context, tenantID uuid.UUID) ([]*models.DataSource, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listErr != nil {
		return nil, r.listErr
	}
	var out []*models.DataSource
	for _, ds := range r.sources {
		if ds.TenantID == tenantID {
			c := *ds
			out = append(out, &c)
		}
	}
	return out, nil
}

func (r *fakeDataSourceRepository) Update(_ context.Context, ds *models.DataSource) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.sources[ds.ID]
	if !ok || existing.TenantID != ds.TenantID {
		return apperrors.ErrNotFound
	}
	updated := *ds
	updated.SyncState = existing.SyncState
	r.sources[ds.ID] = &updated
	r.updates++
	return nil
}

func (r *fakeDataSourceRepository) Delete(_ context.Context, tenantID, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ds, ok := r.sources[id]
	if !ok || ds.TenantID != tenantID {
		return apperrors.ErrNotFound
	}
	delete(r.sources, id)
	return nil
}

func (r *fakeDataSourceRepository) UpdateSyncState(_ context.Context, tenantID, id uuid.UUID, fn func(*models.SyncState) error) (*models.SyncState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ds, ok := r.sources[id]
	if !ok || ds.TenantID != tenantID {
		return nil, apperrors.ErrNotFound
	}
	state := ds.SyncState
	if ds.ActivityLog != nil {
		state.ActivityLog = models.NewActivityLog(ds.ActivityLog.Cap())
		for _, e := range ds.ActivityLog.Entries() {
			state.ActivityLog.Append(e)
		}
	}
	if err := fn(&state); err != nil {
		return nil, err
	}
	ds.SyncState = state
	return &state, nil
}

func (r *fakeDataSourceRepository) ListScheduled(_ context.Context) ([]*models.DataSource, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listErr != nil {
		return nil, r.listErr
	}
	var out []*models.DataSource
	for _, ds := range r.sources {
		if ds.Schedule != "" {
			c := *ds
			out = append(out, &c)
		}
	}
	return out, nil
}

func (r *fakeDataSourceRepository) get(id uuid.UUID) *models.DataSource {
	r.mu.Lock()
	defer r.mu.Unlock()
	ds, ok := r.sources[id]
	if !ok {
		return nil
	}
	c := *ds
	return &c
}

// fakeMetricRecordRepository collects inserted records.
type fakeMetricRecordRepository struct {
	mu        sync.Mutex
	records   []models.MetricRecord
	batches   []int
	insertErr error
}

func (r *fakeMetricRecordRepository) InsertBatch(_ context.Context, records []models.MetricRecord) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.insertErr != nil {
		return 0, r.insertErr
	}
	r.batches = append(r.batches, len(records))
	r.records = append(r.records, records...)
	return len(records), nil
}

func (r *fakeMetricRecordRepository) CountByDataSource(_ context.Context, tenantID, dataSourceID uuid.UUID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rec := range r.records {
		if rec.TenantID == tenantID && rec.DataSourceID == dataSourceID {
			n++
		}
	}
	return n, nil
}

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
