package restapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	gobreaker "github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/ekaya-inc/ekaya-sync/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-sync/pkg/crypto"
	"github.com/ekaya-inc/ekaya-sync/pkg/models"
	"github.com/ekaya-inc/ekaya-sync/pkg/retry"
)

func fastRetry() *retry.Config {
	return &retry.Config{
		MaxRetries:   3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
	}
}

func newTestAdapter(t *testing.T, opts ...Option) *Adapter {
	t.Helper()
	opts = append([]Option{WithRetryConfig(fastRetry())}, opts...)
	a, err := NewAdapter(5*time.Second, nil, opts...)
	require.NoError(t, err)
	return a
}

func apiDataSource(t models.DataSourceType, baseURL string, details map[string]any) *models.DataSource {
	cd := map[string]any{"base_url": baseURL, "account_id": "123", "rate_per_second": 0.0}
	for k, v := range details {
		cd[k] = v
	}
	return &models.DataSource{
		ID:                uuid.New(),
		TenantID:          uuid.New(),
		Type:              t,
		ConnectionDetails: cd,
		Config: map[string]any{
			"campaign_mapping": map[string]any{"111": "c1", "222": "c2"},
		},
	}
}

func TestSync_FacebookPaginatesWithQueryToken(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/v19.0/act_123/insights", r.URL.Path)
		assert.Equal(t, "fb-token", r.URL.Query().Get("access_token"))
		assert.Equal(t, "2026-01-01", r.URL.Query().Get("since"))

		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("after") == "" {
			_, _ = w.Write([]byte(`{"data":[
				{"date_start":"2026-01-01","campaign_id":"111","impressions":"100","clicks":"5","spend":"12.50"},
				{"date_start":"2026-01-01","campaign_id":"222","impressions":"80","clicks":"2","spend":"3.10"}
			],"paging":{"cursors":{"after":"cursor-2"}}}`))
			return
		}
		assert.Equal(t, "cursor-2", r.URL.Query().Get("after"))
		_, _ = w.Write([]byte(`{"data":[
			{"date_start":"2026-01-02","campaign_id":"111","impressions":"50","clicks":"1","spend":"1"}
		],"paging":{}}`))
	}))
	defer srv.Close()

	a := newTestAdapter(t)
	ds := apiDataSource(models.DataSourceTypeFacebookAds, srv.URL, nil)

	result, err := a.Sync(context.Background(), ds, crypto.Credentials{"access_token": "fb-token"},
		models.JobPayload{Params: map[string]string{"since": "2026-01-01"}})
	require.NoError(t, err)

	assert.Equal(t, int32(2), calls.Load())
	require.Len(t, result.Records, 3)
	assert.Equal(t, "c1", result.Records[0].CampaignID)
	assert.Equal(t, map[string]float64{"impressions": 100, "clicks": 5, "spend": 12.5}, result.Records[0].Metrics)
	assert.Equal(t, models.DataSourceTypeFacebookAds, result.Records[0].Source)
	assert.Equal(t, 3, result.RowsRead)
}

func TestSync_GoogleBearerAndNestedFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer g-token", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"results":[
			{"segments":{"date":"2026-02-01"},"campaign":{"id":222},"metrics":{"impressions":10,"clicks":1,"costMicros":2500000}}
		]}`))
	}))
	defer srv.Close()

	a := newTestAdapter(t)
	ds := apiDataSource(models.DataSourceTypeGoogleAds, srv.URL, nil)

	result, err := a.Sync(context.Background(), ds, crypto.Credentials{"access_token": "g-token"}, models.JobPayload{})
	require.NoError(t, err)
	require.Len(t, result.Records, 1)
	assert.Equal(t, "c2", result.Records[0].CampaignID)
	assert.Equal(t, 2500000.0, result.Records[0].Metrics["cost_micros"])
	assert.Equal(t, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), result.Records[0].Date)
}

func TestSync_CustomAPIKeyHeaderAndPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/reports/daily", r.URL.Path)
		assert.Equal(t, "k-123", r.Header.Get("X-API-Key"))
		_, _ = w.Write([]byte(`{"data":[{"date":"2026-03-01","campaign_id":"111","leads":4}],"next_cursor":null}`))
	}))
	defer srv.Close()

	a := newTestAdapter(t)
	ds := apiDataSource(models.DataSourceTypeCustomAPI, srv.URL+"/", map[string]any{"path": "reports/daily"})

	result, err := a.Sync(context.Background(), ds, crypto.Credentials{"api_key": "k-123"}, models.JobPayload{})
	require.NoError(t, err)
	require.Len(t, result.Records, 1)
	assert.Equal(t, map[string]float64{"leads": 4}, result.Records[0].Metrics)
}

func TestSync_RetriesRateLimitedRequests(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"data":[{"date_start":"2026-01-01","campaign_id":"111","clicks":"1"}]}`))
	}))
	defer srv.Close()

	a := newTestAdapter(t)
	ds := apiDataSource(models.DataSourceTypeFacebookAds, srv.URL, nil)

	result, err := a.Sync(context.Background(), ds, crypto.Credentials{"access_token": "t"}, models.JobPayload{})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Len(t, result.Records, 1)
}

func TestSync_UnauthorizedIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid token"}`))
	}))
	defer srv.Close()

	a := newTestAdapter(t)
	ds := apiDataSource(models.DataSourceTypeFacebookAds, srv.URL, nil)

	_, err := a.Sync(context.Background(), ds, crypto.Credentials{"access_token": "secret-token"}, models.JobPayload{})
	require.Error(t, err)

	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusUnauthorized, httpErr.StatusCode)
	assert.False(t, retry.IsRetryable(err))
	assert.Equal(t, int32(1), calls.Load())
	assert.NotContains(t, err.Error(), "secret-token")
}

func TestSync_CircuitBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	a := newTestAdapter(t,
		WithRetryConfig(&retry.Config{MaxRetries: 0}),
		WithBreakerSettings(BreakerSettings{ConsecutiveFailures: 2, OpenTimeout: time.Minute, HalfOpenRequests: 1}),
	)
	ds := apiDataSource(models.DataSourceTypeFacebookAds, srv.URL, nil)
	creds := crypto.Credentials{"access_token": "t"}

	for i := 0; i < 2; i++ {
		_, err := a.Sync(context.Background(), ds, creds, models.JobPayload{})
		require.Error(t, err)
		assert.False(t, errors.Is(err, gobreaker.ErrOpenState))
	}

	_, err := a.Sync(context.Background(), ds, creds, models.JobPayload{})
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(2), calls.Load(), "open breaker must not reach the server")
}

func TestSync_StopsAtMaxPages(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		_, _ = w.Write([]byte(`{"data":[{"date":"2026-01-01","campaign_id":"111","clicks":1}],"next_cursor":"c` + string(rune('0'+n)) + `"}`))
	}))
	defer srv.Close()

	a := newTestAdapter(t)
	ds := apiDataSource(models.DataSourceTypeCustomAPI, srv.URL, map[string]any{"path": "/r"})
	ds.Config["max_pages"] = 3

	result, err := a.Sync(context.Background(), ds, crypto.Credentials{"api_key": "k"}, models.JobPayload{})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Len(t, result.Records, 3)
	require.Len(t, result.Notes, 1)
	assert.Contains(t, result.Notes[0], "stopped after 3 pages")
}

func TestSync_ConfigurationErrors(t *testing.T) {
	a := newTestAdapter(t)
	creds := crypto.Credentials{"access_token": "t"}

	tests := []struct {
		name  string
		ds    *models.DataSource
		creds crypto.Credentials
		want  error
	}{
		{"missing base url", apiDataSource(models.DataSourceTypeFacebookAds, "", nil), creds, apperrors.ErrInvalidConfig},
		{"bad scheme", apiDataSource(models.DataSourceTypeFacebookAds, "ftp://example.com", nil), creds, apperrors.ErrInvalidConfig},
		{"missing account", apiDataSource(models.DataSourceTypeFacebookAds, "https://graph.example.com", map[string]any{"account_id": ""}), creds, apperrors.ErrInvalidConfig},
		{"missing token", apiDataSource(models.DataSourceTypeFacebookAds, "https://graph.example.com", nil), crypto.Credentials{}, apperrors.ErrMissingCredentials},
		{"custom api wants api_key", apiDataSource(models.DataSourceTypeCustomAPI, "https://api.example.com", map[string]any{"path": "/r"}), creds, apperrors.ErrMissingCredentials},
		{"not an api type", apiDataSource(models.DataSourceTypeCSV, "https://api.example.com", nil), creds, apperrors.ErrUnsupportedType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Sync(context.Background(), tt.ds, tt.creds, models.JobPayload{})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestDefaultProfiles(t *testing.T) {
	profiles, err := DefaultProfiles()
	require.NoError(t, err)

	for _, typ := range models.AllDataSourceTypes() {
		_, ok := profiles[typ]
		assert.Equal(t, typ.Family() == models.SourceFamilyAPI, ok, typ)
	}
	assert.Equal(t, "api_key", profiles[models.DataSourceTypeCustomAPI].CredentialKey())
	assert.Equal(t, "access_token", profiles[models.DataSourceTypeGoogleAds].CredentialKey())

	a := newTestAdapter(t)
	assert.Len(t, a.Types(), 5)
}

func TestParseProfiles_Rejects(t *testing.T) {
	tests := map[string]string{
		"non api type":     "CSV: {auth: bearer, records_field: d, date_field: d, campaign_field: c}",
		"unknown auth":     "CUSTOM_API: {auth: basic, records_field: d, date_field: d, campaign_field: c}",
		"header auth name": "CUSTOM_API: {auth: header, records_field: d, date_field: d, campaign_field: c}",
		"half cursor":      "CUSTOM_API: {auth: bearer, records_field: d, date_field: d, campaign_field: c, cursor_field: n}",
		"not yaml":         "CUSTOM_API: [",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseProfiles([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, 3*time.Second, parseRetryAfter("3", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("-1", now))
	assert.Equal(t, 30*time.Second, parseRetryAfter(now.Add(30*time.Second).Format(http.TimeFormat), now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon", now))
}

func TestHostGuards_LimiterIsSharedPerHost(t *testing.T) {
	g := newHostGuards(DefaultBreakerSettings(), nil)

	l1 := g.limiter("graph.example.com", 3)
	l2 := g.limiter("graph.example.com", 5)
	assert.Same(t, l1, l2)
	assert.Equal(t, rate.Limit(5), l1.Limit())

	assert.Equal(t, rate.Inf, g.limiter("other.example.com", 0).Limit())
	assert.Same(t, g.breaker("graph.example.com"), g.breaker("graph.example.com"))
}

func TestFlattenAndLookup(t *testing.T) {
	doc := map[string]any{"a": map[string]any{"b": map[string]any{"c": 1}}, "d": 2}
	assert.Equal(t, map[string]any{"a.b.c": 1, "d": 2}, flatten(doc))
	assert.Equal(t, 1, lookup(doc, "a.b.c"))
	assert.Nil(t, lookup(doc, "a.x.c"))
	assert.Nil(t, lookup(doc, "d.e"))
}
