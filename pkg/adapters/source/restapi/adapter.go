// Package restapi syncs metrics from ad platform reporting APIs.
package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-sync/pkg/adapters/source"
	"github.com/ekaya-inc/ekaya-sync/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-sync/pkg/crypto"
	"github.com/ekaya-inc/ekaya-sync/pkg/logging"
	"github.com/ekaya-inc/ekaya-sync/pkg/metrics"
	"github.com/ekaya-inc/ekaya-sync/pkg/models"
	"github.com/ekaya-inc/ekaya-sync/pkg/retry"
)

const (
	// DefaultMaxPages bounds pagination when config.max_pages is unset.
	DefaultMaxPages = 100
	// maxBodyBytes caps how much of a response is read.
	maxBodyBytes = 32 << 20
	// maxErrorBody caps how much of an error body is kept in messages.
	maxErrorBody = 200
)

// page is one decoded response.
type page struct {
	records []map[string]any
	cursor  string
}

// Adapter pages through a platform API with rate limiting, retries and a
// per-host circuit breaker.
type Adapter struct {
	profiles map[models.DataSourceType]Profile
	client   *http.Client
	retryCfg *retry.Config
	guards   *hostGuards
	logger   *zap.Logger
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.client = c }
}

// WithRetryConfig replaces the per-request retry policy.
func WithRetryConfig(cfg *retry.Config) Option {
	return func(a *Adapter) { a.retryCfg = cfg }
}

// WithBreakerSettings replaces the circuit breaker tuning.
func WithBreakerSettings(s BreakerSettings) Option {
	return func(a *Adapter) { a.guards.settings = s }
}

// WithProfiles replaces the platform profiles.
func WithProfiles(p map[models.DataSourceType]Profile) Option {
	return func(a *Adapter) { a.profiles = p }
}

// NewAdapter creates an API adapter using the built-in profiles.
func NewAdapter(httpTimeout time.Duration, logger *zap.Logger, opts ...Option) (*Adapter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("restapi")

	profiles, err := DefaultProfiles()
	if err != nil {
		return nil, err
	}

	a := &Adapter{
		profiles: profiles,
		client:   &http.Client{Timeout: httpTimeout},
		retryCfg: retry.HTTPConfig(),
		guards:   newHostGuards(DefaultBreakerSettings(), logger),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Types returns the data source types this adapter has profiles for.
func (a *Adapter) Types() []models.DataSourceType {
	types := make([]models.DataSourceType, 0, len(a.profiles))
	for _, t := range models.AllDataSourceTypes() {
		if _, ok := a.profiles[t]; ok {
			types = append(types, t)
		}
	}
	return types
}

func (a *Adapter) Sync(ctx context.Context, ds *models.DataSource, creds crypto.Credentials, payload models.JobPayload) (*source.Result, error) {
	profile, ok := a.profiles[ds.Type]
	if !ok {
		return nil, fmt.Errorf("%w: no API profile for %q", apperrors.ErrUnsupportedType, ds.Type)
	}

	endpoint, err := buildEndpoint(ds, profile)
	if err != nil {
		return nil, err
	}

	secret := creds[profile.CredentialKey()]
	if secret == "" {
		return nil, fmt.Errorf("%w: credentials must include %s", apperrors.ErrMissingCredentials, profile.CredentialKey())
	}

	normalizer, err := a.normalizer(ds, profile)
	if err != nil {
		return nil, err
	}

	ratePerSecond := source.ConfigFloat(ds.ConnectionDetails, "rate_per_second", profile.RatePerSecond)
	limiter := a.guards.limiter(endpoint.Host, ratePerSecond)
	breaker := a.guards.breaker(endpoint.Host)
	maxPages := source.ConfigInt(ds.Config, "max_pages", DefaultMaxPages)

	result := &source.Result{}
	cursor := ""
	pages := 0
	for {
		if pages >= maxPages {
			result.Notef("stopped after %d pages; more data is available", maxPages)
			a.logger.Warn("API pagination limit reached",
				zap.String("datasource_id", ds.ID.String()),
				zap.Int("max_pages", maxPages))
			break
		}

		req := a.pageRequest(endpoint, profile, secret, payload.Params, cursor)
		p, err := retry.DoIfRetryableWithResult(ctx, a.retryCfg, func() (*page, error) {
			if err := limiter.Wait(ctx); err != nil {
				return nil, err
			}
			return breaker.Execute(func() (*page, error) {
				return a.fetch(ctx, ds.Type, req, profile)
			})
		})
		if err != nil {
			return nil, err
		}
		pages++

		for _, rec := range p.records {
			result.RowsRead++
			mr, err := normalizer.Normalize(rec)
			if errors.Is(err, source.ErrInvalidRow) {
				result.RowsRejected++
				continue
			}
			if err != nil {
				return nil, err
			}
			result.Records = append(result.Records, *mr)
		}

		if p.cursor == "" || p.cursor == cursor {
			break
		}
		cursor = p.cursor
	}

	maxRate := source.ConfigFloat(ds.Config, "max_error_rate", source.DefaultMaxErrorRate)
	if err := source.CheckErrorRate(result.RowsRead, result.RowsRejected, maxRate); err != nil {
		return nil, err
	}
	if result.RowsRejected > 0 {
		result.Notef("%d of %d API records rejected", result.RowsRejected, result.RowsRead)
	}

	a.logger.Debug("API sync fetched records",
		zap.String("datasource_id", ds.ID.String()),
		zap.Int("pages", pages),
		zap.Int("records", len(result.Records)))

	return result, nil
}

// normalizer applies the profile's field names unless config carries its
// own column_mapping.
func (a *Adapter) normalizer(ds *models.DataSource, profile Profile) (*source.Normalizer, error) {
	n, err := source.NewNormalizer(ds)
	if err != nil {
		return nil, err
	}
	if _, ok := ds.Config["column_mapping"]; !ok {
		n = n.WithMapping(source.ColumnMapping{
			Date:     profile.DateField,
			Campaign: profile.CampaignField,
			Metrics:  profile.Metrics,
		})
	}
	if _, ok := ds.Config["date_format"]; !ok && profile.DateFormat != "" {
		n = n.WithDateFormat(profile.DateFormat)
	}
	return n, nil
}

// buildEndpoint joins base_url with the profile path (or connection_details.path),
// substituting {account_id}.
func buildEndpoint(ds *models.DataSource, profile Profile) (*url.URL, error) {
	base := source.ConfigString(ds.ConnectionDetails, "base_url", "")
	if base == "" {
		return nil, fmt.Errorf("%w: connection_details.base_url is required", apperrors.ErrInvalidConfig)
	}
	u, err := url.Parse(base)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: invalid base_url %q", apperrors.ErrInvalidConfig, base)
	}

	path := source.ConfigString(ds.ConnectionDetails, "path", profile.Path)
	if strings.Contains(path, "{account_id}") {
		account := source.ConfigString(ds.ConnectionDetails, "account_id", "")
		if account == "" {
			return nil, fmt.Errorf("%w: connection_details.account_id is required for %s", apperrors.ErrInvalidConfig, ds.Type)
		}
		path = strings.ReplaceAll(path, "{account_id}", url.PathEscape(account))
	}

	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(path, "/")
	return u, nil
}

// pageRequest describes one page fetch; the *http.Request is rebuilt per attempt.
type pageRequest struct {
	url    string
	header http.Header
}

func (a *Adapter) pageRequest(endpoint *url.URL, profile Profile, secret string, params map[string]string, cursor string) pageRequest {
	u := *endpoint
	q := u.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	if cursor != "" {
		q.Set(profile.CursorParam, cursor)
	}

	header := http.Header{}
	header.Set("Accept", "application/json")
	switch profile.Auth {
	case AuthBearer:
		header.Set("Authorization", "Bearer "+secret)
	case AuthHeader:
		header.Set(profile.AuthHeader, secret)
	case AuthQuery:
		q.Set(profile.AuthParam, secret)
	}
	u.RawQuery = q.Encode()

	return pageRequest{url: u.String(), header: header}
}

func (a *Adapter) fetch(ctx context.Context, sourceType models.DataSourceType, pr pageRequest, profile Profile) (*page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pr.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header = pr.header.Clone()

	resp, err := a.client.Do(req)
	if err != nil {
		metrics.APIRequests.WithLabelValues(string(sourceType), "error").Inc()
		// url.Error repeats the URL, which may carry a query-string token.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			return nil, fmt.Errorf("api request failed: %w", uerr.Err)
		}
		return nil, fmt.Errorf("api request failed: %w", err)
	}
	defer resp.Body.Close()
	metrics.APIRequests.WithLabelValues(string(sourceType), strconv.Itoa(resp.StatusCode)).Inc()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			Body:       logging.SanitizeMessage(logging.TruncateString(strings.TrimSpace(string(body)), maxErrorBody)),
			retryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}
	}

	return decodePage(body, profile)
}

func decodePage(body []byte, profile Profile) (*page, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("api response is not a JSON object: %w", err)
	}

	p := &page{}
	raw := lookup(doc, profile.RecordsField)
	if raw != nil {
		items, ok := raw.([]any)
		if !ok {
			return nil, fmt.Errorf("api response field %s is not a list", profile.RecordsField)
		}
		p.records = make([]map[string]any, 0, len(items))
		for _, item := range items {
			obj, ok := item.(map[string]any)
			if !ok {
				// Counted as a rejected row by the normalizer.
				p.records = append(p.records, map[string]any{})
				continue
			}
			p.records = append(p.records, flatten(obj))
		}
	}

	if profile.CursorField != "" {
		if c := lookup(doc, profile.CursorField); c != nil {
			p.cursor = source.ToString(c)
		}
	}
	return p, nil
}

// lookup resolves a dotted path in a decoded JSON document.
func lookup(doc map[string]any, path string) any {
	var cur any = doc
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = obj[part]
	}
	return cur
}

// flatten turns nested objects into dotted keys: {"a":{"b":1}} -> {"a.b":1}.
func flatten(obj map[string]any) map[string]any {
	out := make(map[string]any, len(obj))
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for k, v := range m {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			if nested, ok := v.(map[string]any); ok {
				walk(key, nested)
				continue
			}
			out[key] = v
		}
	}
	walk("", obj)
	return out
}

var _ source.Adapter = (*Adapter)(nil)
