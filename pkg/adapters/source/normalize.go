package source

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-sync/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-sync/pkg/models"
)

// Defaults for tabular sources (CSV and SQL).
const (
	DefaultDateColumn     = "date"
	DefaultCampaignColumn = "campaign_id"
	DefaultDateFormat     = time.DateOnly
	DefaultMaxErrorRate   = 0.1
)

// ErrInvalidRow marks a row that cannot be normalized. Such rows are
// counted and skipped; they do not fail the sync on their own.
var ErrInvalidRow = errors.New("invalid row")

// ColumnMapping tells a tabular adapter which columns hold what.
type ColumnMapping struct {
	Date     string
	Campaign string
	// Metrics maps measurement name -> column. Empty means every column
	// other than Date and Campaign is a measurement named after the column.
	Metrics map[string]string
}

// ColumnMappingFromConfig reads config["column_mapping"]:
//
//	{"date": "day", "campaign": "ext_campaign", "metrics": {"clicks": "Clicks"}}
func ColumnMappingFromConfig(config map[string]any) (ColumnMapping, error) {
	m := ColumnMapping{Date: DefaultDateColumn, Campaign: DefaultCampaignColumn}

	raw, ok := config["column_mapping"]
	if !ok || raw == nil {
		return m, nil
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return m, fmt.Errorf("%w: column_mapping must be an object", apperrors.ErrInvalidConfig)
	}

	if v, ok := obj["date"].(string); ok && v != "" {
		m.Date = v
	}
	if v, ok := obj["campaign"].(string); ok && v != "" {
		m.Campaign = v
	}
	if metrics, ok := obj["metrics"]; ok {
		mm, ok := metrics.(map[string]any)
		if !ok {
			return m, fmt.Errorf("%w: column_mapping.metrics must be an object", apperrors.ErrInvalidConfig)
		}
		m.Metrics = make(map[string]string, len(mm))
		for name, col := range mm {
			c, ok := col.(string)
			if !ok || c == "" {
				return m, fmt.Errorf("%w: column_mapping.metrics[%q] must be a column name", apperrors.ErrInvalidConfig, name)
			}
			m.Metrics[name] = c
		}
	}
	return m, nil
}

// Normalizer turns tabular rows into metric records for one data source.
type Normalizer struct {
	mapping    ColumnMapping
	dateFormat string
	campaigns  *CampaignResolver
	tenantID   uuid.UUID
	sourceID   uuid.UUID
	sourceType models.DataSourceType
}

// NewNormalizer builds a normalizer from the data source's config.
func NewNormalizer(ds *models.DataSource) (*Normalizer, error) {
	mapping, err := ColumnMappingFromConfig(ds.Config)
	if err != nil {
		return nil, err
	}
	campaigns, err := NewCampaignResolver(ds.Config)
	if err != nil {
		return nil, err
	}
	return &Normalizer{
		mapping:    mapping,
		dateFormat: ConfigString(ds.Config, "date_format", DefaultDateFormat),
		campaigns:  campaigns,
		tenantID:   ds.TenantID,
		sourceID:   ds.ID,
		sourceType: ds.Type,
	}, nil
}

// WithMapping returns a copy of n that reads the given columns. API adapters
// use it to apply their platform field names when config has no column_mapping.
func (n *Normalizer) WithMapping(m ColumnMapping) *Normalizer {
	c := *n
	c.mapping = m
	return &c
}

// WithDateFormat returns a copy of n that parses dates with layout.
func (n *Normalizer) WithDateFormat(layout string) *Normalizer {
	c := *n
	c.dateFormat = layout
	return &c
}

// Normalize converts one row. Row-level problems wrap ErrInvalidRow; an
// unmapped campaign wraps apperrors.ErrCampaignMappingMissing and must fail the sync.
func (n *Normalizer) Normalize(row map[string]any) (*models.MetricRecord, error) {
	rawDate, ok := row[n.mapping.Date]
	if !ok || isBlank(rawDate) {
		return nil, fmt.Errorf("%w: missing %s", ErrInvalidRow, n.mapping.Date)
	}
	date, err := ParseDate(rawDate, n.dateFormat)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRow, n.mapping.Date, err)
	}

	rawCampaign, ok := row[n.mapping.Campaign]
	if !ok || isBlank(rawCampaign) {
		return nil, fmt.Errorf("%w: missing %s", ErrInvalidRow, n.mapping.Campaign)
	}
	campaignID, err := n.campaigns.Resolve(ToString(rawCampaign))
	if err != nil {
		return nil, err
	}

	metrics := make(map[string]float64)
	if len(n.mapping.Metrics) > 0 {
		for name, col := range n.mapping.Metrics {
			raw, ok := row[col]
			if !ok || isBlank(raw) {
				continue
			}
			v, err := ParseNumber(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRow, col, err)
			}
			metrics[name] = v
		}
	} else {
		for col, raw := range row {
			if col == n.mapping.Date || col == n.mapping.Campaign || isBlank(raw) {
				continue
			}
			v, err := ParseNumber(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRow, col, err)
			}
			metrics[col] = v
		}
	}
	if len(metrics) == 0 {
		return nil, fmt.Errorf("%w: no metrics", ErrInvalidRow)
	}

	return &models.MetricRecord{
		TenantID:     n.tenantID,
		DataSourceID: n.sourceID,
		CampaignID:   campaignID,
		Date:         models.TruncateDay(date),
		Source:       n.sourceType,
		Metrics:      metrics,
	}, nil
}

// CheckErrorRate fails with apperrors.ErrTooManyInvalidRows when
// rejected/read exceeds maxRate.
func CheckErrorRate(read, rejected int, maxRate float64) error {
	if read == 0 || rejected == 0 {
		return nil
	}
	rate := float64(rejected) / float64(read)
	if rate > maxRate {
		return fmt.Errorf("%w: %d of %d rows rejected (%.1f%% > %.1f%%)",
			apperrors.ErrTooManyInvalidRows, rejected, read, rate*100, maxRate*100)
	}
	return nil
}

// ParseDate accepts time values or strings in layout (RFC 3339 is also accepted).
func ParseDate(v any, layout string) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case *time.Time:
		if t == nil {
			return time.Time{}, errors.New("null date")
		}
		return *t, nil
	}

	s := strings.TrimSpace(ToString(v))
	if d, err := time.Parse(layout, s); err == nil {
		return d, nil
	}
	if d, err := time.Parse(time.RFC3339, s); err == nil {
		return d, nil
	}
	return time.Time{}, fmt.Errorf("cannot parse %q as date (%s)", s, layout)
}

// ParseNumber converts numeric driver values and numeric strings to float64.
// Thousands separators are not accepted.
func ParseNumber(v any) (float64, error) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int8:
		f = float64(n)
	case int16:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint8:
		f = float64(n)
	case uint16:
		f = float64(n)
	case uint32:
		f = float64(n)
	case uint64:
		f = float64(n)
	case bool:
		return 0, errors.New("boolean is not a number")
	default:
		s := strings.TrimSpace(ToString(v))
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("cannot parse %q as number", s)
		}
		f = parsed
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, errors.New("not a finite number")
	}
	return f, nil
}

// ToString renders a driver or JSON value as text.
func ToString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case []byte:
		return string(s)
	case fmt.Stringer:
		return s.String()
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

func isBlank(v any) bool {
	return v == nil || strings.TrimSpace(ToString(v)) == ""
}

// ConfigString reads a string from a config map, or def.
func ConfigString(config map[string]any, key, def string) string {
	if v, ok := config[key].(string); ok && v != "" {
		return v
	}
	return def
}

// ConfigFloat reads a number from a config map, or def. JSON numbers
// decode as float64; numeric strings are accepted too.
func ConfigFloat(config map[string]any, key string, def float64) float64 {
	v, ok := config[key]
	if !ok || v == nil {
		return def
	}
	f, err := ParseNumber(v)
	if err != nil {
		return def
	}
	return f
}

// ConfigInt reads an integer from a config map, or def.
func ConfigInt(config map[string]any, key string, def int) int {
	f := ConfigFloat(config, key, math.NaN())
	if math.IsNaN(f) {
		return def
	}
	return int(f)
}

// ConfigStringMap reads an object of strings from a config map.
func ConfigStringMap(config map[string]any, key string) map[string]string {
	out := map[string]string{}
	switch m := config[key].(type) {
	case map[string]any:
		for k, v := range m {
			out[k] = ToString(v)
		}
	case map[string]string:
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}
