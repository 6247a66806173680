package restapi

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/ekaya-inc/ekaya-sync/pkg/models"
)

// Auth schemes.
const (
	AuthBearer = "bearer"
	AuthHeader = "header"
	AuthQuery  = "query"
)

//go:embed profiles.yaml
var defaultProfiles []byte

// Profile describes how to page through one platform's reporting endpoint.
type Profile struct {
	Path          string            `yaml:"path"`
	Auth          string            `yaml:"auth"`
	AuthHeader    string            `yaml:"auth_header"`
	AuthParam     string            `yaml:"auth_param"`
	Credential    string            `yaml:"credential"`
	RecordsField  string            `yaml:"records_field"`
	CursorField   string            `yaml:"cursor_field"`
	CursorParam   string            `yaml:"cursor_param"`
	DateField     string            `yaml:"date_field"`
	DateFormat    string            `yaml:"date_format"`
	CampaignField string            `yaml:"campaign_field"`
	Metrics       map[string]string `yaml:"metrics"`
	RatePerSecond float64           `yaml:"rate_per_second"`
}

// CredentialKey is the credentials entry holding the secret to send.
func (p Profile) CredentialKey() string {
	if p.Credential != "" {
		return p.Credential
	}
	return "access_token"
}

func (p Profile) validate() error {
	switch p.Auth {
	case AuthBearer:
	case AuthHeader:
		if p.AuthHeader == "" {
			return fmt.Errorf("auth_header is required for header auth")
		}
	case AuthQuery:
		if p.AuthParam == "" {
			return fmt.Errorf("auth_param is required for query auth")
		}
	default:
		return fmt.Errorf("unknown auth scheme %q", p.Auth)
	}
	if p.RecordsField == "" {
		return fmt.Errorf("records_field is required")
	}
	if (p.CursorField == "") != (p.CursorParam == "") {
		return fmt.Errorf("cursor_field and cursor_param must be set together")
	}
	if p.DateField == "" || p.CampaignField == "" {
		return fmt.Errorf("date_field and campaign_field are required")
	}
	return nil
}

// ParseProfiles decodes a profiles document keyed by data source type.
func ParseProfiles(data []byte) (map[models.DataSourceType]Profile, error) {
	var raw map[string]Profile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse API profiles: %w", err)
	}

	profiles := make(map[models.DataSourceType]Profile, len(raw))
	for name, p := range raw {
		t := models.DataSourceType(name)
		if t.Family() != models.SourceFamilyAPI {
			return nil, fmt.Errorf("API profile %q is not an API data source type", name)
		}
		if err := p.validate(); err != nil {
			return nil, fmt.Errorf("API profile %s: %w", name, err)
		}
		profiles[t] = p
	}
	return profiles, nil
}

// DefaultProfiles returns the built-in platform profiles.
func DefaultProfiles() (map[models.DataSourceType]Profile, error) {
	return ParseProfiles(defaultProfiles)
}
