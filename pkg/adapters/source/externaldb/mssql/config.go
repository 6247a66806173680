package mssql

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/ekaya-inc/ekaya-sync/pkg/crypto"
)

// Config holds the connection settings of an external SQL Server source.
// Only SQL authentication is supported; the login comes from credentials.
type Config struct {
	Host     string
	Port     int
	Database string
	Instance string

	Username string
	Password string

	Encrypt                bool
	TrustServerCertificate bool
	ConnectTimeout         time.Duration
}

// DefaultPort returns the default SQL Server port.
func DefaultPort() int {
	return 1433
}

// FromMap builds a Config from connection details and decrypted credentials.
func FromMap(details map[string]any, creds crypto.Credentials) (*Config, error) {
	cfg := &Config{
		Port:    DefaultPort(),
		Encrypt: true,
	}

	if host, ok := details["host"].(string); ok && host != "" {
		cfg.Host = host
	} else {
		return nil, fmt.Errorf("host is required")
	}

	switch port := details["port"].(type) {
	case float64: // JSON numbers are float64
		cfg.Port = int(port)
	case int:
		cfg.Port = port
	case string:
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid port %q", port)
		}
		cfg.Port = p
	}

	if database, ok := details["database"].(string); ok && database != "" {
		cfg.Database = database
	} else if name, ok := details["name"].(string); ok && name != "" {
		cfg.Database = name
	} else {
		return nil, fmt.Errorf("database is required")
	}

	if instance, ok := details["instance"].(string); ok {
		cfg.Instance = instance
	}

	switch encrypt := details["encrypt"].(type) {
	case bool:
		cfg.Encrypt = encrypt
	case string:
		// "true", "false", "strict"
		cfg.Encrypt = encrypt == "true" || encrypt == "strict"
	}

	if trust, ok := details["trust_server_certificate"].(bool); ok {
		cfg.TrustServerCertificate = trust
	}

	cfg.Username = creds["username"]
	if cfg.Username == "" {
		cfg.Username = creds["user"]
	}
	cfg.Password = creds["password"]

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the config has everything SQL authentication needs.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Database == "" {
		return fmt.Errorf("database is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.Username == "" {
		return fmt.Errorf("username is required in credentials")
	}
	return nil
}

// ConnectionString builds a sqlserver:// URL for go-mssqldb.
func (c *Config) ConnectionString() string {
	query := url.Values{}
	query.Add("database", c.Database)
	if c.Encrypt {
		query.Add("encrypt", "true")
	} else {
		query.Add("encrypt", "false")
	}
	if c.TrustServerCertificate {
		query.Add("TrustServerCertificate", "true")
	}
	if c.ConnectTimeout > 0 {
		secs := int(c.ConnectTimeout.Seconds())
		if secs < 1 {
			secs = 1
		}
		query.Add("connection timeout", strconv.Itoa(secs))
	}

	u := url.URL{
		Scheme:   "sqlserver",
		User:     url.UserPassword(c.Username, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		RawQuery: query.Encode(),
	}
	if c.Instance != "" {
		u.Path = "/" + c.Instance
	}
	return u.String()
}
