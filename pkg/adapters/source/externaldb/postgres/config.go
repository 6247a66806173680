package postgres

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/ekaya-inc/ekaya-sync/pkg/config"
	"github.com/ekaya-inc/ekaya-sync/pkg/crypto"
)

// Config holds the connection settings of an external PostgreSQL source.
type Config struct {
	Host           string
	Port           int
	User           string
	Password       string
	Database       string
	SSLMode        string // "disable", "require", "verify-ca", "verify-full"
	ConnectTimeout time.Duration
}

// DefaultPort returns the default PostgreSQL port.
func DefaultPort() int {
	return 5432
}

// DefaultSSLMode returns the default SSL mode.
func DefaultSSLMode() string {
	return "require"
}

// FromMap builds a Config from a data source's connection details and its
// decrypted credentials. User and password never come from the details map.
func FromMap(details map[string]any, creds crypto.Credentials) (*Config, error) {
	cfg := &Config{
		Port:    DefaultPort(),
		SSLMode: DefaultSSLMode(),
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
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}

	if database, ok := details["database"].(string); ok && database != "" {
		cfg.Database = database
	} else if name, ok := details["name"].(string); ok && name != "" {
		cfg.Database = name
	} else {
		return nil, fmt.Errorf("database is required")
	}

	if sslMode, ok := details["ssl_mode"].(string); ok && sslMode != "" {
		cfg.SSLMode = sslMode
	}

	cfg.User = creds["user"]
	if cfg.User == "" {
		cfg.User = creds["username"]
	}
	if cfg.User == "" {
		return nil, fmt.Errorf("user is required in credentials")
	}
	cfg.Password = creds["password"]

	return cfg, nil
}

// ConnectionString builds a PostgreSQL URL with every user-provided part
// escaped. localhost resolves to host.docker.internal inside Docker.
func (c *Config) ConnectionString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = DefaultSSLMode()
	}

	q := url.Values{}
	q.Set("sslmode", sslMode)
	if c.ConnectTimeout > 0 {
		secs := int(c.ConnectTimeout.Seconds())
		if secs < 1 {
			secs = 1
		}
		q.Set("connect_timeout", strconv.Itoa(secs))
	}

	u := url.URL{
		Scheme:   "postgresql",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", config.ResolveHostForDocker(c.Host), c.Port),
		Path:     "/" + c.Database,
		RawQuery: q.Encode(),
	}
	return u.String()
}
