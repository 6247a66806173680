package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// DefaultConfigPath is read when no explicit path is given.
const DefaultConfigPath = "config.yaml"

// Queue storage modes.
const (
	QueueModePostgres = "postgres"
	QueueModeMemory   = "memory"
)

// Config holds all configuration for ekaya-sync.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords, keys) must only come from environment variables.
type Config struct {
	// Server configuration (operations endpoints only)
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"3450"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`
	Version  string `yaml:"-"`

	MigrationsPath string `yaml:"migrations_path" env:"MIGRATIONS_PATH" env-default:"./migrations"`

	Database   DatabaseConfig   `yaml:"database"`
	Queue      QueueConfig      `yaml:"queue"`
	Sync       SyncConfig       `yaml:"sync"`
	Datasource DatasourceConfig `yaml:"datasource"`

	// Credential encryption key for data source secrets.
	// Must be a 32-byte key, base64 encoded. Generate with: openssl rand -base64 32
	// The process refuses to start without it.
	CredentialsKey string `yaml:"-" env:"SYNC_CREDENTIALS_KEY"` // Secret - not in YAML
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host            string        `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port            int           `yaml:"port" env:"PGPORT" env-default:"5432"`
	User            string        `yaml:"user" env:"PGUSER" env-default:"ekaya"`
	Password        string        `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database        string        `yaml:"database" env:"PGDATABASE" env-default:"ekaya_sync"`
	MaxConnections  int32         `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime" env:"PGMAX_CONN_LIFETIME" env-default:"1h"`
	SSLMode         string        `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
}

// QueueConfig controls the sync job queue.
type QueueConfig struct {
	// Mode is "postgres" (durable) or "memory" (tests and local development only).
	Mode string `yaml:"mode" env:"QUEUE_MODE" env-default:"postgres"`

	MaxAttemptsManual    int           `yaml:"max_attempts_manual" env:"QUEUE_MAX_ATTEMPTS_MANUAL" env-default:"3"`
	MaxAttemptsScheduled int           `yaml:"max_attempts_scheduled" env:"QUEUE_MAX_ATTEMPTS_SCHEDULED" env-default:"5"`
	MaxAttemptsUpload    int           `yaml:"max_attempts_upload" env:"QUEUE_MAX_ATTEMPTS_UPLOAD" env-default:"3"`
	InitialBackoff       time.Duration `yaml:"initial_backoff" env:"QUEUE_INITIAL_BACKOFF" env-default:"1s"`
	MaxBackoff           time.Duration `yaml:"max_backoff" env:"QUEUE_MAX_BACKOFF" env-default:"5m"`
	JitterFactor         float64       `yaml:"jitter_factor" env:"QUEUE_JITTER_FACTOR" env-default:"0.1"`
	LeaseGrace           time.Duration `yaml:"lease_grace" env:"QUEUE_LEASE_GRACE" env-default:"1m"`

	CompletedMaxAge   time.Duration `yaml:"completed_max_age" env:"QUEUE_COMPLETED_MAX_AGE" env-default:"1h"`
	CompletedMaxCount int           `yaml:"completed_max_count" env:"QUEUE_COMPLETED_MAX_COUNT" env-default:"100"`
	FailedMaxAge      time.Duration `yaml:"failed_max_age" env:"QUEUE_FAILED_MAX_AGE" env-default:"168h"`
	FailedMaxCount    int           `yaml:"failed_max_count" env:"QUEUE_FAILED_MAX_COUNT" env-default:"1000"`
	ReaperInterval    time.Duration `yaml:"reaper_interval" env:"QUEUE_REAPER_INTERVAL" env-default:"5m"`
}

// SyncConfig controls the worker pool and scheduler.
type SyncConfig struct {
	Concurrency       int           `yaml:"concurrency" env:"SYNC_CONCURRENCY" env-default:"5"`
	JobTimeout        time.Duration `yaml:"job_timeout" env:"SYNC_JOB_TIMEOUT" env-default:"10m"`
	PollInterval      time.Duration `yaml:"poll_interval" env:"SYNC_POLL_INTERVAL" env-default:"1s"`
	BatchSize         int           `yaml:"batch_size" env:"SYNC_BATCH_SIZE" env-default:"500"`
	ActivityLogCap    int           `yaml:"activity_log_cap" env:"SYNC_ACTIVITY_LOG_CAP" env-default:"10"`
	SchedulerInterval time.Duration `yaml:"scheduler_interval" env:"SYNC_SCHEDULER_INTERVAL" env-default:"1m"`
	SchedulerEnabled  bool          `yaml:"scheduler_enabled" env:"SYNC_SCHEDULER_ENABLED" env-default:"true"`
}

// DatasourceConfig holds settings for connections to external sources.
type DatasourceConfig struct {
	// ConnectTimeout bounds connecting to an external SQL source.
	ConnectTimeout time.Duration `yaml:"connect_timeout" env:"DATASOURCE_CONNECT_TIMEOUT" env-default:"30s"`
	// HTTPTimeout bounds a single request to a remote API.
	HTTPTimeout time.Duration `yaml:"http_timeout" env:"DATASOURCE_HTTP_TIMEOUT" env-default:"30s"`
	// UploadDir is where the upload layer places CSV files.
	UploadDir string `yaml:"upload_dir" env:"DATASOURCE_UPLOAD_DIR" env-default:"/tmp/ekaya-sync/uploads"`
}

// Load reads configuration from a YAML file with environment variable
// overrides. A .env file in the working directory is loaded first when
// present. A missing YAML file is not an error; defaults and environment
// variables are used instead.
func Load(path, version string) (*Config, error) {
	_ = godotenv.Load()

	if path == "" {
		path = DefaultConfigPath
	}

	cfg := &Config{Version: version}

	if _, err := os.Stat(path); err == nil {
		if err := cleanenv.ReadConfig(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
	} else if errors.Is(err, os.ErrNotExist) {
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("failed to read environment: %w", err)
		}
	} else {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate rejects configurations the pipeline cannot run safely with.
func (c *Config) Validate() error {
	if c.CredentialsKey == "" {
		return errors.New("SYNC_CREDENTIALS_KEY must be set")
	}

	switch c.Queue.Mode {
	case QueueModePostgres:
	case QueueModeMemory:
		if c.IsProduction() {
			return errors.New("queue.mode=memory is not allowed in production")
		}
	default:
		return fmt.Errorf("unknown queue.mode %q", c.Queue.Mode)
	}

	if c.Sync.Concurrency <= 0 {
		return fmt.Errorf("sync.concurrency must be positive, got %d", c.Sync.Concurrency)
	}
	if c.Sync.JobTimeout <= 0 {
		return errors.New("sync.job_timeout must be positive")
	}
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("sync.batch_size must be positive, got %d", c.Sync.BatchSize)
	}
	if c.Queue.MaxAttemptsManual <= 0 || c.Queue.MaxAttemptsScheduled <= 0 || c.Queue.MaxAttemptsUpload <= 0 {
		return errors.New("queue max attempts must be positive")
	}
	if c.Queue.InitialBackoff <= 0 || c.Queue.MaxBackoff < c.Queue.InitialBackoff {
		return errors.New("queue backoff must satisfy 0 < initial_backoff <= max_backoff")
	}
	// Above 1/3 a jittered delay can undercut the previous attempt's.
	if c.Queue.JitterFactor < 0 || c.Queue.JitterFactor > 0.3 {
		return fmt.Errorf("queue.jitter_factor must be in [0, 0.3], got %v", c.Queue.JitterFactor)
	}

	return nil
}

// IsProduction reports whether the process runs in the production environment.
func (c *Config) IsProduction() bool {
	return c.Env == "production" || c.Env == "prod"
}

// ConnectionString returns a PostgreSQL connection string.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// URL returns the connection string in URL form, as golang-migrate expects.
func (c *DatabaseConfig) URL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:     "/" + c.Database,
		RawQuery: "sslmode=" + url.QueryEscape(c.SSLMode),
	}
	return u.String()
}
