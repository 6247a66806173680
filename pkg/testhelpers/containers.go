package testhelpers

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-sync/pkg/database"
	"github.com/ekaya-inc/ekaya-sync/pkg/retry"
)

// PostgresImage is the image used for integration tests.
const PostgresImage = "postgres:16-alpine"

const (
	// TestUser and TestPassword log in to every test database.
	TestUser     = "ekaya"
	TestPassword = "test_password"
	// SourceDatabase plays the role of a customer's external database.
	SourceDatabase = "test_data"
	// SyncDatabase holds the pipeline's own schema.
	SyncDatabase = "ekaya_sync_test"
)

// TestDB holds a shared test database container and a pool on SourceDatabase.
type TestDB struct {
	Container testcontainers.Container
	Pool      *pgxpool.Pool
	Host      string
	Port      int
	ConnStr   string
}

var (
	sharedTestDB     *TestDB
	sharedTestDBOnce sync.Once
	sharedTestDBErr  error
)

// GetTestDB returns a shared PostgreSQL container for integration tests.
// The container is created once and reused across all tests in the run.
func GetTestDB(t *testing.T) *TestDB {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode (requires Docker)")
	}

	sharedTestDBOnce.Do(func() {
		sharedTestDB, sharedTestDBErr = setupTestDB()
	})

	if sharedTestDBErr != nil {
		t.Fatalf("Failed to setup test database: %v", sharedTestDBErr)
	}

	return sharedTestDB
}

func setupTestDB() (*TestDB, error) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        PostgresImage,
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       SourceDatabase,
			"POSTGRES_USER":     TestUser,
			"POSTGRES_PASSWORD": TestPassword,
		},
		// The entrypoint restarts postgres once after init; wait for the second start.
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start test container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get container host: %w", err)
	}

	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		return nil, fmt.Errorf("failed to get container port: %w", err)
	}

	connStr := connString(host, port.Port(), SourceDatabase)

	pool, err := retry.DoWithResult(ctx, retry.DefaultConfig(), func() (*pgxpool.Pool, error) {
		p, err := pgxpool.New(ctx, connStr)
		if err != nil {
			return nil, err
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			return nil, err
		}
		return p, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to test container: %w", err)
	}

	return &TestDB{
		Container: container,
		Pool:      pool,
		Host:      host,
		Port:      port.Int(),
		ConnStr:   connStr,
	}, nil
}

// SyncDB holds the pipeline database with migrations applied.
type SyncDB struct {
	DB      *database.DB
	ConnStr string
}

var (
	sharedSyncDB     *SyncDB
	sharedSyncDBOnce sync.Once
	sharedSyncDBErr  error
)

// GetSyncDB returns a shared pipeline database for integration tests.
// The database has migrations applied and is reused across all tests.
func GetSyncDB(t *testing.T) *SyncDB {
	t.Helper()

	testDB := GetTestDB(t)

	sharedSyncDBOnce.Do(func() {
		sharedSyncDB, sharedSyncDBErr = setupSyncDB(testDB)
	})

	if sharedSyncDBErr != nil {
		t.Fatalf("Failed to setup sync database: %v", sharedSyncDBErr)
	}

	return sharedSyncDB
}

func setupSyncDB(testDB *TestDB) (*SyncDB, error) {
	ctx := context.Background()

	if _, err := testDB.Pool.Exec(ctx, "CREATE DATABASE "+SyncDatabase); err != nil {
		return nil, fmt.Errorf("failed to create sync database: %w", err)
	}

	connStr := connString(testDB.Host, fmt.Sprint(testDB.Port), SyncDatabase)

	if err := database.RunMigrations(connStr, MigrationsPath(), zap.NewNop()); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	db, err := database.NewConnection(ctx, &database.Config{
		URL:            connStr,
		MaxConnections: 10,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to sync database: %w", err)
	}

	return &SyncDB{DB: db, ConnStr: connStr}, nil
}

// MigrationsPath returns the absolute path of the repository's migrations directory.
func MigrationsPath() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..", "migrations")
}

// TruncateSyncTables empties pipeline tables between tests.
func (s *SyncDB) TruncateSyncTables(t *testing.T) {
	t.Helper()
	_, err := s.DB.Pool.Exec(context.Background(),
		"TRUNCATE metric_records, sync_jobs, data_sources RESTART IDENTITY CASCADE")
	if err != nil {
		t.Fatalf("failed to truncate tables: %v", err)
	}
}

func connString(host, port, db string) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", TestUser, TestPassword, host, port, db)
}
