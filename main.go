package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-sync/pkg/app"
	"github.com/ekaya-inc/ekaya-sync/pkg/config"
	"github.com/ekaya-inc/ekaya-sync/pkg/database"
	"github.com/ekaya-inc/ekaya-sync/pkg/logging"
	"github.com/ekaya-inc/ekaya-sync/pkg/retry"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	configPath := flag.String("config", config.DefaultConfigPath, "path to config.yaml")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "ekaya-sync: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath, Version)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Configuration loaded",
		zap.String("env", cfg.Env),
		zap.String("database", fmt.Sprintf("%s@%s:%d/%s", cfg.Database.User, cfg.Database.Host, cfg.Database.Port, cfg.Database.Database)),
		zap.String("queue_mode", cfg.Queue.Mode),
		zap.Int("concurrency", cfg.Sync.Concurrency))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The database may still be starting (docker compose, Cloud SQL proxy).
	connectCfg := &retry.Config{
		MaxRetries:       10,
		InitialDelay:     500 * time.Millisecond,
		MaxDelay:         10 * time.Second,
		Multiplier:       2.0,
		JitterFactor:     0.1,
		MaxSameErrorType: 10,
	}
	db, err := retry.DoWithResult(ctx, connectCfg, func() (*database.DB, error) {
		return database.NewConnection(ctx, &database.Config{
			URL:             cfg.Database.URL(),
			MaxConnections:  cfg.Database.MaxConnections,
			MaxConnLifetime: cfg.Database.MaxConnLifetime,
		})
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	if err := database.RunMigrations(cfg.Database.URL(), cfg.MigrationsPath, logger); err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.Datasource.UploadDir, 0o750); err != nil {
		return fmt.Errorf("failed to create upload directory: %w", err)
	}

	application, err := app.New(cfg, db, logger)
	if err != nil {
		return err
	}

	if err := application.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("supervisor stopped: %w", err)
	}

	logger.Info("ekaya-sync stopped")
	return nil
}
