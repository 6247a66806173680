// Package app assembles the sync pipeline and runs it under a supervisor.
package app

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/thejerf/suture/v4"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-sync/pkg/adapters/source"
	"github.com/ekaya-inc/ekaya-sync/pkg/adapters/source/csvupload"
	"github.com/ekaya-inc/ekaya-sync/pkg/adapters/source/externaldb"
	"github.com/ekaya-inc/ekaya-sync/pkg/adapters/source/restapi"
	"github.com/ekaya-inc/ekaya-sync/pkg/config"
	"github.com/ekaya-inc/ekaya-sync/pkg/crypto"
	"github.com/ekaya-inc/ekaya-sync/pkg/database"
	"github.com/ekaya-inc/ekaya-sync/pkg/handlers"
	"github.com/ekaya-inc/ekaya-sync/pkg/models"
	"github.com/ekaya-inc/ekaya-sync/pkg/repositories"
	"github.com/ekaya-inc/ekaya-sync/pkg/services"
	"github.com/ekaya-inc/ekaya-sync/pkg/services/workqueue"
)

// App is the process-lifetime object holding every pipeline component.
// It is built once in main; nothing in the pipeline keeps package-level state.
type App struct {
	Config *config.Config
	Logger *zap.Logger
	DB     *database.DB

	Vault       *crypto.CredentialVault
	Queue       *workqueue.Queue
	Adapters    *source.Registry
	Tracker     services.StatusTracker
	DataSources services.DataSourceService
	Processor   *services.SyncProcessor

	Pool      *services.WorkerPool
	Reaper    *workqueue.Reaper
	Scheduler *services.Scheduler
	Server    *HTTPService

	supervisor *suture.Supervisor
}

// New wires the pipeline. db must already be migrated.
func New(cfg *config.Config, db *database.DB, logger *zap.Logger) (*App, error) {
	vault, err := crypto.NewCredentialVault(cfg.CredentialsKey, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize credential vault: %w", err)
	}

	adapters, err := NewRegistry(cfg, logger)
	if err != nil {
		return nil, err
	}

	var store workqueue.Store
	switch cfg.Queue.Mode {
	case config.QueueModeMemory:
		store = workqueue.NewMemoryStore()
	default:
		store = repositories.NewSyncJobRepository(db)
	}
	queue := workqueue.New(store, logger,
		workqueue.WithRetryPolicy(RetryPolicy(cfg.Queue)),
		workqueue.WithLease(cfg.Sync.JobTimeout+cfg.Queue.LeaseGrace))

	scopes := database.NewTenantScopeProvider(db)
	sources := repositories.NewDataSourceRepository(cfg.Sync.ActivityLogCap)
	records := repositories.NewMetricRecordRepository()

	tracker := services.NewStatusTracker(sources, logger)
	processor := services.NewSyncProcessor(scopes, sources, records, tracker, vault, adapters, cfg.Sync.BatchSize, logger)

	a := &App{
		Config:      cfg,
		Logger:      logger,
		DB:          db,
		Vault:       vault,
		Queue:       queue,
		Adapters:    adapters,
		Tracker:     tracker,
		DataSources: services.NewDataSourceService(scopes, sources, vault, queue, tracker, cfg.Datasource.UploadDir, logger),
		Processor:   processor,
		Pool: services.NewWorkerPool(queue, processor, services.WorkerPoolConfig{
			Concurrency:  cfg.Sync.Concurrency,
			JobTimeout:   cfg.Sync.JobTimeout,
			PollInterval: cfg.Sync.PollInterval,
			UploadDir:    cfg.Datasource.UploadDir,
		}, logger),
		Reaper: workqueue.NewReaper(queue, RetentionPolicy(cfg.Queue), cfg.Queue.ReaperInterval, logger),
	}

	if cfg.Sync.SchedulerEnabled {
		a.Scheduler = services.NewScheduler(scopes, sources, queue, cfg.Sync.SchedulerInterval, logger)
	}

	mux := http.NewServeMux()
	handlers.NewHealthHandler(cfg, db, queue, logger).RegisterRoutes(mux)
	a.Server = NewHTTPService(&http.Server{
		Addr:              net.JoinHostPort(cfg.BindAddr, cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}, 10*time.Second)

	a.supervisor = a.newSupervisor()
	return a, nil
}

// NewRegistry registers an adapter for every data source type.
func NewRegistry(cfg *config.Config, logger *zap.Logger) (*source.Registry, error) {
	registry := source.NewRegistry()

	api, err := restapi.NewAdapter(cfg.Datasource.HTTPTimeout, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize API adapter: %w", err)
	}
	registry.Register(api, api.Types()...)
	registry.Register(csvupload.NewAdapter(logger), models.DataSourceTypeCSV)
	registry.Register(externaldb.NewAdapter(cfg.Datasource.ConnectTimeout, logger), models.DataSourceTypeSQL)

	for _, t := range models.AllDataSourceTypes() {
		if _, err := registry.Get(t); err != nil {
			logger.Warn("no adapter registered for data source type", zap.String("type", string(t)))
		}
	}
	return registry, nil
}

// RetryPolicy converts queue configuration into the queue's retry policy.
func RetryPolicy(q config.QueueConfig) workqueue.RetryPolicy {
	policy := workqueue.DefaultRetryPolicy()
	policy.MaxAttemptsManual = q.MaxAttemptsManual
	policy.MaxAttemptsScheduled = q.MaxAttemptsScheduled
	policy.MaxAttemptsUpload = q.MaxAttemptsUpload
	policy.InitialBackoff = q.InitialBackoff
	policy.MaxBackoff = q.MaxBackoff
	policy.JitterFactor = q.JitterFactor
	return policy
}

// RetentionPolicy converts queue configuration into the reaper's policy.
func RetentionPolicy(q config.QueueConfig) workqueue.RetentionPolicy {
	return workqueue.RetentionPolicy{
		CompletedMaxAge:   q.CompletedMaxAge,
		CompletedMaxCount: q.CompletedMaxCount,
		FailedMaxAge:      q.FailedMaxAge,
		FailedMaxCount:    q.FailedMaxCount,
	}
}

func (a *App) newSupervisor() *suture.Supervisor {
	logger := a.Logger.Named("supervisor")
	sup := suture.New("ekaya-sync", suture.Spec{
		EventHook: func(e suture.Event) {
			logger.Warn("supervisor event",
				zap.String("event", e.String()),
				zap.Any("details", e.Map()))
		},
		// Running jobs finish before the pool returns, so give it a full job timeout.
		Timeout: a.Config.Sync.JobTimeout + time.Minute,
	})

	sup.Add(a.Pool)
	sup.Add(a.Reaper)
	if a.Scheduler != nil {
		sup.Add(a.Scheduler)
	}
	sup.Add(a.Server)
	return sup
}

// Serve runs every service until ctx is cancelled.
func (a *App) Serve(ctx context.Context) error {
	a.Logger.Info("Starting ekaya-sync",
		zap.String("version", a.Config.Version),
		zap.String("addr", net.JoinHostPort(a.Config.BindAddr, a.Config.Port)),
		zap.String("queue_mode", a.Config.Queue.Mode),
		zap.Bool("queue_durable", a.Queue.Durable()),
		zap.Int("concurrency", a.Config.Sync.Concurrency),
		zap.Bool("scheduler", a.Scheduler != nil))

	err := a.supervisor.Serve(ctx)

	if unstopped, rerr := a.supervisor.UnstoppedServiceReport(); rerr == nil && len(unstopped) > 0 {
		for _, svc := range unstopped {
			a.Logger.Warn("service did not stop in time", zap.String("service", svc.Name))
		}
	}
	return err
}
