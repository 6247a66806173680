package handlers

import (
	"context"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-sync/pkg/config"
	"github.com/ekaya-inc/ekaya-sync/pkg/services/workqueue"
)

const healthCheckTimeout = 3 * time.Second

// Pinger reports whether the pipeline's database is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// QueueInspector exposes job counts for the health report.
type QueueInspector interface {
	Stats(ctx context.Context) (workqueue.Stats, error)
	Durable() bool
}

// PingResponse contains service status and version information.
type PingResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Service     string `json:"service"`
	GoVersion   string `json:"go_version"`
	Hostname    string `json:"hostname"`
	Environment string `json:"environment"`
}

// HealthResponse is returned by /health.
type HealthResponse struct {
	Status   string       `json:"status"`
	Database string       `json:"database"`
	Queue    *QueueHealth `json:"queue,omitempty"`
}

// QueueHealth summarizes the job queue.
type QueueHealth struct {
	Durable bool            `json:"durable"`
	Jobs    workqueue.Stats `json:"jobs"`
}

// HealthHandler handles health check, ping and metrics endpoints.
type HealthHandler struct {
	cfg    *config.Config
	db     Pinger
	queue  QueueInspector
	logger *zap.Logger
}

// NewHealthHandler creates a new HealthHandler. db and queue may be nil, in
// which case the corresponding checks are skipped.
func NewHealthHandler(cfg *config.Config, db Pinger, queue QueueInspector, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{cfg: cfg, db: db, queue: queue, logger: logger}
}

// RegisterRoutes registers the handler's routes on the given mux.
func (h *HealthHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /ping", h.Ping)
	mux.Handle("GET /metrics", promhttp.Handler())
}

// Health handles GET /health requests.
// Returns 503 when the database cannot be reached.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := HealthResponse{Status: "ok", Database: "skipped"}
	status := http.StatusOK

	if h.db != nil {
		if err := h.db.Ping(ctx); err != nil {
			h.logger.Warn("Health check: database unreachable", zap.Error(err))
			resp.Status = "unavailable"
			resp.Database = "unreachable"
			status = http.StatusServiceUnavailable
		} else {
			resp.Database = "ok"
		}
	}

	if h.queue != nil && status == http.StatusOK {
		stats, err := h.queue.Stats(ctx)
		if err != nil {
			h.logger.Warn("Health check: failed to read queue stats", zap.Error(err))
		} else {
			resp.Queue = &QueueHealth{Durable: h.queue.Durable(), Jobs: stats}
		}
	}

	if err := WriteJSON(w, status, resp); err != nil {
		h.logger.Error("Failed to encode health response", zap.Error(err))
	}
}

// Ping handles GET /ping requests.
// Returns detailed service information including version and environment.
func (h *HealthHandler) Ping(w http.ResponseWriter, r *http.Request) {
	hostname, err := os.Hostname()
	if err != nil {
		if werr := ErrorResponse(w, http.StatusInternalServerError, "internal_error", "failed to get hostname"); werr != nil {
			h.logger.Error("Failed to encode error response", zap.Error(werr))
		}
		return
	}

	response := PingResponse{
		Status:      "ok",
		Version:     h.cfg.Version,
		Service:     "ekaya-sync",
		GoVersion:   runtime.Version(),
		Hostname:    hostname,
		Environment: h.cfg.Env,
	}

	if err := WriteJSON(w, http.StatusOK, response); err != nil {
		h.logger.Error("Failed to encode ping response", zap.Error(err))
	}
}
