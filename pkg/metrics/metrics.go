// Package metrics exposes Prometheus instrumentation for the sync pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Queue metrics
	JobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ekaya_sync_jobs_enqueued_total",
			Help: "Total number of sync jobs created",
		},
		[]string{"trigger"},
	)

	EnqueueDedupHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ekaya_sync_enqueue_dedup_hits_total",
			Help: "Enqueue calls answered with an already live job for the data source",
		},
	)

	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ekaya_sync_jobs_processed_total",
			Help: "Sync job attempts by outcome",
		},
		[]string{"outcome"}, // "completed", "retry", "failed"
	)

	JobsPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ekaya_sync_jobs_purged_total",
			Help: "Terminal sync jobs removed by retention",
		},
	)

	// Sync metrics
	SyncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ekaya_sync_duration_seconds",
			Help:    "Duration of a sync attempt in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"source_type", "outcome"},
	)

	RecordsLoaded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ekaya_sync_records_loaded_total",
			Help: "Metric records inserted by syncs (duplicates excluded)",
		},
		[]string{"source_type"},
	)

	RecordsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ekaya_sync_records_rejected_total",
			Help: "Source rows rejected during normalization",
		},
		[]string{"source_type"},
	)

	WorkersBusy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ekaya_sync_workers_busy",
			Help: "Workers currently processing a job",
		},
	)

	// Adapter metrics
	APIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ekaya_sync_api_requests_total",
			Help: "Requests made to remote platform APIs",
		},
		[]string{"source_type", "status"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ekaya_sync_circuit_breaker_state",
			Help: "Circuit breaker state per remote host (0=closed, 1=half-open, 2=open)",
		},
		[]string{"host"},
	)

	ScheduledTriggers = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ekaya_sync_scheduled_triggers_total",
			Help: "Scheduled syncs enqueued by the scheduler",
		},
	)
)
