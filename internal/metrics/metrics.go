package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "preview_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "preview_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "preview_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)
)

// Pipeline metrics
var (
	PipelineRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "preview_pipeline_requests_total",
			Help: "Total number of preview requests by quality kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	PipelineRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "preview_pipeline_request_duration_seconds",
			Help:    "End-to-end preview request duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"kind"},
	)

	PipelineErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "preview_pipeline_errors_total",
			Help: "Total number of preview failures by error kind",
		},
		[]string{"error_kind"},
	)
)

// Engine metrics
var (
	EngineInvocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "preview_engine_invocations_total",
			Help: "Total number of decode/transcode engine invocations",
		},
		[]string{"kind", "status"},
	)

	EngineInvocationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "preview_engine_invocation_duration_seconds",
			Help:    "Decode/transcode engine invocation duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"kind"},
	)

	EngineJobsInProgress = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "preview_engine_jobs_in_progress",
			Help: "Number of engine invocations currently running",
		},
	)
)

// Scheduler metrics
var (
	SchedulerJobsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "preview_scheduler_jobs_in_flight",
			Help: "Number of distinct jobs currently admitted or queued",
		},
	)

	SchedulerQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "preview_scheduler_queue_depth",
			Help: "Number of jobs waiting for a worker slot",
		},
	)

	SchedulerCoalescedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "preview_scheduler_coalesced_requests_total",
			Help: "Total number of requests attached to an already in-flight job",
		},
	)

	SchedulerOverloadedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "preview_scheduler_overloaded_total",
			Help: "Total number of requests rejected because the queue was full",
		},
	)

	SchedulerTimeoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "preview_scheduler_job_timeouts_total",
			Help: "Total number of jobs that hit the per-job wall-clock timeout",
		},
	)
)

// Cache metrics
var (
	CacheHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "preview_cache_hits_total",
			Help: "Total number of preview cache hits",
		},
	)

	CacheMissesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "preview_cache_misses_total",
			Help: "Total number of preview cache misses",
		},
	)

	CacheEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "preview_cache_evictions_total",
			Help: "Total number of cache entries evicted",
		},
	)

	CacheInvalidationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "preview_cache_invalidations_total",
			Help: "Total number of cache entries removed due to identity changes",
		},
	)

	CacheSizeBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "preview_cache_size_bytes",
			Help: "Total size of cached preview artifacts in bytes",
		},
	)

	CacheEntryCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "preview_cache_entries",
			Help: "Number of artifacts in the preview cache",
		},
	)
)

// Fetch metrics
var (
	FetchRangeReadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "preview_fetch_range_reads_total",
			Help: "Total number of byte-range reads against fetch adapters",
		},
		[]string{"status"},
	)

	FetchRetryAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "preview_fetch_retry_attempts_total",
			Help: "Total number of fetch read retries",
		},
	)

	FetchBytesRead = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "preview_fetch_bytes_read_total",
			Help: "Total bytes read from fetch adapters",
		},
	)
)

// Memory metrics
var (
	MemoryUsageRatio = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "preview_memory_usage_ratio",
			Help: "Current heap usage as a fraction of the configured limit",
		},
	)

	MemoryPaused = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "preview_memory_paused",
			Help: "Whether decode admission is paused due to memory pressure (1 = paused)",
		},
	)

	MemoryForcedGCTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "preview_memory_forced_gc_total",
			Help: "Total number of garbage collections forced under memory pressure",
		},
	)
)

// Application info metric
var (
	AppInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "preview_app_info",
			Help: "Application information",
		},
		[]string{"version", "commit", "go_version"},
	)
)

// SetAppInfo sets the application info metric
func SetAppInfo(version, commit, goVersion string) {
	AppInfo.WithLabelValues(version, commit, goVersion).Set(1)
}
