// Package startup handles application initialization, configuration loading,
// and startup/shutdown logging.
//
// # Configuration
//
// All configuration is loaded from environment variables via [LoadConfig]:
//
//   - MEDIA_HOSTS: Comma-separated label=path pairs mapping host labels to
//     media roots (default: a single "media" host rooted at MEDIA_DIR)
//   - MEDIA_DIR: Fallback media root when MEDIA_HOSTS is unset (default: /media)
//   - CACHE_DIR: Path to the preview cache directory (default: /cache)
//   - PORT: HTTP server port (default: 8080)
//   - METRICS_PORT: Prometheus metrics server port (default: 9090)
//   - METRICS_ENABLED: Enable or disable the metrics server (default: true)
//   - PREVIEW_WORKERS: Concurrent preview production slots (default: CPU-derived)
//   - PREVIEW_QUEUE_DEPTH: Queued jobs beyond busy workers before fail-fast (default: 32)
//   - PREVIEW_JOB_TIMEOUT: Wall-clock budget per production job (default: 2m)
//   - CACHE_BYTE_BUDGET: Total cache payload budget in bytes (default: 2GiB)
//   - CACHE_ENTRY_BUDGET: Maximum cached entries (default: 10000)
//   - THUMBNAIL_MAX_WIDTH, THUMBNAIL_MAX_HEIGHT: Thumbnail bounding box (default: 640x360)
//   - CLIP_MAX_DURATION: Maximum clip window (default: 10s)
//   - PROXY_BITRATE: Default proxy stream bitrate in bits per second (default: 2000000)
//   - LOG_LEVEL: Logging level - debug, info, warn, error (default: info)
//   - LOG_HEALTH_CHECKS: Log health check requests (default: false)
//   - MEMORY_LIMIT, MEMORY_RATIO, GOMEMLIMIT: Heap limit configuration,
//     handled by the memory package before LoadConfig runs
//
// # Directory Setup
//
// The cache directory is required and must be writable; it holds the preview
// database and the proxy spool directory. Media roots are checked but never
// created, they are expected to be mounts.
//
// # Build Information
//
// Build-time variables are injected via ldflags and exposed via [GetBuildInfo].
package startup
