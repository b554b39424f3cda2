package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"media-preview/internal/browse"
	"media-preview/internal/cache"
	"media-preview/internal/engine"
	"media-preview/internal/fetch"
	"media-preview/internal/handlers"
	"media-preview/internal/identify"
	"media-preview/internal/logging"
	"media-preview/internal/memory"
	"media-preview/internal/metrics"
	"media-preview/internal/middleware"
	"media-preview/internal/pipeline"
	"media-preview/internal/scheduler"
	"media-preview/internal/startup"
	"media-preview/internal/streaming"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	startTime := time.Now()

	// Configure the heap limit before any significant allocation.
	memory.ConfigureFromEnv()

	config, err := startup.LoadConfig()
	if err != nil {
		startup.LogFatal("Configuration error: %v", err)
	}

	// Initialize the preview cache
	cacheStart := time.Now()
	previewCache, err := cache.New(context.Background(), cache.Config{
		Path:        config.CachePath,
		ByteBudget:  config.CacheByteBudget,
		EntryBudget: config.CacheEntryBudget,
	})
	if err != nil {
		startup.LogFatal("Failed to initialize preview cache: %v", err)
	}
	defer previewCache.Close()
	if _, err := previewCache.SweepSpool(context.Background(), config.SpoolDir); err != nil {
		logging.Warn("Spool sweep failed: %v", err)
	}
	startup.LogCacheInit(time.Since(cacheStart))

	// Initialize the decode engine
	if err := engine.InitVips(); err != nil {
		logging.Warn("libvips initialization failed: %v", err)
	}
	defer engine.ShutdownVips()

	monitor := memory.NewMonitor(memory.DefaultConfig())
	monitor.Start()

	eng := engine.New(config.SpoolDir, monitor)
	startup.LogEngineInit(engine.IsVipsAvailable())

	// Initialize the scheduler
	sched := scheduler.New(scheduler.Config{
		Workers:    config.Workers,
		QueueDepth: config.QueueDepth,
		JobTimeout: config.JobTimeout,
	})
	startup.LogSchedulerInit(config.Workers, config.QueueDepth, config.JobTimeout)

	// Bind host labels to their fetch adapters
	hosts := make(map[string]*fetch.Local, len(config.Hosts))
	for label, root := range config.Hosts {
		hosts[label] = fetch.NewLocal(label, root)
	}

	svc := pipeline.New(hosts, identify.New(0), eng, previewCache, sched)

	handlers.Version = startup.Version
	handlers.Commit = startup.Commit
	h := handlers.New(svc, browse.NewLister(hosts), previewCache, monitor, handlers.Options{
		ThumbnailMaxWidth:  config.ThumbnailMaxWidth,
		ThumbnailMaxHeight: config.ThumbnailMaxHeight,
		ClipMaxDuration:    config.ClipMaxDuration,
		ProxyBitrate:       config.ProxyBitrate,
		Streaming:          streaming.DefaultConfig(),
	})

	router := setupRouter(h)
	startup.LogHTTPRoutes(router, config.LogHealthChecks)

	// Apply logging middleware
	loggingConfig := middleware.DefaultLoggingConfig()
	loggingConfig.LogHealthChecks = config.LogHealthChecks
	loggedHandler := middleware.Logger(loggingConfig)(router)

	// Apply metrics middleware
	handler := middleware.Metrics(middleware.DefaultMetricsConfig())(loggedHandler)

	// Metrics listener on its own port, kept off the application surface
	if config.MetricsEnabled {
		metrics.SetAppInfo(startup.Version, startup.Commit, startup.GoVersion)
		go serveMetrics(config.MetricsPort)
	}

	// WriteTimeout stays 0: proxy streams are long-lived and the streaming
	// package enforces its own per-write deadline.
	srv := &http.Server{
		Addr:         ":" + config.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	go handleShutdown(srv, sched, eng, monitor)

	startup.LogServerStarted(startup.ServerConfig{
		Port:            config.Port,
		MetricsPort:     config.MetricsPort,
		MetricsEnabled:  config.MetricsEnabled,
		StartupDuration: time.Since(startTime),
	})
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		startup.LogFatal("Server error: %v", err)
	}
}

func setupRouter(h *handlers.Handlers) *mux.Router {
	r := mux.NewRouter()

	// Health check and version routes
	r.HandleFunc("/health", h.HealthCheck).Methods("GET")
	r.HandleFunc("/healthz", h.HealthCheck).Methods("GET")
	r.HandleFunc("/livez", h.LivenessCheck).Methods("GET", "HEAD")
	r.HandleFunc("/readyz", h.ReadinessCheck).Methods("GET")
	r.HandleFunc("/version", h.GetVersion).Methods("GET")

	// Preview API. Files are addressed as {host}/{path} where host is a
	// configured media root label.
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/folder/{host}", h.GetFolder).Methods("GET")
	api.HandleFunc("/folder/{host}/{path:.*}", h.GetFolder).Methods("GET")
	api.HandleFunc("/thumbnail/{host}/{path:.*}", h.GetThumbnail).Methods("GET")
	api.HandleFunc("/clip/{host}/{path:.*}", h.GetClip).Methods("GET")
	api.HandleFunc("/stream/{host}/{path:.*}", h.GetStream).Methods("GET")
	api.HandleFunc("/previews/{host}/{path:.*}", h.InvalidatePreviews).Methods("DELETE")

	return r
}

func serveMetrics(port string) {
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:        ":" + port,
		Handler:     metricsMux,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logging.Error("Metrics server error: %v", err)
	}
}

func handleShutdown(srv *http.Server, sched *scheduler.Scheduler, eng *engine.Engine, monitor *memory.Monitor) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	startup.LogShutdownInitiated(sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	startup.LogShutdownStep("Shutting down scheduler")
	sched.Shutdown()
	startup.LogShutdownStepComplete("Scheduler stopped")

	startup.LogShutdownStep("Cleaning up decode engine")
	eng.Cleanup()
	startup.LogShutdownStepComplete("Decode engine cleanup complete")

	startup.LogShutdownStep("Stopping memory monitor")
	monitor.Stop()
	startup.LogShutdownStepComplete("Memory monitor stopped")

	startup.LogShutdownStep("Shutting down HTTP server")
	if err := srv.Shutdown(ctx); err != nil {
		logging.Warn("Server shutdown error: %v", err)
	} else {
		startup.LogShutdownStepComplete("HTTP server stopped")
	}

	startup.LogShutdownComplete()
}
