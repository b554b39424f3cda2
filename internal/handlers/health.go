package handlers

import (
	"net/http"
	"runtime"
	"time"
)

const (
	statusHealthy  = "healthy"
	statusDegraded = "degraded"
)

var startTime = time.Now()

// HealthResponse contains the health check response.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`

	// Cache summary
	CacheEntries int   `json:"cacheEntries"`
	CacheBytes   int64 `json:"cacheBytes"`

	// Memory backpressure
	MemoryUsage  float64 `json:"memoryUsage,omitempty"`
	DecodePaused bool    `json:"decodePaused"`

	// System info
	GoVersion    string `json:"goVersion"`
	NumCPU       int    `json:"numCpu"`
	NumGoroutine int    `json:"numGoroutine"`
}

// HealthCheck reports overall service health.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:       statusHealthy,
		Version:      Version,
		Uptime:       time.Since(startTime).Round(time.Second).String(),
		GoVersion:    runtime.Version(),
		NumCPU:       runtime.NumCPU(),
		NumGoroutine: runtime.NumGoroutine(),
	}

	if entries, bytes, err := h.cache.Stats(r.Context()); err == nil {
		response.CacheEntries = entries
		response.CacheBytes = bytes
	}

	if h.monitor != nil {
		_, _, usage := h.monitor.Stats()
		response.MemoryUsage = usage
		response.DecodePaused = h.monitor.IsPaused()
		if response.DecodePaused {
			response.Status = statusDegraded
		}
	}

	writeJSON(w, http.StatusOK, response)
}

// LivenessCheck is a simple liveness probe.
func (h *Handlers) LivenessCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// ReadinessCheck returns 200 when the service can accept preview work.
// Memory-paused decode admission reports not ready so load balancers drain.
func (h *Handlers) ReadinessCheck(w http.ResponseWriter, _ *http.Request) {
	if h.monitor != nil && h.monitor.IsPaused() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
