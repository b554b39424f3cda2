package memory

import (
	"math"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"media-preview/internal/logging"
	"media-preview/internal/metrics"
)

// Config holds memory backpressure configuration.
type Config struct {
	// LimitBytes is the soft heap limit (0 = use GOMEMLIMIT, or disable).
	LimitBytes int64

	// HighWaterMark is the fraction of the limit at which decode admission
	// starts throttling (0.0-1.0).
	HighWaterMark float64

	// CriticalWaterMark is the fraction at which admission pauses entirely.
	CriticalWaterMark float64

	// CheckInterval is how often heap usage is sampled.
	CheckInterval time.Duration
}

// DefaultConfig returns the default backpressure thresholds.
func DefaultConfig() Config {
	return Config{
		LimitBytes:        0,
		HighWaterMark:     0.7,
		CriticalWaterMark: 0.85,
		CheckInterval:     5 * time.Second,
	}
}

// Monitor samples heap usage and pauses decode admission when the process
// approaches its memory limit. Decode jobs buffer frames and clip output, so
// admitting more work under pressure converts slowness into OOM kills.
type Monitor struct {
	config Config
	limit  int64

	stopChan  chan struct{}
	mu        sync.RWMutex
	current   uint64
	paused    bool
	pauseChan chan struct{}
}

// NewMonitor creates a monitor. With no explicit limit it falls back to
// GOMEMLIMIT; with neither, backpressure is disabled.
func NewMonitor(config Config) *Monitor {
	limit := config.LimitBytes

	if limit == 0 {
		if goLimit := debug.SetMemoryLimit(-1); goLimit > 0 && goLimit < 1<<62 {
			limit = goLimit
			logging.Info("Memory monitor using GOMEMLIMIT: %d bytes (%.1f MB)", limit, float64(limit)/(1024*1024))
		}
	}

	if limit == 0 {
		logging.Warn("Memory monitor: no limit configured, decode backpressure disabled")
	}

	return &Monitor{
		config:    config,
		limit:     limit,
		stopChan:  make(chan struct{}),
		pauseChan: make(chan struct{}),
	}
}

// Start begins sampling. A monitor without a limit never pauses.
func (m *Monitor) Start() {
	if m.limit == 0 {
		return
	}
	go m.monitorLoop()
}

// Stop terminates the sampling loop and releases any paused waiters.
func (m *Monitor) Stop() {
	close(m.stopChan)
}

func (m *Monitor) monitorLoop() {
	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.check()
		case <-m.stopChan:
			return
		}
	}
}

func (m *Monitor) check() {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)

	m.mu.Lock()
	m.current = stats.Alloc

	usage := float64(stats.Alloc) / float64(m.limit)
	metrics.MemoryUsageRatio.Set(usage)

	if usage >= m.config.CriticalWaterMark {
		if !m.paused {
			logging.Warn("Memory critical (%.1f%% of limit), pausing decode admission", usage*100)
			m.paused = true
			metrics.MemoryPaused.Set(1)
			metrics.MemoryForcedGCTotal.Inc()
			go runtime.GC()
		}
	} else if usage < m.config.HighWaterMark {
		if m.paused {
			logging.Info("Memory recovered (%.1f%% of limit), resuming decode admission", usage*100)
			m.paused = false
			metrics.MemoryPaused.Set(0)
			close(m.pauseChan)
			m.pauseChan = make(chan struct{})
		}
	}
	m.mu.Unlock()
}

// WaitIfPaused blocks while admission is paused. Returns false if the
// monitor stopped before admission resumed.
func (m *Monitor) WaitIfPaused() bool {
	m.mu.RLock()
	if !m.paused {
		m.mu.RUnlock()
		return true
	}
	pauseChan := m.pauseChan
	m.mu.RUnlock()

	select {
	case <-pauseChan:
		return true
	case <-m.stopChan:
		return false
	}
}

// ShouldThrottle reports whether usage is above the high water mark.
func (m *Monitor) ShouldThrottle() bool {
	if m.limit == 0 {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return float64(m.current) >= float64(m.limit)*m.config.HighWaterMark
}

// IsPaused reports whether decode admission is currently paused.
func (m *Monitor) IsPaused() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.paused
}

// Stats returns the current heap allocation, the configured limit, and
// usage as a fraction of the limit (0 with no limit).
func (m *Monitor) Stats() (current, limit int64, usage float64) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cur := int64(math.MaxInt64)
	if m.current <= math.MaxInt64 {
		cur = int64(m.current)
	}

	if m.limit > 0 {
		usage = float64(m.current) / float64(m.limit)
	}
	return cur, m.limit, usage
}
