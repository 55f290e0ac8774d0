package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/data/cache"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/datasources"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/net/circuit"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/telemetry/latency"
)

// healthResponse is the body of GET /health
type healthResponse struct {
	Status    string    `json:"status"` // "healthy", "degraded", "unhealthy"
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
	Version   string    `json:"version"`

	System systemInfo `json:"system"`

	// Data plane, present when a health monitor is wired
	Sources  map[string]datasources.SourceHealth `json:"sources,omitempty"`
	Summary  datasources.SystemHealth            `json:"source_summary"`
	Circuits map[string]circuit.Stats            `json:"circuits,omitempty"`
	Cache    *cache.Stats                        `json:"cache,omitempty"`
	Latency  map[latency.Stage]latency.Metrics   `json:"latency,omitempty"`

	Checks map[string]checkResult `json:"checks"`
}

// systemInfo provides process-level runtime information
type systemInfo struct {
	GoVersion     string `json:"go_version"`
	NumGoroutines int    `json:"num_goroutines"`
	MemAlloc      uint64 `json:"mem_alloc_bytes"`
	MemSys        uint64 `json:"mem_sys_bytes"`
	NumGC         uint32 `json:"num_gc"`
}

// checkResult is one named pass/warn/fail verdict
type checkResult struct {
	Status    string    `json:"status"` // "pass", "warn", "fail"
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// handleHealth serves GET /health. Degraded systems still answer 200;
// only unhealthy ones return 503 so orchestration keeps routing to a
// provider that can serve at least part of its feeds.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := healthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(s.startTime).String(),
		Version:   s.version(),
		System:    collectSystemInfo(),
		Checks:    make(map[string]checkResult),
	}

	if s.deps.Health != nil {
		snap := s.deps.Health.Snapshot()
		response.Status = snap.Overall
		response.Sources = snap.Sources
		response.Summary = snap.System
		response.Circuits = snap.Circuits
		response.Cache = &snap.Cache
		response.Latency = snap.Latency
	}

	s.addSystemChecks(&response)

	// A failing check overrides the monitor verdict; a warning only
	// downgrades an otherwise healthy system.
	for _, check := range response.Checks {
		if check.Status == "fail" {
			response.Status = "unhealthy"
			break
		}
		if check.Status == "warn" && response.Status == "healthy" {
			response.Status = "degraded"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	if response.Status == "unhealthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(response)
}

func collectSystemInfo() systemInfo {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return systemInfo{
		GoVersion:     runtime.Version(),
		NumGoroutines: runtime.NumGoroutine(),
		MemAlloc:      memStats.Alloc,
		MemSys:        memStats.Sys,
		NumGC:         memStats.NumGC,
	}
}

// addSystemChecks appends process-level checks to the response
func (s *Server) addSystemChecks(response *healthResponse) {
	now := time.Now()

	memUsagePercent := 0.0
	if response.System.MemSys > 0 {
		memUsagePercent = float64(response.System.MemAlloc) / float64(response.System.MemSys) * 100
	}
	switch {
	case memUsagePercent > 90:
		response.Checks["memory"] = checkResult{
			Status:    "fail",
			Message:   fmt.Sprintf("memory usage critical: %.1f%%", memUsagePercent),
			Timestamp: now,
		}
	case memUsagePercent > 75:
		response.Checks["memory"] = checkResult{
			Status:    "warn",
			Message:   fmt.Sprintf("memory usage high: %.1f%%", memUsagePercent),
			Timestamp: now,
		}
	default:
		response.Checks["memory"] = checkResult{
			Status:    "pass",
			Message:   fmt.Sprintf("memory usage normal: %.1f%%", memUsagePercent),
			Timestamp: now,
		}
	}

	if response.System.NumGoroutines > 1000 {
		response.Checks["goroutines"] = checkResult{
			Status:    "warn",
			Message:   fmt.Sprintf("high goroutine count: %d", response.System.NumGoroutines),
			Timestamp: now,
		}
	} else {
		response.Checks["goroutines"] = checkResult{
			Status:    "pass",
			Message:   fmt.Sprintf("goroutine count normal: %d", response.System.NumGoroutines),
			Timestamp: now,
		}
	}
}
