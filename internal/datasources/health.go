package datasources

import (
	"time"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/data/cache"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/net/circuit"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/telemetry/latency"
)

// HealthSnapshot is the complete health state served by the HTTP
// layer: source records, system counts, circuit stats, cache stats,
// and stage latency percentiles.
type HealthSnapshot struct {
	Timestamp time.Time                         `json:"timestamp"`
	Overall   string                            `json:"overall"`
	System    SystemHealth                      `json:"system"`
	Sources   map[string]SourceHealth           `json:"sources"`
	Circuits  map[string]circuit.Stats          `json:"circuits"`
	Cache     cache.Stats                       `json:"cache"`
	Latency   map[latency.Stage]latency.Metrics `json:"latency"`
}

// Healthy reports whether the snapshot allows serving traffic.
// Degraded systems still serve; only unhealthy ones refuse.
func (s HealthSnapshot) Healthy() bool {
	return s.Overall != "unhealthy"
}

// HealthMonitor aggregates health from the recovery manager, the
// circuit manager, and the cache.
type HealthMonitor struct {
	recovery *RecoveryManager
	circuits *circuit.Manager
	store    *cache.RealTimeCache
}

// NewHealthMonitor wires the aggregation. Any argument may be nil; its
// section is then omitted from snapshots.
func NewHealthMonitor(recovery *RecoveryManager, circuits *circuit.Manager, store *cache.RealTimeCache) *HealthMonitor {
	return &HealthMonitor{recovery: recovery, circuits: circuits, store: store}
}

// Snapshot collects the current health state
func (hm *HealthMonitor) Snapshot() HealthSnapshot {
	snap := HealthSnapshot{
		Timestamp: time.Now(),
		Overall:   "healthy",
		Latency:   latency.AllMetrics(),
	}

	if hm.recovery != nil {
		snap.System = hm.recovery.SystemHealth()
		snap.Sources = hm.recovery.SourceHealthSnapshot()
		snap.Overall = snap.System.Overall
	}
	if hm.circuits != nil {
		snap.Circuits = hm.circuits.Stats()
		if snap.Overall == "healthy" && !hm.circuits.IsHealthy() {
			snap.Overall = "degraded"
		}
	}
	if hm.store != nil {
		snap.Cache = hm.store.Stats()
	}
	return snap
}
