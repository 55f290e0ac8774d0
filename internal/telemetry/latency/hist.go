// Package latency tracks stage timings over rolling windows and serves
// interpolated percentiles. Prometheus histograms cover dashboards;
// this package answers the in-process questions: envelope stamping,
// the failover budget check, /api/v1/stats.
package latency

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Stage names one timed section of the provider pipeline
type Stage string

const (
	// StageTick is venue tick receipt through cache write
	StageTick Stage = "tick"
	// StageFetch is one upstream REST round trip
	StageFetch Stage = "fetch"
	// StageFailover is failure detection through replacement source
	StageFailover Stage = "failover"
	// StageWarm is one warming fetch-and-fill
	StageWarm Stage = "warm"
	// StageRequest is HTTP request receipt through response write
	StageRequest Stage = "request"
)

// Histogram is a fixed-size circular window of millisecond samples.
// Old samples fall out as new ones arrive, so percentiles always
// describe recent behavior.
type Histogram struct {
	mu      sync.RWMutex
	samples []float64
	maxSize int
	current int
	full    bool
	stage   Stage
}

// NewHistogram creates a window of maxSize samples for the stage
func NewHistogram(stage Stage, maxSize int) *Histogram {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &Histogram{
		samples: make([]float64, maxSize),
		maxSize: maxSize,
		stage:   stage,
	}
}

// Record appends one measurement, displacing the oldest when full
func (h *Histogram) Record(d time.Duration) {
	ms := float64(d.Nanoseconds()) / 1e6

	h.mu.Lock()
	defer h.mu.Unlock()
	h.samples[h.current] = ms
	h.current = (h.current + 1) % h.maxSize
	if !h.full && h.current == 0 {
		h.full = true
	}
}

// Percentile returns the p-quantile (p in [0,1]) in milliseconds,
// linearly interpolated between neighboring samples.
func (h *Histogram) Percentile(p float64) float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	size := h.sizeLocked()
	if size == 0 {
		return 0
	}

	values := make([]float64, size)
	if h.full {
		copy(values, h.samples)
	} else {
		copy(values, h.samples[:h.current])
	}
	sort.Float64s(values)

	index := p * float64(size-1)
	lower := int(math.Floor(index))
	upper := int(math.Ceil(index))
	if lower == upper {
		return values[lower]
	}
	weight := index - float64(lower)
	return values[lower]*(1-weight) + values[upper]*weight
}

func (h *Histogram) P50() float64 { return h.Percentile(0.50) }
func (h *Histogram) P95() float64 { return h.Percentile(0.95) }
func (h *Histogram) P99() float64 { return h.Percentile(0.99) }

// Count reports how many samples the window currently holds
func (h *Histogram) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sizeLocked()
}

func (h *Histogram) sizeLocked() int {
	if h.full {
		return h.maxSize
	}
	return h.current
}

// Reset empties the window
func (h *Histogram) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.current = 0
	h.full = false
	for i := range h.samples {
		h.samples[i] = 0
	}
}

// Metrics is one stage's percentile snapshot
type Metrics struct {
	Stage Stage   `json:"stage"`
	P50   float64 `json:"p50_ms"`
	P95   float64 `json:"p95_ms"`
	P99   float64 `json:"p99_ms"`
	Count int     `json:"count"`
}

// Metrics snapshots the histogram
func (h *Histogram) Metrics() Metrics {
	return Metrics{
		Stage: h.stage,
		P50:   h.P50(),
		P95:   h.P95(),
		P99:   h.P99(),
		Count: h.Count(),
	}
}

// Tracker holds one histogram per stage, creating windows on first use
type Tracker struct {
	mu         sync.RWMutex
	histograms map[Stage]*Histogram
}

// NewTracker pre-sizes windows for the known pipeline stages
func NewTracker() *Tracker {
	t := &Tracker{histograms: make(map[Stage]*Histogram)}
	for _, stage := range []Stage{StageTick, StageFetch, StageFailover, StageWarm, StageRequest} {
		t.histograms[stage] = NewHistogram(stage, 1000)
	}
	return t
}

// Record adds one measurement for the stage
func (t *Tracker) Record(stage Stage, d time.Duration) {
	t.mu.RLock()
	hist, ok := t.histograms[stage]
	t.mu.RUnlock()

	if !ok {
		t.mu.Lock()
		hist, ok = t.histograms[stage]
		if !ok {
			hist = NewHistogram(stage, 1000)
			t.histograms[stage] = hist
		}
		t.mu.Unlock()
	}
	hist.Record(d)
}

// P99 reports the stage's current P99 in milliseconds
func (t *Tracker) P99(stage Stage) float64 {
	t.mu.RLock()
	hist, ok := t.histograms[stage]
	t.mu.RUnlock()
	if !ok {
		return 0
	}
	return hist.P99()
}

// AllMetrics snapshots every tracked stage
func (t *Tracker) AllMetrics() map[Stage]Metrics {
	t.mu.RLock()
	defer t.mu.RUnlock()

	metrics := make(map[Stage]Metrics, len(t.histograms))
	for stage, hist := range t.histograms {
		metrics[stage] = hist.Metrics()
	}
	return metrics
}

// Process-wide tracker. Stage timings cut across package boundaries;
// a shared sink keeps call sites to one line.
var globalTracker = NewTracker()

// Record adds a measurement to the process-wide tracker
func Record(stage Stage, d time.Duration) {
	globalTracker.Record(stage, d)
}

// P99 reads the process-wide tracker
func P99(stage Stage) float64 {
	return globalTracker.P99(stage)
}

// AllMetrics snapshots the process-wide tracker
func AllMetrics() map[Stage]Metrics {
	return globalTracker.AllMetrics()
}

// Timer measures one stage section
type Timer struct {
	stage Stage
	start time.Time
}

// StartTimer begins timing a section for the stage
func StartTimer(stage Stage) *Timer {
	return &Timer{stage: stage, start: time.Now()}
}

// Stop records the elapsed time on the process-wide tracker
func (t *Timer) Stop() time.Duration {
	d := time.Since(t.start)
	Record(t.stage, d)
	return d
}
