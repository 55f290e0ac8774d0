package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/data/cache"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/data/facade"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/data/feed"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/net/circuit"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/net/retry"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/telemetry/latency"
)

// feedsRequest is the shared request body for values and historical
type feedsRequest struct {
	Feeds []feed.ID `json:"feeds"`
}

// volumesRequest adds the rolling window to the feed list
type volumesRequest struct {
	Feeds     []feed.ID `json:"feeds"`
	WindowSec int       `json:"windowSec"`
}

type valuesResponse struct {
	Data []facade.FeedValue `json:"data"`
}

type roundResponse struct {
	VotingRoundID int64              `json:"votingRoundId"`
	Data          []facade.FeedValue `json:"data"`
}

type volumesResponse struct {
	Data []facade.FeedVolumes `json:"data"`
}

type errorResponse struct {
	Error    string            `json:"error"`
	Failures map[string]string `json:"failures,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// decodeFeeds parses and validates the feed list shared by the POST
// endpoints. A nil return means the response is already written.
func decodeFeeds(w http.ResponseWriter, r *http.Request) []feed.ID {
	var req feedsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return nil
	}
	if len(req.Feeds) == 0 {
		writeError(w, http.StatusBadRequest, "feeds must not be empty")
		return nil
	}
	return req.Feeds
}

// handleValues serves POST /api/v1/values
func (s *Server) handleValues(w http.ResponseWriter, r *http.Request) {
	ids := decodeFeeds(w, r)
	if ids == nil {
		return
	}

	rows, err := s.deps.Facade.Values(r.Context(), ids)
	s.recordServed(rows)
	if err != nil {
		var unavailable *facade.UnavailableError
		if errors.As(err, &unavailable) {
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{
				Error:    "no feed could be served",
				Failures: unavailable.Failures,
			})
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, valuesResponse{Data: rows})
}

// handleHistorical serves POST /api/v1/historical/{round}
func (s *Server) handleHistorical(w http.ResponseWriter, r *http.Request) {
	round, err := strconv.ParseInt(mux.Vars(r)["round"], 10, 64)
	if err != nil || round < 0 {
		writeError(w, http.StatusBadRequest, "round must be a non-negative integer")
		return
	}
	ids := decodeFeeds(w, r)
	if ids == nil {
		return
	}

	rows, err := s.deps.Facade.RoundValues(r.Context(), round, ids)
	s.recordServed(rows)
	if err != nil {
		var unavailable *facade.UnavailableError
		if errors.As(err, &unavailable) {
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{
				Error:    "no feed could be served for round " + strconv.FormatInt(round, 10),
				Failures: unavailable.Failures,
			})
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, roundResponse{VotingRoundID: round, Data: rows})
}

// handleVolumes serves POST /api/v1/volumes
func (s *Server) handleVolumes(w http.ResponseWriter, r *http.Request) {
	var req volumesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}
	if len(req.Feeds) == 0 {
		writeError(w, http.StatusBadRequest, "feeds must not be empty")
		return
	}
	if req.WindowSec < 0 {
		writeError(w, http.StatusBadRequest, "windowSec must not be negative")
		return
	}

	window := time.Duration(req.WindowSec) * time.Second
	writeJSON(w, http.StatusOK, volumesResponse{
		Data: s.deps.Facade.Volumes(req.Feeds, window),
	})
}

// statsResponse aggregates the observability counters of every
// component that exposes them.
type statsResponse struct {
	Timestamp time.Time                         `json:"timestamp"`
	Cache     *cache.Stats                      `json:"cache,omitempty"`
	Warmup    *cache.WarmupStats                `json:"warmup,omitempty"`
	Retry     map[string]retry.ServiceStats     `json:"retry,omitempty"`
	Circuits  map[string]circuit.Stats          `json:"circuits,omitempty"`
	Latency   map[latency.Stage]latency.Metrics `json:"latency,omitempty"`
	Queue     *queueStats                       `json:"queue,omitempty"`
	Volumes   *volumeStats                      `json:"volumes,omitempty"`
}

type queueStats struct {
	Pushed  int64 `json:"pushed"`
	Dropped int64 `json:"dropped"`
	Depth   int   `json:"depth"`
}

type volumeStats struct {
	TrackedFeeds int `json:"trackedFeeds"`
}

// handleStats serves GET /api/v1/stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{Timestamp: time.Now().UTC()}

	if s.deps.Store != nil {
		stats := s.deps.Store.Stats()
		resp.Cache = &stats
	}
	if s.deps.Warmer != nil {
		stats := s.deps.Warmer.WarmupStats()
		resp.Warmup = &stats
	}
	if s.deps.Retry != nil {
		resp.Retry = s.deps.Retry.Stats()
	}
	if s.deps.Circuits != nil {
		resp.Circuits = s.deps.Circuits.Stats()
	}
	resp.Latency = latency.AllMetrics()
	if s.deps.Facade != nil {
		pushed, dropped, depth := s.deps.Facade.QueueStats()
		resp.Queue = &queueStats{Pushed: pushed, Dropped: dropped, Depth: depth}
		resp.Volumes = &volumeStats{TrackedFeeds: s.deps.Facade.VolumeFeeds()}
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleMetrics serves GET /metrics, syncing snapshot gauges before
// the scrape so Prometheus sees current queue and cache pressure.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.deps.Metrics == nil {
		writeError(w, http.StatusNotFound, "metrics not configured")
		return
	}
	if s.deps.Store != nil {
		s.deps.Metrics.SyncCache(s.deps.Store.Stats())
	}
	if s.deps.Facade != nil {
		pushed, dropped, depth := s.deps.Facade.QueueStats()
		s.deps.Metrics.SyncQueue(pushed, dropped, depth)
	}
	if s.deps.Circuits != nil {
		s.deps.Metrics.SyncCircuits(s.deps.Circuits.Stats())
	}
	s.deps.Metrics.SyncLatency(latency.AllMetrics())
	s.deps.Metrics.Handler().ServeHTTP(w, r)
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, "no such endpoint: "+r.URL.Path)
}

// recordServed feeds the per-source counters that back the served-
// values metrics and the cache hit ratio gauge.
func (s *Server) recordServed(rows []facade.FeedValue) {
	if s.deps.Metrics == nil {
		return
	}
	for _, row := range rows {
		s.deps.Metrics.RecordValueServed(row.Source)
	}
}
