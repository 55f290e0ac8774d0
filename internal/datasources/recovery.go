package datasources

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/data/feed"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/events"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/telemetry/latency"
)

// Source is the handle the recovery layer holds on one upstream. The
// facade wraps exchange adapters into this shape; tests supply fakes.
type Source interface {
	ID() string
	IsConnected() bool
	OnConnectionChange(fn func(connected bool))
	// Probe is a lightweight liveness check, always breaker-wrapped by
	// the caller.
	Probe(ctx context.Context) error
}

// SourceHealth is the live health record for one registered source
type SourceHealth struct {
	SourceID            string    `json:"sourceId"`
	Tier                Tier      `json:"tier"`
	IsConnected         bool      `json:"isConnected"`
	IsHealthy           bool      `json:"isHealthy"`
	LastError           string    `json:"lastError,omitempty"`
	LastErrorTime       time.Time `json:"lastErrorTime,omitempty"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	ReconnectAttempts   int       `json:"reconnectAttempts"`
}

// FailoverResult describes one feed's source swap
type FailoverResult struct {
	Feed     feed.ID       `json:"feed"`
	From     string        `json:"from"`
	To       string        `json:"to,omitempty"`
	Strategy string        `json:"strategy"`
	Reason   string        `json:"reason"`
	Elapsed  time.Duration `json:"elapsed"`
}

// RecoveryStrategy is one entry of the per-source recovery ladder
type RecoveryStrategy struct {
	Name     string `json:"name"`
	Priority int    `json:"priority"`
}

// SystemHealth aggregates source counts with an overall label
type SystemHealth struct {
	Total     int    `json:"total"`
	Connected int    `json:"connected"`
	Healthy   int    `json:"healthy"`
	Failed    int    `json:"failed"`
	Overall   string `json:"overall"`
}

// RecoveryConfig tunes failover behavior
type RecoveryConfig struct {
	// DesiredRedundancy is the viable-source count below which a feed
	// is considered partially degraded.
	DesiredRedundancy int `yaml:"desired_redundancy"`
	// FailoverBudget is the wall-clock budget for one failover; going
	// over logs a warning.
	FailoverBudget time.Duration `yaml:"failover_budget"`
}

func (c *RecoveryConfig) setDefaults() {
	if c.DesiredRedundancy <= 0 {
		c.DesiredRedundancy = 2
	}
	if c.FailoverBudget <= 0 {
		c.FailoverBudget = 100 * time.Millisecond
	}
}

// feedRoute is the ordered source preference for one feed. active is
// the source currently serving it.
type feedRoute struct {
	id      feed.ID
	primary []string
	backup  []string
	active  string
}

// candidates lists primaries then backups, preference order
func (r *feedRoute) candidates() []string {
	out := make([]string, 0, len(r.primary)+len(r.backup))
	out = append(out, r.primary...)
	out = append(out, r.backup...)
	return out
}

// RecoveryManager owns the health records of every data source and the
// per-feed routing between them. Failover decisions, graceful
// degradation, and CCXT backup tracking all live here; the error
// handler and the facade only ask questions and trigger swaps.
type RecoveryManager struct {
	cfg RecoveryConfig
	bus *events.Bus

	mu      sync.RWMutex
	sources map[string]Source
	health  map[string]*SourceHealth
	routes  map[string]*feedRoute // by feed.Key()
	ccxt    map[string]bool       // feeds served by CCXT backup, by feed.Key()
}

// NewRecoveryManager creates an empty manager. The bus may be nil;
// degradation and failover notices are then only logged.
func NewRecoveryManager(cfg RecoveryConfig, bus *events.Bus) *RecoveryManager {
	cfg.setDefaults()
	return &RecoveryManager{
		cfg:     cfg,
		bus:     bus,
		sources: make(map[string]Source),
		health:  make(map[string]*SourceHealth),
		routes:  make(map[string]*feedRoute),
		ccxt:    make(map[string]bool),
	}
}

// RegisterDataSource starts tracking the source and installs the
// connection listener. Restoration zeroes the failure counters.
func (rm *RecoveryManager) RegisterDataSource(src Source) {
	id := src.ID()

	rm.mu.Lock()
	rm.sources[id] = src
	rm.health[id] = &SourceHealth{
		SourceID:    id,
		Tier:        TierOf(id),
		IsConnected: src.IsConnected(),
		IsHealthy:   true,
	}
	rm.mu.Unlock()

	src.OnConnectionChange(func(connected bool) {
		rm.onConnectionChange(id, connected)
	})

	log.Info().
		Str("component", "recovery").
		Str("source", id).
		Str("tier", TierOf(id).String()).
		Msg("data source registered")
}

// UnregisterDataSource drops the source's record. Routes naming it
// keep the name; failover routes around missing sources.
func (rm *RecoveryManager) UnregisterDataSource(sourceID string) {
	rm.mu.Lock()
	delete(rm.sources, sourceID)
	delete(rm.health, sourceID)
	rm.mu.Unlock()

	log.Info().Str("component", "recovery").Str("source", sourceID).Msg("data source unregistered")
}

// Source returns the registered handle for an identifier
func (rm *RecoveryManager) Source(sourceID string) (Source, bool) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	src, ok := rm.sources[sourceID]
	return src, ok
}

func (rm *RecoveryManager) onConnectionChange(sourceID string, connected bool) {
	rm.mu.Lock()
	h, ok := rm.health[sourceID]
	if !ok {
		rm.mu.Unlock()
		return
	}
	was := h.IsConnected
	h.IsConnected = connected
	if connected {
		h.IsHealthy = true
		h.ConsecutiveFailures = 0
		h.ReconnectAttempts = 0
	}
	rm.mu.Unlock()

	switch {
	case connected && !was:
		log.Info().Str("component", "recovery").Str("source", sourceID).Msg("connection restored")
		if rm.bus != nil {
			rm.bus.Publish(events.TopicConnectionRestored, sourceID)
		}
	case !connected && was:
		log.Warn().Str("component", "recovery").Str("source", sourceID).Msg("connection lost")
	}
}

// NoteReconnectAttempt bumps the source's reconnect counter. The
// orchestrator wiring calls this around ReconnectExchange.
func (rm *RecoveryManager) NoteReconnectAttempt(sourceID string) {
	rm.mu.Lock()
	if h, ok := rm.health[sourceID]; ok {
		h.ReconnectAttempts++
	}
	rm.mu.Unlock()
}

// ConfigureFeedSources records the ordered source preference for a
// feed. The first primary (else first backup) becomes active.
func (rm *RecoveryManager) ConfigureFeedSources(id feed.ID, primary, backup []string) {
	route := &feedRoute{
		id:      id,
		primary: append([]string(nil), primary...),
		backup:  append([]string(nil), backup...),
	}
	switch {
	case len(route.primary) > 0:
		route.active = route.primary[0]
	case len(route.backup) > 0:
		route.active = route.backup[0]
	}

	rm.mu.Lock()
	rm.routes[id.Key()] = route
	rm.mu.Unlock()
}

// ActiveSource reports which source currently serves the feed
func (rm *RecoveryManager) ActiveSource(id feed.ID) (string, bool) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	route, ok := rm.routes[id.Key()]
	if !ok || route.active == "" {
		return "", false
	}
	return route.active, true
}

// RecordError updates the source's health record from a classified
// error. History bookkeeping lives with the handler.
func (rm *RecoveryManager) RecordError(cerr *ClassifiedError) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	h, ok := rm.health[cerr.SourceID]
	if !ok {
		return
	}
	h.LastError = string(cerr.Classification) + ": " + cerr.Err.Error()
	h.LastErrorTime = cerr.Timestamp
	h.ConsecutiveFailures++
}

// TriggerFailover marks the source unhealthy and moves every feed it
// was serving to the next viable candidate (later primaries first,
// then backups). Feeds with no candidate degrade gracefully. The
// wall-clock elapsed time is recorded and checked against the budget.
func (rm *RecoveryManager) TriggerFailover(sourceID, reason string) []FailoverResult {
	timer := latency.StartTimer(latency.StageFailover)

	rm.mu.Lock()
	if h, ok := rm.health[sourceID]; ok {
		h.IsHealthy = false
		h.LastError = reason
		h.LastErrorTime = time.Now()
	}

	var results []FailoverResult
	var degraded []feed.ID
	for _, route := range rm.routes {
		if route.active != sourceID {
			continue
		}
		res := FailoverResult{Feed: route.id, From: sourceID, Reason: reason}
		if to := rm.nextViableLocked(route, sourceID); to != "" {
			res.To = to
			res.Strategy = failoverStrategy(sourceID, to)
			route.active = to
			if res.Strategy == StrategyCcxtBackup {
				rm.ccxt[route.id.Key()] = true
			}
		} else {
			res.Strategy = StrategyGracefulDegradation
			degraded = append(degraded, route.id)
		}
		results = append(results, res)
	}
	rm.mu.Unlock()

	elapsed := timer.Stop()
	for i := range results {
		results[i].Elapsed = elapsed
	}

	if elapsed > rm.cfg.FailoverBudget {
		log.Warn().
			Str("component", "recovery").
			Str("source", sourceID).
			Dur("elapsed", elapsed).
			Dur("budget", rm.cfg.FailoverBudget).
			Msg("failover exceeded time budget")
	}

	for _, res := range results {
		log.Info().
			Str("component", "recovery").
			Str("feed", res.Feed.String()).
			Str("from", res.From).
			Str("to", res.To).
			Str("strategy", res.Strategy).
			Str("reason", reason).
			Dur("elapsed", res.Elapsed).
			Msg("failover completed")
		if rm.bus != nil {
			rm.bus.Publish(events.TopicFailoverCompleted, res)
			if res.Strategy == StrategyCcxtBackup {
				rm.bus.Publish(events.TopicCcxtBackupActive, res)
			}
		}
	}
	for _, id := range degraded {
		rm.ImplementGracefulDegradation(id)
	}
	return results
}

// nextViableLocked scans later primaries, then backups, for a viable
// replacement. A backup active scans only later backups.
func (rm *RecoveryManager) nextViableLocked(route *feedRoute, failed string) string {
	scan := func(ids []string, from int) string {
		for _, id := range ids[from:] {
			if rm.viableLocked(id, failed) {
				return id
			}
		}
		return ""
	}

	if idx := indexOf(route.primary, failed); idx >= 0 {
		if to := scan(route.primary, idx+1); to != "" {
			return to
		}
		return scan(route.backup, 0)
	}
	if idx := indexOf(route.backup, failed); idx >= 0 {
		return scan(route.backup, idx+1)
	}
	// Active source is not in the configured lists; start over from
	// the top preference.
	if to := scan(route.primary, 0); to != "" {
		return to
	}
	return scan(route.backup, 0)
}

// viableLocked reports whether a source can take traffic right now
func (rm *RecoveryManager) viableLocked(sourceID, exclude string) bool {
	if sourceID == "" || sourceID == exclude {
		return false
	}
	h, ok := rm.health[sourceID]
	if !ok {
		return false
	}
	return h.IsHealthy && h.IsConnected
}

// Viable reports whether the source is registered, healthy, connected
func (rm *RecoveryManager) Viable(sourceID string) bool {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.viableLocked(sourceID, "")
}

// failoverStrategy names the swap by the tiers involved. The CCXT
// substitute for the same exchange is its own case: "ccxt-binance"
// backs both "binance" and "binance-adapter".
func failoverStrategy(from, to string) string {
	if TierOf(to) == Tier2 {
		venue := strings.TrimPrefix(to, ccxtPrefix)
		if strings.HasPrefix(from, venue) {
			return StrategyCcxtBackup
		}
		if TierOf(from) == Tier1 {
			return StrategyTierFallback
		}
	}
	return StrategyFailover
}

// HealthyAlternative returns the first viable source of the tier other
// than exclude. With feed context the feed's configured preference
// order is honored; without it registered sources are scanned in
// stable (sorted) order.
func (rm *RecoveryManager) HealthyAlternative(exclude string, id *feed.ID, tier Tier) string {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	if id != nil {
		if route, ok := rm.routes[id.Key()]; ok {
			for _, sid := range route.candidates() {
				if TierOf(sid) == tier && rm.viableLocked(sid, exclude) {
					return sid
				}
			}
			return ""
		}
	}

	ids := make([]string, 0, len(rm.health))
	for sid := range rm.health {
		ids = append(ids, sid)
	}
	sort.Strings(ids)
	for _, sid := range ids {
		if TierOf(sid) == tier && rm.viableLocked(sid, exclude) {
			return sid
		}
	}
	return ""
}

// CcxtBackupFor finds the viable CCXT substitute for the source's own
// exchange.
func (rm *RecoveryManager) CcxtBackupFor(sourceID string) (string, bool) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	ids := make([]string, 0, len(rm.health))
	for sid := range rm.health {
		ids = append(ids, sid)
	}
	sort.Strings(ids)
	for _, sid := range ids {
		if TierOf(sid) != Tier2 {
			continue
		}
		venue := strings.TrimPrefix(sid, ccxtPrefix)
		if strings.HasPrefix(sourceID, venue) && rm.viableLocked(sid, sourceID) {
			return sid, true
		}
	}
	return "", false
}

// IsCcxtBackupActive reports whether the feed is served by its CCXT
// backup.
func (rm *RecoveryManager) IsCcxtBackupActive(id feed.ID) bool {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.ccxt[id.Key()]
}

// ActivateCcxtBackup marks the feed as CCXT-served and notifies
// subscribers once per activation.
func (rm *RecoveryManager) ActivateCcxtBackup(id feed.ID) {
	rm.mu.Lock()
	already := rm.ccxt[id.Key()]
	rm.ccxt[id.Key()] = true
	rm.mu.Unlock()

	if already {
		return
	}
	log.Warn().Str("component", "recovery").Str("feed", id.String()).Msg("ccxt backup activated")
	if rm.bus != nil {
		rm.bus.Publish(events.TopicCcxtBackupActive, id)
	}
}

// MarkRecovered returns the source to health and fails routes back to
// it wherever it outranks the currently active source.
func (rm *RecoveryManager) MarkRecovered(sourceID string) {
	rm.mu.Lock()
	h, ok := rm.health[sourceID]
	if !ok {
		rm.mu.Unlock()
		return
	}
	h.IsHealthy = true
	h.ConsecutiveFailures = 0
	h.LastError = ""

	var failedBack []feed.ID
	for _, route := range rm.routes {
		if route.active == sourceID {
			continue
		}
		idx := indexOf(route.primary, sourceID)
		if idx < 0 {
			continue
		}
		activeIdx := indexOf(route.primary, route.active)
		if activeIdx >= 0 && activeIdx <= idx {
			continue
		}
		route.active = sourceID
		delete(rm.ccxt, route.id.Key())
		failedBack = append(failedBack, route.id)
	}
	rm.mu.Unlock()

	for _, id := range failedBack {
		log.Info().
			Str("component", "recovery").
			Str("feed", id.String()).
			Str("source", sourceID).
			Msg("failed back to preferred source")
	}
}

// ImplementGracefulDegradation checks the feed's viable source count
// and publishes the matching degradation notice.
func (rm *RecoveryManager) ImplementGracefulDegradation(id feed.ID) {
	rm.mu.RLock()
	route, ok := rm.routes[id.Key()]
	viable := 0
	if ok {
		seen := make(map[string]bool)
		for _, sid := range route.candidates() {
			if seen[sid] {
				continue
			}
			seen[sid] = true
			if rm.viableLocked(sid, "") {
				viable++
			}
		}
	}
	rm.mu.RUnlock()

	if viable == 0 {
		log.Error().
			Str("component", "recovery").
			Str("feed", id.String()).
			Msg("no viable source remains, service degraded")
		if rm.bus != nil {
			rm.bus.Publish(events.TopicFullDegradation, map[string]any{
				"feed":             id,
				"degradationLevel": "severe",
			})
		}
		return
	}
	if viable < rm.cfg.DesiredRedundancy {
		log.Warn().
			Str("component", "recovery").
			Str("feed", id.String()).
			Int("viable", viable).
			Int("desired", rm.cfg.DesiredRedundancy).
			Msg("running below desired redundancy")
		if rm.bus != nil {
			rm.bus.Publish(events.TopicPartialDegradation, map[string]any{
				"feed":    id,
				"viable":  viable,
				"desired": rm.cfg.DesiredRedundancy,
			})
		}
	}
}

// SystemHealth aggregates the source records into overall counts
func (rm *RecoveryManager) SystemHealth() SystemHealth {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	s := SystemHealth{Total: len(rm.health)}
	for _, h := range rm.health {
		if h.IsConnected {
			s.Connected++
		}
		if h.IsHealthy {
			s.Healthy++
		} else {
			s.Failed++
		}
	}
	s.Overall = overallLabel(s.Healthy, s.Total)
	return s
}

// Labels and thresholds for the healthy-to-total ratio
func overallLabel(healthy, total int) string {
	if total == 0 {
		return "healthy"
	}
	ratio := float64(healthy) / float64(total)
	switch {
	case ratio >= 0.8:
		return "healthy"
	case ratio >= 0.5:
		return "degraded"
	default:
		return "unhealthy"
	}
}

// UnhealthySources lists sources awaiting recovery, sorted for stable
// probe order.
func (rm *RecoveryManager) UnhealthySources() []string {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	var out []string
	for id, h := range rm.health {
		if !h.IsHealthy {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// SourceHealthSnapshot copies every health record
func (rm *RecoveryManager) SourceHealthSnapshot() map[string]SourceHealth {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	out := make(map[string]SourceHealth, len(rm.health))
	for id, h := range rm.health {
		out[id] = *h
	}
	return out
}

// RecoveryStrategies lists the recovery ladder for a source, ordered
// by priority.
func (rm *RecoveryManager) RecoveryStrategies(sourceID string) []RecoveryStrategy {
	return []RecoveryStrategy{
		{Name: StrategyReconnect, Priority: 1},
		{Name: StrategyFailover, Priority: 2},
		{Name: StrategyGracefulDegradation, Priority: 3},
	}
}

func indexOf(ids []string, id string) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}
