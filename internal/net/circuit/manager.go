package circuit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/events"
)

// Health sweep cadence and thresholds
const (
	sweepInterval    = 30 * time.Second
	halfOpenIdleFor  = 60 * time.Second
	stuckOpenGrace   = 30 * time.Second
)

// Manager owns one breaker per registered service, plus the background
// health sweep that unsticks idle HALF_OPEN and stale OPEN circuits.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	defaults Config

	bus *events.Bus

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewManager creates the manager and starts its health sweep. The bus
// may be nil; state-change events are then only logged.
func NewManager(defaults Config, bus *events.Bus) *Manager {
	defaults.setDefaults()
	m := &Manager{
		breakers: make(map[string]*Breaker),
		defaults: defaults,
		bus:      bus,
		stopCh:   make(chan struct{}),
	}
	m.wg.Add(1)
	go m.sweepLoop()
	return m
}

// Register creates (or replaces) the circuit for a service
func (m *Manager) Register(service string, cfg Config) *Breaker {
	b := NewBreaker(service, cfg)
	b.onStateChange = m.publishStateChange

	m.mu.Lock()
	m.breakers[service] = b
	m.mu.Unlock()
	return b
}

// Unregister drops the circuit for a service. Any pending recovery is
// abandoned with it.
func (m *Manager) Unregister(service string) {
	m.mu.Lock()
	delete(m.breakers, service)
	m.mu.Unlock()
}

// Ensure returns the circuit for a service, registering one with the
// manager defaults when absent.
func (m *Manager) Ensure(service string) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[service]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok = m.breakers[service]; ok {
		return b
	}
	b = NewBreaker(service, m.defaults)
	b.onStateChange = m.publishStateChange
	m.breakers[service] = b
	return b
}

// Get returns the circuit for a service if registered
func (m *Manager) Get(service string) (*Breaker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.breakers[service]
	return b, ok
}

// Execute runs fn through the service's circuit, registering a default
// circuit on first use.
func (m *Manager) Execute(ctx context.Context, service string, fn func(ctx context.Context) error) error {
	return m.Ensure(service).Call(ctx, fn)
}

// Metrics returns the monitoring-window summary for one service
func (m *Manager) Metrics(service string) (Metrics, bool) {
	b, ok := m.Get(service)
	if !ok {
		return Metrics{}, false
	}
	return b.Metrics(), true
}

// Stats snapshots every registered circuit
func (m *Manager) Stats() map[string]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[string]Stats, len(m.breakers))
	for service, b := range m.breakers {
		stats[service] = b.Stats()
	}
	return stats
}

// IsHealthy reports whether every circuit is healthy
func (m *Manager) IsHealthy() bool {
	for _, s := range m.Stats() {
		if !s.IsHealthy() {
			return false
		}
	}
	return true
}

// UnhealthyServices lists services whose circuits are not healthy
func (m *Manager) UnhealthyServices() []string {
	var unhealthy []string
	for service, s := range m.Stats() {
		if !s.IsHealthy() {
			unhealthy = append(unhealthy, service)
		}
	}
	return unhealthy
}

// Reset returns every circuit to CLOSED
func (m *Manager) Reset() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, b := range m.breakers {
		b.Reset()
	}
}

// Stop cancels the health sweep
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func (m *Manager) publishStateChange(service string, from, to State) {
	log.Info().
		Str("service", service).
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("circuit state change")
	if m.bus != nil && to == StateOpen {
		m.bus.Publish(events.TopicCircuitOpened, service)
	}
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweepOnce()
		}
	}
}

// sweepOnce applies the two recovery rules to every circuit
func (m *Manager) sweepOnce() {
	m.mu.RLock()
	breakers := make(map[string]*Breaker, len(m.breakers))
	for service, b := range m.breakers {
		breakers[service] = b
	}
	m.mu.RUnlock()

	for service, b := range breakers {
		if b.sweepHalfOpenIdle(halfOpenIdleFor) {
			log.Info().Str("service", service).Msg("idle half-open circuit closed by sweep")
		}
		if b.sweepStuckOpen(stuckOpenGrace) {
			log.Info().Str("service", service).Msg("stale open circuit moved to half-open by sweep")
		}
	}
}
