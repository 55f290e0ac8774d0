package datasources

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/data/feed"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/events"
)

// fakeSource implements Source with test controls
type fakeSource struct {
	id string

	mu        sync.Mutex
	connected bool
	probeErr  error
	probes    int
	listeners []func(bool)
}

func newFakeSource(id string) *fakeSource {
	return &fakeSource{id: id, connected: true}
}

func (s *fakeSource) ID() string { return s.id }

func (s *fakeSource) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *fakeSource) OnConnectionChange(fn func(bool)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

func (s *fakeSource) Probe(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probes++
	return s.probeErr
}

func (s *fakeSource) setProbeErr(err error) {
	s.mu.Lock()
	s.probeErr = err
	s.mu.Unlock()
}

func (s *fakeSource) probeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.probes
}

func (s *fakeSource) setConnected(connected bool) {
	s.mu.Lock()
	s.connected = connected
	listeners := append(([]func(bool))(nil), s.listeners...)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(connected)
	}
}

func btcFeed() feed.ID {
	return feed.ID{Category: feed.CategoryCrypto, Name: "BTC/USD"}
}

func newTestRecovery(t *testing.T, bus *events.Bus) *RecoveryManager {
	t.Helper()
	return NewRecoveryManager(RecoveryConfig{}, bus)
}

func TestRegisterTracksHealth(t *testing.T) {
	rm := newTestRecovery(t, nil)
	rm.RegisterDataSource(newFakeSource("binance"))

	snap := rm.SourceHealthSnapshot()
	h, ok := snap["binance"]
	if !ok {
		t.Fatal("registered source missing from snapshot")
	}
	if !h.IsHealthy || !h.IsConnected {
		t.Errorf("fresh source = %+v, want healthy and connected", h)
	}
	if h.Tier != Tier1 {
		t.Errorf("tier = %s, want TIER1", h.Tier)
	}
}

func TestConnectionRestorationResetsCounters(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	sub := bus.Subscribe(events.TopicConnectionRestored)
	defer sub.Unsubscribe()

	rm := newTestRecovery(t, bus)
	src := newFakeSource("binance")
	rm.RegisterDataSource(src)
	rm.NoteReconnectAttempt("binance")
	rm.TriggerFailover("binance", "test") // marks unhealthy

	src.setConnected(false)
	src.setConnected(true)

	h := rm.SourceHealthSnapshot()["binance"]
	if !h.IsConnected || !h.IsHealthy {
		t.Errorf("restored source = %+v, want connected and healthy", h)
	}
	if h.ConsecutiveFailures != 0 || h.ReconnectAttempts != 0 {
		t.Errorf("counters not reset: failures=%d reconnects=%d", h.ConsecutiveFailures, h.ReconnectAttempts)
	}

	select {
	case ev := <-sub.C:
		if ev.Data != "binance" {
			t.Errorf("event data = %v, want binance", ev.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a connectionRestored event")
	}
}

func TestConfigureFeedSourcesActivatesFirstPrimary(t *testing.T) {
	rm := newTestRecovery(t, nil)
	rm.ConfigureFeedSources(btcFeed(), []string{"binance", "coinbase"}, []string{"ccxt-binance"})

	active, ok := rm.ActiveSource(btcFeed())
	if !ok || active != "binance" {
		t.Errorf("ActiveSource = %q (%v), want binance", active, ok)
	}
}

func TestTriggerFailoverCcxtBackup(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	failoverSub := bus.Subscribe(events.TopicFailoverCompleted)
	defer failoverSub.Unsubscribe()
	backupSub := bus.Subscribe(events.TopicCcxtBackupActive)
	defer backupSub.Unsubscribe()

	rm := newTestRecovery(t, bus)
	rm.RegisterDataSource(newFakeSource("binance-adapter"))
	rm.RegisterDataSource(newFakeSource("ccxt-binance"))
	rm.ConfigureFeedSources(btcFeed(), []string{"binance-adapter"}, []string{"ccxt-binance"})

	results := rm.TriggerFailover("binance-adapter", "test")

	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	res := results[0]
	if res.Strategy != StrategyCcxtBackup {
		t.Errorf("strategy = %q, want %q", res.Strategy, StrategyCcxtBackup)
	}
	if res.To != "ccxt-binance" {
		t.Errorf("failover target = %q, want ccxt-binance", res.To)
	}
	if res.Elapsed >= 100*time.Millisecond {
		t.Errorf("failover took %v, want < 100ms", res.Elapsed)
	}
	if !rm.IsCcxtBackupActive(btcFeed()) {
		t.Error("IsCcxtBackupActive must be true after ccxt failover")
	}
	if active, _ := rm.ActiveSource(btcFeed()); active != "ccxt-binance" {
		t.Errorf("active source = %q, want ccxt-binance", active)
	}
	if h := rm.SourceHealthSnapshot()["binance-adapter"]; h.IsHealthy {
		t.Error("failed source must be marked unhealthy")
	}

	select {
	case <-failoverSub.C:
	case <-time.After(time.Second):
		t.Fatal("expected a failoverCompleted event")
	}
	select {
	case <-backupSub.C:
	case <-time.After(time.Second):
		t.Fatal("expected a ccxtBackupActivated event")
	}
}

func TestTriggerFailoverPrefersLaterPrimary(t *testing.T) {
	rm := newTestRecovery(t, nil)
	rm.RegisterDataSource(newFakeSource("binance"))
	rm.RegisterDataSource(newFakeSource("coinbase"))
	rm.RegisterDataSource(newFakeSource("ccxt-binance"))
	rm.ConfigureFeedSources(btcFeed(), []string{"binance", "coinbase"}, []string{"ccxt-binance"})

	results := rm.TriggerFailover("binance", "ws error")

	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	if results[0].To != "coinbase" {
		t.Errorf("target = %q, want the next primary coinbase", results[0].To)
	}
	if results[0].Strategy != StrategyFailover {
		t.Errorf("strategy = %q, want %q for a same-tier swap", results[0].Strategy, StrategyFailover)
	}
	if rm.IsCcxtBackupActive(btcFeed()) {
		t.Error("ccxt backup must not activate for a primary-to-primary swap")
	}
}

func TestTriggerFailoverSkipsUnviableCandidates(t *testing.T) {
	rm := newTestRecovery(t, nil)
	rm.RegisterDataSource(newFakeSource("binance"))
	down := newFakeSource("coinbase")
	down.connected = false
	rm.RegisterDataSource(down)
	rm.RegisterDataSource(newFakeSource("ccxt-binance"))
	rm.ConfigureFeedSources(btcFeed(), []string{"binance", "coinbase"}, []string{"ccxt-binance"})

	results := rm.TriggerFailover("binance", "ws error")

	if results[0].To != "ccxt-binance" {
		t.Errorf("target = %q, want ccxt-binance when the next primary is down", results[0].To)
	}
}

func TestTriggerFailoverWithoutCandidateDegrades(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	sub := bus.Subscribe(events.TopicFullDegradation)
	defer sub.Unsubscribe()

	rm := newTestRecovery(t, bus)
	rm.RegisterDataSource(newFakeSource("binance"))
	rm.ConfigureFeedSources(btcFeed(), []string{"binance"}, nil)

	results := rm.TriggerFailover("binance", "ws error")

	if results[0].Strategy != StrategyGracefulDegradation {
		t.Errorf("strategy = %q, want %q", results[0].Strategy, StrategyGracefulDegradation)
	}
	select {
	case <-sub.C:
	case <-time.After(time.Second):
		t.Fatal("expected a completeServiceDegradation event")
	}
}

func TestMarkRecoveredFailsBack(t *testing.T) {
	rm := newTestRecovery(t, nil)
	rm.RegisterDataSource(newFakeSource("binance"))
	rm.RegisterDataSource(newFakeSource("ccxt-binance"))
	rm.ConfigureFeedSources(btcFeed(), []string{"binance"}, []string{"ccxt-binance"})

	rm.TriggerFailover("binance", "test")
	if active, _ := rm.ActiveSource(btcFeed()); active != "ccxt-binance" {
		t.Fatalf("active = %q, want ccxt-binance after failover", active)
	}

	rm.MarkRecovered("binance")

	if active, _ := rm.ActiveSource(btcFeed()); active != "binance" {
		t.Errorf("active = %q, want binance after recovery", active)
	}
	if rm.IsCcxtBackupActive(btcFeed()) {
		t.Error("ccxt backup flag must clear on failback")
	}
	if h := rm.SourceHealthSnapshot()["binance"]; !h.IsHealthy || h.ConsecutiveFailures != 0 {
		t.Errorf("recovered health = %+v", h)
	}
}

func TestGracefulDegradationBelowRedundancy(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	sub := bus.Subscribe(events.TopicPartialDegradation)
	defer sub.Unsubscribe()

	rm := newTestRecovery(t, bus)
	rm.RegisterDataSource(newFakeSource("binance"))
	rm.ConfigureFeedSources(btcFeed(), []string{"binance"}, nil)

	rm.ImplementGracefulDegradation(btcFeed())

	select {
	case <-sub.C:
	case <-time.After(time.Second):
		t.Fatal("expected a partialServiceDegradation event with one viable source of two desired")
	}
}

func TestSystemHealthLabels(t *testing.T) {
	rm := newTestRecovery(t, nil)
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		rm.RegisterDataSource(newFakeSource(id))
	}

	if got := rm.SystemHealth(); got.Overall != "healthy" || got.Healthy != 5 {
		t.Errorf("SystemHealth = %+v, want all healthy", got)
	}

	rm.TriggerFailover("a", "test") // 4/5 = 0.8, still healthy
	if got := rm.SystemHealth(); got.Overall != "healthy" {
		t.Errorf("overall at 4/5 = %q, want healthy", got.Overall)
	}

	rm.TriggerFailover("b", "test") // 3/5 = 0.6, degraded
	if got := rm.SystemHealth(); got.Overall != "degraded" {
		t.Errorf("overall at 3/5 = %q, want degraded", got.Overall)
	}

	rm.TriggerFailover("c", "test")
	rm.TriggerFailover("d", "test") // 1/5, unhealthy
	got := rm.SystemHealth()
	if got.Overall != "unhealthy" {
		t.Errorf("overall at 1/5 = %q, want unhealthy", got.Overall)
	}
	if got.Failed != 4 || got.Connected != 5 {
		t.Errorf("counts = %+v, want failed=4 connected=5", got)
	}
}

func TestUnregisterRemovesSource(t *testing.T) {
	rm := newTestRecovery(t, nil)
	rm.RegisterDataSource(newFakeSource("binance"))
	rm.UnregisterDataSource("binance")

	if _, ok := rm.Source("binance"); ok {
		t.Error("source must be gone after unregister")
	}
	if rm.Viable("binance") {
		t.Error("unregistered source must not be viable")
	}
	if got := rm.SystemHealth().Total; got != 0 {
		t.Errorf("total = %d, want 0", got)
	}
}

func TestRecoveryStrategiesOrdered(t *testing.T) {
	rm := newTestRecovery(t, nil)
	strategies := rm.RecoveryStrategies("binance")

	want := []string{StrategyReconnect, StrategyFailover, StrategyGracefulDegradation}
	if len(strategies) != len(want) {
		t.Fatalf("strategies = %d, want %d", len(strategies), len(want))
	}
	for i, s := range strategies {
		if s.Name != want[i] {
			t.Errorf("strategies[%d] = %q, want %q", i, s.Name, want[i])
		}
		if s.Priority != i+1 {
			t.Errorf("strategies[%d].Priority = %d, want %d", i, s.Priority, i+1)
		}
	}
}
