// Package ws orchestrates exchange adapter lifecycle: it maps feeds to
// the (exchange, symbol) pairs that serve them, resolves an adapter per
// exchange, connects adapters in batches, and keeps subscriptions
// exactly-once per adapter even when feeds share symbols.
package ws

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/data/adapters"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/data/adapters/ccxt"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/data/feed"
)

// Config tunes connection pacing
type Config struct {
	ConnectBatchSize  int           `yaml:"connect_batch_size"`
	ConnectBatchPause time.Duration `yaml:"connect_batch_pause"`
	ReconnectCooldown time.Duration `yaml:"reconnect_cooldown"`
}

func DefaultConfig() Config {
	return Config{
		ConnectBatchSize:  5,
		ConnectBatchPause: 250 * time.Millisecond,
		ReconnectCooldown: 10 * time.Second,
	}
}

func (c *Config) setDefaults() {
	d := DefaultConfig()
	if c.ConnectBatchSize <= 0 {
		c.ConnectBatchSize = d.ConnectBatchSize
	}
	if c.ConnectBatchPause <= 0 {
		c.ConnectBatchPause = d.ConnectBatchPause
	}
	if c.ReconnectCooldown <= 0 {
		c.ReconnectCooldown = d.ReconnectCooldown
	}
}

// exchangeState tracks one exchange independently, so a slow connect on
// one venue never blocks operations on another.
type exchangeState struct {
	name    string
	adapter adapters.Adapter
	shared  bool // served by the shared multi-venue poller

	mu          sync.Mutex
	required    map[string]struct{}
	subscribed  map[string]struct{}
	lastAttempt time.Time
}

func (s *exchangeState) requiredSymbols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedKeys(s.required)
}

// ExchangeStatus is one exchange's snapshot for health reporting
type ExchangeStatus struct {
	Exchange   string `json:"exchange"`
	Connected  bool   `json:"connected"`
	Shared     bool   `json:"shared"`
	Required   int    `json:"required"`
	Subscribed int    `json:"subscribed"`
}

// Orchestrator wires feeds to adapters. Register custom adapters and
// the fallback poller before Start; ticks flow to OnTick sinks.
type Orchestrator struct {
	cfg    Config
	logger zerolog.Logger

	mu       sync.Mutex
	registry map[string]adapters.Adapter // custom adapters by exchange
	fallback *ccxt.Adapter
	states   map[string]*exchangeState
	bySource map[string][]feed.ID // "exchange|symbol" → feeds
	started  bool

	sinkMu sync.RWMutex
	sinks  []func(feed.ID, feed.PriceUpdate)
}

func NewOrchestrator(cfg Config) *Orchestrator {
	cfg.setDefaults()
	return &Orchestrator{
		cfg:      cfg,
		logger:   log.With().Str("component", "orchestrator").Logger(),
		registry: make(map[string]adapters.Adapter),
		states:   make(map[string]*exchangeState),
		bySource: make(map[string][]feed.ID),
	}
}

// RegisterAdapter installs a custom adapter for its exchange. The
// orchestrator takes over the adapter's callbacks.
func (o *Orchestrator) RegisterAdapter(a adapters.Adapter) {
	o.mu.Lock()
	o.registry[a.ExchangeName()] = a
	o.mu.Unlock()

	a.OnPriceUpdate(o.handleTick)
	a.OnConnectionChange(func(connected bool) {
		o.logger.Info().Str("exchange", a.ExchangeName()).Bool("connected", connected).Msg("adapter connection change")
	})
}

// SetFallback installs the shared multi-venue poller used for every
// exchange without a custom adapter.
func (o *Orchestrator) SetFallback(f *ccxt.Adapter) {
	o.mu.Lock()
	o.fallback = f
	o.mu.Unlock()

	f.OnPriceUpdate(o.handleTick)
	f.OnConnectionChange(func(connected bool) {
		o.logger.Info().Bool("connected", connected).Msg("fallback poller connection change")
	})
}

// OnTick registers a delivery sink. Sinks run on adapter goroutines and
// must not block.
func (o *Orchestrator) OnTick(fn func(feed.ID, feed.PriceUpdate)) {
	if fn == nil {
		return
	}
	o.sinkMu.Lock()
	o.sinks = append(o.sinks, fn)
	o.sinkMu.Unlock()
}

// Start brings the layer up in four phases: map feeds to sources,
// resolve an adapter per exchange, connect in batches, then subscribe
// each adapter once to everything it serves. A connect failure
// downgrades that adapter only; an unresolvable exchange fails startup.
func (o *Orchestrator) Start(ctx context.Context, feeds []feed.Config) error {
	if len(feeds) == 0 {
		return errors.New("ws: no feeds configured")
	}

	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return errors.New("ws: orchestrator already started")
	}
	o.started = true
	o.mu.Unlock()

	for _, fc := range feeds {
		o.mapFeed(fc)
	}
	if err := o.resolveAdapters(); err != nil {
		return err
	}
	o.connectAll(ctx)
	o.subscribeAll(ctx)

	o.logger.Info().Int("feeds", len(feeds)).Int("exchanges", len(o.states)).Msg("orchestrator started")
	return nil
}

// mapFeed records the feed's sources in the reverse map and in the
// per-exchange required sets. Duplicate pairs coalesce.
func (o *Orchestrator) mapFeed(fc feed.Config) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, src := range fc.Sources {
		key := sourceKey(src.Exchange, src.Symbol)
		if !containsFeed(o.bySource[key], fc.Feed) {
			o.bySource[key] = append(o.bySource[key], fc.Feed)
		}

		st, ok := o.states[src.Exchange]
		if !ok {
			st = &exchangeState{
				name:       src.Exchange,
				required:   make(map[string]struct{}),
				subscribed: make(map[string]struct{}),
			}
			o.states[src.Exchange] = st
		}
		st.mu.Lock()
		st.required[src.Symbol] = struct{}{}
		st.mu.Unlock()
	}
}

// resolveAdapters binds every exchange to a custom adapter or routes it
// through the fallback poller. An exchange with neither is a
// configuration error.
func (o *Orchestrator) resolveAdapters() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	var unresolved []string
	for name, st := range o.states {
		if st.adapter != nil {
			continue
		}
		if a, ok := o.registry[name]; ok {
			st.adapter = a
			continue
		}
		if o.fallback != nil {
			if err := o.fallback.AssignExchange(name, st.requiredSymbols()); err != nil {
				unresolved = append(unresolved, name)
				continue
			}
			st.adapter = o.fallback
			st.shared = true
			continue
		}
		unresolved = append(unresolved, name)
	}

	if len(unresolved) > 0 {
		sort.Strings(unresolved)
		return fmt.Errorf("ws: no adapter for exchanges %v", unresolved)
	}
	return nil
}

// connectAll dials adapters in parallel batches, pausing between
// batches so a large venue set does not slam out all at once.
func (o *Orchestrator) connectAll(ctx context.Context) {
	uniques := o.uniqueAdapters()

	for start := 0; start < len(uniques); start += o.cfg.ConnectBatchSize {
		end := start + o.cfg.ConnectBatchSize
		if end > len(uniques) {
			end = len(uniques)
		}

		var wg sync.WaitGroup
		for _, na := range uniques[start:end] {
			na := na
			wg.Add(1)
			go func() {
				defer wg.Done()
				o.noteAttempt(na.exchanges)
				if err := na.adapter.Connect(ctx); err != nil {
					o.logger.Warn().Err(err).Strs("exchanges", na.exchanges).Msg("adapter connect failed")
					return
				}
				o.logger.Info().Strs("exchanges", na.exchanges).Msg("adapter connected")
			}()
		}
		wg.Wait()

		if end < len(uniques) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(o.cfg.ConnectBatchPause):
			}
		}
	}
}

// subscribeAll issues one Subscribe per connected adapter covering all
// symbols it serves; fallback-backed exchanges share a single combined
// call.
func (o *Orchestrator) subscribeAll(ctx context.Context) {
	o.mu.Lock()
	states := make([]*exchangeState, 0, len(o.states))
	for _, st := range o.states {
		states = append(states, st)
	}
	fallback := o.fallback
	o.mu.Unlock()

	combined := make(map[string]struct{})
	var sharedStates []*exchangeState

	for _, st := range states {
		if st.adapter == nil || !st.adapter.IsConnected() {
			continue
		}
		if st.shared {
			for _, s := range st.requiredSymbols() {
				combined[s] = struct{}{}
			}
			sharedStates = append(sharedStates, st)
			continue
		}

		symbols := st.requiredSymbols()
		if err := st.adapter.Subscribe(ctx, symbols); err != nil {
			o.logger.Warn().Err(err).Str("exchange", st.name).Msg("subscribe failed")
			continue
		}
		st.markSubscribed(symbols)
		o.logger.Info().Str("exchange", st.name).Int("symbols", len(symbols)).Msg("subscribed")
	}

	if len(combined) == 0 || fallback == nil || !fallback.IsConnected() {
		return
	}
	symbols := sortedKeys(combined)
	if err := fallback.Subscribe(ctx, symbols); err != nil {
		o.logger.Warn().Err(err).Msg("fallback subscribe failed")
		return
	}
	for _, st := range sharedStates {
		st.markSubscribed(st.requiredSymbols())
	}
	o.logger.Info().Int("symbols", len(symbols)).Int("exchanges", len(sharedStates)).Msg("fallback subscribed")
}

// SubscribeToFeed adds a feed after startup. Subscriptions are batched
// per adapter and symbols an adapter already carries are skipped.
func (o *Orchestrator) SubscribeToFeed(ctx context.Context, fc feed.Config) error {
	o.mapFeed(fc)
	if err := o.resolveAdapters(); err != nil {
		return err
	}

	// Collect the not-yet-subscribed symbols per exchange
	type pending struct {
		st      *exchangeState
		symbols []string
	}
	var work []pending

	o.mu.Lock()
	seen := make(map[string]struct{})
	for _, src := range fc.Sources {
		if _, dup := seen[src.Exchange]; dup {
			continue
		}
		seen[src.Exchange] = struct{}{}
		st := o.states[src.Exchange]

		st.mu.Lock()
		var missing []string
		for _, other := range fc.Sources {
			if other.Exchange != src.Exchange {
				continue
			}
			if _, ok := st.subscribed[other.Symbol]; !ok {
				missing = append(missing, other.Symbol)
			}
		}
		st.mu.Unlock()

		if len(missing) > 0 {
			work = append(work, pending{st: st, symbols: missing})
		}
	}
	o.mu.Unlock()

	var lastErr error
	for _, p := range work {
		if !p.st.adapter.IsConnected() {
			o.logger.Warn().Str("exchange", p.st.name).Msg("adapter offline, subscription deferred to reconnect")
			continue
		}
		sort.Strings(p.symbols)
		if err := p.st.adapter.Subscribe(ctx, p.symbols); err != nil {
			o.logger.Warn().Err(err).Str("exchange", p.st.name).Msg("subscribe failed")
			lastErr = err
			continue
		}
		p.st.markSubscribed(p.symbols)
	}
	return lastErr
}

// ReconnectExchange dials one exchange again. It returns immediately
// when the adapter reports connected, enforces a cooldown between
// attempts, and resubscribes everything the exchange serves on success.
func (o *Orchestrator) ReconnectExchange(ctx context.Context, name string) error {
	o.mu.Lock()
	st, ok := o.states[name]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("ws: unknown exchange %q", name)
	}

	if st.adapter.IsConnected() {
		return nil
	}

	st.mu.Lock()
	if wait := o.cfg.ReconnectCooldown - time.Since(st.lastAttempt); wait > 0 {
		st.mu.Unlock()
		return fmt.Errorf("ws: reconnect for %s cooling down for %s", name, wait.Round(time.Millisecond))
	}
	st.lastAttempt = time.Now()
	st.mu.Unlock()

	if err := st.adapter.Connect(ctx); err != nil {
		return fmt.Errorf("ws: reconnect %s: %w", name, err)
	}

	// The new session has no server-side subscriptions
	st.mu.Lock()
	st.subscribed = make(map[string]struct{})
	st.mu.Unlock()

	symbols := st.requiredSymbols()
	if err := st.adapter.Subscribe(ctx, symbols); err != nil {
		return fmt.Errorf("ws: resubscribe %s: %w", name, err)
	}
	st.markSubscribed(symbols)

	o.logger.Info().Str("exchange", name).Int("symbols", len(symbols)).Msg("exchange reconnected")
	return nil
}

// Cleanup disconnects every connected adapter and clears the maps
func (o *Orchestrator) Cleanup() {
	uniques := o.uniqueAdapters()
	for _, na := range uniques {
		if !na.adapter.IsConnected() {
			continue
		}
		if err := na.adapter.Disconnect(); err != nil {
			o.logger.Warn().Err(err).Strs("exchanges", na.exchanges).Msg("disconnect failed")
		}
	}

	o.mu.Lock()
	o.states = make(map[string]*exchangeState)
	o.bySource = make(map[string][]feed.ID)
	o.started = false
	o.mu.Unlock()

	o.logger.Info().Msg("orchestrator cleaned up")
}

// Adapter returns the adapter serving an exchange
func (o *Orchestrator) Adapter(name string) (adapters.Adapter, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.states[name]
	if !ok || st.adapter == nil {
		return nil, false
	}
	return st.adapter, true
}

// Exchanges lists known exchanges, sorted
func (o *Orchestrator) Exchanges() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	names := make([]string, 0, len(o.states))
	for name := range o.states {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Status snapshots every exchange for health reporting
func (o *Orchestrator) Status() []ExchangeStatus {
	o.mu.Lock()
	states := make([]*exchangeState, 0, len(o.states))
	for _, st := range o.states {
		states = append(states, st)
	}
	o.mu.Unlock()

	out := make([]ExchangeStatus, 0, len(states))
	for _, st := range states {
		st.mu.Lock()
		s := ExchangeStatus{
			Exchange:   st.name,
			Shared:     st.shared,
			Required:   len(st.required),
			Subscribed: len(st.subscribed),
		}
		st.mu.Unlock()
		if st.adapter != nil {
			s.Connected = st.adapter.IsConnected()
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Exchange < out[j].Exchange })
	return out
}

// handleTick maps one adapter tick to the feeds it serves and fans it
// out to the sinks. Fallback ticks carry "ccxt-<venue>" sources; the
// venue is the exchange for mapping purposes.
func (o *Orchestrator) handleTick(u feed.PriceUpdate) {
	exchange := strings.TrimPrefix(u.Source, ccxt.Name+"-")

	o.mu.Lock()
	ids := o.bySource[sourceKey(exchange, u.Symbol)]
	feeds := make([]feed.ID, len(ids))
	copy(feeds, ids)
	o.mu.Unlock()
	if len(feeds) == 0 {
		return
	}

	o.sinkMu.RLock()
	sinks := o.sinks
	o.sinkMu.RUnlock()

	for _, id := range feeds {
		for _, sink := range sinks {
			sink(id, u)
		}
	}
}

// namedAdapter groups the exchanges one adapter instance serves
type namedAdapter struct {
	adapter   adapters.Adapter
	exchanges []string
}

// uniqueAdapters lists each adapter instance once, with the fallback
// (serving many exchanges) collapsed to a single entry.
func (o *Orchestrator) uniqueAdapters() []namedAdapter {
	o.mu.Lock()
	defer o.mu.Unlock()

	index := make(map[adapters.Adapter]int)
	var out []namedAdapter
	names := make([]string, 0, len(o.states))
	for name := range o.states {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		st := o.states[name]
		if st.adapter == nil {
			continue
		}
		if i, ok := index[st.adapter]; ok {
			out[i].exchanges = append(out[i].exchanges, name)
			continue
		}
		index[st.adapter] = len(out)
		out = append(out, namedAdapter{adapter: st.adapter, exchanges: []string{name}})
	}
	return out
}

// noteAttempt stamps lastAttempt on every exchange an adapter serves,
// so the reconnect cooldown covers startup dials too.
func (o *Orchestrator) noteAttempt(exchanges []string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	now := time.Now()
	for _, name := range exchanges {
		if st, ok := o.states[name]; ok {
			st.mu.Lock()
			st.lastAttempt = now
			st.mu.Unlock()
		}
	}
}

func (s *exchangeState) markSubscribed(symbols []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sym := range symbols {
		s.subscribed[sym] = struct{}{}
	}
}

func sourceKey(exchange, symbol string) string {
	return exchange + "|" + symbol
}

func containsFeed(ids []feed.ID, id feed.ID) bool {
	for _, have := range ids {
		if have == id {
			return true
		}
	}
	return false
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
