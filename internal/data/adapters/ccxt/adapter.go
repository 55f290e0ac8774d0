// Package ccxt is the multi-exchange REST fallback. Venues without a
// dedicated stream adapter are polled here over their public ticker
// endpoints, one adapter instance covering all of them. Everything it
// produces is second tier: usable the moment the primaries die, never
// preferred while they live.
package ccxt

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/data/adapters"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/data/feed"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/infrastructure/httpclient"
)

// Name is the adapter identifier; per-tick sources are SourceID(venue)
const Name = "ccxt"

// SourceID names one polled venue, e.g. "ccxt-kraken"
func SourceID(venue string) string {
	return Name + "-" + venue
}

// Venues with built-in endpoint support
var defaultBases = map[string]string{
	"binance":  "https://api.binance.com",
	"coinbase": "https://api.exchange.coinbase.com",
	"kraken":   "https://api.kraken.com",
	"okx":      "https://www.okx.com",
}

// Config tunes the poller. Venues maps venue → REST base, overriding
// or extending the built-ins; unknown venues without an override are
// rejected at assignment time.
type Config struct {
	PollInterval time.Duration     `yaml:"poll_interval"`
	Concurrency  int               `yaml:"concurrency"`
	Venues       map[string]string `yaml:"venues"`
}

func (c *Config) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
}

// Adapter polls routed (venue, symbol) pairs and emits REST-grade
// ticks. Safe for concurrent use.
type Adapter struct {
	adapters.Callbacks
	cfg    Config
	pool   *httpclient.Pool
	logger zerolog.Logger

	mu      sync.Mutex
	bases   map[string]string
	routes  map[string]map[string]struct{} // venue → assigned symbols
	active  map[string]map[string]struct{} // venue → polling symbols
	running bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// New creates the adapter over the shared REST pool
func New(cfg Config, pool *httpclient.Pool) *Adapter {
	cfg.setDefaults()
	bases := make(map[string]string, len(defaultBases)+len(cfg.Venues))
	for venue, base := range defaultBases {
		bases[venue] = base
	}
	for venue, base := range cfg.Venues {
		bases[venue] = base
	}
	return &Adapter{
		cfg:    cfg,
		pool:   pool,
		logger: log.With().Str("adapter", Name).Logger(),
		bases:  bases,
		routes: make(map[string]map[string]struct{}),
		active: make(map[string]map[string]struct{}),
	}
}

func (a *Adapter) ExchangeName() string    { return Name }
func (a *Adapter) Category() feed.Category { return feed.CategoryCrypto }

func (a *Adapter) Capabilities() adapters.Capabilities {
	return adapters.Capabilities{
		REST:       true,
		Volume:     true,
		Categories: []feed.Category{feed.CategoryCrypto},
	}
}

// SymbolMapping reports the compact wire form; actual per-venue forms
// are derived at fetch time.
func (a *Adapter) SymbolMapping(symbol string) string {
	return adapters.CompactSymbol(symbol)
}

// AssignExchange routes symbols to a venue. The orchestrator calls this
// for every exchange that falls back to the shared adapter, before the
// combined Subscribe.
func (a *Adapter) AssignExchange(venue string, symbols []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.bases[venue]; !ok {
		return fmt.Errorf("ccxt: no endpoint for venue %q", venue)
	}
	set, ok := a.routes[venue]
	if !ok {
		set = make(map[string]struct{})
		a.routes[venue] = set
	}
	for _, symbol := range symbols {
		set[symbol] = struct{}{}
	}
	return nil
}

// Venues lists the venues with routed symbols, sorted
func (a *Adapter) Venues() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	venues := make([]string, 0, len(a.routes))
	for venue := range a.routes {
		venues = append(venues, venue)
	}
	sort.Strings(venues)
	return venues
}

// Connect starts the poll loop. Idempotent while running.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = true
	a.stop = make(chan struct{})
	stop := a.stop
	a.mu.Unlock()

	a.wg.Add(1)
	go a.pollLoop(stop)

	a.logger.Info().Dur("interval", a.cfg.PollInterval).Msg("poller started")
	a.EmitConnection(true)
	return nil
}

// Disconnect stops the poll loop. No callbacks fire after it returns.
func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	close(a.stop)
	a.mu.Unlock()

	a.wg.Wait()
	a.logger.Info().Msg("poller stopped")
	return nil
}

func (a *Adapter) IsConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// Subscribe activates polling for the symbols on every venue routed to
// serve them. Symbols no venue was assigned are ignored with a warning.
func (a *Adapter) Subscribe(ctx context.Context, symbols []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return adapters.ErrNotConnected
	}

	for _, symbol := range symbols {
		routed := false
		for venue, assigned := range a.routes {
			if _, ok := assigned[symbol]; !ok {
				continue
			}
			set, ok := a.active[venue]
			if !ok {
				set = make(map[string]struct{})
				a.active[venue] = set
			}
			set[symbol] = struct{}{}
			routed = true
		}
		if !routed {
			a.logger.Warn().Str("symbol", symbol).Msg("subscribe for symbol with no routed venue")
		}
	}
	return nil
}

// Unsubscribe deactivates polling for the symbols on every venue
func (a *Adapter) Unsubscribe(ctx context.Context, symbols []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return adapters.ErrNotConnected
	}
	for _, symbol := range symbols {
		for venue, set := range a.active {
			delete(set, symbol)
			if len(set) == 0 {
				delete(a.active, venue)
			}
		}
	}
	return nil
}

// pollTarget is one (venue, symbol) fetch in a poll sweep
type pollTarget struct {
	venue  string
	symbol string
}

func (a *Adapter) pollLoop(stop <-chan struct{}) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			a.sweep(stop)
		}
	}
}

// sweep fetches every active (venue, symbol) pair with bounded
// concurrency. Individual failures only log; the next sweep retries.
func (a *Adapter) sweep(stop <-chan struct{}) {
	a.mu.Lock()
	var targets []pollTarget
	for venue, set := range a.active {
		for symbol := range set {
			targets = append(targets, pollTarget{venue: venue, symbol: symbol})
		}
	}
	a.mu.Unlock()
	if len(targets) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.PollInterval)
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Concurrency)
	for _, target := range targets {
		target := target
		g.Go(func() error {
			tick, err := a.fetchVenue(gctx, target.venue, target.symbol)
			if err != nil {
				a.logger.Debug().Err(err).
					Str("venue", target.venue).
					Str("symbol", target.symbol).
					Msg("poll fetch failed")
				return nil
			}
			a.EmitPrice(tick)
			return nil
		})
	}
	g.Wait()
}

// FetchTickerREST pulls the symbol from its routed venues in order,
// returning the first success.
func (a *Adapter) FetchTickerREST(ctx context.Context, symbol string) (feed.PriceUpdate, error) {
	a.mu.Lock()
	var venues []string
	for venue, assigned := range a.routes {
		if _, ok := assigned[symbol]; ok {
			venues = append(venues, venue)
		}
	}
	a.mu.Unlock()
	sort.Strings(venues)

	if len(venues) == 0 {
		return feed.PriceUpdate{}, fmt.Errorf("ccxt: symbol %q routed to no venue", symbol)
	}

	var lastErr error
	for _, venue := range venues {
		tick, err := a.fetchVenue(ctx, venue, symbol)
		if err == nil {
			return tick, nil
		}
		lastErr = err
	}
	return feed.PriceUpdate{}, fmt.Errorf("ccxt: all venues failed for %s: %w", symbol, lastErr)
}

// HealthCheck probes routed venues until one answers
func (a *Adapter) HealthCheck(ctx context.Context) error {
	venues := a.Venues()
	if len(venues) == 0 {
		return fmt.Errorf("ccxt: no venues routed")
	}
	var lastErr error
	for _, venue := range venues {
		err := a.checkVenue(ctx, venue)
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("ccxt: all venues unhealthy: %w", lastErr)
}

// ProbeVenue checks one venue's public health endpoint. Recovery
// probes use it to test a single venue instead of the whole poller.
func (a *Adapter) ProbeVenue(ctx context.Context, venue string) error {
	return a.checkVenue(ctx, venue)
}
