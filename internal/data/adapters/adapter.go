// Package adapters defines the exchange adapter contract and the
// shared plumbing concrete adapters build on. An adapter owns one
// upstream connection (WebSocket stream or REST poller), normalizes
// whatever the venue sends into feed.PriceUpdate ticks, and reports
// connection transitions to whoever registered for them.
package adapters

import (
	"context"
	"errors"
	"sync"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/data/feed"
)

// ErrNotConnected is returned by operations that need a live upstream
// connection when there is none.
var ErrNotConnected = errors.New("adapter not connected")

// ErrUnsupported is returned for optional capabilities an adapter does
// not implement, e.g. REST fetch on a stream-only venue.
var ErrUnsupported = errors.New("operation not supported by adapter")

// Capabilities describes what an adapter can deliver. The orchestrator
// uses these to route subscriptions and the facade to route REST pulls.
type Capabilities struct {
	WebSocket  bool            `json:"websocket"`
	REST       bool            `json:"rest"`
	Volume     bool            `json:"volume"`
	OrderBook  bool            `json:"orderbook"`
	Categories []feed.Category `json:"categories"`
}

// Supports reports whether the adapter can serve feeds of the category
func (c Capabilities) Supports(cat feed.Category) bool {
	for _, have := range c.Categories {
		if have == cat {
			return true
		}
	}
	return false
}

// Adapter is one price source. Implementations must be safe for
// concurrent use; callbacks may fire from internal goroutines and must
// not be invoked after Disconnect returns.
//
// Subscribe and Unsubscribe take normalized symbols ("BTC/USD");
// SymbolMapping exposes the venue wire form for diagnostics.
type Adapter interface {
	ExchangeName() string
	Category() feed.Category
	Capabilities() Capabilities

	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool

	Subscribe(ctx context.Context, symbols []string) error
	Unsubscribe(ctx context.Context, symbols []string) error

	OnPriceUpdate(fn func(feed.PriceUpdate))
	OnConnectionChange(fn func(connected bool))

	SymbolMapping(symbol string) string
}

// RESTFetcher is the optional pull-side capability. The facade uses it
// for cache misses with no live tick and for source health probes.
type RESTFetcher interface {
	FetchTickerREST(ctx context.Context, symbol string) (feed.PriceUpdate, error)
}

// HealthChecker is the optional liveness probe, cheaper than a full
// ticker fetch where the venue offers one.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Callbacks is the listener registry adapters embed. Registration
// never replaces earlier listeners; every registered function sees
// every emit, in registration order.
type Callbacks struct {
	mu    sync.RWMutex
	price []func(feed.PriceUpdate)
	conn  []func(bool)
}

// OnPriceUpdate registers a tick listener
func (c *Callbacks) OnPriceUpdate(fn func(feed.PriceUpdate)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.price = append(c.price, fn)
	c.mu.Unlock()
}

// OnConnectionChange registers a connection-transition listener
func (c *Callbacks) OnConnectionChange(fn func(bool)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.conn = append(c.conn, fn)
	c.mu.Unlock()
}

// EmitPrice delivers a tick to every registered listener
func (c *Callbacks) EmitPrice(u feed.PriceUpdate) {
	c.mu.RLock()
	listeners := c.price
	c.mu.RUnlock()
	for _, fn := range listeners {
		fn(u)
	}
}

// EmitConnection delivers a connection transition to every listener
func (c *Callbacks) EmitConnection(connected bool) {
	c.mu.RLock()
	listeners := c.conn
	c.mu.RUnlock()
	for _, fn := range listeners {
		fn(connected)
	}
}
