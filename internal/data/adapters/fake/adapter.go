// Package fake provides a scripted exchange adapter for tests. It
// implements the full adapter contract without touching the network:
// ticks are emitted on demand, connection loss is triggered explicitly,
// and calls are recorded for assertions. Generated prices are
// deterministic per adapter name, so tests can assert exact values.
package fake

import (
	"context"
	"hash/fnv"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/data/adapters"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/data/feed"
)

type Adapter struct {
	adapters.Callbacks

	name     string
	category feed.Category
	seed     int64

	mu           sync.Mutex
	connected    bool
	connectErr   error
	healthErr    error
	restErr      error
	subscribed     map[string]struct{}
	subscribeCalls [][]string
	connectCalls   int
	basePrice      map[string]float64
	sequence       int64
}

// New derives the price seed from the adapter name, so two fakes with
// the same name generate identical series.
func New(name string) *Adapter {
	h := fnv.New64a()
	h.Write([]byte(name))
	return &Adapter{
		name:     name,
		category: feed.CategoryCrypto,
		seed:     int64(h.Sum64()),
		subscribed: make(map[string]struct{}),
		basePrice: map[string]float64{
			"BTCUSD":  67500.0,
			"BTCUSDT": 67500.0,
			"ETHUSD":  3200.0,
			"ETHUSDT": 3200.0,
			"XRPUSD":  0.52,
			"SOLUSD":  150.0,
		},
	}
}

func (a *Adapter) ExchangeName() string     { return a.name }
func (a *Adapter) Category() feed.Category  { return a.category }
func (a *Adapter) SetCategory(c feed.Category) { a.category = c }

func (a *Adapter) Capabilities() adapters.Capabilities {
	return adapters.Capabilities{
		WebSocket:  true,
		REST:       true,
		Volume:     true,
		Categories: []feed.Category{a.category},
	}
}

func (a *Adapter) SymbolMapping(symbol string) string {
	return adapters.CompactSymbol(symbol)
}

func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	a.connectCalls++
	if a.connectErr != nil {
		err := a.connectErr
		a.mu.Unlock()
		return err
	}
	if a.connected {
		a.mu.Unlock()
		return nil
	}
	a.connected = true
	a.subscribed = make(map[string]struct{})
	a.mu.Unlock()

	a.EmitConnection(true)
	return nil
}

func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	a.connected = false
	a.mu.Unlock()
	return nil
}

func (a *Adapter) IsConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

func (a *Adapter) Subscribe(ctx context.Context, symbols []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return adapters.ErrNotConnected
	}
	a.subscribeCalls = append(a.subscribeCalls, append([]string(nil), symbols...))
	for _, s := range symbols {
		a.subscribed[s] = struct{}{}
	}
	return nil
}

func (a *Adapter) Unsubscribe(ctx context.Context, symbols []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return adapters.ErrNotConnected
	}
	for _, s := range symbols {
		delete(a.subscribed, s)
	}
	return nil
}

func (a *Adapter) FetchTickerREST(ctx context.Context, symbol string) (feed.PriceUpdate, error) {
	a.mu.Lock()
	if a.restErr != nil {
		err := a.restErr
		a.mu.Unlock()
		return feed.PriceUpdate{}, err
	}
	a.mu.Unlock()
	return a.generate(symbol, adapters.BaseRESTConfidence), nil
}

func (a *Adapter) HealthCheck(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.healthErr
}

// Test controls

// FailConnect makes subsequent Connect calls return err. Pass nil to
// restore normal behavior.
func (a *Adapter) FailConnect(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connectErr = err
}

// FailREST makes FetchTickerREST return err
func (a *Adapter) FailREST(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.restErr = err
}

// FailHealth makes HealthCheck return err
func (a *Adapter) FailHealth(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.healthErr = err
}

// DropConnection simulates an unexpected loss: the adapter flips to
// disconnected and notifies listeners, as a dying read loop would.
func (a *Adapter) DropConnection() {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return
	}
	a.connected = false
	a.mu.Unlock()

	a.EmitConnection(false)
}

// EmitTick pushes a raw tick to listeners, bypassing generation
func (a *Adapter) EmitTick(u feed.PriceUpdate) {
	if u.Source == "" {
		u.Source = a.name
	}
	a.EmitPrice(u)
}

// Tick generates the deterministic next tick for symbol, emits it, and
// returns it so the test can assert against the exact values.
func (a *Adapter) Tick(symbol string) feed.PriceUpdate {
	u := a.generate(symbol, adapters.BaseWSConfidence)
	a.EmitPrice(u)
	return u
}

// Subscribed lists the currently subscribed symbols, sorted
func (a *Adapter) Subscribed() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.subscribed))
	for s := range a.subscribed {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// ConnectCalls reports how many times Connect was invoked
func (a *Adapter) ConnectCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connectCalls
}

// SubscribeCalls returns the payload of every Subscribe invocation
func (a *Adapter) SubscribeCalls() [][]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([][]string, len(a.subscribeCalls))
	copy(out, a.subscribeCalls)
	return out
}

// SetBasePrice overrides the base price a symbol's series walks around
func (a *Adapter) SetBasePrice(symbol string, price float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.basePrice[adapters.CompactSymbol(symbol)] = price
}

func (a *Adapter) generate(symbol string, baseConfidence float64) feed.PriceUpdate {
	a.mu.Lock()
	a.sequence++
	seq := a.sequence
	base, ok := a.basePrice[adapters.CompactSymbol(symbol)]
	a.mu.Unlock()
	if !ok {
		base = 100.0
	}

	// Seeded walk: same name and sequence, same price
	rng := rand.New(rand.NewSource(a.seed + seq))
	price := base * (1 + rng.NormFloat64()*0.002)
	spread := price * 0.0002

	return feed.PriceUpdate{
		Symbol:     symbol,
		Price:      price,
		Timestamp:  time.Now().UnixMilli(),
		Source:     a.name,
		Confidence: adapters.ScoreTick(baseConfidence, price-spread/2, price+spread/2, 0.5, 0),
		Volume:     0.5,
	}
}
