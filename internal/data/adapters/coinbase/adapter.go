// Package coinbase streams tickers from the Coinbase Exchange feed and
// serves REST pulls through the shared guarded client.
package coinbase

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/data/adapters"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/data/feed"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/infrastructure/httpclient"
)

// Name is the exchange identifier used in feed source configs
const Name = "coinbase"

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
	readLimit        = 1 << 20

	// Coinbase does not ping clients; we ping and expect pongs inside
	// the read deadline.
	pingInterval = 30 * time.Second
	readDeadline = 90 * time.Second
)

// Config carries the endpoints. Zero values mean production Coinbase.
type Config struct {
	WSURL    string `yaml:"ws_url"`
	RESTBase string `yaml:"rest_base"`
}

func (c *Config) setDefaults() {
	if c.WSURL == "" {
		c.WSURL = "wss://ws-feed.exchange.coinbase.com"
	}
	if c.RESTBase == "" {
		c.RESTBase = "https://api.exchange.coinbase.com"
	}
}

// Adapter is the Coinbase source. Safe for concurrent use.
type Adapter struct {
	adapters.Callbacks
	cfg    Config
	pool   *httpclient.Pool
	logger zerolog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	closing   bool
	subs      map[string]string // normalized → product id
	wire      map[string]string // product id → normalized
	stop      chan struct{}
	wg        sync.WaitGroup

	writeMu sync.Mutex
}

// New creates the adapter over the shared REST pool
func New(cfg Config, pool *httpclient.Pool) *Adapter {
	cfg.setDefaults()
	return &Adapter{
		cfg:    cfg,
		pool:   pool,
		logger: log.With().Str("adapter", Name).Logger(),
		subs:   make(map[string]string),
		wire:   make(map[string]string),
	}
}

func (a *Adapter) ExchangeName() string    { return Name }
func (a *Adapter) Category() feed.Category { return feed.CategoryCrypto }

func (a *Adapter) Capabilities() adapters.Capabilities {
	return adapters.Capabilities{
		WebSocket:  true,
		REST:       true,
		Volume:     true,
		Categories: []feed.Category{feed.CategoryCrypto},
	}
}

// SymbolMapping renders the venue product id: "BTC/USD" → "BTC-USD"
func (a *Adapter) SymbolMapping(symbol string) string {
	return adapters.DashSymbol(symbol)
}

// Connect dials the feed and starts the read and ping loops.
// Idempotent while connected.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.connected {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, a.cfg.WSURL, nil)
	if err != nil {
		return fmt.Errorf("coinbase dial: %w", err)
	}

	conn.SetReadLimit(readLimit)
	conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	stop := make(chan struct{})

	a.mu.Lock()
	a.conn = conn
	a.connected = true
	a.closing = false
	a.stop = stop
	a.subs = make(map[string]string)
	a.wire = make(map[string]string)
	a.mu.Unlock()

	a.wg.Add(2)
	go a.readLoop(conn)
	go a.pingLoop(conn, stop)

	a.logger.Info().Str("url", a.cfg.WSURL).Msg("feed connected")
	a.EmitConnection(true)
	return nil
}

// Disconnect closes the feed. No callbacks fire after it returns.
func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return nil
	}
	a.closing = true
	a.connected = false
	conn := a.conn
	a.conn = nil
	close(a.stop)
	a.mu.Unlock()

	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeTimeout))
	err := conn.Close()
	a.wg.Wait()

	a.logger.Info().Msg("feed disconnected")
	return err
}

func (a *Adapter) IsConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// subscribeMessage is the feed control frame for (un)subscribe
type subscribeMessage struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channels   []string `json:"channels"`
}

// Subscribe attaches the ticker channel for the normalized symbols
func (a *Adapter) Subscribe(ctx context.Context, symbols []string) error {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return adapters.ErrNotConnected
	}
	conn := a.conn

	var products []string
	for _, symbol := range symbols {
		if _, ok := a.subs[symbol]; ok {
			continue
		}
		product := a.SymbolMapping(symbol)
		a.subs[symbol] = product
		a.wire[product] = symbol
		products = append(products, product)
	}
	a.mu.Unlock()

	if len(products) == 0 {
		return nil
	}
	msg := subscribeMessage{Type: "subscribe", ProductIDs: products, Channels: []string{"ticker"}}
	if err := a.writeJSON(conn, msg); err != nil {
		return fmt.Errorf("coinbase subscribe: %w", err)
	}
	a.logger.Info().Strs("products", products).Msg("subscribed")
	return nil
}

// Unsubscribe detaches the ticker channel for the normalized symbols
func (a *Adapter) Unsubscribe(ctx context.Context, symbols []string) error {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return adapters.ErrNotConnected
	}
	conn := a.conn

	var products []string
	for _, symbol := range symbols {
		product, ok := a.subs[symbol]
		if !ok {
			continue
		}
		delete(a.subs, symbol)
		delete(a.wire, product)
		products = append(products, product)
	}
	a.mu.Unlock()

	if len(products) == 0 {
		return nil
	}
	msg := subscribeMessage{Type: "unsubscribe", ProductIDs: products, Channels: []string{"ticker"}}
	if err := a.writeJSON(conn, msg); err != nil {
		return fmt.Errorf("coinbase unsubscribe: %w", err)
	}
	return nil
}

func (a *Adapter) writeJSON(conn *websocket.Conn, v any) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(v)
}

// tickerEvent is the feed's ticker channel payload
type tickerEvent struct {
	Type      string `json:"type"`
	ProductID string `json:"product_id"`
	Price     string `json:"price"`
	BestBid   string `json:"best_bid"`
	BestAsk   string `json:"best_ask"`
	LastSize  string `json:"last_size"`
	Time      string `json:"time"` // RFC3339Nano
}

func (a *Adapter) readLoop(conn *websocket.Conn) {
	defer a.wg.Done()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			a.handleReadExit(conn, err)
			return
		}
		conn.SetReadDeadline(time.Now().Add(readDeadline))

		var ev tickerEvent
		if err := json.Unmarshal(raw, &ev); err != nil || ev.Type != "ticker" {
			// Subscription confirmations and heartbeats pass through here
			continue
		}
		a.handleTicker(ev)
	}
}

func (a *Adapter) handleTicker(ev tickerEvent) {
	a.mu.Lock()
	normalized, ok := a.wire[ev.ProductID]
	a.mu.Unlock()
	if !ok {
		return
	}

	price, err := strconv.ParseFloat(ev.Price, 64)
	if err != nil || price <= 0 {
		a.logger.Debug().Str("product", ev.ProductID).Str("price", ev.Price).Msg("unparseable ticker price")
		return
	}
	bid, _ := strconv.ParseFloat(ev.BestBid, 64)
	ask, _ := strconv.ParseFloat(ev.BestAsk, 64)
	size, _ := strconv.ParseFloat(ev.LastSize, 64)

	ts := time.Now().UnixMilli()
	if at, err := time.Parse(time.RFC3339Nano, ev.Time); err == nil {
		ts = at.UnixMilli()
	}
	age := time.Duration(time.Now().UnixMilli()-ts) * time.Millisecond

	a.EmitPrice(feed.PriceUpdate{
		Symbol:     normalized,
		Price:      price,
		Timestamp:  ts,
		Source:     Name,
		Confidence: adapters.ScoreTick(adapters.BaseWSConfidence, bid, ask, size, age),
		Volume:     size,
	})
}

func (a *Adapter) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	defer a.wg.Done()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			if err != nil {
				// The read loop will observe the dead connection
				return
			}
		}
	}
}

func (a *Adapter) handleReadExit(conn *websocket.Conn, err error) {
	a.mu.Lock()
	if a.conn != conn {
		a.mu.Unlock()
		return
	}
	closing := a.closing
	a.connected = false
	a.conn = nil
	close(a.stop)
	a.mu.Unlock()

	if closing {
		return
	}
	a.logger.Warn().Err(err).Msg("feed read failed, connection lost")
	a.EmitConnection(false)
}

// productTicker is the REST /products/{id}/ticker response
type productTicker struct {
	Price  string `json:"price"`
	Bid    string `json:"bid"`
	Ask    string `json:"ask"`
	Size   string `json:"size"`
	Volume string `json:"volume"`
	Time   string `json:"time"`
}

// FetchTickerREST pulls one product ticker over REST
func (a *Adapter) FetchTickerREST(ctx context.Context, symbol string) (feed.PriceUpdate, error) {
	url := fmt.Sprintf("%s/products/%s/ticker", a.cfg.RESTBase, a.SymbolMapping(symbol))

	var t productTicker
	if err := a.pool.GetJSON(ctx, url, &t); err != nil {
		return feed.PriceUpdate{}, fmt.Errorf("coinbase ticker %s: %w", symbol, err)
	}

	price, err := strconv.ParseFloat(t.Price, 64)
	if err != nil || price <= 0 {
		return feed.PriceUpdate{}, fmt.Errorf("coinbase ticker %s: bad price %q", symbol, t.Price)
	}
	bid, _ := strconv.ParseFloat(t.Bid, 64)
	ask, _ := strconv.ParseFloat(t.Ask, 64)
	size, _ := strconv.ParseFloat(t.Size, 64)

	ts := time.Now().UnixMilli()
	if at, err := time.Parse(time.RFC3339Nano, t.Time); err == nil {
		ts = at.UnixMilli()
	}
	age := time.Duration(time.Now().UnixMilli()-ts) * time.Millisecond

	return feed.PriceUpdate{
		Symbol:     symbol,
		Price:      price,
		Timestamp:  ts,
		Source:     Name,
		Confidence: adapters.ScoreTick(adapters.BaseRESTConfidence, bid, ask, size, age),
		Volume:     size,
	}, nil
}

// HealthCheck hits the REST time endpoint
func (a *Adapter) HealthCheck(ctx context.Context) error {
	return a.pool.Check(ctx, a.cfg.RESTBase+"/time")
}
