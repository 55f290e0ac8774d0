// Package binance streams spot tickers from the Binance combined
// WebSocket endpoint and serves REST pulls through the shared guarded
// client.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
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
const Name = "binance"

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
	readLimit        = 1 << 20

	// Binance pings every 20 s and drops clients that miss pongs for a
	// minute; the read deadline rides just past that.
	readDeadline = 75 * time.Second
)

// Config carries the endpoints. Zero values mean production Binance;
// tests point them at local servers.
type Config struct {
	WSURL    string `yaml:"ws_url"`
	RESTBase string `yaml:"rest_base"`
}

func (c *Config) setDefaults() {
	if c.WSURL == "" {
		c.WSURL = "wss://stream.binance.com:9443/ws"
	}
	if c.RESTBase == "" {
		c.RESTBase = "https://api.binance.com"
	}
}

// Adapter is the Binance source. Safe for concurrent use.
type Adapter struct {
	adapters.Callbacks
	cfg    Config
	pool   *httpclient.Pool
	logger zerolog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	closing   bool
	reqID     int64
	subs      map[string]string // normalized → wire
	wire      map[string]string // wire → normalized
	wg        sync.WaitGroup

	writeMu sync.Mutex
}

// New creates the adapter. The pool handles REST pulls and health
// probes; it may be shared across adapters.
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

// SymbolMapping renders the venue wire form: "BTC/USDT" → "BTCUSDT"
func (a *Adapter) SymbolMapping(symbol string) string {
	return adapters.CompactSymbol(symbol)
}

// Connect dials the stream endpoint and starts the read loop.
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
		return fmt.Errorf("binance dial: %w", err)
	}

	conn.SetReadLimit(readLimit)
	conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(readDeadline))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeTimeout))
	})

	a.mu.Lock()
	a.conn = conn
	a.connected = true
	a.closing = false
	// Server-side subscriptions died with any previous connection
	a.subs = make(map[string]string)
	a.wire = make(map[string]string)
	a.mu.Unlock()

	a.wg.Add(1)
	go a.readLoop(conn)

	a.logger.Info().Str("url", a.cfg.WSURL).Msg("stream connected")
	a.EmitConnection(true)
	return nil
}

// Disconnect closes the stream. No callbacks fire after it returns.
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
	a.mu.Unlock()

	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeTimeout))
	err := conn.Close()
	a.wg.Wait()

	a.logger.Info().Msg("stream disconnected")
	return err
}

func (a *Adapter) IsConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// subscribeMessage is the stream control frame for (UN)SUBSCRIBE
type subscribeMessage struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// Subscribe attaches ticker streams for the normalized symbols.
// Symbols already subscribed are skipped.
func (a *Adapter) Subscribe(ctx context.Context, symbols []string) error {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return adapters.ErrNotConnected
	}
	conn := a.conn

	var params []string
	for _, symbol := range symbols {
		if _, ok := a.subs[symbol]; ok {
			continue
		}
		wire := a.SymbolMapping(symbol)
		a.subs[symbol] = wire
		a.wire[wire] = symbol
		params = append(params, strings.ToLower(wire)+"@ticker")
	}
	a.reqID++
	id := a.reqID
	a.mu.Unlock()

	if len(params) == 0 {
		return nil
	}
	if err := a.writeJSON(conn, subscribeMessage{Method: "SUBSCRIBE", Params: params, ID: id}); err != nil {
		return fmt.Errorf("binance subscribe: %w", err)
	}
	a.logger.Info().Strs("streams", params).Msg("subscribed")
	return nil
}

// Unsubscribe detaches ticker streams for the normalized symbols
func (a *Adapter) Unsubscribe(ctx context.Context, symbols []string) error {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return adapters.ErrNotConnected
	}
	conn := a.conn

	var params []string
	for _, symbol := range symbols {
		wire, ok := a.subs[symbol]
		if !ok {
			continue
		}
		delete(a.subs, symbol)
		delete(a.wire, wire)
		params = append(params, strings.ToLower(wire)+"@ticker")
	}
	a.reqID++
	id := a.reqID
	a.mu.Unlock()

	if len(params) == 0 {
		return nil
	}
	if err := a.writeJSON(conn, subscribeMessage{Method: "UNSUBSCRIBE", Params: params, ID: id}); err != nil {
		return fmt.Errorf("binance unsubscribe: %w", err)
	}
	return nil
}

// writeJSON serializes one control frame. gorilla allows a single
// concurrent writer, hence the mutex.
func (a *Adapter) writeJSON(conn *websocket.Conn, v any) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(v)
}

// tickerEvent is the @ticker stream payload, numeric fields as strings
type tickerEvent struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"` // unix ms
	Symbol    string `json:"s"`
	Last      string `json:"c"`
	LastQty   string `json:"Q"`
	Bid       string `json:"b"`
	Ask       string `json:"a"`
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
		if err := json.Unmarshal(raw, &ev); err != nil || ev.Event != "24hrTicker" {
			// Subscription acks and unknown frames pass through here
			continue
		}
		a.handleTicker(ev)
	}
}

func (a *Adapter) handleTicker(ev tickerEvent) {
	a.mu.Lock()
	normalized, ok := a.wire[ev.Symbol]
	a.mu.Unlock()
	if !ok {
		return
	}

	price, err := strconv.ParseFloat(ev.Last, 64)
	if err != nil || price <= 0 {
		a.logger.Debug().Str("symbol", ev.Symbol).Str("last", ev.Last).Msg("unparseable ticker price")
		return
	}
	bid, _ := strconv.ParseFloat(ev.Bid, 64)
	ask, _ := strconv.ParseFloat(ev.Ask, 64)
	qty, _ := strconv.ParseFloat(ev.LastQty, 64)

	ts := ev.EventTime
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	age := time.Duration(time.Now().UnixMilli()-ts) * time.Millisecond

	a.EmitPrice(feed.PriceUpdate{
		Symbol:     normalized,
		Price:      price,
		Timestamp:  ts,
		Source:     Name,
		Confidence: adapters.ScoreTick(adapters.BaseWSConfidence, bid, ask, qty, age),
		Volume:     qty,
	})
}

// handleReadExit distinguishes deliberate shutdown from a dropped
// stream. Only the latter notifies listeners.
func (a *Adapter) handleReadExit(conn *websocket.Conn, err error) {
	a.mu.Lock()
	if a.conn != conn {
		// Disconnect already detached this connection, or a newer one
		// replaced it
		a.mu.Unlock()
		return
	}
	closing := a.closing
	a.connected = false
	a.conn = nil
	a.mu.Unlock()

	if closing {
		return
	}
	a.logger.Warn().Err(err).Msg("stream read failed, connection lost")
	a.EmitConnection(false)
}

// ticker24h is the REST /api/v3/ticker/24hr response subset
type ticker24h struct {
	Symbol    string `json:"symbol"`
	LastPrice string `json:"lastPrice"`
	LastQty   string `json:"lastQty"`
	BidPrice  string `json:"bidPrice"`
	AskPrice  string `json:"askPrice"`
	CloseTime int64  `json:"closeTime"` // unix ms
}

// FetchTickerREST pulls one ticker over REST, for cache misses with no
// live stream tick.
func (a *Adapter) FetchTickerREST(ctx context.Context, symbol string) (feed.PriceUpdate, error) {
	url := fmt.Sprintf("%s/api/v3/ticker/24hr?symbol=%s", a.cfg.RESTBase, a.SymbolMapping(symbol))

	var t ticker24h
	if err := a.pool.GetJSON(ctx, url, &t); err != nil {
		return feed.PriceUpdate{}, fmt.Errorf("binance ticker %s: %w", symbol, err)
	}

	price, err := strconv.ParseFloat(t.LastPrice, 64)
	if err != nil || price <= 0 {
		return feed.PriceUpdate{}, fmt.Errorf("binance ticker %s: bad price %q", symbol, t.LastPrice)
	}
	bid, _ := strconv.ParseFloat(t.BidPrice, 64)
	ask, _ := strconv.ParseFloat(t.AskPrice, 64)
	qty, _ := strconv.ParseFloat(t.LastQty, 64)

	ts := t.CloseTime
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	age := time.Duration(time.Now().UnixMilli()-ts) * time.Millisecond

	return feed.PriceUpdate{
		Symbol:     symbol,
		Price:      price,
		Timestamp:  ts,
		Source:     Name,
		Confidence: adapters.ScoreTick(adapters.BaseRESTConfidence, bid, ask, qty, age),
		Volume:     qty,
	}, nil
}

// HealthCheck hits the REST ping endpoint
func (a *Adapter) HealthCheck(ctx context.Context) error {
	return a.pool.Check(ctx, a.cfg.RESTBase+"/api/v3/ping")
}
