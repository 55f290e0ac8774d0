// Package kraken streams tickers from the Kraken v1 WebSocket API and
// serves REST pulls through the shared guarded client.
package kraken

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
const Name = "kraken"

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
	readLimit        = 1 << 20

	// Kraken heartbeats only cover active subscriptions; we ping so an
	// idle connection stays provably alive too.
	pingInterval = 30 * time.Second
	readDeadline = 90 * time.Second
)

// Config carries the endpoints. Zero values mean production Kraken.
type Config struct {
	WSURL    string `yaml:"ws_url"`
	RESTBase string `yaml:"rest_base"`
}

func (c *Config) setDefaults() {
	if c.WSURL == "" {
		c.WSURL = "wss://ws.kraken.com"
	}
	if c.RESTBase == "" {
		c.RESTBase = "https://api.kraken.com"
	}
}

// Adapter is the Kraken source. Safe for concurrent use.
type Adapter struct {
	adapters.Callbacks
	cfg    Config
	pool   *httpclient.Pool
	logger zerolog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	closing   bool
	subs      map[string]string // normalized → ws pair
	wire      map[string]string // ws pair → normalized
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

// SymbolMapping renders the v1 subscription pair: "BTC/USD" → "XBT/USD"
func (a *Adapter) SymbolMapping(symbol string) string {
	return adapters.KrakenWSPair(symbol)
}

// Connect dials the stream and starts the read and ping loops.
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
		return fmt.Errorf("kraken dial: %w", err)
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
	close(a.stop)
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

// subscribeMessage is the v1 control frame for (un)subscribe
type subscribeMessage struct {
	Event        string       `json:"event"`
	Pair         []string     `json:"pair"`
	Subscription subscription `json:"subscription"`
}

type subscription struct {
	Name string `json:"name"`
}

// Subscribe attaches the ticker channel for the normalized symbols
func (a *Adapter) Subscribe(ctx context.Context, symbols []string) error {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return adapters.ErrNotConnected
	}
	conn := a.conn

	var pairs []string
	for _, symbol := range symbols {
		if _, ok := a.subs[symbol]; ok {
			continue
		}
		pair := a.SymbolMapping(symbol)
		a.subs[symbol] = pair
		a.wire[pair] = symbol
		pairs = append(pairs, pair)
	}
	a.mu.Unlock()

	if len(pairs) == 0 {
		return nil
	}
	msg := subscribeMessage{Event: "subscribe", Pair: pairs, Subscription: subscription{Name: "ticker"}}
	if err := a.writeJSON(conn, msg); err != nil {
		return fmt.Errorf("kraken subscribe: %w", err)
	}
	a.logger.Info().Strs("pairs", pairs).Msg("subscribed")
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

	var pairs []string
	for _, symbol := range symbols {
		pair, ok := a.subs[symbol]
		if !ok {
			continue
		}
		delete(a.subs, symbol)
		delete(a.wire, pair)
		pairs = append(pairs, pair)
	}
	a.mu.Unlock()

	if len(pairs) == 0 {
		return nil
	}
	msg := subscribeMessage{Event: "unsubscribe", Pair: pairs, Subscription: subscription{Name: "ticker"}}
	if err := a.writeJSON(conn, msg); err != nil {
		return fmt.Errorf("kraken unsubscribe: %w", err)
	}
	return nil
}

func (a *Adapter) writeJSON(conn *websocket.Conn, v any) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(v)
}

// tickerPayload is the ticker channel payload. Kraken mixes strings
// and bare numbers inside its arrays: a/b are [price, wholeLotVolume,
// lotVolume], c is [price, lotVolume].
type tickerPayload struct {
	A []any `json:"a"`
	B []any `json:"b"`
	C []any `json:"c"`
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
		a.handleFrame(raw)
	}
}

// handleFrame decodes one message. Data frames are arrays of
// [channelID, payload, channelName, pair]; event frames (heartbeat,
// systemStatus, subscriptionStatus) are objects and pass through here.
func (a *Adapter) handleFrame(raw []byte) {
	var frame []json.RawMessage
	if err := json.Unmarshal(raw, &frame); err != nil || len(frame) < 4 {
		return
	}

	var channel string
	if json.Unmarshal(frame[len(frame)-2], &channel) != nil || channel != "ticker" {
		return
	}
	var pair string
	if json.Unmarshal(frame[len(frame)-1], &pair) != nil {
		return
	}
	var t tickerPayload
	if err := json.Unmarshal(frame[1], &t); err != nil {
		a.logger.Debug().Str("pair", pair).Msg("unparseable ticker payload")
		return
	}
	a.handleTicker(pair, t)
}

func (a *Adapter) handleTicker(pair string, t tickerPayload) {
	a.mu.Lock()
	normalized, ok := a.wire[pair]
	a.mu.Unlock()
	if !ok {
		return
	}

	price := element(t.C, 0)
	if price <= 0 {
		a.logger.Debug().Str("pair", pair).Msg("unparseable ticker price")
		return
	}
	bid := element(t.B, 0)
	ask := element(t.A, 0)
	qty := element(t.C, 1)

	// Ticker frames carry no event time
	ts := time.Now().UnixMilli()

	a.EmitPrice(feed.PriceUpdate{
		Symbol:     normalized,
		Price:      price,
		Timestamp:  ts,
		Source:     Name,
		Confidence: adapters.ScoreTick(adapters.BaseWSConfidence, bid, ask, qty, 0),
		Volume:     qty,
	})
}

// element reads arr[i] as a float whether the wire sent a string or a
// bare number.
func element(arr []any, i int) float64 {
	if i >= len(arr) {
		return 0
	}
	switch v := arr[i].(type) {
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	case float64:
		return v
	default:
		return 0
	}
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
	a.logger.Warn().Err(err).Msg("stream read failed, connection lost")
	a.EmitConnection(false)
}

// restTicker carries the /0/public/Ticker arrays; REST renders every
// element as a string, unlike the stream.
type restTicker struct {
	A []string `json:"a"`
	B []string `json:"b"`
	C []string `json:"c"`
}

// FetchTickerREST pulls one pair over REST. Kraken keys the result by
// its own pair alias, so the single entry is taken positionally.
func (a *Adapter) FetchTickerREST(ctx context.Context, symbol string) (feed.PriceUpdate, error) {
	url := fmt.Sprintf("%s/0/public/Ticker?pair=%s", a.cfg.RESTBase, adapters.KrakenPair(symbol))

	var out struct {
		Error  []string              `json:"error"`
		Result map[string]restTicker `json:"result"`
	}
	if err := a.pool.GetJSON(ctx, url, &out); err != nil {
		return feed.PriceUpdate{}, fmt.Errorf("kraken ticker %s: %w", symbol, err)
	}
	if len(out.Error) > 0 {
		return feed.PriceUpdate{}, fmt.Errorf("kraken ticker %s: %v", symbol, out.Error)
	}

	var t restTicker
	found := false
	for _, v := range out.Result {
		t = v
		found = true
		break
	}
	if !found || len(t.C) == 0 {
		return feed.PriceUpdate{}, fmt.Errorf("kraken ticker %s: empty result", symbol)
	}

	price, err := strconv.ParseFloat(t.C[0], 64)
	if err != nil || price <= 0 {
		return feed.PriceUpdate{}, fmt.Errorf("kraken ticker %s: bad price %q", symbol, t.C[0])
	}
	var bid, ask, qty float64
	if len(t.B) > 0 {
		bid, _ = strconv.ParseFloat(t.B[0], 64)
	}
	if len(t.A) > 0 {
		ask, _ = strconv.ParseFloat(t.A[0], 64)
	}
	if len(t.C) > 1 {
		qty, _ = strconv.ParseFloat(t.C[1], 64)
	}

	return feed.PriceUpdate{
		Symbol:     symbol,
		Price:      price,
		Timestamp:  time.Now().UnixMilli(),
		Source:     Name,
		Confidence: adapters.ScoreTick(adapters.BaseRESTConfidence, bid, ask, qty, 0),
		Volume:     qty,
	}, nil
}

// HealthCheck hits the public time endpoint
func (a *Adapter) HealthCheck(ctx context.Context) error {
	return a.pool.Check(ctx, a.cfg.RESTBase+"/0/public/Time")
}
