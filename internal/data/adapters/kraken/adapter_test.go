package kraken

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/data/feed"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/infrastructure/httpclient"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/net/ratelimit"
)

var upgrader = websocket.Upgrader{}

func fakeFeed(t *testing.T, handler func(*websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		handler(c)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testRESTPool(t *testing.T) *httpclient.Pool {
	t.Helper()
	return httpclient.New(
		httpclient.Config{RequestTimeout: time.Second},
		ratelimit.New(ratelimit.Config{RPS: 1000, Burst: 1000}),
	)
}

func TestAdapterStreamsTicks(t *testing.T) {
	wsURL := fakeFeed(t, func(c *websocket.Conn) {
		var sub subscribeMessage
		if err := c.ReadJSON(&sub); err != nil {
			t.Errorf("read subscribe: %v", err)
			return
		}
		if sub.Event != "subscribe" || len(sub.Pair) != 1 || sub.Pair[0] != "XBT/USD" {
			t.Errorf("subscribe frame = %+v", sub)
		}
		if sub.Subscription.Name != "ticker" {
			t.Errorf("subscription = %+v", sub.Subscription)
		}
		c.WriteJSON(map[string]any{
			"event": "subscriptionStatus", "status": "subscribed",
			"pair": "XBT/USD", "channelID": 340,
		})
		// Whole-lot volumes arrive as bare numbers, prices as strings
		c.WriteMessage(websocket.TextMessage, []byte(
			`[340,{"a":["64100.50000",1,"1.000"],"b":["64100.10000",2,"2.000"],"c":["64100.42000","0.60000000"]},"ticker","XBT/USD"]`,
		))
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	})

	a := New(Config{WSURL: wsURL}, testRESTPool(t))
	ticks := make(chan feed.PriceUpdate, 4)
	a.OnPriceUpdate(func(u feed.PriceUpdate) { ticks <- u })

	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer a.Disconnect()

	if err := a.Subscribe(context.Background(), []string{"BTC/USD"}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	select {
	case tick := <-ticks:
		if tick.Symbol != "BTC/USD" {
			t.Errorf("Symbol = %q, want normalized BTC/USD", tick.Symbol)
		}
		if tick.Price != 64100.42 {
			t.Errorf("Price = %v", tick.Price)
		}
		if tick.Source != Name {
			t.Errorf("Source = %q", tick.Source)
		}
		if tick.Volume != 0.6 {
			t.Errorf("Volume = %v", tick.Volume)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no tick received")
	}
}

func TestAdapterIgnoresEventFrames(t *testing.T) {
	wsURL := fakeFeed(t, func(c *websocket.Conn) {
		if _, _, err := c.ReadMessage(); err != nil {
			return
		}
		c.WriteJSON(map[string]any{"event": "systemStatus", "status": "online"})
		c.WriteJSON(map[string]any{"event": "heartbeat"})
		c.WriteJSON(map[string]any{
			"event": "subscriptionStatus", "status": "error",
			"errorMessage": "Currency pair not supported",
		})
		// Spread frame on the same pair must not tick either
		c.WriteMessage(websocket.TextMessage, []byte(
			`[341,["64100.10000","64100.50000","1700000000.000000","1.000","2.000"],"spread","XBT/USD"]`,
		))
		c.WriteMessage(websocket.TextMessage, []byte(
			`[340,{"c":["64100.42000","0.60000000"]},"ticker","XBT/USD"]`,
		))
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	})

	a := New(Config{WSURL: wsURL}, testRESTPool(t))
	ticks := make(chan feed.PriceUpdate, 4)
	a.OnPriceUpdate(func(u feed.PriceUpdate) { ticks <- u })

	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer a.Disconnect()
	if err := a.Subscribe(context.Background(), []string{"BTC/USD"}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	select {
	case tick := <-ticks:
		// Only the real ticker frame lands
		if tick.Price != 64100.42 {
			t.Errorf("Price = %v", tick.Price)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ticker frame never delivered")
	}
	select {
	case tick := <-ticks:
		t.Errorf("unexpected extra tick: %+v", tick)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestAdapterResubscribeAfterReconnect(t *testing.T) {
	frames := make(chan subscribeMessage, 4)
	wsURL := fakeFeed(t, func(c *websocket.Conn) {
		for {
			var msg subscribeMessage
			if err := c.ReadJSON(&msg); err != nil {
				return
			}
			frames <- msg
		}
	})

	a := New(Config{WSURL: wsURL}, testRESTPool(t))
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	a.Subscribe(context.Background(), []string{"BTC/USD"})
	<-frames
	a.Disconnect()

	// Fresh connection: earlier subscriptions are forgotten, so the
	// same symbol subscribes again rather than being skipped.
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	defer a.Disconnect()
	if err := a.Subscribe(context.Background(), []string{"BTC/USD"}); err != nil {
		t.Fatalf("resubscribe: %v", err)
	}

	select {
	case msg := <-frames:
		if msg.Event != "subscribe" || len(msg.Pair) != 1 || msg.Pair[0] != "XBT/USD" {
			t.Errorf("resubscribe frame = %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("resubscribe frame never arrived")
	}
}

func TestAdapterFetchTickerREST(t *testing.T) {
	rest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/0/public/Ticker" {
			http.NotFound(w, r)
			return
		}
		if pair := r.URL.Query().Get("pair"); pair != "XBTUSD" {
			t.Errorf("pair = %q, want XBTUSD", pair)
		}
		// Kraken answers under its own alias for the pair
		w.Write([]byte(`{"error":[],"result":{"XXBTZUSD":{
			"a":["64100.50000","1","1.000"],
			"b":["64100.10000","2","2.000"],
			"c":["64100.42000","0.05000000"]}}}`))
	}))
	defer rest.Close()

	a := New(Config{RESTBase: rest.URL}, testRESTPool(t))

	tick, err := a.FetchTickerREST(context.Background(), "BTC/USD")
	if err != nil {
		t.Fatalf("FetchTickerREST: %v", err)
	}
	if tick.Price != 64100.42 || tick.Symbol != "BTC/USD" || tick.Source != Name {
		t.Errorf("tick = %+v", tick)
	}
	if tick.Volume != 0.05 {
		t.Errorf("Volume = %v", tick.Volume)
	}
}

func TestAdapterFetchTickerRESTError(t *testing.T) {
	rest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":["EQuery:Unknown asset pair"],"result":{}}`))
	}))
	defer rest.Close()

	a := New(Config{RESTBase: rest.URL}, testRESTPool(t))
	if _, err := a.FetchTickerREST(context.Background(), "NOPE/USD"); err == nil {
		t.Fatal("expected error for unknown pair")
	}
}

func TestAdapterHealthCheck(t *testing.T) {
	rest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/0/public/Time" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"error":[],"result":{"unixtime":1756000000}}`))
	}))
	defer rest.Close()

	a := New(Config{RESTBase: rest.URL}, testRESTPool(t))
	if err := a.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck: %v", err)
	}
}

func TestAdapterIdentity(t *testing.T) {
	a := New(Config{}, testRESTPool(t))
	if a.ExchangeName() != "kraken" {
		t.Errorf("ExchangeName = %q", a.ExchangeName())
	}
	if got := a.SymbolMapping("BTC/USD"); got != "XBT/USD" {
		t.Errorf("SymbolMapping = %q", got)
	}
	if got := a.SymbolMapping("ETH/USD"); got != "ETH/USD" {
		t.Errorf("SymbolMapping = %q", got)
	}
	if !a.Capabilities().Supports(feed.CategoryCrypto) {
		t.Error("crypto category must be supported")
	}
}
