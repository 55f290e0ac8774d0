package coinbase

import (
	"context"
	"encoding/json"
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
		if sub.Type != "subscribe" || len(sub.ProductIDs) != 1 || sub.ProductIDs[0] != "ETH-USD" {
			t.Errorf("subscribe frame = %+v", sub)
		}
		if len(sub.Channels) != 1 || sub.Channels[0] != "ticker" {
			t.Errorf("channels = %v", sub.Channels)
		}
		c.WriteJSON(map[string]any{"type": "subscriptions"})
		c.WriteJSON(map[string]any{
			"type": "ticker", "product_id": "ETH-USD",
			"price": "3200.42", "best_bid": "3200.40", "best_ask": "3200.45",
			"last_size": "0.8", "time": time.Now().UTC().Format(time.RFC3339Nano),
		})
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

	if err := a.Subscribe(context.Background(), []string{"ETH/USD"}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	select {
	case tick := <-ticks:
		if tick.Symbol != "ETH/USD" {
			t.Errorf("Symbol = %q, want normalized ETH/USD", tick.Symbol)
		}
		if tick.Price != 3200.42 {
			t.Errorf("Price = %v", tick.Price)
		}
		if tick.Source != Name {
			t.Errorf("Source = %q", tick.Source)
		}
		if tick.Volume != 0.8 {
			t.Errorf("Volume = %v", tick.Volume)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no tick received")
	}
}

func TestAdapterUnsubscribeStopsSymbol(t *testing.T) {
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
	defer a.Disconnect()

	if err := a.Subscribe(context.Background(), []string{"BTC/USD", "ETH/USD"}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	<-frames

	if err := a.Unsubscribe(context.Background(), []string{"BTC/USD"}); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	msg := <-frames
	if msg.Type != "unsubscribe" || len(msg.ProductIDs) != 1 || msg.ProductIDs[0] != "BTC-USD" {
		t.Errorf("unsubscribe frame = %+v", msg)
	}

	// A second unsubscribe for the same symbol is a no-op
	if err := a.Unsubscribe(context.Background(), []string{"BTC/USD"}); err != nil {
		t.Fatalf("repeat Unsubscribe: %v", err)
	}
	select {
	case msg := <-frames:
		t.Errorf("repeat unsubscribe sent a frame: %+v", msg)
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
		if msg.Type != "subscribe" || len(msg.ProductIDs) != 1 {
			t.Errorf("resubscribe frame = %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("resubscribe frame never arrived")
	}
}

func TestAdapterFetchTickerREST(t *testing.T) {
	rest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/products/BTC-USD/ticker" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(productTicker{
			Price: "64100.10",
			Bid:   "64100.00",
			Ask:   "64100.20",
			Size:  "0.05",
			Time:  time.Now().UTC().Format(time.RFC3339Nano),
		})
	}))
	defer rest.Close()

	a := New(Config{RESTBase: rest.URL}, testRESTPool(t))

	tick, err := a.FetchTickerREST(context.Background(), "BTC/USD")
	if err != nil {
		t.Fatalf("FetchTickerREST: %v", err)
	}
	if tick.Price != 64100.10 || tick.Symbol != "BTC/USD" || tick.Source != Name {
		t.Errorf("tick = %+v", tick)
	}
}

func TestAdapterHealthCheck(t *testing.T) {
	rest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/time" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"iso":"2026-01-01T00:00:00Z"}`))
	}))
	defer rest.Close()

	a := New(Config{RESTBase: rest.URL}, testRESTPool(t))
	if err := a.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck: %v", err)
	}
}

func TestAdapterIdentity(t *testing.T) {
	a := New(Config{}, testRESTPool(t))
	if a.ExchangeName() != "coinbase" {
		t.Errorf("ExchangeName = %q", a.ExchangeName())
	}
	if got := a.SymbolMapping("BTC/USD"); got != "BTC-USD" {
		t.Errorf("SymbolMapping = %q", got)
	}
	if !a.Capabilities().Supports(feed.CategoryCrypto) {
		t.Error("crypto category must be supported")
	}
}
