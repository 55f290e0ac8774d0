package ccxt

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/data/adapters"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/data/feed"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/infrastructure/httpclient"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/net/ratelimit"
)

func testPool(t *testing.T) *httpclient.Pool {
	t.Helper()
	return httpclient.New(
		httpclient.Config{RequestTimeout: time.Second},
		ratelimit.New(ratelimit.Config{RPS: 1000, Burst: 1000}),
	)
}

func venueServer(t *testing.T, handler http.HandlerFunc) string {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestPollSweepEmitsTicks(t *testing.T) {
	binanceURL := venueServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/ticker/24hr" {
			http.NotFound(w, r)
			return
		}
		if got := r.URL.Query().Get("symbol"); got != "BTCUSDT" {
			t.Errorf("symbol query = %q, want BTCUSDT", got)
		}
		fmt.Fprintf(w, `{"lastPrice":"64250.50","lastQty":"0.25","bidPrice":"64250.00","askPrice":"64251.00","closeTime":%d}`,
			time.Now().UnixMilli())
	})

	a := New(Config{
		PollInterval: 40 * time.Millisecond,
		Venues:       map[string]string{"binance": binanceURL},
	}, testPool(t))
	ticks := make(chan feed.PriceUpdate, 16)
	a.OnPriceUpdate(func(u feed.PriceUpdate) { ticks <- u })

	if err := a.AssignExchange("binance", []string{"BTC/USDT"}); err != nil {
		t.Fatalf("AssignExchange: %v", err)
	}
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer a.Disconnect()
	if err := a.Subscribe(context.Background(), []string{"BTC/USDT"}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	select {
	case tick := <-ticks:
		if tick.Symbol != "BTC/USDT" {
			t.Errorf("Symbol = %q, want BTC/USDT", tick.Symbol)
		}
		if tick.Price != 64250.50 {
			t.Errorf("Price = %v, want 64250.50", tick.Price)
		}
		if tick.Source != "ccxt-binance" {
			t.Errorf("Source = %q, want ccxt-binance", tick.Source)
		}
		if tick.Confidence >= adapters.BaseWSConfidence {
			t.Errorf("Confidence = %v, want below the stream base", tick.Confidence)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no tick from poll sweep")
	}
}

func TestFetchTickerRESTTriesVenuesInOrder(t *testing.T) {
	binanceURL := venueServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusBadGateway)
	})
	coinbaseURL := venueServer(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/products/ETH-USD/") {
			http.NotFound(w, r)
			return
		}
		fmt.Fprintf(w, `{"price":"3200.10","bid":"3200.00","ask":"3200.20","size":"1.5","time":%q}`,
			time.Now().UTC().Format(time.RFC3339Nano))
	})

	a := New(Config{Venues: map[string]string{
		"binance":  binanceURL,
		"coinbase": coinbaseURL,
	}}, testPool(t))
	if err := a.AssignExchange("binance", []string{"ETH/USD"}); err != nil {
		t.Fatalf("AssignExchange: %v", err)
	}
	if err := a.AssignExchange("coinbase", []string{"ETH/USD"}); err != nil {
		t.Fatalf("AssignExchange: %v", err)
	}

	tick, err := a.FetchTickerREST(context.Background(), "ETH/USD")
	if err != nil {
		t.Fatalf("FetchTickerREST: %v", err)
	}
	if tick.Source != "ccxt-coinbase" {
		t.Errorf("Source = %q, want the fallback venue ccxt-coinbase", tick.Source)
	}
	if tick.Price != 3200.10 {
		t.Errorf("Price = %v, want 3200.10", tick.Price)
	}
}

func TestFetchTickerRESTUnroutedSymbol(t *testing.T) {
	a := New(Config{}, testPool(t))
	if _, err := a.FetchTickerREST(context.Background(), "XRP/USD"); err == nil {
		t.Fatal("expected error for a symbol no venue serves")
	}
}

func TestAssignExchangeUnknownVenue(t *testing.T) {
	a := New(Config{}, testPool(t))
	if err := a.AssignExchange("bitfinex", []string{"BTC/USD"}); err == nil {
		t.Fatal("expected error for venue without an endpoint")
	}
	if err := a.AssignExchange("kraken", []string{"BTC/USD"}); err != nil {
		t.Fatalf("kraken should be a known venue: %v", err)
	}
}

func TestKrakenDecoding(t *testing.T) {
	krakenURL := venueServer(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("pair"); got != "XBTUSD" {
			t.Errorf("pair query = %q, want XBTUSD", got)
		}
		fmt.Fprint(w, `{"error":[],"result":{"XXBTZUSD":{"c":["64250.5","0.0123"],"b":["64250.0"],"a":["64251.0"]}}}`)
	})

	a := New(Config{Venues: map[string]string{"kraken": krakenURL}}, testPool(t))
	if err := a.AssignExchange("kraken", []string{"BTC/USD"}); err != nil {
		t.Fatalf("AssignExchange: %v", err)
	}

	tick, err := a.FetchTickerREST(context.Background(), "BTC/USD")
	if err != nil {
		t.Fatalf("FetchTickerREST: %v", err)
	}
	if tick.Price != 64250.5 {
		t.Errorf("Price = %v, want 64250.5", tick.Price)
	}
	if tick.Volume != 0.0123 {
		t.Errorf("Volume = %v, want the last-trade lot 0.0123", tick.Volume)
	}
	if tick.Source != "ccxt-kraken" {
		t.Errorf("Source = %q, want ccxt-kraken", tick.Source)
	}
}

func TestKrakenErrorBody(t *testing.T) {
	krakenURL := venueServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"error":["EQuery:Unknown asset pair"],"result":{}}`)
	})

	a := New(Config{Venues: map[string]string{"kraken": krakenURL}}, testPool(t))
	if err := a.AssignExchange("kraken", []string{"BTC/USD"}); err != nil {
		t.Fatalf("AssignExchange: %v", err)
	}
	if _, err := a.FetchTickerREST(context.Background(), "BTC/USD"); err == nil {
		t.Fatal("expected error when kraken reports one in-band")
	}
}

func TestOKXDecoding(t *testing.T) {
	at := time.Now().UnixMilli()
	okxURL := venueServer(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("instId"); got != "BTC-USDT" {
			t.Errorf("instId query = %q, want BTC-USDT", got)
		}
		fmt.Fprintf(w, `{"code":"0","data":[{"last":"64250.5","bidPx":"64250.0","askPx":"64251.0","lastSz":"0.5","ts":"%d"}]}`, at)
	})

	a := New(Config{Venues: map[string]string{"okx": okxURL}}, testPool(t))
	if err := a.AssignExchange("okx", []string{"BTC/USDT"}); err != nil {
		t.Fatalf("AssignExchange: %v", err)
	}

	tick, err := a.FetchTickerREST(context.Background(), "BTC/USDT")
	if err != nil {
		t.Fatalf("FetchTickerREST: %v", err)
	}
	if tick.Price != 64250.5 {
		t.Errorf("Price = %v, want 64250.5", tick.Price)
	}
	if tick.Timestamp != at {
		t.Errorf("Timestamp = %d, want the venue's %d", tick.Timestamp, at)
	}
	if tick.Source != "ccxt-okx" {
		t.Errorf("Source = %q, want ccxt-okx", tick.Source)
	}
}

func TestHealthCheckFallsThroughVenues(t *testing.T) {
	binanceURL := venueServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	})
	krakenURL := venueServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/0/public/Time" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `{"error":[],"result":{"unixtime":1700000000}}`)
	})

	a := New(Config{Venues: map[string]string{
		"binance": binanceURL,
		"kraken":  krakenURL,
	}}, testPool(t))

	if err := a.HealthCheck(context.Background()); err == nil {
		t.Fatal("expected error with no venues routed")
	}

	if err := a.AssignExchange("binance", []string{"BTC/USD"}); err != nil {
		t.Fatalf("AssignExchange: %v", err)
	}
	if err := a.AssignExchange("kraken", []string{"BTC/USD"}); err != nil {
		t.Fatalf("AssignExchange: %v", err)
	}
	if err := a.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck should pass while any venue answers: %v", err)
	}
}

func TestDisconnectStopsPolling(t *testing.T) {
	var hits atomic.Int64
	binanceURL := venueServer(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, `{"lastPrice":"100","lastQty":"1","bidPrice":"99","askPrice":"101","closeTime":0}`)
	})

	a := New(Config{
		PollInterval: 30 * time.Millisecond,
		Venues:       map[string]string{"binance": binanceURL},
	}, testPool(t))
	if err := a.AssignExchange("binance", []string{"BTC/USDT"}); err != nil {
		t.Fatalf("AssignExchange: %v", err)
	}
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := a.Subscribe(context.Background(), []string{"BTC/USDT"}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for hits.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("poller never hit the venue")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if err := a.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	settled := hits.Load()
	time.Sleep(150 * time.Millisecond)
	if got := hits.Load(); got != settled {
		t.Errorf("venue hits grew from %d to %d after Disconnect", settled, got)
	}
	if a.IsConnected() {
		t.Error("IsConnected should be false after Disconnect")
	}
}

func TestSubscribeRequiresConnection(t *testing.T) {
	a := New(Config{}, testPool(t))
	if err := a.Subscribe(context.Background(), []string{"BTC/USD"}); err != adapters.ErrNotConnected {
		t.Fatalf("Subscribe without Connect = %v, want ErrNotConnected", err)
	}
}

func TestIdentity(t *testing.T) {
	a := New(Config{}, testPool(t))
	if a.ExchangeName() != "ccxt" {
		t.Errorf("ExchangeName = %q", a.ExchangeName())
	}
	if a.Category() != feed.CategoryCrypto {
		t.Errorf("Category = %v", a.Category())
	}
	caps := a.Capabilities()
	if caps.WebSocket {
		t.Error("poller must not claim a stream capability")
	}
	if !caps.REST {
		t.Error("Capabilities.REST should be true")
	}
	if a.SymbolMapping("BTC/USDT") != "BTCUSDT" {
		t.Errorf("SymbolMapping = %q", a.SymbolMapping("BTC/USDT"))
	}
	if SourceID("kraken") != "ccxt-kraken" {
		t.Errorf("SourceID = %q", SourceID("kraken"))
	}
}
