package ccxt

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/data/adapters"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/data/feed"
)

// Each venue speaks its own ticker dialect. fetchVenue dispatches to
// the right decoder; every path ends in the same normalized tick with
// Source stamped ccxt-{venue}.

func (a *Adapter) fetchVenue(ctx context.Context, venue, symbol string) (feed.PriceUpdate, error) {
	a.mu.Lock()
	base, ok := a.bases[venue]
	a.mu.Unlock()
	if !ok {
		return feed.PriceUpdate{}, fmt.Errorf("ccxt: no endpoint for venue %q", venue)
	}

	switch venue {
	case "binance":
		return a.fetchBinance(ctx, base, symbol)
	case "coinbase":
		return a.fetchCoinbase(ctx, base, symbol)
	case "kraken":
		return a.fetchKraken(ctx, base, symbol)
	case "okx":
		return a.fetchOKX(ctx, base, symbol)
	default:
		return feed.PriceUpdate{}, fmt.Errorf("ccxt: no decoder for venue %q", venue)
	}
}

// checkVenue probes the venue's cheapest public endpoint
func (a *Adapter) checkVenue(ctx context.Context, venue string) error {
	a.mu.Lock()
	base, ok := a.bases[venue]
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("ccxt: no endpoint for venue %q", venue)
	}

	switch venue {
	case "binance":
		return a.pool.Check(ctx, base+"/api/v3/ping")
	case "coinbase":
		return a.pool.Check(ctx, base+"/time")
	case "kraken":
		return a.pool.Check(ctx, base+"/0/public/Time")
	case "okx":
		return a.pool.Check(ctx, base+"/api/v5/public/time")
	default:
		return fmt.Errorf("ccxt: no health endpoint for venue %q", venue)
	}
}

func (a *Adapter) tick(venue, symbol string, price, bid, ask, qty float64, ts int64) feed.PriceUpdate {
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	age := time.Duration(time.Now().UnixMilli()-ts) * time.Millisecond
	return feed.PriceUpdate{
		Symbol:     symbol,
		Price:      price,
		Timestamp:  ts,
		Source:     SourceID(venue),
		Confidence: adapters.ScoreTick(adapters.BaseRESTConfidence, bid, ask, qty, age),
		Volume:     qty,
	}
}

func (a *Adapter) fetchBinance(ctx context.Context, base, symbol string) (feed.PriceUpdate, error) {
	var out struct {
		LastPrice string `json:"lastPrice"`
		LastQty   string `json:"lastQty"`
		BidPrice  string `json:"bidPrice"`
		AskPrice  string `json:"askPrice"`
		CloseTime int64  `json:"closeTime"`
	}
	url := fmt.Sprintf("%s/api/v3/ticker/24hr?symbol=%s", base, adapters.CompactSymbol(symbol))
	if err := a.pool.GetJSON(ctx, url, &out); err != nil {
		return feed.PriceUpdate{}, err
	}
	price, err := strconv.ParseFloat(out.LastPrice, 64)
	if err != nil || price <= 0 {
		return feed.PriceUpdate{}, fmt.Errorf("binance via ccxt: bad price %q", out.LastPrice)
	}
	bid, _ := strconv.ParseFloat(out.BidPrice, 64)
	ask, _ := strconv.ParseFloat(out.AskPrice, 64)
	qty, _ := strconv.ParseFloat(out.LastQty, 64)
	return a.tick("binance", symbol, price, bid, ask, qty, out.CloseTime), nil
}

func (a *Adapter) fetchCoinbase(ctx context.Context, base, symbol string) (feed.PriceUpdate, error) {
	var out struct {
		Price string `json:"price"`
		Bid   string `json:"bid"`
		Ask   string `json:"ask"`
		Size  string `json:"size"`
		Time  string `json:"time"`
	}
	url := fmt.Sprintf("%s/products/%s/ticker", base, adapters.DashSymbol(symbol))
	if err := a.pool.GetJSON(ctx, url, &out); err != nil {
		return feed.PriceUpdate{}, err
	}
	price, err := strconv.ParseFloat(out.Price, 64)
	if err != nil || price <= 0 {
		return feed.PriceUpdate{}, fmt.Errorf("coinbase via ccxt: bad price %q", out.Price)
	}
	bid, _ := strconv.ParseFloat(out.Bid, 64)
	ask, _ := strconv.ParseFloat(out.Ask, 64)
	qty, _ := strconv.ParseFloat(out.Size, 64)
	var ts int64
	if at, err := time.Parse(time.RFC3339Nano, out.Time); err == nil {
		ts = at.UnixMilli()
	}
	return a.tick("coinbase", symbol, price, bid, ask, qty, ts), nil
}

// krakenTicker carries c=[last, lot], b=[bid,...], a=[ask,...]
type krakenTicker struct {
	C []string `json:"c"`
	B []string `json:"b"`
	A []string `json:"a"`
}

func (a *Adapter) fetchKraken(ctx context.Context, base, symbol string) (feed.PriceUpdate, error) {
	var out struct {
		Error  []string                `json:"error"`
		Result map[string]krakenTicker `json:"result"`
	}
	url := fmt.Sprintf("%s/0/public/Ticker?pair=%s", base, adapters.KrakenPair(symbol))
	if err := a.pool.GetJSON(ctx, url, &out); err != nil {
		return feed.PriceUpdate{}, err
	}
	if len(out.Error) > 0 {
		return feed.PriceUpdate{}, fmt.Errorf("kraken via ccxt: %v", out.Error)
	}

	// Kraken keys the result by its own pair alias; take the single entry
	var t krakenTicker
	found := false
	for _, v := range out.Result {
		t = v
		found = true
		break
	}
	if !found || len(t.C) == 0 {
		return feed.PriceUpdate{}, fmt.Errorf("kraken via ccxt: empty result for %s", symbol)
	}

	price, err := strconv.ParseFloat(t.C[0], 64)
	if err != nil || price <= 0 {
		return feed.PriceUpdate{}, fmt.Errorf("kraken via ccxt: bad price %q", t.C[0])
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
	return a.tick("kraken", symbol, price, bid, ask, qty, 0), nil
}

func (a *Adapter) fetchOKX(ctx context.Context, base, symbol string) (feed.PriceUpdate, error) {
	var out struct {
		Code string `json:"code"`
		Data []struct {
			Last   string `json:"last"`
			BidPx  string `json:"bidPx"`
			AskPx  string `json:"askPx"`
			LastSz string `json:"lastSz"`
			TS     string `json:"ts"` // unix ms as string
		} `json:"data"`
	}
	url := fmt.Sprintf("%s/api/v5/market/ticker?instId=%s", base, adapters.DashSymbol(symbol))
	if err := a.pool.GetJSON(ctx, url, &out); err != nil {
		return feed.PriceUpdate{}, err
	}
	if out.Code != "0" || len(out.Data) == 0 {
		return feed.PriceUpdate{}, fmt.Errorf("okx via ccxt: code %s, %d rows", out.Code, len(out.Data))
	}

	row := out.Data[0]
	price, err := strconv.ParseFloat(row.Last, 64)
	if err != nil || price <= 0 {
		return feed.PriceUpdate{}, fmt.Errorf("okx via ccxt: bad price %q", row.Last)
	}
	bid, _ := strconv.ParseFloat(row.BidPx, 64)
	ask, _ := strconv.ParseFloat(row.AskPx, 64)
	qty, _ := strconv.ParseFloat(row.LastSz, 64)
	ts, _ := strconv.ParseInt(row.TS, 10, 64)
	return a.tick("okx", symbol, price, bid, ask, qty, ts), nil
}
