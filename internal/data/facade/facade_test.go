package facade

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/data/adapters/ccxt"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/data/adapters/fake"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/data/cache"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/data/feed"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/data/ws"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/infrastructure/httpclient"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/net/circuit"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/net/ratelimit"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/net/retry"
)

func btc() feed.ID { return feed.ID{Category: feed.CategoryCrypto, Name: "BTC/USD"} }
func eth() feed.ID { return feed.ID{Category: feed.CategoryCrypto, Name: "ETH/USD"} }

func feedCfg(id feed.ID, sources ...feed.SourceRef) feed.Config {
	return feed.Config{Feed: id, Sources: sources}
}

func newTestStore(t *testing.T) *cache.RealTimeCache {
	t.Helper()
	store := cache.New(cache.Config{})
	t.Cleanup(store.Stop)
	return store
}

// startOrchestrator registers the fakes, starts the orchestrator over
// feeds, and tears it down with the test.
func startOrchestrator(t *testing.T, feeds []feed.Config, venues ...*fake.Adapter) *ws.Orchestrator {
	t.Helper()
	o := ws.NewOrchestrator(ws.Config{})
	for _, v := range venues {
		o.RegisterAdapter(v)
	}
	if err := o.Start(context.Background(), feeds); err != nil {
		t.Fatalf("orchestrator Start: %v", err)
	}
	t.Cleanup(o.Cleanup)
	return o
}

func newTestRetry(t *testing.T) *retry.Executor {
	t.Helper()
	circuits := circuit.NewManager(circuit.Config{}, nil)
	t.Cleanup(circuits.Stop)
	exec := retry.NewExecutor(circuits, nil)
	t.Cleanup(exec.Shutdown)
	return exec
}

// krakenStub serves a canned kraken ticker payload
func krakenStub(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"error":[],"result":{"XXBTZUSD":{"c":["64250.5","0.01"],"b":["64250.0"],"a":["64251.0"]}}}`)
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func newFallbackPoller(t *testing.T, venues map[string]string) *ccxt.Adapter {
	t.Helper()
	pool := httpclient.New(
		httpclient.Config{RequestTimeout: time.Second},
		ratelimit.New(ratelimit.Config{RPS: 1000, Burst: 1000}),
	)
	return ccxt.New(ccxt.Config{Venues: venues}, pool)
}

func TestValuesCacheHit(t *testing.T) {
	store := newTestStore(t)
	want := feed.AggregatedPrice{Price: 67000, Timestamp: time.Now().UnixMilli(), Sources: []string{"venue-a"}, Confidence: 0.9}
	store.SetPrice(btc(), want)

	f := New(Config{}, []feed.Config{feedCfg(btc())}, Deps{Cache: store})

	rows, err := f.Values(context.Background(), []feed.ID{btc()})
	if err != nil {
		t.Fatalf("Values: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	if rows[0].Source != SourceCache {
		t.Errorf("Source = %q, want %q", rows[0].Source, SourceCache)
	}
	if rows[0].Value != want.Price || rows[0].Confidence != want.Confidence {
		t.Errorf("row = %+v, want price %v confidence %v", rows[0], want.Price, want.Confidence)
	}
}

func TestValuesAggregatesOnMiss(t *testing.T) {
	store := newTestStore(t)
	venueA := fake.New("venue-a")
	venueB := fake.New("venue-b")
	feeds := []feed.Config{feedCfg(btc(),
		feed.SourceRef{Exchange: "venue-a", Symbol: "BTC/USD"},
		feed.SourceRef{Exchange: "venue-b", Symbol: "BTC/USD"},
	)}
	o := startOrchestrator(t, feeds, venueA, venueB)

	f := New(Config{}, feeds, Deps{Cache: store, Orchestrator: o, Retry: newTestRetry(t)})

	rows, err := f.Values(context.Background(), []feed.ID{btc()})
	if err != nil {
		t.Fatalf("Values: %v", err)
	}
	row := rows[0]
	if row.Source != SourceAggregated {
		t.Fatalf("Source = %q, want %q", row.Source, SourceAggregated)
	}
	// Both fakes walk around 67500; the weighted mean stays nearby
	if row.Value < 65000 || row.Value > 70000 {
		t.Errorf("merged value = %v, want near 67500", row.Value)
	}
	if row.Confidence <= 0 {
		t.Errorf("Confidence = %v, want > 0", row.Confidence)
	}

	// The merge landed in the cache: the next read is a hit
	if _, ok := store.GetPrice(btc()); !ok {
		t.Fatal("aggregated entry not written to cache")
	}
	rows, err = f.Values(context.Background(), []feed.ID{btc()})
	if err != nil {
		t.Fatalf("second Values: %v", err)
	}
	if rows[0].Source != SourceCache {
		t.Errorf("second read Source = %q, want %q", rows[0].Source, SourceCache)
	}
}

func TestValuesMergesSourceUnion(t *testing.T) {
	store := newTestStore(t)
	venueA := fake.New("venue-a")
	venueB := fake.New("venue-b")
	feeds := []feed.Config{feedCfg(btc(),
		feed.SourceRef{Exchange: "venue-a", Symbol: "BTC/USD"},
		feed.SourceRef{Exchange: "venue-b", Symbol: "BTC/USD"},
	)}
	o := startOrchestrator(t, feeds, venueA, venueB)
	f := New(Config{}, feeds, Deps{Cache: store, Orchestrator: o})

	if _, err := f.Values(context.Background(), []feed.ID{btc()}); err != nil {
		t.Fatalf("Values: %v", err)
	}
	entry, ok := store.GetPrice(btc())
	if !ok {
		t.Fatal("no cached entry after aggregation")
	}
	if len(entry.Sources) != 2 || entry.Sources[0] != "venue-a" || entry.Sources[1] != "venue-b" {
		t.Errorf("Sources = %v, want [venue-a venue-b]", entry.Sources)
	}
}

func TestValuesPartialSourceFailure(t *testing.T) {
	store := newTestStore(t)
	venueA := fake.New("venue-a")
	venueB := fake.New("venue-b")
	venueB.FailREST(errors.New("503 service unavailable"))
	feeds := []feed.Config{feedCfg(btc(),
		feed.SourceRef{Exchange: "venue-a", Symbol: "BTC/USD"},
		feed.SourceRef{Exchange: "venue-b", Symbol: "BTC/USD"},
	)}
	o := startOrchestrator(t, feeds, venueA, venueB)
	f := New(Config{}, feeds, Deps{Cache: store, Orchestrator: o})

	rows, err := f.Values(context.Background(), []feed.ID{btc()})
	if err != nil {
		t.Fatalf("Values: %v", err)
	}
	if rows[0].Source != SourceAggregated {
		t.Errorf("Source = %q, want %q (one healthy source is enough)", rows[0].Source, SourceAggregated)
	}
	entry, _ := store.GetPrice(btc())
	if len(entry.Sources) != 1 || entry.Sources[0] != "venue-a" {
		t.Errorf("Sources = %v, want [venue-a]", entry.Sources)
	}
}

func TestValuesFallsBackWhenAllSourcesFail(t *testing.T) {
	store := newTestStore(t)
	venueA := fake.New("venue-a")
	venueA.FailREST(errors.New("rest down"))
	feeds := []feed.Config{feedCfg(btc(), feed.SourceRef{Exchange: "venue-a", Symbol: "BTC/USD"})}
	o := startOrchestrator(t, feeds, venueA)

	poller := newFallbackPoller(t, map[string]string{"kraken": krakenStub(t)})
	if err := poller.AssignExchange("kraken", []string{"BTC/USD"}); err != nil {
		t.Fatalf("AssignExchange: %v", err)
	}

	f := New(Config{}, feeds, Deps{Cache: store, Orchestrator: o, Fallback: poller})

	rows, err := f.Values(context.Background(), []feed.ID{btc()})
	if err != nil {
		t.Fatalf("Values: %v", err)
	}
	row := rows[0]
	if row.Source != SourceFallback {
		t.Fatalf("Source = %q, want %q", row.Source, SourceFallback)
	}
	if row.Value != 64250.5 {
		t.Errorf("Value = %v, want 64250.5", row.Value)
	}
	entry, ok := store.GetPrice(btc())
	if !ok {
		t.Fatal("fallback entry not written to cache")
	}
	if len(entry.Sources) != 1 || entry.Sources[0] != "ccxt-kraken" {
		t.Errorf("Sources = %v, want [ccxt-kraken]", entry.Sources)
	}
}

func TestValuesAllFeedsFailed(t *testing.T) {
	store := newTestStore(t)
	f := New(Config{}, nil, Deps{Cache: store})

	rows, err := f.Values(context.Background(), []feed.ID{btc()})
	if err == nil {
		t.Fatal("expected an error when every feed fails")
	}
	var unavailable *UnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("error type = %T, want *UnavailableError", err)
	}
	if _, ok := unavailable.Failures[btc().Key()]; !ok {
		t.Errorf("Failures = %v, missing %s", unavailable.Failures, btc().Key())
	}
	if len(rows) != 1 || rows[0].Source != SourceFallbackError {
		t.Errorf("rows = %+v, want one fallback_error row", rows)
	}
}

func TestValuesPartialFeedFailureIsSuccess(t *testing.T) {
	store := newTestStore(t)
	store.SetPrice(btc(), feed.AggregatedPrice{Price: 67000, Timestamp: time.Now().UnixMilli(), Sources: []string{"venue-a"}, Confidence: 0.9})

	f := New(Config{}, []feed.Config{feedCfg(btc())}, Deps{Cache: store})

	rows, err := f.Values(context.Background(), []feed.ID{btc(), eth()})
	if err != nil {
		t.Fatalf("Values: %v (partial failure must not error)", err)
	}
	if rows[0].Source != SourceCache {
		t.Errorf("btc Source = %q, want %q", rows[0].Source, SourceCache)
	}
	if rows[1].Source != SourceFallbackError {
		t.Errorf("eth Source = %q, want %q", rows[1].Source, SourceFallbackError)
	}
}

func TestRoundValuesPinsToVotingKeyspace(t *testing.T) {
	store := newTestStore(t)
	store.SetPrice(btc(), feed.AggregatedPrice{Price: 67000, Timestamp: time.Now().UnixMilli(), Sources: []string{"venue-a"}, Confidence: 0.9})
	f := New(Config{}, []feed.Config{feedCfg(btc())}, Deps{Cache: store})

	const round = 842001
	rows, err := f.RoundValues(context.Background(), round, []feed.ID{btc()})
	if err != nil {
		t.Fatalf("RoundValues: %v", err)
	}
	if rows[0].Value != 67000 {
		t.Errorf("Value = %v, want 67000", rows[0].Value)
	}

	pinned, ok := store.GetForVotingRound(btc(), round)
	if !ok {
		t.Fatal("entry not pinned to the voting round")
	}
	if pinned.VotingRound != round {
		t.Errorf("VotingRound = %d, want %d", pinned.VotingRound, round)
	}

	// The pin survives the price key: expire the current price, the
	// round still serves from the voting keyspace.
	store.Invalidate(cache.PriceKey(btc()))
	rows, err = f.RoundValues(context.Background(), round, []feed.ID{btc()})
	if err != nil {
		t.Fatalf("second RoundValues: %v", err)
	}
	if rows[0].Source != SourceCache || rows[0].Value != 67000 {
		t.Errorf("round re-read = %+v, want cached 67000", rows[0])
	}
}

func TestRoundValuesUnknownFeedFails(t *testing.T) {
	store := newTestStore(t)
	f := New(Config{}, nil, Deps{Cache: store})

	rows, err := f.RoundValues(context.Background(), 842001, []feed.ID{eth()})
	var unavailable *UnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("error = %v, want *UnavailableError", err)
	}
	if len(rows) != 1 || rows[0].Source != SourceFallbackError {
		t.Errorf("rows = %+v, want one fallback_error row", rows)
	}
}

func TestTickPipelineWritesCacheAndVolumes(t *testing.T) {
	store := newTestStore(t)
	venueA := fake.New("venue-a")
	feeds := []feed.Config{feedCfg(btc(), feed.SourceRef{Exchange: "venue-a", Symbol: "BTC/USD"})}

	o := ws.NewOrchestrator(ws.Config{})
	o.RegisterAdapter(venueA)

	f := New(Config{}, feeds, Deps{Cache: store, Orchestrator: o})
	f.Start() // sink must be registered before the orchestrator starts
	t.Cleanup(f.Stop)

	if err := o.Start(context.Background(), feeds); err != nil {
		t.Fatalf("orchestrator Start: %v", err)
	}
	t.Cleanup(o.Cleanup)

	want := venueA.Tick("BTC/USD")

	deadline := time.Now().Add(2 * time.Second)
	for {
		if entry, ok := store.GetPrice(btc()); ok {
			if entry.Price != want.Price {
				t.Errorf("cached price = %v, want %v", entry.Price, want.Price)
			}
			if len(entry.Sources) != 1 || entry.Sources[0] != "venue-a" {
				t.Errorf("Sources = %v, want [venue-a]", entry.Sources)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("tick never landed in the cache")
		}
		time.Sleep(5 * time.Millisecond)
	}

	vols := f.Volumes([]feed.ID{btc()}, time.Minute)
	if len(vols) != 1 || len(vols[0].Volumes) != 1 {
		t.Fatalf("Volumes = %+v, want one exchange row", vols)
	}
	if vols[0].Volumes[0].Exchange != "venue-a" || vols[0].Volumes[0].Volume != want.Volume {
		t.Errorf("volume row = %+v, want venue-a %v", vols[0].Volumes[0], want.Volume)
	}

	pushed, dropped, _ := f.QueueStats()
	if pushed != 1 || dropped != 0 {
		t.Errorf("queue pushed=%d dropped=%d, want 1 and 0", pushed, dropped)
	}
}

func TestWarmerSourceBypassesCache(t *testing.T) {
	store := newTestStore(t)
	venueA := fake.New("venue-a")
	feeds := []feed.Config{feedCfg(btc(), feed.SourceRef{Exchange: "venue-a", Symbol: "BTC/USD"})}
	o := startOrchestrator(t, feeds, venueA)
	f := New(Config{}, feeds, Deps{Cache: store, Orchestrator: o})

	src := f.WarmerSource()
	entry, err := src(context.Background(), btc())
	if err != nil {
		t.Fatalf("source: %v", err)
	}
	if entry == nil || entry.Price <= 0 {
		t.Fatalf("entry = %+v, want a fresh price", entry)
	}
	// The source only fetches; writing back is the warmer's job
	if _, ok := store.GetPrice(btc()); ok {
		t.Error("warmer source must not write the cache itself")
	}
}

func TestMergeWeightsByConfidence(t *testing.T) {
	ups := []feed.PriceUpdate{
		{Source: "a", Price: 100, Confidence: 0.9, Timestamp: 10},
		{Source: "b", Price: 200, Confidence: 0.1, Timestamp: 20},
	}
	got := merge(ups)

	// 0.9 weight on 100, 0.1 on 200
	want := (0.9*100 + 0.1*200) / 1.0
	if diff := got.Price - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("Price = %v, want %v", got.Price, want)
	}
	if got.Timestamp != 20 {
		t.Errorf("Timestamp = %d, want the newest (20)", got.Timestamp)
	}
	if len(got.Sources) != 2 {
		t.Errorf("Sources = %v, want both", got.Sources)
	}
	if got.Confidence != 0.5 {
		t.Errorf("Confidence = %v, want mean 0.5", got.Confidence)
	}
}

func TestMergeDeduplicatesSources(t *testing.T) {
	ups := []feed.PriceUpdate{
		{Source: "a", Price: 100, Confidence: 0.5},
		{Source: "a", Price: 102, Confidence: 0.5},
	}
	got := merge(ups)
	if len(got.Sources) != 1 || got.Sources[0] != "a" {
		t.Errorf("Sources = %v, want [a]", got.Sources)
	}
}
