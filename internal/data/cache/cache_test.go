package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/data/feed"
)

var btcUSD = feed.ID{Category: feed.CategoryCrypto, Name: "BTC/USD"}

func testEntry(price float64) feed.AggregatedPrice {
	return feed.AggregatedPrice{
		Price:      price,
		Timestamp:  time.Now().UnixMilli(),
		Sources:    []string{"binance", "coinbase"},
		Confidence: 0.95,
	}
}

func newTestCache(t *testing.T, cfg Config) *RealTimeCache {
	t.Helper()
	c := New(cfg)
	t.Cleanup(c.Stop)
	return c
}

func TestCacheSetGet(t *testing.T) {
	c := newTestCache(t, Config{MaxTTL: time.Second})

	want := testEntry(64250.5)
	c.Set("k", want, 500*time.Millisecond)

	got, ok := c.Get("k")
	if !ok {
		t.Fatal("expected hit for fresh entry")
	}
	if got.Price != want.Price || got.Confidence != want.Confidence {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestCacheTTLClamp(t *testing.T) {
	c := newTestCache(t, Config{MaxTTL: 200 * time.Millisecond})

	// Requested TTL far above the ceiling must be clamped to MaxTTL
	c.Set("k", testEntry(1), 5*time.Second)

	if _, ok := c.Get("k"); !ok {
		t.Fatal("entry should be readable before the clamped TTL elapses")
	}

	time.Sleep(250 * time.Millisecond)

	if _, ok := c.Get("k"); ok {
		t.Error("entry should have expired at the clamped TTL")
	}
	if got := c.Config().MaxTTL; got != 200*time.Millisecond {
		t.Errorf("Config().MaxTTL = %v, want 200ms", got)
	}
}

func TestCacheZeroTTLInsertsNothing(t *testing.T) {
	c := newTestCache(t, Config{MaxTTL: time.Second})

	c.Set("zero", testEntry(1), 0)
	c.Set("negative", testEntry(1), -time.Second)

	if _, ok := c.Get("zero"); ok {
		t.Error("zero TTL must not insert")
	}
	if _, ok := c.Get("negative"); ok {
		t.Error("negative TTL must not insert")
	}
	if n := c.Len(); n != 0 {
		t.Errorf("Len() = %d, want 0", n)
	}
}

func TestCacheLRUEviction(t *testing.T) {
	c := newTestCache(t, Config{MaxTTL: time.Second, MaxEntries: 2})

	c.Set("a", testEntry(1), time.Second)
	c.Set("b", testEntry(2), time.Second)

	// Touch "a" so "b" becomes the LRU victim
	if _, ok := c.Get("a"); !ok {
		t.Fatal("expected hit on a")
	}

	c.Set("c", testEntry(3), time.Second)

	if _, ok := c.Get("a"); !ok {
		t.Error("a was recently used and must survive")
	}
	if _, ok := c.Get("b"); ok {
		t.Error("b was least recently used and must be evicted")
	}
	if _, ok := c.Get("c"); !ok {
		t.Error("c was just inserted and must be present")
	}
	if got := c.Stats().Evictions; got != 1 {
		t.Errorf("Evictions = %d, want 1", got)
	}
}

func TestCacheMaxEntriesInvariant(t *testing.T) {
	c := newTestCache(t, Config{MaxTTL: time.Minute, MaxEntries: 10})

	for i := 0; i < 100; i++ {
		c.Set(fmt.Sprintf("k%d", i), testEntry(float64(i)), time.Minute)
		if n := c.Len(); n > 10 {
			t.Fatalf("size %d exceeds maxEntries after insert %d", n, i)
		}
	}
}

func TestCacheOverwriteDoesNotEvict(t *testing.T) {
	c := newTestCache(t, Config{MaxTTL: time.Minute, MaxEntries: 2})

	c.Set("a", testEntry(1), time.Minute)
	c.Set("b", testEntry(2), time.Minute)
	c.Set("a", testEntry(10), time.Minute)

	if _, ok := c.Get("b"); !ok {
		t.Error("overwriting an existing key must not evict others")
	}
	got, _ := c.Get("a")
	if got.Price != 10 {
		t.Errorf("overwrite lost: price = %v, want 10", got.Price)
	}
	if ev := c.Stats().Evictions; ev != 0 {
		t.Errorf("Evictions = %d, want 0", ev)
	}
}

func TestCacheInvalidateIdempotent(t *testing.T) {
	c := newTestCache(t, Config{MaxTTL: time.Second})

	c.Set("k", testEntry(1), time.Second)
	c.Invalidate("k")
	c.Invalidate("k")
	c.Invalidate("never-existed")

	if _, ok := c.Get("k"); ok {
		t.Error("entry must be gone after Invalidate")
	}
}

func TestCachePriceVotingIndependence(t *testing.T) {
	c := newTestCache(t, Config{MaxTTL: time.Second})

	priceEntry := testEntry(64000)
	c.SetPrice(btcUSD, priceEntry)
	c.SetForVotingRound(btcUSD, 123, testEntry(63900), time.Second)

	c.InvalidateOnPriceUpdate(btcUSD)

	if got, ok := c.GetPrice(btcUSD); !ok || got.Price != priceEntry.Price {
		t.Errorf("current price must survive voting invalidation, got %+v ok=%v", got, ok)
	}
	if _, ok := c.GetForVotingRound(btcUSD, 123); ok {
		t.Error("voting-round entry must be removed")
	}
}

func TestCacheSetPriceInvalidatesVotingKeys(t *testing.T) {
	c := newTestCache(t, Config{MaxTTL: time.Second})

	c.SetForVotingRound(btcUSD, 7, testEntry(1), time.Second)
	c.SetForVotingRound(btcUSD, 8, testEntry(2), time.Second)

	other := feed.ID{Category: feed.CategoryCrypto, Name: "ETH/USD"}
	c.SetForVotingRound(other, 7, testEntry(3), time.Second)

	c.SetPrice(btcUSD, testEntry(64000))

	if _, ok := c.GetForVotingRound(btcUSD, 7); ok {
		t.Error("round 7 for BTC/USD must be invalidated by the price update")
	}
	if _, ok := c.GetForVotingRound(btcUSD, 8); ok {
		t.Error("round 8 for BTC/USD must be invalidated by the price update")
	}
	if _, ok := c.GetForVotingRound(other, 7); !ok {
		t.Error("other feeds' voting entries must be untouched")
	}
}

func TestCacheVotingRoundStamped(t *testing.T) {
	c := newTestCache(t, Config{MaxTTL: time.Second})

	c.SetForVotingRound(btcUSD, 456, testEntry(1), time.Second)

	got, ok := c.GetForVotingRound(btcUSD, 456)
	if !ok {
		t.Fatal("expected voting-round hit")
	}
	if got.VotingRound != 456 {
		t.Errorf("VotingRound = %d, want 456", got.VotingRound)
	}
}

func TestCacheVotingTTLOutlivesPriceCeiling(t *testing.T) {
	c := newTestCache(t, Config{
		MaxTTL:    50 * time.Millisecond,
		VotingTTL: time.Second,
	})

	c.SetPrice(btcUSD, testEntry(64000))
	c.SetForVotingRound(btcUSD, 9, testEntry(63900), time.Second)

	time.Sleep(100 * time.Millisecond)

	if _, ok := c.GetPrice(btcUSD); ok {
		t.Error("price entry is bound by MaxTTL and must have expired")
	}
	if _, ok := c.GetForVotingRound(btcUSD, 9); !ok {
		t.Error("voting entry clamps against VotingTTL and must survive")
	}
}

func TestCacheVotingTTLClamp(t *testing.T) {
	c := newTestCache(t, Config{
		MaxTTL:    time.Second,
		VotingTTL: 100 * time.Millisecond,
	})

	c.SetForVotingRound(btcUSD, 10, testEntry(1), time.Hour)

	if _, ok := c.GetForVotingRound(btcUSD, 10); !ok {
		t.Fatal("voting entry should be readable before the clamped TTL elapses")
	}

	time.Sleep(150 * time.Millisecond)

	if _, ok := c.GetForVotingRound(btcUSD, 10); ok {
		t.Error("voting entry should expire at the VotingTTL ceiling")
	}
}

func TestCacheSweeperRemovesExpired(t *testing.T) {
	c := newTestCache(t, Config{
		MaxTTL:        50 * time.Millisecond,
		SweepInterval: 20 * time.Millisecond,
	})

	for i := 0; i < 5; i++ {
		c.Set(fmt.Sprintf("k%d", i), testEntry(float64(i)), time.Second)
	}

	time.Sleep(150 * time.Millisecond)

	// No Get calls here: the sweeper alone must have cleaned up
	if n := c.Len(); n != 0 {
		t.Errorf("Len() = %d after sweep window, want 0", n)
	}
}

func TestCacheStats(t *testing.T) {
	c := newTestCache(t, Config{MaxTTL: time.Second})

	c.Set("k", testEntry(1), time.Second)
	c.Get("k")
	c.Get("k")
	c.Get("missing")

	s := c.Stats()
	if s.Hits != 2 || s.Misses != 1 {
		t.Errorf("hits=%d misses=%d, want 2/1", s.Hits, s.Misses)
	}
	if s.TotalRequests != 3 {
		t.Errorf("TotalRequests = %d, want 3", s.TotalRequests)
	}
	if want := 2.0 / 3.0; s.HitRate < want-1e-9 || s.HitRate > want+1e-9 {
		t.Errorf("HitRate = %v, want %v", s.HitRate, want)
	}
	if s.MemoryUsage <= 0 {
		t.Error("MemoryUsage estimate must be positive with entries present")
	}
	if s.AverageResponseTime < 0 {
		t.Errorf("AverageResponseTime = %v, want >= 0", s.AverageResponseTime)
	}
	if s.TotalEntries != 1 {
		t.Errorf("TotalEntries = %d, want 1", s.TotalEntries)
	}
}

func TestCacheMemoryAccounting(t *testing.T) {
	c := newTestCache(t, Config{MaxTTL: time.Minute})

	c.Set("k", testEntry(1), time.Minute)
	before := c.Stats().MemoryUsage
	if before <= 0 {
		t.Fatal("expected positive memory estimate")
	}

	c.Invalidate("k")
	if after := c.Stats().MemoryUsage; after != 0 {
		t.Errorf("MemoryUsage = %d after removing the only entry, want 0", after)
	}
}

func TestCacheConcurrentAccess(t *testing.T) {
	c := newTestCache(t, Config{MaxTTL: time.Second, MaxEntries: 64})

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("k%d", i%32)
				if i%3 == 0 {
					c.Set(key, testEntry(float64(i)), 500*time.Millisecond)
				} else {
					c.Get(key)
				}
			}
		}(g)
	}
	wg.Wait()

	if n := c.Len(); n > 64 {
		t.Errorf("size %d exceeds maxEntries under concurrency", n)
	}
}
