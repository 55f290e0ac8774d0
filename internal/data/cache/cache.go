package cache

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/data/feed"
)

// Config bounds the cache. MaxTTL is a hard ceiling on price-keyspace
// lifetimes; VotingTTL is the separate ceiling for voting-round entries,
// whose rounds are settled and may outlive the real-time bound.
// MemoryLimit is advisory and only reported against.
type Config struct {
	MaxTTL        time.Duration `yaml:"max_ttl"`
	VotingTTL     time.Duration `yaml:"voting_ttl"`
	MaxEntries    int           `yaml:"max_entries"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	MemoryLimit   int64         `yaml:"memory_limit"`
}

// DefaultConfig returns the production tuning: 1 s TTL ceiling,
// 60 s voting-round ceiling, 10 000 entries, 500 ms sweeper.
func DefaultConfig() Config {
	return Config{
		MaxTTL:        time.Second,
		VotingTTL:     time.Minute,
		MaxEntries:    10_000,
		SweepInterval: 500 * time.Millisecond,
		MemoryLimit:   64 << 20,
	}
}

func (c *Config) setDefaults() {
	if c.MaxTTL <= 0 {
		c.MaxTTL = time.Second
	}
	if c.VotingTTL <= 0 {
		c.VotingTTL = time.Minute
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = 10_000
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 500 * time.Millisecond
	}
}

// Stats is a snapshot of cache performance counters
type Stats struct {
	Hits                int64   `json:"hits"`
	Misses              int64   `json:"misses"`
	Evictions           int64   `json:"evictions"`
	Expirations         int64   `json:"expirations"`
	TotalRequests       int64   `json:"totalRequests"`
	TotalEntries        int     `json:"totalEntries"`
	HitRate             float64 `json:"hitRate"`
	MissRate            float64 `json:"missRate"`
	MemoryUsage         int64   `json:"memoryUsage"`
	AverageResponseTime float64 `json:"averageResponseTime"` // ms
}

// Overhead charged per stored item on top of string payloads, covering
// the item struct, map bucket share, and slice headers.
const itemOverheadBytes = 96

type item struct {
	entry        feed.AggregatedPrice
	expiresAt    time.Time
	lastAccessed time.Time
	accessCount  int64
	seq          uint64 // insertion order, LRU tie-break
	size         int64
}

// RealTimeCache is a TTL-bounded, LRU-evicted map holding the latest
// aggregated prices and their voting-round variants. It is memory-only
// and safe for concurrent use.
type RealTimeCache struct {
	mu      sync.Mutex
	entries map[string]*item
	cfg     Config
	seq     uint64

	hits         int64
	misses       int64
	evictions    int64
	expirations  int64
	memoryUsage  int64
	getNanos     int64 // Σ get latency, averageResponseTime numerator
	lastDegraded time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates the cache and starts its background sweeper
func New(cfg Config) *RealTimeCache {
	cfg.setDefaults()
	c := &RealTimeCache{
		entries: make(map[string]*item),
		cfg:     cfg,
		stopCh:  make(chan struct{}),
	}
	c.wg.Add(1)
	go c.sweep()
	return c
}

// Set stores entry under key for min(requestedTTL, MaxTTL). A
// non-positive effective TTL inserts nothing and is not an error.
func (c *RealTimeCache) Set(key string, entry feed.AggregatedPrice, requestedTTL time.Duration) {
	ttl := requestedTTL
	if ttl > c.cfg.MaxTTL {
		ttl = c.cfg.MaxTTL
	}
	if ttl <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.storeLocked(key, entry, ttl)
}

// Get returns the entry for key. Expired items are removed on the read
// path before the miss is reported; hits refresh LRU ordering.
func (c *RealTimeCache) Get(key string) (feed.AggregatedPrice, bool) {
	start := time.Now()

	c.mu.Lock()
	defer func() {
		c.getNanos += time.Since(start).Nanoseconds()
		c.mu.Unlock()
	}()

	it, ok := c.entries[key]
	if !ok {
		c.misses++
		return feed.AggregatedPrice{}, false
	}
	now := time.Now()
	if !now.Before(it.expiresAt) {
		c.removeLocked(key, it)
		c.expirations++
		c.misses++
		return feed.AggregatedPrice{}, false
	}
	it.lastAccessed = now
	it.accessCount++
	c.hits++
	return it.entry, true
}

// Invalidate removes key if present. Idempotent.
func (c *RealTimeCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if it, ok := c.entries[key]; ok {
		c.removeLocked(key, it)
	}
}

// Clear drops every entry and resets counters
func (c *RealTimeCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*item)
	c.hits, c.misses, c.evictions, c.expirations = 0, 0, 0, 0
	c.memoryUsage = 0
	c.getNanos = 0
}

// Len reports the current entry count
func (c *RealTimeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Config returns the effective configuration
func (c *RealTimeCache) Config() Config {
	return c.cfg
}

// Stats snapshots the performance counters
func (c *RealTimeCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.misses
	s := Stats{
		Hits:          c.hits,
		Misses:        c.misses,
		Evictions:     c.evictions,
		Expirations:   c.expirations,
		TotalRequests: total,
		TotalEntries:  len(c.entries),
		MemoryUsage:   c.memoryUsage,
	}
	if total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
		s.MissRate = float64(c.misses) / float64(total)
		s.AverageResponseTime = float64(c.getNanos) / float64(total) / 1e6
	}
	return s
}

// Stop cancels the sweeper; the cache remains readable afterwards
func (c *RealTimeCache) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

// storeLocked inserts entry, evicting the LRU item first when the
// insert would grow the map past MaxEntries.
func (c *RealTimeCache) storeLocked(key string, entry feed.AggregatedPrice, ttl time.Duration) {
	now := time.Now()
	if old, ok := c.entries[key]; ok {
		c.memoryUsage -= old.size
	} else if len(c.entries) >= c.cfg.MaxEntries {
		c.evictLRULocked()
	}

	c.seq++
	it := &item{
		entry:        entry,
		expiresAt:    now.Add(ttl),
		lastAccessed: now,
		seq:          c.seq,
		size:         estimateSize(key, entry),
	}
	c.entries[key] = it
	c.memoryUsage += it.size
}

func (c *RealTimeCache) removeLocked(key string, it *item) {
	delete(c.entries, key)
	c.memoryUsage -= it.size
}

// evictLRULocked drops the least-recently-accessed entry, breaking
// ties by insertion order. No-op on an empty map.
func (c *RealTimeCache) evictLRULocked() {
	var victim string
	var victimItem *item
	for key, it := range c.entries {
		if victimItem == nil ||
			it.lastAccessed.Before(victimItem.lastAccessed) ||
			(it.lastAccessed.Equal(victimItem.lastAccessed) && it.seq < victimItem.seq) {
			victim, victimItem = key, it
		}
	}
	if victimItem != nil {
		c.removeLocked(victim, victimItem)
		c.evictions++
	}
}

// sweep removes expired entries on a fixed cadence. Sweeping is
// advisory; Get still checks expiry because the sweep is eventually
// consistent.
func (c *RealTimeCache) sweep() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.removeExpired()
		}
	}
}

func (c *RealTimeCache) removeExpired() {
	now := time.Now()

	c.mu.Lock()
	for key, it := range c.entries {
		if !now.Before(it.expiresAt) {
			c.removeLocked(key, it)
			c.expirations++
		}
	}
	total := c.hits + c.misses
	degraded := total >= 1000 && float64(c.hits)/float64(total) < 0.5 &&
		now.Sub(c.lastDegraded) >= 30*time.Second
	if degraded {
		c.lastDegraded = now
	}
	hits, misses := c.hits, c.misses
	c.mu.Unlock()

	if degraded {
		log.Warn().
			Int64("hits", hits).
			Int64("misses", misses).
			Msg("cache performance degraded, hit rate below 50%")
	}
}

// estimateSize approximates an item's memory footprint: two bytes per
// key character, fixed overhead, two bytes per source-string character.
func estimateSize(key string, entry feed.AggregatedPrice) int64 {
	size := int64(len(key))*2 + itemOverheadBytes
	for _, s := range entry.Sources {
		size += int64(len(s)) * 2
	}
	return size
}
