package cache

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/data/feed"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/telemetry/latency"
)

// SourceFunc fetches a fresh aggregated price for a feed. A nil result
// with nil error means the source has nothing for this feed.
type SourceFunc func(ctx context.Context, id feed.ID) (*feed.AggregatedPrice, error)

// ErrNoData reports a warm attempt whose source returned nothing
var ErrNoData = errors.New("source returned no data")

// Strategy candidate windows
const (
	criticalActiveWindow = 5 * time.Minute
	criticalMinAccess    = 5
	predictiveWindow     = 60 * time.Second
	maintenanceWindow    = time.Hour
)

// StrategyConfig describes one periodic warming pass
type StrategyConfig struct {
	Name        string        `yaml:"name"`
	Enabled     bool          `yaml:"enabled"`
	Priority    int           `yaml:"priority"`
	TargetFeeds int           `yaml:"target_feeds"`
	Concurrency int           `yaml:"concurrency"`
	Interval    time.Duration `yaml:"interval"`
}

// WarmerConfig tunes access tracking and the warming strategies
type WarmerConfig struct {
	FreshnessThreshold time.Duration    `yaml:"freshness_threshold"`
	StaleThreshold     time.Duration    `yaml:"stale_threshold"`
	ImmediateThreshold int64            `yaml:"immediate_threshold"`
	WarmTimeout        time.Duration    `yaml:"warm_timeout"`
	TopN               int              `yaml:"top_n"`
	Priority           PriorityConfig   `yaml:"priority"`
	Strategies         []StrategyConfig `yaml:"strategies"`
}

// DefaultWarmerConfig returns the production strategy set: critical
// every 5 s, predictive every 30 s, maintenance every 5 min.
func DefaultWarmerConfig() WarmerConfig {
	return WarmerConfig{
		FreshnessThreshold: 2 * time.Second,
		StaleThreshold:     time.Hour,
		ImmediateThreshold: 10,
		WarmTimeout:        2 * time.Second,
		TopN:               10,
		Priority:           defaultPriorityConfig(),
		Strategies: []StrategyConfig{
			{Name: "critical", Enabled: true, Priority: 1, TargetFeeds: 10, Concurrency: 5, Interval: 5 * time.Second},
			{Name: "predictive", Enabled: true, Priority: 2, TargetFeeds: 20, Concurrency: 3, Interval: 30 * time.Second},
			{Name: "maintenance", Enabled: true, Priority: 3, TargetFeeds: 50, Concurrency: 2, Interval: 5 * time.Minute},
		},
	}
}

func (c *WarmerConfig) setDefaults() {
	if c.FreshnessThreshold <= 0 {
		c.FreshnessThreshold = 2 * time.Second
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = time.Hour
	}
	if c.ImmediateThreshold <= 0 {
		c.ImmediateThreshold = 10
	}
	if c.WarmTimeout <= 0 {
		c.WarmTimeout = 2 * time.Second
	}
	if c.TopN <= 0 {
		c.TopN = 10
	}
	if c.Priority == (PriorityConfig{}) {
		c.Priority = defaultPriorityConfig()
	}
	if len(c.Strategies) == 0 {
		c.Strategies = DefaultWarmerConfig().Strategies
	}
}

// WarmupStats is a public snapshot of warmer activity
type WarmupStats struct {
	TrackedFeeds   int            `json:"trackedFeeds"`
	TotalWarms     int64          `json:"totalWarms"`
	FailedWarms    int64          `json:"failedWarms"`
	CoalescedWarms int64          `json:"coalescedWarms"`
	TopFeeds       []FeedPriority `json:"topFeeds"`
}

// Warmer observes feed read patterns, ranks feeds, and refreshes the
// hottest entries ahead of foreground reads. It owns the pattern map;
// all other components read through snapshots.
type Warmer struct {
	cache  *RealTimeCache
	source SourceFunc
	cfg    WarmerConfig

	mu       sync.Mutex
	patterns map[string]*AccessPattern
	runCtx   context.Context

	// warmGroup coalesces concurrent warms of one feed into a single
	// in-flight fetch.
	warmGroup singleflight.Group

	totalWarms     atomic.Int64
	failedWarms    atomic.Int64
	coalescedWarms atomic.Int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWarmer wires a warmer to the cache and a source. A nil source
// falls back to a deterministic mock, useful only in test harnesses.
func NewWarmer(c *RealTimeCache, source SourceFunc, cfg WarmerConfig) *Warmer {
	cfg.setDefaults()
	if source == nil {
		log.Warn().Msg("cache warmer started without a source, serving deterministic mock values")
		source = mockSource
	}
	return &Warmer{
		cache:    c,
		source:   source,
		cfg:      cfg,
		patterns: make(map[string]*AccessPattern),
		runCtx:   context.Background(),
	}
}

// Start launches the strategy tickers and the stale-pattern janitor
func (w *Warmer) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.runCtx = runCtx
	w.mu.Unlock()
	w.cancel = cancel

	for _, s := range w.cfg.Strategies {
		if !s.Enabled {
			continue
		}
		w.wg.Add(1)
		go w.strategyLoop(runCtx, s)
	}

	w.wg.Add(1)
	go w.janitorLoop(runCtx)

	log.Info().Int("strategies", len(w.cfg.Strategies)).Msg("cache warmer started")
}

// Stop cancels every warming loop and waits for them to drain
func (w *Warmer) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

// TrackFeedAccess upserts the access pattern for a feed and, when the
// access looks hot (first touch, immediate-threshold crossing, or a
// sub-frequent interval), issues a background warm. Background warm
// errors are logged, never raised.
func (w *Warmer) TrackFeedAccess(id feed.ID) {
	now := time.Now()
	key := id.Key()

	w.mu.Lock()
	p, ok := w.patterns[key]
	if !ok {
		p = &AccessPattern{Feed: id}
		w.patterns[key] = p
	}
	if !p.LastAccessed.IsZero() {
		gap := now.Sub(p.LastAccessed)
		if p.AverageInterval > 0 {
			// EMA keeps the rolling gap responsive without storing history
			p.AverageInterval = time.Duration(float64(p.AverageInterval)*0.7 + float64(gap)*0.3)
		} else {
			p.AverageInterval = gap
		}
	}
	p.AccessCount++
	p.LastAccessed = now
	p.Priority = w.cfg.Priority.score(p, now)
	if p.AverageInterval > 0 {
		p.PredictedNextAccess = now.Add(p.AverageInterval)
	}

	warmNow := p.AccessCount == 1 ||
		p.AccessCount == w.cfg.ImmediateThreshold ||
		(p.AverageInterval > 0 && p.AverageInterval < w.cfg.Priority.FrequentInterval)
	runCtx := w.runCtx
	w.mu.Unlock()

	if warmNow {
		go w.warmAsync(runCtx, id)
	}
}

// WarmFeedCache refreshes one feed unless its cached price is younger
// than the freshness threshold. Errors propagate to the caller.
func (w *Warmer) WarmFeedCache(ctx context.Context, id feed.ID) error {
	if entry, ok := w.cache.GetPrice(id); ok {
		age := time.Since(time.UnixMilli(entry.Timestamp))
		if age < w.cfg.FreshnessThreshold {
			return nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, w.cfg.WarmTimeout)
	defer cancel()

	timer := latency.StartTimer(latency.StageWarm)
	defer timer.Stop()

	price, err := w.source(ctx, id)
	if err == nil && price == nil {
		err = ErrNoData
	}

	w.mu.Lock()
	p, ok := w.patterns[id.Key()]
	if !ok {
		p = &AccessPattern{Feed: id}
		w.patterns[id.Key()] = p
	}
	if err != nil {
		p.WarmingFailures++
	} else {
		p.WarmingSuccess++
	}
	w.mu.Unlock()

	if err != nil {
		w.failedWarms.Add(1)
		return fmt.Errorf("warm %s: %w", id.Key(), err)
	}

	w.cache.SetPrice(id, *price)
	w.totalWarms.Add(1)
	return nil
}

// warmAsync funnels background warms through singleflight so one feed
// has at most one in-flight warm at a time.
func (w *Warmer) warmAsync(ctx context.Context, id feed.ID) {
	key := id.Key()
	_, err, shared := w.warmGroup.Do(key, func() (any, error) {
		return nil, w.WarmFeedCache(ctx, id)
	})
	if shared {
		w.coalescedWarms.Add(1)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Warn().Err(err).Str("feed", key).Msg("background warm failed")
	}
}

// WarmupStats snapshots warmer counters and the current top ranking
func (w *Warmer) WarmupStats() WarmupStats {
	w.mu.Lock()
	tracked := len(w.patterns)
	w.mu.Unlock()

	return WarmupStats{
		TrackedFeeds:   tracked,
		TotalWarms:     w.totalWarms.Load(),
		FailedWarms:    w.failedWarms.Load(),
		CoalescedWarms: w.coalescedWarms.Load(),
		TopFeeds:       w.PopularFeeds(w.cfg.TopN),
	}
}

// PopularFeeds returns up to n feeds ranked by current priority.
// Patterns idle past the stale threshold are excluded from the public
// ranking, matching the janitor's purge rule.
func (w *Warmer) PopularFeeds(n int) []FeedPriority {
	now := time.Now()

	w.mu.Lock()
	rows := make([]FeedPriority, 0, len(w.patterns))
	for _, p := range w.patterns {
		if now.Sub(p.LastAccessed) > w.cfg.StaleThreshold {
			continue
		}
		rows = append(rows, FeedPriority{
			Feed:         p.Feed,
			Priority:     w.cfg.Priority.score(p, now),
			AccessCount:  p.AccessCount,
			LastAccessed: p.LastAccessed,
		})
	}
	w.mu.Unlock()

	rankPatterns(rows)
	if len(rows) > n {
		rows = rows[:n]
	}
	return rows
}

func (w *Warmer) strategyLoop(ctx context.Context, s StrategyConfig) {
	defer w.wg.Done()
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			warmed, failed := w.runStrategy(ctx, s)
			if warmed+failed > 0 {
				log.Debug().
					Str("strategy", s.Name).
					Int("warmed", warmed).
					Int("failed", failed).
					Msg("warming pass finished")
			}
		}
	}
}

// runStrategy selects the strategy's candidates and warms up to
// TargetFeeds of them with at most Concurrency in flight. Individual
// failures are recorded and never abort the pass.
func (w *Warmer) runStrategy(ctx context.Context, s StrategyConfig) (warmed, failed int) {
	candidates := w.selectCandidates(s.Name)
	if len(candidates) == 0 {
		return 0, 0
	}
	if s.TargetFeeds > 0 && len(candidates) > s.TargetFeeds {
		candidates = candidates[:s.TargetFeeds]
	}

	var okCount, errCount atomic.Int64
	g := &errgroup.Group{}
	if s.Concurrency > 0 {
		g.SetLimit(s.Concurrency)
	}
	for _, row := range candidates {
		id := row.Feed
		g.Go(func() error {
			if err := w.WarmFeedCache(ctx, id); err != nil {
				errCount.Add(1)
			} else {
				okCount.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(okCount.Load()), int(errCount.Load())
}

// selectCandidates snapshots the patterns a strategy may warm. The
// three sets are disjoint: predictive excludes critical candidates,
// maintenance excludes both.
func (w *Warmer) selectCandidates(strategy string) []FeedPriority {
	now := time.Now()

	w.mu.Lock()
	rows := make([]FeedPriority, 0, len(w.patterns))
	for _, p := range w.patterns {
		critical := now.Sub(p.LastAccessed) <= criticalActiveWindow && p.AccessCount >= criticalMinAccess
		until := p.PredictedNextAccess.Sub(now)
		predictive := !critical && !p.PredictedNextAccess.IsZero() && until > 0 && until <= predictiveWindow
		maintenance := !critical && !predictive && now.Sub(p.LastAccessed) <= maintenanceWindow

		var want bool
		switch strategy {
		case "critical":
			want = critical
		case "predictive":
			want = predictive
		case "maintenance":
			want = maintenance
		}
		if want {
			rows = append(rows, FeedPriority{
				Feed:         p.Feed,
				Priority:     w.cfg.Priority.score(p, now),
				AccessCount:  p.AccessCount,
				LastAccessed: p.LastAccessed,
			})
		}
	}
	w.mu.Unlock()

	rankPatterns(rows)
	return rows
}

// janitorLoop purges patterns idle past the stale threshold
func (w *Warmer) janitorLoop(ctx context.Context) {
	defer w.wg.Done()

	interval := w.cfg.StaleThreshold / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			w.mu.Lock()
			for key, p := range w.patterns {
				if now.Sub(p.LastAccessed) > w.cfg.StaleThreshold {
					delete(w.patterns, key)
				}
			}
			w.mu.Unlock()
		}
	}
}

// mockSource produces a stable synthetic price per feed, for harnesses
// running without a real aggregation source.
func mockSource(_ context.Context, id feed.ID) (*feed.AggregatedPrice, error) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id.Key()))
	price := 100 + float64(h.Sum32()%1_000_000)/100
	return &feed.AggregatedPrice{
		Price:      price,
		Timestamp:  time.Now().UnixMilli(),
		Sources:    []string{"mock"},
		Confidence: 0.5,
	}, nil
}
