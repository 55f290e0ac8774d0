// Package facade is the read front of the data plane. It serves feed
// values from the cache when it can, fans requests out across the
// configured exchange adapters when it cannot, and drains push ticks
// from the orchestrator into the cache and the volume book.
//
// Served values carry a source label recording how they were obtained,
// in descending order of preference: a cache hit, a fresh aggregation
// over the feed's sources, the shared Tier-2 fallback, or a terminal
// failure.
package facade

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/data/adapters"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/data/adapters/ccxt"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/data/cache"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/data/feed"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/data/ws"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/datasources"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/infrastructure/async"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/net/retry"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/telemetry/latency"
)

// Source labels attached to served values
const (
	SourceCache         = "cache"
	SourceAggregated    = "aggregated"
	SourceFallback      = "fallback"
	SourceFallbackError = "fallback_error"
)

const (
	defaultQueueSize    = 1024
	defaultFetchBudget  = 2 * time.Second
	defaultVotingTTL    = 60 * time.Second
	defaultVolumeWindow = 60 * time.Second

	// minMergeWeight keeps a zero-confidence update from vanishing out
	// of the weighted mean entirely.
	minMergeWeight = 0.05
)

// foregroundRetry is the schedule for read-path fetches: one quick
// retry, then give up and fall through. Patient schedules belong to
// the background recovery path.
var foregroundRetry = retry.Config{
	MaxRetries:        1,
	InitialDelay:      50 * time.Millisecond,
	MaxDelay:          200 * time.Millisecond,
	BackoffMultiplier: 2.0,
}

// Config tunes the facade
type Config struct {
	// QueueSize bounds pending push ticks; beyond it the oldest
	// pending tick is dropped, never the newest.
	QueueSize int `yaml:"queue_size"`
	// FetchBudget caps one feed's end-to-end REST fan-out
	FetchBudget time.Duration `yaml:"fetch_budget"`
	// VotingTTL is the lifetime of voting-round fills
	VotingTTL time.Duration `yaml:"voting_ttl"`
	// VolumeRetention bounds how far back volume windows can reach
	VolumeRetention time.Duration `yaml:"volume_retention"`
}

func (c *Config) setDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.FetchBudget <= 0 {
		c.FetchBudget = defaultFetchBudget
	}
	if c.VotingTTL <= 0 {
		c.VotingTTL = defaultVotingTTL
	}
	if c.VolumeRetention <= 0 {
		c.VolumeRetention = defaultVolumeRetention
	}
}

// FeedValue is one row of the values surface
type FeedValue struct {
	Feed       feed.ID `json:"feed"`
	Value      float64 `json:"value"`
	Timestamp  int64   `json:"timestamp"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source"`
}

// FeedVolumes is one row of the volumes surface
type FeedVolumes struct {
	Feed    feed.ID               `json:"feed"`
	Volumes []feed.ExchangeVolume `json:"volumes"`
}

// UnavailableError reports that every requested feed failed. Partial
// failures are not errors; callers only see this when nothing could be
// served.
type UnavailableError struct {
	Failures map[string]string `json:"failures"` // feed key -> terminal error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("facade: no requested feed could be served (%d failed)", len(e.Failures))
}

// Deps wires the facade to the rest of the data plane. Orchestrator,
// Retry, Errors, and Fallback are optional; a facade without them
// serves cache hits and push ticks only.
type Deps struct {
	Cache        *cache.RealTimeCache
	Orchestrator *ws.Orchestrator
	Retry        *retry.Executor
	Errors       *datasources.Handler
	Fallback     *ccxt.Adapter
}

type tick struct {
	id     feed.ID
	update feed.PriceUpdate
}

// Facade fans reads across adapters and funnels push ticks into the
// cache. One writer goroutine owns the tick queue.
type Facade struct {
	cfg      Config
	store    *cache.RealTimeCache
	orch     *ws.Orchestrator
	retry    *retry.Executor
	errors   *datasources.Handler
	fallback *ccxt.Adapter
	volumes  *volumeBook
	logger   zerolog.Logger

	mu     sync.RWMutex
	warmer *cache.Warmer
	feeds  map[string]feed.Config

	queue     *async.Queue[tick]
	writerWg  sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// New builds a facade over the configured feeds. The warmer is
// attached separately because it is constructed from the facade's own
// source function.
func New(cfg Config, feeds []feed.Config, deps Deps) *Facade {
	cfg.setDefaults()
	f := &Facade{
		cfg:      cfg,
		store:    deps.Cache,
		orch:     deps.Orchestrator,
		retry:    deps.Retry,
		errors:   deps.Errors,
		fallback: deps.Fallback,
		volumes:  newVolumeBook(cfg.VolumeRetention),
		logger:   log.With().Str("component", "facade").Logger(),
		feeds:    make(map[string]feed.Config, len(feeds)),
		queue:    async.NewQueue[tick](cfg.QueueSize),
	}
	for _, fc := range feeds {
		f.feeds[fc.Feed.Key()] = fc
	}
	return f
}

// AttachWarmer hooks read tracking up to the warmer. Separate from New
// because the warmer needs the facade's source function first.
func (f *Facade) AttachWarmer(w *cache.Warmer) {
	f.mu.Lock()
	f.warmer = w
	f.mu.Unlock()
}

// WarmerSource exposes the fresh-fetch path in the shape the warmer
// consumes. Warming does not count as a read, so it bypasses access
// tracking; the warmer writes the result itself.
func (f *Facade) WarmerSource() cache.SourceFunc {
	return func(ctx context.Context, id feed.ID) (*feed.AggregatedPrice, error) {
		entry, _, err := f.fetchFresh(ctx, id)
		if err != nil {
			return nil, err
		}
		return &entry, nil
	}
}

// Start registers the tick sink with the orchestrator and launches the
// cache writer. Call before the orchestrator starts so no early tick
// is lost.
func (f *Facade) Start() {
	f.startOnce.Do(func() {
		if f.orch != nil {
			f.orch.OnTick(f.enqueueTick)
		}
		f.writerWg.Add(1)
		go f.writerLoop()
		f.logger.Info().Int("feeds", len(f.feeds)).Int("queue", f.cfg.QueueSize).Msg("facade started")
	})
}

// Stop drains the tick queue and stops the writer. Safe to call more
// than once.
func (f *Facade) Stop() {
	f.stopOnce.Do(func() {
		f.queue.Close()
		f.writerWg.Wait()
		if n := f.queue.Dropped(); n > 0 {
			f.logger.Warn().Int64("dropped", n).Msg("push ticks dropped under backpressure")
		}
		f.logger.Info().Msg("facade stopped")
	})
}

// enqueueTick runs on adapter goroutines and must never block
func (f *Facade) enqueueTick(id feed.ID, u feed.PriceUpdate) {
	f.queue.Push(tick{id: id, update: u})
}

func (f *Facade) writerLoop() {
	defer f.writerWg.Done()
	ctx := context.Background()
	for {
		t, ok := f.queue.Pop(ctx)
		if !ok {
			return
		}
		f.applyTick(t)
	}
}

// applyTick lands one push update: current price first (that write
// also clears the feed's voting keys), then the volume book.
func (f *Facade) applyTick(t tick) {
	timer := latency.StartTimer(latency.StageTick)
	defer timer.Stop()

	f.store.SetPrice(t.id, feed.AggregatedPrice{
		Price:      t.update.Price,
		Timestamp:  t.update.Timestamp,
		Sources:    []string{t.update.Source},
		Confidence: t.update.Confidence,
	})
	if t.update.Volume > 0 {
		f.volumes.observe(t.id, exchangeOf(t.update.Source), t.update.Volume, time.Now())
	}
}

// exchangeOf folds fallback tick sources ("ccxt-kraken") onto the
// venue they poll, so volumes attribute per exchange.
func exchangeOf(source string) string {
	return strings.TrimPrefix(source, ccxt.Name+"-")
}

// Values serves the current-values surface: one row per requested
// feed, in request order. Partial failure is success; the error is
// non-nil only when every requested feed failed.
func (f *Facade) Values(ctx context.Context, ids []feed.ID) ([]FeedValue, error) {
	timer := latency.StartTimer(latency.StageRequest)
	defer timer.Stop()

	out := make([]FeedValue, 0, len(ids))
	failures := make(map[string]string)
	for _, id := range ids {
		f.trackAccess(id)
		entry, label, err := f.resolve(ctx, id)
		if err != nil {
			failures[id.Key()] = err.Error()
			out = append(out, FeedValue{Feed: id, Source: SourceFallbackError})
			continue
		}
		out = append(out, rowFrom(id, entry, label))
	}
	if len(ids) > 0 && len(failures) == len(ids) {
		return out, &UnavailableError{Failures: failures}
	}
	return out, nil
}

// RoundValues serves the historical surface for one voting round.
// Feeds unknown to the round are resolved like a current read and
// pinned to the round for VotingTTL.
func (f *Facade) RoundValues(ctx context.Context, round int64, ids []feed.ID) ([]FeedValue, error) {
	timer := latency.StartTimer(latency.StageRequest)
	defer timer.Stop()

	out := make([]FeedValue, 0, len(ids))
	failures := make(map[string]string)
	for _, id := range ids {
		if entry, ok := f.store.GetForVotingRound(id, round); ok {
			out = append(out, rowFrom(id, entry, SourceCache))
			continue
		}
		f.trackAccess(id)
		entry, label, err := f.resolve(ctx, id)
		if err != nil {
			failures[id.Key()] = err.Error()
			out = append(out, FeedValue{Feed: id, Source: SourceFallbackError})
			continue
		}
		f.store.SetForVotingRound(id, round, entry, f.cfg.VotingTTL)
		out = append(out, rowFrom(id, entry, label))
	}
	if len(ids) > 0 && len(failures) == len(ids) {
		return out, &UnavailableError{Failures: failures}
	}
	return out, nil
}

// Volumes serves rolling per-exchange volumes for each feed. A zero
// window means the default 60 s.
func (f *Facade) Volumes(ids []feed.ID, window time.Duration) []FeedVolumes {
	if window <= 0 {
		window = defaultVolumeWindow
	}
	out := make([]FeedVolumes, 0, len(ids))
	for _, id := range ids {
		out = append(out, FeedVolumes{Feed: id, Volumes: f.volumes.window(id, window)})
	}
	return out
}

// QueueStats reports tick pipeline pressure for the stats surface
func (f *Facade) QueueStats() (pushed, dropped int64, depth int) {
	return f.queue.Pushed(), f.queue.Dropped(), f.queue.Len()
}

// VolumeFeeds reports how many feeds carry volume history
func (f *Facade) VolumeFeeds() int {
	return f.volumes.trackedFeeds()
}

// resolve produces a value for one feed: cache hit, else a fresh fetch
// written back to the cache.
func (f *Facade) resolve(ctx context.Context, id feed.ID) (feed.AggregatedPrice, string, error) {
	if entry, ok := f.store.GetPrice(id); ok {
		return entry, SourceCache, nil
	}
	entry, label, err := f.fetchFresh(ctx, id)
	if err != nil {
		return feed.AggregatedPrice{}, SourceFallbackError, err
	}
	f.store.SetPrice(id, entry)
	return entry, label, nil
}

// fetchFresh aggregates across the feed's sources, falling to the
// shared Tier-2 poller when every source fails. It does not touch the
// cache.
func (f *Facade) fetchFresh(ctx context.Context, id feed.ID) (feed.AggregatedPrice, string, error) {
	entry, aggErr := f.aggregate(ctx, id)
	if aggErr == nil {
		return entry, SourceAggregated, nil
	}
	entry, fbErr := f.fallbackFetch(ctx, id)
	if fbErr == nil {
		f.logger.Debug().Str("feed", id.Key()).AnErr("aggregate", aggErr).Msg("served from fallback")
		return entry, SourceFallback, nil
	}
	return feed.AggregatedPrice{}, SourceFallbackError, fmt.Errorf("%v; fallback: %w", aggErr, fbErr)
}

type fetchResult struct {
	update feed.PriceUpdate
	err    error
}

// aggregate fans one feed across its configured sources and merges
// whatever came back. Partial success is success.
func (f *Facade) aggregate(ctx context.Context, id feed.ID) (feed.AggregatedPrice, error) {
	fc, ok := f.feedConfig(id)
	if !ok || len(fc.Sources) == 0 {
		return feed.AggregatedPrice{}, fmt.Errorf("facade: feed %s has no configured sources", id.Key())
	}

	ctx, cancel := context.WithTimeout(ctx, f.cfg.FetchBudget)
	defer cancel()
	timer := latency.StartTimer(latency.StageFetch)
	defer timer.Stop()

	srcs := fc.Sources
	results := make([]fetchResult, len(srcs))
	var wg sync.WaitGroup
	for i := range srcs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i].update, results[i].err = f.fetchSource(ctx, id, srcs[i])
		}(i)
	}
	wg.Wait()

	oks := make([]feed.PriceUpdate, 0, len(srcs))
	var errs []string
	for i, r := range results {
		if r.err != nil {
			errs = append(errs, srcs[i].Exchange+": "+r.err.Error())
			continue
		}
		oks = append(oks, r.update)
	}
	if len(oks) == 0 {
		return feed.AggregatedPrice{}, fmt.Errorf("facade: all %d sources failed for %s (%s)",
			len(srcs), id.Key(), strings.Join(errs, "; "))
	}
	if len(errs) > 0 {
		f.logger.Debug().Str("feed", id.Key()).Strs("failed", errs).Msg("partial aggregation")
	}
	return merge(oks), nil
}

// fetchSource pulls one (exchange, symbol) ticker through the serving
// adapter under the foreground retry schedule. Failures are handed to
// the error pipeline before they propagate.
func (f *Facade) fetchSource(ctx context.Context, id feed.ID, src feed.SourceRef) (feed.PriceUpdate, error) {
	var a adapters.Adapter
	if f.orch != nil {
		a, _ = f.orch.Adapter(src.Exchange)
	}
	if a == nil {
		return feed.PriceUpdate{}, fmt.Errorf("facade: no adapter serves %s", src.Exchange)
	}
	fetcher, ok := a.(adapters.RESTFetcher)
	if !ok {
		return feed.PriceUpdate{}, fmt.Errorf("facade: %s REST fetch: %w", src.Exchange, adapters.ErrUnsupported)
	}

	var u feed.PriceUpdate
	op := func(ctx context.Context) error {
		var err error
		u, err = fetcher.FetchTickerREST(ctx, src.Symbol)
		return err
	}
	var err error
	if f.retry != nil {
		err = f.retry.ExecuteWithRetry(ctx, retry.Options{
			ServiceID:     src.Exchange,
			OperationName: "fetch_ticker",
			Config:        &foregroundRetry,
		}, op)
	} else {
		err = op(ctx)
	}
	if err != nil {
		f.reportError(src.Exchange, err, id)
		return feed.PriceUpdate{}, err
	}
	return u, nil
}

// fallbackFetch tries the shared Tier-2 poller with every symbol the
// feed is configured under, first success wins. Fallback errors are
// not reported to the error pipeline: the fallback is itself the
// recovery path.
func (f *Facade) fallbackFetch(ctx context.Context, id feed.ID) (feed.AggregatedPrice, error) {
	if f.fallback == nil {
		return feed.AggregatedPrice{}, errors.New("facade: no fallback adapter")
	}

	var lastErr error
	for _, symbol := range f.fallbackSymbols(id) {
		var u feed.PriceUpdate
		op := func(ctx context.Context) error {
			var err error
			u, err = f.fallback.FetchTickerREST(ctx, symbol)
			return err
		}
		var err error
		if f.retry != nil {
			err = f.retry.ExecuteWithRetry(ctx, retry.Options{
				ServiceID:     ccxt.Name,
				OperationName: "fallback_ticker",
				Config:        &foregroundRetry,
			}, op)
		} else {
			err = op(ctx)
		}
		if err != nil {
			lastErr = err
			continue
		}
		return feed.AggregatedPrice{
			Price:      u.Price,
			Timestamp:  u.Timestamp,
			Sources:    []string{u.Source},
			Confidence: u.Confidence,
		}, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no symbols routed")
	}
	return feed.AggregatedPrice{}, lastErr
}

// fallbackSymbols lists the symbols to try on the fallback poller:
// each configured source symbol once, then the feed name itself.
func (f *Facade) fallbackSymbols(id feed.ID) []string {
	fc, ok := f.feedConfig(id)
	seen := make(map[string]struct{})
	var out []string
	if ok {
		for _, src := range fc.Sources {
			if _, dup := seen[src.Symbol]; dup {
				continue
			}
			seen[src.Symbol] = struct{}{}
			out = append(out, src.Symbol)
		}
	}
	if _, dup := seen[id.Name]; !dup {
		out = append(out, id.Name)
	}
	return out
}

func (f *Facade) feedConfig(id feed.ID) (feed.Config, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	fc, ok := f.feeds[id.Key()]
	return fc, ok
}

func (f *Facade) trackAccess(id feed.ID) {
	f.mu.RLock()
	w := f.warmer
	f.mu.RUnlock()
	if w != nil {
		w.TrackFeedAccess(id)
	}
}

func (f *Facade) reportError(sourceID string, err error, id feed.ID) {
	if f.errors == nil {
		return
	}
	f.errors.HandleError(sourceID, err, datasources.ErrorContext{Feed: &id, Operation: "fetch_ticker"})
}

func rowFrom(id feed.ID, entry feed.AggregatedPrice, label string) FeedValue {
	return FeedValue{
		Feed:       id,
		Value:      entry.Price,
		Timestamp:  entry.Timestamp,
		Confidence: entry.Confidence,
		Source:     label,
	}
}

// merge folds per-source updates into one row: confidence-weighted
// mean price, newest timestamp, source union in arrival order, mean
// confidence.
func merge(ups []feed.PriceUpdate) feed.AggregatedPrice {
	var weightSum, priceSum, confSum float64
	var ts int64
	sources := make([]string, 0, len(ups))
	seen := make(map[string]struct{}, len(ups))

	for _, u := range ups {
		w := u.Confidence
		if w < minMergeWeight {
			w = minMergeWeight
		}
		weightSum += w
		priceSum += w * u.Price
		confSum += u.Confidence
		if u.Timestamp > ts {
			ts = u.Timestamp
		}
		if _, dup := seen[u.Source]; !dup {
			seen[u.Source] = struct{}{}
			sources = append(sources, u.Source)
		}
	}
	return feed.AggregatedPrice{
		Price:      priceSum / weightSum,
		Timestamp:  ts,
		Sources:    sources,
		Confidence: confSum / float64(len(ups)),
	}
}
