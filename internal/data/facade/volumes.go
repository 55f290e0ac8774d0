package facade

import (
	"sort"
	"sync"
	"time"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/data/feed"
)

const (
	defaultVolumeRetention = 15 * time.Minute

	// maxSamplesPerSeries caps one (feed, exchange) series so a tick
	// storm cannot grow it past the retention horizon's worth of data.
	maxSamplesPerSeries = 4096
)

type volumeSample struct {
	at  time.Time
	vol float64
}

// volumeSeries holds samples oldest-first
type volumeSeries struct {
	samples []volumeSample
}

// volumeBook tracks rolling traded volume per (feed, exchange), fed by
// push ticks and queried by window. Samples older than the retention
// horizon are pruned as they age out.
type volumeBook struct {
	retention time.Duration

	mu     sync.Mutex
	series map[string]map[string]*volumeSeries // feed key -> exchange -> series
}

func newVolumeBook(retention time.Duration) *volumeBook {
	if retention <= 0 {
		retention = defaultVolumeRetention
	}
	return &volumeBook{
		retention: retention,
		series:    make(map[string]map[string]*volumeSeries),
	}
}

// observe appends one traded-volume sample. Non-positive volumes carry
// no information and are ignored.
func (b *volumeBook) observe(id feed.ID, exchange string, volume float64, at time.Time) {
	if volume <= 0 || exchange == "" {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	byExchange, ok := b.series[id.Key()]
	if !ok {
		byExchange = make(map[string]*volumeSeries)
		b.series[id.Key()] = byExchange
	}
	s, ok := byExchange[exchange]
	if !ok {
		s = &volumeSeries{}
		byExchange[exchange] = s
	}

	s.prune(at.Add(-b.retention))
	if len(s.samples) >= maxSamplesPerSeries {
		s.samples = s.samples[1:]
	}
	s.samples = append(s.samples, volumeSample{at: at, vol: volume})
}

// window sums each exchange's samples inside [now-window, now],
// sorted by exchange. Windows wider than the retention horizon are
// clamped to it.
func (b *volumeBook) window(id feed.ID, window time.Duration) []feed.ExchangeVolume {
	if window > b.retention {
		window = b.retention
	}
	cutoff := time.Now().Add(-window)

	b.mu.Lock()
	defer b.mu.Unlock()

	byExchange, ok := b.series[id.Key()]
	if !ok {
		return nil
	}

	out := make([]feed.ExchangeVolume, 0, len(byExchange))
	for exchange, s := range byExchange {
		s.prune(time.Now().Add(-b.retention))
		var sum float64
		for _, sample := range s.samples {
			if sample.at.Before(cutoff) {
				continue
			}
			sum += sample.vol
		}
		if sum > 0 {
			out = append(out, feed.ExchangeVolume{Exchange: exchange, Volume: sum})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Exchange < out[j].Exchange })
	return out
}

// trackedFeeds reports how many feeds have volume series, for stats
func (b *volumeBook) trackedFeeds() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.series)
}

// prune drops samples older than cutoff. Samples are appended in time
// order, so the scan stops at the first survivor.
func (s *volumeSeries) prune(cutoff time.Time) {
	i := 0
	for i < len(s.samples) && s.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		s.samples = append(s.samples[:0], s.samples[i:]...)
	}
}
