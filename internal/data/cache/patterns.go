package cache

import (
	"math"
	"sort"
	"time"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/data/feed"
)

// AccessPattern is the warmer's per-feed usage record. Owned by the
// warmer; readers get copies via snapshots.
type AccessPattern struct {
	Feed                feed.ID       `json:"feed"`
	AccessCount         int64         `json:"accessCount"`
	LastAccessed        time.Time     `json:"lastAccessed"`
	AverageInterval     time.Duration `json:"averageInterval"`
	Priority            float64       `json:"priority"`
	PredictedNextAccess time.Time     `json:"predictedNextAccess"`
	WarmingSuccess      int64         `json:"warmingSuccess"`
	WarmingFailures     int64         `json:"warmingFailures"`
}

// PriorityConfig carries the tunable constants of the ranking score
type PriorityConfig struct {
	BaseWeight        float64       `yaml:"base_weight"`
	RecentWindow      time.Duration `yaml:"recent_window"`
	MediumWindow      time.Duration `yaml:"medium_window"`
	LongWindow        time.Duration `yaml:"long_window"`
	FrequentInterval  time.Duration `yaml:"frequent_interval"`
	RegularInterval   time.Duration `yaml:"regular_interval"`
	DefaultSuccess    float64       `yaml:"default_success"`
	BaseHalfLifeHours float64       `yaml:"base_half_life_hours"`
	Min               float64       `yaml:"min"`
	Max               float64       `yaml:"max"`
}

func defaultPriorityConfig() PriorityConfig {
	return PriorityConfig{
		BaseWeight:        10,
		RecentWindow:      30 * time.Minute,
		MediumWindow:      2 * time.Hour,
		LongWindow:        8 * time.Hour,
		FrequentInterval:  15 * time.Second,
		RegularInterval:   60 * time.Second,
		DefaultSuccess:    0.8,
		BaseHalfLifeHours: 2,
		Min:               0.1,
		Max:               1000,
	}
}

// score ranks a pattern for warming. Heavier use, recent use, short
// intervals, and reliable warming all raise it; idle hours decay it
// with a half-life that lengthens as the feed proves popular.
func (pc PriorityConfig) score(p *AccessPattern, now time.Time) float64 {
	s := math.Log(float64(p.AccessCount)+1) * pc.BaseWeight

	idle := now.Sub(p.LastAccessed)
	switch {
	case idle <= pc.RecentWindow:
		s *= 3.0
	case idle <= pc.MediumWindow:
		s *= 2.0
	case idle <= pc.LongWindow:
		s *= 1.5
	}

	if p.AverageInterval > 0 {
		switch {
		case p.AverageInterval < pc.FrequentInterval:
			s *= 2.5
		case p.AverageInterval < pc.RegularInterval:
			s *= 1.5
		}
	}

	rate := pc.DefaultSuccess
	if attempts := p.WarmingSuccess + p.WarmingFailures; attempts > 0 {
		rate = float64(p.WarmingSuccess) / float64(attempts)
	}
	s *= 0.5 + rate

	halfLife := pc.BaseHalfLifeHours + math.Log(float64(p.AccessCount)+1)
	s *= math.Exp(-idle.Hours() / halfLife)

	s *= 1 + 0.2*math.Log10(float64(p.AccessCount)+1)

	return math.Min(math.Max(s, pc.Min), pc.Max)
}

// FeedPriority is one row of the public warming ranking
type FeedPriority struct {
	Feed         feed.ID   `json:"feed"`
	Priority     float64   `json:"priority"`
	AccessCount  int64     `json:"accessCount"`
	LastAccessed time.Time `json:"lastAccessed"`
}

// rankPatterns sorts pattern snapshots by priority, highest first,
// breaking ties by access count then key for stable output.
func rankPatterns(patterns []FeedPriority) {
	sort.Slice(patterns, func(i, j int) bool {
		if patterns[i].Priority != patterns[j].Priority {
			return patterns[i].Priority > patterns[j].Priority
		}
		if patterns[i].AccessCount != patterns[j].AccessCount {
			return patterns[i].AccessCount > patterns[j].AccessCount
		}
		return patterns[i].Feed.Key() < patterns[j].Feed.Key()
	})
}
