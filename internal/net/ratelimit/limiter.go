// Package ratelimit throttles outbound REST traffic per venue host.
// Every exchange publishes its own request budget; going over it gets
// the provider IP-banned, which is strictly worse than a slow answer.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// HostLimit overrides the default budget for one host
type HostLimit struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// Config sets the default token budget and per-host overrides
type Config struct {
	RPS       float64              `yaml:"rps"`
	Burst     int                  `yaml:"burst"`
	Overrides map[string]HostLimit `yaml:"overrides"`
}

// DefaultConfig allows 10 req/s with a burst of 20 against any single
// host, safely inside the public budgets of the venues we poll.
func DefaultConfig() Config {
	return Config{RPS: 10, Burst: 20}
}

func (c *Config) setDefaults() {
	if c.RPS <= 0 {
		c.RPS = 10
	}
	if c.Burst <= 0 {
		c.Burst = 20
	}
}

// Limiter hands out per-host token buckets and honors server-imposed
// pauses (Retry-After). Safe for concurrent use.
type Limiter struct {
	mu      sync.RWMutex
	cfg     Config
	buckets map[string]*rate.Limiter
	paused  map[string]time.Time
}

// New creates a limiter; buckets materialize lazily per host
func New(cfg Config) *Limiter {
	cfg.setDefaults()
	return &Limiter{
		cfg:     cfg,
		buckets: make(map[string]*rate.Limiter),
		paused:  make(map[string]time.Time),
	}
}

func (l *Limiter) bucket(host string) *rate.Limiter {
	l.mu.RLock()
	b, ok := l.buckets[host]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[host]; ok {
		return b
	}
	rps, burst := l.cfg.RPS, l.cfg.Burst
	if override, ok := l.cfg.Overrides[host]; ok {
		if override.RPS > 0 {
			rps = override.RPS
		}
		if override.Burst > 0 {
			burst = override.Burst
		}
	}
	b = rate.NewLimiter(rate.Limit(rps), burst)
	l.buckets[host] = b
	return b
}

// pauseRemaining reports how long the host is still server-paused
func (l *Limiter) pauseRemaining(host string) time.Duration {
	l.mu.RLock()
	until, ok := l.paused[host]
	l.mu.RUnlock()
	if !ok {
		return 0
	}
	remaining := time.Until(until)
	if remaining <= 0 {
		l.mu.Lock()
		// Recheck: a later PauseHost may have extended the window
		if until2, ok := l.paused[host]; ok && !until2.After(time.Now()) {
			delete(l.paused, host)
		}
		l.mu.Unlock()
		return 0
	}
	return remaining
}

// Allow reports whether one request to host may proceed right now.
// Paused hosts always refuse.
func (l *Limiter) Allow(host string) bool {
	if l.pauseRemaining(host) > 0 {
		return false
	}
	return l.bucket(host).Allow()
}

// Wait blocks until a token is available for host or ctx ends. A
// server-imposed pause is waited out before the token bucket is
// consulted.
func (l *Limiter) Wait(ctx context.Context, host string) error {
	if remaining := l.pauseRemaining(host); remaining > 0 {
		timer := time.NewTimer(remaining)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return l.bucket(host).Wait(ctx)
}

// PauseHost suspends all traffic to host for d, typically sourced from
// a 429 Retry-After header. Later pauses only ever extend the window.
func (l *Limiter) PauseHost(host string, d time.Duration) {
	if d <= 0 {
		return
	}
	until := time.Now().Add(d)
	l.mu.Lock()
	if current, ok := l.paused[host]; !ok || until.After(current) {
		l.paused[host] = until
	}
	l.mu.Unlock()
}

// SetHostLimit replaces the budget for one host at runtime
func (l *Limiter) SetHostLimit(host string, rps float64, burst int) {
	if rps <= 0 || burst <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[host]; ok {
		b.SetLimit(rate.Limit(rps))
		b.SetBurst(burst)
	} else {
		l.buckets[host] = rate.NewLimiter(rate.Limit(rps), burst)
	}
	if l.cfg.Overrides == nil {
		l.cfg.Overrides = make(map[string]HostLimit)
	}
	l.cfg.Overrides[host] = HostLimit{RPS: rps, Burst: burst}
}

// HostStats describes one host's current throttle state
type HostStats struct {
	Host        string    `json:"host"`
	RPS         float64   `json:"rps"`
	Burst       int       `json:"burst"`
	Tokens      float64   `json:"tokens"`
	PausedUntil time.Time `json:"pausedUntil,omitempty"`
	Paused      bool      `json:"paused"`
}

// Stats snapshots every host seen so far
func (l *Limiter) Stats() map[string]HostStats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	now := time.Now()
	stats := make(map[string]HostStats, len(l.buckets))
	for host, b := range l.buckets {
		s := HostStats{
			Host:   host,
			RPS:    float64(b.Limit()),
			Burst:  b.Burst(),
			Tokens: b.Tokens(),
		}
		if until, ok := l.paused[host]; ok && until.After(now) {
			s.Paused = true
			s.PausedUntil = until
		}
		stats[host] = s
	}
	return stats
}
