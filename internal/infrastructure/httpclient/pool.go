// Package httpclient is the shared REST client for venue traffic. One
// pool serves every adapter: a tuned transport, a concurrency cap, a
// per-host rate limiter, and a per-host circuit so a melting venue
// cannot soak up connections the healthy ones need.
//
// The pool performs exactly one attempt per call. Retry schedules
// belong to the retry executor; stacking a second loop here would
// multiply attempts against venues that are already struggling.
package httpclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/infra/breakers"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/net/ratelimit"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/telemetry/latency"
)

// Config tunes the pool and its transport
type Config struct {
	MaxConcurrency  int           `yaml:"max_concurrency"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
	UserAgent       string        `yaml:"user_agent"`
}

// DefaultConfig suits a provider polling a handful of venues
func DefaultConfig() Config {
	return Config{
		MaxConcurrency:  32,
		RequestTimeout:  5 * time.Second,
		MaxIdleConns:    64,
		MaxConnsPerHost: 8,
		IdleConnTimeout: 90 * time.Second,
		UserAgent:       "ftso-feed-value-provider/1.0",
	}
}

func (c *Config) setDefaults() {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 32
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 5 * time.Second
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 64
	}
	if c.MaxConnsPerHost <= 0 {
		c.MaxConnsPerHost = 8
	}
	if c.IdleConnTimeout <= 0 {
		c.IdleConnTimeout = 90 * time.Second
	}
	if c.UserAgent == "" {
		c.UserAgent = "ftso-feed-value-provider/1.0"
	}
}

// StatusError is a non-2xx response. Its message carries the standard
// status text so the retry classifier can tell transient statuses from
// permanent ones.
type StatusError struct {
	Code int
	Host string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http status %d %s from %s", e.Code, http.StatusText(e.Code), e.Host)
}

// Stats is a snapshot of pool activity
type Stats struct {
	TotalRequests   int64   `json:"totalRequests"`
	SuccessRequests int64   `json:"successRequests"`
	FailedRequests  int64   `json:"failedRequests"`
	Rejected        int64   `json:"rejected"` // refused by breaker or limiter
	AvgLatencyMs    float64 `json:"avgLatencyMs"`
}

// Pool is the guarded client. Safe for concurrent use.
type Pool struct {
	cfg     Config
	client  *http.Client
	limiter *ratelimit.Limiter
	sem     chan struct{}

	mu       sync.Mutex
	guards   map[string]*breakers.Breaker
	total    int64
	success  int64
	failed   int64
	rejected int64
	nanos    int64
}

// New builds a pool over the limiter. A nil limiter disables
// client-side throttling, which only test harnesses should do.
func New(cfg Config, limiter *ratelimit.Limiter) *Pool {
	cfg.setDefaults()
	transport := &http.Transport{
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxConnsPerHost:     cfg.MaxConnsPerHost,
		MaxIdleConnsPerHost: cfg.MaxConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
	}
	return &Pool{
		cfg:     cfg,
		client:  &http.Client{Transport: transport, Timeout: cfg.RequestTimeout},
		limiter: limiter,
		sem:     make(chan struct{}, cfg.MaxConcurrency),
		guards:  make(map[string]*breakers.Breaker),
	}
}

// GetJSON performs one guarded GET and decodes the body into out
func (p *Pool) GetJSON(ctx context.Context, rawURL string, out any) error {
	return p.do(ctx, rawURL, func(body io.Reader) error {
		return json.NewDecoder(body).Decode(out)
	})
}

// Check performs one guarded GET and discards the body. Health probes
// only need the status line.
func (p *Pool) Check(ctx context.Context, rawURL string) error {
	return p.do(ctx, rawURL, func(body io.Reader) error {
		_, err := io.Copy(io.Discard, io.LimitReader(body, 4<<10))
		return err
	})
}

func (p *Pool) do(ctx context.Context, rawURL string, consume func(io.Reader) error) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	host := u.Host

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx, host); err != nil {
			p.count(func() { p.rejected++ })
			return err
		}
	}

	select {
	case p.sem <- struct{}{}:
		defer func() { <-p.sem }()
	case <-ctx.Done():
		p.count(func() { p.rejected++ })
		return ctx.Err()
	}

	start := time.Now()
	_, err = p.guard(host).Execute(func() (any, error) {
		return nil, p.attempt(ctx, rawURL, host, consume)
	})
	elapsed := time.Since(start)
	latency.Record(latency.StageFetch, elapsed)

	p.mu.Lock()
	p.total++
	p.nanos += elapsed.Nanoseconds()
	if err != nil {
		p.failed++
	} else {
		p.success++
	}
	p.mu.Unlock()

	if err != nil {
		log.Debug().Err(err).Str("host", host).Dur("elapsed", elapsed).Msg("rest request failed")
	}
	return err
}

func (p *Pool) attempt(ctx context.Context, rawURL, host string, consume func(io.Reader) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", p.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		if d := retryAfter(resp); d > 0 && p.limiter != nil {
			p.limiter.PauseHost(host, d)
			log.Warn().Str("host", host).Dur("pause", d).Msg("venue sent retry-after, pausing host")
		}
		return &StatusError{Code: resp.StatusCode, Host: host}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, Host: host}
	}
	return consume(resp.Body)
}

// guard returns the host's breaker, creating it on first use
func (p *Pool) guard(host string) *breakers.Breaker {
	p.mu.Lock()
	defer p.mu.Unlock()
	g, ok := p.guards[host]
	if !ok {
		g = breakers.New(host)
		p.guards[host] = g
	}
	return g
}

// count runs one counter mutation under the stats mutex
func (p *Pool) count(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn()
}

// Stats snapshots pool counters
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{
		TotalRequests:   p.total,
		SuccessRequests: p.success,
		FailedRequests:  p.failed,
		Rejected:        p.rejected,
	}
	if p.total > 0 {
		s.AvgLatencyMs = float64(p.nanos) / float64(p.total) / 1e6
	}
	return s
}

// IsStatus reports whether err is a StatusError with the given code
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

// retryAfter parses the Retry-After header, seconds or HTTP-date form
func retryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
