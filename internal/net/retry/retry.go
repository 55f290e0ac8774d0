package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/events"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/net/circuit"
)

// ErrShuttingDown aborts retry loops during graceful shutdown
var ErrShuttingDown = errors.New("retry executor shutting down")

// Config tunes the backoff schedule for one call site
type Config struct {
	MaxRetries        int           `yaml:"max_retries"`
	InitialDelay      time.Duration `yaml:"initial_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	JitterMin         float64       `yaml:"jitter_min"`
	JitterSpan        float64       `yaml:"jitter_span"`
	RetryableErrors   []string      `yaml:"retryable_errors"`
}

// DefaultConfig is the general-purpose schedule
func DefaultConfig() Config {
	return Config{
		MaxRetries:        3,
		InitialDelay:      500 * time.Millisecond,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
		JitterMin:         0.8,
		JitterSpan:        0.4,
	}
}

func (c *Config) setDefaults() {
	d := DefaultConfig()
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = d.BackoffMultiplier
	}
	if c.JitterMin <= 0 {
		c.JitterMin = d.JitterMin
	}
	if c.JitterSpan < 0 {
		c.JitterSpan = d.JitterSpan
	}
}

// Options names the operation for circuits, stats, and events
type Options struct {
	ServiceID     string
	OperationName string
	Config        *Config // nil means DefaultConfig
}

// ServiceStats aggregates retry outcomes per service
type ServiceStats struct {
	TotalAttempts     int64     `json:"totalAttempts"`
	SuccessfulRetries int64     `json:"successfulRetries"`
	FailedRetries     int64     `json:"failedRetries"`
	AverageRetryTime  float64   `json:"averageRetryTime"` // ms, mean duration of retried calls
	LastRetryTime     time.Time `json:"lastRetryTime"`

	retriedCalls int64
	totalNanos   int64
}

// Executor runs operations under exponential backoff with jitter.
// Every attempt is dispatched through the service's circuit breaker,
// so an OPEN circuit short-circuits the whole loop.
type Executor struct {
	circuits *circuit.Manager
	bus      *events.Bus

	mu    sync.Mutex
	stats map[string]*ServiceStats

	shutdown atomic.Bool
}

// NewExecutor wires the executor to a circuit manager and an optional
// event bus.
func NewExecutor(circuits *circuit.Manager, bus *events.Bus) *Executor {
	return &Executor{
		circuits: circuits,
		bus:      bus,
		stats:    make(map[string]*ServiceStats),
	}
}

// Shutdown makes every pending retry loop re-raise at its next
// boundary and prevents new waits. In-flight attempts finish or time
// out naturally under their circuit's operation timeout.
func (e *Executor) Shutdown() {
	e.shutdown.Store(true)
}

// ExecuteWithRetry attempts op up to MaxRetries+1 times. Before each
// retry it waits delay·(jitterMin + rand·jitterSpan) and then grows
// delay by the backoff multiplier, capped at MaxDelay. Non-retryable
// errors, open circuits, shutdown, and context cancellation re-raise
// immediately.
func (e *Executor) ExecuteWithRetry(ctx context.Context, opts Options, op func(ctx context.Context) error) error {
	cfg := DefaultConfig()
	if opts.Config != nil {
		cfg = *opts.Config
	}
	cfg.setDefaults()

	start := time.Now()
	delay := cfg.InitialDelay
	attemptsMade := 0
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if e.shutdown.Load() {
				e.recordFailure(opts, start, attemptsMade)
				return fmt.Errorf("%s: %w", opts.OperationName, ErrShuttingDown)
			}

			wait := time.Duration(float64(delay) * (cfg.JitterMin + rand.Float64()*cfg.JitterSpan))
			log.Debug().
				Str("service", opts.ServiceID).
				Str("operation", opts.OperationName).
				Int("attempt", attempt).
				Dur("wait", wait).
				Msg("retry scheduled")

			select {
			case <-ctx.Done():
				e.recordFailure(opts, start, attemptsMade)
				return ctx.Err()
			case <-time.After(wait):
			}

			delay = time.Duration(float64(delay) * cfg.BackoffMultiplier)
			if delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
		}

		e.countAttempt(opts.ServiceID)
		attemptsMade++
		err := e.circuits.Execute(ctx, opts.ServiceID, op)
		if err == nil {
			if attempt > 0 {
				e.recordSuccess(opts, start, attemptsMade)
			}
			return nil
		}
		lastErr = err

		if errors.Is(err, circuit.ErrCircuitOpen) {
			break
		}
		if !Retryable(err, cfg.RetryableErrors) {
			break
		}
	}

	e.recordFailure(opts, start, attemptsMade)
	return fmt.Errorf("%s: %w", opts.OperationName, lastErr)
}

// Stats returns a copy of the per-service retry counters
func (e *Executor) Stats() map[string]ServiceStats {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[string]ServiceStats, len(e.stats))
	for service, s := range e.stats {
		out[service] = *s
	}
	return out
}

func (e *Executor) serviceStats(service string) *ServiceStats {
	s, ok := e.stats[service]
	if !ok {
		s = &ServiceStats{}
		e.stats[service] = s
	}
	return s
}

func (e *Executor) countAttempt(service string) {
	e.mu.Lock()
	e.serviceStats(service).TotalAttempts++
	e.mu.Unlock()
}

func (e *Executor) recordSuccess(opts Options, start time.Time, attempts int) {
	elapsed := time.Since(start)

	e.mu.Lock()
	s := e.serviceStats(opts.ServiceID)
	s.SuccessfulRetries++
	s.LastRetryTime = time.Now()
	s.retriedCalls++
	s.totalNanos += elapsed.Nanoseconds()
	s.AverageRetryTime = float64(s.totalNanos) / float64(s.retriedCalls) / 1e6
	e.mu.Unlock()

	if e.bus != nil {
		e.bus.Publish(events.TopicRetrySuccess, map[string]any{
			"service":   opts.ServiceID,
			"operation": opts.OperationName,
			"attempts":  attempts,
			"elapsed":   elapsed,
		})
	}
}

func (e *Executor) recordFailure(opts Options, start time.Time, attempts int) {
	if attempts <= 1 {
		// First-attempt failures are not retries
		return
	}
	elapsed := time.Since(start)

	e.mu.Lock()
	s := e.serviceStats(opts.ServiceID)
	s.FailedRetries++
	s.LastRetryTime = time.Now()
	s.retriedCalls++
	s.totalNanos += elapsed.Nanoseconds()
	s.AverageRetryTime = float64(s.totalNanos) / float64(s.retriedCalls) / 1e6
	e.mu.Unlock()

	if e.bus != nil {
		e.bus.Publish(events.TopicRetryFailure, map[string]any{
			"service":   opts.ServiceID,
			"operation": opts.OperationName,
			"attempts":  attempts,
			"elapsed":   elapsed,
		})
	}
}

// Specialized schedules. Cache retries stay minimal to keep read
// latency bounded.

// ExecuteHTTP retries an HTTP call site
func (e *Executor) ExecuteHTTP(ctx context.Context, serviceID, operation string, op func(ctx context.Context) error) error {
	cfg := Config{
		MaxRetries:        3,
		InitialDelay:      250 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 2.0,
	}
	return e.ExecuteWithRetry(ctx, Options{ServiceID: serviceID, OperationName: operation, Config: &cfg}, op)
}

// ExecuteDatabase retries a storage call site
func (e *Executor) ExecuteDatabase(ctx context.Context, serviceID, operation string, op func(ctx context.Context) error) error {
	cfg := Config{
		MaxRetries:        2,
		InitialDelay:      500 * time.Millisecond,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2.0,
	}
	return e.ExecuteWithRetry(ctx, Options{ServiceID: serviceID, OperationName: operation, Config: &cfg}, op)
}

// ExecuteCache retries a cache call site at most once
func (e *Executor) ExecuteCache(ctx context.Context, serviceID, operation string, op func(ctx context.Context) error) error {
	cfg := Config{
		MaxRetries:        1,
		InitialDelay:      50 * time.Millisecond,
		MaxDelay:          100 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
	return e.ExecuteWithRetry(ctx, Options{ServiceID: serviceID, OperationName: operation, Config: &cfg}, op)
}

// ExecuteExternalAPI retries a third-party API call site with a
// patient schedule and rate-limit awareness.
func (e *Executor) ExecuteExternalAPI(ctx context.Context, serviceID, operation string, op func(ctx context.Context) error) error {
	cfg := Config{
		MaxRetries:        4,
		InitialDelay:      time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
		RetryableErrors:   []string{"retry later", "backoff"},
	}
	return e.ExecuteWithRetry(ctx, Options{ServiceID: serviceID, OperationName: operation, Config: &cfg}, op)
}
