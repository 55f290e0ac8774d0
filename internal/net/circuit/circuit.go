package circuit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	// ErrCircuitOpen is returned when the circuit breaker is open
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrOperationTimeout is returned when an operation exceeds its timeout
	ErrOperationTimeout = errors.New("operation timeout")
)

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // requests allowed
	StateOpen                  // requests blocked
	StateHalfOpen              // probing for recovery
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// History is bounded to this many records regardless of window length
const maxHistoryEntries = 500

// Pruning the history to the monitoring window happens lazily, at most
// this often per service.
const pruneInterval = 10 * time.Second

// openWarnCooldown rate-limits the "circuit opened" warning per service
const openWarnCooldown = 30 * time.Second

// Config tunes one circuit
type Config struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
	SuccessThreshold int           `yaml:"success_threshold"`
	OperationTimeout time.Duration `yaml:"operation_timeout"`
	MonitoringWindow time.Duration `yaml:"monitoring_window"`
}

// DefaultConfig is the general-purpose tuning
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		SuccessThreshold: 2,
		OperationTimeout: 10 * time.Second,
		MonitoringWindow: time.Minute,
	}
}

// AdapterConfig tolerates the natural flapping of WebSocket adapters:
// a higher failure threshold and a quicker recovery probe.
func AdapterConfig() Config {
	return Config{
		FailureThreshold: 10,
		RecoveryTimeout:  15 * time.Second,
		SuccessThreshold: 2,
		OperationTimeout: 10 * time.Second,
		MonitoringWindow: time.Minute,
	}
}

// ExchangeConfig tunes circuits guarding known exchange sources, which
// reconnect constantly and must not latch open.
func ExchangeConfig() Config {
	return Config{
		FailureThreshold: 15,
		RecoveryTimeout:  10 * time.Second,
		SuccessThreshold: 1,
		OperationTimeout: 8 * time.Second,
		MonitoringWindow: time.Minute,
	}
}

func (c *Config) setDefaults() {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = d.RecoveryTimeout
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = d.OperationTimeout
	}
	if c.MonitoringWindow <= 0 {
		c.MonitoringWindow = d.MonitoringWindow
	}
}

// record is one completed invocation in the monitoring history
type record struct {
	at           time.Time
	success      bool
	responseTime time.Duration
}

// Breaker guards one named downstream service. State transitions form
// CLOSED→OPEN→HALF_OPEN→{CLOSED, OPEN} and nothing else.
type Breaker struct {
	name   string
	config Config

	mu              sync.Mutex
	state           State
	failures        int // consecutive failures
	successes       int // consecutive half-open successes
	lastFailureTime time.Time
	lastSuccessTime time.Time
	lastStateChange time.Time
	lastRequest     time.Time
	lastOpenWarn    time.Time

	history   []record
	lastPrune time.Time

	onStateChange func(name string, from, to State)
}

// NewBreaker creates a circuit breaker for a named service
func NewBreaker(name string, config Config) *Breaker {
	config.setDefaults()
	return &Breaker{
		name:            name,
		config:          config,
		state:           StateClosed,
		lastStateChange: time.Now(),
	}
}

// Call executes fn under the breaker's operation timeout. When the
// circuit is OPEN and the cooldown has not elapsed it fast-fails with
// ErrCircuitOpen without invoking fn. A timeout counts as a failure.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	if !b.allowRequest() {
		return ErrCircuitOpen
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, b.config.OperationTimeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- fn(timeoutCtx)
	}()

	select {
	case err := <-done:
		elapsed := time.Since(start)
		if err != nil {
			b.onFailure(elapsed)
			return err
		}
		b.onSuccess(elapsed)
		return nil
	case <-timeoutCtx.Done():
		b.onFailure(time.Since(start))
		if errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
			return ErrOperationTimeout
		}
		return timeoutCtx.Err()
	}
}

// allowRequest gates on state, lazily moving OPEN→HALF_OPEN once the
// recovery timeout has elapsed.
func (b *Breaker) allowRequest() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastRequest = time.Now()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if time.Since(b.lastFailureTime) >= b.config.RecoveryTimeout {
			b.setStateLocked(StateHalfOpen)
			return true
		}
		return false
	default:
		return false
	}
}

func (b *Breaker) onSuccess(elapsed time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastSuccessTime = time.Now()
	b.appendRecordLocked(record{at: b.lastSuccessTime, success: true, responseTime: elapsed})

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.setStateLocked(StateClosed)
			b.failures = 0
			b.successes = 0
		}
	}
}

func (b *Breaker) onFailure(elapsed time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailureTime = time.Now()
	b.appendRecordLocked(record{at: b.lastFailureTime, success: false, responseTime: elapsed})

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			b.setStateLocked(StateOpen)
		}
	case StateHalfOpen:
		b.successes = 0
		b.setStateLocked(StateOpen)
	}
}

// setStateLocked performs a transition; caller holds b.mu
func (b *Breaker) setStateLocked(state State) {
	if b.state == state {
		return
	}
	from := b.state
	b.state = state
	b.lastStateChange = time.Now()

	if state == StateHalfOpen {
		b.failures = 0
		b.successes = 0
	}
	if state == StateOpen {
		if time.Since(b.lastOpenWarn) >= openWarnCooldown {
			b.lastOpenWarn = time.Now()
			log.Warn().
				Str("service", b.name).
				Int("failures", b.failures).
				Msg("circuit opened")
		}
	}
	if b.onStateChange != nil {
		go b.onStateChange(b.name, from, state)
	}
}

func (b *Breaker) appendRecordLocked(rec record) {
	if len(b.history) >= maxHistoryEntries {
		b.history = b.history[1:]
	}
	b.history = append(b.history, rec)

	if time.Since(b.lastPrune) >= pruneInterval {
		b.pruneLocked(rec.at)
	}
}

// pruneLocked drops history older than the monitoring window
func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.config.MonitoringWindow)
	idx := 0
	for idx < len(b.history) && b.history[idx].at.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		b.history = append([]record(nil), b.history[idx:]...)
	}
	b.lastPrune = now
}

// State returns the current state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Metrics summarizes the monitoring window
type Metrics struct {
	State               State     `json:"state"`
	RequestCount        int       `json:"requestCount"`
	FailureRate         float64   `json:"failureRate"`
	AverageResponseTime float64   `json:"averageResponseTime"` // ms
	LastStateChange     time.Time `json:"lastStateChange"`
}

// Metrics computes request count, failure rate, and mean response time
// over the monitoring window.
func (b *Breaker) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := time.Now().Add(-b.config.MonitoringWindow)
	var requests, failures int
	var totalRT time.Duration
	for _, rec := range b.history {
		if rec.at.Before(cutoff) {
			continue
		}
		requests++
		if !rec.success {
			failures++
		}
		totalRT += rec.responseTime
	}

	m := Metrics{
		State:           b.state,
		RequestCount:    requests,
		LastStateChange: b.lastStateChange,
	}
	if requests > 0 {
		m.FailureRate = float64(failures) / float64(requests)
		m.AverageResponseTime = float64(totalRT.Nanoseconds()) / float64(requests) / 1e6
	}
	return m
}

// Stats is the full diagnostic snapshot of one circuit
type Stats struct {
	State                State     `json:"state"`
	ConsecutiveFailures  int       `json:"consecutiveFailures"`
	ConsecutiveSuccesses int       `json:"consecutiveSuccesses"`
	LastFailureTime      time.Time `json:"lastFailureTime,omitempty"`
	LastSuccessTime      time.Time `json:"lastSuccessTime,omitempty"`
	LastStateChange      time.Time `json:"lastStateChange"`
	RequestCount         int       `json:"requestCount"`
	FailureRate          float64   `json:"failureRate"`
}

func (b *Breaker) Stats() Stats {
	m := b.Metrics()

	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		State:                b.state,
		ConsecutiveFailures:  b.failures,
		ConsecutiveSuccesses: b.successes,
		LastFailureTime:      b.lastFailureTime,
		LastSuccessTime:      b.lastSuccessTime,
		LastStateChange:      b.lastStateChange,
		RequestCount:         m.RequestCount,
		FailureRate:          m.FailureRate,
	}
}

// IsHealthy reports whether the circuit looks safe to route through
func (s Stats) IsHealthy() bool {
	return s.State == StateClosed && (s.RequestCount == 0 || s.FailureRate <= 0.1)
}

// Reset returns the breaker to CLOSED with fresh counters and history
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.setStateLocked(StateClosed)
	b.failures = 0
	b.successes = 0
	b.history = nil
	b.lastFailureTime = time.Time{}
	b.lastSuccessTime = time.Time{}
}

// sweepHalfOpenIdle returns a HALF_OPEN circuit with no request in
// idleFor back to CLOSED with fresh counters. Used by the manager's
// background health pass.
func (b *Breaker) sweepHalfOpenIdle(idleFor time.Duration) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateHalfOpen || time.Since(b.lastRequest) < idleFor {
		return false
	}
	b.setStateLocked(StateClosed)
	b.failures = 0
	b.successes = 0
	return true
}

// sweepStuckOpen forces an OPEN circuit older than recoveryTimeout +
// grace into HALF_OPEN so the next request probes it.
func (b *Breaker) sweepStuckOpen(grace time.Duration) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen || time.Since(b.lastStateChange) < b.config.RecoveryTimeout+grace {
		return false
	}
	b.setStateLocked(StateHalfOpen)
	return true
}
