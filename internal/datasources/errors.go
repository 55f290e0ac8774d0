// Package datasources owns source health: classifying upstream errors,
// keeping per-source error history, deciding failover routes between
// the native Tier-1 adapters and the CCXT Tier-2 fallbacks, and running
// the recovery loop that probes unhealthy sources back into service.
package datasources

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/data/feed"
)

// Tier splits sources into the native adapters and the CCXT fallbacks
type Tier int

const (
	Tier1 Tier = 1 // native exchange adapters
	Tier2 Tier = 2 // CCXT REST fallbacks
)

// ccxtPrefix marks Tier-2 source identifiers ("ccxt-binance")
const ccxtPrefix = "ccxt-"

func (t Tier) String() string {
	if t == Tier2 {
		return "TIER2"
	}
	return "TIER1"
}

// TierOf derives the tier from the source identifier
func TierOf(sourceID string) Tier {
	if strings.HasPrefix(sourceID, ccxtPrefix) {
		return Tier2
	}
	return Tier1
}

// Classification buckets an upstream error by failure mode
type Classification string

const (
	ClassConnection     Classification = "CONNECTION"
	ClassValidation     Classification = "VALIDATION"
	ClassTimeout        Classification = "TIMEOUT"
	ClassRateLimit      Classification = "RATE_LIMIT"
	ClassAuthentication Classification = "AUTHENTICATION"
	ClassExchange       Classification = "EXCHANGE"
	ClassParsing        Classification = "PARSING"
	ClassStaleData      Classification = "STALE_DATA"
)

// Recoverable reports whether errors of this class are worth retrying
// or failing over; audit-the-config classes are not.
func (c Classification) Recoverable() bool {
	switch c {
	case ClassAuthentication, ClassValidation, ClassParsing:
		return false
	default:
		return true
	}
}

// baseSeverity is the class's severity before frequency escalation
func (c Classification) baseSeverity() Severity {
	switch c {
	case ClassAuthentication:
		return SeverityHigh
	case ClassValidation, ClassParsing:
		return SeverityLow
	default:
		return SeverityMedium
	}
}

// Severity orders errors for strategy selection. It is an output of
// recent-error frequency, never an input.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Data older than this is treated as stale regardless of the message
const staleDataAge = 2 * time.Second

// ErrorContext carries the cues classification reads beyond the
// message text. Zero values mean unknown.
type ErrorContext struct {
	Feed      *feed.ID
	Operation string
	DataAge   time.Duration
}

// ClassifiedError is one upstream failure after classification. It
// wraps the original error.
type ClassifiedError struct {
	SourceID       string         `json:"sourceId"`
	Tier           Tier           `json:"tier"`
	Classification Classification `json:"classification"`
	Severity       Severity       `json:"severity"`
	Recoverable    bool           `json:"recoverable"`
	Timestamp      time.Time      `json:"timestamp"`
	Feed           *feed.ID       `json:"feed,omitempty"`
	Operation      string         `json:"operation,omitempty"`
	Err            error          `json:"-"`
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s [%s/%s]: %v", e.SourceID, e.Classification, e.Severity, e.Err)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Classify buckets err by message heuristics and contextual cues.
// Severity carries the class's base level; the handler escalates it
// from recent history afterwards.
func Classify(sourceID string, err error, ectx ErrorContext) *ClassifiedError {
	class := classifyMessage(err.Error())
	if ectx.DataAge > staleDataAge {
		class = ClassStaleData
	}

	return &ClassifiedError{
		SourceID:       sourceID,
		Tier:           TierOf(sourceID),
		Classification: class,
		Severity:       class.baseSeverity(),
		Recoverable:    class.Recoverable(),
		Timestamp:      time.Now(),
		Feed:           ectx.Feed,
		Operation:      ectx.Operation,
		Err:            err,
	}
}

// classifyMessage matches case-insensitive fragments. Order matters:
// the more specific classes are checked before CONNECTION's broad net,
// and everything unmatched is the venue's problem (EXCHANGE).
func classifyMessage(msg string) Classification {
	m := strings.ToLower(msg)
	switch {
	case containsAny(m, "unauthorized", "forbidden", "api key", "apikey", "signature", "authentication", "permission denied"):
		return ClassAuthentication
	case containsAny(m, "rate limit", "too many requests", "429"):
		return ClassRateLimit
	case containsAny(m, "timeout", "timed out", "deadline exceeded", "etimedout"):
		return ClassTimeout
	case containsAny(m, "stale", "outdated"):
		return ClassStaleData
	case containsAny(m, "connection", "network", "econnreset", "enotfound", "broken pipe", "connection refused", "no such host", "websocket", "unexpected eof"):
		return ClassConnection
	case containsAny(m, "parse", "unmarshal", "decode", "invalid json", "unexpected token", "invalid character"):
		return ClassParsing
	case containsAny(m, "validation", "invalid", "malformed", "missing required", "out of range"):
		return ClassValidation
	default:
		return ClassExchange
	}
}

func containsAny(s string, fragments ...string) bool {
	for _, f := range fragments {
		if strings.Contains(s, f) {
			return true
		}
	}
	return false
}

// Escalation thresholds over the recent window
const (
	recentErrorWindow = 5 * time.Minute
	escalateAfter     = 3 // recent errors lift severity one level
	criticalAfter     = 5 // recent errors force critical
)

// escalateSeverity lifts base according to the recent-error count for
// the same source (count includes the error being classified).
func escalateSeverity(base Severity, recent int) Severity {
	switch {
	case recent >= criticalAfter:
		return SeverityCritical
	case recent >= escalateAfter && base < SeverityCritical:
		return base + 1
	default:
		return base
	}
}

// History keeps per-source error logs, bounded to the most recent
// historySize records within historyRetention.
type History struct {
	mu     sync.Mutex
	seq    int64
	bySrc  map[string]*expirable.LRU[int64, *ClassifiedError]
	size   int
	maxAge time.Duration
}

const (
	historySize      = 1000
	historyRetention = 24 * time.Hour
)

// NewHistory creates an empty history with the default bounds
func NewHistory() *History {
	return &History{
		bySrc:  make(map[string]*expirable.LRU[int64, *ClassifiedError]),
		size:   historySize,
		maxAge: historyRetention,
	}
}

// Record appends the error to its source's log, displacing the oldest
// record past the size bound. Expiry handles the age bound.
func (h *History) Record(e *ClassifiedError) {
	h.mu.Lock()
	defer h.mu.Unlock()

	lru, ok := h.bySrc[e.SourceID]
	if !ok {
		lru = expirable.NewLRU[int64, *ClassifiedError](h.size, nil, h.maxAge)
		h.bySrc[e.SourceID] = lru
	}
	h.seq++
	lru.Add(h.seq, e)
}

// Recent counts the source's errors within the window
func (h *History) Recent(sourceID string, window time.Duration) int {
	cutoff := time.Now().Add(-window)
	n := 0
	for _, e := range h.Errors(sourceID) {
		if !e.Timestamp.Before(cutoff) {
			n++
		}
	}
	return n
}

// Errors returns the source's log, oldest first
func (h *History) Errors(sourceID string) []*ClassifiedError {
	h.mu.Lock()
	lru, ok := h.bySrc[sourceID]
	h.mu.Unlock()
	if !ok {
		return nil
	}
	return lru.Values()
}

// Len reports the current record count for a source
func (h *History) Len(sourceID string) int {
	h.mu.Lock()
	lru, ok := h.bySrc[sourceID]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	return lru.Len()
}
