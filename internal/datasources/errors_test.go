package datasources

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/data/feed"
)

func TestTierOf(t *testing.T) {
	if got := TierOf("binance"); got != Tier1 {
		t.Errorf("TierOf(binance) = %s, want TIER1", got)
	}
	if got := TierOf("ccxt-binance"); got != Tier2 {
		t.Errorf("TierOf(ccxt-binance) = %s, want TIER2", got)
	}
}

func TestClassifyMessages(t *testing.T) {
	cases := []struct {
		msg  string
		want Classification
	}{
		{"connection refused", ClassConnection},
		{"websocket: close 1006 (abnormal closure)", ClassConnection},
		{"read tcp: ECONNRESET", ClassConnection},
		{"dial tcp: no such host", ClassConnection},
		{"request timed out", ClassTimeout},
		{"context deadline exceeded", ClassTimeout},
		{"429 Too Many Requests", ClassRateLimit},
		{"rate limit exceeded, retry later", ClassRateLimit},
		{"401 Unauthorized", ClassAuthentication},
		{"invalid api key signature", ClassAuthentication},
		{"json: cannot unmarshal string into float64", ClassParsing},
		{"invalid character '<' looking for beginning of value", ClassParsing},
		{"validation failed: price must be positive", ClassValidation},
		{"malformed symbol", ClassValidation},
		{"ticker data is stale", ClassStaleData},
		{"exchange maintenance window", ClassExchange},
		{"something unexpected happened", ClassExchange},
	}

	for _, tc := range cases {
		cerr := Classify("binance", errors.New(tc.msg), ErrorContext{})
		if cerr.Classification != tc.want {
			t.Errorf("Classify(%q) = %s, want %s", tc.msg, cerr.Classification, tc.want)
		}
	}
}

func TestClassifyStaleFromDataAge(t *testing.T) {
	cerr := Classify("binance", errors.New("price rejected"), ErrorContext{DataAge: 3 * time.Second})
	if cerr.Classification != ClassStaleData {
		t.Errorf("classification = %s, want STALE_DATA when data is older than 2s", cerr.Classification)
	}
	if !cerr.Recoverable {
		t.Error("stale data must be recoverable")
	}
}

func TestClassifyCarriesContext(t *testing.T) {
	id := feed.ID{Category: feed.CategoryCrypto, Name: "BTC/USD"}
	cerr := Classify("ccxt-kraken", errors.New("timeout"), ErrorContext{Feed: &id, Operation: "fetch ticker"})

	if cerr.Tier != Tier2 {
		t.Errorf("tier = %s, want TIER2", cerr.Tier)
	}
	if cerr.Feed == nil || *cerr.Feed != id {
		t.Errorf("feed = %v, want %v", cerr.Feed, id)
	}
	if cerr.Operation != "fetch ticker" {
		t.Errorf("operation = %q", cerr.Operation)
	}
	if cerr.Timestamp.IsZero() {
		t.Error("timestamp must be set")
	}
}

func TestClassRecoverability(t *testing.T) {
	recoverable := []Classification{ClassConnection, ClassTimeout, ClassRateLimit, ClassExchange, ClassStaleData}
	for _, c := range recoverable {
		if !c.Recoverable() {
			t.Errorf("%s must be recoverable", c)
		}
	}
	final := []Classification{ClassAuthentication, ClassValidation, ClassParsing}
	for _, c := range final {
		if c.Recoverable() {
			t.Errorf("%s must not be recoverable", c)
		}
	}
}

func TestClassifiedErrorUnwraps(t *testing.T) {
	inner := errors.New("connection reset")
	wrapped := fmt.Errorf("fetch: %w", inner)
	cerr := Classify("binance", wrapped, ErrorContext{})

	if !errors.Is(cerr, inner) {
		t.Error("classified error must unwrap to the original")
	}
}

func TestSeverityEscalation(t *testing.T) {
	cases := []struct {
		base   Severity
		recent int
		want   Severity
	}{
		{SeverityMedium, 0, SeverityMedium},
		{SeverityMedium, 2, SeverityMedium},
		{SeverityMedium, 3, SeverityHigh},
		{SeverityLow, 4, SeverityMedium},
		{SeverityMedium, 5, SeverityCritical},
		{SeverityLow, 9, SeverityCritical},
		{SeverityCritical, 3, SeverityCritical},
	}
	for _, tc := range cases {
		if got := escalateSeverity(tc.base, tc.recent); got != tc.want {
			t.Errorf("escalateSeverity(%s, %d) = %s, want %s", tc.base, tc.recent, got, tc.want)
		}
	}
}

func TestHistoryRecentWindow(t *testing.T) {
	h := NewHistory()
	for i := 0; i < 3; i++ {
		h.Record(Classify("binance", errors.New("timeout"), ErrorContext{}))
	}
	// Out-of-window records are not recent.
	old := Classify("binance", errors.New("timeout"), ErrorContext{})
	old.Timestamp = time.Now().Add(-10 * time.Minute)
	h.Record(old)

	if got := h.Recent("binance", recentErrorWindow); got != 3 {
		t.Errorf("Recent = %d, want 3", got)
	}
	if got := h.Len("binance"); got != 4 {
		t.Errorf("Len = %d, want 4", got)
	}
	if got := h.Recent("kraken", recentErrorWindow); got != 0 {
		t.Errorf("Recent for untracked source = %d, want 0", got)
	}
}

func TestHistoryBounded(t *testing.T) {
	h := NewHistory()
	for i := 0; i < historySize+100; i++ {
		h.Record(Classify("binance", errors.New("timeout"), ErrorContext{}))
	}
	if got := h.Len("binance"); got > historySize {
		t.Errorf("Len = %d, want <= %d", got, historySize)
	}
}

func TestHistoryOrderedOldestFirst(t *testing.T) {
	h := NewHistory()
	first := Classify("binance", errors.New("first"), ErrorContext{})
	second := Classify("binance", errors.New("second"), ErrorContext{})
	h.Record(first)
	h.Record(second)

	errs := h.Errors("binance")
	if len(errs) != 2 {
		t.Fatalf("Errors len = %d, want 2", len(errs))
	}
	if errs[0] != first || errs[1] != second {
		t.Error("Errors must return records oldest first")
	}
}
