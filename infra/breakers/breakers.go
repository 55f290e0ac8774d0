// Package breakers guards venue REST hosts with sony/gobreaker. One
// breaker per host: a venue melting down must not take polling of the
// others with it.
package breakers

import (
	"time"

	"github.com/rs/zerolog/log"
	cb "github.com/sony/gobreaker"
)

// Breaker wraps one host's circuit
type Breaker struct {
	cb *cb.CircuitBreaker
}

// New builds a breaker that trips on 3 consecutive failures, or on a
// >5% failure rate once 20 requests have been seen in the window.
// Open circuits re-probe after 15 s.
func New(name string) *Breaker {
	st := cb.Settings{Name: name}
	st.Interval = 60 * time.Second
	st.Timeout = 15 * time.Second
	st.ReadyToTrip = func(counts cb.Counts) bool {
		if counts.ConsecutiveFailures >= 3 {
			return true
		}
		total := counts.Requests
		if total < 20 {
			return false
		}
		return float64(counts.TotalFailures)/float64(total) > 0.05
	}
	st.OnStateChange = func(name string, from, to cb.State) {
		log.Warn().
			Str("host", name).
			Str("from", from.String()).
			Str("to", to.String()).
			Msg("rest host breaker state change")
	}
	return &Breaker{cb: cb.NewCircuitBreaker(st)}
}

// Execute runs fn under the breaker
func (b *Breaker) Execute(fn func() (any, error)) (any, error) {
	return b.cb.Execute(fn)
}

// State exposes the underlying circuit state
func (b *Breaker) State() cb.State {
	return b.cb.State()
}

// Name returns the guarded host
func (b *Breaker) Name() string {
	return b.cb.Name()
}
