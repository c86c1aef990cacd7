// Package breaker wraps sony/gobreaker for the venue handshakes that need
// one: a flaky pre-session HTTP call should trip open instead of spinning
// the reconnector against a dead endpoint.
package breaker

import (
	"time"

	cb "github.com/sony/gobreaker"
)

// Breaker is a named circuit breaker with the engine's standard trip
// policy: three consecutive failures, or a >5% failure rate once at least
// 20 requests have been observed in the rolling interval.
type Breaker struct{ cb *cb.CircuitBreaker }

// New returns a Breaker named for the venue/handshake it guards.
func New(name string) *Breaker {
	st := cb.Settings{Name: name}
	st.Interval = 60 * time.Second
	st.Timeout = 60 * time.Second
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
	return &Breaker{cb: cb.NewCircuitBreaker(st)}
}

// Execute runs fn through the breaker, short-circuiting with
// gobreaker.ErrOpenState when tripped.
func (b *Breaker) Execute(fn func() (any, error)) (any, error) {
	return b.cb.Execute(fn)
}
