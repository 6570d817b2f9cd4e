package hermes

import (
	"time"

	"github.com/sony/gobreaker"
)

// CircuitBreakerState mirrors gobreaker's three-state fault governor:
// closed, open, half-open.
type CircuitBreakerState = gobreaker.State

// circuitBreaker wraps a ConnectionManager's connect attempt with
// gobreaker.CircuitBreaker, so that after a run of consecutive failures
// further attempts fail fast for a cooldown window instead of hammering an
// unreachable broker.
type circuitBreaker struct {
	cb *gobreaker.CircuitBreaker
}

func newCircuitBreaker(name string, failureThreshold uint32, resetTimeout time.Duration, halfOpenMaxAttempts uint32, onChange func(from, to CircuitBreakerState)) *circuitBreaker {
	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: halfOpenMaxAttempts,
		Timeout:     resetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failureThreshold
		},
	}
	if onChange != nil {
		st.OnStateChange = func(_ string, from gobreaker.State, to gobreaker.State) {
			onChange(from, to)
		}
	}
	return &circuitBreaker{cb: gobreaker.NewCircuitBreaker(st)}
}

// execute runs fn through the breaker. When the breaker is open it fails
// fast with gobreaker.ErrOpenState without invoking fn.
func (b *circuitBreaker) execute(fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

func (b *circuitBreaker) state() CircuitBreakerState {
	return b.cb.State()
}
