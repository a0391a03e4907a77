package engine

import (
	"sync"
	"time"

	"github.com/rendis/onboard/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// circuitBreaker tracks failure state for one collaborator operation.
type circuitBreaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	openedAt            time.Time
	probing             bool
}

// CircuitBreakerRegistry keeps one breaker per operation name. Only failures
// that the retrying client would retry count toward opening a circuit.
type CircuitBreakerRegistry struct {
	mu        sync.Mutex
	breakers  map[string]*circuitBreaker
	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

// NewCircuitBreakerRegistry creates a registry. A non-positive threshold disables breaking.
func NewCircuitBreakerRegistry(cfg BreakerConfig) *CircuitBreakerRegistry {
	return &CircuitBreakerRegistry{
		breakers:  make(map[string]*circuitBreaker),
		threshold: cfg.FailureThreshold,
		cooldown:  cfg.Cooldown,
		now:       time.Now,
	}
}

// Allow returns nil when op may be called, or a CIRCUIT_OPEN error.
// After the cooldown a single trial call is let through.
func (r *CircuitBreakerRegistry) Allow(op string) error {
	if r == nil || r.threshold <= 0 {
		return nil
	}
	cb := r.get(op)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		remaining := r.cooldown - r.now().Sub(cb.openedAt)
		if remaining > 0 {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"%s is failing repeatedly; retry in %s", op, remaining.Round(time.Second)).
				WithDetails(map[string]any{
					"operation":            op,
					"consecutive_failures": cb.consecutiveFailures,
				})
		}
		cb.state = CircuitHalfOpen
		cb.probing = true
		return nil
	case CircuitHalfOpen:
		if cb.probing {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen, "%s is recovering; trial call in flight", op)
		}
		cb.probing = true
		return nil
	default:
		return nil
	}
}

// Success closes op's circuit.
func (r *CircuitBreakerRegistry) Success(op string) {
	if r == nil || r.threshold <= 0 {
		return
	}
	cb := r.get(op)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = CircuitClosed
	cb.consecutiveFailures = 0
	cb.probing = false
}

// Release gives back a trial slot without recording an outcome, used when
// the trial call was cancelled.
func (r *CircuitBreakerRegistry) Release(op string) {
	if r == nil || r.threshold <= 0 {
		return
	}
	cb := r.get(op)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.probing = false
}

// Failure records a failed call and returns the resulting state.
func (r *CircuitBreakerRegistry) Failure(op string) CircuitState {
	if r == nil || r.threshold <= 0 {
		return CircuitClosed
	}
	cb := r.get(op)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.probing = false
	if cb.state == CircuitHalfOpen || cb.consecutiveFailures >= r.threshold {
		cb.state = CircuitOpen
		cb.openedAt = r.now()
	}
	return cb.state
}

// State returns op's circuit state without side effects.
func (r *CircuitBreakerRegistry) State(op string) CircuitState {
	cb := r.get(op)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen && r.now().Sub(cb.openedAt) >= r.cooldown {
		return CircuitHalfOpen
	}
	return cb.state
}

func (r *CircuitBreakerRegistry) get(op string) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[op]
	if !ok {
		cb = &circuitBreaker{}
		r.breakers[op] = cb
	}
	return cb
}
