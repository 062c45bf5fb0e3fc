package apiclient

import (
	"sync"
	"time"

	"github.com/rendis/quill/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, rejecting calls
	CircuitHalfOpen                     // Testing recovery
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

// BreakerConfig configures the per-API-family circuit breakers.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening the circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before transitioning to half-open.
	Cooldown time.Duration
	// HalfOpenMax is the number of test requests allowed in half-open state.
	HalfOpenMax int
}

// DefaultBreakerConfig returns a sensible default configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

// breaker tracks failure state for a single API family.
type breaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailureTime     time.Time
	halfOpenAttempts    int
	config              BreakerConfig
}

// BreakerRegistry manages one circuit breaker per API family. A run that
// hammers a failing planning endpoint trips only the planning circuit;
// generating and reflecting calls keep flowing.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[schema.APIKind]*breaker
	config   BreakerConfig
}

// NewBreakerRegistry creates a new registry with the given config.
func NewBreakerRegistry(config BreakerConfig) *BreakerRegistry {
	return &BreakerRegistry{
		breakers: make(map[schema.APIKind]*breaker),
		config:   config,
	}
}

// AllowRequest checks whether a call to the given API family is allowed.
// Returns nil if allowed, or a QuillError if the circuit is open.
func (r *BreakerRegistry) AllowRequest(kind schema.APIKind) error {
	cb := r.getOrCreate(kind)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return nil

	case CircuitOpen:
		if time.Since(cb.lastFailureTime) >= cb.config.Cooldown {
			cb.state = CircuitHalfOpen
			cb.halfOpenAttempts = 1 // this request counts as the first test request
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit breaker open for %s API: %d consecutive failures, cooldown remaining",
			kind, cb.consecutiveFailures).
			WithDetails(map[string]any{
				"api":                  string(kind),
				"consecutive_failures": cb.consecutiveFailures,
				"state":                cb.state.String(),
				"cooldown_remaining":   (cb.config.Cooldown - time.Since(cb.lastFailureTime)).String(),
			})

	case CircuitHalfOpen:
		if cb.halfOpenAttempts >= cb.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit breaker half-open for %s API: max test requests reached", kind)
		}
		cb.halfOpenAttempts++
		return nil
	}

	return nil
}

// RecordSuccess records a successful call for the API family.
func (r *BreakerRegistry) RecordSuccess(kind schema.APIKind) {
	cb := r.getOrCreate(kind)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	cb.state = CircuitClosed
	cb.halfOpenAttempts = 0
}

// RecordFailure records a failed call for the API family.
func (r *BreakerRegistry) RecordFailure(kind schema.APIKind) {
	cb := r.getOrCreate(kind)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.lastFailureTime = time.Now()

	switch cb.state {
	case CircuitHalfOpen:
		// A failed test request re-opens the circuit immediately.
		cb.state = CircuitOpen
	case CircuitClosed:
		if cb.consecutiveFailures >= cb.config.FailureThreshold {
			cb.state = CircuitOpen
		}
	}
}

// State returns the current circuit state for the API family.
func (r *BreakerRegistry) State(kind schema.APIKind) CircuitState {
	cb := r.getOrCreate(kind)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (r *BreakerRegistry) getOrCreate(kind schema.APIKind) *breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[kind]
	if !ok {
		cb = &breaker{config: r.config}
		r.breakers[kind] = cb
	}
	return cb
}
