// Package circuitbreaker provides composable circuit breakers that guard
// the gateway's proxy routes against failing or degraded backends. Layers
// (failure rate, slow call, bulkhead, adaptive threshold) compose into a
// single breaker per backend.
package circuitbreaker

import "time"

// State is the breaker state.
type State int

const (
	StateClosed   State = iota // normal operation, requests pass through
	StateOpen                  // failing, requests rejected immediately
	StateHalfOpen              // probing, limited requests test recovery
)

// String returns a human-readable state name.
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

// Breaker is the interface every layer implements.
type Breaker interface {
	// Allow reports whether a request may proceed. False means the
	// circuit is open and the caller should fail fast.
	Allow() bool

	// RecordSuccess records a successful backend exchange with its latency.
	RecordSuccess(latency time.Duration)

	// RecordFailure records a failed backend exchange with its latency.
	RecordFailure(latency time.Duration)

	// State returns the current breaker state.
	State() State

	// Reset forces the breaker back to closed.
	Reset()
}
