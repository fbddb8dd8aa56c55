package circuitbreaker

import "time"

// SlowCallBreaker treats slow responses as failures. A success whose
// latency exceeds slowThreshold is recorded as a failure on the inner
// breaker, so a backend that answers but crawls still trips the circuit.
type SlowCallBreaker struct {
	inner         Breaker
	slowThreshold time.Duration
}

// NewSlowCallBreaker wraps inner, converting successes slower than
// threshold into failures.
func NewSlowCallBreaker(inner Breaker, slowThreshold time.Duration) *SlowCallBreaker {
	return &SlowCallBreaker{inner: inner, slowThreshold: slowThreshold}
}

func (s *SlowCallBreaker) Allow() bool {
	return s.inner.Allow()
}

func (s *SlowCallBreaker) RecordSuccess(latency time.Duration) {
	if latency > s.slowThreshold {
		s.inner.RecordFailure(latency)
		return
	}
	s.inner.RecordSuccess(latency)
}

func (s *SlowCallBreaker) RecordFailure(latency time.Duration) {
	s.inner.RecordFailure(latency)
}

func (s *SlowCallBreaker) State() State {
	return s.inner.State()
}

func (s *SlowCallBreaker) Reset() {
	s.inner.Reset()
}
