package circuitbreaker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/routegate/routegate/internal/metrics"
)

// outcome records one backend exchange in the sliding window.
type outcome struct {
	failed bool
}

// FailureRateBreaker is the core layer: a sliding-window failure-rate
// breaker. It opens when the window is full and the failure ratio over
// the most recent windowSize outcomes reaches failureThreshold.
type FailureRateBreaker struct {
	mu sync.Mutex

	state   State
	backend string
	logger  *slog.Logger

	// Sliding window implemented as a ring buffer.
	window   []outcome
	head     int // next write position
	count    int // outcomes recorded, up to windowSize
	failures int // failures in the current window

	windowSize       int
	failureThreshold float64
	resetTimeout     time.Duration
	halfOpenMax      int

	halfOpenSuccess int
	openedAt        time.Time
}

// NewFailureRateBreaker creates a failure-rate breaker for the given backend.
func NewFailureRateBreaker(backend string, windowSize int, failureThreshold float64, resetTimeout time.Duration, halfOpenMax int, logger *slog.Logger) *FailureRateBreaker {
	return &FailureRateBreaker{
		state:            StateClosed,
		backend:          backend,
		logger:           logger,
		window:           make([]outcome, windowSize),
		windowSize:       windowSize,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		halfOpenMax:      halfOpenMax,
	}
}

func (b *FailureRateBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(b.openedAt) >= b.resetTimeout {
			b.transitionTo(StateHalfOpen)
			return true
		}
		return false
	case StateHalfOpen:
		return true
	default:
		return true
	}
}

func (b *FailureRateBreaker) RecordSuccess(_ time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.recordOutcome(false)
	case StateHalfOpen:
		b.halfOpenSuccess++
		if b.halfOpenSuccess >= b.halfOpenMax {
			b.transitionTo(StateClosed)
		}
	}
}

func (b *FailureRateBreaker) RecordFailure(_ time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.recordOutcome(true)
		if b.count >= b.windowSize && b.failureRate() >= b.failureThreshold {
			b.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		// Any failure while probing trips straight back to open.
		b.transitionTo(StateOpen)
	}
}

func (b *FailureRateBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *FailureRateBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionTo(StateClosed)
}

// SetFailureThreshold updates the trip threshold at runtime. The adaptive
// layer uses it to tighten or relax the breaker under latency pressure.
func (b *FailureRateBreaker) SetFailureThreshold(t float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureThreshold = t
}

// recordOutcome writes a result into the ring buffer and maintains the
// running failure count. Caller holds b.mu.
func (b *FailureRateBreaker) recordOutcome(failed bool) {
	if b.count == b.windowSize {
		// Window full: evict the oldest entry.
		if b.window[b.head].failed {
			b.failures--
		}
	} else {
		b.count++
	}

	b.window[b.head] = outcome{failed: failed}
	if failed {
		b.failures++
	}
	b.head = (b.head + 1) % b.windowSize
}

// failureRate returns the current failure ratio. Caller holds b.mu.
func (b *FailureRateBreaker) failureRate() float64 {
	if b.count == 0 {
		return 0
	}
	return float64(b.failures) / float64(b.count)
}

// transitionTo changes state, emitting metrics and a log line. Caller
// holds b.mu.
func (b *FailureRateBreaker) transitionTo(newState State) {
	if b.state == newState {
		return
	}

	from := b.state
	b.state = newState

	metrics.CircuitBreakerStateChanges.WithLabelValues(b.backend, from.String(), newState.String()).Inc()
	metrics.CircuitBreakerState.WithLabelValues(b.backend).Set(float64(newState))

	b.logger.Info("circuit breaker state change",
		"backend", b.backend,
		"from", from.String(),
		"to", newState.String(),
	)

	switch newState {
	case StateClosed:
		b.head = 0
		b.count = 0
		b.failures = 0
		b.halfOpenSuccess = 0
	case StateOpen:
		b.openedAt = time.Now()
		b.halfOpenSuccess = 0
	case StateHalfOpen:
		b.halfOpenSuccess = 0
	}
}
