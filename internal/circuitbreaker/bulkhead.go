package circuitbreaker

import (
	"time"

	"github.com/routegate/routegate/internal/metrics"
)

// BulkheadBreaker caps the number of in-flight requests to a backend. It
// wraps an inner Breaker and rejects without blocking once the concurrency
// limit is reached, so a stalled backend cannot pile up goroutines.
type BulkheadBreaker struct {
	inner   Breaker
	sem     chan struct{}
	backend string
}

// NewBulkheadBreaker creates a concurrency-limiting breaker that allows at
// most maxConcurrent in-flight requests before rejecting.
func NewBulkheadBreaker(inner Breaker, maxConcurrent int, backend string) *BulkheadBreaker {
	return &BulkheadBreaker{
		inner:   inner,
		sem:     make(chan struct{}, maxConcurrent),
		backend: backend,
	}
}

// Allow tries to acquire a concurrency slot and then checks the inner
// breaker. When the limit is reached it returns false without blocking.
// If Allow returns true the caller MUST call Release when the request
// completes.
func (b *BulkheadBreaker) Allow() bool {
	select {
	case b.sem <- struct{}{}:
		metrics.BulkheadInFlight.WithLabelValues(b.backend).Set(float64(len(b.sem)))
		if !b.inner.Allow() {
			// Inner breaker rejected; give the slot back.
			<-b.sem
			metrics.BulkheadInFlight.WithLabelValues(b.backend).Set(float64(len(b.sem)))
			return false
		}
		return true
	default:
		metrics.BulkheadRejections.WithLabelValues(b.backend).Inc()
		return false
	}
}

// Release frees a concurrency slot after a request completes. Must be called
// exactly once for every Allow that returned true.
func (b *BulkheadBreaker) Release() {
	<-b.sem
	metrics.BulkheadInFlight.WithLabelValues(b.backend).Set(float64(len(b.sem)))
}

func (b *BulkheadBreaker) RecordSuccess(latency time.Duration) {
	b.inner.RecordSuccess(latency)
}

func (b *BulkheadBreaker) RecordFailure(latency time.Duration) {
	b.inner.RecordFailure(latency)
}

func (b *BulkheadBreaker) State() State {
	return b.inner.State()
}

func (b *BulkheadBreaker) Reset() {
	b.inner.Reset()
}
