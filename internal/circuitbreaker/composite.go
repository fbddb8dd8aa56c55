package circuitbreaker

import (
	"log/slog"
	"time"
)

// Config holds all circuit breaker settings for one backend. The
// failure-rate breaker is always active; the slow-call, bulkhead, and
// adaptive layers are enabled only when their settings are non-zero/true.
type Config struct {
	// Failure-rate breaker (always active)
	WindowSize       int
	FailureThreshold float64
	ResetTimeout     time.Duration
	HalfOpenMax      int

	// Slow-call breaker (active when SlowThreshold > 0)
	SlowThreshold time.Duration

	// Bulkhead breaker (active when MaxConcurrent > 0)
	MaxConcurrent int

	// Adaptive breaker (active when Adaptive is true)
	Adaptive       bool
	LatencyCeiling time.Duration
	MinThreshold   float64
}

// CompositeBreaker composes the enabled breaker layers into a single unit.
// The proxy interacts only with CompositeBreaker; internal layering is
// transparent.
type CompositeBreaker struct {
	failureRate *FailureRateBreaker
	bulkhead    *BulkheadBreaker // nil if bulkhead disabled
	effective   Breaker          // outermost layer, what Allow/Record call
}

// NewComposite builds a composed breaker stack for the given backend.
// Composition order (inside to out): FailureRate, Adaptive, SlowCall,
// Bulkhead.
func NewComposite(backend string, cfg Config, logger *slog.Logger) *CompositeBreaker {
	fr := NewFailureRateBreaker(backend, cfg.WindowSize, cfg.FailureThreshold, cfg.ResetTimeout, cfg.HalfOpenMax, logger)

	var current Breaker = fr

	// The adaptive layer mutates the failure-rate breaker's threshold.
	if cfg.Adaptive {
		alpha := 0.3
		current = NewAdaptiveBreaker(fr, cfg.FailureThreshold, cfg.MinThreshold, cfg.LatencyCeiling, alpha)
	}

	if cfg.SlowThreshold > 0 {
		current = NewSlowCallBreaker(current, cfg.SlowThreshold)
	}

	cb := &CompositeBreaker{
		failureRate: fr,
		effective:   current,
	}

	if cfg.MaxConcurrent > 0 {
		bh := NewBulkheadBreaker(current, cfg.MaxConcurrent, backend)
		cb.bulkhead = bh
		cb.effective = bh
	}

	return cb
}

func (c *CompositeBreaker) Allow() bool {
	return c.effective.Allow()
}

func (c *CompositeBreaker) RecordSuccess(latency time.Duration) {
	c.effective.RecordSuccess(latency)
}

func (c *CompositeBreaker) RecordFailure(latency time.Duration) {
	c.effective.RecordFailure(latency)
}

// State returns the core failure-rate breaker's state.
func (c *CompositeBreaker) State() State {
	return c.failureRate.State()
}

func (c *CompositeBreaker) Reset() {
	c.effective.Reset()
}

// Release frees a bulkhead concurrency slot. Must be called after every
// Allow that returned true. Safe to call when the bulkhead is disabled.
func (c *CompositeBreaker) Release() {
	if c.bulkhead != nil {
		c.bulkhead.Release()
	}
}

// UpdateConfig applies new failure-rate parameters at runtime, used when a
// config reload keeps a backend but changes its breaker settings.
func (c *CompositeBreaker) UpdateConfig(cfg Config) {
	c.failureRate.mu.Lock()
	defer c.failureRate.mu.Unlock()

	c.failureRate.failureThreshold = cfg.FailureThreshold
	c.failureRate.resetTimeout = cfg.ResetTimeout
	c.failureRate.halfOpenMax = cfg.HalfOpenMax

	if cfg.WindowSize != c.failureRate.windowSize {
		c.failureRate.window = make([]outcome, cfg.WindowSize)
		c.failureRate.windowSize = cfg.WindowSize
		c.failureRate.head = 0
		c.failureRate.count = 0
		c.failureRate.failures = 0
	}
}
