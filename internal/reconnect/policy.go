// Package reconnect implements the bounded exponential backoff used by the
// session's connection loop. It is a pure value type — no goroutines, no I/O
// — so it can be driven directly from tests without a clock fake.
package reconnect

import "time"

// Policy computes successive backoff delays and caps attempts. The zero
// value is not usable — construct with New.
type Policy struct {
	initialDelay time.Duration
	maxDelay     time.Duration
	multiplier   float64
	maxAttempts  int // 0 = unlimited

	attempt      int
	currentDelay time.Duration
}

// Config carries the parameters for New.
type Config struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64 // must be > 1.0
	MaxAttempts  int      // 0 = unlimited
}

// New constructs a Policy ready for its first Next call.
func New(cfg Config) *Policy {
	return &Policy{
		initialDelay: cfg.InitialDelay,
		maxDelay:     cfg.MaxDelay,
		multiplier:   cfg.Multiplier,
		maxAttempts:  cfg.MaxAttempts,
		currentDelay: cfg.InitialDelay,
	}
}

// Next returns the delay to wait before the next reconnect attempt, then
// advances internal state: attempt is incremented and currentDelay is
// multiplied (capped at maxDelay). ok is false once maxAttempts is reached
// (maxAttempts == 0 means unlimited — ok is always true in that case).
func (p *Policy) Next() (delay time.Duration, ok bool) {
	if p.maxAttempts > 0 && p.attempt >= p.maxAttempts {
		return 0, false
	}

	delay = p.currentDelay
	p.attempt++

	next := time.Duration(float64(p.currentDelay) * p.multiplier)
	if next > p.maxDelay {
		next = p.maxDelay
	}
	p.currentDelay = next

	return delay, true
}

// Reset restores the policy to its initial state. Called on every successful
// connect so intermittent failures never degrade to worst-case delays.
func (p *Policy) Reset() {
	p.attempt = 0
	p.currentDelay = p.initialDelay
}

// Attempt returns the number of Next calls since construction or the last
// Reset. Exposed for tests and observability.
func (p *Policy) Attempt() int {
	return p.attempt
}
