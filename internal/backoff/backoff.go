// Package backoff provides shared delay computation for upstream throttling
// and transient failures. An explicit retry-after hint from the upstream wins
// over the computed schedule; without one the delay doubles per attempt with
// jitter, up to a ceiling.
package backoff

import (
	"math/rand"
	"time"
)

// Default schedule parameters.
const (
	DefaultBase    = 2 * time.Second
	DefaultCeiling = 5 * time.Minute
	DefaultHintCap = 15 * time.Minute
)

// Controller computes retry delays.
// The zero value is not usable; construct with New.
type Controller struct {
	base    time.Duration // first-attempt delay
	ceiling time.Duration // cap for computed delays
	hintCap time.Duration // cap for upstream-provided hints
	jitter  func(d time.Duration) time.Duration
}

// Option configures a Controller.
type Option func(*Controller)

// WithBase sets the first-attempt delay.
func WithBase(d time.Duration) Option {
	return func(c *Controller) { c.base = d }
}

// WithCeiling sets the cap for computed delays.
func WithCeiling(d time.Duration) Option {
	return func(c *Controller) { c.ceiling = d }
}

// WithHintCap sets the cap applied to upstream retry-after hints.
func WithHintCap(d time.Duration) Option {
	return func(c *Controller) { c.hintCap = d }
}

// WithoutJitter disables randomization. For tests.
func WithoutJitter() Option {
	return func(c *Controller) {
		c.jitter = func(d time.Duration) time.Duration { return d }
	}
}

// New creates a Controller with the default schedule.
func New(opts ...Option) *Controller {
	c := &Controller{
		base:    DefaultBase,
		ceiling: DefaultCeiling,
		hintCap: DefaultHintCap,
	}
	c.jitter = func(d time.Duration) time.Duration {
		// Up to 25% added, so the deterministic part stays a lower bound
		// and the sequence never decreases across attempts.
		return d + time.Duration(rand.Int63n(int64(d)/4+1))
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Delay returns how long to wait before the given retry attempt.
// Attempts are zero-based. A positive hint (an upstream Retry-After or reset
// announcement) is used verbatim, clamped to the hint cap; otherwise the
// delay is base*2^attempt with jitter, capped at the ceiling.
func (c *Controller) Delay(attempt int, hint time.Duration) time.Duration {
	if hint > 0 {
		if hint > c.hintCap {
			return c.hintCap
		}
		return hint
	}

	d := c.base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= c.ceiling {
			return c.ceiling
		}
	}
	if d >= c.ceiling {
		return c.ceiling
	}

	d = c.jitter(d)
	if d > c.ceiling {
		return c.ceiling
	}
	return d
}
