// Package backoff provides retry delay strategies for task execution.
// All strategies are safe for concurrent use.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Strategy computes the delay before a retry attempt.
type Strategy interface {
	// Delay returns how long to wait before retry attempt n (1-indexed).
	// Attempt 1 is the first retry after the initial failure.
	Delay(attempt int) time.Duration
}

// Constant always returns the same delay regardless of attempt number.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a constant backoff strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

// Delay returns the fixed interval.
func (c *Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// Exponential doubles the delay each attempt.
// Delay = min(Initial * 2^(attempt-1), Max).
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponential creates an exponential backoff strategy.
func NewExponential(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay}
}

// Delay returns Initial * 2^(attempt-1), capped at Max.
func (e *Exponential) Delay(attempt int) time.Duration {
	return capped(exponentialBase(e.Initial, attempt), e.Max)
}

// ExponentialWithJitter adds a random fraction of the exponential base on
// top of it. Delay = min(base + rand[0, Fraction) * base, Max) with
// base = Initial * 2^(attempt-1). With Fraction below 1 consecutive delays
// strictly increase until the cap.
type ExponentialWithJitter struct {
	Initial  time.Duration
	Max      time.Duration
	Fraction float64

	// Rand returns a value in [0, 1). Defaults to math/rand.
	Rand func() float64
}

// NewExponentialWithJitter creates an exponential backoff that adds up to
// half the base delay as jitter.
func NewExponentialWithJitter(initial, maxDelay time.Duration) *ExponentialWithJitter {
	return &ExponentialWithJitter{Initial: initial, Max: maxDelay, Fraction: 0.5}
}

// Delay returns the jittered exponential delay, capped at Max.
func (e *ExponentialWithJitter) Delay(attempt int) time.Duration {
	base := exponentialBase(e.Initial, attempt)
	r := e.Rand
	if r == nil {
		r = rand.Float64 //nolint:gosec // jitter intentionally uses non-crypto rand
	}
	jitter := time.Duration(r() * e.Fraction * float64(base))
	return capped(base+jitter, e.Max)
}

// DefaultStrategy returns the default task retry backoff:
// ExponentialWithJitter with 1s initial and 10m max.
func DefaultStrategy() Strategy {
	return NewExponentialWithJitter(1*time.Second, 10*time.Minute)
}

func exponentialBase(initial time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	f := float64(initial) * math.Pow(2, float64(attempt-1))
	if f > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(f)
}

func capped(d, maxDelay time.Duration) time.Duration {
	if maxDelay > 0 && d > maxDelay {
		return maxDelay
	}
	return d
}
