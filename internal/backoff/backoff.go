// Package backoff provides retry delay strategies for failed job executions.
// Strategies are stateless and safe for concurrent use.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Strategy computes the delay before a retry attempt.
type Strategy interface {
	// Delay returns how long to wait before retry attempt n (1-indexed).
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

func (c *Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// Exponential doubles the delay each attempt, capped at Max.
// Delay = min(Initial * 2^(attempt-1), Max).
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponential creates an exponential backoff strategy.
func NewExponential(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay}
}

func (e *Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(e.Initial) * math.Pow(2, float64(attempt-1)))
	if e.Max > 0 && (d > e.Max || d <= 0) {
		return e.Max
	}
	return d
}

// ExponentialWithJitter spreads retries over [base/2, base] where base is
// the capped exponential delay. Keeping the lower bound at half the base
// preserves monotonically increasing expected delay while still breaking
// up thundering herds.
type ExponentialWithJitter struct {
	exp Exponential
}

// NewExponentialWithJitter creates an exponential backoff with equal jitter.
func NewExponentialWithJitter(initial, maxDelay time.Duration) *ExponentialWithJitter {
	return &ExponentialWithJitter{exp: Exponential{Initial: initial, Max: maxDelay}}
}

func (e *ExponentialWithJitter) Delay(attempt int) time.Duration {
	base := e.exp.Delay(attempt)
	half := base / 2
	return half + time.Duration(rand.Float64()*float64(half)) //nolint:gosec // jitter does not need crypto rand
}

// Default returns the engine's default strategy: exponential with equal
// jitter, 30s initial delay, 30m cap.
func Default() Strategy {
	return NewExponentialWithJitter(30*time.Second, 30*time.Minute)
}
