// Package backoff computes the delay before a failed step is retried.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Strategy computes the delay before retry attempt n. Attempt 1 is the
// first retry after the initial failure.
type Strategy interface {
	Delay(attempt int) time.Duration
}

// Constant always returns the same delay.
type Constant struct {
	Interval time.Duration
}

func (c Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// Exponential doubles the delay each attempt, capped at Max.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

func (e Exponential) Delay(attempt int) time.Duration {
	return time.Duration(capped(e.Initial, e.Max, attempt))
}

// Jittered draws the delay uniformly from [base/2, base] where base is the
// exponential delay. Half the base is kept so a retry never fires right
// after the failure.
type Jittered struct {
	Initial time.Duration
	Max     time.Duration
}

func (j Jittered) Delay(attempt int) time.Duration {
	base := capped(j.Initial, j.Max, attempt)
	return time.Duration(base/2 + rand.Float64()*base/2) //nolint:gosec // jitter does not need crypto rand
}

func capped(initial, maxDelay time.Duration, attempt int) float64 {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(initial) * math.Pow(2, float64(attempt-1))
	if maxDelay > 0 && d > float64(maxDelay) {
		d = float64(maxDelay)
	}
	return d
}
