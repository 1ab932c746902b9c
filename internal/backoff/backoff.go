// Package backoff computes exponential retry delays shared by the worker
// loop's store-failure backoff (§4.7) and the supervisor's restart backoff
// (§4.8): both specify "5s × 2^n, capped at 60s", so one implementation
// serves both call sites. Lifted nearly verbatim from the teacher's
// internal/dispatch.BackoffDelay, which computed the same shape for
// dispatch retries.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Delay returns the backoff duration before attempt n (n starts at 1),
// base*2^(n-1) capped at maxDelay, plus up to 10% jitter added after the
// cap (so the result may exceed maxDelay by up to 10%).
func Delay(n int, base, maxDelay time.Duration) time.Duration {
	if n <= 0 {
		return 0
	}

	exponent := n - 1
	multiplier := math.Pow(2, float64(exponent))

	if math.IsInf(multiplier, 1) || multiplier > float64(maxDelay)/float64(base) {
		delay := maxDelay
		return delay + jitter(delay)
	}

	delay := base * time.Duration(multiplier)
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay + jitter(delay)
}

func jitter(delay time.Duration) time.Duration {
	return time.Duration(rand.Float64() * 0.1 * float64(delay))
}
