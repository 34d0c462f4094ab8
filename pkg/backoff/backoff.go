// Package backoff computes capped exponential retry delays.
package backoff

import (
	"math"
	"time"
)

const (
	// FactorBinary doubles the delay on each attempt.
	FactorBinary = 2
	// FactorTernary triples the delay on each attempt.
	FactorTernary = 3
)

// Delay returns base * factor^exponent, capped at max. A non-positive max
// disables the cap. Negative exponents are treated as zero.
func Delay(exponent int, base, max time.Duration, factor float64) time.Duration {
	if base <= 0 {
		return 0
	}
	if exponent < 0 {
		exponent = 0
	}
	if factor < 1 {
		factor = 1
	}

	scaled := float64(base) * math.Pow(factor, float64(exponent))
	if max > 0 && scaled >= float64(max) {
		return max
	}
	if scaled >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(scaled)
}

// Binary is the curve used for local retries: base * 2^(attempt-1), where
// attempt starts at 1.
func Binary(attempt int, base, max time.Duration) time.Duration {
	return Delay(attempt-1, base, max, FactorBinary)
}

// Ternary is the curve used for scheduled redelivery: base * 3^retryCount,
// where retryCount starts at 0.
func Ternary(retryCount int, base, max time.Duration) time.Duration {
	return Delay(retryCount, base, max, FactorTernary)
}
