// Package backoff provides exponential backoff utilities with jitter for the
// LLM provider retry ladder.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// BackoffPolicy defines the parameters for exponential backoff calculation.
type BackoffPolicy struct {
	// InitialMs is the base backoff duration in milliseconds.
	InitialMs float64
	// MaxMs is the maximum backoff duration in milliseconds. Zero means
	// unbounded (test mode overrides this to 1000 via TestModeCapMs).
	MaxMs float64
	// Factor is the exponential factor applied to each attempt.
	Factor float64
	// JitterMin and JitterMax bound the multiplicative jitter factor applied
	// to the exponential base, e.g. [0.8, 1.2] for +/-20%.
	JitterMin float64
	JitterMax float64
}

// TestModeCapMs is the backoff ceiling used when a provider is constructed in
// test mode, per the retry protocol's "test mode caps backoff at 1s" rule.
const TestModeCapMs = 1000

// ComputeBackoff calculates the backoff duration for a given attempt number.
// The formula is base = InitialMs * Factor^attempt, scaled by a uniform
// random jitter factor drawn from [JitterMin, JitterMax), then clamped to
// MaxMs. Attempt numbers start at 0 for the first retry.
func ComputeBackoff(policy BackoffPolicy, attempt int) time.Duration {
	return ComputeBackoffWithRand(policy, attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// ComputeBackoffWithRand calculates the backoff duration using a provided
// random value in [0.0, 1.0). Useful for deterministic tests.
func ComputeBackoffWithRand(policy BackoffPolicy, attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt), 0)

	base := policy.InitialMs * math.Pow(policy.Factor, exp)

	jitterMin, jitterMax := policy.JitterMin, policy.JitterMax
	if jitterMin == 0 && jitterMax == 0 {
		jitterMin, jitterMax = 1, 1
	}
	jitterFactor := jitterMin + (jitterMax-jitterMin)*randomValue

	total := base * jitterFactor
	if policy.MaxMs > 0 && total > policy.MaxMs {
		total = policy.MaxMs
	}

	return time.Duration(math.Round(total)) * time.Millisecond
}

// DefaultPolicy returns the provider retry ladder's default policy: 250ms
// base, doubling per attempt, jitter in [0.8, 1.2], capped at 30s.
func DefaultPolicy() BackoffPolicy {
	return BackoffPolicy{
		InitialMs: 250,
		MaxMs:     30000,
		Factor:    2,
		JitterMin: 0.8,
		JitterMax: 1.2,
	}
}

// TestModePolicy returns DefaultPolicy with MaxMs capped at TestModeCapMs, as
// required by the retry protocol's test-mode backoff cap.
func TestModePolicy() BackoffPolicy {
	p := DefaultPolicy()
	p.MaxMs = TestModeCapMs
	return p
}
