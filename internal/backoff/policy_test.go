package backoff

import (
	"testing"
	"time"
)

func TestComputeBackoffWithRand(t *testing.T) {
	tests := []struct {
		name        string
		policy      BackoffPolicy
		attempt     int
		randomValue float64
		expected    time.Duration
	}{
		{
			name: "first attempt with no jitter range",
			policy: BackoffPolicy{
				InitialMs: 100,
				MaxMs:     10000,
				Factor:    2,
			},
			attempt:     0,
			randomValue: 0.5,
			expected:    100 * time.Millisecond,
		},
		{
			name: "second attempt doubles",
			policy: BackoffPolicy{
				InitialMs: 100,
				MaxMs:     10000,
				Factor:    2,
			},
			attempt:     1,
			randomValue: 0.5,
			expected:    200 * time.Millisecond,
		},
		{
			name: "third attempt quadruples",
			policy: BackoffPolicy{
				InitialMs: 100,
				MaxMs:     10000,
				Factor:    2,
			},
			attempt:     2,
			randomValue: 0.5,
			expected:    400 * time.Millisecond,
		},
		{
			name: "clamped to max",
			policy: BackoffPolicy{
				InitialMs: 100,
				MaxMs:     500,
				Factor:    2,
			},
			attempt:     10,
			randomValue: 0.5,
			expected:    500 * time.Millisecond,
		},
		{
			name: "jitter 0.8-1.2 at min random",
			policy: BackoffPolicy{
				InitialMs: 100,
				MaxMs:     10000,
				Factor:    2,
				JitterMin: 0.8,
				JitterMax: 1.2,
			},
			attempt:     0,
			randomValue: 0.0,
			// base = 100, factor = 0.8, total = 80
			expected: 80 * time.Millisecond,
		},
		{
			name: "jitter 0.8-1.2 at max random",
			policy: BackoffPolicy{
				InitialMs: 100,
				MaxMs:     10000,
				Factor:    2,
				JitterMin: 0.8,
				JitterMax: 1.2,
			},
			attempt:     0,
			randomValue: 1.0,
			// base = 100, factor = 1.2, total = 120
			expected: 120 * time.Millisecond,
		},
		{
			name: "jitter 0.8-1.2 at mid random",
			policy: BackoffPolicy{
				InitialMs: 100,
				MaxMs:     10000,
				Factor:    2,
				JitterMin: 0.8,
				JitterMax: 1.2,
			},
			attempt:     1,
			randomValue: 0.5,
			// base = 200, factor = 1.0, total = 200
			expected: 200 * time.Millisecond,
		},
		{
			name: "negative attempt treated as zero",
			policy: BackoffPolicy{
				InitialMs: 100,
				MaxMs:     10000,
				Factor:    2,
			},
			attempt:     -5,
			randomValue: 0.5,
			expected:    100 * time.Millisecond,
		},
		{
			name: "factor 1.5",
			policy: BackoffPolicy{
				InitialMs: 100,
				MaxMs:     10000,
				Factor:    1.5,
			},
			attempt:     2,
			randomValue: 0.5,
			// base = 100 * 1.5^2 = 225
			expected: 225 * time.Millisecond,
		},
		{
			name: "jitter causes max clamping",
			policy: BackoffPolicy{
				InitialMs: 100,
				MaxMs:     105,
				Factor:    1,
				JitterMin: 1.0,
				JitterMax: 1.5,
			},
			attempt:     0,
			randomValue: 1.0,
			// base = 100, factor = 1.5, total would be 150, clamped to 105
			expected: 105 * time.Millisecond,
		},
		{
			name: "zero MaxMs means unbounded",
			policy: BackoffPolicy{
				InitialMs: 100,
				Factor:    2,
			},
			attempt:     5,
			randomValue: 0.5,
			expected:    3200 * time.Millisecond,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeBackoffWithRand(tt.policy, tt.attempt, tt.randomValue)
			if got != tt.expected {
				t.Errorf("ComputeBackoffWithRand() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestComputeBackoff_JitterRange(t *testing.T) {
	policy := BackoffPolicy{
		InitialMs: 100,
		MaxMs:     10000,
		Factor:    2,
		JitterMin: 0.8,
		JitterMax: 1.2,
	}

	minExpected := 80 * time.Millisecond
	maxExpected := 120 * time.Millisecond

	for i := 0; i < 100; i++ {
		got := ComputeBackoff(policy, 0)
		if got < minExpected || got > maxExpected {
			t.Errorf("ComputeBackoff() = %v, want in range [%v, %v]", got, minExpected, maxExpected)
		}
	}
}

func TestDefaultPolicy(t *testing.T) {
	policy := DefaultPolicy()

	if policy.InitialMs != 250 {
		t.Errorf("InitialMs = %v, want 250", policy.InitialMs)
	}
	if policy.MaxMs != 30000 {
		t.Errorf("MaxMs = %v, want 30000", policy.MaxMs)
	}
	if policy.Factor != 2 {
		t.Errorf("Factor = %v, want 2", policy.Factor)
	}
	if policy.JitterMin != 0.8 || policy.JitterMax != 1.2 {
		t.Errorf("Jitter range = [%v,%v], want [0.8,1.2]", policy.JitterMin, policy.JitterMax)
	}
}

func TestTestModePolicy(t *testing.T) {
	policy := TestModePolicy()

	if policy.MaxMs != TestModeCapMs {
		t.Errorf("MaxMs = %v, want %v", policy.MaxMs, TestModeCapMs)
	}
	if policy.InitialMs != DefaultPolicy().InitialMs {
		t.Errorf("InitialMs = %v, want to inherit DefaultPolicy", policy.InitialMs)
	}

	got := ComputeBackoffWithRand(policy, 20, 1.0)
	if got != TestModeCapMs*time.Millisecond {
		t.Errorf("ComputeBackoffWithRand() = %v, want capped at %v ms", got, TestModeCapMs)
	}
}
