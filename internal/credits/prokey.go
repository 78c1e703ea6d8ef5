// Package credits implements the Pro credit ledger: per-key monthly
// credit accounting with a per-model cost table, and the Pro key
// generation/validation scheme.
package credits

import (
	"fmt"
	"math/rand"
	"os"
	"strconv"
)

// DefaultPrime is the development fallback secret prime used to validate
// and generate Pro keys when PRO_PRIME is not set in the environment.
const DefaultPrime = 982451

// Prime returns the configured secret prime from the PRO_PRIME environment
// variable, or DefaultPrime if unset or unparseable.
func Prime() int64 {
	if raw := os.Getenv("PRO_PRIME"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return v
		}
	}
	return DefaultPrime
}

// ValidateProKey reports whether key is a well-formed, valid Pro key: 8
// hex characters whose integer value is positive and a multiple of the
// configured secret prime.
func ValidateProKey(key string) bool {
	return ValidateProKeyWithPrime(key, Prime())
}

// ValidateProKeyWithPrime is ValidateProKey against an explicit prime,
// for callers that carry the prime in their own configuration instead of
// re-reading the environment.
func ValidateProKeyWithPrime(key string, prime int64) bool {
	if len(key) != 8 || prime <= 0 {
		return false
	}
	v, err := strconv.ParseInt(key, 16, 64)
	if err != nil {
		return false
	}
	return v > 0 && v%prime == 0
}

// GenerateProKey produces a new valid Pro key by picking a random
// multiplier in [1, 1000], multiplying by the secret prime, and
// zero-padding the hex representation to 8 characters.
func GenerateProKey() string {
	multiplier := rand.Int63n(1000) + 1 // #nosec G404 -- key strength comes from the secret prime, not CSPRNG jitter
	value := multiplier * Prime()
	return fmt.Sprintf("%08x", value)
}
