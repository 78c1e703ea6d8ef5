package credits

import (
	"os"
	"strconv"
	"testing"
)

func TestGenerateProKeyAlwaysValidates(t *testing.T) {
	for i := 0; i < 200; i++ {
		key := GenerateProKey()
		if len(key) != 8 {
			t.Fatalf("generated key %q is not 8 characters", key)
		}
		if !ValidateProKey(key) {
			t.Fatalf("generated key %q did not validate", key)
		}
	}
}

func TestValidateProKeyRejectsNonMultiples(t *testing.T) {
	prime := Prime()
	valid := prime * 3
	key := strconv.FormatInt(valid, 16)
	for len(key) < 8 {
		key = "0" + key
	}
	if !ValidateProKey(key) {
		t.Fatalf("expected %q (a multiple of the prime) to validate", key)
	}

	notMultiple := valid + 1
	badKey := strconv.FormatInt(notMultiple, 16)
	for len(badKey) < 8 {
		badKey = "0" + badKey
	}
	if len(badKey) == 8 && ValidateProKey(badKey) {
		t.Fatalf("expected %q (not a multiple of the prime) to be rejected", badKey)
	}
}

func TestValidateProKeyRejectsMalformedInput(t *testing.T) {
	cases := []string{
		"",
		"abc",
		"zzzzzzzz",
		"123456789",
		"00000000",
	}
	for _, c := range cases {
		if ValidateProKey(c) {
			t.Fatalf("expected %q to be rejected", c)
		}
	}
}

func TestPrimeHonorsEnvironmentOverride(t *testing.T) {
	old, had := os.LookupEnv("PRO_PRIME")
	defer func() {
		if had {
			os.Setenv("PRO_PRIME", old)
		} else {
			os.Unsetenv("PRO_PRIME")
		}
	}()

	os.Setenv("PRO_PRIME", "17")
	if got := Prime(); got != 17 {
		t.Fatalf("expected Prime() to honor PRO_PRIME=17, got %d", got)
	}

	os.Setenv("PRO_PRIME", "not-a-number")
	if got := Prime(); got != DefaultPrime {
		t.Fatalf("expected Prime() to fall back to DefaultPrime on unparseable PRO_PRIME, got %d", got)
	}

	os.Unsetenv("PRO_PRIME")
	if got := Prime(); got != DefaultPrime {
		t.Fatalf("expected Prime() to fall back to DefaultPrime when unset, got %d", got)
	}
}
