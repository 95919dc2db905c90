package hashing

import (
	"testing"

	"identity-service/internal/config"
)

func testConfig(pepper string, version int, previous ...string) *config.Config {
	return &config.Config{
		Hashing: config.HashingConfig{
			Argon2MemoryCost:  8 * 1024,
			Argon2TimeCost:    1,
			Argon2Parallelism: 1,
			Pepper:            pepper,
			PepperVersion:     version,
			PreviousPeppers:   previous,
		},
	}
}

func TestHashAndVerifyOTP(t *testing.T) {
	h := NewHasher(testConfig("pepper-1", 1))

	res, err := h.HashOTP("482913")
	if err != nil {
		t.Fatalf("HashOTP: %v", err)
	}
	if res.Hash == "" || res.Salt == "" || res.PepperVersion != 1 {
		t.Fatalf("unexpected hash result %+v", res)
	}

	ok, err := h.VerifyOTP("482913", res)
	if err != nil || !ok {
		t.Fatalf("expected match, got ok=%v err=%v", ok, err)
	}
	ok, err = h.VerifyOTP("482914", res)
	if err != nil || ok {
		t.Fatalf("expected mismatch, got ok=%v err=%v", ok, err)
	}
}

func TestPurposesDoNotCollide(t *testing.T) {
	h := NewHasher(testConfig("pepper-1", 1))

	res, err := h.HashOTP("1234")
	if err != nil {
		t.Fatalf("HashOTP: %v", err)
	}
	ok, err := h.VerifyPasscode("1234", res)
	if err != nil {
		t.Fatalf("VerifyPasscode: %v", err)
	}
	if ok {
		t.Fatalf("otp hash must not verify as passcode")
	}
}

func TestPreviousPepperStillVerifies(t *testing.T) {
	old := NewHasher(testConfig("pepper-1", 1))
	res, err := old.HashPasscode("2468")
	if err != nil {
		t.Fatalf("HashPasscode: %v", err)
	}

	rotated := NewHasher(testConfig("pepper-2", 2, "pepper-1"))
	ok, err := rotated.VerifyPasscode("2468", res)
	if err != nil || !ok {
		t.Fatalf("expected old hash to verify after rotation, ok=%v err=%v", ok, err)
	}

	fresh, _ := rotated.HashPasscode("2468")
	if fresh.PepperVersion != 2 {
		t.Fatalf("new hashes should use current pepper, got %d", fresh.PepperVersion)
	}
}

func TestUnknownPepperVersion(t *testing.T) {
	h := NewHasher(testConfig("pepper-1", 1))
	res, _ := h.HashOTP("111111")
	res.PepperVersion = 9

	if _, err := h.VerifyOTP("111111", res); err != ErrUnknownPepper {
		t.Fatalf("expected ErrUnknownPepper, got %v", err)
	}
}

func TestEmptySecretRejected(t *testing.T) {
	h := NewHasher(testConfig("pepper-1", 1))
	if _, err := h.HashOTP(""); err != ErrEmptySecret {
		t.Fatalf("expected ErrEmptySecret, got %v", err)
	}
}
