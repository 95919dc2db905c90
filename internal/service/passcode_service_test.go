package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"identity-service/internal/apperr"
	"identity-service/internal/config"
	"identity-service/internal/credential"
	redisrepo "identity-service/internal/repository/redis"
)

type memCredentials struct {
	mu    sync.Mutex
	items map[string]string
}

func newMemCredentials() *memCredentials {
	return &memCredentials{items: map[string]string{}}
}

func (m *memCredentials) SetItem(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = value
	return nil
}

func (m *memCredentials) GetItem(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.items[key]
	return v, ok, nil
}

func (m *memCredentials) DeleteItem(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

func (m *memCredentials) get(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.items[key]
	return v, ok
}

func newPasscodeFixture(t *testing.T) (*PasscodeService, *memCredentials) {
	t.Helper()
	rc, _ := newRedisClient(t)
	store := newMemCredentials()
	cfg := config.PasscodeConfig{MinLength: 4, MaxLength: 6, MaxFailures: 5, Window: 15 * time.Minute, LockFor: 15 * time.Minute}
	return NewPasscodeService(store, redisrepo.NewRateLimitCache(rc), testHasher(), cfg, nil, zap.NewNop()), store
}

func TestSetPasscodeValidates(t *testing.T) {
	svc, _ := newPasscodeFixture(t)
	ctx := context.Background()

	for _, bad := range []string{"123", "1234567", "12a4"} {
		if err := svc.SetPasscode(ctx, "u1", "", bad); apperr.KindOf(err) != apperr.KindValidation {
			t.Errorf("%q: expected validation error, got %v", bad, err)
		}
	}
	if err := svc.SetPasscode(ctx, "", "", "1234"); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected user id validation, got %v", err)
	}
}

func TestPasscodeStoredHashed(t *testing.T) {
	svc, store := newPasscodeFixture(t)
	ctx := context.Background()

	if err := svc.SetPasscode(ctx, "u1", "", "482913"); err != nil {
		t.Fatalf("SetPasscode: %v", err)
	}
	raw, ok := store.get(credential.PasscodeKey("u1"))
	if !ok || strings.Contains(raw, "482913") {
		t.Fatalf("passcode stored in clear or missing: %q", raw)
	}
	if !svc.HasPasscode(ctx, "u1") {
		t.Fatalf("HasPasscode = false after set")
	}
	if err := svc.VerifyPasscode(ctx, "u1", "482913"); err != nil {
		t.Fatalf("VerifyPasscode: %v", err)
	}
}

func TestVerifyPasscodeWithoutOne(t *testing.T) {
	svc, _ := newPasscodeFixture(t)
	err := svc.VerifyPasscode(context.Background(), "u1", "1234")
	if apperr.KindOf(err) != apperr.KindNotFound || apperr.MessageOf(err) != MsgNoPasscode {
		t.Fatalf("expected no passcode, got %v", err)
	}
}

func TestPasscodeLockout(t *testing.T) {
	svc, _ := newPasscodeFixture(t)
	ctx := context.Background()
	if err := svc.SetPasscode(ctx, "u1", "", "4829"); err != nil {
		t.Fatalf("SetPasscode: %v", err)
	}

	for i := 1; i < 5; i++ {
		err := svc.VerifyPasscode(ctx, "u1", "0000")
		if apperr.KindOf(err) != apperr.KindUnauthenticated || apperr.MessageOf(err) != MsgIncorrectPasscode {
			t.Fatalf("failure %d: got %v", i, err)
		}
	}
	err := svc.VerifyPasscode(ctx, "u1", "0000")
	if apperr.KindOf(err) != apperr.KindLockedOut {
		t.Fatalf("fifth failure should lock, got %v", err)
	}
	if apperr.MessageOf(err) != "Too many incorrect passcode attempts. Try again in 15 minutes." {
		t.Fatalf("unexpected message %q", apperr.MessageOf(err))
	}

	if err := svc.VerifyPasscode(ctx, "u1", "4829"); apperr.KindOf(err) != apperr.KindLockedOut {
		t.Fatalf("correct passcode during lock must fail, got %v", err)
	}
}

func TestPasscodeSuccessResetsFailures(t *testing.T) {
	svc, _ := newPasscodeFixture(t)
	ctx := context.Background()
	if err := svc.SetPasscode(ctx, "u1", "", "4829"); err != nil {
		t.Fatalf("SetPasscode: %v", err)
	}

	for round := 0; round < 2; round++ {
		for i := 0; i < 4; i++ {
			_ = svc.VerifyPasscode(ctx, "u1", "0000")
		}
		if err := svc.VerifyPasscode(ctx, "u1", "4829"); err != nil {
			t.Fatalf("round %d: VerifyPasscode: %v", round, err)
		}
	}
}

func TestChangingPasscodeNeedsCurrent(t *testing.T) {
	svc, _ := newPasscodeFixture(t)
	ctx := context.Background()
	if err := svc.SetPasscode(ctx, "u1", "", "4829"); err != nil {
		t.Fatalf("SetPasscode: %v", err)
	}

	if err := svc.SetPasscode(ctx, "u1", "", "5555"); apperr.KindOf(err) != apperr.KindUnauthenticated {
		t.Fatalf("replace without current: %v", err)
	}
	if err := svc.SetPasscode(ctx, "u1", "0000", "5555"); apperr.MessageOf(err) != MsgIncorrectPasscode {
		t.Fatalf("replace with wrong current: %v", err)
	}
	if err := svc.VerifyPasscode(ctx, "u1", "5555"); apperr.MessageOf(err) != MsgIncorrectPasscode {
		t.Fatalf("passcode changed without proof: %v", err)
	}

	if err := svc.SetPasscode(ctx, "u1", "4829", "5555"); err != nil {
		t.Fatalf("SetPasscode with current: %v", err)
	}
	if err := svc.VerifyPasscode(ctx, "u1", "5555"); err != nil {
		t.Fatalf("VerifyPasscode new: %v", err)
	}
}

func TestSetPasscodeKeepsActiveLock(t *testing.T) {
	svc, _ := newPasscodeFixture(t)
	ctx := context.Background()
	if err := svc.SetPasscode(ctx, "u1", "", "4829"); err != nil {
		t.Fatalf("SetPasscode: %v", err)
	}
	for i := 0; i < 5; i++ {
		_ = svc.VerifyPasscode(ctx, "u1", "0000")
	}

	if err := svc.SetPasscode(ctx, "u1", "4829", "5555"); apperr.KindOf(err) != apperr.KindLockedOut {
		t.Fatalf("change during lock: %v", err)
	}
	if err := svc.VerifyPasscode(ctx, "u1", "5555"); apperr.KindOf(err) != apperr.KindLockedOut {
		t.Fatalf("lock cleared by a set: %v", err)
	}
}
