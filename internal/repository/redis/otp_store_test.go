package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"identity-service/internal/client"
	"identity-service/internal/model"
)

var baseTime = time.Date(2025, 5, 4, 10, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*OTPStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	mr.SetTime(baseTime)

	rc := client.WrapRedisClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	return NewOTPStore(rc, 24*time.Hour), mr
}

func newOTP(id, userID, phone string, createdAt time.Time) *model.OtpVerification {
	return &model.OtpVerification{
		ID:            id,
		UserID:        userID,
		PhoneNumber:   phone,
		CodeHash:      "hash-" + id,
		CodeSalt:      "salt-" + id,
		PepperVersion: 1,
		CreatedAt:     createdAt,
		ExpiresAt:     createdAt.Add(10 * time.Minute),
	}
}

func TestCreateAndLatestForPhone(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	first := newOTP("a", "u1", "+254712345678", baseTime)
	second := newOTP("b", "u1", "+254712345678", baseTime.Add(time.Minute))
	for _, o := range []*model.OtpVerification{first, second} {
		if err := store.Create(ctx, o); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	got, err := store.LatestForPhone(ctx, "+254712345678")
	if err != nil {
		t.Fatalf("LatestForPhone: %v", err)
	}
	if got.ID != "b" || got.CodeHash != "hash-b" || got.Attempts != 0 || got.Verified {
		t.Fatalf("unexpected record %+v", got)
	}
	if !got.CreatedAt.Equal(second.CreatedAt) || !got.ExpiresAt.Equal(second.ExpiresAt) {
		t.Fatalf("timestamps not preserved: %+v", got)
	}
}

func TestLatestForPhoneReturnsNewestEvenWhenVerified(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	older := newOTP("a", "u1", "+254712345678", baseTime)
	newer := newOTP("b", "u1", "+254712345678", baseTime.Add(time.Minute))
	_ = store.Create(ctx, older)
	_ = store.Create(ctx, newer)

	if err := store.MarkVerified(ctx, newer, baseTime.Add(2*time.Minute), 3); err != nil {
		t.Fatalf("MarkVerified: %v", err)
	}

	got, err := store.LatestForPhone(ctx, "+254712345678")
	if err != nil {
		t.Fatalf("LatestForPhone: %v", err)
	}
	if got.ID != "b" || !got.Verified {
		t.Fatalf("expected the verified newest record, got %+v", got)
	}
}

func TestLatestForPhoneNotFound(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.LatestForPhone(context.Background(), "+254700000000")
	if !errors.Is(err, model.ErrOTPNotFound) {
		t.Fatalf("expected ErrOTPNotFound, got %v", err)
	}
}

func TestLatestForUserIsScopedToUser(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	_ = store.Create(ctx, newOTP("a", "u1", "+254712345678", baseTime))
	_ = store.Create(ctx, newOTP("b", "u2", "+254712345678", baseTime.Add(time.Minute)))

	got, err := store.LatestForUser(ctx, "u1", "+254712345678")
	if err != nil {
		t.Fatalf("LatestForUser: %v", err)
	}
	if got.ID != "a" {
		t.Fatalf("expected u1 record, got %s", got.ID)
	}
}

func TestIncrementAttemptsIsBounded(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	otp := newOTP("a", "u1", "+254712345678", baseTime)
	_ = store.Create(ctx, otp)

	for want := 1; want <= 3; want++ {
		got, err := store.IncrementAttempts(ctx, otp, 3)
		if err != nil {
			t.Fatalf("IncrementAttempts #%d: %v", want, err)
		}
		if got != want {
			t.Fatalf("expected %d attempts, got %d", want, got)
		}
	}

	if _, err := store.IncrementAttempts(ctx, otp, 3); !errors.Is(err, model.ErrAttemptsExceeded) {
		t.Fatalf("expected ErrAttemptsExceeded, got %v", err)
	}

	stored, _ := store.LatestForPhone(ctx, "+254712345678")
	if stored.Attempts != 3 {
		t.Fatalf("attempts must stay at cap, got %d", stored.Attempts)
	}
}

func TestConcurrentIncrementsAreNotLost(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	otp := newOTP("a", "u1", "+254712345678", baseTime)
	_ = store.Create(ctx, otp)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			copyOTP := *otp
			if _, err := store.IncrementAttempts(ctx, &copyOTP, 3); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if succeeded != 3 {
		t.Fatalf("expected exactly 3 increments to succeed, got %d", succeeded)
	}
}

func TestMarkVerifiedOnce(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	otp := newOTP("a", "u1", "+254712345678", baseTime)
	_ = store.Create(ctx, otp)

	if err := store.MarkVerified(ctx, otp, baseTime, 3); err != nil {
		t.Fatalf("MarkVerified: %v", err)
	}
	if err := store.MarkVerified(ctx, otp, baseTime, 3); !errors.Is(err, model.ErrAlreadyVerified) {
		t.Fatalf("expected ErrAlreadyVerified, got %v", err)
	}
	if _, err := store.IncrementAttempts(ctx, otp, 3); !errors.Is(err, model.ErrAlreadyVerified) {
		t.Fatalf("verified record must not take attempts, got %v", err)
	}

	got, err := store.LatestForUser(ctx, "u1", "+254712345678")
	if err != nil {
		t.Fatalf("LatestForUser: %v", err)
	}
	if !got.Verified || got.VerifiedAt == nil {
		t.Fatalf("expected verified record, got %+v", got)
	}
}

func TestMarkVerifiedRechecksCapAndExpiry(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	capped := newOTP("a", "u1", "+254712345678", baseTime)
	_ = store.Create(ctx, capped)
	stale := *capped
	for i := 0; i < 3; i++ {
		if _, err := store.IncrementAttempts(ctx, capped, 3); err != nil {
			t.Fatalf("IncrementAttempts: %v", err)
		}
	}
	if err := store.MarkVerified(ctx, &stale, baseTime, 3); !errors.Is(err, model.ErrAttemptsExceeded) {
		t.Fatalf("expected ErrAttemptsExceeded, got %v", err)
	}

	late := newOTP("b", "u2", "+254700000001", baseTime)
	_ = store.Create(ctx, late)
	if err := store.MarkVerified(ctx, late, late.ExpiresAt.Add(time.Millisecond), 3); !errors.Is(err, model.ErrOTPExpired) {
		t.Fatalf("expected ErrOTPExpired, got %v", err)
	}
	if err := store.MarkVerified(ctx, late, late.ExpiresAt, 3); err != nil {
		t.Fatalf("MarkVerified at expiry: %v", err)
	}

	if err := store.MarkVerified(ctx, newOTP("gone", "u3", "+254700000002", baseTime), baseTime, 3); !errors.Is(err, model.ErrOTPNotFound) {
		t.Fatalf("expected ErrOTPNotFound, got %v", err)
	}
}

func TestDeleteRemovesRecordAndIndexes(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t)

	otp := newOTP("a", "u1", "+254712345678", baseTime)
	_ = store.Create(ctx, otp)
	if err := store.Delete(ctx, otp); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if mr.Exists(otpKey("a")) {
		t.Fatalf("hash should be gone")
	}
	if _, err := store.LatestForPhone(ctx, "+254712345678"); !errors.Is(err, model.ErrOTPNotFound) {
		t.Fatalf("expected ErrOTPNotFound, got %v", err)
	}
	if _, err := store.LatestForUser(ctx, "u1", "+254712345678"); !errors.Is(err, model.ErrOTPNotFound) {
		t.Fatalf("expected ErrOTPNotFound, got %v", err)
	}
}

func TestRecordsOutliveExpiryForRetention(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t)

	_ = store.Create(ctx, newOTP("a", "u1", "+254712345678", baseTime))

	// past expiresAt, still readable so the caller can report expiry
	mr.FastForward(11 * time.Minute)
	if _, err := store.LatestForPhone(ctx, "+254712345678"); err != nil {
		t.Fatalf("expected record during retention, got %v", err)
	}

	mr.FastForward(25 * time.Hour)
	if _, err := store.LatestForPhone(ctx, "+254712345678"); !errors.Is(err, model.ErrOTPNotFound) {
		t.Fatalf("expected record to be gone after retention, got %v", err)
	}
}

func TestLatestPrunesDanglingIndexEntries(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t)

	_ = store.Create(ctx, newOTP("a", "u1", "+254712345678", baseTime))
	_ = store.Create(ctx, newOTP("b", "u1", "+254712345678", baseTime.Add(time.Minute)))
	mr.Del(otpKey("b"))

	got, err := store.LatestForPhone(ctx, "+254712345678")
	if err != nil {
		t.Fatalf("LatestForPhone: %v", err)
	}
	if got.ID != "a" {
		t.Fatalf("expected surviving record, got %s", got.ID)
	}
	members, err := mr.ZMembers(phoneIndexKey("+254712345678"))
	if err != nil {
		t.Fatalf("ZMembers: %v", err)
	}
	if len(members) != 1 || members[0] != "a" {
		t.Fatalf("index not pruned: %v", members)
	}
}
