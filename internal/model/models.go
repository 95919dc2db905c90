package model

import (
	"context"
	"errors"
	"time"
)

var (
	ErrOTPNotFound      = errors.New("otp not found")
	ErrAttemptsExceeded = errors.New("otp attempts exceeded")
	ErrAlreadyVerified  = errors.New("otp already verified")
	ErrOTPExpired       = errors.New("otp expired")
)

// -------------------- OTP VERIFICATION --------------------

type OTPStatus string

const (
	OTPStatusPending   OTPStatus = "PENDING"
	OTPStatusVerified  OTPStatus = "VERIFIED"
	OTPStatusExpired   OTPStatus = "EXPIRED"
	OTPStatusLockedOut OTPStatus = "LOCKED_OUT"
)

// OtpVerification is one OTP issuance. The code itself is never stored;
// CodeHash/CodeSalt/PepperVersion come from hashing.Hasher.HashOTP.
type OtpVerification struct {
	ID            string     `json:"id" db:"otp_id"`
	UserID        string     `json:"user_id" db:"user_id"`
	PhoneNumber   string     `json:"phone_number" db:"phone_number"` // E.164
	CodeHash      string     `json:"-" db:"code_hash"`
	CodeSalt      string     `json:"-" db:"code_salt"`
	PepperVersion int        `json:"-" db:"pepper_version"`
	ExpiresAt     time.Time  `json:"expires_at" db:"expires_at"`
	Verified      bool       `json:"verified" db:"verified"`
	Attempts      int        `json:"attempts" db:"attempts"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	VerifiedAt    *time.Time `json:"verified_at,omitempty" db:"verified_at"`
}

// Status evaluates the record lazily against now. Expiry wins over
// everything else, then verification, then the attempt cap.
func (o *OtpVerification) Status(now time.Time, maxAttempts int) OTPStatus {
	switch {
	case now.After(o.ExpiresAt):
		return OTPStatusExpired
	case o.Verified:
		return OTPStatusVerified
	case o.Attempts >= maxAttempts:
		return OTPStatusLockedOut
	default:
		return OTPStatusPending
	}
}

// -------------------- REPOSITORY INTERFACES --------------------

// OTPRepository persists OtpVerification rows. Implementations must make
// IncrementAttempts and MarkVerified atomic per record.
type OTPRepository interface {
	Create(ctx context.Context, otp *OtpVerification) error
	Delete(ctx context.Context, otp *OtpVerification) error
	// LatestForPhone returns the most recently created record for
	// phoneNumber regardless of state, or ErrOTPNotFound. Older records are
	// superseded and never returned.
	LatestForPhone(ctx context.Context, phoneNumber string) (*OtpVerification, error)
	// LatestForUser returns the most recent record for the pair regardless
	// of state, or ErrOTPNotFound.
	LatestForUser(ctx context.Context, userID, phoneNumber string) (*OtpVerification, error)
	// IncrementAttempts adds one failed attempt unless the record already
	// reached maxAttempts, in which case it returns ErrAttemptsExceeded.
	IncrementAttempts(ctx context.Context, otp *OtpVerification, maxAttempts int) (int, error)
	// MarkVerified flips verified to true once, in the same atomic step
	// that checks the record is still pending at `at`. It returns
	// ErrAlreadyVerified, ErrAttemptsExceeded or ErrOTPExpired otherwise.
	MarkVerified(ctx context.Context, otp *OtpVerification, at time.Time, maxAttempts int) error
	DeleteExpired(ctx context.Context, before time.Time) (int, error)
	HealthCheck(ctx context.Context) error
}

// -------------------- CACHE INTERFACES --------------------

// RateLimitCache backs fixed-window counters and temporary locks.
type RateLimitCache interface {
	IncrementCounter(ctx context.Context, key string, ttl time.Duration) (int, error)
	GetCounter(ctx context.Context, key string) (int, error)
	ResetCounter(ctx context.Context, key string) error
	SetTemporaryLock(ctx context.Context, key string, ttl time.Duration) error
	LockTTL(ctx context.Context, key string) (time.Duration, error)
}
