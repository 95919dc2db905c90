package service

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"identity-service/internal/apperr"
	"identity-service/internal/audit"
	"identity-service/internal/config"
	"identity-service/internal/credential"
	"identity-service/internal/hashing"
	"identity-service/internal/model"
)

const (
	MsgIncorrectPasscode = "Incorrect passcode"
	MsgNoPasscode        = "No passcode set for this account"

	msgPasscodeStorage = "Could not update passcode. Please try again."
)

// PasscodeService is the device passcode that stands behind biometrics:
// permanent biometric lockout and user fallback both end up here.
type PasscodeService struct {
	store  credential.Store
	limits model.RateLimitCache
	hasher *hashing.Hasher
	cfg    config.PasscodeConfig
	audit  *audit.Dispatcher
	logger *zap.Logger
}

func NewPasscodeService(store credential.Store, limits model.RateLimitCache, hasher *hashing.Hasher, cfg config.PasscodeConfig, dispatcher *audit.Dispatcher, logger *zap.Logger) *PasscodeService {
	if cfg.MinLength <= 0 {
		cfg.MinLength = 4
	}
	if cfg.MaxLength < cfg.MinLength {
		cfg.MaxLength = 6
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = 15 * time.Minute
	}
	if cfg.LockFor <= 0 {
		cfg.LockFor = 15 * time.Minute
	}
	return &PasscodeService{
		store:  store,
		limits: limits,
		hasher: hasher,
		cfg:    cfg,
		audit:  dispatcher,
		logger: logger,
	}
}

func failureKey(userID string) string {
	return "passcode:" + userID
}

func (s *PasscodeService) validate(passcode string) error {
	if len(passcode) < s.cfg.MinLength || len(passcode) > s.cfg.MaxLength {
		return apperr.New(apperr.KindValidation,
			fmt.Sprintf("Passcode must be %d to %d digits", s.cfg.MinLength, s.cfg.MaxLength))
	}
	for _, r := range passcode {
		if r < '0' || r > '9' {
			return apperr.New(apperr.KindValidation, "Passcode must contain digits only")
		}
	}
	return nil
}

// SetPasscode stores a new passcode hash for userID. Replacing an existing
// passcode takes the current one, checked under the same lockout as an
// unlock. A held lock refuses the change.
func (s *PasscodeService) SetPasscode(ctx context.Context, userID, current, passcode string) error {
	if strings.TrimSpace(userID) == "" {
		return apperr.New(apperr.KindValidation, "User ID is required")
	}
	if err := s.validate(passcode); err != nil {
		return err
	}

	_, exists, err := s.store.GetItem(ctx, credential.PasscodeKey(userID))
	if err != nil {
		return apperr.Wrap(apperr.KindStorage, msgPasscodeStorage, err)
	}
	if exists {
		if err := s.VerifyPasscode(ctx, userID, current); err != nil {
			return err
		}
	} else {
		remaining, err := s.limits.LockTTL(ctx, failureKey(userID))
		if err != nil {
			return apperr.Wrap(apperr.KindStorage, msgPasscodeStorage, err)
		}
		if remaining > 0 {
			return lockedOut(remaining)
		}
	}

	hashed, err := s.hasher.HashPasscode(passcode)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, msgPasscodeStorage, err)
	}
	raw, err := json.Marshal(hashed)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, msgPasscodeStorage, err)
	}
	if err := s.store.SetItem(ctx, credential.PasscodeKey(userID), string(raw)); err != nil {
		s.logger.Error("Failed to store passcode", zap.String("user_id", userID), zap.Error(err))
		return apperr.Wrap(apperr.KindStorage, msgPasscodeStorage, err)
	}

	s.audit.Emit(ctx, audit.Event{Type: audit.EventPasscodeSet, UserID: userID, Success: true})
	s.logger.Info("Passcode set", zap.String("user_id", userID))
	return nil
}

func (s *PasscodeService) HasPasscode(ctx context.Context, userID string) bool {
	_, ok, err := s.store.GetItem(ctx, credential.PasscodeKey(userID))
	return err == nil && ok
}

// VerifyPasscode fails with locked_out while a lock holds. MaxFailures
// wrong entries inside Window set a lock for LockFor.
func (s *PasscodeService) VerifyPasscode(ctx context.Context, userID, passcode string) error {
	if strings.TrimSpace(userID) == "" {
		return apperr.New(apperr.KindValidation, "User ID is required")
	}
	key := failureKey(userID)

	remaining, err := s.limits.LockTTL(ctx, key)
	if err != nil {
		s.logger.Error("Failed to read passcode lock", zap.String("user_id", userID), zap.Error(err))
		return apperr.Wrap(apperr.KindStorage, msgPasscodeStorage, err)
	}
	if remaining > 0 {
		return lockedOut(remaining)
	}

	raw, ok, err := s.store.GetItem(ctx, credential.PasscodeKey(userID))
	if err != nil {
		return apperr.Wrap(apperr.KindStorage, msgPasscodeStorage, err)
	}
	if !ok {
		return apperr.New(apperr.KindNotFound, MsgNoPasscode)
	}
	var stored hashing.HashResult
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return apperr.Wrap(apperr.KindInternal, msgPasscodeStorage, err)
	}

	match, err := s.hasher.VerifyPasscode(passcode, &stored)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, msgPasscodeStorage, err)
	}
	if match {
		if err := s.limits.ResetCounter(ctx, key); err != nil {
			s.logger.Warn("Failed to reset passcode failures", zap.String("user_id", userID), zap.Error(err))
		}
		s.audit.Emit(ctx, audit.Event{Type: audit.EventPasscodeVerified, UserID: userID, Success: true})
		return nil
	}

	failures, err := s.limits.IncrementCounter(ctx, key, s.cfg.Window)
	if err != nil {
		return apperr.Wrap(apperr.KindStorage, msgPasscodeStorage, err)
	}
	s.audit.Emit(ctx, audit.Event{
		Type:     audit.EventPasscodeFailed,
		UserID:   userID,
		Metadata: map[string]string{"failures": fmt.Sprintf("%d", failures)},
	})

	if failures >= s.cfg.MaxFailures {
		// The counter goes so the next window starts clean once the lock lifts.
		if err := s.limits.ResetCounter(ctx, key); err != nil {
			s.logger.Warn("Failed to reset passcode failures", zap.String("user_id", userID), zap.Error(err))
		}
		if err := s.limits.SetTemporaryLock(ctx, key, s.cfg.LockFor); err != nil {
			return apperr.Wrap(apperr.KindStorage, msgPasscodeStorage, err)
		}
		s.audit.Emit(ctx, audit.Event{Type: audit.EventPasscodeLocked, UserID: userID})
		s.logger.Warn("Passcode locked", zap.String("user_id", userID), zap.Int("failures", failures))
		return lockedOut(s.cfg.LockFor)
	}

	return apperr.New(apperr.KindUnauthenticated, MsgIncorrectPasscode)
}

func lockedOut(remaining time.Duration) error {
	minutes := int(math.Ceil(remaining.Minutes()))
	if minutes < 1 {
		minutes = 1
	}
	return apperr.New(apperr.KindLockedOut,
		fmt.Sprintf("Too many incorrect passcode attempts. Try again in %d minutes.", minutes))
}

// DeletePasscode removes the stored passcode. Idempotent.
func (s *PasscodeService) DeletePasscode(ctx context.Context, userID string) error {
	if err := s.store.DeleteItem(ctx, credential.PasscodeKey(userID)); err != nil {
		return apperr.Wrap(apperr.KindStorage, msgPasscodeStorage, err)
	}
	return nil
}
