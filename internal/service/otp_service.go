package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"identity-service/internal/apperr"
	"identity-service/internal/audit"
	"identity-service/internal/config"
	"identity-service/internal/hashing"
	"identity-service/internal/identity"
	"identity-service/internal/metrics"
	"identity-service/internal/model"
	"identity-service/internal/phone"
	"identity-service/internal/sms"
	"identity-service/internal/util"
)

const (
	MsgOTPSent         = "OTP sent successfully"
	MsgNoValidOTP      = "No valid OTP found"
	MsgOTPExpired      = "OTP has expired. Please request a new OTP."
	MsgOTPLockedOut    = "Too many failed attempts. Please request a new OTP."
	MsgInvalidOTP      = "Invalid OTP code"
	MsgPhoneVerified   = "Phone number verified successfully"
	MsgInvalidPhone    = "Invalid phone number"
	MsgCodeRequired    = "OTP code is required"
	MsgTooManyRequests = "Too many OTP requests. Please try again later."

	msgOTPStorage = "Could not process OTP right now. Please try again."

	codeMin = 100000
	codeMax = 999999

	sendWindow = time.Hour
)

// ProfileUpdater receives the phone_verified flag after a successful
// verification.
type ProfileUpdater interface {
	UpdateUserProfile(ctx context.Context, userID string, fields map[string]interface{}) (*identity.Profile, error)
}

type OTPSent struct {
	OTPID       string    `json:"otp_id"`
	UserID      string    `json:"user_id"`
	PhoneNumber string    `json:"phone_number"`
	ExpiresAt   time.Time `json:"expires_at"`
	MessageID   string    `json:"message_id,omitempty"`
	Message     string    `json:"message"`
}

type OTPVerified struct {
	OTPID          string `json:"otp_id"`
	UserID         string `json:"user_id"`
	PhoneNumber    string `json:"phone_number"`
	ProfileUpdated bool   `json:"profile_updated"`
	Message        string `json:"message"`
}

// OTPService issues, delivers and verifies phone OTPs. Every failure is
// an *apperr.Error whose Message is safe to show to the user.
type OTPService struct {
	repo       model.OTPRepository
	limits     model.RateLimitCache
	gateway    sms.Gateway
	profiles   ProfileUpdater
	hasher     *hashing.Hasher
	normalizer *phone.Normalizer
	audit      *audit.Dispatcher
	metrics    *metrics.Metrics
	cfg        config.OTPConfig
	logger     *zap.Logger

	now     func() time.Time
	newCode func() (string, error)
}

// NewOTPService wires the engine. limits, profiles, dispatcher and m may
// be nil; without limits there is no hourly send cap.
func NewOTPService(
	repo model.OTPRepository,
	limits model.RateLimitCache,
	gateway sms.Gateway,
	profiles ProfileUpdater,
	hasher *hashing.Hasher,
	cfg config.OTPConfig,
	dispatcher *audit.Dispatcher,
	m *metrics.Metrics,
	logger *zap.Logger,
) *OTPService {
	if cfg.CodeTTL <= 0 {
		cfg.CodeTTL = 10 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.ResendCooldown <= 0 {
		cfg.ResendCooldown = 60 * time.Second
	}
	if cfg.MessageTemplate == "" {
		cfg.MessageTemplate = "Your verification code is %s. It expires in 10 minutes."
	}

	return &OTPService{
		repo:       repo,
		limits:     limits,
		gateway:    gateway,
		profiles:   profiles,
		hasher:     hasher,
		normalizer: phone.NewNormalizer(cfg.DefaultRegion),
		audit:      dispatcher,
		metrics:    m,
		cfg:        cfg,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
		newCode:    GenerateCode,
	}
}

// GenerateCode draws uniformly from [100000, 999999], so the result is
// always exactly six digits.
func GenerateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(codeMax-codeMin+1))
	if err != nil {
		return "", fmt.Errorf("failed to generate otp: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()+codeMin), nil
}

// NormalizePhone applies the single canonicalisation rule shared by send
// and verify.
func (s *OTPService) NormalizePhone(raw string) (string, error) {
	normalized, err := s.normalizer.Normalize(raw)
	if err != nil {
		return "", apperr.Wrap(apperr.KindValidation, MsgInvalidPhone, err)
	}
	return normalized, nil
}

func sendCounterKey(phoneNumber string) string {
	return "otp_send:" + phoneNumber
}

// SendOTP creates a record and delivers its code. The record is deleted
// again when delivery fails, so a failed send leaves nothing to verify.
// An empty userID gets a temporary pre-auth id.
func (s *OTPService) SendOTP(ctx context.Context, userID, rawPhone string) (*OTPSent, error) {
	startTime := s.now()

	phoneNumber, err := s.NormalizePhone(rawPhone)
	if err != nil {
		s.metrics.OTPSentResult("invalid_phone")
		return nil, err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		userID = "temp_" + uuid.NewString()
	}

	if err := s.checkSendCap(ctx, phoneNumber); err != nil {
		s.metrics.OTPSentResult("rate_limited")
		return nil, err
	}

	code, err := s.newCode()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, msgOTPStorage, err)
	}
	hashed, err := s.hasher.HashOTP(code)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, msgOTPStorage, err)
	}

	now := s.now()
	otp := &model.OtpVerification{
		ID:            uuid.NewString(),
		UserID:        userID,
		PhoneNumber:   phoneNumber,
		CodeHash:      hashed.Hash,
		CodeSalt:      hashed.Salt,
		PepperVersion: hashed.PepperVersion,
		ExpiresAt:     now.Add(s.cfg.CodeTTL),
		CreatedAt:     now,
	}

	if err := s.repo.Create(ctx, otp); err != nil {
		s.metrics.OTPSentResult("storage_error")
		s.logger.Error("Failed to persist OTP",
			util.Phone("phone_number", phoneNumber),
			zap.Error(err))
		return nil, apperr.Wrap(apperr.KindStorage, msgOTPStorage, err)
	}

	delivery, err := s.gateway.Send(ctx, phoneNumber, fmt.Sprintf(s.cfg.MessageTemplate, code))
	if err != nil {
		// Roll back so verify cannot match a code nobody received.
		if delErr := s.repo.Delete(context.WithoutCancel(ctx), otp); delErr != nil {
			s.logger.Error("Failed to delete undelivered OTP",
				zap.String("otp_id", otp.ID),
				zap.Error(delErr))
		}
		s.metrics.OTPSentResult("delivery_failed")
		s.emit(ctx, audit.Event{
			Type:    audit.EventOTPSendFailed,
			UserID:  userID,
			Phone:   phoneNumber,
			Reason:  apperr.MessageOf(err),
			Success: false,
		})
		var appErr *apperr.Error
		if !errors.As(err, &appErr) {
			err = apperr.Wrap(apperr.KindDelivery, "Failed to send SMS. Please try again.", err)
		}
		return nil, err
	}

	var messageID string
	if delivery != nil {
		messageID = delivery.MessageID
	}

	s.metrics.OTPSentResult("success")
	s.emit(ctx, audit.Event{
		Type:     audit.EventOTPSent,
		UserID:   userID,
		Phone:    phoneNumber,
		Success:  true,
		Metadata: map[string]string{"otp_id": otp.ID, "message_id": messageID},
	})
	s.logger.Info("OTP sent",
		zap.String("otp_id", otp.ID),
		zap.String("user_id", userID),
		util.Phone("phone_number", phoneNumber),
		zap.Duration("duration", s.now().Sub(startTime)))

	return &OTPSent{
		OTPID:       otp.ID,
		UserID:      userID,
		PhoneNumber: phoneNumber,
		ExpiresAt:   otp.ExpiresAt,
		MessageID:   messageID,
		Message:     MsgOTPSent,
	}, nil
}

// checkSendCap counts sends per phone in a fixed hourly window. A cache
// outage lets the send through.
func (s *OTPService) checkSendCap(ctx context.Context, phoneNumber string) error {
	if s.limits == nil || s.cfg.MaxSendsPerHour <= 0 {
		return nil
	}
	count, err := s.limits.IncrementCounter(ctx, sendCounterKey(phoneNumber), sendWindow)
	if err != nil {
		s.logger.Warn("OTP send counter unavailable", zap.Error(err))
		return nil
	}
	if count > s.cfg.MaxSendsPerHour {
		s.logger.Warn("OTP hourly send cap reached",
			util.Phone("phone_number", phoneNumber),
			zap.Int("count", count))
		return apperr.New(apperr.KindRateLimited, MsgTooManyRequests)
	}
	return nil
}

// ResendOTP refuses within the cooldown of the latest record for the
// pair and otherwise sends a fresh record, which supersedes the older
// ones. Without a userID the cooldown applies to the latest record for
// the phone number.
func (s *OTPService) ResendOTP(ctx context.Context, userID, rawPhone string) (*OTPSent, error) {
	phoneNumber, err := s.NormalizePhone(rawPhone)
	if err != nil {
		return nil, err
	}

	var latest *model.OtpVerification
	if userID = strings.TrimSpace(userID); userID == "" {
		latest, err = s.repo.LatestForPhone(ctx, phoneNumber)
	} else {
		latest, err = s.repo.LatestForUser(ctx, userID, phoneNumber)
	}
	switch {
	case err == nil:
		elapsed := s.now().Sub(latest.CreatedAt)
		if elapsed < s.cfg.ResendCooldown {
			wait := int(math.Ceil((s.cfg.ResendCooldown - elapsed).Seconds()))
			s.metrics.OTPSentResult("cooldown")
			return nil, apperr.New(apperr.KindRateLimited,
				fmt.Sprintf("Please wait %d seconds before requesting a new OTP", wait))
		}
	case errors.Is(err, model.ErrOTPNotFound):
	default:
		s.logger.Error("Failed to read latest OTP", zap.Error(err))
		return nil, apperr.Wrap(apperr.KindStorage, msgOTPStorage, err)
	}

	return s.SendOTP(ctx, userID, phoneNumber)
}

// VerifyOTP checks code against the most recent record for the phone
// number. Once that record is verified, nothing is left to verify until a
// new code is sent.
func (s *OTPService) VerifyOTP(ctx context.Context, rawPhone, code string) (*OTPVerified, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, apperr.New(apperr.KindValidation, MsgCodeRequired)
	}
	phoneNumber, err := s.NormalizePhone(rawPhone)
	if err != nil {
		return nil, err
	}

	otp, err := s.repo.LatestForPhone(ctx, phoneNumber)
	if err != nil {
		if errors.Is(err, model.ErrOTPNotFound) {
			s.metrics.OTPVerifyResult("not_found")
			return nil, apperr.New(apperr.KindNotFound, MsgNoValidOTP)
		}
		s.logger.Error("Failed to load OTP", zap.Error(err))
		return nil, apperr.Wrap(apperr.KindStorage, msgOTPStorage, err)
	}

	if otp.Verified {
		s.metrics.OTPVerifyResult("not_found")
		return nil, apperr.New(apperr.KindNotFound, MsgNoValidOTP)
	}

	now := s.now()
	switch otp.Status(now, s.cfg.MaxAttempts) {
	case model.OTPStatusExpired:
		s.metrics.OTPVerifyResult("expired")
		s.emitVerifyFailure(ctx, otp, "expired")
		return nil, apperr.New(apperr.KindExpired, MsgOTPExpired)
	case model.OTPStatusLockedOut:
		s.metrics.OTPVerifyResult("locked_out")
		s.emitVerifyFailure(ctx, otp, "locked_out")
		return nil, apperr.New(apperr.KindLockedOut, MsgOTPLockedOut)
	}

	match, err := s.hasher.VerifyOTP(code, &hashing.HashResult{
		Hash:          otp.CodeHash,
		Salt:          otp.CodeSalt,
		PepperVersion: otp.PepperVersion,
	})
	if err != nil {
		s.logger.Error("Failed to compare OTP", zap.String("otp_id", otp.ID), zap.Error(err))
		return nil, apperr.Wrap(apperr.KindInternal, msgOTPStorage, err)
	}

	if !match {
		return nil, s.recordFailedAttempt(ctx, otp)
	}

	// The record may have changed while the hash was compared; the store
	// re-checks state, cap and expiry in the same step that verifies it.
	if err := s.repo.MarkVerified(ctx, otp, now, s.cfg.MaxAttempts); err != nil {
		switch {
		case errors.Is(err, model.ErrAlreadyVerified), errors.Is(err, model.ErrOTPNotFound):
			s.metrics.OTPVerifyResult("not_found")
			return nil, apperr.New(apperr.KindNotFound, MsgNoValidOTP)
		case errors.Is(err, model.ErrAttemptsExceeded):
			s.metrics.OTPVerifyResult("locked_out")
			s.emitVerifyFailure(ctx, otp, "locked_out")
			return nil, apperr.New(apperr.KindLockedOut, MsgOTPLockedOut)
		case errors.Is(err, model.ErrOTPExpired):
			s.metrics.OTPVerifyResult("expired")
			s.emitVerifyFailure(ctx, otp, "expired")
			return nil, apperr.New(apperr.KindExpired, MsgOTPExpired)
		}
		s.logger.Error("Failed to mark OTP verified", zap.String("otp_id", otp.ID), zap.Error(err))
		return nil, apperr.Wrap(apperr.KindStorage, msgOTPStorage, err)
	}

	result := &OTPVerified{
		OTPID:       otp.ID,
		UserID:      otp.UserID,
		PhoneNumber: phoneNumber,
		Message:     MsgPhoneVerified,
	}
	result.ProfileUpdated = s.propagateVerified(ctx, otp.UserID, phoneNumber)

	s.metrics.OTPVerifyResult("success")
	s.emit(ctx, audit.Event{
		Type:     audit.EventOTPVerified,
		UserID:   otp.UserID,
		Phone:    phoneNumber,
		Success:  true,
		Metadata: map[string]string{"otp_id": otp.ID},
	})
	s.logger.Info("OTP verified",
		zap.String("otp_id", otp.ID),
		zap.String("user_id", otp.UserID),
		util.Phone("phone_number", phoneNumber))

	return result, nil
}

func (s *OTPService) recordFailedAttempt(ctx context.Context, otp *model.OtpVerification) error {
	attempts, err := s.repo.IncrementAttempts(ctx, otp, s.cfg.MaxAttempts)
	switch {
	case errors.Is(err, model.ErrAttemptsExceeded):
		s.metrics.OTPVerifyResult("locked_out")
		return apperr.New(apperr.KindLockedOut, MsgOTPLockedOut)
	case errors.Is(err, model.ErrOTPNotFound), errors.Is(err, model.ErrAlreadyVerified):
		s.metrics.OTPVerifyResult("not_found")
		return apperr.New(apperr.KindNotFound, MsgNoValidOTP)
	case err != nil:
		s.logger.Error("Failed to record OTP attempt", zap.String("otp_id", otp.ID), zap.Error(err))
		return apperr.Wrap(apperr.KindStorage, msgOTPStorage, err)
	}

	otp.Attempts = attempts
	s.metrics.OTPVerifyResult("invalid_code")
	s.emitVerifyFailure(ctx, otp, "invalid_code")
	if attempts >= s.cfg.MaxAttempts {
		s.emit(ctx, audit.Event{
			Type:     audit.EventOTPLockedOut,
			UserID:   otp.UserID,
			Phone:    otp.PhoneNumber,
			Metadata: map[string]string{"otp_id": otp.ID},
		})
	}
	return apperr.New(apperr.KindValidation, MsgInvalidOTP)
}

// propagateVerified is best effort: the OTP is already spent, so a
// profile backend failure is logged and reported in the result only.
func (s *OTPService) propagateVerified(ctx context.Context, userID, phoneNumber string) bool {
	if s.profiles == nil || strings.HasPrefix(userID, "temp_") {
		return false
	}
	_, err := s.profiles.UpdateUserProfile(ctx, userID, map[string]interface{}{
		"phone_verified": true,
		"phone_number":   phoneNumber,
	})
	if err != nil {
		s.logger.Warn("Failed to mark profile phone as verified",
			zap.String("user_id", userID),
			zap.Error(err))
		return false
	}
	return true
}

// PurgeExpired removes records whose expiry lies more than the retention
// period in the past.
func (s *OTPService) PurgeExpired(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.cfg.Retention)
	removed, err := s.repo.DeleteExpired(ctx, cutoff)
	if err != nil {
		return removed, apperr.Wrap(apperr.KindStorage, msgOTPStorage, err)
	}
	if removed > 0 {
		s.logger.Info("Purged expired OTPs", zap.Int("removed", removed))
	}
	return removed, nil
}

func (s *OTPService) emitVerifyFailure(ctx context.Context, otp *model.OtpVerification, reason string) {
	s.emit(ctx, audit.Event{
		Type:   audit.EventOTPVerifyFailed,
		UserID: otp.UserID,
		Phone:  otp.PhoneNumber,
		Reason: reason,
		Metadata: map[string]string{
			"otp_id":   otp.ID,
			"attempts": fmt.Sprintf("%d", otp.Attempts),
		},
	})
}

func (s *OTPService) emit(ctx context.Context, event audit.Event) {
	s.audit.Emit(ctx, event)
}

// StartPurger runs PurgeExpired every interval until ctx is done.
func (s *OTPService) StartPurger(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.PurgeExpired(ctx); err != nil {
					s.logger.Warn("OTP purge failed", zap.Error(err))
				}
			}
		}
	}()
}
