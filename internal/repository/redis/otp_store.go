package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"identity-service/internal/client"
	"identity-service/internal/model"
	"identity-service/internal/util"
)

const (
	otpPrefix      = "otp:"
	otpPhonePrefix = "otp_phone:"
	otpUserPrefix  = "otp_user:"
)

// incrementAttemptsScript bounds the attempt counter atomically:
// -1 missing, -2 already verified, -3 cap reached, otherwise the new count.
var incrementAttemptsScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return -1
end
if redis.call("HGET", KEYS[1], "verified") == "1" then
	return -2
end
local attempts = tonumber(redis.call("HGET", KEYS[1], "attempts") or "0")
if attempts >= tonumber(ARGV[1]) then
	return -3
end
return redis.call("HINCRBY", KEYS[1], "attempts", 1)
`)

// markVerifiedScript: -1 missing, 0 already verified, -3 cap reached,
// -4 expired, 1 applied. ARGV: verified_at millis, max attempts.
var markVerifiedScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return -1
end
if redis.call("HGET", KEYS[1], "verified") == "1" then
	return 0
end
local now = tonumber(ARGV[1])
if tonumber(redis.call("HGET", KEYS[1], "expires_at") or "0") < now then
	return -4
end
local attempts = tonumber(redis.call("HGET", KEYS[1], "attempts") or "0")
if attempts >= tonumber(ARGV[2]) then
	return -3
end
redis.call("HSET", KEYS[1], "verified", "1", "verified_at", ARGV[1])
return 1
`)

// OTPStore keeps each OtpVerification in a hash, with sorted-set indexes
// per phone number and per (user, phone) scored by creation time. Keys
// live until expiresAt plus the retention period.
type OTPStore struct {
	client    *client.RedisClient
	retention time.Duration
}

func NewOTPStore(client *client.RedisClient, retention time.Duration) *OTPStore {
	return &OTPStore{client: client, retention: retention}
}

func otpKey(id string) string {
	return otpPrefix + id
}

func phoneIndexKey(phoneNumber string) string {
	return otpPhonePrefix + phoneNumber
}

func userIndexKey(userID, phoneNumber string) string {
	return otpUserPrefix + userID + ":" + phoneNumber
}

func (s *OTPStore) Create(ctx context.Context, otp *model.OtpVerification) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	deadline := otp.ExpiresAt.Add(s.retention)
	score := float64(otp.CreatedAt.UnixMilli())
	key := otpKey(otp.ID)

	_, err := s.client.Client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, key, toHash(otp))
		pipe.ExpireAt(ctx, key, deadline)
		pipe.ZAdd(ctx, phoneIndexKey(otp.PhoneNumber), goredis.Z{Score: score, Member: otp.ID})
		pipe.ExpireAt(ctx, phoneIndexKey(otp.PhoneNumber), deadline)
		pipe.ZAdd(ctx, userIndexKey(otp.UserID, otp.PhoneNumber), goredis.Z{Score: score, Member: otp.ID})
		pipe.ExpireAt(ctx, userIndexKey(otp.UserID, otp.PhoneNumber), deadline)
		return nil
	})
	if err != nil {
		util.Error("Failed to store OTP",
			util.Phone("phone_number", otp.PhoneNumber),
			zap.String("otp_id", otp.ID),
			zap.Error(err))
		return fmt.Errorf("failed to store OTP: %w", err)
	}

	util.Debug("OTP stored",
		zap.String("otp_id", otp.ID),
		zap.Time("expires_at", otp.ExpiresAt))
	return nil
}

func (s *OTPStore) Delete(ctx context.Context, otp *model.OtpVerification) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := s.client.Client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, otpKey(otp.ID))
		pipe.ZRem(ctx, phoneIndexKey(otp.PhoneNumber), otp.ID)
		pipe.ZRem(ctx, userIndexKey(otp.UserID, otp.PhoneNumber), otp.ID)
		return nil
	})
	if err != nil {
		util.Error("Failed to delete OTP", zap.String("otp_id", otp.ID), zap.Error(err))
		return fmt.Errorf("failed to delete OTP: %w", err)
	}
	return nil
}

func (s *OTPStore) LatestForPhone(ctx context.Context, phoneNumber string) (*model.OtpVerification, error) {
	return s.latest(ctx, phoneIndexKey(phoneNumber))
}

func (s *OTPStore) LatestForUser(ctx context.Context, userID, phoneNumber string) (*model.OtpVerification, error) {
	return s.latest(ctx, userIndexKey(userID, phoneNumber))
}

// latest walks an index newest first and returns the first live record.
// Index entries whose hash already expired are pruned.
func (s *OTPStore) latest(ctx context.Context, indexKey string) (*model.OtpVerification, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	ids, err := s.client.Client.ZRevRange(ctx, indexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read OTP index: %w", err)
	}

	for _, id := range ids {
		fields, err := s.client.Client.HGetAll(ctx, otpKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read OTP: %w", err)
		}
		if len(fields) == 0 {
			if err := s.client.Client.ZRem(ctx, indexKey, id).Err(); err != nil {
				util.Debug("Failed to prune OTP index entry",
					zap.String("otp_id", id),
					zap.Error(err))
			}
			continue
		}
		otp, err := fromHash(fields)
		if err != nil {
			util.Warn("Skipping malformed OTP record", zap.String("otp_id", id), zap.Error(err))
			continue
		}
		return otp, nil
	}
	return nil, model.ErrOTPNotFound
}

func (s *OTPStore) IncrementAttempts(ctx context.Context, otp *model.OtpVerification, maxAttempts int) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := incrementAttemptsScript.Run(ctx, s.client.Client, []string{otpKey(otp.ID)}, maxAttempts).Int()
	if err != nil {
		util.Error("Failed to increment OTP attempts", zap.String("otp_id", otp.ID), zap.Error(err))
		return 0, fmt.Errorf("failed to increment OTP attempts: %w", err)
	}

	switch res {
	case -1:
		return 0, model.ErrOTPNotFound
	case -2:
		return 0, model.ErrAlreadyVerified
	case -3:
		otp.Attempts = maxAttempts
		return maxAttempts, model.ErrAttemptsExceeded
	}

	otp.Attempts = res
	return res, nil
}

func (s *OTPStore) MarkVerified(ctx context.Context, otp *model.OtpVerification, at time.Time, maxAttempts int) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := markVerifiedScript.Run(ctx, s.client.Client, []string{otpKey(otp.ID)}, at.UnixMilli(), maxAttempts).Int()
	if err != nil {
		util.Error("Failed to mark OTP verified", zap.String("otp_id", otp.ID), zap.Error(err))
		return fmt.Errorf("failed to mark OTP verified: %w", err)
	}

	switch res {
	case -1:
		return model.ErrOTPNotFound
	case 0:
		return model.ErrAlreadyVerified
	case -3:
		otp.Attempts = maxAttempts
		return model.ErrAttemptsExceeded
	case -4:
		return model.ErrOTPExpired
	}

	otp.Verified = true
	otp.VerifiedAt = &at
	return nil
}

// DeleteExpired is a no-op: every key carries its own expiry.
func (s *OTPStore) DeleteExpired(context.Context, time.Time) (int, error) {
	return 0, nil
}

func (s *OTPStore) HealthCheck(ctx context.Context) error {
	return s.client.HealthCheck(ctx)
}

func toHash(o *model.OtpVerification) map[string]interface{} {
	verifiedAt := ""
	if o.VerifiedAt != nil {
		verifiedAt = strconv.FormatInt(o.VerifiedAt.UnixMilli(), 10)
	}
	return map[string]interface{}{
		"id":             o.ID,
		"user_id":        o.UserID,
		"phone_number":   o.PhoneNumber,
		"code_hash":      o.CodeHash,
		"code_salt":      o.CodeSalt,
		"pepper_version": o.PepperVersion,
		"expires_at":     o.ExpiresAt.UnixMilli(),
		"verified":       boolFlag(o.Verified),
		"attempts":       o.Attempts,
		"created_at":     o.CreatedAt.UnixMilli(),
		"verified_at":    verifiedAt,
	}
}

func fromHash(h map[string]string) (*model.OtpVerification, error) {
	var errs []error
	atoi := func(field string) int {
		v, err := strconv.Atoi(h[field])
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
		}
		return v
	}
	millis := func(field string) time.Time {
		v, err := strconv.ParseInt(h[field], 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
		}
		return time.UnixMilli(v).UTC()
	}

	o := &model.OtpVerification{
		ID:            h["id"],
		UserID:        h["user_id"],
		PhoneNumber:   h["phone_number"],
		CodeHash:      h["code_hash"],
		CodeSalt:      h["code_salt"],
		PepperVersion: atoi("pepper_version"),
		ExpiresAt:     millis("expires_at"),
		Verified:      h["verified"] == "1",
		Attempts:      atoi("attempts"),
		CreatedAt:     millis("created_at"),
	}
	if h["verified_at"] != "" {
		at := millis("verified_at")
		o.VerifiedAt = &at
	}
	return o, errors.Join(errs...)
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
