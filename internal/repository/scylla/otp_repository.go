package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"identity-service/internal/model"
	"identity-service/internal/util"
)

const (
	otpColumns = `phone_number, created_at, otp_id, user_id, code_hash, code_salt,
        pepper_version, expires_at, verified, attempts, verified_at`

	insertOTP = `INSERT INTO otp_verifications (` + otpColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) USING TTL ?`

	insertOTPByUser = `INSERT INTO otp_by_user (user_id, phone_number, created_at, otp_id)
        VALUES (?, ?, ?, ?) USING TTL ?`

	selectLatestByPhone = `SELECT ` + otpColumns + ` FROM otp_verifications WHERE phone_number = ? LIMIT 1`

	selectOTPByKey = `SELECT ` + otpColumns + ` FROM otp_verifications
        WHERE phone_number = ? AND created_at = ? AND otp_id = ?`

	selectLatestByUser = `SELECT created_at, otp_id FROM otp_by_user
        WHERE user_id = ? AND phone_number = ? LIMIT 1`

	selectAttemptState = `SELECT attempts, verified FROM otp_verifications
        WHERE phone_number = ? AND created_at = ? AND otp_id = ?`

	casIncrementAttempts = `UPDATE otp_verifications USING TTL ? SET attempts = ?
        WHERE phone_number = ? AND created_at = ? AND otp_id = ?
        IF attempts = ? AND verified = false`

	casMarkVerified = `UPDATE otp_verifications USING TTL ? SET verified = true, verified_at = ?
        WHERE phone_number = ? AND created_at = ? AND otp_id = ?
        IF verified = false AND attempts < ? AND expires_at >= ?`

	deleteOTP       = `DELETE FROM otp_verifications WHERE phone_number = ? AND created_at = ? AND otp_id = ?`
	deleteOTPByUser = `DELETE FROM otp_by_user WHERE user_id = ? AND phone_number = ? AND created_at = ? AND otp_id = ?`

	selectExpired = `SELECT phone_number, created_at, otp_id, user_id FROM otp_verifications
        WHERE expires_at < ? ALLOW FILTERING`

	casRetries      = 5
	deleteBatchSize = 100
)

// OTPRepository stores OtpVerification rows partitioned by phone number,
// newest first. Attempt counting and verification use lightweight
// transactions so concurrent verifications cannot lose an increment.
type OTPRepository struct {
	client    *ScyllaClient
	retention time.Duration
	now       func() time.Time
}

func NewOTPRepository(client *ScyllaClient, retention time.Duration) *OTPRepository {
	return &OTPRepository{
		client:    client,
		retention: retention,
		now:       time.Now,
	}
}

// ttlSeconds is the remaining lifetime of a row, kept on every write so
// updated cells expire together with the row.
func (r *OTPRepository) ttlSeconds(otp *model.OtpVerification) int {
	ttl := int(otp.ExpiresAt.Add(r.retention).Sub(r.now()).Seconds())
	if ttl < 1 {
		ttl = 1
	}
	return ttl
}

func (r *OTPRepository) Create(ctx context.Context, otp *model.OtpVerification) error {
	ttl := r.ttlSeconds(otp)
	var verifiedAt interface{}
	if otp.VerifiedAt != nil {
		verifiedAt = *otp.VerifiedAt
	}

	batch := r.client.Batch(ctx, gocql.LoggedBatch)
	batch.Query(insertOTP,
		otp.PhoneNumber, otp.CreatedAt, otp.ID, otp.UserID, otp.CodeHash, otp.CodeSalt,
		otp.PepperVersion, otp.ExpiresAt, otp.Verified, otp.Attempts, verifiedAt, ttl)
	batch.Query(insertOTPByUser, otp.UserID, otp.PhoneNumber, otp.CreatedAt, otp.ID, ttl)

	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to create OTP",
			util.Phone("phone_number", otp.PhoneNumber),
			zap.String("otp_id", otp.ID),
			zap.Error(err))
		return fmt.Errorf("failed to create OTP: %w", err)
	}

	util.Debug("OTP created",
		zap.String("otp_id", otp.ID),
		zap.Time("expires_at", otp.ExpiresAt))
	return nil
}

func (r *OTPRepository) Delete(ctx context.Context, otp *model.OtpVerification) error {
	batch := r.client.Batch(ctx, gocql.LoggedBatch)
	batch.Query(deleteOTP, otp.PhoneNumber, otp.CreatedAt, otp.ID)
	batch.Query(deleteOTPByUser, otp.UserID, otp.PhoneNumber, otp.CreatedAt, otp.ID)

	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to delete OTP", zap.String("otp_id", otp.ID), zap.Error(err))
		return fmt.Errorf("failed to delete OTP: %w", err)
	}
	return nil
}

func (r *OTPRepository) LatestForPhone(ctx context.Context, phoneNumber string) (*model.OtpVerification, error) {
	iter := r.client.Query(ctx, selectLatestByPhone, phoneNumber).Iter()
	otp, ok := scanOTP(iter)
	if err := iter.Close(); err != nil {
		util.Error("Failed to read OTPs by phone",
			util.Phone("phone_number", phoneNumber),
			zap.Error(err))
		return nil, fmt.Errorf("failed to read OTPs: %w", err)
	}
	if !ok {
		return nil, model.ErrOTPNotFound
	}
	return otp, nil
}

func (r *OTPRepository) LatestForUser(ctx context.Context, userID, phoneNumber string) (*model.OtpVerification, error) {
	var createdAt time.Time
	var otpID string
	err := r.client.ScanWithRetry(ctx, r.client.Query(ctx, selectLatestByUser, userID, phoneNumber), &createdAt, &otpID)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, model.ErrOTPNotFound
		}
		return nil, fmt.Errorf("failed to read OTP index: %w", err)
	}

	iter := r.client.Query(ctx, selectOTPByKey, phoneNumber, createdAt, otpID).Iter()
	otp, ok := scanOTP(iter)
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to read OTP: %w", err)
	}
	if !ok {
		return nil, model.ErrOTPNotFound
	}
	return otp, nil
}

func (r *OTPRepository) IncrementAttempts(ctx context.Context, otp *model.OtpVerification, maxAttempts int) (int, error) {
	for i := 0; i < casRetries; i++ {
		var attempts int
		var verified bool
		err := r.client.ScanWithRetry(ctx,
			r.client.Query(ctx, selectAttemptState, otp.PhoneNumber, otp.CreatedAt, otp.ID),
			&attempts, &verified)
		if err != nil {
			if errors.Is(err, gocql.ErrNotFound) {
				return 0, model.ErrOTPNotFound
			}
			return 0, fmt.Errorf("failed to read OTP attempts: %w", err)
		}

		switch {
		case verified:
			return 0, model.ErrAlreadyVerified
		case attempts >= maxAttempts:
			otp.Attempts = attempts
			return attempts, model.ErrAttemptsExceeded
		}

		existing := map[string]interface{}{}
		applied, err := r.client.Query(ctx, casIncrementAttempts,
			r.ttlSeconds(otp), attempts+1,
			otp.PhoneNumber, otp.CreatedAt, otp.ID,
			attempts).MapScanCAS(existing)
		if err != nil {
			util.Error("Failed to increment OTP attempts", zap.String("otp_id", otp.ID), zap.Error(err))
			return 0, fmt.Errorf("failed to increment OTP attempts: %w", err)
		}
		if applied {
			otp.Attempts = attempts + 1
			return otp.Attempts, nil
		}

		util.Debug("OTP attempt increment lost a race, retrying",
			zap.String("otp_id", otp.ID),
			zap.Int("retry", i+1))
	}
	return 0, fmt.Errorf("failed to increment OTP attempts: contention after %d retries", casRetries)
}

// MarkVerified applies only while the row is unverified, under the
// attempt cap and unexpired. When the condition fails the returned cells
// tell which check lost; an empty result means the row is gone.
func (r *OTPRepository) MarkVerified(ctx context.Context, otp *model.OtpVerification, at time.Time, maxAttempts int) error {
	existing := map[string]interface{}{}
	applied, err := r.client.Query(ctx, casMarkVerified,
		r.ttlSeconds(otp), at,
		otp.PhoneNumber, otp.CreatedAt, otp.ID,
		maxAttempts, at).MapScanCAS(existing)
	if err != nil {
		util.Error("Failed to mark OTP verified", zap.String("otp_id", otp.ID), zap.Error(err))
		return fmt.Errorf("failed to mark OTP verified: %w", err)
	}
	if applied {
		otp.Verified = true
		otp.VerifiedAt = &at
		return nil
	}
	return markVerifiedConflict(existing, at, maxAttempts)
}

func markVerifiedConflict(existing map[string]interface{}, at time.Time, maxAttempts int) error {
	if len(existing) == 0 {
		return model.ErrOTPNotFound
	}
	if verified, _ := existing["verified"].(bool); verified {
		return model.ErrAlreadyVerified
	}
	if attempts, ok := existing["attempts"].(int); ok && attempts >= maxAttempts {
		return model.ErrAttemptsExceeded
	}
	if expiresAt, ok := existing["expires_at"].(time.Time); ok && expiresAt.Before(at) {
		return model.ErrOTPExpired
	}
	return model.ErrAlreadyVerified
}

// DeleteExpired removes rows whose expiry is before the cutoff. Rows also
// carry a TTL, so this only trims what the TTL has not reached yet.
func (r *OTPRepository) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	iter := r.client.Query(ctx, selectExpired, before).Iter()

	var phoneNumber, otpID, userID string
	var createdAt time.Time
	deletedCount := 0

	batch := r.client.Batch(ctx, gocql.UnloggedBatch)
	batchSize := 0

	for iter.Scan(&phoneNumber, &createdAt, &otpID, &userID) {
		batch.Query(deleteOTP, phoneNumber, createdAt, otpID)
		batch.Query(deleteOTPByUser, userID, phoneNumber, createdAt, otpID)
		batchSize++

		if batchSize >= deleteBatchSize {
			if err := r.client.ExecuteBatch(batch); err != nil {
				util.Error("Failed to execute batch delete for expired OTPs", zap.Error(err))
				_ = iter.Close()
				return deletedCount, fmt.Errorf("failed to delete expired OTPs: %w", err)
			}
			deletedCount += batchSize
			batch = r.client.Batch(ctx, gocql.UnloggedBatch)
			batchSize = 0
		}
	}

	if batchSize > 0 {
		if err := r.client.ExecuteBatch(batch); err != nil {
			util.Error("Failed to execute final batch delete for expired OTPs", zap.Error(err))
			_ = iter.Close()
			return deletedCount, fmt.Errorf("failed to delete expired OTPs: %w", err)
		}
		deletedCount += batchSize
	}

	if err := iter.Close(); err != nil {
		util.Error("Failed to close iterator for expired OTP cleanup", zap.Error(err))
		return deletedCount, fmt.Errorf("failed to cleanup expired OTPs: %w", err)
	}

	util.Info("Expired OTPs deleted", zap.Int("deleted_count", deletedCount))
	return deletedCount, nil
}

func (r *OTPRepository) HealthCheck(ctx context.Context) error {
	return r.client.HealthCheck(ctx)
}

func scanOTP(iter *gocql.Iter) (*model.OtpVerification, bool) {
	otp := &model.OtpVerification{}
	var verifiedAt time.Time
	if !iter.Scan(
		&otp.PhoneNumber, &otp.CreatedAt, &otp.ID, &otp.UserID, &otp.CodeHash, &otp.CodeSalt,
		&otp.PepperVersion, &otp.ExpiresAt, &otp.Verified, &otp.Attempts, &verifiedAt,
	) {
		return nil, false
	}
	otp.CreatedAt = otp.CreatedAt.UTC()
	otp.ExpiresAt = otp.ExpiresAt.UTC()
	if !verifiedAt.IsZero() {
		at := verifiedAt.UTC()
		otp.VerifiedAt = &at
	}
	return otp, true
}
