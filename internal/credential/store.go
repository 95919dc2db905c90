package credential

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"identity-service/internal/config"
	"identity-service/internal/encryption"
	"identity-service/internal/util"
)

// Well known keys.
const (
	KeySessionToken = "session_token"
	KeyRefreshToken = "refresh_token"
	KeyUserID       = "user_id"
)

func BiometricEnabledKey(userID string) string {
	return "biometric_enabled_" + userID
}

func PasscodeKey(userID string) string {
	return "passcode_" + userID
}

var ErrEmptyKey = errors.New("credential key must not be empty")

// Store is a flat key-value namespace for durable secrets. Keys are
// independent; there are no multi-key transactions.
type Store interface {
	SetItem(ctx context.Context, key, value string) error
	// GetItem reports false when the key is absent.
	GetItem(ctx context.Context, key string) (string, bool, error)
	// DeleteItem succeeds when the key is already absent.
	DeleteItem(ctx context.Context, key string) error
}

type Item struct {
	Key          string `gorm:"column:item_key;primaryKey;size:191"`
	Ciphertext   string `gorm:"not null"`
	EncryptedDEK string `gorm:"column:encrypted_dek;not null"`
	KeyID        string `gorm:"size:255;not null"`
	Version      string `gorm:"size:16;not null"`
	UpdatedAt    time.Time
}

func (Item) TableName() string {
	return "credential_items"
}

// GormStore keeps items in a SQL table, each value sealed with its own
// data key. The key name is bound to the ciphertext, so a value copied
// under another key fails to decrypt.
type GormStore struct {
	db        *gorm.DB
	encryptor *encryption.EncryptionManager
}

// Open connects to the configured driver. sqlite is a local file.
func Open(cfg config.CredentialStoreConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite", "":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported credential store driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("failed to open credential store: %w", err)
	}
	return db, nil
}

func NewGormStore(db *gorm.DB, encryptor *encryption.EncryptionManager) (*GormStore, error) {
	if err := db.AutoMigrate(&Item{}); err != nil {
		return nil, fmt.Errorf("failed to migrate credential store: %w", err)
	}
	return &GormStore{db: db, encryptor: encryptor}, nil
}

func (s *GormStore) SetItem(ctx context.Context, key, value string) error {
	if key == "" {
		return ErrEmptyKey
	}

	sealed, err := s.encryptor.EncryptField(ctx, value, key)
	if err != nil {
		return fmt.Errorf("failed to encrypt credential: %w", err)
	}

	item := Item{
		Key:          key,
		Ciphertext:   sealed.EncryptedValue,
		EncryptedDEK: sealed.EncryptedDEK,
		KeyID:        sealed.KeyID,
		Version:      sealed.Version,
		UpdatedAt:    time.Now().UTC(),
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "item_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"ciphertext", "encrypted_dek", "key_id", "version", "updated_at"}),
	}).Create(&item).Error
	if err != nil {
		util.Error("Failed to store credential", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("failed to store credential: %w", err)
	}
	return nil
}

func (s *GormStore) GetItem(ctx context.Context, key string) (string, bool, error) {
	if key == "" {
		return "", false, ErrEmptyKey
	}

	var item Item
	err := s.db.WithContext(ctx).Where("item_key = ?", key).Take(&item).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to read credential: %w", err)
	}

	value, err := s.encryptor.DecryptField(ctx, &encryption.EncryptedData{
		EncryptedValue: item.Ciphertext,
		EncryptedDEK:   item.EncryptedDEK,
		KeyID:          item.KeyID,
		Version:        item.Version,
		CreatedAt:      item.UpdatedAt,
	}, key)
	if err != nil {
		util.Warn("Failed to decrypt credential", zap.String("key", key), zap.Error(err))
		return "", false, fmt.Errorf("failed to decrypt credential: %w", err)
	}
	return value, true, nil
}

func (s *GormStore) DeleteItem(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	if err := s.db.WithContext(ctx).Where("item_key = ?", key).Delete(&Item{}).Error; err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}

func (s *GormStore) HealthCheck(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
