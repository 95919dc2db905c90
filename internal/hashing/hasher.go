package hashing

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"identity-service/internal/config"
	"identity-service/internal/util"

	"go.uber.org/zap"
	"golang.org/x/crypto/argon2"
)

var (
	ErrInvalidHash   = errors.New("invalid hash format")
	ErrUnknownPepper = errors.New("pepper version not found")
	ErrEmptySecret   = errors.New("secret must not be empty")
)

const (
	purposeOTP      = "otp"
	purposePasscode = "passcode"
	algorithm       = "argon2id-v1"
)

type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

type Hasher struct {
	params         Argon2Params
	currentVersion int
	peppers        map[int]string
	mu             sync.RWMutex
}

type HashResult struct {
	Hash          string `json:"hash"`
	Salt          string `json:"salt"`
	PepperVersion int    `json:"pepper_version"`
	Algorithm     string `json:"algorithm"`
}

// NewHasher builds an argon2id hasher. The configured pepper is the current
// version; HASHING_PREVIOUS_PEPPERS are accepted for verification only and
// numbered downwards from it. Without a configured pepper a random one is
// generated, which only suits development.
func NewHasher(cfg *config.Config) *Hasher {
	params := Argon2Params{
		Memory:      uint32(cfg.Hashing.Argon2MemoryCost),
		Iterations:  uint32(cfg.Hashing.Argon2TimeCost),
		Parallelism: uint8(cfg.Hashing.Argon2Parallelism),
		SaltLength:  16,
		KeyLength:   32,
	}

	version := cfg.Hashing.PepperVersion
	if version < 1 {
		version = 1
	}

	h := &Hasher{
		params:         params,
		currentVersion: version,
		peppers:        make(map[int]string),
	}

	pepper := cfg.Hashing.Pepper
	if pepper == "" {
		pepper = randomPepper()
		util.Warn("No hashing pepper configured, using an ephemeral one")
	}
	h.peppers[version] = pepper
	for i, old := range cfg.Hashing.PreviousPeppers {
		h.peppers[version-1-i] = old
	}

	util.Info("Hasher initialized",
		zap.Int("pepper_version", version),
		zap.Int("known_peppers", len(h.peppers)),
	)
	return h
}

func randomPepper() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		util.Fatal("Failed to generate pepper", zap.Error(err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

func (h *Hasher) HashOTP(code string) (*HashResult, error) {
	return h.hashWithPepper(code, purposeOTP)
}

func (h *Hasher) VerifyOTP(code string, stored *HashResult) (bool, error) {
	return h.verifyWithPepper(code, stored, purposeOTP)
}

func (h *Hasher) HashPasscode(passcode string) (*HashResult, error) {
	return h.hashWithPepper(passcode, purposePasscode)
}

func (h *Hasher) VerifyPasscode(passcode string, stored *HashResult) (bool, error) {
	return h.verifyWithPepper(passcode, stored, purposePasscode)
}

func (h *Hasher) hashWithPepper(data, purpose string) (*HashResult, error) {
	if data == "" {
		return nil, ErrEmptySecret
	}

	h.mu.RLock()
	version := h.currentVersion
	pepper := h.peppers[version]
	h.mu.RUnlock()

	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	// purpose keeps an OTP hash from ever matching a passcode hash
	hash := argon2.IDKey(
		[]byte(data+pepper+purpose),
		salt,
		h.params.Iterations,
		h.params.Memory,
		h.params.Parallelism,
		h.params.KeyLength,
	)

	return &HashResult{
		Hash:          base64.RawURLEncoding.EncodeToString(hash),
		Salt:          base64.RawURLEncoding.EncodeToString(salt),
		PepperVersion: version,
		Algorithm:     algorithm,
	}, nil
}

func (h *Hasher) verifyWithPepper(data string, stored *HashResult, purpose string) (bool, error) {
	if stored == nil {
		return false, ErrInvalidHash
	}

	h.mu.RLock()
	pepper, ok := h.peppers[stored.PepperVersion]
	h.mu.RUnlock()
	if !ok {
		return false, ErrUnknownPepper
	}

	salt, err := base64.RawURLEncoding.DecodeString(stored.Salt)
	if err != nil {
		return false, ErrInvalidHash
	}
	expected, err := base64.RawURLEncoding.DecodeString(stored.Hash)
	if err != nil || len(expected) == 0 {
		return false, ErrInvalidHash
	}

	computed := argon2.IDKey(
		[]byte(data+pepper+purpose),
		salt,
		h.params.Iterations,
		h.params.Memory,
		h.params.Parallelism,
		uint32(len(expected)),
	)

	return subtle.ConstantTimeCompare(computed, expected) == 1, nil
}

func (h *Hasher) CurrentPepperVersion() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.currentVersion
}
