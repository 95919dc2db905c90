package biometric

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"identity-service/internal/apperr"
	"identity-service/internal/config"
	"identity-service/internal/credential"
	"identity-service/internal/metrics"
	"identity-service/internal/util"
)

const (
	enabledValue = "true"

	msgNotEnabled   = "Biometric login is not enabled for this account"
	msgUserRequired = "User ID is required"
	msgStorage      = "Could not update biometric settings. Please try again."
)

type Capabilities struct {
	IsAvailable    bool   `json:"is_available"`
	HasHardware    bool   `json:"has_hardware"`
	IsEnrolled     bool   `json:"is_enrolled"`
	SupportedTypes []Type `json:"supported_types"`
}

// Gate decides whether a device may stand in for the passcode or OTP
// step. The opt-in flag lives in the credential store under
// biometric_enabled_{userID}; only the exact value "true" enables it.
type Gate struct {
	auth    Authenticator
	store   credential.Store
	cfg     config.BiometricConfig
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu   sync.RWMutex
	last Capabilities
}

func NewGate(auth Authenticator, store credential.Store, cfg config.BiometricConfig, m *metrics.Metrics, logger *zap.Logger) *Gate {
	return &Gate{
		auth:    auth,
		store:   store,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
	}
}

// ForDevice returns a gate sharing this one's store and settings but
// answering from another authenticator.
func (g *Gate) ForDevice(auth Authenticator) *Gate {
	return NewGate(auth, g.store, g.cfg, g.metrics, g.logger)
}

// CheckCapabilities queries hardware and enrollment independently and
// caches the result for GetCurrentCapabilities.
func (g *Gate) CheckCapabilities(ctx context.Context) (Capabilities, error) {
	var caps Capabilities
	if g.auth == nil {
		g.remember(caps)
		return caps, nil
	}

	hasHardware, err := g.auth.HasHardware(ctx)
	if err != nil {
		g.logger.Warn("Biometric hardware query failed", zap.Error(err))
		g.remember(caps)
		return caps, apperr.Wrap(apperr.KindBiometric, CodeNotAvailable.Message(), err)
	}
	enrolled, err := g.auth.IsEnrolled(ctx)
	if err != nil {
		g.logger.Warn("Biometric enrollment query failed", zap.Error(err))
		caps.HasHardware = hasHardware
		g.remember(caps)
		return caps, apperr.Wrap(apperr.KindBiometric, CodeNotEnrolled.Message(), err)
	}
	types, err := g.auth.SupportedTypes(ctx)
	if err != nil {
		g.logger.Debug("Biometric type query failed", zap.Error(err))
	}

	caps = Capabilities{
		HasHardware:    hasHardware,
		IsEnrolled:     enrolled,
		IsAvailable:    hasHardware && enrolled,
		SupportedTypes: types,
	}
	g.remember(caps)
	return caps, nil
}

func (g *Gate) remember(caps Capabilities) {
	g.mu.Lock()
	g.last = caps
	g.mu.Unlock()
}

// GetCurrentCapabilities returns the last CheckCapabilities result.
func (g *Gate) GetCurrentCapabilities() Capabilities {
	g.mu.RLock()
	defer g.mu.RUnlock()
	caps := g.last
	caps.SupportedTypes = append([]Type(nil), g.last.SupportedTypes...)
	return caps
}

func (g *Gate) defaultPrompt(caps Capabilities) string {
	if g.cfg.DefaultPrompt != "" {
		return g.cfg.DefaultPrompt
	}
	primary := TypeGeneric
	if len(caps.SupportedTypes) > 0 {
		primary = caps.SupportedTypes[0]
	}
	return "Authenticate with " + primary.DisplayName()
}

func failure(code Code) *apperr.Error {
	return apperr.WithCode(apperr.KindBiometric, string(code), code.Message())
}

// Authenticate runs one biometric challenge. Failures carry the mapped
// Code in apperr.CodeOf.
func (g *Gate) Authenticate(ctx context.Context, reason string) error {
	caps, err := g.CheckCapabilities(ctx)
	if err != nil {
		g.metrics.BiometricResult("unavailable")
		return err
	}
	if !caps.HasHardware {
		g.metrics.BiometricResult(string(CodeNotAvailable))
		return failure(CodeNotAvailable)
	}
	if !caps.IsEnrolled {
		g.metrics.BiometricResult(string(CodeNotEnrolled))
		return failure(CodeNotEnrolled)
	}

	if strings.TrimSpace(reason) == "" {
		reason = g.defaultPrompt(caps)
	}
	outcome, err := g.auth.Prompt(ctx, PromptOptions{
		Reason:        reason,
		FallbackLabel: g.cfg.FallbackLabel,
		CancelLabel:   g.cfg.CancelLabel,
	})
	if err != nil {
		g.metrics.BiometricResult(string(CodeUnknown))
		g.logger.Error("Biometric prompt failed", zap.Error(err))
		return apperr.Wrap(apperr.KindBiometric, CodeUnknown.Message(), err)
	}
	if !outcome.Success {
		code := MapPlatformCode(outcome.PlatformCode)
		g.metrics.BiometricResult(string(code))
		g.logger.Info("Biometric challenge failed",
			zap.String("code", string(code)),
			zap.String("platform_code", outcome.PlatformCode))
		return failure(code)
	}

	g.metrics.BiometricResult("success")
	return nil
}

// EnableBiometricLogin requires available biometrics and a passed
// challenge before it stores the flag.
func (g *Gate) EnableBiometricLogin(ctx context.Context, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return apperr.New(apperr.KindValidation, msgUserRequired)
	}

	caps, err := g.CheckCapabilities(ctx)
	if err != nil {
		return err
	}
	if !caps.IsAvailable {
		if !caps.HasHardware {
			return failure(CodeNotAvailable)
		}
		return failure(CodeNotEnrolled)
	}

	if err := g.Authenticate(ctx, g.cfg.EnablePrompt); err != nil {
		return err
	}

	if err := g.store.SetItem(ctx, credential.BiometricEnabledKey(userID), enabledValue); err != nil {
		g.logger.Error("Failed to store biometric flag", zap.String("user_id", userID), zap.Error(err))
		return apperr.Wrap(apperr.KindStorage, msgStorage, err)
	}

	g.logger.Info("Biometric login enabled", zap.String("user_id", userID))
	return nil
}

// DisableBiometricLogin removes the flag. It needs no challenge and is
// idempotent.
func (g *Gate) DisableBiometricLogin(ctx context.Context, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return apperr.New(apperr.KindValidation, msgUserRequired)
	}
	if err := g.store.DeleteItem(ctx, credential.BiometricEnabledKey(userID)); err != nil {
		g.logger.Error("Failed to remove biometric flag", zap.String("user_id", userID), zap.Error(err))
		return apperr.Wrap(apperr.KindStorage, msgStorage, err)
	}
	g.logger.Info("Biometric login disabled", zap.String("user_id", userID))
	return nil
}

// IsBiometricLoginEnabled fails closed: a missing flag, any other value
// or a storage error all read as disabled.
func (g *Gate) IsBiometricLoginEnabled(ctx context.Context, userID string) bool {
	if strings.TrimSpace(userID) == "" {
		return false
	}
	value, ok, err := g.store.GetItem(ctx, credential.BiometricEnabledKey(userID))
	if err != nil {
		util.Warn("Biometric flag read failed, treating as disabled",
			zap.String("user_id", userID),
			zap.Error(err))
		return false
	}
	return ok && value == enabledValue
}

// AuthenticateForLogin never prompts unless the user opted in.
func (g *Gate) AuthenticateForLogin(ctx context.Context, userID string) error {
	if !g.IsBiometricLoginEnabled(ctx, userID) {
		g.metrics.BiometricResult("not_enabled")
		return apperr.New(apperr.KindUnauthenticated, msgNotEnabled)
	}
	return g.Authenticate(ctx, g.cfg.LoginPrompt)
}
