package service

import (
	"sync"

	"go.uber.org/zap"

	"identity-service/internal/audit"
	"identity-service/internal/biometric"
	"identity-service/internal/config"
	"identity-service/internal/credential"
	"identity-service/internal/hashing"
	"identity-service/internal/metrics"
	"identity-service/internal/model"
	"identity-service/internal/sms"
)

// Dependencies are the infrastructure pieces services are built from.
type Dependencies struct {
	Config      *config.Config
	OTPRepo     model.OTPRepository
	Limits      model.RateLimitCache
	Gateway     sms.Gateway
	Identity    IdentityBackend
	Credentials credential.Store
	Gate        *biometric.Gate
	Hasher      *hashing.Hasher
	Audit       *audit.Dispatcher
	Metrics     *metrics.Metrics
}

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	deps   Dependencies
	logger *zap.Logger

	mu              sync.Mutex
	otpService      *OTPService
	passcodeService *PasscodeService
	authService     *AuthService
}

// NewServiceFactory creates a new service factory
func NewServiceFactory(deps Dependencies, logger *zap.Logger) *ServiceFactory {
	return &ServiceFactory{deps: deps, logger: logger}
}

// OTPService returns the OTP service instance (singleton)
func (f *ServiceFactory) OTPService() *OTPService {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.otpLocked()
}

func (f *ServiceFactory) otpLocked() *OTPService {
	if f.otpService == nil {
		var profiles ProfileUpdater
		if f.deps.Identity != nil {
			profiles = f.deps.Identity
		}
		f.otpService = NewOTPService(
			f.deps.OTPRepo,
			f.deps.Limits,
			f.deps.Gateway,
			profiles,
			f.deps.Hasher,
			f.deps.Config.OTP,
			f.deps.Audit,
			f.deps.Metrics,
			f.logger.Named("otp"),
		)
	}
	return f.otpService
}

func (f *ServiceFactory) PasscodeService() *PasscodeService {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.passcodeLocked()
}

func (f *ServiceFactory) passcodeLocked() *PasscodeService {
	if f.passcodeService == nil {
		f.passcodeService = NewPasscodeService(
			f.deps.Credentials,
			f.deps.Limits,
			f.deps.Hasher,
			f.deps.Config.Passcode,
			f.deps.Audit,
			f.logger.Named("passcode"),
		)
	}
	return f.passcodeService
}

// AuthService returns the orchestrator; it subscribes to the identity
// backend on first use.
func (f *ServiceFactory) AuthService() *AuthService {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.authService == nil {
		f.authService = NewAuthService(
			f.deps.Identity,
			f.deps.Credentials,
			f.deps.Gate,
			f.passcodeLocked(),
			f.otpLocked(),
			f.deps.Audit,
			f.logger.Named("auth"),
		)
	}
	return f.authService
}

func (f *ServiceFactory) BiometricGate() *biometric.Gate {
	return f.deps.Gate
}

// Cleanup cleans up all services
func (f *ServiceFactory) Cleanup() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.authService != nil {
		f.authService.Close()
	}
}
