package service

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"identity-service/internal/apperr"
	"identity-service/internal/audit"
	"identity-service/internal/biometric"
	"identity-service/internal/credential"
	"identity-service/internal/identity"
	"identity-service/internal/util"
)

type AuthState string

const (
	StateChecking      AuthState = "CHECKING"
	StateSignedOut     AuthState = "SIGNED_OUT"
	StateInSignupFlow  AuthState = "IN_SIGNUP_FLOW"
	StateAuthenticated AuthState = "AUTHENTICATED"
)

const (
	msgNoSavedSession = "No saved session on this device. Please sign in."
	msgNotSignedIn    = "Please sign in to continue"
)

// IdentityBackend is the hosted auth and profile API. *identity.Client
// implements it.
type IdentityBackend interface {
	GetSession(ctx context.Context) (*identity.Session, error)
	RestoreSession(ctx context.Context, refreshToken string) (*identity.Session, error)
	OnAuthStateChange(fn identity.AuthChangeFunc) func()
	SignUp(ctx context.Context, email, password string, metadata map[string]interface{}) (*identity.SignUpResult, error)
	SignIn(ctx context.Context, email, password string) (*identity.Session, error)
	SignOut(ctx context.Context) error
	GetUserProfile(ctx context.Context, userID string) (*identity.Profile, error)
	UpdateUserProfile(ctx context.Context, userID string, fields map[string]interface{}) (*identity.Profile, error)
}

// Snapshot is the authentication state as the UI sees it.
type Snapshot struct {
	State        AuthState         `json:"state"`
	User         *identity.User    `json:"user,omitempty"`
	Profile      *identity.Profile `json:"profile,omitempty"`
	ProfileError string            `json:"profile_error,omitempty"`
	HasSession   bool              `json:"has_session"`
	InSignupFlow bool              `json:"in_signup_flow"`

	Session *identity.Session `json:"-"`
}

// AuthService folds backend session events, the credential mirror and the
// sign-up flag into one state.
type AuthService struct {
	backend   IdentityBackend
	store     credential.Store
	gate      *biometric.Gate
	passcodes *PasscodeService
	otp       *OTPService
	audit     *audit.Dispatcher
	logger    *zap.Logger

	mu           sync.Mutex
	checking     bool
	inSignup     bool
	user         *identity.User
	session      *identity.Session
	profile      *identity.Profile
	profileError string

	subMu     sync.Mutex
	nextSubID int
	subs      map[int]chan Snapshot

	unsubscribe func()
}

func NewAuthService(
	backend IdentityBackend,
	store credential.Store,
	gate *biometric.Gate,
	passcodes *PasscodeService,
	otp *OTPService,
	dispatcher *audit.Dispatcher,
	logger *zap.Logger,
) *AuthService {
	s := &AuthService{
		backend:   backend,
		store:     store,
		gate:      gate,
		passcodes: passcodes,
		otp:       otp,
		audit:     dispatcher,
		logger:    logger,
		checking:  true,
		subs:      make(map[int]chan Snapshot),
	}
	s.unsubscribe = backend.OnAuthStateChange(s.onAuthEvent)
	return s
}

// Start runs the initial session check and leaves CHECKING.
func (s *AuthService) Start(ctx context.Context) Snapshot {
	session, err := s.backend.GetSession(ctx)
	if err != nil {
		s.logger.Warn("Initial session check failed", zap.Error(err))
		session = nil
	}
	if session != nil {
		s.hydrate(ctx, session)
	}

	s.mu.Lock()
	s.checking = false
	s.mu.Unlock()
	return s.publish()
}

func (s *AuthService) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.subMu.Lock()
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
	s.subMu.Unlock()
}

func (s *AuthService) onAuthEvent(event identity.AuthEvent, session *identity.Session) {
	ctx := context.Background()
	switch event {
	case identity.EventInitialSession:
		// Start does its own lookup.
		return
	case identity.EventSignedOut:
		s.clear(ctx)
	default:
		if session == nil {
			s.clear(ctx)
		} else {
			s.hydrate(ctx, session)
		}
	}
	s.publish()
}

// hydrate mirrors a live session into the credential store and loads the
// profile. A profile failure is recorded, not returned.
func (s *AuthService) hydrate(ctx context.Context, session *identity.Session) {
	s.mirror(ctx, session)

	s.mu.Lock()
	sameUser := s.user != nil && session.User != nil && s.user.ID == session.User.ID && s.profile != nil
	s.mu.Unlock()

	var (
		profile    *identity.Profile
		profileErr string
	)
	if session.User != nil && !sameUser {
		p, err := s.backend.GetUserProfile(ctx, session.User.ID)
		if err != nil {
			s.logger.Warn("Failed to load profile",
				zap.String("user_id", session.User.ID),
				zap.Error(err))
			profileErr = apperr.MessageOf(err)
		} else {
			profile = p
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = session
	if session.User != nil {
		s.user = session.User
	}
	if !sameUser {
		s.profile = profile
		s.profileError = profileErr
	}
}

func (s *AuthService) mirror(ctx context.Context, session *identity.Session) {
	items := map[string]string{
		credential.KeySessionToken: session.AccessToken,
		credential.KeyRefreshToken: session.RefreshToken,
	}
	if session.User != nil {
		items[credential.KeyUserID] = session.User.ID
	}
	for key, value := range items {
		if value == "" {
			continue
		}
		if err := s.store.SetItem(ctx, key, value); err != nil {
			s.logger.Error("Failed to mirror session credential", zap.String("key", key), zap.Error(err))
		}
	}
}

func (s *AuthService) clear(ctx context.Context) {
	for _, key := range []string{credential.KeySessionToken, credential.KeyRefreshToken, credential.KeyUserID} {
		if err := s.store.DeleteItem(ctx, key); err != nil {
			s.logger.Error("Failed to delete session credential", zap.String("key", key), zap.Error(err))
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = nil
	s.user = nil
	s.profile = nil
	s.profileError = ""
	s.inSignup = false
}

func (s *AuthService) snapshotLocked() Snapshot {
	snap := Snapshot{
		User:         s.user,
		Profile:      s.profile,
		ProfileError: s.profileError,
		HasSession:   s.session != nil,
		InSignupFlow: s.inSignup,
		Session:      s.session,
	}
	switch {
	case s.checking:
		snap.State = StateChecking
	case s.inSignup:
		snap.State = StateInSignupFlow
	case s.user != nil && s.session != nil:
		snap.State = StateAuthenticated
	default:
		snap.State = StateSignedOut
	}
	return snap
}

// State returns the current snapshot.
func (s *AuthService) State() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Subscribe delivers every new snapshot. A slow reader only misses
// intermediate snapshots, never the latest one.
func (s *AuthService) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	s.subMu.Lock()
	s.nextSubID++
	id := s.nextSubID
	s.subs[id] = ch
	s.subMu.Unlock()

	return ch, func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if c, ok := s.subs[id]; ok {
			close(c)
			delete(s.subs, id)
		}
	}
}

func (s *AuthService) publish() Snapshot {
	snap := s.State()

	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
	return snap
}

func (s *AuthService) SignUp(ctx context.Context, email, password string, metadata map[string]interface{}) (Snapshot, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return s.State(), apperr.New(apperr.KindValidation, "Email and password are required")
	}
	if util.ContainsSuspicious(email) {
		return s.State(), apperr.New(apperr.KindValidation, "Invalid email address")
	}

	res, err := s.backend.SignUp(ctx, email, password, sanitizeMetadata(metadata))
	if err != nil {
		return s.State(), err
	}

	s.mu.Lock()
	if res.User != nil {
		s.inSignup = true
		s.user = res.User
	}
	s.mu.Unlock()

	if res.User != nil {
		s.audit.Emit(ctx, audit.Event{Type: audit.EventSignedIn, UserID: res.User.ID, Success: true, Reason: "signup"})
	}
	return s.publish(), nil
}

// sanitizeMetadata escapes free-text profile fields before they reach the
// identity backend.
func sanitizeMetadata(metadata map[string]interface{}) map[string]interface{} {
	if metadata == nil {
		return nil
	}
	out := make(map[string]interface{}, len(metadata))
	for k, v := range metadata {
		if str, ok := v.(string); ok {
			v = util.SanitizeInput(str)
		}
		out[k] = v
	}
	return out
}

func (s *AuthService) SignIn(ctx context.Context, email, password string) (Snapshot, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return s.State(), apperr.New(apperr.KindValidation, "Email and password are required")
	}

	session, err := s.backend.SignIn(ctx, email, password)
	if err != nil {
		s.audit.Emit(ctx, audit.Event{Type: audit.EventSignedIn, Reason: apperr.MessageOf(err)})
		return s.State(), err
	}
	var userID string
	if session.User != nil {
		userID = session.User.ID
	}
	s.audit.Emit(ctx, audit.Event{Type: audit.EventSignedIn, UserID: userID, Success: true})
	return s.State(), nil
}

// SignOut always ends in SIGNED_OUT, even when remote revocation fails.
func (s *AuthService) SignOut(ctx context.Context) (Snapshot, error) {
	s.mu.Lock()
	var userID string
	if s.user != nil {
		userID = s.user.ID
	}
	s.mu.Unlock()

	if err := s.backend.SignOut(ctx); err != nil {
		s.logger.Warn("Backend sign out failed", zap.Error(err))
	}
	// The backend event already cleared state; this covers backends that
	// stay silent.
	s.clear(ctx)

	s.audit.Emit(ctx, audit.Event{Type: audit.EventSignedOut, UserID: userID, Success: true})
	return s.publish(), nil
}

// CompleteOnboarding clears the sign-up flag, marking the profile first
// when a session exists.
func (s *AuthService) CompleteOnboarding(ctx context.Context) (Snapshot, error) {
	s.mu.Lock()
	session, user := s.session, s.user
	s.mu.Unlock()

	if session != nil && user != nil {
		profile, err := s.backend.UpdateUserProfile(ctx, user.ID, map[string]interface{}{
			"onboarding_completed": true,
		})
		if err != nil {
			return s.State(), err
		}
		s.mu.Lock()
		s.profile = profile
		s.profileError = ""
		s.mu.Unlock()
	}

	s.mu.Lock()
	s.inSignup = false
	s.mu.Unlock()
	return s.publish(), nil
}

func (s *AuthService) storedUserID(ctx context.Context) (string, error) {
	userID, ok, err := s.store.GetItem(ctx, credential.KeyUserID)
	if err != nil {
		return "", apperr.Wrap(apperr.KindStorage, msgNoSavedSession, err)
	}
	if !ok || userID == "" {
		return "", apperr.New(apperr.KindUnauthenticated, msgNoSavedSession)
	}
	return userID, nil
}

// sessionUserID is the user of the live session. Unlock factors are only
// changed from one, never from a locked device.
func (s *AuthService) sessionUserID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.checking || s.user == nil || s.session == nil {
		return "", apperr.New(apperr.KindUnauthenticated, msgNotSignedIn)
	}
	return s.user.ID, nil
}

// SetPasscode sets the signed-in user's passcode. current is required
// when one already exists.
func (s *AuthService) SetPasscode(ctx context.Context, current, passcode string) (string, error) {
	userID, err := s.sessionUserID()
	if err != nil {
		return "", err
	}
	return userID, s.passcodes.SetPasscode(ctx, userID, current, passcode)
}

// EnableBiometrics turns on biometric unlock for the signed-in user after
// a successful challenge on the reporting device.
func (s *AuthService) EnableBiometrics(ctx context.Context, auth biometric.Authenticator) (string, error) {
	userID, err := s.sessionUserID()
	if err != nil {
		return "", err
	}
	return userID, s.gate.ForDevice(auth).EnableBiometricLogin(ctx, userID)
}

func (s *AuthService) DisableBiometrics(ctx context.Context) (string, error) {
	userID, err := s.sessionUserID()
	if err != nil {
		return "", err
	}
	return userID, s.gate.DisableBiometricLogin(ctx, userID)
}

// UnlockWithBiometrics re-presents the stored session after a biometric
// challenge on the reporting device. It never creates a new session.
func (s *AuthService) UnlockWithBiometrics(ctx context.Context, auth biometric.Authenticator) (Snapshot, error) {
	userID, err := s.storedUserID(ctx)
	if err != nil {
		return s.State(), err
	}

	if err := s.gate.ForDevice(auth).AuthenticateForLogin(ctx, userID); err != nil {
		s.audit.Emit(ctx, audit.Event{
			Type:   audit.EventBiometricLogin,
			UserID: userID,
			Reason: apperr.CodeOf(err),
		})
		return s.State(), err
	}

	snap, err := s.restore(ctx)
	s.audit.Emit(ctx, audit.Event{
		Type:    audit.EventBiometricLogin,
		UserID:  userID,
		Success: err == nil,
		Reason:  reasonOf(err),
	})
	return snap, err
}

// UnlockWithPasscode is the fallback when biometrics are unavailable or
// permanently locked.
func (s *AuthService) UnlockWithPasscode(ctx context.Context, passcode string) (Snapshot, error) {
	userID, err := s.storedUserID(ctx)
	if err != nil {
		return s.State(), err
	}
	if err := s.passcodes.VerifyPasscode(ctx, userID, passcode); err != nil {
		return s.State(), err
	}
	return s.restore(ctx)
}

func (s *AuthService) restore(ctx context.Context) (Snapshot, error) {
	refreshToken, ok, err := s.store.GetItem(ctx, credential.KeyRefreshToken)
	if err != nil {
		return s.State(), apperr.Wrap(apperr.KindStorage, msgNoSavedSession, err)
	}
	if !ok || refreshToken == "" {
		return s.State(), apperr.New(apperr.KindUnauthenticated, msgNoSavedSession)
	}

	if _, err := s.backend.RestoreSession(ctx, refreshToken); err != nil {
		if apperr.Is(err, apperr.KindUnauthenticated) {
			// The stored material is dead; drop it.
			s.clear(ctx)
			s.publish()
		}
		return s.State(), err
	}
	return s.State(), nil
}

func reasonOf(err error) string {
	if err == nil {
		return ""
	}
	return apperr.MessageOf(err)
}

// StartPhoneVerification sends an OTP to phone for the signed-in user.
func (s *AuthService) StartPhoneVerification(ctx context.Context, phoneNumber string) (*OTPSent, error) {
	s.mu.Lock()
	user := s.user
	s.mu.Unlock()
	if user == nil {
		return nil, apperr.New(apperr.KindUnauthenticated, msgNotSignedIn)
	}
	return s.otp.SendOTP(ctx, user.ID, phoneNumber)
}

// ConfirmPhoneVerification verifies the code and reloads the profile so
// the state carries phone_verified.
func (s *AuthService) ConfirmPhoneVerification(ctx context.Context, phoneNumber, code string) (*OTPVerified, error) {
	result, err := s.otp.VerifyOTP(ctx, phoneNumber, code)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	user := s.user
	s.mu.Unlock()
	if user == nil || user.ID != result.UserID {
		return result, nil
	}

	profile, err := s.backend.GetUserProfile(ctx, user.ID)
	s.mu.Lock()
	if err != nil {
		s.profileError = apperr.MessageOf(err)
	} else {
		s.profile = profile
		s.profileError = ""
	}
	s.mu.Unlock()
	s.publish()
	return result, nil
}
