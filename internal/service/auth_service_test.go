package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"identity-service/internal/apperr"
	"identity-service/internal/biometric"
	"identity-service/internal/config"
	"identity-service/internal/credential"
	"identity-service/internal/identity"
	redisrepo "identity-service/internal/repository/redis"
)

type fakeBackend struct {
	mu          sync.Mutex
	session     *identity.Session
	subs        []identity.AuthChangeFunc
	profiles    map[string]*identity.Profile
	profileErr  error
	validTokens map[string]string // refresh token -> user id
	signUpNoSes bool
	metadata    map[string]interface{}
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		profiles:    map[string]*identity.Profile{},
		validTokens: map[string]string{},
	}
}

func (b *fakeBackend) emit(event identity.AuthEvent, s *identity.Session) {
	b.mu.Lock()
	subs := append([]identity.AuthChangeFunc(nil), b.subs...)
	b.mu.Unlock()
	for _, fn := range subs {
		fn(event, s)
	}
}

func (b *fakeBackend) newSession(userID string) *identity.Session {
	refresh := "refresh-" + userID
	b.mu.Lock()
	b.validTokens[refresh] = userID
	b.mu.Unlock()
	return &identity.Session{
		AccessToken:  "access-" + userID,
		RefreshToken: refresh,
		ExpiresAt:    time.Now().Add(time.Hour),
		User:         &identity.User{ID: userID, Email: userID + "@example.com"},
	}
}

func (b *fakeBackend) GetSession(context.Context) (*identity.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.session, nil
}

func (b *fakeBackend) RestoreSession(_ context.Context, refreshToken string) (*identity.Session, error) {
	b.mu.Lock()
	userID, ok := b.validTokens[refreshToken]
	b.mu.Unlock()
	if !ok {
		return nil, apperr.New(apperr.KindUnauthenticated, "Invalid Refresh Token")
	}
	s := b.newSession(userID)
	b.mu.Lock()
	b.session = s
	b.mu.Unlock()
	b.emit(identity.EventSignedIn, s)
	return s, nil
}

func (b *fakeBackend) OnAuthStateChange(fn identity.AuthChangeFunc) func() {
	b.mu.Lock()
	b.subs = append(b.subs, fn)
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		b.subs = nil
		b.mu.Unlock()
	}
}

func (b *fakeBackend) SignUp(_ context.Context, email, _ string, metadata map[string]interface{}) (*identity.SignUpResult, error) {
	b.mu.Lock()
	b.metadata = metadata
	b.mu.Unlock()
	if b.signUpNoSes {
		return &identity.SignUpResult{User: &identity.User{ID: "u-new", Email: email}}, nil
	}
	s := b.newSession("u-new")
	b.mu.Lock()
	b.session = s
	b.mu.Unlock()
	b.emit(identity.EventSignedIn, s)
	return &identity.SignUpResult{User: s.User, Session: s}, nil
}

func (b *fakeBackend) SignIn(_ context.Context, _, password string) (*identity.Session, error) {
	if password != "secret" {
		return nil, apperr.New(apperr.KindUnauthenticated, "Invalid login credentials")
	}
	s := b.newSession("u1")
	b.mu.Lock()
	b.session = s
	b.mu.Unlock()
	b.emit(identity.EventSignedIn, s)
	return s, nil
}

func (b *fakeBackend) SignOut(context.Context) error {
	b.mu.Lock()
	b.session = nil
	b.validTokens = map[string]string{}
	b.mu.Unlock()
	b.emit(identity.EventSignedOut, nil)
	return nil
}

func (b *fakeBackend) GetUserProfile(_ context.Context, userID string) (*identity.Profile, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.profileErr != nil {
		return nil, b.profileErr
	}
	p, ok := b.profiles[userID]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "Profile not found")
	}
	cp := *p
	return &cp, nil
}

func (b *fakeBackend) UpdateUserProfile(_ context.Context, userID string, fields map[string]interface{}) (*identity.Profile, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.profiles[userID]
	if !ok {
		p = &identity.Profile{ID: userID}
		b.profiles[userID] = p
	}
	if v, ok := fields["onboarding_completed"].(bool); ok {
		p.OnboardingCompleted = v
	}
	if v, ok := fields["phone_verified"].(bool); ok {
		p.PhoneVerified = v
	}
	if v, ok := fields["phone_number"].(string); ok {
		p.PhoneNumber = v
	}
	cp := *p
	return &cp, nil
}

type stubAuthenticator struct {
	outcome biometric.PromptOutcome
	prompts int
}

func (a *stubAuthenticator) HasHardware(context.Context) (bool, error) { return true, nil }
func (a *stubAuthenticator) IsEnrolled(context.Context) (bool, error) { return true, nil }
func (a *stubAuthenticator) SupportedTypes(context.Context) ([]biometric.Type, error) {
	return []biometric.Type{biometric.TypeFingerprint}, nil
}
func (a *stubAuthenticator) Prompt(context.Context, biometric.PromptOptions) (biometric.PromptOutcome, error) {
	a.prompts++
	return a.outcome, nil
}

type authFixture struct {
	svc      *AuthService
	backend  *fakeBackend
	store    *memCredentials
	gate     *biometric.Gate
	passcode *PasscodeService
	otp      *otpFixture
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()
	backend := newFakeBackend()
	backend.profiles["u1"] = &identity.Profile{ID: "u1", FullName: "Ann"}
	store := newMemCredentials()

	otp := newOTPFixture(t)
	otp.svc.profiles = backend

	rc, _ := newRedisClient(t)
	passcodes := NewPasscodeService(store, redisrepo.NewRateLimitCache(rc), testHasher(), config.PasscodeConfig{}, nil, zap.NewNop())
	gate := biometric.NewGate(nil, store, config.BiometricConfig{LoginPrompt: "Log in"}, nil, zap.NewNop())

	svc := NewAuthService(backend, store, gate, passcodes, otp.svc, nil, zap.NewNop())
	t.Cleanup(svc.Close)
	return &authFixture{svc: svc, backend: backend, store: store, gate: gate, passcode: passcodes, otp: otp}
}

func TestStartWithoutSession(t *testing.T) {
	f := newAuthFixture(t)
	if got := f.svc.State().State; got != StateChecking {
		t.Fatalf("initial state = %s, want CHECKING", got)
	}
	if snap := f.svc.Start(context.Background()); snap.State != StateSignedOut {
		t.Fatalf("state after start = %s", snap.State)
	}
}

func TestStartWithExistingSession(t *testing.T) {
	f := newAuthFixture(t)
	f.backend.session = f.backend.newSession("u1")

	snap := f.svc.Start(context.Background())
	if snap.State != StateAuthenticated || snap.Profile == nil || snap.Profile.FullName != "Ann" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if v, _ := f.store.get(credential.KeyUserID); v != "u1" {
		t.Fatalf("user id not mirrored")
	}
}

func TestSignInMirrorsAndSignOutDeletes(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	f.svc.Start(ctx)

	snap, err := f.svc.SignIn(ctx, "u1@example.com", "secret")
	if err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	if snap.State != StateAuthenticated {
		t.Fatalf("state = %s", snap.State)
	}
	for key, want := range map[string]string{
		credential.KeySessionToken: "access-u1",
		credential.KeyRefreshToken: "refresh-u1",
		credential.KeyUserID:       "u1",
	} {
		if got, _ := f.store.get(key); got != want {
			t.Fatalf("%s = %q, want %q", key, got, want)
		}
	}

	snap, err = f.svc.SignOut(ctx)
	if err != nil {
		t.Fatalf("SignOut: %v", err)
	}
	if snap.State != StateSignedOut || snap.User != nil {
		t.Fatalf("unexpected snapshot after sign out %+v", snap)
	}
	for _, key := range []string{credential.KeySessionToken, credential.KeyRefreshToken, credential.KeyUserID} {
		if _, ok := f.store.get(key); ok {
			t.Fatalf("%s still stored after sign out", key)
		}
	}
}

func TestSignInFailureKeepsState(t *testing.T) {
	f := newAuthFixture(t)
	f.svc.Start(context.Background())
	snap, err := f.svc.SignIn(context.Background(), "u1@example.com", "nope")
	if apperr.KindOf(err) != apperr.KindUnauthenticated || snap.State != StateSignedOut {
		t.Fatalf("got %s, %v", snap.State, err)
	}
}

func TestProfileFailureDoesNotBlockAuthentication(t *testing.T) {
	f := newAuthFixture(t)
	f.backend.profileErr = apperr.New(apperr.KindInternal, "Authentication service unavailable. Please try again.")
	f.svc.Start(context.Background())

	snap, err := f.svc.SignIn(context.Background(), "u1@example.com", "secret")
	if err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	if snap.State != StateAuthenticated || snap.ProfileError == "" || snap.Profile != nil {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestSignUpFlowTakesPrecedence(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	f.svc.Start(ctx)

	snap, err := f.svc.SignUp(ctx, "new@example.com", "pw", map[string]interface{}{"full_name": "Neo"})
	if err != nil {
		t.Fatalf("SignUp: %v", err)
	}
	if snap.State != StateInSignupFlow || !snap.HasSession {
		t.Fatalf("expected IN_SIGNUP_FLOW with a session, got %+v", snap)
	}

	snap, err = f.svc.CompleteOnboarding(ctx)
	if err != nil {
		t.Fatalf("CompleteOnboarding: %v", err)
	}
	if snap.State != StateAuthenticated || snap.Profile == nil || !snap.Profile.OnboardingCompleted {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestSignUpAwaitingConfirmation(t *testing.T) {
	f := newAuthFixture(t)
	f.backend.signUpNoSes = true
	ctx := context.Background()
	f.svc.Start(ctx)

	snap, err := f.svc.SignUp(ctx, "new@example.com", "pw", nil)
	if err != nil {
		t.Fatalf("SignUp: %v", err)
	}
	if snap.State != StateInSignupFlow || snap.HasSession || snap.User == nil {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	snap, _ = f.svc.SignOut(ctx)
	if snap.State != StateSignedOut || snap.InSignupFlow {
		t.Fatalf("sign out must clear the sign-up flag, got %+v", snap)
	}
}

func TestSubscribeReceivesLatest(t *testing.T) {
	f := newAuthFixture(t)
	ch, cancel := f.svc.Subscribe()
	defer cancel()

	f.svc.Start(context.Background())
	_, _ = f.svc.SignIn(context.Background(), "u1@example.com", "secret")

	select {
	case snap := <-ch:
		if snap.State != StateAuthenticated {
			t.Fatalf("latest snapshot = %s", snap.State)
		}
	case <-time.After(time.Second):
		t.Fatalf("no snapshot delivered")
	}
}

func TestUnlockWithBiometricsRequiresOptIn(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	f.svc.Start(ctx)
	_, _ = f.svc.SignIn(ctx, "u1@example.com", "secret")

	auth := &stubAuthenticator{outcome: biometric.PromptOutcome{Success: true}}
	_, err := f.svc.UnlockWithBiometrics(ctx, auth)
	if apperr.KindOf(err) != apperr.KindUnauthenticated || auth.prompts != 0 {
		t.Fatalf("expected refusal without prompt, got %v (prompts %d)", err, auth.prompts)
	}

	if err := f.gate.ForDevice(auth).EnableBiometricLogin(ctx, "u1"); err != nil {
		t.Fatalf("EnableBiometricLogin: %v", err)
	}
	snap, err := f.svc.UnlockWithBiometrics(ctx, auth)
	if err != nil {
		t.Fatalf("UnlockWithBiometrics: %v", err)
	}
	if snap.State != StateAuthenticated {
		t.Fatalf("state = %s", snap.State)
	}
}

func TestUnlockWithBiometricsFailureKeepsSession(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	f.svc.Start(ctx)
	_, _ = f.svc.SignIn(ctx, "u1@example.com", "secret")
	f.store.items[credential.BiometricEnabledKey("u1")] = "true"

	auth := &stubAuthenticator{outcome: biometric.PromptOutcome{PlatformCode: "BIOMETRIC_ERROR_LOCKOUT_PERMANENT"}}
	_, err := f.svc.UnlockWithBiometrics(ctx, auth)
	if apperr.CodeOf(err) != string(biometric.CodeLockoutPermanent) {
		t.Fatalf("expected permanent lockout, got %v", err)
	}
	if _, ok := f.store.get(credential.KeyRefreshToken); !ok {
		t.Fatalf("failed challenge must not drop stored credentials")
	}
}

func TestUnlockWithPasscode(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	f.svc.Start(ctx)
	_, _ = f.svc.SignIn(ctx, "u1@example.com", "secret")
	if err := f.passcode.SetPasscode(ctx, "u1", "", "4829"); err != nil {
		t.Fatalf("SetPasscode: %v", err)
	}

	if _, err := f.svc.UnlockWithPasscode(ctx, "0000"); apperr.MessageOf(err) != MsgIncorrectPasscode {
		t.Fatalf("expected incorrect passcode, got %v", err)
	}
	snap, err := f.svc.UnlockWithPasscode(ctx, "4829")
	if err != nil || snap.State != StateAuthenticated {
		t.Fatalf("UnlockWithPasscode = %s, %v", snap.State, err)
	}
}

func TestUnlockFactorsChangeOnlyFromLiveSession(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	f.svc.Start(ctx)
	_ = f.store.SetItem(ctx, credential.KeyUserID, "u1")
	_ = f.store.SetItem(ctx, credential.KeyRefreshToken, "refresh-u1")

	auth := &stubAuthenticator{outcome: biometric.PromptOutcome{Success: true}}
	if _, err := f.svc.SetPasscode(ctx, "", "4829"); apperr.KindOf(err) != apperr.KindUnauthenticated {
		t.Fatalf("SetPasscode while locked: %v", err)
	}
	if _, err := f.svc.EnableBiometrics(ctx, auth); apperr.KindOf(err) != apperr.KindUnauthenticated {
		t.Fatalf("EnableBiometrics while locked: %v", err)
	}
	if f.passcode.HasPasscode(ctx, "u1") || f.gate.IsBiometricLoginEnabled(ctx, "u1") || auth.prompts != 0 {
		t.Fatal("unlock factor stored without a session")
	}

	if _, err := f.svc.SignIn(ctx, "u1@example.com", "secret"); err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	userID, err := f.svc.SetPasscode(ctx, "", "4829")
	if err != nil || userID != "u1" {
		t.Fatalf("SetPasscode = %q, %v", userID, err)
	}
	if _, err := f.svc.EnableBiometrics(ctx, auth); err != nil {
		t.Fatalf("EnableBiometrics: %v", err)
	}
	if !f.gate.IsBiometricLoginEnabled(ctx, "u1") {
		t.Fatal("biometric flag not stored for the session user")
	}
	if _, err := f.svc.DisableBiometrics(ctx); err != nil || f.gate.IsBiometricLoginEnabled(ctx, "u1") {
		t.Fatalf("DisableBiometrics: %v", err)
	}
}

func TestUnlockWithoutSavedSession(t *testing.T) {
	f := newAuthFixture(t)
	f.svc.Start(context.Background())
	_, err := f.svc.UnlockWithPasscode(context.Background(), "1234")
	if apperr.KindOf(err) != apperr.KindUnauthenticated {
		t.Fatalf("expected unauthenticated, got %v", err)
	}
}

func TestUnlockWithDeadRefreshTokenClearsMirror(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	f.svc.Start(ctx)
	_ = f.store.SetItem(ctx, credential.KeyUserID, "u1")
	_ = f.store.SetItem(ctx, credential.KeyRefreshToken, "revoked")
	if err := f.passcode.SetPasscode(ctx, "u1", "", "4829"); err != nil {
		t.Fatalf("SetPasscode: %v", err)
	}

	_, err := f.svc.UnlockWithPasscode(ctx, "4829")
	if apperr.KindOf(err) != apperr.KindUnauthenticated {
		t.Fatalf("expected unauthenticated, got %v", err)
	}
	if _, ok := f.store.get(credential.KeyRefreshToken); ok {
		t.Fatalf("dead refresh token kept")
	}
}

func TestPhoneVerificationUpdatesProfile(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	f.svc.Start(ctx)

	if _, err := f.svc.StartPhoneVerification(ctx, "0712345678"); apperr.KindOf(err) != apperr.KindUnauthenticated {
		t.Fatalf("expected sign-in requirement, got %v", err)
	}

	_, _ = f.svc.SignIn(ctx, "u1@example.com", "secret")
	sent, err := f.svc.StartPhoneVerification(ctx, "0712345678")
	if err != nil {
		t.Fatalf("StartPhoneVerification: %v", err)
	}
	if sent.UserID != "u1" {
		t.Fatalf("otp bound to %q", sent.UserID)
	}

	res, err := f.svc.ConfirmPhoneVerification(ctx, "+254712345678", "482913")
	if err != nil {
		t.Fatalf("ConfirmPhoneVerification: %v", err)
	}
	if !res.ProfileUpdated {
		t.Fatalf("profile not updated")
	}
	snap := f.svc.State()
	if snap.Profile == nil || !snap.Profile.PhoneVerified || snap.Profile.PhoneNumber != "+254712345678" {
		t.Fatalf("state profile not refreshed: %+v", snap.Profile)
	}
}

func TestSignUpSanitizesInput(t *testing.T) {
	f := newAuthFixture(t)
	f.svc.Start(context.Background())

	if _, err := f.svc.SignUp(context.Background(), "<script>@x.io", "pw", nil); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("err = %v, want validation", err)
	}

	_, err := f.svc.SignUp(context.Background(), "new@x.io", "pw", map[string]interface{}{
		"full_name": "  Ann <b>",
		"age":       30,
	})
	if err != nil {
		t.Fatalf("SignUp: %v", err)
	}
	if got := f.backend.metadata["full_name"]; got != "Ann &lt;b&gt;" {
		t.Fatalf("full_name = %q", got)
	}
	if f.backend.metadata["age"] != 30 {
		t.Fatalf("non-string metadata changed: %v", f.backend.metadata["age"])
	}
}
