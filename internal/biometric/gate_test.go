package biometric

import (
	"context"
	"errors"
	"sync"
	"testing"

	"go.uber.org/zap"

	"identity-service/internal/apperr"
	"identity-service/internal/config"
	"identity-service/internal/credential"
)

type fakeAuthenticator struct {
	hasHardware bool
	enrolled    bool
	types       []Type
	outcome     PromptOutcome
	prompts     []PromptOptions
}

func (f *fakeAuthenticator) HasHardware(context.Context) (bool, error) { return f.hasHardware, nil }
func (f *fakeAuthenticator) IsEnrolled(context.Context) (bool, error) { return f.enrolled, nil }
func (f *fakeAuthenticator) SupportedTypes(context.Context) ([]Type, error) {
	return f.types, nil
}
func (f *fakeAuthenticator) Prompt(_ context.Context, opts PromptOptions) (PromptOutcome, error) {
	f.prompts = append(f.prompts, opts)
	return f.outcome, nil
}

type memStore struct {
	mu    sync.Mutex
	items map[string]string
	err   error
}

func newMemStore() *memStore { return &memStore{items: map[string]string{}} }

func (s *memStore) SetItem(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.items[key] = value
	return nil
}

func (s *memStore) GetItem(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", false, s.err
	}
	v, ok := s.items[key]
	return v, ok, nil
}

func (s *memStore) DeleteItem(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	delete(s.items, key)
	return nil
}

var testCfg = config.BiometricConfig{
	LoginPrompt:   "Log in to your account",
	EnablePrompt:  "Confirm to enable biometric login",
	FallbackLabel: "Use Passcode",
	CancelLabel:   "Cancel",
}

func readyDevice() *fakeAuthenticator {
	return &fakeAuthenticator{
		hasHardware: true,
		enrolled:    true,
		types:       []Type{TypeFaceID},
		outcome:     PromptOutcome{Success: true},
	}
}

func newTestGate(auth Authenticator, store credential.Store) *Gate {
	return NewGate(auth, store, testCfg, nil, zap.NewNop())
}

func TestCheckCapabilitiesCaches(t *testing.T) {
	auth := &fakeAuthenticator{hasHardware: true, enrolled: false, types: []Type{TypeFingerprint}}
	g := newTestGate(auth, newMemStore())

	if got := g.GetCurrentCapabilities(); got.IsAvailable || got.HasHardware {
		t.Fatalf("expected zero capabilities before a check, got %+v", got)
	}

	caps, err := g.CheckCapabilities(context.Background())
	if err != nil {
		t.Fatalf("CheckCapabilities: %v", err)
	}
	if !caps.HasHardware || caps.IsEnrolled || caps.IsAvailable {
		t.Fatalf("unexpected capabilities %+v", caps)
	}

	cached := g.GetCurrentCapabilities()
	if cached.HasHardware != caps.HasHardware || len(cached.SupportedTypes) != 1 {
		t.Fatalf("cached capabilities differ: %+v", cached)
	}
}

func TestAuthenticateDistinguishesHardwareAndEnrollment(t *testing.T) {
	ctx := context.Background()

	noHW := &fakeAuthenticator{}
	err := newTestGate(noHW, newMemStore()).Authenticate(ctx, "")
	if apperr.CodeOf(err) != string(CodeNotAvailable) {
		t.Fatalf("expected not_available, got %v", err)
	}

	notEnrolled := &fakeAuthenticator{hasHardware: true}
	err = newTestGate(notEnrolled, newMemStore()).Authenticate(ctx, "")
	if apperr.CodeOf(err) != string(CodeNotEnrolled) {
		t.Fatalf("expected not_enrolled, got %v", err)
	}

	if len(noHW.prompts)+len(notEnrolled.prompts) != 0 {
		t.Fatalf("prompt must not be shown without available biometrics")
	}
}

func TestAuthenticateDefaultPromptNamesType(t *testing.T) {
	auth := readyDevice()
	if err := newTestGate(auth, newMemStore()).Authenticate(context.Background(), ""); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if len(auth.prompts) != 1 || auth.prompts[0].Reason != "Authenticate with Face ID" {
		t.Fatalf("unexpected prompt %+v", auth.prompts)
	}
	if auth.prompts[0].FallbackLabel != "Use Passcode" {
		t.Fatalf("fallback label not passed through")
	}
}

func TestAuthenticateMapsPlatformErrors(t *testing.T) {
	cases := []struct {
		platform string
		want     Code
	}{
		{"user_cancel", CodeUserCancel},
		{"LAErrorUserFallback", CodeUserFallback},
		{"BIOMETRIC_ERROR_LOCKOUT_PERMANENT", CodeLockoutPermanent},
		{"7", CodeLockout},
		{"something_new", CodeUnknown},
	}
	for _, tc := range cases {
		auth := readyDevice()
		auth.outcome = PromptOutcome{PlatformCode: tc.platform}
		err := newTestGate(auth, newMemStore()).Authenticate(context.Background(), "Pay")
		if apperr.KindOf(err) != apperr.KindBiometric || apperr.CodeOf(err) != string(tc.want) {
			t.Errorf("%s: got %v, want code %s", tc.platform, err, tc.want)
		}
		if apperr.MessageOf(err) != tc.want.Message() {
			t.Errorf("%s: message %q", tc.platform, apperr.MessageOf(err))
		}
	}
}

func TestEnableFailsFastWithoutEnrollment(t *testing.T) {
	auth := &fakeAuthenticator{hasHardware: true, enrolled: false, outcome: PromptOutcome{Success: true}}
	store := newMemStore()
	g := newTestGate(auth, store)

	err := g.EnableBiometricLogin(context.Background(), "u1")
	if apperr.CodeOf(err) != string(CodeNotEnrolled) {
		t.Fatalf("expected not_enrolled, got %v", err)
	}
	if apperr.MessageOf(err) != "No biometric credentials enrolled. Please set up Face ID or fingerprint in your device settings." {
		t.Fatalf("unexpected message %q", apperr.MessageOf(err))
	}
	if len(auth.prompts) != 0 {
		t.Fatalf("prompt shown despite unavailable biometrics")
	}
	if len(store.items) != 0 {
		t.Fatalf("flag stored despite failure")
	}
}

func TestEnableRequiresChallenge(t *testing.T) {
	auth := readyDevice()
	auth.outcome = PromptOutcome{PlatformCode: "user_cancel"}
	store := newMemStore()
	g := newTestGate(auth, store)

	if err := g.EnableBiometricLogin(context.Background(), "u1"); apperr.CodeOf(err) != string(CodeUserCancel) {
		t.Fatalf("expected user_cancel, got %v", err)
	}
	if g.IsBiometricLoginEnabled(context.Background(), "u1") {
		t.Fatalf("flag set without a passed challenge")
	}
}

func TestEnableDisableLifecycle(t *testing.T) {
	ctx := context.Background()
	auth := readyDevice()
	store := newMemStore()
	g := newTestGate(auth, store)

	if g.IsBiometricLoginEnabled(ctx, "u1") {
		t.Fatalf("never enabled user reads as enabled")
	}
	if err := g.EnableBiometricLogin(ctx, "u1"); err != nil {
		t.Fatalf("EnableBiometricLogin: %v", err)
	}
	if auth.prompts[0].Reason != testCfg.EnablePrompt {
		t.Fatalf("expected enable prompt, got %q", auth.prompts[0].Reason)
	}
	if store.items["biometric_enabled_u1"] != "true" {
		t.Fatalf("flag not stored: %v", store.items)
	}
	if !g.IsBiometricLoginEnabled(ctx, "u1") {
		t.Fatalf("expected enabled")
	}

	if err := g.DisableBiometricLogin(ctx, "u1"); err != nil {
		t.Fatalf("DisableBiometricLogin: %v", err)
	}
	if g.IsBiometricLoginEnabled(ctx, "u1") {
		t.Fatalf("expected disabled after disable")
	}
	if err := g.DisableBiometricLogin(ctx, "u1"); err != nil {
		t.Fatalf("disable must be idempotent, got %v", err)
	}
}

func TestIsEnabledFailsClosed(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.items["biometric_enabled_u1"] = "yes"
	g := newTestGate(readyDevice(), store)

	if g.IsBiometricLoginEnabled(ctx, "u1") {
		t.Fatalf("only the exact value true enables biometrics")
	}

	store.items["biometric_enabled_u1"] = "true"
	store.err = errors.New("disk full")
	if g.IsBiometricLoginEnabled(ctx, "u1") {
		t.Fatalf("storage error must read as disabled")
	}
}

func TestAuthenticateForLoginNeverPromptsWhenDisabled(t *testing.T) {
	auth := readyDevice()
	g := newTestGate(auth, newMemStore())

	err := g.AuthenticateForLogin(context.Background(), "u1")
	if apperr.KindOf(err) != apperr.KindUnauthenticated {
		t.Fatalf("expected unauthenticated, got %v", err)
	}
	if len(auth.prompts) != 0 {
		t.Fatalf("prompt shown for a user without biometric login")
	}
}

func TestAuthenticateForLoginUsesLoginPrompt(t *testing.T) {
	auth := readyDevice()
	store := newMemStore()
	store.items["biometric_enabled_u1"] = "true"

	if err := newTestGate(auth, store).AuthenticateForLogin(context.Background(), "u1"); err != nil {
		t.Fatalf("AuthenticateForLogin: %v", err)
	}
	if len(auth.prompts) != 1 || auth.prompts[0].Reason != testCfg.LoginPrompt {
		t.Fatalf("unexpected prompts %+v", auth.prompts)
	}
}

func TestReportedAuthenticatorWithoutChallenge(t *testing.T) {
	auth := NewReportedAuthenticator(DeviceReport{HasHardware: true, IsEnrolled: true, SupportedTypes: []string{"2"}})
	g := newTestGate(auth, newMemStore())

	err := g.Authenticate(context.Background(), "")
	if apperr.CodeOf(err) != string(CodeInvalidContext) {
		t.Fatalf("expected invalid_context, got %v", err)
	}
	if caps := g.GetCurrentCapabilities(); len(caps.SupportedTypes) != 1 || caps.SupportedTypes[0] != TypeFaceID {
		t.Fatalf("unexpected types %+v", caps.SupportedTypes)
	}
}

func TestRecommendations(t *testing.T) {
	if CodeLockout.Recommendation() != RecommendRetryLater {
		t.Fatalf("temporary lockout should suggest waiting")
	}
	if CodeLockoutPermanent.Recommendation() != RecommendUsePasscode {
		t.Fatalf("permanent lockout should suggest the passcode")
	}
	if CodeNotEnrolled.Recommendation() != RecommendSetupBiometrics {
		t.Fatalf("not enrolled should suggest setup")
	}
}
