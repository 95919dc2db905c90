package identity

import "time"

// AuthEvent names a session transition reported to subscribers.
type AuthEvent string

const (
	EventInitialSession AuthEvent = "INITIAL_SESSION"
	EventSignedIn       AuthEvent = "SIGNED_IN"
	EventSignedOut      AuthEvent = "SIGNED_OUT"
	EventTokenRefreshed AuthEvent = "TOKEN_REFRESHED"
	EventUserUpdated    AuthEvent = "USER_UPDATED"
)

// AuthChangeFunc receives every auth event. session is nil after sign out.
type AuthChangeFunc func(event AuthEvent, session *Session)

type User struct {
	ID               string                 `json:"id"`
	Email            string                 `json:"email,omitempty"`
	Phone            string                 `json:"phone,omitempty"`
	UserMetadata     map[string]interface{} `json:"user_metadata,omitempty"`
	EmailConfirmedAt *time.Time             `json:"email_confirmed_at,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
}

type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	ExpiresIn    int       `json:"expires_in"`
	ExpiresAt    time.Time `json:"-"`
	User         *User     `json:"user"`
}

// Expired reports whether the access token is past its expiry, with leeway.
func (s *Session) Expired(now time.Time, leeway time.Duration) bool {
	if s == nil || s.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(leeway).Before(s.ExpiresAt)
}

// SignUpResult carries the created user. Session is nil while the backend
// waits for email confirmation.
type SignUpResult struct {
	User    *User
	Session *Session
}

// Profile is the row kept by the backend in the profiles table.
type Profile struct {
	ID                  string     `json:"id"`
	FullName            string     `json:"full_name,omitempty"`
	Email               string     `json:"email,omitempty"`
	PhoneNumber         string     `json:"phone_number,omitempty"`
	PhoneVerified       bool       `json:"phone_verified"`
	OnboardingCompleted bool       `json:"onboarding_completed"`
	KYCStatus           string     `json:"kyc_status,omitempty"`
	UpdatedAt           *time.Time `json:"updated_at,omitempty"`
}
