package audit

import (
	"time"
)

type EventType string

const (
	EventOTPSent          EventType = "otp_sent"
	EventOTPSendFailed    EventType = "otp_send_failed"
	EventOTPVerified      EventType = "otp_verified"
	EventOTPVerifyFailed  EventType = "otp_verify_failed"
	EventOTPLockedOut     EventType = "otp_locked_out"
	EventBiometricEnabled EventType = "biometric_enabled"
	EventBiometricDisable EventType = "biometric_disabled"
	EventBiometricLogin   EventType = "biometric_login"
	EventPasscodeSet      EventType = "passcode_set"
	EventPasscodeVerified EventType = "passcode_verified"
	EventPasscodeFailed   EventType = "passcode_failed"
	EventPasscodeLocked   EventType = "passcode_locked"
	EventSignedIn         EventType = "signed_in"
	EventSignedOut        EventType = "signed_out"
)

// Event is one security-relevant outcome. Phone is only carried up to
// the dispatcher, which replaces it with a fingerprint before any sink
// sees the event.
type Event struct {
	ID               string            `json:"event_id"`
	Type             EventType         `json:"event_type"`
	UserID           string            `json:"user_id,omitempty"`
	Phone            string            `json:"-"`
	PhoneFingerprint string            `json:"phone_fingerprint,omitempty"`
	Bucket           int               `json:"event_bucket"`
	Success          bool              `json:"success"`
	Reason           string            `json:"reason,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	OccurredAt       time.Time         `json:"occurred_at"`
}

// subject is the identifier events are bucketed by.
func (e Event) subject() string {
	if e.PhoneFingerprint != "" {
		return e.PhoneFingerprint
	}
	return e.UserID
}
