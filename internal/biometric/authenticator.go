package biometric

import (
	"context"
	"strings"
)

type Type string

const (
	TypeFaceID      Type = "face_id"
	TypeTouchID     Type = "touch_id"
	TypeFingerprint Type = "fingerprint"
	TypeIris        Type = "iris"
	TypeGeneric     Type = "biometric"
)

// DisplayName is the label shown in prompts.
func (t Type) DisplayName() string {
	switch t {
	case TypeFaceID:
		return "Face ID"
	case TypeTouchID:
		return "Touch ID"
	case TypeFingerprint:
		return "Fingerprint"
	case TypeIris:
		return "Iris"
	default:
		return "Biometric"
	}
}

// ParseType accepts the names and numeric AuthenticationType values
// reported by the app.
func ParseType(raw string) Type {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "face_id", "faceid", "face", "facial_recognition", "2":
		return TypeFaceID
	case "touch_id", "touchid":
		return TypeTouchID
	case "fingerprint", "1":
		return TypeFingerprint
	case "iris", "3":
		return TypeIris
	default:
		return TypeGeneric
	}
}

type PromptOptions struct {
	Reason                string
	FallbackLabel         string
	CancelLabel           string
	DisableDeviceFallback bool
}

// PromptOutcome is the raw platform answer. PlatformCode is the OS error
// identifier when Success is false.
type PromptOutcome struct {
	Success      bool
	PlatformCode string
}

// Authenticator is the device biometric API.
type Authenticator interface {
	HasHardware(ctx context.Context) (bool, error)
	IsEnrolled(ctx context.Context) (bool, error)
	SupportedTypes(ctx context.Context) ([]Type, error)
	Prompt(ctx context.Context, opts PromptOptions) (PromptOutcome, error)
}

// DeviceReport is what the app posts after querying the OS and, when a
// challenge was requested, after showing the prompt.
type DeviceReport struct {
	HasHardware    bool             `json:"has_hardware"`
	IsEnrolled     bool             `json:"is_enrolled"`
	SupportedTypes []string         `json:"supported_types,omitempty"`
	Challenge      *ChallengeResult `json:"challenge,omitempty"`
}

type ChallengeResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ReportedAuthenticator answers from a DeviceReport. A report without a
// challenge result fails the prompt with invalid_context.
type ReportedAuthenticator struct {
	report DeviceReport
}

func NewReportedAuthenticator(report DeviceReport) *ReportedAuthenticator {
	return &ReportedAuthenticator{report: report}
}

func (a *ReportedAuthenticator) HasHardware(context.Context) (bool, error) {
	return a.report.HasHardware, nil
}

func (a *ReportedAuthenticator) IsEnrolled(context.Context) (bool, error) {
	return a.report.IsEnrolled, nil
}

func (a *ReportedAuthenticator) SupportedTypes(context.Context) ([]Type, error) {
	types := make([]Type, 0, len(a.report.SupportedTypes))
	for _, raw := range a.report.SupportedTypes {
		types = append(types, ParseType(raw))
	}
	return types, nil
}

func (a *ReportedAuthenticator) Prompt(context.Context, PromptOptions) (PromptOutcome, error) {
	if a.report.Challenge == nil {
		return PromptOutcome{PlatformCode: string(CodeInvalidContext)}, nil
	}
	return PromptOutcome{
		Success:      a.report.Challenge.Success,
		PlatformCode: a.report.Challenge.Error,
	}, nil
}
