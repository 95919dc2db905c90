package biometric

import (
	"strconv"
	"strings"
)

// Code is the closed failure taxonomy every platform error is mapped into.
type Code string

const (
	CodeUserCancel       Code = "user_cancel"
	CodeUserFallback     Code = "user_fallback"
	CodeSystemCancel     Code = "system_cancel"
	CodeAppCancel        Code = "app_cancel"
	CodeInvalidContext   Code = "invalid_context"
	CodeNotAvailable     Code = "not_available"
	CodeNotEnrolled      Code = "not_enrolled"
	CodeLockout          Code = "lockout"
	CodeLockoutPermanent Code = "lockout_permanent"
	CodeUnknown          Code = "unknown"
)

// Recommendation tells the UI what to offer after a failure.
type Recommendation string

const (
	RecommendRetry           Recommendation = "retry"
	RecommendRetryLater      Recommendation = "retry_later"
	RecommendUsePasscode     Recommendation = "use_passcode"
	RecommendSetupBiometrics Recommendation = "setup_biometrics"
	RecommendNone            Recommendation = "none"
)

func (c Code) Message() string {
	switch c {
	case CodeUserCancel:
		return "Authentication was cancelled"
	case CodeUserFallback:
		return "Please use your passcode to continue"
	case CodeSystemCancel:
		return "Authentication was interrupted by the system. Please try again."
	case CodeAppCancel:
		return "Authentication was cancelled by the app"
	case CodeInvalidContext:
		return "Authentication could not be started. Please try again."
	case CodeNotAvailable:
		return "Biometric authentication is not available on this device"
	case CodeNotEnrolled:
		return "No biometric credentials enrolled. Please set up Face ID or fingerprint in your device settings."
	case CodeLockout:
		return "Too many failed attempts. Please try again later."
	case CodeLockoutPermanent:
		return "Biometric authentication is locked. Please use your passcode."
	default:
		return "Biometric authentication failed"
	}
}

// Recommendation separates temporary lockout, where waiting helps, from
// permanent lockout, where only the passcode does.
func (c Code) Recommendation() Recommendation {
	switch c {
	case CodeUserCancel, CodeSystemCancel, CodeAppCancel, CodeInvalidContext, CodeUnknown:
		return RecommendRetry
	case CodeLockout:
		return RecommendRetryLater
	case CodeUserFallback, CodeNotAvailable, CodeLockoutPermanent:
		return RecommendUsePasscode
	case CodeNotEnrolled:
		return RecommendSetupBiometrics
	default:
		return RecommendNone
	}
}

var platformCodes = map[string]Code{
	// cross-platform names reported by the app
	"user_cancel":           CodeUserCancel,
	"user_fallback":         CodeUserFallback,
	"system_cancel":         CodeSystemCancel,
	"app_cancel":            CodeAppCancel,
	"invalid_context":       CodeInvalidContext,
	"not_available":         CodeNotAvailable,
	"not_enrolled":          CodeNotEnrolled,
	"lockout":               CodeLockout,
	"lockout_permanent":     CodeLockoutPermanent,
	"passcode_not_set":      CodeNotAvailable,
	"timeout":               CodeSystemCancel,
	"unable_to_process":     CodeUnknown,
	"authentication_failed": CodeUnknown,

	// iOS LocalAuthentication
	"laerrorusercancel":           CodeUserCancel,
	"laerroruserfallback":         CodeUserFallback,
	"laerrorsystemcancel":         CodeSystemCancel,
	"laerrorappcancel":            CodeAppCancel,
	"laerrorinvalidcontext":       CodeInvalidContext,
	"laerrornotinteractive":       CodeInvalidContext,
	"laerrorbiometrynotavailable": CodeNotAvailable,
	"laerrortouchidnotavailable":  CodeNotAvailable,
	"laerrorpasscodenotset":       CodeNotAvailable,
	"laerrorbiometrynotenrolled":  CodeNotEnrolled,
	"laerrortouchidnotenrolled":   CodeNotEnrolled,
	"laerrorbiometrylockout":      CodeLockout,
	"laerrortouchidlockout":       CodeLockout,
	"laerrorauthenticationfailed": CodeUnknown,

	// Android BiometricPrompt
	"biometric_error_hw_unavailable":           CodeNotAvailable,
	"biometric_error_unable_to_process":        CodeUnknown,
	"biometric_error_timeout":                  CodeSystemCancel,
	"biometric_error_no_space":                 CodeUnknown,
	"biometric_error_canceled":                 CodeSystemCancel,
	"biometric_error_vendor":                   CodeUnknown,
	"biometric_error_lockout":                  CodeLockout,
	"biometric_error_lockout_permanent":        CodeLockoutPermanent,
	"biometric_error_user_canceled":            CodeUserCancel,
	"biometric_error_no_biometrics":            CodeNotEnrolled,
	"biometric_error_hw_not_present":           CodeNotAvailable,
	"biometric_error_negative_button":          CodeUserFallback,
	"biometric_error_no_device_credential":     CodeNotAvailable,
	"biometric_error_security_update_required": CodeNotAvailable,
}

// androidErrorCodes are the BiometricPrompt.ERROR_* integer constants.
var androidErrorCodes = map[int]Code{
	1:  CodeNotAvailable,
	2:  CodeUnknown,
	3:  CodeSystemCancel,
	4:  CodeUnknown,
	5:  CodeSystemCancel,
	7:  CodeLockout,
	8:  CodeUnknown,
	9:  CodeLockoutPermanent,
	10: CodeUserCancel,
	11: CodeNotEnrolled,
	12: CodeNotAvailable,
	13: CodeUserFallback,
	14: CodeNotAvailable,
	15: CodeNotAvailable,
}

// MapPlatformCode converts a platform error into the closed taxonomy.
// Unrecognised values map to CodeUnknown.
func MapPlatformCode(raw string) Code {
	key := strings.ToLower(strings.TrimSpace(raw))
	if key == "" {
		return CodeUnknown
	}
	if n, err := strconv.Atoi(key); err == nil {
		if code, ok := androidErrorCodes[n]; ok {
			return code
		}
		return CodeUnknown
	}
	if code, ok := platformCodes[key]; ok {
		return code
	}
	if code, ok := platformCodes["biometric_"+key]; ok {
		return code
	}
	return CodeUnknown
}
