package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"identity-service/internal/apperr"
	"identity-service/internal/biometric"
	"identity-service/internal/util"
)

const maxBodyBytes = 1 << 20

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
	Message string      `json:"message,omitempty"`
}

// BiometricFailure tells the app what to offer after a failed challenge.
type BiometricFailure struct {
	Code           biometric.Code           `json:"code"`
	Recommendation biometric.Recommendation `json:"recommendation"`
}

func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

// errorResponse exposes only the kind, code and user-facing message; the
// wrapped cause stays in the logs.
func errorResponse(err error) Response {
	resp := Response{
		Success: false,
		Error:   string(apperr.KindOf(err)),
		Code:    apperr.CodeOf(err),
		Message: apperr.MessageOf(err),
	}
	if apperr.Is(err, apperr.KindBiometric) && resp.Code != "" {
		code := biometric.Code(resp.Code)
		resp.Data = BiometricFailure{Code: code, Recommendation: code.Recommendation()}
	}
	return resp
}

// statusFor maps an error kind onto the HTTP status the app switches on.
func statusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindExpired:
		return http.StatusGone
	case apperr.KindLockedOut:
		return http.StatusLocked
	case apperr.KindRateLimited:
		return http.StatusTooManyRequests
	case apperr.KindDelivery:
		return http.StatusBadGateway
	case apperr.KindBiometric, apperr.KindUnauthenticated:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func respondWithJSON(w http.ResponseWriter, logger *zap.Logger, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

func respondWithError(w http.ResponseWriter, logger *zap.Logger, err error) {
	statusCode := statusFor(err)
	fields := []zap.Field{
		util.ErrorField(err),
		util.Int("status_code", statusCode),
	}
	if statusCode >= http.StatusInternalServerError {
		logger.Error("HTTP error response", fields...)
	} else {
		logger.Debug("HTTP error response", fields...)
	}
	respondWithJSON(w, logger, statusCode, errorResponse(err))
}

// decodeJSON reads a bounded JSON body into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.Wrap(apperr.KindValidation, "Request body is required", err)
		}
		return apperr.Wrap(apperr.KindValidation, "Invalid request body", err)
	}
	return nil
}
