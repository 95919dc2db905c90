package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"identity-service/internal/service"
	"identity-service/internal/util"
)

// OTPHandler exposes send, resend and verify.
type OTPHandler struct {
	otp    *service.OTPService
	logger *zap.Logger
}

func NewOTPHandler(otp *service.OTPService, logger *zap.Logger) *OTPHandler {
	return &OTPHandler{otp: otp, logger: logger}
}

type SendOTPRequest struct {
	UserID      string `json:"user_id"`
	PhoneNumber string `json:"phone_number"`
}

type VerifyOTPRequest struct {
	PhoneNumber string `json:"phone_number"`
	Code        string `json:"code"`
}

func (h *OTPHandler) RegisterRoutes(router chi.Router) {
	router.Route("/otp", func(r chi.Router) {
		r.Post("/send", h.SendOTP)
		r.Post("/resend", h.ResendOTP)
		r.Post("/verify", h.VerifyOTP)
	})
}

func (h *OTPHandler) SendOTP(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var req SendOTPRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, h.logger, err)
		return
	}

	sent, err := h.otp.SendOTP(r.Context(), req.UserID, req.PhoneNumber)
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}

	respondWithJSON(w, h.logger, http.StatusOK, successResponse(sent, sent.Message))
	h.logger.Debug("OTP sent via HTTP",
		util.String("otp_id", sent.OTPID),
		util.Duration("duration", time.Since(startTime)))
}

func (h *OTPHandler) ResendOTP(w http.ResponseWriter, r *http.Request) {
	var req SendOTPRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, h.logger, err)
		return
	}

	sent, err := h.otp.ResendOTP(r.Context(), req.UserID, req.PhoneNumber)
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(sent, sent.Message))
}

func (h *OTPHandler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req VerifyOTPRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, h.logger, err)
		return
	}

	res, err := h.otp.VerifyOTP(r.Context(), req.PhoneNumber, req.Code)
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(res, res.Message))
}
