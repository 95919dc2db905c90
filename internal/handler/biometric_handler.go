package handler

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"identity-service/internal/apperr"
	"identity-service/internal/biometric"
	"identity-service/internal/service"
)

// BiometricHandler answers from the device report the app posts with
// each request; the server never talks to the OS itself.
type BiometricHandler struct {
	gate   *biometric.Gate
	auth   *service.AuthService
	logger *zap.Logger
}

func NewBiometricHandler(gate *biometric.Gate, auth *service.AuthService, logger *zap.Logger) *BiometricHandler {
	return &BiometricHandler{gate: gate, auth: auth, logger: logger}
}

type BiometricRequest struct {
	Device biometric.DeviceReport `json:"device"`
}

type BiometricStatus struct {
	UserID  string `json:"user_id"`
	Enabled bool   `json:"enabled"`
}

func (h *BiometricHandler) RegisterRoutes(router chi.Router) {
	router.Route("/biometric", func(r chi.Router) {
		r.Post("/capabilities", h.CheckCapabilities)
		r.Post("/enable", h.Enable)
		r.Post("/disable", h.Disable)
		r.Get("/{userID}/status", h.Status)
		r.Post("/login", h.Login)
	})
}

func (h *BiometricHandler) forRequest(req *BiometricRequest) *biometric.Gate {
	return h.gate.ForDevice(biometric.NewReportedAuthenticator(req.Device))
}

func (h *BiometricHandler) CheckCapabilities(w http.ResponseWriter, r *http.Request) {
	var req BiometricRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	caps, err := h.forRequest(&req).CheckCapabilities(r.Context())
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(caps, ""))
}

// Enable and Disable act on the signed-in user only.
func (h *BiometricHandler) Enable(w http.ResponseWriter, r *http.Request) {
	var req BiometricRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	userID, err := h.auth.EnableBiometrics(r.Context(), biometric.NewReportedAuthenticator(req.Device))
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK,
		successResponse(BiometricStatus{UserID: userID, Enabled: true}, "Biometric login enabled"))
}

func (h *BiometricHandler) Disable(w http.ResponseWriter, r *http.Request) {
	userID, err := h.auth.DisableBiometrics(r.Context())
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK,
		successResponse(BiometricStatus{UserID: userID, Enabled: false}, "Biometric login disabled"))
}

func (h *BiometricHandler) Status(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(chi.URLParam(r, "userID"))
	if userID == "" {
		respondWithError(w, h.logger, apperr.New(apperr.KindValidation, "User ID is required"))
		return
	}
	enabled := h.gate.IsBiometricLoginEnabled(r.Context(), userID)
	respondWithJSON(w, h.logger, http.StatusOK,
		successResponse(BiometricStatus{UserID: userID, Enabled: enabled}, ""))
}

// Login unlocks the stored session for the user saved on this device.
func (h *BiometricHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req BiometricRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	snap, err := h.auth.UnlockWithBiometrics(r.Context(), biometric.NewReportedAuthenticator(req.Device))
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(snap, "Signed in"))
}
