package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"identity-service/internal/service"
)

type AuthHandler struct {
	auth   *service.AuthService
	logger *zap.Logger
}

func NewAuthHandler(auth *service.AuthService, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{auth: auth, logger: logger}
}

type SignUpRequest struct {
	Email    string                 `json:"email"`
	Password string                 `json:"password"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

type SignInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type PasscodeRequest struct {
	CurrentPasscode string `json:"current_passcode,omitempty"`
	Passcode        string `json:"passcode"`
}

type PhoneRequest struct {
	PhoneNumber string `json:"phone_number"`
	Code        string `json:"code,omitempty"`
}

func (h *AuthHandler) RegisterRoutes(router chi.Router) {
	router.Route("/auth", func(r chi.Router) {
		r.Get("/state", h.State)
		r.Post("/signup", h.SignUp)
		r.Post("/signin", h.SignIn)
		r.Post("/signout", h.SignOut)
		r.Post("/onboarding/complete", h.CompleteOnboarding)
		r.Post("/phone/start", h.StartPhoneVerification)
		r.Post("/phone/confirm", h.ConfirmPhoneVerification)
	})
	router.Post("/passcode", h.SetPasscode)
	router.Post("/passcode/unlock", h.UnlockWithPasscode)
}

func (h *AuthHandler) State(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(h.auth.State(), ""))
}

func (h *AuthHandler) SignUp(w http.ResponseWriter, r *http.Request) {
	var req SignUpRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	snap, err := h.auth.SignUp(r.Context(), req.Email, req.Password, req.Metadata)
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	respondWithJSON(w, h.logger, http.StatusCreated, successResponse(snap, "Account created"))
}

func (h *AuthHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	var req SignInRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	snap, err := h.auth.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(snap, "Signed in"))
}

func (h *AuthHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	snap, err := h.auth.SignOut(r.Context())
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(snap, "Signed out"))
}

func (h *AuthHandler) CompleteOnboarding(w http.ResponseWriter, r *http.Request) {
	snap, err := h.auth.CompleteOnboarding(r.Context())
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(snap, "Onboarding completed"))
}

func (h *AuthHandler) StartPhoneVerification(w http.ResponseWriter, r *http.Request) {
	var req PhoneRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	sent, err := h.auth.StartPhoneVerification(r.Context(), req.PhoneNumber)
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(sent, sent.Message))
}

func (h *AuthHandler) ConfirmPhoneVerification(w http.ResponseWriter, r *http.Request) {
	var req PhoneRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	res, err := h.auth.ConfirmPhoneVerification(r.Context(), req.PhoneNumber, req.Code)
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(res, res.Message))
}

// SetPasscode sets or changes the signed-in user's passcode.
func (h *AuthHandler) SetPasscode(w http.ResponseWriter, r *http.Request) {
	var req PasscodeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	if _, err := h.auth.SetPasscode(r.Context(), req.CurrentPasscode, req.Passcode); err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(nil, "Passcode set"))
}

func (h *AuthHandler) UnlockWithPasscode(w http.ResponseWriter, r *http.Request) {
	var req PasscodeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	snap, err := h.auth.UnlockWithPasscode(r.Context(), req.Passcode)
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(snap, "Signed in"))
}
