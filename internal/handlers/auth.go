package handlers

import (
	"log/slog"
	"net/http"

	"github.com/BradenHooton/authguard/internal/auth"
	"github.com/BradenHooton/authguard/internal/clock"
	"github.com/BradenHooton/authguard/internal/services"
	pkghttp "github.com/BradenHooton/authguard/pkg/http"
)

// AuthHandler handles password login and the second step of two-factor login
type AuthHandler struct {
	service AuthServiceInterface
	responder
}

// NewAuthHandler creates a new AuthHandler
func NewAuthHandler(service AuthServiceInterface, c clock.Clock, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{service: service, responder: newResponder(c, logger)}
}

// Login handles POST /auth/login.
// Returns an access token, or mfa_required with a short-lived MFA token.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	result, err := h.service.Login(r.Context(), services.LoginRequest{
		Email:     req.Email,
		Password:  req.Password,
		IPAddress: auth.RequestMetaFromContext(r.Context()).IPAddress,
	})
	if err != nil {
		h.fail(w, r, "login", err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, result)
}

// VerifyTwoFactor handles POST /auth/2fa/verify
func (h *AuthHandler) VerifyTwoFactor(w http.ResponseWriter, r *http.Request) {
	var req VerifyTwoFactorRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	result, err := h.service.CompleteTwoFactor(r.Context(), req.MFAToken, req.Code)
	if err != nil {
		h.fail(w, r, "2fa verify", err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, result)
}
