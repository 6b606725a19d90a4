package handlers

import (
	"log/slog"
	"net/http"

	"github.com/BradenHooton/authguard/internal/auth"
	"github.com/BradenHooton/authguard/internal/clock"
	pkghttp "github.com/BradenHooton/authguard/pkg/http"
)

// QRRenderer turns a provisioning URI into an image URL
type QRRenderer func(uri string) (string, error)

// TwoFactorHandler handles the authenticated user's own two-factor enrollment
type TwoFactorHandler struct {
	service TwoFactorServiceInterface
	qr      QRRenderer
	responder
}

// NewTwoFactorHandler creates a new TwoFactorHandler. qr may be nil to omit QR images.
func NewTwoFactorHandler(service TwoFactorServiceInterface, qr QRRenderer, c clock.Clock, logger *slog.Logger) *TwoFactorHandler {
	return &TwoFactorHandler{service: service, qr: qr, responder: newResponder(c, logger)}
}

// Status handles GET /2fa/status
func (h *TwoFactorHandler) Status(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUserFromContext(r)
	if user == nil {
		pkghttp.WriteUnauthorized(w, "Unauthorized")
		return
	}

	status, err := h.service.Status(r.Context(), user.UserID)
	if err != nil {
		h.fail(w, r, "2fa status", err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, TwoFactorStatusResponse{UserID: user.UserID, TwoFactorStatus: status})
}

// Setup handles POST /2fa/setup. The secret and backup codes are shown only in this response.
func (h *TwoFactorHandler) Setup(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUserFromContext(r)
	if user == nil {
		pkghttp.WriteUnauthorized(w, "Unauthorized")
		return
	}

	label := user.Email
	if label == "" {
		label = user.UserID
	}

	result, err := h.service.BeginSetup(r.Context(), user.UserID, label)
	if err != nil {
		h.fail(w, r, "2fa setup", err)
		return
	}

	resp := TwoFactorSetupResponse{
		Secret:          result.Secret,
		ProvisioningURI: result.ProvisioningURI,
		BackupCodes:     result.BackupCodes,
	}
	if h.qr != nil {
		img, err := h.qr(result.ProvisioningURI)
		if err != nil {
			// the secret is still usable by manual entry
			h.logger.Warn("failed to render QR code", slog.String("user_id", user.UserID), slog.Any("error", err))
		} else {
			resp.QRCode = img
		}
	}

	pkghttp.WriteJSON(w, http.StatusOK, resp)
}

// ConfirmSetup handles POST /2fa/setup/confirm
func (h *TwoFactorHandler) ConfirmSetup(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUserFromContext(r)
	if user == nil {
		pkghttp.WriteUnauthorized(w, "Unauthorized")
		return
	}

	var req TOTPCodeRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	if err := h.service.ConfirmSetup(r.Context(), user.UserID, req.Code); err != nil {
		h.fail(w, r, "2fa confirm", err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, MessageResponse{Message: "Two-factor authentication enabled"})
}

// Disable handles POST /2fa/disable. Proof may be a TOTP or a backup code.
func (h *TwoFactorHandler) Disable(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUserFromContext(r)
	if user == nil {
		pkghttp.WriteUnauthorized(w, "Unauthorized")
		return
	}

	var req DisableTwoFactorRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	if err := h.service.Disable(r.Context(), user.UserID, req.Code); err != nil {
		h.fail(w, r, "2fa disable", err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, MessageResponse{Message: "Two-factor authentication disabled"})
}

// RegenerateBackupCodes handles POST /2fa/backup-codes/regenerate
func (h *TwoFactorHandler) RegenerateBackupCodes(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUserFromContext(r)
	if user == nil {
		pkghttp.WriteUnauthorized(w, "Unauthorized")
		return
	}

	var req TOTPCodeRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	codes, err := h.service.RegenerateBackupCodes(r.Context(), user.UserID, req.Code)
	if err != nil {
		h.fail(w, r, "backup code regeneration", err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, BackupCodesResponse{BackupCodes: codes})
}
