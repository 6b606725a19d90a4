package handlers

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/BradenHooton/authguard/internal/auth"
	"github.com/BradenHooton/authguard/internal/clock"
	"github.com/BradenHooton/authguard/internal/models"
	pkghttp "github.com/BradenHooton/authguard/pkg/http"
	"github.com/go-chi/chi/v5"
)

// AdminHandler handles administrative overrides and observability endpoints.
// Routes are mounted behind RequireRole(admin); the services check again and audit refusals.
type AdminHandler struct {
	lockout   LockoutServiceInterface
	twoFactor TwoFactorServiceInterface
	audit     AuditServiceInterface
	dashboard DashboardServiceInterface
	responder
}

// NewAdminHandler creates a new AdminHandler
func NewAdminHandler(
	lockout LockoutServiceInterface,
	twoFactor TwoFactorServiceInterface,
	audit AuditServiceInterface,
	dashboard DashboardServiceInterface,
	c clock.Clock,
	logger *slog.Logger,
) *AdminHandler {
	return &AdminHandler{
		lockout:   lockout,
		twoFactor: twoFactor,
		audit:     audit,
		dashboard: dashboard,
		responder: newResponder(c, logger),
	}
}

// GetLockoutStatus handles GET /admin/lockouts/{identifier}
func (h *AdminHandler) GetLockoutStatus(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	identifier := chi.URLParam(r, "identifier")
	if err := h.audit.RequireAdmin(r.Context(), actor, "lockout_status", models.AuditResourceTypeLockout, identifier); err != nil {
		h.fail(w, r, "lockout status", err)
		return
	}

	status, err := h.lockout.CheckStatus(r.Context(), identifier)
	if err != nil {
		h.fail(w, r, "lockout status", err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, status)
}

// UnlockIdentifier handles POST /admin/lockouts/{identifier}/unlock
func (h *AdminHandler) UnlockIdentifier(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req AdminReasonRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	status, err := h.lockout.EmergencyUnlock(r.Context(), actor, chi.URLParam(r, "identifier"), req.Reason)
	if err != nil {
		h.fail(w, r, "emergency unlock", err)
		return
	}

	h.logger.Warn("identifier emergency-unlocked", slog.String("admin_id", actor.UserID))
	pkghttp.WriteJSON(w, http.StatusOK, status)
}

// GetLockoutStats handles GET /admin/lockouts/stats
func (h *AdminHandler) GetLockoutStats(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	if err := h.audit.RequireAdmin(r.Context(), actor, "lockout_stats", models.AuditResourceTypeLockout, ""); err != nil {
		h.fail(w, r, "lockout stats", err)
		return
	}

	stats, err := h.lockout.Stats(r.Context())
	if err != nil {
		h.fail(w, r, "lockout stats", err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, stats)
}

// EmergencyDisableTwoFactor handles POST /admin/users/{id}/2fa/disable
func (h *AdminHandler) EmergencyDisableTwoFactor(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req AdminReasonRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	userID := chi.URLParam(r, "id")
	if err := h.twoFactor.EmergencyDisable(r.Context(), actor, userID, req.Reason); err != nil {
		h.fail(w, r, "emergency 2fa disable", err)
		return
	}

	h.logger.Warn("two-factor emergency-disabled",
		slog.String("admin_id", actor.UserID),
		slog.String("target_user_id", userID),
	)
	pkghttp.WriteJSON(w, http.StatusOK, MessageResponse{Message: "Two-factor authentication disabled"})
}

// GetDashboard handles GET /admin/dashboard
// Accepts optional query param ?limit=N (1-20, default 20).
func (h *AdminHandler) GetDashboard(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 20 {
			limit = n
		}
	}

	resp, err := h.dashboard.Dashboard(r.Context(), actor, limit)
	if err != nil {
		h.fail(w, r, "dashboard", err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, resp)
}

func (h *AdminHandler) actor(w http.ResponseWriter, r *http.Request) (models.Actor, bool) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "Unauthorized")
		return models.Actor{}, false
	}
	return claims.Actor(), true
}
