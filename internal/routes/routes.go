package routes

import (
	"github.com/BradenHooton/authguard/internal/auth"
	"github.com/BradenHooton/authguard/internal/handlers"
	"github.com/BradenHooton/authguard/internal/middleware"
	"github.com/BradenHooton/authguard/internal/models"
	"github.com/BradenHooton/authguard/internal/services"
	"github.com/go-chi/chi/v5"
)

// Handlers groups the HTTP handlers mounted by RegisterRoutes
type Handlers struct {
	Auth      *handlers.AuthHandler
	TwoFactor *handlers.TwoFactorHandler
	Admin     *handlers.AdminHandler
}

// RegisterRoutes registers all application routes
func RegisterRoutes(
	router chi.Router,
	h Handlers,
	tokenManager *auth.TokenManager,
	rateLimiter *middleware.RateLimiter,
) {
	// Public routes - no authentication required.
	// Login enforces its per-IP policy inside AuthService so lockout and
	// rate limit decisions are audited together.
	router.Post("/auth/login", h.Auth.Login)
	router.With(rateLimiter.Policy(services.Policy2FAVerify)).Post("/auth/2fa/verify", h.Auth.VerifyTwoFactor)

	// Protected routes - authentication required
	router.Group(func(r chi.Router) {
		r.Use(auth.AuthMiddleware(tokenManager))

		r.Route("/2fa", func(r chi.Router) {
			r.With(rateLimiter.Policy(services.PolicyAPI)).Get("/status", h.TwoFactor.Status)

			r.Group(func(r chi.Router) {
				r.Use(rateLimiter.Policy(services.Policy2FASetup))
				r.Post("/setup", h.TwoFactor.Setup)
				r.Post("/setup/confirm", h.TwoFactor.ConfirmSetup)
				r.Post("/backup-codes/regenerate", h.TwoFactor.RegenerateBackupCodes)
			})

			r.With(rateLimiter.Policy(services.Policy2FAVerify)).Post("/disable", h.TwoFactor.Disable)
		})

		// Admin-only routes
		r.Route("/admin", func(r chi.Router) {
			r.Use(auth.RequireRole(models.RoleAdmin))
			r.Use(rateLimiter.Policy(services.PolicyAPI))

			r.Get("/dashboard", h.Admin.GetDashboard)
			r.Get("/audit-logs", h.Admin.ListAuditLogs)
			r.Get("/lockouts/stats", h.Admin.GetLockoutStats)
			r.Get("/lockouts/{identifier}", h.Admin.GetLockoutStatus)
			r.Post("/lockouts/{identifier}/unlock", h.Admin.UnlockIdentifier)
			r.Post("/users/{id}/2fa/disable", h.Admin.EmergencyDisableTwoFactor)
		})
	})
}
