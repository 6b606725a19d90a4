package middleware

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/BradenHooton/authguard/internal/auth"
	"github.com/BradenHooton/authguard/internal/models"
	"github.com/BradenHooton/authguard/internal/services"
	pkghttp "github.com/BradenHooton/authguard/pkg/http"
	"github.com/go-chi/httprate"
)

// FloodGuardConfig holds the coarse per-IP limit applied ahead of the core limiter
type FloodGuardConfig struct {
	RequestsPerMinute int
}

// DefaultFloodGuard returns 300 requests per minute per IP
func DefaultFloodGuard() FloodGuardConfig {
	return FloodGuardConfig{
		RequestsPerMinute: 300,
	}
}

// FloodGuard creates a middleware that sheds bursts by client IP before they
// reach the counter store. It is process-local and not a security control.
func FloodGuard(config FloodGuardConfig) func(next http.Handler) http.Handler {
	if config.RequestsPerMinute <= 0 {
		config = DefaultFloodGuard()
	}
	return httprate.Limit(
		config.RequestsPerMinute,
		1*time.Minute,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			return clientIP(r), nil
		}),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			pkghttp.WriteTooManyRequests(w, "Too many requests", time.Minute)
		}),
	)
}

// RateLimiter wraps the core RateLimitService as chi middleware
type RateLimiter struct {
	limiter *services.RateLimitService
	lockout *services.LockoutService
	audit   *services.AuditService
	logger  *slog.Logger
}

// NewRateLimiter creates a new RateLimiter
func NewRateLimiter(limiter *services.RateLimitService, lockout *services.LockoutService, audit *services.AuditService, logger *slog.Logger) *RateLimiter {
	return &RateLimiter{
		limiter: limiter,
		lockout: lockout,
		audit:   audit,
		logger:  logger,
	}
}

// Policy enforces the named policy. Authenticated requests are keyed by user id,
// anonymous ones by client IP.
func (rl *RateLimiter) Policy(policy string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identifier := clientIP(r)
			if claims := auth.GetUserFromContext(r); claims != nil && claims.UserID != "" {
				identifier = claims.UserID
			}

			result, err := rl.limiter.Enforce(r.Context(), policy, identifier)
			if result != nil && result.Limit > 0 && !result.ResetAt.IsZero() {
				pkghttp.SetRateLimitHeaders(w, result.Limit, result.Remaining, result.ResetAt)
			}

			var rlErr *models.RateLimitError
			switch {
			case err == nil:
				next.ServeHTTP(w, r)
			case errors.As(err, &rlErr):
				rl.reject(r, policy, identifier)
				pkghttp.WriteTooManyRequests(w, "Too many requests", rlErr.RetryAfter())
			case errors.Is(err, models.ErrStorageUnavailable):
				pkghttp.WriteServiceUnavailable(w, "Rate limiting is temporarily unavailable")
			default:
				rl.logger.ErrorContext(r.Context(), "rate limit check failed",
					slog.String("policy", policy),
					slog.Any("error", err),
				)
				pkghttp.WriteInternalError(w, "Internal server error")
			}
		})
	}
}

func (rl *RateLimiter) reject(r *http.Request, policy, identifier string) {
	ctx := r.Context()
	if err := rl.lockout.RecordRateLimited(ctx, identifier, r.URL.Path); err != nil {
		rl.logger.WarnContext(ctx, "failed to record rate limit rejection", slog.Any("error", err))
	}
	_ = rl.audit.Write(ctx, &models.AuditLogEntry{
		Action:       models.AuditActionRateLimitExceeded,
		ResourceType: models.AuditResourceTypeRateLimit,
		ResourceID:   services.PolicyKey(policy, identifier),
		Severity:     models.SeverityWarning,
		Source:       models.AuditSourceAPI,
		Details: models.AuditMetadata{
			"policy": policy,
			"path":   r.URL.Path,
		},
	})
}

// clientIP prefers the address resolved by auth.RequestMetadata
func clientIP(r *http.Request) string {
	if ip := auth.RequestMetaFromContext(r.Context()).IPAddress; ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
