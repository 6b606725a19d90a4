package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/BradenHooton/authguard/internal/models"
	pkghttp "github.com/BradenHooton/authguard/pkg/http"
)

// contextKey is a custom type for context keys
type contextKey string

const (
	// UserContextKey is the key for storing user claims in context
	UserContextKey contextKey = "user"
	// RequestMetaKey is the key for storing caller metadata in context
	RequestMetaKey contextKey = "request_meta"
)

// RequestMeta is the caller metadata copied into audit entries
type RequestMeta struct {
	IPAddress string
	UserAgent string
	SessionID string
}

// WithRequestMeta stores caller metadata on ctx
func WithRequestMeta(ctx context.Context, meta RequestMeta) context.Context {
	return context.WithValue(ctx, RequestMetaKey, meta)
}

// RequestMetaFromContext returns the metadata stored by WithRequestMeta
func RequestMetaFromContext(ctx context.Context) RequestMeta {
	meta, _ := ctx.Value(RequestMetaKey).(RequestMeta)
	return meta
}

// RequestMetadata resolves the client IP once per request and stores it with
// the user agent and request id for downstream audit writes
func RequestMetadata(ipConfig *pkghttp.IPConfig, requestID func(context.Context) string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			meta := RequestMeta{
				IPAddress: pkghttp.ExtractClientIP(r, ipConfig),
				UserAgent: r.UserAgent(),
			}
			if requestID != nil {
				meta.SessionID = requestID(r.Context())
			}
			next.ServeHTTP(w, r.WithContext(WithRequestMeta(r.Context(), meta)))
		})
	}
}

// AuthMiddleware validates access tokens and injects user claims into context
func AuthMiddleware(tm *TokenManager) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, ok := bearerToken(r)
			if !ok {
				pkghttp.WriteUnauthorized(w, "missing or malformed authorization header")
				return
			}

			claims, err := tm.ValidateTokenOfType(tokenString, models.TokenTypeAccess)
			if err != nil {
				pkghttp.WriteUnauthorized(w, "invalid or expired token")
				return
			}

			ctx := context.WithValue(r.Context(), UserContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole rejects callers whose token does not carry role.
// Must be used after AuthMiddleware.
func RequireRole(role string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := GetUserFromContext(r)
			if claims == nil {
				pkghttp.WriteUnauthorized(w, "unauthorized")
				return
			}

			if claims.Role != role {
				pkghttp.WriteForbidden(w, "insufficient permissions")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// GetUserFromContext extracts user claims from request context
func GetUserFromContext(r *http.Request) *models.TokenClaims {
	claims, ok := r.Context().Value(UserContextKey).(*models.TokenClaims)
	if !ok {
		return nil
	}
	return claims
}

func bearerToken(r *http.Request) (string, bool) {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// BearerToken exposes header parsing to handlers that accept MFA tokens
func BearerToken(r *http.Request) (string, bool) {
	return bearerToken(r)
}
