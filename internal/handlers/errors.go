package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BradenHooton/authguard/internal/clock"
	"github.com/BradenHooton/authguard/internal/models"
	pkghttp "github.com/BradenHooton/authguard/pkg/http"
)

// responder maps service errors to HTTP responses
type responder struct {
	clock  clock.Clock
	logger *slog.Logger
}

func newResponder(c clock.Clock, logger *slog.Logger) responder {
	if c == nil {
		c = clock.Real{}
	}
	return responder{clock: c, logger: logger}
}

// fail writes the response for err. op names the operation in logs.
func (rs responder) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	var rateLimited *models.RateLimitError
	var locked *models.AccountLockedError

	switch {
	case errors.As(err, &rateLimited):
		pkghttp.WriteTooManyRequests(w, "Too many requests", rateLimited.RetryAfter())
	case errors.Is(err, models.ErrRateLimitExceeded):
		pkghttp.WriteTooManyRequests(w, "Too many requests", time.Second)
	case errors.As(err, &locked):
		pkghttp.WriteLocked(w, "Account temporarily locked", locked.RetryAfter(rs.clock.Now()))
	case errors.Is(err, models.ErrAccountLocked):
		pkghttp.WriteLocked(w, "Account temporarily locked", time.Second)
	case errors.Is(err, models.ErrStorageUnavailable):
		rs.logger.ErrorContext(r.Context(), op+": storage unavailable", slog.Any("error", err))
		pkghttp.WriteServiceUnavailable(w, "Service temporarily unavailable")
	case errors.Is(err, models.ErrInvalidCode):
		pkghttp.WriteError(w, http.StatusUnauthorized, "invalid_code", "Invalid verification code")
	case errors.Is(err, models.ErrUnauthorized):
		pkghttp.WriteUnauthorized(w, "Unauthorized")
	case errors.Is(err, models.ErrForbidden):
		pkghttp.WriteForbidden(w, "Forbidden")
	case errors.Is(err, models.ErrInvalidState):
		pkghttp.WriteError(w, http.StatusConflict, "invalid_state", "Operation not allowed in the current two-factor state")
	case errors.Is(err, models.ErrConflict):
		pkghttp.WriteConflict(w, "Resource was modified concurrently, retry the request")
	case errors.Is(err, models.ErrNotFound):
		pkghttp.WriteNotFound(w, "Resource not found")
	case errors.Is(err, models.ErrBadRequest):
		pkghttp.WriteBadRequest(w, err.Error())
	case errors.Is(err, models.ErrDecryption):
		// already CRITICAL-audited by the service
		pkghttp.WriteError(w, http.StatusInternalServerError, "two_factor_corrupt",
			"Two-factor configuration cannot be read, contact an administrator")
	default:
		rs.logger.ErrorContext(r.Context(), op+" failed", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Internal server error")
	}
}
