package models

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for common failure conditions
var (
	ErrNotFound       = errors.New("resource not found")
	ErrConflict       = errors.New("resource was modified concurrently")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrBadRequest     = errors.New("bad request")
	ErrInternalServer = errors.New("internal server error")

	// Security core errors
	ErrInvalidState       = errors.New("operation not allowed in current two-factor state")
	ErrInvalidCode        = errors.New("invalid verification code")
	ErrDecryption         = errors.New("stored ciphertext could not be decrypted")
	ErrRateLimitExceeded  = errors.New("rate limit exceeded")
	ErrAccountLocked      = errors.New("account is temporarily locked")
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// RateLimitError is returned when a request is rejected by the rate limiter.
// It carries the counter state so callers can emit Retry-After.
type RateLimitError struct {
	Result *RateLimitResult
}

func (e *RateLimitError) Error() string {
	if e.Result == nil {
		return ErrRateLimitExceeded.Error()
	}
	return fmt.Sprintf("%s: retry after %s", ErrRateLimitExceeded, e.Result.RetryAfter)
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimitExceeded
}

// RetryAfter returns the wait time in whole seconds, never less than one.
func (e *RateLimitError) RetryAfter() time.Duration {
	if e.Result == nil || e.Result.RetryAfter < time.Second {
		return time.Second
	}
	return e.Result.RetryAfter
}

// AccountLockedError is returned when the lockout tracker rejects an identifier.
type AccountLockedError struct {
	Status *LockoutStatus
}

func (e *AccountLockedError) Error() string {
	if e.Status == nil || e.Status.LockoutExpiresAt == nil {
		return ErrAccountLocked.Error()
	}
	return fmt.Sprintf("%s until %s", ErrAccountLocked, e.Status.LockoutExpiresAt.UTC().Format(time.RFC3339))
}

func (e *AccountLockedError) Is(target error) bool {
	return target == ErrAccountLocked
}

// RetryAfter returns the time left on the lock relative to now.
func (e *AccountLockedError) RetryAfter(now time.Time) time.Duration {
	if e.Status == nil || e.Status.LockoutExpiresAt == nil {
		return time.Second
	}
	d := e.Status.LockoutExpiresAt.Sub(now)
	if d < time.Second {
		return time.Second
	}
	return CeilSeconds(d)
}

// CeilSeconds rounds d up to the next whole second.
func CeilSeconds(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return ((d + time.Second - 1) / time.Second) * time.Second
}
