package models

import "time"

// AttemptKind distinguishes authentication failures from rate limit rejections
type AttemptKind string

const (
	AttemptAuthFailure AttemptKind = "auth_failure"
	AttemptRateLimited AttemptKind = "rate_limited"
)

// AttemptRecord is one append-only entry in an identifier's failure history
type AttemptRecord struct {
	ID         string      `db:"id"`
	Identifier string      `db:"identifier"`
	Endpoint   string      `db:"endpoint"`
	Kind       AttemptKind `db:"kind"`
	Weight     int         `db:"weight"`
	CreatedAt  time.Time   `db:"created_at"`
}

// AttemptSummary aggregates failures for one identifier inside a window
type AttemptSummary struct {
	Count  int
	Oldest *time.Time
}

// IdentifierSummary is an AttemptSummary keyed by identifier, used for statistics
type IdentifierSummary struct {
	Identifier string
	AttemptSummary
}

// LockoutStatus is derived on every read, never stored
type LockoutStatus struct {
	Identifier           string     `json:"identifier"`
	IsLocked             bool       `json:"is_locked"`
	FailedAttempts       int        `json:"failed_attempts"`
	RemainingAttempts    int        `json:"remaining_attempts"`
	LockoutExpiresAt     *time.Time `json:"lockout_expires_at,omitempty"`
	NextAttemptAllowedAt *time.Time `json:"next_attempt_allowed_at,omitempty"`
}

// EndpointCount is a row of the lockout statistics report
type EndpointCount struct {
	Endpoint string `json:"endpoint"`
	Count    int    `json:"count"`
}

// LockoutStats summarizes recent failures for administrators
type LockoutStats struct {
	WindowStart       time.Time       `json:"window_start"`
	LockedIdentifiers int             `json:"locked_identifiers"`
	TotalFailures     int             `json:"total_failures"`
	RateLimited       int             `json:"rate_limited"`
	TopEndpoints      []EndpointCount `json:"top_endpoints"`
}

// RateLimitResult is the outcome of one counter check
type RateLimitResult struct {
	Allowed    bool          `json:"allowed"`
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	ResetAt    time.Time     `json:"reset_at"`
	RetryAfter time.Duration `json:"retry_after"`
}
