package models

import (
	"database/sql/driver"
	"encoding/json"
	"strings"
	"time"
)

// Severity of an audit entry
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

// Valid reports whether s is a known severity
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

// Synchronous reports whether entries of this severity must be persisted before returning
func (s Severity) Synchronous() bool {
	return s == SeverityWarning || s == SeverityError || s == SeverityCritical
}

// AuditSource identifies the subsystem that produced an entry
type AuditSource string

const (
	AuditSourceAdmin  AuditSource = "ADMIN"
	AuditSourceAPI    AuditSource = "API"
	AuditSourceSystem AuditSource = "SYSTEM"
	AuditSourceAuth   AuditSource = "AUTH"
	AuditSourceUser   AuditSource = "USER"
)

// Valid reports whether s is a known source
func (s AuditSource) Valid() bool {
	switch s {
	case AuditSourceAdmin, AuditSourceAPI, AuditSourceSystem, AuditSourceAuth, AuditSourceUser:
		return true
	}
	return false
}

// Actions
const (
	AuditActionLoginSuccess            = "LOGIN_SUCCESS"
	AuditActionLoginFailure            = "LOGIN_FAILURE"
	AuditActionAccountLocked           = "ACCOUNT_LOCKED"
	AuditActionEmergencyUnlock         = "EMERGENCY_UNLOCK"
	AuditActionRateLimitExceeded       = "RATE_LIMIT_EXCEEDED"
	AuditAction2FASetupStarted         = "2FA_SETUP_STARTED"
	AuditAction2FAEnabled              = "2FA_ENABLED"
	AuditAction2FASetupFailed          = "2FA_SETUP_FAILED"
	AuditAction2FAVerifySuccess        = "2FA_VERIFY_SUCCESS"
	AuditAction2FAVerifyFailure        = "2FA_VERIFY_FAILURE"
	AuditAction2FABackupCodeUsed       = "2FA_BACKUP_CODE_USED"
	AuditAction2FABackupCodesRegen     = "2FA_BACKUP_CODES_REGENERATED"
	AuditAction2FADisabled             = "2FA_DISABLED"
	AuditAction2FADisableFailed        = "2FA_DISABLE_FAILED"
	AuditAction2FAEmergencyDisabled    = "2FA_EMERGENCY_DISABLED"
	AuditAction2FASecretCorrupt        = "2FA_SECRET_CORRUPT"
	AuditActionUnauthorizedAdminAction = "UNAUTHORIZED_ADMIN_ACTION"
	AuditActionAdminAction             = "ADMIN_ACTION"
)

// Resource types
const (
	AuditResourceTypeUser      = "user"
	AuditResourceTypeTwoFactor = "two_factor"
	AuditResourceTypeLockout   = "lockout"
	AuditResourceTypeRateLimit = "rate_limit"
)

// AuditLogEntry is an immutable row of the security audit trail
type AuditLogEntry struct {
	ID           string        `db:"id" json:"id"`
	Timestamp    time.Time     `db:"timestamp" json:"timestamp"`
	UserID       *string       `db:"user_id" json:"user_id,omitempty"`
	Action       string        `db:"action" json:"action"`
	ResourceType string        `db:"resource_type" json:"resource_type,omitempty"`
	ResourceID   string        `db:"resource_id" json:"resource_id,omitempty"`
	Details      AuditMetadata `db:"details" json:"details,omitempty"`
	Severity     Severity      `db:"severity" json:"severity"`
	Source       AuditSource   `db:"source" json:"source"`
	IPAddress    string        `db:"ip_address" json:"ip_address,omitempty"`
	UserAgent    string        `db:"user_agent" json:"user_agent,omitempty"`
	SessionID    string        `db:"session_id" json:"session_id,omitempty"`
}

// AuditFilter selects entries from the trail. Zero values match everything.
type AuditFilter struct {
	Action       string
	Search       string // case-insensitive substring of action
	Severity     Severity
	Source       AuditSource
	ResourceType string
	UserID       string
	From         *time.Time
	To           *time.Time
	Limit        int
	Offset       int
}

// Matches applies the filter to a single entry
func (f AuditFilter) Matches(e *AuditLogEntry) bool {
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.Search != "" && !containsFold(e.Action, f.Search) {
		return false
	}
	if f.Severity != "" && e.Severity != f.Severity {
		return false
	}
	if f.Source != "" && e.Source != f.Source {
		return false
	}
	if f.ResourceType != "" && e.ResourceType != f.ResourceType {
		return false
	}
	if f.UserID != "" && (e.UserID == nil || *e.UserID != f.UserID) {
		return false
	}
	if f.From != nil && e.Timestamp.Before(*f.From) {
		return false
	}
	if f.To != nil && e.Timestamp.After(*f.To) {
		return false
	}
	return true
}

// AuditPage is one page of query results, newest first
type AuditPage struct {
	Entries []*AuditLogEntry `json:"entries"`
	Total   int              `json:"total"`
	Limit   int              `json:"limit"`
	Offset  int              `json:"offset"`
}

// AuditMetadata holds additional context for audit events
type AuditMetadata map[string]interface{}

// Scan implements sql.Scanner for JSONB
func (am *AuditMetadata) Scan(value interface{}) error {
	if value == nil {
		*am = make(AuditMetadata)
		return nil
	}

	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return ErrBadRequest
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return err
	}
	*am = AuditMetadata(m)
	return nil
}

// Value implements driver.Valuer for JSONB
func (am AuditMetadata) Value() (driver.Value, error) {
	if am == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]interface{}(am))
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
