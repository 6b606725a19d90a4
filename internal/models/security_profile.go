package models

import "time"

// TwoFactorState is the derived state of a user's two-factor enrollment
type TwoFactorState string

const (
	TwoFactorDisabled     TwoFactorState = "DISABLED"
	TwoFactorPendingSetup TwoFactorState = "PENDING_SETUP"
	TwoFactorEnabled      TwoFactorState = "ENABLED"
)

// UserSecurityProfile holds the per-user two-factor fields.
// Ciphertext fields are base64(nonce||ciphertext); empty means absent.
type UserSecurityProfile struct {
	UserID                        string     `db:"id"`
	TwoFactorEnabled              bool       `db:"two_factor_enabled"`
	TwoFactorSecretEncrypted      string     `db:"two_factor_secret_encrypted"`
	TwoFactorBackupCodesEncrypted string     `db:"two_factor_backup_codes_encrypted"`
	TwoFactorEnabledAt            *time.Time `db:"two_factor_enabled_at"`
	Version                       int64      `db:"security_version"`
	UpdatedAt                     time.Time  `db:"updated_at"`
}

// State derives the state machine position from the stored fields
func (p *UserSecurityProfile) State() TwoFactorState {
	switch {
	case p == nil:
		return TwoFactorDisabled
	case p.TwoFactorEnabled:
		return TwoFactorEnabled
	case p.TwoFactorSecretEncrypted != "":
		return TwoFactorPendingSetup
	default:
		return TwoFactorDisabled
	}
}

// ClearTwoFactor resets the profile to DISABLED
func (p *UserSecurityProfile) ClearTwoFactor() {
	p.TwoFactorEnabled = false
	p.TwoFactorSecretEncrypted = ""
	p.TwoFactorBackupCodesEncrypted = ""
	p.TwoFactorEnabledAt = nil
}

// Clone returns a copy safe to mutate before a compare-and-swap
func (p *UserSecurityProfile) Clone() *UserSecurityProfile {
	c := *p
	if p.TwoFactorEnabledAt != nil {
		t := *p.TwoFactorEnabledAt
		c.TwoFactorEnabledAt = &t
	}
	return &c
}

// TwoFactorStatus is the externally visible summary of enrollment
type TwoFactorStatus struct {
	State                TwoFactorState `json:"state"`
	Enabled              bool           `json:"enabled"`
	EnabledAt            *time.Time     `json:"enabled_at,omitempty"`
	BackupCodesRemaining int            `json:"backup_codes_remaining"`
}

// Credentials are the identity fields the login flow needs
type Credentials struct {
	UserID       string `db:"id"`
	Email        string `db:"email"`
	PasswordHash string `db:"password_hash"`
	Role         string `db:"role"`
}

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// Actor identifies the authenticated caller of an operation
type Actor struct {
	UserID string
	Role   string
}

// IsAdmin reports whether the actor may perform administrative overrides
func (a Actor) IsAdmin() bool {
	return a.UserID != "" && a.Role == RoleAdmin
}
