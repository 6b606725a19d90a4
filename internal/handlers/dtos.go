package handlers

import "github.com/BradenHooton/authguard/internal/models"

// LoginRequest is the body of POST /auth/login
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,max=128"`
}

// VerifyTwoFactorRequest is the body of POST /auth/2fa/verify
type VerifyTwoFactorRequest struct {
	MFAToken string `json:"mfa_token" validate:"required"`
	Code     string `json:"code" validate:"required,max=20"`
}

// TOTPCodeRequest carries a code from the authenticator app
type TOTPCodeRequest struct {
	Code string `json:"code" validate:"required,len=6,numeric"`
}

// DisableTwoFactorRequest accepts a TOTP or a backup code as proof
type DisableTwoFactorRequest struct {
	Code string `json:"code" validate:"required,max=20"`
}

// AdminReasonRequest is required for every administrative override
type AdminReasonRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

// TwoFactorSetupResponse is returned once by POST /2fa/setup
type TwoFactorSetupResponse struct {
	Secret          string   `json:"secret"`
	ProvisioningURI string   `json:"provisioning_uri"`
	QRCode          string   `json:"qr_code"`
	BackupCodes     []string `json:"backup_codes"`
}

// BackupCodesResponse is returned by POST /2fa/backup-codes/regenerate
type BackupCodesResponse struct {
	BackupCodes []string `json:"backup_codes"`
}

// MessageResponse is a plain acknowledgement
type MessageResponse struct {
	Message string `json:"message"`
}

// TwoFactorStatusResponse wraps the enrollment summary
type TwoFactorStatusResponse struct {
	UserID string `json:"user_id"`
	*models.TwoFactorStatus
}
