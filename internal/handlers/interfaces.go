package handlers

import (
	"context"

	"github.com/BradenHooton/authguard/internal/models"
	"github.com/BradenHooton/authguard/internal/services"
)

// AuthServiceInterface defines the login contract
type AuthServiceInterface interface {
	Login(ctx context.Context, req services.LoginRequest) (*services.LoginResult, error)
	CompleteTwoFactor(ctx context.Context, mfaToken, code string) (*services.LoginResult, error)
}

// TwoFactorServiceInterface defines the self-service two-factor contract
type TwoFactorServiceInterface interface {
	Status(ctx context.Context, userID string) (*models.TwoFactorStatus, error)
	BeginSetup(ctx context.Context, userID, accountLabel string) (*services.SetupResult, error)
	ConfirmSetup(ctx context.Context, userID, token string) error
	Disable(ctx context.Context, userID, proofToken string) error
	RegenerateBackupCodes(ctx context.Context, userID, token string) ([]string, error)
	EmergencyDisable(ctx context.Context, actor models.Actor, userID, reason string) error
}

// LockoutServiceInterface defines the lockout administration contract
type LockoutServiceInterface interface {
	CheckStatus(ctx context.Context, identifier string) (*models.LockoutStatus, error)
	EmergencyUnlock(ctx context.Context, actor models.Actor, identifier, reason string) (*models.LockoutStatus, error)
	Stats(ctx context.Context) (*models.LockoutStats, error)
}

// AuditServiceInterface defines the audit trail read contract
type AuditServiceInterface interface {
	Query(ctx context.Context, filter models.AuditFilter) (*models.AuditPage, error)
	RequireAdmin(ctx context.Context, actor models.Actor, operation, resourceType, resourceID string) error
}

// DashboardServiceInterface defines the admin dashboard contract
type DashboardServiceInterface interface {
	Dashboard(ctx context.Context, actor models.Actor, limit int) (*services.DashboardResponse, error)
}
