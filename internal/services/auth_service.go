package services

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/BradenHooton/authguard/internal/auth"
	"github.com/BradenHooton/authguard/internal/models"
	pkgauth "github.com/BradenHooton/authguard/pkg/auth"
	pkglogger "github.com/BradenHooton/authguard/pkg/logger"
)

// CredentialRepository looks up the identity fields used to authenticate
type CredentialRepository interface {
	GetByEmail(ctx context.Context, email string) (*models.Credentials, error)
	GetByID(ctx context.Context, userID string) (*models.Credentials, error)
}

// LoginRequest carries one password login attempt
type LoginRequest struct {
	Email     string
	Password  string
	IPAddress string
}

// LoginResult is either a full access token or an MFA challenge token
type LoginResult struct {
	UserID      string `json:"user_id"`
	AccessToken string `json:"access_token,omitempty"`
	MFARequired bool   `json:"mfa_required"`
	MFAToken    string `json:"mfa_token,omitempty"`
}

// AuthService orchestrates rate limiting, lockout and the second factor around password login
type AuthService struct {
	creds     CredentialRepository
	hasher    *pkgauth.Hasher
	tm        *auth.TokenManager
	limiter   *RateLimitService
	lockout   *LockoutService
	twoFactor *TwoFactorService
	audit     *AuditService
	delay     auth.FailureDelay
	logger    *slog.Logger
}

// NewAuthService creates a new AuthService
func NewAuthService(
	creds CredentialRepository,
	hasher *pkgauth.Hasher,
	tm *auth.TokenManager,
	limiter *RateLimitService,
	lockout *LockoutService,
	twoFactor *TwoFactorService,
	audit *AuditService,
	delay auth.FailureDelay,
	logger *slog.Logger,
) *AuthService {
	return &AuthService{
		creds:     creds,
		hasher:    hasher,
		tm:        tm,
		limiter:   limiter,
		lockout:   lockout,
		twoFactor: twoFactor,
		audit:     audit,
		delay:     delay,
		logger:    logger,
	}
}

// Login authenticates email and password. Returns *models.RateLimitError,
// *models.AccountLockedError or ErrUnauthorized on rejection.
func (s *AuthService) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	start := time.Now()
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || req.Password == "" {
		s.logger.Warn("login attempt with empty credentials")
		return nil, models.ErrUnauthorized
	}

	if req.IPAddress != "" {
		if _, err := s.limiter.Enforce(ctx, PolicyLogin, req.IPAddress); err != nil {
			if errors.Is(err, models.ErrRateLimitExceeded) {
				s.rateLimited(ctx, req.IPAddress, PolicyLogin)
			}
			return nil, err
		}
	}

	if _, err := s.lockout.Enforce(ctx, email); err != nil {
		if errors.Is(err, models.ErrAccountLocked) {
			s.logger.Info("login blocked: identifier locked", slog.String("email", pkglogger.SanitizedEmail(email)))
			s.loginFailure(ctx, nil, email, "account_locked")
		}
		return nil, err
	}

	creds, err := s.creds.GetByEmail(ctx, email)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		s.logger.Error("failed to get credentials by email", slog.Any("error", err))
		return nil, storageErr(err)
	}

	hash := ""
	if creds != nil {
		hash = creds.PasswordHash
	}
	if err := s.hasher.Compare(hash, req.Password); err != nil {
		if !errors.Is(err, pkgauth.ErrPasswordMismatch) {
			s.logger.Error("password comparison failed", slog.Any("error", err))
			return nil, models.ErrInternalServer
		}

		s.logger.Info("login failed: invalid credentials")
		if _, lerr := s.lockout.RecordFailure(ctx, email, PolicyLogin); lerr != nil {
			s.logger.Error("failed to record login failure", slog.Any("error", lerr))
		}
		s.loginFailure(ctx, creds, email, "invalid_credentials")
		s.delay.WaitFrom(ctx, start)
		return nil, models.ErrUnauthorized
	}

	if err := s.lockout.RecordSuccess(ctx, email); err != nil {
		s.logger.Warn("failed to reset failure history", slog.Any("error", err))
	}

	enabled, err := s.twoFactor.IsEnabled(ctx, creds.UserID)
	if err != nil {
		return nil, err
	}

	if enabled {
		token, err := s.tm.GenerateMFAToken(creds)
		if err != nil {
			s.logger.Error("failed to generate MFA token", slog.String("user_id", creds.UserID), slog.Any("error", err))
			return nil, models.ErrInternalServer
		}
		s.loginSuccess(ctx, creds.UserID, "password", true)
		return &LoginResult{UserID: creds.UserID, MFARequired: true, MFAToken: token}, nil
	}

	access, err := s.tm.GenerateAccessToken(creds)
	if err != nil {
		s.logger.Error("failed to generate access token", slog.String("user_id", creds.UserID), slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	s.logger.Info("user logged in", slog.String("user_id", creds.UserID))
	s.loginSuccess(ctx, creds.UserID, "password", false)
	return &LoginResult{UserID: creds.UserID, AccessToken: access}, nil
}

// CompleteTwoFactor exchanges an MFA token plus a TOTP or backup code for an access token.
// Invalid codes count toward the user's lockout.
func (s *AuthService) CompleteTwoFactor(ctx context.Context, mfaToken, code string) (*LoginResult, error) {
	start := time.Now()

	claims, err := s.tm.ValidateTokenOfType(mfaToken, models.TokenTypeMFA)
	if err != nil {
		s.logger.Info("MFA token validation failed", slog.Any("error", err))
		return nil, models.ErrUnauthorized
	}
	userID := claims.UserID

	if _, err := s.lockout.Enforce(ctx, userID); err != nil {
		return nil, err
	}

	result, err := s.twoFactor.VerifyLogin(ctx, userID, code)
	if err != nil {
		return nil, err
	}
	if !result.IsValid {
		if _, lerr := s.lockout.RecordFailure(ctx, userID, Policy2FAVerify); lerr != nil {
			s.logger.Error("failed to record 2FA failure", slog.Any("error", lerr))
		}
		s.delay.WaitFrom(ctx, start)
		return nil, models.ErrInvalidCode
	}

	if err := s.lockout.RecordSuccess(ctx, userID); err != nil {
		s.logger.Warn("failed to reset failure history", slog.Any("error", err))
	}

	creds, err := s.creds.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrUnauthorized
		}
		return nil, storageErr(err)
	}

	access, err := s.tm.GenerateAccessToken(creds)
	if err != nil {
		s.logger.Error("failed to generate access token", slog.String("user_id", userID), slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	method := "totp"
	if result.BackupCodeUsed {
		method = "backup"
	}
	s.logger.Info("user completed two-factor login", slog.String("user_id", userID), slog.String("method", method))
	s.loginSuccess(ctx, userID, method, false)

	return &LoginResult{UserID: userID, AccessToken: access}, nil
}

func (s *AuthService) rateLimited(ctx context.Context, ip, policy string) {
	if err := s.lockout.RecordRateLimited(ctx, ip, policy); err != nil {
		s.logger.Warn("failed to record rate limit rejection", slog.Any("error", err))
	}
	_ = s.audit.Write(ctx, &models.AuditLogEntry{
		Action:       models.AuditActionRateLimitExceeded,
		ResourceType: models.AuditResourceTypeRateLimit,
		ResourceID:   PolicyKey(policy, ip),
		Severity:     models.SeverityWarning,
		Source:       models.AuditSourceAuth,
		Details:      models.AuditMetadata{"policy": policy},
	})
}

func (s *AuthService) loginFailure(ctx context.Context, creds *models.Credentials, email, reason string) {
	entry := &models.AuditLogEntry{
		Action:       models.AuditActionLoginFailure,
		ResourceType: models.AuditResourceTypeUser,
		Severity:     models.SeverityWarning,
		Source:       models.AuditSourceAuth,
		Details: models.AuditMetadata{
			"email":  pkglogger.SanitizedEmail(email),
			"reason": reason,
		},
	}
	if creds != nil {
		entry.UserID = &creds.UserID
		entry.ResourceID = creds.UserID
	}
	_ = s.audit.Write(ctx, entry)
}

func (s *AuthService) loginSuccess(ctx context.Context, userID, method string, mfaPending bool) {
	_ = s.audit.Write(ctx, &models.AuditLogEntry{
		UserID:       &userID,
		Action:       models.AuditActionLoginSuccess,
		ResourceType: models.AuditResourceTypeUser,
		ResourceID:   userID,
		Severity:     models.SeverityInfo,
		Source:       models.AuditSourceAuth,
		Details: models.AuditMetadata{
			"method":      method,
			"mfa_pending": mfaPending,
		},
	})
}
