package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BradenHooton/authguard/internal/auth"
	"github.com/BradenHooton/authguard/internal/clock"
	"github.com/BradenHooton/authguard/internal/models"
)

const maxProfileRetries = 5

// ProfileRepository reads and compare-and-swaps the per-user 2FA fields.
// UpdateProfile must fail with models.ErrConflict unless the stored version
// equals expectedVersion, and on success store expectedVersion+1.
type ProfileRepository interface {
	GetProfile(ctx context.Context, userID string) (*models.UserSecurityProfile, error)
	UpdateProfile(ctx context.Context, profile *models.UserSecurityProfile, expectedVersion int64) error
}

// TwoFactorConfig holds configuration for the two-factor state machine
type TwoFactorConfig struct {
	BackupCodeCount int
	TOTPWindow      int
}

// SetupResult is shown to the user exactly once
type SetupResult struct {
	Secret          string   `json:"secret"`
	ProvisioningURI string   `json:"provisioning_uri"`
	BackupCodes     []string `json:"backup_codes"`
}

// VerifyResult is the outcome of a login-time second factor check
type VerifyResult struct {
	IsValid        bool `json:"is_valid"`
	BackupCodeUsed bool `json:"backup_code_used"`
}

// TwoFactorService implements the DISABLED -> PENDING_SETUP -> ENABLED state machine
type TwoFactorService struct {
	repo   ProfileRepository
	enc    *auth.EncryptionService
	totp   *auth.TOTPEngine
	backup *auth.BackupCodeManager
	audit  *AuditService
	clock  clock.Clock
	config TwoFactorConfig
	logger *slog.Logger
}

// NewTwoFactorService creates a new TwoFactorService
func NewTwoFactorService(
	repo ProfileRepository,
	enc *auth.EncryptionService,
	totp *auth.TOTPEngine,
	backup *auth.BackupCodeManager,
	audit *AuditService,
	c clock.Clock,
	config TwoFactorConfig,
	logger *slog.Logger,
) *TwoFactorService {
	if config.BackupCodeCount <= 0 {
		config.BackupCodeCount = auth.DefaultBackupCodeCount
	}
	if config.TOTPWindow <= 0 {
		config.TOTPWindow = auth.DefaultTOTPWindow
	}
	if c == nil {
		c = clock.Real{}
	}
	return &TwoFactorService{
		repo:   repo,
		enc:    enc,
		totp:   totp,
		backup: backup,
		audit:  audit,
		clock:  c,
		config: config,
		logger: logger,
	}
}

// BeginSetup generates a secret and backup codes and moves the user to PENDING_SETUP.
// Calling it again while pending replaces the pending secret.
func (s *TwoFactorService) BeginSetup(ctx context.Context, userID, accountLabel string) (*SetupResult, error) {
	profile, err := s.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	previous := profile.State()
	if previous == models.TwoFactorEnabled {
		return nil, fmt.Errorf("%w: two-factor authentication is already enabled", models.ErrInvalidState)
	}

	secret, err := s.totp.GenerateSecret()
	if err != nil {
		return nil, err
	}
	codes, err := s.backup.Generate(s.config.BackupCodeCount)
	if err != nil {
		return nil, err
	}
	uri, err := s.totp.BuildProvisioningURI(secret, accountLabel, "")
	if err != nil {
		return nil, err
	}

	secretEnc, err := s.enc.Encrypt(secret)
	if err != nil {
		s.logger.Error("failed to encrypt TOTP secret", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	codesEnc, err := s.backup.Seal(codes)
	if err != nil {
		s.logger.Error("failed to encrypt backup codes", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	next := profile.Clone()
	next.TwoFactorEnabled = false
	next.TwoFactorEnabledAt = nil
	next.TwoFactorSecretEncrypted = secretEnc
	next.TwoFactorBackupCodesEncrypted = codesEnc
	if err := s.save(ctx, next, profile.Version); err != nil {
		return nil, err
	}

	_ = s.audit.Write(ctx, &models.AuditLogEntry{
		UserID:       &userID,
		Action:       models.AuditAction2FASetupStarted,
		ResourceType: models.AuditResourceTypeTwoFactor,
		ResourceID:   userID,
		Severity:     models.SeverityInfo,
		Source:       models.AuditSourceUser,
		Details:      models.AuditMetadata{"restarted": previous == models.TwoFactorPendingSetup},
	})

	return &SetupResult{Secret: secret, ProvisioningURI: uri, BackupCodes: codes}, nil
}

// ConfirmSetup enables 2FA when token matches the pending secret
func (s *TwoFactorService) ConfirmSetup(ctx context.Context, userID, token string) error {
	profile, err := s.load(ctx, userID)
	if err != nil {
		return err
	}
	if profile.State() != models.TwoFactorPendingSetup {
		return fmt.Errorf("%w: no setup is pending", models.ErrInvalidState)
	}

	ok, err := s.validateTOTP(ctx, profile, token)
	if err != nil {
		return err
	}
	if !ok {
		s.logger.Warn("2FA setup confirmation failed", slog.String("user_id", userID))
		_ = s.audit.Write(ctx, &models.AuditLogEntry{
			UserID:       &userID,
			Action:       models.AuditAction2FASetupFailed,
			ResourceType: models.AuditResourceTypeTwoFactor,
			ResourceID:   userID,
			Severity:     models.SeverityWarning,
			Source:       models.AuditSourceUser,
		})
		return models.ErrInvalidCode
	}

	now := s.clock.Now().UTC()
	next := profile.Clone()
	next.TwoFactorEnabled = true
	next.TwoFactorEnabledAt = &now
	if err := s.save(ctx, next, profile.Version); err != nil {
		return err
	}

	_ = s.audit.Write(ctx, &models.AuditLogEntry{
		UserID:       &userID,
		Action:       models.AuditAction2FAEnabled,
		ResourceType: models.AuditResourceTypeTwoFactor,
		ResourceID:   userID,
		Severity:     models.SeverityInfo,
		Source:       models.AuditSourceUser,
	})

	return nil
}

// VerifyLogin checks the second factor at login. TOTP is tried first, then
// backup codes; this is the only path that consumes a backup code.
func (s *TwoFactorService) VerifyLogin(ctx context.Context, userID, token string) (*VerifyResult, error) {
	token = strings.TrimSpace(token)

	for attempt := 0; attempt < maxProfileRetries; attempt++ {
		profile, err := s.load(ctx, userID)
		if err != nil {
			return nil, err
		}
		if profile.State() != models.TwoFactorEnabled {
			return nil, fmt.Errorf("%w: two-factor authentication is not enabled", models.ErrInvalidState)
		}

		ok, err := s.validateTOTP(ctx, profile, token)
		if err != nil {
			return nil, err
		}
		if ok {
			_ = s.audit.Write(ctx, &models.AuditLogEntry{
				UserID:       &userID,
				Action:       models.AuditAction2FAVerifySuccess,
				ResourceType: models.AuditResourceTypeTwoFactor,
				ResourceID:   userID,
				Severity:     models.SeverityInfo,
				Source:       models.AuditSourceAuth,
				Details:      models.AuditMetadata{"method": "totp"},
			})
			return &VerifyResult{IsValid: true}, nil
		}

		matched, remaining, err := s.backup.Consume(profile.TwoFactorBackupCodesEncrypted, token)
		if err != nil {
			return nil, s.corrupt(ctx, userID, "backup_codes", err)
		}
		if !matched {
			s.logger.Warn("2FA verification failed", slog.String("user_id", userID))
			_ = s.audit.Write(ctx, &models.AuditLogEntry{
				UserID:       &userID,
				Action:       models.AuditAction2FAVerifyFailure,
				ResourceType: models.AuditResourceTypeTwoFactor,
				ResourceID:   userID,
				Severity:     models.SeverityWarning,
				Source:       models.AuditSourceAuth,
			})
			return &VerifyResult{}, nil
		}

		next := profile.Clone()
		next.TwoFactorBackupCodesEncrypted = remaining
		if err := s.save(ctx, next, profile.Version); err != nil {
			if errors.Is(err, models.ErrConflict) {
				continue
			}
			return nil, err
		}

		left, _ := s.backup.Count(remaining)
		_ = s.audit.Write(ctx, &models.AuditLogEntry{
			UserID:       &userID,
			Action:       models.AuditAction2FABackupCodeUsed,
			ResourceType: models.AuditResourceTypeTwoFactor,
			ResourceID:   userID,
			Severity:     models.SeverityWarning,
			Source:       models.AuditSourceAuth,
			Details:      models.AuditMetadata{"remaining_codes": left},
		})
		return &VerifyResult{IsValid: true, BackupCodeUsed: true}, nil
	}

	return nil, fmt.Errorf("%w: backup code consumption retries exhausted", models.ErrConflict)
}

// Disable is the self-service path. proofToken must be a valid TOTP or backup code.
func (s *TwoFactorService) Disable(ctx context.Context, userID, proofToken string) error {
	proofToken = strings.TrimSpace(proofToken)

	for attempt := 0; attempt < maxProfileRetries; attempt++ {
		profile, err := s.load(ctx, userID)
		if err != nil {
			return err
		}
		previous := profile.State()
		if previous == models.TwoFactorDisabled {
			return fmt.Errorf("%w: two-factor authentication is not enabled", models.ErrInvalidState)
		}

		ok, err := s.validateTOTP(ctx, profile, proofToken)
		if err != nil {
			return err
		}
		if !ok {
			matched, _, err := s.backup.Consume(profile.TwoFactorBackupCodesEncrypted, proofToken)
			if err != nil {
				return s.corrupt(ctx, userID, "backup_codes", err)
			}
			ok = matched
		}
		if !ok {
			_ = s.audit.Write(ctx, &models.AuditLogEntry{
				UserID:       &userID,
				Action:       models.AuditAction2FADisableFailed,
				ResourceType: models.AuditResourceTypeTwoFactor,
				ResourceID:   userID,
				Severity:     models.SeverityWarning,
				Source:       models.AuditSourceUser,
			})
			return models.ErrInvalidCode
		}

		next := profile.Clone()
		next.ClearTwoFactor()
		if err := s.save(ctx, next, profile.Version); err != nil {
			if errors.Is(err, models.ErrConflict) {
				continue
			}
			return err
		}

		_ = s.audit.Write(ctx, &models.AuditLogEntry{
			UserID:       &userID,
			Action:       models.AuditAction2FADisabled,
			ResourceType: models.AuditResourceTypeTwoFactor,
			ResourceID:   userID,
			Severity:     models.SeverityInfo,
			Source:       models.AuditSourceUser,
			Details:      models.AuditMetadata{"previous_state": string(previous)},
		})
		return nil
	}

	return fmt.Errorf("%w: disable retries exhausted", models.ErrConflict)
}

// EmergencyDisable clears 2FA without proof of possession. Admin only, CRITICAL-audited.
// It does not decrypt anything, so it also recovers accounts with corrupt ciphertext.
func (s *TwoFactorService) EmergencyDisable(ctx context.Context, actor models.Actor, userID, reason string) error {
	if err := s.audit.RequireAdmin(ctx, actor, "emergency_2fa_disable", models.AuditResourceTypeTwoFactor, userID); err != nil {
		return err
	}
	reason = strings.TrimSpace(reason)
	if userID == "" || reason == "" {
		return fmt.Errorf("%w: user id and reason are required", models.ErrBadRequest)
	}

	var previous models.TwoFactorState
	for attempt := 0; ; attempt++ {
		if attempt == maxProfileRetries {
			return fmt.Errorf("%w: emergency disable retries exhausted", models.ErrConflict)
		}
		profile, err := s.load(ctx, userID)
		if err != nil {
			return err
		}
		previous = profile.State()
		if previous == models.TwoFactorDisabled {
			return fmt.Errorf("%w: two-factor authentication is not enabled", models.ErrInvalidState)
		}

		next := profile.Clone()
		next.ClearTwoFactor()
		err = s.save(ctx, next, profile.Version)
		if err == nil {
			break
		}
		if !errors.Is(err, models.ErrConflict) {
			return err
		}
	}

	if err := s.audit.Write(ctx, &models.AuditLogEntry{
		UserID:       stringPtr(actor.UserID),
		Action:       models.AuditAction2FAEmergencyDisabled,
		ResourceType: models.AuditResourceTypeTwoFactor,
		ResourceID:   userID,
		Severity:     models.SeverityCritical,
		Source:       models.AuditSourceAdmin,
		Details: models.AuditMetadata{
			"admin_id":       actor.UserID,
			"target_user_id": userID,
			"reason":         reason,
			"previous_state": string(previous),
		},
	}); err != nil {
		return fmt.Errorf("2FA disabled but audit failed: %w", err)
	}

	return nil
}

// RegenerateBackupCodes replaces the code set. Requires ENABLED and a valid TOTP.
func (s *TwoFactorService) RegenerateBackupCodes(ctx context.Context, userID, token string) ([]string, error) {
	profile, err := s.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	if profile.State() != models.TwoFactorEnabled {
		return nil, fmt.Errorf("%w: two-factor authentication is not enabled", models.ErrInvalidState)
	}

	ok, err := s.validateTOTP(ctx, profile, strings.TrimSpace(token))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, models.ErrInvalidCode
	}

	codes, err := s.backup.Generate(s.config.BackupCodeCount)
	if err != nil {
		return nil, err
	}
	sealed, err := s.backup.Seal(codes)
	if err != nil {
		s.logger.Error("failed to encrypt backup codes", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	next := profile.Clone()
	next.TwoFactorBackupCodesEncrypted = sealed
	if err := s.save(ctx, next, profile.Version); err != nil {
		return nil, err
	}

	_ = s.audit.Write(ctx, &models.AuditLogEntry{
		UserID:       &userID,
		Action:       models.AuditAction2FABackupCodesRegen,
		ResourceType: models.AuditResourceTypeTwoFactor,
		ResourceID:   userID,
		Severity:     models.SeverityWarning,
		Source:       models.AuditSourceUser,
		Details:      models.AuditMetadata{"remaining_codes": len(codes)},
	})

	return codes, nil
}

// Status reports the enrollment state and remaining backup codes
func (s *TwoFactorService) Status(ctx context.Context, userID string) (*models.TwoFactorStatus, error) {
	profile, err := s.load(ctx, userID)
	if err != nil {
		return nil, err
	}

	status := &models.TwoFactorStatus{
		State:     profile.State(),
		Enabled:   profile.TwoFactorEnabled,
		EnabledAt: profile.TwoFactorEnabledAt,
	}
	if status.State == models.TwoFactorEnabled {
		n, err := s.backup.Count(profile.TwoFactorBackupCodesEncrypted)
		if err != nil {
			return nil, s.corrupt(ctx, userID, "backup_codes", err)
		}
		status.BackupCodesRemaining = n
	}

	return status, nil
}

// IsEnabled reports whether userID must pass a second factor at login
func (s *TwoFactorService) IsEnabled(ctx context.Context, userID string) (bool, error) {
	profile, err := s.load(ctx, userID)
	if err != nil {
		return false, err
	}
	return profile.State() == models.TwoFactorEnabled, nil
}

func (s *TwoFactorService) validateTOTP(ctx context.Context, profile *models.UserSecurityProfile, token string) (bool, error) {
	secret, err := s.enc.Decrypt(profile.TwoFactorSecretEncrypted)
	if err != nil {
		return false, s.corrupt(ctx, profile.UserID, "totp_secret", err)
	}

	ok, err := s.totp.Validate(secret, token, s.config.TOTPWindow)
	if err != nil {
		return false, s.corrupt(ctx, profile.UserID, "totp_secret", fmt.Errorf("%w: %v", models.ErrDecryption, err))
	}
	return ok, nil
}

// corrupt records undecryptable 2FA state. The account stays locked behind 2FA
// until an admin runs EmergencyDisable and the user re-enrolls.
func (s *TwoFactorService) corrupt(ctx context.Context, userID, field string, cause error) error {
	s.logger.ErrorContext(ctx, "stored 2FA ciphertext failed to decrypt",
		slog.String("user_id", userID),
		slog.String("field", field),
	)

	err := s.audit.Write(ctx, &models.AuditLogEntry{
		UserID:       &userID,
		Action:       models.AuditAction2FASecretCorrupt,
		ResourceType: models.AuditResourceTypeTwoFactor,
		ResourceID:   userID,
		Severity:     models.SeverityCritical,
		Source:       models.AuditSourceSystem,
		Details:      models.AuditMetadata{"field": field},
	})
	if err != nil {
		return errors.Join(cause, err)
	}
	if !errors.Is(cause, models.ErrDecryption) {
		return fmt.Errorf("%w: %v", models.ErrDecryption, cause)
	}
	return cause
}

func (s *TwoFactorService) load(ctx context.Context, userID string) (*models.UserSecurityProfile, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", models.ErrBadRequest)
	}
	profile, err := s.repo.GetProfile(ctx, userID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, err
		}
		s.logger.Error("failed to load security profile", slog.String("user_id", userID), slog.Any("error", err))
		return nil, storageErr(err)
	}
	return profile, nil
}

func (s *TwoFactorService) save(ctx context.Context, profile *models.UserSecurityProfile, expectedVersion int64) error {
	profile.UpdatedAt = s.clock.Now().UTC()
	if err := s.repo.UpdateProfile(ctx, profile, expectedVersion); err != nil {
		if errors.Is(err, models.ErrConflict) || errors.Is(err, models.ErrNotFound) {
			return err
		}
		s.logger.Error("failed to update security profile", slog.String("user_id", profile.UserID), slog.Any("error", err))
		return storageErr(err)
	}
	return nil
}
