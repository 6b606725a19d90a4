package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/BradenHooton/authguard/internal/clock"
	"github.com/BradenHooton/authguard/internal/models"
	"github.com/BradenHooton/authguard/pkg/logger"
	"github.com/google/uuid"
)

// AttemptRepository stores the append-only failure history.
// Append inserts rec and returns rec's identifier history of rec's kind since since, rec included,
// as one atomic step per identifier: concurrent appends never observe the same snapshot.
type AttemptRepository interface {
	Insert(ctx context.Context, rec *models.AttemptRecord) error
	Append(ctx context.Context, rec *models.AttemptRecord, since time.Time) ([]models.AttemptRecord, error)
	History(ctx context.Context, identifier string, kind models.AttemptKind, since time.Time) ([]models.AttemptRecord, error)
	SummarizeAll(ctx context.Context, kind models.AttemptKind, since time.Time, minCount int) ([]models.IdentifierSummary, error)
	CountByKind(ctx context.Context, kind models.AttemptKind, since time.Time) (int, error)
	CountByEndpoint(ctx context.Context, since time.Time, limit int) ([]models.EndpointCount, error)
	DeleteByIdentifier(ctx context.Context, identifier string, kind models.AttemptKind) (int, error)
	DeleteOlderThan(ctx context.Context, before time.Time) (int, error)
}

// LockoutConfig holds configuration for the lockout tracker
type LockoutConfig struct {
	Threshold       int
	LookbackWindow  time.Duration
	LockoutDuration time.Duration
	StatsWindow     time.Duration
	TopEndpoints    int
	ResetOnSuccess  bool
	StoreTimeout    time.Duration
}

// DefaultLockoutConfig returns 5 failures within an hour locking for an hour
func DefaultLockoutConfig() LockoutConfig {
	return LockoutConfig{
		Threshold:       5,
		LookbackWindow:  time.Hour,
		LockoutDuration: time.Hour,
		StatsWindow:     24 * time.Hour,
		TopEndpoints:    10,
		ResetOnSuccess:  true,
		StoreTimeout:    2 * time.Second,
	}
}

// LockoutService tracks consecutive authentication failures per identifier.
// Lock state is derived from the failure history on every read.
type LockoutService struct {
	repo   AttemptRepository
	audit  *AuditService
	clock  clock.Clock
	config LockoutConfig
	logger *slog.Logger
}

// NewLockoutService creates a new LockoutService
func NewLockoutService(repo AttemptRepository, audit *AuditService, c clock.Clock, config LockoutConfig, logger *slog.Logger) *LockoutService {
	def := DefaultLockoutConfig()
	if config.Threshold <= 0 {
		config.Threshold = def.Threshold
	}
	if config.LookbackWindow <= 0 {
		config.LookbackWindow = def.LookbackWindow
	}
	if config.LockoutDuration <= 0 {
		config.LockoutDuration = def.LockoutDuration
	}
	if config.StatsWindow <= 0 {
		config.StatsWindow = def.StatsWindow
	}
	if config.TopEndpoints <= 0 {
		config.TopEndpoints = def.TopEndpoints
	}
	if config.StoreTimeout <= 0 {
		config.StoreTimeout = def.StoreTimeout
	}
	if c == nil {
		c = clock.Real{}
	}
	return &LockoutService{
		repo:   repo,
		audit:  audit,
		clock:  c,
		config: config,
		logger: logger,
	}
}

// RetentionWindow is how long attempt records stay relevant
func (s *LockoutService) RetentionWindow() time.Duration {
	return max(s.horizon(), s.config.StatsWindow)
}

// horizon is how far back a failure can still affect the lock state
func (s *LockoutService) horizon() time.Duration {
	return max(s.config.LookbackWindow, s.config.LockoutDuration)
}

// RecordFailure appends one failure and returns the recomputed status.
// Crossing the threshold writes an ACCOUNT_LOCKED entry.
func (s *LockoutService) RecordFailure(ctx context.Context, identifier, endpoint string) (*models.LockoutStatus, error) {
	identifier = normalizeIdentifier(identifier)
	if identifier == "" {
		return nil, fmt.Errorf("%w: identifier is required", models.ErrBadRequest)
	}

	now := s.clock.Now()
	rec := &models.AttemptRecord{
		ID:         uuid.New().String(),
		Identifier: identifier,
		Endpoint:   endpoint,
		Kind:       models.AttemptAuthFailure,
		Weight:     1,
		CreatedAt:  now.UTC(),
	}
	var history []models.AttemptRecord
	err := s.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		history, err = s.repo.Append(ctx, rec, now.Add(-s.horizon()))
		return err
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to record authentication failure",
			slog.String("identifier", logger.SanitizeIdentifier(identifier)),
			slog.Any("error", err),
		)
		return lockedUnknown(identifier), storageErr(err)
	}

	// the snapshot is exclusive to this append, so exactly one caller sees the transition
	prior := slices.DeleteFunc(slices.Clone(history), func(r models.AttemptRecord) bool { return r.ID == rec.ID })
	wasLocked := s.evaluate(identifier, prior, now).IsLocked
	status := s.evaluate(identifier, history, now)

	if status.IsLocked && !wasLocked {
		s.logger.WarnContext(ctx, "identifier locked out",
			slog.String("identifier", logger.SanitizeIdentifier(identifier)),
			slog.Int("failed_attempts", status.FailedAttempts),
		)
		_ = s.audit.Write(ctx, &models.AuditLogEntry{
			Action:       models.AuditActionAccountLocked,
			ResourceType: models.AuditResourceTypeLockout,
			ResourceID:   identifier,
			Severity:     models.SeverityWarning,
			Source:       models.AuditSourceAuth,
			Details: models.AuditMetadata{
				"endpoint":           endpoint,
				"failed_attempts":    status.FailedAttempts,
				"lockout_expires_at": status.LockoutExpiresAt.UTC().Format(time.RFC3339),
			},
		})
	}

	return status, nil
}

// RecordRateLimited appends a rate limit rejection for statistics only
func (s *LockoutService) RecordRateLimited(ctx context.Context, identifier, endpoint string) error {
	rec := &models.AttemptRecord{
		ID:         uuid.New().String(),
		Identifier: normalizeIdentifier(identifier),
		Endpoint:   endpoint,
		Kind:       models.AttemptRateLimited,
		Weight:     1,
		CreatedAt:  s.clock.Now().UTC(),
	}
	if err := s.withTimeout(ctx, func(ctx context.Context) error { return s.repo.Insert(ctx, rec) }); err != nil {
		return storageErr(err)
	}
	return nil
}

// RecordSuccess clears the failure history when ResetOnSuccess is set
func (s *LockoutService) RecordSuccess(ctx context.Context, identifier string) error {
	if !s.config.ResetOnSuccess {
		return nil
	}
	identifier = normalizeIdentifier(identifier)
	return s.withTimeout(ctx, func(ctx context.Context) error {
		_, err := s.repo.DeleteByIdentifier(ctx, identifier, models.AttemptAuthFailure)
		return err
	})
}

// CheckStatus aggregates failures in the lookback window.
// Storage errors fail closed: the status reports locked and the error is ErrStorageUnavailable.
func (s *LockoutService) CheckStatus(ctx context.Context, identifier string) (*models.LockoutStatus, error) {
	identifier = normalizeIdentifier(identifier)
	now := s.clock.Now()

	var history []models.AttemptRecord
	err := s.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		history, err = s.repo.History(ctx, identifier, models.AttemptAuthFailure, now.Add(-s.horizon()))
		return err
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "lockout check failed, denying",
			slog.String("identifier", logger.SanitizeIdentifier(identifier)),
			slog.Any("error", err),
		)
		return lockedUnknown(identifier), storageErr(err)
	}

	return s.evaluate(identifier, history, now), nil
}

// Enforce returns *models.AccountLockedError when identifier is locked
func (s *LockoutService) Enforce(ctx context.Context, identifier string) (*models.LockoutStatus, error) {
	status, err := s.CheckStatus(ctx, identifier)
	if err != nil {
		return status, err
	}
	if status.IsLocked {
		return status, &models.AccountLockedError{Status: status}
	}
	return status, nil
}

// EmergencyUnlock clears the identifier's failure history unconditionally.
// Only admins may call it; every call is CRITICAL-audited.
func (s *LockoutService) EmergencyUnlock(ctx context.Context, actor models.Actor, identifier, reason string) (*models.LockoutStatus, error) {
	identifier = normalizeIdentifier(identifier)
	if err := s.audit.RequireAdmin(ctx, actor, "emergency_unlock", models.AuditResourceTypeLockout, identifier); err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if identifier == "" || reason == "" {
		return nil, fmt.Errorf("%w: identifier and reason are required", models.ErrBadRequest)
	}

	var cleared int
	err := s.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		cleared, err = s.repo.DeleteByIdentifier(ctx, identifier, models.AttemptAuthFailure)
		return err
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "emergency unlock failed",
			slog.String("admin_id", actor.UserID),
			slog.Any("error", err),
		)
		return nil, storageErr(err)
	}

	if err := s.audit.Write(ctx, &models.AuditLogEntry{
		UserID:       stringPtr(actor.UserID),
		Action:       models.AuditActionEmergencyUnlock,
		ResourceType: models.AuditResourceTypeLockout,
		ResourceID:   identifier,
		Severity:     models.SeverityCritical,
		Source:       models.AuditSourceAdmin,
		Details: models.AuditMetadata{
			"admin_id":         actor.UserID,
			"reason":           reason,
			"cleared_attempts": cleared,
		},
	}); err != nil {
		return nil, fmt.Errorf("unlock applied but audit failed: %w", err)
	}

	return s.CheckStatus(ctx, identifier)
}

// Stats computes the observability view on every call
func (s *LockoutService) Stats(ctx context.Context) (*models.LockoutStats, error) {
	now := s.clock.Now()
	since := now.Add(-s.config.StatsWindow)
	stats := &models.LockoutStats{WindowStart: since.UTC()}

	err := s.withTimeout(ctx, func(ctx context.Context) error {
		horizon := now.Add(-s.horizon())
		candidates, err := s.repo.SummarizeAll(ctx, models.AttemptAuthFailure, horizon, s.config.Threshold)
		if err != nil {
			return err
		}
		for _, c := range candidates {
			history, err := s.repo.History(ctx, c.Identifier, models.AttemptAuthFailure, horizon)
			if err != nil {
				return err
			}
			if s.evaluate(c.Identifier, history, now).IsLocked {
				stats.LockedIdentifiers++
			}
		}

		if stats.TotalFailures, err = s.repo.CountByKind(ctx, models.AttemptAuthFailure, since); err != nil {
			return err
		}
		if stats.RateLimited, err = s.repo.CountByKind(ctx, models.AttemptRateLimited, since); err != nil {
			return err
		}
		stats.TopEndpoints, err = s.repo.CountByEndpoint(ctx, since, s.config.TopEndpoints)
		return err
	})
	if err != nil {
		return nil, storageErr(err)
	}

	return stats, nil
}

// PurgeExpired deletes records older than the retention window
func (s *LockoutService) PurgeExpired(ctx context.Context) (int, error) {
	before := s.clock.Now().Add(-s.RetentionWindow())
	var n int
	err := s.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		n, err = s.repo.DeleteOlderThan(ctx, before)
		return err
	})
	if err != nil {
		return 0, storageErr(err)
	}
	return n, nil
}

// evaluate derives the lock state from a failure history.
// A failure that brings the lookback window ending at it to the threshold locks the identifier
// for LockoutDuration from the oldest failure that window counted. The identifier also stays
// locked for as long as the current window holds threshold failures.
func (s *LockoutService) evaluate(identifier string, history []models.AttemptRecord, now time.Time) *models.LockoutStatus {
	records := slices.Clone(history)
	slices.SortStableFunc(records, func(a, b models.AttemptRecord) int { return a.CreatedAt.Compare(b.CreatedAt) })

	window, threshold := s.config.LookbackWindow, s.config.Threshold
	var expires time.Time

	// records[first:i+1] is the window ending at records[i]
	first, sum := 0, 0
	for i := range records {
		sum += attemptWeight(records[i])
		for !records[first].CreatedAt.After(records[i].CreatedAt.Add(-window)) {
			sum -= attemptWeight(records[first])
			first++
		}
		if sum >= threshold {
			expires = latest(expires, records[first].CreatedAt.Add(s.config.LockoutDuration))
		}
	}

	var current []models.AttemptRecord
	count := 0
	for _, r := range records {
		if r.CreatedAt.After(now.Add(-window)) {
			current = append(current, r)
			count += attemptWeight(r)
		}
	}

	// locked until enough of the current window ages out
	if count >= threshold {
		left := count
		for _, r := range current {
			left -= attemptWeight(r)
			if left < threshold {
				expires = latest(expires, r.CreatedAt.Add(window))
				break
			}
		}
	}

	status := &models.LockoutStatus{
		Identifier:        identifier,
		FailedAttempts:    count,
		RemainingAttempts: max(0, threshold-count),
	}
	if now.Before(expires) {
		status.IsLocked = true
		status.RemainingAttempts = 0
		status.LockoutExpiresAt = &expires
		status.NextAttemptAllowedAt = &expires
	}
	return status
}

func attemptWeight(r models.AttemptRecord) int {
	return max(r.Weight, 1)
}

func latest(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

func (s *LockoutService) withTimeout(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.StoreTimeout)
	defer cancel()
	return fn(ctx)
}

func lockedUnknown(identifier string) *models.LockoutStatus {
	return &models.LockoutStatus{Identifier: identifier, IsLocked: true}
}

func storageErr(err error) error {
	if errors.Is(err, models.ErrStorageUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", models.ErrStorageUnavailable, err)
}

// normalizeIdentifier lowercases email-like identifiers so "Bob@x.io" and "bob@x.io" share history
func normalizeIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if strings.Contains(identifier, "@") {
		return strings.ToLower(identifier)
	}
	return identifier
}
