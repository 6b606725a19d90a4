package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/BradenHooton/authguard/internal/models"
)

const maxActivityLimit = 20

// ActivityEntry is a single item in a recent-activity feed.
type ActivityEntry struct {
	Timestamp string          `json:"timestamp"`
	ActorID   *string         `json:"actor_id,omitempty"`
	Action    string          `json:"action"`
	Severity  models.Severity `json:"severity"`
	Resource  string          `json:"resource,omitempty"`
}

// DashboardResponse is the security overview shown to administrators.
type DashboardResponse struct {
	Lockout            *models.LockoutStats `json:"lockout"`
	RecentCritical     []ActivityEntry      `json:"recent_critical"`
	FailedLogins       []ActivityEntry      `json:"failed_logins"`
	UnpersistedEntries int64                `json:"unpersisted_audit_entries"`
}

// AdminService aggregates lockout statistics and audit feeds for admin endpoints.
type AdminService struct {
	audit   *AuditService
	lockout *LockoutService
	logger  *slog.Logger
}

// NewAdminService creates a new AdminService.
func NewAdminService(audit *AuditService, lockout *LockoutService, logger *slog.Logger) *AdminService {
	return &AdminService{
		audit:   audit,
		lockout: lockout,
		logger:  logger,
	}
}

// Dashboard returns the security overview. limit is clamped to a maximum of 20.
func (s *AdminService) Dashboard(ctx context.Context, actor models.Actor, limit int) (*DashboardResponse, error) {
	if err := s.audit.RequireAdmin(ctx, actor, "dashboard", models.AuditResourceTypeLockout, ""); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > maxActivityLimit {
		limit = maxActivityLimit
	}

	stats, err := s.lockout.Stats(ctx)
	if err != nil {
		s.logger.Error("dashboard: failed to compute lockout stats", slog.Any("error", err))
		return nil, err
	}

	critical, err := s.audit.Query(ctx, models.AuditFilter{Severity: models.SeverityCritical, Limit: limit})
	if err != nil {
		s.logger.Error("dashboard: failed to fetch critical entries", slog.Any("error", err))
		return nil, err
	}

	failed, err := s.audit.Query(ctx, models.AuditFilter{Action: models.AuditActionLoginFailure, Limit: limit})
	if err != nil {
		s.logger.Error("dashboard: failed to fetch failed logins", slog.Any("error", err))
		return nil, err
	}

	return &DashboardResponse{
		Lockout:            stats,
		RecentCritical:     toActivity(critical.Entries),
		FailedLogins:       toActivity(failed.Entries),
		UnpersistedEntries: s.audit.Dropped(),
	}, nil
}

func toActivity(entries []*models.AuditLogEntry) []ActivityEntry {
	out := make([]ActivityEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, ActivityEntry{
			Timestamp: e.Timestamp.UTC().Format(time.RFC3339),
			ActorID:   e.UserID,
			Action:    e.Action,
			Severity:  e.Severity,
			Resource:  e.ResourceType,
		})
	}
	return out
}
