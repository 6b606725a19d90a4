package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BradenHooton/authguard/internal/auth"
	"github.com/BradenHooton/authguard/internal/clock"
	"github.com/BradenHooton/authguard/internal/models"
	"github.com/BradenHooton/authguard/pkg/logger"
	"github.com/google/uuid"
)

const (
	DefaultAuditPageSize = 50
	MaxAuditPageSize     = 100
)

// AuditLogRepository persists and queries audit entries
type AuditLogRepository interface {
	Create(ctx context.Context, entry *models.AuditLogEntry) error
	Query(ctx context.Context, filter models.AuditFilter) ([]*models.AuditLogEntry, int, error)
}

// AlertNotifier is told about every CRITICAL entry once it is persisted
type AlertNotifier interface {
	NotifyCritical(ctx context.Context, entry *models.AuditLogEntry) error
}

// AuditConfig holds the asynchronous write settings
type AuditConfig struct {
	BufferSize   int
	WriteTimeout time.Duration
}

// AuditService writes the security audit trail with the dual-write pattern (slog + repository).
// INFO entries are persisted asynchronously; WARNING and above are persisted before Write returns.
type AuditService struct {
	repo     AuditLogRepository
	logger   *slog.Logger
	fallback *logger.FallbackLogger
	notifier AlertNotifier
	clock    clock.Clock
	config   AuditConfig

	queue     chan *models.AuditLogEntry
	done      chan struct{}
	wg        sync.WaitGroup
	mu        sync.RWMutex // guards closed and sends on queue
	closed    bool
	closeOnce sync.Once
}

// NewAuditService creates a new AuditService and starts its background writer
func NewAuditService(repo AuditLogRepository, notifier AlertNotifier, c clock.Clock, config AuditConfig, log *slog.Logger) *AuditService {
	if config.BufferSize <= 0 {
		config.BufferSize = 256
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 2 * time.Second
	}
	if c == nil {
		c = clock.Real{}
	}

	s := &AuditService{
		repo:     repo,
		logger:   log,
		fallback: logger.NewFallbackLogger(log),
		notifier: notifier,
		clock:    c,
		config:   config,
		queue:    make(chan *models.AuditLogEntry, config.BufferSize),
		done:     make(chan struct{}),
	}

	s.wg.Add(1)
	go s.run()

	return s
}

// Write records one audit entry.
// ERROR and CRITICAL entries return the persistence error; they are never dropped.
// WARNING entries are persisted synchronously and fall back to the local log on failure.
// INFO entries are queued and fall back to the local log when the queue is full.
func (s *AuditService) Write(ctx context.Context, entry *models.AuditLogEntry) error {
	s.prepare(ctx, entry)
	s.logEntry(ctx, entry)

	if !entry.Severity.Synchronous() {
		s.enqueue(ctx, entry)
		return nil
	}

	if err := s.persist(ctx, entry); err != nil {
		s.fallback.Log(ctx, logger.FallbackPersistFailed, err, entryAttrs(entry)...)
		if entry.Severity == models.SeverityWarning {
			return nil
		}
		return fmt.Errorf("failed to persist %s audit entry: %w", entry.Severity, err)
	}

	if entry.Severity == models.SeverityCritical && s.notifier != nil {
		s.notify(entry)
	}

	return nil
}

// Query returns one page of entries matching filter, newest first
func (s *AuditService) Query(ctx context.Context, filter models.AuditFilter) (*models.AuditPage, error) {
	if filter.Limit <= 0 {
		filter.Limit = DefaultAuditPageSize
	}
	if filter.Limit > MaxAuditPageSize {
		filter.Limit = MaxAuditPageSize
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	if filter.From != nil && filter.To != nil && filter.From.After(*filter.To) {
		return nil, fmt.Errorf("%w: from is after to", models.ErrBadRequest)
	}

	entries, total, err := s.repo.Query(ctx, filter)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to query audit logs", slog.Any("error", err))
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}

	return &models.AuditPage{
		Entries: entries,
		Total:   total,
		Limit:   filter.Limit,
		Offset:  filter.Offset,
	}, nil
}

// RequireAdmin returns nil for admin actors. Any other caller gets ErrUnauthorized
// and a CRITICAL entry, since repeated attempts are themselves a signal.
func (s *AuditService) RequireAdmin(ctx context.Context, actor models.Actor, operation, resourceType, resourceID string) error {
	if actor.IsAdmin() {
		return nil
	}

	err := s.Write(ctx, &models.AuditLogEntry{
		UserID:       stringPtr(actor.UserID),
		Action:       models.AuditActionUnauthorizedAdminAction,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Severity:     models.SeverityCritical,
		Source:       models.AuditSourceAdmin,
		Details: models.AuditMetadata{
			"operation": operation,
			"role":      actor.Role,
		},
	})
	if err != nil {
		return fmt.Errorf("%w: %w", models.ErrUnauthorized, err)
	}
	return models.ErrUnauthorized
}

// Dropped returns how many entries went to the fallback log instead of storage
func (s *AuditService) Dropped() int64 {
	return s.fallback.Dropped()
}

func (s *AuditService) enqueue(ctx context.Context, entry *models.AuditLogEntry) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		s.fallback.Log(ctx, logger.FallbackShutdown, nil, entryAttrs(entry)...)
		return
	}
	select {
	case s.queue <- entry:
	default:
		s.fallback.Log(ctx, logger.FallbackQueueFull, nil, entryAttrs(entry)...)
	}
}

// Close stops accepting queued entries and drains the queue.
// Entries queued before Close returns are persisted; later ones go to the fallback log.
func (s *AuditService) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
		s.wg.Wait()
	})
}

func (s *AuditService) run() {
	defer s.wg.Done()

	for {
		select {
		case entry := <-s.queue:
			s.persistQueued(entry)
		case <-s.done:
			for {
				select {
				case entry := <-s.queue:
					s.persistQueued(entry)
				default:
					return
				}
			}
		}
	}
}

func (s *AuditService) persistQueued(entry *models.AuditLogEntry) {
	ctx := context.Background()
	if err := s.persist(ctx, entry); err != nil {
		s.fallback.Log(ctx, logger.FallbackPersistFailed, err, entryAttrs(entry)...)
	}
}

func (s *AuditService) persist(ctx context.Context, entry *models.AuditLogEntry) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.WriteTimeout)
	defer cancel()
	return s.repo.Create(ctx, entry)
}

func (s *AuditService) notify(entry *models.AuditLogEntry) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.notifier.NotifyCritical(ctx, entry); err != nil {
			s.logger.Error("failed to send critical audit alert",
				slog.String("audit_id", entry.ID),
				slog.String("action", entry.Action),
				slog.Any("error", err),
			)
		}
	}()
}

func (s *AuditService) prepare(ctx context.Context, entry *models.AuditLogEntry) {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.clock.Now().UTC()
	}
	if !entry.Severity.Valid() {
		entry.Severity = models.SeverityInfo
	}
	if !entry.Source.Valid() {
		entry.Source = models.AuditSourceSystem
	}

	meta := auth.RequestMetaFromContext(ctx)
	if entry.IPAddress == "" {
		entry.IPAddress = meta.IPAddress
	}
	if entry.UserAgent == "" {
		entry.UserAgent = meta.UserAgent
	}
	if entry.SessionID == "" {
		entry.SessionID = meta.SessionID
	}

	entry.Details = logger.RedactDetails(entry.Details, "remaining_codes", "cleared_attempts")
}

func (s *AuditService) logEntry(ctx context.Context, entry *models.AuditLogEntry) {
	level := slog.LevelInfo
	switch entry.Severity {
	case models.SeverityWarning:
		level = slog.LevelWarn
	case models.SeverityError, models.SeverityCritical:
		level = slog.LevelError
	}
	s.logger.LogAttrs(ctx, level, "audit event", entryAttrs(entry)...)
}

func entryAttrs(entry *models.AuditLogEntry) []slog.Attr {
	attrs := []slog.Attr{
		slog.String("audit_id", entry.ID),
		slog.String("action", entry.Action),
		slog.String("severity", string(entry.Severity)),
		slog.String("source", string(entry.Source)),
	}
	if entry.UserID != nil {
		attrs = append(attrs, slog.String("user_id", *entry.UserID))
	}
	if entry.ResourceType != "" {
		attrs = append(attrs, slog.String("resource_type", entry.ResourceType))
	}
	if entry.ResourceID != "" {
		attrs = append(attrs, slog.String("resource_id", logger.SanitizeIdentifier(entry.ResourceID)))
	}
	if entry.IPAddress != "" {
		attrs = append(attrs, slog.String("ip_address", entry.IPAddress))
	}
	if len(entry.Details) > 0 {
		attrs = append(attrs, slog.Any("details", map[string]any(entry.Details)))
	}
	return attrs
}

func stringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
