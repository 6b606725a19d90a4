package logger

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// FallbackReason explains why an audit entry took the fallback path
type FallbackReason string

const (
	FallbackQueueFull     FallbackReason = "queue_full"
	FallbackPersistFailed FallbackReason = "persist_failed"
	FallbackShutdown      FallbackReason = "shutdown"
)

// FallbackLogger writes audit entries that could not be persisted to the
// local log so they are never silently lost
type FallbackLogger struct {
	logger  *slog.Logger
	dropped atomic.Int64
}

// NewFallbackLogger creates a new fallback audit logger
func NewFallbackLogger(logger *slog.Logger) *FallbackLogger {
	return &FallbackLogger{
		logger: logger,
	}
}

// Log records one unpersisted entry. attrs describe the entry itself.
func (fl *FallbackLogger) Log(ctx context.Context, reason FallbackReason, err error, attrs ...slog.Attr) {
	fl.dropped.Add(1)

	base := []slog.Attr{
		slog.String("audit_type", "fallback"),
		slog.String("reason", string(reason)),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}
	if err != nil {
		base = append(base, slog.Any("error", err))
	}

	fl.logger.LogAttrs(ctx, slog.LevelError, "audit entry not persisted", append(base, attrs...)...)
}

// Dropped returns the number of entries written to the fallback log
func (fl *FallbackLogger) Dropped() int64 {
	return fl.dropped.Load()
}
