package background

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BradenHooton/authguard/internal/clock"
)

// AttemptPurger deletes attempt records past the lockout retention window
type AttemptPurger interface {
	PurgeExpired(ctx context.Context) (int, error)
}

// CounterSweeper evicts expired rate limit counters. Only the in-memory store needs it.
type CounterSweeper interface {
	Sweep(now time.Time) int
}

// CleanupManager periodically purges expired attempt records and rate limit counters
type CleanupManager struct {
	purger   AttemptPurger
	sweeper  CounterSweeper
	clock    clock.Clock
	logger   *slog.Logger
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewCleanupManager creates a new cleanup manager. sweeper may be nil.
func NewCleanupManager(
	purger AttemptPurger,
	sweeper CounterSweeper,
	c clock.Clock,
	logger *slog.Logger,
	interval time.Duration,
) *CleanupManager {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	if c == nil {
		c = clock.Real{}
	}
	return &CleanupManager{
		purger:   purger,
		sweeper:  sweeper,
		clock:    c,
		logger:   logger,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic cleanup task. It blocks until Stop or ctx is done.
func (cm *CleanupManager) Start(ctx context.Context) {
	ticker := time.NewTicker(cm.interval)
	defer ticker.Stop()

	cm.RunOnce(ctx)

	for {
		select {
		case <-ticker.C:
			cm.RunOnce(ctx)
		case <-cm.stopCh:
			cm.logger.Info("cleanup manager stopped")
			return
		case <-ctx.Done():
			cm.logger.Info("cleanup manager context cancelled")
			return
		}
	}
}

// RunOnce performs a single cleanup pass
func (cm *CleanupManager) RunOnce(ctx context.Context) {
	cleanupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if cm.purger != nil {
		rows, err := cm.purger.PurgeExpired(cleanupCtx)
		if err != nil {
			cm.logger.Error("failed to purge expired attempt records", slog.Any("error", err))
		} else if rows > 0 {
			cm.logger.Info("expired attempt records purged", slog.Int("rows_deleted", rows))
		}
	}

	if cm.sweeper != nil {
		if n := cm.sweeper.Sweep(cm.clock.Now()); n > 0 {
			cm.logger.Debug("expired rate limit counters evicted", slog.Int("count", n))
		}
	}
}

// Stop signals the cleanup manager to stop
func (cm *CleanupManager) Stop() {
	cm.stopOnce.Do(func() { close(cm.stopCh) })
}
