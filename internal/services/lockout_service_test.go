package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BradenHooton/authguard/internal/clock"
	"github.com/BradenHooton/authguard/internal/models"
	"github.com/BradenHooton/authguard/internal/repositories/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func failN(t *testing.T, h *harness, identifier string, n int) *models.LockoutStatus {
	t.Helper()
	var status *models.LockoutStatus
	for i := 0; i < n; i++ {
		var err error
		status, err = h.lockout.RecordFailure(context.Background(), identifier, PolicyLogin)
		require.NoError(t, err)
	}
	return status
}

func TestLockoutService_LocksAtThreshold(t *testing.T) {
	h := newHarness(t)

	status := failN(t, h, "alice@example.com", 4)
	assert.False(t, status.IsLocked)
	assert.Equal(t, 1, status.RemainingAttempts)
	assert.Empty(t, h.auditRepo.Find(models.AuditActionAccountLocked))

	h.clock.Advance(time.Minute)
	status = failN(t, h, "alice@example.com", 1)
	assert.True(t, status.IsLocked)
	assert.Equal(t, 5, status.FailedAttempts)
	assert.Equal(t, 0, status.RemainingAttempts)
	require.NotNil(t, status.LockoutExpiresAt)
	assert.Equal(t, testStart.Add(time.Hour), status.LockoutExpiresAt.UTC())

	locked := h.auditRepo.Find(models.AuditActionAccountLocked)
	require.Len(t, locked, 1)
	assert.Equal(t, models.SeverityWarning, locked[0].Severity)

	// further failures do not audit the lock again
	failN(t, h, "alice@example.com", 1)
	assert.Len(t, h.auditRepo.Find(models.AuditActionAccountLocked), 1)
}

func TestLockoutService_LockExpiresFromOldestFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	failN(t, h, "bob@example.com", 5)

	h.clock.Advance(59 * time.Minute)
	status, err := h.lockout.CheckStatus(ctx, "bob@example.com")
	require.NoError(t, err)
	assert.True(t, status.IsLocked)

	h.clock.Advance(time.Minute)
	status, err = h.lockout.CheckStatus(ctx, "bob@example.com")
	require.NoError(t, err)
	assert.False(t, status.IsLocked)
}

func TestLockoutService_FailuresOutsideWindowDoNotCount(t *testing.T) {
	h := newHarness(t)

	failN(t, h, "carol@example.com", 4)
	h.clock.Advance(61 * time.Minute)

	status := failN(t, h, "carol@example.com", 1)
	assert.False(t, status.IsLocked)
	assert.Equal(t, 1, status.FailedAttempts)
}

func withLockoutConfig(h *harness, window, duration time.Duration) {
	cfg := DefaultLockoutConfig()
	cfg.LookbackWindow = window
	cfg.LockoutDuration = duration
	h.lockout = NewLockoutService(h.attempts, h.audit, h.clock, cfg, testLogger())
}

func TestLockoutService_ShortLockInLongWindow(t *testing.T) {
	h := newHarness(t)
	withLockoutConfig(h, 24*time.Hour, 15*time.Minute)
	ctx := context.Background()

	status := failN(t, h, "lena@example.com", 5)
	require.True(t, status.IsLocked)
	assert.Equal(t, testStart.Add(24*time.Hour), status.LockoutExpiresAt.UTC())

	// the window still holds five failures after the short lock has passed
	h.clock.Advance(16 * time.Minute)
	status, err := h.lockout.CheckStatus(ctx, "lena@example.com")
	require.NoError(t, err)
	assert.True(t, status.IsLocked)

	status = failN(t, h, "lena@example.com", 100)
	assert.True(t, status.IsLocked)
	assert.Equal(t, 105, status.FailedAttempts)
	assert.Len(t, h.auditRepo.Find(models.AuditActionAccountLocked), 1)

	h.clock.Set(testStart.Add(24*time.Hour + 16*time.Minute))
	status, err = h.lockout.CheckStatus(ctx, "lena@example.com")
	require.NoError(t, err)
	assert.False(t, status.IsLocked)
	assert.Zero(t, status.FailedAttempts)
}

func TestLockoutService_LockOutlivesShortWindow(t *testing.T) {
	h := newHarness(t)
	withLockoutConfig(h, 15*time.Minute, time.Hour)
	ctx := context.Background()

	failN(t, h, "mona@example.com", 5)

	h.clock.Advance(30 * time.Minute)
	status, err := h.lockout.CheckStatus(ctx, "mona@example.com")
	require.NoError(t, err)
	assert.True(t, status.IsLocked)
	assert.Zero(t, status.FailedAttempts, "failures left the window but the lock holds")
	assert.Equal(t, testStart.Add(time.Hour), status.LockoutExpiresAt.UTC())

	h.clock.Advance(30 * time.Minute)
	status, err = h.lockout.CheckStatus(ctx, "mona@example.com")
	require.NoError(t, err)
	assert.False(t, status.IsLocked)
}

func TestLockoutService_ConcurrentCrossingAuditsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	failN(t, h, "nina@example.com", 4)

	// both failures reach the store before either is appended
	var arrived sync.WaitGroup
	arrived.Add(2)
	h.attempts.beforeAppend = func() {
		arrived.Done()
		arrived.Wait()
	}

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.lockout.RecordFailure(ctx, "nina@example.com", PolicyLogin)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	status, err := h.lockout.CheckStatus(ctx, "nina@example.com")
	require.NoError(t, err)
	assert.True(t, status.IsLocked)
	assert.Equal(t, 6, status.FailedAttempts)
	assert.Len(t, h.auditRepo.Find(models.AuditActionAccountLocked), 1)
}

func TestLockoutService_ParallelFailuresAllCounted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	const n = 64

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.lockout.RecordFailure(ctx, "oscar@example.com", PolicyLogin)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	status, err := h.lockout.CheckStatus(ctx, "oscar@example.com")
	require.NoError(t, err)
	assert.Equal(t, n, status.FailedAttempts)
	assert.True(t, status.IsLocked)

	history, err := h.attempts.History(ctx, "oscar@example.com", models.AttemptAuthFailure, testStart.Add(-time.Hour))
	require.NoError(t, err)
	assert.Len(t, history, n)
	assert.Len(t, h.auditRepo.Find(models.AuditActionAccountLocked), 1)
}

func TestLockoutService_IdentifiersAreNormalized(t *testing.T) {
	h := newHarness(t)

	failN(t, h, "Dave@Example.com", 3)
	status := failN(t, h, "  dave@example.com ", 2)

	assert.True(t, status.IsLocked)
	assert.Equal(t, "dave@example.com", status.Identifier)
}

func TestLockoutService_Enforce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.lockout.Enforce(ctx, "eve@example.com")
	require.NoError(t, err)

	failN(t, h, "eve@example.com", 5)
	h.clock.Advance(20 * time.Minute)

	_, err = h.lockout.Enforce(ctx, "eve@example.com")
	require.ErrorIs(t, err, models.ErrAccountLocked)

	var locked *models.AccountLockedError
	require.True(t, errors.As(err, &locked))
	assert.Equal(t, 40*time.Minute, locked.RetryAfter(h.clock.Now()))
}

func TestLockoutService_RecordSuccessResets(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	failN(t, h, "frank@example.com", 4)
	require.NoError(t, h.lockout.RecordSuccess(ctx, "frank@example.com"))

	status := failN(t, h, "frank@example.com", 1)
	assert.Equal(t, 1, status.FailedAttempts)
	assert.False(t, status.IsLocked)
}

func TestLockoutService_RecordSuccessKeepsHistoryWhenDisabled(t *testing.T) {
	cfg := DefaultLockoutConfig()
	cfg.ResetOnSuccess = false
	h := newHarness(t)
	h.lockout = NewLockoutService(h.attempts, h.audit, h.clock, cfg, testLogger())
	ctx := context.Background()

	failN(t, h, "gina@example.com", 2)
	require.NoError(t, h.lockout.RecordSuccess(ctx, "gina@example.com"))

	status, err := h.lockout.CheckStatus(ctx, "gina@example.com")
	require.NoError(t, err)
	assert.Equal(t, 2, status.FailedAttempts)
}

func TestLockoutService_FailsClosed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.attempts.fail.Store(true)

	status, err := h.lockout.CheckStatus(ctx, "hank@example.com")
	assert.ErrorIs(t, err, models.ErrStorageUnavailable)
	require.NotNil(t, status)
	assert.True(t, status.IsLocked)

	status, err = h.lockout.RecordFailure(ctx, "hank@example.com", PolicyLogin)
	assert.ErrorIs(t, err, models.ErrStorageUnavailable)
	assert.True(t, status.IsLocked)

	_, err = h.lockout.Enforce(ctx, "hank@example.com")
	assert.ErrorIs(t, err, models.ErrStorageUnavailable)
	assert.NotErrorIs(t, err, models.ErrAccountLocked)
}

func TestLockoutService_RecordFailureRequiresIdentifier(t *testing.T) {
	h := newHarness(t)

	_, err := h.lockout.RecordFailure(context.Background(), "  ", PolicyLogin)
	assert.ErrorIs(t, err, models.ErrBadRequest)
}

func TestLockoutService_RateLimitedRecordsDoNotLock(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, h.lockout.RecordRateLimited(ctx, "10.0.0.9", PolicyLogin))
	}

	status, err := h.lockout.CheckStatus(ctx, "10.0.0.9")
	require.NoError(t, err)
	assert.False(t, status.IsLocked)
	assert.Equal(t, 0, status.FailedAttempts)
}

func TestLockoutService_EmergencyUnlock(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	failN(t, h, "ivan@example.com", 6)

	status, err := h.lockout.EmergencyUnlock(ctx, adminActor, "ivan@example.com", "verified by phone")
	require.NoError(t, err)
	assert.False(t, status.IsLocked)
	assert.Equal(t, 0, status.FailedAttempts)

	entries := h.auditRepo.Find(models.AuditActionEmergencyUnlock)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, models.SeverityCritical, e.Severity)
	assert.Equal(t, models.AuditSourceAdmin, e.Source)
	assert.Equal(t, "ivan@example.com", e.ResourceID)
	assert.Equal(t, "admin-1", e.Details["admin_id"])
	assert.Equal(t, "verified by phone", e.Details["reason"])
	assert.Equal(t, 6, e.Details["cleared_attempts"])
	assert.Eventually(t, func() bool { return h.notifier.Count() >= 1 }, time.Second, 5*time.Millisecond)
}

func TestLockoutService_EmergencyUnlock_RequiresAdmin(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	failN(t, h, "judy@example.com", 5)

	_, err := h.lockout.EmergencyUnlock(ctx, models.Actor{UserID: "u-9", Role: models.RoleUser}, "judy@example.com", "please")
	assert.ErrorIs(t, err, models.ErrUnauthorized)
	assert.Len(t, h.auditRepo.Find(models.AuditActionUnauthorizedAdminAction), 1)

	status, err := h.lockout.CheckStatus(ctx, "judy@example.com")
	require.NoError(t, err)
	assert.True(t, status.IsLocked, "non-admin must not clear the lock")
}

func TestLockoutService_EmergencyUnlock_RequiresReason(t *testing.T) {
	h := newHarness(t)

	_, err := h.lockout.EmergencyUnlock(context.Background(), adminActor, "kim@example.com", "   ")
	assert.ErrorIs(t, err, models.ErrBadRequest)
}

func TestLockoutService_Stats(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	failN(t, h, "locked@example.com", 5)
	failN(t, h, "fine@example.com", 2)
	_, err := h.lockout.RecordFailure(ctx, "u-1", Policy2FAVerify)
	require.NoError(t, err)
	require.NoError(t, h.lockout.RecordRateLimited(ctx, "10.0.0.1", PolicyLogin))

	stats, err := h.lockout.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.LockedIdentifiers)
	assert.Equal(t, 8, stats.TotalFailures)
	assert.Equal(t, 1, stats.RateLimited)
	require.NotEmpty(t, stats.TopEndpoints)
	assert.Equal(t, models.EndpointCount{Endpoint: PolicyLogin, Count: 8}, stats.TopEndpoints[0])
	assert.Equal(t, testStart.Add(-24*time.Hour), stats.WindowStart)
}

func TestLockoutService_PurgeExpired(t *testing.T) {
	store := memory.NewAttemptStore()
	c := clock.NewFake(testStart)
	h := newHarness(t)
	svc := NewLockoutService(store, h.audit, c, DefaultLockoutConfig(), testLogger())
	ctx := context.Background()

	_, err := svc.RecordFailure(ctx, "old@example.com", PolicyLogin)
	require.NoError(t, err)

	c.Advance(25 * time.Hour)
	_, err = svc.RecordFailure(ctx, "new@example.com", PolicyLogin)
	require.NoError(t, err)

	n, err := svc.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 24*time.Hour, svc.RetentionWindow())
}
