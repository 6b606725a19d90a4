package services

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BradenHooton/authguard/internal/auth"
	"github.com/BradenHooton/authguard/internal/clock"
	"github.com/BradenHooton/authguard/internal/models"
	"github.com/BradenHooton/authguard/internal/repositories/memory"
	pkgauth "github.com/BradenHooton/authguard/pkg/auth"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

var testStart = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

var adminActor = models.Actor{UserID: "admin-1", Role: models.RoleAdmin}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// MockAuditLogRepository records entries and can inject persistence failures
type MockAuditLogRepository struct {
	mu         sync.Mutex
	entries    []*models.AuditLogEntry
	CreateFunc func(ctx context.Context, entry *models.AuditLogEntry) error
	QueryFunc  func(ctx context.Context, filter models.AuditFilter) ([]*models.AuditLogEntry, int, error)
}

func (m *MockAuditLogRepository) Create(ctx context.Context, entry *models.AuditLogEntry) error {
	if m.CreateFunc != nil {
		if err := m.CreateFunc(ctx, entry); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *entry
	m.entries = append(m.entries, &cp)
	return nil
}

func (m *MockAuditLogRepository) Query(ctx context.Context, filter models.AuditFilter) ([]*models.AuditLogEntry, int, error) {
	if m.QueryFunc != nil {
		return m.QueryFunc(ctx, filter)
	}
	return nil, 0, nil
}

func (m *MockAuditLogRepository) Entries() []*models.AuditLogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.AuditLogEntry, len(m.entries))
	copy(out, m.entries)
	return out
}

// Find returns every persisted entry with action
func (m *MockAuditLogRepository) Find(action string) []*models.AuditLogEntry {
	var out []*models.AuditLogEntry
	for _, e := range m.Entries() {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

// MockAlertNotifier records CRITICAL notifications
type MockAlertNotifier struct {
	mu       sync.Mutex
	notified []*models.AuditLogEntry
}

func (m *MockAlertNotifier) NotifyCritical(ctx context.Context, entry *models.AuditLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notified = append(m.notified, entry)
	return nil
}

func (m *MockAlertNotifier) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.notified)
}

// failingCounterStore simulates an unreachable counter backend
type failingCounterStore struct{}

func (failingCounterStore) Increment(ctx context.Context, key string, window time.Duration, now time.Time) (int, time.Time, error) {
	return 0, time.Time{}, errors.New("connection refused")
}

func (failingCounterStore) Reset(ctx context.Context, key string) error {
	return errors.New("connection refused")
}

// flakyAttemptRepo fails every call while fail is set
type flakyAttemptRepo struct {
	*memory.AttemptStore
	fail         atomic.Bool
	beforeAppend func()
}

func (r *flakyAttemptRepo) Insert(ctx context.Context, rec *models.AttemptRecord) error {
	if r.fail.Load() {
		return errors.New("connection reset")
	}
	return r.AttemptStore.Insert(ctx, rec)
}

func (r *flakyAttemptRepo) Append(ctx context.Context, rec *models.AttemptRecord, since time.Time) ([]models.AttemptRecord, error) {
	if r.fail.Load() {
		return nil, errors.New("connection reset")
	}
	if r.beforeAppend != nil {
		r.beforeAppend()
	}
	return r.AttemptStore.Append(ctx, rec, since)
}

func (r *flakyAttemptRepo) History(ctx context.Context, identifier string, kind models.AttemptKind, since time.Time) ([]models.AttemptRecord, error) {
	if r.fail.Load() {
		return nil, errors.New("connection reset")
	}
	return r.AttemptStore.History(ctx, identifier, kind, since)
}

// harness wires every service over in-memory stores and a fake clock
type harness struct {
	clock     *clock.Fake
	users     *memory.UserStore
	attempts  *flakyAttemptRepo
	counters  *memory.CounterStore
	auditRepo *MockAuditLogRepository
	notifier  *MockAlertNotifier
	enc       *auth.EncryptionService
	totp      *auth.TOTPEngine
	backup    *auth.BackupCodeManager
	tokens    *auth.TokenManager
	hasher    *pkgauth.Hasher
	audit     *AuditService
	limiter   *RateLimitService
	lockout   *LockoutService
	twoFactor *TwoFactorService
	auth      *AuthService
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		clock:     clock.NewFake(testStart),
		users:     memory.NewUserStore(),
		attempts:  &flakyAttemptRepo{AttemptStore: memory.NewAttemptStore()},
		counters:  memory.NewCounterStore(),
		auditRepo: &MockAuditLogRepository{},
		notifier:  &MockAlertNotifier{},
		tokens:    auth.NewTokenManager("test-secret-at-least-32-characters", 15*time.Minute, 5*time.Minute),
		hasher:    pkgauth.NewHasher(bcrypt.MinCost),
	}

	enc, err := auth.NewEncryptionService(bytes.Repeat([]byte{0x42}, 32))
	require.NoError(t, err)
	h.enc = enc
	h.totp = auth.NewTOTPEngine(h.clock, "Authguard")
	h.backup = auth.NewBackupCodeManager(enc)

	logger := testLogger()
	h.audit = NewAuditService(h.auditRepo, h.notifier, h.clock, AuditConfig{BufferSize: 64}, logger)
	t.Cleanup(h.audit.Close)

	h.limiter = NewRateLimitService(h.counters, h.clock, RateLimitConfig{}, logger)
	h.lockout = NewLockoutService(h.attempts, h.audit, h.clock, DefaultLockoutConfig(), logger)
	h.twoFactor = NewTwoFactorService(h.users, h.enc, h.totp, h.backup, h.audit, h.clock, TwoFactorConfig{}, logger)
	h.auth = NewAuthService(h.users, h.hasher, h.tokens, h.limiter, h.lockout, h.twoFactor, h.audit, auth.FailureDelay{}, logger)

	return h
}

func (h *harness) seedUser(t *testing.T, id, email, password string) {
	t.Helper()
	hash, err := h.hasher.Hash(password)
	require.NoError(t, err)
	require.NoError(t, h.users.Create(context.Background(), &models.Credentials{
		UserID:       id,
		Email:        email,
		PasswordHash: hash,
		Role:         models.RoleUser,
	}))
}

// enroll takes userID to ENABLED and returns the TOTP secret and backup codes
func (h *harness) enroll(t *testing.T, userID string) (string, []string) {
	t.Helper()
	ctx := context.Background()

	setup, err := h.twoFactor.BeginSetup(ctx, userID, userID+"@example.com")
	require.NoError(t, err)
	require.NoError(t, h.twoFactor.ConfirmSetup(ctx, userID, h.code(t, setup.Secret)))
	return setup.Secret, setup.BackupCodes
}

// code returns the TOTP code valid at the harness clock
func (h *harness) code(t *testing.T, secret string) string {
	t.Helper()
	code, err := h.totp.CodeAt(secret, h.clock.Now())
	require.NoError(t, err)
	return code
}

// wrongCode returns a 6-digit code that matches no step inside the default window
func (h *harness) wrongCode(t *testing.T, secret string) string {
	t.Helper()
	valid := make(map[string]bool)
	for step := -1; step <= 1; step++ {
		c, err := h.totp.CodeAt(secret, h.clock.Now().Add(time.Duration(step)*30*time.Second))
		require.NoError(t, err)
		valid[c] = true
	}
	for _, candidate := range []string{"000000", "111111", "222222", "333333"} {
		if !valid[candidate] {
			return candidate
		}
	}
	t.Fatal("no wrong code candidate available")
	return ""
}

// waitForAction waits for an asynchronously persisted audit entry
func (h *harness) waitForAction(t *testing.T, action string) *models.AuditLogEntry {
	t.Helper()
	var found *models.AuditLogEntry
	require.Eventually(t, func() bool {
		if entries := h.auditRepo.Find(action); len(entries) > 0 {
			found = entries[len(entries)-1]
			return true
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "audit action %s never persisted", action)
	return found
}
