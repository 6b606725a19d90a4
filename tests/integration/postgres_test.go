//go:build integration

package integration

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BradenHooton/authguard/internal/auth"
	"github.com/BradenHooton/authguard/internal/clock"
	"github.com/BradenHooton/authguard/internal/models"
	"github.com/BradenHooton/authguard/internal/services"
)

var testDB *TestDB

func TestMain(m *testing.M) {
	ctx := context.Background()

	db, err := SetupTestDatabase(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "integration setup failed: %v\n", err)
		os.Exit(1)
	}
	testDB = db

	code := m.Run()
	_ = db.Teardown(ctx)
	os.Exit(code)
}

func setup(t *testing.T) (context.Context, Repositories) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, testDB.CleanupTables(ctx))
	return ctx, InitializeRepositories(testDB.DB)
}

// postgres keeps microseconds
var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestUserRepository_CreateAndLookup(t *testing.T) {
	ctx, repos := setup(t)

	creds, err := SeedUser(ctx, repos.Users, "Alice@Example.com", "C0rrect-Horse-Battery", "")
	require.NoError(t, err)
	require.NotEmpty(t, creds.UserID)
	assert.Equal(t, models.RoleUser, creds.Role)

	got, err := repos.Users.GetByEmail(ctx, "alice@example.COM")
	require.NoError(t, err)
	assert.Equal(t, creds.UserID, got.UserID)
	assert.Equal(t, "alice@example.com", got.Email)

	_, err = SeedUser(ctx, repos.Users, "alice@example.com", "C0rrect-Horse-Battery", "")
	assert.ErrorIs(t, err, models.ErrConflict)

	_, err = repos.Users.GetByID(ctx, uuid.NewString())
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestUserRepository_UpdateProfileCompareAndSwap(t *testing.T) {
	ctx, repos := setup(t)
	creds, err := SeedUser(ctx, repos.Users, "bob@example.com", "C0rrect-Horse-Battery", "")
	require.NoError(t, err)

	p, err := repos.Users.GetProfile(ctx, creds.UserID)
	require.NoError(t, err)
	assert.Equal(t, models.TwoFactorDisabled, p.State())
	assert.Equal(t, int64(0), p.Version)

	stale := *p
	p.TwoFactorSecretEncrypted = "ciphertext"
	p.UpdatedAt = base
	require.NoError(t, repos.Users.UpdateProfile(ctx, p, 0))
	assert.Equal(t, int64(1), p.Version)

	stale.TwoFactorSecretEncrypted = "other"
	err = repos.Users.UpdateProfile(ctx, &stale, 0)
	assert.ErrorIs(t, err, models.ErrConflict)

	reloaded, err := repos.Users.GetProfile(ctx, creds.UserID)
	require.NoError(t, err)
	assert.Equal(t, "ciphertext", reloaded.TwoFactorSecretEncrypted)
	assert.Equal(t, models.TwoFactorPendingSetup, reloaded.State())

	missing := &models.UserSecurityProfile{UserID: uuid.NewString()}
	assert.ErrorIs(t, repos.Users.UpdateProfile(ctx, missing, 0), models.ErrNotFound)
}

func TestUserRepository_EnabledRequiresSecret(t *testing.T) {
	ctx, repos := setup(t)
	creds, err := SeedUser(ctx, repos.Users, "carol@example.com", "C0rrect-Horse-Battery", "")
	require.NoError(t, err)

	p, err := repos.Users.GetProfile(ctx, creds.UserID)
	require.NoError(t, err)
	p.TwoFactorEnabled = true

	assert.ErrorIs(t, repos.Users.UpdateProfile(ctx, p, p.Version), models.ErrBadRequest)
}

func insertAttempt(t *testing.T, ctx context.Context, repos Repositories, identifier, endpoint string, kind models.AttemptKind, at time.Time) {
	t.Helper()
	require.NoError(t, repos.Attempts.Insert(ctx, &models.AttemptRecord{
		ID:         uuid.NewString(),
		Identifier: identifier,
		Endpoint:   endpoint,
		Kind:       kind,
		CreatedAt:  at,
	}))
}

func TestAttemptRepository_Summaries(t *testing.T) {
	ctx, repos := setup(t)

	for i := 0; i < 5; i++ {
		insertAttempt(t, ctx, repos, "alice@example.com", "login", models.AttemptAuthFailure, base.Add(time.Duration(i)*time.Minute))
	}
	insertAttempt(t, ctx, repos, "bob@example.com", "2fa_verify", models.AttemptAuthFailure, base)
	insertAttempt(t, ctx, repos, "login:203.0.113.9", "login", models.AttemptRateLimited, base)
	insertAttempt(t, ctx, repos, "alice@example.com", "login", models.AttemptAuthFailure, base.Add(-2*time.Hour))

	history, err := repos.Attempts.History(ctx, "alice@example.com", models.AttemptAuthFailure, base.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, history, 5)
	assert.True(t, history[0].CreatedAt.Equal(base))
	assert.True(t, history[4].CreatedAt.Equal(base.Add(4*time.Minute)))

	empty, err := repos.Attempts.History(ctx, "nobody", models.AttemptAuthFailure, base.Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, empty)

	all, err := repos.Attempts.SummarizeAll(ctx, models.AttemptAuthFailure, base.Add(-time.Hour), 5)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "alice@example.com", all[0].Identifier)

	limited, err := repos.Attempts.CountByKind(ctx, models.AttemptRateLimited, base.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, limited)

	top, err := repos.Attempts.CountByEndpoint(ctx, base.Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, models.EndpointCount{Endpoint: "login", Count: 6}, top[0])
	assert.Equal(t, models.EndpointCount{Endpoint: "2fa_verify", Count: 1}, top[1])
}

func TestAttemptRepository_AppendSerializesPerIdentifier(t *testing.T) {
	ctx, repos := setup(t)

	const n = 16
	sizes := make(chan int, n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			rec := &models.AttemptRecord{
				ID:         uuid.NewString(),
				Identifier: "carol@example.com",
				Endpoint:   "login",
				Kind:       models.AttemptAuthFailure,
				Weight:     1,
				CreatedAt:  base.Add(time.Duration(i) * time.Second),
			}
			history, err := repos.Attempts.Append(ctx, rec, base.Add(-time.Hour))
			if err == nil && !containsAttempt(history, rec.ID) {
				err = fmt.Errorf("snapshot for %s is missing its own record", rec.ID)
			}
			errs <- err
			sizes <- len(history)
		}(i)
	}

	seen := make(map[int]bool, n)
	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
		size := <-sizes
		assert.False(t, seen[size], "two appends observed %d records", size)
		seen[size] = true
	}

	history, err := repos.Attempts.History(ctx, "carol@example.com", models.AttemptAuthFailure, base.Add(-time.Hour))
	require.NoError(t, err)
	assert.Len(t, history, n)
}

func containsAttempt(history []models.AttemptRecord, id string) bool {
	for _, r := range history {
		if r.ID == id {
			return true
		}
	}
	return false
}

func TestAttemptRepository_Deletes(t *testing.T) {
	ctx, repos := setup(t)

	insertAttempt(t, ctx, repos, "alice@example.com", "login", models.AttemptAuthFailure, base)
	insertAttempt(t, ctx, repos, "alice@example.com", "login", models.AttemptRateLimited, base)
	insertAttempt(t, ctx, repos, "bob@example.com", "login", models.AttemptAuthFailure, base.Add(-25*time.Hour))

	n, err := repos.Attempts.DeleteByIdentifier(ctx, "alice@example.com", models.AttemptAuthFailure)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = repos.Attempts.DeleteOlderThan(ctx, base.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	left, err := repos.Attempts.CountByKind(ctx, models.AttemptRateLimited, base.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, left)
}

func auditEntry(action string, severity models.Severity, at time.Time, userID *string) *models.AuditLogEntry {
	return &models.AuditLogEntry{
		ID:           uuid.NewString(),
		Timestamp:    at,
		UserID:       userID,
		Action:       action,
		ResourceType: "user",
		Details:      models.AuditMetadata{"ip": "203.0.113.9"},
		Severity:     severity,
		Source:       models.AuditSourceAuth,
	}
}

func TestAuditLogRepository_CreateAndQuery(t *testing.T) {
	ctx, repos := setup(t)
	alice := "u-alice"

	require.NoError(t, repos.Audit.Create(ctx, auditEntry("LOGIN_FAILED", models.SeverityInfo, base, &alice)))
	require.NoError(t, repos.Audit.Create(ctx, auditEntry("ACCOUNT_LOCKED", models.SeverityWarning, base.Add(time.Minute), &alice)))
	require.NoError(t, repos.Audit.Create(ctx, auditEntry("EMERGENCY_UNLOCK", models.SeverityCritical, base.Add(2*time.Minute), nil)))

	page, total, err := repos.Audit.Query(ctx, models.AuditFilter{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, page, 3)
	assert.Equal(t, "EMERGENCY_UNLOCK", page[0].Action, "newest first")
	assert.Nil(t, page[0].UserID)
	assert.Equal(t, "203.0.113.9", page[2].Details["ip"])

	byUser, total, err := repos.Audit.Query(ctx, models.AuditFilter{UserID: alice, Severity: models.SeverityWarning, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, byUser, 1)
	assert.Equal(t, "ACCOUNT_LOCKED", byUser[0].Action)

	from := base.Add(30 * time.Second)
	searched, total, err := repos.Audit.Query(ctx, models.AuditFilter{Search: "lock", From: &from, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, searched, 1)
	assert.Equal(t, "EMERGENCY_UNLOCK", searched[0].Action)

	literal, _, err := repos.Audit.Query(ctx, models.AuditFilter{Search: "%", Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, literal, "wildcards in search are matched literally")
}

func TestAuditLogRepository_AppendOnly(t *testing.T) {
	ctx, repos := setup(t)
	entry := auditEntry("LOGIN_SUCCESS", models.SeverityInfo, base, nil)
	require.NoError(t, repos.Audit.Create(ctx, entry))

	_, err := testDB.Pool.Exec(ctx, `UPDATE audit_logs SET action = 'TAMPERED' WHERE id = $1`, entry.ID)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "append-only"))

	_, err = testDB.Pool.Exec(ctx, `DELETE FROM audit_logs WHERE id = $1`, entry.ID)
	require.Error(t, err)

	_, total, err := repos.Audit.Query(ctx, models.AuditFilter{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestSecurityFlow_OverPostgres(t *testing.T) {
	ctx, repos := setup(t)
	c := clock.NewFake(base)
	logger := quietLogger()

	enc, err := auth.NewEncryptionService(bytes.Repeat([]byte{0x24}, 32))
	require.NoError(t, err)
	totp := auth.NewTOTPEngine(c, "Authguard")

	auditSvc := services.NewAuditService(repos.Audit, nil, c, services.AuditConfig{BufferSize: 16}, logger)
	lockout := services.NewLockoutService(repos.Attempts, auditSvc, c, services.DefaultLockoutConfig(), logger)
	twoFactor := services.NewTwoFactorService(repos.Users, enc, totp, auth.NewBackupCodeManager(enc), auditSvc, c, services.TwoFactorConfig{}, logger)

	creds, err := SeedUser(ctx, repos.Users, "dana@example.com", "C0rrect-Horse-Battery", "")
	require.NoError(t, err)

	t.Run("lockout derives from history", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			_, err := lockout.RecordFailure(ctx, "dana@example.com", "login")
			require.NoError(t, err)
		}
		status, err := lockout.CheckStatus(ctx, "dana@example.com")
		require.NoError(t, err)
		assert.True(t, status.IsLocked)

		c.Advance(time.Hour + time.Second)
		status, err = lockout.CheckStatus(ctx, "dana@example.com")
		require.NoError(t, err)
		assert.False(t, status.IsLocked)
	})

	t.Run("two factor enrollment and backup code consumption", func(t *testing.T) {
		enrollment, err := twoFactor.BeginSetup(ctx, creds.UserID, creds.Email)
		require.NoError(t, err)
		require.Len(t, enrollment.BackupCodes, 8)

		stored, err := repos.Users.GetProfile(ctx, creds.UserID)
		require.NoError(t, err)
		assert.NotContains(t, stored.TwoFactorSecretEncrypted, enrollment.Secret, "secret is encrypted at rest")

		code, err := totp.CodeAt(enrollment.Secret, c.Now())
		require.NoError(t, err)
		require.NoError(t, twoFactor.ConfirmSetup(ctx, creds.UserID, code))

		enabled, err := twoFactor.IsEnabled(ctx, creds.UserID)
		require.NoError(t, err)
		assert.True(t, enabled)

		res, err := twoFactor.VerifyLogin(ctx, creds.UserID, enrollment.BackupCodes[0])
		require.NoError(t, err)
		assert.True(t, res.IsValid)
		assert.True(t, res.BackupCodeUsed)

		res, err = twoFactor.VerifyLogin(ctx, creds.UserID, enrollment.BackupCodes[0])
		require.NoError(t, err)
		assert.False(t, res.IsValid, "a backup code works once")

		status, err := twoFactor.Status(ctx, creds.UserID)
		require.NoError(t, err)
		assert.Equal(t, 7, status.BackupCodesRemaining)
	})

	auditSvc.Close()

	locked, total, err := repos.Audit.Query(ctx, models.AuditFilter{Action: models.AuditActionAccountLocked, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, locked, 1)
	assert.Equal(t, models.SeverityWarning, locked[0].Severity)
}
