package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BradenHooton/authguard/internal/auth"
	"github.com/BradenHooton/authguard/internal/clock"
	"github.com/BradenHooton/authguard/internal/models"
	"github.com/BradenHooton/authguard/internal/repositories/memory"
	"github.com/BradenHooton/authguard/internal/services"
	pkgauth "github.com/BradenHooton/authguard/pkg/auth"
	pkghttp "github.com/BradenHooton/authguard/pkg/http"
	"github.com/BradenHooton/authguard/pkg/qrcode"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const testPassword = "C0rrect-Horse-Battery"

var (
	testStart = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	aliceClaims = &models.TokenClaims{Type: models.TokenTypeAccess, UserID: "u-alice", Email: "alice@example.com", Role: models.RoleUser}
	adminClaims = &models.TokenClaims{Type: models.TokenTypeAccess, UserID: "u-admin", Email: "admin@example.com", Role: models.RoleAdmin}
)

// fixture wires the real services over in-memory stores behind a chi router
type fixture struct {
	clock     *clock.Fake
	users     *memory.UserStore
	auditLog  *memory.AuditStore
	totp      *auth.TOTPEngine
	lockout   *services.LockoutService
	twoFactor *services.TwoFactorService
	router    chi.Router
}

func newFixture(t *testing.T, qr QRRenderer) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	f := &fixture{
		clock:    clock.NewFake(testStart),
		users:    memory.NewUserStore(),
		auditLog: memory.NewAuditStore(),
	}

	enc, err := auth.NewEncryptionService(bytes.Repeat([]byte{0x17}, 32))
	require.NoError(t, err)
	f.totp = auth.NewTOTPEngine(f.clock, "Authguard")
	backup := auth.NewBackupCodeManager(enc)
	hasher := pkgauth.NewHasher(bcrypt.MinCost)
	tokens := auth.NewTokenManager("handler-test-secret-at-least-32-chars", 15*time.Minute, 5*time.Minute)

	auditSvc := services.NewAuditService(f.auditLog, nil, f.clock, services.AuditConfig{BufferSize: 64}, logger)
	t.Cleanup(auditSvc.Close)
	limiter := services.NewRateLimitService(memory.NewCounterStore(), f.clock, services.RateLimitConfig{}, logger)
	f.lockout = services.NewLockoutService(memory.NewAttemptStore(), auditSvc, f.clock, services.DefaultLockoutConfig(), logger)
	f.twoFactor = services.NewTwoFactorService(f.users, enc, f.totp, backup, auditSvc, f.clock, services.TwoFactorConfig{}, logger)
	authSvc := services.NewAuthService(f.users, hasher, tokens, limiter, f.lockout, f.twoFactor, auditSvc, auth.FailureDelay{}, logger)
	adminSvc := services.NewAdminService(auditSvc, f.lockout, logger)

	hash, err := hasher.Hash(testPassword)
	require.NoError(t, err)
	for _, c := range []*models.TokenClaims{aliceClaims, adminClaims} {
		require.NoError(t, f.users.Create(context.Background(), &models.Credentials{
			UserID: c.UserID, Email: c.Email, PasswordHash: hash, Role: c.Role,
		}))
	}

	ah := NewAuthHandler(authSvc, f.clock, logger)
	th := NewTwoFactorHandler(f.twoFactor, qr, f.clock, logger)
	adm := NewAdminHandler(f.lockout, f.twoFactor, auditSvc, adminSvc, f.clock, logger)

	r := chi.NewRouter()
	r.Post("/auth/login", ah.Login)
	r.Post("/auth/2fa/verify", ah.VerifyTwoFactor)
	r.Get("/2fa/status", th.Status)
	r.Post("/2fa/setup", th.Setup)
	r.Post("/2fa/setup/confirm", th.ConfirmSetup)
	r.Post("/2fa/disable", th.Disable)
	r.Post("/2fa/backup-codes/regenerate", th.RegenerateBackupCodes)
	r.Get("/admin/lockouts/stats", adm.GetLockoutStats)
	r.Get("/admin/lockouts/{identifier}", adm.GetLockoutStatus)
	r.Post("/admin/lockouts/{identifier}/unlock", adm.UnlockIdentifier)
	r.Post("/admin/users/{id}/2fa/disable", adm.EmergencyDisableTwoFactor)
	r.Get("/admin/audit-logs", adm.ListAuditLogs)
	r.Get("/admin/dashboard", adm.GetDashboard)
	f.router = r

	return f
}

func newDefaultFixture(t *testing.T) *fixture {
	return newFixture(t, qrcode.DataURL)
}

// NewTestRequest creates an HTTP request with JSON body for testing
func NewTestRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, url, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

// WithAuthContext adds user claims to request context for testing authenticated endpoints
func WithAuthContext(req *http.Request, claims *models.TokenClaims) *http.Request {
	ctx := context.WithValue(req.Context(), auth.UserContextKey, claims)
	return req.WithContext(ctx)
}

// WithClientIP stores caller metadata the way the RequestMetadata middleware does
func WithClientIP(req *http.Request, ip string) *http.Request {
	return req.WithContext(auth.WithRequestMeta(req.Context(), auth.RequestMeta{IPAddress: ip}))
}

func (f *fixture) serve(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

// as sends an authenticated JSON request
func (f *fixture) as(t *testing.T, claims *models.TokenClaims, method, url string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	return f.serve(WithAuthContext(NewTestRequest(t, method, url, body), claims))
}

// code returns the TOTP code valid at the fixture clock
func (f *fixture) code(t *testing.T, secret string) string {
	t.Helper()
	c, err := f.totp.CodeAt(secret, f.clock.Now())
	require.NoError(t, err)
	return c
}

// wrongCode returns a 6-digit code that no step inside the default window accepts
func (f *fixture) wrongCode(t *testing.T, secret string) string {
	t.Helper()
	valid := make(map[string]bool)
	for step := -1; step <= 1; step++ {
		c, err := f.totp.CodeAt(secret, f.clock.Now().Add(time.Duration(step)*30*time.Second))
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

// enroll takes the user to ENABLED through the HTTP endpoints
func (f *fixture) enroll(t *testing.T, claims *models.TokenClaims) TwoFactorSetupResponse {
	t.Helper()
	var setup TwoFactorSetupResponse
	AssertJSONResponse(t, f.as(t, claims, "POST", "/2fa/setup", nil), http.StatusOK, &setup)
	w := f.as(t, claims, "POST", "/2fa/setup/confirm", TOTPCodeRequest{Code: f.code(t, setup.Secret)})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return setup
}

func (f *fixture) find(action string) []*models.AuditLogEntry {
	var out []*models.AuditLogEntry
	for _, e := range f.auditLog.All() {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

// AssertJSONResponse checks that response has correct status and decodes JSON body
func AssertJSONResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, target interface{}) {
	t.Helper()
	require.Equal(t, expectedStatus, w.Code, "Response status mismatch: %s", w.Body.String())
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"), "Content-Type should be application/json")

	if target != nil {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), target), "Failed to decode response JSON")
	}
}

// AssertErrorResponse checks that response is a valid error response
func AssertErrorResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, expectedError string) pkghttp.ErrorResponse {
	t.Helper()
	assert.Equal(t, expectedStatus, w.Code, "Response status mismatch: %s", w.Body.String())

	var resp pkghttp.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), "Failed to decode error response")
	assert.Equal(t, expectedError, resp.Error, "Error code mismatch")
	assert.NotEmpty(t, resp.Message, "Error message should not be empty")
	return resp
}

func failingQR(string) (string, error) {
	return "", errors.New("encoder exploded")
}
