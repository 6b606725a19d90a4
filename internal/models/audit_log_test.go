package models

import (
	"errors"
	"testing"
	"time"
)

func TestAuditFilter_Matches(t *testing.T) {
	uid := "user-1"
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	entry := &AuditLogEntry{
		Timestamp:    ts,
		UserID:       &uid,
		Action:       AuditAction2FAVerifyFailure,
		ResourceType: AuditResourceTypeTwoFactor,
		Severity:     SeverityWarning,
		Source:       AuditSourceAuth,
	}
	before := ts.Add(-time.Hour)
	after := ts.Add(time.Hour)

	tests := []struct {
		name   string
		filter AuditFilter
		want   bool
	}{
		{"empty filter", AuditFilter{}, true},
		{"exact action", AuditFilter{Action: AuditAction2FAVerifyFailure}, true},
		{"other action", AuditFilter{Action: AuditActionLoginFailure}, false},
		{"search is case insensitive", AuditFilter{Search: "verify"}, true},
		{"search miss", AuditFilter{Search: "unlock"}, false},
		{"severity", AuditFilter{Severity: SeverityWarning}, true},
		{"severity miss", AuditFilter{Severity: SeverityCritical}, false},
		{"source miss", AuditFilter{Source: AuditSourceAdmin}, false},
		{"resource type", AuditFilter{ResourceType: AuditResourceTypeTwoFactor}, true},
		{"user", AuditFilter{UserID: "user-1"}, true},
		{"user miss", AuditFilter{UserID: "user-2"}, false},
		{"inside range", AuditFilter{From: &before, To: &after}, true},
		{"before range", AuditFilter{From: &after}, false},
		{"after range", AuditFilter{To: &before}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Matches(entry); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAuditFilter_Matches_NilUserID(t *testing.T) {
	entry := &AuditLogEntry{Action: AuditActionRateLimitExceeded}
	if (AuditFilter{UserID: "user-1"}).Matches(entry) {
		t.Error("expected entry without user to be filtered out")
	}
}

func TestSeverity_Synchronous(t *testing.T) {
	if SeverityInfo.Synchronous() {
		t.Error("INFO should be asynchronous")
	}
	for _, s := range []Severity{SeverityWarning, SeverityError, SeverityCritical} {
		if !s.Synchronous() {
			t.Errorf("%s should be synchronous", s)
		}
	}
}

func TestAuditMetadata_ScanValue(t *testing.T) {
	md := AuditMetadata{"reason": "support ticket"}
	v, err := md.Value()
	if err != nil {
		t.Fatalf("Value() error = %v", err)
	}

	var out AuditMetadata
	if err := out.Scan(v); err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if out["reason"] != "support ticket" {
		t.Errorf("expected reason to survive, got %v", out["reason"])
	}

	if err := out.Scan(42); !errors.Is(err, ErrBadRequest) {
		t.Errorf("expected ErrBadRequest for unsupported type, got %v", err)
	}
}

func TestUserSecurityProfile_State(t *testing.T) {
	var nilProfile *UserSecurityProfile
	if nilProfile.State() != TwoFactorDisabled {
		t.Error("nil profile should be DISABLED")
	}

	p := &UserSecurityProfile{UserID: "u"}
	if p.State() != TwoFactorDisabled {
		t.Errorf("expected DISABLED, got %s", p.State())
	}

	p.TwoFactorSecretEncrypted = "ciphertext"
	if p.State() != TwoFactorPendingSetup {
		t.Errorf("expected PENDING_SETUP, got %s", p.State())
	}

	p.TwoFactorEnabled = true
	if p.State() != TwoFactorEnabled {
		t.Errorf("expected ENABLED, got %s", p.State())
	}

	p.ClearTwoFactor()
	if p.State() != TwoFactorDisabled || p.TwoFactorBackupCodesEncrypted != "" {
		t.Error("ClearTwoFactor should remove secret and codes")
	}
}

func TestTypedErrors_Is(t *testing.T) {
	rl := &RateLimitError{Result: &RateLimitResult{RetryAfter: 30 * time.Second}}
	if !errors.Is(rl, ErrRateLimitExceeded) {
		t.Error("RateLimitError should match ErrRateLimitExceeded")
	}
	if rl.RetryAfter() != 30*time.Second {
		t.Errorf("unexpected RetryAfter %s", rl.RetryAfter())
	}

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	exp := now.Add(90*time.Second + 200*time.Millisecond)
	locked := &AccountLockedError{Status: &LockoutStatus{IsLocked: true, LockoutExpiresAt: &exp}}
	if !errors.Is(locked, ErrAccountLocked) {
		t.Error("AccountLockedError should match ErrAccountLocked")
	}
	if got := locked.RetryAfter(now); got != 91*time.Second {
		t.Errorf("expected ceil to 91s, got %s", got)
	}
}

func TestCeilSeconds(t *testing.T) {
	cases := map[time.Duration]time.Duration{
		0:                       0,
		time.Millisecond:        time.Second,
		time.Second:             time.Second,
		1500 * time.Millisecond: 2 * time.Second,
	}
	for in, want := range cases {
		if got := CeilSeconds(in); got != want {
			t.Errorf("CeilSeconds(%s) = %s, want %s", in, got, want)
		}
	}
}
