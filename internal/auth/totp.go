package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base32"
	"errors"
	"fmt"
	"time"

	"github.com/BradenHooton/authguard/internal/clock"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	TOTPDigits        = 6
	TOTPPeriodSeconds = 30
	TOTPSecretBytes   = 20 // 160 bits
	DefaultTOTPWindow = 1
)

var ErrInvalidSecret = errors.New("totp secret is not valid base32")

var secretEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// TOTPEngine generates secrets and validates RFC 6238 codes (SHA-1, 6 digits, 30s)
type TOTPEngine struct {
	clock  clock.Clock
	issuer string
}

// NewTOTPEngine creates a TOTP engine reading time from c
func NewTOTPEngine(c clock.Clock, issuer string) *TOTPEngine {
	if c == nil {
		c = clock.Real{}
	}
	return &TOTPEngine{clock: c, issuer: issuer}
}

// Issuer returns the default issuer used in provisioning URIs
func (e *TOTPEngine) Issuer() string {
	return e.issuer
}

// GenerateSecret returns a fresh base32 secret of 160 random bits
func (e *TOTPEngine) GenerateSecret() (string, error) {
	raw := make([]byte, TOTPSecretBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate TOTP secret: %w", err)
	}
	return secretEncoding.EncodeToString(raw), nil
}

// BuildProvisioningURI renders the otpauth:// URI for an existing secret.
// An empty issuer falls back to the engine's issuer.
func (e *TOTPEngine) BuildProvisioningURI(secret, accountLabel, issuer string) (string, error) {
	if issuer == "" {
		issuer = e.issuer
	}

	raw, err := decodeSecret(secret)
	if err != nil {
		return "", err
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: accountLabel,
		Secret:      raw,
		Period:      TOTPPeriodSeconds,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", fmt.Errorf("failed to build provisioning URI: %w", err)
	}

	return key.URL(), nil
}

// Validate accepts token if it matches the code for the current time step or
// any of the window steps on either side. Comparison is constant time.
// The error is non-nil only when the secret itself cannot be decoded.
func (e *TOTPEngine) Validate(secret, token string, window int) (bool, error) {
	if _, err := decodeSecret(secret); err != nil {
		return false, err
	}
	if !isDigits(token, TOTPDigits) {
		return false, nil
	}
	if window < 0 {
		window = 0
	}

	opts := totp.ValidateOpts{
		Period:    TOTPPeriodSeconds,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	}

	now := e.clock.Now()
	matched := 0
	for step := -window; step <= window; step++ {
		at := now.Add(time.Duration(step*TOTPPeriodSeconds) * time.Second)
		code, err := totp.GenerateCodeCustom(secret, at, opts)
		if err != nil {
			return false, fmt.Errorf("failed to generate TOTP code: %w", err)
		}
		// no early exit
		matched |= subtle.ConstantTimeCompare([]byte(code), []byte(token))
	}

	return matched == 1, nil
}

// CodeAt returns the code for secret at t. Used by tests and tooling.
func (e *TOTPEngine) CodeAt(secret string, t time.Time) (string, error) {
	return totp.GenerateCodeCustom(secret, t, totp.ValidateOpts{
		Period:    TOTPPeriodSeconds,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
}

func decodeSecret(secret string) ([]byte, error) {
	raw, err := secretEncoding.DecodeString(secret)
	if err != nil || len(raw) == 0 {
		return nil, ErrInvalidSecret
	}
	return raw, nil
}

func isDigits(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
