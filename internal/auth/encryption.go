package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/BradenHooton/authguard/internal/models"
	"golang.org/x/crypto/hkdf"
)

const (
	// MinMasterKeySize is the minimum master key length accepted at startup
	MinMasterKeySize = 32

	dataKeyInfo = "authguard/2fa-at-rest/v1"
	codeSep     = ","
)

var ErrMasterKeyTooShort = errors.New("encryption master key must be at least 32 bytes")

// EncryptionService encrypts 2FA secrets and backup code lists at rest.
// Output is base64(nonce || ciphertext || tag) using AES-256-GCM.
type EncryptionService struct {
	aead cipher.AEAD
}

// NewEncryptionService derives the AES-256 data key from masterKey.
// masterKey is loaded once at startup and never stored on the service.
func NewEncryptionService(masterKey []byte) (*EncryptionService, error) {
	if len(masterKey) < MinMasterKeySize {
		return nil, ErrMasterKeyTooShort
	}

	dataKey := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, masterKey, nil, []byte(dataKeyInfo)), dataKey); err != nil {
		return nil, fmt.Errorf("failed to derive data key: %w", err)
	}

	block, err := aes.NewCipher(dataKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &EncryptionService{aead: gcm}, nil
}

// Encrypt seals plaintext with a fresh random nonce
func (s *EncryptionService) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a blob produced by Encrypt.
// Any malformed, truncated or tampered input yields models.ErrDecryption.
func (s *EncryptionService) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: malformed encoding", models.ErrDecryption)
	}

	nonceSize := s.aead.NonceSize()
	if len(raw) < nonceSize+s.aead.Overhead() {
		return "", fmt.Errorf("%w: ciphertext too short", models.ErrDecryption)
	}

	plaintext, err := s.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: authentication failed", models.ErrDecryption)
	}

	return string(plaintext), nil
}

// EncryptBackupCodes serializes codes as a comma-delimited list and encrypts it
func (s *EncryptionService) EncryptBackupCodes(codes []string) (string, error) {
	if len(codes) == 0 {
		return "", nil
	}
	return s.Encrypt(strings.Join(codes, codeSep))
}

// DecryptBackupCodes reverses EncryptBackupCodes. An empty blob means no codes.
func (s *EncryptionService) DecryptBackupCodes(ciphertext string) ([]string, error) {
	if ciphertext == "" {
		return nil, nil
	}

	plain, err := s.Decrypt(ciphertext)
	if err != nil {
		return nil, err
	}
	if plain == "" {
		return nil, nil
	}
	return strings.Split(plain, codeSep), nil
}
