package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"strings"
	"unicode"
)

const (
	DefaultBackupCodeCount = 8
	backupCodeBytes        = 4 // 8 hex characters
)

// BackupCodeManager generates single-use recovery codes and consumes them
// against the encrypted list stored on the user's profile
type BackupCodeManager struct {
	enc *EncryptionService
}

// NewBackupCodeManager creates a backup code manager sealing lists with enc
func NewBackupCodeManager(enc *EncryptionService) *BackupCodeManager {
	return &BackupCodeManager{enc: enc}
}

// Generate returns count unique codes of 8 uppercase hex characters each
func (m *BackupCodeManager) Generate(count int) ([]string, error) {
	if count <= 0 {
		count = DefaultBackupCodeCount
	}

	seen := make(map[string]struct{}, count)
	codes := make([]string, 0, count)
	buf := make([]byte, backupCodeBytes)
	for len(codes) < count {
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("failed to generate backup code: %w", err)
		}
		code := fmt.Sprintf("%08X", uint32(buf[0])<<24|uint32(buf[1])<<16|uint32(buf[2])<<8|uint32(buf[3]))
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		codes = append(codes, code)
	}

	return codes, nil
}

// Seal encrypts a code list for storage
func (m *BackupCodeManager) Seal(codes []string) (string, error) {
	return m.enc.EncryptBackupCodes(codes)
}

// Count returns the number of codes left in an encrypted list
func (m *BackupCodeManager) Count(storedEncrypted string) (int, error) {
	codes, err := m.enc.DecryptBackupCodes(storedEncrypted)
	if err != nil {
		return 0, err
	}
	return len(codes), nil
}

// Consume checks supplied against the stored list. On a match exactly one code is
// removed and the remainder re-encrypted; an empty list yields an empty blob.
// On no match the original blob is returned unchanged.
func (m *BackupCodeManager) Consume(storedEncrypted, supplied string) (bool, string, error) {
	codes, err := m.enc.DecryptBackupCodes(storedEncrypted)
	if err != nil {
		return false, storedEncrypted, err
	}

	candidate := NormalizeBackupCode(supplied)
	if candidate == "" {
		return false, storedEncrypted, nil
	}

	idx := -1
	for i, code := range codes {
		if subtle.ConstantTimeCompare([]byte(code), []byte(candidate)) == 1 && idx < 0 {
			idx = i
		}
	}
	if idx < 0 {
		return false, storedEncrypted, nil
	}

	remaining := make([]string, 0, len(codes)-1)
	remaining = append(remaining, codes[:idx]...)
	remaining = append(remaining, codes[idx+1:]...)

	sealed, err := m.enc.EncryptBackupCodes(remaining)
	if err != nil {
		return false, storedEncrypted, fmt.Errorf("failed to re-encrypt backup codes: %w", err)
	}

	return true, sealed, nil
}

// NormalizeBackupCode uppercases input and strips whitespace and dashes
func NormalizeBackupCode(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || r == '-' {
			return -1
		}
		return unicode.ToUpper(r)
	}, s)
}
