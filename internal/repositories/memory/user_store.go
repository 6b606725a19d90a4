package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/BradenHooton/authguard/internal/models"
)

type userRecord struct {
	creds   models.Credentials
	profile models.UserSecurityProfile
}

// UserStore keeps credentials and security profiles for a fixed set of users.
// UpdateProfile is a compare-and-swap on the profile version.
type UserStore struct {
	mu      sync.RWMutex
	byID    map[string]*userRecord
	byEmail map[string]string
}

func NewUserStore() *UserStore {
	return &UserStore{
		byID:    make(map[string]*userRecord),
		byEmail: make(map[string]string),
	}
}

// Create adds a user with 2FA disabled. Duplicate ids or e-mails return ErrConflict.
func (s *UserStore) Create(ctx context.Context, creds *models.Credentials) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	email := strings.ToLower(creds.Email)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[creds.UserID]; ok {
		return models.ErrConflict
	}
	if _, ok := s.byEmail[email]; ok {
		return models.ErrConflict
	}

	rec := &userRecord{creds: *creds, profile: models.UserSecurityProfile{UserID: creds.UserID}}
	rec.creds.Email = email
	s.byID[creds.UserID] = rec
	s.byEmail[email] = creds.UserID
	return nil
}

func (s *UserStore) GetByEmail(ctx context.Context, email string) (*models.Credentials, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byEmail[strings.ToLower(email)]
	if !ok {
		return nil, models.ErrNotFound
	}
	creds := s.byID[id].creds
	return &creds, nil
}

func (s *UserStore) GetByID(ctx context.Context, userID string) (*models.Credentials, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.byID[userID]
	if !ok {
		return nil, models.ErrNotFound
	}
	creds := rec.creds
	return &creds, nil
}

func (s *UserStore) GetProfile(ctx context.Context, userID string) (*models.UserSecurityProfile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.byID[userID]
	if !ok {
		return nil, models.ErrNotFound
	}
	return rec.profile.Clone(), nil
}

func (s *UserStore) UpdateProfile(ctx context.Context, profile *models.UserSecurityProfile, expectedVersion int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[profile.UserID]
	if !ok {
		return models.ErrNotFound
	}
	if rec.profile.Version != expectedVersion {
		return models.ErrConflict
	}

	next := profile.Clone()
	next.Version = expectedVersion + 1
	rec.profile = *next
	profile.Version = next.Version
	return nil
}
