package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BradenHooton/authguard/internal/database"
	"github.com/BradenHooton/authguard/internal/models"
	"github.com/jackc/pgx/v5/pgxpool"
)

// UserRepository reads credentials and compare-and-swaps 2FA profile columns on users
type UserRepository struct {
	pool *pgxpool.Pool
}

func NewUserRepository(db *database.DB) *UserRepository {
	return &UserRepository{pool: db.Pool}
}

// rowScanner interface for scanning rows (supports both single row and multiple rows)
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCredentials(scanner rowScanner) (*models.Credentials, error) {
	var creds models.Credentials
	if err := scanner.Scan(&creds.UserID, &creds.Email, &creds.PasswordHash, &creds.Role); err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &creds, nil
}

func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*models.Credentials, error) {
	query := `SELECT id, email, password_hash, role FROM users WHERE email = $1`
	return scanCredentials(r.pool.QueryRow(ctx, query, strings.ToLower(email)))
}

func (r *UserRepository) GetByID(ctx context.Context, id string) (*models.Credentials, error) {
	query := `SELECT id, email, password_hash, role FROM users WHERE id = $1`
	return scanCredentials(r.pool.QueryRow(ctx, query, id))
}

// Create inserts a user and fills creds.UserID
func (r *UserRepository) Create(ctx context.Context, creds *models.Credentials) error {
	if creds.Role == "" {
		creds.Role = models.RoleUser
	}

	query := `
		INSERT INTO users (email, password_hash, role)
		VALUES ($1, $2, $3)
		RETURNING id
	`
	err := r.pool.QueryRow(ctx, query, strings.ToLower(creds.Email), creds.PasswordHash, creds.Role).Scan(&creds.UserID)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", database.MapPostgresError(err))
	}
	return nil
}

func (r *UserRepository) GetProfile(ctx context.Context, userID string) (*models.UserSecurityProfile, error) {
	query := `
		SELECT id, two_factor_enabled, two_factor_secret_encrypted, two_factor_backup_codes_encrypted,
		       two_factor_enabled_at, security_version, updated_at
		FROM users WHERE id = $1
	`

	var p models.UserSecurityProfile
	err := r.pool.QueryRow(ctx, query, userID).Scan(
		&p.UserID, &p.TwoFactorEnabled, &p.TwoFactorSecretEncrypted, &p.TwoFactorBackupCodesEncrypted,
		&p.TwoFactorEnabledAt, &p.Version, &p.UpdatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &p, nil
}

// UpdateProfile writes the 2FA columns only when security_version still equals expectedVersion
func (r *UserRepository) UpdateProfile(ctx context.Context, p *models.UserSecurityProfile, expectedVersion int64) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}

	query := `
		UPDATE users
		SET two_factor_enabled = $1,
		    two_factor_secret_encrypted = $2,
		    two_factor_backup_codes_encrypted = $3,
		    two_factor_enabled_at = $4,
		    security_version = security_version + 1,
		    updated_at = $5
		WHERE id = $6 AND security_version = $7
		RETURNING security_version
	`

	var version int64
	err := r.pool.QueryRow(ctx, query,
		p.TwoFactorEnabled, p.TwoFactorSecretEncrypted, p.TwoFactorBackupCodesEncrypted,
		p.TwoFactorEnabledAt, p.UpdatedAt, p.UserID, expectedVersion,
	).Scan(&version)
	if err != nil {
		mapped := database.MapPostgresError(err)
		if !errors.Is(mapped, models.ErrNotFound) {
			return mapped
		}
		// no row: either the user is gone or the version moved
		var exists bool
		if err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)`, p.UserID).Scan(&exists); err != nil {
			return database.MapPostgresError(err)
		}
		if exists {
			return models.ErrConflict
		}
		return models.ErrNotFound
	}

	p.Version = version
	return nil
}
