package auth

import (
	"fmt"
	"time"

	"github.com/BradenHooton/authguard/internal/clock"
	"github.com/BradenHooton/authguard/internal/models"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenManager handles JWT token generation and validation
type TokenManager struct {
	secret            string
	accessTokenExpiry time.Duration
	mfaTokenExpiry    time.Duration
	clock             clock.Clock
}

// NewTokenManager creates a new TokenManager
func NewTokenManager(secret string, accessExpiry, mfaExpiry time.Duration) *TokenManager {
	return &TokenManager{
		secret:            secret,
		accessTokenExpiry: accessExpiry,
		mfaTokenExpiry:    mfaExpiry,
		clock:             clock.Real{},
	}
}

// GenerateAccessToken creates a short-lived access token with JTI
func (tm *TokenManager) GenerateAccessToken(creds *models.Credentials) (string, error) {
	return tm.sign(models.TokenTypeAccess, creds, tm.accessTokenExpiry)
}

// GenerateMFAToken creates a token that only authorizes the second login step
func (tm *TokenManager) GenerateMFAToken(creds *models.Credentials) (string, error) {
	return tm.sign(models.TokenTypeMFA, creds, tm.mfaTokenExpiry)
}

func (tm *TokenManager) sign(tokenType string, creds *models.Credentials, ttl time.Duration) (string, error) {
	now := tm.clock.Now()
	claims := &models.TokenClaims{
		Type:   tokenType,
		UserID: creds.UserID,
		Email:  creds.Email,
		Role:   creds.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   creds.UserID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(tm.secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign %s token: %w", tokenType, err)
	}

	return tokenString, nil
}

// ValidateToken verifies a token and returns its claims
func (tm *TokenManager) ValidateToken(tokenString string) (*models.TokenClaims, error) {
	claims := &models.TokenClaims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(tm.secret), nil
	}, jwt.WithTimeFunc(tm.clock.Now))

	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	if !token.Valid {
		return nil, models.ErrUnauthorized
	}

	if claims.Type == "" || claims.UserID == "" {
		return nil, fmt.Errorf("invalid token: missing type or subject")
	}

	return claims, nil
}

// ValidateTokenOfType validates the token and requires a specific type
func (tm *TokenManager) ValidateTokenOfType(tokenString, tokenType string) (*models.TokenClaims, error) {
	claims, err := tm.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.Type != tokenType {
		return nil, fmt.Errorf("%w: expected %s token", models.ErrUnauthorized, tokenType)
	}
	return claims, nil
}
