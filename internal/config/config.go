package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMemory   = "memory"

	minEncryptionKeyLen = 32
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Auth      AuthConfig
	RateLimit RateLimitConfig
	Lockout   LockoutConfig
	Audit     AuditConfig
	Alerts    AlertConfig
	Bootstrap BootstrapConfig

	StoreBackend    string        `env:"STORE_BACKEND" envDefault:"postgres"`
	CounterBackend  string        `env:"COUNTER_BACKEND" envDefault:"memory"`
	StoreTimeout    time.Duration `env:"STORE_TIMEOUT" envDefault:"2s"`
	CleanupInterval time.Duration `env:"CLEANUP_INTERVAL" envDefault:"5m"`
}

type ServerConfig struct {
	Port           string   `env:"PORT" envDefault:"8080"`
	Env            string   `env:"ENV" envDefault:"development"`
	LogLevel       string   `env:"LOG_LEVEL" envDefault:"info"`
	TrustedProxies []string `env:"TRUSTED_PROXIES" envSeparator:","`
}

type DatabaseConfig struct {
	Host              string        `env:"DB_HOST" envDefault:"localhost"`
	Port              int           `env:"DB_PORT" envDefault:"5432"`
	User              string        `env:"DB_USER" envDefault:"postgres"`
	Password          string        `env:"DB_PASSWORD"`
	Name              string        `env:"DB_NAME" envDefault:"authguard"`
	SSLMode           string        `env:"DB_SSLMODE" envDefault:"disable"`
	MaxConns          int32         `env:"DB_MAX_CONNS" envDefault:"25"`
	MinConns          int32         `env:"DB_MIN_CONNS" envDefault:"5"`
	MaxConnLifetime   time.Duration `env:"DB_MAX_CONN_LIFETIME" envDefault:"5m"`
	MaxConnIdleTime   time.Duration `env:"DB_MAX_CONN_IDLE_TIME" envDefault:"1m"`
	HealthCheckPeriod time.Duration `env:"DB_HEALTH_CHECK_PERIOD" envDefault:"1m"`
	MigrateOnStart    bool          `env:"DB_MIGRATE_ON_START" envDefault:"true"`
}

type RedisConfig struct {
	URL            string        `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	ConnectTimeout time.Duration `env:"REDIS_CONNECT_TIMEOUT" envDefault:"10s"`
}

type AuthConfig struct {
	JWTSecret         string        `env:"JWT_SECRET,required"`
	EncryptionKeyB64  string        `env:"ENCRYPTION_KEY,required"`
	TOTPIssuer        string        `env:"TOTP_ISSUER" envDefault:"authguard"`
	AccessTokenExpiry time.Duration `env:"ACCESS_TOKEN_EXPIRY" envDefault:"15m"`
	MFATokenExpiry    time.Duration `env:"MFA_TOKEN_EXPIRY" envDefault:"5m"`
	BcryptCost        int           `env:"BCRYPT_COST" envDefault:"14"`
	BackupCodeCount   int           `env:"BACKUP_CODE_COUNT" envDefault:"8"`
	FailureDelay      time.Duration `env:"AUTH_FAILURE_DELAY" envDefault:"250ms"`
	FailureJitter     time.Duration `env:"AUTH_FAILURE_JITTER" envDefault:"100ms"`

	// EncryptionKey is decoded from EncryptionKeyB64 by Load
	EncryptionKey []byte
}

// PolicyConfig is one named rate limit. Defaults are set per policy before parsing.
type PolicyConfig struct {
	Limit  int           `env:"LIMIT"`
	Window time.Duration `env:"WINDOW"`
}

type RateLimitConfig struct {
	Login      PolicyConfig `envPrefix:"RATE_LIMIT_LOGIN_"`
	TwoFASetup PolicyConfig `envPrefix:"RATE_LIMIT_2FA_SETUP_"`
	TwoFAVerif PolicyConfig `envPrefix:"RATE_LIMIT_2FA_VERIFY_"`
	Newsletter PolicyConfig `envPrefix:"RATE_LIMIT_NEWSLETTER_"`
	Contact    PolicyConfig `envPrefix:"RATE_LIMIT_CONTACT_"`
	API        PolicyConfig `envPrefix:"RATE_LIMIT_API_"`
	// FloodPerMinute bounds raw requests per IP ahead of the named policies
	FloodPerMinute int `env:"RATE_LIMIT_FLOOD_PER_MINUTE" envDefault:"300"`
}

type LockoutConfig struct {
	Threshold      int           `env:"LOCKOUT_THRESHOLD" envDefault:"5"`
	Window         time.Duration `env:"LOCKOUT_WINDOW" envDefault:"1h"`
	Duration       time.Duration `env:"LOCKOUT_DURATION" envDefault:"1h"`
	StatsWindow    time.Duration `env:"LOCKOUT_STATS_WINDOW" envDefault:"24h"`
	ResetOnSuccess bool          `env:"LOCKOUT_RESET_ON_SUCCESS" envDefault:"true"`
}

type AuditConfig struct {
	BufferSize   int           `env:"AUDIT_BUFFER_SIZE" envDefault:"256"`
	WriteTimeout time.Duration `env:"AUDIT_WRITE_TIMEOUT" envDefault:"2s"`
}

type AlertConfig struct {
	Enabled    bool     `env:"ALERT_EMAIL_ENABLED" envDefault:"false"`
	From       string   `env:"ALERT_EMAIL_FROM"`
	Recipients []string `env:"ALERT_EMAIL_TO" envSeparator:","`
	AWSRegion  string   `env:"AWS_REGION" envDefault:"us-east-1"`
}

// BootstrapConfig seeds an admin account in the memory store backend
type BootstrapConfig struct {
	AdminEmail    string `env:"ADMIN_EMAIL"`
	AdminPassword string `env:"ADMIN_PASSWORD"`
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := defaults()
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		RateLimit: RateLimitConfig{
			Login:      PolicyConfig{Limit: 5, Window: 15 * time.Minute},
			TwoFASetup: PolicyConfig{Limit: 5, Window: 15 * time.Minute},
			TwoFAVerif: PolicyConfig{Limit: 10, Window: 15 * time.Minute},
			Newsletter: PolicyConfig{Limit: 3, Window: time.Hour},
			Contact:    PolicyConfig{Limit: 5, Window: time.Hour},
			API:        PolicyConfig{Limit: 100, Window: time.Minute},
		},
	}
}

func (c *Config) validate() error {
	var errs []error

	if err := validateJWTSecret(c.Auth.JWTSecret, c.Server.Env); err != nil {
		errs = append(errs, err)
	}

	key, err := decodeEncryptionKey(c.Auth.EncryptionKeyB64)
	if err != nil {
		errs = append(errs, err)
	}
	c.Auth.EncryptionKey = key

	switch c.StoreBackend {
	case BackendPostgres:
		if c.Database.Password == "" {
			errs = append(errs, errors.New("DB_PASSWORD is required when STORE_BACKEND=postgres"))
		}
	case BackendMemory:
		if c.Server.Env == "production" {
			errs = append(errs, errors.New("STORE_BACKEND=memory is not allowed in production"))
		}
	default:
		errs = append(errs, fmt.Errorf("STORE_BACKEND must be %q or %q (got %q)", BackendPostgres, BackendMemory, c.StoreBackend))
	}

	switch c.CounterBackend {
	case BackendRedis, BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("COUNTER_BACKEND must be %q or %q (got %q)", BackendRedis, BackendMemory, c.CounterBackend))
	}

	for name, p := range c.RateLimit.Policies() {
		if p.Limit <= 0 || p.Window <= 0 {
			errs = append(errs, fmt.Errorf("rate limit policy %s needs a positive limit and window", name))
		}
	}

	if c.Lockout.Threshold <= 0 {
		errs = append(errs, errors.New("LOCKOUT_THRESHOLD must be positive"))
	}
	if c.Lockout.Window <= 0 || c.Lockout.Duration <= 0 {
		errs = append(errs, errors.New("LOCKOUT_WINDOW and LOCKOUT_DURATION must be positive"))
	}

	if c.Alerts.Enabled && (c.Alerts.From == "" || len(c.Alerts.Recipients) == 0) {
		errs = append(errs, errors.New("ALERT_EMAIL_FROM and ALERT_EMAIL_TO are required when alerts are enabled"))
	}

	return errors.Join(errs...)
}

// Policies returns the configured limits keyed by policy name
func (c RateLimitConfig) Policies() map[string]PolicyConfig {
	return map[string]PolicyConfig{
		"login":      c.Login,
		"2fa_setup":  c.TwoFASetup,
		"2fa_verify": c.TwoFAVerif,
		"newsletter": c.Newsletter,
		"contact":    c.Contact,
		"api":        c.API,
	}
}

// validateJWTSecret enforces minimum security standards for JWT secret
func validateJWTSecret(secret, env string) error {
	minLength := 16
	if env == "production" {
		minLength = 32
	}

	if len(secret) < minLength {
		return fmt.Errorf("JWT_SECRET must be at least %d characters in %s environment (got %d)",
			minLength, env, len(secret))
	}

	weakSecrets := []string{
		"secret", "test", "password", "12345", "changeme",
		"admin", "root", "default", "example",
	}

	secretLower := strings.ToLower(secret)
	for _, weak := range weakSecrets {
		if secretLower == weak {
			return fmt.Errorf("JWT_SECRET cannot be a common weak value")
		}
	}

	return nil
}

// decodeEncryptionKey accepts standard or URL-safe base64
func decodeEncryptionKey(encoded string) ([]byte, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, errors.New("ENCRYPTION_KEY is required")
	}

	var key []byte
	var err error
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		if key, err = enc.DecodeString(encoded); err == nil {
			break
		}
	}
	if err != nil {
		return nil, errors.New("ENCRYPTION_KEY must be base64 encoded")
	}
	if len(key) < minEncryptionKeyLen {
		return nil, fmt.Errorf("ENCRYPTION_KEY must decode to at least %d bytes (got %d)", minEncryptionKeyLen, len(key))
	}
	return key, nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// URL returns the DSN in URL form for database/sql drivers
func (c *DatabaseConfig) URL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:     c.Name,
		RawQuery: "sslmode=" + url.QueryEscape(c.SSLMode),
	}
	return u.String()
}
