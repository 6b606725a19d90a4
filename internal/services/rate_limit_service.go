package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BradenHooton/authguard/internal/clock"
	"github.com/BradenHooton/authguard/internal/models"
)

// CounterStore is the atomic fixed-window counter primitive behind the rate limiter.
// Increment must create the counter with expiry now+window on first hit and
// atomically increment it on every hit; resetAt is when the current window ends.
type CounterStore interface {
	Increment(ctx context.Context, key string, window time.Duration, now time.Time) (count int, resetAt time.Time, err error)
	Reset(ctx context.Context, key string) error
}

// Named limiter policies. Each uses its own key prefix.
const (
	PolicyLogin      = "login"
	Policy2FASetup   = "2fa_setup"
	Policy2FAVerify  = "2fa_verify"
	PolicyNewsletter = "newsletter"
	PolicyContact    = "contact"
	PolicyAPI        = "api"
)

// RateLimitPolicy is one logical limiter
type RateLimitPolicy struct {
	Name       string
	Limit      int
	Window     time.Duration
	FailClosed bool // deny when the counter store is unavailable
}

// RateLimitConfig holds configuration for rate limiting behavior
type RateLimitConfig struct {
	Policies     map[string]RateLimitPolicy
	StoreTimeout time.Duration
}

// DefaultRateLimitPolicies returns the built-in policy set
func DefaultRateLimitPolicies() map[string]RateLimitPolicy {
	return map[string]RateLimitPolicy{
		PolicyLogin:      {Name: PolicyLogin, Limit: 5, Window: 15 * time.Minute, FailClosed: true},
		Policy2FASetup:   {Name: Policy2FASetup, Limit: 5, Window: 15 * time.Minute, FailClosed: true},
		Policy2FAVerify:  {Name: Policy2FAVerify, Limit: 10, Window: 15 * time.Minute, FailClosed: true},
		PolicyNewsletter: {Name: PolicyNewsletter, Limit: 3, Window: time.Hour},
		PolicyContact:    {Name: PolicyContact, Limit: 5, Window: time.Hour},
		PolicyAPI:        {Name: PolicyAPI, Limit: 100, Window: time.Minute},
	}
}

// RateLimitService implements fixed-window rate limiting over a CounterStore
type RateLimitService struct {
	store  CounterStore
	clock  clock.Clock
	config RateLimitConfig
	logger *slog.Logger
}

// NewRateLimitService creates a new RateLimitService
func NewRateLimitService(store CounterStore, c clock.Clock, config RateLimitConfig, logger *slog.Logger) *RateLimitService {
	if config.Policies == nil {
		config.Policies = DefaultRateLimitPolicies()
	}
	if config.StoreTimeout <= 0 {
		config.StoreTimeout = 2 * time.Second
	}
	if c == nil {
		c = clock.Real{}
	}
	return &RateLimitService{
		store:  store,
		clock:  c,
		config: config,
		logger: logger,
	}
}

// Check counts one hit against identifier. The result is allowed while the
// in-window count is at most limit.
func (s *RateLimitService) Check(ctx context.Context, identifier string, limit int, window time.Duration) (*models.RateLimitResult, error) {
	if identifier == "" || limit <= 0 || window <= 0 {
		return nil, fmt.Errorf("%w: identifier, limit and window are required", models.ErrBadRequest)
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.StoreTimeout)
	defer cancel()

	now := s.clock.Now()
	count, resetAt, err := s.store.Increment(ctx, identifier, window, now)
	if err != nil {
		if !errors.Is(err, models.ErrStorageUnavailable) {
			err = fmt.Errorf("%w: %v", models.ErrStorageUnavailable, err)
		}
		return nil, err
	}

	result := &models.RateLimitResult{
		Allowed:   count <= limit,
		Limit:     limit,
		Remaining: max(0, limit-count),
		ResetAt:   resetAt,
	}
	if !result.Allowed {
		result.RetryAfter = max(time.Second, models.CeilSeconds(resetAt.Sub(now)))
	}

	return result, nil
}

// Enforce applies a named policy to the key built from parts (usually ip and path).
// A rejection returns the result together with a *models.RateLimitError.
func (s *RateLimitService) Enforce(ctx context.Context, policyName string, parts ...string) (*models.RateLimitResult, error) {
	policy, ok := s.config.Policies[policyName]
	if !ok {
		return nil, fmt.Errorf("%w: unknown rate limit policy %q", models.ErrBadRequest, policyName)
	}

	result, err := s.Check(ctx, PolicyKey(policy.Name, parts...), policy.Limit, policy.Window)
	if err != nil {
		if policy.FailClosed {
			s.logger.ErrorContext(ctx, "rate limit store unavailable, denying",
				slog.String("policy", policy.Name),
				slog.Any("error", err),
			)
			return &models.RateLimitResult{Allowed: false, Limit: policy.Limit}, err
		}
		s.logger.WarnContext(ctx, "rate limit store unavailable, allowing",
			slog.String("policy", policy.Name),
			slog.Any("error", err),
		)
		return &models.RateLimitResult{Allowed: true, Limit: policy.Limit, Remaining: policy.Limit}, nil
	}

	if !result.Allowed {
		return result, &models.RateLimitError{Result: result}
	}
	return result, nil
}

// Reset clears the counter for a policy key
func (s *RateLimitService) Reset(ctx context.Context, policyName string, parts ...string) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.StoreTimeout)
	defer cancel()

	if err := s.store.Reset(ctx, PolicyKey(policyName, parts...)); err != nil {
		return fmt.Errorf("failed to reset rate limit: %w", err)
	}
	return nil
}

// Policy returns the configured policy by name
func (s *RateLimitService) Policy(name string) (RateLimitPolicy, bool) {
	p, ok := s.config.Policies[name]
	return p, ok
}

// PolicyKey builds "policy:part1:part2"
func PolicyKey(policy string, parts ...string) string {
	if len(parts) == 0 {
		return policy
	}
	return policy + ":" + strings.Join(parts, ":")
}
