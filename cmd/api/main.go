package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BradenHooton/authguard/internal/auth"
	"github.com/BradenHooton/authguard/internal/background"
	"github.com/BradenHooton/authguard/internal/clock"
	"github.com/BradenHooton/authguard/internal/config"
	"github.com/BradenHooton/authguard/internal/database"
	"github.com/BradenHooton/authguard/internal/handlers"
	middlewareCustom "github.com/BradenHooton/authguard/internal/middleware"
	"github.com/BradenHooton/authguard/internal/models"
	"github.com/BradenHooton/authguard/internal/repositories"
	"github.com/BradenHooton/authguard/internal/repositories/memory"
	"github.com/BradenHooton/authguard/internal/routes"
	"github.com/BradenHooton/authguard/internal/services"
	pkgauth "github.com/BradenHooton/authguard/pkg/auth"
	pkghttp "github.com/BradenHooton/authguard/pkg/http"
	"github.com/BradenHooton/authguard/pkg/qrcode"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

// userStore is satisfied by both the Postgres and the in-memory user store
type userStore interface {
	services.CredentialRepository
	services.ProfileRepository
	Create(ctx context.Context, creds *models.Credentials) error
}

type stores struct {
	users    userStore
	attempts services.AttemptRepository
	audit    services.AuditLogRepository
	health   func(ctx context.Context) error
	close    func()
}

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Server.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("env", cfg.Server.Env),
		slog.String("store_backend", cfg.StoreBackend),
		slog.String("counter_backend", cfg.CounterBackend),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	st, err := openStores(ctx, cfg, logger)
	cancel()
	if err != nil {
		logger.Error("failed to initialize storage", slog.Any("error", err))
		os.Exit(1)
	}
	defer st.close()

	ctx, cancel = context.WithTimeout(context.Background(), 15*time.Second)
	counters, sweeper, closeCounters, err := openCounterStore(ctx, cfg, logger)
	cancel()
	if err != nil {
		logger.Error("failed to initialize rate limit counters", slog.Any("error", err))
		os.Exit(1)
	}
	defer closeCounters()

	realClock := clock.Real{}

	// Crypto primitives
	encryption, err := auth.NewEncryptionService(cfg.Auth.EncryptionKey)
	if err != nil {
		logger.Error("failed to initialize encryption", slog.Any("error", err))
		os.Exit(1)
	}
	totpEngine := auth.NewTOTPEngine(realClock, cfg.Auth.TOTPIssuer)
	backupCodes := auth.NewBackupCodeManager(encryption)
	hasher := pkgauth.NewHasher(cfg.Auth.BcryptCost)
	tokenManager := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenExpiry, cfg.Auth.MFATokenExpiry)

	// Audit trail and alerting
	notifier, err := newNotifier(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize alert notifier", slog.Any("error", err))
		os.Exit(1)
	}
	auditService := services.NewAuditService(st.audit, notifier, realClock, services.AuditConfig{
		BufferSize:   cfg.Audit.BufferSize,
		WriteTimeout: cfg.Audit.WriteTimeout,
	}, logger)

	// Security core
	rateLimitService := services.NewRateLimitService(counters, realClock, services.RateLimitConfig{
		Policies:     ratePolicies(cfg.RateLimit),
		StoreTimeout: cfg.StoreTimeout,
	}, logger)

	lockoutConfig := services.DefaultLockoutConfig()
	lockoutConfig.Threshold = cfg.Lockout.Threshold
	lockoutConfig.LookbackWindow = cfg.Lockout.Window
	lockoutConfig.LockoutDuration = cfg.Lockout.Duration
	lockoutConfig.StatsWindow = cfg.Lockout.StatsWindow
	lockoutConfig.ResetOnSuccess = cfg.Lockout.ResetOnSuccess
	lockoutConfig.StoreTimeout = cfg.StoreTimeout
	lockoutService := services.NewLockoutService(st.attempts, auditService, realClock, lockoutConfig, logger)

	twoFactorService := services.NewTwoFactorService(st.users, encryption, totpEngine, backupCodes, auditService, realClock,
		services.TwoFactorConfig{BackupCodeCount: cfg.Auth.BackupCodeCount}, logger)

	authService := services.NewAuthService(st.users, hasher, tokenManager, rateLimitService, lockoutService, twoFactorService, auditService,
		auth.FailureDelay{Base: cfg.Auth.FailureDelay, Jitter: cfg.Auth.FailureJitter}, logger)

	adminService := services.NewAdminService(auditService, lockoutService, logger)

	// Bootstrap first admin user if configured
	ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	if err := ensureAdminUser(ctx, st.users, hasher, cfg.Bootstrap, logger); err != nil {
		logger.Error("failed to ensure admin user", slog.Any("error", err))
	}
	cancel()

	// Initialize handlers
	h := routes.Handlers{
		Auth:      handlers.NewAuthHandler(authService, realClock, logger),
		TwoFactor: handlers.NewTwoFactorHandler(twoFactorService, qrcode.DataURL, realClock, logger),
		Admin:     handlers.NewAdminHandler(lockoutService, twoFactorService, auditService, adminService, realClock, logger),
	}

	// Setup router
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(auth.RequestMetadata(pkghttp.NewIPConfig(cfg.Server.TrustedProxies), middleware.GetReqID))
	router.Use(middlewareCustom.SecurityHeaders(middlewareCustom.SecurityHeadersConfig{Env: cfg.Server.Env}))
	router.Use(middlewareCustom.SecureLogger(logger, cfg.Server.Env))
	router.Use(middleware.Recoverer)
	router.Use(middlewareCustom.FloodGuard(middlewareCustom.FloodGuardConfig{RequestsPerMinute: cfg.RateLimit.FloodPerMinute}))
	router.Use(middleware.Timeout(60 * time.Second))

	// Register routes
	routes.RegisterRoutes(router, h, tokenManager, middlewareCustom.NewRateLimiter(rateLimitService, lockoutService, auditService, logger))

	// Health check with storage
	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := st.health(ctx); err != nil {
			pkghttp.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "storage": "down"})
			return
		}
		pkghttp.WriteJSON(w, http.StatusOK, map[string]any{
			"status":                    "healthy",
			"storage":                   "up",
			"unpersisted_audit_entries": auditService.Dropped(),
		})
	})

	// Create server
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start cleanup task
	cleanupManager := background.NewCleanupManager(lockoutService, sweeper, realClock, logger, cfg.CleanupInterval)
	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	defer cleanupCancel()

	go cleanupManager.Start(cleanupCtx)

	// Start server
	go func() {
		logger.Info("starting server", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received")

	cleanupCancel()
	cleanupManager.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.Any("error", err))
	}

	// drain queued INFO entries before the stores close
	auditService.Close()

	logger.Info("server stopped gracefully")
}

func openStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*stores, error) {
	if cfg.StoreBackend == config.BackendMemory {
		logger.Warn("using in-memory stores; state is lost on restart")
		return &stores{
			users:    memory.NewUserStore(),
			attempts: memory.NewAttemptStore(),
			audit:    memory.NewAuditStore(),
			health:   func(context.Context) error { return nil },
			close:    func() {},
		}, nil
	}

	if cfg.Database.MigrateOnStart {
		if err := database.Migrate(ctx, cfg.Database.URL(), logger); err != nil {
			return nil, err
		}
	}

	db, err := database.NewConnection(ctx, &cfg.Database, logger)
	if err != nil {
		return nil, err
	}

	return &stores{
		users:    repositories.NewUserRepository(db),
		attempts: repositories.NewAttemptRepository(db),
		audit:    repositories.NewAuditLogRepository(db),
		health:   db.HealthCheck,
		close:    db.Close,
	}, nil
}

// openCounterStore returns the counter store and, for the in-memory store, its sweeper
func openCounterStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (services.CounterStore, background.CounterSweeper, func(), error) {
	if cfg.CounterBackend == config.BackendRedis {
		client, err := repositories.ConnectRedis(ctx, cfg.Redis.URL, cfg.Redis.ConnectTimeout)
		if err != nil {
			return nil, nil, nil, err
		}
		logger.Info("rate limit counters backed by redis")
		return repositories.NewRedisCounterStore(client), nil, func() { _ = client.Close() }, nil
	}

	logger.Warn("rate limit counters are process-local; limits are per instance")
	store := memory.NewCounterStore()
	return store, store, func() {}, nil
}

func newNotifier(cfg *config.Config, logger *slog.Logger) (services.AlertNotifier, error) {
	if !cfg.Alerts.Enabled {
		return services.NewLogAlertNotifier(logger), nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ses, err := services.NewSESAlertNotifier(ctx, cfg.Alerts.AWSRegion, cfg.Alerts.From, cfg.Alerts.Recipients, logger)
	if err != nil {
		return nil, err
	}
	return ses, nil
}

func ratePolicies(cfg config.RateLimitConfig) map[string]services.RateLimitPolicy {
	policies := services.DefaultRateLimitPolicies()
	for name, p := range cfg.Policies() {
		policy := policies[name]
		policy.Name = name
		policy.Limit = p.Limit
		policy.Window = p.Window
		policies[name] = policy
	}
	return policies
}

// ensureAdminUser creates the first admin user if ADMIN_EMAIL and ADMIN_PASSWORD are set
func ensureAdminUser(ctx context.Context, users userStore, hasher *pkgauth.Hasher, cfg config.BootstrapConfig, logger *slog.Logger) error {
	if cfg.AdminEmail == "" || cfg.AdminPassword == "" {
		logger.Info("no ADMIN_EMAIL or ADMIN_PASSWORD set, skipping admin user creation")
		return nil
	}

	// Check if admin already exists
	_, err := users.GetByEmail(ctx, cfg.AdminEmail)
	if err == nil {
		logger.Info("admin user already exists")
		return nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return fmt.Errorf("failed to check if admin exists: %w", err)
	}

	if err := pkgauth.ValidatePassword(cfg.AdminPassword); err != nil {
		return fmt.Errorf("admin password rejected: %w", err)
	}

	hashedPassword, err := hasher.Hash(cfg.AdminPassword)
	if err != nil {
		return fmt.Errorf("failed to hash admin password: %w", err)
	}

	// the Postgres store assigns its own id
	admin := &models.Credentials{
		UserID:       uuid.New().String(),
		Email:        cfg.AdminEmail,
		PasswordHash: hashedPassword,
		Role:         models.RoleAdmin,
	}
	if err := users.Create(ctx, admin); err != nil {
		return fmt.Errorf("failed to create admin user: %w", err)
	}

	logger.Info("admin user created successfully", slog.String("user_id", admin.UserID))
	return nil
}
