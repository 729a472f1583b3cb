package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/BradenHooton/leasegate/internal/auth"
	"github.com/BradenHooton/leasegate/internal/background"
	"github.com/BradenHooton/leasegate/internal/cache"
	"github.com/BradenHooton/leasegate/internal/config"
	"github.com/BradenHooton/leasegate/internal/database"
	"github.com/BradenHooton/leasegate/internal/handlers"
	middlewareCustom "github.com/BradenHooton/leasegate/internal/middleware"
	"github.com/BradenHooton/leasegate/internal/models"
	"github.com/BradenHooton/leasegate/internal/repositories"
	"github.com/BradenHooton/leasegate/internal/routes"
	"github.com/BradenHooton/leasegate/internal/services"
	pkgauth "github.com/BradenHooton/leasegate/pkg/auth"
	"github.com/BradenHooton/leasegate/pkg/geoip"
	pkghttp "github.com/BradenHooton/leasegate/pkg/http"
	pkglogger "github.com/BradenHooton/leasegate/pkg/logger"
	"github.com/BradenHooton/leasegate/pkg/rabbitmq"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.Server.LogLevel)}))
	slog.SetDefault(logger)
	logger.Info("configuration loaded", slog.String("env", cfg.Server.Env))

	startupCtx, startupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer startupCancel()

	if cfg.Database.AutoMigrate {
		if err := database.Migrate(startupCtx, &cfg.Database, logger); err != nil {
			logger.Error("failed to run migrations", slog.Any("error", err))
			os.Exit(1)
		}
	}

	// Initialize database
	db, err := database.NewConnection(startupCtx, &cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	redisClient, err := cache.Connect(startupCtx, cfg.Redis.URL)
	if err != nil {
		logger.Error("failed to connect to redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer redisClient.Close()
	revocations := cache.NewSessionRevocationStore(redisClient)

	publisher := newPublisher(cfg, logger)
	defer publisher.Close()

	// GeoIP is optional; without it attempts are recorded without a country
	var geo services.CountryResolver
	if cfg.GeoIP.DatabasePath != "" {
		locator, err := geoip.Open(cfg.GeoIP.DatabasePath)
		if err != nil {
			logger.Error("failed to open geoip database", slog.Any("error", err))
			os.Exit(1)
		}
		defer locator.Close()
		geo = locator
	}

	// Initialize repositories
	accountRepo := repositories.NewAccountRepository(db)
	attemptRepo := repositories.NewLoginAttemptRepository(db)
	deviceRepo := repositories.NewDeviceRepository(db)
	codeRepo := repositories.NewOneTimeCodeRepository(db)
	alertRepo := repositories.NewSecurityAlertRepository(db)

	location, err := time.LoadLocation(cfg.Security.RiskTimezone)
	if err != nil {
		logger.Error("invalid risk timezone", slog.Any("error", err))
		os.Exit(1)
	}
	policy := services.SecurityPolicy{
		LockoutThreshold:       cfg.Security.LockoutThreshold,
		LockoutDuration:        cfg.Security.LockoutDuration,
		AttemptWindow:          cfg.Security.AttemptWindow,
		AlertFailureThreshold:  cfg.Security.AlertFailureThreshold,
		HighRiskAlertThreshold: cfg.Security.HighRiskAlertThreshold,
		StepUpRiskThreshold:    cfg.Security.StepUpRiskThreshold,
		Location:               location,
	}
	if err := policy.Validate(); err != nil {
		logger.Error("invalid security policy", slog.Any("error", err))
		os.Exit(1)
	}
	codeConfig := services.CodeConfig{
		Digits:      cfg.Security.OTPDigits,
		TTL:         cfg.Security.OTPExpiry,
		MaxAttempts: cfg.Security.OTPMaxAttempts,
		GuessWindow: cfg.Security.OTPGuessWindow,
	}

	// Initialize security services
	auditLogger := pkglogger.NewAuditLogger(logger)
	clock := services.SystemClock{}
	passwordHasher := pkgauth.NewHasher(pkgauth.DefaultPasswordCost)
	codeHasher := pkgauth.NewHasher(cfg.Security.OTPHashCost)

	tokenManager := auth.NewTokenManager(
		cfg.Auth.JWTSecret,
		cfg.Auth.AccessTokenExpiry,
		cfg.Auth.RefreshTokenExpiry,
	)
	timingDelay := auth.NewTimingDelay(auth.TimingConfig{
		BaseDelayMs:    cfg.Auth.TimingDelayBaseMs,
		RandomDelayMs:  cfg.Auth.TimingDelayRandomMs,
		DelayOnSuccess: cfg.Auth.TimingDelayOnSuccess,
	})

	codeSender, alertNotifier, err := newDelivery(cfg, logger, publisher)
	if err != nil {
		logger.Error("failed to initialize email service", slog.Any("error", err))
		os.Exit(1)
	}

	emitter := services.NewAlertEmitter(alertRepo, accountRepo, alertNotifier, clock, logger, cfg.Security.NotifyTimeout)
	gate := services.NewMFAGate(codeRepo, codeHasher, codeSender, emitter, clock, logger, auditLogger, codeConfig)
	tracker := services.NewAttemptTracker(attemptRepo, accountRepo, policy, logger, auditLogger)

	loginService := services.NewLoginService(services.LoginServiceDeps{
		Accounts:    accountRepo,
		Devices:     deviceRepo,
		Alerts:      alertRepo,
		Tracker:     tracker,
		Verifier:    services.NewCredentialVerifier(passwordHasher, logger),
		Gate:        gate,
		Emitter:     emitter,
		Sessions:    tokenManager,
		Tokens:      tokenManager,
		Revoker:     revocations,
		Geo:         geo,
		Clock:       clock,
		Timing:      timingDelay,
		Logger:      logger,
		AuditLogger: auditLogger,
	}, policy)
	accountService := services.NewAccountService(accountRepo, alertRepo, passwordHasher, gate, emitter, clock, codeConfig, logger, auditLogger)

	// Bootstrap first admin account if configured
	if err := ensureAdminAccount(startupCtx, accountRepo, passwordHasher, logger); err != nil {
		logger.Error("failed to ensure admin account", slog.Any("error", err))
	}

	// Initialize handlers
	ipConfig := pkghttp.NewIPConfig(cfg.Server.TrustedProxies)
	authHandler := handlers.NewAuthHandler(loginService, accountService, ipConfig)
	accountHandler := handlers.NewAccountHandler(loginService, accountService, ipConfig)

	// Setup router. Client IPs are resolved by pkghttp.ExtractClientIP against
	// the trusted proxy list, so chi's RealIP is not installed.
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middlewareCustom.SecurityHeaders(middlewareCustom.SecurityHeadersConfig{Env: cfg.Server.Env}))
	router.Use(middlewareCustom.SecureLogger(logger, ipConfig))
	router.Use(middlewareCustom.Metrics)
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))

	routes.RegisterRoutes(router, routes.Dependencies{
		AuthHandler:      authHandler,
		AccountHandler:   accountHandler,
		TokenManager:     tokenManager,
		Revocations:      revocations,
		RevocationConfig: auth.RevocationConfig{FailClosed: cfg.Server.Env == "production"},
		Accounts:         accountRepo,
		LoginRateLimit: middlewareCustom.RateLimitConfig{
			RequestsPerMinute: cfg.Server.LoginRateLimit,
			IPConfig:          ipConfig,
		},
		CodeRateLimit: middlewareCustom.RateLimitConfig{
			RequestsPerMinute: cfg.Server.CodeRateLimit,
			IPConfig:          ipConfig,
		},
		Health: db,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start cleanup task
	cleanupManager := background.NewCleanupManager(attemptRepo, codeRepo, logger, cfg.Security.CleanupInterval, cfg.Security.AttemptRetention)
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

	// Let in-flight alert notifications finish before the broker and pool close
	emitter.Wait()

	logger.Info("server stopped gracefully")
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// newPublisher connects to the event broker, or logs events when none is configured
func newPublisher(cfg *config.Config, logger *slog.Logger) rabbitmq.Publisher {
	if cfg.Events.AMQPURL == "" {
		logger.Info("no AMQP_URL set, security events will only be logged")
		return &rabbitmq.NoopPublisher{Logger: logger}
	}

	producer, err := rabbitmq.NewProducer(cfg.Events.AMQPURL, cfg.Events.Exchange, logger)
	if err != nil {
		logger.Error("failed to connect to event broker", slog.Any("error", err))
		os.Exit(1)
	}
	return producer
}

// newDelivery picks the code channel and builds the alert fan-out. Alerts always
// go to the log and the event bus, and also by email when SES is enabled.
func newDelivery(cfg *config.Config, logger *slog.Logger, publisher rabbitmq.Publisher) (services.CodeSender, services.Notifier, error) {
	logNotifier := services.NewLogNotifier(logger, cfg.Server.Env)
	channels := []services.NamedNotifier{
		{Name: "log", Notifier: logNotifier},
		{Name: "events", Notifier: services.NewEventNotifier(publisher)},
	}

	if !cfg.Email.Enabled {
		return logNotifier, services.NewMultiNotifier(channels...), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	emailService, err := services.NewAWSSESEmailService(ctx, cfg.Email.AWSRegion, cfg.Email.FromAddress, logger)
	if err != nil {
		return nil, nil, err
	}
	channels = append(channels, services.NamedNotifier{Name: "email", Notifier: emailService})
	return emailService, services.NewMultiNotifier(channels...), nil
}

// ensureAdminAccount creates the first admin account if ADMIN_EMAIL and ADMIN_PASSWORD are set
func ensureAdminAccount(ctx context.Context, accounts *repositories.AccountRepository, hasher *pkgauth.Hasher, logger *slog.Logger) error {
	adminEmail := strings.ToLower(strings.TrimSpace(os.Getenv("ADMIN_EMAIL")))
	adminPassword := os.Getenv("ADMIN_PASSWORD")

	if adminEmail == "" || adminPassword == "" {
		logger.Info("no ADMIN_EMAIL or ADMIN_PASSWORD set, skipping admin account creation")
		return nil
	}

	_, err := accounts.GetByEmail(ctx, adminEmail)
	if err == nil {
		logger.Info("admin account already exists")
		return nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return fmt.Errorf("failed to check if admin exists: %w", err)
	}

	if err := pkgauth.ValidatePassword(adminPassword); err != nil {
		return fmt.Errorf("admin password rejected: %w", err)
	}
	hash, err := hasher.Hash(adminPassword)
	if err != nil {
		return fmt.Errorf("failed to hash admin password: %w", err)
	}

	_, err = accounts.Create(ctx, &models.Account{
		Email:        adminEmail,
		PasswordHash: hash,
		Name:         "Admin",
		Role:         models.RoleAdmin,
		Status:       models.AccountStatusActive,
	})
	if err != nil {
		return fmt.Errorf("failed to create admin account: %w", err)
	}

	logger.Info("admin account created", slog.String("email", pkglogger.SanitizedEmail(adminEmail)))
	return nil
}
