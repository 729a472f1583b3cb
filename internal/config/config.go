package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Database DatabaseConfig
	Server   ServerConfig
	Auth     AuthConfig
	Security SecurityConfig
	Redis    RedisConfig
	Email    EmailConfig
	Events   EventsConfig
	GeoIP    GeoIPConfig
}

type DatabaseConfig struct {
	Host              string
	Port              int
	User              string
	Password          string
	Name              string
	SSLMode           string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
	AutoMigrate       bool
}

type ServerConfig struct {
	Port           string
	Env            string
	LogLevel       string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	TrustedProxies []string
	LoginRateLimit int // requests per minute per IP on /auth/login
	CodeRateLimit  int // requests per minute per IP on each code route
}

type AuthConfig struct {
	JWTSecret            string
	AccessTokenExpiry    time.Duration
	RefreshTokenExpiry   time.Duration
	TimingDelayBaseMs    int
	TimingDelayRandomMs  int
	TimingDelayOnSuccess bool
}

// SecurityConfig holds the canonical login-security policy
type SecurityConfig struct {
	LockoutThreshold       int
	LockoutDuration        time.Duration
	AttemptWindow          time.Duration
	OTPDigits              int
	OTPExpiry              time.Duration
	OTPMaxAttempts         int
	OTPGuessWindow         time.Duration // guesses carry across reissued codes within this window
	OTPHashCost            int
	AlertFailureThreshold  int
	HighRiskAlertThreshold int
	StepUpRiskThreshold    int
	RiskTimezone           string
	AttemptRetention       time.Duration
	CleanupInterval        time.Duration
	NotifyTimeout          time.Duration
}

type RedisConfig struct {
	URL string
}

type EmailConfig struct {
	Enabled     bool
	AWSRegion   string
	FromAddress string
}

type EventsConfig struct {
	AMQPURL  string
	Exchange string
}

type GeoIPConfig struct {
	DatabasePath string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	jwtSecret := getEnv("JWT_SECRET", "")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	env := getEnv("ENV", "development")

	cfg := &Config{
		Database: DatabaseConfig{
			Host:              getEnv("DB_HOST", "localhost"),
			Port:              getEnvAsInt("DB_PORT", 5432),
			User:              getEnv("DB_USER", "postgres"),
			Password:          getEnv("DB_PASSWORD", ""),
			Name:              getEnv("DB_NAME", "leasegate"),
			SSLMode:           getEnv("DB_SSLMODE", "disable"),
			MaxConns:          int32(getEnvAsInt("DB_MAX_CONNS", 25)),
			MinConns:          int32(getEnvAsInt("DB_MIN_CONNS", 5)),
			MaxConnLifetime:   getEnvAsDuration("DB_MAX_CONN_LIFETIME", 5*time.Minute),
			MaxConnIdleTime:   getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 1*time.Minute),
			HealthCheckPeriod: getEnvAsDuration("DB_HEALTH_CHECK_PERIOD", 1*time.Minute),
			AutoMigrate:       getEnvAsBool("DB_AUTO_MIGRATE", true),
		},
		Server: ServerConfig{
			Port:           getEnv("PORT", "8080"),
			Env:            env,
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			ReadTimeout:    getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:   getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:    getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			TrustedProxies: getEnvAsList("TRUSTED_PROXIES"),
			LoginRateLimit: getEnvAsInt("LOGIN_RATE_LIMIT_PER_MINUTE", 20),
			CodeRateLimit:  getEnvAsInt("CODE_RATE_LIMIT_PER_MINUTE", 10),
		},
		Auth: AuthConfig{
			JWTSecret:            jwtSecret,
			AccessTokenExpiry:    getEnvAsDuration("ACCESS_TOKEN_EXPIRY", 15*time.Minute),
			RefreshTokenExpiry:   getEnvAsDuration("REFRESH_TOKEN_EXPIRY", 7*24*time.Hour),
			TimingDelayBaseMs:    getEnvAsInt("TIMING_DELAY_BASE_MS", 100),
			TimingDelayRandomMs:  getEnvAsInt("TIMING_DELAY_RANDOM_MS", 50),
			TimingDelayOnSuccess: getEnvAsBool("TIMING_DELAY_ON_SUCCESS", false),
		},
		Security: SecurityConfig{
			LockoutThreshold:       getEnvAsInt("LOCKOUT_THRESHOLD", 5),
			LockoutDuration:        getEnvAsDuration("LOCKOUT_DURATION", 15*time.Minute),
			AttemptWindow:          getEnvAsDuration("SECURITY_ATTEMPT_WINDOW", 15*time.Minute),
			OTPDigits:              getEnvAsInt("OTP_DIGITS", 6),
			OTPExpiry:              getEnvAsDuration("OTP_EXPIRY", 10*time.Minute),
			OTPMaxAttempts:         getEnvAsInt("OTP_MAX_ATTEMPTS", 5),
			OTPGuessWindow:         getEnvAsDuration("OTP_GUESS_WINDOW", time.Hour),
			OTPHashCost:            getEnvAsInt("OTP_HASH_COST", 10),
			AlertFailureThreshold:  getEnvAsInt("ALERT_FAILURE_THRESHOLD", 3),
			HighRiskAlertThreshold: getEnvAsInt("HIGH_RISK_ALERT_THRESHOLD", 70),
			StepUpRiskThreshold:    getEnvAsInt("STEP_UP_RISK_THRESHOLD", 80),
			RiskTimezone:           getEnv("RISK_TIMEZONE", "UTC"),
			AttemptRetention:       getEnvAsDuration("ATTEMPT_RETENTION", 30*24*time.Hour),
			CleanupInterval:        getEnvAsDuration("CLEANUP_INTERVAL", 1*time.Hour),
			NotifyTimeout:          getEnvAsDuration("NOTIFY_TIMEOUT", 10*time.Second),
		},
		Redis: RedisConfig{
			URL: getEnv("REDIS_URL", "localhost:6379"),
		},
		Email: EmailConfig{
			Enabled:     getEnvAsBool("EMAIL_ENABLED", false),
			AWSRegion:   getEnv("AWS_REGION", "us-east-1"),
			FromAddress: getEnv("EMAIL_FROM_ADDRESS", "security@leasegate.local"),
		},
		Events: EventsConfig{
			AMQPURL:  getEnv("AMQP_URL", ""),
			Exchange: getEnv("EVENTS_EXCHANGE", "security.events"),
		},
		GeoIP: GeoIPConfig{
			DatabasePath: getEnv("GEOIP_DB_PATH", ""),
		},
	}

	if cfg.Database.Password == "" {
		return nil, fmt.Errorf("DB_PASSWORD is required")
	}

	// Validate JWT secret strength
	if err := validateJWTSecret(jwtSecret, env); err != nil {
		return nil, err
	}

	if err := cfg.Security.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects policy values that would disable or break the login guards
func (s *SecurityConfig) Validate() error {
	if s.LockoutThreshold < 1 {
		return fmt.Errorf("LOCKOUT_THRESHOLD must be at least 1 (got %d)", s.LockoutThreshold)
	}
	if s.LockoutDuration <= 0 {
		return fmt.Errorf("LOCKOUT_DURATION must be positive")
	}
	if s.AttemptWindow <= 0 {
		return fmt.Errorf("SECURITY_ATTEMPT_WINDOW must be positive")
	}
	if s.OTPDigits != 6 && s.OTPDigits != 8 {
		return fmt.Errorf("OTP_DIGITS must be 6 or 8 (got %d)", s.OTPDigits)
	}
	if s.OTPExpiry <= 0 {
		return fmt.Errorf("OTP_EXPIRY must be positive")
	}
	if s.OTPMaxAttempts < 1 {
		return fmt.Errorf("OTP_MAX_ATTEMPTS must be at least 1 (got %d)", s.OTPMaxAttempts)
	}
	if s.OTPGuessWindow < s.OTPExpiry {
		return fmt.Errorf("OTP_GUESS_WINDOW must be at least OTP_EXPIRY (got %v)", s.OTPGuessWindow)
	}
	if s.OTPHashCost < 4 || s.OTPHashCost > 31 {
		return fmt.Errorf("OTP_HASH_COST must be between 4 and 31 (got %d)", s.OTPHashCost)
	}
	if _, err := time.LoadLocation(s.RiskTimezone); err != nil {
		return fmt.Errorf("RISK_TIMEZONE is invalid: %w", err)
	}
	return nil
}

// validateJWTSecret enforces minimum security standards for JWT secret
func validateJWTSecret(secret, env string) error {
	// Minimum length based on environment
	minLength := 16 // Development minimum
	if env == "production" {
		minLength = 32 // Production requires stronger secret (256 bits)
	}

	if len(secret) < minLength {
		return fmt.Errorf("JWT_SECRET must be at least %d characters in %s environment (got %d)",
			minLength, env, len(secret))
	}

	// Check against common weak secrets
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

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultVal
}

func getEnvAsList(key string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return []string{}
	}
	items := strings.Split(raw, ",")
	out := make([]string, 0, len(items))
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
