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
	// Server configuration
	Port     string
	Mode     string
	LogLevel string

	// Database configuration
	DatabaseURL string
	SQLitePath  string

	// Redis configuration (optional, enables shared rate limits and replay guard)
	RedisURL string

	// Identity provider (Supabase access tokens)
	JWTSecret   string
	JWTIssuer   string
	JWTAudience string

	// Payment provider (PortOne V1)
	PortOneAPIURL        string
	PortOneAPIKey        string
	PortOneAPISecret     string
	PaymentTimeout       time.Duration
	PaymentWebhookSecret string

	// Scheduled sweeps
	CronSecret          string
	EnableScheduler     bool
	ExpirySweepInterval time.Duration

	// Ledger policy
	RolloverCap       int64
	RefundWindowDays  int
	RenewalWindowDays int
	GracePeriodDays   int
	SignupBonus       int64
	ReferralBonus     int64
	DeviceLimit       int

	RateLimitPerMinute int

	// Outbound plan-change webhook
	EventWebhookURL    string
	EventWebhookSecret string

	// Brevo email configuration
	BrevoAPIKey    string
	BrevoFromEmail string
	BrevoFromName  string
}

// Load reads configuration from the environment, after an optional .env file.
func Load() (*Config, error) {
	// A missing .env file is fine; the environment is authoritative.
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		Mode:                 getEnv("GIN_MODE", "debug"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		DatabaseURL:          getEnv("DATABASE_URL", ""),
		SQLitePath:           getEnv("SQLITE_PATH", "lunawave.db"),
		RedisURL:             getEnv("REDIS_URL", ""),
		JWTSecret:            getEnv("SUPABASE_JWT_SECRET", ""),
		JWTIssuer:            getEnv("JWT_ISSUER", ""),
		JWTAudience:          getEnv("JWT_AUDIENCE", "authenticated"),
		PortOneAPIURL:        strings.TrimRight(getEnv("PORTONE_API_URL", "https://api.iamport.kr"), "/"),
		PortOneAPIKey:        getEnv("PORTONE_API_KEY", ""),
		PortOneAPISecret:     getEnv("PORTONE_API_SECRET", ""),
		PaymentTimeout:       getEnvDuration("PAYMENT_TIMEOUT", 15*time.Second),
		PaymentWebhookSecret: getEnv("PAYMENT_WEBHOOK_SECRET", ""),
		CronSecret:           getEnv("CRON_SECRET", ""),
		EnableScheduler:      getEnvBool("ENABLE_SCHEDULER", false),
		ExpirySweepInterval:  getEnvDuration("EXPIRY_SWEEP_INTERVAL", time.Hour),
		RolloverCap:          int64(getEnvInt("ROLLOVER_CAP", 3000)),
		RefundWindowDays:     getEnvInt("REFUND_WINDOW_DAYS", 14),
		RenewalWindowDays:    getEnvInt("RENEWAL_WINDOW_DAYS", 3),
		GracePeriodDays:      getEnvInt("GRACE_PERIOD_DAYS", 3),
		SignupBonus:          int64(getEnvInt("SIGNUP_BONUS", 300)),
		ReferralBonus:        int64(getEnvInt("REFERRAL_BONUS", 200)),
		DeviceLimit:          getEnvInt("DEFAULT_DEVICE_LIMIT", 2),
		RateLimitPerMinute:   getEnvInt("RATE_LIMIT_PER_MINUTE", 120),
		EventWebhookURL:      getEnv("EVENT_WEBHOOK_URL", ""),
		EventWebhookSecret:   getEnv("EVENT_WEBHOOK_SECRET", ""),
		BrevoAPIKey:          getEnv("BREVO_API_KEY", ""),
		BrevoFromEmail:       getEnv("BREVO_FROM_EMAIL", ""),
		BrevoFromName:        getEnv("BREVO_FROM_NAME", "LunaWave"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings that would break ledger invariants.
func (c *Config) Validate() error {
	if c.RolloverCap < 0 {
		return fmt.Errorf("ROLLOVER_CAP must not be negative")
	}
	if c.RefundWindowDays <= 0 {
		return fmt.Errorf("REFUND_WINDOW_DAYS must be positive")
	}
	if c.RenewalWindowDays < 0 || c.GracePeriodDays < 0 {
		return fmt.Errorf("RENEWAL_WINDOW_DAYS and GRACE_PERIOD_DAYS must not be negative")
	}
	if c.SignupBonus < 0 || c.ReferralBonus < 0 {
		return fmt.Errorf("bonus amounts must not be negative")
	}
	if c.DeviceLimit <= 0 {
		return fmt.Errorf("DEFAULT_DEVICE_LIMIT must be positive")
	}
	if c.PaymentTimeout <= 0 {
		return fmt.Errorf("PAYMENT_TIMEOUT must be positive")
	}
	if c.Mode == "release" && c.JWTSecret == "" {
		return fmt.Errorf("SUPABASE_JWT_SECRET is required in release mode")
	}
	return nil
}

// UsesSQLite reports whether the SQLite development fallback is active.
func (c *Config) UsesSQLite() bool {
	return c.DatabaseURL == ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
