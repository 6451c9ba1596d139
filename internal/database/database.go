package database

import (
	"context"
	"fmt"
	"time"

	"lunawave-api/internal/config"
	"lunawave-api/internal/models"
	"lunawave-api/pkg/logging"

	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

// Open connects to PostgreSQL, or to a SQLite file when DATABASE_URL is unset.
func Open(cfg *config.Config) (*gorm.DB, error) {
	logLevel := logger.Warn
	if cfg.Mode == "debug" {
		logLevel = logger.Info
	}

	if cfg.UsesSQLite() {
		// Fallback to SQLite for development
		logging.Infof("Database URL not set, using SQLite at %s", cfg.SQLitePath)
		return OpenSQLite(cfg.SQLitePath, logLevel)
	}

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), gormConfig(logLevel))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	logging.Infof("Database connected successfully")
	return db, nil
}

// OpenSQLite opens a SQLite database file. SQLite has no row locks, so the
// pool is limited to one connection and transactions run one at a time.
// Code inside a transaction must only use the transaction handle.
func OpenSQLite(path string, logLevel logger.LogLevel) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path+"?_foreign_keys=on"), gormConfig(logLevel))
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

func gormConfig(logLevel logger.LogLevel) *gorm.Config {
	return &gorm.Config{
		Logger:         logger.Default.LogMode(logLevel),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
		NamingStrategy: schema.NamingStrategy{
			SingularTable: true,
		},
	}
}

// Migrate creates or updates every table.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(models.All()...); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

// SeedPromoCodes inserts codes that do not exist yet. Existing rows, and
// their usage counters, are left untouched.
func SeedPromoCodes(db *gorm.DB, codes []models.PromoCode) error {
	for i := range codes {
		code := codes[i]
		result := db.Where("code = ?", code.Code).FirstOrCreate(&code)
		if result.Error != nil {
			return fmt.Errorf("failed to seed promo code %s: %w", code.Code, result.Error)
		}
	}
	logging.Infof("Seeded %d promo codes", len(codes))
	return nil
}

// OpenRedis connects to Redis. An empty URL returns a nil client; callers
// fall back to in-process state.
func OpenRedis(redisURL string) (*redis.Client, error) {
	if redisURL == "" {
		logging.Infof("REDIS_URL not set, using in-process rate limits and replay guard")
		return nil, nil
	}

	logging.Infof("Connecting to Redis: %s", maskRedisURL(redisURL))

	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logging.Infof("Redis connected successfully")
	return client, nil
}

// maskRedisURL masks sensitive information in Redis URL for logging
func maskRedisURL(url string) string {
	if len(url) > 20 {
		return url[:10] + "***" + url[len(url)-10:]
	}
	return "***"
}

// Close closes database connections
func Close(db *gorm.DB, rdb *redis.Client) {
	if db != nil {
		if sqlDB, err := db.DB(); err == nil {
			if err := sqlDB.Close(); err != nil {
				logging.Errorf("Failed to close database: %v", err)
			}
		}
	}

	if rdb != nil {
		if err := rdb.Close(); err != nil {
			logging.Errorf("Failed to close Redis: %v", err)
		}
	}
}
