package database

import (
	"context"
	"fmt"
	"time"

	"entitlement-api/internal/models"
	"entitlement-api/pkg/logging"

	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

// Connect opens the primary database. An empty dsn falls back to a local
// SQLite file for development.
func Connect(dsn string) (*gorm.DB, error) {
	var db *gorm.DB
	var err error

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
		NamingStrategy: schema.NamingStrategy{
			SingularTable: true,
		},
	}

	if dsn == "" {
		logging.Infof("Database URL not set, using SQLite for development")
		db, err = gorm.Open(sqlite.Open("entitlement-api.db"), gormConfig)
	} else {
		db, err = gorm.Open(postgres.Open(dsn), gormConfig)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	logging.Infof("Database connected successfully")
	return db, nil
}

// AutoMigrate performs database migration for all collections
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.UserAccount{},
		&models.Entitlement{},
		&models.IAPEvent{},
		&models.CreditLedgerEntry{},
		&models.Receipt{},
	)
}

// ConnectRedis opens the Redis connection used by the event queue and the
// notification dedupe filter.
func ConnectRedis(redisURL string) (*redis.Client, error) {
	logging.Infof("Connecting to Redis: %s", maskRedisURL(redisURL))

	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
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
