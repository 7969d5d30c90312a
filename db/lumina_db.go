package db

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"server/config"
)

// Connect opens a GORM connection to the database cfg describes, retrying on transient startup
// failures (the database container is often still starting when the worker
// or API process comes up). Backs internal/imagecache/store's image
// identity/variant/cache-entry tables.
func Connect(cfg config.DatabaseConfig) *gorm.DB {
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s",
		cfg.Host, cfg.User, cfg.Password, cfg.DBName, cfg.Port, sslModeOrDefault(cfg.SSL))

	var db *gorm.DB
	var err error

	const maxRetries = 5
	for i := 0; i < maxRetries; i++ {
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
		if err == nil {
			sqlDB, dbErr := db.DB()
			if dbErr == nil {
				if pingErr := sqlDB.Ping(); pingErr == nil {
					log.Printf("Successfully connected to database '%s'", cfg.DBName)
					break
				}
			}
		}

		retryDelay := time.Duration(i+1) * 2 * time.Second
		log.Printf("Failed to connect to database: %v. Retrying in %v... (%d/%d)",
			err, retryDelay, i+1, maxRetries)
		time.Sleep(retryDelay)
	}

	if err != nil {
		log.Fatalf("Failed to connect to database after %d attempts: %v", maxRetries, err)
	}

	db.Exec("CREATE SCHEMA IF NOT EXISTS public")
	db.Exec("SET search_path TO public")

	return db
}

// OpenPool opens a pgxpool.Pool against the same database cfg describes,
// used directly by the orchestrator and scan cursor query layers (raw SQL:
// FOR UPDATE SKIP LOCKED, RETURNING) instead of going through GORM.
func OpenPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.DBName, sslModeOrDefault(cfg.SSL))

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pgx pool: %w", err)
	}
	return pool, nil
}

func sslModeOrDefault(ssl string) string {
	if ssl == "" {
		return "disable"
	}
	return ssl
}
