package config

import (
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// DatabaseConfig holds all the configuration for the database connection.
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSL      string
}

type ServerConfig struct {
	Port     string `env:"SERVER_PORT,default=8080"`
	LogLevel string `env:"SERVER_LOG_LEVEL,default=info"`
}

// OrchestratorConfig controls the durable job queue worker pool and lease
// lifecycle.
type OrchestratorConfig struct {
	WorkersPerKind     int
	LeaseDuration      int // seconds
	LeaseSweepInterval int // seconds
	DequeueBackoffMs   int
	FallbackSchemas    []string
}

// RetryConfig mirrors orchestrator.RetryConfig as environment-tunable knobs.
type RetryConfig struct {
	MaxAttempts                  int
	BackoffBaseMs                int64
	BackoffMaxMs                 int64
	FastRetryAttempts            int
	FastRetryFactor              float64
	HeavyLibraryAttemptThreshold int
	HeavyLibrarySlowdownFactor   float64
	JitterRatio                  float64
	JitterMinMs                  int64
}

// ImageCacheConfig controls the image variant materializer.
type ImageCacheConfig struct {
	CacheRoot      string
	MaxConcurrency int
	FFmpegPath     string
	FFprobePath    string
	RemoteBaseURL  string
}

// IsDevelopmentMode checks if the application is running in development mode
func IsDevelopmentMode() bool {
	return strings.ToLower(os.Getenv("SERVER_ENV")) == "development"
}

// LoadEnvironment loads environment variables from appropriate .env file
// This function should be called in the init() function of both API and Worker main.go files
// It automatically loads .env.development in development mode, .env otherwise
func LoadEnvironment() {
	isDev := IsDevelopmentMode()

	// Choose appropriate env file
	envFile := ".env"
	if isDev {
		// Try development-specific env file first
		if _, err := os.Stat(".env.development"); err == nil {
			envFile = ".env.development"
		}
	}

	// Try to load .env file but continue if it's not found
	if err := godotenv.Load(envFile); err != nil {
		log.Printf("Running without %s file, using environment variables", envFile)
	} else {
		log.Printf("Environment variables loaded from %s file", envFile)
	}

	if isDev {
		log.Println("Running in DEVELOPMENT mode")
	}
}

// LoadDBConfig loads database settings from environment variables
// Used by both API and Worker services for consistent database configuration
func LoadDBConfig() DatabaseConfig {
	isDev := IsDevelopmentMode()

	var cfg DatabaseConfig

	if isDev {
		// Development defaults - connect to localhost
		cfg = DatabaseConfig{
			Host:     "localhost",
			Port:     "5432",
			User:     "postgres",
			Password: "postgres",
			DBName:   "lumiliophotos",
			SSL:      "disable",
		}
	} else {
		// Production/Docker defaults
		cfg = DatabaseConfig{
			Host:     "db",
			Port:     "5432",
			User:     "postgres",
			Password: "postgres",
			DBName:   "lumiliophotos",
			SSL:      "disable",
		}
	}

	// Override with environment variables if set
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.Host = host
	}
	if port := os.Getenv("DB_PORT"); port != "" {
		cfg.Port = port
	}
	if user := os.Getenv("DB_USER"); user != "" {
		cfg.User = user
	}
	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.Password = password
	}
	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}
	if ssl := os.Getenv("DB_SSL"); ssl != "" {
		cfg.SSL = ssl
	}

	return cfg
}

func LoadServerConfig() ServerConfig {
	var cfg ServerConfig

	// Default to development settings
	isDev := IsDevelopmentMode()
	if isDev {
		cfg = ServerConfig{
			Port:     "8080",
			LogLevel: "debug",
		}
	} else {
		cfg = ServerConfig{
			Port:     "8080",
			LogLevel: "info",
		}
	}

	// Override with environment variables if set
	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Port = port
	}
	if logLevel := os.Getenv("SERVER_LOG_LEVEL"); logLevel != "" {
		cfg.LogLevel = logLevel
	}

	return cfg
}

// LoadOrchestratorConfig loads the job queue worker pool / lease tunables.
func LoadOrchestratorConfig() OrchestratorConfig {
	cfg := OrchestratorConfig{
		WorkersPerKind:     4,
		LeaseDuration:      300,
		LeaseSweepInterval: 30,
		DequeueBackoffMs:   500,
		FallbackSchemas:    []string{"public"},
	}

	if IsDevelopmentMode() {
		cfg.WorkersPerKind = 2
		cfg.LeaseSweepInterval = 10
	}

	if v := strings.TrimSpace(os.Getenv("ORCHESTRATOR_WORKERS_PER_KIND")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.WorkersPerKind = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("ORCHESTRATOR_LEASE_DURATION_SECONDS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.LeaseDuration = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("ORCHESTRATOR_LEASE_SWEEP_INTERVAL_SECONDS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.LeaseSweepInterval = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("ORCHESTRATOR_DEQUEUE_BACKOFF_MS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.DequeueBackoffMs = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("ORCHESTRATOR_FALLBACK_SCHEMAS")); v != "" {
		cfg.FallbackSchemas = strings.Split(v, ",")
	}

	return cfg
}

// LoadRetryConfig loads the backoff/jitter tunables for delay_ms.
func LoadRetryConfig() RetryConfig {
	cfg := RetryConfig{
		MaxAttempts:                  8,
		BackoffBaseMs:                1000,
		BackoffMaxMs:                 60000,
		FastRetryAttempts:            2,
		FastRetryFactor:              0.25,
		HeavyLibraryAttemptThreshold: 4,
		HeavyLibrarySlowdownFactor:   2.0,
		JitterRatio:                  0.2,
		JitterMinMs:                  50,
	}

	if v := strings.TrimSpace(os.Getenv("RETRY_MAX_ATTEMPTS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxAttempts = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("RETRY_BACKOFF_BASE_MS")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			cfg.BackoffBaseMs = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("RETRY_BACKOFF_MAX_MS")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			cfg.BackoffMaxMs = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("RETRY_JITTER_RATIO")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			cfg.JitterRatio = f
		}
	}

	return cfg
}

// LoadImageCacheConfig loads the image variant materializer's tunables.
func LoadImageCacheConfig() ImageCacheConfig {
	cfg := ImageCacheConfig{
		CacheRoot:      "/var/lib/mediacache/images",
		MaxConcurrency: 12,
		FFmpegPath:     "ffmpeg",
		FFprobePath:    "ffprobe",
	}

	if IsDevelopmentMode() {
		cfg.CacheRoot = "./.cache/images"
	}

	if v := strings.TrimSpace(os.Getenv("IMAGECACHE_ROOT")); v != "" {
		cfg.CacheRoot = v
	}
	if v := strings.TrimSpace(os.Getenv("IMAGECACHE_MAX_CONCURRENCY")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxConcurrency = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("IMAGECACHE_FFMPEG_PATH")); v != "" {
		cfg.FFmpegPath = v
	}
	if v := strings.TrimSpace(os.Getenv("IMAGECACHE_FFPROBE_PATH")); v != "" {
		cfg.FFprobePath = v
	}
	if v := strings.TrimSpace(os.Getenv("IMAGECACHE_REMOTE_BASE_URL")); v != "" {
		cfg.RemoteBaseURL = v
	}

	return cfg
}
