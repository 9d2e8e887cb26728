package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/ladderstats/ingest/pkg/region"
)

// Config is the daemon configuration, loaded from the environment with an
// optional .env file.
type Config struct {
	RedisAddr  string
	SQLitePath string

	UpdateInterval   time.Duration
	HealthInterval   time.Duration
	RedirectInterval time.Duration

	// SharedLimiter makes all regions compete for one request budget.
	// Separate budgets per region is the default. Static: changing it
	// requires a restart.
	SharedLimiter bool
	LimiterCap    int

	SeedSeasonID int
	MetricsAddr  string

	// BaseURLs overrides per-region API hosts, for mirrors and testing.
	BaseURLs map[region.Region]string
}

// LoadConfig reads the environment. A missing .env file is not an error.
func LoadConfig(logger zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logger.Debug().Msg(".env file not found, using environment variables or defaults")
	}

	cfg := &Config{
		RedisAddr:        getEnv("REDIS_ADDR", "localhost:6379"),
		SQLitePath:       getEnv("SQLITE_PATH", "ladder.db"),
		UpdateInterval:   getEnvDuration("UPDATE_INTERVAL", 10*time.Minute),
		HealthInterval:   getEnvDuration("HEALTH_INTERVAL", time.Minute),
		RedirectInterval: getEnvDuration("REDIRECT_INTERVAL", 5*time.Minute),
		SharedLimiter:    getEnvBool("SHARED_LIMITER", false),
		LimiterCap:       getEnvInt("LIMITER_CAP", 100),
		SeedSeasonID:     getEnvInt("SEED_SEASON_ID", 50),
		MetricsAddr:      getEnv("METRICS_ADDR", ":9184"),
		BaseURLs:         make(map[region.Region]string),
	}

	for _, r := range region.All() {
		if url := os.Getenv("API_BASE_URL_" + r.String()); url != "" {
			cfg.BaseURLs[r] = url
		}
	}

	if cfg.LimiterCap <= 0 {
		return nil, fmt.Errorf("LIMITER_CAP must be positive, got %d", cfg.LimiterCap)
	}

	logger.Info().
		Str("redis_addr", cfg.RedisAddr).
		Str("sqlite_path", cfg.SQLitePath).
		Dur("update_interval", cfg.UpdateInterval).
		Bool("shared_limiter", cfg.SharedLimiter).
		Int("limiter_cap", cfg.LimiterCap).
		Msg("configuration loaded")

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
