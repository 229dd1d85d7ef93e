// Package config содержит логику чтения конфигурации сервиса геймификации.
package config

import (
	"flag"
	"fmt"
	"time"
	_ "time/tzdata"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса.
type Config struct {
	RunAddress        string `env:"RUN_ADDRESS"`
	DatabaseURI       string `env:"DATABASE_URI"`
	ClassifierAddress string `env:"CLASSIFIER_ADDRESS"`

	ClassifierAPIKey string `env:"GROQ_API_KEY"`
	ClassifierModel  string `env:"GROQ_MODEL" envDefault:"llama-3.1-8b-instant"`

	RedisURL            string        `env:"REDIS_URL"`
	LeaderboardCacheTTL time.Duration `env:"LEADERBOARD_CACHE_TTL" envDefault:"30s"`

	JWTSecret          string `env:"JWT_SECRET"`
	RateLimitPerMinute int    `env:"RATE_LIMIT_PER_MINUTE" envDefault:"120"`

	Timezone              string `env:"TIMEZONE" envDefault:"Asia/Jakarta"`
	DefaultDailyScanLimit int    `env:"DEFAULT_DAILY_SCAN_LIMIT" envDefault:"2"`
	ScanRewardPoints      int64  `env:"SCAN_REWARD_POINTS" envDefault:"30"`
	SaleSellerPoints      int64  `env:"SALE_SELLER_POINTS" envDefault:"50"`
	SaleBuyerPoints       int64  `env:"SALE_BUYER_POINTS" envDefault:"20"`

	ScanInterval      time.Duration `env:"SCAN_INTERVAL" envDefault:"1s"`
	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL" envDefault:"10m"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	LogPath  string `env:"LOG_PATH"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envClassifierAddress := cfg.ClassifierAddress

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.ClassifierAddress, "r", "", "classifier API base URL")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envClassifierAddress != "" {
		cfg.ClassifierAddress = envClassifierAddress
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	if _, err := cfg.Location(); err != nil {
		return nil, err
	}
	if cfg.DefaultDailyScanLimit < 0 {
		return nil, fmt.Errorf("DEFAULT_DAILY_SCAN_LIMIT must not be negative, got %d", cfg.DefaultDailyScanLimit)
	}

	return cfg, nil
}

// Location возвращает часовой пояс, по которому считаются календарные дни.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}
