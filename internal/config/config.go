// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port             string
	FrontendURL      string
	DBPath           string
	QuestionBankPath string
	LogLevel         slog.Level
	MetricsEnabled   bool
	Competition      CompetitionConfig
	Retry            RetryConfig
	Timeout          TimeoutConfig
}

// CompetitionConfig controls proctoring policy.
type CompetitionConfig struct {
	// WarnThreshold is the violation count that issues the final warning;
	// the next counted violation ejects.
	WarnThreshold    int
	SweepInterval    time.Duration
	LeaderboardLimit int
}

// RetryConfig controls SQLite busy retries.
type RetryConfig struct {
	DatabaseMaxRetries     int
	DatabaseRetryBaseDelay time.Duration
}

// TimeoutConfig holds request and lifecycle timeouts.
type TimeoutConfig struct {
	HealthCheck time.Duration
	Shutdown    time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:             getEnv("PORT", "8080"),
		FrontendURL:      getEnv("FRONTEND_URL", ""),
		DBPath:           getEnv("DB_PATH", "./data/competition.db"),
		QuestionBankPath: getEnv("QUESTION_BANK_PATH", "./data/questions.yaml"),
		LogLevel:         getEnvLevel("LOG_LEVEL", slog.LevelInfo),
		MetricsEnabled:   getEnvBool("METRICS_ENABLED", true),
		Competition: CompetitionConfig{
			WarnThreshold:    getEnvInt("VIOLATION_WARN_THRESHOLD", 5),
			SweepInterval:    getEnvDuration("SWEEP_INTERVAL", time.Second),
			LeaderboardLimit: getEnvInt("LEADERBOARD_LIMIT", 50),
		},
		Retry: RetryConfig{
			DatabaseMaxRetries:     getEnvInt("DB_MAX_RETRIES", 3),
			DatabaseRetryBaseDelay: getEnvDuration("DB_RETRY_BASE_DELAY", 50*time.Millisecond),
		},
		Timeout: TimeoutConfig{
			HealthCheck: getEnvDuration("HEALTH_CHECK_TIMEOUT", 5*time.Second),
			Shutdown:    getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.QuestionBankPath == "" {
		return fmt.Errorf("QUESTION_BANK_PATH cannot be empty")
	}
	if c.Competition.WarnThreshold <= 0 {
		return fmt.Errorf("VIOLATION_WARN_THRESHOLD must be > 0")
	}
	if c.Competition.SweepInterval <= 0 || c.Competition.SweepInterval > time.Second {
		return fmt.Errorf("SWEEP_INTERVAL must be in (0, 1s]")
	}
	if c.Competition.LeaderboardLimit <= 0 {
		return fmt.Errorf("LEADERBOARD_LIMIT must be > 0")
	}
	if c.Retry.DatabaseMaxRetries <= 0 {
		return fmt.Errorf("DB_MAX_RETRIES must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the CORS origins for the configured frontend.
func (c *Config) AllowedOrigins() []string {
	if c.IsDevelopment() {
		return []string{"*"}
	}
	return []string{c.FrontendURL}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func getEnvLevel(key string, fallback slog.Level) slog.Level {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(value))); err != nil {
		return fallback
	}
	return level
}
