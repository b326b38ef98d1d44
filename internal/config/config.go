package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration loaded from environment variables
type Config struct {
	Env       string
	Port      string
	LogLevel  string
	LogFormat string

	DatabaseURL string
	RedisURL    string

	SessionSecret      string
	GoogleClientID     string
	GoogleClientSecret string
	GoogleCallbackURL  string
	AllowedOrigins     []string

	AIBaseURL  string
	AIAPIKey   string
	AIModel    string
	AIStubMode bool
	PromptsDir string

	// Processing pipeline
	HeartbeatInterval time.Duration
	ProcessTimeout    time.Duration
	StepDelay         time.Duration
	InsightTarget     int
	PostLimit         int

	// Background worker
	WorkerConcurrency int
	ReclaimSchedule   string
	PublishSchedule   string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Env:                getEnvWithDefault("ENV", "development"),
		Port:               getEnvWithDefault("PORT", "8080"),
		LogLevel:           getEnvWithDefault("LOG_LEVEL", "info"),
		LogFormat:          getEnvWithDefault("LOG_FORMAT", "text"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		RedisURL:           os.Getenv("REDIS_URL"),
		SessionSecret:      os.Getenv("SESSION_SECRET"),
		GoogleClientID:     os.Getenv("GOOGLE_CLIENT_ID"),
		GoogleClientSecret: os.Getenv("GOOGLE_CLIENT_SECRET"),
		GoogleCallbackURL:  os.Getenv("GOOGLE_CALLBACK_URL"),
		AIBaseURL:          getEnvWithDefault("AI_BASE_URL", "https://api.openai.com/v1"),
		AIAPIKey:           os.Getenv("AI_API_KEY"),
		AIModel:            getEnvWithDefault("AI_MODEL", "gpt-4o-mini"),
		PromptsDir:         os.Getenv("PROMPTS_DIR"),
		ReclaimSchedule:    getEnvWithDefault("RECLAIM_SCHEDULE", "@every 5m"),
		PublishSchedule:    getEnvWithDefault("PUBLISH_SCHEDULE", "@every 1m"),
		AllowedOrigins:     splitList(getEnvWithDefault("CORS_ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")),
	}

	var err error

	// Stub mode defaults on when no API key is configured so development works offline
	cfg.AIStubMode, err = parseBoolEnv("AI_STUB_MODE", cfg.AIAPIKey == "")
	if err != nil {
		return nil, fmt.Errorf("parse AI_STUB_MODE: %w", err)
	}

	// Heartbeats and the artificial step delay depend on the environment
	heartbeatDefault := 2 * time.Second
	stepDelayDefault := 400 * time.Millisecond
	if cfg.IsProduction() {
		heartbeatDefault = 15 * time.Second
		stepDelayDefault = 0
	}

	if cfg.HeartbeatInterval, err = parseDurationEnv("HEARTBEAT_INTERVAL", heartbeatDefault); err != nil {
		return nil, fmt.Errorf("parse HEARTBEAT_INTERVAL: %w", err)
	}
	if cfg.ProcessTimeout, err = parseDurationEnv("PROCESS_TIMEOUT", 5*time.Minute); err != nil {
		return nil, fmt.Errorf("parse PROCESS_TIMEOUT: %w", err)
	}
	if cfg.StepDelay, err = parseDurationEnv("STEP_DELAY", stepDelayDefault); err != nil {
		return nil, fmt.Errorf("parse STEP_DELAY: %w", err)
	}
	if cfg.InsightTarget, err = parseIntEnv("INSIGHT_TARGET", 7); err != nil {
		return nil, fmt.Errorf("parse INSIGHT_TARGET: %w", err)
	}
	if cfg.PostLimit, err = parseIntEnv("POST_LIMIT", 7); err != nil {
		return nil, fmt.Errorf("parse POST_LIMIT: %w", err)
	}
	if cfg.WorkerConcurrency, err = parseIntEnv("WORKER_CONCURRENCY", 5); err != nil {
		return nil, fmt.Errorf("parse WORKER_CONCURRENCY: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	// Warn if using default session secret (insecure for production)
	if cfg.SessionSecret == "" {
		cfg.SessionSecret = "dev-secret-change-in-production-use-openssl-rand-hex-32"
		log.Println("WARNING: Using default SESSION_SECRET. Generate a secure secret with: openssl rand -hex 32")
	}

	return cfg, nil
}

// IsProduction reports whether the service runs with production settings.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

func (c *Config) validate() error {
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be positive")
	}
	if c.ProcessTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("PROCESS_TIMEOUT must exceed HEARTBEAT_INTERVAL")
	}
	if c.StepDelay < 0 {
		return fmt.Errorf("STEP_DELAY must not be negative")
	}
	if c.InsightTarget <= 0 || c.PostLimit <= 0 {
		return fmt.Errorf("INSIGHT_TARGET and POST_LIMIT must be positive")
	}
	if c.WorkerConcurrency <= 0 {
		return fmt.Errorf("WORKER_CONCURRENCY must be positive")
	}
	return nil
}

func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseIntEnv(key string, fallback int) (int, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback, nil
	}
	return strconv.Atoi(value)
}

func parseBoolEnv(key string, fallback bool) (bool, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback, nil
	}
	return strconv.ParseBool(value)
}

func parseDurationEnv(key string, fallback time.Duration) (time.Duration, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback, nil
	}
	return time.ParseDuration(value)
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
