// Package config provides configuration management for Recollect.
// It loads settings from environment variables with the RECOLLECT_ prefix
// and provides sensible defaults for all configuration options.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration settings for the Recollect application.
type Config struct {
	Server   ServerConfig
	Storage  StorageConfig
	Queue    QueueConfig
	LLM      LLMConfig
	Security SecurityConfig
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port int    // Server port (default: 8480)
	Host string // Server host (default: 127.0.0.1)

	// RateLimitPerSec is the sustained request rate allowed per process.
	RateLimitPerSec float64
	// RateLimitBurst is the maximum request burst size.
	RateLimitBurst int
}

// StorageConfig contains database and storage configuration.
type StorageConfig struct {
	// Engine selects the storage backend: "sqlite" or "postgres".
	Engine string

	// DataPath is the data directory for the SQLite engine and for
	// cross-process notify event files (default: ./data).
	DataPath string

	// PostgresDSN is the lib/pq connection string for the postgres engine.
	PostgresDSN string
}

// QueueConfig tunes the enrichment queue and worker pool.
type QueueConfig struct {
	// Workers is the number of enrichment worker goroutines (default: 4).
	Workers int

	// MaxRetries is the delivery attempt limit before a task is moved to
	// the dead-letter table (default: 5).
	MaxRetries int

	// VisibilityTimeout bounds how long a leased task stays invisible
	// before a crashed worker's lease expires (default: 2m).
	VisibilityTimeout time.Duration

	// PollInterval is how long an idle worker waits between lease attempts
	// when the queue is empty (default: 1s).
	PollInterval time.Duration

	// BackoffBase is the delay before the first redelivery of a nacked
	// task; each further retry doubles it (default: 30s).
	BackoffBase time.Duration

	// BackoffMax caps the redelivery delay (default: 10m).
	BackoffMax time.Duration
}

// LLMConfig contains model gateway configuration. The gateway speaks the
// OpenAI-compatible HTTP API, which also covers LM Studio and Ollama.
type LLMConfig struct {
	BaseURL        string        // API base URL (default: https://api.openai.com)
	APIKey         string        // API key (may be empty for local servers)
	ChatModel      string        // chat/generation model (default: gpt-4o-mini)
	EmbeddingModel string        // embedding model (default: text-embedding-3-small)
	Dimension      int           // embedding dimensionality (default: 1536)
	Timeout        time.Duration // per-request timeout (default: 15s)

	// RequestsPerSec paces outbound model calls; 0 disables pacing.
	RequestsPerSec float64
}

// SecurityConfig contains authentication settings.
type SecurityConfig struct {
	// APIKey protects the /api routes. Empty disables authentication,
	// which is only sensible for local single-user deployments.
	APIKey string
}

// Load builds a Config from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnvInt("RECOLLECT_PORT", 8480),
			Host:            getEnv("RECOLLECT_HOST", "127.0.0.1"),
			RateLimitPerSec: getEnvFloat("RECOLLECT_RATE_LIMIT", 10.0),
			RateLimitBurst:  getEnvInt("RECOLLECT_RATE_BURST", 20),
		},
		Storage: StorageConfig{
			Engine:      getEnv("RECOLLECT_STORAGE_ENGINE", "sqlite"),
			DataPath:    getEnv("RECOLLECT_DATA_PATH", "./data"),
			PostgresDSN: getEnv("RECOLLECT_POSTGRES_DSN", ""),
		},
		Queue: QueueConfig{
			Workers:           getEnvInt("RECOLLECT_QUEUE_WORKERS", 4),
			MaxRetries:        getEnvInt("RECOLLECT_QUEUE_MAX_RETRIES", 5),
			VisibilityTimeout: getEnvDuration("RECOLLECT_QUEUE_VISIBILITY_TIMEOUT", 2*time.Minute),
			PollInterval:      getEnvDuration("RECOLLECT_QUEUE_POLL_INTERVAL", time.Second),
			BackoffBase:       getEnvDuration("RECOLLECT_QUEUE_BACKOFF_BASE", 30*time.Second),
			BackoffMax:        getEnvDuration("RECOLLECT_QUEUE_BACKOFF_MAX", 10*time.Minute),
		},
		LLM: LLMConfig{
			BaseURL:        getEnv("RECOLLECT_LLM_BASE_URL", "https://api.openai.com"),
			APIKey:         getEnv("RECOLLECT_LLM_API_KEY", ""),
			ChatModel:      getEnv("RECOLLECT_LLM_MODEL", "gpt-4o-mini"),
			EmbeddingModel: getEnv("RECOLLECT_EMBEDDING_MODEL", "text-embedding-3-small"),
			Dimension:      getEnvInt("RECOLLECT_EMBEDDING_DIMENSION", 1536),
			Timeout:        getEnvDuration("RECOLLECT_LLM_TIMEOUT", 15*time.Second),
			RequestsPerSec: getEnvFloat("RECOLLECT_LLM_RATE_LIMIT", 0),
		},
		Security: SecurityConfig{
			APIKey: getEnv("RECOLLECT_API_KEY", ""),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	switch c.Storage.Engine {
	case "sqlite":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("config: RECOLLECT_POSTGRES_DSN is required for the postgres engine")
		}
	default:
		return fmt.Errorf("config: unknown storage engine %q", c.Storage.Engine)
	}

	if c.LLM.Dimension <= 0 {
		return fmt.Errorf("config: embedding dimension must be positive, got %d", c.LLM.Dimension)
	}
	if c.Queue.Workers < 1 {
		return fmt.Errorf("config: queue workers must be at least 1, got %d", c.Queue.Workers)
	}
	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("config: queue max retries must not be negative, got %d", c.Queue.MaxRetries)
	}
	if c.Queue.VisibilityTimeout <= 0 {
		return fmt.Errorf("config: queue visibility timeout must be positive")
	}
	return nil
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default
// value. If the environment variable exists but cannot be parsed as an
// integer, it returns the default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat retrieves a float environment variable or returns a default value.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a duration environment variable (Go duration
// syntax, e.g. "90s", "2m") or returns a default value.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
