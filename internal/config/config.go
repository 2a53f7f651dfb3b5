package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the application configuration.
type Config struct {
	Port            string
	AnthropicAPIKey string
	AnthropicModel  string

	CacheFile       string
	ConnectionsFile string
	KeyFile         string

	QueryTimeout    time.Duration
	SampleRows      int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Load reads configuration from .env file and environment variables.
func Load() (*Config, error) {
	// Load .env file if it exists (silently ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:            envOr("PORT", "8000"),
		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
		AnthropicModel:  envOr("ANTHROPIC_MODEL", "claude-sonnet-4-20250514"),
		CacheFile:       envOr("CACHE_FILE", ".db_metadata_cache.json"),
		ConnectionsFile: envOr("CONNECTIONS_FILE", "connections.enc"),
		KeyFile:         envOr("CONNECTION_KEY_FILE", ".connection_key"),
	}

	var err error
	if cfg.QueryTimeout, err = envDuration("QUERY_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.SampleRows, err = envInt("SAMPLE_ROWS", 3); err != nil {
		return nil, err
	}
	if cfg.SampleRows < 0 {
		return nil, fmt.Errorf("SAMPLE_ROWS must not be negative")
	}
	if cfg.ReadTimeout, err = envDuration("READ_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.WriteTimeout, err = envDuration("WRITE_TIMEOUT", 2*time.Minute); err != nil {
		return nil, err
	}
	if cfg.ShutdownTimeout, err = envDuration("SHUTDOWN_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}

	return cfg, nil
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func envDuration(name string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return d, nil
}

func envInt(name string, fallback int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return n, nil
}
