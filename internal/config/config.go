// Package config loads runtime configuration from environment variables and
// an optional .env file.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the connector and the server.
type Config struct {
	// CDP connection settings
	CDPAddress string
	CDPPort    int

	// Tab behavior
	TabURL    string
	UseTabURL bool

	// Collection timing
	WaitFor    time.Duration
	GraceDelay time.Duration
	CloseDelay time.Duration

	// Request shaping
	Headers             map[string]string
	OverrideInvalidCert bool

	// Script evaluation
	EvalTimeout time.Duration

	// HTTP API
	APIAddr string

	// Logging
	LogDir string
}

// Load reads configuration from environment variables and optional .env file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	cfg := &Config{
		CDPAddress:          getEnvOrDefault("SONARWHAL_CDP_ADDRESS", "127.0.0.1"),
		CDPPort:             getEnvIntOrDefault("SONARWHAL_CDP_PORT", 9222),
		TabURL:              getEnvOrDefault("SONARWHAL_TAB_URL", "about:blank"),
		UseTabURL:           getEnvBoolOrDefault("SONARWHAL_USE_TAB_URL", false),
		WaitFor:             getEnvDurationMS("SONARWHAL_WAIT_FOR_MS", 1000),
		GraceDelay:          getEnvDurationMS("SONARWHAL_GRACE_DELAY_MS", 2000),
		CloseDelay:          getEnvDurationMS("SONARWHAL_CLOSE_DELAY_MS", 500),
		OverrideInvalidCert: getEnvBoolOrDefault("SONARWHAL_OVERRIDE_INVALID_CERT", false),
		EvalTimeout:         getEnvDurationMS("SONARWHAL_EVAL_TIMEOUT_MS", 60000),
		APIAddr:             getEnvOrDefault("SONARWHAL_API_ADDR", ":8080"),
		LogDir:              getEnvOrDefault("SONARWHAL_LOG_DIR", "./logs"),
	}

	if raw := os.Getenv("SONARWHAL_HEADERS"); raw != "" {
		headers := map[string]string{}
		if err := json.Unmarshal([]byte(raw), &headers); err != nil {
			return nil, fmt.Errorf("parse SONARWHAL_HEADERS: %w", err)
		}
		cfg.Headers = headers
	}

	return cfg, nil
}

// GetCDPURL returns the full CDP HTTP endpoint used by the remote allocator.
func (c *Config) GetCDPURL() string {
	return fmt.Sprintf("http://%s:%d", c.CDPAddress, c.CDPPort)
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBoolOrDefault(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvDurationMS(key string, defaultMS int) time.Duration {
	return time.Duration(getEnvIntOrDefault(key, defaultMS)) * time.Millisecond
}
