// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port         string
	FrontendURL  string
	DBPath       string
	DataDir      string // root of the per-session credential store
	CacheDir     string // root of the per-session message/media cache
	BackendURL   string // base URL of the backend application webhooks
	BrowserImage string
	// ContainerRuntime selects the Docker runtime: "" = default (runc).
	ContainerRuntime string
	BackendTimeout   time.Duration
	QRWaitTimeout    time.Duration
	SendTimeout      time.Duration
	DestroyTimeout   time.Duration
	// CreateTimeout bounds detached session creation, which includes
	// container startup and the QR handshake.
	CreateTimeout time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:             getEnv("PORT", "3000"),
		FrontendURL:      getEnv("FRONTEND_URL", ""),
		DBPath:           getEnv("DB_PATH", "./data/wagate.db"),
		DataDir:          getEnv("DATA_DIR", "./data/auth"),
		CacheDir:         getEnv("CACHE_DIR", "./data/cache"),
		BackendURL:       getEnv("BACKEND_URL", "http://127.0.0.1:8000/api"),
		BrowserImage:     getEnv("BROWSER_IMAGE", "wagate-bridge:latest"),
		ContainerRuntime: getEnv("CONTAINER_RUNTIME", ""),
		BackendTimeout:   getEnvDuration("BACKEND_TIMEOUT", 10*time.Second),
		QRWaitTimeout:    getEnvDuration("QR_WAIT_TIMEOUT", 60*time.Second),
		SendTimeout:      getEnvDuration("SEND_TIMEOUT", 30*time.Second),
		DestroyTimeout:   getEnvDuration("DESTROY_TIMEOUT", 30*time.Second),
		CreateTimeout:    getEnvDuration("CREATE_TIMEOUT", 5*time.Minute),
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
	if c.DataDir == "" {
		return fmt.Errorf("DATA_DIR cannot be empty")
	}
	if c.CacheDir == "" {
		return fmt.Errorf("CACHE_DIR cannot be empty")
	}
	if c.BackendURL == "" {
		return fmt.Errorf("BACKEND_URL cannot be empty")
	}
	if c.BrowserImage == "" {
		return fmt.Errorf("BROWSER_IMAGE cannot be empty")
	}
	if c.QRWaitTimeout <= 0 {
		return fmt.Errorf("QR_WAIT_TIMEOUT must be > 0")
	}
	if c.CreateTimeout <= 0 {
		return fmt.Errorf("CREATE_TIMEOUT must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
