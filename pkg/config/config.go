// Package config is the runtime's env-driven configuration, the same
// getEnvOrDefault + Validate() shape as the teacher's pkg/database/config.go.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every environment-sourced setting the runtime needs (§6).
type Config struct {
	WorkDir string

	BackendURL string
	APIKey     string

	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	FunctionTimeout time.Duration

	HTTPAddr string
}

// LoadFromEnv loads configuration from environment variables with the
// defaults spec.md §6 specifies.
func LoadFromEnv() (Config, error) {
	timeoutMs, err := strconv.Atoi(getEnvOrDefault("FUNCTION_TIMEOUT", "30000"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid FUNCTION_TIMEOUT: %w", err)
	}

	port, err := strconv.Atoi(getEnvOrDefault("POSTGRES_PORT", "5432"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid POSTGRES_PORT: %w", err)
	}

	cfg := Config{
		WorkDir:          getEnvOrDefault("FUNCTIONS_DIR", "./functions"),
		BackendURL:       os.Getenv("BACKEND_URL"),
		APIKey:           os.Getenv("API_KEY"),
		PostgresHost:     getEnvOrDefault("POSTGRES_HOST", "localhost"),
		PostgresPort:     port,
		PostgresUser:     getEnvOrDefault("POSTGRES_USER", "postgres"),
		PostgresPassword: os.Getenv("POSTGRES_PASSWORD"),
		PostgresDB:       getEnvOrDefault("POSTGRES_DB", "postgres"),
		PostgresSSLMode:  getEnvOrDefault("POSTGRES_SSLMODE", "disable"),
		FunctionTimeout:  time.Duration(timeoutMs) * time.Millisecond,
		HTTPAddr:         getEnvOrDefault("HTTP_ADDR", ":8080"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks required settings are present (§6).
func (c Config) Validate() error {
	if c.BackendURL == "" {
		return fmt.Errorf("BACKEND_URL is required")
	}
	if c.APIKey == "" {
		return fmt.Errorf("API_KEY is required")
	}
	if c.FunctionTimeout <= 0 {
		return fmt.Errorf("FUNCTION_TIMEOUT must be positive")
	}
	return nil
}

// ConnString builds a libpq-style connection string for pgx.Connect.
func (c Config) ConnString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.PostgresHost, c.PostgresPort, c.PostgresUser, c.PostgresPassword, c.PostgresDB, c.PostgresSSLMode)
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
