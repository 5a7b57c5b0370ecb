// Package config loads GlucoTrack configuration from the environment.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the full daemon configuration.
type Config struct {
	Server  ServerConfig
	Data    DataConfig
	Backend BackendConfig
	Sync    SyncConfig
	Logging LoggingConfig
}

// ServerConfig configures the local REST/WebSocket listener.
type ServerConfig struct {
	Host string
	Port string
}

// DataConfig configures local durable storage.
type DataConfig struct {
	Dir string
}

// BackendConfig configures the remote reading service. An empty BaseURL
// means the build runs fully local and all sync passes are no-ops.
type BackendConfig struct {
	BaseURL  string
	Username string
	Password string
	Timeout  time.Duration
}

// SyncConfig configures the sync engine.
type SyncConfig struct {
	MaxRetries    int
	ProbeInterval time.Duration
	SyncInterval  time.Duration
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level string
}

// Load reads configuration from .env (if present) and the environment.
func Load() (*Config, error) {
	godotenv.Load()

	timeout, err := time.ParseDuration(getEnv("BACKEND_TIMEOUT", "15s"))
	if err != nil {
		return nil, err
	}
	probe, err := time.ParseDuration(getEnv("CONNECTIVITY_PROBE_INTERVAL", "30s"))
	if err != nil {
		return nil, err
	}
	syncInterval, err := time.ParseDuration(getEnv("SYNC_INTERVAL", "15m"))
	if err != nil {
		return nil, err
	}

	return &Config{
		Server: ServerConfig{
			Host: getEnv("HOST", "127.0.0.1"),
			Port: getEnv("PORT", "8090"),
		},
		Data: DataConfig{
			Dir: getEnv("DATA_DIR", "./data"),
		},
		Backend: BackendConfig{
			BaseURL:  getEnv("BACKEND_URL", ""),
			Username: getEnv("BACKEND_USERNAME", ""),
			Password: getEnv("BACKEND_PASSWORD", ""),
			Timeout:  timeout,
		},
		Sync: SyncConfig{
			MaxRetries:    getEnvAsInt("SYNC_MAX_RETRIES", 3),
			ProbeInterval: probe,
			SyncInterval:  syncInterval,
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}
