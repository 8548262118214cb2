// Package config loads relayd's environment-driven configuration and
// bootstraps the on-disk state layout (.deployd/security.json,
// resources/{collection}/) described by the server's external interface.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"relayd/pkg/observability"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig
	Storage  StorageConfig
	Security SecurityConfig
	Realtime RealtimeConfig

	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// HealthPort serves /health and /metrics on a separate listener.
	HealthPort string

	Production bool

	// StateDir is the root of the .deployd/ and resources/ layout.
	StateDir string
}

// StorageConfig selects and configures the Store backend.
type StorageConfig struct {
	// DATABASE_URL selects the backend: "bolt://path/to/file" for the
	// document store, "sqlite://data/relayd.db" for the hybrid column+JSON
	// SQL store. Any other form, a bare path included, is rejected.
	DatabaseURL string
	DataDir     string
}

// SecurityConfig mirrors .deployd/security.json.
type SecurityConfig struct {
	MasterKey         string
	JWTSecret         string
	JWTExpiration     time.Duration
	AllowRegistration bool
}

// RealtimeConfig configures the realtime broker adapter.
type RealtimeConfig struct {
	RedisURL string
	ServerID string
}

// ObservabilityConfig holds observability settings.
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool
}

// LoadConfig loads configuration from environment variables and ensures the
// on-disk state layout exists, generating a master key on first run.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Storage:       loadStorageConfig(),
		Realtime:      loadRealtimeConfig(),
		Observability: loadObservabilityConfig(),
	}

	security, err := loadOrBootstrapSecurity(cfg.Server.StateDir, cfg.Server.Production)
	if err != nil {
		return nil, fmt.Errorf("security bootstrap failed: %w", err)
	}
	cfg.Security = *security

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("HOST", "0.0.0.0"),
		Port:            getEnv("PORT", "2403"),
		ReadTimeout:     getEnvDuration("RELAYD_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("RELAYD_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("RELAYD_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("RELAYD_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("RELAYD_HEALTH_PORT", "2404"),
		Production:      getEnvBool("PRODUCTION", false),
		StateDir:        getEnv("RELAYD_STATE_DIR", "."),
	}
}

func loadStorageConfig() StorageConfig {
	return StorageConfig{
		DatabaseURL: getEnv("DATABASE_URL", "bolt://data/relayd.db"),
		DataDir:     getEnv("RELAYD_DATA_DIR", "data"),
	}
}

func loadRealtimeConfig() RealtimeConfig {
	serverID := getEnv("RELAYD_SERVER_ID", "")
	if serverID == "" {
		serverID = randomHex(8)
	}
	return RealtimeConfig{
		RedisURL: getEnv("REDIS_URL", ""),
		ServerID: serverID,
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:       parseLogLevel(getEnv("RELAYD_LOG_LEVEL", "info")),
		MetricsEnabled: getEnvBool("RELAYD_METRICS_ENABLED", true),
	}
}

// loadOrBootstrapSecurity reads .deployd/security.json, creating it (with a
// freshly generated master key, mode 0600) on first run. MASTER_KEY and
// JWT_SECRET environment variables override the persisted values.
func loadOrBootstrapSecurity(stateDir string, production bool) (*SecurityConfig, error) {
	deploydDir := filepath.Join(stateDir, ".deployd")
	securityPath := filepath.Join(deploydDir, "security.json")

	var persisted struct {
		MasterKey         string `json:"masterKey"`
		JWTSecret         string `json:"jwtSecret"`
		JWTExpiration     string `json:"jwtExpiration"`
		AllowRegistration bool   `json:"allowRegistration"`
	}

	if data, err := os.ReadFile(securityPath); err == nil {
		if err := json.Unmarshal(data, &persisted); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", securityPath, err)
		}
	} else if os.IsNotExist(err) {
		if err := os.MkdirAll(deploydDir, 0700); err != nil {
			return nil, fmt.Errorf("creating %s: %w", deploydDir, err)
		}
		persisted.MasterKey = randomHex(32)
		persisted.JWTSecret = randomHex(32)
		persisted.JWTExpiration = "24h"
		persisted.AllowRegistration = true

		data, err := json.MarshalIndent(persisted, "", "  ")
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(securityPath, data, 0600); err != nil {
			return nil, fmt.Errorf("writing %s: %w", securityPath, err)
		}
	} else {
		return nil, fmt.Errorf("reading %s: %w", securityPath, err)
	}

	expiration, err := time.ParseDuration(persisted.JWTExpiration)
	if err != nil || expiration <= 0 {
		expiration = 24 * time.Hour
	}

	sec := &SecurityConfig{
		MasterKey:         persisted.MasterKey,
		JWTSecret:         persisted.JWTSecret,
		JWTExpiration:     expiration,
		AllowRegistration: persisted.AllowRegistration,
	}

	if override := getEnv("MASTER_KEY", ""); override != "" {
		sec.MasterKey = override
	}
	if override := getEnv("JWT_SECRET", ""); override != "" {
		sec.JWTSecret = override
	}
	if production && sec.JWTSecret == persisted.JWTSecret && getEnv("JWT_SECRET", "") == "" {
		return nil, fmt.Errorf("JWT_SECRET must be set explicitly in production")
	}

	return sec, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}
	if c.Storage.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if !strings.HasPrefix(c.Storage.DatabaseURL, "bolt://") && !strings.HasPrefix(c.Storage.DatabaseURL, "sqlite://") {
		return fmt.Errorf("invalid DATABASE_URL scheme: %s (must be bolt:// or sqlite://)", c.Storage.DatabaseURL)
	}
	if c.Security.MasterKey == "" {
		return fmt.Errorf("master key must not be empty")
	}
	return nil
}

func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("config: failed to read random bytes: %v", err))
	}
	return hex.EncodeToString(b)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
