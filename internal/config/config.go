// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Engine transport selection values for ENGINE_TRANSPORT.
const (
	EngineTransportProcess = "process"
	EngineTransportDocker  = "docker"
)

// Defaults matching the legacy deployment. The static AES key and IV are
// a known weakness of the wire format; override FACE_AES_SECRET in any
// real deployment.
const (
	defaultAESSecret = "12345678901234567890123456789012"
	defaultAESIV     = "1234567890123456"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string

	SessionTTL    time.Duration
	SweepInterval time.Duration
	TargetFrames  int

	Engine EngineConfig
	Crypto CryptoConfig
	Token  TokenConfig
	Audit  AuditConfig
}

// EngineConfig controls how the recognition engine is invoked.
type EngineConfig struct {
	Transport string // "process" or "docker"
	Bin       string
	Script    string
	Image     string
	Runtime   string // Docker runtime: "" = default (runc), "runsc" = gVisor
	Timeout   time.Duration
}

// CryptoConfig holds the AES material for client payload decryption.
type CryptoConfig struct {
	Secret string
	IV     string
}

// TokenConfig controls access token issuance on successful verification.
type TokenConfig struct {
	Secret string
	TTL    time.Duration
}

// AuditConfig controls login attempt retention.
type AuditConfig struct {
	Retention     time.Duration
	PruneInterval time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/facegate.db"),

		SessionTTL:    getEnvDuration("SESSION_TTL", 10*time.Minute),
		SweepInterval: getEnvDuration("SESSION_SWEEP_INTERVAL", time.Minute),
		TargetFrames:  getEnvInt("TARGET_FRAMES", 300),

		Engine: EngineConfig{
			Transport: getEnv("ENGINE_TRANSPORT", EngineTransportProcess),
			Bin:       getEnv("ENGINE_BIN", "python3"),
			Script:    getEnv("ENGINE_SCRIPT", "./face_api.py"),
			Image:     getEnv("ENGINE_IMAGE", ""),
			Runtime:   getEnv("CONTAINER_RUNTIME", ""),
			Timeout:   getEnvDuration("ENGINE_TIMEOUT", 30*time.Second),
		},
		Crypto: CryptoConfig{
			Secret: getEnv("FACE_AES_SECRET", defaultAESSecret),
			IV:     getEnv("FACE_AES_IV", defaultAESIV),
		},
		Token: TokenConfig{
			Secret: getEnv("TOKEN_SECRET", ""),
			TTL:    getEnvDuration("TOKEN_TTL", 15*time.Minute),
		},
		Audit: AuditConfig{
			Retention:     getEnvDuration("AUDIT_RETENTION", 30*24*time.Hour),
			PruneInterval: getEnvDuration("AUDIT_PRUNE_INTERVAL", time.Hour),
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
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be > 0")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SESSION_SWEEP_INTERVAL must be > 0")
	}
	if c.TargetFrames <= 0 {
		return fmt.Errorf("TARGET_FRAMES must be > 0")
	}
	switch c.Engine.Transport {
	case EngineTransportProcess:
		if c.Engine.Bin == "" {
			return fmt.Errorf("ENGINE_BIN cannot be empty")
		}
	case EngineTransportDocker:
		if c.Engine.Image == "" {
			return fmt.Errorf("ENGINE_IMAGE cannot be empty when ENGINE_TRANSPORT=docker")
		}
	default:
		return fmt.Errorf("ENGINE_TRANSPORT must be %q or %q", EngineTransportProcess, EngineTransportDocker)
	}
	if c.Engine.Timeout <= 0 {
		return fmt.Errorf("ENGINE_TIMEOUT must be > 0")
	}
	if c.Crypto.Secret == "" {
		return fmt.Errorf("FACE_AES_SECRET cannot be empty")
	}
	if c.Crypto.IV == "" {
		return fmt.Errorf("FACE_AES_IV cannot be empty")
	}
	if c.Token.Secret == "" {
		return fmt.Errorf("TOKEN_SECRET cannot be empty")
	}
	if c.Token.TTL <= 0 {
		return fmt.Errorf("TOKEN_TTL must be > 0")
	}
	if c.Audit.Retention <= 0 {
		return fmt.Errorf("AUDIT_RETENTION must be > 0")
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

// IsContainer returns true if running inside a Docker container.
func IsContainer() bool {
	if os.Getenv("CONTAINER") == "true" {
		return true
	}
	// Check for .dockerenv file
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return false
}
