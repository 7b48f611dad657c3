package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/Netflix/go-env"
)

// Store backends
const (
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
)

// ServerConfig holds server configuration
type ServerConfig struct {
	HTTPPort              int
	DatabasePath          string
	StoreBackend          string
	UploadsDir            string
	JWTSecret             string
	TokenTTL              time.Duration
	CookieSecure          bool
	HeartbeatInterval     time.Duration
	PongTimeout           time.Duration
	MaxMessageSize        int64
	RejectInvalidMessages bool
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	liveness := DefaultLivenessConfig()
	return ServerConfig{
		HTTPPort:          4040,
		DatabasePath:      "~/.duochat/duochat.db",
		StoreBackend:      BackendSQLite,
		UploadsDir:        "~/.duochat/uploads",
		TokenTTL:          7 * 24 * time.Hour,
		HeartbeatInterval: liveness.HeartbeatInterval,
		PongTimeout:       liveness.PongTimeout,
		MaxMessageSize:    10 * 1024 * 1024,
	}
}

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server   ServerSection   `toml:"server"`
	Auth     AuthSection     `toml:"auth"`
	Liveness LivenessSection `toml:"liveness"`
	Limits   LimitsSection   `toml:"limits"`
}

type ServerSection struct {
	HTTPPort     int    `toml:"http_port"`
	DatabasePath string `toml:"database_path"`
	StoreBackend string `toml:"store_backend"`
	UploadsDir   string `toml:"uploads_dir"`
}

type AuthSection struct {
	// Prefer DUOCHAT_JWT_SECRET over writing the secret here
	JWTSecret     string `toml:"jwt_secret"`
	TokenTTLHours int    `toml:"token_ttl_hours"`
	CookieSecure  bool   `toml:"cookie_secure"`
}

type LivenessSection struct {
	HeartbeatIntervalMs int `toml:"heartbeat_interval_ms"`
	PongTimeoutMs       int `toml:"pong_timeout_ms"`
}

type LimitsSection struct {
	MaxMessageBytes       int64 `toml:"max_message_bytes"`
	RejectInvalidMessages bool  `toml:"reject_invalid_messages"`
}

// EnvConfig holds overrides read from the environment (after .env is loaded)
type EnvConfig struct {
	JWTSecret    *string `env:"DUOCHAT_JWT_SECRET"`
	HTTPPort     *int    `env:"DUOCHAT_HTTP_PORT"`
	DatabasePath *string `env:"DUOCHAT_DATABASE_PATH"`
	StoreBackend *string `env:"DUOCHAT_STORE_BACKEND"`
	UploadsDir   *string `env:"DUOCHAT_UPLOADS_DIR"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	cfg := DefaultConfig()
	return TOMLConfig{
		Server: ServerSection{
			HTTPPort:     cfg.HTTPPort,
			DatabasePath: cfg.DatabasePath,
			StoreBackend: cfg.StoreBackend,
			UploadsDir:   cfg.UploadsDir,
		},
		Auth: AuthSection{
			TokenTTLHours: int(cfg.TokenTTL / time.Hour),
		},
		Liveness: LivenessSection{
			HeartbeatIntervalMs: int(cfg.HeartbeatInterval / time.Millisecond),
			PongTimeoutMs:       int(cfg.PongTimeout / time.Millisecond),
		},
		Limits: LimitsSection{
			MaxMessageBytes: cfg.MaxMessageSize,
		},
	}
}

// ExpandPath replaces a leading ~/ with the user's home directory
func ExpandPath(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}

// LoadConfig loads configuration from a TOML file, creates default if not found
func LoadConfig(path string) (TOMLConfig, error) {
	// Expand ~ in path
	path, err := ExpandPath(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	// Check if file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		// File doesn't exist, create default config
		config := DefaultTOMLConfig()
		if err := writeDefaultConfig(path, config); err != nil {
			// Unwritable config dir is not fatal, run with defaults
			return config, nil
		}
		return config, nil
	}

	// Load from file
	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// writeDefaultConfig writes the default config to a file
func writeDefaultConfig(path string, config TOMLConfig) error {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Create file
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	// Write header comment
	header := `# duochat server configuration
# This file was auto-generated with default values
# Secrets belong in the environment (DUOCHAT_JWT_SECRET) or a .env file

`
	if _, err := f.WriteString(header); err != nil {
		return err
	}

	// Encode config as TOML
	encoder := toml.NewEncoder(f)
	if err := encoder.Encode(config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	if c.Server.HTTPPort != 0 {
		cfg.HTTPPort = c.Server.HTTPPort
	}

	if strings.TrimSpace(c.Server.DatabasePath) != "" {
		cfg.DatabasePath = c.Server.DatabasePath
	}

	if strings.TrimSpace(c.Server.StoreBackend) != "" {
		cfg.StoreBackend = c.Server.StoreBackend
	}

	if strings.TrimSpace(c.Server.UploadsDir) != "" {
		cfg.UploadsDir = c.Server.UploadsDir
	}

	cfg.JWTSecret = c.Auth.JWTSecret
	cfg.CookieSecure = c.Auth.CookieSecure

	if c.Auth.TokenTTLHours != 0 {
		cfg.TokenTTL = time.Duration(c.Auth.TokenTTLHours) * time.Hour
	}

	if c.Liveness.HeartbeatIntervalMs != 0 {
		cfg.HeartbeatInterval = time.Duration(c.Liveness.HeartbeatIntervalMs) * time.Millisecond
	}

	if c.Liveness.PongTimeoutMs != 0 {
		cfg.PongTimeout = time.Duration(c.Liveness.PongTimeoutMs) * time.Millisecond
	}

	if c.Limits.MaxMessageBytes != 0 {
		cfg.MaxMessageSize = c.Limits.MaxMessageBytes
	}

	cfg.RejectInvalidMessages = c.Limits.RejectInvalidMessages

	return cfg
}

// ApplyEnv overlays environment overrides onto cfg
func ApplyEnv(cfg *ServerConfig) error {
	var overrides EnvConfig
	if _, err := env.UnmarshalFromEnviron(&overrides); err != nil {
		return fmt.Errorf("failed to read environment: %w", err)
	}

	if overrides.JWTSecret != nil {
		cfg.JWTSecret = *overrides.JWTSecret
	}
	if overrides.HTTPPort != nil {
		cfg.HTTPPort = *overrides.HTTPPort
	}
	if overrides.DatabasePath != nil {
		cfg.DatabasePath = *overrides.DatabasePath
	}
	if overrides.StoreBackend != nil {
		cfg.StoreBackend = *overrides.StoreBackend
	}
	if overrides.UploadsDir != nil {
		cfg.UploadsDir = *overrides.UploadsDir
	}
	return nil
}

// Validate checks settings that have no usable default
func (c *ServerConfig) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("jwt secret is not set (DUOCHAT_JWT_SECRET)")
	}

	// Validate port range
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid port number: %d (must be 1-65535)", c.HTTPPort)
	}

	switch c.StoreBackend {
	case BackendSQLite, BackendBadger:
	default:
		return fmt.Errorf("unknown store backend %q", c.StoreBackend)
	}
	if c.HeartbeatInterval <= 0 || c.PongTimeout <= 0 {
		return fmt.Errorf("heartbeat interval and pong timeout must be positive")
	}
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("max message size must be positive")
	}
	return nil
}
