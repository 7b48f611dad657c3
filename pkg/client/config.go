package client

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the structure of the client config file
type TOMLConfig struct {
	Connection ConnectionSection `toml:"connection"`
	Local      LocalSection      `toml:"local"`
	UI         UISection         `toml:"ui"`
}

type ConnectionSection struct {
	Server           string `toml:"server"`
	ReconnectDelayMs int    `toml:"reconnect_delay_ms"`
}

type LocalSection struct {
	StateDB  string `toml:"state_db"`
	Username string `toml:"username"`
}

type UISection struct {
	ShowTimestamps  bool   `toml:"show_timestamps"`
	TimestampFormat string `toml:"timestamp_format"` // 'relative' or 'absolute'
}

// ConfigError represents a structured configuration error
type ConfigError struct {
	Path       string
	Message    string
	LineNumber int // 0 if not a parse error
}

func (e *ConfigError) Error() string {
	if e.LineNumber > 0 {
		return fmt.Sprintf("%s (line %d)", e.Message, e.LineNumber)
	}
	return e.Message
}

// getXDGDataHome returns the XDG data directory
func getXDGDataHome() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return xdg
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(homeDir, ".local", "share")
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Connection: ConnectionSection{
			Server:           "localhost:" + defaultHTTPPort,
			ReconnectDelayMs: int(DefaultReconnectDelay / time.Millisecond),
		},
		Local: LocalSection{
			StateDB: filepath.Join(getXDGDataHome(), "duochat", "state.db"),
		},
		UI: UISection{
			ShowTimestamps:  true,
			TimestampFormat: "relative",
		},
	}
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}

// LoadClientConfig loads configuration from a TOML file, creates default if not found
func LoadClientConfig(path string) (TOMLConfig, error) {
	// Expand ~ in path
	path, err := expandHome(path)
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

	// Load from file over the defaults
	config := DefaultTOMLConfig()
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, &ConfigError{
			Path:       path,
			Message:    cleanErrorMessage(err.Error()),
			LineNumber: extractLineNumber(err.Error()),
		}
	}

	// Validate config values
	if err := validateConfig(&config); err != nil {
		return TOMLConfig{}, &ConfigError{Path: path, Message: err.Error()}
	}

	return config, nil
}

// extractLineNumber tries to extract a line number from a TOML parse error
func extractLineNumber(errMsg string) int {
	re := regexp.MustCompile(`line (\d+)`)
	matches := re.FindStringSubmatch(errMsg)
	if len(matches) > 1 {
		if num, err := strconv.Atoi(matches[1]); err == nil {
			return num
		}
	}
	return 0
}

// cleanErrorMessage removes redundant parts from error messages
func cleanErrorMessage(errMsg string) string {
	return strings.TrimPrefix(errMsg, "toml: ")
}

// validateConfig validates configuration values
func validateConfig(config *TOMLConfig) error {
	var problems []string

	// Validate server address
	if strings.TrimSpace(config.Connection.Server) == "" {
		problems = append(problems, "Server address cannot be empty")
	} else if addr, err := parseServerAddress(config.Connection.Server); err != nil {
		problems = append(problems, fmt.Sprintf("Invalid server address: %v", err))
	} else if port, err := strconv.Atoi(addr.base.Port()); err != nil || port < 1 || port > 65535 {
		// Validate port range
		problems = append(problems, fmt.Sprintf("Invalid port number: %q (must be 1-65535)", addr.base.Port()))
	}

	// Validate reconnect delay
	if config.Connection.ReconnectDelayMs < 0 {
		problems = append(problems, "Reconnect delay cannot be negative")
	}

	// Validate timestamp format
	if config.UI.TimestampFormat != "" && config.UI.TimestampFormat != "relative" && config.UI.TimestampFormat != "absolute" {
		problems = append(problems, fmt.Sprintf("Invalid timestamp format: %q (must be 'relative' or 'absolute')", config.UI.TimestampFormat))
	}

	// Validate state database path is not empty
	if strings.TrimSpace(config.Local.StateDB) == "" {
		problems = append(problems, "State database path cannot be empty")
	}

	if len(problems) > 0 {
		return fmt.Errorf("Configuration validation failed:\n  • %s", strings.Join(problems, "\n  • "))
	}

	return nil
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
	header := `# duochat client configuration
# This file was auto-generated with default values
# Edit as needed - changes take effect on next client start

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

// GetStateDBPath returns the state database path with ~ expanded
func (c *TOMLConfig) GetStateDBPath() (string, error) {
	return expandHome(c.Local.StateDB)
}

// GetReconnectDelay returns the fixed reconnect delay, falling back to the default
func (c *TOMLConfig) GetReconnectDelay() time.Duration {
	if c.Connection.ReconnectDelayMs <= 0 {
		return DefaultReconnectDelay
	}
	return time.Duration(c.Connection.ReconnectDelayMs) * time.Millisecond
}
