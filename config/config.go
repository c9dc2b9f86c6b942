// Package config provides configuration management for Mesh Bridge.
// It handles loading, saving, and validating daemon settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yllada/mesh-bridge/common"
)

// Config represents the application configuration.
// All settings are persisted to a YAML file in the user's config directory.
type Config struct {
	// SocketPath is the unix socket the daemon listens on.
	// Empty means $XDG_RUNTIME_DIR/mesh-bridge.sock.
	SocketPath string `yaml:"socket_path"`
	// DBus exports the bridge on the session bus.
	DBus bool `yaml:"dbus"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
	// LogToFile enables the rotated log file.
	LogToFile bool `yaml:"log_to_file"`

	Tailscale TailscaleConfig `yaml:"tailscale"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	History   HistoryConfig   `yaml:"history"`

	// ShowNotifications enables desktop notifications for connection events.
	ShowNotifications bool `yaml:"show_notifications"`

	// Servers are named control servers the CLI can connect to by name.
	// Auth keys are never stored here.
	Servers []ServerProfile `yaml:"servers,omitempty"`
}

// TailscaleConfig controls how the tailscale CLI is driven.
type TailscaleConfig struct {
	Binary string `yaml:"binary"`
	// Socket is the tailscaled socket; empty uses the CLI default.
	Socket       string `yaml:"socket,omitempty"`
	Hostname     string `yaml:"hostname,omitempty"`
	AcceptRoutes bool   `yaml:"accept_routes"`
}

// BridgeConfig holds lifecycle timing.
type BridgeConfig struct {
	ActivationTimeout         time.Duration `yaml:"activation_timeout"`
	StatusInterval            time.Duration `yaml:"status_interval"`
	DisconnectConfirmRetries  int           `yaml:"disconnect_confirm_retries"`
	DisconnectConfirmInterval time.Duration `yaml:"disconnect_confirm_interval"`
}

// HistoryConfig controls the transition log.
type HistoryConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Path      string        `yaml:"path,omitempty"`
	Retention time.Duration `yaml:"retention"`
}

// ServerProfile is a named control server.
type ServerProfile struct {
	Name        string `yaml:"name"`
	LoginServer string `yaml:"login_server"`
	Hostname    string `yaml:"hostname,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		DBus:              true,
		LogLevel:          "info",
		LogToFile:         true,
		ShowNotifications: true,
		Tailscale: TailscaleConfig{
			Binary: common.DefaultTailscaleBinary,
		},
		Bridge: BridgeConfig{
			ActivationTimeout:         common.ActivationTimeout,
			StatusInterval:            common.StatusInterval,
			DisconnectConfirmRetries:  common.DisconnectConfirmRetries,
			DisconnectConfirmInterval: common.DisconnectConfirmInterval,
		},
		History: HistoryConfig{
			Enabled:   true,
			Retention: common.HistoryRetention,
		},
	}
}

// Load loads the configuration from the default config file.
// If the file doesn't exist, it creates one with default values.
func Load() (*Config, error) {
	configPath, err := DefaultPath()
	if err != nil {
		return nil, err
	}
	return LoadFrom(configPath)
}

// LoadFrom loads the configuration from path, writing defaults there when
// the file is missing.
func LoadFrom(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := cfg.SaveTo(configPath); err != nil {
			return cfg, err
		}
		return cfg, nil
	}

	file, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("%w: error opening configuration: %w", common.ErrConfigLoad, err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true) // Strict validation: reject unknown fields

	config := DefaultConfig()
	if err := decoder.Decode(config); err != nil {
		return nil, fmt.Errorf("%w: error parsing configuration: %w", common.ErrConfigLoad, err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("%w: invalid configuration: %w", common.ErrConfigLoad, err)
	}

	return config, nil
}

// validate rejects unusable values and falls back to defaults for
// out-of-range timings.
func (c *Config) validate() error {
	defaults := DefaultConfig()

	if strings.TrimSpace(c.Tailscale.Binary) == "" {
		c.Tailscale.Binary = defaults.Tailscale.Binary
	}
	if c.Bridge.ActivationTimeout <= 0 {
		c.Bridge.ActivationTimeout = defaults.Bridge.ActivationTimeout
	}
	if c.Bridge.StatusInterval <= 0 {
		c.Bridge.StatusInterval = defaults.Bridge.StatusInterval
	}
	if c.Bridge.DisconnectConfirmRetries < 0 {
		c.Bridge.DisconnectConfirmRetries = defaults.Bridge.DisconnectConfirmRetries
	}
	if c.Bridge.DisconnectConfirmInterval <= 0 {
		c.Bridge.DisconnectConfirmInterval = defaults.Bridge.DisconnectConfirmInterval
	}
	if c.History.Retention <= 0 {
		c.History.Retention = defaults.History.Retention
	}

	seen := make(map[string]bool, len(c.Servers))
	for i, s := range c.Servers {
		name := strings.ToLower(strings.TrimSpace(s.Name))
		if name == "" {
			return fmt.Errorf("servers[%d]: name is required", i)
		}
		if seen[name] {
			return fmt.Errorf("servers[%d]: duplicate name %q", i, s.Name)
		}
		seen[name] = true

		normalized, err := common.NormalizeLoginServer(s.LoginServer)
		if err != nil {
			return fmt.Errorf("servers[%d]: %w", i, err)
		}
		c.Servers[i].LoginServer = normalized
	}

	return nil
}

// Save saves the configuration to the default file.
func (c *Config) Save() error {
	configPath, err := DefaultPath()
	if err != nil {
		return err
	}
	return c.SaveTo(configPath)
}

// SaveTo saves the configuration to path.
func (c *Config) SaveTo(configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0700); err != nil {
		return fmt.Errorf("%w: error creating config directory: %w", common.ErrConfigSave, err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("%w: error serializing configuration: %w", common.ErrConfigSave, err)
	}

	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("%w: error saving configuration: %w", common.ErrConfigSave, err)
	}

	return nil
}

// ResolveServer finds a server profile by name (case-insensitive). A value
// that is not a profile name but looks like a URL or hostname is returned
// as an ad-hoc profile.
func (c *Config) ResolveServer(nameOrURL string) (ServerProfile, error) {
	key := strings.ToLower(strings.TrimSpace(nameOrURL))
	for _, s := range c.Servers {
		if strings.ToLower(s.Name) == key {
			return s, nil
		}
	}

	if strings.Contains(key, ".") || strings.Contains(key, "://") {
		loginServer, err := common.NormalizeLoginServer(nameOrURL)
		if err != nil {
			return ServerProfile{}, err
		}
		return ServerProfile{Name: common.LoginHost(loginServer), LoginServer: loginServer}, nil
	}

	return ServerProfile{}, fmt.Errorf("%w: %s", common.ErrServerNotFound, nameOrURL)
}

// SocketFile returns the effective IPC socket path.
func (c *Config) SocketFile() string {
	if c.SocketPath != "" {
		return c.SocketPath
	}
	return filepath.Join(common.GetRuntimeDir(), common.SocketFileName)
}

// HistoryFile returns the effective history database path.
func (c *Config) HistoryFile() (string, error) {
	if c.History.Path != "" {
		return c.History.Path, nil
	}
	dataDir, err := common.GetDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, common.HistoryFileName), nil
}

// DefaultPath returns ~/.config/mesh-bridge/config.yaml.
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("error getting home directory: %w", err)
	}

	return filepath.Join(homeDir, ".config", common.ConfigDirName, common.ConfigFileName), nil
}

// IsNotFound reports whether err is a missing server profile.
func IsNotFound(err error) bool {
	return errors.Is(err, common.ErrServerNotFound)
}
