// Package config loads sysutil's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath overrides the default config file location.
const EnvConfigPath = "SYSUTIL_CONFIG"

// ServerConfig holds settings for `sysutil serve`.
type ServerConfig struct {
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	SocketPath  string        `yaml:"socket_path,omitempty"` // Unix socket; takes precedence over host/port
	SocketMode  string        `yaml:"socket_mode,omitempty"` // octal, e.g. "0600"
	ChunkSize   int           `yaml:"chunk_size"`
	Workers     int           `yaml:"workers"` // 0 runs callbacks inline
	MaxConns    int           `yaml:"max_conns"`
	ReadTimeout time.Duration `yaml:"read_timeout,omitempty"`
	PidFile     string        `yaml:"pid_file"`
	// ShutdownGrace is how long serve waits for clients to leave after a
	// signal before closing them.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// LogConfig selects the log level and destination.
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error, none
	Path  string `yaml:"path,omitempty"`
}

// TopConfig holds settings for the `sysutil top` view.
type TopConfig struct {
	Limit    int           `yaml:"limit"`
	Interval time.Duration `yaml:"interval"`
}

// Config represents application configuration
type Config struct {
	Server ServerConfig `yaml:"server"`
	Log    LogConfig    `yaml:"log"`
	Top    TopConfig    `yaml:"top"`
}

func defaultStateDir() string {
	homeDir, _ := os.UserHomeDir()
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir, "Library", "Application Support", "sysutil")
	default:
		if stateHome := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); stateHome != "" {
			return filepath.Join(stateHome, "sysutil")
		}
		return filepath.Join(homeDir, ".local", "state", "sysutil")
	}
}

// DefaultPath returns the config file location, honoring SYSUTIL_CONFIG.
func DefaultPath() string {
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return p
	}
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".config", "sysutil", "config.yaml")
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:          "127.0.0.1",
			Port:          9001,
			ChunkSize:     1024,
			MaxConns:      64,
			PidFile:       filepath.Join(defaultStateDir(), "sysutil.pid"),
			ShutdownGrace: 5 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
		Top: TopConfig{
			Limit:    100,
			Interval: 2 * time.Second,
		},
	}
}

// Load reads the config at path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	defaults := DefaultConfig()
	if cfg.Server.Host == "" && cfg.Server.SocketPath == "" {
		cfg.Server.Host = defaults.Server.Host
	}
	if cfg.Server.ChunkSize <= 0 {
		cfg.Server.ChunkSize = defaults.Server.ChunkSize
	}
	if cfg.Server.PidFile == "" {
		cfg.Server.PidFile = defaults.Server.PidFile
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = defaults.Log.Level
	}
	if cfg.Top.Limit <= 0 {
		cfg.Top.Limit = defaults.Top.Limit
	}
	if cfg.Top.Interval <= 0 {
		cfg.Top.Interval = defaults.Top.Interval
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that cannot be repaired by falling back to a default.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range 0-65535", c.Server.Port)
	}
	if c.Server.Workers < 0 {
		return fmt.Errorf("server.workers must not be negative")
	}
	if c.Server.MaxConns < 0 {
		return fmt.Errorf("server.max_conns must not be negative")
	}
	if c.Server.ShutdownGrace < 0 {
		return fmt.Errorf("server.shutdown_grace must not be negative")
	}
	if c.Server.SocketMode != "" {
		if _, err := c.Server.FileMode(); err != nil {
			return err
		}
	}
	return nil
}

// FileMode parses SocketMode as an octal permission string.
func (s ServerConfig) FileMode() (os.FileMode, error) {
	mode, err := strconv.ParseUint(s.SocketMode, 8, 32)
	if err != nil || mode > 0777 {
		return 0, fmt.Errorf("server.socket_mode %q is not an octal permission", s.SocketMode)
	}
	return os.FileMode(mode), nil
}

// Address returns host:port for TCP listeners.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
