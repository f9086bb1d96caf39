package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AppConfig is read from a YAML file under the user's home directory.
// All fields are optional; defaults are applied through the accessor methods.
//
// Example (~/.quillchat/config.yaml):
//
// server:
//   host: 127.0.0.1
//   port: 8098
// chat:
//   mode: private
//   remote_url: https://chat.example.com
//   phase_debounce_ms: 350
//   job_poll_ms: 2000
//
// Notes:
// - If the config file does not exist, Load returns defaults without error.
// - If the config file exists but cannot be parsed, Load returns an error.
// - Port must be between 1 and 65535.

type AppConfig struct {
	Server ServerConfig `yaml:"server"`
	Chat   ChatConfig   `yaml:"chat"`
}

type ServerConfig struct {
	Host *string `yaml:"host"`
	Port *int    `yaml:"port"`
}

type ChatConfig struct {
	Mode            *string `yaml:"mode"`              // private | server
	RemoteURL       *string `yaml:"remote_url"`        // remote backend for server mode
	PhaseDebounceMs *int    `yaml:"phase_debounce_ms"` // delay before showing a loading indicator
	JobPollMs       *int    `yaml:"job_poll_ms"`       // background job poll interval
}

const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 8098

	DefaultMode            = "private"
	DefaultPhaseDebounceMs = 350
	DefaultJobPollMs       = 2000
)

// DefaultPaths returns the config dir and config file path.
func DefaultPaths() (configDir string, configFile string, err error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", "", fmt.Errorf("get user home dir: %w", err)
	}
	configDir = filepath.Join(home, ".quillchat")
	configFile = filepath.Join(configDir, "config.yaml")
	return configDir, configFile, nil
}

// Load reads ~/.quillchat/config.yaml.
// If the file doesn't exist, it returns a default config and nil error.
func Load() (*AppConfig, string, error) {
	_, configFile, err := DefaultPaths()
	if err != nil {
		return nil, "", err
	}

	cfg := &AppConfig{}

	b, err := os.ReadFile(configFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, configFile, nil
		}
		return nil, "", fmt.Errorf("read config file %s: %w", configFile, err)
	}

	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, "", fmt.Errorf("parse yaml config %s: %w", configFile, err)
	}

	// Validate
	host := cfg.Host()
	if strings.TrimSpace(host) == "" {
		return nil, "", fmt.Errorf("invalid server.host (empty) in %s", configFile)
	}

	port := cfg.Port()
	if port < 1 || port > 65535 {
		return nil, "", fmt.Errorf("invalid server.port %d in %s", port, configFile)
	}

	mode := cfg.Mode()
	if mode != "private" && mode != "server" {
		return nil, "", fmt.Errorf("invalid chat.mode %q in %s", mode, configFile)
	}

	return cfg, configFile, nil
}

// EnsureDefaultConfig writes a default config file if it doesn't already exist.
// It is safe to call on startup.
func EnsureDefaultConfig() (string, error) {
	configDir, configFile, err := DefaultPaths()
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(configFile); err == nil {
		return configFile, nil
	}

	if err := os.MkdirAll(configDir, 0o700); err != nil {
		return "", fmt.Errorf("create config dir %s: %w", configDir, err)
	}

	defaultCfg := AppConfig{
		Server: ServerConfig{Host: ptr(DefaultHost), Port: ptr(DefaultPort)},
		Chat:   ChatConfig{Mode: ptr(DefaultMode)},
	}
	b, err := yaml.Marshal(&defaultCfg)
	if err != nil {
		return "", fmt.Errorf("marshal default config: %w", err)
	}

	// Write with restrictive permissions.
	if err := os.WriteFile(configFile, b, 0o600); err != nil {
		return "", fmt.Errorf("write default config file %s: %w", configFile, err)
	}

	return configFile, nil
}

func (c *AppConfig) Host() string {
	if c == nil || c.Server.Host == nil {
		return DefaultHost
	}
	v := strings.TrimSpace(*c.Server.Host)
	if v == "" {
		return DefaultHost
	}
	return v
}

func (c *AppConfig) Port() int {
	if c == nil || c.Server.Port == nil {
		return DefaultPort
	}
	return *c.Server.Port
}

func (c *AppConfig) Mode() string {
	if c == nil || c.Chat.Mode == nil {
		return DefaultMode
	}
	v := strings.TrimSpace(*c.Chat.Mode)
	if v == "" {
		return DefaultMode
	}
	return v
}

func (c *AppConfig) RemoteURL() string {
	if c == nil || c.Chat.RemoteURL == nil {
		return ""
	}
	return strings.TrimRight(strings.TrimSpace(*c.Chat.RemoteURL), "/")
}

func (c *AppConfig) PhaseDebounce() time.Duration {
	if c == nil || c.Chat.PhaseDebounceMs == nil || *c.Chat.PhaseDebounceMs <= 0 {
		return DefaultPhaseDebounceMs * time.Millisecond
	}
	return time.Duration(*c.Chat.PhaseDebounceMs) * time.Millisecond
}

func (c *AppConfig) JobPollInterval() time.Duration {
	if c == nil || c.Chat.JobPollMs == nil || *c.Chat.JobPollMs <= 0 {
		return DefaultJobPollMs * time.Millisecond
	}
	return time.Duration(*c.Chat.JobPollMs) * time.Millisecond
}

func ptr[T any](v T) *T { return &v }
