package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// AppConfig is read from a YAML file under the user's home directory.
// All fields are optional; defaults are applied by the accessor methods.
//
// Example (~/.parley/config.yaml):
//
// server:
//   host: 127.0.0.1
//   port: 8088
// model:
//   api_key: sk-...
//   base_url: https://api.openai.com/v1
//   name: gpt-4o-mini
// context:
//   max_tokens: 4096
//   max_messages: 50
//   auto_summarize: true
//   summarize_threshold: 3000
//   keep_last_messages: 10
//
// Notes:
// - If the config file does not exist, Load returns defaults without error.
// - If the config file exists but cannot be parsed, Load returns an error.
// - Port must be between 1 and 65535.

type AppConfig struct {
	Server  ServerConfig  `yaml:"server"`
	Model   ModelConfig   `yaml:"model"`
	Context ContextConfig `yaml:"context"`
}

type ServerConfig struct {
	Host *string `yaml:"host"`
	Port *int    `yaml:"port"`
}

// ModelConfig configures the OpenAI-compatible chat model endpoint.
type ModelConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Name    string `yaml:"name"`
}

// ContextConfig holds the default context-window policy. Each chat request
// may override these per call.
type ContextConfig struct {
	MaxTokens          *int  `yaml:"max_tokens"`
	MaxMessages        *int  `yaml:"max_messages"`
	AutoSummarize      *bool `yaml:"auto_summarize"`
	SummarizeThreshold *int  `yaml:"summarize_threshold"`
	KeepLastMessages   *int  `yaml:"keep_last_messages"`
}

const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 8088

	DefaultMaxTokens          = 4096
	DefaultMaxMessages        = 50
	DefaultAutoSummarize      = true
	DefaultSummarizeThreshold = 3000
	DefaultKeepLastMessages   = 10
)

// DefaultPaths returns the config dir and config file path.
func DefaultPaths() (configDir string, configFile string, err error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", "", fmt.Errorf("get user home dir: %w", err)
	}
	configDir = filepath.Join(home, ".parley")
	configFile = filepath.Join(configDir, "config.yaml")
	return configDir, configFile, nil
}

// Load reads ~/.parley/config.yaml.
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

	if keep, max := cfg.KeepLastMessages(), cfg.MaxMessages(); keep > max {
		return nil, "", fmt.Errorf("context.keep_last_messages %d exceeds context.max_messages %d in %s", keep, max, configFile)
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

	defaultCfg := AppConfig{Server: ServerConfig{Host: ptr(DefaultHost), Port: ptr(DefaultPort)}}
	b, err := yaml.Marshal(&defaultCfg)
	if err != nil {
		return "", fmt.Errorf("marshal default config: %w", err)
	}

	// Write with restrictive permissions; the model API key may live here.
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

func (c *AppConfig) MaxTokens() int {
	if c == nil || c.Context.MaxTokens == nil {
		return DefaultMaxTokens
	}
	return *c.Context.MaxTokens
}

func (c *AppConfig) MaxMessages() int {
	if c == nil || c.Context.MaxMessages == nil {
		return DefaultMaxMessages
	}
	return *c.Context.MaxMessages
}

func (c *AppConfig) AutoSummarize() bool {
	if c == nil || c.Context.AutoSummarize == nil {
		return DefaultAutoSummarize
	}
	return *c.Context.AutoSummarize
}

func (c *AppConfig) SummarizeThreshold() int {
	if c == nil || c.Context.SummarizeThreshold == nil {
		return DefaultSummarizeThreshold
	}
	return *c.Context.SummarizeThreshold
}

func (c *AppConfig) KeepLastMessages() int {
	if c == nil || c.Context.KeepLastMessages == nil {
		return DefaultKeepLastMessages
	}
	return *c.Context.KeepLastMessages
}

func ptr[T any](v T) *T { return &v }
