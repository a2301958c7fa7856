package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_MissingFile_ReturnsDefault(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, path, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if path == "" {
		t.Fatalf("expected config path")
	}
	if got := cfg.Host(); got != DefaultHost {
		t.Fatalf("cfg.Host() = %q, want %q", got, DefaultHost)
	}
	if got := cfg.Port(); got != DefaultPort {
		t.Fatalf("cfg.Port() = %d, want %d", got, DefaultPort)
	}
	if got := cfg.MaxTokens(); got != DefaultMaxTokens {
		t.Fatalf("cfg.MaxTokens() = %d, want %d", got, DefaultMaxTokens)
	}
	if got := cfg.KeepLastMessages(); got != DefaultKeepLastMessages {
		t.Fatalf("cfg.KeepLastMessages() = %d, want %d", got, DefaultKeepLastMessages)
	}
	if !cfg.AutoSummarize() {
		t.Fatalf("cfg.AutoSummarize() = false, want true")
	}
}

func TestEnsureDefaultConfig_CreatesFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	path, err := EnsureDefaultConfig()
	if err != nil {
		t.Fatalf("EnsureDefaultConfig() error = %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected config file to exist at %s: %v", path, err)
	}

	cfg, gotPath, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if filepath.Clean(gotPath) != filepath.Clean(path) {
		t.Fatalf("Load() path = %s, want %s", gotPath, path)
	}
	if got := cfg.Host(); got != DefaultHost {
		t.Fatalf("cfg.Host() = %q, want %q", got, DefaultHost)
	}
}

func TestLoad_ParsesContextPolicy(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	configDir := filepath.Join(home, ".parley")
	if err := os.MkdirAll(configDir, 0o700); err != nil {
		t.Fatalf("mkdir config dir: %v", err)
	}
	configPath := filepath.Join(configDir, "config.yaml")

	yaml := "server:\n  host: 0.0.0.0\n  port: 9090\ncontext:\n  max_tokens: 2048\n  keep_last_messages: 5\n  auto_summarize: false\n"
	if err := os.WriteFile(configPath, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, _, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := cfg.Host(); got != "0.0.0.0" {
		t.Fatalf("cfg.Host() = %q, want %q", got, "0.0.0.0")
	}
	if got := cfg.Port(); got != 9090 {
		t.Fatalf("cfg.Port() = %d, want %d", got, 9090)
	}
	if got := cfg.MaxTokens(); got != 2048 {
		t.Fatalf("cfg.MaxTokens() = %d, want %d", got, 2048)
	}
	if got := cfg.KeepLastMessages(); got != 5 {
		t.Fatalf("cfg.KeepLastMessages() = %d, want %d", got, 5)
	}
	if cfg.AutoSummarize() {
		t.Fatalf("cfg.AutoSummarize() = true, want false")
	}
	// Unset fields keep defaults.
	if got := cfg.MaxMessages(); got != DefaultMaxMessages {
		t.Fatalf("cfg.MaxMessages() = %d, want %d", got, DefaultMaxMessages)
	}
}

func TestLoad_RejectsInvalidPolicy(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	configDir := filepath.Join(home, ".parley")
	if err := os.MkdirAll(configDir, 0o700); err != nil {
		t.Fatalf("mkdir config dir: %v", err)
	}
	configPath := filepath.Join(configDir, "config.yaml")

	// keep_last_messages above max_messages is not a usable policy.
	yaml := "context:\n  max_messages: 10\n  keep_last_messages: 20\n"
	if err := os.WriteFile(configPath, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, _, err := Load(); err == nil {
		t.Fatalf("Load() expected error for keep_last_messages > max_messages")
	}
}

func TestLoad_RejectsInvalidPort(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	configDir := filepath.Join(home, ".parley")
	if err := os.MkdirAll(configDir, 0o700); err != nil {
		t.Fatalf("mkdir config dir: %v", err)
	}
	configPath := filepath.Join(configDir, "config.yaml")

	if err := os.WriteFile(configPath, []byte("server:\n  port: 70000\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, _, err := Load(); err == nil {
		t.Fatalf("Load() expected error for out-of-range port")
	}
}
