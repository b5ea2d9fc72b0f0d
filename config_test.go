package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pinpox/nitrous-inbox/internal/store"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if len(cfg.Relays) == 0 {
		t.Fatal("expected default relays, got empty")
	}
	if cfg.Relays[0] != "wss://relay.damus.io" {
		t.Errorf("first default relay = %q, want %q", cfg.Relays[0], "wss://relay.damus.io")
	}
	if cfg.MetadataBatchSize != 100 {
		t.Errorf("MetadataBatchSize = %d, want 100", cfg.MetadataBatchSize)
	}
	if cfg.MetadataBatchTimeout() != 300*time.Millisecond {
		t.Errorf("MetadataBatchTimeout = %v, want 300ms", cfg.MetadataBatchTimeout())
	}
	if cfg.SignalCapacity != 2048 {
		t.Errorf("SignalCapacity = %d, want 2048", cfg.SignalCapacity)
	}
	if cfg.MaxDiscoveryRelays != 5 || cfg.MaxMessagingRelays != 3 {
		t.Errorf("relay caps = %d/%d, want 5/3", cfg.MaxDiscoveryRelays, cfg.MaxMessagingRelays)
	}
	if cfg.Store != store.BackendMemory {
		t.Errorf("Store = %q, want memory", cfg.Store)
	}
	if !cfg.LoggingEnabled() || !cfg.ContactBypassEnabled() || cfg.AutoAuthEnabled() {
		t.Error("unexpected defaults for logging / contact_bypass / auto_auth")
	}
}

func TestConfigPath(t *testing.T) {
	t.Run("flag takes priority", func(t *testing.T) {
		t.Setenv("NITROUS_INBOX_CONFIG", "/env/path.toml")
		if got := configPath("/my/flag/path.toml"); got != "/my/flag/path.toml" {
			t.Errorf("configPath with flag = %q", got)
		}
	})

	t.Run("env var when no flag", func(t *testing.T) {
		t.Setenv("NITROUS_INBOX_CONFIG", "/env/path.toml")
		if got := configPath(""); got != "/env/path.toml" {
			t.Errorf("configPath with env = %q", got)
		}
	})

	t.Run("XDG_CONFIG_HOME", func(t *testing.T) {
		t.Setenv("NITROUS_INBOX_CONFIG", "")
		t.Setenv("XDG_CONFIG_HOME", "/xdg")
		if got := configPath(""); got != "/xdg/nitrous-inbox/config.toml" {
			t.Errorf("configPath with XDG = %q", got)
		}
	})

	t.Run("home fallback", func(t *testing.T) {
		t.Setenv("NITROUS_INBOX_CONFIG", "")
		t.Setenv("XDG_CONFIG_HOME", "")
		home, err := os.UserHomeDir()
		if err != nil {
			t.Skip("no home directory")
		}
		want := filepath.Join(home, ".config", "nitrous-inbox", "config.toml")
		if got := configPath(""); got != want {
			t.Errorf("configPath default = %q, want %q", got, want)
		}
	})
}

func TestLoadConfig(t *testing.T) {
	t.Run("missing file returns defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "nonexistent.toml")
		cfg, err := LoadConfig(path)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(cfg.Relays) == 0 {
			t.Error("expected default relays")
		}
		if cfg.LogDir != filepath.Join(filepath.Dir(path), "logs") {
			t.Errorf("LogDir = %q", cfg.LogDir)
		}
	})

	t.Run("valid TOML parses", func(t *testing.T) {
		path := writeConfig(t, `
relays = ["wss://custom.relay"]
messaging_relays = ["wss://inbox.relay"]
metadata_batch_size = 50
metadata_batch_timeout_ms = 1000
resend_interval_ms = 5000
auto_auth = true
contact_bypass = false
logging = false

[profile]
name = "testuser"
display_name = "Test User"
`)
		cfg, err := LoadConfig(path)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(cfg.Relays) != 1 || cfg.Relays[0] != "wss://custom.relay" {
			t.Errorf("relays = %v", cfg.Relays)
		}
		if len(cfg.MessagingRelays) != 1 || cfg.MessagingRelays[0] != "wss://inbox.relay" {
			t.Errorf("messaging relays = %v", cfg.MessagingRelays)
		}
		if cfg.MetadataBatchSize != 50 || cfg.MetadataBatchTimeout() != time.Second {
			t.Errorf("batch = %d / %v", cfg.MetadataBatchSize, cfg.MetadataBatchTimeout())
		}
		if cfg.ResendInterval() != 5*time.Second {
			t.Errorf("ResendInterval = %v", cfg.ResendInterval())
		}
		if !cfg.AutoAuthEnabled() || cfg.ContactBypassEnabled() || cfg.LoggingEnabled() {
			t.Error("boolean overrides not applied")
		}
		if cfg.Profile.Name != "testuser" || cfg.Profile.DisplayName != "Test User" {
			t.Errorf("profile = %+v", cfg.Profile)
		}
		// untouched keys keep their defaults
		if cfg.QueryTimeout() != 5*time.Second {
			t.Errorf("QueryTimeout = %v", cfg.QueryTimeout())
		}
	})

	t.Run("zero values get defaults", func(t *testing.T) {
		path := writeConfig(t, "relays = []\nsignal_capacity = 0\nmax_messaging_relays = -1")
		cfg, err := LoadConfig(path)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		def := defaultConfig()
		if len(cfg.Relays) != len(def.Relays) {
			t.Errorf("expected default relays, got %v", cfg.Relays)
		}
		if cfg.SignalCapacity != def.SignalCapacity || cfg.MaxMessagingRelays != def.MaxMessagingRelays {
			t.Errorf("defaults not applied: %+v", cfg)
		}
	})

	t.Run("badger store gets a path", func(t *testing.T) {
		path := writeConfig(t, `store = "badger"`)
		cfg, err := LoadConfig(path)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.StorePath != filepath.Join(filepath.Dir(path), "events") {
			t.Errorf("StorePath = %q", cfg.StorePath)
		}
	})

	t.Run("unknown store", func(t *testing.T) {
		_, err := LoadConfig(writeConfig(t, `store = "sqlite"`))
		if err == nil || !strings.Contains(err.Error(), "unknown store") {
			t.Fatalf("expected unknown store error, got %v", err)
		}
	})

	t.Run("invalid TOML", func(t *testing.T) {
		if _, err := LoadConfig(writeConfig(t, "relays = [")); err == nil {
			t.Fatal("expected parse error")
		}
	})
}
