package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/pinpox/nitrous-inbox/internal/gossip"
	"github.com/pinpox/nitrous-inbox/internal/metadata"
	"github.com/pinpox/nitrous-inbox/internal/signal"
	"github.com/pinpox/nitrous-inbox/internal/store"
)

type ProfileConfig struct {
	Name        string `toml:"name"`
	DisplayName string `toml:"display_name"`
	About       string `toml:"about"`
	Picture     string `toml:"picture"`
}

func (p ProfileConfig) empty() bool {
	return p == ProfileConfig{}
}

type Config struct {
	Relays          []string `toml:"relays"`
	MessagingRelays []string `toml:"messaging_relays"`
	PrivateKeyFile  string   `toml:"private_key_file"`

	Store     string `toml:"store"`
	StorePath string `toml:"store_path"`

	MaxMessages int    `toml:"max_messages"`
	Logging     *bool  `toml:"logging"` // nil = default (true)
	LogDir      string `toml:"log_dir"`

	AutoAuth      *bool `toml:"auto_auth"`      // nil = default (false)
	ContactBypass *bool `toml:"contact_bypass"` // nil = default (true)

	MetadataBatchSize      int `toml:"metadata_batch_size"`
	MetadataBatchTimeoutMS int `toml:"metadata_batch_timeout_ms"`
	SignalCapacity         int `toml:"signal_capacity"`
	MaxDiscoveryRelays     int `toml:"max_discovery_relays"`
	MaxMessagingRelays     int `toml:"max_messaging_relays"`
	PublishTimeoutMS       int `toml:"publish_timeout_ms"`
	QueryTimeoutMS         int `toml:"query_timeout_ms"`
	ResendIntervalMS       int `toml:"resend_interval_ms"`

	Profile ProfileConfig `toml:"profile"`
}

// LoggingEnabled returns whether message transcripts are written.
func (c Config) LoggingEnabled() bool {
	if c.Logging == nil {
		return true
	}
	return *c.Logging
}

func (c Config) AutoAuthEnabled() bool {
	return c.AutoAuth != nil && *c.AutoAuth
}

func (c Config) ContactBypassEnabled() bool {
	if c.ContactBypass == nil {
		return true
	}
	return *c.ContactBypass
}

func (c Config) MetadataBatchTimeout() time.Duration {
	return time.Duration(c.MetadataBatchTimeoutMS) * time.Millisecond
}

func (c Config) PublishTimeout() time.Duration {
	return time.Duration(c.PublishTimeoutMS) * time.Millisecond
}

func (c Config) QueryTimeout() time.Duration {
	return time.Duration(c.QueryTimeoutMS) * time.Millisecond
}

func (c Config) ResendInterval() time.Duration {
	return time.Duration(c.ResendIntervalMS) * time.Millisecond
}

func defaultConfig() Config {
	return Config{
		Relays: []string{
			"wss://relay.damus.io",
			"wss://nos.lol",
			"wss://relay.nostr.band",
		},
		Store:                  store.BackendMemory,
		MaxMessages:            500,
		MetadataBatchSize:      metadata.DefaultBatchSize,
		MetadataBatchTimeoutMS: int(metadata.DefaultBatchTimeout / time.Millisecond),
		SignalCapacity:         signal.DefaultCapacity,
		MaxDiscoveryRelays:     gossip.DefaultMaxDiscovery,
		MaxMessagingRelays:     gossip.DefaultMaxMessaging,
		PublishTimeoutMS:       10000,
		QueryTimeoutMS:         5000,
		ResendIntervalMS:       30000,
	}
}

// configDir is $XDG_CONFIG_HOME/nitrous-inbox, falling back to ~/.config.
func configDir() string {
	if x := os.Getenv("XDG_CONFIG_HOME"); x != "" {
		return filepath.Join(x, "nitrous-inbox")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "nitrous-inbox")
}

func configPath(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	if p := os.Getenv("NITROUS_INBOX_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(configDir(), "config.toml")
}

func LoadConfig(flagPath string) (Config, error) {
	cfg := defaultConfig()

	path := configPath(flagPath)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, cfg.applyDefaults(filepath.Dir(path))
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.applyDefaults(filepath.Dir(path)); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyDefaults fills zero values and checks the store settings.
func (c *Config) applyDefaults(dir string) error {
	def := defaultConfig()
	if len(c.Relays) == 0 {
		c.Relays = def.Relays
	}
	if c.MaxMessages <= 0 {
		c.MaxMessages = def.MaxMessages
	}
	if c.MetadataBatchSize <= 0 {
		c.MetadataBatchSize = def.MetadataBatchSize
	}
	if c.MetadataBatchTimeoutMS <= 0 {
		c.MetadataBatchTimeoutMS = def.MetadataBatchTimeoutMS
	}
	if c.SignalCapacity <= 0 {
		c.SignalCapacity = def.SignalCapacity
	}
	if c.MaxDiscoveryRelays <= 0 {
		c.MaxDiscoveryRelays = def.MaxDiscoveryRelays
	}
	if c.MaxMessagingRelays <= 0 {
		c.MaxMessagingRelays = def.MaxMessagingRelays
	}
	if c.PublishTimeoutMS <= 0 {
		c.PublishTimeoutMS = def.PublishTimeoutMS
	}
	if c.QueryTimeoutMS <= 0 {
		c.QueryTimeoutMS = def.QueryTimeoutMS
	}
	if c.ResendIntervalMS <= 0 {
		c.ResendIntervalMS = def.ResendIntervalMS
	}
	if c.LogDir == "" {
		c.LogDir = filepath.Join(dir, "logs")
	}

	switch c.Store {
	case "":
		c.Store = store.BackendMemory
	case store.BackendMemory:
	case store.BackendBadger:
		if c.StorePath == "" {
			c.StorePath = filepath.Join(dir, "events")
		}
	default:
		return fmt.Errorf("config: unknown store %q (want %q or %q)", c.Store, store.BackendMemory, store.BackendBadger)
	}
	return nil
}
