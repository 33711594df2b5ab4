// Package config loads and validates the bot and viewer configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete configuration for both the serving and the viewing
// side. Sections a given command does not use are ignored by it.
type Config struct {
	Account AccountConfig `json:"account" yaml:"account"`
	Journal JournalConfig `json:"journal" yaml:"journal"`
	Server  ServerConfig  `json:"server" yaml:"server"`
	Client  ClientConfig  `json:"client" yaml:"client"`
}

// AccountConfig seeds the simulated account.
type AccountConfig struct {
	StartingBalance float64  `json:"starting_balance" yaml:"starting_balance"`
	PaperMode       bool     `json:"paper_mode" yaml:"paper_mode"`
	Symbols         []string `json:"symbols" yaml:"symbols"`
}

// JournalConfig points at the sqlite journal and sizes its write queue.
type JournalConfig struct {
	DBPath    string `json:"db_path" yaml:"db_path"`
	QueueSize int    `json:"queue_size,omitempty" yaml:"queue_size,omitempty"`
}

// ServerConfig is the HTTP listen configuration for the serve command.
type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr"`
}

// ClientConfig is the endpoint set for the watch command.
type ClientConfig struct {
	WSURL     string `json:"ws_url" yaml:"ws_url"`
	APIURL    string `json:"api_url" yaml:"api_url"`
	KeepAlive string `json:"keep_alive,omitempty" yaml:"keep_alive,omitempty"` // e.g. "30s"
}

// ParseKeepAlive converts the keep-alive string; empty means the default.
func (c ClientConfig) ParseKeepAlive() (time.Duration, error) {
	if c.KeepAlive == "" {
		return 0, nil
	}
	return time.ParseDuration(c.KeepAlive)
}

// LoadFromFile loads configuration from a file, trying YAML first and
// falling back to JSON, then validates it.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		if jerr := json.Unmarshal(data, cfg); jerr != nil {
			return nil, fmt.Errorf("parse config (tried YAML and JSON): %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// SaveToFile writes the configuration, choosing the format by extension.
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Validate checks the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Account.StartingBalance <= 0 {
		return fmt.Errorf("account.starting_balance must be positive")
	}
	for _, sym := range c.Account.Symbols {
		if sym == "" {
			return fmt.Errorf("account.symbols must not contain empty entries")
		}
	}
	if c.Journal.DBPath == "" {
		return fmt.Errorf("journal.db_path is required")
	}
	if c.Journal.QueueSize < 0 {
		return fmt.Errorf("journal.queue_size must not be negative")
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Client.WSURL != "" && !strings.HasPrefix(c.Client.WSURL, "ws://") && !strings.HasPrefix(c.Client.WSURL, "wss://") {
		return fmt.Errorf("client.ws_url must be a ws:// or wss:// URL")
	}
	if _, err := c.Client.ParseKeepAlive(); err != nil {
		return fmt.Errorf("client.keep_alive: %w", err)
	}
	return nil
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Account: AccountConfig{
			StartingBalance: 10000,
			PaperMode:       true,
			Symbols:         []string{"BTCUSDT", "ETHUSDT"},
		},
		Journal: JournalConfig{
			DBPath:    "./paperdash.db",
			QueueSize: 256,
		},
		Server: ServerConfig{
			Addr: ":8080",
		},
		Client: ClientConfig{
			WSURL:  "ws://localhost:8080/ws",
			APIURL: "http://localhost:8080",
		},
	}
}
