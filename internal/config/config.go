// Package config loads the gateway's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root gateway configuration.
type Config struct {
	Fanout   FanoutConfig      `yaml:"fanout"`
	Archive  ArchiveConfig     `yaml:"archive"`
	Tracing  TracingConfig     `yaml:"tracing"`
	Gateway  GatewayConfig     `yaml:"gateway"`
	Discord  []DiscordAccount  `yaml:"discord"`
	Telegram []TelegramAccount `yaml:"telegram"`
}

// FanoutConfig tunes the coordinator. Zero values keep coordinator defaults.
type FanoutConfig struct {
	CollectionWindowMs int `yaml:"collection_window_ms"`
	ResponseTimeoutMs  int `yaml:"response_timeout_ms"`
	MaxRounds          int `yaml:"max_rounds"`
}

func (c FanoutConfig) CollectionWindow() time.Duration {
	return time.Duration(c.CollectionWindowMs) * time.Millisecond
}

func (c FanoutConfig) ResponseTimeout() time.Duration {
	return time.Duration(c.ResponseTimeoutMs) * time.Millisecond
}

// ArchiveConfig locates the conversation archive database. Empty Path
// disables archiving.
type ArchiveConfig struct {
	Path string `yaml:"path"`
}

// TracingConfig enables OTLP trace export.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// GatewayConfig tunes the inbound consumer.
type GatewayConfig struct {
	DedupeTTLMin   int `yaml:"dedupe_ttl_min"`
	DedupeMaxItems int `yaml:"dedupe_max_items"`
}

// DiscordAccount is one hosted Discord bot account.
type DiscordAccount struct {
	AccountID string `yaml:"account_id"`
	Token     string `yaml:"token"`
}

// TelegramAccount is one hosted Telegram bot account.
type TelegramAccount struct {
	AccountID string `yaml:"account_id"`
	Token     string `yaml:"token"`
}

// Load reads and validates the configuration at path. ${VAR} references in
// the file are expanded from the environment, so tokens can stay out of the
// file itself.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(raw))), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.Gateway.DedupeTTLMin <= 0 {
		cfg.Gateway.DedupeTTLMin = 20
	}
	if cfg.Gateway.DedupeMaxItems <= 0 {
		cfg.Gateway.DedupeMaxItems = 5000
	}

	for i, acc := range cfg.Discord {
		if acc.AccountID == "" || acc.Token == "" {
			return nil, fmt.Errorf("discord account %d: account_id and token are required", i)
		}
	}
	for i, acc := range cfg.Telegram {
		if acc.AccountID == "" || acc.Token == "" {
			return nil, fmt.Errorf("telegram account %d: account_id and token are required", i)
		}
	}
	return &cfg, nil
}
