// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package config loads fidlctl settings from a YAML or TOML file with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Environment variables that override file settings.
const (
	EnvAddress       = "FIDL_ADDRESS"
	EnvTransport     = "FIDL_TRANSPORT"
	EnvLogLevel      = "FIDL_LOG_LEVEL"
	EnvBridgeAddress = "FIDL_BRIDGE_ADDRESS"
)

// Duration is a time.Duration written as a string such as "5s" in both
// YAML and TOML.
type Duration time.Duration

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}

// MethodConfig names a protocol method for the CLI.
type MethodConfig struct {
	Name     string `yaml:"name" toml:"name"`
	Ordinal  uint64 `yaml:"ordinal" toml:"ordinal"`
	Flexible bool   `yaml:"flexible" toml:"flexible"`
}

// Config holds the fidlctl configuration.
type Config struct {
	Transport     string   `yaml:"transport" toml:"transport"`
	Address       string   `yaml:"address" toml:"address"`
	ListenAddress string   `yaml:"listen_address" toml:"listen_address"`
	BridgeAddress string   `yaml:"bridge_address" toml:"bridge_address"`
	LogLevel      string   `yaml:"log_level" toml:"log_level"`
	CallTimeout   Duration `yaml:"call_timeout" toml:"call_timeout"`

	Methods []MethodConfig `yaml:"methods" toml:"methods"`

	// HeartbeatOrdinal, when non-zero, makes `fidlctl serve` emit an event
	// with this ordinal every HeartbeatInterval on each connection.
	HeartbeatOrdinal  uint64   `yaml:"heartbeat_ordinal" toml:"heartbeat_ordinal"`
	HeartbeatInterval Duration `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Transport:         "tcp",
		Address:           "127.0.0.1:9600",
		ListenAddress:     "127.0.0.1:9600",
		BridgeAddress:     "127.0.0.1:9650",
		LogLevel:          "info",
		CallTimeout:       Duration(10 * time.Second),
		HeartbeatInterval: Duration(5 * time.Second),
	}
}

// DefaultPath returns the default config file path: ~/.fidl/config.yaml
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".fidl", "config.yaml")
	}
	return filepath.Join(home, ".fidl", "config.yaml")
}

// Load reads the configuration at path. Files ending in .toml are parsed as
// TOML and anything else as YAML. A missing file yields the defaults.
// Environment variables are applied last.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := decodeFile(path, cfg); err != nil {
			return nil, err
		}
	}

	if v := os.Getenv(EnvAddress); v != "" {
		cfg.Address = v
		cfg.ListenAddress = v
	}
	if v := os.Getenv(EnvTransport); v != "" {
		cfg.Transport = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv(EnvBridgeAddress); v != "" {
		cfg.BridgeAddress = v
	}
	return cfg, cfg.Validate()
}

func decodeFile(path string, cfg *Config) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return fmt.Errorf("parse config %s: %w", path, err)
		}
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// Validate rejects settings the CLI cannot act on.
func (c *Config) Validate() error {
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if c.CallTimeout < 0 {
		return fmt.Errorf("call_timeout must not be negative")
	}
	if c.HeartbeatOrdinal != 0 && c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive when heartbeat_ordinal is set")
	}
	seen := make(map[string]struct{}, len(c.Methods))
	for _, m := range c.Methods {
		if m.Name == "" || m.Ordinal == 0 {
			return fmt.Errorf("method %q: name and non-zero ordinal are required", m.Name)
		}
		if _, ok := seen[m.Name]; ok {
			return fmt.Errorf("method %q defined twice", m.Name)
		}
		seen[m.Name] = struct{}{}
	}
	return nil
}

// Method looks up a method by name.
func (c *Config) Method(name string) (MethodConfig, bool) {
	for _, m := range c.Methods {
		if m.Name == name {
			return m, true
		}
	}
	return MethodConfig{}, false
}

// Logger builds a zap logger at the configured level. Debug selects the
// development encoder.
func (c *Config) Logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if level == zapcore.DebugLevel {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
