// Copyright 2026 The RoaringRoster Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for RoaringRoster
// commands.
//
// Configuration is read from a single YAML file specified by:
//   - the ROSTER_CONFIG environment variable, or
//   - the --config flag passed to the command, or
//   - the default location under the user's config directory.
//
// Flags override file values, and the file overrides built-in
// defaults. A missing file is not an error: every field has a usable
// default, so a fresh installation works without any configuration.
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

// EnvVar names the environment variable pointing at the config file.
const EnvVar = "ROSTER_CONFIG"

// Duration is a time.Duration that reads from YAML in the usual
// "5s" / "2m30s" notation.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var text string
	if err := value.Decode(&text); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the configuration shared by the roster commands.
type Config struct {
	// DataDir holds the vault and the per-account encrypted
	// databases.
	// Default: <user config dir>/roaringroster
	DataDir string `yaml:"data_dir"`

	// DeviceName labels this installation in device lists.
	// Default: the machine's hostname.
	DeviceName string `yaml:"device_name"`

	// Server is the sync server used when an organization does not
	// name its own. A ws:// or wss:// URL prefix is accepted;
	// a bare host:port implies wss://.
	Server string `yaml:"server"`

	// ReadOnly rejects every mutating operation. Useful for
	// inspecting an account on a borrowed machine.
	ReadOnly bool `yaml:"read_only"`

	// Relay configures the roster-relay server.
	Relay RelayConfig `yaml:"relay"`
}

// RelayConfig configures the sync relay server.
type RelayConfig struct {
	// Listen is the address the relay binds.
	// Default: :8760
	Listen string `yaml:"listen"`

	// KeyFile holds the relay's ed25519 signing key seed. Created
	// with a fresh key on first start when the file does not exist.
	// Default: <data dir>/relay.key
	KeyFile string `yaml:"key_file"`

	// ShutdownGrace bounds how long a stopping relay waits for open
	// connections.
	// Default: 5s
	ShutdownGrace Duration `yaml:"shutdown_grace"`
}

// Default returns the built-in configuration. File values and flags
// layer on top of it.
func Default() *Config {
	configDir, err := os.UserConfigDir()
	if err != nil {
		configDir = "."
	}
	dataDir := filepath.Join(configDir, "roaringroster")

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "unnamed device"
	}

	return &Config{
		DataDir:    dataDir,
		DeviceName: hostname,
		Relay: RelayConfig{
			Listen:        ":8760",
			KeyFile:       filepath.Join(dataDir, "relay.key"),
			ShutdownGrace: Duration(5 * time.Second),
		},
	}
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	configDir, err := os.UserConfigDir()
	if err != nil {
		configDir = "."
	}
	return filepath.Join(configDir, "roaringroster", "config.yaml")
}

// Load reads the configuration. An explicit path (flag) wins over the
// ROSTER_CONFIG environment variable, which wins over the default
// location. An explicitly named file must exist; the default location
// may be absent.
func Load(explicitPath string) (*Config, error) {
	path := explicitPath
	required := explicitPath != ""
	if path == "" {
		path = os.Getenv(EnvVar)
		required = path != ""
	}
	if path == "" {
		path = DefaultPath()
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !required {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	decoder := yaml.NewDecoder(strings.NewReader(string(data)))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for contradictions that would
// surface as confusing failures later.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.Relay.Listen == "" {
		return fmt.Errorf("relay.listen must not be empty")
	}
	if c.Relay.ShutdownGrace < 0 {
		return fmt.Errorf("relay.shutdown_grace must not be negative")
	}
	if c.Server != "" {
		if strings.ContainsAny(c.Server, " \t\n") {
			return fmt.Errorf("server %q contains whitespace", c.Server)
		}
	}
	return nil
}

// EnsureDataDir creates the data directory if it does not exist.
// The directory is private: it holds key material.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0700)
}
