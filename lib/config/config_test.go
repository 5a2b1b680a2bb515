// Copyright 2026 The RoaringRoster Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.DataDir == "" {
		t.Error("default data_dir is empty")
	}
	if cfg.DeviceName == "" {
		t.Error("default device_name is empty")
	}
	if cfg.Relay.Listen != ":8760" {
		t.Errorf("relay.listen = %q, want %q", cfg.Relay.Listen, ":8760")
	}
	if cfg.Relay.ShutdownGrace.Std() != 5*time.Second {
		t.Errorf("relay.shutdown_grace = %v, want 5s", cfg.Relay.ShutdownGrace)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config does not validate: %v", err)
	}
}

func TestLoadMissingDefaultFileUsesDefaults(t *testing.T) {
	t.Setenv(EnvVar, "")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load with no file: %v", err)
	}
	if cfg.DataDir != Default().DataDir {
		t.Errorf("data_dir = %q, want default %q", cfg.DataDir, Default().DataDir)
	}
}

func TestLoadExplicitFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
data_dir: /srv/roster
device_name: front desk
server: wss://sync.example.org
relay:
  listen: 127.0.0.1:9000
  shutdown_grace: 10s
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "/srv/roster" {
		t.Errorf("data_dir = %q, want /srv/roster", cfg.DataDir)
	}
	if cfg.DeviceName != "front desk" {
		t.Errorf("device_name = %q, want %q", cfg.DeviceName, "front desk")
	}
	if cfg.Server != "wss://sync.example.org" {
		t.Errorf("server = %q", cfg.Server)
	}
	if cfg.Relay.Listen != "127.0.0.1:9000" {
		t.Errorf("relay.listen = %q", cfg.Relay.Listen)
	}
	if cfg.Relay.ShutdownGrace.Std() != 10*time.Second {
		t.Errorf("relay.shutdown_grace = %v, want 10s", cfg.Relay.ShutdownGrace)
	}
	// Fields the file does not set keep their defaults.
	if cfg.Relay.KeyFile != Default().Relay.KeyFile {
		t.Errorf("relay.key_file = %q, want default", cfg.Relay.KeyFile)
	}
}

func TestLoadExplicitFileMustExist(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("Load of absent explicit file succeeded, want error")
	}
}

func TestLoadEnvVar(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("data_dir: /from/env\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(EnvVar, path)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "/from/env" {
		t.Errorf("data_dir = %q, want /from/env", cfg.DataDir)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("data_dirr: /typo\n"), 0600); err != nil {
		t.Fatal(err)
	}

	_, err := Load(path)
	if err == nil {
		t.Fatal("Load with unknown field succeeded, want error")
	}
	if !strings.Contains(err.Error(), "data_dirr") {
		t.Errorf("error %q does not name the unknown field", err)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.DataDir = ""
	if err := cfg.Validate(); err == nil {
		t.Error("empty data_dir validated, want error")
	}

	cfg = Default()
	cfg.Relay.ShutdownGrace = Duration(-time.Second)
	if err := cfg.Validate(); err == nil {
		t.Error("negative shutdown_grace validated, want error")
	}

	cfg = Default()
	cfg.Server = "wss://bad host"
	if err := cfg.Validate(); err == nil {
		t.Error("server with whitespace validated, want error")
	}
}
