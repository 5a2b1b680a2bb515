// Copyright 2026 The RoaringRoster Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"crypto/ed25519"
	"os"
	"path/filepath"
	"testing"

	"github.com/roaringroster/core/relay"
)

func TestLoadOrCreateKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "relay.key")

	created, err := loadOrCreateKey(path)
	if err != nil {
		t.Fatalf("loadOrCreateKey: %v", err)
	}
	reloaded, err := loadOrCreateKey(path)
	if err != nil {
		t.Fatalf("loadOrCreateKey reload: %v", err)
	}
	if !created.Equal(reloaded) {
		t.Error("reloaded key differs from the created one")
	}

	// The loaded key must carry through to the server identity.
	server, err := relay.New(relay.Config{SigningKey: created})
	if err != nil {
		t.Fatalf("relay.New: %v", err)
	}
	if !server.PublicKey().Equal(created.Public().(ed25519.PublicKey)) {
		t.Error("server public key does not match the loaded key")
	}
}

func TestLoadOrCreateKeyRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.key")
	if err := os.WriteFile(path, []byte("not a hex seed\n"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := loadOrCreateKey(path); err == nil {
		t.Fatal("loadOrCreateKey accepted a malformed key file")
	}
}
