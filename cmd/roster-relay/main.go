// Copyright 2026 The RoaringRoster Authors
// SPDX-License-Identifier: Apache-2.0

// Roster-relay is the sync relay server. It accepts websocket
// connections from roster clients, verifies device signatures against
// each organization's trust graph, and forwards document and graph
// updates between the organization's devices. Content stays opaque to
// the relay; it never holds a team key.
//
// Usage:
//
//	roster-relay [--config FILE] [--listen ADDR] [--key-file PATH]
//
// The signing key file is created with a fresh key on first start.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/roaringroster/core/lib/config"
	"github.com/roaringroster/core/lib/version"
	"github.com/roaringroster/core/relay"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "roster-relay: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) > 0 && args[0] == "--version" {
		version.Print("roster-relay")
		return nil
	}

	flagSet := pflag.NewFlagSet("roster-relay", pflag.ContinueOnError)
	configPath := flagSet.String("config", "", "path to the config file")
	listen := flagSet.String("listen", "", "listen address (overrides the config)")
	keyFile := flagSet.String("key-file", "", "signing key file (overrides the config)")
	verbose := flagSet.BoolP("verbose", "v", false, "log debug detail")
	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *listen != "" {
		cfg.Relay.Listen = *listen
	}
	if *keyFile != "" {
		cfg.Relay.KeyFile = *keyFile
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	signingKey, err := loadOrCreateKey(cfg.Relay.KeyFile)
	if err != nil {
		return err
	}

	server, err := relay.New(relay.Config{SigningKey: signingKey, Logger: logger})
	if err != nil {
		return err
	}
	logger.Info("relay starting",
		"listen", cfg.Relay.Listen,
		"public_key", hex.EncodeToString(server.PublicKey()))

	httpServer := &http.Server{Addr: cfg.Relay.Listen, Handler: server.Handler()}

	errs := make(chan error, 1)
	go func() {
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errs:
		return err
	case sig := <-interrupt:
		logger.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Relay.ShutdownGrace.Std())
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// loadOrCreateKey reads the relay's ed25519 seed from the key file,
// creating the file with a fresh key when it does not exist. The seed
// is stored hex encoded, one line.
func loadOrCreateKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		seed, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("parsing key file %s: %w", path, err)
		}
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("key file %s: seed is %d bytes, want %d", path, len(seed), ed25519.SeedSize)
		}
		return ed25519.NewKeyFromSeed(seed), nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("reading key file %s: %w", path, err)
	}

	_, key, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	encoded := hex.EncodeToString(key.Seed()) + "\n"
	if err := os.WriteFile(path, []byte(encoded), 0600); err != nil {
		return nil, fmt.Errorf("writing key file %s: %w", path, err)
	}
	return key, nil
}
