// Copyright 2026 The RoaringRoster Authors
// SPDX-License-Identifier: Apache-2.0

// Roster is the command-line client for RoaringRoster. It manages
// local accounts, organizations, and invitations, and runs the sync
// session against a relay server.
//
// Usage:
//
//	roster [--config FILE] <command> [args]
//
// Commands:
//
//	account register <username>    create a local account
//	account passwd <username>      change an account password
//	account delete <username>      delete a local account
//	org create <name>              found a new organization
//	org join <code>                join an organization by invitation
//	invite create                  create an invitation code
//	invite list                    list pending invitations
//	invite revoke <id>             revoke a pending invitation
//	status                         show the account and its organizations
//	sync                           replicate with the relay until interrupted
//
// Configuration is read from the file named by ROSTER_CONFIG or
// --config, falling back to the default location; see the config
// package.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/roaringroster/core/apperror"
	"github.com/roaringroster/core/lib/config"
	"github.com/roaringroster/core/lib/version"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "roster: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func run(args []string) error {
	if len(args) > 0 && args[0] == "--version" {
		version.Print("roster")
		return nil
	}

	flagSet := pflag.NewFlagSet("roster", pflag.ContinueOnError)
	flagSet.SetInterspersed(false)
	configPath := flagSet.String("config", "", "path to the config file")
	verbose := flagSet.BoolP("verbose", "v", false, "log debug detail to stderr")
	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			printUsage(os.Stderr)
			return nil
		}
		return err
	}

	rest := flagSet.Args()
	if len(rest) == 0 {
		printUsage(os.Stderr)
		return fmt.Errorf("command required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	app := &app{cfg: cfg, logger: logger}

	command, rest := rest[0], rest[1:]
	switch command {
	case "account":
		return app.accountCommand(rest)
	case "org":
		return app.orgCommand(rest)
	case "invite":
		return app.inviteCommand(rest)
	case "status":
		return app.statusCommand(rest)
	case "sync":
		return app.syncCommand(rest)
	case "help":
		printUsage(os.Stdout)
		return nil
	default:
		printUsage(os.Stderr)
		return fmt.Errorf("unknown command %q", command)
	}
}

// app carries the loaded configuration through command dispatch.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
}

func printUsage(out *os.File) {
	fmt.Fprint(out, `Usage: roster [--config FILE] <command> [args]

Commands:
  account register <username>    create a local account
  account passwd <username>      change an account password
  account delete <username>      delete a local account
  org create <name>              found a new organization
  org join <code>                join an organization by invitation
  invite create                  create an invitation code
  invite list                    list pending invitations
  invite revoke <id>             revoke a pending invitation
  status                         show the account and its organizations
  sync                           replicate with the relay until interrupted

Run 'roster <command> --help' for command flags.
`)
}

// exitCode maps a few well-known failures to distinct exit codes so
// scripts can tell credential errors from everything else.
func exitCode(err error) int {
	switch apperror.CodeOf(err) {
	case apperror.WrongPassword, apperror.UsernameDoesNotExist:
		return 2
	default:
		return 1
	}
}
