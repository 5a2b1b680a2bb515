// Copyright 2026 The RoaringRoster Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/term"

	"github.com/roaringroster/core/account"
	"github.com/roaringroster/core/lib/secret"
)

// promptPassword reads a password from the terminal with echo
// disabled. The prompt goes to stderr so stdout stays scriptable.
func promptPassword(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("no terminal available for password prompt")
	}

	fmt.Fprint(os.Stderr, prompt)
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	password := string(raw)
	secret.Zero(raw)
	return password, nil
}

// promptNewPassword reads a password twice and insists the entries
// match.
func promptNewPassword() (string, error) {
	first, err := promptPassword("New password: ")
	if err != nil {
		return "", err
	}
	second, err := promptPassword("Repeat password: ")
	if err != nil {
		return "", err
	}
	if first != second {
		return "", fmt.Errorf("passwords do not match")
	}
	return first, nil
}

// newManager builds the account manager from the app configuration.
func (a *app) newManager() *account.Manager {
	return account.NewManager(account.Config{
		Dir:        a.cfg.DataDir,
		DeviceName: a.cfg.DeviceName,
		ReadOnly:   a.cfg.ReadOnly,
		Logger:     a.logger,
	})
}

// login prompts for the password and opens the account. The caller
// owns the returned manager's open session and must log out.
func (a *app) login(ctx context.Context, username string) (*account.Manager, *account.ActiveAccount, error) {
	password, err := promptPassword("Password: ")
	if err != nil {
		return nil, nil, err
	}
	manager := a.newManager()
	active, err := manager.Login(ctx, username, password)
	if err != nil {
		return nil, nil, err
	}
	return manager, active, nil
}
