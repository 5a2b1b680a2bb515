// Copyright 2026 The RoaringRoster Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
)

func (a *app) accountCommand(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: roster account <register|passwd|delete> <username>")
	}
	sub, rest := args[0], args[1:]
	switch sub {
	case "register":
		return a.accountRegister(rest)
	case "passwd":
		return a.accountPasswd(rest)
	case "delete":
		return a.accountDelete(rest)
	default:
		return fmt.Errorf("unknown account command %q", sub)
	}
}

func (a *app) accountRegister(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: roster account register <username>")
	}
	username := args[0]

	password, err := promptNewPassword()
	if err != nil {
		return err
	}

	manager := a.newManager()
	if err := manager.Register(context.Background(), username, password); err != nil {
		return err
	}
	fmt.Printf("account %q created\n", username)
	return nil
}

func (a *app) accountPasswd(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: roster account passwd <username>")
	}
	username := args[0]

	oldPassword, err := promptPassword("Current password: ")
	if err != nil {
		return err
	}
	newPassword, err := promptNewPassword()
	if err != nil {
		return err
	}

	manager := a.newManager()
	if err := manager.ChangePassword(context.Background(), username, oldPassword, newPassword); err != nil {
		return err
	}
	fmt.Printf("password for %q changed\n", username)
	return nil
}

func (a *app) accountDelete(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: roster account delete <username>")
	}
	username := args[0]

	fmt.Fprintf(os.Stderr, "Deleting %q removes its encrypted database from this device.\n", username)
	password, err := promptPassword("Password: ")
	if err != nil {
		return err
	}

	manager := a.newManager()
	if err := manager.Delete(context.Background(), username, password); err != nil {
		return err
	}
	fmt.Printf("account %q deleted\n", username)
	return nil
}
