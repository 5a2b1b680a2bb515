// Copyright 2026 The RoaringRoster Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/roaringroster/core/account"
	"github.com/roaringroster/core/apperror"
	"github.com/roaringroster/core/invite"
	"github.com/roaringroster/core/lib/ref"
	"github.com/roaringroster/core/trust"
)

func (a *app) inviteCommand(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: roster invite <create|list|revoke> ...")
	}
	sub, rest := args[0], args[1:]
	switch sub {
	case "create":
		return a.inviteCreate(rest)
	case "list":
		return a.inviteList(rest)
	case "revoke":
		return a.inviteRevoke(rest)
	default:
		return fmt.Errorf("unknown invite command %q", sub)
	}
}

// inviteFlags are the flags shared by the invite subcommands.
type inviteFlags struct {
	flagSet *pflag.FlagSet
	user    *string
	org     *string
}

func newInviteFlags(name string) *inviteFlags {
	flagSet := pflag.NewFlagSet(name, pflag.ContinueOnError)
	return &inviteFlags{
		flagSet: flagSet,
		user:    flagSet.String("user", "", "account username"),
		org:     flagSet.String("org", "", "organization share id (default: the active organization)"),
	}
}

// openTeam logs in and resolves the addressed organization's trust
// graph. The caller must log the returned manager out.
func (a *app) openTeam(ctx context.Context, flags *inviteFlags) (*account.Manager, *account.ActiveAccount, *trust.Team, error) {
	if *flags.user == "" {
		return nil, nil, nil, fmt.Errorf("--user is required")
	}
	manager, active, err := a.login(ctx, *flags.user)
	if err != nil {
		return nil, nil, nil, err
	}

	share := active.Account.ActiveOrganization
	if *flags.org != "" {
		share, err = ref.ParseShareID(*flags.org)
		if err != nil {
			manager.Logout()
			return nil, nil, nil, err
		}
	}
	if share.IsZero() {
		manager.Logout()
		return nil, nil, nil, apperror.New(apperror.UserHasNoOrganization)
	}

	team, err := manager.Team(ctx, share)
	if err != nil {
		manager.Logout()
		return nil, nil, nil, err
	}
	return manager, active, team, nil
}

func (a *app) inviteCreate(args []string) error {
	flags := newInviteFlags("invite create")
	expires := flags.flagSet.Duration("expires", 7*24*time.Hour, "invitation lifetime (0 for no expiry)")
	if err := flags.flagSet.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	manager, active, team, err := a.openTeam(ctx, flags)
	if err != nil {
		return err
	}
	defer manager.Logout()

	var expiresAt time.Time
	if *expires > 0 {
		expiresAt = time.Now().Add(*expires)
	}
	code, err := invite.New(active.DB, nil, a.logger).Create(ctx, team, expiresAt)
	if err != nil {
		return err
	}

	fmt.Println(code)
	fmt.Printf("\nShare this code over a trusted channel. Announce the graph\n")
	fmt.Printf("with 'roster sync' so the invitee can redeem it.\n")
	return nil
}

func (a *app) inviteList(args []string) error {
	flags := newInviteFlags("invite list")
	if err := flags.flagSet.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	manager, active, team, err := a.openTeam(ctx, flags)
	if err != nil {
		return err
	}
	defer manager.Logout()

	pending, err := invite.New(active.DB, nil, a.logger).List(ctx, team)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		fmt.Println("no pending invitations")
		return nil
	}
	now := time.Now()
	for _, p := range pending {
		state := "valid"
		if p.Expired(now) {
			state = "expired"
		}
		kind := "member"
		if p.Device {
			kind = "device"
		}
		expiry := "never"
		if p.ExpiresAt != 0 {
			expiry = time.Unix(p.ExpiresAt, 0).Format(time.RFC3339)
		}
		fmt.Printf("%s  %s  %s  expires %s\n", p.ID, kind, state, expiry)
	}
	return nil
}

func (a *app) inviteRevoke(args []string) error {
	flags := newInviteFlags("invite revoke")
	if err := flags.flagSet.Parse(args); err != nil {
		return err
	}
	rest := flags.flagSet.Args()
	if len(rest) != 1 {
		return fmt.Errorf("usage: roster invite revoke --user <username> <id>")
	}

	ctx := context.Background()
	manager, active, team, err := a.openTeam(ctx, flags)
	if err != nil {
		return err
	}
	defer manager.Logout()

	if err := invite.New(active.DB, nil, a.logger).Revoke(ctx, team, rest[0]); err != nil {
		return err
	}
	fmt.Printf("invitation %s revoked\n", rest[0])
	return nil
}
