// Copyright 2026 The RoaringRoster Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/roaringroster/core/session"
)

// connectTimeout bounds the dial and handshake of each sync session.
const connectTimeout = 15 * time.Second

func (a *app) syncCommand(args []string) error {
	flagSet := pflag.NewFlagSet("sync", pflag.ContinueOnError)
	user := flagSet.String("user", "", "account username")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if *user == "" {
		return fmt.Errorf("usage: roster sync --user <username>")
	}

	ctx := context.Background()
	manager, active, err := a.login(ctx, *user)
	if err != nil {
		return err
	}
	defer manager.Logout()

	if len(active.Account.Organizations) == 0 {
		return fmt.Errorf("account %q belongs to no organization", active.Username)
	}

	var sessions []*session.Session
	defer func() {
		for _, sess := range sessions {
			sess.Close()
		}
	}()

	for _, orgRef := range active.Account.Organizations {
		server := orgRef.Server
		if server == "" {
			server = a.cfg.Server
		}
		if server == "" {
			fmt.Fprintf(os.Stderr, "skipping %s: no sync server configured\n", orgRef.Share)
			continue
		}

		team, err := manager.Team(ctx, orgRef.Share)
		if err != nil {
			return err
		}

		host, insecure := parseServer(server)
		share := orgRef.Share
		sess := session.New(session.Config{
			Server:          host,
			Share:           share,
			Identity:        active.Identity,
			Team:            team,
			Repo:            active.Repo,
			PinnedServerKey: orgRef.ServerKey,
			Insecure:        insecure,
			Logger:          a.logger,
			OnState: func(state session.State) {
				fmt.Printf("%s: %s\n", share, state)
			},
		})

		connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		err = sess.Connect(connectCtx)
		cancel()
		if err != nil {
			sess.Close()
			return fmt.Errorf("connecting %s: %w", share, err)
		}
		if len(orgRef.ServerKey) == 0 {
			if err := manager.PinServerKey(ctx, share, sess.ServerKey()); err != nil {
				fmt.Fprintf(os.Stderr, "recording server key for %s: %v\n", share, err)
			}
		}
		if err := sess.PublishAll(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "publishing %s: %v\n", share, err)
		}
		sessions = append(sessions, sess)
	}

	if len(sessions) == 0 {
		return fmt.Errorf("nothing to sync")
	}

	fmt.Println("syncing, press Ctrl-C to stop")
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	<-interrupt
	fmt.Println("stopping")
	return nil
}
