// Copyright 2026 The RoaringRoster Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/roaringroster/core/account"
	"github.com/roaringroster/core/lib/ref"
	"github.com/roaringroster/core/session"
)

// joinTimeout bounds how long org join waits for the share's graph to
// arrive from the relay.
const joinTimeout = 30 * time.Second

func (a *app) orgCommand(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: roster org <create|join> ...")
	}
	sub, rest := args[0], args[1:]
	switch sub {
	case "create":
		return a.orgCreate(rest)
	case "join":
		return a.orgJoin(rest)
	default:
		return fmt.Errorf("unknown org command %q", sub)
	}
}

func (a *app) orgCreate(args []string) error {
	flagSet := pflag.NewFlagSet("org create", pflag.ContinueOnError)
	user := flagSet.String("user", "", "account username")
	server := flagSet.String("server", a.cfg.Server, "sync server for the organization")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	rest := flagSet.Args()
	if len(rest) != 1 || *user == "" {
		return fmt.Errorf("usage: roster org create --user <username> <name>")
	}
	name := rest[0]

	ctx := context.Background()
	manager, _, err := a.login(ctx, *user)
	if err != nil {
		return err
	}
	defer manager.Logout()

	org, err := manager.RegisterOrganization(ctx, name, *server)
	if err != nil {
		return err
	}
	fmt.Printf("organization %q created, share %s\n", name, org.Team.ShareID())
	return nil
}

func (a *app) orgJoin(args []string) error {
	flagSet := pflag.NewFlagSet("org join", pflag.ContinueOnError)
	user := flagSet.String("user", "", "account username")
	server := flagSet.String("server", a.cfg.Server, "sync server holding the organization")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	rest := flagSet.Args()
	if len(rest) != 1 || *user == "" {
		return fmt.Errorf("usage: roster org join --user <username> <code>")
	}
	code := rest[0]
	if *server == "" {
		return fmt.Errorf("no sync server configured (set server in the config or pass --server)")
	}

	ctx, cancel := context.WithTimeout(context.Background(), joinTimeout)
	defer cancel()

	manager, active, err := a.login(ctx, *user)
	if err != nil {
		return err
	}
	defer manager.Logout()

	team, err := manager.JoinOrganization(ctx, code, *server, a.relayConnector(active))
	if err != nil {
		return err
	}
	fmt.Printf("joined organization %q, share %s\n", team.Name(), team.ShareID())

	// Reconnect as an admitted member so the roster's root document
	// can replicate, then enroll and push the new member documents.
	host, insecure := parseServer(*server)
	sess := session.New(session.Config{
		Server:          host,
		Share:           team.ShareID(),
		Identity:        active.Identity,
		Team:            team,
		Repo:            active.Repo,
		PinnedServerKey: pinnedServerKey(active, team.ShareID()),
		Insecure:        insecure,
		Logger:          a.logger,
	})
	defer sess.Close()
	if err := sess.Connect(ctx); err != nil {
		fmt.Printf("roster enrollment pending; run 'roster sync' to finish (%v)\n", err)
		return nil
	}

	org, err := manager.CompleteEnrollment(ctx, team.ShareID())
	if err != nil {
		fmt.Printf("roster enrollment pending; run 'roster sync' to finish (%v)\n", err)
		return nil
	}
	if err := sess.PublishAll(ctx); err != nil {
		fmt.Printf("publishing enrollment failed; run 'roster sync' to finish (%v)\n", err)
		return nil
	}
	if name, err := org.Roster.Name(); err == nil {
		fmt.Printf("enrolled into roster %q\n", name)
	}
	return nil
}

// relayConnector redeems invitations over a live relay session: it
// connects as a guest, waits for a member to announce the graph, and
// announces the admitted graph back.
func (a *app) relayConnector(active *account.ActiveAccount) account.Connector {
	return func(ctx context.Context, server string, share ref.ShareID) (*account.Connection, error) {
		host, insecure := parseServer(server)
		sess := session.New(session.Config{
			Server:   host,
			Share:    share,
			Identity: active.Identity,
			Repo:     active.Repo,
			Insecure: insecure,
			Logger:   a.logger,
		})
		if err := sess.Connect(ctx); err != nil {
			sess.Close()
			return nil, err
		}
		graph, err := sess.AwaitGraph(ctx)
		if err != nil {
			sess.Close()
			return nil, err
		}
		return &account.Connection{
			Graph:     graph,
			ServerKey: sess.ServerKey(),
			Announce:  sess.AnnounceGraph,
			Close:     func() { sess.Close() },
		}, nil
	}
}

// pinnedServerKey looks up the relay key recorded for a share on the
// account, or nil when none is pinned yet.
func pinnedServerKey(active *account.ActiveAccount, share ref.ShareID) []byte {
	for _, orgRef := range active.Account.Organizations {
		if orgRef.Share == share {
			return orgRef.ServerKey
		}
	}
	return nil
}

// parseServer splits an optional ws:// or wss:// scheme from a server
// address. A bare host implies wss://.
func parseServer(server string) (host string, insecure bool) {
	switch {
	case strings.HasPrefix(server, "ws://"):
		return strings.TrimPrefix(server, "ws://"), true
	case strings.HasPrefix(server, "wss://"):
		return strings.TrimPrefix(server, "wss://"), false
	default:
		return server, false
	}
}
