// Copyright 2026 The RoaringRoster Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/pflag"
)

func (a *app) statusCommand(args []string) error {
	flagSet := pflag.NewFlagSet("status", pflag.ContinueOnError)
	user := flagSet.String("user", "", "account username")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if *user == "" {
		return fmt.Errorf("usage: roster status --user <username>")
	}

	ctx := context.Background()
	manager, active, err := a.login(ctx, *user)
	if err != nil {
		return err
	}
	defer manager.Logout()

	fmt.Printf("account:  %s\n", active.Username)
	fmt.Printf("user id:  %s\n", active.Identity.User.ID)
	fmt.Printf("device:   %s (%s)\n", active.Identity.Device.Name, active.Identity.Device.ID)

	if len(active.Account.Organizations) == 0 {
		fmt.Println("\nno organizations")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "\nSHARE\tNAME\tMEMBERS\tDEVICES\tSERVER")
	for _, orgRef := range active.Account.Organizations {
		mark := ""
		if orgRef.Share == active.Account.ActiveOrganization {
			mark = " *"
		}
		team, err := manager.Team(ctx, orgRef.Share)
		if err != nil {
			fmt.Fprintf(writer, "%s%s\t(unavailable: %v)\t\t\t%s\n", orgRef.Share, mark, err, orgRef.Server)
			continue
		}
		members := team.Members()
		devices := 0
		for _, member := range members {
			devices += len(team.Devices(member.ID))
		}
		fmt.Fprintf(writer, "%s%s\t%s\t%d\t%d\t%s\n", orgRef.Share, mark, team.Name(), len(members), devices, orgRef.Server)
	}
	return writer.Flush()
}
