package main

import (
	"fmt"

	channelsync "github.com/nlstn/go-channelsync"
	"github.com/spf13/cobra"
)

func newPruneCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Remove terminal tasks older than retention.window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := a.service(channelsync.WithoutWakeUps())
			if err != nil {
				return err
			}
			defer svc.Close()
			n, err := svc.Prune(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d task(s)\n", n)
			return nil
		},
	}
}

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the task, quota and catalog tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := a.service(channelsync.WithoutWakeUps())
			if err != nil {
				return err
			}
			defer svc.Close()
			if err := svc.Migrate(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrated")
			return nil
		},
	}
}
