package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newTeamsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "teams",
		Short: "Inspect or clear teams",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List teams with their members",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := opts.session(true)
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()
			teams, err := s.client.Teams(ctx, s.token)
			if err != nil {
				return err
			}
			if opts.wantJSON(cmd) {
				return printJSON(cmd.OutOrStdout(), teams)
			}
			return printTeams(cmd.OutOrStdout(), teams)
		},
	}

	var yes bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Detach every participant and delete every team",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return fmt.Errorf("refusing to delete all teams without --yes")
			}
			s, err := opts.session(true)
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()
			if err := s.client.ClearTeams(ctx, s.token); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "teams cleared")
			return nil
		},
	}
	clearCmd.Flags().BoolVar(&yes, "yes", false, "Confirm deletion")

	announce := &cobra.Command{
		Use:   "announce",
		Short: "Send every team its roster",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := opts.session(true)
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()
			result, err := s.client.AnnounceTeams(ctx, s.token)
			if err != nil {
				return err
			}
			if opts.wantJSON(cmd) {
				return printJSON(cmd.OutOrStdout(), result)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "notified %d of %d teams\n", result.Notified, result.Teams)
			if len(result.Failed) > 0 {
				return fmt.Errorf("delivery failed for teams %v", result.Failed)
			}
			return nil
		},
	}

	cmd.AddCommand(list, clearCmd, announce)
	return cmd
}
