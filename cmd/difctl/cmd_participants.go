package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func newParticipantsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "participants",
		Aliases: []string{"p"},
		Short:   "Manage participant eligibility",
	}

	count := &cobra.Command{
		Use:   "count",
		Short: "Count eligible participants",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := opts.session(true)
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()
			n, err := s.client.CountEligible(ctx, s.token)
			if err != nil {
				return err
			}
			if opts.wantJSON(cmd) {
				return printJSON(cmd.OutOrStdout(), map[string]int{"eligible": n})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d eligible participants\n", n)
			return nil
		},
	}

	cmd.AddCommand(count,
		eligibilityCmd(opts, "activate", "Mark every participant with a profile eligible", true),
		eligibilityCmd(opts, "deactivate", "Mark every participant ineligible", false),
		&cobra.Command{
			Use:   "team <participant-id>",
			Short: "Show the team of a participant",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil || id <= 0 {
					return fmt.Errorf("invalid participant id %q", args[0])
				}
				s, err := opts.session(true)
				if err != nil {
					return err
				}
				ctx, cancel := opts.context(cmd)
				defer cancel()
				team, err := s.client.TeamOf(ctx, s.token, id)
				if err != nil {
					return err
				}
				if opts.wantJSON(cmd) {
					return printJSON(cmd.OutOrStdout(), team)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "team %d (%s)\n", team.ID, team.Color)
				for _, m := range team.Members {
					fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", m.DisplayName)
				}
				return nil
			},
		},
	)
	return cmd
}

func eligibilityCmd(opts *rootOptions, use, short string, eligible bool) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := opts.session(true)
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()
			changed, err := s.client.SetEligibility(ctx, s.token, eligible)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d participants updated\n", changed)
			return nil
		},
	}
}
