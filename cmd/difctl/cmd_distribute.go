package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	apiclient "github.com/Galaxerum/dif-bot/pkg/api/client"
)

func newDistributeCmd(opts *rootOptions) *cobra.Command {
	var size int
	cmd := &cobra.Command{
		Use:   "distribute",
		Short: "Place every eligible unassigned participant into a team",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if size < 0 {
				return errors.New("--size must not be negative")
			}
			s, err := opts.session(true)
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()
			result, runErr := s.client.Distribute(ctx, s.token, size)
			if result.RunID == "" {
				return runErr
			}
			if opts.wantJSON(cmd) {
				if err := printJSON(cmd.OutOrStdout(), result); err != nil {
					return err
				}
			} else if err := printRun(cmd.OutOrStdout(), result); err != nil {
				return err
			}
			if runErr != nil {
				return fmt.Errorf("run %s halted after %d participants: %w", result.RunID, len(result.Assignments), runErr)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&size, "size", 0, "Maximum team size (0 uses the server default)")
	return cmd
}

func newSimulateCmd(opts *rootOptions) *cobra.Command {
	var (
		size  int
		teams int
		file  string
	)
	cmd := &cobra.Command{
		Use:   "simulate [color=quota...]",
		Short: "Dry-run the distribution without persisting anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			if size < 0 || teams < 0 {
				return errors.New("--size and --teams must not be negative")
			}
			input := apiclient.SimulateInput{MaxTeamSize: size, TeamCount: teams}
			if file != "" || len(args) > 0 {
				if teams > 0 {
					return errors.New("use either --teams or a quota")
				}
				quota, err := readQuota(file, args)
				if err != nil {
					return err
				}
				input.Quota = &quota
			}
			s, err := opts.session(true)
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()
			result, err := s.client.Simulate(ctx, s.token, input)
			if err != nil {
				return err
			}
			if opts.wantJSON(cmd) {
				return printJSON(cmd.OutOrStdout(), result)
			}
			return printRun(cmd.OutOrStdout(), result)
		},
	}
	f := cmd.Flags()
	f.IntVar(&size, "size", 0, "Maximum team size (0 uses the server default)")
	f.IntVar(&teams, "teams", 0, "Simulate with N teams of the default color")
	f.StringVarP(&file, "file", "f", "", "YAML quota file")
	return cmd
}
