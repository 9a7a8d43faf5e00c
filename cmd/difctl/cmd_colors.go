package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Galaxerum/dif-bot/internal/allocation"
)

func newColorsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "colors",
		Short: "Configure color quotas",
	}

	var file string
	set := &cobra.Command{
		Use:   "set [color=quota...]",
		Short: "Replace all teams with empty teams for the quota",
		Long:  "Deletes every team, detaches every participant and creates quota teams per color.",
		RunE: func(cmd *cobra.Command, args []string) error {
			quota, err := readQuota(file, args)
			if err != nil {
				return err
			}
			s, err := opts.session(true)
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()
			teams, err := s.client.SetupColors(ctx, s.token, quota)
			if err != nil {
				return err
			}
			if opts.wantJSON(cmd) {
				return printJSON(cmd.OutOrStdout(), map[string]any{"quota": quota, "teams": teams})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %d teams across %d colors\n", len(teams), quota.Len())
			return nil
		},
	}
	set.Flags().StringVarP(&file, "file", "f", "", "YAML quota file")

	get := &cobra.Command{
		Use:   "get",
		Short: "Show the configured quota",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := opts.session(true)
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()
			quota, err := s.client.Quota(ctx, s.token)
			if err != nil {
				return err
			}
			if opts.wantJSON(cmd) {
				return printJSON(cmd.OutOrStdout(), quota)
			}
			return printQuota(cmd.OutOrStdout(), quota)
		},
	}

	cmd.AddCommand(set, get)
	return cmd
}

// readQuota loads a quota from a YAML file or color=quota arguments.
func readQuota(file string, args []string) (allocation.ColorQuota, error) {
	if strings.TrimSpace(file) != "" {
		if len(args) > 0 {
			return allocation.ColorQuota{}, errors.New("use either --file or color=quota arguments")
		}
		return allocation.LoadQuotaFile(file)
	}
	if len(args) == 0 {
		return allocation.ColorQuota{}, errors.New("no colors given")
	}
	entries := make([]allocation.ColorEntry, 0, len(args))
	for _, arg := range args {
		color, raw, ok := strings.Cut(arg, "=")
		if !ok {
			return allocation.ColorQuota{}, fmt.Errorf("%w: expected color=quota, got %q", allocation.ErrInvalidQuota, arg)
		}
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return allocation.ColorQuota{}, fmt.Errorf("%w: quota for %q is not a number", allocation.ErrInvalidQuota, color)
		}
		entries = append(entries, allocation.ColorEntry{Color: strings.TrimSpace(color), Quota: n})
	}
	return allocation.NewColorQuota(entries...)
}
