package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Galaxerum/dif-bot/internal/allocation"
	"github.com/Galaxerum/dif-bot/internal/domain"
	"github.com/Galaxerum/dif-bot/internal/service/distribution"
)

// wantJSON is true with --json or when stdout is not a terminal.
func (o *rootOptions) wantJSON(cmd *cobra.Command) bool {
	if o.json {
		return true
	}
	f, ok := cmd.OutOrStdout().(*os.File)
	return ok && !term.IsTerminal(int(f.Fd()))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

func printQuota(w io.Writer, quota allocation.ColorQuota) error {
	tw := newTable(w)
	fmt.Fprintln(tw, "COLOR\tQUOTA")
	for _, e := range quota.Entries() {
		fmt.Fprintf(tw, "%s\t%d\n", e.Color, e.Quota)
	}
	return tw.Flush()
}

func printTeams(w io.Writer, teams []domain.TeamRoster) error {
	tw := newTable(w)
	fmt.Fprintln(tw, "TEAM\tCOLOR\tSIZE\tMEMBERS")
	for _, t := range teams {
		names := make([]string, 0, len(t.Members))
		for _, m := range t.Members {
			names = append(names, m.DisplayName)
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\n", t.ID, t.Color, len(t.Members), strings.Join(names, ", "))
	}
	return tw.Flush()
}

func printRun(w io.Writer, result distribution.RunResult) error {
	fmt.Fprintf(w, "run %s\n\n", result.RunID)
	tw := newTable(w)
	fmt.Fprintln(tw, "TEAM\tCOLOR\tMEMBERS\tCONFLICTS\tOVERFLOW")
	for _, t := range result.Report.Teams {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%t\n", t.ID, t.Color, t.MembersCount, t.ConflictCount, t.Overflow)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	var unplaced []string
	for _, r := range result.Assignments {
		if !r.Placed() {
			unplaced = append(unplaced, fmt.Sprintf("%s (#%d): %s", r.DisplayName, r.ParticipantID, r.Error))
		}
	}
	stats := result.Report.OverallStats
	fmt.Fprintf(w, "\nplaced %d of %d, conflicts %d", len(result.Assignments)-stats.Unplaced, len(result.Assignments), stats.TotalConflicts)
	if stats.MostConflictTag != "" {
		fmt.Fprintf(w, ", most conflicting tag %q", stats.MostConflictTag)
	}
	fmt.Fprintln(w)
	for _, tc := range stats.Top3Conflicts {
		fmt.Fprintf(w, "  %s: %d\n", tc.Tag, tc.Count)
	}
	for _, line := range unplaced {
		fmt.Fprintf(w, "unplaced: %s\n", line)
	}
	return nil
}
