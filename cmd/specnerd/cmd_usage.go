package main

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"specnerd/internal/usage"
)

// usageCmd prints estimated token usage
var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show estimated token usage by model, specialist and session",
	Args:  cobra.NoArgs,
	RunE:  runUsage,
}

func init() {
	rootCmd.AddCommand(usageCmd)
}

func runUsage(cmd *cobra.Command, args []string) error {
	root, err := resolveWorkspace()
	if err != nil {
		return err
	}
	stats := usage.NewTracker(afero.NewOsFs(), root).Stats()
	out := cmd.OutOrStdout()
	if stats.Total.Calls == 0 {
		fmt.Fprintln(out, "No model calls recorded yet.")
		return nil
	}

	fmt.Fprintf(out, "Total: %d calls, %d tokens (%d in, %d out, estimated)\n",
		stats.Total.Calls, stats.Total.Total, stats.Total.Input, stats.Total.Output)
	for _, section := range []struct {
		title string
		rows  map[string]usage.TokenCounts
	}{
		{"MODEL", stats.ByModel},
		{"SPECIALIST", stats.BySpecialist},
		{"SESSION", stats.BySession},
	} {
		fmt.Fprintln(out)
		if err := printCounts(out, section.title, section.rows); err != nil {
			return err
		}
	}
	return nil
}

func printCounts(out io.Writer, title string, rows map[string]usage.TokenCounts) error {
	keys := make([]string, 0, len(rows))
	for k := range rows {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return rows[keys[i]].Total > rows[keys[j]].Total })

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "%s\tCALLS\tINPUT\tOUTPUT\tTOTAL\n", title)
	for _, k := range keys {
		c := rows[k]
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\n", k, c.Calls, c.Input, c.Output, c.Total)
	}
	return tw.Flush()
}
