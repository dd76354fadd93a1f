package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"specnerd/internal/specialist"
)

// specialistsCmd lists the resolved specialist table
var specialistsCmd = &cobra.Command{
	Use:   "specialists",
	Short: "List specialists with their category and iteration budget",
	Args:  cobra.NoArgs,
	RunE:  runSpecialists,
}

func runSpecialists(cmd *cobra.Command, args []string) error {
	root, err := resolveWorkspace()
	if err != nil {
		return err
	}
	cfg, err := loadConfig(root)
	if err != nil {
		return err
	}
	reg := specialist.NewRegistry(cfg.Specialists)
	budget := reg.Budget()

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCATEGORY\tMAX ITERATIONS\tENABLED\tDESCRIPTION")
	for _, sp := range reg.List() {
		enabled := "yes"
		if !sp.Enabled {
			enabled = "no"
		}
		desc := sp.Description
		if len(sp.Include) > 0 || len(sp.Exclude) > 0 {
			desc += fmt.Sprintf(" [+%s -%s]", strings.Join(sp.Include, ","), strings.Join(sp.Exclude, ","))
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", sp.ID, sp.Category, budget.For(sp), enabled, desc)
	}
	return tw.Flush()
}
