package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"specnerd/internal/orchestrator"
)

// =============================================================================
// SESSION MANAGEMENT COMMANDS
// =============================================================================

var (
	archiveReason string
	logLimit      int
)

// sessionCmd manages the workspace session
var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect and manage the workspace session",
	Long: `Inspect and manage the session stored under .specnerd/.

Subcommands:
  show     - Show the current session and plan
  new      - Archive the current session and start a new project
  archive  - Same as new, with a recorded reason
  log      - Print the operation log
  archives - List archived sessions
  checkpoints - List engine checkpoints of this workspace`,
	RunE: runSessionShow,
}

var sessionShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the current session and plan",
	Args:  cobra.NoArgs,
	RunE:  runSessionShow,
}

var sessionNewCmd = &cobra.Command{
	Use:   "new [project-name]",
	Short: "Archive the current session and start a new one",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return startNewSession(cmd, args, "user requested a new session")
	},
}

var sessionArchiveCmd = &cobra.Command{
	Use:   "archive [project-name]",
	Short: "Archive the current session with a reason",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return startNewSession(cmd, args, archiveReason)
	},
}

var sessionLogCmd = &cobra.Command{
	Use:   "log",
	Short: "Print the operation log, oldest first",
	Args:  cobra.NoArgs,
	RunE:  runSessionLog,
}

var sessionArchivesCmd = &cobra.Command{
	Use:   "archives",
	Short: "List archived sessions, newest first",
	Args:  cobra.NoArgs,
	RunE:  runSessionArchives,
}

var sessionCheckpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "List engine checkpoints, most recent first",
	Args:  cobra.NoArgs,
	RunE:  runSessionCheckpoints,
}

func init() {
	sessionArchiveCmd.Flags().StringVar(&archiveReason, "reason", "archived from the command line", "Reason recorded in the archive")
	sessionLogCmd.Flags().IntVarP(&logLimit, "lines", "n", 20, "Number of entries to print (0 for all)")

	sessionCmd.AddCommand(sessionShowCmd)
	sessionCmd.AddCommand(sessionNewCmd)
	sessionCmd.AddCommand(sessionArchiveCmd)
	sessionCmd.AddCommand(sessionLogCmd)
	sessionCmd.AddCommand(sessionArchivesCmd)
	sessionCmd.AddCommand(sessionCheckpointsCmd)
}

func runSessionShow(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer a.Close()

	s, st, err := a.orch.Status(cmd.Context(), a.root)
	if err != nil {
		return err
	}
	if s == nil {
		fmt.Fprintln(cmd.OutOrStdout(), "No session yet. Start one with: specnerd session new [name]")
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), orchestrator.FormatStatus(s, st))
	if len(s.ActiveFiles) > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "Active files: %s\n", strings.Join(s.ActiveFiles, ", "))
	}
	return nil
}

func startNewSession(cmd *cobra.Command, args []string, reason string) error {
	a, err := newApp(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer a.Close()

	name := ""
	if len(args) == 1 {
		name = args[0]
	}
	reply, err := a.orch.StartNewSession(cmd.Context(), a.root, name, reason)
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), reply.Message)
	return nil
}

func runSessionLog(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer a.Close()

	ws, err := a.orch.Workspace(a.root)
	if err != nil {
		return err
	}
	entries, err := ws.Sessions.OperationLog(logLimit)
	if err != nil {
		return fmt.Errorf("failed to read operation log: %w", err)
	}
	if len(entries) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "Operation log is empty.")
		return nil
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "REV\tTIME\tTYPE\tOPERATION\tRESULT")
	for _, e := range entries {
		result := "ok"
		if !e.Success {
			result = "failed: " + e.Error
		}
		op := e.Operation
		if e.ToolName != "" {
			op += " " + e.ToolName
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", e.SessionRevision, e.Timestamp.Format("2006-01-02 15:04:05"), e.Type, op, result)
	}
	return tw.Flush()
}

func runSessionArchives(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer a.Close()

	ws, err := a.orch.Workspace(a.root)
	if err != nil {
		return err
	}
	names, err := ws.Sessions.ListArchives()
	if err != nil {
		return fmt.Errorf("failed to list archives: %w", err)
	}
	if len(names) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No archived sessions.")
		return nil
	}
	for _, name := range names {
		fmt.Fprintln(cmd.OutOrStdout(), name)
	}
	return nil
}

func runSessionCheckpoints(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer a.Close()

	ws, err := a.orch.Workspace(a.root)
	if err != nil {
		return err
	}
	cps, err := ws.Checkpoints.List(cmd.Context())
	if err != nil {
		return err
	}
	if len(cps) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No checkpoints.")
		return nil
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tSTATE\tVERSION\tUPDATED")
	for _, cp := range cps {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", cp.SessionID, cp.State, cp.Version, cp.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
	}
	return tw.Flush()
}
