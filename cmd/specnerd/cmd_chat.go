package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"specnerd/internal/engine"
)

// chatCmd runs the interactive loop
var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Line-oriented chat loop over stdin",
	Long: `Reads one line at a time and hands it to the orchestrator. Plain text
starts a task or answers the pending question; slash commands control the
session:

  /new [name]  archive the session and start a new project
  /cancel      stop the running or waiting step
  /continue    resume the plan
  /status      show session and plan

Type "exit" or press Ctrl-D to leave.`,
	Args: cobra.NoArgs,
	RunE: runChat,
}

// runCmd executes a single turn
var runCmd = &cobra.Command{
	Use:   "run [task]",
	Short: "Run a single turn and print the reply",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runOnce,
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, true)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("Shutdown incomplete", zap.Error(err))
		}
	}()

	out := cmd.OutOrStdout()
	if _, st, err := a.orch.Status(ctx, a.root); err == nil && st.State != engine.StateIdle {
		fmt.Fprintf(out, "Resuming: %s\n", st.State)
		if st.Question != "" {
			fmt.Fprintf(out, "? %s\n", st.Question)
		}
	}
	return chatLoop(ctx, a, cmd.InOrStdin(), out)
}

func chatLoop(ctx context.Context, a *app, in io.Reader, out io.Writer) error {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Fprint(out, "> ")
		if !sc.Scan() {
			fmt.Fprintln(out)
			return sc.Err()
		}
		line := strings.TrimSpace(sc.Text())
		switch line {
		case "":
			continue
		case "exit", "quit":
			return nil
		}

		reply, err := a.orch.HandleInput(ctx, a.root, line)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintf(out, "error: %v\n", err)
			continue
		}
		printReply(out, reply)
	}
}

func runOnce(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, true)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("Shutdown incomplete", zap.Error(err))
		}
	}()

	task := strings.Join(args, " ")
	logger.Info("Processing task", zap.String("input", task))
	reply, err := a.orch.HandleInput(ctx, a.root, task)
	if err != nil {
		return err
	}
	printReply(cmd.OutOrStdout(), reply)
	if reply.State == engine.StateAwaitingUser {
		fmt.Fprintln(cmd.ErrOrStderr(), "Answer with: specnerd run \"<answer>\"")
	}
	return nil
}

func printReply(out io.Writer, reply *engine.Reply) {
	if reply.Message != "" {
		fmt.Fprintln(out, reply.Message)
	}
	if reply.Question != "" && !strings.Contains(reply.Message, reply.Question) {
		fmt.Fprintf(out, "? %s\n", reply.Question)
	}
	if reply.Plan != nil && reply.State != engine.StateAwaitingUser {
		fmt.Fprintf(out, "[%s, %d/%d steps done]\n", reply.State, reply.Plan.Done(), len(reply.Plan.Steps))
	}
}
