package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"

	"specnerd/internal/logging"
	"specnerd/internal/types"
)

// CLI runs a local model CLI as a subprocess. The rendered conversation is
// written to stdin and the completion is read from stdout. Each request has
// a bounded wait; exceeding it is reported as a timeout.
type CLI struct {
	command string
	args    []string
	timeout time.Duration
}

// NewCLI creates a subprocess adapter.
func NewCLI(command string, args []string, timeout time.Duration) (*CLI, error) {
	if strings.TrimSpace(command) == "" {
		return nil, errors.New("cli provider requires cli_command")
	}
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	return &CLI{command: command, args: append([]string(nil), args...), timeout: timeout}, nil
}

// SendRequest runs the subprocess to completion and yields its output as a
// single chunk.
func (c *CLI) SendRequest(ctx context.Context, messages []types.Message, opts types.RequestOptions) (iter.Seq2[string, error], error) {
	prompt := renderPrompt(messages)
	if prompt == "" {
		return nil, &types.ModelError{Message: "no content to send"}
	}
	args := c.args
	if opts.Model != "" {
		args = append(append([]string(nil), args...), "--model", opts.Model)
	}

	return func(yield func(string, error) bool) {
		out, err := c.run(ctx, args, prompt)
		if err != nil {
			yield("", err)
			return
		}
		yield(out, nil)
	}, nil
}

func (c *CLI) run(ctx context.Context, args []string, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.command, args...)
	cmd.Stdin = strings.NewReader(prompt)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	start := time.Now()
	err := cmd.Run()
	logging.APIDebug("%s finished in %v (err=%v)", c.command, time.Since(start), err)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", &types.ModelError{
				Message: fmt.Sprintf("%s timed out after %v", c.command, c.timeout),
				Timeout: true,
				Err:     ctx.Err(),
			}
		}
		if errors.Is(ctx.Err(), context.Canceled) {
			return "", ctx.Err()
		}
		stderrStr := strings.TrimSpace(stderr.String())
		me := &types.ModelError{
			Message: fmt.Sprintf("%s failed: %v (stderr: %s)", c.command, err, truncateString(stderrStr, 500)),
			Err:     err,
		}
		if isRateLimitError(stderrStr) {
			me.Code = "429"
		}
		return "", me
	}
	return strings.TrimSpace(stdout.String()), nil
}

// renderPrompt flattens the conversation for a CLI that takes one prompt.
func renderPrompt(messages []types.Message) string {
	var system, turns []string
	for _, m := range messages {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		switch m.Role {
		case "system":
			system = append(system, m.Content)
		case "assistant", "model":
			turns = append(turns, "[Assistant]\n"+m.Content)
		default:
			turns = append(turns, "[User Request]\n"+m.Content)
		}
	}
	if len(turns) == 0 {
		return ""
	}
	body := strings.Join(turns, "\n\n")
	if len(system) == 0 {
		return body
	}
	return fmt.Sprintf("[System Instructions]\n%s\n\n%s", strings.Join(system, "\n\n"), body)
}

// isRateLimitError checks if the error message indicates a rate limit.
func isRateLimitError(errMsg string) bool {
	lower := strings.ToLower(errMsg)
	return strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "rate_limit") ||
		strings.Contains(lower, "too many requests") ||
		strings.Contains(lower, "429")
}

// truncateString truncates a string to maxLen runes, adding "..." if truncated.
func truncateString(s string, maxLen int) string {
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	r := []rune(s)
	if maxLen <= 3 {
		return string(r[:max(maxLen, 0)])
	}
	return string(r[:maxLen-3]) + "..."
}
