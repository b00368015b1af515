package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const (
	defaultScriptTimeout = 30 * time.Second
	maxScriptOutput      = 4000
)

// runScript executes a configured shell command with the argument string
// appended, capturing stdout and stderr. The process group is killed on
// timeout; a timeout surfaces as ErrExecutionTimeout.
func runScript(ctx context.Context, script, args string, timeout time.Duration) (string, error) {
	stdout, stderr, err := captureScript(ctx, script, args, timeout)
	if err != nil {
		return "", err
	}
	return formatScriptOutput(stdout, stderr), nil
}

func captureScript(ctx context.Context, script, args string, timeout time.Duration) (string, string, error) {
	if timeout <= 0 {
		timeout = defaultScriptTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	full := strings.TrimSpace(script + " " + args)

	cmd := exec.CommandContext(ctx, "sh", "-c", full)
	cmd.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return "", "", fmt.Errorf("%w after %s: %s", ErrExecutionTimeout, timeout, full)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return "", "", fmt.Errorf("execute %q: %w", full, err)
		}
		// Non-zero exit still returns captured output, like a terminal would.
	}

	return stdout.String(), stderr.String(), nil
}

func formatScriptOutput(stdout, stderr string) string {
	output := stdout
	if strings.TrimSpace(stderr) != "" {
		if output != "" {
			output += "\n"
		}
		output += "[stderr]\n" + stderr
	}

	if strings.TrimSpace(output) == "" {
		return "Command executed successfully (no output)"
	}

	runes := []rune(output)
	if len(runes) > maxScriptOutput {
		omitted := len(runes) - maxScriptOutput
		output = string(runes[:maxScriptOutput]) + fmt.Sprintf("\n\n[Output truncated, %d characters omitted]", omitted)
	}

	return "```\n" + strings.TrimRight(output, "\n") + "\n```"
}
