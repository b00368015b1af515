package command

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestRunScriptCapturesStdout(t *testing.T) {
	out, err := runScript(context.Background(), "echo hello", "", time.Second)
	if err != nil {
		t.Fatalf("runScript: %v", err)
	}
	if !strings.Contains(out, "hello") || !strings.HasPrefix(out, "```") {
		t.Errorf("output = %q", out)
	}
}

func TestRunScriptTimeout(t *testing.T) {
	_, err := runScript(context.Background(), "sleep 5", "", 100*time.Millisecond)
	if !errors.Is(err, ErrExecutionTimeout) {
		t.Fatalf("err = %v, want ErrExecutionTimeout", err)
	}
}

func TestRunScriptNonZeroExitStillReturnsOutput(t *testing.T) {
	out, err := runScript(context.Background(), "echo oops; exit 3", "", time.Second)
	if err != nil {
		t.Fatalf("runScript: %v", err)
	}
	if !strings.Contains(out, "oops") {
		t.Errorf("output = %q", out)
	}
}

func TestFormatScriptOutput(t *testing.T) {
	if got := formatScriptOutput("", "  "); got != "Command executed successfully (no output)" {
		t.Errorf("empty output formatted as %q", got)
	}

	got := formatScriptOutput("out\n", "warn\n")
	if !strings.Contains(got, "[stderr]") || !strings.Contains(got, "warn") {
		t.Errorf("stderr section missing: %q", got)
	}

	long := strings.Repeat("a", maxScriptOutput+100)
	got = formatScriptOutput(long, "")
	if !strings.Contains(got, "[Output truncated, 100 characters omitted]") {
		t.Errorf("truncation notice missing from %d-char output", len(got))
	}
}
