package runner

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

const shell = "/bin/sh"

func TestRunCapturesOutput(t *testing.T) {
	out, err := New().Run(context.Background(), Command{
		Path:        shell,
		Args:        []string{"-c", "echo out; echo err 1>&2"},
		MustSucceed: true,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if strings.TrimSpace(out.Stdout) != "out" {
		t.Errorf("Stdout = %q", out.Stdout)
	}
	if strings.TrimSpace(out.Stderr) != "err" {
		t.Errorf("Stderr = %q", out.Stderr)
	}
}

func TestRunRejectsRelativePath(t *testing.T) {
	_, err := New().Run(context.Background(), Command{Path: "sh", Args: []string{"-c", "true"}})
	if err == nil {
		t.Fatal("expected error for relative path")
	}
}

func TestRunNonZeroExit(t *testing.T) {
	out, err := New().Run(context.Background(), Command{
		Path:        shell,
		Args:        []string{"-c", "echo broken 1>&2; exit 3"},
		MustSucceed: true,
	})
	if err == nil {
		t.Fatal("expected error for non-zero exit")
	}

	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("expected *CommandError, got %T: %v", err, err)
	}
	if cmdErr.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", cmdErr.ExitCode)
	}
	if cmdErr.TimedOut {
		t.Error("TimedOut should be false")
	}
	if !strings.Contains(cmdErr.Stderr, "broken") {
		t.Errorf("Stderr = %q", cmdErr.Stderr)
	}
	if strings.TrimSpace(out.Stderr) != "broken" {
		t.Errorf("Output.Stderr = %q", out.Stderr)
	}
}

func TestRunBestEffortSwallowsFailure(t *testing.T) {
	_, err := New().Run(context.Background(), Command{
		Path: shell,
		Args: []string{"-c", "exit 1"},
	})
	if err != nil {
		t.Errorf("best-effort failure should be swallowed, got: %v", err)
	}
}

func TestRunTimeout(t *testing.T) {
	_, err := New().Run(context.Background(), Command{
		Path:        shell,
		Args:        []string{"-c", "sleep 5"},
		Timeout:     50 * time.Millisecond,
		MustSucceed: true,
	})
	if err == nil {
		t.Fatal("expected timeout error")
	}

	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("expected *CommandError, got %T: %v", err, err)
	}
	if !cmdErr.TimedOut {
		t.Error("TimedOut should be true")
	}
}

func TestRunEnvAppended(t *testing.T) {
	out, err := New().Run(context.Background(), Command{
		Path:        shell,
		Args:        []string{"-c", "echo $KILN_TEST_VAR"},
		Env:         []string{"KILN_TEST_VAR=present"},
		MustSucceed: true,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if strings.TrimSpace(out.Stdout) != "present" {
		t.Errorf("Stdout = %q, want present", out.Stdout)
	}
}
