// Package runner executes privileged external commands with timeouts and
// captured output.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/imagekiln/kiln/internal/logging"
)

// DefaultTimeout applies when a command does not specify one.
const DefaultTimeout = 60 * time.Second

// Command describes one external command invocation. Path must be the
// absolute path of the binary so behavior never depends on PATH.
type Command struct {
	Path    string
	Args    []string
	Timeout time.Duration
	// Env entries in KEY=VALUE form are appended to the inherited
	// environment.
	Env []string
	// MustSucceed controls failure handling: when false, non-zero exits
	// and timeouts are swallowed. Used for best-effort cleanup commands.
	MustSucceed bool
}

// Output holds the captured streams of a finished command.
type Output struct {
	Stdout string
	Stderr string
}

// CommandError is the typed failure for a must-succeed command that exited
// non-zero or timed out.
type CommandError struct {
	Path     string
	Args     []string
	ExitCode int
	TimedOut bool
	Stdout   string
	Stderr   string
	Err      error
}

// Error implements the error interface.
func (e *CommandError) Error() string {
	argv := strings.Join(append([]string{e.Path}, e.Args...), " ")
	if e.TimedOut {
		return fmt.Sprintf("command %q timed out: %s", argv, strings.TrimSpace(e.Stderr))
	}
	return fmt.Sprintf("command %q exited %d: %s", argv, e.ExitCode, strings.TrimSpace(e.Stderr))
}

// Unwrap returns the underlying exec error.
func (e *CommandError) Unwrap() error {
	return e.Err
}

// Runner runs external commands. The block device, chroot, and builder
// layers depend on this interface so they can be tested with fakes.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Output, error)
}

// Exec runs commands on the host. The overall process is assumed to
// already hold the necessary privilege; no escalation is performed.
type Exec struct{}

// New returns a host command runner.
func New() *Exec {
	return &Exec{}
}

// Run executes the command, enforcing the wall-clock timeout.
func (e *Exec) Run(ctx context.Context, cmd Command) (Output, error) {
	if !filepath.IsAbs(cmd.Path) {
		return Output{}, fmt.Errorf("command path %q is not absolute", cmd.Path)
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	proc := exec.CommandContext(runCtx, cmd.Path, cmd.Args...)
	if len(cmd.Env) > 0 {
		proc.Env = append(os.Environ(), cmd.Env...)
	}

	var stdout, stderr bytes.Buffer
	proc.Stdout = &stdout
	proc.Stderr = &stderr

	logging.Debug("Running command", "path", cmd.Path, "args", strings.Join(cmd.Args, " "), "timeout", timeout)
	err := proc.Run()
	out := Output{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return out, nil
	}

	if !cmd.MustSucceed {
		logging.Debug("Ignoring command failure", "path", cmd.Path, "error", err)
		return out, nil
	}

	cmdErr := &CommandError{
		Path:     cmd.Path,
		Args:     cmd.Args,
		ExitCode: -1,
		TimedOut: errors.Is(runCtx.Err(), context.DeadlineExceeded),
		Stdout:   out.Stdout,
		Stderr:   out.Stderr,
		Err:      err,
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		cmdErr.ExitCode = exitErr.ExitCode()
	}
	return out, cmdErr
}
