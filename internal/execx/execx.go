// Package execx centralizes subprocess execution with timeouts and
// structured errors. Every external tool invocation (git, tmux, mail
// transports) goes through Run so that timeout enforcement, stderr capture,
// and process-tree cleanup live in one place.
package execx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// ErrTimeout indicates the command exceeded its deadline and was killed.
var ErrTimeout = errors.New("command timed out")

// Error carries the command line, exit code, and captured stderr of a
// failed invocation.
type Error struct {
	Cmd      string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *Error) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg != "" {
		return fmt.Sprintf("%s: %s", e.Cmd, msg)
	}
	return fmt.Sprintf("%s: %v", e.Cmd, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ContainsStderr reports whether the captured stderr contains the substring.
// Used by callers that classify tool failures by message.
func (e *Error) ContainsStderr(substr string) bool {
	return strings.Contains(e.Stderr, substr)
}

// Runner executes commands in a fixed working directory with a default
// per-command timeout. A zero Runner runs in the process cwd with no timeout.
type Runner struct {
	Dir     string
	Timeout time.Duration
}

// Run executes name with args and returns trimmed stdout.
// On timeout the whole process group is killed and ErrTimeout is wrapped.
func (r Runner) Run(ctx context.Context, name string, args ...string) (string, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = r.Dir
	// Place the child in its own process group so a kill takes helpers
	// (git hooks, credential helpers) down with it.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", &Error{
				Cmd:    cmdLine(name, args),
				Stderr: stderr.String(),
				Err:    fmt.Errorf("%w after %v", ErrTimeout, r.Timeout),
			}
		}
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return "", &Error{
			Cmd:      cmdLine(name, args),
			ExitCode: exitCode,
			Stderr:   stderr.String(),
			Err:      err,
		}
	}

	return strings.TrimSpace(stdout.String()), nil
}

// RunQuiet executes the command and discards stdout.
func (r Runner) RunQuiet(ctx context.Context, name string, args ...string) error {
	_, err := r.Run(ctx, name, args...)
	return err
}

func cmdLine(name string, args []string) string {
	if len(args) == 0 {
		return name
	}
	return name + " " + strings.Join(args, " ")
}
