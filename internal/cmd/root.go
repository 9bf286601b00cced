// Package cmd implements the fm command line interface.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/xcawolfe-amzn/foreman/internal/agent"
	"github.com/xcawolfe-amzn/foreman/internal/automerge"
	"github.com/xcawolfe-amzn/foreman/internal/scheduler"
	"github.com/xcawolfe-amzn/foreman/internal/style"
)

// Exit codes. Scripts dispatch on these, so they are part of the CLI
// contract: 0 success, 2 usage, 3 failed precondition (auth, deps,
// singleton already running), 4 operational failure, 5 timeout.
const (
	ExitOK        = 0
	ExitUsage     = 2
	ExitNotAuthed = 3
	ExitRuntime   = 4
	ExitTimeout   = 5
)

// errUsage marks operator mistakes (bad flags, missing files) as distinct
// from runtime failures.
var errUsage = errors.New("usage error")

func usagef(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{errUsage}, args...)...)
}

var rootCmd = &cobra.Command{
	Use:   "fm",
	Short: "Foreman drives autonomous AI agent teams in tmux",
	Long: `Foreman orchestrates teams of AI coding agents working in tmux
sessions, each agent in its own git worktree. Projects are queued in a
durable store and processed one at a time; a health monitor keeps
sessions alive and a merge runner integrates finished work.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI and maps errors to exit codes. SIGINT and SIGTERM
// cancel the command context so the daemon loops exit cleanly.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if err == nil || errors.Is(err, context.Canceled) {
		return ExitOK
	}
	fmt.Fprintln(os.Stderr, style.Error.Render("error:")+" "+err.Error())
	return exitCode(err)
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, errUsage):
		return ExitUsage
	case errors.Is(err, agent.ErrNotAuthenticated),
		errors.Is(err, scheduler.ErrAlreadyRunning),
		errors.Is(err, automerge.ErrAlreadyRunning):
		return ExitNotAuthed
	case errors.Is(err, context.DeadlineExceeded):
		return ExitTimeout
	default:
		return ExitRuntime
	}
}
