// Package tmux provides a wrapper for tmux session operations via subprocess.
package tmux

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Common errors
var (
	ErrNoServer        = errors.New("no tmux server running")
	ErrSessionExists   = errors.New("session already exists")
	ErrSessionNotFound = errors.New("session not found")
	ErrWindowNotFound  = errors.New("window not found")
	ErrProtected       = errors.New("session is protected")
)

// Runner executes a tmux command and returns trimmed stdout. Swapped out in
// tests for a fake.
type Runner func(args ...string) (string, error)

// Client wraps tmux operations. Protected session names are never killed.
type Client struct {
	run       Runner
	protected map[string]bool
}

// Option configures a Client.
type Option func(*Client)

// WithRunner replaces the subprocess runner. Tests only.
func WithRunner(r Runner) Option {
	return func(c *Client) { c.run = r }
}

// WithProtectedSessions marks session names that Kill operations must refuse.
func WithProtectedSessions(names []string) Option {
	return func(c *Client) {
		for _, n := range names {
			if n != "" {
				c.protected[n] = true
			}
		}
	}
}

// NewClient creates a tmux client. When the process itself runs inside
// tmux, the surrounding session is protected automatically; the operator
// launching `fm` from tmux must never lose their own session to cleanup.
func NewClient(opts ...Option) *Client {
	c := &Client{protected: make(map[string]bool)}
	c.run = c.runSubprocess
	for _, o := range opts {
		o(c)
	}
	if os.Getenv("TMUX") != "" {
		if name, err := c.run("display-message", "-p", "#S"); err == nil && name != "" {
			c.protected[name] = true
		}
	}
	return c
}

// runSubprocess executes tmux and classifies its stderr.
func (c *Client) runSubprocess(args ...string) (string, error) {
	cmd := exec.Command("tmux", args...)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", wrapError(err, stderr.String(), args)
	}
	return strings.TrimSpace(stdout.String()), nil
}

func wrapError(err error, stderr string, args []string) error {
	stderr = strings.TrimSpace(stderr)

	if strings.Contains(stderr, "no server running") ||
		strings.Contains(stderr, "error connecting to") {
		return ErrNoServer
	}
	if strings.Contains(stderr, "duplicate session") {
		return ErrSessionExists
	}
	if strings.Contains(stderr, "session not found") ||
		strings.Contains(stderr, "can't find session") {
		return ErrSessionNotFound
	}
	if strings.Contains(stderr, "can't find window") {
		return ErrWindowNotFound
	}

	if stderr != "" {
		return fmt.Errorf("tmux %s: %s", args[0], stderr)
	}
	return fmt.Errorf("tmux %s: %w", args[0], err)
}

// IsAvailable checks if tmux is installed and can be invoked.
func (c *Client) IsAvailable() bool {
	return exec.Command("tmux", "-V").Run() == nil
}

// IsProtected reports whether Kill operations must refuse this session.
func (c *Client) IsProtected(name string) bool {
	return c.protected[name]
}

// Target addresses one agent window as session:index.
func Target(session string, window int) string {
	return fmt.Sprintf("%s:%d", session, window)
}

// NewSession creates a new detached tmux session with an explicit working
// directory. The cwd is always passed so agents never inherit the caller's.
func (c *Client) NewSession(name, workDir string) error {
	_, err := c.run("new-session", "-d", "-s", name, "-c", workDir)
	return err
}

// NewWindow creates a named window at the given index, with its own cwd.
func (c *Client) NewWindow(session string, index int, name, workDir string) error {
	_, err := c.run("new-window", "-d", "-t", Target(session, index),
		"-n", name, "-c", workDir)
	return err
}

// HasSession checks if a session exists (exact match). The "=" prefix
// prevents prefix matches.
func (c *Client) HasSession(name string) (bool, error) {
	_, err := c.run("has-session", "-t", "="+name)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrNoServer) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ListSessions returns all session names.
func (c *Client) ListSessions() ([]string, error) {
	out, err := c.run("list-sessions", "-F", "#{session_name}")
	if err != nil {
		if errors.Is(err, ErrNoServer) {
			return nil, nil
		}
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// ListWindows returns window index -> name for a session.
func (c *Client) ListWindows(session string) (map[int]string, error) {
	out, err := c.run("list-windows", "-t", session, "-F",
		"#{window_index}:#{window_name}")
	if err != nil {
		return nil, err
	}
	windows := make(map[int]string)
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		idx := strings.Index(line, ":")
		if idx <= 0 {
			continue
		}
		n, err := strconv.Atoi(line[:idx])
		if err != nil {
			continue
		}
		windows[n] = line[idx+1:]
	}
	return windows, nil
}

// KillSession terminates a session immediately. Refuses protected names.
func (c *Client) KillSession(name string) error {
	if c.IsProtected(name) {
		return fmt.Errorf("%w: %s", ErrProtected, name)
	}
	_, err := c.run("kill-session", "-t", name)
	return err
}

// KillSessionGraceful sends SIGTERM to every pane's process group, waits
// out the grace period, then kills the session. Agents get a chance to
// flush state before the panes disappear.
func (c *Client) KillSessionGraceful(name string, grace time.Duration) error {
	if c.IsProtected(name) {
		return fmt.Errorf("%w: %s", ErrProtected, name)
	}

	out, err := c.run("list-panes", "-s", "-t", name, "-F", "#{pane_pid}")
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrNoServer) {
			return nil
		}
		return err
	}
	for _, line := range strings.Split(out, "\n") {
		pid, err := strconv.Atoi(strings.TrimSpace(line))
		if err != nil || pid <= 0 {
			continue
		}
		// Negative pid targets the whole process group.
		_ = syscall.Kill(-pid, syscall.SIGTERM)
	}
	if grace > 0 {
		time.Sleep(grace)
	}

	err = c.KillSession(name)
	if errors.Is(err, ErrSessionNotFound) {
		return nil
	}
	return err
}

// PaneCommand returns the current command running in a target's active pane.
func (c *Client) PaneCommand(target string) (string, error) {
	out, err := c.run("display-message", "-p", "-t", target,
		"#{pane_current_command}")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// PaneWorkDir returns the current working directory of a target's pane.
func (c *Client) PaneWorkDir(target string) (string, error) {
	out, err := c.run("display-message", "-p", "-t", target,
		"#{pane_current_path}")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// InCopyMode reports whether the target pane is sitting in copy mode.
// A pane stuck in copy mode silently swallows sent keys.
func (c *Client) InCopyMode(target string) (bool, error) {
	out, err := c.run("display-message", "-p", "-t", target, "#{pane_in_mode}")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == "1", nil
}

// ExitCopyMode cancels copy mode on the target pane. Safe when not in
// copy mode.
func (c *Client) ExitCopyMode(target string) error {
	_, err := c.run("send-keys", "-t", target, "-X", "cancel")
	if err != nil && strings.Contains(err.Error(), "not in a mode") {
		return nil
	}
	return err
}

// SendLiteral sends text in literal mode so special characters survive.
// Enter is never appended here; callers send it separately.
func (c *Client) SendLiteral(target, text string) error {
	_, err := c.run("send-keys", "-t", target, "-l", text)
	return err
}

// SendEnter submits whatever is sitting on the target's input line.
func (c *Client) SendEnter(target string) error {
	_, err := c.run("send-keys", "-t", target, "Enter")
	return err
}

// SendKey sends a named key (Escape, C-u, Down) without literal mode.
func (c *Client) SendKey(target, key string) error {
	_, err := c.run("send-keys", "-t", target, key)
	return err
}

// CapturePane captures the last lines of a target's visible pane.
func (c *Client) CapturePane(target string, lines int) (string, error) {
	return c.run("capture-pane", "-p", "-t", target,
		"-S", fmt.Sprintf("-%d", lines))
}

// CapturePaneAll captures all scrollback history.
func (c *Client) CapturePaneAll(target string) (string, error) {
	return c.run("capture-pane", "-p", "-t", target, "-S", "-")
}

// SetEnvironment sets an environment variable in the session.
func (c *Client) SetEnvironment(session, key, value string) error {
	_, err := c.run("set-environment", "-t", session, key, value)
	return err
}

// RenameSession renames a session.
func (c *Client) RenameSession(oldName, newName string) error {
	if c.IsProtected(oldName) {
		return fmt.Errorf("%w: %s", ErrProtected, oldName)
	}
	_, err := c.run("rename-session", "-t", oldName, newName)
	return err
}

// shells are pane commands that mean "nothing is running here".
var shells = []string{"bash", "zsh", "sh", "fish", "dash"}

func isShell(cmd string) bool {
	for _, s := range shells {
		if cmd == s {
			return true
		}
	}
	return false
}

// agentVersionRe matches agent CLIs that report a bare version string as
// their pane command.
var agentVersionRe = regexp.MustCompile(`^\d+\.\d+\.\d+`)

// IsAgentRunning checks whether an agent process occupies the target pane.
// Only the pane command is trusted; scrollback markers cause false
// positives. Agent CLIs show up as "node", "claude", or a version number.
func (c *Client) IsAgentRunning(target string) bool {
	cmd, err := c.PaneCommand(target)
	if err != nil {
		return false
	}
	if cmd == "node" || cmd == "claude" {
		return true
	}
	if agentVersionRe.MatchString(cmd) {
		return true
	}
	return cmd != "" && !isShell(cmd)
}

// IsZombieSession reports whether the session exists but no agent runs in
// its first window.
func (c *Client) IsZombieSession(session string) (bool, error) {
	exists, err := c.HasSession(session)
	if err != nil || !exists {
		return false, err
	}
	return !c.IsAgentRunning(Target(session, 0)), nil
}

// WaitForCommand polls until the target pane is not running one of the
// excluded commands. Used to wait for a shell to hand off to the agent.
func (c *Client) WaitForCommand(target string, exclude []string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		cmd, err := c.PaneCommand(target)
		if err == nil {
			excluded := false
			for _, e := range exclude {
				if cmd == e {
					excluded = true
					break
				}
			}
			if !excluded {
				return nil
			}
		}
		time.Sleep(500 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for command in %s", target)
}

// WaitForShell polls until the target pane has returned to a shell.
func (c *Client) WaitForShell(target string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cmd, err := c.PaneCommand(target); err == nil && isShell(cmd) {
			return nil
		}
		time.Sleep(500 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for shell in %s", target)
}

// RespawnPane kills all processes in a pane and starts a new command in
// place. Used for in-place agent restarts during recovery.
func (c *Client) RespawnPane(target, command string) error {
	_, err := c.run("respawn-pane", "-k", "-t", target, command)
	return err
}

// IsInsideTmux reports whether the current process runs inside tmux.
func IsInsideTmux() bool {
	return os.Getenv("TMUX") != ""
}
