// Package agent abstracts the AI coding CLI that runs inside each tmux
// window. The CLI is a black box; this package only knows how to check
// that it is authenticated, how to start it, and how to tell it is ready.
package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrNotAuthenticated means the CLI has not been onboarded by the
// operator. Automated login is never attempted.
var ErrNotAuthenticated = errors.New("agent CLI is not authenticated")

// CLI describes how to run and observe the agent command.
type CLI struct {
	// Command is the executable name, e.g. "claude".
	Command string
	// SkipPermissions starts the CLI with its permission prompts disabled.
	SkipPermissions bool
	// ConfigPath overrides the CLI config location. Empty uses the
	// default ~/.<command>.json.
	ConfigPath string
	// ExtraArgs are appended verbatim to the start command.
	ExtraArgs []string
	// EmergencyBypass exports EMERGENCY_BYPASS=1 into the agent's
	// environment, relaxing its internal safety interlocks. Operator
	// escape hatch only.
	EmergencyBypass bool
}

// cliConfig is the slice of the agent's config file we inspect. Unknown
// fields are ignored.
type cliConfig struct {
	OAuthAccount              json.RawMessage `json:"oauthAccount"`
	HasCompletedOnboarding    bool            `json:"hasCompletedOnboarding"`
	BypassPermissionsAccepted bool            `json:"bypassPermissionsModeAccepted"`
}

func (c *CLI) configPath() string {
	if c.ConfigPath != "" {
		return c.ConfigPath
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, "."+c.Command+".json")
}

// CheckAuth verifies the CLI was onboarded by the operator. This is a
// read-only precondition check: a failure aborts provisioning with a
// precise error and never triggers an automated login.
func (c *CLI) CheckAuth() error {
	path := c.configPath()
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: cannot read %s: %v", ErrNotAuthenticated, path, err)
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("%w: %s is not valid JSON: %v", ErrNotAuthenticated, path, err)
	}
	if len(cfg.OAuthAccount) == 0 || string(cfg.OAuthAccount) == "null" {
		return fmt.Errorf("%w: no account in %s (run %q once manually)", ErrNotAuthenticated, path, c.Command)
	}
	if !cfg.HasCompletedOnboarding {
		return fmt.Errorf("%w: onboarding incomplete in %s", ErrNotAuthenticated, path)
	}
	if c.SkipPermissions && !cfg.BypassPermissionsAccepted {
		return fmt.Errorf("%w: bypass-permissions mode not yet accepted in %s", ErrNotAuthenticated, path)
	}
	return nil
}

// StartCommand returns the shell command line that launches the CLI in a
// pane.
func (c *CLI) StartCommand() string {
	parts := []string{c.Command}
	if c.EmergencyBypass {
		parts = []string{"EMERGENCY_BYPASS=1", c.Command}
	}
	if c.SkipPermissions {
		parts = append(parts, "--dangerously-skip-permissions")
	}
	parts = append(parts, c.ExtraArgs...)
	return strings.Join(parts, " ")
}

// ReadyTimeout bounds the per-agent readiness wait.
const ReadyTimeout = 90 * time.Second

// readyMarkers are pane substrings that indicate the CLI has finished
// starting and is showing its prompt.
var readyMarkers = []string{
	"? for shortcuts",
	"Welcome to",
	"╭─",
}

// paneReader captures pane content; satisfied by the tmux client.
type paneReader interface {
	CapturePane(target string, lines int) (string, error)
	PaneCommand(target string) (string, error)
}

// WaitReady polls the pane until the CLI shows its prompt. The pane
// command must have left the shell and a ready marker must appear.
func WaitReady(tm paneReader, target string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = ReadyTimeout
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		content, err := tm.CapturePane(target, 30)
		if err == nil {
			for _, marker := range readyMarkers {
				if strings.Contains(content, marker) {
					return nil
				}
			}
		}
		time.Sleep(1 * time.Second)
	}
	return fmt.Errorf("agent in %s not ready after %v", target, timeout)
}
