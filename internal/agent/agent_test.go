package agent

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCheckAuthOnboarded(t *testing.T) {
	path := writeConfig(t, `{
		"oauthAccount": {"emailAddress": "op@example.com"},
		"hasCompletedOnboarding": true,
		"bypassPermissionsModeAccepted": true
	}`)
	cli := &CLI{Command: "claude", SkipPermissions: true, ConfigPath: path}
	if err := cli.CheckAuth(); err != nil {
		t.Errorf("CheckAuth = %v, want nil", err)
	}
}

func TestCheckAuthMissingConfig(t *testing.T) {
	cli := &CLI{Command: "claude", ConfigPath: filepath.Join(t.TempDir(), "nope.json")}
	if err := cli.CheckAuth(); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("CheckAuth = %v, want ErrNotAuthenticated", err)
	}
}

func TestCheckAuthNoAccount(t *testing.T) {
	path := writeConfig(t, `{"hasCompletedOnboarding": true}`)
	cli := &CLI{Command: "claude", ConfigPath: path}
	if err := cli.CheckAuth(); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("CheckAuth = %v, want ErrNotAuthenticated", err)
	}

	path = writeConfig(t, `{"oauthAccount": null, "hasCompletedOnboarding": true}`)
	cli = &CLI{Command: "claude", ConfigPath: path}
	if err := cli.CheckAuth(); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("null account = %v, want ErrNotAuthenticated", err)
	}
}

func TestCheckAuthOnboardingIncomplete(t *testing.T) {
	path := writeConfig(t, `{"oauthAccount": {"emailAddress": "x"}}`)
	cli := &CLI{Command: "claude", ConfigPath: path}
	if err := cli.CheckAuth(); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("CheckAuth = %v, want ErrNotAuthenticated", err)
	}
}

func TestCheckAuthBypassNotAccepted(t *testing.T) {
	path := writeConfig(t, `{
		"oauthAccount": {"emailAddress": "x"},
		"hasCompletedOnboarding": true
	}`)
	with := &CLI{Command: "claude", SkipPermissions: true, ConfigPath: path}
	if err := with.CheckAuth(); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("skip-permissions without acceptance = %v, want ErrNotAuthenticated", err)
	}
	without := &CLI{Command: "claude", ConfigPath: path}
	if err := without.CheckAuth(); err != nil {
		t.Errorf("plain mode = %v, want nil", err)
	}
}

func TestStartCommand(t *testing.T) {
	cli := &CLI{Command: "claude", SkipPermissions: true, ExtraArgs: []string{"--model", "opus"}}
	want := "claude --dangerously-skip-permissions --model opus"
	if got := cli.StartCommand(); got != want {
		t.Errorf("StartCommand = %q, want %q", got, want)
	}

	plain := &CLI{Command: "claude"}
	if got := plain.StartCommand(); got != "claude" {
		t.Errorf("StartCommand = %q", got)
	}

	bypass := &CLI{Command: "claude", SkipPermissions: true, EmergencyBypass: true}
	want = "EMERGENCY_BYPASS=1 claude --dangerously-skip-permissions"
	if got := bypass.StartCommand(); got != want {
		t.Errorf("StartCommand = %q, want %q", got, want)
	}
}

type fakeReader struct {
	content string
}

func (f *fakeReader) CapturePane(string, int) (string, error) { return f.content, nil }
func (f *fakeReader) PaneCommand(string) (string, error)      { return "node", nil }

func TestWaitReady(t *testing.T) {
	f := &fakeReader{content: "Welcome to Claude Code\n? for shortcuts"}
	if err := WaitReady(f, "s:2", time.Second); err != nil {
		t.Errorf("WaitReady = %v", err)
	}
}

func TestWaitReadyTimeout(t *testing.T) {
	f := &fakeReader{content: "$ "}
	if err := WaitReady(f, "s:2", 10*time.Millisecond); err == nil {
		t.Error("WaitReady succeeded on a bare shell")
	}
}
