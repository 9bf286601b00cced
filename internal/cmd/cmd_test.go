package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/xcawolfe-amzn/foreman/internal/agent"
	"github.com/xcawolfe-amzn/foreman/internal/automerge"
	"github.com/xcawolfe-amzn/foreman/internal/scheduler"
	"github.com/xcawolfe-amzn/foreman/internal/store"
)

// isolate points the app at temp directories so tests never touch a real
// installation.
func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	t.Setenv("TMUX", "")
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func makeProjectSpec(t *testing.T) (spec, project string) {
	t.Helper()
	dir := t.TempDir()
	spec = filepath.Join(dir, "api.md")
	if err := os.WriteFile(spec, []byte("# api\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	project = filepath.Join(dir, "api")
	if err := os.Mkdir(project, 0o755); err != nil {
		t.Fatal(err)
	}
	return spec, project
}

func TestExitCodes(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, ExitOK},
		{usagef("bad flag"), ExitUsage},
		{fmt.Errorf("checking: %w", agent.ErrNotAuthenticated), ExitNotAuthed},
		{scheduler.ErrAlreadyRunning, ExitNotAuthed},
		{automerge.ErrAlreadyRunning, ExitNotAuthed},
		{fmt.Errorf("provisioning: %w", context.DeadlineExceeded), ExitTimeout},
		{errors.New("boom"), ExitRuntime},
	}
	for _, tc := range cases {
		if got := exitCode(tc.err); got != tc.want {
			t.Errorf("exitCode(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestQueueAddAndList(t *testing.T) {
	isolate(t)
	spec, project := makeProjectSpec(t)

	out, err := execute(t, "queue", "add", spec, "--project", project)
	if err != nil {
		t.Fatalf("queue add: %v", err)
	}
	if !strings.Contains(out, "queued project") {
		t.Errorf("add output = %q", out)
	}

	out, err = execute(t, "queue", "list")
	if err != nil {
		t.Fatalf("queue list: %v", err)
	}
	if !strings.Contains(out, "QUEUED") || !strings.Contains(out, "api") {
		t.Errorf("list output = %q", out)
	}
}

func TestQueueAddMissingSpecIsUsage(t *testing.T) {
	isolate(t)
	_, project := makeProjectSpec(t)

	_, err := execute(t, "queue", "add", filepath.Join(t.TempDir(), "nope.md"),
		"--project", project)
	if !errors.Is(err, errUsage) {
		t.Fatalf("err = %v, want usage error", err)
	}
}

func TestQueueStatusUnknownProject(t *testing.T) {
	isolate(t)
	_, err := execute(t, "queue", "status", "99")
	if !errors.Is(err, errUsage) {
		t.Fatalf("err = %v, want usage error", err)
	}
}

func TestRunRequiresSpecOrResume(t *testing.T) {
	isolate(t)
	_, err := execute(t, "run")
	if !errors.Is(err, errUsage) {
		t.Fatalf("err = %v, want usage error", err)
	}
}

func TestResumeRequeuesFailedWithBudget(t *testing.T) {
	isolate(t)
	spec, project := makeProjectSpec(t)
	if _, err := execute(t, "queue", "add", spec, "--project", project); err != nil {
		t.Fatal(err)
	}

	a, err := newApp()
	if err != nil {
		t.Fatal(err)
	}
	defer a.close()

	fail := func() *store.Project {
		t.Helper()
		p, err := a.store.PromoteNextQueued()
		if err != nil || p == nil {
			t.Fatalf("promote: %v", err)
		}
		if err := a.store.Transition(p.ID, store.StatusFailed,
			store.TransitionOpts{ErrorMessage: "provisioning blew up"}); err != nil {
			t.Fatal(err)
		}
		return p
	}

	p := fail()
	resume := &cobra.Command{}
	var out bytes.Buffer
	resume.SetOut(&out)

	if err := resumeFailed(resume, a); err != nil {
		t.Fatal(err)
	}
	got, _ := a.store.Project(p.ID)
	if got.Status != store.StatusQueued || got.Attempts != 1 {
		t.Fatalf("after resume: status=%s attempts=%d", got.Status, got.Attempts)
	}
	if !strings.Contains(out.String(), "requeued project") {
		t.Errorf("resume output = %q", out.String())
	}

	// Burn the remaining attempt, then the cap holds.
	fail()
	if err := resumeFailed(resume, a); err != nil {
		t.Fatal(err)
	}
	fail()
	if err := resumeFailed(resume, a); err != nil {
		t.Fatal(err)
	}
	got, _ = a.store.Project(p.ID)
	if got.Status != store.StatusFailed {
		t.Errorf("status = %s, want FAILED past the retry cap", got.Status)
	}
}

func TestSchedulerAddAndRemove(t *testing.T) {
	isolate(t)

	out, err := execute(t, "scheduler", "add",
		"--session", "api-impl-ab12", "--role", "developer",
		"--window", "2", "--interval", "15", "--note", "check in")
	if err != nil {
		t.Fatalf("scheduler add: %v", err)
	}
	if !strings.Contains(out, "scheduled task") {
		t.Errorf("add output = %q", out)
	}

	out, err = execute(t, "scheduler", "list")
	if err != nil {
		t.Fatalf("scheduler list: %v", err)
	}
	if !strings.Contains(out, "api-impl-ab12") || !strings.Contains(out, "15m") {
		t.Errorf("list output = %q", out)
	}

	if _, err := execute(t, "scheduler", "remove", "1"); err != nil {
		t.Fatalf("scheduler remove: %v", err)
	}
	out, _ = execute(t, "scheduler", "list")
	if !strings.Contains(out, "no scheduled tasks") {
		t.Errorf("list after remove = %q", out)
	}
}
