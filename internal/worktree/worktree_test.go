package worktree

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/xcawolfe-amzn/foreman/internal/git"
)

func TestLayoutHelpers(t *testing.T) {
	if got := Root("/work/projA/"); got != "/work/projA-tmux-worktrees" {
		t.Errorf("Root = %q", got)
	}
	if got := PathFor("/work/projA", "developer"); got != "/work/projA-tmux-worktrees/developer" {
		t.Errorf("PathFor = %q", got)
	}
	if got := BranchFor("main", "tester"); got != "main-tester" {
		t.Errorf("BranchFor = %q", got)
	}
}

func TestStartingBranchSentinel(t *testing.T) {
	dir := t.TempDir()
	if got := StartingBranch(dir); got != "" {
		t.Errorf("missing sentinel = %q, want empty", got)
	}
	if err := os.WriteFile(filepath.Join(dir, StartingBranchFile), []byte("feature/x\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := StartingBranch(dir); got != "feature/x" {
		t.Errorf("StartingBranch = %q, want feature/x", got)
	}
}

func TestCompletedMarker(t *testing.T) {
	dir := t.TempDir()
	if HasCompletedMarker(dir) {
		t.Error("marker reported before it exists")
	}
	if err := os.WriteFile(filepath.Join(dir, CompletedMarkerFile), []byte("# Done\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if !HasCompletedMarker(dir) {
		t.Error("marker not detected")
	}
}

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

func initRepo(t *testing.T, dir string) *git.Repo {
	t.Helper()
	for _, args := range [][]string{
		{"init", "-b", "main"},
		{"config", "user.email", "test@example.com"},
		{"config", "user.name", "test"},
		{"commit", "--allow-empty", "-m", "initial"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	return git.Open(dir)
}

func TestProvisionNewBranch(t *testing.T) {
	requireGit(t)
	parent := t.TempDir()
	project := filepath.Join(parent, "projA")
	if err := os.MkdirAll(project, 0o755); err != nil {
		t.Fatal(err)
	}
	repo := initRepo(t, project)
	m := NewManager(repo, nil)

	w, err := m.Provision(context.Background(), project, "developer")
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if w.Strategy != StrategyNewBranch {
		t.Errorf("strategy = %s, want new-branch", w.Strategy)
	}
	if w.Branch != "main-developer" || w.Base != "main" {
		t.Errorf("worktree = %+v", w)
	}
	if w.Path != PathFor(project, "developer") {
		t.Errorf("path = %s", w.Path)
	}
	if StartingBranch(w.Path) != "main" {
		t.Errorf("sentinel = %q, want main", StartingBranch(w.Path))
	}
}

func TestProvisionReusesCleanWorktree(t *testing.T) {
	requireGit(t)
	parent := t.TempDir()
	project := filepath.Join(parent, "projA")
	if err := os.MkdirAll(project, 0o755); err != nil {
		t.Fatal(err)
	}
	repo := initRepo(t, project)
	m := NewManager(repo, nil)
	ctx := context.Background()

	first, err := m.Provision(ctx, project, "tester")
	if err != nil {
		t.Fatalf("first Provision: %v", err)
	}
	second, err := m.Provision(ctx, project, "tester")
	if err != nil {
		t.Fatalf("second Provision: %v", err)
	}
	if second.Strategy != StrategyReuse {
		t.Errorf("strategy = %s, want reuse-existing", second.Strategy)
	}
	if second.Path != first.Path {
		t.Errorf("paths differ: %s vs %s", first.Path, second.Path)
	}
}

func TestProvisionDirtyWorktreeRefusedWithoutForce(t *testing.T) {
	requireGit(t)
	parent := t.TempDir()
	project := filepath.Join(parent, "projA")
	if err := os.MkdirAll(project, 0o755); err != nil {
		t.Fatal(err)
	}
	repo := initRepo(t, project)
	ctx := context.Background()

	m := NewManager(repo, nil, WithConfirm(func(string) bool { return false }))
	w, err := m.Provision(ctx, project, "developer")
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	// Dirty the worktree.
	if err := os.WriteFile(filepath.Join(w.Path, "scratch.txt"), []byte("wip"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := m.Provision(ctx, project, "developer"); err == nil {
		t.Fatal("dirty worktree replaced without force or confirmation")
	}

	forced := NewManager(repo, nil, WithForce(true))
	w2, err := forced.Provision(ctx, project, "developer")
	if err != nil {
		t.Fatalf("forced Provision: %v", err)
	}
	if _, err := os.Stat(filepath.Join(w2.Path, "scratch.txt")); err == nil {
		t.Error("dirty file survived forced replace")
	}
}

func TestTeardownRemovesWorktree(t *testing.T) {
	requireGit(t)
	parent := t.TempDir()
	project := filepath.Join(parent, "projA")
	if err := os.MkdirAll(project, 0o755); err != nil {
		t.Fatal(err)
	}
	repo := initRepo(t, project)
	m := NewManager(repo, nil)
	ctx := context.Background()

	w, err := m.Provision(ctx, project, "developer")
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if err := m.Teardown(ctx, w); err != nil {
		t.Fatalf("Teardown: %v", err)
	}
	if _, err := os.Stat(w.Path); !os.IsNotExist(err) {
		t.Errorf("worktree path still exists after teardown")
	}
}
