// Package worktree provisions isolated git worktrees for agent roles.
//
// Each agent gets its own working copy and branch so concurrent edits
// never collide. Provisioning walks a ladder of strategies and falls back
// to a detached worktree only when no branch can be created.
package worktree

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/term"

	"github.com/xcawolfe-amzn/foreman/internal/git"
)

// StartingBranchFile records the branch the project was on when
// orchestration began. Merges return to this branch, never to whatever
// the default branch happens to be.
const StartingBranchFile = "STARTING_BRANCH"

// CompletedMarkerFile is written by agents at the primary worktree root
// when the project is done.
const CompletedMarkerFile = "COMPLETED"

// ErrDirtyWorktree means a leftover worktree has uncommitted changes and
// neither --force nor an interactive confirmation allowed replacing it.
var ErrDirtyWorktree = errors.New("existing worktree is dirty")

// Strategy identifies how a worktree was provisioned.
type Strategy string

const (
	StrategyNewBranch   Strategy = "new-branch"
	StrategyForceBranch Strategy = "force-branch"
	StrategyReuse       Strategy = "reuse-existing"
	StrategyDetached    Strategy = "detached"
)

// Worktree is one provisioned agent working copy.
type Worktree struct {
	Role     string
	Path     string
	Branch   string // empty for detached worktrees
	Base     string // branch the worktree was cut from
	Strategy Strategy
}

// Manager provisions and tears down agent worktrees for one project.
type Manager struct {
	repo    *git.Repo
	logger  *log.Logger
	force   bool
	confirm func(prompt string) bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithForce replaces dirty leftover worktrees without asking.
func WithForce(force bool) Option {
	return func(m *Manager) { m.force = force }
}

// WithConfirm overrides the interactive prompt. Tests only.
func WithConfirm(fn func(prompt string) bool) Option {
	return func(m *Manager) { m.confirm = fn }
}

// NewManager creates a Manager over the project repository.
func NewManager(repo *git.Repo, logger *log.Logger, opts ...Option) *Manager {
	m := &Manager{repo: repo, logger: logger, confirm: ttyConfirm}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Root returns the worktree container directory, a sibling of the project.
func Root(projectPath string) string {
	clean := strings.TrimRight(projectPath, "/")
	return clean + "-tmux-worktrees"
}

// PathFor places one role's worktree under the container directory.
func PathFor(projectPath, role string) string {
	return filepath.Join(Root(projectPath), role)
}

// BranchFor names the role branch off the starting branch.
func BranchFor(startingBranch, role string) string {
	return startingBranch + "-" + role
}

// Provision sets up a working copy for one role, walking the strategy
// ladder:
//
//  1. New worktree on a fresh branch {starting_branch}-{role}.
//  2. Branch already exists somewhere: retry with force, resetting it.
//  3. A worktree for the role already exists: reuse it when clean;
//     replace it when dirty only under --force or explicit confirmation.
//  4. Detached worktree at the current commit.
//
// The STARTING_BRANCH sentinel is written into the worktree so the merge
// base survives even if the store is lost.
func (m *Manager) Provision(ctx context.Context, projectPath, role string) (*Worktree, error) {
	base, err := m.repo.CurrentBranch(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading starting branch: %w", err)
	}

	branch := BranchFor(base, role)
	path := PathFor(projectPath, role)
	if err := os.MkdirAll(Root(projectPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating worktree root: %w", err)
	}

	// 3 runs first when a directory is already present; the git commands
	// below would fail on a non-empty path anyway.
	if _, statErr := os.Stat(path); statErr == nil {
		w, err := m.reuseOrReplace(ctx, path, branch, base, role)
		if err == nil && w != nil {
			return w, nil
		}
		if err != nil {
			return nil, err
		}
	}

	if err := m.repo.AddWorktree(ctx, path, branch); err == nil {
		return m.finish(role, path, branch, base, StrategyNewBranch)
	} else {
		m.logf("worktree %s: new branch %s failed: %v", role, branch, err)
	}

	if err := m.repo.AddWorktreeForce(ctx, path, branch); err == nil {
		return m.finish(role, path, branch, base, StrategyForceBranch)
	} else {
		m.logf("worktree %s: force branch %s failed: %v", role, branch, err)
	}

	if err := m.repo.AddWorktreeDetached(ctx, path); err == nil {
		return m.finish(role, path, "", base, StrategyDetached)
	} else {
		m.logf("worktree %s: detached fallback failed: %v", role, err)
		return nil, fmt.Errorf("all worktree strategies failed for role %s: %w", role, err)
	}
}

// reuseOrReplace handles a pre-existing worktree directory. Returns
// (nil, nil) when the directory was cleared and the ladder should proceed.
func (m *Manager) reuseOrReplace(ctx context.Context, path, branch, base, role string) (*Worktree, error) {
	existing := git.Open(path)
	if clean, err := existing.IsClean(ctx); err == nil && clean {
		m.logf("worktree %s: reusing clean existing worktree at %s", role, path)
		return m.finish(role, path, branch, base, StrategyReuse)
	}

	if !m.force {
		prompt := fmt.Sprintf("worktree %s has uncommitted changes; replace it?", path)
		if !m.confirm(prompt) {
			return nil, fmt.Errorf("%w: %s (use --force to replace)", ErrDirtyWorktree, path)
		}
	}
	m.logf("worktree %s: replacing dirty worktree at %s", role, path)
	if err := m.repo.RemoveWorktree(ctx, path, true); err != nil {
		_ = os.RemoveAll(path)
	}
	_ = m.repo.PruneWorktrees(ctx)
	return nil, nil
}

func (m *Manager) finish(role, path, branch, base string, strategy Strategy) (*Worktree, error) {
	sentinel := filepath.Join(path, StartingBranchFile)
	if err := os.WriteFile(sentinel, []byte(base+"\n"), 0o644); err != nil {
		m.logf("writing %s for %s: %v", StartingBranchFile, role, err)
	}
	return &Worktree{
		Role: role, Path: path, Branch: branch, Base: base, Strategy: strategy,
	}, nil
}

// StartingBranch reads the sentinel from a worktree, empty when missing.
func StartingBranch(worktreePath string) string {
	data, err := os.ReadFile(filepath.Join(worktreePath, StartingBranchFile))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// HasCompletedMarker reports whether the COMPLETED marker file exists at
// the worktree root.
func HasCompletedMarker(worktreePath string) bool {
	_, err := os.Stat(filepath.Join(worktreePath, CompletedMarkerFile))
	return err == nil
}

// Teardown removes one worktree. Local changes are discarded; committed
// work lives on the role branch.
func (m *Manager) Teardown(ctx context.Context, w *Worktree) error {
	if w == nil {
		return nil
	}
	if err := m.repo.RemoveWorktree(ctx, w.Path, true); err != nil {
		// Directory may already be gone; prune the metadata either way.
		m.logf("removing worktree %s: %v", w.Path, err)
	}
	return m.repo.PruneWorktrees(ctx)
}

// TeardownAll removes every provisioned worktree for the project, keeping
// going past individual failures.
func (m *Manager) TeardownAll(ctx context.Context, trees []*Worktree) error {
	var firstErr error
	for _, w := range trees {
		if err := m.Teardown(ctx, w); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Factory provisions worktrees across projects, opening a Manager per
// repository. The queue hands projects with different repositories to one
// provisioner, so the repo binding cannot happen at construction time.
type Factory struct {
	logger *log.Logger
	opts   []Option
}

// NewFactory creates a Factory; opts are applied to every Manager it opens.
func NewFactory(logger *log.Logger, opts ...Option) *Factory {
	return &Factory{logger: logger, opts: opts}
}

func (f *Factory) manager(projectPath string) *Manager {
	return NewManager(git.Open(projectPath), f.logger, f.opts...)
}

// Provision sets up one role's worktree for the given project.
func (f *Factory) Provision(ctx context.Context, projectPath, role string) (*Worktree, error) {
	return f.manager(projectPath).Provision(ctx, projectPath, role)
}

// TeardownAll removes provisioned worktrees, recovering each project path
// from the worktree layout.
func (f *Factory) TeardownAll(ctx context.Context, trees []*Worktree) error {
	var firstErr error
	for _, w := range trees {
		project := strings.TrimSuffix(filepath.Dir(w.Path), "-tmux-worktrees")
		if err := f.manager(project).Teardown(ctx, w); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func ttyConfirm(prompt string) bool {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return false
	}
	fmt.Fprintf(os.Stderr, "%s [y/N] ", prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func (m *Manager) logf(format string, args ...any) {
	if m.logger != nil {
		m.logger.Printf(format, args...)
	}
}
