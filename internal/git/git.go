// Package git wraps the git CLI for worktree and merge operations.
package git

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xcawolfe-amzn/foreman/internal/execx"
)

// Common errors
var (
	ErrNotARepo      = errors.New("not a git repository")
	ErrMergeConflict = errors.New("merge conflict")
	ErrDirtyTree     = errors.New("working tree has uncommitted changes")
)

// Repo runs git commands against one repository.
type Repo struct {
	dir    string
	runner *execx.Runner
}

// Open returns a Repo rooted at dir. The directory is not validated until
// the first command runs.
func Open(dir string) *Repo {
	return &Repo{
		dir:    dir,
		runner: &execx.Runner{Dir: dir, Timeout: 2 * time.Minute},
	}
}

// Dir returns the repository root this Repo operates on.
func (r *Repo) Dir() string { return r.dir }

func (r *Repo) git(ctx context.Context, args ...string) (string, error) {
	out, err := r.runner.Run(ctx, "git", args...)
	if err != nil {
		var xe *execx.Error
		if errors.As(err, &xe) {
			if strings.Contains(xe.Stderr, "not a git repository") {
				return "", fmt.Errorf("%w: %s", ErrNotARepo, r.dir)
			}
			if strings.Contains(xe.Stderr, "CONFLICT") ||
				strings.Contains(xe.Stderr, "Automatic merge failed") {
				return out, ErrMergeConflict
			}
		}
		return out, err
	}
	return out, nil
}

// IsRepo reports whether dir is inside a git work tree.
func (r *Repo) IsRepo(ctx context.Context) bool {
	out, err := r.git(ctx, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// CurrentBranch returns the checked-out branch name.
func (r *Repo) CurrentBranch(ctx context.Context) (string, error) {
	return r.git(ctx, "rev-parse", "--abbrev-ref", "HEAD")
}

// HasBranch reports whether a local branch exists.
func (r *Repo) HasBranch(ctx context.Context, name string) (bool, error) {
	_, err := r.git(ctx, "show-ref", "--verify", "--quiet", "refs/heads/"+name)
	if err != nil {
		var xe *execx.Error
		if errors.As(err, &xe) && xe.ExitCode == 1 {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// CreateBranch creates a branch at the current HEAD.
func (r *Repo) CreateBranch(ctx context.Context, name string) error {
	_, err := r.git(ctx, "branch", name)
	return err
}

// ForceBranch creates or moves a branch to the current HEAD.
func (r *Repo) ForceBranch(ctx context.Context, name string) error {
	_, err := r.git(ctx, "branch", "-f", name)
	return err
}

// Checkout switches the work tree to a branch.
func (r *Repo) Checkout(ctx context.Context, branch string) error {
	_, err := r.git(ctx, "checkout", branch)
	return err
}

// IsClean reports whether the work tree has no uncommitted changes.
func (r *Repo) IsClean(ctx context.Context) (bool, error) {
	out, err := r.git(ctx, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out == "", nil
}

// AddWorktree creates a linked worktree at path on a new branch.
func (r *Repo) AddWorktree(ctx context.Context, path, branch string) error {
	_, err := r.git(ctx, "worktree", "add", "-b", branch, path)
	return err
}

// AddWorktreeExisting creates a linked worktree at path on an existing branch.
func (r *Repo) AddWorktreeExisting(ctx context.Context, path, branch string) error {
	_, err := r.git(ctx, "worktree", "add", path, branch)
	return err
}

// AddWorktreeForce creates a worktree at path, resetting the branch to the
// current HEAD even if it exists or is checked out elsewhere.
func (r *Repo) AddWorktreeForce(ctx context.Context, path, branch string) error {
	_, err := r.git(ctx, "worktree", "add", "--force", "-B", branch, path)
	return err
}

// AddWorktreeDetached creates a worktree at path detached at the current
// commit. Last-resort isolation when no branch can be created.
func (r *Repo) AddWorktreeDetached(ctx context.Context, path string) error {
	_, err := r.git(ctx, "worktree", "add", "--detach", path)
	return err
}

// RemoveWorktree removes a linked worktree. Force discards local changes.
func (r *Repo) RemoveWorktree(ctx context.Context, path string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, path)
	_, err := r.git(ctx, args...)
	return err
}

// ListWorktrees returns the paths of all linked worktrees, main first.
func (r *Repo) ListWorktrees(ctx context.Context) ([]string, error) {
	out, err := r.git(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if rest, ok := strings.CutPrefix(line, "worktree "); ok {
			paths = append(paths, rest)
		}
	}
	return paths, nil
}

// PruneWorktrees cleans up worktree metadata for deleted directories.
func (r *Repo) PruneWorktrees(ctx context.Context) error {
	_, err := r.git(ctx, "worktree", "prune")
	return err
}

// Merge merges a branch into the current one with a merge commit.
// Conflicts surface as ErrMergeConflict with the merge left in progress.
func (r *Repo) Merge(ctx context.Context, branch, message string) error {
	_, err := r.git(ctx, "merge", "--no-ff", "-m", message, branch)
	return err
}

// AbortMerge rolls back an in-progress merge.
func (r *Repo) AbortMerge(ctx context.Context) error {
	_, err := r.git(ctx, "merge", "--abort")
	return err
}

// ResetHard moves the current branch to ref, discarding local changes.
func (r *Repo) ResetHard(ctx context.Context, ref string) error {
	_, err := r.git(ctx, "reset", "--hard", ref)
	return err
}

// Tag creates an annotated tag at HEAD.
func (r *Repo) Tag(ctx context.Context, name, message string) error {
	_, err := r.git(ctx, "tag", "-a", name, "-m", message)
	return err
}

// Commit stages everything and commits. Nothing to commit is not an error.
func (r *Repo) Commit(ctx context.Context, message string) error {
	if _, err := r.git(ctx, "add", "-A"); err != nil {
		return err
	}
	_, err := r.git(ctx, "commit", "-m", message)
	if err != nil {
		var xe *execx.Error
		if errors.As(err, &xe) && strings.Contains(xe.Stderr+xe.Error(), "nothing to commit") {
			return nil
		}
		// git prints "nothing to commit" on stdout with exit 1
		if strings.Contains(err.Error(), "nothing to commit") {
			return nil
		}
	}
	return err
}

// Log returns the subjects of the last n commits on the current branch.
func (r *Repo) Log(ctx context.Context, n int) ([]string, error) {
	out, err := r.git(ctx, "log", fmt.Sprintf("-%d", n), "--pretty=format:%s")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// CommitCountSince counts commits on branch that are not on base.
func (r *Repo) CommitCountSince(ctx context.Context, base, branch string) (int, error) {
	out, err := r.git(ctx, "rev-list", "--count", base+".."+branch)
	if err != nil {
		return 0, err
	}
	var n int
	if _, err := fmt.Sscanf(out, "%d", &n); err != nil {
		return 0, fmt.Errorf("parsing rev-list count %q: %w", out, err)
	}
	return n, nil
}

// HasRemote reports whether the named remote is configured.
func (r *Repo) HasRemote(ctx context.Context, name string) bool {
	_, err := r.git(ctx, "remote", "get-url", name)
	return err == nil
}

// Push sends the given refs to a remote.
func (r *Repo) Push(ctx context.Context, remote string, refs ...string) error {
	args := append([]string{"push", remote}, refs...)
	_, err := r.git(ctx, args...)
	return err
}

// Init creates a repository at dir with an initial commit so worktrees
// and branches have a base to hang off.
func Init(ctx context.Context, dir string) (*Repo, error) {
	r := Open(dir)
	if _, err := r.git(ctx, "init"); err != nil {
		return nil, err
	}
	if _, err := r.git(ctx, "commit", "--allow-empty", "-m", "initial"); err != nil {
		return nil, err
	}
	return r, nil
}
