// Package automerge integrates completed projects: role branches are
// merged back onto the starting branch in a fixed order, the result is
// tagged, and the project session is cleaned up.
//
// A backup branch is cut before the first merge so any conflict restores
// the starting branch exactly; committed agent work always survives on
// the role branches either way.
package automerge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gofrs/flock"

	"github.com/xcawolfe-amzn/foreman/internal/git"
	"github.com/xcawolfe-amzn/foreman/internal/notify"
	"github.com/xcawolfe-amzn/foreman/internal/roles"
	"github.com/xcawolfe-amzn/foreman/internal/store"
	"github.com/xcawolfe-amzn/foreman/internal/worktree"
)

// ErrAlreadyRunning means another merge runner holds the singleton lock.
var ErrAlreadyRunning = errors.New("merge runner already running")

// Merge policy.
const (
	// Period is the runner cadence.
	Period = 5 * time.Minute
	// batchSize caps projects per cycle.
	batchSize = 5
	// perProjectBudget bounds one project's merge.
	perProjectBudget = 300 * time.Second
	// totalBudget bounds one whole cycle.
	totalBudget = 600 * time.Second
)

// cleaner retires the tmux session of a merged project. Satisfied by
// wrapup.Wrapper.
type cleaner interface {
	CleanupSession(p *store.Project)
}

// Merger is the auto-merge runner.
type Merger struct {
	store    *store.Store
	clean    cleaner
	notifier notify.Notifier
	logger   *log.Logger
	lockPath string

	now func() time.Time
}

// New creates a Merger.
func New(s *store.Store, clean cleaner, n notify.Notifier, logger *log.Logger, lockPath string) *Merger {
	return &Merger{
		store:    s,
		clean:    clean,
		notifier: n,
		logger:   logger,
		lockPath: lockPath,
		now:      time.Now,
	}
}

// Run merges on a fixed period until ctx is done.
func (m *Merger) Run(ctx context.Context) error {
	fl := flock.New(m.lockPath)
	locked, err := fl.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring merge lock: %w", err)
	}
	if !locked {
		return ErrAlreadyRunning
	}
	defer fl.Unlock()

	ticker := time.NewTicker(Period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.RunOnce(ctx)
		}
	}
}

// RunOnce merges one batch of completed projects.
func (m *Merger) RunOnce(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, totalBudget)
	defer cancel()

	projects, err := m.store.CompletedUnmerged(batchSize)
	if err != nil {
		m.logf("listing unmerged projects: %v", err)
		return
	}
	for _, p := range projects {
		if err := ctx.Err(); err != nil {
			m.logf("merge cycle budget exhausted: %v", err)
			return
		}
		m.mergeProject(ctx, p)
	}
}

// MergeProject merges one project immediately, outside the batch loop.
// Used by `fm merge --project`.
func (m *Merger) MergeProject(ctx context.Context, p *store.Project) error {
	ctx, cancel := context.WithTimeout(ctx, perProjectBudget)
	defer cancel()
	return m.merge(ctx, p)
}

func (m *Merger) mergeProject(ctx context.Context, p *store.Project) {
	ctx, cancel := context.WithTimeout(ctx, perProjectBudget)
	defer cancel()

	if err := m.merge(ctx, p); err != nil {
		m.logf("merging %s: %v", p.Name(), err)
		if serr := m.store.SetMergedStatus(p.ID, store.MergeFailed, err.Error()); serr != nil {
			m.logf("recording merge failure: %v", serr)
		}
		if m.notifier != nil {
			subject := fmt.Sprintf("auto-merge of %s failed", p.Name())
			body := fmt.Sprintf("Error: %v\nRole branches are untouched; resolve by hand and rerun `fm merge --project %d`.", err, p.ID)
			_ = m.notifier.Notify(notify.KindFailure, subject, body)
		}
	}
}

func (m *Merger) merge(ctx context.Context, p *store.Project) error {
	repo := git.Open(p.ProjectPath)
	if !repo.IsRepo(ctx) {
		return fmt.Errorf("%s is not a git repository", p.ProjectPath)
	}

	st, _ := m.store.SessionStateByProject(p.Name())
	starting := m.startingBranch(ctx, repo, st)
	if starting == "" {
		return fmt.Errorf("cannot determine starting branch for %s", p.Name())
	}
	if err := repo.Checkout(ctx, starting); err != nil {
		return fmt.Errorf("checking out %s: %w", starting, err)
	}

	stamp := m.now().UTC().Format("200601021504")
	// Forced: a retry within the same minute reuses the backup name.
	backup := fmt.Sprintf("backup-%s-%s", starting, stamp)
	if err := repo.ForceBranch(ctx, backup); err != nil {
		return fmt.Errorf("creating backup branch: %w", err)
	}

	merged := 0
	for _, role := range m.mergeOrder(st) {
		branch := worktree.BranchFor(starting, role)
		has, err := repo.HasBranch(ctx, branch)
		if err != nil {
			return err
		}
		if !has {
			m.logf("%s: no branch %s, skipping %s", p.Name(), branch, role)
			continue
		}
		n, err := repo.CommitCountSince(ctx, starting, branch)
		if err == nil && n == 0 {
			m.logf("%s: %s has no new commits, skipping", p.Name(), branch)
			continue
		}

		msg := fmt.Sprintf("Merge %s work from %s", role, branch)
		if err := repo.Merge(ctx, branch, msg); err != nil {
			_ = repo.AbortMerge(ctx)
			if rerr := repo.ResetHard(ctx, backup); rerr != nil {
				m.logf("%s: restore to %s failed: %v", p.Name(), backup, rerr)
			}
			return fmt.Errorf("merging %s: %w", branch, err)
		}
		merged++
	}

	tag := fmt.Sprintf("stable-%s-%s", p.Name(), stamp)
	if err := repo.Tag(ctx, tag, fmt.Sprintf("auto-merge of %d role branch(es)", merged)); err != nil {
		return fmt.Errorf("tagging %s: %w", tag, err)
	}

	// Best effort: the merge result is already durable locally, and many
	// projects have no remote at all.
	if repo.HasRemote(ctx, "origin") {
		if err := repo.Push(ctx, "origin", starting, tag); err != nil {
			m.logf("%s: pushing %s and %s to origin: %v", p.Name(), starting, tag, err)
		}
	}

	if err := m.store.SetMergedStatus(p.ID, store.MergeDone, ""); err != nil {
		return fmt.Errorf("recording merge: %w", err)
	}
	if m.clean != nil {
		m.clean.CleanupSession(p)
	}
	if m.notifier != nil {
		subject := fmt.Sprintf("project %s merged", p.Name())
		body := fmt.Sprintf("%d role branch(es) merged into %s, tagged %s.", merged, starting, tag)
		_ = m.notifier.Notify(notify.KindCompletion, subject, body)
	}
	m.logf("%s: merged %d branch(es) into %s, tagged %s", p.Name(), merged, starting, tag)
	return nil
}

// PlanEntry describes one branch the merge would process.
type PlanEntry struct {
	Role    string
	Branch  string
	Commits int
}

// Plan reports what MergeProject would do without touching the
// repository: the starting branch and each role branch with its pending
// commit count. Branches that do not exist are omitted.
func (m *Merger) Plan(ctx context.Context, p *store.Project) (string, []PlanEntry, error) {
	repo := git.Open(p.ProjectPath)
	if !repo.IsRepo(ctx) {
		return "", nil, fmt.Errorf("%s is not a git repository", p.ProjectPath)
	}
	st, _ := m.store.SessionStateByProject(p.Name())
	starting := m.startingBranch(ctx, repo, st)
	if starting == "" {
		return "", nil, fmt.Errorf("cannot determine starting branch for %s", p.Name())
	}

	var plan []PlanEntry
	for _, role := range m.mergeOrder(st) {
		branch := worktree.BranchFor(starting, role)
		if has, err := repo.HasBranch(ctx, branch); err != nil || !has {
			continue
		}
		n, err := repo.CommitCountSince(ctx, starting, branch)
		if err != nil {
			return "", nil, err
		}
		plan = append(plan, PlanEntry{Role: role, Branch: branch, Commits: n})
	}
	return starting, plan, nil
}

// startingBranch recovers the branch orchestration started from: the
// sentinel in any surviving role worktree first, the repository's current
// branch as a last resort.
func (m *Merger) startingBranch(ctx context.Context, repo *git.Repo, st *store.SessionState) string {
	if st != nil {
		for _, a := range st.Agents {
			if b := worktree.StartingBranch(a.WorktreePath); b != "" {
				return b
			}
		}
	}
	b, err := repo.CurrentBranch(ctx)
	if err != nil {
		return ""
	}
	return b
}

// mergeOrder lists role names in merge priority. Without session state the
// stock role order is assumed.
func (m *Merger) mergeOrder(st *store.SessionState) []string {
	var names []string
	if st != nil {
		for name := range st.Agents {
			if name == roles.Orchestrator {
				continue
			}
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		names = []string{roles.ProjectManager, roles.Developer, roles.Tester}
	}
	roles.SortForMerge(names)
	return names
}

func (m *Merger) logf(format string, args ...any) {
	if m.logger != nil {
		m.logger.Printf(format, args...)
	}
}
