package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xcawolfe-amzn/foreman/internal/automerge"
	"github.com/xcawolfe-amzn/foreman/internal/store"
	"github.com/xcawolfe-amzn/foreman/internal/style"
)

var (
	mergeProjectID int64
	mergeDaemon    bool
	mergeDryRun    bool
)

var mergeCmd = &cobra.Command{
	Use:   "merge",
	Short: "Integrate completed role branches back into the starting branch",
	Long: `Merge processes completed projects awaiting integration: each role
branch with commits is merged into the branch the project started on, a
stable tag is cut, and the agent session is cleaned up. A failed merge
restores the starting branch from a backup branch and leaves the role
branches for manual resolution.

With --project one project is merged immediately, including retries of a
MERGE_FAILED project after the conflict is resolved. With --daemon the
merge loop runs until interrupted.`,
	RunE: mergeRun,
}

func init() {
	mergeCmd.Flags().Int64Var(&mergeProjectID, "project", 0, "merge one project by id")
	mergeCmd.Flags().BoolVar(&mergeDaemon, "daemon", false, "keep running on a timer")
	mergeCmd.Flags().BoolVar(&mergeDryRun, "dry-run", false, "show what would merge without merging")
	rootCmd.AddCommand(mergeCmd)
}

func mergeRun(cmd *cobra.Command, args []string) error {
	if mergeDaemon && mergeProjectID != 0 {
		return usagef("--daemon and --project are mutually exclusive")
	}
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	if mergeDaemon {
		defer a.daemonize("automerge")()
	}
	m := automerge.New(a.store, a.wrapper(), a.notifier, a.logger, a.cfg.MergeLockPath())

	ctx := cmd.Context()
	if mergeProjectID != 0 {
		p, err := a.project(mergeProjectID)
		if err != nil {
			return err
		}
		if p.Status != store.StatusCompleted {
			return usagef("project %d is %s, not COMPLETED", p.ID, p.Status)
		}
		if mergeDryRun {
			return mergePlan(cmd, m, p)
		}
		// A retry starts from PENDING_MERGE regardless of the last outcome.
		if p.MergedStatus != store.MergePending {
			if err := a.store.SetMergedStatus(p.ID, store.MergePending, ""); err != nil {
				return err
			}
			p, _ = a.store.Project(p.ID)
		}
		if err := m.MergeProject(ctx, p); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s project %d merged\n",
			style.Good.Render(style.GlyphOK), p.ID)
		return nil
	}

	if mergeDryRun {
		return usagef("--dry-run requires --project")
	}
	if mergeDaemon {
		a.logger.Printf("merge runner starting")
		return m.Run(ctx)
	}

	m.RunOnce(ctx)
	return nil
}

func mergePlan(cmd *cobra.Command, m *automerge.Merger, p *store.Project) error {
	starting, plan, err := m.Plan(cmd.Context(), p)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "would merge into %s:\n", style.Bold.Render(starting))
	if len(plan) == 0 {
		fmt.Fprintln(out, style.Dim.Render("  no role branches found"))
		return nil
	}
	for _, e := range plan {
		note := fmt.Sprintf("%d commit(s)", e.Commits)
		if e.Commits == 0 {
			note = style.Dim.Render("no new work, would skip")
		}
		fmt.Fprintf(out, "  %-16s %-28s %s\n", e.Role, e.Branch, note)
	}
	return nil
}
