package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/xcawolfe-amzn/foreman/internal/git"
	"github.com/xcawolfe-amzn/foreman/internal/queue"
	"github.com/xcawolfe-amzn/foreman/internal/store"
	"github.com/xcawolfe-amzn/foreman/internal/style"
)

var (
	runProject    string
	runNewProject bool
	runPlan       string
	runForce      bool
	runResume     bool
)

var runCmd = &cobra.Command{
	Use:   "run [spec.md ...]",
	Short: "Queue spec files and process the queue until empty",
	Long: `Run enqueues each spec file against the project repository and then
drains the queue: projects are provisioned one at a time, each getting a
tmux session, agent worktrees, and a briefed team. Multiple specs are
submitted as one batch.

With --resume no specs are enqueued; FAILED projects with retry budget
are requeued and the existing queue is drained.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runProject, "project", "", "project repository path")
	runCmd.Flags().BoolVar(&runNewProject, "new-project", false, "create and git-init the project path if missing")
	runCmd.Flags().StringVar(&runPlan, "plan", "", "subscription plan tier (pro, max5, max20, console)")
	runCmd.Flags().BoolVar(&runForce, "force", false, "replace dirty leftover worktrees without asking")
	runCmd.Flags().BoolVar(&runResume, "resume", false, "drain the existing queue without enqueueing")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	if runResume && len(args) > 0 {
		return usagef("--resume takes no spec arguments")
	}
	if !runResume && len(args) == 0 {
		return usagef("at least one spec file is required (or --resume)")
	}
	if !runResume && runProject == "" {
		return usagef("--project is required")
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()
	if runPlan != "" {
		a.cfg.Plan = runPlan
	}

	ctx := cmd.Context()
	if runResume {
		if err := resumeFailed(cmd, a); err != nil {
			return err
		}
	} else {
		if err := submitSpecs(ctx, a, args); err != nil {
			return err
		}
	}

	if err := a.queueRunner(runForce).Drain(ctx); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), style.Good.Render(style.GlyphOK)+" queue drained")
	return nil
}

// resumeFailed requeues FAILED projects that still have retry budget so
// the drain loop picks them up again. A session that survived teardown is
// killed first; provisioning builds a fresh one and replaces leftover
// worktrees.
func resumeFailed(cmd *cobra.Command, a *app) error {
	failed, err := a.store.ProjectsByStatus(store.StatusFailed)
	if err != nil {
		return err
	}
	for _, p := range failed {
		if p.Attempts+1 >= store.MaxAttempts {
			a.logger.Printf("%s: retry cap reached (%d attempts), not resuming",
				p.Name(), p.Attempts+1)
			continue
		}
		if p.MainSession != "" {
			if alive, _ := a.tm.HasSession(p.MainSession); alive {
				a.logger.Printf("%s: killing leftover session %s", p.Name(), p.MainSession)
				if err := a.tm.KillSession(p.MainSession); err != nil {
					a.logger.Printf("%s: %v", p.Name(), err)
				}
			}
		}
		if err := queue.Reset(a.store, p.ID); err != nil {
			a.logger.Printf("%s: requeue: %v", p.Name(), err)
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "requeued project %d (%s) for attempt %d\n",
			p.ID, p.Name(), p.Attempts+2)
	}
	return nil
}

func submitSpecs(ctx context.Context, a *app, specArgs []string) error {
	project, err := absPath(runProject)
	if err != nil {
		return err
	}
	if runNewProject {
		if err := ensureProject(ctx, project); err != nil {
			return err
		}
	}

	specs := make([]queue.Spec, 0, len(specArgs))
	for _, arg := range specArgs {
		spec, err := absPath(arg)
		if err != nil {
			return err
		}
		specs = append(specs, queue.Spec{SpecPath: spec, ProjectPath: project})
	}

	if len(specs) == 1 {
		p, err := queue.Submit(a.store, specs[0])
		if err != nil {
			return usagef("%v", err)
		}
		a.logger.Printf("queued project %d (%s)", p.ID, p.Name())
		return nil
	}

	batch, projects, err := queue.SubmitBatch(a.store, specs)
	if err != nil {
		return usagef("%v", err)
	}
	a.logger.Printf("queued %d projects as batch %s", len(projects), batch)
	return nil
}

// ensureProject creates and initializes the project repository when it does
// not exist yet. An existing directory is left alone.
func ensureProject(ctx context.Context, path string) error {
	if info, err := os.Stat(path); err == nil {
		if !info.IsDir() {
			return usagef("%s exists and is not a directory", path)
		}
		return nil
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("creating project: %w", err)
	}
	if _, err := git.Init(ctx, path); err != nil {
		return fmt.Errorf("initializing project repository: %w", err)
	}
	return nil
}
