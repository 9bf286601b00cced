package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/xcawolfe-amzn/foreman/internal/queue"
	"github.com/xcawolfe-amzn/foreman/internal/store"
	"github.com/xcawolfe-amzn/foreman/internal/style"
)

var queueAddProject string

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the project queue",
	RunE:  queueList,
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all projects and their status",
	RunE:  queueList,
}

var queueAddCmd = &cobra.Command{
	Use:   "add <spec.md> --project <path>",
	Short: "Enqueue a spec without processing it",
	Args:  cobra.ExactArgs(1),
	RunE:  queueAdd,
}

var queueStatusCmd = &cobra.Command{
	Use:   "status <id>",
	Short: "Show one project in detail",
	Args:  cobra.ExactArgs(1),
	RunE:  queueStatus,
}

var queueResetCmd = &cobra.Command{
	Use:   "reset <id>",
	Short: "Requeue a failed project",
	Args:  cobra.ExactArgs(1),
	RunE:  queueReset,
}

var queueRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Delete a project from the queue",
	Args:  cobra.ExactArgs(1),
	RunE:  queueRemove,
}

func init() {
	queueAddCmd.Flags().StringVar(&queueAddProject, "project", "", "project repository path")
	queueCmd.AddCommand(queueListCmd, queueAddCmd, queueStatusCmd, queueResetCmd, queueRemoveCmd)
	rootCmd.AddCommand(queueCmd)
}

func parseProjectID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, usagef("invalid project id %q", arg)
	}
	return id, nil
}

func queueList(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	projects, err := a.store.AllProjects()
	if err != nil {
		return err
	}
	if len(projects) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), style.Dim.Render("queue is empty"))
		return nil
	}

	table := style.NewTable(
		style.Column{Name: "ID", Width: 4, Right: true},
		style.Column{Name: "STATUS", Width: 14},
		style.Column{Name: "MERGE", Width: 13},
		style.Column{Name: "ATT", Width: 3, Right: true},
		style.Column{Name: "AGE", Width: 6, Right: true},
		style.Column{Name: "PROJECT", Width: 16},
		style.Column{Name: "SPEC", Width: 44},
	)
	for _, p := range projects {
		merge := string(p.MergedStatus)
		if merge == "" {
			merge = "-"
		}
		table.AddRow(
			strconv.FormatInt(p.ID, 10),
			statusGlyph(p.Status)+" "+string(p.Status),
			merge,
			strconv.Itoa(p.Attempts),
			ago(&p.EnqueuedAt),
			p.Name(),
			p.SpecPath,
		)
	}
	fmt.Fprint(cmd.OutOrStdout(), table.Render())
	return nil
}

func statusGlyph(s store.ProjectStatus) string {
	switch s {
	case store.StatusProcessing:
		return style.Good.Render(style.GlyphRunning)
	case store.StatusCompleted:
		return style.Good.Render(style.GlyphOK)
	case store.StatusFailed, store.StatusZombie:
		return style.Error.Render(style.GlyphStopped)
	case store.StatusTimingOut:
		return style.Warn.Render(style.GlyphWarn)
	default:
		return style.Dim.Render(style.GlyphStopped)
	}
}

func queueAdd(cmd *cobra.Command, args []string) error {
	if queueAddProject == "" {
		return usagef("--project is required")
	}
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	spec, err := absPath(args[0])
	if err != nil {
		return err
	}
	project, err := absPath(queueAddProject)
	if err != nil {
		return err
	}
	p, err := queue.Submit(a.store, queue.Spec{SpecPath: spec, ProjectPath: project})
	if err != nil {
		return usagef("%v", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "queued project %d (%s)\n", p.ID, p.Name())
	return nil
}

func queueStatus(cmd *cobra.Command, args []string) error {
	id, err := parseProjectID(args[0])
	if err != nil {
		return err
	}
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	p, err := a.project(id)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s %s\n", style.Bold.Render(p.Name()), statusGlyph(p.Status)+" "+string(p.Status))
	fmt.Fprintf(out, "  spec:      %s\n", p.SpecPath)
	fmt.Fprintf(out, "  project:   %s\n", p.ProjectPath)
	fmt.Fprintf(out, "  enqueued:  %s ago\n", ago(&p.EnqueuedAt))
	if p.StartedAt != nil {
		fmt.Fprintf(out, "  started:   %s ago\n", ago(p.StartedAt))
	}
	if p.CompletedAt != nil {
		fmt.Fprintf(out, "  completed: %s ago\n", ago(p.CompletedAt))
	}
	if p.MainSession != "" {
		fmt.Fprintf(out, "  session:   %s\n", p.MainSession)
	}
	if p.Attempts > 0 {
		fmt.Fprintf(out, "  attempts:  %d\n", p.Attempts)
	}
	if p.BatchID != "" {
		fmt.Fprintf(out, "  batch:     %s\n", p.BatchID)
	}
	if p.MergedStatus != "" {
		fmt.Fprintf(out, "  merge:     %s\n", p.MergedStatus)
	}
	if p.ErrorMessage != "" {
		fmt.Fprintf(out, "  error:     %s\n", style.Error.Render(p.ErrorMessage))
	}
	if p.FailedComponents != "" {
		fmt.Fprintf(out, "  failed:    %s\n", p.FailedComponents)
	}

	if p.MainSession != "" {
		if health, err := a.store.LatestHealth(p.ID); err == nil && len(health) > 0 {
			fmt.Fprintln(out, "  agents:")
			for _, h := range health {
				glyph := style.Good.Render(style.GlyphRunning)
				if !h.AgentPresent {
					glyph = style.Error.Render(style.GlyphStopped)
				}
				extra := ""
				if h.RecoveryAttempts > 0 {
					extra = fmt.Sprintf("  recoveries %d", h.RecoveryAttempts)
				}
				fmt.Fprintf(out, "    %s %-16s window %d  checked %s ago%s\n",
					glyph, h.Role, h.WindowIndex, ago(&h.CheckedAt), extra)
			}
		}
	}
	return nil
}

func queueReset(cmd *cobra.Command, args []string) error {
	id, err := parseProjectID(args[0])
	if err != nil {
		return err
	}
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	if err := queue.Reset(a.store, id); err != nil {
		return usagef("resetting project %d: %v", id, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "project %d requeued\n", id)
	return nil
}

func queueRemove(cmd *cobra.Command, args []string) error {
	id, err := parseProjectID(args[0])
	if err != nil {
		return err
	}
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.store.RemoveProject(id); err != nil {
		return usagef("removing project %d: %v", id, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "project %d removed\n", id)
	return nil
}
