package cmd

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/xcawolfe-amzn/foreman/internal/scheduler"
	"github.com/xcawolfe-amzn/foreman/internal/style"
)

var (
	schedAddSession  string
	schedAddRole     string
	schedAddWindow   int
	schedAddInterval int
	schedAddNote     string
	schedAddOneShot  bool
	schedOnce        bool
)

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run the check-in dispatch loop",
	Long: `Scheduler delivers due check-in messages to agent panes. Only one
scheduler may run per installation; a lockfile plus heartbeat enforces
that. With --once a single dispatch pass runs and the command exits.`,
	RunE: schedulerRun,
}

var schedulerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scheduled tasks",
	RunE:  schedulerList,
}

var schedulerAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Schedule a recurring check-in for an agent pane",
	RunE:  schedulerAdd,
}

var schedulerRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove a scheduled task",
	Args:  cobra.ExactArgs(1),
	RunE:  schedulerRemove,
}

func init() {
	schedulerCmd.Flags().BoolVar(&schedOnce, "once", false, "run one dispatch pass and exit")
	schedulerAddCmd.Flags().StringVar(&schedAddSession, "session", "", "tmux session name")
	schedulerAddCmd.Flags().StringVar(&schedAddRole, "role", "", "agent role")
	schedulerAddCmd.Flags().IntVar(&schedAddWindow, "window", 0, "tmux window index")
	schedulerAddCmd.Flags().IntVar(&schedAddInterval, "interval", 20, "minutes between check-ins")
	schedulerAddCmd.Flags().StringVar(&schedAddNote, "note", "", "instruction included in the check-in")
	schedulerAddCmd.Flags().BoolVar(&schedAddOneShot, "one-shot", false, "remove the task after one delivery")
	schedulerCmd.AddCommand(schedulerListCmd, schedulerAddCmd, schedulerRemoveCmd)
	rootCmd.AddCommand(schedulerCmd)
}

func schedulerRun(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	if !schedOnce {
		defer a.daemonize("scheduler")()
	}
	s := scheduler.New(a.store, a.msg, a.notifier, a.logger,
		a.cfg.SchedulerLockPath(), a.cfg.SchedulerHeartbeatPath())

	if schedOnce {
		s.DispatchDue()
		return nil
	}
	a.logger.Printf("scheduler starting")
	return s.Run(cmd.Context())
}

func schedulerList(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	tasks, err := a.store.ListTasks()
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), style.Dim.Render("no scheduled tasks"))
		return nil
	}

	table := style.NewTable(
		style.Column{Name: "ID", Width: 4, Right: true},
		style.Column{Name: "SESSION", Width: 20},
		style.Column{Name: "ROLE", Width: 16},
		style.Column{Name: "WIN", Width: 3, Right: true},
		style.Column{Name: "EVERY", Width: 5, Right: true},
		style.Column{Name: "NEXT", Width: 8},
		style.Column{Name: "SENT", Width: 4, Right: true},
		style.Column{Name: "NOTE", Width: 40},
	)
	for _, t := range tasks {
		next := time.Unix(t.NextRunEpoch, 0)
		due := next.Format("15:04:05")
		if !next.After(time.Now()) {
			due = style.Warn.Render("due")
		}
		every := fmt.Sprintf("%dm", t.IntervalMinutes)
		if t.OneShot {
			every = "once"
		}
		table.AddRow(
			strconv.FormatInt(t.ID, 10),
			t.SessionName,
			t.Role,
			strconv.Itoa(t.WindowIndex),
			every,
			due,
			strconv.Itoa(t.DispatchCount),
			t.Note,
		)
	}
	fmt.Fprint(cmd.OutOrStdout(), table.Render())
	return nil
}

func schedulerAdd(cmd *cobra.Command, args []string) error {
	if schedAddSession == "" || schedAddRole == "" {
		return usagef("--session and --role are required")
	}
	if schedAddInterval <= 0 {
		return usagef("--interval must be positive")
	}
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	t, created, err := a.store.UpsertTask(schedAddSession, schedAddRole,
		schedAddWindow, schedAddInterval, schedAddNote, schedAddOneShot)
	if err != nil {
		return err
	}
	verb := "updated"
	if created {
		verb = "scheduled"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s task %d: %s:%d every %dm\n",
		verb, t.ID, t.SessionName, t.WindowIndex, t.IntervalMinutes)
	return nil
}

func schedulerRemove(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		return usagef("invalid task id %q", args[0])
	}
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.store.RemoveTask(id); err != nil {
		return usagef("removing task %d: %v", id, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "task %d removed\n", id)
	return nil
}
