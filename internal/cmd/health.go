package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/xcawolfe-amzn/foreman/internal/store"
	"github.com/xcawolfe-amzn/foreman/internal/style"
)

var healthSweep bool

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show agent health, or run the monitor",
	Long: `Health lists the latest per-agent snapshot for every active project.
With --sweep the health monitor runs until interrupted: phantom sessions
are detected and failed, lost sessions rediscovered, dead agents
recovered, and stale projects timed out when the queue has pressure.`,
	RunE: healthRun,
}

func init() {
	healthCmd.Flags().BoolVar(&healthSweep, "sweep", false, "run the monitor loop")
	rootCmd.AddCommand(healthCmd)
}

func healthRun(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	if healthSweep {
		defer a.daemonize("health")()
		a.logger.Printf("health monitor starting (grace %s, observe-only %v)",
			a.cfg.PhantomGrace, a.cfg.DisableReconciliation)
		return a.monitor().Run(cmd.Context())
	}
	return healthStatus(cmd, a)
}

func healthStatus(cmd *cobra.Command, a *app) error {
	active, err := a.store.ProjectsByStatus(store.StatusProcessing)
	if err != nil {
		return err
	}
	for _, s := range []store.ProjectStatus{store.StatusTimingOut, store.StatusZombie} {
		more, err := a.store.ProjectsByStatus(s)
		if err != nil {
			return err
		}
		active = append(active, more...)
	}
	if len(active) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), style.Dim.Render("no active projects"))
		return nil
	}

	table := style.NewTable(
		style.Column{Name: "PROJECT", Width: 16},
		style.Column{Name: "STATUS", Width: 12},
		style.Column{Name: "SESSION", Width: 20},
		style.Column{Name: "AGENT", Width: 18},
		style.Column{Name: "WIN", Width: 3, Right: true},
		style.Column{Name: "CHECKED", Width: 7, Right: true},
		style.Column{Name: "REC", Width: 3, Right: true},
	)
	for _, p := range active {
		snaps, err := a.store.LatestHealth(p.ID)
		if err != nil {
			return err
		}
		if len(snaps) == 0 {
			table.AddRow(p.Name(), string(p.Status), p.MainSession,
				style.Dim.Render("no snapshots"))
			continue
		}
		for _, h := range snaps {
			glyph := style.Good.Render(style.GlyphRunning)
			if !h.AgentPresent {
				glyph = style.Error.Render(style.GlyphStopped)
			}
			table.AddRow(p.Name(), string(p.Status), p.MainSession,
				glyph+" "+h.Role, strconv.Itoa(h.WindowIndex),
				ago(&h.CheckedAt), strconv.Itoa(h.RecoveryAttempts))
		}
	}
	fmt.Fprint(cmd.OutOrStdout(), table.Render())
	return nil
}
