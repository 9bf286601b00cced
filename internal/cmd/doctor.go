package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xcawolfe-amzn/foreman/internal/doctor"
	"github.com/xcawolfe-amzn/foreman/internal/style"
)

var doctorFix bool

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Diagnose the installation",
	Long: `Doctor checks the pieces Foreman depends on: required binaries, agent
CLI authentication, a crashed scheduler holding its lock, stuck
dispatches, and projects whose tmux session disappeared. With --fix the
repairable findings are fixed in place.`,
	RunE: doctorRun,
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorFix, "fix", false, "repair fixable findings")
	rootCmd.AddCommand(doctorCmd)
}

func doctorRun(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx := &doctor.CheckContext{
		Config: a.cfg,
		Store:  a.store,
		Tmux:   a.tm,
		Agent:  a.agentCLI(),
		Logger: a.logger,
	}
	sum := doctor.RunAll(ctx, doctor.All(), doctorFix)

	out := cmd.OutOrStdout()
	for _, res := range sum.Results {
		glyph := style.Good.Render(style.GlyphOK)
		switch res.Status {
		case doctor.StatusWarning:
			glyph = style.Warn.Render(style.GlyphWarn)
		case doctor.StatusError:
			glyph = style.Error.Render(style.GlyphStopped)
		}
		fmt.Fprintf(out, "%s %-22s %s\n", glyph, res.Name, res.Message)
		for _, d := range res.Details {
			fmt.Fprintf(out, "    %s\n", style.Dim.Render(d))
		}
		if res.FixHint != "" && res.Status != doctor.StatusOK {
			fmt.Fprintf(out, "    %s\n", style.Dim.Render("hint: "+res.FixHint))
		}
	}
	for _, name := range sum.Fixed {
		fmt.Fprintf(out, "%s fixed %s\n", style.Good.Render(style.GlyphOK), name)
	}

	if sum.Errors > 0 {
		return fmt.Errorf("%d check(s) failed", sum.Errors)
	}
	if sum.Warns > 0 {
		fmt.Fprintf(out, "%s %d warning(s)\n", style.Warn.Render(style.GlyphWarn), sum.Warns)
	}
	return nil
}
