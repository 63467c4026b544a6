package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/nhle/inbox-triage/internal/app"
	"github.com/nhle/inbox-triage/internal/pipeline"
	"github.com/nhle/inbox-triage/internal/theme"
)

var runFlags struct {
	mode   string
	dryRun bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one pipeline invocation",
	Long: `Scans the mailbox (or resumes a suspended run), classifies the new threads,
labels them and dispatches replies. A run that nears its time budget saves its
progress and reports when it should be resumed.`,
	RunE: runRun,
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runFlags.mode, "mode", string(pipeline.ModeAuto), "auto, fresh or resume")
	f.BoolVar(&runFlags.dryRun, "dry-run", false, "Classify and compose without touching the mailbox or saved state")
}

func runRun(cmd *cobra.Command, _ []string) error {
	req := pipeline.RunRequest{Mode: pipeline.Mode(runFlags.mode), DryRun: runFlags.dryRun}
	if err := req.Validate(); err != nil {
		return err
	}

	a, err := app.New(cmd.Context(), cfg, app.Options{})
	if err != nil {
		return err
	}
	defer a.Close()

	out, err := a.Run(cmd.Context(), req)
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}
	printOutcome(cmd.OutOrStdout(), out)
	return nil
}

func printOutcome(w io.Writer, out pipeline.Outcome) {
	fmt.Fprintln(w, theme.HeaderStyle.Render("Run "+out.RunID))
	fmt.Fprintln(w, theme.Row("status", theme.StatusStyle(string(out.Status)).Render(string(out.Status))))
	if out.Status == pipeline.StatusIdle {
		fmt.Fprintln(w, theme.HelpStyle.Render("Nothing to resume."))
		return
	}
	fmt.Fprintln(w, theme.Row("scan", out.ScanType))
	fmt.Fprintln(w, theme.Row("invocation", fmt.Sprint(out.Invocations)))
	printSummary(w, out.Summary)
	if out.Status == pipeline.StatusSuspended {
		fmt.Fprintln(w, theme.Row("remaining", fmt.Sprint(out.Remaining)))
		if !out.NextRunAt.IsZero() {
			fmt.Fprintln(w, theme.Row("resume at", out.NextRunAt.Local().Format(time.DateTime)))
		}
		fmt.Fprintln(w, theme.HelpStyle.Render("Run 'inboxtriage run' again to continue."))
	}
}
