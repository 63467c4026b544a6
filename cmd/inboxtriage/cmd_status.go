package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nhle/inbox-triage/internal/app"
	"github.com/nhle/inbox-triage/internal/continuation"
	"github.com/nhle/inbox-triage/internal/model"
	"github.com/nhle/inbox-triage/internal/theme"
	"github.com/nhle/inbox-triage/internal/trigger"
)

var statusFlags struct {
	limit int
	check bool
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the pending run and recent run history",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().IntVar(&statusFlags.limit, "limit", 5, "Number of recent runs to show")
	statusCmd.Flags().BoolVar(&statusFlags.check, "check", false, "Also log in to the mailbox to verify the connection")
}

// openManager opens the stores and a continuation manager over them
// without touching the mailbox or the model.
func openManager(ctx context.Context) (*app.Stores, *continuation.Manager, error) {
	stores, err := app.OpenStores(ctx, cfg.Store)
	if err != nil {
		return nil, nil, err
	}
	m := continuation.NewManager(stores.Props, stores.SQLite, trigger.Deferred{}, app.ContinuationOptions(cfg.Continuation))
	return stores, m, nil
}

func runStatus(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	stores, m, err := openManager(ctx)
	if err != nil {
		return err
	}
	defer stores.Close()

	out := cmd.OutOrStdout()
	st, ok, err := m.Load(ctx)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintln(out, theme.HelpStyle.Render("No pending run."))
	} else {
		next, hasNext, err := m.NextRunAt(ctx)
		if err != nil {
			return err
		}
		printState(out, st, next, hasNext)
	}

	cancelled, err := m.Cancelled(ctx)
	if err != nil {
		return err
	}
	if cancelled {
		fmt.Fprintln(out, theme.StatusStyle("cancelled").Render("Cancellation requested."))
	}

	runs, err := stores.SQLite.ListRuns(ctx, statusFlags.limit)
	if err != nil {
		return err
	}
	printRuns(out, runs)

	if statusFlags.check {
		return checkMailbox(ctx, out)
	}
	return nil
}

func checkMailbox(ctx context.Context, out io.Writer) error {
	fmt.Fprintln(out, theme.HeaderStyle.Render("Mailbox"))
	report, err := app.CheckMailbox(ctx, cfg.Mail, nil)
	if err != nil {
		fmt.Fprintln(out, theme.Row("connection", theme.StatusStyle("failed").Render("failed")))
		return fmt.Errorf("checking mailbox: %w", err)
	}
	fmt.Fprintln(out, theme.Row("connection", report))
	return nil
}

func printState(w io.Writer, st *model.ContinuationState, next time.Time, hasNext bool) {
	var b strings.Builder
	fmt.Fprintln(&b, theme.Row("run", st.RunID))
	fmt.Fprintln(&b, theme.Row("status", theme.StatusStyle(string(st.Status)).Render(string(st.Status))))
	fmt.Fprintln(&b, theme.Row("scan", st.ScanType))
	fmt.Fprintln(&b, theme.Row("processed", fmt.Sprint(len(st.ProcessedIDs))))
	fmt.Fprintln(&b, theme.Row("remaining", fmt.Sprint(len(st.RemainingIDs))))
	fmt.Fprintln(&b, theme.Row("invocations", fmt.Sprint(st.Invocations)))
	fmt.Fprint(&b, theme.Row("updated", st.UpdatedAt.Local().Format(time.DateTime)))
	if hasNext {
		fmt.Fprint(&b, "\n"+theme.Row("resume at", next.Local().Format(time.DateTime)))
	}

	fmt.Fprintln(w, theme.HeaderStyle.Render("Pending run"))
	fmt.Fprintln(w, theme.PanelStyle.Render(b.String()))
}

func printRuns(w io.Writer, runs []model.RunRecord) {
	fmt.Fprintln(w, theme.HeaderStyle.Render("Recent runs"))
	if len(runs) == 0 {
		fmt.Fprintln(w, theme.HelpStyle.Render("No runs recorded yet."))
		return
	}
	for _, r := range runs {
		status := theme.StatusStyle(string(r.Status)).Render(fmt.Sprintf("%-9s", r.Status))
		fmt.Fprintf(w, "%s  %s  %s  %s\n",
			r.FinishedAt.Local().Format(time.DateTime), status, r.ID, summaryLine(r.Summary))
	}
}

func printSummary(w io.Writer, s model.RunSummary) {
	fmt.Fprintln(w, theme.Row("summary", summaryLine(s)))
}

func summaryLine(s model.RunSummary) string {
	counts := []struct {
		name string
		n    int
	}{
		{"scanned", s.Scanned},
		{"classified", s.Classified},
		{"drafted", s.Drafted},
		{"sent", s.Sent},
		{"blocked", s.Blocked},
		{"errors", s.Errors},
		{"skipped", s.Skipped},
	}
	parts := make([]string, len(counts))
	for i, c := range counts {
		parts[i] = c.name + " " + theme.CountStyle(c.name, c.n).Render(fmt.Sprint(c.n))
	}
	return strings.Join(parts, "  ")
}
