package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nhle/inbox-triage/internal/theme"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Stop the active or suspended run at its next batch boundary",
	RunE:  runCancel,
}

func runCancel(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	stores, m, err := openManager(ctx)
	if err != nil {
		return err
	}
	defer stores.Close()

	pending, err := m.Pending(ctx)
	if err != nil {
		return err
	}
	if err := m.RequestCancel(ctx); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, theme.StatusStyle("cancelled").Render("Cancellation requested."))
	if !pending {
		fmt.Fprintln(out, theme.HelpStyle.Render("No run is pending; the request is cleared by the next fresh run."))
	}
	return nil
}
