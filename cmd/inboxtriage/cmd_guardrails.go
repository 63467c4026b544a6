package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nhle/inbox-triage/internal/guardrails"
	"github.com/nhle/inbox-triage/internal/theme"
)

var guardrailsCmd = &cobra.Command{
	Use:   "guardrails",
	Short: "Inspect the reply guardrails",
}

var selftestCmd = &cobra.Command{
	Use:   "selftest",
	Short: "Validate the built-in bad and good reply samples",
	RunE:  runSelfTest,
}

func init() {
	guardrailsCmd.AddCommand(selftestCmd)
}

func runSelfTest(cmd *cobra.Command, _ []string) error {
	report := guardrails.SelfTest()
	out := cmd.OutOrStdout()

	status := "completed"
	if !report.Passed() {
		status = "failed"
	}
	fmt.Fprintln(out, theme.Row("selftest", theme.StatusStyle(status).Render(report.String())))
	for _, m := range report.Missed {
		fmt.Fprintln(out, theme.Row("missed", m))
	}

	if !report.Passed() {
		return errors.New("guardrails self-test below threshold")
	}
	return nil
}
