package main

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/inbox-triage/internal/model"
	"github.com/nhle/inbox-triage/internal/pipeline"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("INBOXTRIAGE_STORE_PATH", filepath.Join(dir, "triage.db"))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"--config", filepath.Join(dir, "missing.yaml")}, args...))
	err := rootCmd.Execute()
	return out.String(), err
}

func TestGuardrailsSelfTest(t *testing.T) {
	out, err := execute(t, "guardrails", "selftest")
	require.NoError(t, err)
	assert.Contains(t, out, "catch")
}

func TestStatus_Empty(t *testing.T) {
	out, err := execute(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "No pending run.")
	assert.Contains(t, out, "No runs recorded yet.")
}

func TestStatus_CheckWithoutMailConfig(t *testing.T) {
	t.Cleanup(func() { statusFlags.check = false })
	out, err := execute(t, "status", "--check")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mail.imap_host")
	assert.Contains(t, out, "No pending run.")
	assert.Contains(t, out, "failed")
}

func TestCancelThenStatus(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("INBOXTRIAGE_STORE_PATH", filepath.Join(dir, "triage.db"))
	cfgPath := filepath.Join(dir, "missing.yaml")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)

	rootCmd.SetArgs([]string{"--config", cfgPath, "cancel"})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "Cancellation requested.")

	out.Reset()
	rootCmd.SetArgs([]string{"--config", cfgPath, "status"})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "Cancellation requested.")
}

func TestPrintOutcome(t *testing.T) {
	var b bytes.Buffer
	printOutcome(&b, pipeline.Outcome{
		RunID:       "run-1",
		Status:      pipeline.StatusSuspended,
		ScanType:    "incremental",
		Invocations: 1,
		Summary:     model.RunSummary{Scanned: 12, Classified: 10},
		NextRunAt:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Remaining:   2,
	})
	out := b.String()
	assert.Contains(t, out, "run-1")
	assert.Contains(t, out, "suspended")
	assert.Contains(t, out, "remaining")
	assert.Contains(t, out, "resume at")
}

func TestPrintOutcome_Idle(t *testing.T) {
	var b bytes.Buffer
	printOutcome(&b, pipeline.Outcome{Status: pipeline.StatusIdle})
	assert.Contains(t, b.String(), "Nothing to resume.")
	assert.NotContains(t, b.String(), "summary")
}

func TestSummaryLine(t *testing.T) {
	line := summaryLine(model.RunSummary{Scanned: 3, Errors: 1})
	assert.Contains(t, line, "scanned")
	assert.Contains(t, line, "errors")
}

func TestRunRejectsDryResume(t *testing.T) {
	t.Cleanup(func() { runFlags.mode, runFlags.dryRun = string(pipeline.ModeAuto), false })
	_, err := execute(t, "run", "--mode", "resume", "--dry-run")
	require.ErrorIs(t, err, pipeline.ErrDryRunResume)
}
