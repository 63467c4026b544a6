package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/nhle/inbox-triage/internal/model"
)

// Mode selects how Run treats persisted state.
type Mode string

const (
	// ModeAuto resumes a pending run, or starts a new one.
	ModeAuto Mode = "auto"

	// ModeFresh discards pending state and scans again.
	ModeFresh Mode = "fresh"

	// ModeResume only continues a pending run.
	ModeResume Mode = "resume"
)

// ErrDryRunResume is returned when a dry run is asked to resume.
var ErrDryRunResume = errors.New("dry runs cannot resume persisted state")

// RunRequest is the input to Run.
type RunRequest struct {
	Mode Mode

	// DryRun classifies and composes replies without touching the mailbox
	// or persisting anything.
	DryRun bool
}

// Validate checks the request before any work starts.
func (r *RunRequest) Validate() error {
	switch r.Mode {
	case "":
		r.Mode = ModeAuto
	case ModeAuto, ModeFresh, ModeResume:
	default:
		return fmt.Errorf("unknown run mode %q", r.Mode)
	}
	if r.DryRun && r.Mode == ModeResume {
		return ErrDryRunResume
	}
	return nil
}

// Status is how an invocation ended.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusSuspended Status = "suspended"
	StatusCancelled Status = "cancelled"

	// StatusIdle means a resume was requested with nothing pending.
	StatusIdle Status = "idle"
)

// Outcome reports the result of one invocation.
type Outcome struct {
	RunID       string
	Status      Status
	ScanType    string
	Invocations int
	Summary     model.RunSummary

	// NextRunAt is set when the run suspended.
	NextRunAt time.Time

	// Remaining is the number of items left for later invocations.
	Remaining int
}
