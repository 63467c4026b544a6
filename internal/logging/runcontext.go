package logging

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// RunContext carries the correlation id and timing of one invocation.
// It is created once per invocation and passed down explicitly.
type RunContext struct {
	RunID        string
	InvocationID string
	Started      time.Time
	Logger       *slog.Logger

	now func() time.Time
}

// NewRunContext starts a new invocation. An empty runID starts a new run;
// a resumed run passes its persisted id.
func NewRunContext(runID string, now func() time.Time) *RunContext {
	if now == nil {
		now = time.Now
	}
	if runID == "" {
		runID = uuid.NewString()
	}
	invocation := uuid.NewString()[:8]

	return &RunContext{
		RunID:        runID,
		InvocationID: invocation,
		Started:      now(),
		Logger: New("pipeline").With(
			slog.String("run_id", runID),
			slog.String("invocation", invocation),
		),
		now: now,
	}
}

// Now returns the current time according to the run's clock.
func (rc *RunContext) Now() time.Time {
	return rc.now()
}

// Elapsed returns the time since this invocation started.
func (rc *RunContext) Elapsed() time.Duration {
	return rc.now().Sub(rc.Started)
}
