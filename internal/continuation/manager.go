// Package continuation persists the progress of a run so that it can be
// suspended before the invocation budget runs out and resumed later.
package continuation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nhle/inbox-triage/internal/logging"
	"github.com/nhle/inbox-triage/internal/model"
	"github.com/nhle/inbox-triage/internal/store"
)

// Property keys.
const (
	StateKey   = "continuation:state"
	CancelKey  = "continuation:cancel"
	NextRunKey = "continuation:next_run_at"
)

// Defaults for Options.
const (
	DefaultMaxInvocation = 6 * time.Minute
	DefaultSafetyMargin  = 90 * time.Second
	DefaultResumeDelay   = 60 * time.Second
)

var (
	// ErrCheckpoint is fatal to the run: progress could not be persisted.
	ErrCheckpoint = errors.New("checkpoint failed")

	// ErrNoState is returned by Resume when nothing is pending.
	ErrNoState = errors.New("no resumable run")
)

// Scheduler arranges a future invocation of the pipeline.
type Scheduler interface {
	// ScheduleOnce requests one invocation after the delay and returns
	// when it is due.
	ScheduleOnce(after time.Duration) (time.Time, error)
}

// Options bounds each invocation.
type Options struct {
	MaxInvocation time.Duration
	SafetyMargin  time.Duration
	ResumeDelay   time.Duration
}

// Budget is the usable wall-clock time per invocation.
func (o Options) Budget() time.Duration {
	return o.MaxInvocation - o.SafetyMargin
}

// Plan seeds a new run.
type Plan struct {
	IDs      []string
	Skipped  []string
	Cursor   model.ScanCursor
	ScanType string
	Summary  model.RunSummary
}

// Manager owns the persisted ContinuationState.
type Manager struct {
	props store.PropertyStore
	runs  store.RunStore
	sched Scheduler
	opts  Options
	log   *slog.Logger
}

// NewManager creates a Manager. runs may be nil to skip run history.
func NewManager(props store.PropertyStore, runs store.RunStore, sched Scheduler, opts Options) *Manager {
	if opts.MaxInvocation <= 0 {
		opts.MaxInvocation = DefaultMaxInvocation
	}
	if opts.SafetyMargin <= 0 {
		opts.SafetyMargin = DefaultSafetyMargin
	}
	if opts.ResumeDelay <= 0 {
		opts.ResumeDelay = DefaultResumeDelay
	}
	return &Manager{
		props: props,
		runs:  runs,
		sched: sched,
		opts:  opts,
		log:   logging.New("continuation"),
	}
}

// Budget is the usable wall-clock time per invocation.
func (m *Manager) Budget() time.Duration {
	return m.opts.Budget()
}

// Load returns the persisted state, if any.
func (m *Manager) Load(ctx context.Context) (*model.ContinuationState, bool, error) {
	raw, ok, err := m.props.GetProperty(ctx, StateKey)
	if err != nil {
		return nil, false, fmt.Errorf("reading continuation state: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	var st model.ContinuationState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, false, fmt.Errorf("decoding continuation state: %w", err)
	}
	return &st, true, nil
}

// Pending reports whether a suspended or interrupted run exists.
func (m *Manager) Pending(ctx context.Context) (bool, error) {
	st, ok, err := m.Load(ctx)
	if err != nil || !ok {
		return false, err
	}
	return st.Status == model.RunSuspended || st.Status == model.RunRunning, nil
}

func (m *Manager) save(ctx context.Context, st *model.ContinuationState) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encoding continuation state: %w", err)
	}
	return m.props.SetProperty(ctx, StateKey, string(raw))
}

// Begin starts a new run over plan.IDs and persists it as running.
// Any previous state is replaced.
func (m *Manager) Begin(ctx context.Context, rc *logging.RunContext, plan Plan) (*model.ContinuationState, error) {
	now := rc.Now()
	st := &model.ContinuationState{
		RunID:        rc.RunID,
		Status:       model.RunNotStarted,
		Cursor:       plan.Cursor,
		ScanType:     plan.ScanType,
		ProcessedIDs: []string{},
		RemainingIDs: dedupe(plan.IDs),
		SkippedIDs:   plan.Skipped,
		StartedAt:    now,
		UpdatedAt:    now,
		Summary:      plan.Summary,
	}
	if err := st.CheckPartition(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCheckpoint, err)
	}

	st.Status = model.RunRunning
	st.Invocations = 1
	if err := m.save(ctx, st); err != nil {
		return nil, fmt.Errorf("%w: persisting new run: %v", ErrCheckpoint, err)
	}
	rc.Logger.Info("run started", "items", len(st.RemainingIDs), "scan_type", st.ScanType)
	return st, nil
}

// Resume loads a suspended (or interrupted) run and marks it running.
func (m *Manager) Resume(ctx context.Context, rc *logging.RunContext) (*model.ContinuationState, error) {
	st, ok, err := m.Load(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoState
	}

	switch st.Status {
	case model.RunSuspended:
	case model.RunRunning:
		rc.Logger.Warn("resuming run that did not suspend cleanly", "resumed_run", st.RunID)
	default:
		return nil, fmt.Errorf("%w: state is %s", ErrNoState, st.Status)
	}

	if err := st.CheckPartition(); err != nil {
		return nil, fmt.Errorf("persisted state is inconsistent: %w", err)
	}

	st.Status = model.RunRunning
	st.Invocations++
	st.UpdatedAt = rc.Now()
	if err := m.save(ctx, st); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCheckpoint, err)
	}
	if err := m.props.DeleteProperty(ctx, NextRunKey); err != nil {
		rc.Logger.Warn("clearing next run time failed", "error", err)
	}

	rc.Logger.Info("run resumed",
		"resumed_run", st.RunID, "invocation", st.Invocations,
		"processed", len(st.ProcessedIDs), "remaining", len(st.RemainingIDs))
	return st, nil
}

// ShouldSuspend reports whether the invocation has used its budget.
func (m *Manager) ShouldSuspend(rc *logging.RunContext) bool {
	return rc.Elapsed() >= m.opts.Budget()
}

// ChunkTimeout is how long the next chunk may run. It stops a quarter of
// the safety margin short of the hard limit so a suspend can still be
// persisted. The result is never negative.
func (m *Manager) ChunkTimeout(rc *logging.RunContext) time.Duration {
	left := m.opts.MaxInvocation - m.opts.SafetyMargin/4 - rc.Elapsed()
	return max(left, 0)
}

// Checkpoint moves done from remaining to processed, adds delta to the
// summary and persists the state in one write.
func (m *Manager) Checkpoint(ctx context.Context, rc *logging.RunContext, st *model.ContinuationState, done []string, delta model.RunSummary) error {
	st.MarkProcessed(done)
	st.BatchIndex++
	st.Summary.Add(delta)
	st.UpdatedAt = rc.Now()

	if err := st.CheckPartition(); err != nil {
		return fmt.Errorf("%w: %v", ErrCheckpoint, err)
	}
	if err := m.save(ctx, st); err != nil {
		return fmt.Errorf("%w: %v", ErrCheckpoint, err)
	}

	rc.Logger.Debug("checkpoint",
		"batch", st.BatchIndex, "processed", len(st.ProcessedIDs), "remaining", len(st.RemainingIDs))
	return nil
}

// Suspend persists st as suspended and schedules the follow-up invocation.
func (m *Manager) Suspend(ctx context.Context, rc *logging.RunContext, st *model.ContinuationState) (time.Time, error) {
	st.Status = model.RunSuspended
	st.UpdatedAt = rc.Now()
	if err := m.save(ctx, st); err != nil {
		return time.Time{}, fmt.Errorf("%w: suspending: %v", ErrCheckpoint, err)
	}

	next, err := m.sched.ScheduleOnce(m.opts.ResumeDelay)
	if err != nil {
		return time.Time{}, fmt.Errorf("scheduling resume: %w", err)
	}
	if err := m.props.SetProperty(ctx, NextRunKey, next.UTC().Format(time.RFC3339)); err != nil {
		rc.Logger.Warn("recording next run time failed", "error", err)
	}

	rc.Logger.Info("run suspended",
		"elapsed", rc.Elapsed().Round(time.Millisecond), "remaining", len(st.RemainingIDs),
		"resume_at", next)
	return next, nil
}

// NextRunAt returns when a suspended run is due to resume.
func (m *Manager) NextRunAt(ctx context.Context) (time.Time, bool, error) {
	raw, ok, err := m.props.GetProperty(ctx, NextRunKey)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parsing next run time: %w", err)
	}
	return t, true, nil
}

// Complete finishes the run and clears its state.
func (m *Manager) Complete(ctx context.Context, rc *logging.RunContext, st *model.ContinuationState) error {
	return m.finish(ctx, rc, st, model.RunCompleted)
}

// Cancel stops the run and clears its state.
func (m *Manager) Cancel(ctx context.Context, rc *logging.RunContext, st *model.ContinuationState) error {
	return m.finish(ctx, rc, st, model.RunCancelled)
}

func (m *Manager) finish(ctx context.Context, rc *logging.RunContext, st *model.ContinuationState, status model.RunStatus) error {
	st.Status = status
	st.UpdatedAt = rc.Now()

	if m.runs != nil {
		rec := model.RunRecord{
			ID:          st.RunID,
			Status:      status,
			ScanType:    st.ScanType,
			Invocations: st.Invocations,
			StartedAt:   st.StartedAt,
			FinishedAt:  st.UpdatedAt,
			Summary:     st.Summary,
		}
		if err := m.runs.RecordRun(ctx, rec); err != nil {
			rc.Logger.Warn("recording run history failed", "error", err)
		}
	}

	var errs []error
	for _, key := range []string{StateKey, CancelKey, NextRunKey} {
		if err := m.props.DeleteProperty(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("clearing continuation state: %w", err)
	}

	rc.Logger.Info("run finished",
		"status", status, "invocations", st.Invocations,
		"scanned", st.Summary.Scanned, "classified", st.Summary.Classified,
		"replied", st.Summary.Replied, "blocked", st.Summary.Blocked,
		"errors", st.Summary.Errors, "skipped", st.Summary.Skipped)
	return nil
}

// RequestCancel asks the active run to stop at its next batch boundary.
func (m *Manager) RequestCancel(ctx context.Context) error {
	if err := m.props.SetProperty(ctx, CancelKey, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("requesting cancel: %w", err)
	}
	return nil
}

// Cancelled reports whether cancellation was requested.
func (m *Manager) Cancelled(ctx context.Context) (bool, error) {
	_, ok, err := m.props.GetProperty(ctx, CancelKey)
	if err != nil {
		return false, fmt.Errorf("reading cancel flag: %w", err)
	}
	return ok, nil
}

// ClearCancel removes a stale cancel request.
func (m *Manager) ClearCancel(ctx context.Context) error {
	return m.props.DeleteProperty(ctx, CancelKey)
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
