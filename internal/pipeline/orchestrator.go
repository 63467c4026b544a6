// Package pipeline runs one triage run: scan, classify, label, and reply,
// checkpointed after every batch so it can span several invocations.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/nhle/inbox-triage/internal/classify"
	"github.com/nhle/inbox-triage/internal/continuation"
	"github.com/nhle/inbox-triage/internal/labels"
	"github.com/nhle/inbox-triage/internal/llm"
	"github.com/nhle/inbox-triage/internal/logging"
	"github.com/nhle/inbox-triage/internal/mailbox"
	"github.com/nhle/inbox-triage/internal/model"
	"github.com/nhle/inbox-triage/internal/redact"
	"github.com/nhle/inbox-triage/internal/scan"
	"github.com/nhle/inbox-triage/internal/store"
	"github.com/nhle/inbox-triage/internal/trigger"
)

// DefaultClassifyPrompt is used when no classification prompt is configured.
const DefaultClassifyPrompt = `You triage an email inbox. For every email below choose the single best
category label and decide whether it needs a written reply.
Return one object per email with the fields "id" (copied from the input),
"label", "needs_reply" and "confidence" between 0 and 1.
Placeholders such as [[EMAIL_1]] stand in for hidden values.`

// Config holds the run policy.
type Config struct {
	Labels         model.LabelsConfig
	Reply          model.ReplyConfig
	ClassifyPrompt string

	// Redact replaces sensitive values before any text reaches the model.
	Redact bool

	Scan         scan.Options
	Continuation continuation.Options

	// ChunkSize is the number of items processed between checkpoints.
	ChunkSize int
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Mail       mailbox.Store
	Props      store.PropertyStore
	Runs       store.RunStore
	Scheduler  continuation.Scheduler
	Classifier *classify.Classifier
	Resolver   *labels.Resolver

	// Replier generates reply text.
	Replier llm.Caller
	Codec   *redact.Codec
	Now     func() time.Time
}

// Orchestrator drives runs. Invocations must not overlap.
type Orchestrator struct {
	cfg  Config
	deps Deps
	live *env
	log  *slog.Logger
}

// env is what one invocation reads and writes through.
type env struct {
	mail    mailbox.Store
	manager *continuation.Manager
	scanner *scan.Scanner
	dry     bool
}

type markers struct {
	processed labels.Handle
	blocked   labels.Handle
	errored   labels.Handle
}

// New creates an Orchestrator.
func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = classify.BatchSize
	}
	if cfg.ClassifyPrompt == "" {
		cfg.ClassifyPrompt = DefaultClassifyPrompt
	}
	if cfg.Reply.Prompt == "" {
		cfg.Reply.Prompt = DefaultReplyPrompt
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Codec == nil {
		deps.Codec = redact.NewCodec(redact.WithClock(deps.Now))
	}

	o := &Orchestrator{cfg: cfg, deps: deps, log: logging.New("pipeline")}
	o.live = &env{
		mail:    deps.Mail,
		manager: continuation.NewManager(deps.Props, deps.Runs, deps.Scheduler, cfg.Continuation),
		scanner: scan.New(deps.Mail, deps.Props, cfg.Scan).WithClock(deps.Now),
	}
	return o
}

// Manager returns the continuation manager of live runs.
func (o *Orchestrator) Manager() *continuation.Manager {
	return o.live.manager
}

// dryEnv reads the real mailbox but keeps every write in the process.
func (o *Orchestrator) dryEnv() *env {
	mail := readOnly{Store: o.deps.Mail, log: o.log}
	return &env{
		mail:    mail,
		manager: continuation.NewManager(store.NewMemoryProperties(), nil, trigger.Deferred{Now: o.deps.Now}, o.cfg.Continuation),
		scanner: scan.New(mail, o.deps.Props, o.cfg.Scan).WithClock(o.deps.Now),
		dry:     true,
	}
}

// Run performs one invocation. It returns an error only when the run
// cannot continue: invalid request, failed checkpoint, or rejected
// credentials. Per-item failures are counted in the summary.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (Outcome, error) {
	if err := req.Validate(); err != nil {
		return Outcome{}, err
	}

	e := o.live
	if req.DryRun {
		e = o.dryEnv()
	}

	m, err := o.resolveMarkers(ctx)
	if err != nil {
		return Outcome{}, err
	}

	st, rc, items, err := o.start(ctx, e, req.Mode, m)
	if err != nil {
		return Outcome{}, err
	}
	if st == nil {
		return Outcome{Status: StatusIdle}, nil
	}
	defer func() {
		if n := o.deps.Codec.Sweep(); n > 0 {
			rc.Logger.Debug("evicted stale redaction maps", "count", n)
		}
	}()

	return o.drive(ctx, e, rc, st, items, m)
}

func (o *Orchestrator) resolveMarkers(ctx context.Context) (markers, error) {
	var m markers
	targets := []struct {
		name string
		dst  *labels.Handle
	}{
		{o.cfg.Labels.Processed, &m.processed},
		{o.cfg.Labels.Blocked, &m.blocked},
		{o.cfg.Labels.Error, &m.errored},
	}
	for _, t := range targets {
		h, err := o.deps.Resolver.ResolveMarker(ctx, t.name)
		if err != nil {
			return markers{}, fmt.Errorf("resolving marker label %q: %w", t.name, err)
		}
		*t.dst = h
	}
	return m, nil
}

// start resumes pending state or scans and begins a new run. A nil state
// means there is nothing to do.
func (o *Orchestrator) start(ctx context.Context, e *env, mode Mode, m markers) (*model.ContinuationState, *logging.RunContext, map[string]model.WorkItem, error) {
	pending, ok, err := e.manager.Load(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	resumable := ok && (pending.Status == model.RunSuspended || pending.Status == model.RunRunning)

	if mode == ModeResume || (mode == ModeAuto && resumable) {
		if !resumable {
			o.log.Info("nothing to resume")
			return nil, nil, nil, nil
		}
		rc := logging.NewRunContext(pending.RunID, o.deps.Now)
		st, err := e.manager.Resume(ctx, rc)
		if err != nil {
			return nil, nil, nil, err
		}
		return st, rc, nil, nil
	}

	if resumable {
		o.log.Warn("discarding pending run",
			"run_id", pending.RunID, "remaining", len(pending.RemainingIDs))
	}
	if err := e.manager.ClearCancel(ctx); err != nil {
		return nil, nil, nil, fmt.Errorf("clearing stale cancel request: %w", err)
	}

	rc := logging.NewRunContext("", o.deps.Now)
	res, err := e.scanner.Scan(ctx, m.processed.ID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("scanning: %w", err)
	}

	items := make(map[string]model.WorkItem, len(res.Items))
	ids := make([]string, len(res.Items))
	for i, it := range res.Items {
		items[it.ID] = it
		ids[i] = it.ID
	}

	st, err := e.manager.Begin(ctx, rc, continuation.Plan{
		IDs:      ids,
		Skipped:  res.Skipped,
		Cursor:   res.Cursor,
		ScanType: string(res.Type),
		Summary:  res.Summary,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	return st, rc, items, nil
}

func (o *Orchestrator) drive(ctx context.Context, e *env, rc *logging.RunContext, st *model.ContinuationState, items map[string]model.WorkItem, m markers) (Outcome, error) {
	outcome := func(status Status) Outcome {
		return Outcome{
			RunID:       st.RunID,
			Status:      status,
			ScanType:    st.ScanType,
			Invocations: st.Invocations,
			Summary:     st.Summary,
			Remaining:   len(st.RemainingIDs),
		}
	}

	for !st.Done() {
		if err := ctx.Err(); err != nil {
			return outcome(StatusSuspended), fmt.Errorf("run interrupted: %w", err)
		}

		cancelled, err := e.manager.Cancelled(ctx)
		if err != nil {
			return Outcome{}, err
		}
		if cancelled {
			if err := e.manager.Cancel(ctx, rc, st); err != nil {
				return Outcome{}, err
			}
			return outcome(StatusCancelled), nil
		}

		if !e.dry && e.manager.ShouldSuspend(rc) {
			next, err := e.manager.Suspend(ctx, rc, st)
			if err != nil {
				return Outcome{}, err
			}
			out := outcome(StatusSuspended)
			out.NextRunAt = next
			return out, nil
		}

		chunk := slices.Clone(st.RemainingIDs[:min(o.cfg.ChunkSize, len(st.RemainingIDs))])
		chunkCtx, cancel := context.WithTimeout(ctx, e.manager.ChunkTimeout(rc))
		delta, err := o.processChunk(chunkCtx, e, rc, m, chunk, items)
		overran := errors.Is(chunkCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
		cancel()
		if err != nil && overran && !e.dry {
			rc.Logger.Warn("chunk overran the invocation limit, suspending",
				"batch", st.BatchIndex, "error", err)
			next, serr := e.manager.Suspend(ctx, rc, st)
			if serr != nil {
				return Outcome{}, serr
			}
			out := outcome(StatusSuspended)
			out.NextRunAt = next
			return out, nil
		}
		if err != nil {
			rc.Logger.Error("run aborted", "batch", st.BatchIndex, "error", err)
			return outcome(StatusSuspended), err
		}
		if err := e.manager.Checkpoint(ctx, rc, st, chunk, delta); err != nil {
			return Outcome{}, err
		}
	}

	if !e.dry {
		if err := e.scanner.CommitCursor(ctx, st.Cursor); err != nil {
			return Outcome{}, fmt.Errorf("committing scan cursor: %w", err)
		}
	}
	if err := e.manager.Complete(ctx, rc, st); err != nil {
		return Outcome{}, err
	}
	return outcome(StatusCompleted), nil
}

// processChunk classifies and handles ids. The returned error is fatal to
// the run; the chunk is then not checkpointed and will be retried.
func (o *Orchestrator) processChunk(ctx context.Context, e *env, rc *logging.RunContext, m markers, ids []string, cache map[string]model.WorkItem) (model.RunSummary, error) {
	var delta model.RunSummary

	work := make([]model.WorkItem, 0, len(ids))
	for _, id := range ids {
		item, ok := cache[id]
		if !ok {
			var err error
			item, err = scan.Hydrate(ctx, e.mail, mailbox.ThreadRef{ID: id})
			if err != nil {
				rc.Logger.Warn("skipping unreadable thread", "thread", id, "error", err)
				delta.Skipped++
				continue
			}
		}
		work = append(work, item)
	}
	if len(work) == 0 {
		return delta, nil
	}

	prompts := make([]model.WorkItem, len(work))
	for i, item := range work {
		prompts[i] = o.redactItem(item)
	}
	results := o.deps.Classifier.ClassifyAll(ctx, prompts, o.cfg.ClassifyPrompt)
	for _, r := range results {
		if llm.IsAuth(r.Err) {
			return delta, fmt.Errorf("classifying: %w", r.Err)
		}
	}

	for i, item := range work {
		if err := ctx.Err(); err != nil {
			return delta, fmt.Errorf("run interrupted: %w", err)
		}
		sum, err := o.handle(ctx, e, rc, m, item, results[i])
		o.deps.Codec.Clear(item.ID)
		if err != nil {
			return delta, err
		}
		delta.Add(sum)
	}
	return delta, nil
}

func (o *Orchestrator) redactItem(item model.WorkItem) model.WorkItem {
	if !o.cfg.Redact {
		return item
	}
	out := item
	out.From = o.deps.Codec.Redact(item.ID, item.From).Text
	out.Subject = o.deps.Codec.Redact(item.ID, item.Subject).Text
	out.Body = o.deps.Codec.Redact(item.ID, item.Body).Text
	return out
}
