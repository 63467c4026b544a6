package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/nhle/inbox-triage/internal/classify"
	"github.com/nhle/inbox-triage/internal/guardrails"
	"github.com/nhle/inbox-triage/internal/llm"
	"github.com/nhle/inbox-triage/internal/logging"
	"github.com/nhle/inbox-triage/internal/mailbox"
	"github.com/nhle/inbox-triage/internal/model"
)

// DispatchKeyPrefix starts the property key recording a dispatched reply.
const DispatchKeyPrefix = "dispatch:"

// Dispatch ledger states. A pending entry is written before the mailbox
// call, so a reply whose outcome is unknown is never sent twice.
const (
	dispatchPending = "pending"
	dispatchDone    = "done"
)

// ErrLedger is returned when a dispatched reply cannot be recorded. The run
// stops so the reply is not repeated by a replayed batch.
var ErrLedger = errors.New("dispatch ledger write failed")

// DefaultReplyPrompt is used when no reply prompt is configured.
const DefaultReplyPrompt = `Write a short, polite plain-text reply to the email below on behalf of
the mailbox owner. Do not use markup and avoid links unless the sender
asked for one. Keep placeholders such as [[EMAIL_1]] exactly as written.`

var replySchema = &llm.Schema{
	Type:     "object",
	Required: []string{"reply"},
	Properties: map[string]*llm.Schema{
		"reply": {Type: "string", Description: "plain-text reply body"},
	},
}

type replyPayload struct {
	Reply string `json:"reply"`
}

type dispatchRecord struct {
	RunID  string    `json:"run_id"`
	Mode   string    `json:"mode"`
	Status string    `json:"status"`
	At     time.Time `json:"at"`
}

func dispatchKey(item model.WorkItem) string {
	if item.MessageID != "" {
		return DispatchKeyPrefix + item.MessageID
	}
	return DispatchKeyPrefix + item.ID
}

// handle labels one classified item and replies when its rule asks for
// it. Only errors that make the rest of the run pointless are returned.
func (o *Orchestrator) handle(ctx context.Context, e *env, rc *logging.RunContext, m markers, item model.WorkItem, res model.ClassificationResult) (model.RunSummary, error) {
	log := rc.Logger.With("thread", item.ID)
	ref := mailbox.ThreadRef{ID: item.ID}
	var sum model.RunSummary

	fail := func(stage string, err error) (model.RunSummary, error) {
		if errors.Is(err, mailbox.ErrAuth) || errors.Is(err, ErrLedger) {
			return sum, fmt.Errorf("%s: %w", stage, err)
		}
		if cerr := ctx.Err(); cerr != nil {
			return sum, fmt.Errorf("%s interrupted: %w", stage, cerr)
		}
		log.Warn("item failed", "stage", stage, "error", err)
		sum.Errors++
		if lerr := e.mail.AddLabel(ctx, ref, m.errored.ID); lerr != nil {
			log.Error("applying error label failed", "error", lerr)
		}
		return sum, nil
	}

	if !res.OK() {
		err := res.Err
		if err == nil {
			err = classify.ErrMissingResult
		}
		return fail("classify", err)
	}
	sum.Classified++

	h, err := o.deps.Resolver.Resolve(ctx, res.Label)
	if err != nil {
		return fail("resolve label", err)
	}
	if err := e.mail.AddLabel(ctx, ref, h.ID); err != nil {
		return fail("apply label", err)
	}
	log.Info("classified", "label", h.LogicalName, "needs_reply", res.NeedsReply)

	if mode := o.replyMode(h.LogicalName, res.NeedsReply); mode != model.ReplyNone {
		dispatched, err := o.reply(ctx, e, rc, log, item, h.LogicalName, mode)
		switch {
		case errors.Is(err, guardrails.ErrBlocked):
			log.Warn("reply blocked", "error", err)
			sum.Blocked++
			if err := e.mail.AddLabel(ctx, ref, m.blocked.ID); err != nil {
				return fail("apply blocked label", err)
			}
		case llm.IsAuth(err):
			return sum, fmt.Errorf("composing reply: %w", err)
		case err != nil:
			return fail("reply", err)
		case dispatched:
			sum.Replied++
			if mode == model.ReplySend {
				sum.Sent++
			} else {
				sum.Drafted++
			}
		}
	}

	if err := e.mail.AddLabel(ctx, ref, m.processed.ID); err != nil {
		return fail("apply processed label", err)
	}
	return sum, nil
}

func (o *Orchestrator) replyMode(label string, needsReply bool) string {
	if rule, ok := o.cfg.Labels.Rule(label); ok && rule.Reply != "" {
		return rule.Reply
	}
	if needsReply && o.cfg.Reply.DefaultMode != "" {
		return o.cfg.Reply.DefaultMode
	}
	return model.ReplyNone
}

// reply composes, validates and dispatches a reply. It reports false
// when the ledger shows the thread was already answered, or that an earlier
// dispatch ended with an unknown outcome.
func (o *Orchestrator) reply(ctx context.Context, e *env, rc *logging.RunContext, log *slog.Logger, item model.WorkItem, label, mode string) (bool, error) {
	key := dispatchKey(item)
	raw, done, err := o.deps.Props.GetProperty(ctx, key)
	if err != nil {
		return false, fmt.Errorf("reading dispatch ledger: %w", err)
	}
	if done {
		var prev dispatchRecord
		_ = json.Unmarshal([]byte(raw), &prev)
		if prev.Status == dispatchPending {
			log.Warn("earlier dispatch did not finish, not sending again", "run_id", prev.RunID)
		} else {
			log.Info("reply already dispatched, skipping")
		}
		return false, nil
	}

	text, err := o.compose(ctx, item, label)
	if err != nil {
		return false, err
	}

	if !e.dry {
		if err := o.record(ctx, rc, key, mode, dispatchPending); err != nil {
			return false, fmt.Errorf("reserving dispatch: %w", err)
		}
	}

	ref := mailbox.ThreadRef{ID: item.ID}
	if mode == model.ReplySend {
		err = e.mail.Reply(ctx, ref, text)
	} else {
		err = e.mail.CreateDraftReply(ctx, ref, text)
	}
	if err != nil {
		if !e.dry && ctx.Err() == nil {
			if derr := o.deps.Props.DeleteProperty(context.WithoutCancel(ctx), key); derr != nil {
				log.Error("releasing dispatch reservation failed", "error", derr)
			}
		}
		return false, fmt.Errorf("dispatching %s: %w", mode, err)
	}
	log.Info("reply dispatched", "mode", mode)

	if e.dry {
		return true, nil
	}
	if err := o.record(context.WithoutCancel(ctx), rc, key, mode, dispatchDone); err != nil {
		return true, fmt.Errorf("%w: %v", ErrLedger, err)
	}
	return true, nil
}

func (o *Orchestrator) record(ctx context.Context, rc *logging.RunContext, key, mode, status string) error {
	rec, err := json.Marshal(dispatchRecord{RunID: rc.RunID, Mode: mode, Status: status, At: rc.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encoding dispatch record: %w", err)
	}
	return o.deps.Props.SetProperty(ctx, key, string(rec))
}

// compose asks the model for a reply to the redacted item, restores the
// hidden values and validates the result.
func (o *Orchestrator) compose(ctx context.Context, item model.WorkItem, label string) (string, error) {
	prompt := o.replyPrompt(o.redactItem(item), label)
	payload, err := llm.CallJSON[replyPayload](ctx, o.deps.Replier, prompt, replySchema)
	if err != nil {
		return "", fmt.Errorf("generating reply: %w", err)
	}

	restored := o.deps.Codec.Restore(item.ID, payload.Reply)
	text := strings.TrimSpace(restored.Text)
	if sig := strings.TrimSpace(o.cfg.Reply.Signature); sig != "" && text != "" {
		text += "\n\n" + sig
	}

	verdict := guardrails.Validate(text)
	reasons := verdict.Reasons
	if len(restored.Unresolved) > 0 && !slices.Contains(reasons, guardrails.ReasonUnresolvedToks) {
		reasons = append(reasons, guardrails.ReasonUnresolvedToks)
	}
	if len(reasons) > 0 {
		return "", &guardrails.BlockedError{Reasons: reasons}
	}
	return text, nil
}

func (o *Orchestrator) replyPrompt(item model.WorkItem, label string) string {
	var b strings.Builder
	b.WriteString(o.cfg.Reply.Prompt)
	if rule, ok := o.cfg.Labels.Rule(label); ok && rule.Instructions != "" {
		b.WriteString("\n\n")
		b.WriteString(rule.Instructions)
	}
	fmt.Fprintf(&b, "\n\nCategory: %s\nFrom: %s\nSubject: %s\n\n%s", label, item.From, item.Subject, item.Body)
	return b.String()
}
