package pipeline

import (
	"context"
	"log/slog"

	"github.com/nhle/inbox-triage/internal/mailbox"
)

// readOnly passes reads through and logs writes instead of performing them.
type readOnly struct {
	mailbox.Store
	log *slog.Logger
}

func (r readOnly) AddLabel(_ context.Context, ref mailbox.ThreadRef, labelID string) error {
	r.log.Info("dry run: would add label", "thread", ref.ID, "label", labelID)
	return nil
}

func (r readOnly) RemoveLabel(_ context.Context, ref mailbox.ThreadRef, labelID string) error {
	r.log.Info("dry run: would remove label", "thread", ref.ID, "label", labelID)
	return nil
}

func (r readOnly) CreateDraftReply(_ context.Context, ref mailbox.ThreadRef, body string) error {
	r.log.Info("dry run: would create draft", "thread", ref.ID, "body", body)
	return nil
}

func (r readOnly) Reply(_ context.Context, ref mailbox.ThreadRef, body string) error {
	r.log.Info("dry run: would send reply", "thread", ref.ID, "body", body)
	return nil
}
