// Package mailbox defines the email-store capabilities the pipeline needs
// and an in-memory implementation of them.
package mailbox

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/nhle/inbox-triage/internal/model"
)

var (
	// ErrThreadNotFound is returned when a thread reference no longer resolves.
	ErrThreadNotFound = errors.New("thread not found")

	// ErrAuth marks rejected mail credentials. No later call can succeed.
	ErrAuth = errors.New("mail credentials rejected")
)

// ThreadRef identifies a thread in the mailbox.
type ThreadRef struct {
	ID string
}

// UID returns the mailbox UID encoded in the id. Both stores address
// threads by the UID of their message.
func (r ThreadRef) UID() (uint32, bool) {
	n, err := strconv.ParseUint(r.ID, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}

// Message is one message of a thread.
type Message struct {
	ID        string
	MessageID string
	From      string
	To        []string
	Subject   string
	Body      string
	Date      time.Time
	Seen      bool

	// Labels are the durable label ids applied to the thread.
	Labels []string
}

// Query selects threads. Zero fields do not constrain the result.
type Query struct {
	// AfterUID keeps only threads newer than this cursor position.
	AfterUID uint32

	// Since keeps threads received on or after this time.
	Since time.Time

	// Unread keeps threads without the seen flag.
	Unread bool

	// ExcludeLabel drops threads carrying this durable label id.
	ExcludeLabel string

	// Limit caps the result to the oldest matching threads, so a capped
	// scan never jumps over a thread it has not seen.
	Limit int
}

// Store is the email store the pipeline reads and writes.
type Store interface {
	Search(ctx context.Context, q Query) ([]ThreadRef, error)
	GetMessages(ctx context.Context, ref ThreadRef) ([]Message, error)
	AddLabel(ctx context.Context, ref ThreadRef, labelID string) error
	RemoveLabel(ctx context.Context, ref ThreadRef, labelID string) error
	CreateDraftReply(ctx context.Context, ref ThreadRef, body string) error
	Reply(ctx context.Context, ref ThreadRef, body string) error

	// Cursor returns the current incremental scan position.
	Cursor(ctx context.Context) (model.ScanCursor, error)
}

// LabelCatalog resolves durable label ids and names.
type LabelCatalog interface {
	GetLabel(ctx context.Context, id string) (model.Label, error)
	FindLabel(ctx context.Context, name string) (model.Label, error)
	CreateLabel(ctx context.Context, name string) (model.Label, error)
}

// Latest returns the most recent message of msgs.
func Latest(msgs []Message) (Message, bool) {
	if len(msgs) == 0 {
		return Message{}, false
	}
	latest := msgs[0]
	for _, m := range msgs[1:] {
		if m.Date.After(latest.Date) {
			latest = m
		}
	}
	return latest, true
}

// ReplySubject prefixes subject with "Re: " unless it already has one.
func ReplySubject(subject string) string {
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(subject)), "re:") {
		return subject
	}
	return "Re: " + subject
}
