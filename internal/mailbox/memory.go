package mailbox

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/nhle/inbox-triage/internal/model"
)

// Dispatch records a reply that was drafted or sent.
type Dispatch struct {
	Thread    ThreadRef
	To        string
	Subject   string
	Body      string
	InReplyTo string
}

type memThread struct {
	uid    uint32
	msg    Message
	labels map[string]bool
}

// Memory is an in-process Store used by tests.
type Memory struct {
	mu          sync.Mutex
	uidValidity uint32
	nextUID     uint32
	threads     map[uint32]*memThread
	drafts      []Dispatch
	sent        []Dispatch

	// Failure hooks, consulted on every call when set.
	ReplyErr  func(ref ThreadRef) error
	DraftErr  func(ref ThreadRef) error
	LabelErr  func(ref ThreadRef, labelID string) error
	SearchErr error
}

// NewMemory creates an empty in-memory mailbox.
func NewMemory() *Memory {
	return &Memory{
		uidValidity: 1,
		nextUID:     1,
		threads:     make(map[uint32]*memThread),
	}
}

// Add stores msg as a new thread and returns its reference.
func (m *Memory) Add(msg Message) ThreadRef {
	m.mu.Lock()
	defer m.mu.Unlock()

	uid := m.nextUID
	m.nextUID++
	ref := ThreadRef{ID: strconv.FormatUint(uint64(uid), 10)}

	msg.ID = ref.ID
	if msg.Date.IsZero() {
		msg.Date = time.Now()
	}
	t := &memThread{uid: uid, msg: msg, labels: make(map[string]bool)}
	for _, l := range msg.Labels {
		t.labels[l] = true
	}
	m.threads[uid] = t
	return ref
}

// SetUIDValidity changes the mailbox epoch, invalidating cursors.
func (m *Memory) SetUIDValidity(v uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uidValidity = v
}

// MarkRead sets the seen flag on ref.
func (m *Memory) MarkRead(ref ThreadRef) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, err := m.lookup(ref); err == nil {
		t.msg.Seen = true
	}
}

// Labels returns the label ids on ref, sorted.
func (m *Memory) Labels(ref ThreadRef) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.lookup(ref)
	if err != nil {
		return nil
	}
	return sortedKeys(t.labels)
}

// Drafts returns the drafted replies in creation order.
func (m *Memory) Drafts() []Dispatch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.drafts)
}

// Sent returns the sent replies in send order.
func (m *Memory) Sent() []Dispatch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.sent)
}

func (m *Memory) lookup(ref ThreadRef) (*memThread, error) {
	uid, err := strconv.ParseUint(ref.ID, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid thread id %q: %w", ref.ID, err)
	}
	t, ok := m.threads[uint32(uid)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrThreadNotFound, ref.ID)
	}
	return t, nil
}

func (m *Memory) Search(_ context.Context, q Query) ([]ThreadRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SearchErr != nil {
		return nil, m.SearchErr
	}

	uids := make([]uint32, 0, len(m.threads))
	for uid, t := range m.threads {
		switch {
		case q.AfterUID > 0 && uid <= q.AfterUID:
			continue
		case !q.Since.IsZero() && t.msg.Date.Before(q.Since):
			continue
		case q.Unread && t.msg.Seen:
			continue
		case q.ExcludeLabel != "" && t.labels[q.ExcludeLabel]:
			continue
		}
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })

	if q.Limit > 0 && len(uids) > q.Limit {
		uids = uids[:q.Limit]
	}

	refs := make([]ThreadRef, len(uids))
	for i, uid := range uids {
		refs[i] = ThreadRef{ID: strconv.FormatUint(uint64(uid), 10)}
	}
	return refs, nil
}

func (m *Memory) GetMessages(_ context.Context, ref ThreadRef) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.lookup(ref)
	if err != nil {
		return nil, err
	}
	msg := t.msg
	msg.Labels = sortedKeys(t.labels)
	return []Message{msg}, nil
}

func (m *Memory) AddLabel(_ context.Context, ref ThreadRef, labelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.LabelErr != nil {
		if err := m.LabelErr(ref, labelID); err != nil {
			return err
		}
	}
	t, err := m.lookup(ref)
	if err != nil {
		return err
	}
	t.labels[labelID] = true
	return nil
}

func (m *Memory) RemoveLabel(_ context.Context, ref ThreadRef, labelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.lookup(ref)
	if err != nil {
		return err
	}
	delete(t.labels, labelID)
	return nil
}

func (m *Memory) CreateDraftReply(_ context.Context, ref ThreadRef, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.DraftErr != nil {
		if err := m.DraftErr(ref); err != nil {
			return err
		}
	}
	t, err := m.lookup(ref)
	if err != nil {
		return err
	}
	m.drafts = append(m.drafts, replyTo(ref, t.msg, body))
	return nil
}

func (m *Memory) Reply(_ context.Context, ref ThreadRef, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ReplyErr != nil {
		if err := m.ReplyErr(ref); err != nil {
			return err
		}
	}
	t, err := m.lookup(ref)
	if err != nil {
		return err
	}
	m.sent = append(m.sent, replyTo(ref, t.msg, body))
	return nil
}

func (m *Memory) Cursor(_ context.Context) (model.ScanCursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return model.ScanCursor{
		UIDValidity: m.uidValidity,
		LastUID:     m.nextUID - 1,
		SavedAt:     time.Now(),
	}, nil
}

func replyTo(ref ThreadRef, msg Message, body string) Dispatch {
	return Dispatch{
		Thread:    ref,
		To:        msg.From,
		Subject:   ReplySubject(msg.Subject),
		Body:      body,
		InReplyTo: msg.MessageID,
	}
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
