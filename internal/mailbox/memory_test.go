package mailbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_SearchFilters(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Now()

	old := m.Add(Message{Subject: "old", Date: now.Add(-30 * 24 * time.Hour)})
	read := m.Add(Message{Subject: "read", Date: now})
	labelled := m.Add(Message{Subject: "labelled", Date: now})
	fresh := m.Add(Message{Subject: "fresh", Date: now})

	m.MarkRead(read)
	require.NoError(t, m.AddLabel(ctx, labelled, "done"))

	got, err := m.Search(ctx, Query{Unread: true, ExcludeLabel: "done"})
	require.NoError(t, err)
	assert.Equal(t, []ThreadRef{old, fresh}, got)

	got, err = m.Search(ctx, Query{Since: now.Add(-7 * 24 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, []ThreadRef{read, labelled, fresh}, got)

	got, err = m.Search(ctx, Query{AfterUID: 2})
	require.NoError(t, err)
	assert.Equal(t, []ThreadRef{labelled, fresh}, got)

	got, err = m.Search(ctx, Query{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []ThreadRef{old, read}, got)
}

func TestThreadRef_UID(t *testing.T) {
	uid, ok := ThreadRef{ID: "42"}.UID()
	assert.True(t, ok)
	assert.Equal(t, uint32(42), uid)

	_, ok = ThreadRef{ID: "gmail-thread"}.UID()
	assert.False(t, ok)
}

func TestMemory_LabelsAndDispatch(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	ref := m.Add(Message{From: "ann@example.com", Subject: "Help", MessageID: "abc@example.com"})

	require.NoError(t, m.AddLabel(ctx, ref, "b"))
	require.NoError(t, m.AddLabel(ctx, ref, "a"))
	require.NoError(t, m.AddLabel(ctx, ref, "a"))
	assert.Equal(t, []string{"a", "b"}, m.Labels(ref))

	require.NoError(t, m.RemoveLabel(ctx, ref, "b"))
	assert.Equal(t, []string{"a"}, m.Labels(ref))

	require.NoError(t, m.CreateDraftReply(ctx, ref, "draft body"))
	require.NoError(t, m.Reply(ctx, ref, "sent body"))

	require.Len(t, m.Drafts(), 1)
	require.Len(t, m.Sent(), 1)
	assert.Equal(t, Dispatch{
		Thread: ref, To: "ann@example.com", Subject: "Re: Help",
		Body: "sent body", InReplyTo: "abc@example.com",
	}, m.Sent()[0])
}

func TestMemory_UnknownThread(t *testing.T) {
	_, err := NewMemory().GetMessages(context.Background(), ThreadRef{ID: "42"})
	assert.True(t, errors.Is(err, ErrThreadNotFound))
}

func TestMemory_Cursor(t *testing.T) {
	m := NewMemory()
	m.Add(Message{})
	m.Add(Message{})
	m.SetUIDValidity(7)

	c, err := m.Cursor(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(7), c.UIDValidity)
	assert.Equal(t, uint32(2), c.LastUID)
}

func TestReplySubject(t *testing.T) {
	assert.Equal(t, "Re: Hello", ReplySubject("Hello"))
	assert.Equal(t, "RE: Hello", ReplySubject("RE: Hello"))
}

func TestLatest(t *testing.T) {
	now := time.Now()
	msgs := []Message{
		{ID: "1", Date: now.Add(-time.Hour)},
		{ID: "2", Date: now},
		{ID: "3", Date: now.Add(-2 * time.Hour)},
	}
	latest, ok := Latest(msgs)
	require.True(t, ok)
	assert.Equal(t, "2", latest.ID)

	_, ok = Latest(nil)
	assert.False(t, ok)
}
