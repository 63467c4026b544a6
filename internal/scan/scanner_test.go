package scan

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/inbox-triage/internal/mailbox"
	"github.com/nhle/inbox-triage/internal/model"
	"github.com/nhle/inbox-triage/internal/testutil"
)

const processed = "processed-id"

var base = time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC)

func ids(items []model.WorkItem) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

// flakyMailbox fails GetMessages for selected threads.
type flakyMailbox struct {
	*mailbox.Memory
	broken map[string]bool
}

func (f *flakyMailbox) GetMessages(ctx context.Context, ref mailbox.ThreadRef) ([]mailbox.Message, error) {
	if f.broken[ref.ID] {
		return nil, errors.New("fetch failed")
	}
	return f.Memory.GetMessages(ctx, ref)
}

func newScanner(t *testing.T, mail mailbox.Store, clock *time.Time) *Scanner {
	t.Helper()
	s := New(mail, testutil.NewTestStore(t), Options{})
	return s.WithClock(func() time.Time { return *clock })
}

func TestScan_FullWithoutCursor(t *testing.T) {
	ctx := context.Background()
	m := mailbox.NewMemory()
	now := base

	oldRead := m.Add(mailbox.Message{Subject: "old read", Date: base.Add(-30 * 24 * time.Hour)})
	m.MarkRead(oldRead)
	oldUnread := m.Add(mailbox.Message{Subject: "old unread", Date: base.Add(-30 * 24 * time.Hour)})
	recentRead := m.Add(mailbox.Message{Subject: "recent read", Date: base.Add(-time.Hour)})
	m.MarkRead(recentRead)
	done := m.Add(mailbox.Message{Subject: "done", Date: base.Add(-time.Hour)})
	require.NoError(t, m.AddLabel(ctx, done, processed))

	res, err := newScanner(t, m, &now).Scan(ctx, processed)
	require.NoError(t, err)

	assert.Equal(t, Full, res.Type)
	assert.ElementsMatch(t, []string{recentRead.ID, oldUnread.ID}, ids(res.Items))
	assert.Equal(t, 2, res.Summary.Scanned)
}

func TestScan_IncrementalAfterCommit(t *testing.T) {
	ctx := context.Background()
	m := mailbox.NewMemory()
	now := base
	s := newScanner(t, m, &now)

	first := m.Add(mailbox.Message{Subject: "first", Date: base.Add(-time.Hour)})
	m.MarkRead(first)

	res, err := s.Scan(ctx, processed)
	require.NoError(t, err)
	require.NoError(t, s.CommitCursor(ctx, res.Cursor))

	now = base.Add(time.Hour)
	second := m.Add(mailbox.Message{Subject: "second", Date: now})
	third := m.Add(mailbox.Message{Subject: "third", Date: now})

	res, err = s.Scan(ctx, processed)
	require.NoError(t, err)
	assert.Equal(t, Incremental, res.Type)
	assert.Equal(t, []string{second.ID, third.ID}, ids(res.Items), "new and unread overlap is deduplicated")
}

func TestScan_FallsBackToFull(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(m *mailbox.Memory, now *time.Time)
	}{
		{"uidvalidity changed", func(m *mailbox.Memory, _ *time.Time) { m.SetUIDValidity(99) }},
		{"cursor expired", func(_ *mailbox.Memory, now *time.Time) { *now = now.Add(8 * 24 * time.Hour) }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			m := mailbox.NewMemory()
			now := base
			s := newScanner(t, m, &now)

			m.Add(mailbox.Message{Subject: "a", Date: base})
			res, err := s.Scan(ctx, processed)
			require.NoError(t, err)
			require.NoError(t, s.CommitCursor(ctx, res.Cursor))

			tc.mutate(m, &now)
			res, err = s.Scan(ctx, processed)
			require.NoError(t, err)
			assert.Equal(t, Full, res.Type)
		})
	}
}

func TestScan_SkipsEmptyAndUnreadable(t *testing.T) {
	ctx := context.Background()
	mem := mailbox.NewMemory()
	good := mem.Add(mailbox.Message{Subject: "hello", Body: "world", Date: base})
	empty := mem.Add(mailbox.Message{Subject: " ", Body: "", Date: base})
	broken := mem.Add(mailbox.Message{Subject: "x", Date: base})

	mail := &flakyMailbox{Memory: mem, broken: map[string]bool{broken.ID: true}}
	now := base
	res, err := newScanner(t, mail, &now).Scan(ctx, processed)
	require.NoError(t, err)

	assert.Equal(t, []string{good.ID}, ids(res.Items))
	assert.ElementsMatch(t, []string{empty.ID, broken.ID}, res.Skipped)
	assert.Equal(t, 2, res.Summary.Skipped)
}

func TestScan_MaxItems(t *testing.T) {
	ctx := context.Background()
	m := mailbox.NewMemory()
	for i := range 12 {
		m.Add(mailbox.Message{Subject: fmt.Sprintf("m%d", i), Date: base})
	}

	now := base
	s := New(m, testutil.NewTestStore(t), Options{MaxItems: 5}).WithClock(func() time.Time { return now })
	res, err := s.Scan(ctx, processed)
	require.NoError(t, err)
	assert.Len(t, res.Items, 5)
}

func TestScan_ReadOnly(t *testing.T) {
	ctx := context.Background()
	m := mailbox.NewMemory()
	ref := m.Add(mailbox.Message{Subject: "hello", Date: base})
	props := testutil.NewTestStore(t)

	now := base
	s := New(m, props, Options{}).WithClock(func() time.Time { return now })
	_, err := s.Scan(ctx, processed)
	require.NoError(t, err)

	assert.Empty(t, m.Labels(ref))
	_, ok, err := props.GetProperty(ctx, CursorKey)
	require.NoError(t, err)
	assert.False(t, ok, "scan must not commit the cursor")
}

func TestScan_SearchErrorFailsScan(t *testing.T) {
	m := mailbox.NewMemory()
	m.SearchErr = errors.New("connection reset")
	now := base

	_, err := newScanner(t, m, &now).Scan(context.Background(), processed)
	assert.Error(t, err)
}

func TestScan_CappedScanLeavesRestForNextRun(t *testing.T) {
	ctx := context.Background()
	m := mailbox.NewMemory()
	now := base
	s := New(m, testutil.NewTestStore(t), Options{MaxItems: 3}).WithClock(func() time.Time { return now })

	var all []string
	for i := range 5 {
		ref := m.Add(mailbox.Message{Subject: fmt.Sprintf("read %d", i), Date: base.Add(-time.Hour)})
		m.MarkRead(ref)
		all = append(all, ref.ID)
	}

	res, err := s.Scan(ctx, processed)
	require.NoError(t, err)
	assert.Equal(t, Full, res.Type)
	assert.True(t, res.Truncated)
	assert.Equal(t, all[:3], ids(res.Items), "oldest threads first")
	assert.Equal(t, uint32(3), res.Cursor.LastUID, "cursor stops at the last thread taken")
	for _, id := range ids(res.Items) {
		require.NoError(t, m.AddLabel(ctx, mailbox.ThreadRef{ID: id}, processed))
	}
	require.NoError(t, s.CommitCursor(ctx, res.Cursor))

	res, err = s.Scan(ctx, processed)
	require.NoError(t, err)
	assert.Equal(t, Incremental, res.Type)
	assert.False(t, res.Truncated)
	assert.Equal(t, all[3:], ids(res.Items))
	assert.Equal(t, uint32(5), res.Cursor.LastUID)
}

func TestCapCursor(t *testing.T) {
	refs := func(ids ...string) []mailbox.ThreadRef {
		out := make([]mailbox.ThreadRef, len(ids))
		for i, id := range ids {
			out[i] = mailbox.ThreadRef{ID: id}
		}
		return out
	}

	assert.Equal(t, uint32(7), capCursor(refs("2", "7", "5"), 0, 10))
	assert.Equal(t, uint32(4), capCursor(refs("2", "3"), 4, 10), "never below the saved cursor")
	assert.Equal(t, uint32(6), capCursor(refs("9"), 0, 6), "never past the mailbox position")
	assert.Equal(t, uint32(4), capCursor(refs("5", "gmail-thread"), 4, 10), "unknown ids keep the floor")
	assert.Equal(t, uint32(0), capCursor(nil, 0, 10))
}
