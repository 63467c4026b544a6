package classify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/inbox-triage/internal/llm"
	"github.com/nhle/inbox-triage/internal/model"
)

// scriptedCaller answers each batch by echoing its ids, with per-call tweaks.
type scriptedCaller struct {
	mu      sync.Mutex
	calls   int
	schemas []*llm.Schema
	tweak   func(call int, ids []string) ([]map[string]any, error)
}

func (s *scriptedCaller) Call(_ context.Context, prompt string, schema *llm.Schema) (*llm.Response, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.schemas = append(s.schemas, schema)
	s.mu.Unlock()

	ids := promptIDs(prompt)
	var entries []map[string]any
	var err error
	if s.tweak != nil {
		entries, err = s.tweak(call, ids)
	} else {
		entries = echo(ids)
	}
	if err != nil {
		return nil, err
	}
	raw, _ := json.Marshal(entries)
	return &llm.Response{Text: string(raw), JSON: raw, Attempts: 1}, nil
}

func promptIDs(prompt string) []string {
	_, payload, _ := strings.Cut(prompt, "Emails:\n")
	var items []promptItem
	_ = json.Unmarshal([]byte(payload), &items)
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	return ids
}

func echo(ids []string) []map[string]any {
	out := make([]map[string]any, len(ids))
	for i, id := range ids {
		out[i] = map[string]any{"id": id, "label": "other", "needs_reply": false, "confidence": 0.8}
	}
	return out
}

func makeItems(n int) []model.WorkItem {
	items := make([]model.WorkItem, n)
	for i := range items {
		items[i] = model.WorkItem{
			ID:      fmt.Sprintf("m%02d", i+1),
			Subject: fmt.Sprintf("subject %d", i+1),
			Body:    "body",
		}
	}
	return items
}

func assertOneResultPerItem(t *testing.T, items []model.WorkItem, results []model.ClassificationResult) {
	t.Helper()
	require.Len(t, results, len(items))
	seen := map[string]bool{}
	for i, r := range results {
		assert.Equal(t, items[i].ID, r.ID, "result order")
		assert.False(t, seen[r.ID], "duplicate result for %s", r.ID)
		seen[r.ID] = true
	}
}

func TestClassifyAll_AllSucceed(t *testing.T) {
	caller := &scriptedCaller{}
	c := New(caller, WithDelay(0))
	items := makeItems(25)

	results := c.ClassifyAll(context.Background(), items, "Label these.")

	assertOneResultPerItem(t, items, results)
	assert.Equal(t, 3, caller.calls)
	for _, r := range results {
		assert.True(t, r.OK())
		assert.Equal(t, "other", r.Label)
		require.NotNil(t, r.Confidence)
	}
}

func TestClassifyAll_FailedBatchIsIsolated(t *testing.T) {
	caller := &scriptedCaller{tweak: func(call int, ids []string) ([]map[string]any, error) {
		if call == 2 {
			return nil, &llm.Error{Kind: llm.KindServiceUnavailable, StatusCode: 503, Message: "busy"}
		}
		return echo(ids), nil
	}}
	c := New(caller, WithDelay(0))
	items := makeItems(25)

	results := c.ClassifyAll(context.Background(), items, "Label these.")

	assertOneResultPerItem(t, items, results)
	for i, r := range results {
		if i >= 10 && i < 20 {
			require.Error(t, r.Err, r.ID)
			assert.Equal(t, llm.KindServiceUnavailable, llm.KindOf(r.Err))
			continue
		}
		assert.True(t, r.OK(), r.ID)
	}
}

func TestClassifyAll_MissingUnknownAndDuplicateIDs(t *testing.T) {
	caller := &scriptedCaller{tweak: func(_ int, ids []string) ([]map[string]any, error) {
		entries := echo(ids[1:])
		entries = append(entries,
			map[string]any{"id": "intruder", "label": "billing"},
			map[string]any{"id": ids[2], "label": "billing"},
			map[string]any{"id": ids[3], "label": ""},
		)
		return entries, nil
	}}
	c := New(caller, WithDelay(0))
	items := makeItems(5)

	results := c.ClassifyAll(context.Background(), items, "Label these.")

	assertOneResultPerItem(t, items, results)
	assert.True(t, errors.Is(results[0].Err, ErrMissingResult))
	assert.Equal(t, "other", results[2].Label, "first answer wins")
	assert.True(t, results[3].OK(), "duplicate with empty label is ignored")
	assert.True(t, results[4].OK())
}

func TestClassifyAll_Paced(t *testing.T) {
	caller := &scriptedCaller{}
	c := New(caller, WithDelay(40*time.Millisecond))

	start := time.Now()
	results := c.ClassifyAll(context.Background(), makeItems(30), "Label these.")

	require.Len(t, results, 30)
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestClassifyAll_Parallel(t *testing.T) {
	caller := &scriptedCaller{}
	c := New(caller, WithDelay(0), WithParallel(3))
	items := makeItems(47)

	results := c.ClassifyAll(context.Background(), items, "Label these.")

	assertOneResultPerItem(t, items, results)
	assert.Equal(t, 5, caller.calls)
}

func TestClassifyAll_CancelledContext(t *testing.T) {
	caller := &scriptedCaller{}
	c := New(caller, WithDelay(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())

	items := makeItems(15)
	cancel()
	results := c.ClassifyAll(ctx, items, "Label these.")

	assertOneResultPerItem(t, items, results)
	for _, r := range results {
		assert.Error(t, r.Err)
	}
}

func TestClassifyAll_ClosedLabelSet(t *testing.T) {
	caller := &scriptedCaller{}
	c := New(caller, WithDelay(0), WithLabels([]string{"support", "other"}))

	c.ClassifyAll(context.Background(), makeItems(3), "Label these.")

	require.Len(t, caller.schemas, 1)
	assert.Equal(t, []string{"support", "other"}, caller.schemas[0].Items.Properties["label"].Enum)
}

func TestBatches(t *testing.T) {
	got := Batches([]int{1, 2, 3, 4, 5}, 2)
	assert.Equal(t, [][]int{{1, 2}, {3, 4}, {5}}, got)
	assert.Empty(t, Batches([]int{}, 10))
}
