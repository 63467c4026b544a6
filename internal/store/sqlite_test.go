package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/inbox-triage/internal/model"
	"github.com/nhle/inbox-triage/internal/testutil"
)

func TestProperties_RoundTrip(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	_, ok, err := s.GetProperty(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetProperty(ctx, "k", "v1"))
	require.NoError(t, s.SetProperty(ctx, "k", "v2"))

	v, ok, err := s.GetProperty(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v2", v)

	require.NoError(t, s.DeleteProperty(ctx, "k"))
	require.NoError(t, s.DeleteProperty(ctx, "k"), "deleting twice is not an error")

	_, ok, err = s.GetProperty(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLabels_RenameKeepsID(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	created, err := s.CreateLabel(ctx, "Support")
	require.NoError(t, err)
	assert.NotContains(t, created.ID, "-")

	require.NoError(t, s.RenameLabel(ctx, created.ID, "Customer Support"))

	got, err := s.GetLabel(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Customer Support", got.Name)
	assert.Equal(t, created.Keyword(), got.Keyword())

	_, err = s.FindLabel(ctx, "Support")
	assert.ErrorIs(t, err, model.ErrLabelNotFound)

	found, err := s.FindLabel(ctx, "Customer Support")
	require.NoError(t, err)
	assert.Equal(t, created.ID, found.ID)
}

func TestLabels_DuplicateNameRejected(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	_, err := s.CreateLabel(ctx, "Billing")
	require.NoError(t, err)
	_, err = s.CreateLabel(ctx, "Billing")
	assert.Error(t, err)

	_, err = s.CreateLabel(ctx, "  ")
	assert.Error(t, err)
}

func TestLabels_DeleteThenGet(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	l, err := s.CreateLabel(ctx, "Spam")
	require.NoError(t, err)
	require.NoError(t, s.DeleteLabel(ctx, l.ID))

	_, err = s.GetLabel(ctx, l.ID)
	assert.ErrorIs(t, err, model.ErrLabelNotFound)
	assert.ErrorIs(t, s.DeleteLabel(ctx, l.ID), model.ErrLabelNotFound)

	labels, err := s.ListLabels(ctx)
	require.NoError(t, err)
	assert.Empty(t, labels)
}

func TestRuns_RecordAndList(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"run-a", "run-b"} {
		require.NoError(t, s.RecordRun(ctx, model.RunRecord{
			ID:          id,
			Status:      model.RunCompleted,
			ScanType:    "full",
			Invocations: i + 1,
			StartedAt:   base.Add(time.Duration(i) * time.Hour),
			FinishedAt:  base.Add(time.Duration(i)*time.Hour + time.Minute),
			Summary:     model.RunSummary{Scanned: 10 * (i + 1), Blocked: i},
		}))
	}

	runs, err := s.ListRuns(ctx, 5)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-b", runs[0].ID)
	assert.Equal(t, 20, runs[0].Summary.Scanned)
	assert.Equal(t, 1, runs[0].Summary.Blocked)
	assert.Equal(t, model.RunCompleted, runs[1].Status)
}
