package labels

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/inbox-triage/internal/model"
	"github.com/nhle/inbox-triage/internal/store"
	"github.com/nhle/inbox-triage/internal/testutil"
)

// countingCatalog records how often the catalog is consulted.
type countingCatalog struct {
	*store.SQLiteStore
	gets, finds, creates atomic.Int32
}

func (c *countingCatalog) GetLabel(ctx context.Context, id string) (model.Label, error) {
	c.gets.Add(1)
	return c.SQLiteStore.GetLabel(ctx, id)
}

func (c *countingCatalog) FindLabel(ctx context.Context, name string) (model.Label, error) {
	c.finds.Add(1)
	return c.SQLiteStore.FindLabel(ctx, name)
}

func (c *countingCatalog) CreateLabel(ctx context.Context, name string) (model.Label, error) {
	c.creates.Add(1)
	return c.SQLiteStore.CreateLabel(ctx, name)
}

func (c *countingCatalog) calls() int32 {
	return c.gets.Load() + c.finds.Load() + c.creates.Load()
}

func setup(t *testing.T, opts ...Option) (*Resolver, *countingCatalog, *testutil.Clock) {
	t.Helper()
	s := testutil.NewTestStore(t)
	catalog := &countingCatalog{SQLiteStore: s}
	clock := testutil.NewClock(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	opts = append([]Option{WithClock(clock.Now), WithTTL(time.Hour)}, opts...)
	return NewResolver(catalog, s, opts...), catalog, clock
}

func TestResolve_CreatesOnceThenCaches(t *testing.T) {
	ctx := context.Background()
	r, catalog, _ := setup(t)

	first, err := r.Resolve(ctx, "Support")
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, int32(1), catalog.creates.Load())

	before := catalog.calls()
	second, err := r.Resolve(ctx, "support ")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, before, catalog.calls(), "fresh cache hit must not touch the catalog")
}

func TestResolve_FindsExistingLabel(t *testing.T) {
	ctx := context.Background()
	r, catalog, _ := setup(t)

	existing, err := catalog.SQLiteStore.CreateLabel(ctx, "Billing")
	require.NoError(t, err)

	h, err := r.Resolve(ctx, "Billing")
	require.NoError(t, err)
	assert.Equal(t, existing.ID, h.ID)
	assert.Equal(t, int32(0), catalog.creates.Load())
}

func TestResolve_RenameTolerated(t *testing.T) {
	ctx := context.Background()
	r, catalog, clock := setup(t)

	h, err := r.Resolve(ctx, "Support")
	require.NoError(t, err)
	require.NoError(t, catalog.SQLiteStore.RenameLabel(ctx, h.ID, "Customer Support"))

	clock.Advance(2 * time.Hour)
	renamed, err := r.Resolve(ctx, "Support")
	require.NoError(t, err)
	assert.Equal(t, h.ID, renamed.ID)
	assert.Equal(t, "Customer Support", renamed.Name)
	assert.Equal(t, int32(1), catalog.creates.Load(), "rename must not create a duplicate")
}

func TestResolve_DeletedLabelRecreated(t *testing.T) {
	ctx := context.Background()
	r, catalog, clock := setup(t)

	h, err := r.Resolve(ctx, "Support")
	require.NoError(t, err)
	require.NoError(t, catalog.SQLiteStore.DeleteLabel(ctx, h.ID))

	clock.Advance(2 * time.Hour)
	again, err := r.Resolve(ctx, "Support")
	require.NoError(t, err)
	assert.NotEqual(t, h.ID, again.ID)

	got, err := catalog.SQLiteStore.GetLabel(ctx, again.ID)
	require.NoError(t, err)
	assert.Equal(t, "Support", got.Name)
}

func TestResolve_CacheSharedThroughPropertyStore(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	catalog := &countingCatalog{SQLiteStore: s}

	h, err := NewResolver(catalog, s).Resolve(ctx, "Support")
	require.NoError(t, err)

	before := catalog.calls()
	h2, err := NewResolver(catalog, s).Resolve(ctx, "Support")
	require.NoError(t, err)
	assert.Equal(t, h.ID, h2.ID)
	assert.Equal(t, before, catalog.calls())
}

func TestResolve_AllowedSet(t *testing.T) {
	ctx := context.Background()
	r, _, _ := setup(t, WithAllowed([]string{"Support", "Other", "support"}))

	_, err := r.Resolve(ctx, "Spam")
	assert.True(t, errors.Is(err, ErrUnknownLabel))

	_, err = r.Resolve(ctx, "SUPPORT")
	assert.NoError(t, err)

	_, err = r.ResolveMarker(ctx, "AI/Processed")
	assert.NoError(t, err)

	assert.Equal(t, []string{"Support", "Other"}, r.Allowed())
}

func TestResolve_ConcurrentSingleCreate(t *testing.T) {
	ctx := context.Background()
	r, catalog, _ := setup(t)

	var wg sync.WaitGroup
	ids := make([]string, 16)
	for i := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := r.Resolve(ctx, "Support")
			assert.NoError(t, err)
			ids[i] = h.ID
		}()
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, int32(1), catalog.creates.Load())
}

func TestResolve_EmptyName(t *testing.T) {
	r, _, _ := setup(t)
	_, err := r.Resolve(context.Background(), "  ")
	assert.Error(t, err)
}
