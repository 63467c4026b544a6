package store_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/inbox-triage/internal/store"
)

func TestRedisProperties_Unreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 200 * time.Millisecond,
		MaxRetries:  -1,
	})
	props := store.NewRedisPropertiesFromClient(client, "test:")
	t.Cleanup(func() { _ = props.Close() })
	ctx := context.Background()

	_, _, err := props.GetProperty(ctx, "k")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "getting property k")

	err = props.SetProperty(ctx, "k", "v")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "setting property k")
}

func TestRedisProperties_RoundTrip(t *testing.T) {
	addr := os.Getenv("INBOXTRIAGE_REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("skipping Redis integration test; set INBOXTRIAGE_REDIS_TEST_ADDR to run")
	}

	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skipf("skipping Redis integration test; Redis not reachable: %v", err)
	}

	prefix := "inboxtriage-test:" + uuid.NewString() + ":"
	props := store.NewRedisPropertiesFromClient(client, prefix)
	t.Cleanup(func() { _ = props.Close() })

	_, ok, err := props.GetProperty(ctx, "cursor")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, props.SetProperty(ctx, "cursor", "42"))
	require.NoError(t, props.SetProperty(ctx, "cursor", "43"))

	got, ok, err := props.GetProperty(ctx, "cursor")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "43", got)

	raw, err := client.Get(ctx, prefix+"cursor").Result()
	require.NoError(t, err)
	assert.Equal(t, "43", raw, "keys are namespaced by the prefix")

	require.NoError(t, props.DeleteProperty(ctx, "cursor"))
	require.NoError(t, props.DeleteProperty(ctx, "cursor"), "deleting a missing key is not an error")

	_, ok, err = props.GetProperty(ctx, "cursor")
	require.NoError(t, err)
	assert.False(t, ok)
}
