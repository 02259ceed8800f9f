package redisclient

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T) *Client {
	t.Helper()

	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("Skipping integration test - requires Redis (set TEST_REDIS_ADDR)")
	}

	c, err := NewClient(addr, "", 15, time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestFileLock(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()
	key := "KONZUM:" + uuid.New().String()

	ok, err := c.AcquireFileLock(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	other := newClient(c.GetClient(), time.Minute)
	ok, err = other.AcquireFileLock(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// releasing a lock this client does not hold is a no-op
	require.NoError(t, other.ReleaseFileLock(ctx, key))
	ok, err = other.AcquireFileLock(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.ReleaseFileLock(ctx, key))
	ok, err = other.AcquireFileLock(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, other.ReleaseFileLock(ctx, key))
}

func TestReleaseKeepsLockTakenOverAfterExpiry(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()
	key := "SPAR:" + uuid.New().String()

	ok, err := c.AcquireFileLock(ctx, key, 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(100 * time.Millisecond)

	other := newClient(c.GetClient(), time.Minute)
	ok, err = other.AcquireFileLock(ctx, key, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, c.ReleaseFileLock(ctx, key))
	val, err := c.GetClient().Get(ctx, lockKey(key)).Result()
	require.NoError(t, err)
	assert.NotEmpty(t, val)

	require.NoError(t, other.ReleaseFileLock(ctx, key))
	_, err = c.GetClient().Get(ctx, lockKey(key)).Result()
	assert.ErrorIs(t, err, redis.Nil)
}

func TestProcessedMarkers(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()
	key := "LIDL:" + uuid.New().String()

	done, err := c.IsProcessed(ctx, key)
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, c.MarkProcessed(ctx, key, 11))
	require.NoError(t, c.MarkProcessed(ctx, key, 12))

	done, err = c.IsProcessed(ctx, key)
	require.NoError(t, err)
	assert.True(t, done)

	id, err := c.ProcessedBy(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(11), id)

	bad := "LIDL:" + uuid.New().String()
	require.NoError(t, c.rdb.Set(ctx, processedKey(bad), "not-a-number", time.Minute).Err())
	_, err = c.ProcessedBy(ctx, bad)
	assert.ErrorContains(t, err, "parse processed marker")
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "lock:file:KONZUM:abc", lockKey("KONZUM:abc"))
	assert.Equal(t, "processed:file:KONZUM:abc", processedKey("KONZUM:abc"))
}
