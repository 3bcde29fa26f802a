package attempts

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisCounter_Lifecycle(t *testing.T) {
	mr, client := setupTestRedis(t)
	c := NewRedisCounter(client, time.Hour)
	ctx := context.Background()

	n, err := c.Failures(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = c.RecordFailure(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, time.Hour, mr.TTL("confirm:attempts:m1"))

	n, err = c.RecordFailure(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = c.Failures(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, c.Clear(ctx, "m1"))
	assert.False(t, mr.Exists("confirm:attempts:m1"))
}

func TestRedisCounter_Expires(t *testing.T) {
	mr, client := setupTestRedis(t)
	c := NewRedisCounter(client, time.Minute)
	ctx := context.Background()

	_, err := c.RecordFailure(ctx, "m2")
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)

	n, err := c.Failures(ctx, "m2")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRedisCounter_EveryFailureSetsTTL(t *testing.T) {
	mr, client := setupTestRedis(t)
	c := NewRedisCounter(client, time.Hour)
	ctx := context.Background()

	// a counter left without an expiry
	require.NoError(t, mr.Set("confirm:attempts:m3", "4"))

	n, err := c.RecordFailure(ctx, "m3")
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, time.Hour, mr.TTL("confirm:attempts:m3"))
}

func TestRedisCounter_KeysAreIsolated(t *testing.T) {
	_, client := setupTestRedis(t)
	c := NewRedisCounter(client, 0)
	ctx := context.Background()

	_, _ = c.RecordFailure(ctx, "a")
	_, _ = c.RecordFailure(ctx, "a")
	_, _ = c.RecordFailure(ctx, "b")

	a, _ := c.Failures(ctx, "a")
	b, _ := c.Failures(ctx, "b")
	assert.Equal(t, 2, a)
	assert.Equal(t, 1, b)
}

func TestRedisCounter_CorruptValue(t *testing.T) {
	mr, client := setupTestRedis(t)
	c := NewRedisCounter(client, time.Hour)
	require.NoError(t, mr.Set("confirm:attempts:bad", "x"))

	_, err := c.Failures(context.Background(), "bad")
	assert.Error(t, err)
}

func TestRedisCounter_EmptyID(t *testing.T) {
	_, client := setupTestRedis(t)
	c := NewRedisCounter(client, time.Hour)
	ctx := context.Background()

	_, err := c.Failures(ctx, "")
	assert.Error(t, err)
	_, err = c.RecordFailure(ctx, "")
	assert.Error(t, err)
	assert.NoError(t, c.Clear(ctx, ""))
}

func TestRedisCounter_RedisDown(t *testing.T) {
	mr, client := setupTestRedis(t)
	c := NewRedisCounter(client, time.Hour)
	mr.Close()

	_, err := c.RecordFailure(context.Background(), "m")
	assert.Error(t, err)
	assert.Error(t, c.Ping(context.Background()))
}
