package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusworks/trustcore/pkg/storage"
)

func testRedis(t *testing.T) (*RedisClient, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisClientFromExisting(client, storage.DefaultConfig()), mr
}

func TestRedisGetSet(t *testing.T) {
	c, _ := testRedis(t)
	ctx := context.Background()

	_, err := c.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, c.Set(ctx, "k", "v", time.Minute))
	val, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", val)

	require.NoError(t, c.Del(ctx, "k"))
	_, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestRedisSetNXIsExactlyOnce(t *testing.T) {
	c, _ := testRedis(t)
	ctx := context.Background()

	first, err := c.SetNX(ctx, "replay:abc", "1", time.Minute)
	require.NoError(t, err)
	assert.True(t, first)

	second, err := c.SetNX(ctx, "replay:abc", "1", time.Minute)
	require.NoError(t, err)
	assert.False(t, second)
}

func TestRedisGetDelConsumesOnce(t *testing.T) {
	c, _ := testRedis(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "state:tok", "payload", time.Minute))

	val, err := c.GetDel(ctx, "state:tok")
	require.NoError(t, err)
	assert.Equal(t, "payload", val)

	_, err = c.GetDel(ctx, "state:tok")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestRedisKeysExpire(t *testing.T) {
	c, mr := testRedis(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "short", "v", time.Second))
	mr.FastForward(2 * time.Second)

	_, err := c.Get(ctx, "short")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestRedisIncrAndExpire(t *testing.T) {
	c, _ := testRedis(t)
	ctx := context.Background()

	n, err := c.Incr(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = c.Incr(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.NoError(t, c.Expire(ctx, "counter", time.Minute))
	ttl, err := c.TTL(ctx, "counter")
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}
