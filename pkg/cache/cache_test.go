package cache

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	logger := slog.New(slog.DiscardHandler)
	return New(rdb, logger), mr
}

func TestSetThenGetRoundTrip(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	c.Set(ctx, "k1", map[string]string{"hello": "world"}, time.Minute)

	var out map[string]string
	require.NoError(t, c.Get(ctx, "k1", &out))
	assert.Equal(t, "world", out["hello"])
}

func TestGetMissReturnsErrMiss(t *testing.T) {
	c, _ := newTestCache(t)
	var out string
	err := c.Get(context.Background(), "nope", &out)
	assert.ErrorIs(t, err, ErrMiss)
}

func TestDeleteRemovesKey(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	c.Set(ctx, "k1", "v1", time.Minute)
	c.Delete(ctx, "k1")

	var out string
	assert.ErrorIs(t, c.Get(ctx, "k1", &out), ErrMiss)
}

func TestDeletePatternRemovesMatches(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	c.Set(ctx, "session:a", "1", time.Minute)
	c.Set(ctx, "session:b", "2", time.Minute)
	c.Set(ctx, "other:c", "3", time.Minute)

	c.DeletePattern(ctx, "session:*")

	var out string
	assert.ErrorIs(t, c.Get(ctx, "session:a", &out), ErrMiss)
	assert.ErrorIs(t, c.Get(ctx, "session:b", &out), ErrMiss)
	require.NoError(t, c.Get(ctx, "other:c", &out))
}

func TestGetOrComputeCallsOnceOnMiss(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	calls := 0

	compute := func(ctx context.Context) (any, error) {
		calls++
		return "computed-value", nil
	}

	var out string
	require.NoError(t, c.GetOrCompute(ctx, "k1", time.Minute, compute, &out))
	assert.Equal(t, "computed-value", out)

	out = ""
	require.NoError(t, c.GetOrCompute(ctx, "k1", time.Minute, compute, &out))
	assert.Equal(t, "computed-value", out)
	assert.Equal(t, 1, calls, "compute should only run on the initial miss")
}

func TestDegradesToMemoryWhenRedisUnreachable(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	mr.Close() // simulate Redis becoming unreachable

	c.Set(ctx, "k1", "v1", time.Minute)

	var out string
	require.NoError(t, c.Get(ctx, "k1", &out))
	assert.Equal(t, "v1", out)
	assert.True(t, c.isDegraded())
}

func TestMakeKeyJoinsWithColon(t *testing.T) {
	assert.Equal(t, "a:b:c", MakeKey("a", "b", "c"))
}

func TestMakeHashKeyIsStableAndEightHexChars(t *testing.T) {
	k1, err := MakeHashKey("prefix", map[string]any{"b": 2, "a": 1})
	require.NoError(t, err)
	k2, err := MakeHashKey("prefix", map[string]any{"a": 1, "b": 2})
	require.NoError(t, err)

	assert.Equal(t, k1, k2, "key ordering must not affect the hash")
	assert.Len(t, k1, len("prefix:")+8)
}
