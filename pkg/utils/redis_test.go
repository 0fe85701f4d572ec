package utils

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestOpenRedis_Pings(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb, err := OpenRedis(context.Background(), RedisConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	_ = rdb.Close()

	_, err = OpenRedis(context.Background(), RedisConfig{})
	assert.Error(t, err)
}

func TestConcurrencyCap_SingleSlot(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newTestRedis(t)
	key := ConcurrencyCapKey("active_call", "caller-1")

	ok, err := AcquireConcurrencyCap(ctx, rdb, key, 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = AcquireConcurrencyCap(ctx, rdb, key, 1, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second acquire must be rejected")

	require.NoError(t, ReleaseConcurrencyCap(ctx, rdb, key))
	assert.False(t, mr.Exists(key), "released slot should delete the key")

	ok, err = AcquireConcurrencyCap(ctx, rdb, key, 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestConcurrencyCap_TTLAndRefresh(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newTestRedis(t)
	key := ConcurrencyCapKey("active_call", "caller-2")

	ok, err := AcquireConcurrencyCap(ctx, rdb, key, 1, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(50 * time.Second)
	ok, err = RefreshConcurrencyCap(ctx, rdb, key, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, time.Minute, mr.TTL(key))

	mr.FastForward(2 * time.Minute)
	ok, err = RefreshConcurrencyCap(ctx, rdb, key, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "expired slot cannot be refreshed")
}

func TestConcurrencyCap_RejectsBadArgs(t *testing.T) {
	ctx := context.Background()
	_, rdb := newTestRedis(t)

	_, err := AcquireConcurrencyCap(ctx, rdb, "", 1, time.Minute)
	assert.Error(t, err)
	_, err = AcquireConcurrencyCap(ctx, rdb, "k", 0, time.Minute)
	assert.Error(t, err)
	_, err = AcquireConcurrencyCap(ctx, rdb, "k", 1, 0)
	assert.Error(t, err)
	assert.Error(t, ReleaseConcurrencyCap(ctx, rdb, ""))
}
