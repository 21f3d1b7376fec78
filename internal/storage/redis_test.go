package storage

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wallet-insight/internal/config"
	apperrors "github.com/wallet-insight/internal/errors"
	"github.com/wallet-insight/internal/types"
)

func setupResultCache(t *testing.T, ttl time.Duration) (*ResultCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewResultCache(client, "test:analysis", ttl), mr
}

func TestNewRedisClient(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := NewRedisClient(testContext(t), &config.RedisConfig{
		Host:           mr.Host(),
		Port:           mr.Port(),
		MaxConnections: 4,
	})
	require.NoError(t, err)
	defer client.Close()

	assert.NoError(t, client.Ping(testContext(t)).Err())

	mr.Close()
	_, err = NewRedisClient(testContext(t), &config.RedisConfig{Host: "127.0.0.1", Port: "1", MaxConnections: 1})
	assert.Error(t, err)
}

func TestResultCache_PutGet(t *testing.T) {
	cache, mr := setupResultCache(t, time.Hour)
	ctx := testContext(t)

	got, err := cache.Get(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, got)

	res := testAnalysis("w1", types.OrderingKey{Slot: 10, Index: 2}, 0.4)
	stored, err := cache.Put(ctx, res)
	require.NoError(t, err)
	assert.True(t, stored)

	got, err = cache.Get(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, res.ComputedAt, got.ComputedAt)
	assert.Equal(t, res.Score, got.Score)
	assert.Equal(t, res.DataGaps, got.DataGaps)
	assert.True(t, got.Holdings["mint"].Quantity.Equal(res.Holdings["mint"].Quantity))
	assert.Equal(t, time.Hour, mr.TTL("test:analysis:w1"))
}

func TestResultCache_KeepsNewest(t *testing.T) {
	cache, _ := setupResultCache(t, 0)
	ctx := testContext(t)

	require.NoError(t, cache.Record(ctx, testAnalysis("w", types.OrderingKey{Slot: 20, Index: 1}, 0.2), nil))

	stored, err := cache.Put(ctx, testAnalysis("w", types.OrderingKey{Slot: 20, Index: 0}, 0.9))
	require.NoError(t, err)
	assert.False(t, stored)

	stored, err = cache.Put(ctx, testAnalysis("w", types.OrderingKey{Slot: 20, Index: 1}, 0.3))
	require.NoError(t, err)
	assert.True(t, stored, "same key replaces")

	stored, err = cache.Put(ctx, testAnalysis("w", types.OrderingKey{Slot: 21}, 0.5))
	require.NoError(t, err)
	assert.True(t, stored)

	got, err := cache.Get(ctx, "w")
	require.NoError(t, err)
	assert.Equal(t, types.OrderingKey{Slot: 21}, got.ComputedAt)
	assert.Equal(t, 0.5, got.Score)
}

func TestResultCache_Expires(t *testing.T) {
	cache, mr := setupResultCache(t, time.Minute)
	ctx := testContext(t)

	require.NoError(t, cache.Record(ctx, testAnalysis("w", types.OrderingKey{Slot: 1}, 0.1), nil))
	mr.FastForward(2 * time.Minute)

	got, err := cache.Get(ctx, "w")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestResultCache_CorruptEntry(t *testing.T) {
	cache, mr := setupResultCache(t, 0)
	mr.HSet("test:analysis:w", "body", "{not json")

	_, err := cache.Get(testContext(t), "w")
	assert.Error(t, err)
}

func TestResultCache_BackendDownIsRetryable(t *testing.T) {
	cache, mr := setupResultCache(t, 0)
	mr.Close()

	_, err := cache.Get(testContext(t), "w")
	require.Error(t, err)
	assert.True(t, apperrors.IsRetryable(err))

	_, err = cache.Put(testContext(t), testAnalysis("w", types.OrderingKey{Slot: 1}, 0.1))
	assert.Equal(t, apperrors.CategoryCache, apperrors.Categorize(err).Category)
}
