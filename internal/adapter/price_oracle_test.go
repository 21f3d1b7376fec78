package adapter

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/wallet-insight/internal/errors"
	"github.com/wallet-insight/internal/metrics"
	"github.com/wallet-insight/internal/models"
	"github.com/wallet-insight/internal/types"
)

func setupRedisOracle(t *testing.T) (*RedisPriceOracle, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisPriceOracle(client, "test:price"), mr
}

func TestRedisPriceOracle_LatestAtOrBefore(t *testing.T) {
	oracle, mr := setupRedisOracle(t)
	ctx := context.Background()

	require.NoError(t, oracle.SetPrice(ctx, "MintA", 10, decimal.RequireFromString("1.5")))
	require.NoError(t, oracle.SetPrice(ctx, "MintA", 20, decimal.RequireFromString("2.25")))
	assert.True(t, mr.Exists("test:price:minta"))

	tests := []struct {
		slot uint64
		want string
	}{
		{10, "1.5"},
		{15, "1.5"},
		{20, "2.25"},
		{1000, "2.25"},
	}
	for _, tt := range tests {
		p, err := oracle.PriceAt(ctx, "MintA", types.OrderingKey{Slot: tt.slot, Index: 7})
		require.NoError(t, err)
		assert.Equal(t, tt.want, p.String(), "slot %d", tt.slot)
	}

	_, err := oracle.PriceAt(ctx, "MintA", types.OrderingKey{Slot: 9})
	var priceErr *apperrors.PriceUnavailableError
	require.ErrorAs(t, err, &priceErr)
	assert.Equal(t, "MintA", priceErr.TokenMint)
	assert.Nil(t, priceErr.Cause)
}

func TestRedisPriceOracle_SetPriceReplacesSameSlot(t *testing.T) {
	oracle, mr := setupRedisOracle(t)
	ctx := context.Background()

	require.NoError(t, oracle.SetPrice(ctx, "m", 5, decimal.NewFromInt(1)))
	require.NoError(t, oracle.SetPrice(ctx, "m", 5, decimal.NewFromInt(3)))

	members, err := mr.ZMembers("test:price:m")
	require.NoError(t, err)
	assert.Equal(t, []string{"5:3"}, members)

	p, err := oracle.PriceAt(ctx, "m", types.OrderingKey{Slot: 5})
	require.NoError(t, err)
	assert.True(t, p.Equal(decimal.NewFromInt(3)))
}

func TestRedisPriceOracle_MalformedAndDown(t *testing.T) {
	oracle, mr := setupRedisOracle(t)
	ctx := context.Background()

	_, err := mr.ZAdd("test:price:bad", 1, "garbage")
	require.NoError(t, err)
	_, err = oracle.PriceAt(ctx, "bad", types.OrderingKey{Slot: 1})
	var priceErr *apperrors.PriceUnavailableError
	require.ErrorAs(t, err, &priceErr)
	assert.Error(t, priceErr.Cause)

	_, err = mr.ZAdd("test:price:nan", 1, "1:not-a-number")
	require.NoError(t, err)
	_, err = oracle.PriceAt(ctx, "nan", types.OrderingKey{Slot: 1})
	require.ErrorAs(t, err, &priceErr)
}

func TestRedisPriceOracle_BackendFailureIsNotUnavailable(t *testing.T) {
	oracle, mr := setupRedisOracle(t)
	require.NoError(t, oracle.SetPrice(context.Background(), "m", 1, decimal.NewFromInt(1)))

	mr.Close()
	_, err := oracle.PriceAt(context.Background(), "m", types.OrderingKey{Slot: 1})
	require.Error(t, err)
	var priceErr *apperrors.PriceUnavailableError
	assert.False(t, errors.As(err, &priceErr))
	var adapterErr *AdapterError
	require.ErrorAs(t, err, &adapterErr)
	assert.Equal(t, "PriceAt", adapterErr.Op)
}

func TestRedisPriceOracle_CanceledContext(t *testing.T) {
	oracle, _ := setupRedisOracle(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := oracle.PriceAt(ctx, "m", types.OrderingKey{Slot: 1})
	assert.ErrorIs(t, err, context.Canceled)
	var priceErr *apperrors.PriceUnavailableError
	assert.False(t, errors.As(err, &priceErr))
}

func TestRedisPriceOracle_OutageAbortsValuation(t *testing.T) {
	oracle, mr := setupRedisOracle(t)
	ctx := context.Background()
	require.NoError(t, oracle.SetPrice(ctx, "a", 1, decimal.NewFromInt(2)))
	snap := &models.PortfolioSnapshot{
		AsOf: types.OrderingKey{Slot: 3},
		Holdings: map[string]models.Holding{
			"a": {TokenMint: "a", Quantity: decimal.NewFromInt(5)},
		},
	}

	engine := metrics.NewEngine(oracle)
	v, err := engine.Valuate(ctx, snap)
	require.NoError(t, err)
	assert.Equal(t, 10.0, v.Total)

	mr.Close()
	_, err = engine.Valuate(ctx, snap)
	var adapterErr *AdapterError
	assert.ErrorAs(t, err, &adapterErr)
}

type countingOracle struct {
	calls atomic.Int32
	fail  bool
}

func (o *countingOracle) PriceAt(ctx context.Context, mint string, key types.OrderingKey) (decimal.Decimal, error) {
	o.calls.Add(1)
	if o.fail {
		return decimal.Zero, &apperrors.PriceUnavailableError{TokenMint: mint, Key: key}
	}
	return decimal.NewFromInt(int64(key.Slot)), nil
}

func TestCachingOracle(t *testing.T) {
	next := &countingOracle{}
	c, err := NewCachingOracle(next, 2)
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		p, err := c.PriceAt(ctx, "a", types.OrderingKey{Slot: 4})
		require.NoError(t, err)
		assert.True(t, p.Equal(decimal.NewFromInt(4)))
	}
	assert.Equal(t, int32(1), next.calls.Load())

	_, _ = c.PriceAt(ctx, "a", types.OrderingKey{Slot: 5})
	_, _ = c.PriceAt(ctx, "b", types.OrderingKey{Slot: 4})
	assert.Equal(t, 2, c.Len())

	// evicted
	_, _ = c.PriceAt(ctx, "a", types.OrderingKey{Slot: 4})
	assert.Equal(t, int32(4), next.calls.Load())

	next.fail = true
	_, err = c.PriceAt(ctx, "z", types.OrderingKey{Slot: 1})
	assert.Error(t, err)
	_, err = c.PriceAt(ctx, "z", types.OrderingKey{Slot: 1})
	assert.Error(t, err)
	assert.Equal(t, int32(6), next.calls.Load())

	_, err = NewCachingOracle(next, 0)
	assert.Error(t, err)
}
