package adapter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	apperrors "github.com/wallet-insight/internal/errors"
	"github.com/wallet-insight/internal/metrics"
	"github.com/wallet-insight/internal/types"
)

// RedisPriceOracle reads price history from one sorted set per mint.
// Members are "slot:price" scored by slot; the price at a key is the
// latest entry at or before its slot.
type RedisPriceOracle struct {
	client redis.Cmdable
	prefix string
}

var _ metrics.PriceOracle = (*RedisPriceOracle)(nil)

// NewRedisPriceOracle creates an oracle over client with keys "prefix:mint"
func NewRedisPriceOracle(client redis.Cmdable, prefix string) *RedisPriceOracle {
	if prefix == "" {
		prefix = "price"
	}
	return &RedisPriceOracle{client: client, prefix: prefix}
}

func (o *RedisPriceOracle) key(mint string) string {
	return o.prefix + ":" + strings.ToLower(mint)
}

// PriceAt returns the most recent price of mint at or before key.Slot.
// A missing or malformed entry is a PriceUnavailableError; a Redis or ctx
// failure is returned as is so callers abort instead of dropping the holding.
func (o *RedisPriceOracle) PriceAt(ctx context.Context, mint string, key types.OrderingKey) (decimal.Decimal, error) {
	members, err := o.client.ZRevRangeByScore(ctx, o.key(mint), &redis.ZRangeBy{
		Max:   strconv.FormatUint(key.Slot, 10),
		Min:   "-inf",
		Count: 1,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		if ctx.Err() != nil {
			return decimal.Zero, ctx.Err()
		}
		return decimal.Zero, NewAdapterError("redis", "PriceAt", err, map[string]interface{}{"mint": mint, "slot": key.Slot})
	}
	if len(members) == 0 {
		return decimal.Zero, &apperrors.PriceUnavailableError{TokenMint: mint, Key: key}
	}

	_, raw, ok := strings.Cut(members[0], ":")
	if !ok {
		return decimal.Zero, &apperrors.PriceUnavailableError{
			TokenMint: mint,
			Key:       key,
			Cause:     fmt.Errorf("malformed price member %q", members[0]),
		}
	}
	price, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, &apperrors.PriceUnavailableError{TokenMint: mint, Key: key, Cause: err}
	}
	return price, nil
}

// SetPrice records price for mint from slot onward, replacing any price
// already stored for that slot
func (o *RedisPriceOracle) SetPrice(ctx context.Context, mint string, slot uint64, price decimal.Decimal) error {
	k := o.key(mint)
	s := strconv.FormatUint(slot, 10)
	_, err := o.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, k, s, s)
		pipe.ZAdd(ctx, k, redis.Z{Score: float64(slot), Member: s + ":" + price.String()})
		return nil
	})
	if err != nil {
		return NewAdapterError("redis", "SetPrice", err, map[string]interface{}{"mint": mint, "slot": slot})
	}
	return nil
}

type priceKey struct {
	mint string
	key  types.OrderingKey
}

// CachingOracle keeps recent successful lookups of another oracle in an LRU.
// Failures are never cached.
type CachingOracle struct {
	next  metrics.PriceOracle
	mu    sync.Mutex
	cache *simplelru.LRU[priceKey, decimal.Decimal]
}

// NewCachingOracle wraps next with an LRU of size entries
func NewCachingOracle(next metrics.PriceOracle, size int) (*CachingOracle, error) {
	c, err := simplelru.NewLRU[priceKey, decimal.Decimal](size, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create price LRU: %w", err)
	}
	return &CachingOracle{next: next, cache: c}, nil
}

// PriceAt implements metrics.PriceOracle
func (c *CachingOracle) PriceAt(ctx context.Context, mint string, key types.OrderingKey) (decimal.Decimal, error) {
	k := priceKey{mint: mint, key: key}

	c.mu.Lock()
	p, ok := c.cache.Get(k)
	c.mu.Unlock()
	if ok {
		return p, nil
	}

	p, err := c.next.PriceAt(ctx, mint, key)
	if err != nil {
		return decimal.Zero, err
	}

	c.mu.Lock()
	c.cache.Add(k, p)
	c.mu.Unlock()
	return p, nil
}

// Len returns the number of cached prices
func (c *CachingOracle) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Len()
}
