package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wallet-insight/internal/config"
	apperrors "github.com/wallet-insight/internal/errors"
	"github.com/wallet-insight/internal/models"
)

// NewRedisClient opens a pooled Redis client and pings it
func NewRedisClient(ctx context.Context, cfg *config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.MaxConnections,
		MinIdleConns: 5,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// storeIfNewer writes the analysis unless a later one is already stored.
// KEYS[1] hash; ARGV slot, idx, body, ttl in ms.
var storeIfNewer = redis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'slot', 'idx')
if cur[1] then
	local cs, ci = tonumber(cur[1]), tonumber(cur[2])
	local ns, ni = tonumber(ARGV[1]), tonumber(ARGV[2])
	if cs > ns or (cs == ns and ci > ni) then
		return 0
	end
end
redis.call('HSET', KEYS[1], 'slot', ARGV[1], 'idx', ARGV[2], 'body', ARGV[3])
if tonumber(ARGV[4]) > 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[4])
end
return 1
`)

// ResultCache shares the latest analysis of each wallet through Redis so
// other processes and restarts can warm their in-memory cache
type ResultCache struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

// NewResultCache creates a result cache. A zero ttl keeps entries forever.
func NewResultCache(client redis.Cmdable, prefix string, ttl time.Duration) *ResultCache {
	if prefix == "" {
		prefix = "analysis"
	}
	return &ResultCache{client: client, prefix: prefix, ttl: ttl}
}

func (c *ResultCache) key(wallet string) string {
	return c.prefix + ":" + wallet
}

// Record stores res unless a later analysis of the wallet is already cached
func (c *ResultCache) Record(ctx context.Context, res *models.AnalysisResult, _ []*models.PortfolioSnapshot) error {
	_, err := c.Put(ctx, res)
	return err
}

// Put stores res and reports whether it replaced the cached entry
func (c *ResultCache) Put(ctx context.Context, res *models.AnalysisResult) (bool, error) {
	body, err := json.Marshal(res)
	if err != nil {
		return false, fmt.Errorf("failed to marshal analysis: %w", err)
	}
	stored, err := storeIfNewer.Run(ctx, c.client, []string{c.key(res.Wallet)},
		strconv.FormatUint(res.ComputedAt.Slot, 10),
		strconv.FormatUint(uint64(res.ComputedAt.Index), 10),
		string(body),
		c.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, apperrors.NewCacheError("store analysis", err)
	}
	return stored == 1, nil
}

// Get returns the cached analysis of wallet, or nil when there is none
func (c *ResultCache) Get(ctx context.Context, wallet string) (*models.AnalysisResult, error) {
	body, err := c.client.HGet(ctx, c.key(wallet), "body").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewCacheError("read analysis", err)
	}

	var res models.AnalysisResult
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached analysis: %w", err)
	}
	return &res, nil
}
