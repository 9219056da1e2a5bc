package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const cacheVersionKey = "ledger:balance:version"

// BalanceCache is a versioned read cache for balance lookups. Every
// committed posting bumps the global version, so stale entries are
// abandoned rather than individually invalidated.
type BalanceCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewBalanceCache instantiates the cache helper.
func NewBalanceCache(client *redis.Client, ttl time.Duration) *BalanceCache {
	return &BalanceCache{client: client, ttl: ttl}
}

// Version returns the current cache version, initialising when missing.
func (c *BalanceCache) Version(ctx context.Context) (int64, error) {
	if c == nil || c.client == nil {
		return 0, nil
	}
	ver, err := c.client.Get(ctx, cacheVersionKey).Int64()
	if err == redis.Nil {
		if err := c.client.Set(ctx, cacheVersionKey, 1, 0).Err(); err != nil {
			return 0, err
		}
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	return ver, nil
}

// Fetch loads the balance for key from cache, falling back to the
// loader and caching the result.
func (c *BalanceCache) Fetch(ctx context.Context, key Key, loader func(context.Context) (BalanceRow, error)) (BalanceRow, error) {
	if c == nil || c.client == nil {
		return loader(ctx)
	}
	ver, err := c.Version(ctx)
	if err != nil {
		return loader(ctx)
	}
	cacheKey := fmt.Sprintf("ledger:balance:%d:%s", ver, key)

	payload, err := c.client.Get(ctx, cacheKey).Bytes()
	if err == nil {
		var bal BalanceRow
		if err := json.Unmarshal(payload, &bal); err == nil {
			return bal, nil
		}
	} else if err != redis.Nil {
		return loader(ctx)
	}

	bal, err := loader(ctx)
	if err != nil {
		return BalanceRow{}, err
	}
	raw, err := json.Marshal(bal)
	if err != nil {
		return bal, nil
	}
	_ = c.client.Set(ctx, cacheKey, raw, c.ttl).Err()
	return bal, nil
}

// Bump invalidates all cached balances by incrementing the version.
func (c *BalanceCache) Bump(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Incr(ctx, cacheVersionKey).Err()
}
