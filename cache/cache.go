// Package cache mirrors hot watcher state in Redis: the scanner cursor and
// per-user click counters. The durable store is authoritative; everything here
// is a best-effort optimization rebuilt from durable data when absent.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const cursorKey = "watcher:lastScannedBlock"

// Cache wraps the Redis mirror.
type Cache struct {
	rdb *redis.Client
}

// Connect dials Redis and verifies the connection.
func Connect(ctx context.Context, addr, password string, db int) (*Cache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &Cache{rdb: rdb}, nil
}

// Wrap adapts an existing client. Used by wiring and tests.
func Wrap(rdb *redis.Client) *Cache {
	return &Cache{rdb: rdb}
}

// Close releases the underlying connection pool.
func (c *Cache) Close() error {
	if c == nil || c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}

// Client exposes the underlying connection for pub/sub consumers.
func (c *Cache) Client() *redis.Client {
	return c.rdb
}

// Ping verifies the connection is alive.
func (c *Cache) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// LastScannedBlock reads the persisted scan cursor. The second return is
// false when no cursor has ever been persisted.
func (c *Cache) LastScannedBlock(ctx context.Context) (uint64, bool, error) {
	raw, err := c.rdb.Get(ctx, cursorKey).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read scan cursor: %w", err)
	}
	height, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse scan cursor %q: %w", raw, err)
	}
	return height, true, nil
}

// SetLastScannedBlock persists the scan cursor.
func (c *Cache) SetLastScannedBlock(ctx context.Context, height uint64) error {
	if err := c.rdb.Set(ctx, cursorKey, strconv.FormatUint(height, 10), 0).Err(); err != nil {
		return fmt.Errorf("persist scan cursor: %w", err)
	}
	return nil
}

// IncrClicks adjusts the cached click counter for a user.
func (c *Cache) IncrClicks(ctx context.Context, userID string, delta int64) error {
	if err := c.rdb.IncrBy(ctx, ClicksKey(userID), delta).Err(); err != nil {
		return fmt.Errorf("increment cached clicks: %w", err)
	}
	return nil
}

// SetClicks rewrites the cached counter from the authoritative durable value.
func (c *Cache) SetClicks(ctx context.Context, userID string, clicks int64) error {
	if err := c.rdb.Set(ctx, ClicksKey(userID), strconv.FormatInt(clicks, 10), 0).Err(); err != nil {
		return fmt.Errorf("set cached clicks: %w", err)
	}
	return nil
}

// Clicks reads the cached counter. The second return is false on a miss;
// callers rebuild from the durable store.
func (c *Cache) Clicks(ctx context.Context, userID string) (int64, bool, error) {
	raw, err := c.rdb.Get(ctx, ClicksKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read cached clicks: %w", err)
	}
	clicks, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse cached clicks %q: %w", raw, err)
	}
	return clicks, true, nil
}

// IncrReferralStats bumps the referrer's aggregate stats hash after a bonus
// payout.
func (c *Cache) IncrReferralStats(ctx context.Context, referrerID string, clicksEarned int64) error {
	key := ReferralStatsKey(referrerID)
	pipe := c.rdb.Pipeline()
	pipe.HIncrBy(ctx, key, "totalClicksEarned", clicksEarned)
	pipe.HIncrBy(ctx, key, "totalReferred", 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("update referral stats: %w", err)
	}
	return nil
}

// ClicksKey returns the cache key mirroring a user's available clicks.
func ClicksKey(userID string) string {
	return fmt.Sprintf("user:%s:clicks", userID)
}

// ReferralStatsKey returns the cache key for a user's referral aggregates.
func ReferralStatsKey(userID string) string {
	return fmt.Sprintf("user:%s:referral_stats", userID)
}
