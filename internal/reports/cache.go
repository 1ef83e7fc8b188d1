package reports

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const cacheVersionKey = "reports:cache:version"

// Cache keeps rendered statements in Redis. Invalidation is by version
// bump: allocation writes increment the version, leaving stale keys to
// expire on their own. A nil Cache is a no-op.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache builds a statement cache with the given TTL.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

func (c *Cache) version(ctx context.Context) (int64, error) {
	ver, err := c.client.Get(ctx, cacheVersionKey).Int64()
	if errors.Is(err, redis.Nil) {
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

func (c *Cache) key(ctx context.Context, parts ...string) (string, error) {
	ver, err := c.version(ctx)
	if err != nil {
		return "", err
	}
	key := "reports:v" + strconv.FormatInt(ver, 10)
	for _, p := range parts {
		key += ":" + p
	}
	return key, nil
}

// GetStatement returns a cached statement, or nil on miss.
func (c *Cache) GetStatement(ctx context.Context, parts ...string) (*Statement, error) {
	if c == nil || c.client == nil {
		return nil, nil
	}
	key, err := c.key(ctx, parts...)
	if err != nil {
		return nil, err
	}
	raw, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var st Statement
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("reports: decode cached statement: %w", err)
	}
	return &st, nil
}

// PutStatement stores a rendered statement under the current version.
func (c *Cache) PutStatement(ctx context.Context, st *Statement, parts ...string) error {
	if c == nil || c.client == nil {
		return nil
	}
	key, err := c.key(ctx, parts...)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, raw, c.ttl).Err()
}

// Bump invalidates all cached reports by advancing the version.
func (c *Cache) Bump(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Incr(ctx, cacheVersionKey).Err()
}
