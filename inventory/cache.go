package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// LevelCache is a cache-aside layer for stock level reads. Writes go to the
// store first; the cache entry is invalidated afterwards, so a read repopulates
// it from the committed state.
type LevelCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewLevelCache(client *redis.Client, ttl time.Duration) *LevelCache {
	return &LevelCache{client: client, ttl: ttl}
}

func levelKey(productID string) string {
	return fmt.Sprintf("stock:level:%s", productID)
}

// Get returns the cached level, or nil on a miss.
func (c *LevelCache) Get(ctx context.Context, productID string) (*StockLevel, error) {
	data, err := c.client.Get(ctx, levelKey(productID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get error: %w", err)
	}

	var level StockLevel
	if err := json.Unmarshal(data, &level); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stock level: %w", err)
	}
	return &level, nil
}

func (c *LevelCache) Set(ctx context.Context, level *StockLevel) error {
	data, err := json.Marshal(level)
	if err != nil {
		return fmt.Errorf("failed to marshal stock level: %w", err)
	}
	if err := c.client.Set(ctx, levelKey(level.ProductID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set error: %w", err)
	}
	return nil
}

func (c *LevelCache) Invalidate(ctx context.Context, productID string) error {
	return c.client.Del(ctx, levelKey(productID)).Err()
}
