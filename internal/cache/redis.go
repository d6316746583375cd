// Package cache keeps the computed volatility ranking in Redis.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rickgao/marketpulse/internal/config"
	"github.com/rickgao/marketpulse/internal/model"
)

// RanksKey holds the JSON-encoded ranking.
const RanksKey = "ranks:volatility"

// RankCache stores the ranking under RanksKey with a TTL.
type RankCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRankCache wraps an existing client. A non-positive ttl means 30s.
func NewRankCache(client *redis.Client, ttl time.Duration) *RankCache {
	if ttl <= 0 {
		ttl = config.DefaultRankTTL
	}
	return &RankCache{client: client, ttl: ttl}
}

// NewClient builds a Redis client from config.
func NewClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// GetRanks returns the cached ranking. ok is false on a miss.
func (c *RankCache) GetRanks(ctx context.Context) ([]model.MarketRank, bool, error) {
	data, err := c.client.Get(ctx, RanksKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", RanksKey, err)
	}

	var ranks []model.MarketRank
	if err := json.Unmarshal(data, &ranks); err != nil {
		return nil, false, fmt.Errorf("unmarshal ranks: %w", err)
	}
	return ranks, true, nil
}

// SetRanks replaces the cached ranking.
func (c *RankCache) SetRanks(ctx context.Context, ranks []model.MarketRank) error {
	if ranks == nil {
		ranks = []model.MarketRank{}
	}
	data, err := json.Marshal(ranks)
	if err != nil {
		return fmt.Errorf("marshal ranks: %w", err)
	}
	if err := c.client.Set(ctx, RanksKey, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", RanksKey, err)
	}
	return nil
}

// Invalidate drops the cached ranking.
func (c *RankCache) Invalidate(ctx context.Context) error {
	return c.client.Del(ctx, RanksKey).Err()
}

// Ping checks the Redis connection.
func (c *RankCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (c *RankCache) Close() error {
	return c.client.Close()
}
