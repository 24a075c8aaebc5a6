package cache

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"

	"shoestore/backend/internal/domain"
)

type RedisStockLevelCache struct {
	client *redis.Client
}

func NewRedisStockLevelCache(addr string, password string, db int) *RedisStockLevelCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisStockLevelCache{client: client}
}

func (c *RedisStockLevelCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisStockLevelCache) Close() error {
	return c.client.Close()
}

func cacheKey(sku string) string {
	return "stock-level:" + sku
}

func (c *RedisStockLevelCache) Get(ctx context.Context, sku string) (*domain.StockLevel, bool, error) {
	val, err := c.client.Get(ctx, cacheKey(sku)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var level domain.StockLevel
	if err := json.Unmarshal([]byte(val), &level); err != nil {
		return nil, false, err
	}
	return &level, true, nil
}

func (c *RedisStockLevelCache) Set(ctx context.Context, sku string, level *domain.StockLevel, ttl time.Duration) error {
	if level == nil {
		return nil
	}
	payload, err := json.Marshal(level)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, cacheKey(sku), payload, ttl).Err()
}

func (c *RedisStockLevelCache) Invalidate(ctx context.Context, skus ...string) error {
	if len(skus) == 0 {
		return nil
	}
	keys := make([]string, 0, len(skus))
	for _, sku := range skus {
		keys = append(keys, cacheKey(sku))
	}
	return c.client.Del(ctx, keys...).Err()
}
