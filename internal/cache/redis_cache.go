package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"zaiko/backend/internal/domain"
)

const saleKeyPrefix = "zaiko:sale:ext:"

type RedisSaleCache struct {
	client *redis.Client
}

// NewRedisSaleCache accepts a redis:// URL.
func NewRedisSaleCache(redisURL string) (*RedisSaleCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisSaleCache{client: redis.NewClient(opts)}, nil
}

func NewRedisSaleCacheFromClient(client *redis.Client) *RedisSaleCache {
	return &RedisSaleCache{client: client}
}

func (c *RedisSaleCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisSaleCache) Close() error {
	return c.client.Close()
}

func (c *RedisSaleCache) Get(ctx context.Context, externalID string) (*domain.Sale, bool, error) {
	val, err := c.client.Get(ctx, saleKeyPrefix+externalID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var sale domain.Sale
	if err := json.Unmarshal([]byte(val), &sale); err != nil {
		return nil, false, err
	}
	return &sale, true, nil
}

func (c *RedisSaleCache) Set(ctx context.Context, externalID string, sale *domain.Sale, ttl time.Duration) error {
	if sale == nil || externalID == "" {
		return nil
	}
	payload, err := json.Marshal(sale)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, saleKeyPrefix+externalID, payload, ttl).Err()
}
