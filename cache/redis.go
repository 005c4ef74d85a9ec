package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "respcache:"

// RedisLayer is an optional exact-match fast path in front of the durable
// store. It holds only response text keyed by tenant and query hash; the
// similarity path and hit counters stay in the durable store.
type RedisLayer struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisLayer(client *redis.Client, ttl time.Duration) *RedisLayer {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisLayer{client: client, ttl: ttl}
}

func redisKey(tenantID, queryHash string) string {
	return redisKeyPrefix + tenantID + ":" + queryHash
}

func (r *RedisLayer) Get(ctx context.Context, tenantID, queryHash string) (string, bool, error) {
	value, err := r.client.Get(ctx, redisKey(tenantID, queryHash)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("redis cache get: %w", err)
	}
	return value, true, nil
}

func (r *RedisLayer) Set(ctx context.Context, tenantID, queryHash, response string) error {
	if err := r.client.Set(ctx, redisKey(tenantID, queryHash), response, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis cache set: %w", err)
	}
	return nil
}

// InvalidateTenant removes every cached response for the tenant by key scan.
func (r *RedisLayer) InvalidateTenant(ctx context.Context, tenantID string) error {
	pattern := redisKeyPrefix + tenantID + ":*"
	iter := r.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := r.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("redis cache delete: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis cache scan: %w", err)
	}
	return nil
}
