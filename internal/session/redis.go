package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "mechanic:session:"

// RedisBackend stores sessions in Redis so they survive restarts and are
// shared by every replica behind a load balancer.
type RedisBackend struct {
	client redis.UniversalClient
}

// NewRedisBackend wraps an existing client. The caller keeps ownership of
// the client only if it does not call Close on the backend.
func NewRedisBackend(client redis.UniversalClient) *RedisBackend {
	return &RedisBackend{client: client}
}

func redisKey(id string) string {
	return redisKeyPrefix + id
}

func (b *RedisBackend) Get(ctx context.Context, id string, ttl time.Duration) (string, error) {
	v, err := b.client.GetEx(ctx, redisKey(id), ttl).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redis get session: %w", err)
	}
	return v, nil
}

func (b *RedisBackend) Set(ctx context.Context, id, value string, ttl time.Duration) error {
	if err := b.client.Set(ctx, redisKey(id), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set session: %w", err)
	}
	return nil
}

func (b *RedisBackend) Delete(ctx context.Context, id string) error {
	if err := b.client.Del(ctx, redisKey(id)).Err(); err != nil {
		return fmt.Errorf("redis delete session: %w", err)
	}
	return nil
}

func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBackend) Close() error {
	return b.client.Close()
}
