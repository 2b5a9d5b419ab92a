package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a Store backed by a Redis hash. It suits deployments where the
// engine runs server side on behalf of many browser sessions: each
// manager gets its own hash under a distinct namespace.
type Redis struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedis returns a Redis store keeping all entries in the hash
// "sessionkeeper:<namespace>". A positive ttl expires the whole hash
// after that long without writes.
func NewRedis(client *redis.Client, namespace string, ttl time.Duration) *Redis {
	return &Redis{
		client: client,
		key:    "sessionkeeper:" + namespace,
		ttl:    ttl,
	}
}

// NewRedisFromURL parses a redis:// URL and returns a Redis store.
func NewRedisFromURL(url, namespace string, ttl time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}

	return NewRedis(redis.NewClient(opts), namespace, ttl), nil
}

// Get reads keys with one HMGET, which Redis executes atomically.
func (r *Redis) Get(ctx context.Context, keys ...string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	vals, err := r.client.HMGet(ctx, r.key, keys...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis hmget: %w", err)
	}

	for i, v := range vals {
		if s, ok := v.(string); ok {
			out[keys[i]] = s
		}
	}

	return out, nil
}

// Set writes all entries in one MULTI/EXEC transaction.
func (r *Redis) Set(ctx context.Context, entries map[string]string) error {
	if len(entries) == 0 {
		return nil
	}

	values := make([]any, 0, len(entries)*2)
	for k, v := range entries {
		values = append(values, k, v)
	}

	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, r.key, values...)

		if r.ttl > 0 {
			p.Expire(ctx, r.key, r.ttl)
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("redis hset: %w", err)
	}

	return nil
}

func (r *Redis) Clear(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	if err := r.client.HDel(ctx, r.key, keys...).Err(); err != nil {
		return fmt.Errorf("redis hdel: %w", err)
	}

	return nil
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}
