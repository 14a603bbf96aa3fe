package credstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces credential hashes.
const DefaultRedisPrefix = "orgctl:creds"

// RedisStore keeps one hash per profile; hash fields are slot names.
// Useful when several workers must share one session.
type RedisStore struct {
	rdb *redis.Client
	key string
}

// NewRedisStore returns a store backed by rdb. The caller owns rdb.
func NewRedisStore(rdb *redis.Client, prefix, profile string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	if profile == "" {
		profile = DefaultProfile
	}
	return &RedisStore{rdb: rdb, key: prefix + ":" + profile}
}

// OpenRedisStore parses a redis:// URL and connects.
func OpenRedisStore(ctx context.Context, url, prefix, profile string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisStore(rdb, prefix, profile), nil
}

// Key returns the hash key holding this profile.
func (r *RedisStore) Key() string { return r.key }

func (r *RedisStore) Get(ctx context.Context, slot Slot) (string, error) {
	if err := validSlot(slot); err != nil {
		return "", err
	}
	v, err := r.rdb.HGet(ctx, r.key, string(slot)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis hget %s: %w", slot, err)
	}
	return v, nil
}

func (r *RedisStore) Set(ctx context.Context, slot Slot, value string) error {
	if value == "" {
		return r.Clear(ctx, slot)
	}
	if err := validSlot(slot); err != nil {
		return err
	}
	if err := r.rdb.HSet(ctx, r.key, string(slot), value).Err(); err != nil {
		return fmt.Errorf("redis hset %s: %w", slot, err)
	}
	return nil
}

func (r *RedisStore) Clear(ctx context.Context, slot Slot) error {
	if err := validSlot(slot); err != nil {
		return err
	}
	if err := r.rdb.HDel(ctx, r.key, string(slot)).Err(); err != nil {
		return fmt.Errorf("redis hdel %s: %w", slot, err)
	}
	return nil
}

// Close closes the underlying client.
func (r *RedisStore) Close() error {
	return r.rdb.Close()
}
