package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"bcsync/internal/config"

	"github.com/redis/go-redis/v9"
)

// RedisKV is the shared-cache KVStore.
type RedisKV struct {
	client *redis.Client
}

// NewRedisClient returns nil when no address is configured.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	if cfg.Address == "" {
		return nil
	}
	options := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}

	return redis.NewClient(options)
}

func NewRedisKV(client *redis.Client) *RedisKV {
	return &RedisKV{client: client}
}

var errNilRedis = errors.New("redis client is nil")

func (r *RedisKV) Get(ctx context.Context, key string) (string, bool, error) {
	if r.client == nil {
		return "", false, errNilRedis
	}
	val, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get %s from redis: %w", key, err)
	}
	return val, true, nil
}

func (r *RedisKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if r.client == nil {
		return errNilRedis
	}
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s in redis: %w", key, err)
	}
	return nil
}

func (r *RedisKV) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if r.client == nil {
		return false, errNilRedis
	}
	ok, err := r.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to setnx %s in redis: %w", key, err)
	}
	return ok, nil
}

func (r *RedisKV) Del(ctx context.Context, key string) error {
	if r.client == nil {
		return errNilRedis
	}
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete %s from redis: %w", key, err)
	}
	return nil
}

func (r *RedisKV) LPush(ctx context.Context, key, value string) error {
	if r.client == nil {
		return errNilRedis
	}
	if err := r.client.LPush(ctx, key, value).Err(); err != nil {
		return fmt.Errorf("failed to push to %s: %w", key, err)
	}
	return nil
}

func (r *RedisKV) RPop(ctx context.Context, key string) (string, bool, error) {
	if r.client == nil {
		return "", false, errNilRedis
	}
	val, err := r.client.RPop(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to pop from %s: %w", key, err)
	}
	return val, true, nil
}

func (r *RedisKV) LLen(ctx context.Context, key string) (int64, error) {
	if r.client == nil {
		return 0, errNilRedis
	}
	n, err := r.client.LLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to measure %s: %w", key, err)
	}
	return n, nil
}

// Keys walks the keyspace with SCAN rather than KEYS to avoid blocking the server.
func (r *RedisKV) Keys(ctx context.Context, prefix string) ([]string, error) {
	if r.client == nil {
		return nil, errNilRedis
	}
	var keys []string
	iter := r.client.Scan(ctx, 0, prefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Ping checks the Redis connection.
func Ping(ctx context.Context, client *redis.Client) error {
	if client == nil {
		return errNilRedis
	}
	if _, err := client.Ping(ctx).Result(); err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func Close(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}
