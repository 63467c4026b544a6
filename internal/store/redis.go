package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisProperties implements PropertyStore on a Redis server. Each
// SetProperty is a single SET, which Redis applies atomically.
type RedisProperties struct {
	client *redis.Client
	prefix string
}

var _ PropertyStore = (*RedisProperties)(nil)

// RedisOptions configures NewRedisProperties.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// NewRedisProperties connects to Redis and verifies the connection.
func NewRedisProperties(ctx context.Context, opts RedisOptions) (*RedisProperties, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis %s: %w", opts.Addr, err)
	}

	return NewRedisPropertiesFromClient(client, opts.Prefix), nil
}

// NewRedisPropertiesFromClient wraps an existing client.
func NewRedisPropertiesFromClient(client *redis.Client, prefix string) *RedisProperties {
	return &RedisProperties{client: client, prefix: prefix}
}

// GetProperty reads a single property.
func (r *RedisProperties) GetProperty(
	ctx context.Context,
	key string,
) (string, bool, error) {
	value, err := r.client.Get(ctx, r.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("getting property %s: %w", key, err)
	}
	return value, true, nil
}

// SetProperty stores a property without expiry.
func (r *RedisProperties) SetProperty(ctx context.Context, key, value string) error {
	if err := r.client.Set(ctx, r.prefix+key, value, 0).Err(); err != nil {
		return fmt.Errorf("setting property %s: %w", key, err)
	}
	return nil
}

// DeleteProperty removes a property.
func (r *RedisProperties) DeleteProperty(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("deleting property %s: %w", key, err)
	}
	return nil
}

// Close closes the Redis client.
func (r *RedisProperties) Close() error {
	return r.client.Close()
}
