// Package cache wraps a Redis client as an explicit handle rather than a
// package-level singleton: the gateway's asset manager takes a *Cache at
// construction and uses it to serialize per-(user,asset) operations, so
// nothing reaches for a global from a deep call site.
package cache

import (
	"context"
	"time"

	"arkgw/pkg/logger"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Config struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// Cache is a handle to a Redis connection, passed explicitly to callers that
// need distributed locks or short-lived key/value storage.
type Cache struct {
	client *redis.Client
}

func NewCache(cfg Config) (*Cache, error) {
	opts := redis.Options{
		Addr:     cfg.Host + ":" + cfg.Port,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	rdb := redis.NewClient(&opts)

	if err := rdb.Ping(context.Background()).Err(); err != nil {
		logger.Error("failed to connect to redis", zap.Error(err))
		return nil, err
	}

	logger.Info("connected to redis successfully", zap.String("host", cfg.Host))
	return &Cache{client: rdb}, nil
}

func (c *Cache) Get(ctx context.Context, key string) (string, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	} else if err != nil {
		logger.Error("failed to get key from redis", zap.String("key", key), zap.Error(err))
		return "", err
	}
	return val, nil
}

func (c *Cache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	if err := c.client.Set(ctx, key, value, expiration).Err(); err != nil {
		logger.Error("failed to set key in redis", zap.String("key", key), zap.Error(err))
		return err
	}
	return nil
}

func (c *Cache) Delete(ctx context.Context, keys ...string) (int64, error) {
	res, err := c.client.Del(ctx, keys...).Result()
	if err != nil {
		logger.Error("failed to delete keys from redis", zap.Strings("keys", keys), zap.Error(err))
		return 0, err
	}
	return res, nil
}

func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	res, err := c.client.Exists(ctx, key).Result()
	if err != nil {
		logger.Error("failed to check existence of key in redis", zap.String("key", key), zap.Error(err))
		return false, err
	}
	return res > 0, nil
}

// SetNX is Set-if-not-exists; it is the building block for Lock below and
// for one-shot rate-limiting keys.
func (c *Cache) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	set, err := c.client.SetNX(ctx, key, value, expiration).Result()
	if err != nil {
		logger.Error("failed to set nx key in redis", zap.String("key", key), zap.Error(err))
		return false, err
	}
	return set, nil
}

func (c *Cache) Incr(ctx context.Context, key string) (int64, error) {
	res, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		logger.Error("failed to increment key in redis", zap.String("key", key), zap.Error(err))
		return 0, err
	}
	return res, nil
}

func (c *Cache) Expire(ctx context.Context, key string, expiration time.Duration) error {
	if err := c.client.Expire(ctx, key, expiration).Err(); err != nil {
		logger.Error("failed to set expiration on key in redis", zap.String("key", key), zap.Error(err))
		return err
	}
	return nil
}

// Lock acquires a TTL-bounded distributed lock on key. The asset manager uses
// this to serialize (user,asset)-pair mutations across gateway processes;
// token must be presented to Unlock to release it safely.
func (c *Cache) Lock(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	return c.SetNX(ctx, "lock:"+key, token, ttl)
}

// Unlock releases a lock previously acquired with Lock, only if token
// matches the value stored (so a lock holder never releases a lock it does
// not own after its own TTL already expired and someone else re-acquired it).
func (c *Cache) Unlock(ctx context.Context, key, token string) error {
	script := redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		end
		return 0
	`)
	return script.Run(ctx, c.client, []string{"lock:" + key}, token).Err()
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Cache) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}
