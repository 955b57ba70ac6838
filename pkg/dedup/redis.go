package dedup

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jurisflow/intake/pkg/errorsx"
)

const defaultRedisPrefix = "intake:dedup:"

type setNXer interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Close() error
}

// RedisCache shares the dedup window across replicas. Keys expire on their own,
// so Sweep has nothing to do.
type RedisCache struct {
	client setNXer
	prefix string
}

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

func NewRedisCache(opts RedisOptions) *RedisCache {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return newRedisCache(client, opts.Prefix)
}

func newRedisCache(client setNXer, prefix string) *RedisCache {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisCache{client: client, prefix: prefix}
}

func (c *RedisCache) CheckAndSet(ctx context.Context, key string, now time.Time, window time.Duration) (bool, error) {
	set, err := c.client.SetNX(ctx, c.prefix+key, now.UnixMilli(), window).Result()
	if err != nil {
		return false, errorsx.Wrapf(err, errorsx.ReasonStoreWrite, "redis dedup set")
	}
	return !set, nil
}

func (c *RedisCache) Sweep(context.Context, time.Time) (int, error) { return 0, nil }

func (c *RedisCache) Close() error { return c.client.Close() }
