package kvstore

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/cache/v8"
	"github.com/go-redis/redis/v8"
)

// Open connects to redis at url and pings it.
func Open(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return rdb, nil
}

type redisStore struct {
	client *redis.Client
	cache  *cache.Cache
	prefix string
}

// NewRedis returns a Store backed by redis; every key is namespaced by prefix.
func NewRedis(client *redis.Client, prefix string) Store {
	return &redisStore{
		client: client,
		cache:  cache.New(&cache.Options{Redis: client}),
		prefix: prefix,
	}
}

func (r *redisStore) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, r.prefix+key, 1, ttl).Result()
}

func (r *redisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var out []byte
	if err := r.cache.Get(ctx, r.prefix+key, &out); err != nil {
		if errors.Is(err, cache.ErrCacheMiss) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return out, true, nil
}

func (r *redisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.cache.Set(&cache.Item{
		Ctx:            ctx,
		Key:            r.prefix + key,
		Value:          value,
		TTL:            ttl,
		SkipLocalCache: true,
	})
}

func (r *redisStore) Delete(ctx context.Context, key string) error {
	err := r.cache.Delete(ctx, r.prefix+key)
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil
	}
	return err
}
