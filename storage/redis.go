package storage

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/errors"
)

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisStore implements Store on Redis with native key expiry.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	opts      options
}

// NewRedisStore connects to Redis and verifies the connection with PING.
func NewRedisStore(ctx context.Context, cfg RedisConfig, opts ...Option) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.WrapTransient(err, "storage", "NewRedisStore", "ping redis")
	}

	return NewRedisStoreFromClient(client, cfg.KeyPrefix, opts...), nil
}

// NewRedisStoreFromClient wraps an existing client. The store owns it
// from then on and closes it in Close.
func NewRedisStoreFromClient(client redis.UniversalClient, keyPrefix string, opts ...Option) *RedisStore {
	o := applyOptions(opts)
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
		opts:      o,
	}
}

func (r *RedisStore) key(key string) string {
	return r.keyPrefix + key
}

// Get implements Store.
func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, r.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errors.ErrKeyNotFound
		}
		return nil, errors.WrapTransient(err, "storage", "RedisStore.Get", "get key")
	}
	return data, nil
}

// Set implements Store.
func (r *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if ttl < 0 {
		ttl = 0
	}
	if err := r.client.Set(ctx, r.key(key), value, ttl).Err(); err != nil {
		return errors.WrapTransient(err, "storage", "RedisStore.Set", "set key")
	}
	return nil
}

// Delete implements Store.
func (r *RedisStore) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return errors.WrapTransient(err, "storage", "RedisStore.Delete", "delete key")
	}
	return nil
}

// List implements Store using SCAN so large keyspaces are never blocked.
func (r *RedisStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	var cursor uint64
	pattern := r.keyPrefix + prefix + "*"

	for {
		batch, next, err := r.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, errors.WrapTransient(err, "storage", "RedisStore.List", "scan keys")
		}
		for _, k := range batch {
			keys = append(keys, strings.TrimPrefix(k, r.keyPrefix))
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	sort.Strings(keys)
	return keys, nil
}

// Close implements Store.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
