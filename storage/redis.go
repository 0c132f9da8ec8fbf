package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStorage keeps values under "<namespace>:<key>".
type RedisStorage struct {
	client *redis.Client
}

// NewRedisStorage connects to addr, which may be host:port or a redis:// URL.
func NewRedisStorage(addr string) (*RedisStorage, error) {
	opts, err := redis.ParseURL(addr)
	if err != nil {
		opts = &redis.Options{Addr: addr}
	}
	opts.DialTimeout = time.Second
	opts.ReadTimeout = time.Second
	opts.WriteTimeout = time.Second

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}
	log.Info("init redis storage: %s", opts.Addr)
	return &RedisStorage{client: client}, nil
}

func redisKey(namespace, key string) string {
	return namespace + ":" + key
}

// Get implements Backend.
func (r *RedisStorage) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	value, err := r.client.Get(ctx, redisKey(namespace, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return value, err
}

// Put implements Backend.
func (r *RedisStorage) Put(ctx context.Context, namespace, key string, value []byte) error {
	return r.client.Set(ctx, redisKey(namespace, key), value, 0).Err()
}

// Delete implements Backend.
func (r *RedisStorage) Delete(ctx context.Context, namespace, key string) error {
	n, err := r.client.Del(ctx, redisKey(namespace, key)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Close implements Backend.
func (r *RedisStorage) Close() error {
	return r.client.Close()
}
