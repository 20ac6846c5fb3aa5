package core

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient returns a configured go-redis client from URL (e.g., redis://localhost:6379/0).
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	if redisURL == "" {
		return nil, errors.New("empty redis url")
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return client, nil
}

// RedisSessionDirectory implements SessionDirectory using go-redis.
type RedisSessionDirectory struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var _ SessionDirectory = (*RedisSessionDirectory)(nil)

// NewRedisSessionDirectory namespaces keys under prefix. A positive ttl makes
// redis drop entries once the tokens they hold have expired anyway.
func NewRedisSessionDirectory(client *redis.Client, prefix string, ttl time.Duration) *RedisSessionDirectory {
	return &RedisSessionDirectory{client: client, prefix: prefix, ttl: ttl}
}

func (d *RedisSessionDirectory) key(k string) string {
	return d.prefix + k
}

func (d *RedisSessionDirectory) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := d.client.Get(ctx, d.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (d *RedisSessionDirectory) Put(ctx context.Context, key, value string) error {
	return d.client.Set(ctx, d.key(key), value, d.ttl).Err()
}

func (d *RedisSessionDirectory) Delete(ctx context.Context, key string) error {
	return d.client.Del(ctx, d.key(key)).Err()
}
