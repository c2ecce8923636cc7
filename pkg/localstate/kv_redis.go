package localstate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "talqs:state"

// RedisKV keeps client state in Redis so it survives restarts and is shared
// by every replica. Keys expire after ttl of inactivity when ttl > 0.
type RedisKV struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisKV wraps an existing client.
func NewRedisKV(client redis.UniversalClient, prefix string, ttl time.Duration) (*RedisKV, error) {
	if client == nil {
		return nil, errors.New("redis client required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisKV{client: client, prefix: prefix, ttl: ttl}, nil
}

func (r *RedisKV) key(k string) string {
	return r.prefix + ":" + k
}

func (r *RedisKV) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	var (
		val string
		err error
	)
	if r.ttl > 0 {
		val, err = r.client.GetEx(ctx, r.key(key), r.ttl).Result()
	} else {
		val, err = r.client.Get(ctx, r.key(key)).Result()
	}
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return val, true, nil
}

func (r *RedisKV) Set(ctx context.Context, key, value string) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := r.client.Set(ctx, r.key(key), value, r.ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (r *RedisKV) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}
