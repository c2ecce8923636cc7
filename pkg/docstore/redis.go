package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"talqs/pkg/domain"
)

// RedisStore keeps contents in Redis under a sliding TTL so every replica
// can answer questions about any uploaded document.
type RedisStore struct {
	client   redis.UniversalClient
	prefix   string
	ttl      time.Duration
	maxBytes int
}

// NewRedisStore wraps client. Zero ttl takes DefaultTTL.
func NewRedisStore(client redis.UniversalClient, prefix string, ttl time.Duration, maxBytes int) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("redis client required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "talqs:doc"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl, maxBytes: maxBytes}, nil
}

func (r *RedisStore) key(fingerprint string) string {
	return r.prefix + ":" + fingerprint
}

func (r *RedisStore) Put(ctx context.Context, doc domain.DocumentContent) error {
	if r.maxBytes > 0 && len(doc.Content) > r.maxBytes {
		return ErrTooLarge
	}
	now := time.Now().UTC()
	doc.StoredAt = now
	doc.ExpiresAt = now.Add(r.ttl)
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := r.client.Set(ctx, r.key(doc.Fingerprint), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("store document: %w", err)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, fingerprint string) (domain.DocumentContent, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	raw, err := r.client.GetEx(ctx, r.key(fingerprint), r.ttl).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.DocumentContent{}, false, nil
	}
	if err != nil {
		return domain.DocumentContent{}, false, fmt.Errorf("load document: %w", err)
	}
	var doc domain.DocumentContent
	if err := json.Unmarshal(raw, &doc); err != nil {
		return domain.DocumentContent{}, false, fmt.Errorf("decode document: %w", err)
	}
	doc.ExpiresAt = time.Now().UTC().Add(r.ttl)
	return doc, true, nil
}

func (r *RedisStore) Delete(ctx context.Context, fingerprint string) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return r.client.Del(ctx, r.key(fingerprint)).Err()
}

// Len counts stored documents with SCAN; it is meant for diagnostics.
func (r *RedisStore) Len(ctx context.Context) (int, error) {
	n := 0
	iter := r.client.Scan(ctx, 0, r.prefix+":*", 100).Iterator()
	for iter.Next(ctx) {
		n++
	}
	return n, iter.Err()
}
