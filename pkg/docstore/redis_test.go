package docstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	s, err := NewRedisStore(client, "test:doc", time.Hour, 0)
	if err != nil {
		t.Fatalf("new redis store: %v", err)
	}
	ctx := context.Background()
	if err := s.Put(ctx, doc("a")); err != nil {
		t.Fatalf("put: %v", err)
	}
	mr.FastForward(50 * time.Minute)
	got, ok, err := s.Get(ctx, "a")
	if err != nil || !ok || got.Content != "text of a" {
		t.Fatalf("get: %+v ok=%v err=%v", got, ok, err)
	}
	if ttl := mr.TTL("test:doc:a"); ttl != time.Hour {
		t.Fatalf("ttl not refreshed on read: %v", ttl)
	}
	if n, err := s.Len(ctx); err != nil || n != 1 {
		t.Fatalf("len = %d err=%v", n, err)
	}
	mr.FastForward(2 * time.Hour)
	if _, ok, _ := s.Get(ctx, "a"); ok {
		t.Fatalf("entry should have expired")
	}
	_ = s.Put(ctx, doc("b"))
	if err := s.Delete(ctx, "b"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "b"); ok {
		t.Fatalf("entry survived delete")
	}
}
