package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

// TestRedisStore_Integration requires a running Redis; it skips when no
// server is reachable on the default address.
func TestRedisStore_Integration(t *testing.T) {
	s := NewRedisStore("localhost:6379", "", 0)
	ctx := context.Background()
	if err := s.Ping(ctx); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}
	defer func() { _ = s.Close() }()

	key := "gateway-test:" + uuid.NewString()
	defer func() { _ = s.Delete(ctx, key) }()

	if err := s.ZAdd(ctx, key, "m1", 100); err != nil {
		t.Fatalf("ZAdd: %v", err)
	}
	if err := s.ZAdd(ctx, key, "m2", 200); err != nil {
		t.Fatalf("ZAdd: %v", err)
	}

	n, err := s.ZCount(ctx, key, 100, 200)
	if err != nil {
		t.Fatalf("ZCount: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 members, got %d", n)
	}

	if err := s.ZRemoveRangeByScore(ctx, key, 0, 100); err != nil {
		t.Fatalf("ZRemoveRangeByScore: %v", err)
	}
	n, _ = s.ZCount(ctx, key, 0, 300)
	if n != 1 {
		t.Errorf("expected 1 member after eviction, got %d", n)
	}

	strKey := key + ":str"
	defer func() { _ = s.Delete(ctx, strKey) }()

	won, err := s.SetIfAbsent(ctx, strKey, "1", time.Minute)
	if err != nil {
		t.Fatalf("SetIfAbsent: %v", err)
	}
	if !won {
		t.Error("expected first SetIfAbsent to win")
	}
	won, _ = s.SetIfAbsent(ctx, strKey, "1", time.Minute)
	if won {
		t.Error("expected second SetIfAbsent to lose")
	}
}
