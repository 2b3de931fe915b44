package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	return &Client{Client: c}, mr
}

func TestLockAcquireRelease(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	lock := NewLock(client, "saga:lock:1001", "holder-a", time.Minute)
	ok, err := lock.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !ok {
		t.Fatal("first acquire should succeed")
	}

	other := NewLock(client, "saga:lock:1001", "holder-b", time.Minute)
	ok, err = other.Acquire(ctx)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if ok {
		t.Fatal("second acquire should fail while lock held")
	}

	// releasing someone else's lock is a no-op
	if err := other.Release(ctx); err != nil {
		t.Fatalf("release other: %v", err)
	}
	ok, _ = other.Acquire(ctx)
	if ok {
		t.Fatal("lock should still be held after foreign release")
	}

	if err := lock.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	ok, err = other.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	if !ok {
		t.Fatal("acquire should succeed after release")
	}
}

func TestLockExtend(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	lock := NewLock(client, "saga:lock:2002", "holder", time.Minute)
	if ok, _ := lock.Acquire(ctx); !ok {
		t.Fatal("acquire failed")
	}

	ok, err := lock.Extend(ctx, 2*time.Minute)
	if err != nil {
		t.Fatalf("extend: %v", err)
	}
	if !ok {
		t.Fatal("extend on held lock should succeed")
	}

	foreign := NewLock(client, "saga:lock:2002", "intruder", time.Minute)
	ok, err = foreign.Extend(ctx, time.Minute)
	if err != nil {
		t.Fatalf("foreign extend: %v", err)
	}
	if ok {
		t.Fatal("extend on foreign lock should fail")
	}
}

func TestRateLimiterAllow(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	rl := NewRateLimiter(client, "")
	for i := 0; i < 3; i++ {
		allowed, _, err := rl.Allow(ctx, "client-key", 3, time.Minute)
		if err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
		if !allowed {
			t.Fatalf("request %d should be allowed", i)
		}
	}

	allowed, remaining, err := rl.Allow(ctx, "client-key", 3, time.Minute)
	if err != nil {
		t.Fatalf("allow over limit: %v", err)
	}
	if allowed {
		t.Fatal("fourth request should be rejected")
	}
	if remaining != 0 {
		t.Fatalf("remaining = %d, want 0", remaining)
	}

	// a different key has its own window
	allowed, _, err = rl.Allow(ctx, "other-key", 3, time.Minute)
	if err != nil {
		t.Fatalf("allow other key: %v", err)
	}
	if !allowed {
		t.Fatal("other key should be allowed")
	}
}
