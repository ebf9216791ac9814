package chain

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestLocalLockerSerializesPerKey(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "0xabc")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	other, err := l.Lock(ctx, "0xdef")
	if err != nil {
		t.Fatalf("independent key should lock: %v", err)
	}
	other()

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(short, "0xabc"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded while held, got %v", err)
	}

	unlock()
	unlock()
	again, err := l.Lock(ctx, "0xabc")
	if err != nil {
		t.Fatalf("lock after release: %v", err)
	}
	again()
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisLockerExcludesSecondHolder(t *testing.T) {
	mr, client := newTestRedis(t)
	l := NewRedisLocker(client, time.Minute)
	l.retry = 5 * time.Millisecond
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "0xABC")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if !mr.Exists(signerLockPrefix + "0xabc") {
		t.Fatal("expected lowercased lock key in redis")
	}

	short, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(short, "0xabc"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded while held, got %v", err)
	}

	unlock()
	if mr.Exists(signerLockPrefix + "0xabc") {
		t.Fatal("unlock should delete the key")
	}
	again, err := l.Lock(ctx, "0xabc")
	if err != nil {
		t.Fatalf("lock after release: %v", err)
	}
	again()
}

func TestRedisLockerReleaseKeepsForeignToken(t *testing.T) {
	mr, client := newTestRedis(t)
	l := NewRedisLocker(client, time.Minute)
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "0xabc")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	// Another process took over after our TTL lapsed.
	if err := mr.Set(signerLockPrefix+"0xabc", "someone-else"); err != nil {
		t.Fatalf("set: %v", err)
	}
	unlock()

	got, err := mr.Get(signerLockPrefix + "0xabc")
	if err != nil || got != "someone-else" {
		t.Fatalf("foreign lock must survive release, got %q, %v", got, err)
	}
}
