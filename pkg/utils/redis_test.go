package utils

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func openTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb, err := OpenRedis(context.Background(), RedisConfig{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestOpenRedis_ValidatesConfig(t *testing.T) {
	if _, err := OpenRedis(context.Background(), RedisConfig{}); err == nil {
		t.Fatalf("expected error for empty addr")
	}
	if _, err := OpenRedis(context.Background(), RedisConfig{Addr: "localhost:6379", DB: -1}); err == nil {
		t.Fatalf("expected error for negative db")
	}
}

func TestRedisConfig_TLSOption(t *testing.T) {
	if (RedisConfig{Addr: "x"}).options().TLSConfig != nil {
		t.Fatalf("expected no tls by default")
	}
	if (RedisConfig{Addr: "x", TLS: true}).options().TLSConfig == nil {
		t.Fatalf("expected tls config")
	}
}

func TestSlots_AcquireRelease(t *testing.T) {
	mr, rdb := openTestRedis(t)
	ctx := context.Background()

	for _, h := range []string{"a", "b"} {
		ok, err := AcquireSlot(ctx, rdb, "slots:doc_1", h, 2, time.Minute)
		if err != nil || !ok {
			t.Fatalf("expected slot for %s, got ok=%v err=%v", h, ok, err)
		}
	}
	if ok, err := AcquireSlot(ctx, rdb, "slots:doc_1", "c", 2, time.Minute); err != nil || ok {
		t.Fatalf("expected cap reached, got ok=%v err=%v", ok, err)
	}
	// Re-acquire by a holder extends its own lease.
	if ok, _ := AcquireSlot(ctx, rdb, "slots:doc_1", "a", 2, time.Minute); !ok {
		t.Fatalf("expected holder to re-acquire")
	}

	if err := ReleaseSlot(ctx, rdb, "slots:doc_1", "a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, _ := AcquireSlot(ctx, rdb, "slots:doc_1", "c", 2, time.Minute); !ok {
		t.Fatalf("expected slot after release")
	}
	if ttl := mr.TTL("slots:doc_1"); ttl <= 0 {
		t.Fatalf("expected ttl on slot set, got %v", ttl)
	}
}

func TestSlots_ExpiredLeaseFreesSlot(t *testing.T) {
	_, rdb := openTestRedis(t)
	ctx := context.Background()

	if ok, _ := AcquireSlot(ctx, rdb, "slots:u", "crashed", 1, 20*time.Millisecond); !ok {
		t.Fatalf("expected first slot")
	}
	time.Sleep(40 * time.Millisecond)
	if ok, err := AcquireSlot(ctx, rdb, "slots:u", "next", 1, time.Minute); err != nil || !ok {
		t.Fatalf("expected expired lease reclaimed, got ok=%v err=%v", ok, err)
	}
}

func TestSlots_ValidatesArgs(t *testing.T) {
	if _, err := AcquireSlot(context.Background(), nil, "k", "h", 1, time.Second); err == nil {
		t.Fatalf("expected error for nil client")
	}
}
