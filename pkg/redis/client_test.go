package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/yeto-platform/ingestcore/pkg/config"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := NewClient(config.RedisConfig{Addr: mr.Addr(), PoolSize: 2, KeyPrefix: "test:"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c, mr
}

func TestGetSetDel(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()
	key := c.Key("registry")
	if key != "test:registry" {
		t.Fatalf("Key() = %q", key)
	}

	if _, err := c.Get(ctx, key); !IsNilError(err) {
		t.Fatalf("Get on missing key: %v", err)
	}
	if err := c.Set(ctx, key, "payload", time.Minute); err != nil {
		t.Fatal(err)
	}
	got, err := c.Get(ctx, key)
	if err != nil || got != "payload" {
		t.Fatalf("Get() = %q, %v", got, err)
	}
	if ttl := mr.TTL(key); ttl != time.Minute {
		t.Errorf("TTL = %v", ttl)
	}
	if err := c.Del(ctx, key); err != nil {
		t.Fatal(err)
	}
	if mr.Exists(key) {
		t.Error("key survived Del")
	}
}

func TestSwap(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()
	key := c.Key("health:SRC-001")

	if _, err := c.Swap(ctx, key, "warning", time.Hour); !IsNilError(err) {
		t.Fatalf("first Swap error = %v, want nil reply", err)
	}
	prev, err := c.Swap(ctx, key, "critical", time.Hour)
	if err != nil || prev != "warning" {
		t.Fatalf("Swap() = %q, %v", prev, err)
	}
	if v, _ := mr.Get(key); v != "critical" {
		t.Errorf("stored value = %q", v)
	}
}
