package cache

import (
	"context"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestLRUGetSet(t *testing.T) {
	c := NewLRUCache(10)
	defer c.Close()

	ctx := context.Background()

	val, err := c.Get(ctx, "missing")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if val != nil {
		t.Errorf("expected nil for missing key, got %v", val)
	}

	if err := c.Set(ctx, "k1", []byte("v1"), time.Minute); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	val, err = c.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if string(val) != "v1" {
		t.Errorf("expected v1, got %s", val)
	}
}

func TestLRUExpiry(t *testing.T) {
	c := NewLRUCache(10)
	defer c.Close()

	ctx := context.Background()

	if err := c.Set(ctx, "k1", []byte("v1"), 10*time.Millisecond); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	val, err := c.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if val != nil {
		t.Errorf("expected expired entry to be gone, got %s", val)
	}
}

func TestLRUEviction(t *testing.T) {
	c := NewLRUCache(2)
	defer c.Close()

	ctx := context.Background()

	c.Set(ctx, "k1", []byte("v1"), time.Minute)
	c.Set(ctx, "k2", []byte("v2"), time.Minute)
	c.Set(ctx, "k3", []byte("v3"), time.Minute)

	size, capacity := c.Stats()
	if size != 2 {
		t.Errorf("expected size 2 after eviction, got %d", size)
	}
	if capacity != 2 {
		t.Errorf("expected capacity 2, got %d", capacity)
	}

	// Oldest entry should be evicted
	val, _ := c.Get(ctx, "k1")
	if val != nil {
		t.Errorf("expected k1 evicted, got %s", val)
	}
}

func TestLRUHistoryRoundTrip(t *testing.T) {
	c := NewLRUCache(10)
	defer c.Close()

	ctx := context.Background()

	hist := &domain.EntityHistory{
		UserTxCount1h:  3,
		UserTxCount24h: 12,
		UserAvgAmount:  250.5,
		DeviceTxCount:  7,
		KnownDevice:    true,
		ComputedAt:     time.Now().UTC().Truncate(time.Second),
	}

	if err := c.SetHistory(ctx, "U1:D1", hist, time.Minute); err != nil {
		t.Fatalf("set history failed: %v", err)
	}

	got, err := c.GetHistory(ctx, "U1:D1")
	if err != nil {
		t.Fatalf("get history failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected cached history")
	}
	if got.UserTxCount24h != 12 || !got.KnownDevice {
		t.Errorf("history mismatch: %+v", got)
	}
}

func TestLRUCounterWindow(t *testing.T) {
	c := NewLRUCache(10)
	defer c.Close()

	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		count, err := c.IncrementCounter(ctx, "user:U1", time.Minute)
		if err != nil {
			t.Fatalf("increment failed: %v", err)
		}
		if count != i {
			t.Errorf("expected count %d, got %d", i, count)
		}
	}
}

func TestLRUCounterExpiry(t *testing.T) {
	c := NewLRUCache(10)
	defer c.Close()

	ctx := context.Background()

	c.IncrementCounter(ctx, "user:U1", 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	count, err := c.IncrementCounter(ctx, "user:U1", time.Minute)
	if err != nil {
		t.Fatalf("increment failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected counter reset to 1 after window, got %d", count)
	}
}

func TestNewUnsupportedType(t *testing.T) {
	_, err := New(domain.CacheConfig{Type: "memcached"})
	if err == nil {
		t.Error("expected error for unsupported cache type")
	}
}
