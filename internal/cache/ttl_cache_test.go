package cache

import (
	"testing"
	"time"
)

func TestTTLCacheGetSet(t *testing.T) {
	c := NewTTLCache[string, int64]()

	if _, ok := c.Get("missing"); ok {
		t.Fatal("empty cache must miss")
	}

	c.Set("balance:1", 500_00, time.Minute)
	got, ok := c.Get("balance:1")
	if !ok || got != 500_00 {
		t.Fatalf("get = (%d, %v), want (50000, true)", got, ok)
	}

	c.Set("balance:1", 450_00, time.Minute)
	got, _ = c.Get("balance:1")
	if got != 450_00 {
		t.Fatalf("get after overwrite = %d, want 45000", got)
	}
}

func TestTTLCacheExpiry(t *testing.T) {
	c := NewTTLCache[string, int64]()

	c.Set("short", 1, 10*time.Millisecond)
	if _, ok := c.Get("short"); !ok {
		t.Fatal("entry must be live before its TTL")
	}

	time.Sleep(20 * time.Millisecond)
	if _, ok := c.Get("short"); ok {
		t.Fatal("entry must expire after its TTL")
	}
}

func TestTTLCacheZeroTTLNeverExpires(t *testing.T) {
	c := NewTTLCache[string, int64]()

	c.Set("pinned", 7, 0)
	time.Sleep(5 * time.Millisecond)
	if got, ok := c.Get("pinned"); !ok || got != 7 {
		t.Fatalf("get = (%d, %v), a zero TTL must pin the entry", got, ok)
	}
}

func TestTTLCacheDelete(t *testing.T) {
	c := NewTTLCache[string, int64]()

	c.Set("k", 1, time.Minute)
	c.Delete("k")
	if _, ok := c.Get("k"); ok {
		t.Fatal("deleted entry must miss")
	}

	// Deleting an absent key is a no-op.
	c.Delete("absent")
}

func TestTTLCachePruneDropsExpiredEntries(t *testing.T) {
	c := NewTTLCache[int, string]()

	c.Set(0, "stale", time.Nanosecond)
	time.Sleep(time.Millisecond)

	// Enough writes to trigger the opportunistic prune.
	for i := 1; i <= 256; i++ {
		c.Set(i, "live", time.Minute)
	}

	c.mu.RLock()
	_, present := c.items[0]
	c.mu.RUnlock()
	if present {
		t.Fatal("prune must drop expired entries without a read")
	}
}
