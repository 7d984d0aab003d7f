package dedup

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func newTestCache(t *testing.T, maxEntries int, ttl time.Duration) (*Cache, *time.Time) {
	t.Helper()
	c, err := NewCache(Config{MaxEntries: maxEntries, TTL: ttl})
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	now := time.Unix(1700000000, 0)
	c.nowFn = func() time.Time { return now }
	return c, &now
}

func TestFalseThenTrue(t *testing.T) {
	c, _ := newTestCache(t, 10, time.Second)

	if c.IsDuplicate("TP", "order-1", 1000) {
		t.Error("first sighting must not be a duplicate")
	}
	if !c.IsDuplicate("TP", "order-1", 1000) {
		t.Error("second identical sighting must be a duplicate")
	}
}

func TestAnyFieldChangeIsDistinct(t *testing.T) {
	c, _ := newTestCache(t, 10, time.Minute)
	c.IsDuplicate("TP", "order-1", 1000)

	variants := []struct {
		kind string
		id   string
		ts   int64
	}{
		{"SL", "order-1", 1000},
		{"TP", "order-2", 1000},
		{"TP", "order-1", 1001},
	}
	for _, v := range variants {
		if c.IsDuplicate(v.kind, v.id, v.ts) {
			t.Errorf("(%s,%s,%d) differs in one field, must not be a duplicate", v.kind, v.id, v.ts)
		}
		if !c.IsDuplicate(v.kind, v.id, v.ts) {
			t.Errorf("(%s,%s,%d) second sighting must be a duplicate", v.kind, v.id, v.ts)
		}
	}
}

func TestTTLExpiry(t *testing.T) {
	c, now := newTestCache(t, 10, time.Second)

	c.IsDuplicate("TP", "order-1", 1000)
	*now = now.Add(1001 * time.Millisecond)

	if c.IsDuplicate("TP", "order-1", 1000) {
		t.Error("expired entry must be treated as a miss")
	}
	if !c.IsDuplicate("TP", "order-1", 1000) {
		t.Error("re-inserted entry must hit again")
	}
}

func TestHitDoesNotRefreshTTL(t *testing.T) {
	c, now := newTestCache(t, 10, time.Second)

	c.IsDuplicate("TP", "order-1", 1000)
	*now = now.Add(600 * time.Millisecond)
	if !c.IsDuplicate("TP", "order-1", 1000) {
		t.Fatal("entry should still be live")
	}

	// The hit above must not have reset the clock
	*now = now.Add(500 * time.Millisecond)
	if c.IsDuplicate("TP", "order-1", 1000) {
		t.Error("entry should have expired from its original insertion time")
	}
}

func TestOldestEvictedFirst(t *testing.T) {
	// Size 10: the 11th distinct insert evicts the oldest
	c, _ := newTestCache(t, 10, time.Hour)

	for i := 0; i < 10; i++ {
		c.IsDuplicate("TP", fmt.Sprintf("order-%d", i), int64(i))
	}
	if c.Len() != 10 {
		t.Fatalf("len = %d, want 10", c.Len())
	}

	c.IsDuplicate("TP", "order-10", 10)
	if c.Len() != 10 {
		t.Fatalf("len = %d after overflow insert, want 10", c.Len())
	}

	// The oldest key is gone: querying it is a miss (and re-inserts it)
	if c.IsDuplicate("TP", "order-0", 0) {
		t.Error("evicted oldest key must be a miss")
	}
	// ...which in turn evicted order-1
	if c.IsDuplicate("TP", "order-1", 1) {
		t.Error("order-1 should have been evicted by the re-insert")
	}
}

func TestClear(t *testing.T) {
	c, _ := newTestCache(t, 10, time.Hour)
	c.IsDuplicate("TP", "order-1", 1000)
	c.Clear()

	if c.Len() != 0 {
		t.Errorf("len = %d after clear, want 0", c.Len())
	}
	if c.IsDuplicate("TP", "order-1", 1000) {
		t.Error("cleared entry must be a miss")
	}
}

func TestExportSeedRoundTrip(t *testing.T) {
	c, now := newTestCache(t, 10, time.Minute)
	c.IsDuplicate("TP", "order-1", 1000)
	c.IsDuplicate("SL", "order-2", 2000)

	restored, now2 := newTestCache(t, 10, time.Minute)
	*now2 = *now
	restored.Seed(c.Export())

	if !restored.IsDuplicate("TP", "order-1", 1000) {
		t.Error("seeded entry must hit after restore")
	}
	if !restored.IsDuplicate("SL", "order-2", 2000) {
		t.Error("seeded entry must hit after restore")
	}

	// Seeding skips entries that are already stale
	stale := []Entry{{Key: Key{Kind: "TP", ID: "old", Timestamp: 1}, InsertedAt: now.Add(-2 * time.Minute)}}
	restored.Seed(stale)
	if restored.IsDuplicate("TP", "old", 1) {
		t.Error("stale persisted entry must not be restored")
	}
}

func TestConcurrentLookups(t *testing.T) {
	c, _ := newTestCache(t, 1000, time.Minute)
	c.nowFn = time.Now

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				c.IsDuplicate("TP", fmt.Sprintf("g%d-order-%d", g, i), int64(i))
				c.IsDuplicate("TP", fmt.Sprintf("g%d-order-%d", g, i), int64(i))
			}
		}(g)
	}
	wg.Wait()

	if c.Len() > 1000 {
		t.Errorf("len = %d exceeds bound", c.Len())
	}
}
