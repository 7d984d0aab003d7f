// Package dedup guarantees idempotent handling of duplicate exchange
// execution events. Entries are matched exactly on the composite
// (kind, id, timestamp) key; there is no fuzzy matching.
package dedup

import (
	"fmt"
	"sync"
	"time"
)

// Key uniquely identifies one exchange event
type Key struct {
	Kind      string `json:"kind"`
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"` // exchange event time, unix ms
}

// String renders the key in the form used for persistence
func (k Key) String() string {
	return fmt.Sprintf("%s:%s:%d", k.Kind, k.ID, k.Timestamp)
}

// Config holds the cache bounds
type Config struct {
	MaxEntries int           `json:"max_entries"`
	TTL        time.Duration `json:"ttl"`
}

// DefaultConfig returns the bounds used in live trading
func DefaultConfig() Config {
	return Config{
		MaxEntries: 1000,
		TTL:        10 * time.Minute,
	}
}

// Validate checks the bounds at construction time
func (c Config) Validate() error {
	if c.MaxEntries < 1 {
		return fmt.Errorf("max_entries must be at least 1, got %d", c.MaxEntries)
	}
	if c.TTL <= 0 {
		return fmt.Errorf("ttl must be positive, got %v", c.TTL)
	}
	return nil
}

// Entry pairs a key with its insertion time, for export to durable storage
type Entry struct {
	Key        Key       `json:"key"`
	InsertedAt time.Time `json:"inserted_at"`
}

// Cache is a bounded, TTL-expiring duplicate detector. Safe for concurrent
// use from multiple event-ingestion paths.
type Cache struct {
	mu      sync.RWMutex
	cfg     Config
	entries map[Key]time.Time
	order   []Key // insertion order, oldest first
	nowFn   func() time.Time
}

// NewCache creates an empty cache with validated bounds
func NewCache(cfg Config) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("dedup config: %w", err)
	}
	return &Cache{
		cfg:     cfg,
		entries: make(map[Key]time.Time, cfg.MaxEntries),
		order:   make([]Key, 0, cfg.MaxEntries),
		nowFn:   time.Now,
	}, nil
}

// IsDuplicate reports whether this exact event was already processed.
// A fresh hit is not refreshed; a miss or an expired entry is (re)inserted
// with the current time and reported as not-duplicate.
func (c *Cache) IsDuplicate(kind, id string, timestamp int64) bool {
	key := Key{Kind: kind, ID: id, Timestamp: timestamp}
	now := c.nowFn()

	c.mu.Lock()
	defer c.mu.Unlock()

	if insertedAt, ok := c.entries[key]; ok {
		if now.Sub(insertedAt) < c.cfg.TTL {
			return true
		}
		// Expired: drop the stale order slot, fall through to re-insert.
		c.removeFromOrder(key)
	}

	c.entries[key] = now
	c.order = append(c.order, key)
	c.evictLocked()
	return false
}

// evictLocked removes oldest entries until the bound holds
func (c *Cache) evictLocked() {
	for len(c.entries) > c.cfg.MaxEntries {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
}

func (c *Cache) removeFromOrder(key Key) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

// Len returns the number of live entries
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Clear empties the cache unconditionally
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[Key]time.Time, c.cfg.MaxEntries)
	c.order = c.order[:0]
}

// Export returns all live entries in insertion order, for persistence
// across a restart window
func (c *Cache) Export() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entry, 0, len(c.order))
	for _, k := range c.order {
		out = append(out, Entry{Key: k, InsertedAt: c.entries[k]})
	}
	return out
}

// Seed loads persisted entries, skipping any that have already expired.
// Intended for startup restoration; later entries win on key collision.
func (c *Cache) Seed(entries []Entry) {
	now := c.nowFn()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range entries {
		if now.Sub(e.InsertedAt) >= c.cfg.TTL {
			continue
		}
		if _, ok := c.entries[e.Key]; ok {
			c.removeFromOrder(e.Key)
		}
		c.entries[e.Key] = e.InsertedAt
		c.order = append(c.order, e.Key)
	}
	c.evictLocked()
}
