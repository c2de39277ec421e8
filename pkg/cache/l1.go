package cache

import (
	"strings"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// EvictionStrategy selects the L1 eviction policy
type EvictionStrategy string

// Eviction strategies
const (
	EvictLRU EvictionStrategy = "LRU"
	EvictLFU EvictionStrategy = "LFU"
)

// L1Config configures the in-process layer
type L1Config struct {
	// MaxSizeMB is the byte budget in mebibytes
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// Strategy is LRU or LFU
	Strategy EvictionStrategy `mapstructure:"strategy"`
	// MaxEntries bounds the entry count regardless of bytes
	MaxEntries int `mapstructure:"max_entries"`
}

// DefaultL1Config returns the default L1 configuration
func DefaultL1Config() L1Config {
	return L1Config{
		MaxSizeMB:  50,
		Strategy:   EvictLRU,
		MaxEntries: 10000,
	}
}

// L1 is the in-process cache layer. Entries are admitted up to a byte
// budget; overflow evicts by the configured policy. Linearizable within the
// process: all operations hold the layer lock.
type L1 struct {
	config    L1Config
	budget    int
	mu        sync.Mutex
	bytes     int
	evictions atomic.Int64

	// LRU backing; also used as the entry table under LFU, where eviction
	// order is decided by access counts instead of recency.
	entries *lru.Cache[string, *Entry]
}

// NewL1 creates the in-process layer
func NewL1(config L1Config) (*L1, error) {
	if config.MaxSizeMB <= 0 {
		config.MaxSizeMB = 50
	}
	if config.MaxEntries <= 0 {
		config.MaxEntries = 10000
	}
	if config.Strategy == "" {
		config.Strategy = EvictLRU
	}

	l1 := &L1{
		config: config,
		budget: config.MaxSizeMB * 1024 * 1024,
	}

	// The callback fires for explicit removals and policy evictions alike;
	// removal paths that are not evictions compensate the counter.
	entries, err := lru.NewWithEvict[string, *Entry](config.MaxEntries, func(key string, e *Entry) {
		l1.bytes -= e.SizeBytes()
		l1.evictions.Add(1)
	})
	if err != nil {
		return nil, err
	}
	l1.entries = entries
	return l1, nil
}

// Get returns the entry for key and bumps its recency
func (c *L1) Get(key string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Get(key)
}

// Peek returns the entry without touching recency
func (c *L1) Peek(key string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Peek(key)
}

// Set stores an entry, evicting by policy until the byte budget holds
func (c *L1) Set(e *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Updating an existing key does not fire the eviction callback, so the
	// old footprint is released here.
	if old, ok := c.entries.Peek(e.Key); ok {
		c.bytes -= old.SizeBytes()
	}
	c.entries.Add(e.Key, e)
	c.bytes += e.SizeBytes()

	for c.bytes > c.budget && c.entries.Len() > 1 {
		c.evictOneLocked()
	}
}

// evictOneLocked removes one entry by the configured policy
func (c *L1) evictOneLocked() {
	if c.config.Strategy == EvictLFU {
		var coldest string
		coldestCount := -1
		for _, key := range c.entries.Keys() {
			if e, ok := c.entries.Peek(key); ok {
				if coldestCount < 0 || e.AccessCount < coldestCount {
					coldest = key
					coldestCount = e.AccessCount
				}
			}
		}
		if coldestCount >= 0 {
			c.entries.Remove(coldest)
			return
		}
	}
	c.entries.RemoveOldest()
}

// Delete removes an entry
func (c *L1) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries.Remove(key) {
		// Explicit removal is not an eviction.
		c.evictions.Add(-1)
		return true
	}
	return false
}

// Keys returns all resident keys
func (c *L1) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Keys()
}

// DeleteMatching removes entries whose key contains the pattern. Returns the
// removed count.
func (c *L1) DeleteMatching(pattern string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, key := range c.entries.Keys() {
		if pattern == "" || strings.Contains(key, pattern) {
			if c.entries.Remove(key) {
				c.evictions.Add(-1)
				removed++
			}
		}
	}
	return removed
}

// PurgeExpired removes entries past TTL plus the grace window
func (c *L1) PurgeExpired(graceSeconds int) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	purged := 0
	for _, key := range c.entries.Keys() {
		e, ok := c.entries.Peek(key)
		if !ok {
			continue
		}
		if e.Expired() && !e.CanStale {
			c.entries.Remove(key)
			c.evictions.Add(-1)
			purged++
			continue
		}
		if e.Expired() && !e.WithinGrace(secondsToDuration(graceSeconds)) {
			c.entries.Remove(key)
			c.evictions.Add(-1)
			purged++
		}
	}
	return purged
}

// Len returns the resident entry count
func (c *L1) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// Bytes returns the tracked byte footprint
func (c *L1) Bytes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

// Evictions returns the count of policy evictions
func (c *L1) Evictions() int64 {
	return c.evictions.Load()
}
