package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"

	"github.com/inkwell-ai/inkwell/pkg/observability"
)

// Cache is a process-local, content-addressed map from input text to its
// vector. Entries expire after a TTL. Lookups within the TTL never call the
// provider more than once for the same text.
type Cache struct {
	provider Provider
	ttl      time.Duration
	logger   observability.Logger
	metrics  observability.MetricsClient

	mu      sync.Mutex
	entries map[string]*cacheEntry
	pending map[string]*pendingCompute

	hitCount  atomic.Int64
	missCount atomic.Int64
}

type cacheEntry struct {
	vector   []float32
	cachedAt time.Time
}

// pendingCompute coalesces concurrent lookups of the same text onto a single
// provider call.
type pendingCompute struct {
	done   chan struct{}
	vector []float32
	err    error
}

// CacheConfig configures the embedding cache
type CacheConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

// DefaultCacheConfig returns the default one-hour TTL
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{TTL: time.Hour}
}

// NewCache creates an embedding cache in front of the given provider
func NewCache(provider Provider, config CacheConfig, logger observability.Logger, metrics observability.MetricsClient) *Cache {
	if config.TTL <= 0 {
		config.TTL = time.Hour
	}
	if logger == nil {
		logger = observability.NewLogger("embedding.cache")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &Cache{
		provider: provider,
		ttl:      config.TTL,
		logger:   logger,
		metrics:  metrics,
		entries:  make(map[string]*cacheEntry),
		pending:  make(map[string]*pendingCompute),
	}
}

func contentKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Embed returns the vector for text, consulting the cache first. On a miss the
// provider is called and the result stored under the content hash.
func (c *Cache) Embed(ctx context.Context, text string) ([]float32, error) {
	key := contentKey(text)

	c.mu.Lock()
	if entry, ok := c.entries[key]; ok && time.Since(entry.cachedAt) < c.ttl {
		c.mu.Unlock()
		c.hitCount.Add(1)
		c.metrics.IncrementCounterWithLabels("embedding_cache.hit", 1, nil)
		return entry.vector, nil
	}

	// Join an in-flight computation for the same text if one exists.
	if p, ok := c.pending[key]; ok {
		c.mu.Unlock()
		select {
		case <-p.done:
			return p.vector, p.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p := &pendingCompute{done: make(chan struct{})}
	c.pending[key] = p
	c.mu.Unlock()

	c.missCount.Add(1)
	c.metrics.IncrementCounterWithLabels("embedding_cache.miss", 1, nil)

	vector, err := c.provider.GenerateEmbedding(ctx, text)
	p.vector = vector
	p.err = err
	close(p.done)

	c.mu.Lock()
	delete(c.pending, key)
	if err == nil {
		c.entries[key] = &cacheEntry{vector: vector, cachedAt: time.Now()}
	}
	c.mu.Unlock()

	return vector, err
}

// PurgeExpired drops entries past their TTL. Called by the housekeeper.
func (c *Cache) PurgeExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	purged := 0
	for key, entry := range c.entries {
		if time.Since(entry.cachedAt) >= c.ttl {
			delete(c.entries, key)
			purged++
		}
	}
	return purged
}

// Stats returns hit/miss counters and the live entry count
func (c *Cache) Stats() map[string]interface{} {
	c.mu.Lock()
	size := len(c.entries)
	c.mu.Unlock()

	return map[string]interface{}{
		"hits":    c.hitCount.Load(),
		"misses":  c.missCount.Load(),
		"entries": size,
	}
}
