package cache

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/inkwell-ai/inkwell/pkg/apperr"
	"github.com/inkwell-ai/inkwell/pkg/models"
	"github.com/inkwell-ai/inkwell/pkg/observability"
	"github.com/inkwell-ai/inkwell/pkg/pii"
)

// Config configures the multi-layer cache
type Config struct {
	L1                L1Config     `mapstructure:"l1"`
	L2Enabled         bool         `mapstructure:"l2_enabled"`
	SemanticEnabled   bool         `mapstructure:"semantic_enabled"`
	SemanticThreshold float64      `mapstructure:"semantic_threshold"`
	MaxCacheableBytes int          `mapstructure:"max_cacheable_bytes"`
	Policy            PolicyConfig `mapstructure:"policy"`
}

// DefaultConfig returns the default cache configuration
func DefaultConfig() Config {
	return Config{
		L1:                DefaultL1Config(),
		L2Enabled:         false,
		SemanticEnabled:   true,
		SemanticThreshold: 0.8,
		MaxCacheableBytes: 1 << 20,
		Policy:            DefaultPolicyConfig(),
	}
}

// GetOptions modify a lookup
type GetOptions struct {
	// AllowStale permits serving an expired entry inside the grace window
	AllowStale bool
	// Semantic enables the similarity layer on a primary miss
	Semantic bool
	// EmitRefresh requests a refresh event for stale hits
	EmitRefresh bool
}

// SetOptions modify a store
type SetOptions struct {
	Dependencies []string
	CanStale     bool
	Quality      float64
	// PreferredTTL overrides the derived TTL when > 0 (used by pre-warm)
	PreferredTTL time.Duration
}

// InvalidateOptions modify an invalidation
type InvalidateOptions struct {
	Strategy InvalidationStrategy
}

// MultiLayerCache composes L1, L2, and the semantic layer under the policy
// engine. Lookup order is L1 then L2 then semantic; hot-path L2 hits are
// promoted to L1. Cache faults are downgraded to misses whenever a miss is a
// safe alternative.
type MultiLayerCache struct {
	config   Config
	l1       *L1
	l2       L2
	policy   *PolicyEngine
	keygen   *KeyGenerator
	detector *pii.Detector
	logger   observability.Logger
	metrics  observability.MetricsClient
	events   eventBus

	// semantic maps a semantic key to the primary keys sharing it
	semanticMu sync.RWMutex
	semantic   map[string][]string

	hits       atomic.Int64
	misses     atomic.Int64
	staleServe atomic.Int64
}

// New creates the multi-layer cache. l2 may be nil when disabled.
func New(config Config, l2 L2, keygen *KeyGenerator, logger observability.Logger, metrics observability.MetricsClient) (*MultiLayerCache, error) {
	if config.SemanticThreshold <= 0 {
		config.SemanticThreshold = 0.8
	}
	if config.MaxCacheableBytes <= 0 {
		config.MaxCacheableBytes = 1 << 20
	}
	if logger == nil {
		logger = observability.NewLogger("cache")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	if keygen == nil {
		keygen = NewKeyGenerator()
	}

	l1, err := NewL1(config.L1)
	if err != nil {
		return nil, err
	}

	c := &MultiLayerCache{
		config:   config,
		l1:       l1,
		l2:       l2,
		keygen:   keygen,
		detector: pii.NewDetector(),
		logger:   logger,
		metrics:  metrics,
		semantic: make(map[string][]string),
	}
	c.policy = NewPolicyEngine(config.Policy, func(keys []string) {
		c.processInvalidation(context.Background(), keys)
	}, logger.WithPrefix("cache.policy"), metrics)

	return c, nil
}

// Subscribe registers an observer for cache events
func (c *MultiLayerCache) Subscribe(o Observer) {
	c.events.subscribe(o)
}

// KeyGenerator exposes the cache's key generator
func (c *MultiLayerCache) KeyGenerator() *KeyGenerator {
	return c.keygen
}

// Policy exposes the policy engine
func (c *MultiLayerCache) Policy() *PolicyEngine {
	return c.policy
}

// Get looks a key up through the layers under policy gating. Cache-layer
// faults are logged and treated as misses.
func (c *MultiLayerCache) Get(ctx context.Context, key KeyResult, sec models.SecurityContext, opts GetOptions) *Lookup {
	ctx, span := observability.StartSpan(ctx, "cache.get")
	defer span.End()

	// L1
	if e, ok := c.l1.Get(key.PrimaryKey); ok {
		if lookup := c.admit(e, sec, opts, "l1"); lookup != nil {
			return lookup
		}
	}

	// L2
	if c.l2 != nil && c.config.L2Enabled {
		e, err := c.l2.Get(ctx, key.PrimaryKey)
		if err != nil && err != ErrNotFound {
			c.logger.Warn("L2 lookup failed, treating as miss", map[string]interface{}{
				"error": err.Error(),
			})
		}
		if err == nil && e != nil {
			if lookup := c.admit(e, sec, opts, "l2"); lookup != nil {
				// Hot-path entries ride back up to L1.
				if e.HotPath {
					c.l1.Set(e)
				}
				return lookup
			}
		}
	}

	// Semantic layer
	if opts.Semantic && c.config.SemanticEnabled {
		if lookup := c.semanticLookup(ctx, key, sec, opts); lookup != nil {
			return lookup
		}
	}

	c.misses.Add(1)
	c.metrics.IncrementCounterWithLabels("cache.miss", 1, nil)
	c.events.emit(Event{Type: EventMiss, Key: key.PrimaryKey})
	return nil
}

// admit applies policy gating and freshness rules to a located entry
func (c *MultiLayerCache) admit(e *Entry, sec models.SecurityContext, opts GetOptions, layer string) *Lookup {
	if !c.policy.Allow(e, sec) {
		c.events.emit(Event{Type: EventPolicyBlock, Key: e.Key, Layer: layer})
		return nil
	}

	if !e.Expired() {
		e.AccessCount++
		e.LastAccessedAt = time.Now()
		c.hits.Add(1)
		c.metrics.IncrementCounterWithLabels("cache.hit", 1, map[string]string{"layer": layer})
		c.events.emit(Event{Type: EventHit, Key: e.Key, Layer: layer})
		return &Lookup{Entry: e, Fresh: true, Layer: layer}
	}

	if opts.AllowStale && e.CanStale && e.WithinGrace(c.policy.GracePeriod()) {
		e.AccessCount++
		e.LastAccessedAt = time.Now()
		c.staleServe.Add(1)
		c.metrics.IncrementCounterWithLabels("cache.stale_hit", 1, map[string]string{"layer": layer})
		c.events.emit(Event{Type: EventStaleHit, Key: e.Key, Layer: layer})
		if opts.EmitRefresh {
			c.events.emit(Event{Type: EventRefreshDue, Key: e.Key, Layer: layer})
		}
		return &Lookup{Entry: e, Fresh: false, Stale: true, Layer: layer}
	}

	return nil
}

// semanticLookup finds candidates sharing the semantic key and admits the
// first whose primary key is similar enough.
func (c *MultiLayerCache) semanticLookup(ctx context.Context, key KeyResult, sec models.SecurityContext, opts GetOptions) *Lookup {
	c.semanticMu.RLock()
	candidates := append([]string{}, c.semantic[key.SemanticKey]...)
	c.semanticMu.RUnlock()

	for _, candidateKey := range candidates {
		if keySimilarity(key.PrimaryKey, candidateKey) < c.config.SemanticThreshold {
			continue
		}
		if e, ok := c.l1.Get(candidateKey); ok {
			if lookup := c.admit(e, sec, opts, "semantic"); lookup != nil {
				return lookup
			}
		}
	}
	return nil
}

// keySimilarity is the Jaccard similarity of the keys' segment sets. The
// content-hash segment is excluded: the semantic key already matched the
// content, so this comparison checks scope compatibility (namespace, book,
// type, priority).
func keySimilarity(a, b string) float64 {
	setA := make(map[string]bool)
	for _, segment := range strings.Split(a, ":") {
		if !isContentHashSegment(segment) {
			setA[segment] = true
		}
	}
	setB := make(map[string]bool)
	for _, segment := range strings.Split(b, ":") {
		if !isContentHashSegment(segment) {
			setB[segment] = true
		}
	}
	intersection := 0
	for segment := range setA {
		if setB[segment] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// isContentHashSegment recognizes the 24-hex-character content hash emitted
// by the key generator. The shorter namespace hash is identity-relevant and
// stays in the comparison.
func isContentHashSegment(segment string) bool {
	if len(segment) != 24 {
		return false
	}
	for _, r := range segment {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}

// Set stores a value under the generated key. The value is screened for
// sensitive patterns and size before admission; violations refuse the store
// and delete any existing entry under the key.
func (c *MultiLayerCache) Set(ctx context.Context, key KeyResult, value interface{}, sec models.SecurityContext, opts SetOptions) error {
	ctx, span := observability.StartSpan(ctx, "cache.set")
	defer span.End()

	data, err := json.Marshal(value)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "cache_marshal", "failed to encode cache value", err)
	}

	if kind, found := c.detectSensitive(data); found {
		c.events.emit(Event{Type: EventViolation, Key: key.PrimaryKey, Reason: kind})
		c.l1.Delete(key.PrimaryKey)
		if c.l2 != nil && c.config.L2Enabled {
			_ = c.l2.Delete(ctx, key.PrimaryKey)
		}
		return apperr.New(apperr.KindConsistency, "sensitive_content",
			"value contains sensitive material and was not cached")
	}

	if len(data) > c.config.MaxCacheableBytes {
		c.logger.Debug("Value exceeds cacheable size, skipping store", map[string]interface{}{
			"bytes": len(data),
		})
		return nil
	}

	hot := key.Metadata.HotPath
	ttl, staleAfter, refreshAfter := c.policy.DeriveTTL(key.Metadata.TTLHint, 0, hot)
	if opts.PreferredTTL > 0 {
		ttl = opts.PreferredTTL
		staleAfter = time.Duration(float64(ttl) * 0.8)
		refreshAfter = time.Duration(float64(ttl) * 0.9)
	}

	var userID *uuid.UUID
	if key.Metadata.SecurityLevel != SecurityPublic {
		userID = sec.UserID
	}

	e := &Entry{
		Key:            key.PrimaryKey,
		SemanticKey:    key.SemanticKey,
		Value:          data,
		ContentType:    key.Metadata.TTLHint,
		CreatedAt:      time.Now(),
		TTL:            ttl,
		StaleAfter:     staleAfter,
		RefreshAfter:   refreshAfter,
		LastAccessedAt: time.Now(),
		Dependencies:   opts.Dependencies,
		CanStale:       opts.CanStale,
		SecurityLevel:  key.Metadata.SecurityLevel,
		Priority:       PriorityNormal,
		UserID:         userID,
		HotPath:        hot,
		Quality:        opts.Quality,
	}

	// Private entries always carry their owner.
	if e.SecurityLevel == SecurityPrivate && e.UserID == nil {
		return apperr.New(apperr.KindConsistency, "cache_owner_missing",
			"private cache entries require an owner")
	}

	c.l1.Set(e)
	if c.l2 != nil && c.config.L2Enabled && (hot || !l1Enabled(c.config)) {
		if err := c.l2.Set(ctx, e); err != nil {
			c.logger.Warn("L2 store failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}

	c.policy.RegisterDependencies(e.Key, opts.Dependencies)
	c.registerSemantic(e.SemanticKey, e.Key)

	c.metrics.IncrementCounterWithLabels("cache.set", 1, map[string]string{
		"content_type": string(e.ContentType),
	})
	c.events.emit(Event{Type: EventSet, Key: e.Key, Details: map[string]interface{}{
		"ttl_seconds": int(ttl.Seconds()),
		"hot_path":    hot,
	}})
	return nil
}

func l1Enabled(config Config) bool {
	return config.L1.MaxSizeMB > 0
}

// detectSensitive screens the string values of the encoded artifact. Numeric
// fields are skipped: decimal expansions would otherwise shadow the digit
// patterns.
func (c *MultiLayerCache) detectSensitive(data []byte) (string, bool) {
	var decoded interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		return "", false
	}
	return c.scanStrings(decoded)
}

func (c *MultiLayerCache) scanStrings(value interface{}) (string, bool) {
	switch v := value.(type) {
	case string:
		return c.detector.Detect(v)
	case []interface{}:
		for _, item := range v {
			if kind, found := c.scanStrings(item); found {
				return kind, true
			}
		}
	case map[string]interface{}:
		for _, item := range v {
			if kind, found := c.scanStrings(item); found {
				return kind, true
			}
		}
	}
	return "", false
}

func (c *MultiLayerCache) registerSemantic(semanticKey, primaryKey string) {
	if semanticKey == "" {
		return
	}
	c.semanticMu.Lock()
	defer c.semanticMu.Unlock()
	for _, existing := range c.semantic[semanticKey] {
		if existing == primaryKey {
			return
		}
	}
	c.semantic[semanticKey] = append(c.semantic[semanticKey], primaryKey)
}

// Invalidate removes keys (entry keys or dependency identifiers) using the
// requested strategy, cascading through the dependency graph when enabled.
func (c *MultiLayerCache) Invalidate(ctx context.Context, keys []string, opts InvalidateOptions) {
	expanded := c.policy.Expand(keys)
	due := c.policy.Schedule(expanded, opts.Strategy)
	if len(due) > 0 {
		c.processInvalidation(ctx, due)
	}
}

// processInvalidation removes the given keys from every layer
func (c *MultiLayerCache) processInvalidation(ctx context.Context, keys []string) {
	for _, key := range keys {
		removed := c.l1.Delete(key)
		if c.l2 != nil && c.config.L2Enabled {
			if err := c.l2.Delete(ctx, key); err != nil {
				c.logger.Warn("L2 delete failed", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}
		c.policy.Forget(key)
		c.dropSemantic(key)
		if removed {
			c.events.emit(Event{Type: EventInvalidate, Key: key})
		}
	}
	c.metrics.IncrementCounterWithLabels("cache.invalidated", float64(len(keys)), nil)
}

func (c *MultiLayerCache) dropSemantic(primaryKey string) {
	c.semanticMu.Lock()
	defer c.semanticMu.Unlock()
	for semanticKey, primaries := range c.semantic {
		kept := primaries[:0]
		for _, p := range primaries {
			if p != primaryKey {
				kept = append(kept, p)
			}
		}
		if len(kept) == 0 {
			delete(c.semantic, semanticKey)
		} else {
			c.semantic[semanticKey] = kept
		}
	}
}

// InvalidateByPattern removes entries whose key contains the pattern
func (c *MultiLayerCache) InvalidateByPattern(ctx context.Context, pattern string, opts InvalidateOptions) int {
	var matched []string
	for _, key := range c.l1.Keys() {
		if strings.Contains(key, pattern) {
			matched = append(matched, key)
		}
	}

	c.Invalidate(ctx, matched, opts)

	if c.l2 != nil && c.config.L2Enabled {
		if n, err := c.l2.DeleteMatching(ctx, pattern); err != nil {
			c.logger.Warn("L2 pattern delete failed", map[string]interface{}{
				"error": err.Error(),
			})
		} else if n > len(matched) {
			return n
		}
	}
	return len(matched)
}

// PreWarmEntry is one (key, value) pair with its priority
type PreWarmEntry struct {
	Key      KeyResult
	Value    interface{}
	Priority Priority
}

// PreWarm inserts entries in priority order with maximum TTL and marks their
// keys hot-path.
func (c *MultiLayerCache) PreWarm(ctx context.Context, entries []PreWarmEntry, sec models.SecurityContext) int {
	sorted := make([]PreWarmEntry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return priorityRank(sorted[i].Priority) < priorityRank(sorted[j].Priority)
	})

	warmed := 0
	for _, entry := range sorted {
		entry.Key.Metadata.HotPath = true
		err := c.Set(ctx, entry.Key, entry.Value, sec, SetOptions{
			CanStale:     true,
			PreferredTTL: maxTTL,
		})
		if err == nil {
			warmed++
		}
	}
	return warmed
}

func priorityRank(p Priority) int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityNormal:
		return 1
	default:
		return 2
	}
}

// Clear removes all entries, or those matching the pattern when non-empty
func (c *MultiLayerCache) Clear(ctx context.Context, pattern string) int {
	removed := c.l1.DeleteMatching(pattern)
	if c.l2 != nil && c.config.L2Enabled {
		if n, err := c.l2.DeleteMatching(ctx, pattern); err == nil && n > removed {
			removed = n
		}
	}
	if pattern == "" {
		c.semanticMu.Lock()
		c.semantic = make(map[string][]string)
		c.semanticMu.Unlock()
	}
	return removed
}

// PurgeLowQuality removes entries whose quality is below the floor. Used by
// the quality rollback.
func (c *MultiLayerCache) PurgeLowQuality(floor float64) int {
	purged := 0
	for _, key := range c.l1.Keys() {
		if e, ok := c.l1.Peek(key); ok && e.Quality > 0 && e.Quality < floor {
			c.l1.Delete(key)
			c.dropSemantic(key)
			purged++
		}
	}
	return purged
}

// Housekeep drains the batched invalidation queue and purges expired L1
// entries. Called by the minute housekeeper.
func (c *MultiLayerCache) Housekeep() int {
	c.policy.FlushBatch()
	return c.l1.PurgeExpired(int(c.policy.GracePeriod().Seconds()))
}

// PromoteHotKeys recomputes hotness from recency and frequency and pushes
// hot entries to L2. Called by the five-minute housekeeper.
func (c *MultiLayerCache) PromoteHotKeys(ctx context.Context) int {
	if c.l2 == nil || !c.config.L2Enabled {
		return 0
	}

	promoted := 0
	now := time.Now()
	for _, key := range c.l1.Keys() {
		e, ok := c.l1.Peek(key)
		if !ok {
			continue
		}
		recency := 1.0 - minFloat(1, now.Sub(e.LastAccessedAt).Hours())
		frequency := minFloat(1, float64(e.AccessCount)/10)
		hotness := 0.6*recency + 0.4*frequency
		if hotness >= 0.7 && !e.HotPath {
			e.HotPath = true
			if err := c.l2.Set(ctx, e); err == nil {
				promoted++
			}
		}
	}
	return promoted
}

// Stats returns cache-level counters
func (c *MultiLayerCache) Stats() map[string]interface{} {
	hits := c.hits.Load()
	misses := c.misses.Load()
	total := hits + misses

	hitRate := 0.0
	if total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	return map[string]interface{}{
		"hits":        hits,
		"misses":      misses,
		"stale_hits":  c.staleServe.Load(),
		"hit_rate":    hitRate,
		"l1_entries":  c.l1.Len(),
		"l1_bytes":    c.l1.Bytes(),
		"l1_evictions": c.l1.Evictions(),
	}
}
