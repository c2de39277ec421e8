package cache

import (
	"sync"
	"time"

	"github.com/inkwell-ai/inkwell/pkg/models"
	"github.com/inkwell-ai/inkwell/pkg/observability"
)

// Base TTLs per content type
var baseTTLs = map[ContentType]time.Duration{
	ContentResponse:  900 * time.Second,
	ContentEmbedding: 3600 * time.Second,
	ContentChunk:     1800 * time.Second,
	ContentSummary:   1200 * time.Second,
	ContentAnalysis:  1200 * time.Second,
}

// TTL clamp bounds
const (
	minTTL = 60 * time.Second
	maxTTL = 3600 * time.Second
)

// InvalidationStrategy selects how invalidations are processed
type InvalidationStrategy string

// Invalidation strategies
const (
	InvalidateImmediate InvalidationStrategy = "immediate"
	InvalidateLazy      InvalidationStrategy = "lazy"
	InvalidateBatched   InvalidationStrategy = "batched"
)

// PolicyConfig configures the policy engine
type PolicyConfig struct {
	// EnforceRLS gates entry reads by caller identity
	EnforceRLS bool `mapstructure:"enforce_rls"`
	// UserIsolation requires private entries to match the caller exactly
	UserIsolation bool `mapstructure:"user_isolation"`
	// HotPathTTLMultiplier scales TTLs of hot-path keys
	HotPathTTLMultiplier float64 `mapstructure:"hot_path_ttl_multiplier"`
	// GracePeriod is the stale-with-grace window
	GracePeriod time.Duration `mapstructure:"grace_period"`
	// CascadeInvalidation walks the dependency graph on invalidate
	CascadeInvalidation bool `mapstructure:"cascade_invalidation"`
	// BatchSize drains the batched invalidation queue at this size
	BatchSize int `mapstructure:"batch_size"`
	// BatchDebounce drains the batched queue after this quiet period
	BatchDebounce time.Duration `mapstructure:"batch_debounce"`
}

// DefaultPolicyConfig returns the default policy configuration
func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		EnforceRLS:           true,
		UserIsolation:        true,
		HotPathTTLMultiplier: 2,
		GracePeriod:          5 * time.Minute,
		CascadeInvalidation:  true,
		BatchSize:            50,
		BatchDebounce:        time.Second,
	}
}

// PolicyEngine owns TTL calculation, staleness windows, the dependency
// graph, the invalidation queue, and RLS-aware access gating.
type PolicyEngine struct {
	config  PolicyConfig
	logger  observability.Logger
	metrics observability.MetricsClient

	mu sync.Mutex
	// deps maps entry key -> dependency keys; dependents is the reverse
	// adjacency dep -> entry keys.
	deps       map[string][]string
	dependents map[string]map[string]bool

	// batch queue for batched invalidation
	batch      []string
	batchTimer *time.Timer

	// drain is called with keys ready to be invalidated
	drain func(keys []string)
}

// NewPolicyEngine creates a policy engine. The drain callback receives
// batched keys whose invalidation is due; lazy keys never reach it.
func NewPolicyEngine(config PolicyConfig, drain func(keys []string), logger observability.Logger, metrics observability.MetricsClient) *PolicyEngine {
	if config.HotPathTTLMultiplier <= 0 {
		config.HotPathTTLMultiplier = 2
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 50
	}
	if config.BatchDebounce <= 0 {
		config.BatchDebounce = time.Second
	}
	if config.GracePeriod <= 0 {
		config.GracePeriod = 5 * time.Minute
	}
	if logger == nil {
		logger = observability.NewLogger("cache.policy")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &PolicyEngine{
		config:     config,
		logger:     logger,
		metrics:    metrics,
		deps:       make(map[string][]string),
		dependents: make(map[string]map[string]bool),
		drain:      drain,
	}
}

// DeriveTTL computes an entry's TTL from its content type, access history,
// and hot-path status, clamped to [60s, 3600s]. StaleAfter and RefreshAfter
// derive from the result.
func (p *PolicyEngine) DeriveTTL(contentType ContentType, accessCount int, hotPath bool) (ttl, staleAfter, refreshAfter time.Duration) {
	ttl = baseTTLs[contentType]
	if ttl == 0 {
		ttl = baseTTLs[ContentResponse]
	}

	if accessCount > 0 {
		factor := 1 + minFloat(0.5, float64(accessCount)/10)
		ttl = time.Duration(float64(ttl) * factor)
	}
	if hotPath {
		ttl = time.Duration(float64(ttl) * p.config.HotPathTTLMultiplier)
	}

	if ttl < minTTL {
		ttl = minTTL
	}
	if ttl > maxTTL {
		ttl = maxTTL
	}

	staleAfter = time.Duration(float64(ttl) * 0.8)
	refreshAfter = time.Duration(float64(ttl) * 0.9)
	return ttl, staleAfter, refreshAfter
}

// GracePeriod returns the stale-with-grace window
func (p *PolicyEngine) GracePeriod() time.Duration {
	return p.config.GracePeriod
}

// Allow gates access to an entry by the caller's identity. Public entries
// are readable by anyone; private entries require a user id that matches the
// owner when user isolation is on; encrypted entries always require a user
// id.
func (p *PolicyEngine) Allow(e *Entry, sec models.SecurityContext) bool {
	if !p.config.EnforceRLS {
		return true
	}

	switch e.SecurityLevel {
	case SecurityPublic:
		return true
	case SecurityPrivate:
		if sec.UserID == nil {
			return false
		}
		if p.config.UserIsolation {
			return e.UserID != nil && *e.UserID == *sec.UserID
		}
		return true
	case SecurityEncrypted:
		return sec.UserID != nil
	default:
		return false
	}
}

// RegisterDependencies records key -> dep edges and the reverse adjacency
func (p *PolicyEngine) RegisterDependencies(key string, dependencies []string) {
	if len(dependencies) == 0 {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.deps[key] = dependencies
	for _, dep := range dependencies {
		if p.dependents[dep] == nil {
			p.dependents[dep] = make(map[string]bool)
		}
		p.dependents[dep][key] = true
	}
}

// Forget drops a key from the dependency graph
func (p *PolicyEngine) Forget(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, dep := range p.deps[key] {
		delete(p.dependents[dep], key)
		if len(p.dependents[dep]) == 0 {
			delete(p.dependents, dep)
		}
	}
	delete(p.deps, key)
}

// Expand resolves the full invalidation set for the given keys. Keys may be
// entry keys or dependency identifiers (book:<id>, chapter:<b>:<i>,
// user:<id>, content-type:<kind>). With cascade enabled, dependents are
// walked transitively; each key is visited at most once, so cycles
// terminate.
func (p *PolicyEngine) Expand(keys []string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	visited := make(map[string]bool)
	queue := append([]string{}, keys...)
	var out []string

	for len(queue) > 0 {
		key := queue[0]
		queue = queue[1:]
		if visited[key] {
			continue
		}
		visited[key] = true
		out = append(out, key)

		if !p.config.CascadeInvalidation {
			continue
		}
		for dependent := range p.dependents[key] {
			if !visited[dependent] {
				queue = append(queue, dependent)
			}
		}
	}

	return out
}

// Schedule routes keys to the requested invalidation strategy. Immediate
// invalidations are returned to the caller for synchronous processing;
// batched ones are queued and eventually handed to the drain callback; lazy
// ones are only counted and left to expire by TTL.
func (p *PolicyEngine) Schedule(keys []string, strategy InvalidationStrategy) []string {
	switch strategy {
	case InvalidateLazy:
		// Lazy expiration: nothing to process now, the purge housekeeper
		// removes entries after TTL.
		p.metrics.IncrementCounterWithLabels("cache.invalidate_scheduled", float64(len(keys)), map[string]string{
			"strategy": "lazy",
		})
		return nil
	case InvalidateBatched:
		p.enqueueBatch(keys)
		return nil
	default:
		return keys
	}
}

func (p *PolicyEngine) enqueueBatch(keys []string) {
	p.mu.Lock()
	p.batch = append(p.batch, keys...)
	flush := len(p.batch) >= p.config.BatchSize

	if !flush {
		if p.batchTimer != nil {
			p.batchTimer.Stop()
		}
		p.batchTimer = time.AfterFunc(p.config.BatchDebounce, p.FlushBatch)
	}
	p.mu.Unlock()

	if flush {
		p.FlushBatch()
	}
}

// FlushBatch drains the batched invalidation queue through the drain
// callback. Also invoked by the housekeeper.
func (p *PolicyEngine) FlushBatch() {
	p.mu.Lock()
	if p.batchTimer != nil {
		p.batchTimer.Stop()
		p.batchTimer = nil
	}
	keys := p.batch
	p.batch = nil
	p.mu.Unlock()

	if len(keys) == 0 || p.drain == nil {
		return
	}
	p.drain(keys)
}

// DependentCount returns the number of keys depending on the given
// dependency identifier.
func (p *PolicyEngine) DependentCount(dep string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.dependents[dep])
}

func secondsToDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
