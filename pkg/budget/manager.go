// Package budget decides, per request, how many tokens the answer pipeline
// may spend and which reduction strategies bring it under that ceiling
// without dropping below a quality floor.
package budget

import (
	"math"
	"strings"
	"sync"

	"github.com/inkwell-ai/inkwell/pkg/models"
	"github.com/inkwell-ai/inkwell/pkg/observability"
)

// Strategy names
const (
	StrategyAggressive   = "aggressive"
	StrategyBalanced     = "balanced"
	StrategyConservative = "conservative"
	StrategyAdaptive     = "adaptive"
)

// Recommendation values
const (
	RecommendApply   = "apply"
	RecommendMonitor = "monitor"
	RecommendSkip    = "skip"
)

// Floor values below which a budget is never reduced
const (
	MinContextTokens  = 500
	MinResponseTokens = 150
)

// strategyProfile holds the reduction ratios and quality floor of a strategy
type strategyProfile struct {
	contextReduction  float64
	responseReduction float64
	qualityFloor      float64
	thresholdFilter   float64 // 0 disables the threshold filter
}

var strategyProfiles = map[string]strategyProfile{
	StrategyAggressive: {
		contextReduction:  0.40,
		responseReduction: 0.35,
		qualityFloor:      0.75,
		thresholdFilter:   0.8,
	},
	StrategyBalanced: {
		contextReduction:  0.25,
		responseReduction: 0.20,
		qualityFloor:      0.80,
		thresholdFilter:   0.75,
	},
	StrategyConservative: {
		contextReduction:  0.15,
		responseReduction: 0.10,
		qualityFloor:      0.85,
		thresholdFilter:   0,
	},
}

// commonPatternPrefixes boost the cache-potential estimate
var commonPatternPrefixes = []string{
	"what is", "what are", "who is", "when did", "where is", "how is",
	"define", "summarize", "tell me about", "explain",
}

// Config configures the budget manager
type Config struct {
	// DefaultStrategy is one of aggressive, balanced, conservative, adaptive
	DefaultStrategy string `mapstructure:"default_strategy"`
	// MaxContextTokens is the base context ceiling before reductions
	MaxContextTokens int `mapstructure:"max_context_tokens"`
	// MaxResponseTokens is the base response ceiling before reductions
	MaxResponseTokens int `mapstructure:"max_response_tokens"`
	// AggressiveMode shifts adaptive selection one step more aggressive
	AggressiveMode bool `mapstructure:"aggressive_mode"`
	// CacheBias scales the extra reduction applied for likely cache hits
	CacheBias float64 `mapstructure:"cache_bias"`
}

// DefaultConfig returns the default budget configuration
func DefaultConfig() Config {
	return Config{
		DefaultStrategy:   StrategyAdaptive,
		MaxContextTokens:  1500,
		MaxResponseTokens: 400,
		CacheBias:         1.0,
	}
}

// Plan is the manager's decision for one request
type Plan struct {
	Budget           models.Budget          `json:"budget"`
	Complexity       models.QueryComplexity `json:"complexity"`
	Strategy         string                 `json:"strategy"`
	CacheHitProb     float64                `json:"cache_hit_prob"`
	QualityImpact    float64                `json:"quality_impact"`
	EstimatedSavings float64                `json:"estimated_savings"`
	Recommendation   string                 `json:"recommendation"`
	Reductions       []string               `json:"reductions"`
}

// Manager computes per-request budgets and coordinates reductions. It tracks
// the recent cache hit rate to bias budgets on likely-warm queries.
type Manager struct {
	config  Config
	logger  observability.Logger
	metrics observability.MetricsClient

	mu         sync.Mutex
	hitWindow  []bool
	hitCursor  int
	hitSamples int
}

// hitWindowSize bounds the recent cache-outcome sample
const hitWindowSize = 50

// NewManager creates a budget manager
func NewManager(config Config, logger observability.Logger, metrics observability.MetricsClient) *Manager {
	if config.MaxContextTokens <= 0 {
		config.MaxContextTokens = 1500
	}
	if config.MaxResponseTokens <= 0 {
		config.MaxResponseTokens = 400
	}
	if config.DefaultStrategy == "" {
		config.DefaultStrategy = StrategyAdaptive
	}
	if config.CacheBias <= 0 {
		config.CacheBias = 1.0
	}
	if logger == nil {
		logger = observability.NewLogger("budget")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &Manager{
		config:    config,
		logger:    logger,
		metrics:   metrics,
		hitWindow: make([]bool, hitWindowSize),
	}
}

// RecordCacheOutcome feeds a cache hit or miss into the recent-hit-rate
// estimator.
func (m *Manager) RecordCacheOutcome(hit bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hitWindow[m.hitCursor] = hit
	m.hitCursor = (m.hitCursor + 1) % hitWindowSize
	if m.hitSamples < hitWindowSize {
		m.hitSamples++
	}
}

func (m *Manager) recentHitRate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hitSamples == 0 {
		return 0
	}
	hits := 0
	for i := 0; i < m.hitSamples; i++ {
		if m.hitWindow[i] {
			hits++
		}
	}
	return float64(hits) / float64(m.hitSamples)
}

// PlanRequest runs the full per-request pipeline: complexity analysis,
// strategy selection, cache-potential estimate, budget computation,
// quality-impact estimate, and the apply/monitor/skip recommendation.
func (m *Manager) PlanRequest(query string, knownCacheHit bool) *Plan {
	complexity := AnalyzeComplexity(query)
	strategy := m.selectStrategy(complexity)
	profile := strategyProfiles[strategy]

	hitProb := m.cachePotential(query, knownCacheHit)

	baseContext := m.config.MaxContextTokens
	baseResponse := m.config.MaxResponseTokens

	strategyContext := int(float64(baseContext) * (1 - profile.contextReduction))
	strategyResponse := int(float64(baseResponse) * (1 - profile.responseReduction))

	// Likely cache hits shave the budget a little further: the answer will
	// probably never be generated at all.
	cacheCut := m.config.CacheBias * hitProb * 0.2
	contextTokens := int(float64(strategyContext) * (1 - cacheCut))
	responseTokens := int(float64(strategyResponse) * (1 - cacheCut/2))

	if contextTokens < MinContextTokens {
		contextTokens = MinContextTokens
	}
	if responseTokens < MinResponseTokens {
		responseTokens = MinResponseTokens
	}

	// Impact measures the discretionary cut beyond the strategy baseline;
	// the baseline itself is floor-protected and accounted for in the
	// strategy's quality floor.
	contextReductionRatio := 1 - float64(contextTokens)/float64(maxIntBudget(strategyContext, MinContextTokens))
	responseReductionRatio := 1 - float64(responseTokens)/float64(maxIntBudget(strategyResponse, MinResponseTokens))
	if contextReductionRatio < 0 {
		contextReductionRatio = 0
	}
	if responseReductionRatio < 0 {
		responseReductionRatio = 0
	}

	complexityFactor := 1 + 0.5*complexity.Score
	impact := clamp(
		0.6*contextReductionRatio*complexityFactor+0.4*responseReductionRatio*complexityFactor,
		0, 1)

	tokensSaved := (baseContext - contextTokens) + (baseResponse - responseTokens)
	savings := math.Round(10000*float64(tokensSaved)/float64(baseContext+baseResponse)) / 100

	recommendation := RecommendMonitor
	switch {
	case impact > 1-profile.qualityFloor:
		recommendation = RecommendSkip
	case savings >= 15 && impact < 0.05:
		recommendation = RecommendApply
	}

	plan := &Plan{
		Budget: models.Budget{
			ContextTokens:  contextTokens,
			ResponseTokens: responseTokens,
			Strategy:       strategy,
			Confidence:     1 - impact,
		},
		Complexity:       complexity,
		Strategy:         strategy,
		CacheHitProb:     hitProb,
		QualityImpact:    impact,
		EstimatedSavings: savings,
		Recommendation:   recommendation,
	}

	m.metrics.IncrementCounterWithLabels("budget.plan", 1, map[string]string{
		"strategy":       strategy,
		"recommendation": recommendation,
	})

	return plan
}

// selectStrategy resolves the configured strategy, mapping adaptive through
// query complexity.
func (m *Manager) selectStrategy(complexity models.QueryComplexity) string {
	strategy := m.config.DefaultStrategy
	if strategy != StrategyAdaptive {
		return strategy
	}

	switch complexity.Category {
	case models.ComplexitySimple:
		return StrategyAggressive
	case models.ComplexityModerate:
		if m.config.AggressiveMode {
			return StrategyAggressive
		}
		return StrategyBalanced
	default:
		if m.config.AggressiveMode {
			return StrategyBalanced
		}
		return StrategyConservative
	}
}

// cachePotential estimates the probability the answer is already cached
func (m *Manager) cachePotential(query string, knownCacheHit bool) float64 {
	if knownCacheHit {
		return 1.0
	}
	prob := m.recentHitRate()
	lowered := strings.ToLower(strings.TrimSpace(query))
	for _, prefix := range commonPatternPrefixes {
		if strings.HasPrefix(lowered, prefix) {
			prob += 0.2
			break
		}
	}
	return clamp(prob, 0, 1)
}

func maxIntBudget(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// QualityFloor returns the quality floor of the given strategy
func QualityFloor(strategy string) float64 {
	if profile, ok := strategyProfiles[strategy]; ok {
		return profile.qualityFloor
	}
	return strategyProfiles[StrategyBalanced].qualityFloor
}
