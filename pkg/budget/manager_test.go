package budget

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/inkwell-ai/inkwell/pkg/models"
	"github.com/inkwell-ai/inkwell/pkg/observability"
)

func newTestManager(config Config) *Manager {
	return NewManager(config, observability.NewNoopLogger(), observability.NewNoopMetricsClient())
}

func TestAnalyzeComplexity_Categories(t *testing.T) {
	tests := []struct {
		name     string
		query    string
		category models.ComplexityCategory
	}{
		{
			name:     "simple lookup",
			query:    "define irony",
			category: models.ComplexitySimple,
		},
		{
			name: "complex analytical",
			query: "Compare and contrast how Ahab and Starbuck justify their choices? " +
				"Analyze the whale hunt because the crew obeys although Starbuck protests? " +
				"Evaluate whether Melville endorses Ahab therefore interpret the ending? " +
				strings.Repeat("Discuss the symbolism at length with many additional words here. ", 8),
			category: models.ComplexityComplex,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			complexity := AnalyzeComplexity(tt.query)
			assert.Equal(t, tt.category, complexity.Category)
		})
	}
}

func TestAnalyzeComplexity_Factors(t *testing.T) {
	complexity := AnalyzeComplexity("Explain why Ahab hunts Moby because he lost his leg?")
	assert.GreaterOrEqual(t, complexity.Keywords, 1)
	assert.GreaterOrEqual(t, complexity.Entities, 2)
	assert.Equal(t, 1, complexity.Questions)
	assert.GreaterOrEqual(t, complexity.AnalyticalTerms, 1)
}

func TestPlanRequest_BudgetFloors(t *testing.T) {
	// Tiny base budgets must still respect the 500/150 floors.
	m := newTestManager(Config{
		DefaultStrategy:   StrategyAggressive,
		MaxContextTokens:  600,
		MaxResponseTokens: 160,
		CacheBias:         1.0,
	})

	plan := m.PlanRequest("define courage", true)
	assert.GreaterOrEqual(t, plan.Budget.ContextTokens, MinContextTokens)
	assert.GreaterOrEqual(t, plan.Budget.ResponseTokens, MinResponseTokens)
}

func TestPlanRequest_SimpleQueryAppliesAggressive(t *testing.T) {
	m := newTestManager(DefaultConfig())

	plan := m.PlanRequest("define fate", false)
	assert.Equal(t, StrategyAggressive, plan.Strategy)
	assert.Equal(t, RecommendApply, plan.Recommendation)
	assert.GreaterOrEqual(t, plan.EstimatedSavings, 15.0)
}

func TestPlanRequest_KnownHitMaximizesCachePotential(t *testing.T) {
	m := newTestManager(DefaultConfig())
	plan := m.PlanRequest("anything at all", true)
	assert.Equal(t, 1.0, plan.CacheHitProb)
}

func TestPlanRequest_CommonPrefixBoostsCachePotential(t *testing.T) {
	m := newTestManager(DefaultConfig())

	boosted := m.PlanRequest("what is the pequod", false)
	plain := m.PlanRequest("ramblings with no known prefix", false)
	assert.Greater(t, boosted.CacheHitProb, plain.CacheHitProb)
}

func TestSelectStrategy_AdaptiveMapping(t *testing.T) {
	m := newTestManager(DefaultConfig())

	assert.Equal(t, StrategyAggressive, m.selectStrategy(models.QueryComplexity{Category: models.ComplexitySimple}))
	assert.Equal(t, StrategyBalanced, m.selectStrategy(models.QueryComplexity{Category: models.ComplexityModerate}))
	assert.Equal(t, StrategyConservative, m.selectStrategy(models.QueryComplexity{Category: models.ComplexityComplex}))
}

func TestSelectStrategy_AggressiveModeShifts(t *testing.T) {
	config := DefaultConfig()
	config.AggressiveMode = true
	m := newTestManager(config)

	assert.Equal(t, StrategyAggressive, m.selectStrategy(models.QueryComplexity{Category: models.ComplexityModerate}))
	assert.Equal(t, StrategyBalanced, m.selectStrategy(models.QueryComplexity{Category: models.ComplexityComplex}))
}

func TestRecordCacheOutcome_FeedsHitRate(t *testing.T) {
	m := newTestManager(DefaultConfig())
	for i := 0; i < 10; i++ {
		m.RecordCacheOutcome(true)
	}
	assert.Equal(t, 1.0, m.recentHitRate())

	for i := 0; i < 10; i++ {
		m.RecordCacheOutcome(false)
	}
	assert.InDelta(t, 0.5, m.recentHitRate(), 1e-9)
}
