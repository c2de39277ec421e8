package budget

import (
	"fmt"
	"sort"

	"github.com/inkwell-ai/inkwell/pkg/models"
	"github.com/inkwell-ai/inkwell/pkg/rag"
)

// EstimateTokens approximates token count as ceil(chars/4)
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// mmrTriggerSize is the candidate count above which MMR reranking runs
const mmrTriggerSize = 5

// ApplyReductions runs the coordinated reduction over reranked candidates:
// threshold filter, semantic dedup, MMR when the pool is large, then smart
// truncation into the context budget. The applied reduction names are
// recorded on the plan. A skip recommendation leaves the chunks untouched.
func (m *Manager) ApplyReductions(plan *Plan, chunks []models.Chunk, queryVector []float32, query string, ragConfig rag.Config) []models.Chunk {
	if plan.Recommendation == RecommendSkip {
		return chunks
	}

	profile := strategyProfiles[plan.Strategy]

	if profile.thresholdFilter > 0 {
		filtered := make([]models.Chunk, 0, len(chunks))
		for _, c := range chunks {
			if c.Similarity >= profile.thresholdFilter {
				filtered = append(filtered, c)
			}
		}
		chunks = filtered
		plan.Reductions = append(plan.Reductions, fmt.Sprintf("threshold_filter(%.2f)", profile.thresholdFilter))
	}

	before := len(chunks)
	chunks = rag.DeduplicateChunks(chunks, ragConfig.DedupOverlap)
	if len(chunks) < before {
		plan.Reductions = append(plan.Reductions, "semantic_dedup")
	}

	if len(chunks) > mmrTriggerSize {
		mmr := rag.NewMMR(ragConfig.MMRLambda)
		chunks = mmr.Select(chunks, queryVector, query, ragConfig.TopKFinal)
		plan.Reductions = append(plan.Reductions, "mmr_rerank")
	}

	chunks = m.smartTruncate(plan, chunks)
	return chunks
}

// minPartialChars is the smallest truncated remainder worth keeping
const minPartialChars = 100

// smartTruncate sorts by the composite similarity*relevance*contextImportance
// score and greedily admits chunks while the token estimate stays within the
// context budget. The final chunk is truncated to fit only if a meaningful
// remainder survives.
func (m *Manager) smartTruncate(plan *Plan, chunks []models.Chunk) []models.Chunk {
	if len(chunks) == 0 {
		return chunks
	}

	ranked := make([]models.Chunk, len(chunks))
	copy(ranked, chunks)
	sort.SliceStable(ranked, func(i, j int) bool {
		return compositeScore(ranked[i]) > compositeScore(ranked[j])
	})

	budget := plan.Budget.ContextTokens
	used := 0
	var admitted []models.Chunk
	truncated := false

	for _, c := range ranked {
		tokens := EstimateTokens(c.Content)
		if used+tokens <= budget {
			admitted = append(admitted, c)
			used += tokens
			continue
		}

		remainingTokens := budget - used
		remainingChars := remainingTokens * 4
		if remainingChars >= minPartialChars && remainingChars < len(c.Content) {
			partial := c
			partial.Content = c.Content[:remainingChars]
			partial.Ref.End = partial.Ref.Start + remainingChars
			admitted = append(admitted, partial)
			truncated = true
		}
		break
	}

	if truncated || len(admitted) < len(chunks) {
		plan.Reductions = append(plan.Reductions, "smart_truncation")
	}

	// Restore presentation order after ranking.
	sort.Slice(admitted, func(i, j int) bool {
		if admitted[i].Ref.ChapterIdx != admitted[j].Ref.ChapterIdx {
			return admitted[i].Ref.ChapterIdx < admitted[j].Ref.ChapterIdx
		}
		return admitted[i].Ref.Start < admitted[j].Ref.Start
	})

	return admitted
}

// compositeScore multiplies the chunk's annotations; unannotated factors
// default to 1 so plain retrieval output still ranks by similarity.
func compositeScore(c models.Chunk) float64 {
	score := c.Similarity
	if c.Relevance > 0 {
		score *= c.Relevance
	}
	if c.ContextImportance > 0 {
		score *= c.ContextImportance
	}
	return score
}
