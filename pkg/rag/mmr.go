package rag

import (
	"sort"
	"strings"

	"github.com/inkwell-ai/inkwell/pkg/models"
	"github.com/inkwell-ai/inkwell/pkg/textnorm"
	"github.com/inkwell-ai/inkwell/pkg/vectorindex"
)

// MMR implements Maximal Marginal Relevance selection over retrieval
// candidates: each step admits the candidate maximizing
// lambda*relevance + (1-lambda)*diversity, where diversity is the minimum
// word-level dissimilarity to anything already selected.
type MMR struct {
	Lambda float64
}

// NewMMR creates an MMR selector. Out-of-range lambdas fall back to 0.7.
func NewMMR(lambda float64) *MMR {
	if lambda < 0 || lambda > 1 {
		lambda = 0.7
	}
	return &MMR{Lambda: lambda}
}

// Select builds a diverse subset of size at most kFinal, annotates each
// selected chunk with relevance, diversity, and keyword-overlap scores, and
// re-sorts the result into presentation order (chapter, start).
func (m *MMR) Select(candidates []models.Chunk, queryVector []float32, query string, kFinal int) []models.Chunk {
	if len(candidates) == 0 || kFinal <= 0 {
		return nil
	}

	pool := make([]models.Chunk, len(candidates))
	copy(pool, candidates)
	sort.Slice(pool, func(i, j int) bool {
		return pool[i].Similarity > pool[j].Similarity
	})

	// Seed with the highest-similarity chunk.
	selected := []models.Chunk{pool[0]}
	remaining := pool[1:]

	for len(selected) < kFinal && len(remaining) > 0 {
		bestScore := -1.0
		bestIdx := -1

		for i, candidate := range remaining {
			relevance := m.relevance(candidate, queryVector)
			diversity := minDissimilarity(candidate, selected)
			score := m.Lambda*relevance + (1-m.Lambda)*diversity
			if score > bestScore {
				bestScore = score
				bestIdx = i
			}
		}

		if bestIdx < 0 {
			break
		}
		selected = append(selected, remaining[bestIdx])
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}

	queryTokens := textnorm.Tokens(query)
	for i := range selected {
		selected[i].Relevance = m.relevance(selected[i], queryVector)
		selected[i].Diversity = minDissimilarity(selected[i], without(selected, i))
		selected[i].ContextImportance = keywordOverlap(queryTokens, selected[i].Content)
	}

	sort.Slice(selected, func(i, j int) bool {
		if selected[i].Ref.ChapterIdx != selected[j].Ref.ChapterIdx {
			return selected[i].Ref.ChapterIdx < selected[j].Ref.ChapterIdx
		}
		return selected[i].Ref.Start < selected[j].Ref.Start
	})

	return selected
}

func (m *MMR) relevance(c models.Chunk, queryVector []float32) float64 {
	if len(c.Embedding) > 0 && len(c.Embedding) == len(queryVector) {
		return vectorindex.Cosine(c.Embedding, queryVector)
	}
	return c.Similarity
}

// minDissimilarity is min over s in selected of (1 - jaccard(c, s))
func minDissimilarity(c models.Chunk, selected []models.Chunk) float64 {
	if len(selected) == 0 {
		return 1.0
	}
	minimum := 1.0
	for _, s := range selected {
		d := 1.0 - textnorm.JaccardWords(c.Content, s.Content)
		if d < minimum {
			minimum = d
		}
	}
	return minimum
}

// keywordOverlap is the fraction of query tokens present in the chunk
func keywordOverlap(queryTokens []string, content string) float64 {
	if len(queryTokens) == 0 {
		return 0
	}
	lowered := strings.ToLower(content)
	hits := 0
	for _, token := range queryTokens {
		if strings.Contains(lowered, token) {
			hits++
		}
	}
	return float64(hits) / float64(maxInt(1, len(queryTokens)))
}

func without(chunks []models.Chunk, idx int) []models.Chunk {
	out := make([]models.Chunk, 0, len(chunks)-1)
	for i, c := range chunks {
		if i != idx {
			out = append(out, c)
		}
	}
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
