package rag

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkwell-ai/inkwell/pkg/models"
)

func chunkAt(chapter, start int, content string, similarity float64, embedding []float32) models.Chunk {
	return models.Chunk{
		Ref: models.ChunkRef{
			BookID:     uuid.Nil,
			ChapterIdx: chapter,
			Start:      start,
			End:        start + len(content),
		},
		Content:    content,
		Similarity: similarity,
		Embedding:  embedding,
	}
}

func TestNewMMR_LambdaBounds(t *testing.T) {
	tests := []struct {
		name     string
		lambda   float64
		expected float64
	}{
		{name: "valid", lambda: 0.5, expected: 0.5},
		{name: "too high", lambda: 1.5, expected: 0.7},
		{name: "too low", lambda: -1, expected: 0.7},
		{name: "boundary zero", lambda: 0, expected: 0},
		{name: "boundary one", lambda: 1, expected: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NewMMR(tt.lambda).Lambda)
		})
	}
}

func TestSelect_Empty(t *testing.T) {
	assert.Nil(t, NewMMR(0.7).Select(nil, []float32{1, 0}, "query", 3))
}

func TestSelect_CapsAtKFinal(t *testing.T) {
	candidates := []models.Chunk{
		chunkAt(0, 0, "the whale surfaces near the ship", 0.95, []float32{1, 0}),
		chunkAt(0, 600, "the captain watches from the deck at dawn", 0.9, []float32{0.9, 0.1}),
		chunkAt(1, 0, "a storm gathers over the open sea", 0.85, []float32{0.8, 0.2}),
		chunkAt(1, 600, "the crew mends the torn sails in silence", 0.8, []float32{0.7, 0.3}),
	}

	selected := NewMMR(0.7).Select(candidates, []float32{1, 0}, "whale", 3)
	assert.Len(t, selected, 3)
}

func TestSelect_PrefersDiverseOverNearDuplicate(t *testing.T) {
	// Candidate B is a near-duplicate of the seed A; C is different text with
	// slightly lower similarity. MMR must pick C over B.
	a := chunkAt(0, 0, "the white whale breaches beside the small boat", 0.95, []float32{1, 0})
	b := chunkAt(0, 450, "the white whale breaches beside the small boat again", 0.94, []float32{1, 0})
	c := chunkAt(1, 0, "harpoons and rope lie coiled on the deck", 0.80, []float32{0.8, 0.6})

	selected := NewMMR(0.7).Select([]models.Chunk{a, b, c}, []float32{1, 0}, "whale", 2)
	require.Len(t, selected, 2)

	contents := []string{selected[0].Content, selected[1].Content}
	assert.Contains(t, contents, a.Content)
	assert.Contains(t, contents, c.Content)
}

func TestSelect_PresentationOrder(t *testing.T) {
	candidates := []models.Chunk{
		chunkAt(2, 0, "later chapter passage about the voyage end", 0.9, []float32{1, 0}),
		chunkAt(0, 600, "first chapter later passage about departure", 0.85, []float32{0.9, 0.4}),
		chunkAt(0, 0, "first chapter opening passage about the narrator", 0.8, []float32{0.8, 0.6}),
	}

	selected := NewMMR(0.7).Select(candidates, []float32{1, 0}, "voyage", 3)
	require.Len(t, selected, 3)

	assert.Equal(t, 0, selected[0].Ref.ChapterIdx)
	assert.Equal(t, 0, selected[0].Ref.Start)
	assert.Equal(t, 0, selected[1].Ref.ChapterIdx)
	assert.Equal(t, 600, selected[1].Ref.Start)
	assert.Equal(t, 2, selected[2].Ref.ChapterIdx)
}

func TestSelect_AnnotatesScores(t *testing.T) {
	candidates := []models.Chunk{
		chunkAt(0, 0, "the voyage begins at the harbor", 0.9, []float32{1, 0}),
		chunkAt(1, 0, "a quiet night passes on deck", 0.8, []float32{0.7, 0.7}),
	}

	selected := NewMMR(0.7).Select(candidates, []float32{1, 0}, "voyage harbor", 2)
	require.Len(t, selected, 2)

	first := selected[0]
	assert.Greater(t, first.Relevance, 0.9)
	assert.Greater(t, first.Diversity, 0.0)
	// Both query tokens appear in the first chunk.
	assert.InDelta(t, 1.0, first.ContextImportance, 1e-9)

	second := selected[1]
	assert.Equal(t, 0.0, second.ContextImportance)
}
