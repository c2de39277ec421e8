// Package rag implements the retrieval half of the answer pipeline: chapter
// chunking and embedding, vector search with query expansion, semantic
// deduplication, and diversity-aware reranking.
package rag

import (
	"context"

	"github.com/google/uuid"

	"github.com/inkwell-ai/inkwell/pkg/models"
)

// ChapterStore returns ordered chapter text for a book. Implemented by the
// persistence adapter.
type ChapterStore interface {
	GetChapters(ctx context.Context, bookID uuid.UUID) ([]models.Chapter, error)
}

// Embedder maps text to a vector. Implemented by the embedding cache.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Config holds retrieval parameters
type Config struct {
	// TopKInitial is the pre-MMR candidate count
	TopKInitial int `mapstructure:"top_k_initial"`
	// TopKFinal is the post-MMR selection size
	TopKFinal int `mapstructure:"top_k_final"`
	// SimilarityThreshold is the minimum cosine to consider
	SimilarityThreshold float64 `mapstructure:"similarity_threshold"`
	// MMRLambda is the relevance/diversity trade-off
	MMRLambda float64 `mapstructure:"mmr_lambda"`
	// RelevanceFloor drops merged candidates below this similarity
	RelevanceFloor float64 `mapstructure:"relevance_floor"`
	// DedupOverlap is the Jaccard word overlap that collapses two chunks
	DedupOverlap float64 `mapstructure:"dedup_overlap"`
}

// DefaultConfig returns the default retrieval parameters
func DefaultConfig() Config {
	return Config{
		TopKInitial:         8,
		TopKFinal:           3,
		SimilarityThreshold: 0.75,
		MMRLambda:           0.7,
		RelevanceFloor:      0.7,
		DedupOverlap:        0.85,
	}
}

// RetrieveOptions scopes one retrieval
type RetrieveOptions struct {
	// ChapterIdx restricts retrieval to one chapter when non-nil
	ChapterIdx *int
	// Threshold overrides the configured similarity threshold when > 0
	Threshold float64
}

// Result is the retrieval output: scored candidates plus the query vector
// used to produce them.
type Result struct {
	Chunks      []models.Chunk
	QueryVector []float32
}
