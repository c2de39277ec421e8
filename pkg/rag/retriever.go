package rag

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/inkwell-ai/inkwell/pkg/apperr"
	"github.com/inkwell-ai/inkwell/pkg/chunker"
	"github.com/inkwell-ai/inkwell/pkg/models"
	"github.com/inkwell-ai/inkwell/pkg/observability"
	"github.com/inkwell-ai/inkwell/pkg/textnorm"
	"github.com/inkwell-ai/inkwell/pkg/vectorindex"
)

// Retriever performs vector search over a book's chunked chapters with
// optional query expansion, merge, semantic dedup, and a relevance floor.
// Book scope is enforced: a retrieval never reads outside its book.
type Retriever struct {
	chapters ChapterStore
	embedder Embedder
	chunker  *chunker.Chunker
	config   Config
	logger   observability.Logger
	metrics  observability.MetricsClient

	// Per-book chunk indices built lazily from the chapter store.
	mu      sync.RWMutex
	indexed map[uuid.UUID][]indexedChunk
}

type indexedChunk struct {
	chunk  models.Chunk
	vector []float32
}

// NewRetriever creates a retriever over the given chapter store and embedder
func NewRetriever(chapters ChapterStore, embedder Embedder, ch *chunker.Chunker, config Config, logger observability.Logger, metrics observability.MetricsClient) *Retriever {
	if config.TopKInitial <= 0 {
		config.TopKInitial = 8
	}
	if config.TopKFinal <= 0 {
		config.TopKFinal = 3
	}
	if config.SimilarityThreshold <= 0 {
		config.SimilarityThreshold = 0.75
	}
	if config.RelevanceFloor <= 0 {
		config.RelevanceFloor = 0.7
	}
	if config.DedupOverlap <= 0 {
		config.DedupOverlap = 0.85
	}
	if logger == nil {
		logger = observability.NewLogger("rag.retriever")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &Retriever{
		chapters: chapters,
		embedder: embedder,
		chunker:  ch,
		config:   config,
		logger:   logger,
		metrics:  metrics,
		indexed:  make(map[uuid.UUID][]indexedChunk),
	}
}

// Retrieve embeds the query, searches the book's chunks, and returns the
// merged, deduplicated, floor-filtered candidate set ordered by similarity.
func (r *Retriever) Retrieve(ctx context.Context, query string, bookID uuid.UUID, opts RetrieveOptions) (*Result, error) {
	ctx, span := observability.StartSpan(ctx, "rag.retrieve")
	defer span.End()
	span.SetAttribute("book_id", bookID.String())

	if err := r.ensureIndexed(ctx, bookID); err != nil {
		return nil, err
	}

	queryVector, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	threshold := r.config.SimilarityThreshold
	if opts.Threshold > 0 {
		threshold = opts.Threshold
	}

	candidates, err := r.scan(bookID, queryVector, threshold, opts.ChapterIdx)
	if err != nil {
		return nil, err
	}

	// Query expansion: a changed query gets its own embedding and the two
	// result sets merge, keeping the higher similarity per chunk position.
	expanded := expandQuery(query)
	if expanded != query {
		expandedVector, err := r.embedder.Embed(ctx, expanded)
		if err == nil {
			expandedMatches, scanErr := r.scan(bookID, expandedVector, threshold, opts.ChapterIdx)
			if scanErr == nil {
				candidates = mergeByPosition(candidates, expandedMatches)
			}
		} else {
			r.logger.Warn("Expanded query embedding failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}

	candidates = DeduplicateChunks(candidates, r.config.DedupOverlap)

	filtered := candidates[:0]
	for _, c := range candidates {
		if c.Similarity >= r.config.RelevanceFloor {
			filtered = append(filtered, c)
		}
	}

	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].Similarity > filtered[j].Similarity
	})
	if len(filtered) > r.config.TopKInitial {
		filtered = filtered[:r.config.TopKInitial]
	}

	r.metrics.IncrementCounterWithLabels("rag.retrieval", 1, nil)
	span.SetAttribute("candidates", len(filtered))

	return &Result{Chunks: filtered, QueryVector: queryVector}, nil
}

// ensureIndexed chunks and embeds a book's chapters on first use
func (r *Retriever) ensureIndexed(ctx context.Context, bookID uuid.UUID) error {
	r.mu.RLock()
	_, ok := r.indexed[bookID]
	r.mu.RUnlock()
	if ok {
		return nil
	}

	chapters, err := r.chapters.GetChapters(ctx, bookID)
	if err != nil {
		return err
	}
	if len(chapters) == 0 {
		return apperr.New(apperr.KindNotFound, "book_not_found", "book has no chapters")
	}

	var chunks []indexedChunk
	for _, chapter := range chapters {
		for _, c := range r.chunker.ChunkChapter(bookID, chapter.Idx, chapter.Text) {
			vector, err := r.embedder.Embed(ctx, c.Content)
			if err != nil {
				return err
			}
			c.Embedding = vector
			chunks = append(chunks, indexedChunk{chunk: c, vector: vector})
		}
	}

	r.mu.Lock()
	r.indexed[bookID] = chunks
	r.mu.Unlock()

	r.logger.Info("Indexed book chapters", map[string]interface{}{
		"book_id":  bookID.String(),
		"chapters": len(chapters),
		"chunks":   len(chunks),
	})
	return nil
}

// InvalidateBook drops a book's chunk index, forcing a re-read on next use
func (r *Retriever) InvalidateBook(bookID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.indexed, bookID)
}

// scan computes cosine similarity against every indexed chunk of the book
func (r *Retriever) scan(bookID uuid.UUID, queryVector []float32, threshold float64, chapterIdx *int) ([]models.Chunk, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matches []models.Chunk
	for _, ic := range r.indexed[bookID] {
		if chapterIdx != nil && ic.chunk.Ref.ChapterIdx != *chapterIdx {
			continue
		}
		if len(ic.vector) != len(queryVector) {
			return nil, apperr.ErrDimensionMismatch
		}
		sim := vectorindex.Cosine(queryVector, ic.vector)
		if sim < threshold {
			continue
		}
		c := ic.chunk
		c.Similarity = sim
		matches = append(matches, c)
	}
	return matches, nil
}

// mergeByPosition merges two candidate sets by (chapterIdx, start, end),
// keeping the higher similarity.
func mergeByPosition(a, b []models.Chunk) []models.Chunk {
	type position struct {
		chapter, start, end int
	}
	merged := make(map[position]models.Chunk, len(a)+len(b))
	for _, c := range append(append([]models.Chunk{}, a...), b...) {
		pos := position{c.Ref.ChapterIdx, c.Ref.Start, c.Ref.End}
		if existing, ok := merged[pos]; !ok || c.Similarity > existing.Similarity {
			merged[pos] = c
		}
	}
	out := make([]models.Chunk, 0, len(merged))
	for _, c := range merged {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Similarity > out[j].Similarity
	})
	return out
}

// DeduplicateChunks collapses pairs with Jaccard word overlap at or above
// the threshold, keeping the higher-similarity member. Also used by the
// budget manager's coordinated reduction.
func DeduplicateChunks(chunks []models.Chunk, overlapThreshold float64) []models.Chunk {
	if len(chunks) < 2 {
		return chunks
	}

	sorted := make([]models.Chunk, len(chunks))
	copy(sorted, chunks)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Similarity > sorted[j].Similarity
	})

	var kept []models.Chunk
	for _, candidate := range sorted {
		duplicate := false
		for _, existing := range kept {
			if textnorm.JaccardWords(candidate.Content, existing.Content) >= overlapThreshold {
				duplicate = true
				break
			}
		}
		if !duplicate {
			kept = append(kept, candidate)
		}
	}
	return kept
}
