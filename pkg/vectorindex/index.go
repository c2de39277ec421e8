// Package vectorindex provides the in-memory vector index backing retrieval
// and semantic caching: fixed-dimension float vectors with metadata, scanned
// by cosine similarity under book and access-scope filters.
package vectorindex

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/inkwell-ai/inkwell/pkg/apperr"
	"github.com/inkwell-ai/inkwell/pkg/models"
)

// DefaultDimensions is the default embedding dimension
const DefaultDimensions = 1536

// Index is an in-memory map from embedding id to vector plus metadata.
// All vectors share one dimension; mismatched operands fail with a
// dimension-mismatch error. Index is safe for concurrent use.
type Index struct {
	dimensions int

	mu      sync.RWMutex
	entries map[uuid.UUID]*models.Embedding

	// Secondary indices: lookup strings, not shared ownership.
	byBook map[uuid.UUID][]uuid.UUID
	byUser map[uuid.UUID][]uuid.UUID
}

// Match is one similarity-scan hit
type Match struct {
	Embedding  *models.Embedding
	Similarity float64
}

// New creates an index for vectors of the given dimension
func New(dimensions int) *Index {
	if dimensions <= 0 {
		dimensions = DefaultDimensions
	}
	return &Index{
		dimensions: dimensions,
		entries:    make(map[uuid.UUID]*models.Embedding),
		byBook:     make(map[uuid.UUID][]uuid.UUID),
		byUser:     make(map[uuid.UUID][]uuid.UUID),
	}
}

// Dimensions returns the fixed vector dimension
func (ix *Index) Dimensions() int {
	return ix.dimensions
}

// CosineSimilarity computes cosine similarity over two vectors of the index's
// dimension. Mismatched dimensions fail with a consistency error.
func (ix *Index) CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != ix.dimensions || len(b) != ix.dimensions {
		return 0, apperr.ErrDimensionMismatch
	}
	return Cosine(a, b), nil
}

// Cosine computes cosine similarity between two equal-length vectors. Callers
// that need dimension enforcement use Index.CosineSimilarity.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i] * b[i])
		normA += float64(a[i] * a[i])
		normB += float64(b[i] * b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Store inserts or replaces an embedding. The vector dimension is enforced.
func (ix *Index) Store(e *models.Embedding) error {
	if len(e.Vector) != ix.dimensions {
		return apperr.ErrDimensionMismatch
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if _, exists := ix.entries[e.ID]; !exists {
		ix.byBook[e.BookID] = append(ix.byBook[e.BookID], e.ID)
		if e.UserID != nil {
			ix.byUser[*e.UserID] = append(ix.byUser[*e.UserID], e.ID)
		}
	}
	ix.entries[e.ID] = e
	return nil
}

// Get returns the embedding with the given id, or nil
func (ix *Index) Get(id uuid.UUID) *models.Embedding {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.entries[id]
}

// Delete removes an embedding and its secondary index rows
func (ix *Index) Delete(id uuid.UUID) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	e, ok := ix.entries[id]
	if !ok {
		return
	}
	delete(ix.entries, id)
	ix.byBook[e.BookID] = removeID(ix.byBook[e.BookID], id)
	if e.UserID != nil {
		ix.byUser[*e.UserID] = removeID(ix.byUser[*e.UserID], id)
	}
}

// ScanOptions filters a similarity scan
type ScanOptions struct {
	// BookID restricts the scan to one book when non-nil
	BookID *uuid.UUID
	// UserID restricts the scan to one owner when non-nil
	UserID *uuid.UUID
	// AnonymousOnly restricts the scan to embeddings with no owner
	AnonymousOnly bool
	// Threshold is the minimum cosine similarity to report
	Threshold float64
	// Limit caps the number of matches; zero means unbounded
	Limit int
}

// Scan returns entries with cosine similarity to query at or above the
// threshold, best first. Access counters of returned entries are bumped.
func (ix *Index) Scan(query []float32, opts ScanOptions) ([]Match, error) {
	if len(query) != ix.dimensions {
		return nil, apperr.ErrDimensionMismatch
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	candidates := ix.candidateIDs(opts)
	matches := make([]Match, 0, len(candidates))
	for _, id := range candidates {
		e := ix.entries[id]
		if e == nil {
			continue
		}
		if opts.AnonymousOnly && e.UserID != nil {
			continue
		}
		if opts.UserID != nil && (e.UserID == nil || *e.UserID != *opts.UserID) {
			continue
		}
		sim := Cosine(query, e.Vector)
		if sim >= opts.Threshold {
			matches = append(matches, Match{Embedding: e, Similarity: sim})
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Similarity > matches[j].Similarity
	})
	if opts.Limit > 0 && len(matches) > opts.Limit {
		matches = matches[:opts.Limit]
	}

	now := time.Now()
	for _, m := range matches {
		m.Embedding.AccessCount++
		m.Embedding.LastAccessedAt = now
	}

	return matches, nil
}

// candidateIDs picks the narrowest secondary index for the scan
func (ix *Index) candidateIDs(opts ScanOptions) []uuid.UUID {
	switch {
	case opts.BookID != nil:
		return ix.byBook[*opts.BookID]
	case opts.UserID != nil:
		return ix.byUser[*opts.UserID]
	default:
		ids := make([]uuid.UUID, 0, len(ix.entries))
		for id := range ix.entries {
			ids = append(ids, id)
		}
		return ids
	}
}

// ByUser returns copies of the ids owned by a user
func (ix *Index) ByUser(userID uuid.UUID) []uuid.UUID {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	ids := make([]uuid.UUID, len(ix.byUser[userID]))
	copy(ids, ix.byUser[userID])
	return ids
}

// Size returns the number of stored embeddings
func (ix *Index) Size() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

// EvictStale removes embeddings with zero access whose last access (or
// creation) is older than the cutoff. Returns the ids removed.
func (ix *Index) EvictStale(cutoff time.Time) []uuid.UUID {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	var evicted []uuid.UUID
	for id, e := range ix.entries {
		last := e.LastAccessedAt
		if last.IsZero() {
			last = e.CreatedAt
		}
		if e.AccessCount == 0 && last.Before(cutoff) {
			evicted = append(evicted, id)
		}
	}
	for _, id := range evicted {
		e := ix.entries[id]
		delete(ix.entries, id)
		ix.byBook[e.BookID] = removeID(ix.byBook[e.BookID], id)
		if e.UserID != nil {
			ix.byUser[*e.UserID] = removeID(ix.byUser[*e.UserID], id)
		}
	}
	return evicted
}

func removeID(ids []uuid.UUID, id uuid.UUID) []uuid.UUID {
	for i, candidate := range ids {
		if candidate == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
