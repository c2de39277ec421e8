package vectorindex

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkwell-ai/inkwell/pkg/apperr"
	"github.com/inkwell-ai/inkwell/pkg/models"
)

func unit(dim, hot int) []float32 {
	v := make([]float32, dim)
	v[hot] = 1
	return v
}

func newEmbedding(dim, hot int, bookID uuid.UUID, userID *uuid.UUID) *models.Embedding {
	return &models.Embedding{
		ID:        uuid.New(),
		BookID:    bookID,
		UserID:    userID,
		Vector:    unit(dim, hot),
		CreatedAt: time.Now(),
	}
}

func TestCosine(t *testing.T) {
	tests := []struct {
		name     string
		a, b     []float32
		expected float64
	}{
		{name: "identical", a: []float32{1, 0, 0}, b: []float32{1, 0, 0}, expected: 1.0},
		{name: "orthogonal", a: []float32{1, 0, 0}, b: []float32{0, 1, 0}, expected: 0.0},
		{name: "opposite", a: []float32{1, 0, 0}, b: []float32{-1, 0, 0}, expected: -1.0},
		{name: "zero vector", a: []float32{0, 0, 0}, b: []float32{1, 0, 0}, expected: 0.0},
		{name: "length mismatch", a: []float32{1, 0}, b: []float32{1, 0, 0}, expected: 0.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, Cosine(tt.a, tt.b), 1e-9)
		})
	}
}

func TestCosineSimilarity_DimensionMismatch(t *testing.T) {
	ix := New(4)
	_, err := ix.CosineSimilarity([]float32{1, 0}, unit(4, 0))
	assert.ErrorIs(t, err, apperr.ErrDimensionMismatch)
}

func TestStore_DimensionEnforced(t *testing.T) {
	ix := New(4)
	err := ix.Store(&models.Embedding{ID: uuid.New(), Vector: []float32{1, 2}})
	assert.ErrorIs(t, err, apperr.ErrDimensionMismatch)
}

func TestScan_FilterByBook(t *testing.T) {
	ix := New(4)
	bookA := uuid.New()
	bookB := uuid.New()

	inA := newEmbedding(4, 0, bookA, nil)
	inB := newEmbedding(4, 0, bookB, nil)
	require.NoError(t, ix.Store(inA))
	require.NoError(t, ix.Store(inB))

	matches, err := ix.Scan(unit(4, 0), ScanOptions{BookID: &bookA, Threshold: 0.5})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, inA.ID, matches[0].Embedding.ID)
	assert.InDelta(t, 1.0, matches[0].Similarity, 1e-9)
}

func TestScan_ThresholdAndOrdering(t *testing.T) {
	ix := New(2)
	bookID := uuid.New()

	exact := &models.Embedding{ID: uuid.New(), BookID: bookID, Vector: []float32{1, 0}}
	near := &models.Embedding{ID: uuid.New(), BookID: bookID, Vector: []float32{0.9, 0.1}}
	far := &models.Embedding{ID: uuid.New(), BookID: bookID, Vector: []float32{0, 1}}
	for _, e := range []*models.Embedding{far, near, exact} {
		require.NoError(t, ix.Store(e))
	}

	matches, err := ix.Scan([]float32{1, 0}, ScanOptions{BookID: &bookID, Threshold: 0.7})
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, exact.ID, matches[0].Embedding.ID)
	assert.Equal(t, near.ID, matches[1].Embedding.ID)
}

func TestScan_BumpsAccessCounters(t *testing.T) {
	ix := New(4)
	bookID := uuid.New()
	e := newEmbedding(4, 1, bookID, nil)
	require.NoError(t, ix.Store(e))

	_, err := ix.Scan(unit(4, 1), ScanOptions{BookID: &bookID, Threshold: 0.5})
	require.NoError(t, err)
	assert.Equal(t, 1, e.AccessCount)
	assert.False(t, e.LastAccessedAt.IsZero())
}

func TestScan_AnonymousOnly(t *testing.T) {
	ix := New(4)
	bookID := uuid.New()
	owner := uuid.New()

	owned := newEmbedding(4, 0, bookID, &owner)
	anon := newEmbedding(4, 0, bookID, nil)
	require.NoError(t, ix.Store(owned))
	require.NoError(t, ix.Store(anon))

	matches, err := ix.Scan(unit(4, 0), ScanOptions{BookID: &bookID, AnonymousOnly: true, Threshold: 0.5})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, anon.ID, matches[0].Embedding.ID)
}

func TestEvictStale(t *testing.T) {
	ix := New(4)
	bookID := uuid.New()

	stale := newEmbedding(4, 0, bookID, nil)
	stale.CreatedAt = time.Now().Add(-8 * 24 * time.Hour)
	fresh := newEmbedding(4, 1, bookID, nil)
	accessed := newEmbedding(4, 2, bookID, nil)
	accessed.CreatedAt = stale.CreatedAt
	accessed.AccessCount = 3

	for _, e := range []*models.Embedding{stale, fresh, accessed} {
		require.NoError(t, ix.Store(e))
	}

	evicted := ix.EvictStale(time.Now().Add(-7 * 24 * time.Hour))
	assert.Equal(t, []uuid.UUID{stale.ID}, evicted)
	assert.Equal(t, 2, ix.Size())
	assert.Nil(t, ix.Get(stale.ID))
}
