package vectorstore

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkwell-ai/inkwell/pkg/apperr"
	"github.com/inkwell-ai/inkwell/pkg/observability"
	"github.com/inkwell-ai/inkwell/pkg/vectorindex"
)

const testDim = 8

func newTestStore(crossUser bool) *Store {
	config := DefaultConfig()
	config.CrossUserSharing = crossUser
	return New(vectorindex.New(testDim), config, observability.NewNoopLogger(), observability.NewNoopMetricsClient())
}

func vec(hot int) []float32 {
	v := make([]float32, testDim)
	v[hot] = 1
	return v
}

const shareableText = "The harbor town slowly fades behind the ship as open water begins"

func TestStoreEmbedding_RoundTrip(t *testing.T) {
	store := newTestStore(false)
	userID := uuid.New()
	bookID := uuid.New()

	stored, err := store.StoreEmbedding(context.Background(), "private margin note", vec(0), Metadata{
		BookID: bookID,
		UserID: &userID,
	})
	require.NoError(t, err)
	require.NotNil(t, stored.UserID)

	results, err := store.FindSimilar(context.Background(), vec(0), FindOptions{
		UserID:    &userID,
		Threshold: 0,
	})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, stored.ID, results[0].Embedding.ID)
	assert.InDelta(t, 1.0, results[0].Similarity, 1e-9)
}

func TestStoreEmbedding_RejectsPII(t *testing.T) {
	store := newTestStore(false)

	tests := []struct {
		name    string
		content string
	}{
		{name: "ssn", content: "my number is 123-45-6789"},
		{name: "email", content: "write to reader@example.com please"},
		{name: "credit card", content: "card 4111 1111 1111 1111 on file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.StoreEmbedding(context.Background(), tt.content, vec(0), Metadata{BookID: uuid.New()})
			require.Error(t, err)
			assert.True(t, apperr.IsKind(err, apperr.KindConsistency))
		})
	}
}

func TestCanShareAnonymously(t *testing.T) {
	store := newTestStore(true)

	tests := []struct {
		name     string
		content  string
		public   bool
		expected bool
	}{
		{
			name:     "public book, long neutral text",
			content:  shareableText,
			public:   true,
			expected: true,
		},
		{
			name:     "private book",
			content:  shareableText,
			public:   false,
			expected: false,
		},
		{
			name:     "too short",
			content:  "open water begins",
			public:   true,
			expected: false,
		},
		{
			name:     "first person pronoun",
			content:  "I watched the harbor town slowly fade behind the ship today",
			public:   true,
			expected: false,
		},
		{
			name:     "second person pronoun with punctuation",
			content:  "the harbor town fades behind the ship, as does your last doubt",
			public:   true,
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, store.CanShareAnonymously(tt.content, Metadata{BookPublic: tt.public}))
		})
	}
}

func TestCrossUserSharing_AnonymizedResult(t *testing.T) {
	store := newTestStore(true)
	owner := uuid.New()
	requester := uuid.New()
	bookID := uuid.New()

	stored, err := store.StoreEmbedding(context.Background(), shareableText, vec(1), Metadata{
		BookID:     bookID,
		UserID:     &owner,
		BookPublic: true,
	})
	require.NoError(t, err)
	// Shareable content is stored without an owner.
	assert.Nil(t, stored.UserID)

	results, err := store.FindSimilar(context.Background(), vec(1), FindOptions{
		UserID:        &requester,
		Threshold:     0.8,
		IncludeShared: true,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)

	hit := results[0]
	assert.True(t, hit.IsAnonymous)
	assert.Nil(t, hit.Embedding.UserID)
	assert.NotEqual(t, shareableText, hit.Embedding.Content)
	// Proper nouns are masked in the representative text.
	assert.Contains(t, hit.Embedding.Content, "[NAME]")
}

func TestCrossUserSharing_DisabledByConfig(t *testing.T) {
	store := newTestStore(false)
	owner := uuid.New()
	requester := uuid.New()

	_, err := store.StoreEmbedding(context.Background(), shareableText, vec(1), Metadata{
		BookID:     uuid.New(),
		UserID:     &owner,
		BookPublic: true,
	})
	require.NoError(t, err)

	results, err := store.FindSimilar(context.Background(), vec(1), FindOptions{
		UserID:        &requester,
		Threshold:     0.5,
		IncludeShared: true,
	})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestClusterCentroid_IncrementalMean(t *testing.T) {
	store := newTestStore(true)
	bookID := uuid.New()

	// Two members with identical fingerprints (same salient tokens, shuffled)
	// and different vectors.
	first := "the harbor town slowly fades behind the ship of the"
	second := "behind the ship the harbor town fades slowly of the"

	a := make([]float32, testDim)
	a[0] = 1
	b := make([]float32, testDim)
	b[0] = 0.5
	b[1] = 0.5

	_, err := store.StoreEmbedding(context.Background(), first, a, Metadata{BookID: bookID, BookPublic: true})
	require.NoError(t, err)
	_, err = store.StoreEmbedding(context.Background(), second, b, Metadata{BookID: bookID, BookPublic: true})
	require.NoError(t, err)

	store.mu.RLock()
	defer store.mu.RUnlock()
	require.Len(t, store.clusters, 1)
	for _, cluster := range store.clusters {
		assert.Equal(t, 2, cluster.MemberCount)
		assert.InDelta(t, 0.75, float64(cluster.Centroid[0]), 1e-6)
		assert.InDelta(t, 0.25, float64(cluster.Centroid[1]), 1e-6)
	}
}

func TestPredictiveMatches(t *testing.T) {
	store := newTestStore(false)
	userID := uuid.New()
	bookID := uuid.New()

	// Five accessed embeddings all pointing the same way.
	for i := 0; i < 5; i++ {
		e, err := store.StoreEmbedding(context.Background(), "a recurring question about themes", vec(2), Metadata{
			BookID: bookID,
			UserID: &userID,
		})
		require.NoError(t, err)
		e.AccessCount = 10
		e.LastAccessedAt = time.Now()
	}

	matches := store.PredictiveMatches(context.Background(), userID, vec(2))
	require.NotEmpty(t, matches)
	for _, m := range matches {
		assert.True(t, m.IsPredictive)
		assert.GreaterOrEqual(t, m.Score, 0.7)
	}
}

func TestPredictiveMatches_RequiresHistory(t *testing.T) {
	store := newTestStore(false)
	userID := uuid.New()

	e, err := store.StoreEmbedding(context.Background(), "one lonely note", vec(2), Metadata{
		BookID: uuid.New(),
		UserID: &userID,
	})
	require.NoError(t, err)
	e.AccessCount = 10

	assert.Nil(t, store.PredictiveMatches(context.Background(), userID, vec(2)))
}

func TestPredictiveMatches_DisabledWindow(t *testing.T) {
	store := newTestStore(false)
	userID := uuid.New()

	store.DisablePredictive(time.Hour)
	assert.False(t, store.PredictiveEnabled())
	assert.Nil(t, store.PredictiveMatches(context.Background(), userID, vec(0)))
}

func TestMaintain_RemovesStaleClustersAndEmbeddings(t *testing.T) {
	store := newTestStore(true)
	bookID := uuid.New()

	stored, err := store.StoreEmbedding(context.Background(), shareableText, vec(3), Metadata{
		BookID:     bookID,
		BookPublic: true,
	})
	require.NoError(t, err)

	// Age the embedding and the cluster past the maintenance cutoff.
	stored.CreatedAt = time.Now().Add(-8 * 24 * time.Hour)
	store.mu.Lock()
	for _, cluster := range store.clusters {
		cluster.UpdatedAt = time.Now().Add(-8 * 24 * time.Hour)
	}
	store.mu.Unlock()

	evicted, removed := store.Maintain(7 * 24 * time.Hour)
	assert.Equal(t, 1, evicted)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, store.Stats()["embeddings"])
}

func TestAnonymize(t *testing.T) {
	out := Anonymize("Ishmael sailed in 1851 with 3 companions")
	assert.Equal(t, "[NAME] sailed in [YEAR] with [NUM] companions", out)

	long := Anonymize(strings.Repeat("plain words without names ", 30))
	assert.LessOrEqual(t, len(long), 300)
}
