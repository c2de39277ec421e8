package chunker

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkChapter_ShortText(t *testing.T) {
	c := New(DefaultConfig())
	bookID := uuid.New()

	text := "a short chapter"
	chunks := c.ChunkChapter(bookID, 0, text)

	require.Len(t, chunks, 1)
	assert.Equal(t, 0, chunks[0].Ref.Start)
	assert.Equal(t, len(text), chunks[0].Ref.End)
	assert.Equal(t, text, chunks[0].Content)
	assert.Equal(t, bookID, chunks[0].Ref.BookID)
}

func TestChunkChapter_EmptyText(t *testing.T) {
	c := New(DefaultConfig())
	assert.Empty(t, c.ChunkChapter(uuid.New(), 0, ""))
}

func TestChunkChapter_OverlapAndStride(t *testing.T) {
	c := New(Config{TargetSize: 100, Overlap: 20})
	text := strings.Repeat("x", 300)

	chunks := c.ChunkChapter(uuid.New(), 2, text)
	require.GreaterOrEqual(t, len(chunks), 3)

	for i, ch := range chunks {
		assert.Greater(t, ch.Ref.End, ch.Ref.Start)
		assert.Equal(t, 2, ch.Ref.ChapterIdx)
		assert.Equal(t, text[ch.Ref.Start:ch.Ref.End], ch.Content)
		if i > 0 {
			// Adjacent windows overlap by exactly Overlap characters,
			// except for a merged tail.
			assert.Equal(t, chunks[i-1].Ref.Start+80, ch.Ref.Start)
		}
	}

	// Full coverage: first chunk starts at 0, last ends at len(text).
	assert.Equal(t, 0, chunks[0].Ref.Start)
	assert.Equal(t, len(text), chunks[len(chunks)-1].Ref.End)
}

func TestChunkChapter_TinyTailMerged(t *testing.T) {
	// A 105-char text leaves a 25-char tail at offset 80, below
	// min(100/3, 200)=33: it is merged into the previous window.
	c := New(Config{TargetSize: 100, Overlap: 20})
	text := strings.Repeat("y", 105)

	chunks := c.ChunkChapter(uuid.New(), 0, text)
	require.Len(t, chunks, 1)
	assert.Equal(t, 0, chunks[0].Ref.Start)
	assert.Equal(t, 105, chunks[0].Ref.End)
	assert.Equal(t, text, chunks[0].Content)
}

func TestChunkChapter_Deterministic(t *testing.T) {
	c := New(DefaultConfig())
	bookID := uuid.New()
	text := strings.Repeat("determinism ", 200)

	first := c.ChunkChapter(bookID, 1, text)
	second := c.ChunkChapter(bookID, 1, text)
	assert.Equal(t, first, second)
}

func TestChunkChapter_SingleChunkStable(t *testing.T) {
	// Re-chunking a chunk's own text yields that same single window.
	c := New(DefaultConfig())
	text := strings.Repeat("z", 400)

	chunks := c.ChunkChapter(uuid.New(), 0, text)
	require.Len(t, chunks, 1)

	again := c.ChunkChapter(uuid.New(), 0, chunks[0].Content)
	require.Len(t, again, 1)
	assert.Equal(t, chunks[0].Content, again[0].Content)
}
