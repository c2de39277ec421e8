// Package chunker splits chapter text into overlapping windows suitable for
// embedding.
package chunker

import (
	"github.com/google/uuid"

	"github.com/inkwell-ai/inkwell/pkg/models"
)

// Config holds chunker parameters
type Config struct {
	// TargetSize is the nominal window length in characters
	TargetSize int `mapstructure:"target"`
	// Overlap is the number of characters shared by adjacent windows
	Overlap int `mapstructure:"overlap"`
}

// DefaultConfig returns the default chunking parameters
func DefaultConfig() Config {
	return Config{
		TargetSize: 600,
		Overlap:    150,
	}
}

// Chunker produces overlapping windows over chapter text
type Chunker struct {
	config Config
}

// New creates a Chunker, falling back to defaults for invalid parameters
func New(config Config) *Chunker {
	if config.TargetSize <= 0 {
		config.TargetSize = 600
	}
	if config.Overlap < 0 || config.Overlap >= config.TargetSize {
		config.Overlap = 150
		if config.Overlap >= config.TargetSize {
			config.Overlap = config.TargetSize / 4
		}
	}
	return &Chunker{config: config}
}

// minTail is the smallest tail window the chunker will emit on its own; a
// shorter tail is merged into the previous window.
func (c *Chunker) minTail() int {
	limit := c.config.TargetSize / 3
	if limit > 200 {
		limit = 200
	}
	return limit
}

// ChunkChapter slides a window of TargetSize with stride TargetSize-Overlap
// over the chapter text. Offsets are absolute within the chapter and bounds
// are deterministic for a fixed text.
func (c *Chunker) ChunkChapter(bookID uuid.UUID, chapterIdx int, text string) []models.Chunk {
	if text == "" {
		return nil
	}

	size := c.config.TargetSize
	stride := size - c.config.Overlap

	// Texts shorter than one window produce a single full-span chunk.
	if len(text) <= size {
		return []models.Chunk{c.newChunk(bookID, chapterIdx, text, 0, len(text))}
	}

	var chunks []models.Chunk
	for start := 0; start < len(text); start += stride {
		end := start + size
		if end >= len(text) {
			end = len(text)
			remaining := end - start
			if remaining < c.minTail() && len(chunks) > 0 {
				// Tail too small to stand alone: extend the previous window.
				last := &chunks[len(chunks)-1]
				last.Ref.End = end
				last.Content = text[last.Ref.Start:end]
			} else {
				chunks = append(chunks, c.newChunk(bookID, chapterIdx, text[start:end], start, end))
			}
			break
		}
		chunks = append(chunks, c.newChunk(bookID, chapterIdx, text[start:end], start, end))
	}

	return chunks
}

func (c *Chunker) newChunk(bookID uuid.UUID, chapterIdx int, content string, start, end int) models.Chunk {
	return models.Chunk{
		Ref: models.ChunkRef{
			BookID:     bookID,
			ChapterIdx: chapterIdx,
			Start:      start,
			End:        end,
		},
		Content: content,
	}
}
