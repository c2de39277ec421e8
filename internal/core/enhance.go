package core

import (
	"context"
	"encoding/json"

	"github.com/inkwell-ai/inkwell/pkg/cache"
	"github.com/inkwell-ai/inkwell/pkg/enhance"
	"github.com/inkwell-ai/inkwell/pkg/models"
	"github.com/inkwell-ai/inkwell/pkg/rag"
)

// EnhanceAnswer produces the structured knowledge artifact for an
// enhance-intent request, reusing the retrieval pipeline for context and the
// response cache for repeats.
func (c *Core) EnhanceAnswer(ctx context.Context, req ChatRequest, sec models.SecurityContext) (*enhance.Artifact, []models.SourceRef, error) {
	book, err := c.Persistence.GetBook(ctx, req.BookID)
	if err != nil {
		return nil, nil, err
	}
	if err := c.authorizeBook(book, sec); err != nil {
		return nil, nil, err
	}

	selection := req.Selection
	if selection == "" {
		selection = req.Message
	}

	key := c.Cache.KeyGenerator().Generate(cache.KeyRequest{
		Message:     req.Message,
		Selection:   req.Selection,
		ContentType: cache.ContentAnalysis,
		Intent:      req.Intent,
		BookID:      req.BookID,
		Security:    sec,
	})
	if lookup := c.Cache.Get(ctx, key, sec, cache.GetOptions{}); lookup != nil {
		var cached struct {
			Artifact enhance.Artifact   `json:"artifact"`
			Sources  []models.SourceRef `json:"sources"`
		}
		if err := decodeCached(lookup, &cached); err == nil {
			return &cached.Artifact, cached.Sources, nil
		}
	}

	result, err := c.Retriever.Retrieve(ctx, selection, req.BookID, rag.RetrieveOptions{})
	if err != nil {
		return nil, nil, err
	}
	chunks := c.Reranker.Select(result.Chunks, result.QueryVector, selection, c.Config.Retriever.TopKFinal)

	artifact, err := c.Enhancer.Enhance(ctx, selection, chunks)
	if err != nil {
		return nil, nil, err
	}

	sources := make([]models.SourceRef, 0, len(chunks))
	for _, chunk := range chunks {
		sources = append(sources, models.SourceRef{
			ChapterIdx: chunk.Ref.ChapterIdx,
			Start:      chunk.Ref.Start,
			End:        chunk.Ref.End,
			Similarity: chunk.Similarity,
		})
	}

	if err := c.Cache.Set(ctx, key, map[string]interface{}{
		"artifact": artifact,
		"sources":  sources,
	}, sec, cache.SetOptions{
		Dependencies: []string{"book:" + req.BookID.String(), "content-type:" + string(cache.ContentAnalysis)},
		CanStale:     true,
		Quality:      artifact.Quality,
	}); err != nil {
		c.Logger.Warn("Enhancement not cached", map[string]interface{}{"error": err.Error()})
	}

	return artifact, sources, nil
}

func decodeCached(lookup *cache.Lookup, out interface{}) error {
	return json.Unmarshal(lookup.Entry.Value, out)
}
