package core

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/inkwell-ai/inkwell/pkg/apperr"
	"github.com/inkwell-ai/inkwell/pkg/budget"
	"github.com/inkwell-ai/inkwell/pkg/cache"
	"github.com/inkwell-ai/inkwell/pkg/completion"
	"github.com/inkwell-ai/inkwell/pkg/models"
	"github.com/inkwell-ai/inkwell/pkg/observability"
	"github.com/inkwell-ai/inkwell/pkg/rag"
	"github.com/inkwell-ai/inkwell/pkg/vectorstore"
)

// ChatRequest is the validated chat request handed to the pipeline
type ChatRequest struct {
	Message        string
	BookID         uuid.UUID
	Intent         string
	TargetLang     string
	ConversationID *uuid.UUID
	Selection      string
	SelectionCtx   string
}

// DoneEvent closes a successful stream
type DoneEvent struct {
	CompletedAt time.Time `json:"completed_at"`
	Cached      bool      `json:"cached,omitempty"`
}

// StreamEmitter receives the ordered stream events for one request. Within a
// request, Sources precedes the first Token; Usage and Done follow the last
// Token; Error terminates the stream.
type StreamEmitter interface {
	Sources(sources []models.SourceRef) error
	Token(token string) error
	Usage(usage models.Usage) error
	Done(done DoneEvent) error
}

// minCachedTokenEvents splits replayed answers into at least this many
// token events.
const minCachedTokenEvents = 2

// AnswerStream runs the full request path for one chat request:
// cache lookup, budget planning, retrieval, coordinated reduction, prompt
// assembly, streamed completion, cache store, and dialog persistence.
func (c *Core) AnswerStream(ctx context.Context, req ChatRequest, sec models.SecurityContext, emitter StreamEmitter) error {
	ctx, span := observability.StartSpan(ctx, "core.answer")
	defer span.End()

	book, err := c.Persistence.GetBook(ctx, req.BookID)
	if err != nil {
		return err
	}
	if err := c.authorizeBook(book, sec); err != nil {
		return err
	}

	// An explicit ask intent keys identically to a question-only request.
	intent := req.Intent
	if intent == "ask" {
		intent = ""
	}

	contentType := contentTypeForIntent(req.Intent)
	key := c.Cache.KeyGenerator().Generate(cache.KeyRequest{
		Message:     req.Message,
		Selection:   req.Selection,
		ContentType: contentType,
		Intent:      intent,
		BookID:      req.BookID,
		Security:    sec,
	})

	if lookup := c.Cache.Get(ctx, key, sec, cache.GetOptions{Semantic: true}); lookup != nil {
		c.Budget.RecordCacheOutcome(true)
		return c.replayCached(ctx, lookup, emitter)
	}
	c.Budget.RecordCacheOutcome(false)

	plan := c.Budget.PlanRequest(req.Message, false)

	result, err := c.Retriever.Retrieve(ctx, req.Message, req.BookID, rag.RetrieveOptions{})
	if err != nil {
		// A request whose deadline elapsed during retrieval gets the best
		// cached answer if one exists.
		if ctx.Err() != nil {
			if lookup := c.Cache.Get(context.Background(), key, sec, cache.GetOptions{Semantic: true, AllowStale: true}); lookup != nil {
				return c.replayCached(context.Background(), lookup, emitter)
			}
			return apperr.ErrTimeout
		}
		return err
	}

	chunks := c.Budget.ApplyReductions(plan, result.Chunks, result.QueryVector, req.Message, c.Config.Retriever)
	if len(chunks) > c.Config.Retriever.TopKFinal {
		chunks = c.Reranker.Select(chunks, result.QueryVector, req.Message, c.Config.Retriever.TopKFinal)
	}
	for i := range chunks {
		if chunks[i].Relevance == 0 {
			chunks[i].Relevance = chunks[i].Similarity
		}
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
	if err := emitter.Sources(sources); err != nil {
		return err
	}

	prompts := completion.Assemble(req.Message, completion.AssembleOptions{
		Intent:       req.Intent,
		TargetLang:   req.TargetLang,
		Selection:    req.Selection,
		Chunks:       chunks,
		Concise:      plan.Strategy == budget.StrategyAggressive,
		MaxUserChars: plan.Budget.ContextTokens * 4,
	})

	streamed, err := c.Completer.Stream(ctx, prompts, plan.Budget.ResponseTokens, emitter.Token)
	if err != nil {
		return err
	}

	quality := answerQuality(streamed.Text, chunks)
	c.Quality.Record(quality.Overall())

	usage := streamed.Usage
	usage.Cached = false
	usage.BudgetStrategy = plan.Strategy
	usage.EstimatedSavings = plan.EstimatedSavings
	usage.QualityScore = quality.Overall()
	usage.OptimizationApplied = len(plan.Reductions) > 0

	if err := emitter.Usage(usage); err != nil {
		return err
	}
	if err := emitter.Done(DoneEvent{CompletedAt: time.Now()}); err != nil {
		return err
	}

	// Cancelled requests write no cache entry.
	if ctx.Err() != nil {
		return nil
	}

	answer := models.Answer{
		Text:    streamed.Text,
		Sources: sources,
		Usage:   usage,
		Kind:    req.Intent,
	}
	dependencies := []string{
		"book:" + req.BookID.String(),
		"content-type:" + string(contentType),
	}
	if sec.UserID != nil {
		dependencies = append(dependencies, "user:"+sec.UserID.String())
	}
	if err := c.Cache.Set(ctx, key, answer, sec, cache.SetOptions{
		Dependencies: dependencies,
		CanStale:     true,
		Quality:      quality.Overall(),
	}); err != nil {
		c.Logger.Warn("Answer not cached", map[string]interface{}{
			"error": err.Error(),
		})
	}

	// Feed the question embedding into the vector store so concept clusters
	// and predictive matching learn from real traffic. Best effort.
	if _, err := c.VectorStore.StoreEmbedding(ctx, req.Message, result.QueryVector, vectorstore.Metadata{
		BookID:     req.BookID,
		UserID:     sec.UserID,
		BookPublic: book.Public,
	}); err != nil {
		c.Logger.Debug("Question embedding not stored", map[string]interface{}{
			"error": err.Error(),
		})
	}

	c.persistDialog(ctx, req, sec, streamed.Text)
	return nil
}

// contentTypeForIntent maps the request intent onto a cached content type,
// which also picks the TTL band.
func contentTypeForIntent(intent string) cache.ContentType {
	switch intent {
	case "summarize":
		return cache.ContentSummary
	case "enhance":
		return cache.ContentAnalysis
	default:
		return cache.ContentResponse
	}
}

func (c *Core) authorizeBook(book *models.Book, sec models.SecurityContext) error {
	if book.Public {
		return nil
	}
	if sec.UserID == nil {
		return apperr.New(apperr.KindUnauthenticated, "book_private",
			"this book requires authentication")
	}
	if *sec.UserID != book.OwnerID {
		return apperr.New(apperr.KindForbidden, "book_forbidden",
			"you do not have access to this book")
	}
	return nil
}

// replayCached pseudo-streams a cached answer: cached sources first, the
// answer text split into multiple token events with a pacing delay, then
// usage and done flagged cached.
func (c *Core) replayCached(ctx context.Context, lookup *cache.Lookup, emitter StreamEmitter) error {
	var answer models.Answer
	if err := json.Unmarshal(lookup.Entry.Value, &answer); err != nil {
		return apperr.Wrap(apperr.KindInternal, "cache_decode", "cached answer is unreadable", err)
	}

	if answer.Sources == nil {
		answer.Sources = []models.SourceRef{}
	}
	if err := emitter.Sources(answer.Sources); err != nil {
		return err
	}

	for _, fragment := range splitForReplay(answer.Text, minCachedTokenEvents) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := emitter.Token(fragment); err != nil {
			return err
		}
		if c.Config.CachedChunkDelay > 0 {
			time.Sleep(c.Config.CachedChunkDelay)
		}
	}

	usage := answer.Usage
	usage.Cached = true
	if err := emitter.Usage(usage); err != nil {
		return err
	}

	c.Metrics.IncrementCounterWithLabels("pipeline.cached_replay", 1, map[string]string{
		"layer": lookup.Layer,
	})
	return emitter.Done(DoneEvent{CompletedAt: time.Now(), Cached: true})
}

// splitForReplay cuts text into word-boundary fragments, at least minParts
// of them whenever the text is long enough to split.
func splitForReplay(text string, minParts int) []string {
	if text == "" {
		return nil
	}

	words := strings.SplitAfter(text, " ")
	perPart := (len(words) + minParts*4 - 1) / (minParts * 4)
	if perPart < 1 {
		perPart = 1
	}
	var parts []string
	for start := 0; start < len(words); start += perPart {
		end := start + perPart
		if end > len(words) {
			end = len(words)
		}
		parts = append(parts, strings.Join(words[start:end], ""))
	}

	// A single long word still replays as multiple fragments.
	if len(parts) < minParts && len(text) >= minParts {
		half := len(text) / 2
		parts = []string{text[:half], text[half:]}
	}
	return parts
}

// answerQuality scores a finished answer from its text shape and the context
// it was grounded on.
func answerQuality(text string, chunks []models.Chunk) models.QualityMetrics {
	metrics := models.QualityMetrics{Coherence: 0.8}

	if len(chunks) > 0 {
		var relevance, diversity float64
		for _, chunk := range chunks {
			relevance += chunk.Similarity
			diversity += chunk.Diversity
		}
		metrics.Relevance = relevance / float64(len(chunks))
		metrics.Diversity = diversity / float64(len(chunks))
	} else {
		// No grounding context: the answer is a refusal or general reply.
		metrics.Relevance = 0.5
		metrics.Diversity = 0.5
	}

	trimmed := strings.TrimSpace(text)
	switch {
	case trimmed == "":
		metrics.Completeness = 0
		metrics.Coherence = 0
	case strings.ContainsAny(trimmed[len(trimmed)-1:], ".!?"):
		metrics.Completeness = 1
	default:
		metrics.Completeness = 0.6
	}

	return metrics
}

// persistDialog appends the exchange for authenticated requests. Best
// effort: persistence failures are logged, never surfaced.
func (c *Core) persistDialog(ctx context.Context, req ChatRequest, sec models.SecurityContext, answer string) {
	if sec.UserID == nil {
		return
	}

	dialogID := uuid.New()
	if req.ConversationID != nil {
		if existing, err := c.Persistence.GetDialog(ctx, *req.ConversationID); err == nil && existing != nil {
			dialogID = existing.ID
		} else {
			dialogID = *req.ConversationID
			_ = c.Persistence.CreateDialog(ctx, &models.Dialog{
				ID:        dialogID,
				UserID:    *sec.UserID,
				BookID:    req.BookID,
				CreatedAt: time.Now(),
			})
		}
	} else {
		if err := c.Persistence.CreateDialog(ctx, &models.Dialog{
			ID:        dialogID,
			UserID:    *sec.UserID,
			BookID:    req.BookID,
			CreatedAt: time.Now(),
		}); err != nil {
			c.Logger.Warn("Dialog create failed", map[string]interface{}{"error": err.Error()})
			return
		}
	}

	now := time.Now()
	err := c.Persistence.AppendMessages(ctx, []models.DialogMessage{
		{ID: uuid.New(), DialogID: dialogID, Role: "user", Content: req.Message, CreatedAt: now},
		{ID: uuid.New(), DialogID: dialogID, Role: "assistant", Content: answer, CreatedAt: now},
	})
	if err != nil {
		c.Logger.Warn("Dialog append failed", map[string]interface{}{"error": err.Error()})
	}
}
