package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/inkwell-ai/inkwell/internal/core"
	"github.com/inkwell-ai/inkwell/pkg/apperr"
	"github.com/inkwell-ai/inkwell/pkg/cache"
	"github.com/inkwell-ai/inkwell/pkg/models"
)

// fromStreamError maps pipeline failures onto wire codes
func fromStreamError(err error) *apperr.Error {
	return apperr.From(err)
}

// decodeBody parses a JSON body into a map for schema validation
func decodeBody(c *gin.Context) (map[string]interface{}, error) {
	var body map[string]interface{}
	decoder := json.NewDecoder(c.Request.Body)
	if err := decoder.Decode(&body); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "malformed_body", "request body is not valid JSON", err)
	}
	return body, nil
}

// parseChatRequest validates and converts the body into the pipeline request
func (s *Server) parseChatRequest(c *gin.Context) (*core.ChatRequest, error) {
	body, err := decodeBody(c)
	if err != nil {
		return nil, err
	}
	if err := s.validator.Validate(body, chatSchema()); err != nil {
		return nil, err
	}

	req := &core.ChatRequest{
		Message: body["message"].(string),
	}
	req.BookID, _ = uuid.Parse(body["book_id"].(string))

	if intent, ok := body["intent"].(string); ok {
		req.Intent = intent
	}
	if lang, ok := body["targetLang"].(string); ok {
		req.TargetLang = lang
	}
	if conversation, ok := body["conversationId"].(string); ok {
		if id, err := uuid.Parse(conversation); err == nil {
			req.ConversationID = &id
		}
	}
	if rawContext, ok := body["context"].(map[string]interface{}); ok {
		if err := s.validator.Validate(rawContext, contextTextSchema()); err != nil {
			return nil, err
		}
		if text, ok := rawContext["text"].(string); ok {
			req.Selection = text
		}
		if before, ok := rawContext["before"].(string); ok {
			req.SelectionCtx = before
		}
	}

	return req, nil
}

// handleChatStream runs the answer pipeline over SSE
func (s *Server) handleChatStream(c *gin.Context) {
	req, err := s.parseChatRequest(c)
	if err != nil {
		writeError(c, err)
		return
	}
	sec := securityContext(c)

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.requestTimeout)
	defer cancel()

	emitter := newSSEEmitter(c)

	if req.Intent == "enhance" {
		s.streamEnhancement(ctx, c, *req, sec, emitter)
		return
	}

	if err := s.core.AnswerStream(ctx, *req, sec, emitter); err != nil {
		emitter.Fail(c, err)
	}
}

// streamEnhancement emits the structured artifact through the same event
// protocol: sources, the artifact JSON as a token, usage, done.
func (s *Server) streamEnhancement(ctx context.Context, c *gin.Context, req core.ChatRequest, sec models.SecurityContext, emitter *sseEmitter) {
	artifact, sources, err := s.core.EnhanceAnswer(ctx, req, sec)
	if err != nil {
		emitter.Fail(c, err)
		return
	}

	encoded, err := json.Marshal(artifact)
	if err != nil {
		emitter.Fail(c, err)
		return
	}

	if err := emitter.Sources(sources); err != nil {
		return
	}
	if err := emitter.Token(string(encoded)); err != nil {
		return
	}
	usage := models.Usage{
		CompletionTokens:    (len(encoded) + 3) / 4,
		TotalTokens:         (len(encoded) + 3) / 4,
		ModelUsed:           s.core.Config.Completion.Model,
		QualityScore:        artifact.Quality,
		BudgetStrategy:      "n/a",
		OptimizationApplied: false,
	}
	if err := emitter.Usage(usage); err != nil {
		return
	}
	_ = emitter.Done(core.DoneEvent{CompletedAt: time.Now()})
}

// handleEnhance serves the artifact as plain JSON
func (s *Server) handleEnhance(c *gin.Context) {
	req, err := s.parseChatRequest(c)
	if err != nil {
		writeError(c, err)
		return
	}
	sec := securityContext(c)

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.requestTimeout)
	defer cancel()

	artifact, sources, err := s.core.EnhanceAnswer(ctx, *req, sec)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"artifact": artifact,
		"sources":  sources,
	})
}

// handleHealthz reports liveness and dependency health
func (s *Server) handleHealthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := s.core.Persistence.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "degraded",
			"detail": "persistence unreachable",
		})
		return
	}
	c.JSON(http.StatusOK, statusOK())
}

// handleStats publishes cache, limiter, vector-store, and quality state
func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"cache":        s.core.Cache.Stats(),
		"rate_limiter": s.core.RateLimiter.Stats(),
		"vector_store": s.core.VectorStore.Stats(),
		"embedding":    s.core.EmbedCache.Stats(),
		"quality":      s.core.Quality.State(),
		"audit":        gin.H{"pending": s.core.Audit.Pending()},
	})
}

// handlePreWarm loads a priority-sorted entry list into the cache
func (s *Server) handlePreWarm(c *gin.Context) {
	body, err := decodeBody(c)
	if err != nil {
		writeError(c, err)
		return
	}
	if err := s.validator.Validate(body, prewarmSchema()); err != nil {
		writeError(c, err)
		return
	}
	sec := securityContext(c)

	rawEntries := body["entries"].([]interface{})
	entries := make([]cache.PreWarmEntry, 0, len(rawEntries))
	for _, raw := range rawEntries {
		obj, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		message, _ := obj["message"].(string)
		bookRaw, _ := obj["book_id"].(string)
		bookID, err := uuid.Parse(bookRaw)
		if message == "" || err != nil {
			continue
		}
		priority := cache.PriorityNormal
		if p, ok := obj["priority"].(string); ok {
			priority = cache.Priority(p)
		}
		entries = append(entries, cache.PreWarmEntry{
			Key: s.core.Cache.KeyGenerator().Generate(cache.KeyRequest{
				Message:     message,
				ContentType: cache.ContentResponse,
				BookID:      bookID,
				Security:    sec,
			}),
			Value:    obj["value"],
			Priority: priority,
		})
	}

	warmed := s.core.Cache.PreWarm(c.Request.Context(), entries, sec)
	c.JSON(http.StatusOK, gin.H{"warmed": warmed})
}

// handleInvalidate removes cache keys or patterns
func (s *Server) handleInvalidate(c *gin.Context) {
	body, err := decodeBody(c)
	if err != nil {
		writeError(c, err)
		return
	}
	if err := s.validator.Validate(body, invalidateSchema()); err != nil {
		writeError(c, err)
		return
	}

	strategy := cache.InvalidateImmediate
	if raw, ok := body["strategy"].(string); ok && raw != "" {
		strategy = cache.InvalidationStrategy(raw)
	}

	removed := 0
	if pattern, ok := body["pattern"].(string); ok && pattern != "" {
		removed = s.core.Cache.InvalidateByPattern(c.Request.Context(), pattern, cache.InvalidateOptions{Strategy: strategy})
	}
	if rawKeys, ok := body["keys"].([]interface{}); ok && len(rawKeys) > 0 {
		keys := make([]string, 0, len(rawKeys))
		for _, raw := range rawKeys {
			if key, ok := raw.(string); ok {
				keys = append(keys, key)
			}
		}
		s.core.Cache.Invalidate(c.Request.Context(), keys, cache.InvalidateOptions{Strategy: strategy})
		removed += len(keys)
	}

	c.JSON(http.StatusOK, gin.H{"invalidated": removed})
}
