package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkwell-ai/inkwell/internal/core"
	"github.com/inkwell-ai/inkwell/pkg/apperr"
	"github.com/inkwell-ai/inkwell/pkg/auth"
	"github.com/inkwell-ai/inkwell/pkg/completion"
	"github.com/inkwell-ai/inkwell/pkg/models"
	"github.com/inkwell-ai/inkwell/pkg/observability"
)

// testPersistence is a minimal in-memory Persistence for API tests
type testPersistence struct {
	mu       sync.Mutex
	users    map[uuid.UUID]*models.User
	books    map[uuid.UUID]*models.Book
	chapters map[uuid.UUID][]models.Chapter
	rlRows   map[string][]time.Time
}

func (f *testPersistence) GetChapters(ctx context.Context, bookID uuid.UUID) ([]models.Chapter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chapters[bookID], nil
}

func (f *testPersistence) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if user, ok := f.users[id]; ok {
		return user, nil
	}
	return nil, apperr.New(apperr.KindNotFound, "user_not_found", "user not found")
}

func (f *testPersistence) GetBook(ctx context.Context, id uuid.UUID) (*models.Book, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if book, ok := f.books[id]; ok {
		return book, nil
	}
	return nil, apperr.New(apperr.KindNotFound, "book_not_found", "book not found")
}

func (f *testPersistence) GetDialog(ctx context.Context, id uuid.UUID) (*models.Dialog, error) {
	return nil, apperr.New(apperr.KindNotFound, "dialog_not_found", "conversation not found")
}

func (f *testPersistence) CreateDialog(ctx context.Context, dialog *models.Dialog) error { return nil }

func (f *testPersistence) AppendMessages(ctx context.Context, messages []models.DialogMessage) error {
	return nil
}

func (f *testPersistence) CountSince(ctx context.Context, key string, since time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, ts := range f.rlRows[key] {
		if ts.After(since) {
			count++
		}
	}
	return count, nil
}

func (f *testPersistence) Insert(ctx context.Context, entry models.RateLimitEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rlRows[entry.Key] = append(f.rlRows[entry.Key], entry.Timestamp)
	return nil
}

func (f *testPersistence) PurgeOlderThan(ctx context.Context, key string, before time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.rlRows[key][:0]
	for _, ts := range f.rlRows[key] {
		if ts.After(before) {
			kept = append(kept, ts)
		}
	}
	f.rlRows[key] = kept
	return nil
}

func (f *testPersistence) InsertAuditEvents(ctx context.Context, events []models.AuditEvent) error {
	return nil
}

func (f *testPersistence) Ping(ctx context.Context) error { return nil }

type flatEmbedder struct{}

func (e *flatEmbedder) Dimensions() int { return 4 }

func (e *flatEmbedder) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	if strings.Contains(strings.ToLower(text), "whale") {
		return []float32{1, 0, 0, 0}, nil
	}
	return []float32{0, 1, 0, 0}, nil
}

type countedCompleter struct {
	calls atomic.Int64
}

func (p *countedCompleter) StreamCompletion(ctx context.Context, req completion.Request, emit func(token string) error) (*completion.ProviderUsage, error) {
	p.calls.Add(1)
	for _, word := range strings.SplitAfter("The whale carries the book's weight of meaning. ", " ") {
		if word == "" {
			continue
		}
		if err := emit(word); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

type apiFixture struct {
	server   *Server
	persist  *testPersistence
	provider *auth.JWTProvider
	bookID   uuid.UUID
	owner    uuid.UUID
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	persist := &testPersistence{
		users:    make(map[uuid.UUID]*models.User),
		books:    make(map[uuid.UUID]*models.Book),
		chapters: make(map[uuid.UUID][]models.Chapter),
		rlRows:   make(map[string][]time.Time),
	}

	owner := uuid.New()
	persist.users[owner] = &models.User{ID: owner, Email: "owner@books.example"}

	bookID := uuid.New()
	persist.books[bookID] = &models.Book{ID: bookID, OwnerID: owner, Title: "Sea Story", Public: true}
	persist.chapters[bookID] = []models.Chapter{
		{BookID: bookID, Idx: 0, Text: strings.Repeat("the whale under moonlight ", 40)},
	}

	cfg := core.DefaultConfig()
	cfg.Dimensions = 4
	cfg.CachedChunkDelay = 0

	provider := auth.NewJWTProvider("api-test-secret")
	c, err := core.New(cfg, core.Dependencies{
		Persistence:        persist,
		EmbeddingProvider:  &flatEmbedder{},
		CompletionProvider: &countedCompleter{},
		IdentityProvider:   provider,
		Logger:             observability.NewNoopLogger(),
		Metrics:            observability.NewNoopMetricsClient(),
	})
	require.NoError(t, err)

	server := NewServer(c, Config{ListenAddress: ":0", RequestTimeout: 10 * time.Second})
	return &apiFixture{server: server, persist: persist, provider: provider, bookID: bookID, owner: owner}
}

func (f *apiFixture) post(t *testing.T, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	recorder := httptest.NewRecorder()
	f.server.Router().ServeHTTP(recorder, req)
	return recorder
}

func chatBody(bookID uuid.UUID, message string) string {
	return fmt.Sprintf(`{"message": %q, "book_id": %q}`, message, bookID)
}

func TestChatStream_EventOrder(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.post(t, "/v1/chat/stream", chatBody(f.bookID, "tell me about the whale"), nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Header().Get("Content-Type"), "text/event-stream")
	assert.NotEmpty(t, resp.Header().Get("X-Request-ID"))

	body := resp.Body.String()
	sourcesIdx := strings.Index(body, "event:sources")
	tokenIdx := strings.Index(body, "event:token")
	usageIdx := strings.Index(body, "event:usage")
	doneIdx := strings.Index(body, "event:done")

	require.GreaterOrEqual(t, sourcesIdx, 0)
	require.Greater(t, tokenIdx, sourcesIdx)
	require.Greater(t, usageIdx, tokenIdx)
	require.Greater(t, doneIdx, usageIdx)
	assert.NotContains(t, body, "event:error")
}

func TestChatStream_WarmHitMarkedCached(t *testing.T) {
	f := newAPIFixture(t)

	first := f.post(t, "/v1/chat/stream", chatBody(f.bookID, "tell me about the whale"), nil)
	require.Equal(t, http.StatusOK, first.Code)

	second := f.post(t, "/v1/chat/stream", chatBody(f.bookID, "tell me about the whale"), nil)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Contains(t, second.Body.String(), `"cached":true`)
}

func TestChatStream_ValidationErrors(t *testing.T) {
	f := newAPIFixture(t)

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{
			name:   "unknown field",
			body:   fmt.Sprintf(`{"message": "hi", "book_id": %q, "extra": 1}`, f.bookID),
			status: http.StatusBadRequest,
		},
		{
			name:   "missing message",
			body:   fmt.Sprintf(`{"book_id": %q}`, f.bookID),
			status: http.StatusBadRequest,
		},
		{
			name:   "bad intent",
			body:   fmt.Sprintf(`{"message": "hi", "book_id": %q, "intent": "meditate"}`, f.bookID),
			status: http.StatusBadRequest,
		},
		{
			name: "oversized selection",
			body: fmt.Sprintf(`{"message": "hi", "book_id": %q, "context": {"text": %q}}`,
				f.bookID, strings.Repeat("x", 301)),
			status: http.StatusRequestEntityTooLarge,
		},
		{
			name:   "not json",
			body:   "not json",
			status: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.post(t, "/v1/chat/stream", tt.body, nil)
			assert.Equal(t, tt.status, resp.Code)

			var envelope struct {
				Error struct {
					Code      string `json:"code"`
					Message   string `json:"message"`
					RequestID string `json:"requestId"`
				} `json:"error"`
			}
			require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &envelope))
			assert.NotEmpty(t, envelope.Error.Code)
			assert.NotEmpty(t, envelope.Error.RequestID)
		})
	}
}

func TestChatStream_UnknownBook404(t *testing.T) {
	f := newAPIFixture(t)
	resp := f.post(t, "/v1/chat/stream", chatBody(uuid.New(), "hello there"), nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestAuth_InvalidToken401(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.post(t, "/v1/chat/stream", chatBody(f.bookID, "hi there"), map[string]string{
		"Authorization": "Bearer bad-token",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestAuth_SixthFailedAttemptRateLimited(t *testing.T) {
	f := newAPIFixture(t)
	headers := map[string]string{"Authorization": "Bearer bad-token"}

	for i := 0; i < 5; i++ {
		resp := f.post(t, "/v1/chat/stream", chatBody(f.bookID, "hi there"), headers)
		require.Equal(t, http.StatusUnauthorized, resp.Code, "attempt %d", i+1)
	}

	sixth := f.post(t, "/v1/chat/stream", chatBody(f.bookID, "hi there"), headers)
	assert.Equal(t, http.StatusTooManyRequests, sixth.Code)
	assert.Equal(t, "0", sixth.Header().Get("X-RateLimit-Remaining"))

	retryAfter := sixth.Header().Get("Retry-After")
	require.NotEmpty(t, retryAfter)
	assert.Equal(t, "900", retryAfter)
}

func TestAuth_ValidTokenPasses(t *testing.T) {
	f := newAPIFixture(t)
	token, err := f.provider.IssueToken(f.owner, "owner@books.example")
	require.NoError(t, err)

	resp := f.post(t, "/v1/chat/stream", chatBody(f.bookID, "tell me about the whale"), map[string]string{
		"Authorization": "Bearer " + token,
	})
	assert.Equal(t, http.StatusOK, resp.Code)
}

func TestStats_RequiresAuth(t *testing.T) {
	f := newAPIFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
	recorder := httptest.NewRecorder()
	f.server.Router().ServeHTTP(recorder, req)
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)

	token, err := f.provider.IssueToken(f.owner, "owner@books.example")
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	recorder = httptest.NewRecorder()
	f.server.Router().ServeHTTP(recorder, req)
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Contains(t, recorder.Body.String(), "cache")
}

func TestHealthz(t *testing.T) {
	f := newAPIFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	recorder := httptest.NewRecorder()
	f.server.Router().ServeHTTP(recorder, req)
	assert.Equal(t, http.StatusOK, recorder.Code)
}

func TestEnhanceEndpoint_BadBodyRejected(t *testing.T) {
	f := newAPIFixture(t)
	resp := f.post(t, "/v1/enhance", `{"bogus": true}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}
