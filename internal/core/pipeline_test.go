package core

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkwell-ai/inkwell/pkg/apperr"
	"github.com/inkwell-ai/inkwell/pkg/completion"
	"github.com/inkwell-ai/inkwell/pkg/models"
	"github.com/inkwell-ai/inkwell/pkg/observability"
)

// fakePersistence is an in-memory Persistence implementation
type fakePersistence struct {
	mu       sync.Mutex
	users    map[uuid.UUID]*models.User
	books    map[uuid.UUID]*models.Book
	chapters map[uuid.UUID][]models.Chapter
	dialogs  map[uuid.UUID]*models.Dialog
	messages []models.DialogMessage
	rlRows   map[string][]time.Time
	audits   []models.AuditEvent
}

func newFakePersistence() *fakePersistence {
	return &fakePersistence{
		users:    make(map[uuid.UUID]*models.User),
		books:    make(map[uuid.UUID]*models.Book),
		chapters: make(map[uuid.UUID][]models.Chapter),
		dialogs:  make(map[uuid.UUID]*models.Dialog),
		rlRows:   make(map[string][]time.Time),
	}
}

func (f *fakePersistence) GetChapters(ctx context.Context, bookID uuid.UUID) ([]models.Chapter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chapters[bookID], nil
}

func (f *fakePersistence) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if user, ok := f.users[id]; ok {
		return user, nil
	}
	return nil, apperr.New(apperr.KindNotFound, "user_not_found", "user not found")
}

func (f *fakePersistence) GetBook(ctx context.Context, id uuid.UUID) (*models.Book, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if book, ok := f.books[id]; ok {
		return book, nil
	}
	return nil, apperr.New(apperr.KindNotFound, "book_not_found", "book not found")
}

func (f *fakePersistence) GetDialog(ctx context.Context, id uuid.UUID) (*models.Dialog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if dialog, ok := f.dialogs[id]; ok {
		return dialog, nil
	}
	return nil, apperr.New(apperr.KindNotFound, "dialog_not_found", "conversation not found")
}

func (f *fakePersistence) CreateDialog(ctx context.Context, dialog *models.Dialog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dialogs[dialog.ID] = dialog
	return nil
}

func (f *fakePersistence) AppendMessages(ctx context.Context, messages []models.DialogMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, messages...)
	return nil
}

func (f *fakePersistence) CountSince(ctx context.Context, key string, since time.Time) (int, error) {
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

func (f *fakePersistence) Insert(ctx context.Context, entry models.RateLimitEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rlRows[entry.Key] = append(f.rlRows[entry.Key], entry.Timestamp)
	return nil
}

func (f *fakePersistence) PurgeOlderThan(ctx context.Context, key string, before time.Time) error {
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

func (f *fakePersistence) InsertAuditEvents(ctx context.Context, events []models.AuditEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audits = append(f.audits, events...)
	return nil
}

func (f *fakePersistence) Ping(ctx context.Context) error { return nil }

// axisEmbedder is a 4-dimensional embedder: axis 0 for "whale" content,
// axis 1 for the town chapter, axis 2 for anything else. Counts provider
// calls.
type axisEmbedder struct {
	calls atomic.Int64
}

func (e *axisEmbedder) Dimensions() int { return 4 }

func (e *axisEmbedder) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	e.calls.Add(1)
	lowered := strings.ToLower(text)
	switch {
	case strings.Contains(lowered, "whale"):
		return []float32{1, 0, 0, 0}, nil
	case strings.Contains(lowered, "town"):
		return []float32{0, 1, 0, 0}, nil
	default:
		return []float32{0, 0, 1, 0}, nil
	}
}

// cannedCompleter streams a fixed answer and counts invocations
type cannedCompleter struct {
	calls  atomic.Int64
	answer string
}

func (p *cannedCompleter) StreamCompletion(ctx context.Context, req completion.Request, emit func(token string) error) (*completion.ProviderUsage, error) {
	p.calls.Add(1)
	for _, word := range strings.SplitAfter(p.answer, " ") {
		if word == "" {
			continue
		}
		if err := emit(word); err != nil {
			return nil, err
		}
	}
	return &completion.ProviderUsage{PromptTokens: 40, CompletionTokens: 12}, nil
}

// collectingEmitter records the event sequence
type collectingEmitter struct {
	mu      sync.Mutex
	order   []string
	sources []models.SourceRef
	tokens  []string
	usage   *models.Usage
	done    *DoneEvent
}

func (e *collectingEmitter) Sources(sources []models.SourceRef) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.order = append(e.order, "sources")
	e.sources = sources
	return nil
}

func (e *collectingEmitter) Token(token string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.order = append(e.order, "token")
	e.tokens = append(e.tokens, token)
	return nil
}

func (e *collectingEmitter) Usage(usage models.Usage) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.order = append(e.order, "usage")
	e.usage = &usage
	return nil
}

func (e *collectingEmitter) Done(done DoneEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.order = append(e.order, "done")
	e.done = &done
	return nil
}

type coreFixture struct {
	core      *Core
	persist   *fakePersistence
	embedder  *axisEmbedder
	completer *cannedCompleter
	bookID    uuid.UUID
	owner     uuid.UUID
}

func newCoreFixture(t *testing.T, public bool) *coreFixture {
	t.Helper()

	persist := newFakePersistence()
	embedder := &axisEmbedder{}
	completer := &cannedCompleter{
		answer: "The whale stands for the limits of human will and for the sea itself. " +
			"Ishmael frames it early in the voyage.",
	}

	owner := uuid.New()
	persist.users[owner] = &models.User{ID: owner, Email: "owner@books.example"}

	bookID := uuid.New()
	persist.books[bookID] = &models.Book{
		ID:      bookID,
		OwnerID: owner,
		Title:   "A Sea Story",
		Public:  public,
	}
	persist.chapters[bookID] = []models.Chapter{
		{BookID: bookID, Idx: 0, Title: "Openings", Text: strings.Repeat("the whale moves through dark water ", 30)},
		{BookID: bookID, Idx: 1, Title: "Ashore", Text: strings.Repeat("the town sleeps under winter rain ", 30)},
	}

	config := DefaultConfig()
	config.Dimensions = 4
	config.CachedChunkDelay = 0

	c, err := New(config, Dependencies{
		Persistence:        persist,
		EmbeddingProvider:  embedder,
		CompletionProvider: completer,
		IdentityProvider:   nil,
		L2:                 nil,
		Logger:             observability.NewNoopLogger(),
		Metrics:            observability.NewNoopMetricsClient(),
	})
	require.NoError(t, err)

	return &coreFixture{
		core:      c,
		persist:   persist,
		embedder:  embedder,
		completer: completer,
		bookID:    bookID,
		owner:     owner,
	}
}

func TestAnswerStream_ColdMissPublicBook(t *testing.T) {
	f := newCoreFixture(t, true)
	emitter := &collectingEmitter{}

	err := f.core.AnswerStream(context.Background(), ChatRequest{
		Message: "summarize the whale chapter",
		BookID:  f.bookID,
	}, models.SecurityContext{}, emitter)
	require.NoError(t, err)

	// Event ordering: sources before tokens, usage and done after.
	require.NotEmpty(t, emitter.order)
	assert.Equal(t, "sources", emitter.order[0])
	assert.Equal(t, "usage", emitter.order[len(emitter.order)-2])
	assert.Equal(t, "done", emitter.order[len(emitter.order)-1])

	require.NotEmpty(t, emitter.sources)
	for _, source := range emitter.sources {
		assert.Equal(t, 0, source.ChapterIdx)
		assert.Greater(t, source.End, source.Start)
	}

	require.NotNil(t, emitter.usage)
	assert.False(t, emitter.usage.Cached)
	assert.Equal(t, int64(1), f.completer.calls.Load())
	require.NotNil(t, emitter.done)
	assert.False(t, emitter.done.Cached)
}

func TestAnswerStream_WarmHitServedFromCache(t *testing.T) {
	f := newCoreFixture(t, true)

	first := &collectingEmitter{}
	require.NoError(t, f.core.AnswerStream(context.Background(), ChatRequest{
		Message: "summarize the whale chapter",
		BookID:  f.bookID,
	}, models.SecurityContext{}, first))

	embedCallsAfterFirst := f.embedder.calls.Load()
	completionCallsAfterFirst := f.completer.calls.Load()

	second := &collectingEmitter{}
	require.NoError(t, f.core.AnswerStream(context.Background(), ChatRequest{
		Message: "summarize the whale chapter",
		BookID:  f.bookID,
	}, models.SecurityContext{}, second))

	// Zero provider calls on the warm path.
	assert.Equal(t, embedCallsAfterFirst, f.embedder.calls.Load())
	assert.Equal(t, completionCallsAfterFirst, f.completer.calls.Load())

	assert.Equal(t, "sources", second.order[0])
	assert.GreaterOrEqual(t, len(second.tokens), 2)
	require.NotNil(t, second.usage)
	assert.True(t, second.usage.Cached)
	require.NotNil(t, second.done)
	assert.True(t, second.done.Cached)

	// The replayed text matches the original answer.
	assert.Equal(t, strings.Join(first.tokens, ""), strings.Join(second.tokens, ""))
}

func TestAnswerStream_PrivateBookAccess(t *testing.T) {
	f := newCoreFixture(t, false)
	stranger := uuid.New()

	// Anonymous requester: unauthenticated.
	err := f.core.AnswerStream(context.Background(), ChatRequest{
		Message: "whale", BookID: f.bookID,
	}, models.SecurityContext{}, &collectingEmitter{})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindUnauthenticated))

	// Wrong user: forbidden before any retrieval or completion.
	err = f.core.AnswerStream(context.Background(), ChatRequest{
		Message: "whale", BookID: f.bookID,
	}, models.SecurityContext{UserID: &stranger, IsAuthenticated: true}, &collectingEmitter{})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindForbidden))
	assert.Equal(t, int64(0), f.completer.calls.Load())
	assert.Equal(t, int64(0), f.embedder.calls.Load())

	// The owner gets an answer.
	emitter := &collectingEmitter{}
	err = f.core.AnswerStream(context.Background(), ChatRequest{
		Message: "the whale chapter", BookID: f.bookID,
	}, models.SecurityContext{UserID: &f.owner, IsAuthenticated: true}, emitter)
	require.NoError(t, err)
	require.NotNil(t, emitter.usage)
}

func TestAnswerStream_RLSCacheIsolation(t *testing.T) {
	f := newCoreFixture(t, true)
	userA := uuid.New()
	userB := uuid.New()

	secA := models.SecurityContext{UserID: &userA, IsAuthenticated: true}
	secB := models.SecurityContext{UserID: &userB, IsAuthenticated: true}

	require.NoError(t, f.core.AnswerStream(context.Background(), ChatRequest{
		Message: "the whale question", BookID: f.bookID,
	}, secA, &collectingEmitter{}))
	callsAfterA := f.completer.calls.Load()

	// The identical message from a different user misses the cache and
	// generates fresh.
	require.NoError(t, f.core.AnswerStream(context.Background(), ChatRequest{
		Message: "the whale question", BookID: f.bookID,
	}, secB, &collectingEmitter{}))
	assert.Equal(t, callsAfterA+1, f.completer.calls.Load())
}

func TestAnswerStream_SimpleQueryAppliesOptimizations(t *testing.T) {
	f := newCoreFixture(t, true)
	emitter := &collectingEmitter{}

	require.NoError(t, f.core.AnswerStream(context.Background(), ChatRequest{
		Message: "define whale",
		BookID:  f.bookID,
	}, models.SecurityContext{}, emitter))

	require.NotNil(t, emitter.usage)
	assert.Equal(t, "aggressive", emitter.usage.BudgetStrategy)
	assert.True(t, emitter.usage.OptimizationApplied)
	assert.GreaterOrEqual(t, emitter.usage.EstimatedSavings, 15.0)
}

func TestAnswerStream_NoContextStillStreams(t *testing.T) {
	f := newCoreFixture(t, true)
	emitter := &collectingEmitter{}

	// Nothing in the book matches this query axis; retrieval comes back
	// empty and the completer runs with an empty context.
	require.NoError(t, f.core.AnswerStream(context.Background(), ChatRequest{
		Message: "gardening advice",
		BookID:  f.bookID,
	}, models.SecurityContext{}, emitter))

	assert.Equal(t, "sources", emitter.order[0])
	assert.Empty(t, emitter.sources)
	assert.NotEmpty(t, emitter.tokens)
	assert.Equal(t, "done", emitter.order[len(emitter.order)-1])
}

func TestAnswerStream_DifferentIntentsKeyedSeparately(t *testing.T) {
	f := newCoreFixture(t, true)

	require.NoError(t, f.core.AnswerStream(context.Background(), ChatRequest{
		Message: "the whale passage", BookID: f.bookID, Intent: "explain",
	}, models.SecurityContext{}, &collectingEmitter{}))
	callsAfterFirst := f.completer.calls.Load()

	require.NoError(t, f.core.AnswerStream(context.Background(), ChatRequest{
		Message: "the whale passage", BookID: f.bookID, Intent: "summarize",
	}, models.SecurityContext{}, &collectingEmitter{}))
	assert.Equal(t, callsAfterFirst+1, f.completer.calls.Load())
}

func TestAnswerStream_DialogPersisted(t *testing.T) {
	f := newCoreFixture(t, true)
	sec := models.SecurityContext{UserID: &f.owner, IsAuthenticated: true}

	require.NoError(t, f.core.AnswerStream(context.Background(), ChatRequest{
		Message: "the whale chapter", BookID: f.bookID,
	}, sec, &collectingEmitter{}))

	f.persist.mu.Lock()
	defer f.persist.mu.Unlock()
	require.Len(t, f.persist.messages, 2)
	assert.Equal(t, "user", f.persist.messages[0].Role)
	assert.Equal(t, "assistant", f.persist.messages[1].Role)
}

func TestQualityRollback_DisablesPredictiveAndPurges(t *testing.T) {
	f := newCoreFixture(t, true)

	require.True(t, f.core.VectorStore.PredictiveEnabled())
	for i := 0; i < 5; i++ {
		f.core.Quality.Record(0.4)
	}
	assert.False(t, f.core.VectorStore.PredictiveEnabled())

	state := f.core.Quality.State()
	assert.Equal(t, true, state["rolled_back"])
}

func TestEnhanceAnswer_RequiresAccess(t *testing.T) {
	f := newCoreFixture(t, false)
	stranger := uuid.New()

	_, _, err := f.core.EnhanceAnswer(context.Background(), ChatRequest{
		Message: "the whale myth", BookID: f.bookID, Intent: "enhance",
	}, models.SecurityContext{UserID: &stranger, IsAuthenticated: true})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindForbidden))
}
