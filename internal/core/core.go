// Package core wires the request-fulfillment subsystems into one explicit
// value constructed at process start, owns the background housekeepers, and
// runs the answer pipeline.
package core

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/inkwell-ai/inkwell/pkg/audit"
	"github.com/inkwell-ai/inkwell/pkg/auth"
	"github.com/inkwell-ai/inkwell/pkg/budget"
	"github.com/inkwell-ai/inkwell/pkg/cache"
	"github.com/inkwell-ai/inkwell/pkg/chunker"
	"github.com/inkwell-ai/inkwell/pkg/completion"
	"github.com/inkwell-ai/inkwell/pkg/embedding"
	"github.com/inkwell-ai/inkwell/pkg/enhance"
	"github.com/inkwell-ai/inkwell/pkg/models"
	"github.com/inkwell-ai/inkwell/pkg/observability"
	"github.com/inkwell-ai/inkwell/pkg/rag"
	"github.com/inkwell-ai/inkwell/pkg/ratelimit"
	"github.com/inkwell-ai/inkwell/pkg/vectorindex"
	"github.com/inkwell-ai/inkwell/pkg/vectorstore"
)

// Persistence is the durable-row surface the core depends on
type Persistence interface {
	rag.ChapterStore
	auth.UserStore
	ratelimit.Store
	audit.Store

	GetBook(ctx context.Context, id uuid.UUID) (*models.Book, error)
	GetDialog(ctx context.Context, id uuid.UUID) (*models.Dialog, error)
	CreateDialog(ctx context.Context, dialog *models.Dialog) error
	AppendMessages(ctx context.Context, messages []models.DialogMessage) error
	Ping(ctx context.Context) error
}

// Config carries the subsystem configurations
type Config struct {
	Chunker    chunker.Config          `mapstructure:"chunker"`
	Retriever  rag.Config              `mapstructure:"retriever"`
	Budget     budget.Config           `mapstructure:"budget"`
	Cache      cache.Config            `mapstructure:"cache"`
	Embedding  embedding.CacheConfig   `mapstructure:"embedding"`
	Completion completion.Config       `mapstructure:"completion"`
	Vector     vectorstore.Config      `mapstructure:"vector"`
	Auth       auth.Config             `mapstructure:"auth"`
	RateLimit  ratelimit.Config        `mapstructure:"rate_limit"`
	Audit      audit.Config            `mapstructure:"audit"`
	Resilience embedding.ResilientConfig `mapstructure:"resilience"`

	// Dimensions is the embedding vector dimension
	Dimensions int `mapstructure:"dimensions"`
	// CachedChunkDelay paces pseudo-streamed cached answers
	CachedChunkDelay time.Duration `mapstructure:"cached_chunk_delay"`
}

// DefaultConfig returns the default core configuration
func DefaultConfig() Config {
	return Config{
		Chunker:          chunker.DefaultConfig(),
		Retriever:        rag.DefaultConfig(),
		Budget:           budget.DefaultConfig(),
		Cache:            cache.DefaultConfig(),
		Embedding:        embedding.DefaultCacheConfig(),
		Completion:       completion.DefaultConfig(),
		Vector:           vectorstore.DefaultConfig(),
		Auth:             auth.DefaultConfig(),
		RateLimit:        ratelimit.DefaultConfig(),
		Audit:            audit.DefaultConfig(),
		Resilience:       embedding.DefaultResilientConfig(),
		Dimensions:       vectorindex.DefaultDimensions,
		CachedChunkDelay: 15 * time.Millisecond,
	}
}

// Core holds every subsystem of the request path. No module upstream of the
// cache depends on it; the dependency direction is
// Validator -> RateLimiter -> Auth -> Cache -> Budget -> Retriever ->
// Completer -> AuditSink.
type Core struct {
	Config Config

	Logger  observability.Logger
	Metrics observability.MetricsClient

	Persistence Persistence
	Auth        *auth.Facade
	RateLimiter *ratelimit.Limiter
	Cache       *cache.MultiLayerCache
	Budget      *budget.Manager
	Quality     *budget.QualityMonitor
	EmbedCache  *embedding.Cache
	Retriever   *rag.Retriever
	Reranker    *rag.MMR
	Completer   *completion.Completer
	Enhancer    *enhance.Enhancer
	VectorIndex *vectorindex.Index
	VectorStore *vectorstore.Store
	Audit       *audit.Sink

	housekeeperCancel context.CancelFunc
	housekeeperWG     sync.WaitGroup
	shutdownOnce      sync.Once
}

// Dependencies are the external collaborators injected at construction
type Dependencies struct {
	Persistence        Persistence
	EmbeddingProvider  embedding.Provider
	CompletionProvider completion.Provider
	IdentityProvider   auth.IdentityProvider
	L2                 cache.L2
	Logger             observability.Logger
	Metrics            observability.MetricsClient
}

// New constructs the Core and subscribes the audit sink to cache events.
// Housekeepers are not started until StartHousekeepers is called.
func New(config Config, deps Dependencies) (*Core, error) {
	logger := deps.Logger
	if logger == nil {
		logger = observability.NewLogger("core")
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = observability.NewMetricsClient()
	}

	auditSink := audit.NewSink(deps.Persistence, config.Audit, logger.WithPrefix("audit"), metrics)

	resilientEmbedder := embedding.NewResilientProvider(
		deps.EmbeddingProvider, config.Resilience, logger.WithPrefix("embedding"), metrics)
	embedCache := embedding.NewCache(resilientEmbedder, config.Embedding, logger.WithPrefix("embedding.cache"), metrics)

	layeredCache, err := cache.New(config.Cache, deps.L2, cache.NewKeyGenerator(), logger.WithPrefix("cache"), metrics)
	if err != nil {
		return nil, err
	}
	layeredCache.Subscribe(auditSink.CacheObserver())

	index := vectorindex.New(config.Dimensions)
	store := vectorstore.New(index, config.Vector, logger.WithPrefix("vectorstore"), metrics)

	retriever := rag.NewRetriever(deps.Persistence, embedCache, chunker.New(config.Chunker),
		config.Retriever, logger.WithPrefix("rag"), metrics)

	completer := completion.NewCompleter(deps.CompletionProvider, config.Completion,
		logger.WithPrefix("completion"), metrics)

	enhancer, err := enhance.NewEnhancer(deps.CompletionProvider, config.Completion.Model,
		logger.WithPrefix("enhance"), metrics)
	if err != nil {
		return nil, err
	}

	budgetManager := budget.NewManager(config.Budget, logger.WithPrefix("budget"), metrics)

	c := &Core{
		Config:      config,
		Logger:      logger,
		Metrics:     metrics,
		Persistence: deps.Persistence,
		Auth: auth.New(deps.IdentityProvider, deps.Persistence, auditSink, config.Auth,
			logger.WithPrefix("auth"), metrics),
		RateLimiter: ratelimit.New(deps.Persistence, config.RateLimit, logger.WithPrefix("ratelimit"), metrics),
		Cache:       layeredCache,
		Budget:      budgetManager,
		EmbedCache:  embedCache,
		Retriever:   retriever,
		Reranker:    rag.NewMMR(config.Retriever.MMRLambda),
		Completer:   completer,
		Enhancer:    enhancer,
		VectorIndex: index,
		VectorStore: store,
		Audit:       auditSink,
	}

	// Quality rollback: suspend predictive precomputation and purge
	// low-quality semantic entries; direct caches keep serving.
	c.Quality = budget.NewQualityMonitor(logger.WithPrefix("quality"), func(floor float64, cooldown time.Duration) {
		store.DisablePredictive(cooldown)
		purged := layeredCache.PurgeLowQuality(floor)
		logger.Warn("Quality rollback applied", map[string]interface{}{
			"purged_entries": purged,
			"cooldown":       cooldown.String(),
		})
	})

	return c, nil
}

// Shutdown stops housekeepers, flushes the audit buffer, and closes the
// metrics client. Idempotent.
func (c *Core) Shutdown(ctx context.Context) error {
	var err error
	c.shutdownOnce.Do(func() {
		if c.housekeeperCancel != nil {
			c.housekeeperCancel()
		}
		c.housekeeperWG.Wait()

		if flushErr := c.Audit.Flush(ctx); flushErr != nil {
			err = flushErr
		}
		_ = c.Metrics.Close()
		c.Logger.Info("Core shutdown complete", nil)
	})
	return err
}
