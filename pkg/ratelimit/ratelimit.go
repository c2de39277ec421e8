// Package ratelimit enforces per-category sliding-window quotas backed by
// the persistence adapter, with an in-process global limiter in front. The
// limiter fails closed: any backing-store error denies the request.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/inkwell-ai/inkwell/pkg/models"
	"github.com/inkwell-ai/inkwell/pkg/observability"
)

// Category of rate-limited traffic
type Category string

// Categories
const (
	CategoryAuth      Category = "auth"
	CategoryGeneral   Category = "general"
	CategoryUpload    Category = "upload"
	CategoryChat      Category = "chat"
	CategoryAutoNotes Category = "auto-notes"
)

// Store holds the sliding-window rows. Implemented by the persistence
// adapter; counting relies on the store's transactional guarantees.
type Store interface {
	CountSince(ctx context.Context, key string, since time.Time) (int, error)
	Insert(ctx context.Context, entry models.RateLimitEntry) error
	PurgeOlderThan(ctx context.Context, key string, before time.Time) error
}

// Limit is one category's quota
type Limit struct {
	MaxRequests int           `mapstructure:"max"`
	Window      time.Duration `mapstructure:"window"`
}

// Config maps categories to their quotas
type Config struct {
	Limits map[Category]Limit `mapstructure:"limits"`
	// GlobalRPS bounds total request throughput in-process
	GlobalRPS int `mapstructure:"global_rps"`
	// GlobalBurst is the in-process burst allowance
	GlobalBurst int `mapstructure:"global_burst"`
}

// DefaultConfig returns per-category defaults
func DefaultConfig() Config {
	return Config{
		Limits: map[Category]Limit{
			CategoryAuth:      {MaxRequests: 5, Window: 15 * time.Minute},
			CategoryGeneral:   {MaxRequests: 120, Window: time.Minute},
			CategoryUpload:    {MaxRequests: 10, Window: time.Minute},
			CategoryChat:      {MaxRequests: 30, Window: time.Minute},
			CategoryAutoNotes: {MaxRequests: 20, Window: time.Minute},
		},
		GlobalRPS:   200,
		GlobalBurst: 400,
	}
}

// Decision is the limiter's verdict for one request
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	ResetAt    time.Time
}

// Limiter applies sliding-window limits per category and identifier
type Limiter struct {
	store   Store
	config  Config
	global  *rate.Limiter
	logger  observability.Logger
	metrics observability.MetricsClient
}

// New creates a limiter over the given store
func New(store Store, config Config, logger observability.Logger, metrics observability.MetricsClient) *Limiter {
	if len(config.Limits) == 0 {
		config.Limits = DefaultConfig().Limits
	}
	if config.GlobalRPS <= 0 {
		config.GlobalRPS = 200
	}
	if config.GlobalBurst <= 0 {
		config.GlobalBurst = config.GlobalRPS * 2
	}
	if logger == nil {
		logger = observability.NewLogger("ratelimit")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &Limiter{
		store:   store,
		config:  config,
		global:  rate.NewLimiter(rate.Limit(config.GlobalRPS), config.GlobalBurst),
		logger:  logger,
		metrics: metrics,
	}
}

// AllowGlobal applies the in-process throughput bound
func (l *Limiter) AllowGlobal() bool {
	return l.global.Allow()
}

// Check applies the sliding window for one category and identifier: purge
// rows older than the window, count the rest, deny at the cap, insert a row
// and allow otherwise. Store errors deny the request.
func (l *Limiter) Check(ctx context.Context, category Category, identifier string, meta models.RateLimitEntry) Decision {
	limit, ok := l.config.Limits[category]
	if !ok {
		limit = l.config.Limits[CategoryGeneral]
	}

	key := fmt.Sprintf("%s:%s", category, identifier)
	now := time.Now()
	windowStart := now.Add(-limit.Window)

	deny := func(reason string, err error) Decision {
		fields := map[string]interface{}{"key": key, "reason": reason}
		if err != nil {
			fields["error"] = err.Error()
		}
		l.logger.Warn("Rate limit denied", fields)
		l.metrics.IncrementCounterWithLabels("ratelimit.denied", 1, map[string]string{
			"category": string(category),
			"reason":   reason,
		})
		return Decision{
			Allowed:    false,
			Limit:      limit.MaxRequests,
			Remaining:  0,
			RetryAfter: limit.Window,
			ResetAt:    now.Add(limit.Window),
		}
	}

	if err := l.store.PurgeOlderThan(ctx, key, windowStart); err != nil {
		// Fail closed.
		return deny("store_error", err)
	}

	count, err := l.store.CountSince(ctx, key, windowStart)
	if err != nil {
		return deny("store_error", err)
	}

	if count >= limit.MaxRequests {
		return deny("window_exceeded", nil)
	}

	meta.Key = key
	meta.Timestamp = now
	if err := l.store.Insert(ctx, meta); err != nil {
		return deny("store_error", err)
	}

	l.metrics.IncrementCounterWithLabels("ratelimit.allowed", 1, map[string]string{
		"category": string(category),
	})
	return Decision{
		Allowed:   true,
		Limit:     limit.MaxRequests,
		Remaining: limit.MaxRequests - count - 1,
		ResetAt:   now.Add(limit.Window),
	}
}

// Peek applies the sliding window without recording the request. Used for
// failure-counted categories (auth) where only unsuccessful attempts insert
// rows. Store errors deny the request.
func (l *Limiter) Peek(ctx context.Context, category Category, identifier string) Decision {
	limit, ok := l.config.Limits[category]
	if !ok {
		limit = l.config.Limits[CategoryGeneral]
	}

	key := fmt.Sprintf("%s:%s", category, identifier)
	now := time.Now()
	windowStart := now.Add(-limit.Window)

	denied := Decision{
		Allowed:    false,
		Limit:      limit.MaxRequests,
		Remaining:  0,
		RetryAfter: limit.Window,
		ResetAt:    now.Add(limit.Window),
	}

	if err := l.store.PurgeOlderThan(ctx, key, windowStart); err != nil {
		return denied
	}
	count, err := l.store.CountSince(ctx, key, windowStart)
	if err != nil {
		return denied
	}
	if count >= limit.MaxRequests {
		l.metrics.IncrementCounterWithLabels("ratelimit.denied", 1, map[string]string{
			"category": string(category),
			"reason":   "window_exceeded",
		})
		return denied
	}

	return Decision{
		Allowed:   true,
		Limit:     limit.MaxRequests,
		Remaining: limit.MaxRequests - count,
		ResetAt:   now.Add(limit.Window),
	}
}

// Record inserts one row for a counted event (a failed auth attempt)
func (l *Limiter) Record(ctx context.Context, category Category, identifier string, meta models.RateLimitEntry) {
	meta.Key = fmt.Sprintf("%s:%s", category, identifier)
	meta.Timestamp = time.Now()
	if err := l.store.Insert(ctx, meta); err != nil {
		l.logger.Warn("Rate limit record failed", map[string]interface{}{
			"key":   meta.Key,
			"error": err.Error(),
		})
	}
}

// Stats summarizes configured quotas for the stats surface
func (l *Limiter) Stats() map[string]interface{} {
	limits := make(map[string]interface{}, len(l.config.Limits))
	for category, limit := range l.config.Limits {
		limits[string(category)] = map[string]interface{}{
			"max":       limit.MaxRequests,
			"window_ms": limit.Window.Milliseconds(),
		}
	}
	return map[string]interface{}{
		"limits":     limits,
		"global_rps": l.config.GlobalRPS,
	}
}
