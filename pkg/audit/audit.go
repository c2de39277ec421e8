// Package audit buffers security and cache decisions in memory and flushes
// them to persistence on its own schedule. The buffer is bounded: under
// pressure the oldest events are dropped rather than blocking request paths.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/inkwell-ai/inkwell/pkg/cache"
	"github.com/inkwell-ai/inkwell/pkg/models"
	"github.com/inkwell-ai/inkwell/pkg/observability"
)

// Store persists audit rows. Implemented by the persistence adapter.
type Store interface {
	InsertAuditEvents(ctx context.Context, events []models.AuditEvent) error
}

// Config configures the audit sink
type Config struct {
	// BufferSize bounds the in-memory queue
	BufferSize int `mapstructure:"buffer_size"`
	// FlushInterval drives the background flusher
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// DefaultConfig returns the default audit configuration
func DefaultConfig() Config {
	return Config{
		BufferSize:    1000,
		FlushInterval: 10 * time.Second,
	}
}

// Sink is the append-only audit stream
type Sink struct {
	store   Store
	config  Config
	logger  observability.Logger
	metrics observability.MetricsClient

	mu      sync.Mutex
	buffer  []models.AuditEvent
	dropped int64
}

// NewSink creates an audit sink over the given store
func NewSink(store Store, config Config, logger observability.Logger, metrics observability.MetricsClient) *Sink {
	if config.BufferSize <= 0 {
		config.BufferSize = 1000
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 10 * time.Second
	}
	if logger == nil {
		logger = observability.NewLogger("audit")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &Sink{
		store:   store,
		config:  config,
		logger:  logger,
		metrics: metrics,
	}
}

// Record appends an event to the buffer, dropping the oldest on overflow
func (s *Sink) Record(event models.AuditEvent) {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.buffer) >= s.config.BufferSize {
		s.buffer = s.buffer[1:]
		s.dropped++
	}
	s.buffer = append(s.buffer, event)
}

// CacheObserver adapts cache events into audit records. Only
// security-relevant decisions are persisted.
func (s *Sink) CacheObserver() cache.Observer {
	return func(e cache.Event) {
		switch e.Type {
		case cache.EventPolicyBlock, cache.EventViolation, cache.EventInvalidate:
			s.Record(models.AuditEvent{
				EventType: "cache_" + string(e.Type),
				Details: map[string]interface{}{
					"key":    e.Key,
					"layer":  e.Layer,
					"reason": e.Reason,
				},
				Severity: "warning",
			})
		}
	}
}

// Flush writes buffered events to the store. On failure the events return to
// the buffer for the next attempt.
func (s *Sink) Flush(ctx context.Context) error {
	s.mu.Lock()
	events := s.buffer
	s.buffer = nil
	s.mu.Unlock()

	if len(events) == 0 {
		return nil
	}

	if err := s.store.InsertAuditEvents(ctx, events); err != nil {
		s.logger.Warn("Audit flush failed, retaining events", map[string]interface{}{
			"error":  err.Error(),
			"events": len(events),
		})
		s.mu.Lock()
		s.buffer = append(events, s.buffer...)
		if len(s.buffer) > s.config.BufferSize {
			s.dropped += int64(len(s.buffer) - s.config.BufferSize)
			s.buffer = s.buffer[len(s.buffer)-s.config.BufferSize:]
		}
		s.mu.Unlock()
		return err
	}

	s.metrics.IncrementCounterWithLabels("audit.flushed", float64(len(events)), nil)
	return nil
}

// Run flushes on the configured interval until ctx is done, with a final
// flush on shutdown.
func (s *Sink) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = s.Flush(context.Background())
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = s.Flush(flushCtx)
			cancel()
			return
		}
	}
}

// Pending returns the buffered event count
func (s *Sink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}
