package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkwell-ai/inkwell/pkg/models"
	"github.com/inkwell-ai/inkwell/pkg/observability"
)

// memoryStore is an in-memory Store for tests
type memoryStore struct {
	mu      sync.Mutex
	rows    map[string][]time.Time
	failing bool
}

func newMemoryStore() *memoryStore {
	return &memoryStore{rows: make(map[string][]time.Time)}
}

func (s *memoryStore) CountSince(ctx context.Context, key string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return 0, errors.New("store down")
	}
	count := 0
	for _, ts := range s.rows[key] {
		if ts.After(since) {
			count++
		}
	}
	return count, nil
}

func (s *memoryStore) Insert(ctx context.Context, entry models.RateLimitEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errors.New("store down")
	}
	s.rows[entry.Key] = append(s.rows[entry.Key], entry.Timestamp)
	return nil
}

func (s *memoryStore) PurgeOlderThan(ctx context.Context, key string, before time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errors.New("store down")
	}
	kept := s.rows[key][:0]
	for _, ts := range s.rows[key] {
		if ts.After(before) {
			kept = append(kept, ts)
		}
	}
	s.rows[key] = kept
	return nil
}

func newTestLimiter(store Store) *Limiter {
	return New(store, DefaultConfig(), observability.NewNoopLogger(), observability.NewNoopMetricsClient())
}

func TestCheck_AllowsUpToMax(t *testing.T) {
	store := newMemoryStore()
	l := newTestLimiter(store)
	meta := models.RateLimitEntry{IPAddress: "10.0.0.1", Endpoint: "/auth"}

	for i := 0; i < 5; i++ {
		decision := l.Check(context.Background(), CategoryAuth, "10.0.0.1", meta)
		require.True(t, decision.Allowed, "attempt %d should be admitted", i+1)
		assert.Equal(t, 5-i-1, decision.Remaining)
	}

	denied := l.Check(context.Background(), CategoryAuth, "10.0.0.1", meta)
	assert.False(t, denied.Allowed)
	assert.Equal(t, 0, denied.Remaining)
	assert.Equal(t, 15*time.Minute, denied.RetryAfter)
}

func TestCheck_WindowExpiryReadmits(t *testing.T) {
	store := newMemoryStore()
	l := newTestLimiter(store)
	meta := models.RateLimitEntry{IPAddress: "10.0.0.2"}

	for i := 0; i < 5; i++ {
		require.True(t, l.Check(context.Background(), CategoryAuth, "10.0.0.2", meta).Allowed)
	}
	require.False(t, l.Check(context.Background(), CategoryAuth, "10.0.0.2", meta).Allowed)

	// Age all rows past the window; the next attempt is admitted.
	store.mu.Lock()
	for key, times := range store.rows {
		for i := range times {
			times[i] = times[i].Add(-16 * time.Minute)
		}
		store.rows[key] = times
	}
	store.mu.Unlock()

	assert.True(t, l.Check(context.Background(), CategoryAuth, "10.0.0.2", meta).Allowed)
}

func TestCheck_FailsClosed(t *testing.T) {
	store := newMemoryStore()
	store.failing = true
	l := newTestLimiter(store)

	decision := l.Check(context.Background(), CategoryChat, "10.0.0.3", models.RateLimitEntry{})
	assert.False(t, decision.Allowed)
	assert.Greater(t, decision.RetryAfter, time.Duration(0))
}

func TestCheck_KeysAreIndependent(t *testing.T) {
	store := newMemoryStore()
	l := newTestLimiter(store)
	meta := models.RateLimitEntry{}

	for i := 0; i < 5; i++ {
		require.True(t, l.Check(context.Background(), CategoryAuth, "ip-a", meta).Allowed)
	}
	require.False(t, l.Check(context.Background(), CategoryAuth, "ip-a", meta).Allowed)

	// A different identifier has its own window.
	assert.True(t, l.Check(context.Background(), CategoryAuth, "ip-b", meta).Allowed)
	// A different category for the same identifier has its own window too.
	assert.True(t, l.Check(context.Background(), CategoryChat, "ip-a", meta).Allowed)
}

func TestCheck_UnknownCategoryFallsBackToGeneral(t *testing.T) {
	store := newMemoryStore()
	l := newTestLimiter(store)

	decision := l.Check(context.Background(), Category("mystery"), "ip", models.RateLimitEntry{})
	assert.True(t, decision.Allowed)
	assert.Equal(t, DefaultConfig().Limits[CategoryGeneral].MaxRequests, decision.Limit)
}

func TestAllowGlobal(t *testing.T) {
	l := New(newMemoryStore(), Config{GlobalRPS: 1, GlobalBurst: 2}, observability.NewNoopLogger(), observability.NewNoopMetricsClient())

	assert.True(t, l.AllowGlobal())
	assert.True(t, l.AllowGlobal())
	// Burst exhausted.
	assert.False(t, l.AllowGlobal())
}
