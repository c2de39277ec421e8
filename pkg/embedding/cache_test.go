package embedding

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkwell-ai/inkwell/pkg/observability"
)

type countingProvider struct {
	calls atomic.Int64
	dim   int
}

func (p *countingProvider) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	p.calls.Add(1)
	vector := make([]float32, p.dim)
	for i := range vector {
		vector[i] = float32(len(text) % (i + 2))
	}
	return vector, nil
}

func (p *countingProvider) Dimensions() int { return p.dim }

func newTestCache(provider Provider, ttl time.Duration) *Cache {
	return NewCache(provider, CacheConfig{TTL: ttl}, observability.NewNoopLogger(), observability.NewNoopMetricsClient())
}

func TestEmbed_IdempotentWithinTTL(t *testing.T) {
	provider := &countingProvider{dim: 8}
	cache := newTestCache(provider, time.Hour)

	first, err := cache.Embed(context.Background(), "what is the green light")
	require.NoError(t, err)

	second, err := cache.Embed(context.Background(), "what is the green light")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), provider.calls.Load())
}

func TestEmbed_DistinctTexts(t *testing.T) {
	provider := &countingProvider{dim: 4}
	cache := newTestCache(provider, time.Hour)

	_, err := cache.Embed(context.Background(), "first text")
	require.NoError(t, err)
	_, err = cache.Embed(context.Background(), "second text")
	require.NoError(t, err)

	assert.Equal(t, int64(2), provider.calls.Load())
}

func TestEmbed_ConcurrentSingleCall(t *testing.T) {
	provider := &countingProvider{dim: 4}
	cache := newTestCache(provider, time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cache.Embed(context.Background(), "same question")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), provider.calls.Load())
}

func TestPurgeExpired(t *testing.T) {
	provider := &countingProvider{dim: 4}
	cache := newTestCache(provider, time.Nanosecond)

	_, err := cache.Embed(context.Background(), "ephemeral")
	require.NoError(t, err)

	time.Sleep(time.Millisecond)
	assert.Equal(t, 1, cache.PurgeExpired())

	stats := cache.Stats()
	assert.Equal(t, 0, stats["entries"])
}
