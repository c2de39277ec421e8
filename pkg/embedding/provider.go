// Package embedding defines the embedding provider contract, a
// content-addressed embedding cache, and a resilient provider wrapper with
// circuit breaking and bounded retry.
package embedding

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/inkwell-ai/inkwell/pkg/apperr"
	"github.com/inkwell-ai/inkwell/pkg/observability"
)

// Provider maps text to a fixed-dimensional vector
type Provider interface {
	// GenerateEmbedding embeds the given text. The returned vector always has
	// Dimensions() elements.
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the fixed vector dimension
	Dimensions() int
}

// ResilientProvider wraps a Provider with a circuit breaker and exponential
// backoff retry for transient failures. Permanent failures surface immediately
// as dependency errors.
type ResilientProvider struct {
	inner   Provider
	breaker *gobreaker.CircuitBreaker
	logger  observability.Logger
	metrics observability.MetricsClient

	maxRetries  uint64
	maxInterval time.Duration
}

// ResilientConfig configures the resilient wrapper
type ResilientConfig struct {
	MaxRetries       uint64        `mapstructure:"max_retries"`
	MaxretryInterval time.Duration `mapstructure:"max_retry_interval"`
	BreakerThreshold uint32        `mapstructure:"breaker_threshold"`
	BreakerTimeout   time.Duration `mapstructure:"breaker_timeout"`
}

// DefaultResilientConfig returns sensible defaults
func DefaultResilientConfig() ResilientConfig {
	return ResilientConfig{
		MaxRetries:       3,
		MaxretryInterval: 2 * time.Second,
		BreakerThreshold: 5,
		BreakerTimeout:   30 * time.Second,
	}
}

// NewResilientProvider wraps a provider with retry and circuit breaking
func NewResilientProvider(inner Provider, config ResilientConfig, logger observability.Logger, metrics observability.MetricsClient) *ResilientProvider {
	if logger == nil {
		logger = observability.NewLogger("embedding")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}

	settings := gobreaker.Settings{
		Name:    "embedding-provider",
		Timeout: config.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.BreakerThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Embedding provider breaker state change", map[string]interface{}{
				"from": from.String(),
				"to":   to.String(),
			})
		},
	}

	return &ResilientProvider{
		inner:       inner,
		breaker:     gobreaker.NewCircuitBreaker(settings),
		logger:      logger,
		metrics:     metrics,
		maxRetries:  config.MaxRetries,
		maxInterval: config.MaxretryInterval,
	}
}

// Dimensions returns the wrapped provider's dimension
func (p *ResilientProvider) Dimensions() int {
	return p.inner.Dimensions()
}

// GenerateEmbedding embeds text, retrying transient failures with exponential
// backoff under the circuit breaker.
func (p *ResilientProvider) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	var vector []float32

	operation := func() error {
		result, err := p.breaker.Execute(func() (interface{}, error) {
			return p.inner.GenerateEmbedding(ctx, text)
		})
		if err != nil {
			if !isTransient(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		vector = result.([]float32)
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(newExponentialBackoff(p.maxInterval), p.maxRetries), ctx)

	if err := backoff.Retry(operation, policy); err != nil {
		p.metrics.IncrementCounterWithLabels("embedding.provider_error", 1, nil)
		return nil, apperr.Wrap(apperr.KindDependency, "embedding_unavailable",
			"embedding provider unavailable", err)
	}

	p.metrics.IncrementCounterWithLabels("embedding.provider_call", 1, nil)
	return vector, nil
}

func newExponentialBackoff(maxInterval time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = maxInterval
	return b
}

// isTransient classifies provider failures worth retrying: network faults,
// timeouts, and provider-reported 5xx conditions.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"timeout", "temporarily", "connection refused", "connection reset", "503", "502", "500", "overloaded"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
