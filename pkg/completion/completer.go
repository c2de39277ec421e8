package completion

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"

	"github.com/sony/gobreaker"

	"github.com/inkwell-ai/inkwell/pkg/apperr"
	"github.com/inkwell-ai/inkwell/pkg/models"
	"github.com/inkwell-ai/inkwell/pkg/observability"
)

// errEarlyStop signals deliberate stream termination from inside the emit
// callback; it never escapes Complete.
var errEarlyStop = errors.New("early stop")

// Completer invokes the completion provider and streams tokens to the
// caller, tracking usage and stopping early once the accumulated answer
// looks complete.
type Completer struct {
	provider Provider
	config   Config
	breaker  *gobreaker.CircuitBreaker
	logger   observability.Logger
	metrics  observability.MetricsClient
}

// StreamResult is the outcome of one streamed completion
type StreamResult struct {
	Text         string
	Usage        models.Usage
	EarlyStopped bool
}

// NewCompleter creates a completer over the given provider
func NewCompleter(provider Provider, config Config, logger observability.Logger, metrics observability.MetricsClient) *Completer {
	if config.EarlyStopConfidence <= 0 || config.EarlyStopConfidence > 1 {
		config.EarlyStopConfidence = 0.9
	}
	if config.EarlyStopMinTokens <= 0 {
		config.EarlyStopMinTokens = 100
	}
	if config.Model == "" {
		config.Model = DefaultConfig().Model
	}
	if logger == nil {
		logger = observability.NewLogger("completion")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &Completer{
		provider: provider,
		config:   config,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name: "completion-provider",
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		logger:  logger,
		metrics: metrics,
	}
}

// Stream runs one completion, forwarding each token to onToken in order.
// Cancellation of ctx stops consumption immediately; no tokens are emitted
// afterwards. The returned usage prefers provider-reported counts and falls
// back to the 4-chars-per-token estimate.
func (c *Completer) Stream(ctx context.Context, prompts Prompts, maxResponseTokens int, onToken func(token string) error) (*StreamResult, error) {
	ctx, span := observability.StartSpan(ctx, "completion.stream")
	defer span.End()

	req := Request{
		Model:             c.config.Model,
		SystemPrompt:      prompts.System,
		UserPrompt:        prompts.User,
		MaxResponseTokens: maxResponseTokens,
		Temperature:       c.config.Temperature,
	}

	var accumulated strings.Builder
	var tokenCount atomic.Int64
	earlyStopped := false

	providerCtx, cancelProvider := context.WithCancel(ctx)
	defer cancelProvider()

	emit := func(token string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := onToken(token); err != nil {
			return err
		}
		accumulated.WriteString(token)
		n := tokenCount.Add(1)

		if int(n) >= c.config.EarlyStopMinTokens {
			if completeness(accumulated.String()) >= c.config.EarlyStopConfidence {
				earlyStopped = true
				return errEarlyStop
			}
		}
		return nil
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		usage, err := c.provider.StreamCompletion(providerCtx, req, emit)
		if err != nil && !errors.Is(err, errEarlyStop) {
			return nil, err
		}
		return usage, nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperr.ErrTimeout
		}
		span.RecordError(err)
		c.metrics.IncrementCounterWithLabels("completion.provider_error", 1, nil)
		return nil, apperr.Wrap(apperr.KindDependency, "completion_unavailable",
			"completion provider unavailable", err)
	}

	text := accumulated.String()
	usage := c.buildUsage(result, prompts, text)

	if earlyStopped {
		c.metrics.IncrementCounterWithLabels("completion.early_stop", 1, nil)
	}
	c.metrics.IncrementCounterWithLabels("completion.stream", 1, nil)

	return &StreamResult{
		Text:         text,
		Usage:        usage,
		EarlyStopped: earlyStopped,
	}, nil
}

// buildUsage prefers provider-reported counts over local estimates
func (c *Completer) buildUsage(result interface{}, prompts Prompts, text string) models.Usage {
	promptTokens := (len(prompts.System) + len(prompts.User) + 3) / 4
	completionTokens := (len(text) + 3) / 4

	if reported, ok := result.(*ProviderUsage); ok && reported != nil {
		if reported.PromptTokens > 0 {
			promptTokens = reported.PromptTokens
		}
		if reported.CompletionTokens > 0 {
			completionTokens = reported.CompletionTokens
		}
	}

	total := promptTokens + completionTokens
	return models.Usage{
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      total,
		CostUSD:          float64(total) / 1000 * c.config.CostPerThousandTokens,
		ModelUsed:        c.config.Model,
	}
}

// sentenceEnders terminate a complete sentence
const sentenceEnders = ".!?"

// completeness estimates how finished the accumulated answer looks from
// sentence structure: at least one complete sentence, terminal punctuation,
// and a sane average sentence length.
func completeness(text string) float64 {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}

	sentences := 0
	for _, r := range trimmed {
		if strings.ContainsRune(sentenceEnders, r) {
			sentences++
		}
	}

	score := 0.0
	if sentences >= 1 {
		score += 0.4
	}
	if strings.ContainsRune(sentenceEnders, rune(trimmed[len(trimmed)-1])) {
		score += 0.4
	}

	words := len(strings.Fields(trimmed))
	if sentences > 0 {
		avg := float64(words) / float64(sentences)
		if avg >= 5 && avg <= 35 {
			score += 0.2
		}
	}

	return score
}
