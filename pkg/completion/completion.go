// Package completion builds prompts from selected context and streams model
// output to the caller with token accounting and in-flight early stopping.
package completion

import (
	"context"
)

// Request is one completion invocation
type Request struct {
	Model             string
	SystemPrompt      string
	UserPrompt        string
	MaxResponseTokens int
	Temperature       float64
}

// ProviderUsage is the provider-reported token accounting; a nil usage or a
// zero count falls back to the 4-chars-per-token estimate.
type ProviderUsage struct {
	PromptTokens     int
	CompletionTokens int
}

// Provider produces a streamed textual response from a prompt. The emit
// callback receives each token fragment in order; returning an error from it
// stops consumption. Usage may be nil when the provider does not report
// counts.
type Provider interface {
	StreamCompletion(ctx context.Context, req Request, emit func(token string) error) (*ProviderUsage, error)
}

// Config configures the completer
type Config struct {
	// Model is the provider model identifier
	Model string `mapstructure:"model"`
	// Temperature for generation
	Temperature float64 `mapstructure:"temperature"`
	// EarlyStopConfidence is the completeness threshold for early stopping
	EarlyStopConfidence float64 `mapstructure:"early_stop_confidence"`
	// EarlyStopMinTokens is the minimum output before early stop is considered
	EarlyStopMinTokens int `mapstructure:"early_stop_min_tokens"`
	// CostPerThousandTokens prices usage for the cost_usd field
	CostPerThousandTokens float64 `mapstructure:"cost_per_thousand_tokens"`
}

// DefaultConfig returns the default completer configuration
func DefaultConfig() Config {
	return Config{
		Model:                 "inkwell-chat-1",
		Temperature:           0.7,
		EarlyStopConfidence:   0.9,
		EarlyStopMinTokens:    100,
		CostPerThousandTokens: 0.002,
	}
}
