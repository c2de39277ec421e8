// Package providers supplies the embedding and completion provider
// implementations used at process start: HTTP-backed clients when endpoints
// are configured, deterministic local stand-ins otherwise (development and
// tests only; the models themselves are external collaborators).
package providers

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/inkwell-ai/inkwell/pkg/completion"
	"github.com/inkwell-ai/inkwell/pkg/embedding"
	"github.com/inkwell-ai/inkwell/pkg/observability"
)

// FromEnv builds providers from INKWELL_EMBEDDING_URL and
// INKWELL_COMPLETION_URL, falling back to local stand-ins.
func FromEnv(dimensions int, logger observability.Logger) (embedding.Provider, completion.Provider) {
	client := &http.Client{Timeout: 60 * time.Second}

	var embedProvider embedding.Provider
	if url := os.Getenv("INKWELL_EMBEDDING_URL"); url != "" {
		embedProvider = &httpEmbedder{url: url, dimensions: dimensions, client: client}
	} else {
		logger.Warn("No embedding endpoint configured, using local stand-in", nil)
		embedProvider = &localEmbedder{dimensions: dimensions}
	}

	var completeProvider completion.Provider
	if url := os.Getenv("INKWELL_COMPLETION_URL"); url != "" {
		completeProvider = &httpCompleter{url: url, client: client}
	} else {
		logger.Warn("No completion endpoint configured, using local stand-in", nil)
		completeProvider = &localCompleter{}
	}

	return embedProvider, completeProvider
}

// httpEmbedder posts text to an embedding service
type httpEmbedder struct {
	url        string
	dimensions int
	client     *http.Client
}

func (p *httpEmbedder) Dimensions() int { return p.dimensions }

func (p *httpEmbedder) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	payload, err := json.Marshal(map[string]string{"input": text})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding service returned %d", resp.StatusCode)
	}

	var body struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	if len(body.Embedding) != p.dimensions {
		return nil, fmt.Errorf("embedding service returned %d dimensions, expected %d",
			len(body.Embedding), p.dimensions)
	}
	return body.Embedding, nil
}

// httpCompleter streams newline-delimited token chunks from a completion
// service.
type httpCompleter struct {
	url    string
	client *http.Client
}

func (p *httpCompleter) StreamCompletion(ctx context.Context, req completion.Request, emit func(token string) error) (*completion.ProviderUsage, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"model":       req.Model,
		"system":      req.SystemPrompt,
		"user":        req.UserPrompt,
		"max_tokens":  req.MaxResponseTokens,
		"temperature": req.Temperature,
		"stream":      true,
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("completion service returned %d", resp.StatusCode)
	}

	var usage *completion.ProviderUsage
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var chunk struct {
			Token string                    `json:"token"`
			Usage *completion.ProviderUsage `json:"usage"`
		}
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		if chunk.Token != "" {
			if err := emit(chunk.Token); err != nil {
				return usage, err
			}
		}
	}
	return usage, scanner.Err()
}

// localEmbedder hashes token features into a fixed vector. Deterministic,
// so identical text always embeds identically.
type localEmbedder struct {
	dimensions int
}

func (p *localEmbedder) Dimensions() int { return p.dimensions }

func (p *localEmbedder) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	vector := make([]float32, p.dimensions)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		sum := sha256.Sum256([]byte(word))
		idx := (int(sum[0])<<8 | int(sum[1])) % p.dimensions
		vector[idx] += 1
	}

	var norm float32
	for _, v := range vector {
		norm += v * v
	}
	if norm > 0 {
		inv := 1 / float32(math.Sqrt(float64(norm)))
		for i := range vector {
			vector[i] *= inv
		}
	}
	return vector, nil
}

// localCompleter echoes a canned grounded reply
type localCompleter struct{}

func (p *localCompleter) StreamCompletion(ctx context.Context, req completion.Request, emit func(token string) error) (*completion.ProviderUsage, error) {
	reply := "The configured completion endpoint is absent, so this is a development placeholder answer. "
	for _, word := range strings.SplitAfter(reply, " ") {
		if word == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := emit(word); err != nil {
			return nil, err
		}
	}
	return nil, nil
}
