// Package enhance produces structured knowledge artifacts for enhance-intent
// requests: concepts, historical and cultural background, and connections,
// validated against a schema and scored for quality with a fallback path.
package enhance

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/inkwell-ai/inkwell/pkg/apperr"
	"github.com/inkwell-ai/inkwell/pkg/completion"
	"github.com/inkwell-ai/inkwell/pkg/models"
	"github.com/inkwell-ai/inkwell/pkg/observability"
	"github.com/inkwell-ai/inkwell/pkg/textnorm"
)

// Category of an enhancement selection
type Category string

// Selection categories
const (
	CategoryConcept    Category = "concept"
	CategoryHistorical Category = "historical"
	CategoryCultural   Category = "cultural"
	CategoryGeneral    Category = "general"
)

// Item caps enforced on the artifact
const (
	MaxConcepts    = 5
	MaxHistorical  = 3
	MaxCultural    = 3
	MaxConnections = 4
)

// qualityFloor triggers the fallback regeneration
const qualityFloor = 0.7

// categoryKeywords classifies a selection by keyword presence
var categoryKeywords = map[Category][]string{
	CategoryConcept:    {"theory", "concept", "principle", "philosophy", "idea", "notion", "doctrine"},
	CategoryHistorical: {"war", "revolution", "century", "era", "dynasty", "empire", "battle", "king", "queen"},
	CategoryCultural:   {"myth", "legend", "ritual", "tradition", "custom", "folklore", "religion", "festival"},
}

// Concept is one explained term
type Concept struct {
	Term         string `json:"term"`
	Definition   string `json:"definition"`
	Significance string `json:"significance"`
}

// HistoricalNote is one piece of historical background
type HistoricalNote struct {
	Event     string `json:"event"`
	Period    string `json:"period"`
	Relevance string `json:"relevance"`
}

// CulturalNote is one piece of cultural background
type CulturalNote struct {
	Reference string `json:"reference"`
	Origin    string `json:"origin"`
	Meaning   string `json:"meaning"`
}

// Connection links the selection to another part of the book
type Connection struct {
	Target       string `json:"target"`
	Relationship string `json:"relationship"`
}

// Artifact is the structured enhancement result
type Artifact struct {
	Category    Category         `json:"category"`
	Concepts    []Concept        `json:"concepts"`
	Historical  []HistoricalNote `json:"historical"`
	Cultural    []CulturalNote   `json:"cultural"`
	Connections []Connection     `json:"connections"`
	Quality     float64          `json:"quality"`
	Fallback    bool             `json:"fallback,omitempty"`
}

// artifactSchema validates provider output before it is trusted
const artifactSchema = `{
  "type": "object",
  "properties": {
    "concepts": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "term": {"type": "string", "minLength": 1},
          "definition": {"type": "string", "minLength": 1},
          "significance": {"type": "string", "minLength": 1}
        },
        "required": ["term", "definition", "significance"]
      }
    },
    "historical": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "event": {"type": "string", "minLength": 1},
          "period": {"type": "string", "minLength": 1},
          "relevance": {"type": "string", "minLength": 1}
        },
        "required": ["event", "period", "relevance"]
      }
    },
    "cultural": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "reference": {"type": "string", "minLength": 1},
          "origin": {"type": "string", "minLength": 1},
          "meaning": {"type": "string", "minLength": 1}
        },
        "required": ["reference", "origin", "meaning"]
      }
    },
    "connections": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "target": {"type": "string", "minLength": 1},
          "relationship": {"type": "string", "minLength": 1}
        },
        "required": ["target", "relationship"]
      }
    }
  },
  "required": ["concepts"]
}`

// Enhancer produces knowledge artifacts through the completion provider
type Enhancer struct {
	provider completion.Provider
	model    string
	schema   *gojsonschema.Schema
	logger   observability.Logger
	metrics  observability.MetricsClient
}

// NewEnhancer creates an enhancer over the given completion provider
func NewEnhancer(provider completion.Provider, model string, logger observability.Logger, metrics observability.MetricsClient) (*Enhancer, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(artifactSchema))
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = observability.NewLogger("enhance")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &Enhancer{
		provider: provider,
		model:    model,
		schema:   schema,
		logger:   logger,
		metrics:  metrics,
	}, nil
}

// Classify buckets a selection by keyword presence; unmatched selections are
// general.
func Classify(selection string) Category {
	lowered := strings.ToLower(selection)
	for _, category := range []Category{CategoryConcept, CategoryHistorical, CategoryCultural} {
		for _, keyword := range categoryKeywords[category] {
			if strings.Contains(lowered, keyword) {
				return category
			}
		}
	}
	return CategoryGeneral
}

// Enhance classifies the selection, invokes the provider with a JSON-only
// prompt over the gathered context, validates and caps the result, and
// regenerates through a simpler fallback prompt when quality is low.
func (e *Enhancer) Enhance(ctx context.Context, selection string, chunks []models.Chunk) (*Artifact, error) {
	ctx, span := observability.StartSpan(ctx, "enhance.run")
	defer span.End()

	category := Classify(selection)
	span.SetAttribute("category", string(category))

	artifact, err := e.generate(ctx, selection, chunks, category, false)
	if err != nil {
		return nil, err
	}

	artifact.Quality = e.scoreQuality(artifact, selection)
	if artifact.Quality < qualityFloor {
		e.logger.Info("Enhancement quality below floor, regenerating", map[string]interface{}{
			"quality": artifact.Quality,
		})
		fallback, fallbackErr := e.generate(ctx, selection, chunks, category, true)
		if fallbackErr == nil {
			fallback.Quality = e.scoreQuality(fallback, selection)
			fallback.Fallback = true
			e.metrics.IncrementCounterWithLabels("enhance.fallback", 1, nil)
			return fallback, nil
		}
	}

	return artifact, nil
}

func (e *Enhancer) generate(ctx context.Context, selection string, chunks []models.Chunk, category Category, fallback bool) (*Artifact, error) {
	system := "You are a knowledge assistant. Respond with a single JSON object only, no prose. " +
		"Fields: concepts (term, definition, significance), historical (event, period, relevance), " +
		"cultural (reference, origin, meaning), connections (target, relationship)."
	if fallback {
		system = "Respond with a single JSON object containing a concepts array; each concept has " +
			"term, definition, and significance. Nothing else."
	}

	var sb strings.Builder
	sb.WriteString("Selection (" + string(category) + "): " + selection + "\n\n")
	for i, c := range chunks {
		sb.WriteString("[Context " + string(rune('1'+i)) + "] " + c.Content + "\n")
	}

	var output strings.Builder
	_, err := e.provider.StreamCompletion(ctx, completion.Request{
		Model:             e.model,
		SystemPrompt:      system,
		UserPrompt:        sb.String(),
		MaxResponseTokens: 800,
		Temperature:       0.3,
	}, func(token string) error {
		output.WriteString(token)
		return nil
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "enhancement_unavailable",
			"enhancement provider unavailable", err)
	}

	return e.parse(output.String(), category)
}

// parse validates the provider output against the artifact schema and
// enforces the item caps.
func (e *Enhancer) parse(raw string, category Category) (*Artifact, error) {
	raw = extractJSON(raw)

	validation, err := e.schema.Validate(gojsonschema.NewStringLoader(raw))
	if err != nil || !validation.Valid() {
		return nil, apperr.New(apperr.KindDependency, "enhancement_malformed",
			"enhancement output failed validation")
	}

	var artifact Artifact
	if err := json.Unmarshal([]byte(raw), &artifact); err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "enhancement_malformed",
			"enhancement output failed validation", err)
	}

	artifact.Category = category
	if len(artifact.Concepts) > MaxConcepts {
		artifact.Concepts = artifact.Concepts[:MaxConcepts]
	}
	if len(artifact.Historical) > MaxHistorical {
		artifact.Historical = artifact.Historical[:MaxHistorical]
	}
	if len(artifact.Cultural) > MaxCultural {
		artifact.Cultural = artifact.Cultural[:MaxCultural]
	}
	if len(artifact.Connections) > MaxConnections {
		artifact.Connections = artifact.Connections[:MaxConnections]
	}

	return &artifact, nil
}

// extractJSON trims any accidental prose around the outermost JSON object
func extractJSON(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		return raw[start : end+1]
	}
	return raw
}

// scoreQuality combines an accuracy baseline with relevance, completeness,
// and clarity heuristics.
func (e *Enhancer) scoreQuality(artifact *Artifact, selection string) float64 {
	// Accuracy baseline adjusted by structure.
	accuracy := 0.8
	if len(artifact.Concepts) == 0 {
		accuracy -= 0.3
	}
	if len(artifact.Historical) > 0 || len(artifact.Cultural) > 0 {
		accuracy += 0.05
	}
	accuracy = clamp01(accuracy)

	// Relevance: keyword overlap between the selection and the artifact
	// terms.
	var termText strings.Builder
	for _, c := range artifact.Concepts {
		termText.WriteString(c.Term + " " + c.Definition + " ")
	}
	relevance := textnorm.JaccardWords(selection, termText.String())
	if relevance > 0 {
		// Any overlap at all is meaningful for short selections.
		relevance = 0.5 + relevance/2
	}

	// Completeness: item count across sections.
	items := len(artifact.Concepts) + len(artifact.Historical) + len(artifact.Cultural) + len(artifact.Connections)
	completeness := clamp01(float64(items) / 5)

	// Clarity: definition length bands.
	clarity := 0.5
	for _, c := range artifact.Concepts {
		n := len(c.Definition)
		switch {
		case n >= 40 && n <= 400:
			clarity += 0.5 / float64(len(artifact.Concepts))
		case n >= 15:
			clarity += 0.25 / float64(len(artifact.Concepts))
		}
	}
	clarity = clamp01(clarity)

	return 0.4*accuracy + 0.2*relevance + 0.2*completeness + 0.2*clarity
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
