package budget

import (
	"strings"
	"unicode"

	"github.com/inkwell-ai/inkwell/pkg/models"
)

// analyticalVerbs contribute to the K factor of the complexity score
var analyticalVerbs = map[string]bool{
	"analyze": true, "compare": true, "contrast": true, "evaluate": true,
	"explain": true, "interpret": true, "justify": true, "critique": true,
	"examine": true, "assess": true, "discuss": true, "argue": true,
}

// analyticalConnectives contribute to the A factor
var analyticalConnectives = map[string]bool{
	"because": true, "therefore": true, "however": true, "although": true,
	"whereas": true, "consequently": true, "furthermore": true,
	"nevertheless": true, "moreover": true, "thus": true,
}

// AnalyzeComplexity scores a query on length, analytical verbs, proper nouns,
// question marks, and analytical connectives, each factor weighted 0.2.
func AnalyzeComplexity(query string) models.QueryComplexity {
	length := len(query)
	words := strings.Fields(query)

	keywords := 0
	connectives := 0
	entities := 0
	for i, word := range words {
		cleaned := strings.ToLower(strings.Trim(word, ".,;:!?\"'()"))
		if analyticalVerbs[cleaned] {
			keywords++
		}
		if analyticalConnectives[cleaned] {
			connectives++
		}
		// Capitalized-word heuristic for proper nouns; the leading word of
		// the query is skipped since it capitalizes regardless.
		if i > 0 && isCapitalized(word) {
			entities++
		}
	}

	questions := strings.Count(query, "?")

	score := 0.2*float64(length)/500 +
		0.2*float64(keywords)/10 +
		0.2*float64(entities)/5 +
		0.2*float64(questions)/3 +
		0.2*float64(connectives)/5
	score = clamp(score, 0, 1)

	category := models.ComplexitySimple
	switch {
	case score >= 0.67:
		category = models.ComplexityComplex
	case score >= 0.33:
		category = models.ComplexityModerate
	}

	return models.QueryComplexity{
		Score:           score,
		Category:        category,
		Length:          length,
		Keywords:        keywords,
		Entities:        entities,
		Questions:       questions,
		AnalyticalTerms: connectives,
	}
}

func isCapitalized(word string) bool {
	trimmed := strings.TrimFunc(word, func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	if trimmed == "" {
		return false
	}
	runes := []rune(trimmed)
	return unicode.IsUpper(runes[0]) && len(runes) > 1 && unicode.IsLower(runes[1])
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
