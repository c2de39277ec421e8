// Package textnorm preprocesses free text for consistent cache keys and
// concept fingerprinting.
package textnorm

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"
)

var (
	whitespaceRegex  = regexp.MustCompile(`\s+`)
	punctuationRegex = regexp.MustCompile(`[^\w\s-]`)
)

// defaultStopWords is the fixed stop-word list applied before fingerprinting
var defaultStopWords = map[string]bool{
	"a": true, "an": true, "the": true, "is": true, "are": true, "was": true,
	"were": true, "be": true, "been": true, "being": true, "of": true,
	"in": true, "on": true, "at": true, "to": true, "for": true, "with": true,
	"by": true, "from": true, "about": true, "as": true, "and": true,
	"or": true, "but": true, "not": true, "this": true, "that": true,
	"these": true, "those": true, "it": true, "its": true, "what": true,
	"which": true, "who": true, "whom": true, "how": true, "when": true,
	"where": true, "why": true, "do": true, "does": true, "did": true,
	"can": true, "could": true, "will": true, "would": true, "should": true,
	"has": true, "have": true, "had": true, "there": true, "here": true,
}

// Normalize lowercases, trims, collapses whitespace, and strips punctuation
// except hyphens.
func Normalize(text string) string {
	if text == "" {
		return ""
	}
	normalized := strings.ToLower(strings.TrimSpace(text))
	normalized = punctuationRegex.ReplaceAllString(normalized, " ")
	normalized = whitespaceRegex.ReplaceAllString(normalized, " ")
	return strings.TrimSpace(normalized)
}

// Tokens returns the normalized words of text
func Tokens(text string) []string {
	return strings.Fields(Normalize(text))
}

// ContentTokens returns the normalized words of text with stop words removed
func ContentTokens(text string) []string {
	words := Tokens(text)
	filtered := make([]string, 0, len(words))
	for _, word := range words {
		if defaultStopWords[word] {
			continue
		}
		filtered = append(filtered, word)
	}
	return filtered
}

// IsStopWord reports whether word is on the fixed stop-word list
func IsStopWord(word string) bool {
	return defaultStopWords[strings.ToLower(word)]
}

// SalientTokens returns the first limit content tokens of text, sorted.
// An empty result is valid: all-stop-word input hashes the empty token list.
func SalientTokens(text string, limit int) []string {
	tokens := ContentTokens(text)
	if len(tokens) > limit {
		tokens = tokens[:limit]
	}
	sorted := make([]string, len(tokens))
	copy(sorted, tokens)
	sort.Strings(sorted)
	return sorted
}

// Fingerprint hashes the salient tokens of text into a short stable hex
// string. Used for concept fingerprints and semantic cache keys.
func Fingerprint(text string, limit int) string {
	tokens := SalientTokens(text, limit)
	sum := sha256.Sum256([]byte(strings.Join(tokens, " ")))
	return hex.EncodeToString(sum[:8])
}

// Hash returns a short stable hex hash of the exact input
func Hash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:8])
}

// JaccardWords computes word-level Jaccard overlap between two texts
func JaccardWords(a, b string) float64 {
	setA := make(map[string]bool)
	for _, w := range Tokens(a) {
		setA[w] = true
	}
	setB := make(map[string]bool)
	for _, w := range Tokens(b) {
		setB[w] = true
	}
	if len(setA) == 0 && len(setB) == 0 {
		return 1.0
	}
	intersection := 0
	for w := range setA {
		if setB[w] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}
