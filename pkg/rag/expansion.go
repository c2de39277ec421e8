package rag

import (
	"sort"
	"strings"
)

// expansionTable maps trigger words to synonyms considered for query
// expansion. At most two synonyms are added per query.
var expansionTable = map[string][]string{
	"summary":   {"summarize", "overview", "main points", "key ideas"},
	"summarize": {"summary", "overview", "main points"},
	"explain":   {"describe", "clarify", "meaning"},
	"meaning":   {"significance", "interpretation"},
	"theme":     {"motif", "central idea"},
	"character": {"protagonist", "figure"},
}

// expandQuery appends up to two synonyms when the query mentions a trigger
// word. Returns the original query unchanged when nothing triggers.
func expandQuery(query string) string {
	lowered := strings.ToLower(query)

	triggers := make([]string, 0, len(expansionTable))
	for trigger := range expansionTable {
		triggers = append(triggers, trigger)
	}
	sort.Strings(triggers)

	var additions []string
	for _, trigger := range triggers {
		if !strings.Contains(lowered, trigger) {
			continue
		}
		synonyms := expansionTable[trigger]
		for _, synonym := range synonyms {
			if strings.Contains(lowered, strings.ToLower(synonym)) {
				continue
			}
			additions = append(additions, synonym)
			if len(additions) == 2 {
				return query + " " + strings.Join(additions, " ")
			}
		}
	}

	if len(additions) == 0 {
		return query
	}
	return query + " " + strings.Join(additions, " ")
}
