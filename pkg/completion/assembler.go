package completion

import (
	"fmt"
	"strings"

	"github.com/inkwell-ai/inkwell/pkg/models"
)

// Intent values accepted by the assembler
const (
	IntentAsk          = "ask"
	IntentTranslate    = "translate"
	IntentExplain      = "explain"
	IntentDisambiguate = "disambiguate"
	IntentSummarize    = "summarize"
	IntentEnhance      = "enhance"
)

// conciseSystemCap bounds the system prompt in concise mode
const conciseSystemCap = 500

// AssembleOptions configures one prompt build
type AssembleOptions struct {
	Intent       string
	TargetLang   string
	Selection    string
	Chunks       []models.Chunk
	Concise      bool
	MaxUserChars int
}

// Prompts is the assembled system/user prompt pair
type Prompts struct {
	System string
	User   string
}

var systemTemplates = map[string]string{
	IntentAsk: "You are a reading companion. Answer the reader's question about the book " +
		"using only the provided context passages. Cite nothing beyond them. " +
		"If the context does not contain the answer, say so plainly.",
	IntentTranslate: "You are a reading companion. Translate the selected passage into %s, " +
		"preserving tone and register. Use the context passages only to resolve ambiguity.",
	IntentExplain: "You are a reading companion. Explain the selected passage in plain language, " +
		"grounded in the provided context passages. Do not invent events that are not in them.",
	IntentDisambiguate: "You are a reading companion. The reader is unsure what the selected words " +
		"refer to. Resolve the reference using the context passages and explain briefly.",
	IntentSummarize: "You are a reading companion. Summarize the requested material using only " +
		"the provided context passages, in order of the narrative.",
}

// Assemble builds the system and user prompts from selected chunks and an
// optional selection. Concise mode caps the system prompt near 500 characters
// and the user prompt at MaxUserChars.
func Assemble(message string, opts AssembleOptions) Prompts {
	intent := opts.Intent
	if intent == "" {
		intent = IntentAsk
	}

	system, ok := systemTemplates[intent]
	if !ok {
		system = systemTemplates[IntentAsk]
	}
	if intent == IntentTranslate {
		lang := opts.TargetLang
		if lang == "" {
			lang = "English"
		}
		system = fmt.Sprintf(system, lang)
	}
	if opts.Concise && len(system) > conciseSystemCap {
		system = system[:conciseSystemCap]
	}

	var sb strings.Builder
	if opts.Selection != "" {
		sb.WriteString("Selected passage: \"")
		sb.WriteString(opts.Selection)
		sb.WriteString("\"\n\n")
	}

	for i, c := range opts.Chunks {
		sb.WriteString(fmt.Sprintf("[Context %d] (Chapter %d, relevance: %.2f, diversity: %.2f): %s\n",
			i+1, c.Ref.ChapterIdx, c.Relevance, c.Diversity, c.Content))
	}
	if len(opts.Chunks) > 0 {
		sb.WriteString("\n")
	}

	sb.WriteString("Question: ")
	sb.WriteString(message)

	user := sb.String()
	if opts.MaxUserChars > 0 && len(user) > opts.MaxUserChars {
		user = user[:opts.MaxUserChars]
	}

	return Prompts{System: system, User: user}
}
