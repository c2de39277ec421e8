// Package models defines the core data model shared across the inkwell
// request-fulfillment subsystems.
package models

import (
	"time"

	"github.com/google/uuid"
)

// User is a stable identity resolved by the identity provider
type User struct {
	ID        uuid.UUID `json:"id" db:"id"`
	Email     string    `json:"email" db:"email"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Book is an owned collection of ordered chapters
type Book struct {
	ID           uuid.UUID `json:"id" db:"id"`
	OwnerID      uuid.UUID `json:"owner_id" db:"owner_id"`
	Title        string    `json:"title" db:"title"`
	Author       string    `json:"author" db:"author"`
	ChapterCount int       `json:"chapter_count" db:"chapter_count"`
	Public       bool      `json:"public" db:"public_flag"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// Chapter holds the full text of one chapter. Indices of a book form a dense
// prefix 0..N-1.
type Chapter struct {
	ID        uuid.UUID `json:"id" db:"id"`
	BookID    uuid.UUID `json:"book_id" db:"book_id"`
	Idx       int       `json:"idx" db:"idx"`
	Title     string    `json:"title" db:"title"`
	Text      string    `json:"text" db:"text"`
	WordCount int       `json:"word_count" db:"word_count"`
}

// ChunkRef locates a half-open [Start, End) slice of a chapter's text
type ChunkRef struct {
	BookID     uuid.UUID `json:"book_id"`
	ChapterIdx int       `json:"chapter_idx"`
	Start      int       `json:"start"`
	End        int       `json:"end"`
}

// Chunk is a retrieved slice of chapter text with its scoring annotations
type Chunk struct {
	Ref     ChunkRef `json:"ref"`
	Content string   `json:"content"`

	// For in-memory processing (not stored in DB)
	Embedding []float32 `json:"-" db:"-"`

	Similarity        float64 `json:"similarity"`
	Relevance         float64 `json:"relevance"`
	Diversity         float64 `json:"diversity"`
	ContextImportance float64 `json:"context_importance"`
}

// Embedding is a stored vector with ownership and access metadata. A nil
// UserID marks the embedding as shareable anonymously.
type Embedding struct {
	ID                 uuid.UUID  `json:"id" db:"id"`
	BookID             uuid.UUID  `json:"book_id" db:"book_id"`
	UserID             *uuid.UUID `json:"user_id,omitempty" db:"user_id"`
	ConceptFingerprint string     `json:"concept_fingerprint" db:"concept_fingerprint"`
	Vector             []float32  `json:"vector" db:"-"`
	Content            string     `json:"content" db:"content"`
	CreatedAt          time.Time  `json:"created_at" db:"created_at"`
	AccessCount        int        `json:"access_count" db:"access_count"`
	LastAccessedAt     time.Time  `json:"last_accessed_at" db:"last_accessed_at"`
}

// ConceptCluster groups anonymously shareable embeddings by concept
// fingerprint. The centroid is the incremental arithmetic mean of member
// vectors.
type ConceptCluster struct {
	Fingerprint        string    `json:"fingerprint"`
	Centroid           []float32 `json:"centroid"`
	MemberCount        int       `json:"member_count"`
	RepresentativeText string    `json:"representative_text"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// SecurityContext carries the caller identity through cache and pipeline
// operations in place of a request object.
type SecurityContext struct {
	UserID          *uuid.UUID `json:"user_id,omitempty"`
	IPAddress       string     `json:"ip_address"`
	Endpoint        string     `json:"endpoint"`
	IsAuthenticated bool       `json:"is_authenticated"`
}

// Budget is the per-request token allocation after reductions.
// ContextTokens >= 500 and ResponseTokens >= 150 always hold.
type Budget struct {
	ContextTokens  int     `json:"context_tokens"`
	ResponseTokens int     `json:"response_tokens"`
	Strategy       string  `json:"strategy"`
	Confidence     float64 `json:"confidence"`
}

// ComplexityCategory buckets a query complexity score
type ComplexityCategory string

// Complexity categories
const (
	ComplexitySimple   ComplexityCategory = "simple"
	ComplexityModerate ComplexityCategory = "moderate"
	ComplexityComplex  ComplexityCategory = "complex"
)

// QueryComplexity is the analyzed complexity of a user question
type QueryComplexity struct {
	Score    float64            `json:"score"`
	Category ComplexityCategory `json:"category"`

	// Contributing factor counts
	Length          int `json:"length"`
	Keywords        int `json:"keywords"`
	Entities        int `json:"entities"`
	Questions       int `json:"questions"`
	AnalyticalTerms int `json:"analytical_terms"`
}

// QualityMetrics scores a produced answer. Overall is the fixed weighted mean
// 0.3*relevance + 0.2*diversity + 0.3*completeness + 0.2*coherence.
type QualityMetrics struct {
	Relevance    float64 `json:"relevance"`
	Diversity    float64 `json:"diversity"`
	Completeness float64 `json:"completeness"`
	Coherence    float64 `json:"coherence"`
}

// Overall returns the weighted mean quality score
func (q QualityMetrics) Overall() float64 {
	return 0.3*q.Relevance + 0.2*q.Diversity + 0.3*q.Completeness + 0.2*q.Coherence
}

// Usage is the token accounting attached to a completed answer
type Usage struct {
	PromptTokens        int     `json:"prompt_tokens"`
	CompletionTokens    int     `json:"completion_tokens"`
	TotalTokens         int     `json:"total_tokens"`
	CostUSD             float64 `json:"cost_usd"`
	ModelUsed           string  `json:"model_used"`
	Cached              bool    `json:"cached"`
	BudgetStrategy      string  `json:"budget_strategy"`
	EstimatedSavings    float64 `json:"estimated_savings"`
	QualityScore        float64 `json:"quality_score"`
	OptimizationApplied bool    `json:"optimization_applied"`
}

// SourceRef is one grounding passage emitted on the stream
type SourceRef struct {
	ChapterIdx int     `json:"chapter_idx"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Similarity float64 `json:"similarity"`
}

// Answer is the cached artifact for a finished response
type Answer struct {
	Text       string      `json:"text"`
	Sources    []SourceRef `json:"sources"`
	Usage      Usage       `json:"usage"`
	Confidence float64     `json:"confidence,omitempty"`
	Kind       string      `json:"kind"`
}

// Dialog is a persisted conversation container
type Dialog struct {
	ID        uuid.UUID `json:"id" db:"id"`
	UserID    uuid.UUID `json:"user_id" db:"user_id"`
	BookID    uuid.UUID `json:"book_id" db:"book_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// DialogMessage is one persisted exchange row
type DialogMessage struct {
	ID        uuid.UUID `json:"id" db:"id"`
	DialogID  uuid.UUID `json:"dialog_id" db:"dialog_id"`
	Role      string    `json:"role" db:"role"`
	Content   string    `json:"content" db:"content"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// RateLimitEntry is one append-only sliding-window row
type RateLimitEntry struct {
	Key       string    `json:"key" db:"key"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
	IPAddress string    `json:"ip" db:"ip"`
	UserAgent string    `json:"user_agent" db:"user_agent"`
	Endpoint  string    `json:"endpoint" db:"endpoint"`
}

// AuditEvent is one append-only security or cache decision row
type AuditEvent struct {
	ID        uuid.UUID              `json:"id" db:"id"`
	Timestamp time.Time              `json:"timestamp" db:"timestamp"`
	EventType string                 `json:"event_type" db:"event_type"`
	UserID    *uuid.UUID             `json:"user_id,omitempty" db:"user_id"`
	IPAddress string                 `json:"ip" db:"ip"`
	Endpoint  string                 `json:"endpoint" db:"endpoint"`
	Details   map[string]interface{} `json:"details" db:"-"`
	Severity  string                 `json:"severity" db:"severity"`
}
