// Package cache implements the multi-layer response cache: an in-process L1,
// a shared L2, and a semantic similarity layer, governed by a policy engine
// that owns TTLs, staleness, dependencies, invalidation, and access gating.
package cache

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SecurityLevel of a cache entry
type SecurityLevel string

// Security levels
const (
	SecurityPublic    SecurityLevel = "public"
	SecurityPrivate   SecurityLevel = "private"
	SecurityEncrypted SecurityLevel = "encrypted"
)

// Priority of a cache entry
type Priority string

// Priorities
const (
	PriorityCritical Priority = "critical"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// ContentType tags what an entry holds
type ContentType string

// Content types
const (
	ContentResponse  ContentType = "response"
	ContentEmbedding ContentType = "embedding"
	ContentChunk     ContentType = "chunk"
	ContentSummary   ContentType = "summary"
	ContentAnalysis  ContentType = "analysis"
)

// Entry is one cached artifact with its policy metadata. Entries with
// SecurityLevel private always carry a user id.
type Entry struct {
	Key          string          `json:"key"`
	SemanticKey  string          `json:"semantic_key,omitempty"`
	Value        json.RawMessage `json:"value"`
	ContentType  ContentType     `json:"content_type"`
	CreatedAt    time.Time       `json:"created_at"`
	TTL          time.Duration   `json:"ttl"`
	StaleAfter   time.Duration   `json:"stale_after"`
	RefreshAfter time.Duration   `json:"refresh_after"`

	AccessCount    int       `json:"access_count"`
	LastAccessedAt time.Time `json:"last_accessed_at"`

	Dependencies  []string      `json:"dependencies,omitempty"`
	CanStale      bool          `json:"can_stale"`
	SecurityLevel SecurityLevel `json:"security_level"`
	Priority      Priority      `json:"priority"`
	UserID        *uuid.UUID    `json:"user_id,omitempty"`
	HotPath       bool          `json:"hot_path"`
	Quality       float64       `json:"quality,omitempty"`
}

// Age returns the entry's age
func (e *Entry) Age() time.Duration {
	return time.Since(e.CreatedAt)
}

// Expired reports whether the entry is past its TTL
func (e *Entry) Expired() bool {
	return e.Age() > e.TTL
}

// Stale reports whether the entry is past its staleness window
func (e *Entry) Stale() bool {
	return e.Age() > e.StaleAfter
}

// WithinGrace reports whether an expired entry is still inside the grace
// window and may be served stale.
func (e *Entry) WithinGrace(grace time.Duration) bool {
	age := e.Age()
	return age > e.TTL && age <= e.TTL+grace
}

// SizeBytes estimates the entry's memory footprint for the L1 byte budget
func (e *Entry) SizeBytes() int {
	size := len(e.Key) + len(e.SemanticKey) + len(e.Value)
	for _, dep := range e.Dependencies {
		size += len(dep)
	}
	// Fixed overhead for the struct itself.
	return size + 160
}

// Lookup is the result handed back to callers
type Lookup struct {
	Entry *Entry `json:"entry"`
	// Fresh is true when the entry is within its TTL
	Fresh bool `json:"fresh"`
	// Stale is true when the entry was served from the grace window
	Stale bool `json:"stale"`
	// Layer names where the entry was found: l1, l2, semantic
	Layer string `json:"layer"`
}
