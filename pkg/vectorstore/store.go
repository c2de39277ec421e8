// Package vectorstore is the storage and search complement to retrieval for
// semantic response caching, including privacy-gated cross-user sharing
// through anonymized concept clusters.
package vectorstore

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/inkwell-ai/inkwell/pkg/apperr"
	"github.com/inkwell-ai/inkwell/pkg/models"
	"github.com/inkwell-ai/inkwell/pkg/observability"
	"github.com/inkwell-ai/inkwell/pkg/pii"
	"github.com/inkwell-ai/inkwell/pkg/textnorm"
	"github.com/inkwell-ai/inkwell/pkg/vectorindex"
)

// personalPronouns disqualify content from anonymous sharing when present as
// whole words.
var personalPronouns = map[string]bool{
	"i": true, "my": true, "me": true, "you": true, "your": true, "yours": true,
}

var (
	properNounRegex = regexp.MustCompile(`\b[A-Z][a-z]+\b`)
	yearRegex       = regexp.MustCompile(`\b(1[0-9]{3}|20[0-9]{2})\b`)
	numberRegex     = regexp.MustCompile(`\b\d+(\.\d+)?\b`)
)

// Config configures the vector store
type Config struct {
	// CrossUserSharing enables anonymized cross-user matches
	CrossUserSharing bool `mapstructure:"cross_user_sharing"`
	// ClusterThresholdFactor scales the caller threshold for centroid scans
	ClusterThresholdFactor float64 `mapstructure:"cluster_threshold_factor"`
	// PredictiveScoreFloor is the minimum score for a predictive match
	PredictiveScoreFloor float64 `mapstructure:"predictive_score_floor"`
}

// DefaultConfig returns the default vector-store configuration
func DefaultConfig() Config {
	return Config{
		CrossUserSharing:       false,
		ClusterThresholdFactor: 0.9,
		PredictiveScoreFloor:   0.7,
	}
}

// Metadata describes the content being stored
type Metadata struct {
	BookID     uuid.UUID
	UserID     *uuid.UUID
	BookPublic bool
}

// Result is one similarity hit, possibly anonymized or predictive
type Result struct {
	Embedding    *models.Embedding `json:"embedding"`
	Similarity   float64           `json:"similarity"`
	IsAnonymous  bool              `json:"is_anonymous"`
	IsPredictive bool              `json:"is_predictive"`
	Score        float64           `json:"score,omitempty"`
}

// FindOptions filters a similarity search
type FindOptions struct {
	UserID        *uuid.UUID
	BookID        *uuid.UUID
	Threshold     float64
	IncludeShared bool
}

// Store owns embeddings and concept clusters. Cluster centroids are
// maintained by incremental mean so they always equal the arithmetic mean of
// member vectors.
type Store struct {
	index    *vectorindex.Index
	config   Config
	detector *pii.Detector
	logger   observability.Logger
	metrics  observability.MetricsClient

	mu       sync.RWMutex
	clusters map[string]*models.ConceptCluster
	// byCluster maps a fingerprint to the anonymous member ids, for
	// representative selection.
	byCluster map[string][]uuid.UUID

	// Predictive precomputation can be disabled for a window after a quality
	// rollback; zero means enabled.
	predictiveDisabledUntil time.Time
	predictiveMu            sync.RWMutex
}

// New creates a vector store over the given index
func New(index *vectorindex.Index, config Config, logger observability.Logger, metrics observability.MetricsClient) *Store {
	if config.ClusterThresholdFactor <= 0 || config.ClusterThresholdFactor > 1 {
		config.ClusterThresholdFactor = 0.9
	}
	if config.PredictiveScoreFloor <= 0 {
		config.PredictiveScoreFloor = 0.7
	}
	if logger == nil {
		logger = observability.NewLogger("vectorstore")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &Store{
		index:     index,
		config:    config,
		detector:  pii.NewDetector(),
		logger:    logger,
		metrics:   metrics,
		clusters:  make(map[string]*models.ConceptCluster),
		byCluster: make(map[string][]uuid.UUID),
	}
}

// StoreEmbedding screens content, decides shareability, stores the embedding,
// and updates the concept cluster when the content is anonymously shareable.
func (s *Store) StoreEmbedding(ctx context.Context, content string, vector []float32, meta Metadata) (*models.Embedding, error) {
	if kind, found := s.detector.Detect(content); found {
		s.metrics.IncrementCounterWithLabels("vectorstore.pii_rejected", 1, map[string]string{"kind": kind})
		return nil, apperr.New(apperr.KindConsistency, "sensitive_content",
			"content contains sensitive material and cannot be stored")
	}

	fingerprint := textnorm.Fingerprint(content, 8)
	shareable := s.CanShareAnonymously(content, meta)

	e := &models.Embedding{
		ID:                 uuid.New(),
		BookID:             meta.BookID,
		ConceptFingerprint: fingerprint,
		Vector:             vector,
		Content:            content,
		CreatedAt:          time.Now(),
	}
	if !shareable {
		e.UserID = meta.UserID
	}

	if err := s.index.Store(e); err != nil {
		return nil, err
	}

	if shareable {
		s.updateCluster(fingerprint, content, vector, e.ID)
	}

	s.metrics.IncrementCounterWithLabels("vectorstore.stored", 1, map[string]string{
		"anonymous": strconv.FormatBool(shareable),
	})
	return e, nil
}

// CanShareAnonymously reports whether content may join a cross-user cluster:
// the book is public, the content has at least 10 words, and none of them is
// a first- or second-person pronoun.
func (s *Store) CanShareAnonymously(content string, meta Metadata) bool {
	if !meta.BookPublic {
		return false
	}
	words := strings.Fields(content)
	if len(words) < 10 {
		return false
	}
	for _, word := range words {
		cleaned := strings.ToLower(strings.Trim(word, ".,;:!?\"'()"))
		if personalPronouns[cleaned] {
			return false
		}
	}
	return true
}

// updateCluster folds a new member vector into the cluster centroid by
// incremental mean.
func (s *Store) updateCluster(fingerprint, content string, vector []float32, id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cluster, ok := s.clusters[fingerprint]
	if !ok {
		centroid := make([]float32, len(vector))
		copy(centroid, vector)
		s.clusters[fingerprint] = &models.ConceptCluster{
			Fingerprint:        fingerprint,
			Centroid:           centroid,
			MemberCount:        1,
			RepresentativeText: Anonymize(content),
			CreatedAt:          time.Now(),
			UpdatedAt:          time.Now(),
		}
		s.byCluster[fingerprint] = []uuid.UUID{id}
		return
	}

	n := float32(cluster.MemberCount)
	for i := range cluster.Centroid {
		cluster.Centroid[i] = (cluster.Centroid[i]*n + vector[i]) / (n + 1)
	}
	cluster.MemberCount++
	cluster.UpdatedAt = time.Now()
	s.byCluster[fingerprint] = append(s.byCluster[fingerprint], id)
}

// FindSimilar scans the requester's own embeddings, then, when sharing is
// enabled and requested, concept-cluster centroids at a relaxed threshold.
// Anonymous hits carry no user id and the cluster's anonymized text.
func (s *Store) FindSimilar(ctx context.Context, queryVector []float32, opts FindOptions) ([]Result, error) {
	own, err := s.index.Scan(queryVector, vectorindex.ScanOptions{
		UserID:    opts.UserID,
		BookID:    opts.BookID,
		Threshold: opts.Threshold,
	})
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(own))
	for _, m := range own {
		results = append(results, Result{Embedding: m.Embedding, Similarity: m.Similarity})
	}

	if !s.config.CrossUserSharing || !opts.IncludeShared {
		return results, nil
	}

	clusterThreshold := opts.Threshold * s.config.ClusterThresholdFactor

	s.mu.RLock()
	defer s.mu.RUnlock()

	for fingerprint, cluster := range s.clusters {
		sim := vectorindex.Cosine(queryVector, cluster.Centroid)
		if sim < clusterThreshold {
			continue
		}
		representative := s.representativeLocked(fingerprint)
		if representative == nil {
			continue
		}
		// Strip ownership and replace content before anything leaves the
		// store.
		anonymized := &models.Embedding{
			ID:                 representative.ID,
			BookID:             representative.BookID,
			ConceptFingerprint: fingerprint,
			Vector:             representative.Vector,
			Content:            cluster.RepresentativeText,
			CreatedAt:          representative.CreatedAt,
		}
		results = append(results, Result{
			Embedding:   anonymized,
			Similarity:  sim,
			IsAnonymous: true,
		})
	}

	return results, nil
}

// representativeLocked picks one anonymous member of a cluster
func (s *Store) representativeLocked(fingerprint string) *models.Embedding {
	for _, id := range s.byCluster[fingerprint] {
		if e := s.index.Get(id); e != nil && e.UserID == nil {
			return e
		}
	}
	return nil
}

// PredictiveMatches scores a user's embeddings against their interest
// centroid and the current query. Requires at least 5 embeddings with
// nonzero access counts. Disabled during a quality-rollback window.
func (s *Store) PredictiveMatches(ctx context.Context, userID uuid.UUID, queryVector []float32) []Result {
	if !s.PredictiveEnabled() {
		return nil
	}

	ids := s.index.ByUser(userID)
	accessed := make([]*models.Embedding, 0, len(ids))
	for _, id := range ids {
		if e := s.index.Get(id); e != nil && e.AccessCount > 0 {
			accessed = append(accessed, e)
		}
	}
	if len(accessed) < 5 {
		return nil
	}

	centroid := interestCentroid(accessed)

	var matches []Result
	for _, id := range ids {
		e := s.index.Get(id)
		if e == nil {
			continue
		}
		score := 0.4*vectorindex.Cosine(e.Vector, centroid) +
			0.2*timeDecay(e.LastAccessedAt) +
			0.2*minFloat(1, float64(e.AccessCount)/10) +
			0.2*vectorindex.Cosine(e.Vector, queryVector)
		if score >= s.config.PredictiveScoreFloor {
			matches = append(matches, Result{
				Embedding:    e,
				Similarity:   vectorindex.Cosine(e.Vector, queryVector),
				IsPredictive: true,
				Score:        score,
			})
		}
	}
	return matches
}

// interestCentroid is the access-count-weighted mean of the given vectors
func interestCentroid(embeddings []*models.Embedding) []float32 {
	if len(embeddings) == 0 {
		return nil
	}
	dim := len(embeddings[0].Vector)
	centroid := make([]float32, dim)
	var totalWeight float32
	for _, e := range embeddings {
		w := float32(e.AccessCount)
		totalWeight += w
		for i, v := range e.Vector {
			centroid[i] += v * w
		}
	}
	if totalWeight == 0 {
		return centroid
	}
	for i := range centroid {
		centroid[i] /= totalWeight
	}
	return centroid
}

// timeDecay maps recency of access to [0, 1]: 1 for just-accessed, halving
// for every full 24 hours, and 0 for a never-accessed embedding.
func timeDecay(lastAccess time.Time) float64 {
	if lastAccess.IsZero() {
		return 0
	}
	days := time.Since(lastAccess).Hours() / 24
	if days <= 0 {
		return 1
	}
	decay := 1.0
	for days >= 1 {
		decay /= 2
		days--
	}
	return decay
}

// DisablePredictive suspends predictive precomputation for the given window
func (s *Store) DisablePredictive(d time.Duration) {
	s.predictiveMu.Lock()
	defer s.predictiveMu.Unlock()
	s.predictiveDisabledUntil = time.Now().Add(d)
	s.logger.Warn("Predictive precomputation disabled", map[string]interface{}{
		"until": s.predictiveDisabledUntil,
	})
}

// PredictiveEnabled reports the published predictive-precomputation state
func (s *Store) PredictiveEnabled() bool {
	s.predictiveMu.RLock()
	defer s.predictiveMu.RUnlock()
	return time.Now().After(s.predictiveDisabledUntil)
}

// Maintain evicts zero-access embeddings older than staleAfter and removes
// clusters with fewer than 3 members not updated within staleAfter. Called by
// the housekeeper.
func (s *Store) Maintain(staleAfter time.Duration) (evictedEmbeddings, removedClusters int) {
	cutoff := time.Now().Add(-staleAfter)
	evicted := s.index.EvictStale(cutoff)

	s.mu.Lock()
	defer s.mu.Unlock()

	evictedSet := make(map[uuid.UUID]bool, len(evicted))
	for _, id := range evicted {
		evictedSet[id] = true
	}
	for fingerprint, ids := range s.byCluster {
		kept := ids[:0]
		for _, id := range ids {
			if !evictedSet[id] {
				kept = append(kept, id)
			}
		}
		s.byCluster[fingerprint] = kept
	}

	for fingerprint, cluster := range s.clusters {
		if cluster.MemberCount < 3 && cluster.UpdatedAt.Before(cutoff) {
			delete(s.clusters, fingerprint)
			delete(s.byCluster, fingerprint)
			removedClusters++
		}
	}

	return len(evicted), removedClusters
}

// Stats returns store-level counters for the stats surface
func (s *Store) Stats() map[string]interface{} {
	s.mu.RLock()
	clusters := len(s.clusters)
	s.mu.RUnlock()

	return map[string]interface{}{
		"embeddings":         s.index.Size(),
		"clusters":           clusters,
		"predictive_enabled": s.PredictiveEnabled(),
	}
}

// Anonymize produces a shareable representative text: proper nouns, years,
// and numbers are replaced by placeholders and the result is capped at 300
// characters.
func Anonymize(text string) string {
	anonymized := properNounRegex.ReplaceAllString(text, "[NAME]")
	anonymized = yearRegex.ReplaceAllString(anonymized, "[YEAR]")
	anonymized = numberRegex.ReplaceAllString(anonymized, "[NUM]")
	if len(anonymized) > 300 {
		anonymized = anonymized[:300]
	}
	return anonymized
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
