package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/inkwell-ai/inkwell/pkg/models"
	"github.com/inkwell-ai/inkwell/pkg/textnorm"
)

// keyVersion is the version tag leading every primary key
const keyVersion = "v1"

// maxKeyLength is the hard cap before hash-suffixed truncation
const maxKeyLength = 256

// hotPromotionCount promotes a key to hot-path once it has been generated
// this many times.
const hotPromotionCount = 5

// selectionKeyCap truncates the selection before hashing
const selectionKeyCap = 100

// hotIntentPatterns mark frequent intents as hot-path
var hotIntentPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^\s*(what|who|when|where|how)\s+(is|are|was|were)\b`),
	regexp.MustCompile(`(?i)^\s*define\b`),
	regexp.MustCompile(`(?i)^\s*summarize\b`),
	regexp.MustCompile(`(?i)^\s*tell\s+me\s+about\b`),
}

// KeyRequest carries the salient fields of a request into key construction
type KeyRequest struct {
	Message     string
	Selection   string
	ChapterIdx  *int
	ContentType ContentType
	// Intent is the enhancement kind of the request (ask, summarize, ...)
	Intent    string
	BookID    uuid.UUID
	Security  models.SecurityContext
	Encrypted bool
	Priority  Priority
}

// KeyResult is the generated key pair with its metadata
type KeyResult struct {
	PrimaryKey  string            `json:"primary_key"`
	SemanticKey string            `json:"semantic_key"`
	Namespace   string            `json:"namespace"`
	Tags        []string          `json:"tags"`
	Metadata    KeyResultMetadata `json:"metadata"`
}

// KeyResultMetadata annotates the generated key
type KeyResultMetadata struct {
	Strategy      string        `json:"strategy"`
	HotPath       bool          `json:"hot_path"`
	SecurityLevel SecurityLevel `json:"security_level"`
	TTLHint       ContentType   `json:"ttl_hint"`
}

// KeyGenerator builds deterministic primary keys and weaker semantic keys.
// Two requests differing only in user id yield different primary keys under
// the auth namespace and identical keys under public. Safe for concurrent
// use.
type KeyGenerator struct {
	mu         sync.Mutex
	usageCount map[string]int
}

// NewKeyGenerator creates a key generator
func NewKeyGenerator() *KeyGenerator {
	return &KeyGenerator{
		usageCount: make(map[string]int),
	}
}

// Generate builds the primary and semantic keys for a request
func (g *KeyGenerator) Generate(req KeyRequest) KeyResult {
	contentType := req.ContentType
	if contentType == "" {
		contentType = ContentResponse
	}

	namespace := g.namespace(req)
	securityLevel := g.securityLevel(req)

	contentHash := g.contentHash(req)
	hot := g.isHotPath(req.Message, contentHash)

	priority := req.Priority
	if priority == "" {
		priority = PriorityNormal
	}

	parts := []string{keyVersion, namespace, string(contentType)}
	if req.Intent != "" {
		parts = append(parts, "intent", req.Intent)
	}
	if hot {
		parts = append(parts, "hot")
	}
	parts = append(parts,
		fmt.Sprintf("book:%s", req.BookID),
		contentHash,
		string(priority),
	)
	primary := strings.Join(parts, ":")

	if len(primary) > maxKeyLength {
		sum := sha256.Sum256([]byte(primary))
		suffix := hex.EncodeToString(sum[:8])
		primary = primary[:maxKeyLength-len(suffix)-1] + ":" + suffix
	}

	semantic := fmt.Sprintf("sem:%s:%s", contentType, textnorm.Fingerprint(req.Message, 8))

	tags := []string{string(contentType), string(priority)}
	if hot {
		tags = append(tags, "hot")
	}

	strategy := "standard"
	if hot {
		strategy = "hot_path"
	}

	return KeyResult{
		PrimaryKey:  primary,
		SemanticKey: semantic,
		Namespace:   namespace,
		Tags:        tags,
		Metadata: KeyResultMetadata{
			Strategy:      strategy,
			HotPath:       hot,
			SecurityLevel: securityLevel,
			TTLHint:       contentType,
		},
	}
}

// namespace is public for anonymous requests and auth:<hash(userId)> for
// authenticated ones, suffixed enc for encrypted entries.
func (g *KeyGenerator) namespace(req KeyRequest) string {
	if !req.Security.IsAuthenticated || req.Security.UserID == nil {
		return "public"
	}
	sum := sha256.Sum256([]byte(req.Security.UserID.String()))
	ns := "auth:" + hex.EncodeToString(sum[:8])
	if req.Encrypted {
		ns += ":enc"
	}
	return ns
}

func (g *KeyGenerator) securityLevel(req KeyRequest) SecurityLevel {
	switch {
	case req.Encrypted:
		return SecurityEncrypted
	case req.Security.IsAuthenticated && req.Security.UserID != nil:
		return SecurityPrivate
	default:
		return SecurityPublic
	}
}

// contentHash canonicalizes the salient request fields minus volatile ones
// and hashes the result.
func (g *KeyGenerator) contentHash(req KeyRequest) string {
	selection := req.Selection
	if len(selection) > selectionKeyCap {
		selection = selection[:selectionKeyCap]
	}

	canonical := map[string]interface{}{
		"message":   textnorm.Normalize(req.Message),
		"selection": selection,
		"kind":      string(req.ContentType),
		"intent":    req.Intent,
	}
	if req.ChapterIdx != nil {
		canonical["chapter_idx"] = *req.ChapterIdx
	}

	keys := make([]string, 0, len(canonical))
	for k := range canonical {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make([]interface{}, 0, 2*len(keys))
	for _, k := range keys {
		ordered = append(ordered, k, canonical[k])
	}
	data, _ := json.Marshal(ordered)

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:12])
}

// isHotPath matches frequent intents and promotes keys generated at least
// hotPromotionCount times.
func (g *KeyGenerator) isHotPath(message, contentHash string) bool {
	g.mu.Lock()
	g.usageCount[contentHash]++
	count := g.usageCount[contentHash]
	g.mu.Unlock()

	if count >= hotPromotionCount {
		return true
	}
	for _, pattern := range hotIntentPatterns {
		if pattern.MatchString(message) {
			return true
		}
	}
	return false
}
