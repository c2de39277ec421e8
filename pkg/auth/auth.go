// Package auth resolves bearer credentials to stable user identities with an
// audited trail and IP blocking after repeated failures. The façade fails
// closed: any resolution or persistence error rejects the request.
package auth

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/inkwell-ai/inkwell/pkg/apperr"
	"github.com/inkwell-ai/inkwell/pkg/models"
	"github.com/inkwell-ai/inkwell/pkg/observability"
)

// IdentityProvider resolves an opaque credential to a stable user identity
type IdentityProvider interface {
	Resolve(ctx context.Context, credential string) (*models.User, error)
}

// UserStore cross-checks resolved identities against persistence
type UserStore interface {
	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)
}

// AuditSink receives authentication audit events
type AuditSink interface {
	Record(event models.AuditEvent)
}

// Config configures the auth façade
type Config struct {
	// MaxFailedAttempts before an IP is blocked
	MaxFailedAttempts int `mapstructure:"max_failed_attempts"`
	// BlockDuration is how long a blocked IP stays blocked
	BlockDuration time.Duration `mapstructure:"block_duration"`
}

// DefaultConfig returns the default auth configuration
func DefaultConfig() Config {
	return Config{
		MaxFailedAttempts: 5,
		BlockDuration:     15 * time.Minute,
	}
}

// Facade authenticates requests and maintains per-IP failure counters
type Facade struct {
	provider IdentityProvider
	users    UserStore
	audit    AuditSink
	config   Config
	logger   observability.Logger
	metrics  observability.MetricsClient

	mu       sync.Mutex
	failures map[string]*failureRecord
}

type failureRecord struct {
	count        int
	firstFailure time.Time
	blockedUntil time.Time
}

// New creates the auth façade
func New(provider IdentityProvider, users UserStore, audit AuditSink, config Config, logger observability.Logger, metrics observability.MetricsClient) *Facade {
	if config.MaxFailedAttempts <= 0 {
		config.MaxFailedAttempts = 5
	}
	if config.BlockDuration <= 0 {
		config.BlockDuration = 15 * time.Minute
	}
	if logger == nil {
		logger = observability.NewLogger("auth")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &Facade{
		provider: provider,
		users:    users,
		audit:    audit,
		config:   config,
		logger:   logger,
		metrics:  metrics,
		failures: make(map[string]*failureRecord),
	}
}

// ExtractBearer pulls the bearer token from an Authorization header value
func ExtractBearer(header string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}

// Authenticate resolves a credential into a SecurityContext. Failures are
// audited and counted per IP; past the threshold the IP is blocked for the
// configured duration. Success resets the counter.
func (f *Facade) Authenticate(ctx context.Context, credential, ip, endpoint string) (*models.SecurityContext, error) {
	if blocked, until := f.isBlocked(ip); blocked {
		f.recordAudit("auth_blocked", nil, ip, endpoint, "warning", map[string]interface{}{
			"blocked_until": until,
		})
		return nil, apperr.New(apperr.KindUnauthenticated, "ip_blocked",
			"too many failed attempts, try again later")
	}

	user, err := f.provider.Resolve(ctx, credential)
	if err != nil || user == nil {
		f.recordFailure(ip)
		f.recordAudit("auth_failed", nil, ip, endpoint, "warning", map[string]interface{}{
			"reason": "credential_rejected",
		})
		f.metrics.IncrementCounterWithLabels("auth.failure", 1, nil)
		return nil, apperr.New(apperr.KindUnauthenticated, "invalid_credential",
			"authentication failed")
	}

	// The identity must exist in persistence; fail closed otherwise.
	stored, err := f.users.GetUser(ctx, user.ID)
	if err != nil || stored == nil {
		f.recordFailure(ip)
		f.recordAudit("auth_failed", &user.ID, ip, endpoint, "warning", map[string]interface{}{
			"reason": "unknown_identity",
		})
		return nil, apperr.New(apperr.KindUnauthenticated, "unknown_identity",
			"authentication failed")
	}

	f.resetFailures(ip)
	f.recordAudit("auth_success", &user.ID, ip, endpoint, "info", nil)
	f.metrics.IncrementCounterWithLabels("auth.success", 1, nil)

	return &models.SecurityContext{
		UserID:          &stored.ID,
		IPAddress:       ip,
		Endpoint:        endpoint,
		IsAuthenticated: true,
	}, nil
}

// Anonymous returns the security context for an unauthenticated request
func Anonymous(ip, endpoint string) models.SecurityContext {
	return models.SecurityContext{
		IPAddress: ip,
		Endpoint:  endpoint,
	}
}

func (f *Facade) isBlocked(ip string) (bool, time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()

	record, ok := f.failures[ip]
	if !ok {
		return false, time.Time{}
	}
	if record.blockedUntil.IsZero() || time.Now().After(record.blockedUntil) {
		return false, time.Time{}
	}
	return true, record.blockedUntil
}

func (f *Facade) recordFailure(ip string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	record, ok := f.failures[ip]
	if !ok || time.Since(record.firstFailure) > f.config.BlockDuration {
		record = &failureRecord{firstFailure: time.Now()}
		f.failures[ip] = record
	}
	record.count++
	if record.count >= f.config.MaxFailedAttempts {
		record.blockedUntil = time.Now().Add(f.config.BlockDuration)
		f.logger.Warn("IP blocked after repeated auth failures", map[string]interface{}{
			"ip":       ip,
			"failures": record.count,
		})
	}
}

func (f *Facade) resetFailures(ip string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.failures, ip)
}

func (f *Facade) recordAudit(eventType string, userID *uuid.UUID, ip, endpoint, severity string, details map[string]interface{}) {
	if f.audit == nil {
		return
	}
	f.audit.Record(models.AuditEvent{
		ID:        uuid.New(),
		Timestamp: time.Now(),
		EventType: eventType,
		UserID:    userID,
		IPAddress: ip,
		Endpoint:  endpoint,
		Details:   details,
		Severity:  severity,
	})
}
