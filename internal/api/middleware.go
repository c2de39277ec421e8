package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/inkwell-ai/inkwell/pkg/auth"
	"github.com/inkwell-ai/inkwell/pkg/models"
	"github.com/inkwell-ai/inkwell/pkg/ratelimit"
)

// Context keys set by middleware
const (
	contextKeyRequestID = "request_id"
	contextKeySecurity  = "security_context"
)

// RequestID assigns a request id and echoes it in the response headers
func (s *Server) RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(contextKeyRequestID, requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

// RequestLogger logs one line per request
func (s *Server) RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info("Request handled", map[string]interface{}{
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     c.Writer.Status(),
			"duration":   time.Since(start).String(),
			"request_id": c.GetString(contextKeyRequestID),
		})
	}
}

// rateLimitHeaders writes the standard X-RateLimit trio
func rateLimitHeaders(c *gin.Context, decision ratelimit.Decision) {
	c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", decision.Limit))
	c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", decision.Remaining))
	c.Header("X-RateLimit-Reset", fmt.Sprintf("%d", decision.ResetAt.Unix()))
}

// RateLimit applies the in-process global bound and the category's sliding
// window keyed by client IP.
func (s *Server) RateLimit(category ratelimit.Category) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.core.RateLimiter.AllowGlobal() {
			c.Header("Retry-After", "1")
			abortStatus(c, http.StatusTooManyRequests, "rate_limited", "service is busy, slow down")
			return
		}

		decision := s.core.RateLimiter.Check(c.Request.Context(), category, c.ClientIP(), models.RateLimitEntry{
			IPAddress: c.ClientIP(),
			UserAgent: c.Request.UserAgent(),
			Endpoint:  c.FullPath(),
		})
		rateLimitHeaders(c, decision)
		if !decision.Allowed {
			c.Header("Retry-After", fmt.Sprintf("%d", int(decision.RetryAfter.Seconds())))
			abortStatus(c, http.StatusTooManyRequests, "rate_limited",
				"too many requests, try again later")
			return
		}

		c.Next()
	}
}

// Authenticate resolves the bearer credential into a SecurityContext.
// Failed attempts count toward the auth sliding window; past the cap the
// request is denied with 429 before the façade runs. Requests without a
// credential proceed anonymously; handlers decide whether that suffices.
func (s *Server) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		endpoint := c.FullPath()

		credential, present := auth.ExtractBearer(c.GetHeader("Authorization"))
		if !present {
			c.Set(contextKeySecurity, auth.Anonymous(ip, endpoint))
			c.Next()
			return
		}

		authWindow := s.core.RateLimiter.Peek(c.Request.Context(), ratelimit.CategoryAuth, ip)
		if !authWindow.Allowed {
			rateLimitHeaders(c, authWindow)
			c.Header("Retry-After", fmt.Sprintf("%d", int(authWindow.RetryAfter.Seconds())))
			abortStatus(c, http.StatusTooManyRequests, "auth_rate_limited",
				"too many authentication attempts, try again later")
			return
		}

		sec, err := s.core.Auth.Authenticate(c.Request.Context(), credential, ip, endpoint)
		if err != nil {
			s.core.RateLimiter.Record(c.Request.Context(), ratelimit.CategoryAuth, ip, models.RateLimitEntry{
				IPAddress: ip,
				UserAgent: c.Request.UserAgent(),
				Endpoint:  endpoint,
			})
			writeError(c, err)
			return
		}

		c.Set(contextKeySecurity, *sec)
		c.Next()
	}
}

// securityContext reads the SecurityContext set by Authenticate
func securityContext(c *gin.Context) models.SecurityContext {
	if value, ok := c.Get(contextKeySecurity); ok {
		if sec, ok := value.(models.SecurityContext); ok {
			return sec
		}
	}
	return auth.Anonymous(c.ClientIP(), c.FullPath())
}

// RequireAuth rejects anonymous requests
func (s *Server) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !securityContext(c).IsAuthenticated {
			abortStatus(c, http.StatusUnauthorized, "unauthenticated", "authentication required")
			return
		}
		c.Next()
	}
}
