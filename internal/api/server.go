package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/inkwell-ai/inkwell/internal/core"
	"github.com/inkwell-ai/inkwell/pkg/observability"
	"github.com/inkwell-ai/inkwell/pkg/ratelimit"
	"github.com/inkwell-ai/inkwell/pkg/validation"
)

// Config holds the HTTP server settings
type Config struct {
	ListenAddress  string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	RequestTimeout time.Duration
}

// Server is the HTTP surface over the Core
type Server struct {
	router         *gin.Engine
	server         *http.Server
	core           *core.Core
	validator      *validation.Validator
	logger         observability.Logger
	requestTimeout time.Duration
}

// NewServer builds the router with the middleware chain
// RequestID -> RateLimiter -> Auth -> Validator (in handlers) -> handler.
func NewServer(c *core.Core, cfg Config) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}

	s := &Server{
		router:         router,
		core:           c,
		validator:      validation.New(),
		logger:         c.Logger.WithPrefix("api"),
		requestTimeout: cfg.RequestTimeout,
		server: &http.Server{
			Addr:         cfg.ListenAddress,
			Handler:      router,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
	}

	router.Use(s.RequestID())
	router.Use(s.RequestLogger())

	router.GET("/healthz", s.handleHealthz)

	// The limiter runs ahead of authentication so quota denials never pay
	// for JWT verification or the persistence cross-check.
	v1 := router.Group("/v1")

	chat := v1.Group("", s.RateLimit(ratelimit.CategoryChat), s.Authenticate())
	chat.POST("/chat/stream", s.handleChatStream)
	chat.POST("/enhance", s.handleEnhance)

	admin := v1.Group("", s.RateLimit(ratelimit.CategoryGeneral), s.Authenticate(), s.RequireAuth())
	admin.GET("/stats", s.handleStats)
	admin.POST("/cache/prewarm", s.handlePreWarm)
	admin.POST("/cache/invalidate", s.handleInvalidate)

	return s
}

// Router exposes the gin engine. Used by tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Start serves until the listener fails or Shutdown is called
func (s *Server) Start() error {
	s.logger.Info("API server listening", map[string]interface{}{
		"address": s.server.Addr,
	})
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
