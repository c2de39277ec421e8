// Command server runs the reading-companion request-fulfillment core.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/inkwell-ai/inkwell/internal/api"
	"github.com/inkwell-ai/inkwell/internal/config"
	"github.com/inkwell-ai/inkwell/internal/core"
	"github.com/inkwell-ai/inkwell/internal/providers"
	"github.com/inkwell-ai/inkwell/pkg/auth"
	"github.com/inkwell-ai/inkwell/pkg/cache"
	"github.com/inkwell-ai/inkwell/pkg/observability"
	"github.com/inkwell-ai/inkwell/pkg/repository"
)

func main() {
	logger := observability.NewLogger("inkwell")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Configuration load failed", map[string]interface{}{"error": err.Error()})
	}

	repo, err := repository.New(cfg.Database, logger.WithPrefix("repository"))
	if err != nil {
		logger.Fatal("Database connection failed", map[string]interface{}{"error": err.Error()})
	}
	defer func() { _ = repo.Close() }()

	var l2 cache.L2
	if cfg.Core.Cache.L2Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		l2 = cache.NewRedisL2(client, cfg.Redis, cfg.Core.Cache.Policy.GracePeriod, logger.WithPrefix("cache.l2"))
	}

	embedProvider, completeProvider := providers.FromEnv(cfg.Core.Dimensions, logger)

	c, err := core.New(cfg.Core, core.Dependencies{
		Persistence:        repo,
		EmbeddingProvider:  embedProvider,
		CompletionProvider: completeProvider,
		IdentityProvider:   auth.NewJWTProvider(cfg.JWTSecret),
		L2:                 l2,
		Logger:             logger,
		Metrics:            observability.NewMetricsClient(),
	})
	if err != nil {
		logger.Fatal("Core construction failed", map[string]interface{}{"error": err.Error()})
	}
	c.StartHousekeepers()

	server := api.NewServer(c, api.Config{
		ListenAddress:  cfg.Server.ListenAddress,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		RequestTimeout: cfg.Server.RequestTimeout,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("Server failed", map[string]interface{}{"error": err.Error()})
		}
	case sig := <-stop:
		logger.Info("Shutting down", map[string]interface{}{"signal": sig.String()})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("Server shutdown incomplete", map[string]interface{}{"error": err.Error()})
	}
	if err := c.Shutdown(ctx); err != nil {
		logger.Warn("Core shutdown incomplete", map[string]interface{}{"error": err.Error()})
	}
}
