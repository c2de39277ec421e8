// Package config loads the application configuration from file and
// environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/inkwell-ai/inkwell/internal/core"
	"github.com/inkwell-ai/inkwell/pkg/cache"
	"github.com/inkwell-ai/inkwell/pkg/repository"
)

// ServerConfig holds the HTTP server settings
type ServerConfig struct {
	ListenAddress string        `mapstructure:"listen_address"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	// RequestTimeout is the per-request deadline propagated through the
	// pipeline
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// Config holds the complete application configuration
type Config struct {
	Server   ServerConfig      `mapstructure:"server"`
	Core     core.Config       `mapstructure:"core"`
	Database repository.Config `mapstructure:"database"`
	Redis    cache.RedisConfig `mapstructure:"redis"`

	// JWTSecret verifies bearer tokens
	JWTSecret string `mapstructure:"jwt_secret"`
	// LogLevel is the minimum log level
	LogLevel string `mapstructure:"log_level"`
}

// Load reads configuration from the optional YAML file named by
// INKWELL_CONFIG_FILE and from INKWELL_-prefixed environment variables.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configFile := os.Getenv("INKWELL_CONFIG_FILE"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("INKWELL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{Core: core.DefaultConfig()}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints
func (c *Config) Validate() error {
	if c.Server.ListenAddress == "" {
		return fmt.Errorf("server.listen_address is required")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("jwt_secret is required")
	}
	if c.Core.Cache.SemanticThreshold < 0 || c.Core.Cache.SemanticThreshold > 1 {
		return fmt.Errorf("core.cache.semantic_threshold must be within [0, 1]")
	}
	if c.Core.Retriever.MMRLambda < 0 || c.Core.Retriever.MMRLambda > 1 {
		return fmt.Errorf("core.retriever.mmr_lambda must be within [0, 1]")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_address", ":8080")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 120*time.Second)
	v.SetDefault("server.request_timeout", 60*time.Second)

	v.SetDefault("database.dsn", repository.DefaultConfig().DSN)
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)

	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.prefix", "inkwell")

	v.SetDefault("jwt_secret", "")
	v.SetDefault("log_level", "info")

	v.SetDefault("core.chunker.target", 600)
	v.SetDefault("core.chunker.overlap", 150)
	v.SetDefault("core.retriever.top_k_initial", 8)
	v.SetDefault("core.retriever.top_k_final", 3)
	v.SetDefault("core.retriever.similarity_threshold", 0.75)
	v.SetDefault("core.retriever.mmr_lambda", 0.7)
	v.SetDefault("core.budget.default_strategy", "adaptive")
	v.SetDefault("core.budget.max_context_tokens", 1500)
	v.SetDefault("core.budget.max_response_tokens", 400)
	v.SetDefault("core.cache.l1.max_size_mb", 50)
	v.SetDefault("core.cache.l1.strategy", "LRU")
	v.SetDefault("core.cache.l2_enabled", false)
	v.SetDefault("core.cache.semantic_enabled", true)
	v.SetDefault("core.cache.semantic_threshold", 0.8)
	v.SetDefault("core.cache.policy.enforce_rls", true)
	v.SetDefault("core.cache.policy.hot_path_ttl_multiplier", 2)
	v.SetDefault("core.cache.max_cacheable_bytes", 1<<20)
	v.SetDefault("core.dimensions", 1536)
}
