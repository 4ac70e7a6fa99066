package domain

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the complete Merlin configuration.
type Config struct {
	// Server settings
	Server ServerConfig

	// Tier determines feature availability
	Tier Tier `env:"MERLIN_TIER"`

	// Component configurations
	Repository RepositoryConfig
	Cache      CacheConfig
	EventBus   EventBusConfig

	// Observability
	Logging LoggingConfig
	Tracing TracingConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `env:"MERLIN_HOST"`
	Port         int    `env:"MERLIN_PORT"`
	ReadTimeout  int    `env:"MERLIN_READ_TIMEOUT"`  // seconds
	WriteTimeout int    `env:"MERLIN_WRITE_TIMEOUT"` // seconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `env:"MERLIN_LOG_LEVEL"`  // debug, info, warn, error
	Format string `env:"MERLIN_LOG_FORMAT"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `env:"MERLIN_TRACING_ENABLED"`
	ServiceName  string `env:"MERLIN_TRACING_SERVICE"`
	ExporterType string `env:"MERLIN_TRACING_EXPORTER"` // stdout, otlp
	Endpoint     string `env:"MERLIN_TRACING_ENDPOINT"`
}

// Tier represents the product tier.
type Tier string

const (
	// TierCommunity is the free tier with SQLite + channels
	TierCommunity Tier = "community"

	// TierPro is the paid tier with PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./merlin.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 1000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "merlin",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "merlin",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}

// LoadConfig builds the effective configuration: tier defaults overlaid
// with MERLIN_* environment variables.
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	var tierEnv struct {
		Tier Tier `env:"MERLIN_TIER"`
	}
	if err := env.Parse(&tierEnv); err != nil {
		return nil, fmt.Errorf("failed to read tier from environment: %w", err)
	}
	if tierEnv.Tier == TierPro {
		cfg = ProConfig()
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment config: %w", err)
	}
	return cfg, nil
}
