package domain

import (
	"context"
	"time"
)

// Cache caches compiled rulepacks on the evaluation path. Supports
// two-phase caching: local LRU (Community) + Redis (Pro). Keys are
// scoped per (jurisdiction, filingType) to keep eviction fair across
// jurisdictions. Compiled packs are immutable, so cached entries never
// need invalidation; new versions get new keys.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, scope string, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, scope string, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, scope string, key string) error

	// GetRulepack retrieves a cached compiled rulepack by key.
	GetRulepack(ctx context.Context, scope string, key string) (*CompiledRulepack, error)

	// SetRulepack caches a compiled rulepack.
	SetRulepack(ctx context.Context, scope string, key string, pack *CompiledRulepack, ttl time.Duration) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string `env:"MERLIN_CACHE_TYPE"`

	// Local LRU cache settings (Community tier)
	LocalMaxSize int           `env:"MERLIN_CACHE_LOCAL_MAX_SIZE"`
	LocalTTL     time.Duration `env:"MERLIN_CACHE_LOCAL_TTL"`

	// Redis settings (Pro tier)
	RedisAddr     string `env:"MERLIN_REDIS_ADDR"`
	RedisPassword string `env:"MERLIN_REDIS_PASSWORD"`
	RedisDB       int    `env:"MERLIN_REDIS_DB"`

	// Two-phase settings
	EnableTwoPhase bool `env:"MERLIN_CACHE_TWO_PHASE"` // check local first, then Redis
}
