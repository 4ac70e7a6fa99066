// Package domain defines the core types and interfaces for Merlin.
package domain

import (
	"context"
	"time"
)

// Repository is the append-only rulepack catalog. Entries are keyed by
// (jurisdiction, filingType, version) and never updated in place;
// concurrent registrations are serialized by a storage-layer uniqueness
// constraint, not an in-process lock.
type Repository interface {
	// SaveRulepack inserts a compiled rulepack. A key collision
	// returns ErrVersionConflict. Content rows are deduplicated by
	// hash across versions that differ only in metadata.
	SaveRulepack(ctx context.Context, pack *CompiledRulepack, canonicalSource []byte) error

	// GetRulepack retrieves one catalog entry by exact key.
	GetRulepack(ctx context.Context, jurisdiction, filingType, version string) (*CompiledRulepack, error)

	// GetRulepackByID retrieves one catalog entry by its id.
	GetRulepackByID(ctx context.Context, id string) (*CompiledRulepack, error)

	// ListRulepacks returns all versions for a (jurisdiction,
	// filingType) key, newest effectiveFrom first.
	ListRulepacks(ctx context.Context, jurisdiction, filingType string) ([]*CompiledRulepack, error)

	// ResolveActive selects the single legally-effective version at
	// asOf: status active, window containing asOf, latest
	// effectiveFrom, then semantically highest version. Returns
	// ErrRulepackNotFound when nothing qualifies.
	ResolveActive(ctx context.Context, jurisdiction, filingType string, asOf time.Time) (*CompiledRulepack, error)

	// SetStatus transitions a version's lifecycle status. Status is
	// catalog metadata, not rulepack content; it is the one mutable
	// column.
	SetStatus(ctx context.Context, jurisdiction, filingType, version string, status RulepackStatus) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `env:"MERLIN_DB_DRIVER"`

	// SQLite specific
	SQLitePath string `env:"MERLIN_SQLITE_PATH"`

	// PostgreSQL specific
	PostgresHost     string `env:"MERLIN_PG_HOST"`
	PostgresPort     int    `env:"MERLIN_PG_PORT"`
	PostgresUser     string `env:"MERLIN_PG_USER"`
	PostgresPassword string `env:"MERLIN_PG_PASSWORD"`
	PostgresDB       string `env:"MERLIN_PG_DB"`
	PostgresSSLMode  string `env:"MERLIN_PG_SSLMODE"`

	// Connection pool settings
	MaxOpenConns    int           `env:"MERLIN_DB_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `env:"MERLIN_DB_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `env:"MERLIN_DB_CONN_MAX_LIFETIME"`
}
