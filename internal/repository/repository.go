// Package repository provides the persistent rulepack catalog.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/opensource-finance/merlin/internal/domain"
)

var (
	// ErrNotFound is the domain lookup sentinel under the package's
	// conventional name; errors.Is matches either.
	ErrNotFound     = domain.ErrRulepackNotFound
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// packContent is the deduplicated, version-independent part of a
// compiled rulepack stored in rulepack_contents.compiled_form.
type packContent struct {
	Rules        []domain.Rule        `json:"rules"`
	Calculations []domain.Calculation `json:"calculations"`
	CalcOrder    []string             `json:"calcOrder"`
	Thresholds   []domain.Threshold   `json:"thresholds,omitempty"`
	References   []domain.Reference   `json:"references,omitempty"`
}

// SaveRulepack inserts a catalog row plus, if not already present, the
// content row for its hash. Inserting an existing (jurisdiction,
// filingType, version) key returns domain.ErrVersionConflict; the
// catalog never overwrites.
func (r *SQLRepository) SaveRulepack(ctx context.Context, pack *domain.CompiledRulepack, canonicalSource []byte) error {
	if pack == nil {
		return fmt.Errorf("%w: pack is required", ErrInvalidInput)
	}
	if pack.Jurisdiction == "" || pack.FilingType == "" || pack.Version == "" {
		return fmt.Errorf("%w: jurisdiction, filingType and version are required", ErrInvalidInput)
	}

	compiled, err := json.Marshal(packContent{
		Rules:        pack.Rules,
		Calculations: pack.Calculations,
		CalcOrder:    pack.CalcOrder,
		Thresholds:   pack.Thresholds,
		References:   pack.References,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal compiled form: %w", err)
	}

	now := time.Now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Content rows are shared across versions with equal hashes.
	contentQuery := `
		INSERT INTO rulepack_contents (content_hash, canonical_source, compiled_form, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(content_hash) DO NOTHING
	`
	if _, err := tx.ExecContext(ctx, r.rebind(contentQuery),
		pack.ContentHash, canonicalSource, string(compiled), now,
	); err != nil {
		return err
	}

	catalogQuery := `
		INSERT INTO rulepacks (
			id, jurisdiction, filing_type, version,
			effective_from, effective_to, status, author, content_hash, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	if _, err := tx.ExecContext(ctx, r.rebind(catalogQuery),
		pack.ID, pack.Jurisdiction, pack.FilingType, pack.Version,
		pack.EffectiveFrom, pack.EffectiveTo, string(pack.Status), pack.Author, pack.ContentHash, now,
	); err != nil {
		if isUniqueViolation(err) {
			return domain.ErrVersionConflict
		}
		return err
	}

	return tx.Commit()
}

const selectColumns = `
	p.id, p.jurisdiction, p.filing_type, p.version,
	p.effective_from, p.effective_to, p.status, p.author, p.content_hash, p.created_at,
	c.compiled_form
`

// GetRulepack retrieves one catalog entry by exact key.
func (r *SQLRepository) GetRulepack(ctx context.Context, jurisdiction, filingType, version string) (*domain.CompiledRulepack, error) {
	query := `
		SELECT ` + selectColumns + `
		FROM rulepacks p
		JOIN rulepack_contents c ON c.content_hash = p.content_hash
		WHERE p.jurisdiction = ? AND p.filing_type = ? AND p.version = ?
	`
	return r.queryOne(ctx, query, jurisdiction, filingType, version)
}

// GetRulepackByID retrieves one catalog entry by id.
func (r *SQLRepository) GetRulepackByID(ctx context.Context, id string) (*domain.CompiledRulepack, error) {
	query := `
		SELECT ` + selectColumns + `
		FROM rulepacks p
		JOIN rulepack_contents c ON c.content_hash = p.content_hash
		WHERE p.id = ?
	`
	return r.queryOne(ctx, query, id)
}

// ListRulepacks returns all versions for a key, newest effectiveFrom first.
func (r *SQLRepository) ListRulepacks(ctx context.Context, jurisdiction, filingType string) ([]*domain.CompiledRulepack, error) {
	query := `
		SELECT ` + selectColumns + `
		FROM rulepacks p
		JOIN rulepack_contents c ON c.content_hash = p.content_hash
		WHERE p.jurisdiction = ? AND p.filing_type = ?
		ORDER BY p.effective_from DESC, p.version DESC
	`
	rows, err := r.db.QueryContext(ctx, r.rebind(query), jurisdiction, filingType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var packs []*domain.CompiledRulepack
	for rows.Next() {
		pack, err := scanPack(rows)
		if err != nil {
			return nil, err
		}
		packs = append(packs, pack)
	}
	return packs, rows.Err()
}

// ResolveActive selects the single legally-effective version at asOf.
// Candidates are filtered in SQL; the final tie-break (latest
// effectiveFrom, then semantically highest version) runs in Go so
// version ordering is semver, not lexicographic column ordering.
func (r *SQLRepository) ResolveActive(ctx context.Context, jurisdiction, filingType string, asOf time.Time) (*domain.CompiledRulepack, error) {
	query := `
		SELECT ` + selectColumns + `
		FROM rulepacks p
		JOIN rulepack_contents c ON c.content_hash = p.content_hash
		WHERE p.jurisdiction = ? AND p.filing_type = ?
		  AND p.status = ?
		  AND p.effective_from <= ?
		  AND (p.effective_to IS NULL OR p.effective_to >= ?)
	`
	rows, err := r.db.QueryContext(ctx, r.rebind(query),
		jurisdiction, filingType, string(domain.StatusActive), asOf, asOf,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candidates []*domain.CompiledRulepack
	for rows.Next() {
		pack, err := scanPack(rows)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, pack)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, domain.ErrRulepackNotFound
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.EffectiveFrom.Equal(b.EffectiveFrom) {
			return a.EffectiveFrom.After(b.EffectiveFrom)
		}
		return compareVersions(a.Version, b.Version) > 0
	})
	return candidates[0], nil
}

// compareVersions orders semantic versions, falling back to string
// comparison for versions that predate semver validation.
func compareVersions(a, b string) int {
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	if errA != nil || errB != nil {
		return strings.Compare(a, b)
	}
	return va.Compare(vb)
}

// SetStatus transitions a version's lifecycle status.
func (r *SQLRepository) SetStatus(ctx context.Context, jurisdiction, filingType, version string, status domain.RulepackStatus) error {
	switch status {
	case domain.StatusDraft, domain.StatusActive, domain.StatusRetired:
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
	}

	query := `
		UPDATE rulepacks SET status = ?
		WHERE jurisdiction = ? AND filing_type = ? AND version = ?
	`
	res, err := r.db.ExecContext(ctx, r.rebind(query), string(status), jurisdiction, filingType, version)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Ping checks database health.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPack(row rowScanner) (*domain.CompiledRulepack, error) {
	var pack domain.CompiledRulepack
	var status, compiled string
	var effectiveTo sql.NullTime

	if err := row.Scan(
		&pack.ID, &pack.Jurisdiction, &pack.FilingType, &pack.Version,
		&pack.EffectiveFrom, &effectiveTo, &status, &pack.Author, &pack.ContentHash, &pack.CompiledAt,
		&compiled,
	); err != nil {
		return nil, err
	}

	if effectiveTo.Valid {
		t := effectiveTo.Time
		pack.EffectiveTo = &t
	}
	pack.Status = domain.RulepackStatus(status)

	var content packContent
	if err := json.Unmarshal([]byte(compiled), &content); err != nil {
		return nil, fmt.Errorf("failed to unmarshal compiled form: %w", err)
	}
	pack.Rules = content.Rules
	pack.Calculations = content.Calculations
	pack.CalcOrder = content.CalcOrder
	pack.Thresholds = content.Thresholds
	pack.References = content.References

	return &pack, nil
}

func (r *SQLRepository) queryOne(ctx context.Context, query string, args ...any) (*domain.CompiledRulepack, error) {
	row := r.db.QueryRowContext(ctx, r.rebind(query), args...)
	pack, err := scanPack(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return pack, nil
}

// isUniqueViolation detects a primary key collision across both
// drivers without importing driver error types into callers.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // modernc sqlite
		strings.Contains(msg, "duplicate key value") // lib/pq
}

func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
