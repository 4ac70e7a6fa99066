package repository

// Schema definitions for the Merlin rulepack catalog.
// Compatible with both SQLite and PostgreSQL.

// schemaRulepacks is the append-only catalog. Rows are inserted once
// and never updated in place; status is the only mutable column. The
// primary key serializes concurrent registrations of the same version
// at the storage layer.
const schemaRulepacks = `
CREATE TABLE IF NOT EXISTS rulepacks (
    id TEXT NOT NULL,
    jurisdiction TEXT NOT NULL,
    filing_type TEXT NOT NULL,
    version TEXT NOT NULL,
    effective_from TIMESTAMP NOT NULL,
    effective_to TIMESTAMP,
    status TEXT NOT NULL,
    author TEXT NOT NULL DEFAULT '',
    content_hash TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (jurisdiction, filing_type, version)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_rulepacks_id ON rulepacks(id);
CREATE INDEX IF NOT EXISTS idx_rulepacks_active ON rulepacks(jurisdiction, filing_type, status, effective_from);
CREATE INDEX IF NOT EXISTS idx_rulepacks_hash ON rulepacks(content_hash);
`

// schemaRulepackContents deduplicates rulepack content across versions
// that differ only in catalog metadata.
const schemaRulepackContents = `
CREATE TABLE IF NOT EXISTS rulepack_contents (
    content_hash TEXT PRIMARY KEY,
    canonical_source BLOB NOT NULL,
    compiled_form TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);
`

// AllSchemas returns schemas in creation order.
func AllSchemas() []string {
	return []string{
		schemaRulepacks,
		schemaRulepackContents,
	}
}
