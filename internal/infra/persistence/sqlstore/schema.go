package sqlstore

import (
	"context"
	"fmt"
	"strings"
)

const schemaTemplate = `
CREATE TABLE IF NOT EXISTS entities (
	id TEXT PRIMARY KEY,
	name TEXT,
	description TEXT,
	created_at {{ts}} NOT NULL,
	updated_at {{ts}} NOT NULL,
	deleted_at {{ts}}
);
CREATE TABLE IF NOT EXISTS politicians (
	id TEXT PRIMARY KEY REFERENCES entities(id) ON DELETE CASCADE
);
CREATE TABLE IF NOT EXISTS positions (
	id TEXT PRIMARY KEY REFERENCES entities(id) ON DELETE CASCADE
);
CREATE TABLE IF NOT EXISTS locations (
	id TEXT PRIMARY KEY REFERENCES entities(id) ON DELETE CASCADE
);
CREATE TABLE IF NOT EXISTS countries (
	id TEXT PRIMARY KEY REFERENCES entities(id) ON DELETE CASCADE,
	iso_code TEXT
);
CREATE TABLE IF NOT EXISTS relations (
	parent_id TEXT NOT NULL REFERENCES entities(id),
	child_id TEXT NOT NULL REFERENCES entities(id),
	kind TEXT NOT NULL,
	statement_id TEXT,
	deleted_at {{ts}},
	PRIMARY KEY (parent_id, child_id, kind)
);
CREATE INDEX IF NOT EXISTS relations_child_idx ON relations (child_id);
CREATE INDEX IF NOT EXISTS relations_statement_idx ON relations (statement_id);
CREATE TABLE IF NOT EXISTS properties (
	id TEXT PRIMARY KEY,
	politician_id TEXT NOT NULL REFERENCES entities(id),
	type TEXT NOT NULL,
	value TEXT,
	value_precision INTEGER,
	entity_id TEXT REFERENCES entities(id),
	qualifiers {{json}},
	statement_id TEXT UNIQUE,
	archived_page_id TEXT,
	deleted_at {{ts}}
);
CREATE INDEX IF NOT EXISTS properties_politician_idx ON properties (politician_id);
CREATE INDEX IF NOT EXISTS properties_entity_idx ON properties (entity_id);
CREATE TABLE IF NOT EXISTS article_links (
	politician_id TEXT NOT NULL REFERENCES politicians(id) ON DELETE CASCADE,
	site TEXT NOT NULL,
	title TEXT NOT NULL,
	url TEXT NOT NULL,
	PRIMARY KEY (politician_id, site)
);
CREATE TABLE IF NOT EXISTS import_runs (
	id TEXT PRIMARY KEY,
	dump_id TEXT,
	status TEXT NOT NULL,
	started_at {{ts}} NOT NULL,
	finished_at {{ts}}
);
CREATE TABLE IF NOT EXISTS current_import_entities (
	entity_id TEXT PRIMARY KEY
);
CREATE TABLE IF NOT EXISTS current_import_statements (
	statement_id TEXT PRIMARY KEY
);
CREATE TABLE IF NOT EXISTS dumps (
	id TEXT PRIMARY KEY,
	object_key TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	created_at {{ts}} NOT NULL,
	downloaded_at {{ts}},
	extracted_at {{ts}},
	hierarchy_imported_at {{ts}},
	entities_imported_at {{ts}},
	politicians_imported_at {{ts}}
);
CREATE INDEX IF NOT EXISTS dumps_fingerprint_idx ON dumps (fingerprint);
CREATE TABLE IF NOT EXISTS scope_ids (
	scope TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	PRIMARY KEY (scope, entity_id)
);
`

// Schema returns the DDL statements for d.
func Schema(d Dialect) []string {
	ddl := strings.NewReplacer("{{ts}}", d.TimestampType, "{{json}}", d.JSONType).Replace(schemaTemplate)
	var out []string
	for _, stmt := range strings.Split(ddl, ";") {
		if s := strings.TrimSpace(stmt); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Migrate applies the schema. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range Schema(s.dialect) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s: execute ddl: %w", s.dialect.Name, err)
		}
	}
	return nil
}
