package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"kgmirror/pkg/domain"
)

const dumpColumns = `id, object_key, fingerprint, created_at, downloaded_at, extracted_at,
	hierarchy_imported_at, entities_imported_at, politicians_imported_at`

// SaveDump inserts or replaces the dump row.
func (s *Store) SaveDump(ctx context.Context, d domain.Dump) error {
	if d.ID == "" {
		return fmt.Errorf("dump id required")
	}
	_, err := s.insertRows(ctx, s.db, "dumps",
		[]string{"id", "object_key", "fingerprint", "created_at", "downloaded_at", "extracted_at",
			"hierarchy_imported_at", "entities_imported_at", "politicians_imported_at"},
		`ON CONFLICT (id) DO UPDATE SET object_key = excluded.object_key, fingerprint = excluded.fingerprint,
			downloaded_at = excluded.downloaded_at, extracted_at = excluded.extracted_at,
			hierarchy_imported_at = excluded.hierarchy_imported_at,
			entities_imported_at = excluded.entities_imported_at,
			politicians_imported_at = excluded.politicians_imported_at`,
		[][]any{{d.ID, d.Key, d.Fingerprint, d.CreatedAt.UTC(), nullTime(d.DownloadedAt), nullTime(d.ExtractedAt),
			nullTime(d.HierarchyImportedAt), nullTime(d.EntitiesImportedAt), nullTime(d.PoliticiansImportedAt)}})
	return s.classify(err)
}

func scanDump(row scanner) (domain.Dump, error) {
	var d domain.Dump
	var created, downloaded, extracted, hierarchy, entities, politicians sql.NullTime
	if err := row.Scan(&d.ID, &d.Key, &d.Fingerprint, &created, &downloaded, &extracted, &hierarchy, &entities, &politicians); err != nil {
		return domain.Dump{}, err
	}
	d.CreatedAt = created.Time.UTC()
	d.DownloadedAt = timePtr(downloaded)
	d.ExtractedAt = timePtr(extracted)
	d.HierarchyImportedAt = timePtr(hierarchy)
	d.EntitiesImportedAt = timePtr(entities)
	d.PoliticiansImportedAt = timePtr(politicians)
	return d, nil
}

func (s *Store) GetDump(ctx context.Context, id string) (domain.Dump, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.Rebind(`SELECT `+dumpColumns+` FROM dumps WHERE id = ?`), id)
	d, err := scanDump(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Dump{}, fmt.Errorf("dump %s: %w", id, domain.ErrNotFound)
	}
	return d, s.classify(err)
}

func (s *Store) FindDumpByFingerprint(ctx context.Context, fingerprint string) (domain.Dump, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.Rebind(`SELECT `+dumpColumns+` FROM dumps
		WHERE fingerprint = ? ORDER BY created_at DESC, id DESC LIMIT 1`), fingerprint)
	d, err := scanDump(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Dump{}, fmt.Errorf("dump with fingerprint %s: %w", fingerprint, domain.ErrNotFound)
	}
	return d, s.classify(err)
}

func scanEntity(row scanner) (domain.Entity, error) {
	var e domain.Entity
	var name, desc sql.NullString
	var created, updated, deleted sql.NullTime
	if err := row.Scan(&e.ID, &name, &desc, &created, &updated, &deleted); err != nil {
		return domain.Entity{}, err
	}
	e.Name = name.String
	e.Description = desc.String
	e.CreatedAt = created.Time.UTC()
	e.UpdatedAt = updated.Time.UTC()
	e.DeletedAt = timePtr(deleted)
	return e, nil
}

func (s *Store) GetEntity(ctx context.Context, id string) (domain.Entity, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.Rebind(`SELECT id, name, description, created_at, updated_at, deleted_at FROM entities WHERE id = ?`), id)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Entity{}, fmt.Errorf("entity %s: %w", id, domain.ErrNotFound)
	}
	return e, s.classify(err)
}

// queryAll runs query and collects each row through scan.
func queryAll[T any](ctx context.Context, s *Store, query string, scan func(scanner) (T, error), args ...any) ([]T, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, s.classify(err)
	}
	defer func() { _ = rows.Close() }()
	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) ListEntities(ctx context.Context) ([]domain.Entity, error) {
	return queryAll(ctx, s, `SELECT id, name, description, created_at, updated_at, deleted_at FROM entities ORDER BY id`, scanEntity)
}

func (s *Store) ListRelations(ctx context.Context) ([]domain.Relation, error) {
	return queryAll(ctx, s, `SELECT parent_id, child_id, kind, statement_id, deleted_at FROM relations ORDER BY parent_id, child_id, kind`,
		func(row scanner) (domain.Relation, error) {
			var r domain.Relation
			var kind string
			var stmt sql.NullString
			var deleted sql.NullTime
			if err := row.Scan(&r.ParentID, &r.ChildID, &kind, &stmt, &deleted); err != nil {
				return domain.Relation{}, err
			}
			r.Kind = domain.RelationKind(kind)
			r.StatementID = stmt.String
			r.DeletedAt = timePtr(deleted)
			return r, nil
		})
}

func (s *Store) ListProperties(ctx context.Context) ([]domain.Property, error) {
	return queryAll(ctx, s, `SELECT id, politician_id, type, value, value_precision, entity_id, qualifiers,
		statement_id, archived_page_id, deleted_at FROM properties ORDER BY statement_id, id`,
		func(row scanner) (domain.Property, error) {
			var p domain.Property
			var typ string
			var value, entityID, qualifiers, stmt, archived sql.NullString
			var precision sql.NullInt64
			var deleted sql.NullTime
			if err := row.Scan(&p.ID, &p.PoliticianID, &typ, &value, &precision, &entityID, &qualifiers, &stmt, &archived, &deleted); err != nil {
				return domain.Property{}, err
			}
			p.Type = domain.PropertyType(typ)
			p.Value = value.String
			p.ValuePrecision = int(precision.Int64)
			p.EntityID = entityID.String
			if qualifiers.Valid && qualifiers.String != "" {
				p.Qualifiers = json.RawMessage(qualifiers.String)
			}
			p.StatementID = stmt.String
			p.ArchivedPageID = archived.String
			p.DeletedAt = timePtr(deleted)
			return p, nil
		})
}

func (s *Store) ListArticleLinks(ctx context.Context) ([]domain.ArticleLink, error) {
	return queryAll(ctx, s, `SELECT politician_id, site, title, url FROM article_links ORDER BY politician_id, site`,
		func(row scanner) (domain.ArticleLink, error) {
			var l domain.ArticleLink
			err := row.Scan(&l.PoliticianID, &l.Site, &l.Title, &l.URL)
			return l, err
		})
}

// SubtypeIDs lists the ids holding the subtype row of kind, sorted.
func (s *Store) SubtypeIDs(ctx context.Context, kind domain.RecordKind) ([]string, error) {
	tables := map[domain.RecordKind]string{
		domain.KindPolitician: "politicians",
		domain.KindPosition:   "positions",
		domain.KindLocation:   "locations",
		domain.KindCountry:    "countries",
	}
	table, ok := tables[kind]
	if !ok {
		return nil, fmt.Errorf("no subtype table for %q", kind)
	}
	return queryAll(ctx, s, `SELECT id FROM `+table+` ORDER BY id`, func(row scanner) (string, error) {
		var id string
		err := row.Scan(&id)
		return id, err
	})
}
