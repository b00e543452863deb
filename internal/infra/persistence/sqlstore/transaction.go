package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"kgmirror/pkg/domain"
)

// transaction implements domain.Transaction. Rows are deduplicated by
// conflict key (last write wins) and sorted so concurrent batches lock rows
// in the same order.
type transaction struct {
	ctx   context.Context
	store *Store
	tx    *sql.Tx
	now   time.Time
}

func (t *transaction) insert(table string, cols []string, suffix string, rows [][]any) (int64, error) {
	return t.store.insertRows(t.ctx, t.tx, table, cols, suffix, rows)
}

func uniqueSorted(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func idRows(ids []string) [][]any {
	ids = uniqueSorted(ids)
	rows := make([][]any, len(ids))
	for i, id := range ids {
		rows[i] = []any{id}
	}
	return rows
}

func (t *transaction) UpsertEntities(entities []domain.Entity) error {
	byID := make(map[string]domain.Entity, len(entities))
	for _, e := range entities {
		if e.ID == "" {
			return fmt.Errorf("entity id required")
		}
		byID[e.ID] = e
	}
	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	rows := make([][]any, len(ids))
	for i, id := range ids {
		e := byID[id]
		rows[i] = []any{e.ID, nullString(e.Name), nullString(e.Description), t.now, t.now, nil}
	}
	_, err := t.insert("entities", []string{"id", "name", "description", "created_at", "updated_at", "deleted_at"},
		`ON CONFLICT (id) DO UPDATE SET name = COALESCE(excluded.name, entities.name),
			description = COALESCE(excluded.description, entities.description),
			updated_at = excluded.updated_at, deleted_at = NULL`, rows)
	return err
}

// EnsureEntities creates missing endpoint rows and revives soft-deleted ones.
// Live rows keep their name and timestamps.
func (t *transaction) EnsureEntities(ids []string) error {
	ids = uniqueSorted(ids)
	rows := make([][]any, len(ids))
	for i, id := range ids {
		rows[i] = []any{id, t.now, t.now}
	}
	_, err := t.insert("entities", []string{"id", "created_at", "updated_at"},
		`ON CONFLICT (id) DO UPDATE SET deleted_at = NULL, updated_at = excluded.updated_at
		WHERE entities.deleted_at IS NOT NULL`, rows)
	return err
}

func (t *transaction) upsertSubtype(table string, ids []string) error {
	_, err := t.insert(table, []string{"id"}, "ON CONFLICT (id) DO NOTHING", idRows(ids))
	return err
}

func (t *transaction) UpsertPoliticians(ids []string) error { return t.upsertSubtype("politicians", ids) }
func (t *transaction) UpsertPositions(ids []string) error   { return t.upsertSubtype("positions", ids) }
func (t *transaction) UpsertLocations(ids []string) error   { return t.upsertSubtype("locations", ids) }

func (t *transaction) UpsertCountries(countries []domain.Country) error {
	byID := make(map[string]domain.Country, len(countries))
	for _, c := range countries {
		byID[c.ID] = c
	}
	rows := make([][]any, 0, len(byID))
	for _, id := range sortedKeys(byID) {
		rows = append(rows, []any{id, nullString(byID[id].ISOCode)})
	}
	_, err := t.insert("countries", []string{"id", "iso_code"},
		"ON CONFLICT (id) DO UPDATE SET iso_code = excluded.iso_code", rows)
	return err
}

func (t *transaction) UpsertRelations(relations []domain.Relation) error {
	byKey := make(map[domain.RelationKey]domain.Relation, len(relations))
	for _, r := range relations {
		if !r.Kind.Valid() {
			return fmt.Errorf("relation %s->%s: invalid kind %q", r.ParentID, r.ChildID, r.Kind)
		}
		byKey[r.Key()] = r
	}
	keys := make([]domain.RelationKey, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.ParentID != b.ParentID {
			return a.ParentID < b.ParentID
		}
		if a.ChildID != b.ChildID {
			return a.ChildID < b.ChildID
		}
		return a.Kind < b.Kind
	})
	rows := make([][]any, len(keys))
	for i, k := range keys {
		r := byKey[k]
		rows[i] = []any{r.ParentID, r.ChildID, string(r.Kind), nullString(r.StatementID), nil}
	}
	_, err := t.insert("relations", []string{"parent_id", "child_id", "kind", "statement_id", "deleted_at"},
		`ON CONFLICT (parent_id, child_id, kind) DO UPDATE SET statement_id = excluded.statement_id, deleted_at = NULL`, rows)
	return err
}

// UpsertProperties keys rows on statement id. A statement already owned by a
// different politician leaves the row untouched and fails the batch with
// domain.ErrStatementConflict.
func (t *transaction) UpsertProperties(properties []domain.Property) error {
	keyed := make(map[string]domain.Property, len(properties))
	var plain []domain.Property
	for _, p := range properties {
		if p.StatementID == "" {
			plain = append(plain, p)
			continue
		}
		keyed[p.StatementID] = p
	}
	cols := []string{"id", "politician_id", "type", "value", "value_precision", "entity_id", "qualifiers", "statement_id", "archived_page_id", "deleted_at"}
	row := func(p domain.Property) []any {
		id := p.ID
		if id == "" {
			id = uuid.NewString()
		}
		var qualifiers any
		if len(p.Qualifiers) > 0 {
			qualifiers = string(p.Qualifiers)
		}
		return []any{id, p.PoliticianID, string(p.Type), nullString(p.Value), nullInt(p.ValuePrecision),
			nullString(p.EntityID), qualifiers, nullString(p.StatementID), nullString(p.ArchivedPageID), nil}
	}
	rows := make([][]any, 0, len(keyed))
	for _, sid := range sortedKeys(keyed) {
		rows = append(rows, row(keyed[sid]))
	}
	n, err := t.insert("properties", cols,
		`ON CONFLICT (statement_id) DO UPDATE SET type = excluded.type, value = excluded.value,
			value_precision = excluded.value_precision, entity_id = excluded.entity_id,
			qualifiers = excluded.qualifiers,
			archived_page_id = COALESCE(excluded.archived_page_id, properties.archived_page_id),
			deleted_at = NULL
		WHERE properties.politician_id = excluded.politician_id`, rows)
	if err != nil {
		return err
	}
	if n < int64(len(rows)) {
		return fmt.Errorf("%w: %d of %d statements belong to another politician", domain.ErrStatementConflict, int64(len(rows))-n, len(rows))
	}
	if len(plain) == 0 {
		return nil
	}
	rows = rows[:0]
	for _, p := range plain {
		rows = append(rows, row(p))
	}
	_, err = t.insert("properties", cols, "", rows)
	return err
}

func (t *transaction) UpsertArticleLinks(links []domain.ArticleLink) error {
	type key struct{ politician, site string }
	byKey := make(map[key]domain.ArticleLink, len(links))
	for _, l := range links {
		byKey[key{l.PoliticianID, l.Site}] = l
	}
	keys := make([]key, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].politician != keys[j].politician {
			return keys[i].politician < keys[j].politician
		}
		return keys[i].site < keys[j].site
	})
	rows := make([][]any, len(keys))
	for i, k := range keys {
		l := byKey[k]
		rows[i] = []any{l.PoliticianID, l.Site, l.Title, l.URL}
	}
	_, err := t.insert("article_links", []string{"politician_id", "site", "title", "url"},
		"ON CONFLICT (politician_id, site) DO UPDATE SET title = excluded.title, url = excluded.url", rows)
	return err
}

func (t *transaction) TouchEntities(ids []string) error {
	_, err := t.insert("current_import_entities", []string{"entity_id"}, "ON CONFLICT (entity_id) DO NOTHING", idRows(ids))
	return err
}

func (t *transaction) TouchStatements(ids []string) error {
	_, err := t.insert("current_import_statements", []string{"statement_id"}, "ON CONFLICT (statement_id) DO NOTHING", idRows(ids))
	return err
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
