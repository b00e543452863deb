package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"kgmirror/pkg/domain"
)

// withScope loads allowed into scope_ids under key for the duration of fn.
func (s *Store) withScope(ctx context.Context, key string, allowed []string, fn func(*sql.Tx) (int64, error)) (int64, error) {
	var n int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.exec(ctx, tx, `DELETE FROM scope_ids WHERE scope = ?`, key); err != nil {
			return fmt.Errorf("reset scope %s: %w", key, err)
		}
		ids := uniqueSorted(allowed)
		rows := make([][]any, len(ids))
		for i, id := range ids {
			rows[i] = []any{key, id}
		}
		if _, err := s.insertRows(ctx, tx, "scope_ids", []string{"scope", "entity_id"}, "", rows); err != nil {
			return err
		}
		var err error
		if n, err = fn(tx); err != nil {
			return err
		}
		_, err = s.exec(ctx, tx, `DELETE FROM scope_ids WHERE scope = ?`, key)
		return err
	})
	return n, err
}

func (s *Store) SoftDeletePropertiesOutside(ctx context.Context, propType domain.PropertyType, allowed []string, now time.Time) (int64, error) {
	key := "property:" + string(propType)
	return s.withScope(ctx, key, allowed, func(tx *sql.Tx) (int64, error) {
		res, err := s.exec(ctx, tx, `UPDATE properties SET deleted_at = ?
			WHERE deleted_at IS NULL AND type = ? AND entity_id IS NOT NULL
			AND NOT EXISTS (SELECT 1 FROM scope_ids s WHERE s.scope = ? AND s.entity_id = properties.entity_id)`,
			now.UTC(), string(propType), key)
		if err != nil {
			return 0, fmt.Errorf("soft delete %s properties: %w", propType, err)
		}
		return res.RowsAffected()
	})
}

func scopeTable(scope domain.Scope) (string, error) {
	switch scope {
	case domain.ScopePositions, domain.ScopeLocations, domain.ScopeCountries:
		return string(scope), nil
	}
	return "", fmt.Errorf("unknown scope %q", scope)
}

func (s *Store) DeleteSubtypesOutside(ctx context.Context, scope domain.Scope, allowed []string) (int64, error) {
	table, err := scopeTable(scope)
	if err != nil {
		return 0, err
	}
	key := "subtype:" + table
	return s.withScope(ctx, key, allowed, func(tx *sql.Tx) (int64, error) {
		res, err := s.exec(ctx, tx, fmt.Sprintf(`DELETE FROM %[1]s
			WHERE NOT EXISTS (SELECT 1 FROM scope_ids s WHERE s.scope = ? AND s.entity_id = %[1]s.id)`, table), key)
		if err != nil {
			return 0, fmt.Errorf("delete %s outside hierarchy: %w", table, err)
		}
		return res.RowsAffected()
	})
}

// DeleteOrphanEntities hard-deletes entities that no subtype row, relation or
// property references.
func (s *Store) DeleteOrphanEntities(ctx context.Context) (int64, error) {
	var n int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := s.exec(ctx, tx, `DELETE FROM entities
			WHERE NOT EXISTS (SELECT 1 FROM politicians t WHERE t.id = entities.id)
			AND NOT EXISTS (SELECT 1 FROM positions t WHERE t.id = entities.id)
			AND NOT EXISTS (SELECT 1 FROM locations t WHERE t.id = entities.id)
			AND NOT EXISTS (SELECT 1 FROM countries t WHERE t.id = entities.id)
			AND NOT EXISTS (SELECT 1 FROM relations r WHERE r.parent_id = entities.id OR r.child_id = entities.id)
			AND NOT EXISTS (SELECT 1 FROM properties p WHERE p.politician_id = entities.id OR p.entity_id = entities.id)`)
		if err != nil {
			return fmt.Errorf("delete orphan entities: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}
