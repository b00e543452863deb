package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"kgmirror/pkg/domain"
)

// ChildRelations returns live relations of kinds whose parent is in parentIDs.
func (s *Store) ChildRelations(ctx context.Context, parentIDs []string, kinds []domain.RelationKind) ([]domain.Relation, error) {
	if len(parentIDs) == 0 || len(kinds) == 0 {
		return nil, nil
	}
	kindArgs := make([]any, len(kinds))
	for i, k := range kinds {
		kindArgs[i] = string(k)
	}
	var out []domain.Relation
	for start := 0; start < len(parentIDs); start += rowsPerStatement {
		chunk := parentIDs[start:min(start+rowsPerStatement, len(parentIDs))]
		args := append([]any(nil), kindArgs...)
		for _, id := range chunk {
			args = append(args, id)
		}
		query := fmt.Sprintf(`SELECT parent_id, child_id, kind, statement_id FROM relations
			WHERE deleted_at IS NULL AND kind IN (%s) AND parent_id IN (%s)
			ORDER BY parent_id, child_id, kind`, placeholders(len(kinds)), placeholders(len(chunk)))
		rels, err := s.queryRelations(ctx, query, args...)
		if err != nil {
			return nil, s.classify(err)
		}
		out = append(out, rels...)
	}
	return out, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func (s *Store) queryRelations(ctx context.Context, query string, args ...any) ([]domain.Relation, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("select relations: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []domain.Relation
	for rows.Next() {
		var r domain.Relation
		var kind string
		var stmt sql.NullString
		if err := rows.Scan(&r.ParentID, &r.ChildID, &kind, &stmt); err != nil {
			return nil, fmt.Errorf("scan relation: %w", err)
		}
		r.Kind = domain.RelationKind(kind)
		r.StatementID = stmt.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// StartImportRun aborts running runs, truncates the tracking sets and inserts
// run in one transaction.
func (s *Store) StartImportRun(ctx context.Context, run domain.ImportRun) error {
	now := s.nowFn()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.exec(ctx, tx, `UPDATE import_runs SET status = ?, finished_at = ? WHERE status = ?`,
			string(domain.RunAborted), now, string(domain.RunRunning)); err != nil {
			return fmt.Errorf("abort stale runs: %w", err)
		}
		for _, table := range []string{"current_import_entities", "current_import_statements"} {
			if _, err := tx.ExecContext(ctx, s.dialect.truncate(table)); err != nil {
				return fmt.Errorf("truncate %s: %w", table, err)
			}
		}
		if _, err := s.exec(ctx, tx, `INSERT INTO import_runs (id, dump_id, status, started_at, finished_at) VALUES (?, ?, ?, ?, ?)`,
			run.ID, nullString(run.DumpID), string(run.Status), run.StartedAt.UTC(), nullTime(run.FinishedAt)); err != nil {
			return fmt.Errorf("insert import run: %w", err)
		}
		return nil
	})
}

func (s *Store) FinishImportRun(ctx context.Context, id string, status domain.RunStatus, now time.Time) (domain.ImportRun, error) {
	var run domain.ImportRun
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		run, err = s.getRun(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := run.Finish(status, now); err != nil {
			return err
		}
		_, err = s.exec(ctx, tx, `UPDATE import_runs SET status = ?, finished_at = ? WHERE id = ?`,
			string(run.Status), nullTime(run.FinishedAt), run.ID)
		return err
	})
	return run, err
}

func (s *Store) getRun(ctx context.Context, q execer, id string) (domain.ImportRun, error) {
	row := q.QueryRowContext(ctx, s.dialect.Rebind(`SELECT id, dump_id, status, started_at, finished_at FROM import_runs WHERE id = ?`), id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ImportRun{}, fmt.Errorf("import run %s: %w", id, domain.ErrNotFound)
	}
	return run, err
}

type scanner interface{ Scan(dest ...any) error }

func scanRun(row scanner) (domain.ImportRun, error) {
	var run domain.ImportRun
	var dumpID sql.NullString
	var status string
	var started, finished sql.NullTime
	if err := row.Scan(&run.ID, &dumpID, &status, &started, &finished); err != nil {
		return domain.ImportRun{}, err
	}
	run.DumpID = dumpID.String
	run.Status = domain.RunStatus(status)
	run.StartedAt = started.Time.UTC()
	run.FinishedAt = timePtr(finished)
	return run, nil
}

func (s *Store) ListImportRuns(ctx context.Context, limit int) ([]domain.ImportRun, error) {
	query := `SELECT id, dump_id, status, started_at, finished_at FROM import_runs ORDER BY started_at DESC, id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, s.classify(fmt.Errorf("select import runs: %w", err))
	}
	defer func() { _ = rows.Close() }()
	var out []domain.ImportRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan import run: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// SoftDeleteUntouched marks live rows absent from the tracking sets as deleted.
// Relations and properties without a statement id are not tracked and are kept.
func (s *Store) SoftDeleteUntouched(ctx context.Context, now time.Time) (domain.GCResult, error) {
	var res domain.GCResult
	at := now.UTC()
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		steps := []struct {
			query string
			count *int64
		}{
			{`UPDATE entities SET deleted_at = ? WHERE deleted_at IS NULL
				AND NOT EXISTS (SELECT 1 FROM current_import_entities c WHERE c.entity_id = entities.id)`, &res.Entities},
			{`UPDATE relations SET deleted_at = ? WHERE deleted_at IS NULL AND statement_id IS NOT NULL
				AND NOT EXISTS (SELECT 1 FROM current_import_statements c WHERE c.statement_id = relations.statement_id)`, &res.Relations},
			{`UPDATE properties SET deleted_at = ? WHERE deleted_at IS NULL AND statement_id IS NOT NULL
				AND NOT EXISTS (SELECT 1 FROM current_import_statements c WHERE c.statement_id = properties.statement_id)`, &res.Properties},
		}
		for _, step := range steps {
			r, err := s.exec(ctx, tx, step.query, at)
			if err != nil {
				return fmt.Errorf("soft delete: %w", err)
			}
			if *step.count, err = r.RowsAffected(); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return domain.GCResult{}, err
	}
	return res, nil
}
