package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"kgmirror/pkg/domain"
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.PersistentStore = (*Store)(nil)

// rowsPerStatement bounds multi-row VALUES lists, well under the bind
// parameter limits of both SQLite and Postgres.
const rowsPerStatement = 500

// Store is the relational mirror on top of a *sql.DB.
type Store struct {
	db      *sql.DB
	dialect Dialect
	nowFn   func() time.Time
}

// New wraps db. The caller owns migrations (see Migrate).
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect, nowFn: func() time.Time { return time.Now().UTC() }}
}

// SetNowFunc overrides the clock used for timestamps.
func (s *Store) SetNowFunc(fn func() time.Time) {
	if fn != nil {
		s.nowFn = fn
	}
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database handle.
func (s *Store) Close() error { return s.db.Close() }

// classify marks dialect-specific retryable failures as domain.TransientError.
func (s *Store) classify(err error) error {
	if err == nil || domain.IsTransient(err) {
		return err
	}
	if s.dialect.IsTransient(err) {
		return domain.Transient(err)
	}
	return err
}

func (s *Store) exec(ctx context.Context, q execer, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, s.dialect.Rebind(query), args...)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// inTx runs fn inside a database transaction, rolling back on error.
func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.classify(fmt.Errorf("begin: %w", err))
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return s.classify(err)
	}
	if err = tx.Commit(); err != nil {
		return s.classify(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// RunInTransaction executes fn in one database transaction.
func (s *Store) RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return fn(&transaction{ctx: ctx, store: s, tx: tx, now: s.nowFn()})
	})
}

// insertRows writes rows with multi-row INSERT statements followed by suffix
// (an ON CONFLICT clause) and returns the summed affected row count.
func (s *Store) insertRows(ctx context.Context, q execer, table string, cols []string, suffix string, rows [][]any) (int64, error) {
	var total int64
	rowPlaceholder := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ") + ")"
	for start := 0; start < len(rows); start += rowsPerStatement {
		end := min(start+rowsPerStatement, len(rows))
		chunk := rows[start:end]
		var b strings.Builder
		fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", table, strings.Join(cols, ", "))
		args := make([]any, 0, len(chunk)*len(cols))
		for i, row := range chunk {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(rowPlaceholder)
			args = append(args, row...)
		}
		b.WriteString(" ")
		b.WriteString(suffix)
		res, err := s.exec(ctx, q, b.String(), args...)
		if err != nil {
			return total, fmt.Errorf("insert %s: %w", table, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			total += n
		}
	}
	return total, nil
}

// nullString maps "" to NULL.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n int) any {
	if n == 0 {
		return nil
	}
	return int64(n)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
