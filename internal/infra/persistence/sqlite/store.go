// Package sqlite provides the embedded SQLite relational mirror on the pure
// Go modernc driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"kgmirror/internal/infra/persistence/sqlstore"
)

// Store is a sqlstore.Store speaking the SQLite dialect.
type Store struct {
	*sqlstore.Store
	path string
}

// Dialect is the SQLite flavour of the shared SQL.
var Dialect = sqlstore.Dialect{
	Name:          "sqlite",
	TimestampType: "TIMESTAMP",
	JSONType:      "TEXT",
	Transient:     IsTransient,
}

// DSN builds the connection string for path: foreign keys on, a busy timeout
// so concurrent writers wait instead of failing, and sqlite-native time text.
func DSN(path string) string {
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Set("_time_format", "sqlite")
	return "file:" + path + "?" + q.Encode()
}

// NewStore opens (creating if needed) the database at path and applies the schema.
func NewStore(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		path = "kgmirror.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", DSN(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one connection serialises writers; the busy timeout covers other processes
	db.SetMaxOpenConns(1)
	s := &Store{Store: sqlstore.New(db, Dialect), path: path}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database file location.
func (s *Store) Path() string { return s.path }

// IsTransient reports SQLITE_BUSY and SQLITE_LOCKED, including their
// extended variants.
func IsTransient(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}
