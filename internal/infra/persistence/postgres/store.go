// Package postgres provides the Postgres-backed relational mirror. SQL lives
// in sqlstore; this package owns the connection, the dialect and the
// retryable error classification.
package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"kgmirror/internal/infra/persistence/sqlstore"
)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/kgmirror?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Store is a sqlstore.Store speaking the Postgres dialect.
type Store struct {
	*sqlstore.Store
}

// Dialect is the Postgres flavour of the shared SQL.
var Dialect = sqlstore.Dialect{
	Name:          "postgres",
	Numbered:      true,
	TimestampType: "TIMESTAMPTZ",
	JSONType:      "JSONB",
	Truncate:      func(table string) string { return "TRUNCATE " + table },
	Transient:     IsTransient,
}

// NewStore opens dsn (falls back to defaultDSN), pings it and applies the schema.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := Wrap(db)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Wrap builds a Store over an already opened database without migrating.
func Wrap(db *sql.DB) *Store {
	return &Store{Store: sqlstore.New(db, Dialect)}
}

// OverrideSQLOpen swaps the opener used by NewStore and returns a restore func.
func OverrideSQLOpen(fn func(driverName, dsn string) (*sql.DB, error)) func() {
	openMu.Lock()
	prev := sqlOpen
	sqlOpen = fn
	openMu.Unlock()
	return func() {
		openMu.Lock()
		sqlOpen = prev
		openMu.Unlock()
	}
}

// IsTransient reports serialization failures, deadlocks, lock timeouts, admin
// shutdowns, connection exceptions and errors pgx marks safe to retry.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03", "57P01":
			return true
		}
		return strings.HasPrefix(pgErr.Code, "08")
	}
	return pgconn.SafeToRetry(err) || pgconn.Timeout(err) || errors.Is(err, driver.ErrBadConn)
}
