// Package sqlstore implements domain.PersistentStore over database/sql. The
// postgres and sqlite packages supply a Dialect and own connection setup.
package sqlstore

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
)

// Dialect captures the per-database differences the store cares about.
type Dialect struct {
	// Name is reported in errors and logs.
	Name string
	// Numbered switches `?` placeholders to `$1, $2, ...`.
	Numbered bool
	// TimestampType and JSONType are substituted into the schema.
	TimestampType string
	JSONType      string
	// Truncate empties a table. Defaults to DELETE FROM.
	Truncate func(table string) string
	// Transient reports driver-specific retryable failures (busy, deadlock,
	// serialization, lost connection).
	Transient func(err error) bool
}

// Rebind rewrites `?` placeholders for the dialect.
func (d Dialect) Rebind(query string) string {
	if !d.Numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (d Dialect) truncate(table string) string {
	if d.Truncate != nil {
		return d.Truncate(table)
	}
	return "DELETE FROM " + table
}

// IsTransient reports whether err is worth retrying on any dialect.
func (d Dialect) IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return d.Transient != nil && d.Transient(err)
}
