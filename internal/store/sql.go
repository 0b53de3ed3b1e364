package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// sqlStore implements every repository over database/sql. Queries are written with
// '?' placeholders and rebound for drivers that use numbered placeholders.
type sqlStore struct {
	db     *sql.DB
	name   string
	dollar bool
}

// q rebinds '?' placeholders to '$n' when required.
func (s *sqlStore) q(query string) string {
	if !s.dollar {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
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

func (s *sqlStore) exec(query string, args ...interface{}) (sql.Result, error) {
	return s.db.Exec(s.q(query), args...)
}

func (s *sqlStore) query(query string, args ...interface{}) (*sql.Rows, error) {
	return s.db.Query(s.q(query), args...)
}

func (s *sqlStore) queryRow(query string, args ...interface{}) *sql.Row {
	return s.db.QueryRow(s.q(query), args...)
}

// migrate applies the embedded schema.
func (s *sqlStore) migrate(schema string) error {
	slog.Debug(s.name+": running migrations")
	if _, err := s.db.Exec(schema); err != nil {
		slog.Error(s.name+": failed to run migrations", "error", err)
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug(s.name + ": migrations applied successfully")
	return nil
}

// Close closes the database connection.
func (s *sqlStore) Close() error {
	slog.Debug(s.name + ": closing database connection")
	if err := s.db.Close(); err != nil {
		slog.Error(s.name+": failed to close database", "error", err)
		return err
	}
	return nil
}

// placeholders returns "?, ?, ..." with n entries.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}
