package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// sqlStore holds the query layer shared by SQLiteStore and PostgresStore.
type sqlStore struct {
	db *sqlx.DB
}

// q rebinds a '?' placeholder query for the underlying driver.
func (s *sqlStore) q(query string) string {
	return s.db.Rebind(query)
}

// Ping verifies the database connection is alive.
func (s *sqlStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the database connection pool.
func (s *sqlStore) Close() error {
	slog.Debug("Closing database connection", "driver", s.db.DriverName())
	return s.db.Close()
}

// DB exposes the underlying handle for tests and migrations.
func (s *sqlStore) DB() *sqlx.DB {
	return s.db
}

// now returns the current time in UTC. SQLite compares timestamps as text,
// so every stored time must share one zone.
func now() time.Time {
	return time.Now().UTC()
}

// isUniqueViolation reports whether err is a uniqueness constraint failure on
// either backend.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
