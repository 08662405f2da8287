// Package store provides storage backends for LobikoPipe.
//
// Two SQL backends are supported: SQLite (default, single host) and PostgreSQL.
// Both share one query layer built on sqlx; placeholders are written as '?' and
// rebound per driver.
package store

import (
	"context"
	"errors"
	"log/slog"
	"strings"
)

// Sentinel errors returned by every backend.
var (
	// ErrDuplicate is returned when a uniqueness constraint rejects a write.
	ErrDuplicate = errors.New("store: duplicate record")
	// ErrNotFound is returned when an update targets a missing row.
	ErrNotFound = errors.New("store: record not found")
)

// Store is the full persistence surface used by the service.
type Store interface {
	PatientRepo
	PhysicianRepo
	SessionRepo
	ConversationStateRepo
	OutboxRepo
	DedupRepo

	// Ping verifies the database connection is alive.
	Ping(ctx context.Context) error
	// Close releases the database connection pool.
	Close() error
}

// Opts holds configuration for store constructors.
type Opts struct {
	DSN string
}

// Option defines a configuration option for a store.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path (or file: URI).
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and
// "sqlite3" for everything else.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// New opens the backend matching the configured DSN.
func New(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if DetectDSNType(cfg.DSN) == "postgres" {
		slog.Debug("store.New: using PostgreSQL backend")
		return NewPostgresStore(opts...)
	}
	slog.Debug("store.New: using SQLite backend")
	return NewSQLiteStore(opts...)
}
