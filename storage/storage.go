// Package storage persists the control plane's relational state in sqlite.
// One Storage guards the database with a single-writer mutex; batch writers
// (the persister) and HTTP readers share it.
package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaDDL string

// DBTX is the subset of *sql.DB the query helpers need; the logging wrapper
// implements it too.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Storage struct {
	db *sql.DB
	q  DBTX
	mu sync.Mutex
}

type Option func(*Storage)

// WithQueryLogger wraps every statement with slog output. Debug tooling only;
// the SQL volume at fleet scale is substantial.
func WithQueryLogger(logger *slog.Logger) Option {
	return func(s *Storage) {
		if logger != nil {
			s.q = loggingDB{inner: s.db, logger: logger}
		}
	}
}

// New opens (creating if necessary) the sqlite database at url. Accepts both
// bare paths and file: URLs; the WAL and busy-timeout pragmas required for a
// multi-goroutine writer are applied unconditionally.
func New(url string, opts ...Option) (*Storage, error) {
	db, err := sql.Open("sqlite", dsn(url))
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	// modernc sqlite serializes writes anyway; a single connection avoids
	// SQLITE_BUSY churn between the persister and HTTP readers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	s := &Storage{db: db}
	s.q = db
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func dsn(url string) string {
	if strings.HasPrefix(url, "file:") || strings.HasPrefix(url, ":memory:") {
		return url
	}
	if strings.HasPrefix(url, "sqlite://") {
		return strings.TrimPrefix(url, "sqlite://")
	}
	return url
}

func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
