// Package store implements the local review cache on SQLite.
//
// All access goes through Store.WithSession, which hands the caller a
// Session bound to one transaction. Only one session is open at a time
// across the whole process; it commits when the callback returns nil and
// rolls back on any error or panic.
//
// Lookups return (nil, nil) when the row does not exist.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/revsync/internal/dbx"
	"github.com/dmitrijs2005/revsync/internal/migrations"
	"github.com/pressly/goose/v3"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by callers that require an entity to exist.
var ErrNotFound = errors.New("not found in local cache")

type Store struct {
	ex *dbx.Exclusive
}

// RunMigrations applies the embedded schema migrations.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	return goose.UpContext(ctx, db, ".")
}

// Open opens (creating if needed) the cache at dsn and migrates it.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}

	if err := RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate cache: %w", err)
	}

	// A single connection keeps the writer exclusive at the driver level too.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return &Store{ex: dbx.NewExclusive(db)}, nil
}

// WithSession runs fn inside the exclusive cache transaction.
func (s *Store) WithSession(ctx context.Context, fn func(ctx context.Context, sess *Session) error) error {
	return s.ex.WithTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		return fn(ctx, &Session{db: tx})
	})
}

func (s *Store) Close() error {
	return s.ex.DB().Close()
}

// Session is a transactional view of the cache. It must not be retained
// after the WithSession callback returns.
type Session struct {
	db dbx.DBTX
}

// NewSession binds a Session to an arbitrary handle. Tests use it with a
// plain *sql.DB.
func NewSession(db dbx.DBTX) *Session {
	return &Session{db: db}
}

type scanner interface {
	Scan(dest ...any) error
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func (s *Session) exec(ctx context.Context, what string, query string, args ...any) error {
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to %s: %w", what, err)
	}
	return nil
}

func (s *Session) insert(ctx context.Context, what string, query string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to %s: %w", what, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to %s: %w", what, err)
	}
	return id, nil
}

// MemoryDSN returns a DSN for a named, shared-cache in-memory database that
// lives as long as the Store holding it.
func MemoryDSN(name string) string {
	return "file:" + name + "?mode=memory&cache=shared"
}
