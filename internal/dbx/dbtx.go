// Package dbx provides the transaction plumbing shared by the cache:
// a minimal interface (DBTX) implemented by both *sql.DB and *sql.Tx,
// a helper to run a function inside a transaction, and an exclusive
// wrapper that admits one transaction at a time across goroutines.
package dbx

import (
	"context"
	"database/sql"
	"sync"
)

// DBTX is the subset of database/sql used by the cache.
// Both *sql.DB and *sql.Tx satisfy this interface.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// WithTx begins a transaction, runs fn with a transactional handle, and then
// commits on success or rolls back on error/panic. Panics are rethrown.
//
//	err := dbx.WithTx(ctx, db, nil, func(ctx context.Context, tx dbx.DBTX) error {
//	    _, err := tx.ExecContext(ctx, "UPDATE ...")
//	    return err
//	})
func WithTx(ctx context.Context, db *sql.DB, opts *sql.TxOptions, fn func(ctx context.Context, tx DBTX) error) (err error) {
	tx, err := db.BeginTx(ctx, opts)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	err = fn(ctx, tx)
	return err
}

// Exclusive serializes transactions on a single database: only one WithTx
// call may be in flight at a time, whichever goroutine issues it.
// Calls do not nest; calling WithTx from inside fn deadlocks.
type Exclusive struct {
	mu sync.Mutex
	db *sql.DB
}

func NewExclusive(db *sql.DB) *Exclusive {
	return &Exclusive{db: db}
}

// WithTx acquires the lock and runs fn in a transaction, see WithTx.
func (e *Exclusive) WithTx(ctx context.Context, fn func(ctx context.Context, tx DBTX) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return WithTx(ctx, e.db, nil, fn)
}

// DB returns the underlying handle for maintenance work outside a session.
func (e *Exclusive) DB() *sql.DB {
	return e.db
}
