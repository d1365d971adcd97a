// Package database connects the homeserver to its authoritative
// Postgres database and owns the ordering machinery the rest of the
// storage tier is built on: stream position generators, change caches,
// and the bootstrap that seeds them at startup. Per-domain stores
// (events, rooms, receipts, ...) take the Store facade as an explicit
// dependency.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// DBTX represents a database connection or transaction.
type DBTX interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
	PrepareContext(context.Context, string) (*sql.Stmt, error)
	QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

// DB wraps a SQL database connection or, inside InTx, a transaction.
type DB struct {
	sdb *sqlx.DB
	db  DBTX
	// serialRetryCount is the number of times to retry a transaction
	// if it fails with a serialization error.
	serialRetryCount int
}

func WithSerialRetryCount(count int) func(*DB) {
	return func(q *DB) {
		q.serialRetryCount = count
	}
}

// New creates a database handle from a SQL database connection.
func New(sdb *sql.DB, opts ...func(*DB)) *DB {
	dbx := sqlx.NewDb(sdb, "postgres")
	q := &DB{
		db:  dbx,
		sdb: dbx,
		// This is an arbitrary number.
		serialRetryCount: 3,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Ping returns the time it takes to ping the database.
func (q *DB) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	err := q.sdb.PingContext(ctx)
	return time.Since(start), err
}

// TxOptions customizes the transaction a function runs in.
type TxOptions struct {
	// Isolation is the transaction isolation level.
	// If zero, the driver or database's default level is used.
	Isolation sql.IsolationLevel
	ReadOnly  bool
}

func DefaultTXOptions() *TxOptions {
	return &TxOptions{
		Isolation: sql.LevelDefault,
		ReadOnly:  false,
	}
}

// InTx runs function inside a database transaction, committing when it
// returns nil and rolling back otherwise. Nested InTx calls reuse the
// outer transaction. Stream position tickets reserved for the
// transaction must be resolved by the caller after InTx returns, on
// both the commit and error paths; the allocators never see the
// transaction itself.
func (q *DB) InTx(function func(*DB) error, txOpts *TxOptions) error {
	_, inTx := q.db.(*sqlx.Tx)
	if txOpts == nil {
		// create a default txOpts if left to nil
		txOpts = DefaultTXOptions()
	}
	sqlOpts := &sql.TxOptions{
		Isolation: txOpts.Isolation,
		ReadOnly:  txOpts.ReadOnly,
	}

	// If we are not already in a transaction, and we are running in serializable
	// mode, we need to run the transaction in a retry loop. The caller should be
	// prepared to allow retries if using serializable mode.
	// If we are in a transaction already, the parent InTx call will handle the retry.
	// We do not want to duplicate those retries.
	if !inTx && sqlOpts.Isolation == sql.LevelSerializable {
		var err error
		attempts := 0
		for attempts = 0; attempts < q.serialRetryCount; attempts++ {
			err = q.runTx(function, sqlOpts)
			if err == nil {
				// Transaction succeeded.
				return nil
			}
			if !IsSerializedError(err) {
				// We should only retry if the error is a serialization error.
				return err
			}
		}
		// Transaction kept failing in serializable mode.
		return fmt.Errorf("transaction failed after %d attempts: %w", attempts, err)
	}
	return q.runTx(function, sqlOpts)
}

// runTx's return must be named so the deferred rollback handler can
// extend the error actually seen by the caller.
func (q *DB) runTx(function func(*DB) error, txOpts *sql.TxOptions) (err error) {
	if _, ok := q.db.(*sqlx.Tx); ok {
		// If the current inner "db" is already a transaction, we just reuse it.
		// We do not need to handle commit/rollback as the outer tx will handle
		// that.
		err := function(q)
		if err != nil {
			return fmt.Errorf("execute transaction: %w", err)
		}
		return nil
	}

	transaction, err := q.sdb.BeginTxx(context.Background(), txOpts)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		rerr := transaction.Rollback()
		if rerr == nil || errors.Is(rerr, sql.ErrTxDone) {
			// no need to do anything, tx committed successfully
			return
		}
		// couldn't roll back for some reason, extend returned error
		err = fmt.Errorf("defer (%s): %w", rerr.Error(), err)
	}()
	err = function(&DB{db: transaction})
	if err != nil {
		return fmt.Errorf("execute transaction: %w", err)
	}
	err = transaction.Commit()
	if err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
