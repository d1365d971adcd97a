package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"testing"
)

// stubDBTX lets query-path tests run against canned results instead of
// a live Postgres. Only the methods a test wires up are callable.
type stubDBTX struct {
	t testing.TB

	execFn   func(query string, args ...interface{}) (sql.Result, error)
	getFn    func(dest interface{}, query string, args ...interface{}) error
	selectFn func(dest interface{}, query string, args ...interface{}) error
}

var _ DBTX = (*stubDBTX)(nil)

func (s *stubDBTX) ExecContext(_ context.Context, query string, args ...interface{}) (sql.Result, error) {
	if s.execFn == nil {
		s.t.Fatalf("unexpected ExecContext: %s", query)
	}
	return s.execFn(query, args...)
}

func (s *stubDBTX) GetContext(_ context.Context, dest interface{}, query string, args ...interface{}) error {
	if s.getFn == nil {
		s.t.Fatalf("unexpected GetContext: %s", query)
	}
	return s.getFn(dest, query, args...)
}

func (s *stubDBTX) SelectContext(_ context.Context, dest interface{}, query string, args ...interface{}) error {
	if s.selectFn == nil {
		s.t.Fatalf("unexpected SelectContext: %s", query)
	}
	return s.selectFn(dest, query, args...)
}

func (s *stubDBTX) PrepareContext(_ context.Context, query string) (*sql.Stmt, error) {
	s.t.Fatalf("unexpected PrepareContext: %s", query)
	return nil, nil
}

func (s *stubDBTX) QueryContext(_ context.Context, query string, _ ...interface{}) (*sql.Rows, error) {
	s.t.Fatalf("unexpected QueryContext: %s", query)
	return nil, nil
}

func (s *stubDBTX) QueryRowContext(_ context.Context, query string, _ ...interface{}) *sql.Row {
	s.t.Fatalf("unexpected QueryRowContext: %s", query)
	return nil
}

func newStubDB(stub *stubDBTX) *DB {
	return &DB{db: stub}
}

type execCall struct {
	query string
	args  []interface{}
}

// one row affected, for stubbed writes.
var oneRow sql.Result = driver.RowsAffected(1)
