/*
Package sqldb implements ledger.Store over database/sql.

PURPOSE:
  The SQL is shared by every backend. A Dialect supplies what differs:
  schema, placeholder style, the per-doctor lock, row locking and the
  mapping of driver errors to ledger errors.

TRANSACTIONS:
  WithTx  read-write; Dialect.Begin runs first (e.g. SET LOCAL lock_timeout)
  View    read-only; no row locks are taken

  Acquiring a connection is bounded by LockTimeout. When the bound expires
  before the caller's context, the call fails with ledger.ErrLockTimeout.

STORAGE FORMAT:
  Timestamps  TEXT, fixed-width UTC "2006-01-02T15:04:05.000000000Z"
              (lexical order = time order)
  Dates       TEXT "2006-01-02"
  Money       decimal.Decimal via its Scanner/Valuer (TEXT or NUMERIC)
  Details     JSON text, decoded by method

USAGE:
  db, err := sqldb.Open(conn, dialect, 5*time.Second)
  l := ledger.New(db, logger)

SEE ALSO:
  - store/sqlite: Embedded dialect
  - store/postgres: PostgreSQL dialect
*/
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/warp/payout-ledger/ledger"
)

// Dialect describes one SQL backend.
type Dialect struct {
	Name string

	// Schema is executed once by Open. It must be idempotent.
	Schema string

	// Rebind rewrites "?" placeholders for the driver. Nil keeps them.
	Rebind func(query string) string

	// ForUpdate is appended to row-locking selects in write transactions.
	ForUpdate string

	// LockDoctor is the statement taking the per-doctor transaction lock,
	// with the doctor id as its only argument. Empty means the backend
	// already serialises writers.
	LockDoctor string

	// Begin runs at the start of every write transaction.
	Begin func(ctx context.Context, tx *sql.Tx, lockTimeout time.Duration) error

	// MapError translates a driver error into a ledger error, or returns
	// nil when the error has no ledger meaning.
	MapError func(err error) error
}

// DB is a ledger.Store backed by a *sql.DB.
type DB struct {
	db          *sql.DB
	dialect     Dialect
	lockTimeout time.Duration
}

var _ ledger.Store = (*DB)(nil)

// Open applies the dialect schema and returns a ready store.
func Open(db *sql.DB, dialect Dialect, lockTimeout time.Duration) (*DB, error) {
	if lockTimeout <= 0 {
		lockTimeout = 5 * time.Second
	}
	s := &DB{db: db, dialect: dialect, lockTimeout: lockTimeout}
	if _, err := db.Exec(dialect.Schema); err != nil {
		return nil, fmt.Errorf("failed to migrate %s database: %w", dialect.Name, err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *DB) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *DB) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SQL exposes the underlying handle for tests and maintenance.
func (s *DB) SQL() *sql.DB {
	return s.db
}

// WithTx executes fn within a read-write transaction.
func (s *DB) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	return s.run(ctx, true, fn)
}

// View executes fn within a read-only transaction.
func (s *DB) View(ctx context.Context, fn func(ledger.Tx) error) error {
	return s.run(ctx, false, fn)
}

func (s *DB) run(ctx context.Context, write bool, fn func(ledger.Tx) error) error {
	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	sqlTx, err := conn.BeginTx(ctx, &sql.TxOptions{ReadOnly: !write})
	if err != nil {
		return s.wrap("begin transaction", err)
	}
	defer sqlTx.Rollback()

	if write && s.dialect.Begin != nil {
		if err := s.dialect.Begin(ctx, sqlTx, s.lockTimeout); err != nil {
			return s.wrap("prepare transaction", err)
		}
	}

	if err := fn(&tx{tx: sqlTx, s: s, write: write}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return s.wrap("commit", err)
	}
	return nil
}

// conn waits at most lockTimeout for a pooled connection.
func (s *DB) conn(ctx context.Context) (*sql.Conn, error) {
	waitCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	conn, err := s.db.Conn(waitCtx)
	if err == nil {
		return conn, nil
	}
	if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: no connection within %s", ledger.ErrLockTimeout, s.lockTimeout)
	}
	return nil, s.wrap("acquire connection", err)
}

// wrap maps err through the dialect or annotates it with op.
func (s *DB) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if s.dialect.MapError != nil {
		if mapped := s.dialect.MapError(err); mapped != nil {
			return mapped
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (s *DB) rebind(query string) string {
	if s.dialect.Rebind == nil {
		return query
	}
	return s.dialect.Rebind(query)
}

// =============================================================================
// ENCODING HELPERS
// =============================================================================

const (
	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
	dateLayout = "2006-01-02"
)

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatDate(t time.Time) string {
	return t.UTC().Format(dateLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func parseDate(s string) (time.Time, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return t, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
