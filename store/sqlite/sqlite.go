/*
Package sqlite provides the embedded SQLite backend for the payout ledger.

PURPOSE:
  A single-file (or in-memory) database for development, tests and small
  deployments. The SQL itself lives in store/sqldb; this package supplies
  the schema, the connection string and the error mapping.

CONCURRENCY:
  SQLite has one writer at a time. Write transactions start with
  BEGIN IMMEDIATE (_txlock=immediate), so the database write lock is held
  from the first statement and the per-doctor lock is implicit. The pool
  holds one connection (":memory:" databases are per-connection); waiting
  for it is bounded by the store's lock timeout.

WAL MODE:
  File databases are opened with WAL (Write-Ahead Logging):
  - Readers don't block the writer
  - Better crash recovery

IMMUTABILITY:
  Triggers reject any UPDATE of an earning's amounts or identity columns,
  and any UPDATE or DELETE of reservation_events.

KEY TABLES:
  earnings:           One row per completed appointment
  payout_requests:    Payout claims; partial unique index on active status
  reservation_events: Append-only reserve/release/pay log
  payout_methods:     Saved payout destinations

USAGE:
  store, err := sqlite.New("./data/payouts.db", 5*time.Second)
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  l := ledger.New(store, logger)

SEE ALSO:
  - store/sqldb: Shared SQL
  - store/postgres: Production backend
*/
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/payout-ledger/ledger"
	"github.com/warp/payout-ledger/store/sqldb"
)

// New opens (and migrates) a SQLite database at dbPath.
// Use ":memory:" for an in-memory database.
func New(dbPath string, lockTimeout time.Duration) (*sqldb.DB, error) {
	if lockTimeout <= 0 {
		lockTimeout = 5 * time.Second
	}
	db, err := sql.Open("sqlite3", DSN(dbPath, lockTimeout))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	// Keep the connection: closing it would drop a ":memory:" database.
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	store, err := sqldb.Open(db, Dialect, lockTimeout)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// DSN builds the go-sqlite3 connection string.
func DSN(dbPath string, lockTimeout time.Duration) string {
	params := fmt.Sprintf("_foreign_keys=on&_txlock=immediate&_busy_timeout=%d", lockTimeout.Milliseconds())
	if dbPath != ":memory:" {
		params += "&_journal_mode=WAL"
	}
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	return dbPath + sep + params
}

// Dialect is the SQLite flavour of the shared SQL.
var Dialect = sqldb.Dialect{
	Name:     "sqlite",
	Schema:   schema,
	MapError: mapError,
}

func mapError(err error) error {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return nil
	}
	switch {
	case se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked:
		return fmt.Errorf("%w: %v", ledger.ErrLockTimeout, err)
	case se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey:
		return uniqueViolation(err)
	}
	return nil
}

// uniqueViolation maps "UNIQUE constraint failed: table.column" to the rule
// the index enforces.
func uniqueViolation(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "earnings.appointment_id"):
		return ledger.ErrDuplicateAppointment
	case strings.Contains(msg, "payout_requests.doctor_id"):
		return ledger.ErrActiveRequestExists
	}
	return nil
}

const schema = `
	-- Payout requests
	CREATE TABLE IF NOT EXISTS payout_requests (
		id TEXT PRIMARY KEY,
		reference TEXT NOT NULL UNIQUE,
		doctor_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		requested_amount TEXT NOT NULL,
		method TEXT NOT NULL CHECK (method IN ('mobile_money', 'bank_transfer')),
		account_details TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('pending', 'processing', 'completed', 'failed', 'cancelled')),
		request_date TEXT NOT NULL,
		processed_date TEXT,
		notes TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- At most one active request per doctor
	CREATE UNIQUE INDEX IF NOT EXISTS idx_payout_requests_one_active
		ON payout_requests(doctor_id) WHERE status IN ('pending', 'processing');

	CREATE INDEX IF NOT EXISTS idx_payout_requests_doctor
		ON payout_requests(doctor_id, created_at);

	-- Earnings
	CREATE TABLE IF NOT EXISTS earnings (
		id TEXT PRIMARY KEY,
		doctor_id TEXT NOT NULL,
		appointment_id TEXT NOT NULL UNIQUE,
		gross_amount TEXT NOT NULL,
		platform_fee_rate TEXT NOT NULL,
		net_amount TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('pending', 'reserved', 'paid')),
		payout_request_id TEXT REFERENCES payout_requests(id),
		earned_date TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- FIFO selection (hot path)
	CREATE INDEX IF NOT EXISTS idx_earnings_doctor_status
		ON earnings(doctor_id, status, earned_date, created_at, id);

	CREATE INDEX IF NOT EXISTS idx_earnings_request
		ON earnings(payout_request_id, status);

	CREATE TRIGGER IF NOT EXISTS trg_earnings_frozen
		BEFORE UPDATE OF doctor_id, appointment_id, gross_amount, platform_fee_rate, net_amount ON earnings
		BEGIN
			SELECT RAISE(ABORT, 'earning amounts are immutable');
		END;

	-- Reservation history (append-only)
	CREATE TABLE IF NOT EXISTS reservation_events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		payout_request_id TEXT NOT NULL REFERENCES payout_requests(id),
		earning_id TEXT NOT NULL REFERENCES earnings(id),
		action TEXT NOT NULL CHECK (action IN ('reserved', 'released', 'paid')),
		net_amount TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_reservation_events_request
		ON reservation_events(payout_request_id, seq);

	CREATE TRIGGER IF NOT EXISTS trg_reservation_events_no_update
		BEFORE UPDATE ON reservation_events
		BEGIN
			SELECT RAISE(ABORT, 'reservation events are append-only');
		END;

	CREATE TRIGGER IF NOT EXISTS trg_reservation_events_no_delete
		BEFORE DELETE ON reservation_events
		BEGIN
			SELECT RAISE(ABORT, 'reservation events are append-only');
		END;

	-- Saved payout methods
	CREATE TABLE IF NOT EXISTS payout_methods (
		id TEXT PRIMARY KEY,
		doctor_id TEXT NOT NULL,
		method TEXT NOT NULL CHECK (method IN ('mobile_money', 'bank_transfer')),
		account_details TEXT NOT NULL,
		is_default BOOLEAN NOT NULL DEFAULT 0,
		is_active BOOLEAN NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_payout_methods_one_default
		ON payout_methods(doctor_id) WHERE is_default = 1;
`
