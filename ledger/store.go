/*
store.go - Persistence interface for earnings and payout requests

PURPOSE:
  Defines the boundary between the ledger rules and the database. The
  ledger never touches rows outside a transaction: every operation runs in
  WithTx (read-write, atomic) or View (read-only snapshot).

KEY INTERFACES:
  Store: Opens transactions
  Tx:    Operations available inside one transaction

CONDITIONAL UPDATES:
  Status changes are compare-and-set. UpdateEarningStatus and
  UpdatePayoutRequest take the expected prior state and fail with
  ErrStaleState when any row has moved on. The caller's transaction then
  rolls back, so no partial change is committed.

LOCKING:
  LockDoctor serialises write transactions per doctor. ListPendingEarnings
  and GetPayoutRequest lock the returned rows when called inside WithTx.
  Lock waits are bounded; exceeding the bound yields ErrLockTimeout.

IMMUTABLE COLUMNS:
  No Tx method can change an earning's amounts, appointment or doctor.
  ReservationEvents are append-only.

IMPLEMENTATIONS:
  - ledger/store/memory.go: In-memory for tests
  - store/sqlite: Embedded SQLite
  - store/postgres: PostgreSQL

SEE ALSO:
  - payout.go, reconcile.go: The only writers of status
*/
package ledger

import (
	"context"
	"time"
)

// Store opens transactions.
type Store interface {
	// WithTx executes fn within a read-write transaction.
	// If fn returns error, the transaction is rolled back.
	WithTx(ctx context.Context, fn func(Tx) error) error

	// View executes fn within a read-only transaction.
	View(ctx context.Context, fn func(Tx) error) error
}

// Tx is the set of operations available inside one transaction.
type Tx interface {
	// LockDoctor blocks other writers for this doctor until the
	// transaction ends.
	LockDoctor(ctx context.Context, doctorID DoctorID) error

	// Earnings

	// InsertEarning fails with ErrDuplicateAppointment if the appointment
	// already has an earning.
	InsertEarning(ctx context.Context, e Earning) error
	GetEarning(ctx context.Context, id EarningID) (*Earning, error)
	ListEarnings(ctx context.Context, filter EarningFilter) ([]Earning, error)

	// ListPendingEarnings returns pending earnings oldest first.
	ListPendingEarnings(ctx context.Context, doctorID DoctorID) ([]Earning, error)

	// ListRequestEarnings returns the earnings currently linked to a request
	// in the given status (reserved, or paid once the request completed).
	ListRequestEarnings(ctx context.Context, requestID PayoutRequestID, status EarningStatus) ([]Earning, error)

	// UpdateEarningStatus moves every id from `from` to `to`, setting the
	// request link to requestID (nil clears it). Fails with ErrStaleState if
	// any id is not currently in `from`.
	UpdateEarningStatus(ctx context.Context, ids []EarningID, from, to EarningStatus, requestID *PayoutRequestID, at time.Time) error

	// Payout requests

	// InsertPayoutRequest fails with ErrActiveRequestExists if the doctor
	// already has a pending or processing request.
	InsertPayoutRequest(ctx context.Context, r PayoutRequest) error
	GetPayoutRequest(ctx context.Context, id PayoutRequestID) (*PayoutRequest, error)
	ActivePayoutRequest(ctx context.Context, doctorID DoctorID) (*PayoutRequest, error)
	ListPayoutRequests(ctx context.Context, filter PayoutFilter) ([]PayoutRequest, int, error)

	// UpdatePayoutRequest writes r's mutable fields (status, requested
	// amount, processed date, notes, updated at) if the stored status is
	// still `from`. Fails with ErrStaleState otherwise.
	UpdatePayoutRequest(ctx context.Context, r PayoutRequest, from PayoutStatus) error

	// Reservation history

	AppendReservationEvents(ctx context.Context, events []ReservationEvent) error
	ReservationHistory(ctx context.Context, requestID PayoutRequestID) ([]ReservationEvent, error)

	// Saved payout methods

	InsertPayoutMethod(ctx context.Context, m SavedMethod) error
	GetPayoutMethod(ctx context.Context, id PayoutMethodID) (*SavedMethod, error)
	ListPayoutMethods(ctx context.Context, doctorID DoctorID) ([]SavedMethod, error)
	// ClearDefaultPayoutMethod unsets the default flag on all of a doctor's methods.
	ClearDefaultPayoutMethod(ctx context.Context, doctorID DoctorID, at time.Time) error
	UpdatePayoutMethod(ctx context.Context, m SavedMethod) error

	// ListDoctorIDs returns every doctor with at least one earning.
	ListDoctorIDs(ctx context.Context) ([]DoctorID, error)
}

// EarningFilter selects earnings. Zero values mean "any".
type EarningFilter struct {
	DoctorID DoctorID
	Status   EarningStatus
	Since    *time.Time // earned on or after
}

// PayoutFilter selects payout requests, newest first. Limit 0 means no limit.
type PayoutFilter struct {
	DoctorID DoctorID
	Status   PayoutStatus
	Since    *time.Time // requested on or after
	Limit    int
	Offset   int
}
