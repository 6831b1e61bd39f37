/*
errors.go - Centralized error types for the payout ledger

PURPOSE:
  All error kinds the ledger reports, in one place. Every failure is scoped
  to one call and returned synchronously; nothing here is fatal.

ERROR CATEGORIES:
  1. Client errors - The caller asked for something the rules forbid
     (DuplicateAppointment, InvalidAmount, ActiveRequestExists,
     InsufficientBalance, NotCancellable, InvalidTransition, ...)
  2. Retryable errors - Concurrency conflicts; the whole operation may be
     retried because no partial effects were committed
     (StaleState, LockTimeout)
  3. Store errors - Wrapped database failures

USAGE:
  if errors.Is(err, ledger.ErrActiveRequestExists) { ... }

  var ib *ledger.InsufficientBalanceError
  if errors.As(err, &ib) {
      fmt.Println(ib.Available)
  }

SEE ALSO:
  - api/errors.go: HTTP status mapping
  - store/sqldb: Maps driver errors to these sentinels
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrDuplicateAppointment is returned when an earning already exists for
	// the appointment. Producers may treat it as "already recorded".
	ErrDuplicateAppointment = errors.New("earning already recorded for appointment")

	// ErrInvalidAmount is returned for non-positive or over-precise amounts.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidFeeRate is returned when a fee rate is outside [0, 1].
	ErrInvalidFeeRate = errors.New("invalid platform fee rate")

	// ErrActiveRequestExists enforces at most one pending/processing request.
	ErrActiveRequestExists = errors.New("doctor already has an active payout request")

	// ErrInsufficientBalance is returned when the amount exceeds the
	// available (pending) balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrNotCancellable is returned when cancelling a non-pending request.
	ErrNotCancellable = errors.New("payout request cannot be cancelled")

	// ErrInvalidTransition is returned when the state machine forbids a move.
	ErrInvalidTransition = errors.New("invalid payout status transition")

	// ErrStaleState is returned when a conditional update finds a row no
	// longer in the expected state. Safe to retry.
	ErrStaleState = errors.New("stale state")

	// ErrLockTimeout is returned when the store could not obtain locks within
	// its bound. Safe to retry.
	ErrLockTimeout = errors.New("lock timeout")

	// ErrMissingID is returned when a required identifier is empty.
	ErrMissingID = errors.New("missing identifier")

	// ErrNotFound is returned when a referenced record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidAccountDetails is returned when payout destination details do
	// not match the method or fail validation.
	ErrInvalidAccountDetails = errors.New("invalid account details")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	DoctorID  DoctorID
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientBalanceError) Shortfall() decimal.Decimal {
	return e.Requested.Sub(e.Available)
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: available %s, requested %s, shortfall %s",
		e.Available.StringFixed(MoneyPlaces), e.Requested.StringFixed(MoneyPlaces), e.Shortfall().StringFixed(MoneyPlaces))
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// TransitionError describes a forbidden payout status change.
type TransitionError struct {
	RequestID PayoutRequestID
	From      PayoutStatus
	To        PayoutStatus
	kind      error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%v: request %s is %s, cannot move to %s", e.Unwrap(), e.RequestID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	if e.kind != nil {
		return e.kind
	}
	return ErrInvalidTransition
}

// StaleStateError reports which records failed a conditional update.
type StaleStateError struct {
	Entity   string // "earning" or "payout_request"
	Expected string
	Matched  int
	Wanted   int
}

func (e *StaleStateError) Error() string {
	return fmt.Sprintf("stale state: %d of %d %s rows in expected state %s",
		e.Matched, e.Wanted, e.Entity, e.Expected)
}

func (e *StaleStateError) Unwrap() error {
	return ErrStaleState
}

// AccountDetailsError names the offending field.
type AccountDetailsError struct {
	Field  string
	Reason string
}

func (e *AccountDetailsError) Error() string {
	return fmt.Sprintf("invalid account details: %s: %s", e.Field, e.Reason)
}

func (e *AccountDetailsError) Unwrap() error {
	return ErrInvalidAccountDetails
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// CheckEarningTransition returns ErrInvalidTransition unless the earning
// state machine allows from -> to. Stores call it before any write.
func CheckEarningTransition(from, to EarningStatus) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: earning %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// IsRetryable returns true if the whole operation may succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStaleState) || errors.Is(err, ErrLockTimeout)
}

// IsClientError returns true if the error is due to the caller's request.
func IsClientError(err error) bool {
	return errors.Is(err, ErrDuplicateAppointment) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidFeeRate) ||
		errors.Is(err, ErrMissingID) ||
		errors.Is(err, ErrActiveRequestExists) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrNotCancellable) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrInvalidAccountDetails)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
