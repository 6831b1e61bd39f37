/*
Package ledger provides the doctor earnings and payout engine.

PURPOSE:
  Tracks money owed to doctors for completed consultations and converts
  that owed balance into payout requests. The actual transfer happens
  out-of-band (mobile money, bank transfer); this package only records
  which earnings are claimed by which request and what happened to them.

KEY CONCEPTS IN THIS FILE (types.go):
  - Earning: money owed for one completed appointment (net is frozen)
  - PayoutRequest: a claim over a fixed set of reserved earnings
  - ReservationEvent: immutable log of reserve/release/pay actions
  - Type-safe identifiers for doctors, earnings, requests

DESIGN PRINCIPLES:
  1. Precision: all money uses decimal.Decimal, 2 decimal places
  2. Frozen net: NetAmount is computed once at creation, never rewritten
  3. Earnings are indivisible: a request reserves whole earnings only
  4. History: reservation links survive release via ReservationEvent

EARNING LIFECYCLE:
  pending ──reserve──▶ reserved ──pay──▶ paid
     ▲                    │
     └──────release───────┘

SEE ALSO:
  - payout.go: Reservation and the payout state machine
  - reconcile.go: Operator outcome handling
  - balance.go: Derived balances
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type DoctorID string
type AppointmentID string
type EarningID string
type PayoutRequestID string
type PayoutMethodID string

// =============================================================================
// EARNING - Money owed for one completed appointment
// =============================================================================

type EarningStatus string

const (
	EarningPending  EarningStatus = "pending"
	EarningReserved EarningStatus = "reserved"
	EarningPaid     EarningStatus = "paid"
)

// CanTransition reports whether an earning may move from s to next.
func (s EarningStatus) CanTransition(next EarningStatus) bool {
	switch s {
	case EarningPending:
		return next == EarningReserved
	case EarningReserved:
		return next == EarningPaid || next == EarningPending
	}
	return false
}

// Earning is created exactly once per completed appointment.
// GrossAmount, PlatformFeeRate and NetAmount never change after creation.
type Earning struct {
	ID              EarningID
	DoctorID        DoctorID
	AppointmentID   AppointmentID
	GrossAmount     decimal.Decimal
	PlatformFeeRate decimal.Decimal
	NetAmount       decimal.Decimal
	Status          EarningStatus

	// PayoutRequestID is the request currently (or finally, when paid)
	// holding this earning. Nil while pending.
	PayoutRequestID *PayoutRequestID

	EarnedDate time.Time // calendar date, UTC midnight
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// =============================================================================
// PAYOUT REQUEST - Claim over a set of reserved earnings
// =============================================================================

type PayoutStatus string

const (
	PayoutPending    PayoutStatus = "pending"
	PayoutProcessing PayoutStatus = "processing"
	PayoutCompleted  PayoutStatus = "completed"
	PayoutFailed     PayoutStatus = "failed"
	PayoutCancelled  PayoutStatus = "cancelled"
)

// payoutTransitions is the full payout state machine.
var payoutTransitions = map[PayoutStatus][]PayoutStatus{
	PayoutPending:    {PayoutProcessing, PayoutCancelled},
	PayoutProcessing: {PayoutCompleted, PayoutFailed},
	PayoutFailed:     {PayoutPending},
}

// CanTransition reports whether a request may move from s to next.
func (s PayoutStatus) CanTransition(next PayoutStatus) bool {
	for _, allowed := range payoutTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsActive is true for statuses counted by the single-active-request rule.
func (s PayoutStatus) IsActive() bool {
	return s == PayoutPending || s == PayoutProcessing
}

// IsTerminal is true for statuses with no outgoing transition.
func (s PayoutStatus) IsTerminal() bool {
	return s == PayoutCompleted || s == PayoutCancelled
}

// Valid reports whether s is a known status.
func (s PayoutStatus) Valid() bool {
	switch s {
	case PayoutPending, PayoutProcessing, PayoutCompleted, PayoutFailed, PayoutCancelled:
		return true
	}
	return false
}

type PayoutRequest struct {
	ID        PayoutRequestID
	Reference string
	DoctorID  DoctorID

	// Amount is what the doctor asked for. RequestedAmount is the sum of the
	// reserved earnings' net amounts and may be larger.
	Amount          decimal.Decimal
	RequestedAmount decimal.Decimal

	Method         PayoutMethod
	AccountDetails AccountDetails

	Status        PayoutStatus
	RequestDate   time.Time
	ProcessedDate *time.Time // set only when completed
	Notes         string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// RESERVATION EVENT - Append-only audit of reservation links
// =============================================================================

type ReservationAction string

const (
	ReservationReserved ReservationAction = "reserved"
	ReservationReleased ReservationAction = "released"
	ReservationPaid     ReservationAction = "paid"
)

// ReservationEvent is never updated or deleted. It keeps the request→earning
// link after the earning goes back to pending.
type ReservationEvent struct {
	ID              string
	PayoutRequestID PayoutRequestID
	EarningID       EarningID
	Action          ReservationAction
	NetAmount       decimal.Decimal
	CreatedAt       time.Time
}

// =============================================================================
// SAVED PAYOUT METHOD
// =============================================================================

// SavedMethod is a payout destination a doctor stored for reuse.
type SavedMethod struct {
	ID             PayoutMethodID
	DoctorID       DoctorID
	Method         PayoutMethod
	AccountDetails AccountDetails
	IsDefault      bool
	IsActive       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// =============================================================================
// MONEY HELPERS
// =============================================================================

// MoneyPlaces is the number of decimal places kept for currency amounts.
const MoneyPlaces = 2

// SumNet adds up the net amounts of earnings.
func SumNet(earnings []Earning) decimal.Decimal {
	total := decimal.Zero
	for _, e := range earnings {
		total = total.Add(e.NetAmount)
	}
	return total
}

// MaxAmount is the largest amount a NUMERIC(14,2) column holds.
var MaxAmount = decimal.New(1, 14-MoneyPlaces).Sub(decimal.New(1, -MoneyPlaces))

// maxInputDigits bounds the exponent and coefficient length of decimal
// input. "1e5000000" parses cheaply but rescaling it does not, so the
// checks below run before any Round or Cmp.
const maxInputDigits = 28

func boundedScale(d decimal.Decimal) bool {
	exp := d.Exponent()
	return exp <= maxInputDigits && exp >= -maxInputDigits && d.NumDigits() <= maxInputDigits
}

// isMoney reports whether d has at most two decimals and fits MaxAmount.
func isMoney(d decimal.Decimal) bool {
	if !boundedScale(d) {
		return false
	}
	return d.Equal(d.Round(MoneyPlaces)) && d.Abs().LessThanOrEqual(MaxAmount)
}

func dateOf(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
