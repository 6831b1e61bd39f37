/*
ledger.go - Ledger service: the entry point for all earnings and payouts

PURPOSE:
  Ledger wires the Store to the rules in earning.go, balance.go, payout.go
  and reconcile.go. It is safe for concurrent use: it holds no mutable
  state of its own, all coordination happens in the Store's transactions.

CRITICAL INVARIANTS:
  1. Conservation: Σ net(reserved ∪ paid) ≤ Σ net(all) per doctor
  2. No double reservation: an earning belongs to at most one active request
  3. Single active request: ≤ 1 pending/processing request per doctor
  4. Frozen net: an earning's net amount never changes

WHO MUTATES WHAT:
  OnAppointmentCompleted  creates pending earnings
  CreatePayoutRequest     pending → reserved (the only path into reserved)
  CancelPayoutRequest     reserved → pending
  MarkCompleted           reserved → paid (the only path into paid)
  MarkFailed              reserved → pending
  Retry                   pending → reserved (fresh FIFO pass)

EXAMPLE:
  l := ledger.New(store, logger)
  _, err := l.OnAppointmentCompleted(ctx, "doc-1", "appt-9", decimal.NewFromInt(200), rate)
  req, err := l.CreatePayoutRequest(ctx, "doc-1", decimal.NewFromInt(50), ledger.MethodMobileMoney,
      ledger.MobileMoney{Provider: "MTN", PhoneNumber: "0241234567", AccountName: "Dr. A"})

SEE ALSO:
  - store.go: Persistence contract
  - audit.go: Invariant verification
*/
package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Ledger is the earnings and payout service.
type Ledger struct {
	Store Store
	Log   *zap.Logger

	// Now returns the current time. Tests replace it for determinism.
	Now func() time.Time

	// NewID returns a fresh opaque identifier.
	NewID func() string
}

// New creates a ledger over store. A nil logger discards logs.
func New(store Store, log *zap.Logger) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{
		Store: store,
		Log:   log,
		Now:   func() time.Time { return time.Now().UTC() },
		NewID: func() string { return uuid.NewString() },
	}
}

func (l *Ledger) now() time.Time {
	return l.Now().UTC()
}

// newReference builds a human-readable payout reference, PAY-2025-1A2B3C4D.
func (l *Ledger) newReference(at time.Time) string {
	id := strings.ReplaceAll(l.NewID(), "-", "")
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("PAY-%d-%s", at.Year(), strings.ToUpper(id))
}

func (l *Ledger) reservationEvents(requestID PayoutRequestID, earnings []Earning, action ReservationAction, at time.Time) []ReservationEvent {
	events := make([]ReservationEvent, len(earnings))
	for i, e := range earnings {
		events[i] = ReservationEvent{
			ID:              l.NewID(),
			PayoutRequestID: requestID,
			EarningID:       e.ID,
			Action:          action,
			NetAmount:       e.NetAmount,
			CreatedAt:       at,
		}
	}
	return events
}

func earningIDs(earnings []Earning) []EarningID {
	ids := make([]EarningID, len(earnings))
	for i, e := range earnings {
		ids[i] = e.ID
	}
	return ids
}
