/*
payout.go - Payout request creation, cancellation and queries

PURPOSE:
  The payout request manager is the only code allowed to create payout
  requests and the only path by which an earning becomes reserved.

REQUEST FLOW:
  one transaction:
    LockDoctor
      → active request?     yes: ActiveRequestExists
      → available balance   short: InsufficientBalance
      → FIFO select
      → insert request (pending)
      → earnings pending → reserved
      → append "reserved" events

FIFO SELECTION:
  Pending earnings are taken oldest first until their cumulative net
  covers the requested amount. Earnings are indivisible, so the last one
  may over-cover; the request's RequestedAmount is the reserved total.

  Earnings [40, 35, 30], request 50 → reserve [40, 35], RequestedAmount 75

STATE MACHINE:
  pending ──▶ processing ──▶ completed
     │            │
     ▼            ▼
  cancelled     failed ──retry──▶ pending

SEE ALSO:
  - reconcile.go: Operator-driven transitions
  - balance.go: Available balance
*/
package ledger

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// SelectFIFO picks earnings from the front of pending until their net sum
// reaches amount. It returns nil if pending cannot cover amount.
func SelectFIFO(pending []Earning, amount decimal.Decimal) []Earning {
	covered := decimal.Zero
	for i, e := range pending {
		covered = covered.Add(e.NetAmount)
		if covered.GreaterThanOrEqual(amount) {
			return pending[:i+1]
		}
	}
	return nil
}

// CreatePayoutRequest reserves pending earnings covering amount and opens a
// pending payout request over them.
//
// The active-request check, the balance read and the reservation happen in
// one transaction under the doctor's lock, so two concurrent calls cannot
// both observe "no active request" or spend the same balance.
func (l *Ledger) CreatePayoutRequest(
	ctx context.Context,
	doctorID DoctorID,
	amount decimal.Decimal,
	method PayoutMethod,
	details AccountDetails,
) (*PayoutRequest, error) {
	if strings.TrimSpace(string(doctorID)) == "" {
		return nil, ErrMissingID
	}
	if !isMoney(amount) || !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if err := ValidateAccountDetails(method, details); err != nil {
		return nil, err
	}

	now := l.now()
	request := PayoutRequest{
		ID:             PayoutRequestID(l.NewID()),
		Reference:      l.newReference(now),
		DoctorID:       doctorID,
		Amount:         amount,
		Method:         method,
		AccountDetails: details,
		Status:         PayoutPending,
		RequestDate:    dateOf(now),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	var reserved []Earning
	err := l.Store.WithTx(ctx, func(tx Tx) error {
		if err := tx.LockDoctor(ctx, doctorID); err != nil {
			return err
		}
		active, err := tx.ActivePayoutRequest(ctx, doctorID)
		if err != nil {
			return err
		}
		if active != nil {
			return ErrActiveRequestExists
		}

		reserved, err = l.selectForReservation(ctx, tx, doctorID, amount)
		if err != nil {
			return err
		}
		request.RequestedAmount = SumNet(reserved)

		if err := tx.InsertPayoutRequest(ctx, request); err != nil {
			return err
		}
		return l.reserveIn(ctx, tx, request.ID, reserved, now)
	})
	if err != nil {
		l.logRejected("payout request rejected", doctorID, "", err)
		return nil, err
	}

	l.Log.Info("payout request created",
		zap.String("request_id", string(request.ID)),
		zap.String("reference", request.Reference),
		zap.String("doctor_id", string(doctorID)),
		zap.String("amount", amount.StringFixed(MoneyPlaces)),
		zap.String("reserved", request.RequestedAmount.StringFixed(MoneyPlaces)),
		zap.Int("earnings", len(reserved)))
	return &request, nil
}

// selectForReservation re-reads the balance in tx and picks the FIFO set.
func (l *Ledger) selectForReservation(ctx context.Context, tx Tx, doctorID DoctorID, amount decimal.Decimal) ([]Earning, error) {
	available, pending, err := availableIn(ctx, tx, doctorID)
	if err != nil {
		return nil, err
	}
	if amount.GreaterThan(available) {
		return nil, &InsufficientBalanceError{DoctorID: doctorID, Available: available, Requested: amount}
	}
	selected := SelectFIFO(pending, amount)
	if len(selected) == 0 {
		return nil, &InsufficientBalanceError{DoctorID: doctorID, Available: available, Requested: amount}
	}
	return selected, nil
}

// reserveIn moves earnings pending→reserved under requestID and logs it.
func (l *Ledger) reserveIn(ctx context.Context, tx Tx, requestID PayoutRequestID, earnings []Earning, at time.Time) error {
	if err := tx.UpdateEarningStatus(ctx, earningIDs(earnings), EarningPending, EarningReserved, &requestID, at); err != nil {
		return err
	}
	return tx.AppendReservationEvents(ctx, l.reservationEvents(requestID, earnings, ReservationReserved, at))
}

// releaseIn moves a request's reserved earnings back to pending.
func (l *Ledger) releaseIn(ctx context.Context, tx Tx, requestID PayoutRequestID, at time.Time) ([]Earning, error) {
	reserved, err := tx.ListRequestEarnings(ctx, requestID, EarningReserved)
	if err != nil {
		return nil, err
	}
	if len(reserved) == 0 {
		return nil, nil
	}
	if err := tx.UpdateEarningStatus(ctx, earningIDs(reserved), EarningReserved, EarningPending, nil, at); err != nil {
		return nil, err
	}
	if err := tx.AppendReservationEvents(ctx, l.reservationEvents(requestID, reserved, ReservationReleased, at)); err != nil {
		return nil, err
	}
	return reserved, nil
}

// CancelPayoutRequest cancels a doctor's pending request and releases its
// earnings. Only pending requests can be cancelled.
func (l *Ledger) CancelPayoutRequest(ctx context.Context, doctorID DoctorID, requestID PayoutRequestID, reason string) (*PayoutRequest, error) {
	var (
		out      *PayoutRequest
		released []Earning
	)
	err := l.Store.WithTx(ctx, func(tx Tx) error {
		if err := tx.LockDoctor(ctx, doctorID); err != nil {
			return err
		}
		req, err := tx.GetPayoutRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if req.DoctorID != doctorID {
			return ErrNotFound
		}
		if req.Status != PayoutPending {
			return &TransitionError{RequestID: requestID, From: req.Status, To: PayoutCancelled, kind: ErrNotCancellable}
		}

		now := l.now()
		from := req.Status
		req.Status = PayoutCancelled
		if strings.TrimSpace(reason) != "" {
			req.Notes = reason
		}
		req.UpdatedAt = now
		if err := tx.UpdatePayoutRequest(ctx, *req, from); err != nil {
			return err
		}
		released, err = l.releaseIn(ctx, tx, requestID, now)
		out = req
		return err
	})
	if err != nil {
		l.logRejected("payout cancel rejected", doctorID, requestID, err)
		return nil, err
	}

	l.Log.Info("payout request cancelled",
		zap.String("request_id", string(requestID)),
		zap.String("doctor_id", string(doctorID)),
		zap.String("released", SumNet(released).StringFixed(MoneyPlaces)))
	return out, nil
}

// GetPayoutRequest returns one request. A non-empty doctorID scopes the
// lookup; another doctor's request reads as not found.
func (l *Ledger) GetPayoutRequest(ctx context.Context, doctorID DoctorID, requestID PayoutRequestID) (*PayoutRequest, error) {
	var out *PayoutRequest
	err := l.Store.View(ctx, func(tx Tx) error {
		req, err := tx.GetPayoutRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if doctorID != "" && req.DoctorID != doctorID {
			return ErrNotFound
		}
		out = req
		return nil
	})
	return out, err
}

// PayoutPage is one page of a payout listing.
type PayoutPage struct {
	Requests []PayoutRequest
	Total    int
	Limit    int
	Offset   int
}

// ListPayoutRequests lists a doctor's requests newest first, optionally
// filtered by status.
func (l *Ledger) ListPayoutRequests(ctx context.Context, doctorID DoctorID, filter PayoutFilter) (*PayoutPage, error) {
	filter.DoctorID = doctorID
	page := &PayoutPage{Limit: filter.Limit, Offset: filter.Offset}
	err := l.Store.View(ctx, func(tx Tx) error {
		var err error
		page.Requests, page.Total, err = tx.ListPayoutRequests(ctx, filter)
		return err
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

// ReservationHistory returns every reserve/release/pay event for a request,
// oldest first.
func (l *Ledger) ReservationHistory(ctx context.Context, requestID PayoutRequestID) ([]ReservationEvent, error) {
	var out []ReservationEvent
	err := l.Store.View(ctx, func(tx Tx) error {
		if _, err := tx.GetPayoutRequest(ctx, requestID); err != nil {
			return err
		}
		var err error
		out, err = tx.ReservationHistory(ctx, requestID)
		return err
	})
	return out, err
}

// =============================================================================
// PAYOUT STATISTICS
// =============================================================================

type PayoutStats struct {
	TotalRequests      int
	PendingRequests    int
	ProcessingRequests int
	CompletedRequests  int
	FailedRequests     int
	CancelledRequests  int
	TotalPaid          decimal.Decimal
	PendingAmount      decimal.Decimal // pending + processing
	AveragePayout      decimal.Decimal // over completed
}

// Stats aggregates a doctor's requests made on or after since (nil = all).
func (l *Ledger) Stats(ctx context.Context, doctorID DoctorID, since *time.Time) (*PayoutStats, error) {
	var requests []PayoutRequest
	err := l.Store.View(ctx, func(tx Tx) error {
		var err error
		requests, _, err = tx.ListPayoutRequests(ctx, PayoutFilter{DoctorID: doctorID, Since: since})
		return err
	})
	if err != nil {
		return nil, err
	}

	s := &PayoutStats{TotalPaid: decimal.Zero, PendingAmount: decimal.Zero, AveragePayout: decimal.Zero}
	for _, r := range requests {
		s.TotalRequests++
		switch r.Status {
		case PayoutPending:
			s.PendingRequests++
			s.PendingAmount = s.PendingAmount.Add(r.RequestedAmount)
		case PayoutProcessing:
			s.ProcessingRequests++
			s.PendingAmount = s.PendingAmount.Add(r.RequestedAmount)
		case PayoutCompleted:
			s.CompletedRequests++
			s.TotalPaid = s.TotalPaid.Add(r.RequestedAmount)
		case PayoutFailed:
			s.FailedRequests++
		case PayoutCancelled:
			s.CancelledRequests++
		}
	}
	if s.CompletedRequests > 0 {
		s.AveragePayout = s.TotalPaid.Div(decimal.NewFromInt(int64(s.CompletedRequests))).Round(MoneyPlaces)
	}
	return s, nil
}

func (l *Ledger) logRejected(msg string, doctorID DoctorID, requestID PayoutRequestID, err error) {
	fields := []zap.Field{zap.String("doctor_id", string(doctorID)), zap.Error(err)}
	if requestID != "" {
		fields = append(fields, zap.String("request_id", string(requestID)))
	}
	switch {
	case IsClientError(err), IsNotFound(err):
		l.Log.Debug(msg, fields...)
	case IsRetryable(err):
		l.Log.Warn(msg, fields...)
	default:
		l.Log.Error(msg, fields...)
	}
}
