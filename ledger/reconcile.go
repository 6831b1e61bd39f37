/*
reconcile.go - Applying out-of-band payout outcomes

PURPOSE:
  An operator (or a payment-rail integration) moves money outside this
  system and reports what happened. The reconciliation handler applies the
  outcome to the payout request and its reserved earnings in one
  transaction.

TRANSITIONS:
  MarkProcessing  pending    → processing
  MarkCompleted   processing → completed   earnings reserved → paid
  MarkFailed      processing → failed      earnings reserved → pending
  Retry           failed     → pending     fresh FIFO reservation

RETRY:
  Failure released the original earnings, and other requests may have been
  paid from them since. Retry therefore runs a new FIFO pass for the
  doctor-entered Amount, under the same single-active and balance checks as
  a new request. If the balance no longer covers it, Retry fails with
  InsufficientBalance and the request stays failed.

LOCK ORDER:
  Doctor lock first, then the request row. The request's doctor is read in
  a separate snapshot beforehand; a request never changes doctor.

SEE ALSO:
  - payout.go: Creation, cancellation, reservation helpers
*/
package ledger

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// MarkProcessing records that the operator started the transfer.
func (l *Ledger) MarkProcessing(ctx context.Context, requestID PayoutRequestID) (*PayoutRequest, error) {
	return l.transition(ctx, "", requestID, PayoutProcessing, nil)
}

// MarkCompleted records a successful transfer: every earning reserved by the
// request becomes paid and the processed date is set.
func (l *Ledger) MarkCompleted(ctx context.Context, requestID PayoutRequestID) (*PayoutRequest, error) {
	return l.transition(ctx, "", requestID, PayoutCompleted, func(tx Tx, req *PayoutRequest, now time.Time) error {
		reserved, err := tx.ListRequestEarnings(ctx, req.ID, EarningReserved)
		if err != nil {
			return err
		}
		if !SumNet(reserved).Equal(req.RequestedAmount) {
			return fmt.Errorf("%w: reserved %s, requested %s", ErrStaleState,
				SumNet(reserved).StringFixed(MoneyPlaces), req.RequestedAmount.StringFixed(MoneyPlaces))
		}
		if len(reserved) > 0 {
			if err := tx.UpdateEarningStatus(ctx, earningIDs(reserved), EarningReserved, EarningPaid, &req.ID, now); err != nil {
				return err
			}
			if err := tx.AppendReservationEvents(ctx, l.reservationEvents(req.ID, reserved, ReservationPaid, now)); err != nil {
				return err
			}
		}
		processed := now
		req.ProcessedDate = &processed
		return nil
	})
}

// MarkFailed records a failed transfer and releases the reserved earnings so
// they become payable again.
func (l *Ledger) MarkFailed(ctx context.Context, requestID PayoutRequestID, notes string) (*PayoutRequest, error) {
	return l.transition(ctx, "", requestID, PayoutFailed, func(tx Tx, req *PayoutRequest, now time.Time) error {
		if notes != "" {
			req.Notes = notes
		}
		_, err := l.releaseIn(ctx, tx, req.ID, now)
		return err
	})
}

// Retry reopens a failed request with a fresh reservation.
func (l *Ledger) Retry(ctx context.Context, requestID PayoutRequestID) (*PayoutRequest, error) {
	return l.retry(ctx, "", requestID)
}

// RetryForDoctor is Retry scoped to the requesting doctor.
func (l *Ledger) RetryForDoctor(ctx context.Context, doctorID DoctorID, requestID PayoutRequestID) (*PayoutRequest, error) {
	if doctorID == "" {
		return nil, ErrMissingID
	}
	return l.retry(ctx, doctorID, requestID)
}

func (l *Ledger) retry(ctx context.Context, doctorID DoctorID, requestID PayoutRequestID) (*PayoutRequest, error) {
	return l.transition(ctx, doctorID, requestID, PayoutPending, func(tx Tx, req *PayoutRequest, now time.Time) error {
		active, err := tx.ActivePayoutRequest(ctx, req.DoctorID)
		if err != nil {
			return err
		}
		if active != nil {
			return ErrActiveRequestExists
		}
		selected, err := l.selectForReservation(ctx, tx, req.DoctorID, req.Amount)
		if err != nil {
			return err
		}
		if err := l.reserveIn(ctx, tx, req.ID, selected, now); err != nil {
			return err
		}
		req.RequestedAmount = SumNet(selected)
		req.RequestDate = dateOf(now)
		req.ProcessedDate = nil
		req.Notes = "Retried"
		return nil
	})
}

// transition applies one state-machine step. apply runs inside the
// transaction after the status check and before the request is written.
func (l *Ledger) transition(
	ctx context.Context,
	doctorID DoctorID,
	requestID PayoutRequestID,
	to PayoutStatus,
	apply func(tx Tx, req *PayoutRequest, now time.Time) error,
) (*PayoutRequest, error) {
	owner, err := l.requestOwner(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if doctorID != "" && owner != doctorID {
		return nil, ErrNotFound
	}

	var (
		out  *PayoutRequest
		from PayoutStatus
	)
	err = l.Store.WithTx(ctx, func(tx Tx) error {
		if err := tx.LockDoctor(ctx, owner); err != nil {
			return err
		}
		req, err := tx.GetPayoutRequest(ctx, requestID)
		if err != nil {
			return err
		}
		from = req.Status
		if !from.CanTransition(to) {
			return &TransitionError{RequestID: requestID, From: from, To: to}
		}

		now := l.now()
		if apply != nil {
			if err := apply(tx, req, now); err != nil {
				return err
			}
		}
		req.Status = to
		req.UpdatedAt = now
		if err := tx.UpdatePayoutRequest(ctx, *req, from); err != nil {
			return err
		}
		out = req
		return nil
	})
	if err != nil {
		l.logRejected("payout transition rejected", owner, requestID, err)
		return nil, err
	}

	l.Log.Info("payout request transitioned",
		zap.String("request_id", string(requestID)),
		zap.String("doctor_id", string(owner)),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("requested_amount", out.RequestedAmount.StringFixed(MoneyPlaces)))
	return out, nil
}

func (l *Ledger) requestOwner(ctx context.Context, requestID PayoutRequestID) (DoctorID, error) {
	var owner DoctorID
	err := l.Store.View(ctx, func(tx Tx) error {
		req, err := tx.GetPayoutRequest(ctx, requestID)
		if err != nil {
			return err
		}
		owner = req.DoctorID
		return nil
	})
	return owner, err
}
