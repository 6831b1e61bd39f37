package api

import (
	"errors"
	"net/http"

	"github.com/warp/payout-ledger/ledger"
	"go.uber.org/zap"
)

// errorKind maps a ledger error to its HTTP status and a stable code.
type errorKind struct {
	target  error
	status  int
	code    string
	message string
}

var errorKinds = []errorKind{
	{ledger.ErrMissingID, http.StatusBadRequest, "missing_id", "Missing identifier"},
	{ledger.ErrInvalidAmount, http.StatusBadRequest, "invalid_amount", "Invalid amount"},
	{ledger.ErrInvalidFeeRate, http.StatusBadRequest, "invalid_fee_rate", "Invalid platform fee rate"},
	{ledger.ErrInvalidAccountDetails, http.StatusBadRequest, "invalid_account_details", "Invalid account details"},
	{ledger.ErrNotFound, http.StatusNotFound, "not_found", "Not found"},
	{ledger.ErrDuplicateAppointment, http.StatusConflict, "duplicate_appointment", "Earning already recorded for appointment"},
	{ledger.ErrActiveRequestExists, http.StatusConflict, "active_request_exists", "An active payout request already exists"},
	{ledger.ErrNotCancellable, http.StatusConflict, "not_cancellable", "Payout request cannot be cancelled"},
	{ledger.ErrInvalidTransition, http.StatusConflict, "invalid_transition", "Invalid payout status transition"},
	{ledger.ErrInsufficientBalance, http.StatusUnprocessableEntity, "insufficient_balance", "Insufficient balance"},
	{ledger.ErrStaleState, http.StatusServiceUnavailable, "stale_state", "Concurrent update, retry the request"},
	{ledger.ErrLockTimeout, http.StatusServiceUnavailable, "lock_timeout", "Ledger busy, retry the request"},
}

// writeLedgerError writes err in the standard ErrorResponse shape.
// Retryable errors carry Retry-After.
func (h *Handler) writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	for _, k := range errorKinds {
		if !errors.Is(err, k.target) {
			continue
		}
		if ledger.IsRetryable(err) {
			w.Header().Set("Retry-After", "1")
		}
		writeJSON(w, k.status, ErrorResponse{Error: k.message, Code: k.code, Details: errorDetails(err)})
		return
	}

	h.requestLog(r).Error("request failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "Internal error", nil)
}

// errorDetails exposes structured fields where the error has them.
func errorDetails(err error) any {
	var ib *ledger.InsufficientBalanceError
	if errors.As(err, &ib) {
		return InsufficientBalanceDTO{
			Available: money(ib.Available),
			Requested: money(ib.Requested),
			Shortfall: money(ib.Shortfall()),
		}
	}
	var te *ledger.TransitionError
	if errors.As(err, &te) {
		return TransitionErrorDTO{RequestID: string(te.RequestID), From: string(te.From), To: string(te.To)}
	}
	var ad *ledger.AccountDetailsError
	if errors.As(err, &ad) {
		return map[string]string{"field": ad.Field, "reason": ad.Reason}
	}
	return err.Error()
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
