/*
handlers.go - HTTP API handlers for the payout ledger

PURPOSE:
  Exposes the earnings and payout ledger via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to the ledger.

ENDPOINTS:
  Intake:
    POST   /api/earnings                         Appointment completed
    GET    /api/payout-methods/types             Method catalogue

  Doctors:
    GET    /api/doctors/{id}/balance             Available balance
    GET    /api/doctors/{id}/earnings            Earnings (?status=)
    GET    /api/doctors/{id}/earnings/summary    Totals (?period=)
    GET    /api/doctors/{id}/payouts             Requests (?status=&page=&limit=)
    POST   /api/doctors/{id}/payouts             Request a payout
    GET    /api/doctors/{id}/payouts/stats       Statistics (?period=)
    GET    /api/doctors/{id}/payouts/{rid}       One request
    POST   /api/doctors/{id}/payouts/{rid}/cancel
    POST   /api/doctors/{id}/payouts/{rid}/retry
    GET    /api/doctors/{id}/payout-methods      Saved methods
    POST   /api/doctors/{id}/payout-methods      Save a method
    POST   /api/doctors/{id}/payout-methods/{mid}/default
    DELETE /api/doctors/{id}/payout-methods/{mid}

  Admin:
    POST   /api/admin/payouts/{rid}/processing   Handed to the payment rail
    POST   /api/admin/payouts/{rid}/complete     Rail confirmed
    POST   /api/admin/payouts/{rid}/fail         Rail rejected
    POST   /api/admin/payouts/{rid}/retry        Failed back to pending
    GET    /api/admin/payouts/{rid}/reservations Reservation history
    GET    /api/admin/audit                      Last scheduled audit
    GET    /api/admin/audit/{id}                 Audit one doctor now

REQUEST FLOW:
  1. Parse path and query parameters
  2. Decode and validate the body (validator tags in dto.go)
  3. Call the ledger
  4. Serialize response, or map the ledger error (errors.go)

SEE ALSO:
  - dto.go: Request/response data structures
  - errors.go: Error to status mapping
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/warp/payout-ledger/ledger"
	"go.uber.org/zap"
)

const (
	maxBodyBytes = 1 << 20
	defaultLimit = 10
	maxLimit     = 100
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger *ledger.Ledger
	Log    *zap.Logger

	// FeeRate applies to earnings recorded without an explicit rate.
	FeeRate decimal.Decimal

	// Optional
	Auditor *AuditScheduler
	Pinger  Pinger

	validate *validator.Validate
}

// NewHandler creates a handler over l.
func NewHandler(l *ledger.Ledger, log *zap.Logger, feeRate decimal.Decimal) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{
		Ledger:   l,
		Log:      log,
		FeeRate:  feeRate,
		validate: v,
	}
}

// Health reports liveness and, when a Pinger is set, database reachability.
// GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.Pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Pinger.Ping(ctx); err != nil {
			h.requestLog(r).Warn("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// INTAKE HANDLERS
// =============================================================================

// RecordEarning records the earning for a completed appointment.
// POST /api/earnings
func (h *Handler) RecordEarning(w http.ResponseWriter, r *http.Request) {
	var req RecordEarningRequest
	if !h.decode(w, r, &req, false) {
		return
	}

	feeRate := h.FeeRate
	if req.FeeRate != nil {
		feeRate = *req.FeeRate
	}

	earning, err := h.Ledger.OnAppointmentCompleted(r.Context(),
		ledger.DoctorID(req.DoctorID), ledger.AppointmentID(req.AppointmentID), *req.GrossAmount, feeRate)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, toEarningDTO(*earning))
}

// ListMethodTypes returns the payout channels and their required fields.
// GET /api/payout-methods/types
func (h *Handler) ListMethodTypes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"methods": ledger.MethodCatalogue()})
}

// =============================================================================
// BALANCE & EARNINGS HANDLERS
// =============================================================================

// GetBalance returns the doctor's available balance.
// GET /api/doctors/{doctorID}/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	doctorID := doctorParam(r)
	balance, err := h.Ledger.AvailableBalance(r.Context(), doctorID)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, BalanceDTO{
		DoctorID:         string(doctorID),
		AvailableBalance: money(balance),
	})
}

// ListEarnings returns the doctor's earnings, oldest first.
// GET /api/doctors/{doctorID}/earnings?status=pending
func (h *Handler) ListEarnings(w http.ResponseWriter, r *http.Request) {
	filter := ledger.EarningFilter{DoctorID: doctorParam(r)}
	if s := r.URL.Query().Get("status"); s != "" {
		status := ledger.EarningStatus(s)
		switch status {
		case ledger.EarningPending, ledger.EarningReserved, ledger.EarningPaid:
			filter.Status = status
		default:
			writeError(w, http.StatusBadRequest, "Invalid status", fmt.Errorf("unknown earning status %q", s))
			return
		}
	}

	earnings, err := h.Ledger.ListEarnings(r.Context(), filter)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	dtos := make([]EarningDTO, len(earnings))
	for i, e := range earnings {
		dtos[i] = toEarningDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetEarningsSummary returns earning totals for a period (default month).
// GET /api/doctors/{doctorID}/earnings/summary?period=week
func (h *Handler) GetEarningsSummary(w http.ResponseWriter, r *http.Request) {
	period, ok := periodParam(w, r)
	if !ok {
		return
	}

	summary, err := h.Ledger.Summary(r.Context(), doctorParam(r), period.Since(h.Ledger.Now()))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toSummaryDTO(summary, period))
}

// =============================================================================
// PAYOUT HANDLERS
// =============================================================================

// ListPayouts returns one page of the doctor's requests, newest first.
// GET /api/doctors/{doctorID}/payouts?status=&page=1&limit=10
func (h *Handler) ListPayouts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	page, err := queryInt(q.Get("page"), 1)
	if err != nil || page < 1 {
		writeError(w, http.StatusBadRequest, "Invalid page", err)
		return
	}
	limit, err := queryInt(q.Get("limit"), defaultLimit)
	if err != nil || limit < 1 {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if page-1 > (math.MaxInt32-limit)/limit {
		writeError(w, http.StatusBadRequest, "Invalid page", fmt.Errorf("page %d is out of range", page))
		return
	}

	filter := ledger.PayoutFilter{Limit: limit, Offset: (page - 1) * limit}
	if s := q.Get("status"); s != "" {
		status := ledger.PayoutStatus(s)
		if !status.Valid() {
			writeError(w, http.StatusBadRequest, "Invalid status", fmt.Errorf("unknown payout status %q", s))
			return
		}
		filter.Status = status
	}

	result, err := h.Ledger.ListPayoutRequests(r.Context(), doctorParam(r), filter)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, PayoutPageDTO{
		Requests: toPayoutRequestDTOs(result.Requests),
		Pagination: PaginationDTO{
			Page:       page,
			Limit:      limit,
			Total:      result.Total,
			TotalPages: (result.Total + limit - 1) / limit,
		},
	})
}

// CreatePayout requests a payout to explicit account details or to a saved
// method.
// POST /api/doctors/{doctorID}/payouts
func (h *Handler) CreatePayout(w http.ResponseWriter, r *http.Request) {
	var req CreatePayoutRequest
	if !h.decode(w, r, &req, false) {
		return
	}
	ctx := r.Context()
	doctorID := doctorParam(r)

	var (
		method  ledger.PayoutMethod
		details ledger.AccountDetails
	)
	if req.SavedMethodID != "" {
		saved, err := h.Ledger.GetPayoutMethod(ctx, doctorID, ledger.PayoutMethodID(req.SavedMethodID))
		if err != nil {
			h.writeLedgerError(w, r, err)
			return
		}
		method, details = saved.Method, saved.AccountDetails
	} else {
		method = ledger.PayoutMethod(req.Method)
		var err error
		if details, err = parseAccountDetails(method, req.AccountDetails); err != nil {
			h.writeLedgerError(w, r, err)
			return
		}
	}

	request, err := h.Ledger.CreatePayoutRequest(ctx, doctorID, *req.Amount, method, details)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, toPayoutRequestDTO(*request))
}

// GetPayoutStats returns request statistics for a period (default month).
// GET /api/doctors/{doctorID}/payouts/stats?period=year
func (h *Handler) GetPayoutStats(w http.ResponseWriter, r *http.Request) {
	period, ok := periodParam(w, r)
	if !ok {
		return
	}

	stats, err := h.Ledger.Stats(r.Context(), doctorParam(r), period.Since(h.Ledger.Now()))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toStatsDTO(stats, period))
}

// GetPayout returns one of the doctor's requests.
// GET /api/doctors/{doctorID}/payouts/{requestID}
func (h *Handler) GetPayout(w http.ResponseWriter, r *http.Request) {
	request, err := h.Ledger.GetPayoutRequest(r.Context(), doctorParam(r), requestParam(r))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toPayoutRequestDTO(*request))
}

// CancelPayout cancels a pending request. The body is optional.
// POST /api/doctors/{doctorID}/payouts/{requestID}/cancel
func (h *Handler) CancelPayout(w http.ResponseWriter, r *http.Request) {
	var req CancelPayoutRequest
	if !h.decode(w, r, &req, true) {
		return
	}

	request, err := h.Ledger.CancelPayoutRequest(r.Context(), doctorParam(r), requestParam(r), req.Reason)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toPayoutRequestDTO(*request))
}

// RetryPayout moves the doctor's failed request back to pending.
// POST /api/doctors/{doctorID}/payouts/{requestID}/retry
func (h *Handler) RetryPayout(w http.ResponseWriter, r *http.Request) {
	request, err := h.Ledger.RetryForDoctor(r.Context(), doctorParam(r), requestParam(r))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toPayoutRequestDTO(*request))
}

// =============================================================================
// SAVED METHOD HANDLERS
// =============================================================================

// ListPayoutMethods returns the doctor's active saved methods.
// GET /api/doctors/{doctorID}/payout-methods
func (h *Handler) ListPayoutMethods(w http.ResponseWriter, r *http.Request) {
	methods, err := h.Ledger.ListPayoutMethods(r.Context(), doctorParam(r))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	dtos := make([]SavedMethodDTO, len(methods))
	for i, m := range methods {
		dtos[i] = toSavedMethodDTO(m)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// AddPayoutMethod saves a payout destination.
// POST /api/doctors/{doctorID}/payout-methods
func (h *Handler) AddPayoutMethod(w http.ResponseWriter, r *http.Request) {
	var req AddPayoutMethodRequest
	if !h.decode(w, r, &req, false) {
		return
	}

	method := ledger.PayoutMethod(req.Method)
	details, err := parseAccountDetails(method, req.AccountDetails)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	saved, err := h.Ledger.AddPayoutMethod(r.Context(), doctorParam(r), method, details, req.IsDefault)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, toSavedMethodDTO(*saved))
}

// SetDefaultPayoutMethod makes a saved method the doctor's default.
// POST /api/doctors/{doctorID}/payout-methods/{methodID}/default
func (h *Handler) SetDefaultPayoutMethod(w http.ResponseWriter, r *http.Request) {
	saved, err := h.Ledger.SetDefaultPayoutMethod(r.Context(), doctorParam(r), methodParam(r))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toSavedMethodDTO(*saved))
}

// DeletePayoutMethod deactivates a saved method.
// DELETE /api/doctors/{doctorID}/payout-methods/{methodID}
func (h *Handler) DeletePayoutMethod(w http.ResponseWriter, r *http.Request) {
	if err := h.Ledger.DeactivatePayoutMethod(r.Context(), doctorParam(r), methodParam(r)); err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// MarkProcessing records that a pending request was handed to the rail.
// POST /api/admin/payouts/{requestID}/processing
func (h *Handler) MarkProcessing(w http.ResponseWriter, r *http.Request) {
	h.reconcile(w, r, h.Ledger.MarkProcessing)
}

// MarkCompleted records a confirmed transfer and pays the reserved earnings.
// POST /api/admin/payouts/{requestID}/complete
func (h *Handler) MarkCompleted(w http.ResponseWriter, r *http.Request) {
	h.reconcile(w, r, h.Ledger.MarkCompleted)
}

// MarkFailed records a rejected transfer and releases the reserved earnings.
// POST /api/admin/payouts/{requestID}/fail
func (h *Handler) MarkFailed(w http.ResponseWriter, r *http.Request) {
	var req FailPayoutRequest
	if !h.decode(w, r, &req, true) {
		return
	}
	h.reconcile(w, r, func(ctx context.Context, id ledger.PayoutRequestID) (*ledger.PayoutRequest, error) {
		return h.Ledger.MarkFailed(ctx, id, req.Notes)
	})
}

// AdminRetry moves a failed request back to pending.
// POST /api/admin/payouts/{requestID}/retry
func (h *Handler) AdminRetry(w http.ResponseWriter, r *http.Request) {
	h.reconcile(w, r, h.Ledger.Retry)
}

func (h *Handler) reconcile(
	w http.ResponseWriter,
	r *http.Request,
	apply func(context.Context, ledger.PayoutRequestID) (*ledger.PayoutRequest, error),
) {
	request, err := apply(r.Context(), requestParam(r))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPayoutRequestDTO(*request))
}

// GetReservationHistory returns every reserve/release/pay event of a request.
// GET /api/admin/payouts/{requestID}/reservations
func (h *Handler) GetReservationHistory(w http.ResponseWriter, r *http.Request) {
	events, err := h.Ledger.ReservationHistory(r.Context(), requestParam(r))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	dtos := make([]ReservationEventDTO, len(events))
	for i, e := range events {
		dtos[i] = toReservationEventDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetLastAudit returns the most recent scheduled audit report.
// GET /api/admin/audit
func (h *Handler) GetLastAudit(w http.ResponseWriter, r *http.Request) {
	if h.Auditor == nil {
		writeError(w, http.StatusNotFound, "Scheduled audit is disabled", nil)
		return
	}
	report := h.Auditor.LastReport()
	if report == nil {
		writeError(w, http.StatusNotFound, "No audit has run yet", nil)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// AuditDoctor verifies one doctor's ledger invariants now.
// GET /api/admin/audit/{doctorID}
func (h *Handler) AuditDoctor(w http.ResponseWriter, r *http.Request) {
	doctorID := doctorParam(r)
	violations, err := h.Ledger.VerifyInvariants(r.Context(), doctorID)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	if violations == nil {
		violations = []ledger.Violation{}
	}

	writeJSON(w, http.StatusOK, AuditDTO{
		DoctorID:   string(doctorID),
		OK:         len(violations) == 0,
		Violations: violations,
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// decode reads a JSON body into dst and validates it. It writes the error
// response itself and reports whether the handler should continue. With
// optional set, an empty body leaves dst at its zero value.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any, optional bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if !(optional && errors.Is(err, io.EOF)) {
			writeError(w, http.StatusBadRequest, "Invalid JSON", err)
			return false
		}
	}

	if err := h.validate.Struct(dst); err != nil {
		var fields validator.ValidationErrors
		if !errors.As(err, &fields) {
			writeError(w, http.StatusBadRequest, "Validation failed", err)
			return false
		}
		details := make([]map[string]string, len(fields))
		for i, fe := range fields {
			details[i] = map[string]string{"field": fe.Field(), "rule": fe.Tag()}
		}
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   "Validation failed",
			Code:    "validation_failed",
			Details: details,
		})
		return false
	}
	return true
}

// parseAccountDetails decodes raw details for method. The ledger validates
// the decoded fields.
func parseAccountDetails(method ledger.PayoutMethod, raw json.RawMessage) (ledger.AccountDetails, error) {
	details, err := ledger.UnmarshalAccountDetails(method, raw)
	if err != nil {
		var ad *ledger.AccountDetailsError
		if errors.As(err, &ad) {
			return nil, err
		}
		return nil, &ledger.AccountDetailsError{Field: "account_details", Reason: "malformed JSON object"}
	}
	return details, nil
}

func doctorParam(r *http.Request) ledger.DoctorID {
	return ledger.DoctorID(chi.URLParam(r, "doctorID"))
}

func requestParam(r *http.Request) ledger.PayoutRequestID {
	return ledger.PayoutRequestID(chi.URLParam(r, "requestID"))
}

func methodParam(r *http.Request) ledger.PayoutMethodID {
	return ledger.PayoutMethodID(chi.URLParam(r, "methodID"))
}

// periodParam reads ?period=, defaulting to month.
func periodParam(w http.ResponseWriter, r *http.Request) (ledger.Period, bool) {
	p := ledger.Period(r.URL.Query().Get("period"))
	switch p {
	case "":
		return ledger.PeriodMonth, true
	case ledger.PeriodWeek, ledger.PeriodMonth, ledger.PeriodYear, ledger.PeriodAll:
		return p, true
	}
	writeError(w, http.StatusBadRequest, "Invalid period", fmt.Errorf("period must be week, month, year or all"))
	return "", false
}

func queryInt(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	return strconv.Atoi(s)
}
