/*
handlers_test.go - HTTP handler tests

Tests for:
- Earning intake and duplicate handling
- Payout creation, listing, cancellation and retry
- Admin reconciliation endpoints
- Error mapping (status codes, codes, Retry-After)
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/payout-ledger/ledger"
	"github.com/warp/payout-ledger/ledger/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type testAPI struct {
	handler *Handler
	router  *chi.Mux
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	return newTestAPIWithStore(t, store.NewMemory(), RouterOptions{})
}

func newTestAPIWithStore(t *testing.T, s ledger.Store, opts RouterOptions) *testAPI {
	t.Helper()
	l := ledger.New(s, nil)
	// One second per call keeps FIFO and "newest first" ordering stable.
	now := time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	l.Now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
	h := NewHandler(l, nil, decimal.RequireFromString("0.15"))
	return &testAPI{handler: h, router: NewRouter(h, opts)}
}

// payoutView and methodView mirror the response DTOs without the
// account_details interface, which cannot be decoded generically.
type payoutView struct {
	ID              string  `json:"id"`
	Reference       string  `json:"reference"`
	Amount          string  `json:"amount"`
	RequestedAmount string  `json:"requested_amount"`
	Method          string  `json:"method"`
	Status          string  `json:"status"`
	ProcessedDate   *string `json:"processed_date"`
	Notes           string  `json:"notes"`
}

type methodView struct {
	ID        string `json:"id"`
	Method    string `json:"method"`
	IsDefault bool   `json:"is_default"`
}

type pageView struct {
	Requests   []payoutView  `json:"requests"`
	Pagination PaginationDTO `json:"pagination"`
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (a *testAPI) earn(t *testing.T, doctorID string, grosses ...string) {
	t.Helper()
	for i, g := range grosses {
		rec := a.do(t, http.MethodPost, "/api/earnings", map[string]any{
			"doctor_id":         doctorID,
			"appointment_id":    fmt.Sprintf("%s-appt-%d", doctorID, i),
			"gross_amount":      g,
			"platform_fee_rate": "0",
		})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}
}

var mobileMoneyBody = map[string]any{
	"method": "mobile_money",
	"account_details": map[string]string{
		"provider":     "MTN",
		"phone_number": "0241234567",
		"account_name": "Dr. Ama Mensah",
	},
}

func payoutBody(amount string) map[string]any {
	body := map[string]any{"amount": amount}
	for k, v := range mobileMoneyBody {
		body[k] = v
	}
	return body
}

func (a *testAPI) createPayout(t *testing.T, doctorID, amount string) payoutView {
	t.Helper()
	rec := a.do(t, http.MethodPost, "/api/doctors/"+doctorID+"/payouts", payoutBody(amount))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[payoutView](t, rec)
}

// =============================================================================
// INTAKE
// =============================================================================

func TestRecordEarning_DefaultFeeAndDuplicate(t *testing.T) {
	// GIVEN: An appointment completion without an explicit fee rate
	// WHEN: It is posted twice
	// THEN: 201 with the platform default fee, then 409 duplicate_appointment

	a := newTestAPI(t)
	body := map[string]any{"doctor_id": "doc-1", "appointment_id": "appt-1", "gross_amount": 200}

	rec := a.do(t, http.MethodPost, "/api/earnings", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	e := decode[EarningDTO](t, rec)
	assert.Equal(t, "170.00", e.NetAmount)
	assert.Equal(t, "0.15", e.PlatformFeeRate)
	assert.Equal(t, "pending", e.Status)

	rec = a.do(t, http.MethodPost, "/api/earnings", body)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "duplicate_appointment", decode[ErrorResponse](t, rec).Code)
}

func TestRecordEarning_Validation(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodPost, "/api/earnings", map[string]any{"doctor_id": "doc-1", "appointment_id": "appt-1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "validation_failed", resp.Code)
	assert.Contains(t, rec.Body.String(), "gross_amount")

	rec = a.do(t, http.MethodPost, "/api/earnings", `{"doctor_id":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(t, http.MethodPost, "/api/earnings", map[string]any{
		"doctor_id": "doc-1", "appointment_id": "appt-1", "gross_amount": "10.00", "platform_fee_rate": "1.5",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_fee_rate", decode[ErrorResponse](t, rec).Code)

	// Scientific notation is parsed but rejected before any rounding.
	rec = a.do(t, http.MethodPost, "/api/earnings", `{"doctor_id":"doc-1","appointment_id":"appt-2","gross_amount":"1e5000000"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_amount", decode[ErrorResponse](t, rec).Code)
}

func TestListMethodTypes(t *testing.T) {
	a := newTestAPI(t)
	rec := a.do(t, http.MethodGet, "/api/payout-methods/types", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"mobile_money"`)
	assert.Contains(t, rec.Body.String(), `"bank_transfer"`)
}

// =============================================================================
// PAYOUTS
// =============================================================================

func TestCreatePayout_FIFOReservation(t *testing.T) {
	// GIVEN: Earnings of 40, 35 and 30
	// WHEN: The doctor requests 50 over HTTP
	// THEN: 75.00 is reserved and the balance shows 30.00

	a := newTestAPI(t)
	a.earn(t, "doc-1", "40.00", "35.00", "30.00")

	req := a.createPayout(t, "doc-1", "50.00")
	assert.Equal(t, "50.00", req.Amount)
	assert.Equal(t, "75.00", req.RequestedAmount)
	assert.Equal(t, "pending", req.Status)

	rec := a.do(t, http.MethodGet, "/api/doctors/doc-1/balance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "30.00", decode[BalanceDTO](t, rec).AvailableBalance)

	rec = a.do(t, http.MethodGet, "/api/doctors/doc-1/earnings?status=reserved", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]EarningDTO](t, rec), 2)

	rec = a.do(t, http.MethodGet, "/api/doctors/doc-1/payouts/"+req.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, req.Reference, decode[payoutView](t, rec).Reference)
}

func TestCreatePayout_ErrorMapping(t *testing.T) {
	a := newTestAPI(t)
	a.earn(t, "doc-1", "40.00", "35.00")

	// Insufficient balance
	rec := a.do(t, http.MethodPost, "/api/doctors/doc-1/payouts", payoutBody("100.00"))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var shortage struct {
		Code    string                 `json:"code"`
		Details InsufficientBalanceDTO `json:"details"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &shortage))
	assert.Equal(t, "insufficient_balance", shortage.Code)
	assert.Equal(t, "75.00", shortage.Details.Available)
	assert.Equal(t, "25.00", shortage.Details.Shortfall)

	// Bad phone number
	body := payoutBody("10.00")
	body["account_details"] = map[string]string{"provider": "Airtel", "phone_number": "0241234567", "account_name": "A"}
	rec = a.do(t, http.MethodPost, "/api/doctors/doc-1/payouts", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_account_details", decode[ErrorResponse](t, rec).Code)
	assert.Contains(t, rec.Body.String(), "phone_number")

	// Malformed details
	body["account_details"] = "not-an-object"
	rec = a.do(t, http.MethodPost, "/api/doctors/doc-1/payouts", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Unknown method
	body = payoutBody("10.00")
	body["method"] = "paypal"
	rec = a.do(t, http.MethodPost, "/api/doctors/doc-1/payouts", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_failed", decode[ErrorResponse](t, rec).Code)

	// Huge exponent
	rec = a.do(t, http.MethodPost, "/api/doctors/doc-1/payouts", payoutBody("1e5000000"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_amount", decode[ErrorResponse](t, rec).Code)
	assert.Less(t, rec.Body.Len(), 1024)

	// Over-precise amount
	rec = a.do(t, http.MethodPost, "/api/doctors/doc-1/payouts", payoutBody("10.005"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_amount", decode[ErrorResponse](t, rec).Code)

	// Second active request
	a.createPayout(t, "doc-1", "10.00")
	rec = a.do(t, http.MethodPost, "/api/doctors/doc-1/payouts", payoutBody("10.00"))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "active_request_exists", decode[ErrorResponse](t, rec).Code)

	// Another doctor's request
	rec = a.do(t, http.MethodGet, "/api/doctors/doc-2/payouts/no-such-id", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreatePayout_FromSavedMethod(t *testing.T) {
	a := newTestAPI(t)
	a.earn(t, "doc-1", "40.00")

	rec := a.do(t, http.MethodPost, "/api/doctors/doc-1/payout-methods", map[string]any{
		"method": "bank_transfer",
		"account_details": map[string]string{
			"bank_name": "GCB Bank", "account_number": "1234567890", "account_name": "Dr. Ama Mensah",
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	saved := decode[methodView](t, rec)
	assert.True(t, saved.IsDefault)

	rec = a.do(t, http.MethodPost, "/api/doctors/doc-1/payouts", map[string]any{
		"amount": "40.00", "saved_method_id": saved.ID,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	req := decode[payoutView](t, rec)
	assert.Equal(t, "bank_transfer", req.Method)

	// Someone else's method
	rec = a.do(t, http.MethodPost, "/api/doctors/doc-2/payouts", map[string]any{
		"amount": "1.00", "saved_method_id": saved.ID,
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListPayouts_Pagination(t *testing.T) {
	a := newTestAPI(t)
	a.earn(t, "doc-1", "10.00")
	for i := 0; i < 3; i++ {
		req := a.createPayout(t, "doc-1", "10.00")
		rec := a.do(t, http.MethodPost, "/api/doctors/doc-1/payouts/"+req.ID+"/cancel", nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	rec := a.do(t, http.MethodGet, "/api/doctors/doc-1/payouts?page=2&limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[pageView](t, rec)
	assert.Len(t, page.Requests, 1)
	assert.Equal(t, PaginationDTO{Page: 2, Limit: 2, Total: 3, TotalPages: 2}, page.Pagination)

	rec = a.do(t, http.MethodGet, "/api/doctors/doc-1/payouts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, defaultLimit, decode[pageView](t, rec).Pagination.Limit)

	rec = a.do(t, http.MethodGet, "/api/doctors/doc-1/payouts?status=pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[pageView](t, rec).Requests)

	for _, q := range []string{"?status=bogus", "?page=0", "?limit=abc", "?page=4611686018427387905&limit=4"} {
		rec = a.do(t, http.MethodGet, "/api/doctors/doc-1/payouts"+q, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestCancelPayout(t *testing.T) {
	a := newTestAPI(t)
	a.earn(t, "doc-1", "40.00")
	req := a.createPayout(t, "doc-1", "40.00")

	rec := a.do(t, http.MethodPost, "/api/doctors/doc-1/payouts/"+req.ID+"/cancel", map[string]string{"reason": "wrong amount"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	cancelled := decode[payoutView](t, rec)
	assert.Equal(t, "cancelled", cancelled.Status)
	assert.Equal(t, "wrong amount", cancelled.Notes)

	rec = a.do(t, http.MethodPost, "/api/doctors/doc-1/payouts/"+req.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "not_cancellable", decode[ErrorResponse](t, rec).Code)
}

// =============================================================================
// ADMIN
// =============================================================================

func TestAdminReconciliation_FullCycle(t *testing.T) {
	// GIVEN: A pending payout
	// WHEN: The operator moves it through processing, failure, retry, completion
	// THEN: Each step returns the new status and invalid steps return 409

	a := newTestAPI(t)
	a.earn(t, "doc-1", "40.00", "35.00", "30.00")
	req := a.createPayout(t, "doc-1", "50.00")
	admin := "/api/admin/payouts/" + req.ID

	step := func(path string, body any, wantStatus string) payoutView {
		t.Helper()
		rec := a.do(t, http.MethodPost, admin+path, body)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		out := decode[payoutView](t, rec)
		assert.Equal(t, wantStatus, out.Status)
		return out
	}

	rec := a.do(t, http.MethodPost, admin+"/complete", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	var transition struct {
		Code    string             `json:"code"`
		Details TransitionErrorDTO `json:"details"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &transition))
	assert.Equal(t, "invalid_transition", transition.Code)
	assert.Equal(t, TransitionErrorDTO{RequestID: req.ID, From: "pending", To: "completed"}, transition.Details)

	step("/processing", nil, "processing")
	failed := step("/fail", map[string]string{"notes": "rail timeout"}, "failed")
	assert.Equal(t, "rail timeout", failed.Notes)

	rec = a.do(t, http.MethodGet, "/api/doctors/doc-1/balance", nil)
	assert.Equal(t, "105.00", decode[BalanceDTO](t, rec).AvailableBalance)

	step("/retry", nil, "pending")
	step("/processing", nil, "processing")
	done := step("/complete", nil, "completed")
	assert.NotNil(t, done.ProcessedDate)

	rec = a.do(t, http.MethodGet, admin+"/reservations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	events := decode[[]ReservationEventDTO](t, rec)
	require.Len(t, events, 8) // reserve×2, release×2, reserve×2, pay×2
	assert.Equal(t, "paid", events[7].Action)

	rec = a.do(t, http.MethodGet, "/api/doctors/doc-1/payouts/stats?period=all", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[PayoutStatsDTO](t, rec)
	assert.Equal(t, 1, stats.CompletedRequests)
	assert.Equal(t, "75.00", stats.TotalPaid)

	rec = a.do(t, http.MethodGet, "/api/doctors/doc-1/earnings/summary?period=week", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	summary := decode[EarningsSummaryDTO](t, rec)
	assert.Equal(t, "75.00", summary.Paid)
	assert.Equal(t, "30.00", summary.Pending)

	rec = a.do(t, http.MethodGet, "/api/doctors/doc-1/earnings/summary?period=decade", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(t, http.MethodGet, "/api/admin/audit/doc-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	audit := decode[AuditDTO](t, rec)
	assert.True(t, audit.OK)
	assert.Empty(t, audit.Violations)
}

func TestDoctorRetry_ScopedToOwner(t *testing.T) {
	a := newTestAPI(t)
	a.earn(t, "doc-1", "40.00")
	req := a.createPayout(t, "doc-1", "40.00")
	admin := "/api/admin/payouts/" + req.ID
	require.Equal(t, http.StatusOK, a.do(t, http.MethodPost, admin+"/processing", nil).Code)
	require.Equal(t, http.StatusOK, a.do(t, http.MethodPost, admin+"/fail", nil).Code)

	rec := a.do(t, http.MethodPost, "/api/doctors/doc-2/payouts/"+req.ID+"/retry", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = a.do(t, http.MethodPost, "/api/doctors/doc-1/payouts/"+req.ID+"/retry", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Retried", decode[payoutView](t, rec).Notes)
}

func TestPayoutMethods_CRUD(t *testing.T) {
	a := newTestAPI(t)
	base := "/api/doctors/doc-1/payout-methods"

	rec := a.do(t, http.MethodPost, base, mobileMoneyBody)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	first := decode[methodView](t, rec)

	body := map[string]any{
		"method":     "bank_transfer",
		"is_default": true,
		"account_details": map[string]string{
			"bank_name": "Ecobank", "account_number": "ECO-0099887766", "account_name": "Dr. Ama Mensah",
		},
	}
	rec = a.do(t, http.MethodPost, base, body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	second := decode[methodView](t, rec)

	rec = a.do(t, http.MethodPost, base+"/"+first.ID+"/default", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[methodView](t, rec).IsDefault)

	rec = a.do(t, http.MethodDelete, base+"/"+second.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = a.do(t, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	methods := decode[[]methodView](t, rec)
	require.Len(t, methods, 1)
	assert.Equal(t, first.ID, methods[0].ID)

	rec = a.do(t, http.MethodDelete, base+"/"+second.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// INFRASTRUCTURE
// =============================================================================

type failingStore struct{ err error }

func (s failingStore) WithTx(context.Context, func(ledger.Tx) error) error { return s.err }
func (s failingStore) View(context.Context, func(ledger.Tx) error) error { return s.err }

func TestErrors_RetryableAndInternal(t *testing.T) {
	busy := newTestAPIWithStore(t, failingStore{fmt.Errorf("%w: no connection", ledger.ErrLockTimeout)}, RouterOptions{})
	rec := busy.do(t, http.MethodGet, "/api/doctors/doc-1/balance", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, "lock_timeout", decode[ErrorResponse](t, rec).Code)

	broken := newTestAPIWithStore(t, failingStore{errors.New("disk on fire")}, RouterOptions{})
	rec = broken.do(t, http.MethodGet, "/api/doctors/doc-1/balance", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "disk on fire")
}

type pingerFunc func(context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHealth(t *testing.T) {
	a := newTestAPI(t)
	assert.Equal(t, http.StatusOK, a.do(t, http.MethodGet, "/healthz", nil).Code)

	a.handler.Pinger = pingerFunc(func(context.Context) error { return errors.New("down") })
	assert.Equal(t, http.StatusServiceUnavailable, a.do(t, http.MethodGet, "/healthz", nil).Code)
}

func TestRateLimit(t *testing.T) {
	a := newTestAPIWithStore(t, store.NewMemory(), RouterOptions{RateLimitPerMin: 1, RateLimitBurst: 1})

	assert.Equal(t, http.StatusOK, a.do(t, http.MethodGet, "/healthz", nil).Code)
	rec := a.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Equal(t, "rate_limited", decode[ErrorResponse](t, rec).Code)
}

func TestLastAudit(t *testing.T) {
	a := newTestAPI(t)
	rec := a.do(t, http.MethodGet, "/api/admin/audit", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	auditor, err := NewAuditScheduler(a.handler.Ledger, nil, "@every 1h")
	require.NoError(t, err)
	a.handler.Auditor = auditor

	rec = a.do(t, http.MethodGet, "/api/admin/audit", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	a.earn(t, "doc-1", "40.00")
	auditor.RunNow(context.Background())

	rec = a.do(t, http.MethodGet, "/api/admin/audit", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	report := decode[AuditReport](t, rec)
	assert.Empty(t, report.Violations)
	assert.Empty(t, report.Error)
}
