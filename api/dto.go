/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Amounts go out as strings with two decimals ("75.00") and come in as
  JSON numbers or strings, decoded straight into decimal.Decimal.

VALIDATION:
  Request types carry go-playground/validator tags for shape checks
  (required fields, enums). Ledger rules (precision, balance, phone
  formats) are checked by the ledger and reported as ledger errors.

SEE ALSO:
  - handlers.go: Uses these types
  - errors.go: ErrorResponse codes
*/
package api

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/payout-ledger/ledger"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// RecordEarningRequest is the "appointment completed" event.
type RecordEarningRequest struct {
	DoctorID      string           `json:"doctor_id" validate:"required"`
	AppointmentID string           `json:"appointment_id" validate:"required"`
	GrossAmount   *decimal.Decimal `json:"gross_amount" validate:"required"`
	FeeRate       *decimal.Decimal `json:"platform_fee_rate,omitempty"`
}

// CreatePayoutRequest asks for a payout, either to explicit account details
// or to a saved payout method.
type CreatePayoutRequest struct {
	Amount         *decimal.Decimal `json:"amount" validate:"required"`
	Method         string           `json:"method" validate:"required_without=SavedMethodID,omitempty,oneof=mobile_money bank_transfer"`
	AccountDetails json.RawMessage  `json:"account_details" validate:"required_without=SavedMethodID"`
	SavedMethodID  string           `json:"saved_method_id,omitempty"`
}

type CancelPayoutRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

type FailPayoutRequest struct {
	Notes string `json:"notes" validate:"max=500"`
}

type AddPayoutMethodRequest struct {
	Method         string          `json:"method" validate:"required,oneof=mobile_money bank_transfer"`
	AccountDetails json.RawMessage `json:"account_details" validate:"required"`
	IsDefault      bool            `json:"is_default"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

type EarningDTO struct {
	ID              string  `json:"id"`
	DoctorID        string  `json:"doctor_id"`
	AppointmentID   string  `json:"appointment_id"`
	GrossAmount     string  `json:"gross_amount"`
	PlatformFeeRate string  `json:"platform_fee_rate"`
	NetAmount       string  `json:"net_amount"`
	Status          string  `json:"status"`
	PayoutRequestID *string `json:"payout_request_id,omitempty"`
	EarnedDate      string  `json:"earned_date"`
	CreatedAt       string  `json:"created_at"`
}

type BalanceDTO struct {
	DoctorID         string `json:"doctor_id"`
	AvailableBalance string `json:"available_balance"`
}

type EarningsSummaryDTO struct {
	DoctorID     string  `json:"doctor_id"`
	Period       string  `json:"period"`
	Since        *string `json:"since,omitempty"`
	TotalGross   string  `json:"total_gross"`
	TotalNet     string  `json:"total_net"`
	Pending      string  `json:"pending"`
	Reserved     string  `json:"reserved"`
	Paid         string  `json:"paid"`
	Appointments int     `json:"appointments"`
	AverageGross string  `json:"average_gross"`
}

type PayoutRequestDTO struct {
	ID              string                `json:"id"`
	Reference       string                `json:"reference"`
	DoctorID        string                `json:"doctor_id"`
	Amount          string                `json:"amount"`
	RequestedAmount string                `json:"requested_amount"`
	Method          string                `json:"method"`
	AccountDetails  ledger.AccountDetails `json:"account_details"`
	Status          string                `json:"status"`
	RequestDate     string                `json:"request_date"`
	ProcessedDate   *string               `json:"processed_date,omitempty"`
	Notes           string                `json:"notes,omitempty"`
	CreatedAt       string                `json:"created_at"`
	UpdatedAt       string                `json:"updated_at"`
}

type PaginationDTO struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

type PayoutPageDTO struct {
	Requests   []PayoutRequestDTO `json:"requests"`
	Pagination PaginationDTO      `json:"pagination"`
}

type PayoutStatsDTO struct {
	Period             string `json:"period"`
	TotalRequests      int    `json:"total_requests"`
	PendingRequests    int    `json:"pending_requests"`
	ProcessingRequests int    `json:"processing_requests"`
	CompletedRequests  int    `json:"completed_requests"`
	FailedRequests     int    `json:"failed_requests"`
	CancelledRequests  int    `json:"cancelled_requests"`
	TotalPaid          string `json:"total_paid"`
	PendingAmount      string `json:"pending_amount"`
	AveragePayout      string `json:"average_payout"`
}

type ReservationEventDTO struct {
	ID        string `json:"id"`
	EarningID string `json:"earning_id"`
	Action    string `json:"action"`
	NetAmount string `json:"net_amount"`
	CreatedAt string `json:"created_at"`
}

type SavedMethodDTO struct {
	ID             string                `json:"id"`
	Method         string                `json:"method"`
	AccountDetails ledger.AccountDetails `json:"account_details"`
	IsDefault      bool                  `json:"is_default"`
	CreatedAt      string                `json:"created_at"`
}

type AuditDTO struct {
	DoctorID   string             `json:"doctor_id"`
	OK         bool               `json:"ok"`
	Violations []ledger.Violation `json:"violations"`
}

type InsufficientBalanceDTO struct {
	Available string `json:"available"`
	Requested string `json:"requested"`
	Shortfall string `json:"shortfall"`
}

type TransitionErrorDTO struct {
	RequestID string `json:"request_id"`
	From      string `json:"from"`
	To        string `json:"to"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func money(d decimal.Decimal) string {
	return d.StringFixed(ledger.MoneyPlaces)
}

func formatDate(t time.Time) string {
	return t.Format("2006-01-02")
}

func toEarningDTO(e ledger.Earning) EarningDTO {
	dto := EarningDTO{
		ID:              string(e.ID),
		DoctorID:        string(e.DoctorID),
		AppointmentID:   string(e.AppointmentID),
		GrossAmount:     money(e.GrossAmount),
		PlatformFeeRate: e.PlatformFeeRate.String(),
		NetAmount:       money(e.NetAmount),
		Status:          string(e.Status),
		EarnedDate:      formatDate(e.EarnedDate),
		CreatedAt:       e.CreatedAt.Format(time.RFC3339),
	}
	if e.PayoutRequestID != nil {
		id := string(*e.PayoutRequestID)
		dto.PayoutRequestID = &id
	}
	return dto
}

func toPayoutRequestDTO(r ledger.PayoutRequest) PayoutRequestDTO {
	dto := PayoutRequestDTO{
		ID:              string(r.ID),
		Reference:       r.Reference,
		DoctorID:        string(r.DoctorID),
		Amount:          money(r.Amount),
		RequestedAmount: money(r.RequestedAmount),
		Method:          string(r.Method),
		AccountDetails:  r.AccountDetails,
		Status:          string(r.Status),
		RequestDate:     formatDate(r.RequestDate),
		Notes:           r.Notes,
		CreatedAt:       r.CreatedAt.Format(time.RFC3339),
		UpdatedAt:       r.UpdatedAt.Format(time.RFC3339),
	}
	if r.ProcessedDate != nil {
		p := r.ProcessedDate.Format(time.RFC3339)
		dto.ProcessedDate = &p
	}
	return dto
}

func toPayoutRequestDTOs(requests []ledger.PayoutRequest) []PayoutRequestDTO {
	dtos := make([]PayoutRequestDTO, len(requests))
	for i, r := range requests {
		dtos[i] = toPayoutRequestDTO(r)
	}
	return dtos
}

func toSavedMethodDTO(m ledger.SavedMethod) SavedMethodDTO {
	return SavedMethodDTO{
		ID:             string(m.ID),
		Method:         string(m.Method),
		AccountDetails: m.AccountDetails,
		IsDefault:      m.IsDefault,
		CreatedAt:      m.CreatedAt.Format(time.RFC3339),
	}
}

func toSummaryDTO(s *ledger.EarningsSummary, period ledger.Period) EarningsSummaryDTO {
	dto := EarningsSummaryDTO{
		DoctorID:     string(s.DoctorID),
		Period:       string(period),
		TotalGross:   money(s.TotalGross),
		TotalNet:     money(s.TotalNet),
		Pending:      money(s.Pending),
		Reserved:     money(s.Reserved),
		Paid:         money(s.Paid),
		Appointments: s.Appointments,
		AverageGross: money(s.AverageGross),
	}
	if s.Since != nil {
		since := formatDate(*s.Since)
		dto.Since = &since
	}
	return dto
}

func toStatsDTO(s *ledger.PayoutStats, period ledger.Period) PayoutStatsDTO {
	return PayoutStatsDTO{
		Period:             string(period),
		TotalRequests:      s.TotalRequests,
		PendingRequests:    s.PendingRequests,
		ProcessingRequests: s.ProcessingRequests,
		CompletedRequests:  s.CompletedRequests,
		FailedRequests:     s.FailedRequests,
		CancelledRequests:  s.CancelledRequests,
		TotalPaid:          money(s.TotalPaid),
		PendingAmount:      money(s.PendingAmount),
		AveragePayout:      money(s.AveragePayout),
	}
}

func toReservationEventDTO(e ledger.ReservationEvent) ReservationEventDTO {
	return ReservationEventDTO{
		ID:        e.ID,
		EarningID: string(e.EarningID),
		Action:    string(e.Action),
		NetAmount: money(e.NetAmount),
		CreatedAt: e.CreatedAt.Format(time.RFC3339),
	}
}
