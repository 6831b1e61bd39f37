package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/payout-ledger/ledger"
)

var errReadOnly = errors.New("sqldb: write in read-only transaction")

// tx implements ledger.Tx. Every statement goes through the sql.Tx.
type tx struct {
	tx    *sql.Tx
	s     *DB
	write bool
}

var _ ledger.Tx = (*tx)(nil)

func (t *tx) exec(ctx context.Context, op, query string, args ...any) (sql.Result, error) {
	if !t.write {
		return nil, errReadOnly
	}
	res, err := t.tx.ExecContext(ctx, t.s.rebind(query), args...)
	if err != nil {
		return nil, t.s.wrap(op, err)
	}
	return res, nil
}

func (t *tx) query(ctx context.Context, op, query string, args ...any) (*sql.Rows, error) {
	rows, err := t.tx.QueryContext(ctx, t.s.rebind(query), args...)
	if err != nil {
		return nil, t.s.wrap(op, err)
	}
	return rows, nil
}

// locking returns the row-lock suffix for selects in write transactions.
func (t *tx) locking() string {
	if t.write && t.s.dialect.ForUpdate != "" {
		return " " + t.s.dialect.ForUpdate
	}
	return ""
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func (t *tx) LockDoctor(ctx context.Context, doctorID ledger.DoctorID) error {
	if !t.write {
		return errReadOnly
	}
	if t.s.dialect.LockDoctor == "" {
		return nil
	}
	_, err := t.exec(ctx, "lock doctor", t.s.dialect.LockDoctor, string(doctorID))
	return err
}

// =============================================================================
// EARNINGS
// =============================================================================

const earningColumns = `id, doctor_id, appointment_id, gross_amount, platform_fee_rate, net_amount,
	status, payout_request_id, earned_date, created_at, updated_at`

const fifoOrder = ` ORDER BY earned_date, created_at, id`

func (t *tx) InsertEarning(ctx context.Context, e ledger.Earning) error {
	var requestID sql.NullString
	if e.PayoutRequestID != nil {
		requestID = nullString(string(*e.PayoutRequestID))
	}
	_, err := t.exec(ctx, "insert earning",
		`INSERT INTO earnings (`+earningColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(e.ID), string(e.DoctorID), string(e.AppointmentID),
		e.GrossAmount, e.PlatformFeeRate, e.NetAmount,
		string(e.Status), requestID, formatDate(e.EarnedDate),
		formatTime(e.CreatedAt), formatTime(e.UpdatedAt),
	)
	return err
}

func (t *tx) GetEarning(ctx context.Context, id ledger.EarningID) (*ledger.Earning, error) {
	earnings, err := t.queryEarnings(ctx, `SELECT `+earningColumns+` FROM earnings WHERE id = ?`, string(id))
	if err != nil {
		return nil, err
	}
	if len(earnings) == 0 {
		return nil, ledger.ErrNotFound
	}
	return &earnings[0], nil
}

func (t *tx) ListEarnings(ctx context.Context, f ledger.EarningFilter) ([]ledger.Earning, error) {
	var (
		where []string
		args  []any
	)
	if f.DoctorID != "" {
		where = append(where, "doctor_id = ?")
		args = append(args, string(f.DoctorID))
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Since != nil {
		where = append(where, "earned_date >= ?")
		args = append(args, formatDate(*f.Since))
	}
	q := `SELECT ` + earningColumns + ` FROM earnings`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	return t.queryEarnings(ctx, q+fifoOrder, args...)
}

func (t *tx) ListPendingEarnings(ctx context.Context, doctorID ledger.DoctorID) ([]ledger.Earning, error) {
	return t.queryEarnings(ctx,
		`SELECT `+earningColumns+` FROM earnings WHERE doctor_id = ? AND status = ?`+fifoOrder+t.locking(),
		string(doctorID), string(ledger.EarningPending))
}

func (t *tx) ListRequestEarnings(ctx context.Context, requestID ledger.PayoutRequestID, status ledger.EarningStatus) ([]ledger.Earning, error) {
	return t.queryEarnings(ctx,
		`SELECT `+earningColumns+` FROM earnings WHERE payout_request_id = ? AND status = ?`+fifoOrder+t.locking(),
		string(requestID), string(status))
}

func (t *tx) UpdateEarningStatus(
	ctx context.Context,
	ids []ledger.EarningID,
	from, to ledger.EarningStatus,
	requestID *ledger.PayoutRequestID,
	at time.Time,
) error {
	if err := ledger.CheckEarningTransition(from, to); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	var link sql.NullString
	if requestID != nil {
		link = nullString(string(*requestID))
	}
	args := []any{string(to), link, formatTime(at), string(from)}
	for _, id := range ids {
		args = append(args, string(id))
	}
	res, err := t.exec(ctx, "update earning status",
		`UPDATE earnings SET status = ?, payout_request_id = ?, updated_at = ?
		 WHERE status = ? AND id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update earning status: %w", err)
	}
	if int(n) != len(ids) {
		return &ledger.StaleStateError{Entity: "earning", Expected: string(from), Matched: int(n), Wanted: len(ids)}
	}
	return nil
}

func (t *tx) queryEarnings(ctx context.Context, q string, args ...any) ([]ledger.Earning, error) {
	rows, err := t.query(ctx, "query earnings", q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Earning
	for rows.Next() {
		e, err := scanEarning(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, t.s.wrap("query earnings", err)
	}
	return out, nil
}

func scanEarning(rows *sql.Rows) (ledger.Earning, error) {
	var (
		e                                ledger.Earning
		id, doctorID, appointmentID      string
		status                           string
		requestID                        sql.NullString
		earnedDate, createdAt, updatedAt string
	)
	err := rows.Scan(
		&id, &doctorID, &appointmentID, &e.GrossAmount, &e.PlatformFeeRate, &e.NetAmount,
		&status, &requestID, &earnedDate, &createdAt, &updatedAt,
	)
	if err != nil {
		return e, fmt.Errorf("failed to scan earning: %w", err)
	}
	e.ID = ledger.EarningID(id)
	e.DoctorID = ledger.DoctorID(doctorID)
	e.AppointmentID = ledger.AppointmentID(appointmentID)
	e.Status = ledger.EarningStatus(status)
	if requestID.Valid {
		rid := ledger.PayoutRequestID(requestID.String)
		e.PayoutRequestID = &rid
	}
	if e.EarnedDate, err = parseDate(earnedDate); err != nil {
		return e, err
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return e, err
	}
	if e.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return e, err
	}
	return e, nil
}

// =============================================================================
// PAYOUT REQUESTS
// =============================================================================

const requestColumns = `id, reference, doctor_id, amount, requested_amount, method, account_details,
	status, request_date, processed_date, notes, created_at, updated_at`

func (t *tx) InsertPayoutRequest(ctx context.Context, r ledger.PayoutRequest) error {
	details, err := ledger.MarshalAccountDetails(r.AccountDetails)
	if err != nil {
		return err
	}
	var processed sql.NullString
	if r.ProcessedDate != nil {
		processed = nullString(formatTime(*r.ProcessedDate))
	}
	_, err = t.exec(ctx, "insert payout request",
		`INSERT INTO payout_requests (`+requestColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(r.ID), r.Reference, string(r.DoctorID), r.Amount, r.RequestedAmount,
		string(r.Method), string(details), string(r.Status), formatDate(r.RequestDate),
		processed, r.Notes, formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
	)
	return err
}

func (t *tx) GetPayoutRequest(ctx context.Context, id ledger.PayoutRequestID) (*ledger.PayoutRequest, error) {
	requests, err := t.queryRequests(ctx,
		`SELECT `+requestColumns+` FROM payout_requests WHERE id = ?`+t.locking(), string(id))
	if err != nil {
		return nil, err
	}
	if len(requests) == 0 {
		return nil, ledger.ErrNotFound
	}
	return &requests[0], nil
}

func (t *tx) ActivePayoutRequest(ctx context.Context, doctorID ledger.DoctorID) (*ledger.PayoutRequest, error) {
	requests, err := t.queryRequests(ctx,
		`SELECT `+requestColumns+` FROM payout_requests WHERE doctor_id = ? AND status IN (?, ?)`,
		string(doctorID), string(ledger.PayoutPending), string(ledger.PayoutProcessing))
	if err != nil || len(requests) == 0 {
		return nil, err
	}
	return &requests[0], nil
}

func (t *tx) ListPayoutRequests(ctx context.Context, f ledger.PayoutFilter) ([]ledger.PayoutRequest, int, error) {
	var (
		where []string
		args  []any
	)
	if f.DoctorID != "" {
		where = append(where, "doctor_id = ?")
		args = append(args, string(f.DoctorID))
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Since != nil {
		where = append(where, "request_date >= ?")
		args = append(args, formatDate(*f.Since))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	row := t.tx.QueryRowContext(ctx, t.s.rebind(`SELECT COUNT(*) FROM payout_requests`+clause), args...)
	if err := row.Scan(&total); err != nil {
		return nil, 0, t.s.wrap("count payout requests", err)
	}

	q := `SELECT ` + requestColumns + ` FROM payout_requests` + clause + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		q += ` LIMIT ? OFFSET ?`
		args = append(args, f.Limit, f.Offset)
	} else if f.Offset > 0 {
		// SQLite requires LIMIT before OFFSET; -1 is "no limit" there and
		// invalid in PostgreSQL, so page in memory instead.
		requests, err := t.queryRequests(ctx, q, args...)
		if err != nil {
			return nil, 0, err
		}
		if f.Offset >= len(requests) {
			return nil, total, nil
		}
		return requests[f.Offset:], total, nil
	}
	requests, err := t.queryRequests(ctx, q, args...)
	return requests, total, err
}

func (t *tx) UpdatePayoutRequest(ctx context.Context, r ledger.PayoutRequest, from ledger.PayoutStatus) error {
	var processed sql.NullString
	if r.ProcessedDate != nil {
		processed = nullString(formatTime(*r.ProcessedDate))
	}
	res, err := t.exec(ctx, "update payout request",
		`UPDATE payout_requests
		 SET status = ?, requested_amount = ?, request_date = ?, processed_date = ?, notes = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(r.Status), r.RequestedAmount, formatDate(r.RequestDate), processed, r.Notes,
		formatTime(r.UpdatedAt), string(r.ID), string(from),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update payout request: %w", err)
	}
	if n != 1 {
		return &ledger.StaleStateError{Entity: "payout_request", Expected: string(from), Matched: int(n), Wanted: 1}
	}
	return nil
}

func (t *tx) queryRequests(ctx context.Context, q string, args ...any) ([]ledger.PayoutRequest, error) {
	rows, err := t.query(ctx, "query payout requests", q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.PayoutRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, t.s.wrap("query payout requests", err)
	}
	return out, nil
}

func scanRequest(rows *sql.Rows) (ledger.PayoutRequest, error) {
	var (
		r                    ledger.PayoutRequest
		id, doctorID, method string
		details, status      string
		requestDate          string
		processed            sql.NullString
		createdAt, updatedAt string
		amount, requested    decimal.Decimal
	)
	err := rows.Scan(
		&id, &r.Reference, &doctorID, &amount, &requested, &method, &details,
		&status, &requestDate, &processed, &r.Notes, &createdAt, &updatedAt,
	)
	if err != nil {
		return r, fmt.Errorf("failed to scan payout request: %w", err)
	}
	r.ID = ledger.PayoutRequestID(id)
	r.DoctorID = ledger.DoctorID(doctorID)
	r.Amount = amount
	r.RequestedAmount = requested
	r.Method = ledger.PayoutMethod(method)
	r.Status = ledger.PayoutStatus(status)
	if r.AccountDetails, err = ledger.UnmarshalAccountDetails(r.Method, []byte(details)); err != nil {
		return r, err
	}
	if r.RequestDate, err = parseDate(requestDate); err != nil {
		return r, err
	}
	if processed.Valid {
		p, err := parseTime(processed.String)
		if err != nil {
			return r, err
		}
		r.ProcessedDate = &p
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return r, err
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return r, err
	}
	return r, nil
}

// =============================================================================
// RESERVATION HISTORY
// =============================================================================

func (t *tx) AppendReservationEvents(ctx context.Context, events []ledger.ReservationEvent) error {
	for _, e := range events {
		_, err := t.exec(ctx, "append reservation event",
			`INSERT INTO reservation_events (id, payout_request_id, earning_id, action, net_amount, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			e.ID, string(e.PayoutRequestID), string(e.EarningID), string(e.Action), e.NetAmount, formatTime(e.CreatedAt),
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *tx) ReservationHistory(ctx context.Context, requestID ledger.PayoutRequestID) ([]ledger.ReservationEvent, error) {
	rows, err := t.query(ctx, "query reservation events",
		`SELECT id, payout_request_id, earning_id, action, net_amount, created_at
		 FROM reservation_events WHERE payout_request_id = ? ORDER BY seq`, string(requestID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.ReservationEvent
	for rows.Next() {
		var (
			e                            ledger.ReservationEvent
			reqID, earningID, action, at string
		)
		if err := rows.Scan(&e.ID, &reqID, &earningID, &action, &e.NetAmount, &at); err != nil {
			return nil, fmt.Errorf("failed to scan reservation event: %w", err)
		}
		e.PayoutRequestID = ledger.PayoutRequestID(reqID)
		e.EarningID = ledger.EarningID(earningID)
		e.Action = ledger.ReservationAction(action)
		if e.CreatedAt, err = parseTime(at); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, t.s.wrap("query reservation events", err)
	}
	return out, nil
}

// =============================================================================
// SAVED PAYOUT METHODS
// =============================================================================

const methodColumns = `id, doctor_id, method, account_details, is_default, is_active, created_at, updated_at`

func (t *tx) InsertPayoutMethod(ctx context.Context, m ledger.SavedMethod) error {
	details, err := ledger.MarshalAccountDetails(m.AccountDetails)
	if err != nil {
		return err
	}
	_, err = t.exec(ctx, "insert payout method",
		`INSERT INTO payout_methods (`+methodColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(m.ID), string(m.DoctorID), string(m.Method), string(details),
		m.IsDefault, m.IsActive, formatTime(m.CreatedAt), formatTime(m.UpdatedAt),
	)
	return err
}

func (t *tx) GetPayoutMethod(ctx context.Context, id ledger.PayoutMethodID) (*ledger.SavedMethod, error) {
	methods, err := t.queryMethods(ctx, `SELECT `+methodColumns+` FROM payout_methods WHERE id = ?`, string(id))
	if err != nil {
		return nil, err
	}
	if len(methods) == 0 {
		return nil, ledger.ErrNotFound
	}
	return &methods[0], nil
}

func (t *tx) ListPayoutMethods(ctx context.Context, doctorID ledger.DoctorID) ([]ledger.SavedMethod, error) {
	return t.queryMethods(ctx,
		`SELECT `+methodColumns+` FROM payout_methods
		 WHERE doctor_id = ? AND is_active = ?
		 ORDER BY is_default DESC, created_at, id`, string(doctorID), true)
}

func (t *tx) ClearDefaultPayoutMethod(ctx context.Context, doctorID ledger.DoctorID, at time.Time) error {
	_, err := t.exec(ctx, "clear default payout method",
		`UPDATE payout_methods SET is_default = ?, updated_at = ? WHERE doctor_id = ? AND is_default = ?`,
		false, formatTime(at), string(doctorID), true)
	return err
}

func (t *tx) UpdatePayoutMethod(ctx context.Context, m ledger.SavedMethod) error {
	res, err := t.exec(ctx, "update payout method",
		`UPDATE payout_methods SET is_default = ?, is_active = ?, updated_at = ? WHERE id = ?`,
		m.IsDefault, m.IsActive, formatTime(m.UpdatedAt), string(m.ID))
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

func (t *tx) queryMethods(ctx context.Context, q string, args ...any) ([]ledger.SavedMethod, error) {
	rows, err := t.query(ctx, "query payout methods", q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.SavedMethod
	for rows.Next() {
		var (
			m                             ledger.SavedMethod
			id, doctorID, method, details string
			createdAt, updatedAt          string
		)
		if err := rows.Scan(&id, &doctorID, &method, &details, &m.IsDefault, &m.IsActive, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan payout method: %w", err)
		}
		m.ID = ledger.PayoutMethodID(id)
		m.DoctorID = ledger.DoctorID(doctorID)
		m.Method = ledger.PayoutMethod(method)
		if m.AccountDetails, err = ledger.UnmarshalAccountDetails(m.Method, []byte(details)); err != nil {
			return nil, err
		}
		if m.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if m.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, t.s.wrap("query payout methods", err)
	}
	return out, nil
}

// =============================================================================
// AUDIT
// =============================================================================

func (t *tx) ListDoctorIDs(ctx context.Context) ([]ledger.DoctorID, error) {
	rows, err := t.query(ctx, "list doctors", `SELECT DISTINCT doctor_id FROM earnings ORDER BY doctor_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.DoctorID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan doctor id: %w", err)
		}
		out = append(out, ledger.DoctorID(id))
	}
	return out, rows.Err()
}
