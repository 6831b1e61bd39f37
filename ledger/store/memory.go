// Package store provides an in-memory ledger.Store for tests and local runs.
package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/warp/payout-ledger/ledger"
)

var _ ledger.Store = (*Memory)(nil)

// errReadOnly is returned by write operations inside View.
var errReadOnly = errors.New("memory store: write in read-only transaction")

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps all rows in maps guarded by one RWMutex. Write transactions
// hold the write lock for their whole duration, so they are fully
// serialised and LockDoctor is a no-op.
type Memory struct {
	mu            sync.RWMutex
	earnings      map[ledger.EarningID]ledger.Earning
	byAppointment map[ledger.AppointmentID]ledger.EarningID
	requests      map[ledger.PayoutRequestID]ledger.PayoutRequest
	events        []ledger.ReservationEvent
	methods       map[ledger.PayoutMethodID]ledger.SavedMethod
}

func NewMemory() *Memory {
	return &Memory{
		earnings:      make(map[ledger.EarningID]ledger.Earning),
		byAppointment: make(map[ledger.AppointmentID]ledger.EarningID),
		requests:      make(map[ledger.PayoutRequestID]ledger.PayoutRequest),
		methods:       make(map[ledger.PayoutMethodID]ledger.SavedMethod),
	}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.snapshot()
	if err := fn(&memTx{m: m}); err != nil {
		m.restore(snapshot)
		return err
	}
	return nil
}

// View executes fn under the read lock. Writes fail.
func (m *Memory) View(ctx context.Context, fn func(ledger.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(&memTx{m: m, readOnly: true})
}

type memorySnapshot struct {
	earnings      map[ledger.EarningID]ledger.Earning
	byAppointment map[ledger.AppointmentID]ledger.EarningID
	requests      map[ledger.PayoutRequestID]ledger.PayoutRequest
	events        []ledger.ReservationEvent
	methods       map[ledger.PayoutMethodID]ledger.SavedMethod
}

func (m *Memory) snapshot() memorySnapshot {
	return memorySnapshot{
		earnings:      copyMap(m.earnings),
		byAppointment: copyMap(m.byAppointment),
		requests:      copyMap(m.requests),
		events:        append([]ledger.ReservationEvent(nil), m.events...),
		methods:       copyMap(m.methods),
	}
}

func (m *Memory) restore(s memorySnapshot) {
	m.earnings = s.earnings
	m.byAppointment = s.byAppointment
	m.requests = s.requests
	m.events = s.events
	m.methods = s.methods
}

func copyMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// =============================================================================
// TRANSACTION VIEW
// =============================================================================

type memTx struct {
	m        *Memory
	readOnly bool
}

func (t *memTx) writable() error {
	if t.readOnly {
		return errReadOnly
	}
	return nil
}

func (t *memTx) LockDoctor(context.Context, ledger.DoctorID) error {
	return t.writable()
}

// ===== Earnings =====

func (t *memTx) InsertEarning(_ context.Context, e ledger.Earning) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.m.byAppointment[e.AppointmentID]; ok {
		return ledger.ErrDuplicateAppointment
	}
	e.PayoutRequestID = cloneRequestID(e.PayoutRequestID)
	t.m.earnings[e.ID] = e
	t.m.byAppointment[e.AppointmentID] = e.ID
	return nil
}

func (t *memTx) GetEarning(_ context.Context, id ledger.EarningID) (*ledger.Earning, error) {
	e, ok := t.m.earnings[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	e = cloneEarning(e)
	return &e, nil
}

func (t *memTx) ListEarnings(_ context.Context, f ledger.EarningFilter) ([]ledger.Earning, error) {
	return t.filterEarnings(func(e ledger.Earning) bool {
		return (f.DoctorID == "" || e.DoctorID == f.DoctorID) &&
			(f.Status == "" || e.Status == f.Status) &&
			(f.Since == nil || !e.EarnedDate.Before(*f.Since))
	}), nil
}

func (t *memTx) ListPendingEarnings(_ context.Context, doctorID ledger.DoctorID) ([]ledger.Earning, error) {
	return t.filterEarnings(func(e ledger.Earning) bool {
		return e.DoctorID == doctorID && e.Status == ledger.EarningPending
	}), nil
}

func (t *memTx) ListRequestEarnings(_ context.Context, requestID ledger.PayoutRequestID, status ledger.EarningStatus) ([]ledger.Earning, error) {
	return t.filterEarnings(func(e ledger.Earning) bool {
		return e.Status == status && e.PayoutRequestID != nil && *e.PayoutRequestID == requestID
	}), nil
}

// filterEarnings returns matching earnings in FIFO order.
func (t *memTx) filterEarnings(keep func(ledger.Earning) bool) []ledger.Earning {
	var out []ledger.Earning
	for _, e := range t.m.earnings {
		if keep(e) {
			out = append(out, cloneEarning(e))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.EarnedDate.Equal(b.EarnedDate) {
			return a.EarnedDate.Before(b.EarnedDate)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return out
}

func (t *memTx) UpdateEarningStatus(
	_ context.Context,
	ids []ledger.EarningID,
	from, to ledger.EarningStatus,
	requestID *ledger.PayoutRequestID,
	at time.Time,
) error {
	if err := t.writable(); err != nil {
		return err
	}
	if err := ledger.CheckEarningTransition(from, to); err != nil {
		return err
	}
	matched := 0
	for _, id := range ids {
		if e, ok := t.m.earnings[id]; ok && e.Status == from {
			matched++
		}
	}
	if matched != len(ids) {
		return &ledger.StaleStateError{Entity: "earning", Expected: string(from), Matched: matched, Wanted: len(ids)}
	}
	for _, id := range ids {
		e := t.m.earnings[id]
		e.Status = to
		e.PayoutRequestID = cloneRequestID(requestID)
		e.UpdatedAt = at
		t.m.earnings[id] = e
	}
	return nil
}

// ===== Payout requests =====

func (t *memTx) InsertPayoutRequest(_ context.Context, r ledger.PayoutRequest) error {
	if err := t.writable(); err != nil {
		return err
	}
	if r.Status.IsActive() && t.hasOtherActive(r.DoctorID, r.ID) {
		return ledger.ErrActiveRequestExists
	}
	t.m.requests[r.ID] = cloneRequest(r)
	return nil
}

func (t *memTx) GetPayoutRequest(_ context.Context, id ledger.PayoutRequestID) (*ledger.PayoutRequest, error) {
	r, ok := t.m.requests[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	r = cloneRequest(r)
	return &r, nil
}

func (t *memTx) ActivePayoutRequest(_ context.Context, doctorID ledger.DoctorID) (*ledger.PayoutRequest, error) {
	for _, r := range t.m.requests {
		if r.DoctorID == doctorID && r.Status.IsActive() {
			r = cloneRequest(r)
			return &r, nil
		}
	}
	return nil, nil
}

func (t *memTx) ListPayoutRequests(_ context.Context, f ledger.PayoutFilter) ([]ledger.PayoutRequest, int, error) {
	var out []ledger.PayoutRequest
	for _, r := range t.m.requests {
		if f.DoctorID != "" && r.DoctorID != f.DoctorID {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.Since != nil && r.RequestDate.Before(*f.Since) {
			continue
		}
		out = append(out, cloneRequest(r))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})

	total := len(out)
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, total, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(out) {
		out = out[:f.Limit]
	}
	return out, total, nil
}

func (t *memTx) UpdatePayoutRequest(_ context.Context, r ledger.PayoutRequest, from ledger.PayoutStatus) error {
	if err := t.writable(); err != nil {
		return err
	}
	stored, ok := t.m.requests[r.ID]
	if !ok || stored.Status != from {
		return &ledger.StaleStateError{Entity: "payout_request", Expected: string(from), Matched: 0, Wanted: 1}
	}
	if r.Status.IsActive() && t.hasOtherActive(stored.DoctorID, stored.ID) {
		return ledger.ErrActiveRequestExists
	}
	stored.Status = r.Status
	stored.RequestedAmount = r.RequestedAmount
	stored.RequestDate = r.RequestDate
	stored.ProcessedDate = cloneTime(r.ProcessedDate)
	stored.Notes = r.Notes
	stored.UpdatedAt = r.UpdatedAt
	t.m.requests[r.ID] = stored
	return nil
}

func (t *memTx) hasOtherActive(doctorID ledger.DoctorID, id ledger.PayoutRequestID) bool {
	for _, r := range t.m.requests {
		if r.DoctorID == doctorID && r.ID != id && r.Status.IsActive() {
			return true
		}
	}
	return false
}

// ===== Reservation history =====

func (t *memTx) AppendReservationEvents(_ context.Context, events []ledger.ReservationEvent) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.m.events = append(t.m.events, events...)
	return nil
}

func (t *memTx) ReservationHistory(_ context.Context, requestID ledger.PayoutRequestID) ([]ledger.ReservationEvent, error) {
	var out []ledger.ReservationEvent
	for _, e := range t.m.events {
		if e.PayoutRequestID == requestID {
			out = append(out, e)
		}
	}
	return out, nil
}

// ===== Saved payout methods =====

func (t *memTx) InsertPayoutMethod(_ context.Context, pm ledger.SavedMethod) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.m.methods[pm.ID] = pm
	return nil
}

func (t *memTx) GetPayoutMethod(_ context.Context, id ledger.PayoutMethodID) (*ledger.SavedMethod, error) {
	pm, ok := t.m.methods[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return &pm, nil
}

func (t *memTx) ListPayoutMethods(_ context.Context, doctorID ledger.DoctorID) ([]ledger.SavedMethod, error) {
	var out []ledger.SavedMethod
	for _, pm := range t.m.methods {
		if pm.DoctorID == doctorID && pm.IsActive {
			out = append(out, pm)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsDefault != out[j].IsDefault {
			return out[i].IsDefault
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (t *memTx) ClearDefaultPayoutMethod(_ context.Context, doctorID ledger.DoctorID, at time.Time) error {
	if err := t.writable(); err != nil {
		return err
	}
	for id, pm := range t.m.methods {
		if pm.DoctorID == doctorID && pm.IsDefault {
			pm.IsDefault = false
			pm.UpdatedAt = at
			t.m.methods[id] = pm
		}
	}
	return nil
}

func (t *memTx) UpdatePayoutMethod(_ context.Context, pm ledger.SavedMethod) error {
	if err := t.writable(); err != nil {
		return err
	}
	stored, ok := t.m.methods[pm.ID]
	if !ok {
		return ledger.ErrNotFound
	}
	stored.IsDefault = pm.IsDefault
	stored.IsActive = pm.IsActive
	stored.UpdatedAt = pm.UpdatedAt
	t.m.methods[pm.ID] = stored
	return nil
}

func (t *memTx) ListDoctorIDs(context.Context) ([]ledger.DoctorID, error) {
	seen := make(map[ledger.DoctorID]bool)
	var out []ledger.DoctorID
	for _, e := range t.m.earnings {
		if !seen[e.DoctorID] {
			seen[e.DoctorID] = true
			out = append(out, e.DoctorID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// ===== Copy helpers =====

func cloneEarning(e ledger.Earning) ledger.Earning {
	e.PayoutRequestID = cloneRequestID(e.PayoutRequestID)
	return e
}

func cloneRequest(r ledger.PayoutRequest) ledger.PayoutRequest {
	r.ProcessedDate = cloneTime(r.ProcessedDate)
	return r
}

func cloneRequestID(id *ledger.PayoutRequestID) *ledger.PayoutRequestID {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
