/*
audit.go - Invariant verification

PURPOSE:
  Re-derives every ledger invariant from the stored rows and reports what
  does not hold. The server runs it on a schedule and operators can run it
  for one doctor. A clean ledger returns no violations.

RULES CHECKED:
  frozen_net           net = round(gross × (1 − rate), 2)
  earning_link         pending has no request; reserved/paid has one
  single_active        ≤ 1 pending/processing request
  reservation_owner    reserved earnings belong to an active request of the
                       same doctor; paid earnings to a completed one
  reserved_total       requestedAmount = Σ net of the request's
                       reserved (active) or paid (completed) earnings
  reservation_history  each earning's status and request agree with its
                       latest reserve/release/pay event

  Balance conservation (Σ reserved+paid ≤ Σ net) holds whenever every
  earning is pending, reserved or paid, so earning_link covers it.

SEE ALSO:
  - ledger.go: Invariant list
  - cmd/server: Scheduled audit job
*/
package ledger

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Rule names a checked invariant.
type Rule string

const (
	RuleFrozenNet        Rule = "frozen_net"
	RuleEarningLink      Rule = "earning_link"
	RuleSingleActive     Rule = "single_active"
	RuleReservationOwner Rule = "reservation_owner"
	RuleReservedTotal    Rule = "reserved_total"
	RuleHistory          Rule = "reservation_history"
)

// Violation is one broken invariant.
type Violation struct {
	DoctorID DoctorID `json:"doctor_id"`
	Rule     Rule     `json:"rule"`
	Entity   string   `json:"entity,omitempty"`
	Detail   string   `json:"detail"`
}

// VerifyInvariants checks one doctor's earnings and requests in a single
// snapshot.
func (l *Ledger) VerifyInvariants(ctx context.Context, doctorID DoctorID) ([]Violation, error) {
	var (
		earnings []Earning
		requests []PayoutRequest
		events   []ReservationEvent
	)
	err := l.Store.View(ctx, func(tx Tx) error {
		var err error
		if earnings, err = tx.ListEarnings(ctx, EarningFilter{DoctorID: doctorID}); err != nil {
			return err
		}
		if requests, _, err = tx.ListPayoutRequests(ctx, PayoutFilter{DoctorID: doctorID}); err != nil {
			return err
		}
		// Oldest request first so equal timestamps resolve in write order.
		for i := len(requests) - 1; i >= 0; i-- {
			history, err := tx.ReservationHistory(ctx, requests[i].ID)
			if err != nil {
				return err
			}
			events = append(events, history...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return checkInvariants(doctorID, earnings, requests, events), nil
}

// AuditAll verifies every doctor with earnings and logs each violation.
func (l *Ledger) AuditAll(ctx context.Context) ([]Violation, error) {
	var doctors []DoctorID
	err := l.Store.View(ctx, func(tx Tx) error {
		var err error
		doctors, err = tx.ListDoctorIDs(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	var all []Violation
	for _, d := range doctors {
		if err := ctx.Err(); err != nil {
			return all, err
		}
		v, err := l.VerifyInvariants(ctx, d)
		if err != nil {
			return all, fmt.Errorf("audit doctor %s: %w", d, err)
		}
		for _, violation := range v {
			l.Log.Error("ledger invariant violated",
				zap.String("doctor_id", string(violation.DoctorID)),
				zap.String("rule", string(violation.Rule)),
				zap.String("entity", violation.Entity),
				zap.String("detail", violation.Detail))
		}
		all = append(all, v...)
	}
	l.Log.Info("ledger audit finished",
		zap.Int("doctors", len(doctors)),
		zap.Int("violations", len(all)))
	return all, nil
}

func checkInvariants(doctorID DoctorID, earnings []Earning, requests []PayoutRequest, events []ReservationEvent) []Violation {
	var out []Violation
	add := func(rule Rule, entity, format string, args ...any) {
		out = append(out, Violation{DoctorID: doctorID, Rule: rule, Entity: entity, Detail: fmt.Sprintf(format, args...)})
	}

	byID := make(map[PayoutRequestID]PayoutRequest, len(requests))
	active := 0
	for _, r := range requests {
		byID[r.ID] = r
		if r.Status.IsActive() {
			active++
		}
	}
	if active > 1 {
		add(RuleSingleActive, "", "%d active payout requests", active)
	}

	held := make(map[PayoutRequestID]decimal.Decimal)
	for _, e := range earnings {
		id := string(e.ID)

		if want := NetAmount(e.GrossAmount, e.PlatformFeeRate); !e.NetAmount.Equal(want) {
			add(RuleFrozenNet, id, "net %s, expected %s", e.NetAmount.StringFixed(MoneyPlaces), want.StringFixed(MoneyPlaces))
		}

		switch e.Status {
		case EarningPending:
			if e.PayoutRequestID != nil {
				add(RuleEarningLink, id, "pending earning linked to request %s", *e.PayoutRequestID)
			}
			continue
		case EarningReserved, EarningPaid:
		default:
			add(RuleEarningLink, id, "unknown earning status %q", e.Status)
			continue
		}

		if e.PayoutRequestID == nil {
			add(RuleEarningLink, id, "%s earning has no request", e.Status)
			continue
		}
		req, ok := byID[*e.PayoutRequestID]
		switch {
		case !ok:
			add(RuleReservationOwner, id, "linked request %s not found for doctor", *e.PayoutRequestID)
			continue
		case e.Status == EarningReserved && !req.Status.IsActive():
			add(RuleReservationOwner, id, "reserved by %s request %s", req.Status, req.ID)
		case e.Status == EarningPaid && req.Status != PayoutCompleted:
			add(RuleReservationOwner, id, "paid by %s request %s", req.Status, req.ID)
		}
		held[req.ID] = held[req.ID].Add(e.NetAmount)
	}

	for _, r := range requests {
		if !r.Status.IsActive() && r.Status != PayoutCompleted {
			continue
		}
		if got := held[r.ID]; !got.Equal(r.RequestedAmount) {
			add(RuleReservedTotal, string(r.ID), "%s request holds %s, requested %s",
				r.Status, got.StringFixed(MoneyPlaces), r.RequestedAmount.StringFixed(MoneyPlaces))
		}
	}

	last := latestEvents(events)
	for _, e := range earnings {
		if e.Status != EarningPending && e.Status != EarningReserved && e.Status != EarningPaid {
			continue
		}
		wantStatus, wantLink := EarningPending, PayoutRequestID("")
		if ev, ok := last[e.ID]; ok {
			switch ev.Action {
			case ReservationReserved:
				wantStatus, wantLink = EarningReserved, ev.PayoutRequestID
			case ReservationPaid:
				wantStatus, wantLink = EarningPaid, ev.PayoutRequestID
			}
		}
		var link PayoutRequestID
		if e.PayoutRequestID != nil {
			link = *e.PayoutRequestID
		}
		if e.Status != wantStatus || link != wantLink {
			add(RuleHistory, string(e.ID), "%s earning of request %q, history says %s of %q",
				e.Status, link, wantStatus, wantLink)
		}
	}
	return out
}

// latestEvents returns the most recent event per earning. On equal
// CreatedAt the later event in the slice wins.
func latestEvents(events []ReservationEvent) map[EarningID]ReservationEvent {
	last := make(map[EarningID]ReservationEvent, len(events))
	for _, ev := range events {
		if prev, ok := last[ev.EarningID]; ok && ev.CreatedAt.Before(prev.CreatedAt) {
			continue
		}
		last[ev.EarningID] = ev
	}
	return last
}
