/*
balance.go - Derived balances

PURPOSE:
  Balances are never stored. They are computed from earning and payout
  request rows every time, so they cannot drift from the records.

AVAILABLE BALANCE:
  available(doctor) = Σ net of earnings with status pending

  This is the only amount a doctor may request. Reserved earnings are
  held by an active request; paid earnings are gone.

SNAPSHOT RULE:
  availableIn(tx) reads through the caller's transaction. The payout
  manager calls it after LockDoctor so the balance it checks is the
  balance it reserves from.

SEE ALSO:
  - payout.go: Uses availableIn inside the reservation transaction
*/
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// AvailableBalance returns the doctor's unreserved pending balance.
func (l *Ledger) AvailableBalance(ctx context.Context, doctorID DoctorID) (decimal.Decimal, error) {
	balance := decimal.Zero
	err := l.Store.View(ctx, func(tx Tx) error {
		var err error
		balance, _, err = availableIn(ctx, tx, doctorID)
		return err
	})
	return balance, err
}

// availableIn computes the balance inside tx and returns the pending
// earnings it was derived from, oldest first.
func availableIn(ctx context.Context, tx Tx, doctorID DoctorID) (decimal.Decimal, []Earning, error) {
	pending, err := tx.ListPendingEarnings(ctx, doctorID)
	if err != nil {
		return decimal.Zero, nil, err
	}
	return SumNet(pending), pending, nil
}

// =============================================================================
// EARNINGS SUMMARY
// =============================================================================

// EarningsSummary aggregates a doctor's earnings over a period.
type EarningsSummary struct {
	DoctorID     DoctorID
	Since        *time.Time
	TotalGross   decimal.Decimal
	TotalNet     decimal.Decimal
	Pending      decimal.Decimal
	Reserved     decimal.Decimal
	Paid         decimal.Decimal
	Appointments int
	AverageGross decimal.Decimal
}

// Summary aggregates earnings earned on or after since (nil = all time).
func (l *Ledger) Summary(ctx context.Context, doctorID DoctorID, since *time.Time) (*EarningsSummary, error) {
	var earnings []Earning
	err := l.Store.View(ctx, func(tx Tx) error {
		var err error
		earnings, err = tx.ListEarnings(ctx, EarningFilter{DoctorID: doctorID, Since: since})
		return err
	})
	if err != nil {
		return nil, err
	}
	return summarize(doctorID, since, earnings), nil
}

func summarize(doctorID DoctorID, since *time.Time, earnings []Earning) *EarningsSummary {
	s := &EarningsSummary{
		DoctorID:     doctorID,
		Since:        since,
		TotalGross:   decimal.Zero,
		TotalNet:     decimal.Zero,
		Pending:      decimal.Zero,
		Reserved:     decimal.Zero,
		Paid:         decimal.Zero,
		AverageGross: decimal.Zero,
	}
	for _, e := range earnings {
		s.TotalGross = s.TotalGross.Add(e.GrossAmount)
		s.TotalNet = s.TotalNet.Add(e.NetAmount)
		switch e.Status {
		case EarningPending:
			s.Pending = s.Pending.Add(e.NetAmount)
		case EarningReserved:
			s.Reserved = s.Reserved.Add(e.NetAmount)
		case EarningPaid:
			s.Paid = s.Paid.Add(e.NetAmount)
		}
	}
	s.Appointments = len(earnings)
	if s.Appointments > 0 {
		s.AverageGross = s.TotalGross.Div(decimal.NewFromInt(int64(s.Appointments))).Round(MoneyPlaces)
	}
	return s
}

// =============================================================================
// PERIODS
// =============================================================================

// Period is a reporting window ending now.
type Period string

const (
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
	PeriodYear  Period = "year"
	PeriodAll   Period = "all"
)

// Since returns the start of the window relative to now, or nil for all
// time. Unknown periods are treated as all time.
func (p Period) Since(now time.Time) *time.Time {
	var days int
	switch p {
	case PeriodWeek:
		days = 7
	case PeriodMonth:
		days = 30
	case PeriodYear:
		days = 365
	default:
		return nil
	}
	t := dateOf(now).AddDate(0, 0, -days)
	return &t
}
