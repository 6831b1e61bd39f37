package ledger

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// NetAmount computes gross × (1 − feeRate), rounded half-up to 2 places.
func NetAmount(gross, feeRate decimal.Decimal) decimal.Decimal {
	return gross.Mul(decimal.NewFromInt(1).Sub(feeRate)).Round(MoneyPlaces)
}

// ValidateFeeRate checks that rate is a fraction in [0, 1].
func ValidateFeeRate(rate decimal.Decimal) error {
	if !boundedScale(rate) || rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
		return ErrInvalidFeeRate
	}
	return nil
}

// OnAppointmentCompleted records the earning for a completed appointment.
//
// feeRate is the platform fee at completion time; it is stored on the
// earning and never re-read. Calling twice for the same appointment fails
// with ErrDuplicateAppointment and leaves the first earning untouched.
func (l *Ledger) OnAppointmentCompleted(
	ctx context.Context,
	doctorID DoctorID,
	appointmentID AppointmentID,
	gross decimal.Decimal,
	feeRate decimal.Decimal,
) (*Earning, error) {
	if strings.TrimSpace(string(doctorID)) == "" || strings.TrimSpace(string(appointmentID)) == "" {
		return nil, ErrMissingID
	}
	if !isMoney(gross) || gross.IsNegative() {
		return nil, ErrInvalidAmount
	}
	if err := ValidateFeeRate(feeRate); err != nil {
		return nil, err
	}

	now := l.now()
	earning := Earning{
		ID:              EarningID(l.NewID()),
		DoctorID:        doctorID,
		AppointmentID:   appointmentID,
		GrossAmount:     gross,
		PlatformFeeRate: feeRate,
		NetAmount:       NetAmount(gross, feeRate),
		Status:          EarningPending,
		EarnedDate:      dateOf(now),
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	err := l.Store.WithTx(ctx, func(tx Tx) error {
		return tx.InsertEarning(ctx, earning)
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateAppointment) {
			l.Log.Debug("duplicate appointment completion",
				zap.String("doctor_id", string(doctorID)),
				zap.String("appointment_id", string(appointmentID)))
		}
		return nil, err
	}

	l.Log.Info("earning recorded",
		zap.String("earning_id", string(earning.ID)),
		zap.String("doctor_id", string(doctorID)),
		zap.String("appointment_id", string(appointmentID)),
		zap.String("gross", gross.StringFixed(MoneyPlaces)),
		zap.String("net", earning.NetAmount.StringFixed(MoneyPlaces)))
	return &earning, nil
}

// GetEarning returns one earning.
func (l *Ledger) GetEarning(ctx context.Context, id EarningID) (*Earning, error) {
	var out *Earning
	err := l.Store.View(ctx, func(tx Tx) error {
		e, err := tx.GetEarning(ctx, id)
		out = e
		return err
	})
	return out, err
}

// ListEarnings returns a doctor's earnings, oldest first.
func (l *Ledger) ListEarnings(ctx context.Context, filter EarningFilter) ([]Earning, error) {
	var out []Earning
	err := l.Store.View(ctx, func(tx Tx) error {
		var err error
		out, err = tx.ListEarnings(ctx, filter)
		return err
	})
	return out, err
}
