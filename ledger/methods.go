package ledger

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

// AddPayoutMethod saves a payout destination for a doctor. When asDefault is
// set, or the doctor has no other active method, it becomes the default.
func (l *Ledger) AddPayoutMethod(
	ctx context.Context,
	doctorID DoctorID,
	method PayoutMethod,
	details AccountDetails,
	asDefault bool,
) (*SavedMethod, error) {
	if strings.TrimSpace(string(doctorID)) == "" {
		return nil, ErrMissingID
	}
	if err := ValidateAccountDetails(method, details); err != nil {
		return nil, err
	}

	now := l.now()
	saved := SavedMethod{
		ID:             PayoutMethodID(l.NewID()),
		DoctorID:       doctorID,
		Method:         method,
		AccountDetails: details,
		IsDefault:      asDefault,
		IsActive:       true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err := l.Store.WithTx(ctx, func(tx Tx) error {
		if err := tx.LockDoctor(ctx, doctorID); err != nil {
			return err
		}
		existing, err := tx.ListPayoutMethods(ctx, doctorID)
		if err != nil {
			return err
		}
		if len(existing) == 0 {
			saved.IsDefault = true
		}
		if saved.IsDefault {
			if err := tx.ClearDefaultPayoutMethod(ctx, doctorID, now); err != nil {
				return err
			}
		}
		return tx.InsertPayoutMethod(ctx, saved)
	})
	if err != nil {
		l.logRejected("payout method rejected", doctorID, "", err)
		return nil, err
	}

	l.Log.Info("payout method saved",
		zap.String("method_id", string(saved.ID)),
		zap.String("doctor_id", string(doctorID)),
		zap.String("method", string(method)),
		zap.Bool("default", saved.IsDefault))
	return &saved, nil
}

// ListPayoutMethods returns a doctor's active methods, default first.
func (l *Ledger) ListPayoutMethods(ctx context.Context, doctorID DoctorID) ([]SavedMethod, error) {
	var out []SavedMethod
	err := l.Store.View(ctx, func(tx Tx) error {
		var err error
		out, err = tx.ListPayoutMethods(ctx, doctorID)
		return err
	})
	return out, err
}

// GetPayoutMethod returns one active method owned by doctorID.
func (l *Ledger) GetPayoutMethod(ctx context.Context, doctorID DoctorID, id PayoutMethodID) (*SavedMethod, error) {
	var out *SavedMethod
	err := l.Store.View(ctx, func(tx Tx) error {
		m, err := ownedMethod(ctx, tx, doctorID, id)
		out = m
		return err
	})
	return out, err
}

// SetDefaultPayoutMethod makes id the doctor's only default method.
func (l *Ledger) SetDefaultPayoutMethod(ctx context.Context, doctorID DoctorID, id PayoutMethodID) (*SavedMethod, error) {
	var out *SavedMethod
	err := l.Store.WithTx(ctx, func(tx Tx) error {
		if err := tx.LockDoctor(ctx, doctorID); err != nil {
			return err
		}
		m, err := ownedMethod(ctx, tx, doctorID, id)
		if err != nil {
			return err
		}
		now := l.now()
		if err := tx.ClearDefaultPayoutMethod(ctx, doctorID, now); err != nil {
			return err
		}
		m.IsDefault = true
		m.UpdatedAt = now
		out = m
		return tx.UpdatePayoutMethod(ctx, *m)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeactivatePayoutMethod soft-deletes a saved method. Existing payout
// requests keep their own copy of the account details.
func (l *Ledger) DeactivatePayoutMethod(ctx context.Context, doctorID DoctorID, id PayoutMethodID) error {
	err := l.Store.WithTx(ctx, func(tx Tx) error {
		if err := tx.LockDoctor(ctx, doctorID); err != nil {
			return err
		}
		m, err := ownedMethod(ctx, tx, doctorID, id)
		if err != nil {
			return err
		}
		m.IsActive = false
		m.IsDefault = false
		m.UpdatedAt = l.now()
		return tx.UpdatePayoutMethod(ctx, *m)
	})
	if err != nil {
		return err
	}
	l.Log.Info("payout method deactivated",
		zap.String("method_id", string(id)),
		zap.String("doctor_id", string(doctorID)))
	return nil
}

func ownedMethod(ctx context.Context, tx Tx, doctorID DoctorID, id PayoutMethodID) (*SavedMethod, error) {
	m, err := tx.GetPayoutMethod(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.DoctorID != doctorID || !m.IsActive {
		return nil, ErrNotFound
	}
	return m, nil
}
