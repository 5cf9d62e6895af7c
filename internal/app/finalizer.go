package app

import (
	"context"
	"fmt"

	"github.com/con2/emticketen/internal/clock"
	"github.com/con2/emticketen/internal/domain"
	"github.com/con2/emticketen/internal/store"
)

// Finalizer turns active reservations into sales.
type Finalizer struct {
	ctl   *Controller
	clock clock.Clock
}

func NewFinalizer(ctl *Controller, clk clock.Clock) *Finalizer {
	return &Finalizer{ctl: ctl, clock: clk}
}

type ConfirmResult struct {
	Reservation domain.Reservation
	UnitIDs     []int64
}

// Confirm sells every unit of the reservation.
//
// If any hold has lapsed the reservation is expired on the spot, its units
// are returned to the pool, and domain.ErrExpired is reported.
func (f *Finalizer) Confirm(ctx context.Context, reservationID, holderID string) (ConfirmResult, error) {
	if err := validateHolder(reservationID, holderID); err != nil {
		return ConfirmResult{}, err
	}

	var (
		result ConfirmResult
		lapsed bool
	)
	err := f.ctl.Run(ctx, "confirm", func(ctx context.Context, tx store.Tx) error {
		var err error
		result, lapsed, err = f.confirmTx(ctx, tx, reservationID, holderID)
		return err
	})
	if err != nil {
		return ConfirmResult{}, err
	}
	if lapsed {
		return ConfirmResult{}, fmt.Errorf("reservation %s: %w", reservationID, domain.ErrExpired)
	}
	return result, nil
}

// ConfirmTx confirms inside a caller-owned transaction. A lapsed reservation
// is expired through tx and domain.ErrExpired is returned; the caller should
// still commit to keep that cleanup.
func (f *Finalizer) ConfirmTx(ctx context.Context, tx store.Tx, reservationID, holderID string) (ConfirmResult, error) {
	if err := validateHolder(reservationID, holderID); err != nil {
		return ConfirmResult{}, err
	}
	result, lapsed, err := f.confirmTx(ctx, tx, reservationID, holderID)
	if err != nil {
		return ConfirmResult{}, err
	}
	if lapsed {
		return ConfirmResult{}, fmt.Errorf("reservation %s: %w", reservationID, domain.ErrExpired)
	}
	return result, nil
}

func (f *Finalizer) confirmTx(ctx context.Context, tx store.Tx, reservationID, holderID string) (ConfirmResult, bool, error) {
	r, err := lockOwnedReservation(ctx, tx, reservationID, holderID)
	if err != nil {
		return ConfirmResult{}, false, err
	}

	units, err := tx.GetUnits(ctx, r.UnitIDs, store.LockWait)
	if err != nil {
		return ConfirmResult{}, false, err
	}

	now := f.clock.Now()
	for _, u := range units {
		if u.Status != domain.UnitStatusHeld || u.ReservationID != r.ID || u.Lapsed(now) {
			if err := releaseReservation(ctx, tx, r, units, domain.ReservationStatusExpired, now); err != nil {
				return ConfirmResult{}, false, err
			}
			return ConfirmResult{}, true, nil
		}
	}

	for i := range units {
		units[i].Sell()
	}
	if err := tx.UpdateUnits(ctx, units); err != nil {
		return ConfirmResult{}, false, err
	}
	if err := tx.UpdateReservationStatus(ctx, r.ID, domain.ReservationStatusConfirmed, now); err != nil {
		return ConfirmResult{}, false, err
	}

	r.Status = domain.ReservationStatusConfirmed
	r.UpdatedAt = now
	return ConfirmResult{Reservation: r, UnitIDs: r.UnitIDs}, false, nil
}

func validateHolder(reservationID, holderID string) error {
	if holderID == "" {
		return fmt.Errorf("%w: holder id is required", domain.ErrInvalidRequest)
	}
	return validateID("reservation", reservationID)
}

// lockOwnedReservation locks an active reservation belonging to holderID.
func lockOwnedReservation(ctx context.Context, tx store.Tx, reservationID, holderID string) (domain.Reservation, error) {
	r, err := tx.GetReservation(ctx, reservationID, store.LockWait)
	if err != nil {
		return domain.Reservation{}, err
	}
	if r.HolderID != holderID {
		return domain.Reservation{}, fmt.Errorf("reservation %s: %w", r.ID, domain.ErrForbidden)
	}
	switch r.Status {
	case domain.ReservationStatusConfirmed:
		return domain.Reservation{}, fmt.Errorf("reservation %s: %w", r.ID, domain.ErrAlreadyConfirmed)
	case domain.ReservationStatusReleased, domain.ReservationStatusExpired:
		return domain.Reservation{}, fmt.Errorf("reservation %s is %s: %w", r.ID, r.Status, domain.ErrExpired)
	}
	return r, nil
}
