package domain

import "time"

type ReservationStatus string

const (
	ReservationStatusActive    ReservationStatus = "active"
	ReservationStatusConfirmed ReservationStatus = "confirmed"
	ReservationStatusReleased  ReservationStatus = "released"
	ReservationStatusExpired   ReservationStatus = "expired"
)

// Reservation records a successful claim. Its unit set is fixed at creation;
// only the status moves. Reservations are kept for audit and never deleted.
type Reservation struct {
	ID             string
	PoolID         string
	HolderID       string
	UnitIDs        []int64
	// Requested is the quantity asked for. It can exceed len(UnitIDs) when a
	// partial claim was accepted.
	Requested      int
	Status         ReservationStatus
	IdempotencyKey string
	CreatedAt      time.Time
	ExpiresAt      time.Time
	UpdatedAt      time.Time
}

// Terminal reports whether the reservation can no longer change status.
func (r Reservation) Terminal() bool {
	return r.Status != ReservationStatusActive
}
