package domain

import "time"

type UnitStatus string

const (
	UnitStatusAvailable UnitStatus = "available"
	UnitStatusHeld      UnitStatus = "held"
	UnitStatusSold      UnitStatus = "sold"
)

// Unit is a single ticket. Units are created when their pool is provisioned
// and are never deleted.
type Unit struct {
	ID     int64
	PoolID string
	Status UnitStatus
	// HolderID and ReservationID are set iff the unit is held or sold.
	HolderID      string
	ReservationID string
	// HeldUntil is set iff the unit is held. A past value means reclaimable.
	HeldUntil time.Time
	Version   int64
}

// Lapsed reports whether a held unit's expiry is at or before now.
func (u Unit) Lapsed(now time.Time) bool {
	return u.Status == UnitStatusHeld && !u.HeldUntil.After(now)
}

// Hold marks the unit held for a reservation until the given instant.
func (u *Unit) Hold(holderID, reservationID string, until time.Time) {
	u.Status = UnitStatusHeld
	u.HolderID = holderID
	u.ReservationID = reservationID
	u.HeldUntil = until
}

// Sell makes the hold permanent. The holder is retained.
func (u *Unit) Sell() {
	u.Status = UnitStatusSold
	u.HeldUntil = time.Time{}
}

// Free returns the unit to the available state.
func (u *Unit) Free() {
	u.Status = UnitStatusAvailable
	u.HolderID = ""
	u.ReservationID = ""
	u.HeldUntil = time.Time{}
}
