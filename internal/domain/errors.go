package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidRequest        = errors.New("invalid request")
	ErrInsufficientInventory = errors.New("insufficient inventory")
	ErrNotFound              = errors.New("not found")
	ErrForbidden             = errors.New("forbidden")
	ErrAlreadyConfirmed      = errors.New("reservation already confirmed")
	ErrExpired               = errors.New("reservation expired")
	ErrSerializationConflict = errors.New("serialization conflict")
	ErrUnavailable           = errors.New("unavailable")
	ErrIdempotencyConflict   = errors.New("idempotency conflict")
	ErrCapacityMismatch      = errors.New("pool exists with a different capacity")
)

var (
	ErrPoolNotFound        = fmt.Errorf("pool %w", ErrNotFound)
	ErrReservationNotFound = fmt.Errorf("reservation %w", ErrNotFound)
)
