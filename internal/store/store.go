// Package store defines the transactional storage contract the claim engine
// runs against. Implementations live under internal/storage.
//
// Every read that precedes a write locks the rows it returns. Two lock modes
// exist: a waiting lock for rows an operation must have (a reservation being
// confirmed, its units), and a skip-locked mode that silently omits rows held
// by another open transaction. Claims and reclaim sweeps only use the latter,
// so they never queue behind each other.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/con2/emticketen/internal/domain"
)

// ErrLocked is returned by skip-locked reads of a single row when another
// transaction holds it.
var ErrLocked = errors.New("row locked by another transaction")

type Isolation string

const (
	ReadCommitted  Isolation = "read committed"
	RepeatableRead Isolation = "repeatable read"
	Serializable   Isolation = "serializable"
)

// ParseIsolation accepts the level names used in configuration.
func ParseIsolation(s string) (Isolation, error) {
	switch Isolation(s) {
	case "", ReadCommitted:
		return ReadCommitted, nil
	case RepeatableRead:
		return RepeatableRead, nil
	case Serializable:
		return Serializable, nil
	}
	return "", errors.New("unknown isolation level " + s)
}

type TxOptions struct {
	Isolation Isolation
}

type LockMode int

const (
	// NoLock is a plain read.
	NoLock LockMode = iota
	// LockWait is SELECT ... FOR UPDATE.
	LockWait
	// LockSkip is SELECT ... FOR UPDATE SKIP LOCKED.
	LockSkip
)

// UnitFilter selects units of a single pool. Zero-valued fields do not
// filter.
type UnitFilter struct {
	PoolID string
	Status domain.UnitStatus
	// LapsedAt keeps held units whose hold expired at or before this instant.
	LapsedAt time.Time
	// ReservationID keeps units currently owned by the reservation.
	ReservationID string
}

// Match reports whether u passes the filter.
func (f UnitFilter) Match(u domain.Unit) bool {
	if f.PoolID != "" && u.PoolID != f.PoolID {
		return false
	}
	if f.Status != "" && u.Status != f.Status {
		return false
	}
	if !f.LapsedAt.IsZero() && (u.Status != domain.UnitStatusHeld || u.HeldUntil.After(f.LapsedAt)) {
		return false
	}
	if f.ReservationID != "" && u.ReservationID != f.ReservationID {
		return false
	}
	return true
}

// Store opens transactions. It is supplied by the surrounding application.
type Store interface {
	Begin(ctx context.Context, opts TxOptions) (Tx, error)
}

// Tx is one open transaction. Locks taken through it are held until Commit or
// Rollback. A Tx is not safe for concurrent use.
//
// Conflicts that a retry could resolve (serialization failures, deadlocks,
// stale versions, waiting on a lock the store cannot wait for) are reported
// wrapping domain.ErrSerializationConflict.
type Tx interface {
	// CreatePool inserts the pool and one available unit per unit of capacity.
	CreatePool(ctx context.Context, pool domain.Pool) error
	GetPool(ctx context.Context, id string) (domain.Pool, error)
	FindPoolByName(ctx context.Context, name string) (*domain.Pool, error)
	ListPools(ctx context.Context) ([]domain.Pool, error)
	CountUnits(ctx context.Context, poolID string) (domain.PoolCounts, error)

	// SelectForUpdateSkipLocked returns up to limit units matching f, ordered by
	// id, locking each one and omitting rows locked by other transactions.
	// Rows already locked by this transaction are returned.
	SelectForUpdateSkipLocked(ctx context.Context, f UnitFilter, limit int) ([]domain.Unit, error)
	// GetUnits reads units by id in ascending id order. With LockSkip the
	// result omits units locked elsewhere.
	GetUnits(ctx context.Context, ids []int64, mode LockMode) ([]domain.Unit, error)
	// UpdateUnits writes each unit if its stored version still equals
	// u.Version, then bumps the version. The units must be locked by this
	// transaction.
	UpdateUnits(ctx context.Context, units []domain.Unit) error

	// CreateReservation inserts the reservation and its unit links.
	CreateReservation(ctx context.Context, r domain.Reservation) error
	GetReservation(ctx context.Context, id string, mode LockMode) (domain.Reservation, error)
	FindReservationByIdempotencyKey(ctx context.Context, poolID, holderID, key string) (*domain.Reservation, error)
	UpdateReservationStatus(ctx context.Context, id string, status domain.ReservationStatus, at time.Time) error

	Commit(ctx context.Context) error
	// Rollback discards the transaction. Calling it after Commit is a no-op.
	Rollback(ctx context.Context) error
}
