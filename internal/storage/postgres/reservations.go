package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/con2/emticketen/internal/domain"
	"github.com/con2/emticketen/internal/store"
	"github.com/jackc/pgx/v5"
)

const reservationColumns = `id, pool_id, holder_id, unit_ids, requested, status, COALESCE(idempotency_key, ''), created_at, expires_at, updated_at`

func scanReservation(row pgx.Row) (domain.Reservation, error) {
	var r domain.Reservation
	err := row.Scan(&r.ID, &r.PoolID, &r.HolderID, &r.UnitIDs, &r.Requested, &r.Status,
		&r.IdempotencyKey, &r.CreatedAt, &r.ExpiresAt, &r.UpdatedAt)
	if err != nil {
		return domain.Reservation{}, err
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.ExpiresAt = r.ExpiresAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return r, nil
}

func (t *Tx) CreateReservation(ctx context.Context, r domain.Reservation) error {
	const stmt = `
INSERT INTO reservations (id, pool_id, holder_id, unit_ids, requested, status, idempotency_key, created_at, expires_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	unitIDs := r.UnitIDs
	if unitIDs == nil {
		unitIDs = []int64{}
	}
	updatedAt := r.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = r.CreatedAt
	}
	_, err := t.exec(ctx, stmt,
		r.ID,
		r.PoolID,
		r.HolderID,
		unitIDs,
		r.Requested,
		r.Status,
		nullString(r.IdempotencyKey),
		r.CreatedAt,
		r.ExpiresAt,
		updatedAt,
	)
	if err != nil {
		return mapError("create reservation", err)
	}
	return nil
}

func (t *Tx) GetReservation(ctx context.Context, id string, mode store.LockMode) (domain.Reservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM reservations WHERE id = $1`
	switch mode {
	case store.LockWait:
		query += ` FOR UPDATE`
	case store.LockSkip:
		query += ` FOR UPDATE SKIP LOCKED`
	}

	r, err := scanReservation(t.queryRow(ctx, query, id))
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Reservation{}, mapError("get reservation", err)
	}
	if mode != store.LockSkip {
		return domain.Reservation{}, domain.ErrReservationNotFound
	}

	var exists bool
	if err := t.queryRow(ctx, `SELECT EXISTS (SELECT 1 FROM reservations WHERE id = $1)`, id).Scan(&exists); err != nil {
		return domain.Reservation{}, mapError("get reservation", err)
	}
	if exists {
		return domain.Reservation{}, store.ErrLocked
	}
	return domain.Reservation{}, domain.ErrReservationNotFound
}

func (t *Tx) FindReservationByIdempotencyKey(ctx context.Context, poolID, holderID, key string) (*domain.Reservation, error) {
	query := `SELECT ` + reservationColumns + `
FROM reservations
WHERE pool_id = $1 AND holder_id = $2 AND idempotency_key = $3`

	r, err := scanReservation(t.queryRow(ctx, query, poolID, holderID, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, mapError("find reservation by idempotency key", err)
	}
	return &r, nil
}

func (t *Tx) UpdateReservationStatus(ctx context.Context, id string, status domain.ReservationStatus, at time.Time) error {
	const stmt = `UPDATE reservations SET status = $2, updated_at = $3 WHERE id = $1`
	tag, err := t.exec(ctx, stmt, id, status, at)
	if err != nil {
		return mapError("update reservation", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrReservationNotFound
	}
	return nil
}
