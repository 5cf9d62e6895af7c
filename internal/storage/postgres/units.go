package postgres

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/con2/emticketen/internal/domain"
	"github.com/con2/emticketen/internal/store"
	"github.com/jackc/pgx/v5"
)

const unitColumns = `id, pool_id, status, COALESCE(holder_id, ''), COALESCE(reservation_id::text, ''), held_until, version`

func scanUnits(rows pgx.Rows) ([]domain.Unit, error) {
	defer rows.Close()

	var units []domain.Unit
	for rows.Next() {
		var (
			u         domain.Unit
			heldUntil *time.Time
		)
		if err := rows.Scan(&u.ID, &u.PoolID, &u.Status, &u.HolderID, &u.ReservationID, &heldUntil, &u.Version); err != nil {
			return nil, fmt.Errorf("scan unit: %w", err)
		}
		if heldUntil != nil {
			u.HeldUntil = heldUntil.UTC()
		}
		units = append(units, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return units, nil
}

func (t *Tx) SelectForUpdateSkipLocked(ctx context.Context, f store.UnitFilter, limit int) ([]domain.Unit, error) {
	if limit <= 0 {
		return nil, nil
	}

	var (
		where []string
		args  []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, strings.ReplaceAll(clause, "?", "$"+strconv.Itoa(len(args))))
	}
	if f.PoolID != "" {
		add("pool_id = ?", f.PoolID)
	}
	if f.Status != "" {
		add("status = ?", f.Status)
	}
	if !f.LapsedAt.IsZero() {
		where = append(where, "status = 'held'")
		add("held_until <= ?", f.LapsedAt)
	}
	if f.ReservationID != "" {
		add("reservation_id = ?", f.ReservationID)
	}
	if len(where) == 0 {
		where = append(where, "TRUE")
	}
	args = append(args, limit)

	query := fmt.Sprintf(`SELECT %s FROM units WHERE %s ORDER BY id LIMIT $%d FOR UPDATE SKIP LOCKED`,
		unitColumns, strings.Join(where, " AND "), len(args))

	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError("select units", err)
	}
	units, err := scanUnits(rows)
	if err != nil {
		return nil, mapError("select units", err)
	}
	return units, nil
}

func (t *Tx) GetUnits(ctx context.Context, ids []int64, mode store.LockMode) ([]domain.Unit, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := `SELECT ` + unitColumns + ` FROM units WHERE id = ANY($1) ORDER BY id`
	switch mode {
	case store.LockWait:
		query += ` FOR UPDATE`
	case store.LockSkip:
		query += ` FOR UPDATE SKIP LOCKED`
	}

	rows, err := t.tx.Query(ctx, query, ids)
	if err != nil {
		return nil, mapError("get units", err)
	}
	units, err := scanUnits(rows)
	if err != nil {
		return nil, mapError("get units", err)
	}

	if mode != store.LockSkip && len(units) != countDistinct(ids) {
		return nil, fmt.Errorf("get units: %w", domain.ErrNotFound)
	}
	return units, nil
}

func (t *Tx) UpdateUnits(ctx context.Context, units []domain.Unit) error {
	if len(units) == 0 {
		return nil
	}

	const stmt = `
UPDATE units
SET status = $2, holder_id = $3, reservation_id = $4, held_until = $5, version = version + 1
WHERE id = $1 AND version = $6`

	batch := &pgx.Batch{}
	for _, u := range units {
		var heldUntil any
		if !u.HeldUntil.IsZero() {
			heldUntil = u.HeldUntil
		}
		batch.Queue(stmt, u.ID, u.Status, nullString(u.HolderID), nullString(u.ReservationID), heldUntil, u.Version)
	}

	br := t.tx.SendBatch(ctx, batch)
	defer br.Close()
	for _, u := range units {
		tag, err := br.Exec()
		if err != nil {
			return mapError(fmt.Sprintf("update unit %d", u.ID), err)
		}
		if tag.RowsAffected() != 1 {
			return fmt.Errorf("update unit %d: stale version %d: %w", u.ID, u.Version, domain.ErrSerializationConflict)
		}
	}
	return nil
}

func countDistinct(ids []int64) int {
	sorted := append([]int64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	n := 0
	for i, id := range sorted {
		if i == 0 || id != sorted[i-1] {
			n++
		}
	}
	return n
}
