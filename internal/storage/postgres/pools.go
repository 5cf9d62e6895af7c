package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/con2/emticketen/internal/domain"
	"github.com/jackc/pgx/v5"
)

func (t *Tx) CreatePool(ctx context.Context, p domain.Pool) error {
	const insertPool = `INSERT INTO pools (id, name, capacity, created_at) VALUES ($1, $2, $3, $4)`
	if _, err := t.exec(ctx, insertPool, p.ID, p.Name, p.Capacity, p.CreatedAt); err != nil {
		return mapError("create pool", err)
	}

	const insertUnits = `
INSERT INTO units (pool_id, status)
SELECT $1::uuid, 'available' FROM generate_series(1, $2::int)`
	if _, err := t.exec(ctx, insertUnits, p.ID, p.Capacity); err != nil {
		return mapError("create units", err)
	}
	return nil
}

func (t *Tx) GetPool(ctx context.Context, id string) (domain.Pool, error) {
	const query = `SELECT id, name, capacity, created_at FROM pools WHERE id = $1`
	var p domain.Pool
	err := t.queryRow(ctx, query, id).Scan(&p.ID, &p.Name, &p.Capacity, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Pool{}, domain.ErrPoolNotFound
		}
		return domain.Pool{}, mapError("get pool", err)
	}
	return p, nil
}

func (t *Tx) FindPoolByName(ctx context.Context, name string) (*domain.Pool, error) {
	const query = `SELECT id, name, capacity, created_at FROM pools WHERE name = $1`
	var p domain.Pool
	err := t.queryRow(ctx, query, name).Scan(&p.ID, &p.Name, &p.Capacity, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, mapError("find pool by name", err)
	}
	return &p, nil
}

func (t *Tx) ListPools(ctx context.Context) ([]domain.Pool, error) {
	const query = `SELECT id, name, capacity, created_at FROM pools ORDER BY created_at, name`
	rows, err := t.tx.Query(ctx, query)
	if err != nil {
		return nil, mapError("list pools", err)
	}
	defer rows.Close()

	var pools []domain.Pool
	for rows.Next() {
		var p domain.Pool
		if err := rows.Scan(&p.ID, &p.Name, &p.Capacity, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan pool: %w", err)
		}
		pools = append(pools, p)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("list pools", err)
	}
	return pools, nil
}

func (t *Tx) CountUnits(ctx context.Context, poolID string) (domain.PoolCounts, error) {
	p, err := t.GetPool(ctx, poolID)
	if err != nil {
		return domain.PoolCounts{}, err
	}

	const query = `
SELECT
	COUNT(*) FILTER (WHERE status = 'available'),
	COUNT(*) FILTER (WHERE status = 'held'),
	COUNT(*) FILTER (WHERE status = 'sold')
FROM units
WHERE pool_id = $1`
	counts := domain.PoolCounts{PoolID: p.ID, Capacity: p.Capacity}
	if err := t.queryRow(ctx, query, poolID).Scan(&counts.Available, &counts.Held, &counts.Sold); err != nil {
		return domain.PoolCounts{}, mapError("count units", err)
	}
	return counts, nil
}
